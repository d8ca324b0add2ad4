// Package radio drives the short-range wireless connection lifecycle.
//
// The platform radio is exposed through the Link interface; the Manager owns
// the single active connection and runs the state machine:
//
//	Disconnected → Scanning → Connecting → Connected → DiscoveringServices → Ready
//
// Any state can fall back to Disconnected on error or explicit disconnect.
// Power loss forces RadioUnavailable from any state and auto-recovers to
// Disconnected when power returns. Only Ready permits sends, and writes are
// serialized: exactly one in flight, the rest queue in issue order.
package radio

import "errors"

// State is the connection lifecycle position.
type State int

const (
	Disconnected State = iota
	RadioUnavailable
	Scanning
	Connecting
	Connected
	DiscoveringServices
	Ready
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case RadioUnavailable:
		return "radio_unavailable"
	case Scanning:
		return "scanning"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case DiscoveringServices:
		return "discovering_services"
	case Ready:
		return "ready"
	}
	return "unknown"
}

// PowerState of the underlying radio hardware.
type PowerState int

const (
	PowerUnknown PowerState = iota
	PowerOn
	PowerOff
	PowerUnauthorized
)

var (
	ErrNotConnected       = errors.New("radio: not connected")
	ErrRadioUnavailable   = errors.New("radio: radio unavailable")
	ErrPeripheralNotFound = errors.New("radio: peripheral not found")
	ErrServiceNotFound    = errors.New("radio: service not found")
	ErrConnectTimeout     = errors.New("radio: connect timeout")
	ErrSendFailed         = errors.New("radio: send failed")
)
