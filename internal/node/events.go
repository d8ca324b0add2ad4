package node

import (
	"github.com/designdream/robot-heart-ios-sub004/internal/gateway"
	"github.com/designdream/robot-heart-ios-sub004/internal/merge"
	"github.com/designdream/robot-heart-ios-sub004/internal/message"
	"github.com/designdream/robot-heart-ios-sub004/internal/radio"
)

// EventKind classifies node events.
type EventKind int

const (
	// EventMessageReceived fires once per unique inbound message addressed
	// to this node (or broadcast). Never fires twice for one id.
	EventMessageReceived EventKind = iota
	// EventMessageDelivered fires when an outbound message is confirmed
	// delivered, either by transport acceptance or a peer confirmation.
	EventMessageDelivered
	// EventMessageFailed fires when the retry budget for a message is
	// exhausted.
	EventMessageFailed
	EventPeerDiscovered
	EventConnectionStateChanged
	EventLocationUpdated
	EventGatewayStatusChanged
	EventConflictDetected
	// EventDecodeError is diagnostic: a malformed inbound packet was
	// dropped before the dedup stage.
	EventDecodeError
)

// Event is one entry on the node's event stream. Kind selects which fields
// are meaningful.
type Event struct {
	Kind EventKind

	Message   *message.Message // MessageReceived
	MessageID string           // MessageDelivered, MessageFailed

	Peer      string // PeerDiscovered
	Transport string // PeerDiscovered, ConnectionStateChanged, DecodeError
	State     radio.State

	NodeID   string // LocationUpdated
	Lat, Lon float64

	Gateway   *gateway.Status  // GatewayStatusChanged
	Conflicts []merge.Conflict // ConflictDetected

	Err error // DecodeError
}
