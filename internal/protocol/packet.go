// Package protocol defines the mesh wire format.
//
// Every packet carries a fixed 13-byte header followed by a variable-length
// payload. All multi-byte integers are little-endian. The payload cap depends
// on the transport profile: short-range radio links carry up to 512 bytes,
// long-range links only 200. The codec is stateless and side-effect free;
// unknown port numbers decode cleanly so relays never need to understand the
// traffic they forward.
package protocol

import (
	"encoding/binary"
	"errors"
)

const (
	// HeaderSize is magic(2) + dest(4) + port(4) + wantAck(1) + payloadLen(2).
	HeaderSize = 13

	// Broadcast is the destination node id addressing every node in range.
	Broadcast uint32 = 0
)

// Magic identifies a mesh packet. Bytes "RH".
var Magic = [2]byte{0x52, 0x48}

// Port numbers select the application payload type.
const (
	PortUnknown      uint32 = 0
	PortTextMessage  uint32 = 1
	PortPosition     uint32 = 3
	PortAck          uint32 = 4
	PortAnnouncement uint32 = 5
	PortEmergency    uint32 = 6
)

// Profile selects the payload size bound of the active transport.
type Profile int

const (
	// ShortRange is the local radio link profile (512-byte payloads).
	ShortRange Profile = iota
	// LongRange is the low-bandwidth link profile (200-byte payloads).
	LongRange
)

// MaxPayload returns the payload byte cap for the profile.
func (p Profile) MaxPayload() int {
	if p == LongRange {
		return 200
	}
	return 512
}

func (p Profile) String() string {
	if p == LongRange {
		return "longrange"
	}
	return "shortrange"
}

var (
	ErrInvalidHeader    = errors.New("protocol: invalid header")
	ErrTruncatedPayload = errors.New("protocol: truncated payload")
	ErrPayloadTooLarge  = errors.New("protocol: payload too large")
	ErrUnsupportedPort  = errors.New("protocol: unsupported port")
)

// Packet is one unit of mesh traffic.
type Packet struct {
	Dest    uint32 // destination node id; Broadcast = everyone
	Port    uint32
	WantAck bool
	Payload []byte
}

// Encode serialises p for the given transport profile.
// Fails with ErrPayloadTooLarge when the payload exceeds the profile bound.
func (p *Packet) Encode(profile Profile) ([]byte, error) {
	if len(p.Payload) > profile.MaxPayload() {
		return nil, ErrPayloadTooLarge
	}
	buf := make([]byte, HeaderSize+len(p.Payload))
	copy(buf[:2], Magic[:])
	binary.LittleEndian.PutUint32(buf[2:], p.Dest)
	binary.LittleEndian.PutUint32(buf[6:], p.Port)
	if p.WantAck {
		buf[10] = 1
	}
	binary.LittleEndian.PutUint16(buf[11:], uint16(len(p.Payload)))
	copy(buf[HeaderSize:], p.Payload)
	return buf, nil
}

// Decode parses a wire packet. Pure: the returned Packet owns a copy of the
// payload bytes. Unknown ports are not an error; callers that dispatch
// locally check KnownPort instead so relaying never stalls on new traffic.
func Decode(b []byte) (Packet, error) {
	if len(b) < HeaderSize || b[0] != Magic[0] || b[1] != Magic[1] {
		return Packet{}, ErrInvalidHeader
	}
	plen := int(binary.LittleEndian.Uint16(b[11:]))
	if len(b)-HeaderSize < plen {
		return Packet{}, ErrTruncatedPayload
	}
	p := Packet{
		Dest:    binary.LittleEndian.Uint32(b[2:]),
		Port:    binary.LittleEndian.Uint32(b[6:]),
		WantAck: b[10] == 1,
		Payload: make([]byte, plen),
	}
	copy(p.Payload, b[HeaderSize:HeaderSize+plen])
	return p, nil
}

// KnownPort reports whether port maps to an application payload type this
// node can deliver locally.
func KnownPort(port uint32) bool {
	switch port {
	case PortTextMessage, PortPosition, PortAck, PortAnnouncement, PortEmergency:
		return true
	}
	return false
}
