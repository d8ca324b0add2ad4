// Package message defines the application message model and the JSON
// envelope carried as packet payload over every transport.
package message

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/designdream/robot-heart-ios-sub004/internal/protocol"
)

// Type classifies a message for routing and local dispatch.
type Type string

const (
	Text         Type = "text"
	Location     Type = "location"
	Confirmation Type = "delivery_confirmation"
	Announcement Type = "camp_announcement"
	Emergency    Type = "emergency"
)

// Port returns the wire port number for the type.
func (t Type) Port() uint32 {
	switch t {
	case Text:
		return protocol.PortTextMessage
	case Location:
		return protocol.PortPosition
	case Confirmation:
		return protocol.PortAck
	case Announcement:
		return protocol.PortAnnouncement
	case Emergency:
		return protocol.PortEmergency
	}
	return protocol.PortUnknown
}

// TypeForPort maps a wire port back to a message type.
func TypeForPort(port uint32) (Type, bool) {
	switch port {
	case protocol.PortTextMessage:
		return Text, true
	case protocol.PortPosition:
		return Location, true
	case protocol.PortAck:
		return Confirmation, true
	case protocol.PortAnnouncement:
		return Announcement, true
	case protocol.PortEmergency:
		return Emergency, true
	}
	return "", false
}

// Priority tags a message's urgency for display and routing policy.
// The delivery pipeline itself treats all records alike.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// BroadcastRecipient is the sentinel recipient addressing every node.
const BroadcastRecipient = "*"

// DefaultTTLHops bounds how many times a message may be relayed.
const DefaultTTLHops = 7

// Message is one user-visible unit of communication. Immutable once created;
// relays mutate only the packet-level hop counter, never the message.
type Message struct {
	ID          string
	SenderID    string
	SenderName  string
	RecipientID string // BroadcastRecipient for broadcasts
	Type        Type
	Content     string
	CreatedAt   time.Time
	TTLHops     int
	Priority    Priority

	// Set for Location messages only.
	Lat, Lon *float64
}

// New creates a message with a fresh 128-bit id.
func New(senderID, senderName, recipientID string, typ Type, content string) Message {
	pri := PriorityNormal
	if typ == Emergency {
		pri = PriorityHigh
	}
	return Message{
		ID:          uuid.NewString(),
		SenderID:    senderID,
		SenderName:  senderName,
		RecipientID: recipientID,
		Type:        typ,
		Content:     content,
		CreatedAt:   time.Now().UTC(),
		TTLHops:     DefaultTTLHops,
		Priority:    pri,
	}
}

// Broadcast reports whether the message addresses every node.
func (m Message) Broadcast() bool {
	return m.RecipientID == "" || m.RecipientID == BroadcastRecipient
}

// Envelope is the JSON wire form shared by the mesh transports and the
// remote object store.
type Envelope struct {
	ID          string   `json:"id"`
	SenderID    string   `json:"senderID"`
	SenderName  string   `json:"senderName,omitempty"`
	RecipientID string   `json:"recipientID"`
	MessageType Type     `json:"messageType"`
	Content     string   `json:"content,omitempty"`
	Timestamp   int64    `json:"timestamp"`
	LocationLat *float64 `json:"locationLat,omitempty"`
	LocationLon *float64 `json:"locationLon,omitempty"`
	// TTLHops is the remaining relay budget; relays decrement it and drop
	// the message at zero.
	TTLHops int `json:"ttlHops,omitempty"`
}

var ErrEnvelopeTooLarge = errors.New("message: envelope exceeds transport size cap")

// Envelope returns the wire envelope for m.
func (m Message) Envelope() Envelope {
	return Envelope{
		ID:          m.ID,
		SenderID:    m.SenderID,
		SenderName:  m.SenderName,
		RecipientID: m.RecipientID,
		MessageType: m.Type,
		Content:     m.Content,
		Timestamp:   m.CreatedAt.Unix(),
		LocationLat: m.Lat,
		LocationLon: m.Lon,
		TTLHops:     m.TTLHops,
	}
}

// Message reconstructs the model from a received envelope.
func (e Envelope) Message() Message {
	pri := PriorityNormal
	if e.MessageType == Emergency {
		pri = PriorityHigh
	}
	ttl := e.TTLHops
	if ttl <= 0 {
		ttl = DefaultTTLHops
	}
	return Message{
		ID:          e.ID,
		SenderID:    e.SenderID,
		SenderName:  e.SenderName,
		RecipientID: e.RecipientID,
		Type:        e.MessageType,
		Content:     e.Content,
		CreatedAt:   time.Unix(e.Timestamp, 0).UTC(),
		TTLHops:     ttl,
		Priority:    pri,
		Lat:         e.LocationLat,
		Lon:         e.LocationLon,
	}
}

// Marshal encodes the envelope, enforcing the payload cap of the profile it
// will travel on.
func (e Envelope) Marshal(profile protocol.Profile) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	if len(b) > profile.MaxPayload() {
		return nil, ErrEnvelopeTooLarge
	}
	return b, nil
}

// ParseEnvelope decodes a payload previously produced by Marshal.
func ParseEnvelope(b []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, err
	}
	if e.ID == "" {
		return Envelope{}, errors.New("message: envelope missing id")
	}
	return e, nil
}
