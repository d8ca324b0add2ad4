package node

import (
	"context"
	"hash/fnv"

	"github.com/designdream/robot-heart-ios-sub004/internal/message"
	"github.com/designdream/robot-heart-ios-sub004/internal/protocol"
	"github.com/designdream/robot-heart-ios-sub004/internal/radio"
)

// IDFor derives the 32-bit wire destination id from a device id string.
// Zero is reserved for broadcast. Collisions are tolerable: final addressing
// is by the envelope's recipientID, the numeric dest only prunes traffic.
func IDFor(deviceID string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(deviceID)) //nolint:errcheck
	id := h.Sum32()
	if id == protocol.Broadcast {
		id = 1
	}
	return id
}

// meshTransport adapts a radio Manager to the router's transport contract:
// it packs envelopes into wire packets sized for the link's profile.
type meshTransport struct {
	name string
	mgr  *radio.Manager
}

func (t *meshTransport) Name() string { return t.name }

func (t *meshTransport) Available() bool { return t.mgr.State() == radio.Ready }

func (t *meshTransport) Send(ctx context.Context, env message.Envelope) error {
	port := env.MessageType.Port()
	if port == protocol.PortUnknown {
		return protocol.ErrUnsupportedPort
	}
	payload, err := env.Marshal(t.mgr.Profile())
	if err != nil {
		return err
	}
	dest := protocol.Broadcast
	if env.RecipientID != "" && env.RecipientID != message.BroadcastRecipient {
		dest = IDFor(env.RecipientID)
	}
	pkt := protocol.Packet{
		Dest:    dest,
		Port:    port,
		WantAck: dest != protocol.Broadcast && env.MessageType != message.Confirmation,
		Payload: payload,
	}
	data, err := pkt.Encode(t.mgr.Profile())
	if err != nil {
		return err
	}
	return t.mgr.Send(ctx, data)
}
