package protocol

import (
	"bytes"
	"testing"
	"time"
)

func TestEncodeDecodeRoundtrip(t *testing.T) {
	tests := []struct {
		name string
		pkt  Packet
	}{
		{"text", Packet{Dest: 42, Port: PortTextMessage, Payload: []byte("hi")}},
		{"broadcast ack", Packet{Dest: Broadcast, Port: PortAnnouncement, WantAck: true, Payload: []byte("camp meeting 6pm")}},
		{"empty payload", Packet{Dest: 7, Port: PortAck}},
		{"full shortrange", Packet{Dest: 9, Port: PortTextMessage, Payload: bytes.Repeat([]byte{0xAB}, 512)}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			wire, err := tc.pkt.Encode(ShortRange)
			if err != nil {
				t.Fatal(err)
			}
			if len(wire) != HeaderSize+len(tc.pkt.Payload) {
				t.Fatalf("wire size %d", len(wire))
			}
			got, err := Decode(wire)
			if err != nil {
				t.Fatal(err)
			}
			if got.Dest != tc.pkt.Dest || got.Port != tc.pkt.Port || got.WantAck != tc.pkt.WantAck {
				t.Fatalf("header mismatch: %+v vs %+v", got, tc.pkt)
			}
			if !bytes.Equal(got.Payload, tc.pkt.Payload) {
				t.Fatal("payload mismatch")
			}
		})
	}
}

func TestTextMessageWire(t *testing.T) {
	// Scenario: "hi" to node 42, no ack requested.
	p := Packet{Dest: 42, Port: PortTextMessage, Payload: []byte("hi")}
	wire, err := p.Encode(ShortRange)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(wire)
	if err != nil {
		t.Fatal(err)
	}
	if got.Port != PortTextMessage {
		t.Fatalf("port %d, want PortTextMessage", got.Port)
	}
	if got.WantAck {
		t.Fatal("wantAck should be false")
	}
	if string(got.Payload) != "hi" {
		t.Fatalf("payload %q", got.Payload)
	}
}

func TestPayloadTooLarge(t *testing.T) {
	p := Packet{Dest: 1, Port: PortTextMessage, Payload: make([]byte, 201)}
	if _, err := p.Encode(LongRange); err != ErrPayloadTooLarge {
		t.Fatalf("longrange: got %v", err)
	}
	// Same payload is fine on the short-range profile.
	if _, err := p.Encode(ShortRange); err != nil {
		t.Fatalf("shortrange: %v", err)
	}
	p.Payload = make([]byte, 513)
	if _, err := p.Encode(ShortRange); err != ErrPayloadTooLarge {
		t.Fatalf("shortrange oversize: got %v", err)
	}
}

func TestDecodeBadMagic(t *testing.T) {
	p := Packet{Dest: 1, Port: PortTextMessage, Payload: []byte("x")}
	wire, _ := p.Encode(ShortRange)
	wire[0] = 0x00
	if _, err := Decode(wire); err != ErrInvalidHeader {
		t.Fatalf("got %v", err)
	}
}

func TestDecodeShortBuffer(t *testing.T) {
	if _, err := Decode([]byte{0x52, 0x48, 0x01}); err != ErrInvalidHeader {
		t.Fatalf("got %v", err)
	}
}

func TestDecodeTruncatedPayload(t *testing.T) {
	p := Packet{Dest: 3, Port: PortTextMessage, Payload: []byte("truncate me")}
	wire, _ := p.Encode(ShortRange)
	// Chop bytes off the end: declared length now exceeds the buffer.
	if _, err := Decode(wire[:len(wire)-4]); err != ErrTruncatedPayload {
		t.Fatalf("got %v", err)
	}
}

func TestDecodeUnknownPortPassesThrough(t *testing.T) {
	p := Packet{Dest: 5, Port: 999, Payload: []byte("future traffic")}
	wire, _ := p.Encode(ShortRange)
	got, err := Decode(wire)
	if err != nil {
		t.Fatalf("unknown port must not fail decode: %v", err)
	}
	if KnownPort(got.Port) {
		t.Fatal("port 999 should not be known")
	}
}

func TestPositionRoundtrip(t *testing.T) {
	pos := Position{
		Latitude:  40.7868000,
		Longitude: -119.2065000,
		Altitude:  1191,
		Time:      time.Unix(1724577600, 0).UTC(),
	}
	b := EncodePosition(pos)
	if len(b) != PositionSize {
		t.Fatalf("size %d", len(b))
	}
	got, err := DecodePosition(b)
	if err != nil {
		t.Fatal(err)
	}
	// Fixed-point 1e7 keeps ~1cm precision.
	if diff := got.Latitude - pos.Latitude; diff > 1e-7 || diff < -1e-7 {
		t.Fatalf("lat %v", got.Latitude)
	}
	if diff := got.Longitude - pos.Longitude; diff > 1e-7 || diff < -1e-7 {
		t.Fatalf("lon %v", got.Longitude)
	}
	if got.Altitude != pos.Altitude || !got.Time.Equal(pos.Time) {
		t.Fatalf("got %+v", got)
	}
}

func TestPositionTruncated(t *testing.T) {
	if _, err := DecodePosition(make([]byte, 12)); err != ErrTruncatedPayload {
		t.Fatalf("got %v", err)
	}
}
