package radio

import "context"

// Link abstracts the platform radio primitives: scan, connect, service
// discovery, acknowledged writes and notifications. The Manager uses this
// interface exclusively so tests can inject an in-memory link without real
// hardware or sockets.
type Link interface {
	// Scan blocks until a peer is discovered or ctx is done.
	Scan(ctx context.Context) (string, error)

	// Connect establishes the single active connection to addr.
	Connect(ctx context.Context, addr string) error

	// DiscoverServices negotiates the messaging service on the connection.
	DiscoverServices(ctx context.Context) error

	// Write transmits b and blocks until the peer's acknowledgment callback
	// fires (or ctx is done). The Manager guarantees one Write in flight.
	Write(ctx context.Context, b []byte) error

	// Disconnect tears down the active connection, if any. Idempotent.
	Disconnect()

	// Inbound returns bytes pushed by the connected peer.
	Inbound() <-chan []byte

	// Power returns power state transitions of the radio hardware.
	Power() <-chan PowerState

	// Disconnects signals loss of the active connection.
	Disconnects() <-chan error

	// Close releases the link and all its channels.
	Close() error
}
