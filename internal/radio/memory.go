package radio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// MemoryLink is an in-process Link for tests. A global registry maps string
// IDs to instances; Scan discovers any other registered link and Connect
// wires the two together. Power transitions are test-driven via SetPower.
type MemoryLink struct {
	id string

	mu       sync.Mutex
	peer     *MemoryLink
	writeErr error

	inbound chan []byte
	power   chan PowerState
	disc    chan error
}

var (
	registryMu sync.Mutex
	registry   = map[string]*MemoryLink{}
	nextID     int
)

// NewMemory creates a MemoryLink with a unique ID and registers it.
func NewMemory() *MemoryLink {
	registryMu.Lock()
	nextID++
	l := &MemoryLink{
		id:      fmt.Sprintf("mem-%d", nextID),
		inbound: make(chan []byte, 256),
		power:   make(chan PowerState, 8),
		disc:    make(chan error, 4),
	}
	registry[l.id] = l
	registryMu.Unlock()
	return l
}

func (l *MemoryLink) ID() string { return l.id }

// SetPower injects a power transition, as the platform would.
func (l *MemoryLink) SetPower(p PowerState) {
	l.power <- p
}

// SetWriteErr makes subsequent writes fail with err (nil to clear).
func (l *MemoryLink) SetWriteErr(err error) {
	l.mu.Lock()
	l.writeErr = err
	l.mu.Unlock()
}

func (l *MemoryLink) Scan(ctx context.Context) (string, error) {
	for {
		registryMu.Lock()
		for id := range registry {
			if id != l.id {
				registryMu.Unlock()
				return id, nil
			}
		}
		registryMu.Unlock()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (l *MemoryLink) Connect(ctx context.Context, addr string) error {
	registryMu.Lock()
	other, ok := registry[addr]
	registryMu.Unlock()
	if !ok {
		return fmt.Errorf("memory link: no peer with id %q", addr)
	}
	l.mu.Lock()
	l.peer = other
	l.mu.Unlock()
	other.mu.Lock()
	other.peer = l
	other.mu.Unlock()
	return nil
}

func (l *MemoryLink) DiscoverServices(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.peer == nil {
		return errors.New("memory link: not connected")
	}
	return nil
}

func (l *MemoryLink) Write(ctx context.Context, b []byte) error {
	l.mu.Lock()
	peer := l.peer
	werr := l.writeErr
	l.mu.Unlock()
	if werr != nil {
		return werr
	}
	if peer == nil {
		return errors.New("memory link: not connected")
	}
	buf := make([]byte, len(b))
	copy(buf, b)
	select {
	case peer.inbound <- buf:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *MemoryLink) Disconnect() {
	l.mu.Lock()
	peer := l.peer
	l.peer = nil
	l.mu.Unlock()
	if peer != nil {
		peer.mu.Lock()
		peer.peer = nil
		peer.mu.Unlock()
		select {
		case peer.disc <- errors.New("peer disconnected"):
		default:
		}
	}
}

func (l *MemoryLink) Inbound() <-chan []byte    { return l.inbound }
func (l *MemoryLink) Power() <-chan PowerState  { return l.power }
func (l *MemoryLink) Disconnects() <-chan error { return l.disc }

func (l *MemoryLink) Close() error {
	l.Disconnect()
	registryMu.Lock()
	delete(registry, l.id)
	registryMu.Unlock()
	return nil
}
