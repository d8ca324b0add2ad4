// Package router decides which transports carry each outbound message.
//
// A static table maps message type to an ordered transport list plus a
// redundancy flag. Simple types use exactly one transport, falling through
// unavailable entries. Redundant types (emergency, camp announcement) go out
// on every listed transport concurrently; the message counts as locally sent
// once any transport accepts, but each transport that did not accept stays
// owed in the retry queue, so redundancy never masks partial failure.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/designdream/robot-heart-ios-sub004/internal/message"
	"github.com/designdream/robot-heart-ios-sub004/internal/retry"
)

// Transport names used by the default table.
const (
	TransportShortRange = "shortrange"
	TransportLongRange  = "longrange"
	TransportCloud      = "cloud"
)

var (
	ErrNoRoute            = errors.New("router: no route for message type")
	ErrNetworkUnreachable = errors.New("router: network unreachable")
)

// Transport is one independently-available delivery path.
type Transport interface {
	Name() string
	// Available reports whether the transport can accept a send right now
	// (radio Ready, gateway promoted, ...). Advisory: Send may still fail.
	Available() bool
	Send(ctx context.Context, env message.Envelope) error
}

// Policy is one routing table row.
type Policy struct {
	Transports []string
	Redundant  bool
}

// DefaultTable is the static routing policy.
func DefaultTable() map[message.Type]Policy {
	return map[message.Type]Policy{
		message.Text:         {Transports: []string{TransportShortRange, TransportLongRange}},
		message.Location:     {Transports: []string{TransportShortRange}},
		message.Confirmation: {Transports: []string{TransportShortRange, TransportLongRange}},
		message.Announcement: {Transports: []string{TransportShortRange, TransportLongRange, TransportCloud}, Redundant: true},
		message.Emergency:    {Transports: []string{TransportShortRange, TransportLongRange, TransportCloud}, Redundant: true},
	}
}

// Router routes outbound messages and hands failures to the retry queue.
type Router struct {
	table map[message.Type]Policy
	queue *retry.Queue

	mu         sync.RWMutex
	transports map[string]Transport
}

// New creates a Router. queue may be nil only in tests that assert pure
// routing decisions.
func New(table map[message.Type]Policy, queue *retry.Queue) *Router {
	return &Router{
		table:      table,
		queue:      queue,
		transports: make(map[string]Transport),
	}
}

// Register adds a transport under its name. Later registrations replace
// earlier ones, which lets tests swap in doubles.
func (r *Router) Register(t Transport) {
	r.mu.Lock()
	r.transports[t.Name()] = t
	r.mu.Unlock()
}

func (r *Router) transport(name string) Transport {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.transports[name]
}

// Dispatch routes msg. Ownership transfers to the retry queue for any
// transport that did not accept; a nil return means the message was either
// sent or durably queued.
func (r *Router) Dispatch(ctx context.Context, msg message.Message) error {
	policy, ok := r.table[msg.Type]
	if !ok || len(policy.Transports) == 0 {
		return ErrNoRoute
	}
	env := msg.Envelope()
	if policy.Redundant {
		return r.dispatchRedundant(ctx, env, policy)
	}
	return r.dispatchSingle(ctx, env, policy)
}

// dispatchSingle walks the list top-down and uses exactly one transport.
// Unavailable entries are skipped without creating retry records; if nothing
// accepts, the message is queued against the transports that actually
// failed, or against the first choice when everything was merely offline.
func (r *Router) dispatchSingle(ctx context.Context, env message.Envelope, policy Policy) error {
	var failed []string
	for _, name := range policy.Transports {
		t := r.transport(name)
		if t == nil || !t.Available() {
			continue
		}
		if err := t.Send(ctx, env); err != nil {
			failed = append(failed, name)
			continue
		}
		return nil
	}
	owed := failed
	if len(owed) == 0 {
		owed = policy.Transports[:1]
	}
	return r.enqueue(env, owed)
}

// dispatchRedundant issues sends on all listed transports concurrently.
// Unavailable transports count as failed here: an emergency owed to the
// cloud while offline must surface when a gateway promotes.
func (r *Router) dispatchRedundant(ctx context.Context, env message.Envelope, policy Policy) error {
	var wg sync.WaitGroup
	results := make([]error, len(policy.Transports))
	for i, name := range policy.Transports {
		t := r.transport(name)
		if t == nil || !t.Available() {
			results[i] = ErrNetworkUnreachable
			continue
		}
		wg.Add(1)
		go func(i int, t Transport) {
			defer wg.Done()
			results[i] = t.Send(ctx, env)
		}(i, t)
	}
	wg.Wait()

	var owed []string
	for i, err := range results {
		if err != nil {
			owed = append(owed, policy.Transports[i])
		}
	}
	if len(owed) == 0 {
		return nil
	}
	return r.enqueue(env, owed)
}

// Relay re-broadcasts an inbound envelope on every available transport
// except the one it arrived on. Best-effort: relays are not queued.
func (r *Router) Relay(ctx context.Context, env message.Envelope, exceptTransport string) {
	r.mu.RLock()
	var targets []Transport
	for name, t := range r.transports {
		if name == exceptTransport || !t.Available() {
			continue
		}
		targets = append(targets, t)
	}
	r.mu.RUnlock()
	for _, t := range targets {
		t.Send(ctx, env) //nolint:errcheck
	}
}

func (r *Router) enqueue(env message.Envelope, owed []string) error {
	if r.queue == nil {
		return fmt.Errorf("router: %s undeliverable on %v", env.ID, owed)
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return r.queue.Enqueue(env.ID, raw, owed)
}
