package router

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/designdream/robot-heart-ios-sub004/internal/message"
	"github.com/designdream/robot-heart-ios-sub004/internal/retry"
)

// fakeTransport records sends and returns a scripted result.
type fakeTransport struct {
	name      string
	available bool
	err       error

	mu    sync.Mutex
	sends []message.Envelope
}

func (f *fakeTransport) Name() string    { return f.name }
func (f *fakeTransport) Available() bool { return f.available }
func (f *fakeTransport) Send(ctx context.Context, env message.Envelope) error {
	f.mu.Lock()
	f.sends = append(f.sends, env)
	f.mu.Unlock()
	return f.err
}

func (f *fakeTransport) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

func newTestQueue(t *testing.T) *retry.Queue {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "q.db"), 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	q, err := retry.Open(db, func(ctx context.Context, tr string, env []byte) error {
		return errors.New("offline")
	})
	if err != nil {
		t.Fatal(err)
	}
	return q
}

func TestSimpleTypeUsesExactlyOneTransport(t *testing.T) {
	short := &fakeTransport{name: TransportShortRange, available: true}
	long := &fakeTransport{name: TransportLongRange, available: true}
	r := New(DefaultTable(), newTestQueue(t))
	r.Register(short)
	r.Register(long)

	msg := message.New("u1", "", "u2", message.Text, "hi")
	if err := r.Dispatch(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	if short.sendCount() != 1 || long.sendCount() != 0 {
		t.Fatalf("sends: short=%d long=%d", short.sendCount(), long.sendCount())
	}
}

func TestUnavailableFirstChoiceFallsThroughWithoutRetryRecord(t *testing.T) {
	q := newTestQueue(t)
	short := &fakeTransport{name: TransportShortRange, available: false}
	long := &fakeTransport{name: TransportLongRange, available: true}
	r := New(DefaultTable(), q)
	r.Register(short)
	r.Register(long)

	msg := message.New("u1", "", "u2", message.Text, "hi")
	if err := r.Dispatch(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	if short.sendCount() != 0 || long.sendCount() != 1 {
		t.Fatalf("sends: short=%d long=%d", short.sendCount(), long.sendCount())
	}
	rec, _ := q.Get(msg.ID)
	if rec != nil {
		t.Fatalf("skipped transport must not create a retry record: %+v", rec)
	}
}

func TestAllUnavailableQueuesFirstChoice(t *testing.T) {
	q := newTestQueue(t)
	r := New(DefaultTable(), q)
	r.Register(&fakeTransport{name: TransportShortRange, available: false})
	r.Register(&fakeTransport{name: TransportLongRange, available: false})

	msg := message.New("u1", "", "u2", message.Text, "hi")
	if err := r.Dispatch(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	rec, _ := q.Get(msg.ID)
	if rec == nil {
		t.Fatal("fully-offline send must be queued")
	}
	if len(rec.Transports) != 1 || rec.Transports[0] != TransportShortRange {
		t.Fatalf("owed %v", rec.Transports)
	}
	if rec.Attempts != 0 {
		t.Fatalf("attempts %d", rec.Attempts)
	}
}

func TestSendFailureCreatesRetryRecord(t *testing.T) {
	q := newTestQueue(t)
	short := &fakeTransport{name: TransportShortRange, available: true, err: errors.New("write failed")}
	r := New(DefaultTable(), q)
	r.Register(short)

	msg := message.New("u1", "", "u2", message.Location, "")
	if err := r.Dispatch(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	rec, _ := q.Get(msg.ID)
	if rec == nil || rec.State != retry.StatePending {
		t.Fatalf("record %+v", rec)
	}
	if len(rec.Transports) != 1 || rec.Transports[0] != TransportShortRange {
		t.Fatalf("owed %v", rec.Transports)
	}
}

func TestRedundantSendsOnAllTransports(t *testing.T) {
	q := newTestQueue(t)
	short := &fakeTransport{name: TransportShortRange, available: true}
	long := &fakeTransport{name: TransportLongRange, available: true}
	cloud := &fakeTransport{name: TransportCloud, available: true}
	r := New(DefaultTable(), q)
	r.Register(short)
	r.Register(long)
	r.Register(cloud)

	msg := message.New("u1", "", message.BroadcastRecipient, message.Emergency, "medic!")
	if err := r.Dispatch(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	if short.sendCount() != 1 || long.sendCount() != 1 || cloud.sendCount() != 1 {
		t.Fatal("redundant type must hit every listed transport")
	}
	if rec, _ := q.Get(msg.ID); rec != nil {
		t.Fatalf("full success must not queue: %+v", rec)
	}
}

func TestRedundantPartialFailureIsNotMasked(t *testing.T) {
	q := newTestQueue(t)
	short := &fakeTransport{name: TransportShortRange, available: true}
	long := &fakeTransport{name: TransportLongRange, available: true, err: errors.New("airtime exhausted")}
	cloud := &fakeTransport{name: TransportCloud, available: false}
	r := New(DefaultTable(), q)
	r.Register(short)
	r.Register(long)
	r.Register(cloud)

	msg := message.New("u1", "", message.BroadcastRecipient, message.Announcement, "gate 7pm")
	if err := r.Dispatch(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	// shortrange accepted → locally sent; but longrange failed and cloud was
	// unreachable, so both stay owed.
	rec, _ := q.Get(msg.ID)
	if rec == nil {
		t.Fatal("partial failure must queue")
	}
	owed := map[string]bool{}
	for _, tr := range rec.Transports {
		owed[tr] = true
	}
	if !owed[TransportLongRange] || !owed[TransportCloud] || owed[TransportShortRange] {
		t.Fatalf("owed %v", rec.Transports)
	}
}

func TestNoRouteForUnknownType(t *testing.T) {
	r := New(DefaultTable(), newTestQueue(t))
	msg := message.New("u1", "", "u2", message.Type("bogus"), "x")
	if err := r.Dispatch(context.Background(), msg); err != ErrNoRoute {
		t.Fatalf("got %v", err)
	}
}

func TestRelaySkipsOriginTransport(t *testing.T) {
	short := &fakeTransport{name: TransportShortRange, available: true}
	long := &fakeTransport{name: TransportLongRange, available: true}
	r := New(DefaultTable(), nil)
	r.Register(short)
	r.Register(long)

	env := message.New("u9", "", message.BroadcastRecipient, message.Text, "relayed").Envelope()
	r.Relay(context.Background(), env, TransportShortRange)

	if short.sendCount() != 0 {
		t.Fatal("relay must not echo back toward the origin transport")
	}
	if long.sendCount() != 1 {
		t.Fatalf("long sends %d", long.sendCount())
	}
}
