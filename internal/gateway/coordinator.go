package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/designdream/robot-heart-ios-sub004/internal/merge"
	"github.com/designdream/robot-heart-ios-sub004/internal/message"
	"github.com/designdream/robot-heart-ios-sub004/internal/retry"
	"github.com/designdream/robot-heart-ios-sub004/internal/seen"
)

// TransportName is the router transport name the coordinator registers as.
const TransportName = "cloud"

// DefaultSyncInterval paces the periodic sync loop while promoted.
const DefaultSyncInterval = 60 * time.Second

// syncTimeout bounds one full push/pull/merge pass.
const syncTimeout = 30 * time.Second

// ErrNotPromoted rejects cloud sends while the node is not a gateway.
var ErrNotPromoted = errors.New("gateway: not promoted")

var (
	bucketStatus  = []byte("gateway_status")
	bucketReplica = []byte("replica")
	keyStatus     = []byte("status")
	keyReplica    = []byte("local")
)

// Status is the persisted gateway state.
type Status struct {
	IsGateway    bool          `json:"isGateway"`
	Reachability InterfaceKind `json:"reachabilityKind"`
	LastSyncAt   time.Time     `json:"lastSyncAt"`
}

// EventKind classifies coordinator events.
type EventKind int

const (
	EventPromoted EventKind = iota
	EventDemoted
	EventSyncCompleted
	EventConflict
)

// Event is emitted on the Events channel.
type Event struct {
	Kind      EventKind
	Status    Status
	Pushed    int
	Pulled    int
	Conflicts []merge.Conflict
}

// queueSnapshot is the sync/{deviceId}/queue.json document.
type queueSnapshot struct {
	DeviceID   string    `json:"deviceId"`
	MessageIDs []string  `json:"messageIds"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Config wires a Coordinator.
type Config struct {
	DeviceID string
	UserID   string
	Store    ObjectStore
	DB       *bolt.DB
	Queue    *retry.Queue
	Seen     *seen.Cache
	Monitor  Monitor
	// Inject feeds a pulled envelope into the mesh relay path. The seen
	// cache guards re-pulls, so each remote message enters at most once.
	Inject       func(env message.Envelope)
	SyncInterval time.Duration
}

// Coordinator watches reachability and runs the gateway sync loop. It also
// doubles as the router's "cloud" transport.
type Coordinator struct {
	cfg Config

	mu     sync.Mutex
	status Status

	events chan Event

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a Coordinator. The node always starts demoted; reachability is
// unknown until the monitor's first sample.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil || cfg.DB == nil || cfg.Queue == nil || cfg.Seen == nil || cfg.Monitor == nil {
		return nil, errors.New("gateway: incomplete config")
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = DefaultSyncInterval
	}
	if cfg.Inject == nil {
		cfg.Inject = func(message.Envelope) {}
	}
	err := cfg.DB.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketStatus); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketReplica)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("gateway: open buckets: %w", err)
	}
	c := &Coordinator{
		cfg:    cfg,
		status: Status{Reachability: InterfaceNone},
		events: make(chan Event, 16),
		stopCh: make(chan struct{}),
	}
	// Carry lastSyncAt across restarts; promotion state never carries.
	if prev, err := c.loadStatus(); err == nil && prev != nil {
		c.status.LastSyncAt = prev.LastSyncAt
	}
	return c, nil
}

// Start launches the reachability/sync loop.
func (c *Coordinator) Start() {
	go c.loop()
}

// Stop halts the loop. In-flight store requests run to completion.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Events reports promotions, demotions, sync results and merge conflicts.
func (c *Coordinator) Events() <-chan Event { return c.events }

// Status returns a snapshot of the gateway state.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Name implements the router transport.
func (c *Coordinator) Name() string { return TransportName }

// Available reports whether the node is currently promoted.
func (c *Coordinator) Available() bool {
	return c.Status().IsGateway
}

// Send uploads an envelope to the remote store. The store deduplicates by
// message id, so redundant gateways writing the same message are harmless.
func (c *Coordinator) Send(ctx context.Context, env message.Envelope) error {
	if !c.Available() {
		return ErrNotPromoted
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := c.cfg.Store.Write(ctx, messageKey(env.ID), raw); err != nil {
		return err
	}
	if env.MessageType == message.Location && env.LocationLat != nil && env.LocationLon != nil {
		// Location objects are keyed by user. For our own uploads the
		// envelope carries the device id, so substitute the owning user.
		owner := env.SenderID
		if env.SenderID == c.cfg.DeviceID && c.cfg.UserID != "" {
			owner = c.cfg.UserID
		}
		if err := c.cfg.Store.Write(ctx, locationKey(owner), raw); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) loop() {
	ticker := time.NewTicker(c.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case p, ok := <-c.cfg.Monitor.Updates():
			if !ok {
				return
			}
			c.handlePath(p)
		case <-ticker.C:
			if c.Available() {
				c.syncOnce()
			}
		}
	}
}

func (c *Coordinator) handlePath(p Path) {
	eligible := p.Eligible()

	c.mu.Lock()
	was := c.status.IsGateway
	c.status.IsGateway = eligible
	if p.Satisfied {
		c.status.Reachability = p.Interface
	} else {
		c.status.Reachability = InterfaceNone
	}
	st := c.status
	c.mu.Unlock()
	c.persistStatus(st)

	// Any connectivity change wakes the retry queue; reconnection, not
	// elapsed time, is what usually unblocks delivery.
	c.cfg.Queue.Kick()

	switch {
	case eligible && !was:
		log.Printf("gateway: promoted (%s)", p.Interface)
		c.emit(Event{Kind: EventPromoted, Status: st})
		c.syncOnce()
	case !eligible && was:
		log.Printf("gateway: demoted")
		c.emit(Event{Kind: EventDemoted, Status: st})
	}
}

// syncOnce runs one push-then-pull-then-merge pass against the store.
func (c *Coordinator) syncOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), syncTimeout)
	defer cancel()

	pushed := c.push(ctx)
	pulled := c.pull(ctx)
	conflicts := c.mergeReplica(ctx)

	c.mu.Lock()
	c.status.LastSyncAt = time.Now().UTC()
	st := c.status
	c.mu.Unlock()
	c.persistStatus(st)

	c.emit(Event{Kind: EventSyncCompleted, Status: st, Pushed: pushed, Pulled: pulled})
	if len(conflicts) > 0 {
		c.emit(Event{Kind: EventConflict, Status: st, Conflicts: conflicts})
	}
}

// push uploads every unsynced queue record, then publishes the queue
// snapshot and kicks the retry queue so cloud-owed records drain.
func (c *Coordinator) push(ctx context.Context) int {
	recs, err := c.cfg.Queue.Unsynced()
	if err != nil {
		log.Printf("gateway: list unsynced: %v", err)
		return 0
	}
	pushed := 0
	ids := make([]string, 0, len(recs))
	for _, rec := range recs {
		ids = append(ids, rec.MessageID)
		if err := c.cfg.Store.Write(ctx, messageKey(rec.MessageID), rec.Envelope); err != nil {
			log.Printf("gateway: push %s: %v", rec.MessageID, err)
			continue
		}
		pushed++
	}
	snap, err := json.Marshal(queueSnapshot{
		DeviceID:   c.cfg.DeviceID,
		MessageIDs: ids,
		UpdatedAt:  time.Now().UTC(),
	})
	if err == nil {
		if err := c.cfg.Store.Write(ctx, queueKey(c.cfg.DeviceID), snap); err != nil {
			log.Printf("gateway: write queue snapshot: %v", err)
		}
	}
	c.cfg.Queue.Kick()
	return pushed
}

// pull fetches remote messages this node has not seen and injects each into
// the relay path. The seen cache makes re-pulls idempotent.
func (c *Coordinator) pull(ctx context.Context) int {
	keys, err := c.cfg.Store.List(ctx, messagePrefix)
	if err != nil {
		log.Printf("gateway: list messages: %v", err)
		return 0
	}
	pulled := 0
	for _, key := range keys {
		id := messageIDFromKey(key)
		if id == "" || c.cfg.Seen.Has(id) {
			continue
		}
		raw, err := c.cfg.Store.Read(ctx, key)
		if err != nil {
			log.Printf("gateway: pull %s: %v", key, err)
			continue
		}
		env, err := message.ParseEnvelope(raw)
		if err != nil {
			log.Printf("gateway: pull %s: bad envelope: %v", key, err)
			continue
		}
		c.cfg.Inject(env)
		pulled++
	}
	return pulled
}

// mergeReplica reconciles the local replica with state/replica.json.
func (c *Coordinator) mergeReplica(ctx context.Context) []merge.Conflict {
	local := c.Replica()

	var remote merge.Replica
	raw, err := c.cfg.Store.Read(ctx, replicaKey)
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, &remote); err != nil {
			log.Printf("gateway: remote replica unreadable: %v", err)
			return nil
		}
	case errors.Is(err, ErrNotFound):
		// First gateway to sync seeds the remote replica.
	default:
		log.Printf("gateway: read replica: %v", err)
		return nil
	}

	merged, conflicts := merge.Merge(local, remote)
	if err := c.storeLocalReplica(merged); err != nil {
		log.Printf("gateway: persist replica: %v", err)
	}
	out, err := json.Marshal(merged)
	if err == nil {
		if err := c.cfg.Store.Write(ctx, replicaKey, out); err != nil {
			log.Printf("gateway: write replica: %v", err)
		}
	}
	return conflicts
}

// Replica returns the local replica snapshot.
func (c *Coordinator) Replica() merge.Replica {
	rep := merge.Replica{
		Counters: map[string]int64{},
		History:  map[string]merge.Entry{},
		Claims:   map[string]merge.Claim{},
	}
	err := c.cfg.DB.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketReplica).Get(keyReplica)
		if raw == nil {
			return nil
		}
		return json.Unmarshal(raw, &rep)
	})
	if err != nil {
		log.Printf("gateway: load replica: %v", err)
	}
	return rep
}

// UpdateReplica applies fn to the local replica atomically. Domain layers
// record counters, history and claims through this.
func (c *Coordinator) UpdateReplica(fn func(*merge.Replica)) error {
	return c.cfg.DB.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketReplica)
		rep := merge.Replica{
			Counters: map[string]int64{},
			History:  map[string]merge.Entry{},
			Claims:   map[string]merge.Claim{},
		}
		if raw := bkt.Get(keyReplica); raw != nil {
			if err := json.Unmarshal(raw, &rep); err != nil {
				return err
			}
		}
		fn(&rep)
		out, err := json.Marshal(rep)
		if err != nil {
			return err
		}
		return bkt.Put(keyReplica, out)
	})
}

func (c *Coordinator) storeLocalReplica(rep merge.Replica) error {
	return c.cfg.DB.Update(func(tx *bolt.Tx) error {
		out, err := json.Marshal(rep)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketReplica).Put(keyReplica, out)
	})
}

func (c *Coordinator) loadStatus() (*Status, error) {
	var st *Status
	err := c.cfg.DB.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketStatus).Get(keyStatus)
		if raw == nil {
			return nil
		}
		var s Status
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		st = &s
		return nil
	})
	return st, err
}

func (c *Coordinator) persistStatus(st Status) {
	err := c.cfg.DB.Update(func(tx *bolt.Tx) error {
		raw, err := json.Marshal(st)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketStatus).Put(keyStatus, raw)
	})
	if err != nil {
		log.Printf("gateway: persist status: %v", err)
	}
}

func (c *Coordinator) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
	}
}
