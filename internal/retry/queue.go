// Package retry implements the persistent store-and-forward queue.
//
// One record exists per undelivered message, keyed by message id and holding
// the set of transports still owed delivery. Records survive process
// restarts (bbolt) and are retried on an exponential backoff schedule:
// 30s, then ×1.5 per attempt, for up to 10 attempts. A connectivity change
// kicks all pending records immediately, bypassing the timer — the queue
// reacts to reconnection, not merely to elapsed time.
//
// All mutations are read-modify-write inside a single bbolt transaction, so
// the mesh relay path and the gateway sync loop can both observe the same
// message without lost updates.
package retry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// MaxAttempts is the retry budget per record.
	MaxAttempts = 10

	// InitialBackoff is the delay before the first retry.
	InitialBackoff = 30 * time.Second

	// BackoffFactor multiplies the interval after each attempt.
	BackoffFactor = 1.5
)

var ErrMaxRetriesExceeded = errors.New("retry: max retries exceeded")

var bucketRecords = []byte("retry_records")

// RecordState is the delivery lifecycle of a queued message.
type RecordState string

const (
	StatePending   RecordState = "pending"
	StateSending   RecordState = "sending"
	StateSent      RecordState = "sent"
	StateDelivered RecordState = "delivered"
	StateFailed    RecordState = "failed"
)

// Record is the persisted retry state for one message.
type Record struct {
	MessageID     string      `json:"messageId"`
	Envelope      []byte      `json:"envelope"`
	Transports    []string    `json:"transports"` // still owed delivery
	Attempted     []string    `json:"attempted"`  // every transport ever tried
	Attempts      int         `json:"attempts"`
	NextAttemptAt time.Time   `json:"nextAttemptAt"`
	State         RecordState `json:"state"`
	LastError     string      `json:"lastError,omitempty"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

// Backoff returns the scheduled interval before retry number attempt
// (1-based): 30s, 45s, 68s, ... rounded to whole seconds.
func Backoff(attempt int) time.Duration {
	secs := InitialBackoff.Seconds()
	for i := 1; i < attempt; i++ {
		secs *= BackoffFactor
	}
	return time.Duration(math.Round(secs)) * time.Second
}

// SendFunc attempts delivery of an envelope on one named transport.
type SendFunc func(ctx context.Context, transport string, envelope []byte) error

// Event reports a terminal outcome asynchronously; the original caller has
// long since returned by the time the budget is exhausted.
type Event struct {
	MessageID string
	Delivered bool // false = Failed after MaxAttempts
}

// Queue schedules and persists retries.
type Queue struct {
	db   *bolt.DB
	send SendFunc

	kick   chan struct{}
	events chan Event

	stopOnce sync.Once
	stopCh   chan struct{}
}

// Open prepares the queue on an already-open bbolt database. Records a
// previous process left claimed mid-send are re-pended, so a crash between
// claim and outcome never strands a message.
func Open(db *bolt.DB, send SendFunc) (*Queue, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists(bucketRecords)
		if err != nil {
			return err
		}
		var stuck []Record
		err = bkt.ForEach(func(_, v []byte) error {
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				return nil // skip unreadable record
			}
			if r.State == StateSending {
				stuck = append(stuck, r)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for i := range stuck {
			stuck[i].State = StatePending
			stuck[i].UpdatedAt = time.Now()
			if err := putRecord(bkt, &stuck[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("retry: open bucket: %w", err)
	}
	return &Queue{
		db:     db,
		send:   send,
		kick:   make(chan struct{}, 1),
		events: make(chan Event, 32),
		stopCh: make(chan struct{}),
	}, nil
}

// Start launches the scheduler loop.
func (q *Queue) Start() {
	go q.loop()
}

// Stop halts the scheduler.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.stopCh) })
}

// Events reports terminal outcomes (Delivered / Failed).
func (q *Queue) Events() <-chan Event { return q.events }

// Enqueue records a message owed to the given transports. Called on first
// send failure; ownership of the message transfers to the queue. If a record
// already exists the owed transport set is unioned in.
func (q *Queue) Enqueue(msgID string, envelope []byte, transports []string) error {
	if len(transports) == 0 {
		return errors.New("retry: no transports to owe")
	}
	return q.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketRecords)
		rec := Record{
			MessageID:     msgID,
			Envelope:      envelope,
			State:         StatePending,
			NextAttemptAt: time.Now().Add(Backoff(1)),
		}
		if existing := bkt.Get([]byte(msgID)); existing != nil {
			if err := json.Unmarshal(existing, &rec); err == nil &&
				(rec.State == StateDelivered || rec.State == StateFailed) {
				return nil // terminal; do not resurrect
			}
		}
		rec.Transports = union(rec.Transports, transports)
		rec.UpdatedAt = time.Now()
		return putRecord(bkt, &rec)
	})
}

// MarkDelivered transitions a record to Delivered (e.g. on receipt of a
// delivery confirmation) and retires it from scheduling. Retained for audit.
func (q *Queue) MarkDelivered(msgID string) error {
	delivered := false
	err := q.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketRecords)
		raw := bkt.Get([]byte(msgID))
		if raw == nil {
			return nil
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		if rec.State == StateDelivered {
			return nil
		}
		rec.State = StateDelivered
		rec.Transports = nil
		rec.UpdatedAt = time.Now()
		delivered = true
		return putRecord(bkt, &rec)
	})
	if err == nil && delivered {
		q.notify(Event{MessageID: msgID, Delivered: true})
	}
	return err
}

// Kick schedules an immediate retry pass for every pending record.
func (q *Queue) Kick() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// Get returns the record for msgID, or nil.
func (q *Queue) Get(msgID string) (*Record, error) {
	var rec *Record
	err := q.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketRecords).Get([]byte(msgID))
		if raw == nil {
			return nil
		}
		var r Record
		if err := json.Unmarshal(raw, &r); err != nil {
			return err
		}
		rec = &r
		return nil
	})
	return rec, err
}

// All returns every record, including Delivered and Failed audit entries.
func (q *Queue) All() ([]Record, error) {
	var out []Record
	err := q.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRecords).ForEach(func(_, v []byte) error {
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			out = append(out, r)
			return nil
		})
	})
	return out, err
}

// Unsynced returns records still owed delivery (Pending or Sending); the
// gateway pushes these to the remote store on promotion.
func (q *Queue) Unsynced() ([]Record, error) {
	all, err := q.All()
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, r := range all {
		if r.State == StatePending || r.State == StateSending {
			out = append(out, r)
		}
	}
	return out, nil
}

func (q *Queue) loop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			q.processDue(false)
		case <-q.kick:
			q.processDue(true)
		}
	}
}

// processDue retries every Pending record whose timer has elapsed (or all of
// them when ignoreTimer is set, as after a connectivity change).
func (q *Queue) processDue(ignoreTimer bool) {
	due, err := q.claimDue(ignoreTimer)
	if err != nil {
		log.Printf("retry: claim due: %v", err)
		return
	}
	for _, rec := range due {
		q.attempt(rec)
	}
}

// claimDue flips due Pending records to Sending inside one transaction so a
// concurrent pass cannot double-attempt them.
func (q *Queue) claimDue(ignoreTimer bool) ([]Record, error) {
	var due []Record
	now := time.Now()
	err := q.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketRecords)
		var claim []Record
		err := bkt.ForEach(func(_, v []byte) error {
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				return nil // skip unreadable record
			}
			if r.State != StatePending {
				return nil
			}
			if !ignoreTimer && now.Before(r.NextAttemptAt) {
				return nil
			}
			claim = append(claim, r)
			return nil
		})
		if err != nil {
			return err
		}
		for i := range claim {
			claim[i].State = StateSending
			claim[i].UpdatedAt = now
			if err := putRecord(bkt, &claim[i]); err != nil {
				return err
			}
		}
		due = claim
		return nil
	})
	return due, err
}

// attempt tries each owed transport once, then persists the outcome with a
// read-modify-write. Sends can take seconds, and a delivery confirmation or a
// fresh Enqueue may commit on the same key meanwhile; the outcome write must
// merge with those, never blindly replace them.
func (q *Queue) attempt(rec Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var tried, succeeded []string
	var lastErr error
	for _, tr := range rec.Transports {
		tried = append(tried, tr)
		if err := q.send(ctx, tr, rec.Envelope); err != nil {
			lastErr = err
		} else {
			succeeded = append(succeeded, tr)
		}
	}

	var outcome Record
	settled := false
	err := q.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketRecords)
		cur := rec
		if raw := bkt.Get([]byte(rec.MessageID)); raw != nil {
			if err := json.Unmarshal(raw, &cur); err != nil {
				cur = rec
			}
		}
		// A confirmation may have landed while the sends were in flight;
		// terminal states win.
		if cur.State == StateDelivered || cur.State == StateFailed {
			return nil
		}
		cur.Attempted = union(cur.Attempted, tried)
		cur.Transports = subtract(cur.Transports, succeeded)
		cur.Attempts++
		switch {
		case len(cur.Transports) == 0:
			cur.State = StateSent
			cur.LastError = ""
		case cur.Attempts >= MaxAttempts:
			cur.State = StateFailed
			cur.LastError = fmt.Sprintf("%v: %v", ErrMaxRetriesExceeded, lastErr)
		default:
			cur.State = StatePending
			cur.NextAttemptAt = time.Now().Add(Backoff(cur.Attempts + 1))
			if lastErr != nil {
				cur.LastError = lastErr.Error()
			}
		}
		cur.UpdatedAt = time.Now()
		outcome = cur
		settled = true
		return putRecord(bkt, &cur)
	})
	if err != nil {
		log.Printf("retry: persist %s: %v", rec.MessageID, err)
		return
	}
	if !settled {
		return
	}

	switch outcome.State {
	case StateFailed:
		log.Printf("retry: %s failed after %d attempts", outcome.MessageID, outcome.Attempts)
		q.notify(Event{MessageID: outcome.MessageID})
	case StateSent:
		q.notify(Event{MessageID: outcome.MessageID, Delivered: true})
	}
}

func (q *Queue) notify(ev Event) {
	select {
	case q.events <- ev:
	default:
	}
}

func putRecord(bkt *bolt.Bucket, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return bkt.Put([]byte(rec.MessageID), data)
}

// subtract returns the members of a not present in b.
func subtract(a, b []string) []string {
	var out []string
	for _, s := range a {
		found := false
		for _, t := range b {
			if s == t {
				found = true
				break
			}
		}
		if !found {
			out = append(out, s)
		}
	}
	return out
}

func union(a, b []string) []string {
	out := append([]string(nil), a...)
	for _, s := range b {
		found := false
		for _, t := range out {
			if t == s {
				found = true
				break
			}
		}
		if !found {
			out = append(out, s)
		}
	}
	return out
}
