package node

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/designdream/robot-heart-ios-sub004/internal/message"
	"github.com/designdream/robot-heart-ios-sub004/internal/protocol"
	"github.com/designdream/robot-heart-ios-sub004/internal/radio"
	"github.com/designdream/robot-heart-ios-sub004/internal/retry"
)

func TestMain(m *testing.M) {
	reconnectDelay = 50 * time.Millisecond
	os.Exit(m.Run())
}

func openTestDB(t *testing.T) *bolt.DB {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "node.db"), 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestNode(t *testing.T, deviceID string) *Node {
	t.Helper()
	link := radio.NewMemory()
	mgr := radio.NewManager(link, protocol.ShortRange)
	n, err := New(Config{
		DeviceID:    deviceID,
		DisplayName: deviceID,
		DB:          openTestDB(t),
		ShortRange:  mgr,
	})
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	n.Start()
	t.Cleanup(n.Stop)
	return n
}

func waitReady(t *testing.T, n *Node) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if n.cfg.ShortRange.State() == radio.Ready {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("node %s never reached Ready", n.cfg.DeviceID)
}

func waitEvent(t *testing.T, n *Node, kind EventKind) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-n.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event kind %d", kind)
		}
	}
}

func packEnvelope(t *testing.T, env message.Envelope, dest uint32) []byte {
	t.Helper()
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	pkt := protocol.Packet{Dest: dest, Port: env.MessageType.Port(), Payload: raw}
	data, err := pkt.Encode(protocol.ShortRange)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return data
}

func TestTextDeliveryBetweenPeers(t *testing.T) {
	alice := newTestNode(t, "alice")
	bob := newTestNode(t, "bob")
	waitReady(t, alice)
	waitReady(t, bob)

	id, err := alice.Send("hi", message.Text, "bob")
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	ev := waitEvent(t, bob, EventMessageReceived)
	if ev.Message.ID != id {
		t.Fatalf("received id %s, want %s", ev.Message.ID, id)
	}
	if ev.Message.Content != "hi" || ev.Message.SenderID != "alice" {
		t.Fatalf("received %+v", ev.Message)
	}
}

func TestSendRejectsUnknownType(t *testing.T) {
	alice := newTestNode(t, "alice")

	_, err := alice.Send("hi", message.Type("carrier_pigeon"), "bob")
	if !errors.Is(err, protocol.ErrUnsupportedPort) {
		t.Fatalf("err = %v, want ErrUnsupportedPort", err)
	}
}

// Sending with no transport available must create a pending retry record,
// and the record must drain immediately once a connection becomes Ready,
// without waiting for the backoff timer.
func TestOfflineSendQueuesAndDrainsOnReconnect(t *testing.T) {
	alice := newTestNode(t, "alice")

	before := time.Now()
	id, err := alice.Send("hold this", message.Text, "bob")
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	var rec *retry.Record
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec, err = alice.Queue().Get(id)
		if err != nil {
			t.Fatalf("get record: %v", err)
		}
		if rec != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if rec == nil {
		t.Fatal("no retry record created for offline send")
	}
	if rec.Attempts != 0 {
		t.Fatalf("attempts = %d, want 0", rec.Attempts)
	}
	if rec.State != retry.StatePending {
		t.Fatalf("state = %s, want pending", rec.State)
	}
	next := rec.NextAttemptAt.Sub(before)
	if next < 25*time.Second || next > 35*time.Second {
		t.Fatalf("nextAttemptAt in %v, want ~30s", next)
	}

	// A peer appears; Ready kicks the queue well inside the 30s window.
	bob := newTestNode(t, "bob")
	waitReady(t, alice)
	waitReady(t, bob)

	ev := waitEvent(t, bob, EventMessageReceived)
	if ev.Message.ID != id {
		t.Fatalf("received id %s, want %s", ev.Message.ID, id)
	}
	dev := waitEvent(t, alice, EventMessageDelivered)
	if dev.MessageID != id {
		t.Fatalf("delivered id %s, want %s", dev.MessageID, id)
	}
}

// The same message id arriving from two different neighbors triggers the
// local callback exactly once.
func TestDuplicateInboundDeliveredOnce(t *testing.T) {
	n := newTestNode(t, "carol")

	env := message.Envelope{
		ID:          "msg-abc",
		SenderID:    "alice",
		RecipientID: message.BroadcastRecipient,
		MessageType: message.Text,
		Content:     "once only",
		Timestamp:   time.Now().Unix(),
		TTLHops:     message.DefaultTTLHops,
	}
	data := packEnvelope(t, env, protocol.Broadcast)

	n.handleInbound("shortrange", data)
	n.handleInbound("longrange", data)

	waitEvent(t, n, EventMessageReceived)
	select {
	case ev := <-n.Events():
		if ev.Kind == EventMessageReceived {
			t.Fatal("duplicate inbound delivered twice")
		}
	case <-time.After(200 * time.Millisecond):
	}
}

// A packet whose declared length exceeds the buffer is dropped before the
// dedup stage: a diagnostic event, nothing seen, nothing delivered.
func TestTruncatedPacketDropped(t *testing.T) {
	n := newTestNode(t, "carol")

	buf := make([]byte, protocol.HeaderSize+2)
	copy(buf[:2], protocol.Magic[:])
	binary.LittleEndian.PutUint16(buf[11:], 100) // declares 100, carries 2

	n.handleInbound("shortrange", buf)

	ev := waitEvent(t, n, EventDecodeError)
	if ev.Err == nil {
		t.Fatal("decode error event missing cause")
	}
	if n.Seen().Len() != 0 {
		t.Fatal("malformed packet counted as seen")
	}
	select {
	case ev := <-n.Events():
		if ev.Kind == EventMessageReceived {
			t.Fatal("malformed packet delivered")
		}
	case <-time.After(200 * time.Millisecond):
	}
}

// A peer confirmation retires the queue record and surfaces MessageDelivered.
func TestConfirmationMarksDelivered(t *testing.T) {
	n := newTestNode(t, "alice")

	raw, _ := json.Marshal(message.Envelope{
		ID: "orig-1", SenderID: "alice", RecipientID: "bob",
		MessageType: message.Text, Content: "hello", Timestamp: time.Now().Unix(),
	})
	if err := n.Queue().Enqueue("orig-1", raw, []string{"shortrange"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ack := message.Envelope{
		ID:          "ack-1",
		SenderID:    "bob",
		RecipientID: "alice",
		MessageType: message.Confirmation,
		Content:     "orig-1",
		Timestamp:   time.Now().Unix(),
	}
	n.handleInbound("shortrange", packEnvelope(t, ack, n.NodeID()))

	ev := waitEvent(t, n, EventMessageDelivered)
	if ev.MessageID != "orig-1" {
		t.Fatalf("delivered id %s, want orig-1", ev.MessageID)
	}
	rec, err := n.Queue().Get("orig-1")
	if err != nil || rec == nil {
		t.Fatalf("get record: %v", err)
	}
	if rec.State != retry.StateDelivered {
		t.Fatalf("state = %s, want delivered", rec.State)
	}
}

// Gateway-pulled envelopes enter through Inject at most once per id.
func TestInjectIsIdempotent(t *testing.T) {
	n := newTestNode(t, "carol")

	env := message.Envelope{
		ID:          "cloud-1",
		SenderID:    "remote",
		RecipientID: message.BroadcastRecipient,
		MessageType: message.Announcement,
		Content:     "gates open at noon",
		Timestamp:   time.Now().Unix(),
	}
	n.Inject(env)
	n.Inject(env)

	waitEvent(t, n, EventMessageReceived)
	select {
	case ev := <-n.Events():
		if ev.Kind == EventMessageReceived {
			t.Fatal("injected envelope delivered twice")
		}
	case <-time.After(200 * time.Millisecond):
	}
}

func TestLocationEnvelopeEmitsUpdate(t *testing.T) {
	alice := newTestNode(t, "alice")
	bob := newTestNode(t, "bob")
	waitReady(t, alice)
	waitReady(t, bob)

	if _, err := alice.SendLocation(40.7861, -119.2066); err != nil {
		t.Fatalf("send location: %v", err)
	}

	ev := waitEvent(t, bob, EventLocationUpdated)
	if ev.NodeID != "alice" {
		t.Fatalf("location from %q, want alice", ev.NodeID)
	}
	if ev.Lat != 40.7861 || ev.Lon != -119.2066 {
		t.Fatalf("coords (%v, %v)", ev.Lat, ev.Lon)
	}
}

func TestBeaconCarriesPosition(t *testing.T) {
	alice := newTestNode(t, "alice")
	bob := newTestNode(t, "bob")
	waitReady(t, alice)
	waitReady(t, bob)

	if err := alice.Beacon(40.7861, -119.2066, 1190); err != nil {
		t.Fatalf("beacon: %v", err)
	}

	ev := waitEvent(t, bob, EventLocationUpdated)
	if ev.Lat < 40.78 || ev.Lat > 40.79 {
		t.Fatalf("beacon lat %v", ev.Lat)
	}
	if ev.Lon > -119.20 || ev.Lon < -119.21 {
		t.Fatalf("beacon lon %v", ev.Lon)
	}
}
