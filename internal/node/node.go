// Package node composes the mesh engine: radios, routing, dedup, retry and
// the optional gateway bridge behind a single send/event API.
//
// All inbound paths (short-range receive, long-range receive, gateway pull)
// funnel through one dedup check before delivery or relay, so a message id
// can trigger the local callback at most once regardless of how many routes
// carried it here.
package node

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/designdream/robot-heart-ios-sub004/internal/gateway"
	"github.com/designdream/robot-heart-ios-sub004/internal/message"
	"github.com/designdream/robot-heart-ios-sub004/internal/protocol"
	"github.com/designdream/robot-heart-ios-sub004/internal/radio"
	"github.com/designdream/robot-heart-ios-sub004/internal/retry"
	"github.com/designdream/robot-heart-ios-sub004/internal/router"
	"github.com/designdream/robot-heart-ios-sub004/internal/seen"
)

// reconnectDelay paces reconnect attempts after a drop. Variable so tests can
// shorten it.
var reconnectDelay = 2 * time.Second

const (
	dispatchTimeout = 15 * time.Second
	relayTimeout    = 10 * time.Second
)

// Config wires a Node.
type Config struct {
	DeviceID    string
	DisplayName string
	DB          *bolt.DB
	ShortRange  *radio.Manager
	LongRange   *radio.Manager // optional
}

// Node is the mesh engine.
type Node struct {
	cfg    Config
	nodeID uint32

	cache  *seen.Cache
	queue  *retry.Queue
	router *router.Router

	mu         sync.RWMutex
	transports map[string]router.Transport

	gw *gateway.Coordinator

	events chan Event

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a Node. The retry queue opens its bucket on cfg.DB; Start
// launches the loops.
func New(cfg Config) (*Node, error) {
	if cfg.DeviceID == "" {
		return nil, errors.New("node: device id is required")
	}
	if cfg.DB == nil || cfg.ShortRange == nil {
		return nil, errors.New("node: db and short-range radio are required")
	}
	n := &Node{
		cfg:        cfg,
		nodeID:     IDFor(cfg.DeviceID),
		cache:      seen.New(),
		transports: make(map[string]router.Transport),
		events:     make(chan Event, 64),
		stopCh:     make(chan struct{}),
	}
	queue, err := retry.Open(cfg.DB, n.retrySend)
	if err != nil {
		return nil, err
	}
	n.queue = queue
	n.router = router.New(router.DefaultTable(), queue)
	n.register(&meshTransport{name: router.TransportShortRange, mgr: cfg.ShortRange})
	if cfg.LongRange != nil {
		n.register(&meshTransport{name: router.TransportLongRange, mgr: cfg.LongRange})
	}
	return n, nil
}

// AttachGateway registers gw as the cloud transport and relays its events.
// Must be called before Start.
func (n *Node) AttachGateway(gw *gateway.Coordinator) {
	n.gw = gw
	n.register(gw)
}

// Queue exposes the retry queue for gateway wiring and status surfaces.
func (n *Node) Queue() *retry.Queue { return n.queue }

// Seen exposes the dedup cache for gateway wiring.
func (n *Node) Seen() *seen.Cache { return n.cache }

// NodeID returns this node's numeric wire address.
func (n *Node) NodeID() uint32 { return n.nodeID }

// Events returns the node event stream. Slow consumers drop events rather
// than stalling the receive path.
func (n *Node) Events() <-chan Event { return n.events }

// Start launches the queue, the radios and the event loops.
func (n *Node) Start() {
	n.queue.Start()
	n.startRadio(router.TransportShortRange, n.cfg.ShortRange)
	if n.cfg.LongRange != nil {
		n.startRadio(router.TransportLongRange, n.cfg.LongRange)
	}
	go n.queueLoop()
	if n.gw != nil {
		n.gw.Start()
		go n.gatewayLoop()
	}
}

// Stop shuts everything down.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		close(n.stopCh)
		n.queue.Stop()
		n.cfg.ShortRange.Stop()
		if n.cfg.LongRange != nil {
			n.cfg.LongRange.Stop()
		}
		if n.gw != nil {
			n.gw.Stop()
		}
	})
}

// Send queues content for delivery and returns the message id immediately.
// Transport work happens asynchronously; outcomes arrive as
// MessageDelivered / MessageFailed events.
func (n *Node) Send(content string, typ message.Type, recipientID string) (string, error) {
	if typ.Port() == protocol.PortUnknown {
		return "", fmt.Errorf("node: %w: %q", protocol.ErrUnsupportedPort, typ)
	}
	msg := message.New(n.cfg.DeviceID, n.cfg.DisplayName, recipientID, typ, content)
	n.dispatch(msg)
	return msg.ID, nil
}

// SendLocation broadcasts this node's position as a location message.
func (n *Node) SendLocation(lat, lon float64) (string, error) {
	msg := message.New(n.cfg.DeviceID, n.cfg.DisplayName, message.BroadcastRecipient, message.Location, "")
	msg.Lat, msg.Lon = &lat, &lon
	n.dispatch(msg)
	return msg.ID, nil
}

// Beacon broadcasts a compact binary position on the short-range link,
// bypassing the router. Beacons are link-local telemetry: unacknowledged,
// never relayed, never queued.
func (n *Node) Beacon(lat, lon float64, altitude int32) error {
	payload := protocol.EncodePosition(protocol.Position{
		Latitude:  lat,
		Longitude: lon,
		Altitude:  altitude,
		Time:      time.Now(),
	})
	pkt := protocol.Packet{Dest: protocol.Broadcast, Port: protocol.PortPosition, Payload: payload}
	data, err := pkt.Encode(n.cfg.ShortRange.Profile())
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()
	return n.cfg.ShortRange.Send(ctx, data)
}

// Inject feeds a gateway-pulled envelope into the relay path. The dedup
// cache guarantees at-most-once processing per id.
func (n *Node) Inject(env message.Envelope) {
	if !n.cache.Add(env.ID) {
		metricDuplicates.Inc()
		return
	}
	n.process(router.TransportCloud, false, env)
}

// dispatch marks the message seen (we never reprocess our own traffic) and
// routes it asynchronously.
func (n *Node) dispatch(msg message.Message) {
	n.cache.Add(msg.ID)
	metricSent.WithLabelValues(string(msg.Type)).Inc()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		defer cancel()
		if err := n.router.Dispatch(ctx, msg); err != nil {
			log.Printf("node: dispatch %s: %v", msg.ID, err)
		}
	}()
}

// retrySend is the retry queue's delivery hook: one named transport, one
// attempt.
func (n *Node) retrySend(ctx context.Context, transportName string, raw []byte) error {
	env, err := message.ParseEnvelope(raw)
	if err != nil {
		return err
	}
	t := n.transport(transportName)
	if t == nil {
		return fmt.Errorf("node: unknown transport %q", transportName)
	}
	if !t.Available() {
		return router.ErrNetworkUnreachable
	}
	return t.Send(ctx, env)
}

func (n *Node) register(t router.Transport) {
	n.mu.Lock()
	n.transports[t.Name()] = t
	n.mu.Unlock()
	n.router.Register(t)
}

func (n *Node) transport(name string) router.Transport {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.transports[name]
}

func (n *Node) startRadio(name string, mgr *radio.Manager) {
	mgr.Start()
	mgr.Connect()
	go n.radioLoop(name, mgr)
	go n.inboundLoop(name, mgr)
}

// radioLoop forwards radio lifecycle events and drives reconnection.
func (n *Node) radioLoop(name string, mgr *radio.Manager) {
	for {
		select {
		case <-n.stopCh:
			return
		case st := <-mgr.States():
			n.emit(Event{Kind: EventConnectionStateChanged, Transport: name, State: st})
			switch st {
			case radio.Ready:
				// Reconnection, not elapsed time, unblocks delivery.
				n.queue.Kick()
			case radio.Disconnected:
				go n.reconnect(mgr)
			}
		case peer := <-mgr.Peers():
			n.emit(Event{Kind: EventPeerDiscovered, Transport: name, Peer: peer})
		case err := <-mgr.Errors():
			log.Printf("node: %s radio: %v", name, err)
		}
	}
}

func (n *Node) reconnect(mgr *radio.Manager) {
	select {
	case <-time.After(reconnectDelay):
		mgr.Connect()
	case <-n.stopCh:
	}
}

func (n *Node) inboundLoop(name string, mgr *radio.Manager) {
	for {
		select {
		case <-n.stopCh:
			return
		case data, ok := <-mgr.Inbound():
			if !ok {
				return
			}
			n.handleInbound(name, data)
		}
	}
}

// handleInbound is the relay boundary. Malformed packets are dropped here,
// before the dedup stage, and are never counted as seen.
func (n *Node) handleInbound(origin string, data []byte) {
	pkt, err := protocol.Decode(data)
	if err != nil {
		metricDecodeErrors.WithLabelValues(origin).Inc()
		n.emit(Event{Kind: EventDecodeError, Transport: origin, Err: err})
		return
	}

	// Compact binary beacons carry no envelope.
	if pkt.Port == protocol.PortPosition && len(pkt.Payload) == protocol.PositionSize {
		if pos, err := protocol.DecodePosition(pkt.Payload); err == nil {
			n.emit(Event{Kind: EventLocationUpdated, Lat: pos.Latitude, Lon: pos.Longitude})
			return
		}
	}

	env, err := message.ParseEnvelope(pkt.Payload)
	if err != nil {
		metricDecodeErrors.WithLabelValues(origin).Inc()
		n.emit(Event{Kind: EventDecodeError, Transport: origin, Err: err})
		return
	}
	if !n.cache.Add(env.ID) {
		metricDuplicates.Inc()
		return
	}
	n.process(origin, pkt.WantAck, env)
}

// process delivers, acknowledges and relays one deduplicated envelope.
func (n *Node) process(origin string, wantAck bool, env message.Envelope) {
	msg := env.Message()
	toMe := msg.RecipientID == n.cfg.DeviceID
	local := toMe || msg.Broadcast()

	switch {
	case env.MessageType == message.Confirmation && local:
		// Content names the message being confirmed.
		if env.Content != "" {
			if err := n.queue.MarkDelivered(env.Content); err != nil {
				log.Printf("node: mark delivered %s: %v", env.Content, err)
			}
		}
	case local:
		metricReceived.WithLabelValues(string(env.MessageType)).Inc()
		m := msg
		n.emit(Event{Kind: EventMessageReceived, Message: &m})
		if env.MessageType == message.Location && env.LocationLat != nil && env.LocationLon != nil {
			n.emit(Event{
				Kind:   EventLocationUpdated,
				NodeID: env.SenderID,
				Lat:    *env.LocationLat,
				Lon:    *env.LocationLon,
			})
		}
	}

	if wantAck && toMe {
		n.sendAck(env)
	}

	// Rebroadcast unless the message terminated here or its hop budget ran
	// out.
	ttl := msg.TTLHops - 1
	if ttl > 0 && !toMe {
		env.TTLHops = ttl
		ctx, cancel := context.WithTimeout(context.Background(), relayTimeout)
		n.router.Relay(ctx, env, origin)
		cancel()
		metricRelayed.Inc()
	}
}

func (n *Node) sendAck(env message.Envelope) {
	ack := message.New(n.cfg.DeviceID, n.cfg.DisplayName, env.SenderID, message.Confirmation, env.ID)
	n.dispatch(ack)
}

func (n *Node) queueLoop() {
	for {
		select {
		case <-n.stopCh:
			return
		case ev := <-n.queue.Events():
			if ev.Delivered {
				metricDeliveryOutcomes.WithLabelValues("delivered").Inc()
				n.emit(Event{Kind: EventMessageDelivered, MessageID: ev.MessageID})
			} else {
				metricDeliveryOutcomes.WithLabelValues("failed").Inc()
				n.emit(Event{Kind: EventMessageFailed, MessageID: ev.MessageID})
			}
		}
	}
}

func (n *Node) gatewayLoop() {
	for {
		select {
		case <-n.stopCh:
			return
		case ev := <-n.gw.Events():
			switch ev.Kind {
			case gateway.EventConflict:
				n.emit(Event{Kind: EventConflictDetected, Conflicts: ev.Conflicts})
			default:
				st := ev.Status
				n.emit(Event{Kind: EventGatewayStatusChanged, Gateway: &st})
			}
		}
	}
}

func (n *Node) emit(ev Event) {
	select {
	case n.events <- ev:
	default:
	}
}
