package radio

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/designdream/robot-heart-ios-sub004/internal/protocol"
)

// connectTimeout bounds one full scan→connect→discover attempt. On expiry
// the machine reverts to Disconnected and ErrConnectTimeout is surfaced on
// Errors(). Variable so tests can shorten it.
var connectTimeout = 15 * time.Second

// writeQueueDepth is how many outbound writes may wait behind the single
// in-flight write before Send rejects.
const writeQueueDepth = 64

type writeReq struct {
	data []byte
	done chan error
}

// Manager owns the single active short-range connection and its state
// machine. One goroutine consumes link events, one serializes writes; all
// state transitions go through setState so subscribers observe every change.
type Manager struct {
	link    Link
	profile protocol.Profile

	mu            sync.Mutex
	state         State
	connectCancel context.CancelFunc

	writeQ chan writeReq
	states chan State
	errs   chan error
	peers  chan string

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewManager creates a Manager over the given link.
func NewManager(link Link, profile protocol.Profile) *Manager {
	return &Manager{
		link:    link,
		profile: profile,
		state:   Disconnected,
		writeQ:  make(chan writeReq, writeQueueDepth),
		states:  make(chan State, 32),
		errs:    make(chan error, 8),
		peers:   make(chan string, 8),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the event and write loops.
func (m *Manager) Start() {
	go m.eventLoop()
	go m.writeLoop()
}

// Stop shuts the manager down.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.Disconnect()
		close(m.stopCh)
		m.link.Close() //nolint:errcheck
	})
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Profile returns the payload size profile of this link.
func (m *Manager) Profile() protocol.Profile { return m.profile }

// States returns a channel of state transitions.
func (m *Manager) States() <-chan State { return m.states }

// Errors returns asynchronous connection errors (timeouts, scan failures).
func (m *Manager) Errors() <-chan error { return m.errs }

// Peers returns addresses discovered during scanning.
func (m *Manager) Peers() <-chan string { return m.peers }

// Inbound returns bytes received from the connected peer.
func (m *Manager) Inbound() <-chan []byte { return m.link.Inbound() }

// Connect starts an asynchronous scan→connect→discover attempt. No-op unless
// the machine is currently Disconnected.
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.state != Disconnected {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	m.connectCancel = cancel
	m.state = Scanning
	m.mu.Unlock()
	m.notifyState(Scanning)
	go m.runConnect(ctx, cancel)
}

func (m *Manager) runConnect(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()

	addr, err := m.link.Scan(ctx)
	if err != nil {
		m.failConnect(ctx, ErrPeripheralNotFound, err)
		return
	}
	select {
	case m.peers <- addr:
	default:
	}

	m.setState(Connecting)
	if err := m.link.Connect(ctx, addr); err != nil {
		m.failConnect(ctx, ErrPeripheralNotFound, err)
		return
	}
	m.setState(Connected)

	m.setState(DiscoveringServices)
	if err := m.link.DiscoverServices(ctx); err != nil {
		m.link.Disconnect()
		m.failConnect(ctx, ErrServiceNotFound, err)
		return
	}
	m.setState(Ready)
}

func (m *Manager) failConnect(ctx context.Context, kind error, cause error) {
	// A deliberate Disconnect cancels the attempt's context; that is not a
	// failure, so revert quietly.
	if ctx.Err() == context.Canceled {
		m.setStateUnlessUnavailable(Disconnected)
		return
	}
	err := kind
	if ctx.Err() == context.DeadlineExceeded {
		err = ErrConnectTimeout
	}
	log.Printf("radio: connect failed: %v (%v)", err, cause)
	select {
	case m.errs <- err:
	default:
	}
	// Power loss during the attempt already moved us to RadioUnavailable;
	// that state must survive until power returns.
	m.setStateUnlessUnavailable(Disconnected)
}

// Send transmits b to the connected peer. It fails synchronously with
// ErrNotConnected outside Ready, otherwise blocks until the serialized write
// completes (acknowledgment from the peer) or ctx is done.
func (m *Manager) Send(ctx context.Context, b []byte) error {
	if m.State() != Ready {
		return ErrNotConnected
	}
	req := writeReq{data: b, done: make(chan error, 1)}
	select {
	case m.writeQ <- req:
	default:
		return fmt.Errorf("%w: write queue full", ErrSendFailed)
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect cancels any in-flight scan/connect, fails queued writes with
// ErrNotConnected and tears down the connection.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	cancel := m.connectCancel
	m.connectCancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.link.Disconnect()
	m.drainWrites(ErrNotConnected)
	m.setStateUnlessUnavailable(Disconnected)
}

func (m *Manager) writeLoop() {
	for {
		select {
		case <-m.stopCh:
			return
		case req := <-m.writeQ:
			if m.State() != Ready {
				req.done <- ErrNotConnected
				continue
			}
			err := m.link.Write(context.Background(), req.data)
			if err != nil {
				err = fmt.Errorf("%w: %v", ErrSendFailed, err)
			}
			req.done <- err
		}
	}
}

func (m *Manager) eventLoop() {
	for {
		select {
		case <-m.stopCh:
			return
		case p := <-m.link.Power():
			m.handlePower(p)
		case err := <-m.link.Disconnects():
			if err != nil {
				log.Printf("radio: connection lost: %v", err)
			}
			m.drainWrites(ErrNotConnected)
			m.setStateUnlessUnavailable(Disconnected)
		}
	}
}

func (m *Manager) handlePower(p PowerState) {
	switch p {
	case PowerOff, PowerUnauthorized:
		m.mu.Lock()
		cancel := m.connectCancel
		m.connectCancel = nil
		m.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		m.link.Disconnect()
		m.drainWrites(ErrRadioUnavailable)
		m.setState(RadioUnavailable)
	case PowerOn:
		// Auto-recover: no manual re-initialization required.
		m.mu.Lock()
		recover := m.state == RadioUnavailable
		m.mu.Unlock()
		if recover {
			m.setState(Disconnected)
		}
	}
}

func (m *Manager) drainWrites(err error) {
	for {
		select {
		case req := <-m.writeQ:
			req.done <- err
		default:
			return
		}
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	m.mu.Unlock()
	m.notifyState(s)
}

func (m *Manager) setStateUnlessUnavailable(s State) {
	m.mu.Lock()
	if m.state == RadioUnavailable || m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	m.mu.Unlock()
	m.notifyState(s)
}

func (m *Manager) notifyState(s State) {
	select {
	case m.states <- s:
	default:
	}
}
