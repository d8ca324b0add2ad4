package radio

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log"
	"net"
	"sync"
)

// maxFrame bounds an inbound frame: full packet header plus the largest
// short-range payload, with slack for future header growth.
const maxFrame = 1024

// TCPLink implements Link over a TCP socket. It exists for development rigs
// and wired bridge deployments where two nodes pair over IP instead of a
// radio. Framing: each write is preceded by a 2-byte big-endian length.
//
// With a configured peer address, Scan returns that address and Connect
// dials it. Without one, Scan waits for an inbound connection on the listen
// address and Connect adopts it. Either way the link holds at most one
// active connection.
type TCPLink struct {
	peerAddr string
	listener net.Listener

	mu       sync.Mutex
	conn     net.Conn
	accepted net.Conn

	acceptedCh chan string
	inbound    chan []byte
	power      chan PowerState
	disc       chan error
}

// NewTCP creates a TCPLink. listenAddr may be empty (dial-only);
// peerAddr may be empty (accept-only).
func NewTCP(listenAddr, peerAddr string) (*TCPLink, error) {
	l := &TCPLink{
		peerAddr:   peerAddr,
		acceptedCh: make(chan string, 1),
		inbound:    make(chan []byte, 256),
		power:      make(chan PowerState, 4),
		disc:       make(chan error, 4),
	}
	if listenAddr != "" {
		ln, err := net.Listen("tcp", listenAddr)
		if err != nil {
			return nil, err
		}
		l.listener = ln
		go l.acceptLoop()
	}
	// A socket link has no radio hardware to wait on.
	l.power <- PowerOn
	return l, nil
}

func (l *TCPLink) acceptLoop() {
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			return
		}
		l.mu.Lock()
		if l.conn != nil || l.accepted != nil {
			l.mu.Unlock()
			conn.Close()
			continue
		}
		l.accepted = conn
		l.mu.Unlock()
		select {
		case l.acceptedCh <- conn.RemoteAddr().String():
		default:
		}
	}
}

func (l *TCPLink) Scan(ctx context.Context) (string, error) {
	if l.peerAddr != "" {
		return l.peerAddr, nil
	}
	select {
	case addr := <-l.acceptedCh:
		return addr, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (l *TCPLink) Connect(ctx context.Context, addr string) error {
	l.mu.Lock()
	if acc := l.accepted; acc != nil && acc.RemoteAddr().String() == addr {
		l.accepted = nil
		l.conn = acc
		l.mu.Unlock()
		go l.readLoop(acc)
		return nil
	}
	l.mu.Unlock()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
	go l.readLoop(conn)
	return nil
}

func (l *TCPLink) DiscoverServices(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return errors.New("tcp link: not connected")
	}
	return nil
}

func (l *TCPLink) Write(ctx context.Context, b []byte) error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return errors.New("tcp link: not connected")
	}
	if len(b) > maxFrame {
		return errors.New("tcp link: frame too large")
	}
	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(b)))
	if _, err := conn.Write(hdr[:]); err != nil {
		return err
	}
	_, err := conn.Write(b)
	return err
}

func (l *TCPLink) readLoop(conn net.Conn) {
	defer func() {
		conn.Close()
		l.mu.Lock()
		if l.conn == conn {
			l.conn = nil
		}
		l.mu.Unlock()
	}()

	for {
		var hdr [2]byte
		if _, err := io.ReadFull(conn, hdr[:]); err != nil {
			l.notifyDisconnect(err)
			return
		}
		sz := int(binary.BigEndian.Uint16(hdr[:]))
		if sz > maxFrame {
			log.Printf("radio: tcp frame size %d exceeds limit", sz)
			l.notifyDisconnect(errors.New("oversized frame"))
			return
		}
		buf := make([]byte, sz)
		if _, err := io.ReadFull(conn, buf); err != nil {
			l.notifyDisconnect(err)
			return
		}
		select {
		case l.inbound <- buf:
		default:
			// Inbound buffer full; drop (backpressure).
		}
	}
}

func (l *TCPLink) notifyDisconnect(err error) {
	select {
	case l.disc <- err:
	default:
	}
}

func (l *TCPLink) Disconnect() {
	l.mu.Lock()
	conn := l.conn
	l.conn = nil
	l.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (l *TCPLink) Inbound() <-chan []byte    { return l.inbound }
func (l *TCPLink) Power() <-chan PowerState  { return l.power }
func (l *TCPLink) Disconnects() <-chan error { return l.disc }

func (l *TCPLink) Close() error {
	if l.listener != nil {
		l.listener.Close()
	}
	l.Disconnect()
	return nil
}
