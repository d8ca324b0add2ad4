package gateway

import (
	"net"
	"strings"
	"sync"
	"time"
)

// InterfaceKind classifies the active network path.
type InterfaceKind string

const (
	InterfaceNone     InterfaceKind = "none"
	InterfaceWifi     InterfaceKind = "wifi"
	InterfaceCellular InterfaceKind = "cellular"
	InterfaceWired    InterfaceKind = "wiredEthernet"
)

// Path is one reachability sample.
type Path struct {
	Satisfied bool
	Interface InterfaceKind
}

// Eligible reports whether this path permits gateway promotion. Cellular is
// excluded to control data cost.
func (p Path) Eligible() bool {
	return p.Satisfied && (p.Interface == InterfaceWifi || p.Interface == InterfaceWired)
}

// Monitor delivers reachability changes.
type Monitor interface {
	Updates() <-chan Path
	Close() error
}

// FakeMonitor is a test-driven Monitor.
type FakeMonitor struct {
	ch        chan Path
	closeOnce sync.Once
}

// NewFakeMonitor creates a FakeMonitor.
func NewFakeMonitor() *FakeMonitor {
	return &FakeMonitor{ch: make(chan Path, 8)}
}

// Set injects a reachability sample.
func (f *FakeMonitor) Set(p Path) { f.ch <- p }

func (f *FakeMonitor) Updates() <-chan Path { return f.ch }

func (f *FakeMonitor) Close() error {
	f.closeOnce.Do(func() { close(f.ch) })
	return nil
}

// PollMonitor samples the host's interfaces periodically and classifies the
// first up, non-loopback interface by name. A coarse heuristic, sufficient
// for the single-box deployments that use it; platform integrations supply
// their own Monitor.
type PollMonitor struct {
	ch        chan Path
	stopCh    chan struct{}
	closeOnce sync.Once
}

// NewPollMonitor starts polling at the given interval.
func NewPollMonitor(interval time.Duration) *PollMonitor {
	m := &PollMonitor{
		ch:     make(chan Path, 8),
		stopCh: make(chan struct{}),
	}
	go m.loop(interval)
	return m
}

func (m *PollMonitor) loop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	last := Path{Interface: InterfaceNone}
	emit := func(p Path) {
		if p == last {
			return
		}
		last = p
		select {
		case m.ch <- p:
		default:
		}
	}
	emit(samplePath())
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			emit(samplePath())
		}
	}
}

func samplePath() Path {
	ifaces, err := net.Interfaces()
	if err != nil {
		return Path{Interface: InterfaceNone}
	}
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagUp == 0 || ifc.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := ifc.Addrs()
		if err != nil || len(addrs) == 0 {
			continue
		}
		name := strings.ToLower(ifc.Name)
		switch {
		case strings.HasPrefix(name, "wl"), strings.HasPrefix(name, "wifi"):
			return Path{Satisfied: true, Interface: InterfaceWifi}
		case strings.HasPrefix(name, "ww"), strings.HasPrefix(name, "rmnet"):
			return Path{Satisfied: true, Interface: InterfaceCellular}
		case strings.HasPrefix(name, "en"), strings.HasPrefix(name, "eth"):
			return Path{Satisfied: true, Interface: InterfaceWired}
		}
	}
	return Path{Interface: InterfaceNone}
}

func (m *PollMonitor) Updates() <-chan Path { return m.ch }

func (m *PollMonitor) Close() error {
	m.closeOnce.Do(func() { close(m.stopCh) })
	return nil
}
