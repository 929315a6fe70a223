// Package connectivity senses reachability of the remote service and emits
// online/offline transitions.
//
// The monitor only raises intent: handlers registered with OnTransition are
// told that the network changed, and the sync coordinator decides what to do
// about it. Absence of any signal is treated as Offline.
package connectivity

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is the coarse reachability classification.
type State int

const (
	Offline State = iota
	Online
)

func (s State) String() string {
	if s == Online {
		return "online"
	}
	return "offline"
}

// ConnectionType is the interface the platform reports the path uses.
type ConnectionType string

const (
	ConnectionNone     ConnectionType = "none"
	ConnectionWiFi     ConnectionType = "wifi"
	ConnectionCellular ConnectionType = "cellular"
	ConnectionWired    ConnectionType = "wired"
	ConnectionUnknown  ConnectionType = "unknown"
)

// ParseConnectionType converts a string to a ConnectionType.
func ParseConnectionType(s string) (ConnectionType, error) {
	switch t := ConnectionType(s); t {
	case ConnectionNone, ConnectionWiFi, ConnectionCellular, ConnectionWired, ConnectionUnknown:
		return t, nil
	}
	return "", fmt.Errorf("invalid connection type %q", s)
}

// Reading is one observation of the network path.
type Reading struct {
	Reachable bool
	Type      ConnectionType
	Expensive bool
}

// Snapshot is the monitor's current view.
type Snapshot struct {
	State      State
	Type       ConnectionType
	Expensive  bool
	ObservedAt time.Time
}

// Transition is delivered to handlers on every state change.
type Transition struct {
	From     State
	To       State
	Snapshot Snapshot
}

// Handler receives transitions. Handlers run synchronously on the goroutine
// that observed the change and must not block.
type Handler func(Transition)

// Monitor tracks reachability. The zero value is not usable; use New.
type Monitor struct {
	// notifyMu orders observations so handlers see transitions in the
	// order they happened. Handlers must not call Observe.
	notifyMu sync.Mutex

	mu       sync.Mutex
	snap     Snapshot
	handlers map[int]Handler
	nextID   int
	now      func() time.Time
}

// New creates a monitor in the Offline state.
func New() *Monitor {
	return &Monitor{
		snap:     Snapshot{State: Offline, Type: ConnectionNone},
		handlers: make(map[int]Handler),
		now:      time.Now,
	}
}

// State returns the current state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap.State
}

// Snapshot returns the current state with path details.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

// OnTransition registers h. The returned function unregisters it.
func (m *Monitor) OnTransition(h Handler) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.handlers[id] = h

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.handlers, id)
	}
}

// Observe records a reading. Handlers fire only when the Online/Offline
// state actually changes; path details are updated silently.
func (m *Monitor) Observe(r Reading) {
	next := Offline
	if r.Reachable {
		next = Online
	}
	typ := r.Type
	if !r.Reachable {
		typ = ConnectionNone
	} else if typ == "" || typ == ConnectionNone {
		typ = ConnectionUnknown
	}

	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	prev := m.snap.State
	m.snap = Snapshot{
		State:      next,
		Type:       typ,
		Expensive:  r.Reachable && r.Expensive,
		ObservedAt: m.now(),
	}
	snap := m.snap
	var handlers []Handler
	if prev != next {
		handlers = make([]Handler, 0, len(m.handlers))
		for id := 0; id < m.nextID; id++ {
			if h, ok := m.handlers[id]; ok {
				handlers = append(handlers, h)
			}
		}
	}
	m.mu.Unlock()

	if prev == next {
		return
	}

	slog.Info("connectivity changed",
		"from", prev.String(),
		"to", next.String(),
		"type", string(typ),
	)

	tr := Transition{From: prev, To: next, Snapshot: snap}
	for _, h := range handlers {
		safeCall(h, tr)
	}
}

// SetOnline is shorthand for Observe with a reachable reading of unknown type.
func (m *Monitor) SetOnline() {
	m.Observe(Reading{Reachable: true, Type: ConnectionUnknown})
}

// SetOffline is shorthand for Observe with an unreachable reading.
func (m *Monitor) SetOffline() {
	m.Observe(Reading{Reachable: false})
}

// Run polls prober every interval until ctx is done, feeding each result to
// Observe. It probes once immediately.
func (m *Monitor) Run(ctx context.Context, prober Prober, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("probe interval must be > 0, got %s", interval)
	}

	m.Observe(probeSafely(ctx, prober))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Observe(probeSafely(ctx, prober))
		}
	}
}

// safeCall shields the monitor from panicking handlers.
func safeCall(h Handler, tr Transition) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("connectivity handler panicked", "panic", r)
		}
	}()
	h(tr)
}
