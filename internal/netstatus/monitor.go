// Package netstatus tracks client connectivity.
//
// A Monitor holds the single process-wide connectivity value and notifies
// subscribers on every transition. It never probes the network itself; a
// Prober (or a test) reports observations through Set.
package netstatus

import (
	"log/slog"
	"sync"

	"coppia/internal/core"
)

// Listener receives the new state after each transition.
type Listener func(online bool)

type Monitor struct {
	mu          sync.Mutex
	online      bool
	transitions uint64
	nextID      uint64
	listeners   []subscription

	// notifyMu serializes deliveries so listeners observe transitions in order.
	notifyMu sync.Mutex
}

type subscription struct {
	id uint64
	fn Listener
}

// NewMonitor creates a monitor starting in the given state.
func NewMonitor(online bool) *Monitor {
	return &Monitor{online: online}
}

func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Transitions returns the number of observed transitions. A caller that
// remembers this value can tell whether connectivity changed since.
func (m *Monitor) Transitions() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitions
}

func (m *Monitor) State() core.NetworkState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return core.NetworkState{Online: m.online, Transitions: m.transitions}
}

// Subscribe registers fn for every future transition. The returned function
// removes it and is safe to call more than once.
func (m *Monitor) Subscribe(fn Listener) (unsubscribe func()) {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners = append(m.listeners, subscription{id: id, fn: fn})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, s := range m.listeners {
				if s.id == id {
					m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// Set reports an observed state. When it differs from the current one the
// transition counter advances and every listener runs synchronously, in
// subscription order, before Set returns.
func (m *Monitor) Set(online bool) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	m.transitions++
	transitions := m.transitions
	listeners := append([]subscription(nil), m.listeners...)
	m.mu.Unlock()

	slog.Info("Network state changed",
		"component", "netstatus",
		"online", online,
		"transitions", transitions,
		"listeners", len(listeners))

	for _, s := range listeners {
		s.fn(online)
	}
}
