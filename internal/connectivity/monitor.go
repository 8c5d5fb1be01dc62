// Package connectivity tracks whether the remote store is reachable and
// publishes online/offline transitions to subscribers.
package connectivity

import (
	"log/slog"
	"sync"
	"time"
)

// EventType names a connectivity transition.
type EventType string

const (
	Reconnected  EventType = "reconnected"
	Disconnected EventType = "disconnected"
)

// Event is a single transition.
type Event struct {
	Type EventType
	At   time.Time
}

type subscriber struct {
	ch chan Event
}

// Monitor holds the online flag. Signals that do not change the state are
// ignored, so each Offline->Online transition yields exactly one Reconnected
// event per subscriber.
type Monitor struct {
	mu          sync.RWMutex
	online      bool
	changedAt   time.Time
	subscribers map[*subscriber]struct{}
	logger      *slog.Logger
}

// NewMonitor creates a monitor in the given initial state.
func NewMonitor(online bool, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		online:      online,
		changedAt:   time.Now(),
		subscribers: make(map[*subscriber]struct{}),
		logger:      logger.With("component", "connectivity"),
	}
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Since returns when the current state was entered.
func (m *Monitor) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.changedAt
}

// NetworkAvailable is the external network-available signal.
func (m *Monitor) NetworkAvailable() {
	m.set(true)
}

// NetworkLost is the external network-lost signal.
func (m *Monitor) NetworkLost() {
	m.set(false)
}

func (m *Monitor) set(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	m.changedAt = time.Now()
	ev := Event{Type: Disconnected, At: m.changedAt}
	if online {
		ev.Type = Reconnected
	}
	// Sends happen under the lock so cancel cannot close a channel mid-send.
	// They are non-blocking, so the signalling goroutine never waits.
	dropped := 0
	for s := range m.subscribers {
		select {
		case s.ch <- ev:
		default:
			dropped++
		}
	}
	m.mu.Unlock()

	if online {
		m.logger.Info("network connection restored")
	} else {
		m.logger.Info("network connection lost, running offline")
	}
	if dropped > 0 {
		m.logger.Warn("connectivity subscriber buffer full, event dropped",
			"event", ev.Type,
			"subscribers", dropped)
	}
}

// Subscribe returns a channel of transitions and a cancel function that
// unsubscribes and closes the channel.
func (m *Monitor) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	s := &subscriber{ch: make(chan Event, buffer)}

	m.mu.Lock()
	m.subscribers[s] = struct{}{}
	m.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subscribers, s)
			close(s.ch)
			m.mu.Unlock()
		})
	}
	return s.ch, cancel
}
