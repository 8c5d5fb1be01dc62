package cloudsync

import (
	"context"
	"time"
)

// EventType names an engine event.
type EventType string

const (
	EventReconnected    EventType = "reconnected"
	EventDisconnected   EventType = "disconnected"
	EventDrainCompleted EventType = "drain_completed"
	EventItemAbandoned  EventType = "item_abandoned"
	EventQueueCleared   EventType = "queue_cleared"
)

// Event is published to every Notifier.
type Event struct {
	Type EventType `json:"type"`
	At   time.Time `json:"at"`
	Data any       `json:"data,omitempty"`
}

// Notifier receives engine events. Errors are logged, never propagated.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, ev Event) error

func (f NotifierFunc) Notify(ctx context.Context, ev Event) error { return f(ctx, ev) }

const notifyTimeout = 5 * time.Second

// AddNotifier registers n for every later event.
func (e *Engine) AddNotifier(n Notifier) {
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()
	e.notifiers = append(e.notifiers, n)
}

func (e *Engine) publish(ctx context.Context, typ EventType, data any) {
	e.notifyMu.RLock()
	notifiers := append([]Notifier(nil), e.notifiers...)
	e.notifyMu.RUnlock()
	if len(notifiers) == 0 {
		return
	}

	ev := Event{Type: typ, At: e.now().UTC(), Data: data}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	for _, n := range notifiers {
		if err := n.Notify(ctx, ev); err != nil {
			e.logger.Warn("event notification failed", "event", typ, "error", err)
		}
	}
}
