// Package queue holds the durable pending-change queue: every local change
// that has not been confirmed by the remote store, in enqueue order.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clawinfra/offsync/internal/store"
	"github.com/clawinfra/offsync/internal/types"
)

// ErrItemNotFound is returned when an item id is not queued.
var ErrItemNotFound = errors.New("queue: item not found")

// Kind is the kind of change an item replays.
type Kind string

const (
	KindInsert Kind = "insert"
	KindUpdate Kind = "update"
)

// Item is one pending change. Attempts never decreases while the item exists.
type Item struct {
	ID         string       `json:"id"`
	Kind       Kind         `json:"kind"`
	Collection string       `json:"collection"`
	TargetKey  string       `json:"targetKey"`
	Record     types.Record `json:"record"`
	EnqueuedAt time.Time    `json:"enqueuedAt"`
	Attempts   int          `json:"attempts"`
}

// RecordKey addresses a record by collection and key.
type RecordKey struct {
	Collection string `json:"collection"`
	Key        string `json:"key"`
}

func (k RecordKey) String() string { return k.Collection + "/" + k.Key }

// Ref returns the key the item targets.
func (it Item) Ref() RecordKey {
	return RecordKey{Collection: it.Collection, Key: it.TargetKey}
}

func before(a, b Item) bool {
	if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	}
	return a.ID < b.ID
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock overrides the enqueue clock.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// Queue is the in-memory mirror of the pendingQueue collection. Every
// mutation is written to the store first and applied to the mirror only
// when the store accepted it.
type Queue struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	items []Item
	last  time.Time
}

// Open loads the persisted queue.
func Open(ctx context.Context, s store.Store, logger *slog.Logger, opts ...Option) (*Queue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		store:  s,
		logger: logger.With("component", "queue"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}

	items, err := store.GetAllJSON[Item](ctx, s, store.CollectionPendingQueue, func(key string, err error) {
		q.logger.Warn("skipping unreadable queue item", "id", key, "error", err)
	})
	if err != nil {
		return nil, fmt.Errorf("load pending queue: %w", err)
	}
	sort.SliceStable(items, func(i, j int) bool { return before(items[i], items[j]) })
	q.items = items
	if n := len(items); n > 0 {
		q.last = items[n-1].EnqueuedAt
	}

	if len(items) > 0 {
		q.logger.Info("pending queue restored", "items", len(items))
	}
	return q, nil
}

// Enqueue appends a change with zero attempts. Nothing is appended when the
// store rejects the write.
func (q *Queue) Enqueue(ctx context.Context, kind Kind, rec types.Record) (Item, error) {
	if kind != KindInsert && kind != KindUpdate {
		return Item{}, fmt.Errorf("unknown change kind %q", kind)
	}
	if err := rec.Validate(); err != nil {
		return Item{}, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return Item{}, fmt.Errorf("generate item id: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	at := q.now().UTC()
	if at.Before(q.last) {
		at = q.last
	}
	item := Item{
		ID:         id.String(),
		Kind:       kind,
		Collection: rec.Collection,
		TargetKey:  rec.Key,
		Record:     rec,
		EnqueuedAt: at,
	}
	if err := store.PutJSON(ctx, q.store, store.CollectionPendingQueue, item.ID, item); err != nil {
		return Item{}, fmt.Errorf("enqueue %s: %w", rec, err)
	}
	q.items = append(q.items, item)
	q.last = at

	q.logger.Debug("change enqueued", "id", item.ID, "kind", kind, "record", rec.String())
	return item, nil
}

// Items returns a snapshot in replay order.
func (q *Queue) Items() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Item(nil), q.items...)
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Get returns the current state of an item.
func (q *Queue) Get(id string) (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if i := q.indexOf(id); i >= 0 {
		return q.items[i], true
	}
	return Item{}, false
}

// HasPending reports whether any item targets the key.
func (q *Queue) HasPending(collection, key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.items {
		if it.Collection == collection && it.TargetKey == key {
			return true
		}
	}
	return false
}

// Remove deletes an item after it was applied remotely or abandoned.
func (q *Queue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.indexOf(id)
	if i < 0 {
		return ErrItemNotFound
	}
	if err := q.store.Delete(ctx, store.CollectionPendingQueue, id); err != nil {
		return fmt.Errorf("remove queue item %s: %w", id, err)
	}
	q.items = append(q.items[:i], q.items[i+1:]...)
	return nil
}

// RecordFailure increments the attempt count of an item and persists it.
// The bool is false when the item is no longer queued.
func (q *Queue) RecordFailure(ctx context.Context, id string) (Item, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.indexOf(id)
	if i < 0 {
		return Item{}, false, nil
	}
	updated := q.items[i]
	updated.Attempts++
	if err := store.PutJSON(ctx, q.store, store.CollectionPendingQueue, id, updated); err != nil {
		return q.items[i], true, fmt.Errorf("record failure for %s: %w", id, err)
	}
	q.items[i] = updated
	return updated, true, nil
}

// Clear discards every pending item and returns how many were removed. On
// a storage failure the items already deleted stay deleted.
func (q *Queue) Clear(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	for _, it := range q.items {
		if err := q.store.Delete(ctx, store.CollectionPendingQueue, it.ID); err != nil {
			q.items = q.items[removed:]
			return removed, fmt.Errorf("clear queue: %w", err)
		}
		removed++
	}
	q.items = nil
	q.logger.Info("pending queue cleared", "items", removed)
	return removed, nil
}

// must hold q.mu
func (q *Queue) indexOf(id string) int {
	for i, it := range q.items {
		if it.ID == id {
			return i
		}
	}
	return -1
}
