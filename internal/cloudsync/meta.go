package cloudsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/clawinfra/offsync/internal/queue"
	"github.com/clawinfra/offsync/internal/store"
)

const (
	metaLastSyncAt     = "lastSyncAt"
	metaLastBackupAt   = "lastBackupAt"
	metaAbandonedCount = "abandonedCount"
)

// syncMeta mirrors the syncMeta collection. Guarded by Engine.mu.
type syncMeta struct {
	lastSyncAt     *time.Time
	lastBackupAt   *time.Time
	abandonedCount int
}

func loadMeta(ctx context.Context, s store.Store) (syncMeta, error) {
	var m syncMeta
	for key, dst := range map[string]**time.Time{
		metaLastSyncAt:   &m.lastSyncAt,
		metaLastBackupAt: &m.lastBackupAt,
	} {
		t, err := store.GetJSON[time.Time](ctx, s, store.CollectionSyncMeta, key)
		switch {
		case err == nil:
			*dst = &t
		case !errors.Is(err, store.ErrNotFound):
			return m, fmt.Errorf("load %s: %w", key, err)
		}
	}
	n, err := store.GetJSON[int](ctx, s, store.CollectionSyncMeta, metaAbandonedCount)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return m, fmt.Errorf("load %s: %w", metaAbandonedCount, err)
	}
	m.abandonedCount = n
	return m, nil
}

// HistoryEntry is one row of the syncHistory collection.
type HistoryEntry struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"` // "drain", "abandoned", "queue_cleared", "cleanup"
	At        time.Time         `json:"at"`
	Trigger   string            `json:"trigger,omitempty"`
	Status    queue.DrainStatus `json:"status,omitempty"`
	Attempted int               `json:"attempted,omitempty"`
	Synced    int               `json:"synced,omitempty"`
	Retried   int               `json:"retried,omitempty"`
	Abandoned int               `json:"abandoned,omitempty"`
	Skipped   int               `json:"skipped,omitempty"`
	Removed   int               `json:"removed,omitempty"`
	Item      *queue.Item       `json:"item,omitempty"`
	Key       *queue.RecordKey  `json:"key,omitempty"`
	Reason    string            `json:"reason,omitempty"`
}

// appendHistory persists entries and prunes the oldest beyond the limit.
// History is best effort; failures are logged.
func (e *Engine) appendHistory(ctx context.Context, entries ...HistoryEntry) {
	for _, h := range entries {
		id, err := uuid.NewV7()
		if err != nil {
			e.logger.Warn("history id", "error", err)
			return
		}
		h.ID = id.String()
		if h.At.IsZero() {
			h.At = e.now().UTC()
		}
		if err := store.PutJSON(ctx, e.store, store.CollectionSyncHistory, h.ID, h); err != nil {
			e.logger.Warn("failed to record sync history", "type", h.Type, "error", err)
			return
		}
	}
	e.pruneHistory(ctx)
}

func (e *Engine) pruneHistory(ctx context.Context) {
	e.mu.Lock()
	limit := e.historyLimit
	e.mu.Unlock()

	entries, err := e.store.GetAll(ctx, store.CollectionSyncHistory)
	if err != nil || len(entries) <= limit {
		return
	}
	// v7 ids sort by creation time
	for _, ent := range entries[:len(entries)-limit] {
		if err := e.store.Delete(ctx, store.CollectionSyncHistory, ent.Key); err != nil {
			e.logger.Warn("failed to prune sync history", "error", err)
			return
		}
	}
}

// SetHistoryLimit changes how many history entries are kept. It takes
// effect on the next append.
func (e *Engine) SetHistoryLimit(n int) {
	if n <= 0 {
		n = DefaultHistoryLimit
	}
	e.mu.Lock()
	e.historyLimit = n
	e.mu.Unlock()
}

// History returns up to limit entries, newest first. limit <= 0 returns all.
func (e *Engine) History(ctx context.Context, limit int) ([]HistoryEntry, error) {
	entries, err := store.GetAllJSON[HistoryEntry](ctx, e.store, store.CollectionSyncHistory, func(key string, err error) {
		e.logger.Warn("skipping unreadable history entry", "id", key, "error", err)
	})
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].ID > entries[j].ID })
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}
