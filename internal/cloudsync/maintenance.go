package cloudsync

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/clawinfra/offsync/internal/store"
	"github.com/clawinfra/offsync/internal/types"
)

// Stats summarises local storage.
type Stats struct {
	Collections  map[string]int `json:"collections"`
	TotalRecords int            `json:"totalRecords"`
	PendingSync  int            `json:"pendingSync"`
	LastSyncAt   *time.Time     `json:"lastSyncAt"`
	LastBackupAt *time.Time     `json:"lastBackupAt"`
	Online       bool           `json:"online"`
}

// Snapshot is the stable local state handed to backup and export
// consumers.
type Snapshot struct {
	Timestamp   time.Time                 `json:"timestamp"`
	Collections map[string][]types.Record `json:"collections"`
	Metadata    SnapshotMetadata          `json:"metadata"`
}

type SnapshotMetadata struct {
	TotalRecords map[string]int `json:"totalRecords"`
	PendingSync  int            `json:"pendingSync"`
	LastSyncAt   *time.Time     `json:"lastSyncAt"`
}

func (e *Engine) domainCollections(ctx context.Context) ([]string, error) {
	names, err := e.store.Collections(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, n := range names {
		if c, ok := store.DomainCollection(n); ok {
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (e *Engine) records(ctx context.Context, collection string) ([]types.Record, error) {
	return store.GetAllJSON[types.Record](ctx, e.store, store.RecordsCollection(collection), func(key string, err error) {
		e.logger.Warn("skipping unreadable record", "collection", collection, "key", key, "error", err)
	})
}

// Stats counts local records per collection.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	collections, err := e.domainCollections(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	st := Stats{Collections: make(map[string]int, len(collections))}
	for _, c := range collections {
		entries, err := e.store.GetAll(ctx, store.RecordsCollection(c))
		if err != nil {
			return Stats{}, fmt.Errorf("stats: %w", err)
		}
		st.Collections[c] = len(entries)
		st.TotalRecords += len(entries)
	}
	status := e.Status(ctx)
	st.PendingSync = status.PendingCount
	st.LastSyncAt = status.LastSyncAt
	st.LastBackupAt = status.LastBackupAt
	st.Online = status.Online
	return st, nil
}

// Cleanup deletes local records last written before now-olderThan. Records
// with a pending change are kept. An empty collection cleans every
// collection; olderThan <= 0 uses the 30 day default.
func (e *Engine) Cleanup(ctx context.Context, collection string, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		olderThan = DefaultRetention
	}
	cutoff := e.now().Add(-olderThan)

	collections := []string{collection}
	if collection == "" {
		var err error
		if collections, err = e.domainCollections(ctx); err != nil {
			return 0, fmt.Errorf("cleanup: %w", err)
		}
	}

	removed := 0
	for _, c := range collections {
		recs, err := e.records(ctx, c)
		if err != nil {
			return removed, fmt.Errorf("cleanup %s: %w", c, err)
		}
		for _, rec := range recs {
			if !rec.UpdatedAt.Before(cutoff) {
				continue
			}
			ok, err := e.deleteIfStale(ctx, rec, cutoff)
			if err != nil {
				return removed, fmt.Errorf("cleanup %s: %w", c, err)
			}
			if ok {
				removed++
			}
		}
	}

	if removed > 0 {
		e.logger.Info("old records cleaned up", "removed", removed, "cutoff", cutoff)
		e.appendHistory(ctx, HistoryEntry{Type: "cleanup", Removed: removed})
	}
	return removed, nil
}

// deleteIfStale re-checks the record under its key lock before deleting.
func (e *Engine) deleteIfStale(ctx context.Context, rec types.Record, cutoff time.Time) (bool, error) {
	unlock := e.locks.lock(rec.Collection, rec.Key)
	defer unlock()

	if e.queue.HasPending(rec.Collection, rec.Key) {
		return false, nil
	}
	cur, found, err := e.getLocal(ctx, rec.Collection, rec.Key)
	if err != nil || !found || !cur.UpdatedAt.Before(cutoff) {
		return false, err
	}
	if err := e.store.Delete(ctx, store.RecordsCollection(rec.Collection), rec.Key); err != nil {
		return false, err
	}
	return true, nil
}

// Snapshot collects every local record.
func (e *Engine) Snapshot(ctx context.Context) (Snapshot, error) {
	collections, err := e.domainCollections(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: %w", err)
	}
	snap := Snapshot{
		Timestamp:   e.now().UTC(),
		Collections: make(map[string][]types.Record, len(collections)),
		Metadata:    SnapshotMetadata{TotalRecords: make(map[string]int, len(collections))},
	}
	for _, c := range collections {
		recs, err := e.records(ctx, c)
		if err != nil {
			return Snapshot{}, fmt.Errorf("snapshot %s: %w", c, err)
		}
		snap.Collections[c] = recs
		snap.Metadata.TotalRecords[c] = len(recs)
	}
	status := e.Status(ctx)
	snap.Metadata.PendingSync = status.PendingCount
	snap.Metadata.LastSyncAt = status.LastSyncAt
	return snap, nil
}

// MarkBackup records that a backup consumer persisted a snapshot at at.
func (e *Engine) MarkBackup(ctx context.Context, at time.Time) error {
	at = at.UTC()
	if err := store.PutJSON(ctx, e.store, store.CollectionSyncMeta, metaLastBackupAt, at); err != nil {
		return fmt.Errorf("mark backup: %w", err)
	}
	e.mu.Lock()
	e.meta.lastBackupAt = &at
	e.mu.Unlock()
	return nil
}
