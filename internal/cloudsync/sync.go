package cloudsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/clawinfra/offsync/internal/queue"
	"github.com/clawinfra/offsync/internal/reconcile"
	"github.com/clawinfra/offsync/internal/remote"
	"github.com/clawinfra/offsync/internal/store"
	"github.com/clawinfra/offsync/internal/types"
)

// Outcome is how a write was propagated.
type Outcome string

const (
	OutcomeConfirmedRemote          Outcome = "confirmed_remote"
	OutcomeQueuedOffline            Outcome = "queued_offline"
	OutcomeQueuedBehindPending      Outcome = "queued_behind_pending"
	OutcomeQueuedAfterRemoteFailure Outcome = "queued_after_remote_failure"
)

// WriteResult describes an accepted write. The record is durable locally
// for every outcome.
type WriteResult struct {
	Record      types.Record `json:"record"`
	Kind        queue.Kind   `json:"kind"`
	Outcome     Outcome      `json:"outcome"`
	QueueItemID string       `json:"queueItemId,omitempty"`
	RemoteError remote.Kind  `json:"remoteError,omitempty"`
	Reason      string       `json:"reason,omitempty"`
}

// ReadSource names where a read was served from.
type ReadSource string

const (
	ReadLocal  ReadSource = "local"
	ReadRemote ReadSource = "remote"
	// ReadLocalFallback is a local answer given because the remote copy
	// could not be fetched.
	ReadLocalFallback ReadSource = "local_fallback"
)

// SyncStatus is derived on every call, never stored.
type SyncStatus struct {
	Online         bool       `json:"online"`
	PendingCount   int        `json:"pendingCount"`
	LastSyncAt     *time.Time `json:"lastSyncAt"`
	InProgress     bool       `json:"inProgress"`
	LastBackupAt   *time.Time `json:"lastBackupAt"`
	AbandonedCount int        `json:"abandonedCount"`
}

func (e *Engine) getLocal(ctx context.Context, collection, key string) (types.Record, bool, error) {
	rec, err := store.GetJSON[types.Record](ctx, e.store, store.RecordsCollection(collection), key)
	if errors.Is(err, store.ErrNotFound) {
		return types.Record{}, false, nil
	}
	if err != nil {
		return types.Record{}, false, err
	}
	return rec, true, nil
}

func (e *Engine) putLocal(ctx context.Context, rec types.Record) error {
	return store.PutJSON(ctx, e.store, store.RecordsCollection(rec.Collection), rec.Key, rec)
}

// Write accepts a change. The record is persisted locally before anything
// else; a storage failure is the only hard error. Remote failures are
// reported through the outcome.
func (e *Engine) Write(ctx context.Context, collection, key string, payload json.RawMessage) (WriteResult, error) {
	rec := types.Record{
		Collection: collection,
		Key:        key,
		Payload:    payload,
		UpdatedAt:  types.Stamp(e.now()),
	}
	if len(rec.Payload) == 0 {
		rec.Payload = json.RawMessage("null")
	}
	if err := rec.Validate(); err != nil {
		return WriteResult{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}

	unlock := e.locks.lock(collection, key)
	defer unlock()

	existing, found, err := e.getLocal(ctx, collection, key)
	if err != nil {
		return WriteResult{}, fmt.Errorf("write %s: %w", rec, err)
	}
	kind := queue.KindInsert
	if found {
		kind = queue.KindUpdate
		// markers must move forward for a key even when the clock does not
		if !rec.UpdatedAt.After(existing.UpdatedAt) {
			rec.UpdatedAt = existing.UpdatedAt.Add(time.Millisecond)
		}
	}
	if err := e.putLocal(ctx, rec); err != nil {
		return WriteResult{}, fmt.Errorf("write %s: %w", rec, err)
	}

	res := WriteResult{Record: rec, Kind: kind}
	switch {
	case !e.monitor.Online():
		res.Outcome = OutcomeQueuedOffline
	case e.queue.HasPending(collection, key):
		res.Outcome = OutcomeQueuedBehindPending
	default:
		wctx, cancel := context.WithTimeout(ctx, e.writeTimeout)
		_, err := e.gateway.Upsert(wctx, rec)
		cancel()
		if err == nil {
			res.Outcome = OutcomeConfirmedRemote
			e.logger.Debug("write confirmed remotely", "record", rec.String())
			return res, nil
		}
		res.Outcome = OutcomeQueuedAfterRemoteFailure
		res.RemoteError = remote.KindOf(err)
		res.Reason = err.Error()
		e.logger.Warn("remote write failed, change queued",
			"record", rec.String(),
			"kind", res.RemoteError,
			"error", err)
	}

	item, err := e.queue.Enqueue(ctx, kind, rec)
	if err != nil {
		return res, fmt.Errorf("write %s: %w: %w", rec, ErrNotQueued, err)
	}
	res.QueueItemID = item.ID
	return res, nil
}

// Read returns the freshest copy it can reach. While online the remote copy
// is fetched and reconciled with the local one; the winner is written back
// locally when it differs.
func (e *Engine) Read(ctx context.Context, collection, key string) (types.Record, ReadSource, error) {
	unlock := e.locks.lock(collection, key)
	defer unlock()

	local, haveLocal, err := e.getLocal(ctx, collection, key)
	if err != nil {
		return types.Record{}, "", fmt.Errorf("read %s/%s: %w", collection, key, err)
	}

	localOnly := func(src ReadSource) (types.Record, ReadSource, error) {
		if !haveLocal {
			return types.Record{}, "", ErrNotFound
		}
		return local, src, nil
	}

	if !e.monitor.Online() {
		return localOnly(ReadLocal)
	}

	rctx, cancel := context.WithTimeout(ctx, e.readTimeout)
	remoteRec, err := e.gateway.Read(rctx, collection, key)
	cancel()
	switch {
	case errors.Is(err, remote.ErrNotFound):
		return localOnly(ReadLocal)
	case err != nil:
		e.logger.Warn("remote read failed, serving local copy",
			"collection", collection,
			"key", key,
			"kind", remote.KindOf(err),
			"error", err)
		return localOnly(ReadLocalFallback)
	}

	if !haveLocal {
		if err := e.putLocal(ctx, remoteRec); err != nil {
			e.logger.Warn("failed to cache remote record", "record", remoteRec.String(), "error", err)
		}
		return remoteRec, ReadRemote, nil
	}

	d := reconcile.Reconcile(local, remoteRec)
	if d.Source == reconcile.SourceLocal {
		return local, ReadLocal, nil
	}
	if reconcile.Diverged(local, remoteRec) {
		if err := e.putLocal(ctx, d.Winner); err != nil {
			e.logger.Warn("failed to write back reconciled record", "record", d.Winner.String(), "error", err)
		} else {
			e.logger.Debug("local copy replaced by newer remote copy", "record", d.Winner.String())
		}
	}
	return d.Winner, ReadRemote, nil
}

// ForceSync drains the queue now.
func (e *Engine) ForceSync(ctx context.Context) (queue.DrainResult, error) {
	if !e.monitor.Online() {
		return queue.DrainResult{}, ErrCannotSyncOffline
	}
	return e.drain(ctx, "manual")
}

// timedGateway bounds every drain upsert by the write timeout.
type timedGateway struct {
	gw      remote.Gateway
	timeout time.Duration
}

func (t timedGateway) Upsert(ctx context.Context, rec types.Record) (types.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.gw.Upsert(ctx, rec)
}

func (e *Engine) drain(ctx context.Context, trigger string) (queue.DrainResult, error) {
	res, err := e.drainer.Drain(ctx, timedGateway{gw: e.gateway, timeout: e.writeTimeout}, e.monitor.Online)
	if res.Status == queue.StatusAlreadyRunning {
		e.logger.Debug("drain already running", "trigger", trigger)
		return res, err
	}

	e.mu.Lock()
	if res.Status == queue.StatusCompleted {
		at := res.FinishedAt
		e.meta.lastSyncAt = &at
	}
	e.meta.abandonedCount += len(res.Abandoned)
	abandoned := e.meta.abandonedCount
	e.mu.Unlock()

	if res.Status == queue.StatusCompleted {
		if perr := store.PutJSON(ctx, e.store, store.CollectionSyncMeta, metaLastSyncAt, res.FinishedAt); perr != nil {
			e.logger.Warn("failed to persist last sync time", "error", perr)
		}
	}
	if len(res.Abandoned) > 0 {
		if perr := store.PutJSON(ctx, e.store, store.CollectionSyncMeta, metaAbandonedCount, abandoned); perr != nil {
			e.logger.Warn("failed to persist abandoned count", "error", perr)
		}
	}

	entries := []HistoryEntry{{
		Type:      "drain",
		At:        res.FinishedAt,
		Trigger:   trigger,
		Status:    res.Status,
		Attempted: res.Attempted,
		Synced:    len(res.Synced),
		Retried:   len(res.Retried),
		Abandoned: len(res.Abandoned),
		Skipped:   res.Skipped,
	}}
	for _, ab := range res.Abandoned {
		item := ab.Item
		entries = append(entries, HistoryEntry{Type: "abandoned", At: res.FinishedAt, Item: &item, Reason: ab.Reason})
	}
	e.appendHistory(ctx, entries...)

	for _, ab := range res.Abandoned {
		e.publish(ctx, EventItemAbandoned, ab)
	}
	e.publish(ctx, EventDrainCompleted, res)
	return res, err
}

// Status reports the current sync state.
func (e *Engine) Status(ctx context.Context) SyncStatus {
	e.mu.Lock()
	meta := e.meta
	e.mu.Unlock()
	return SyncStatus{
		Online:         e.monitor.Online(),
		PendingCount:   e.queue.Len(),
		LastSyncAt:     meta.lastSyncAt,
		InProgress:     e.drainer.InProgress(),
		LastBackupAt:   meta.lastBackupAt,
		AbandonedCount: meta.abandonedCount,
	}
}

// ClearQueue discards every pending change. Local records are kept.
func (e *Engine) ClearQueue(ctx context.Context) (int, error) {
	n, err := e.queue.Clear(ctx)
	if n > 0 || err == nil {
		e.appendHistory(ctx, HistoryEntry{Type: "queue_cleared", Removed: n})
		e.publish(ctx, EventQueueCleared, map[string]int{"removed": n})
	}
	if err != nil {
		return n, fmt.Errorf("clear queue: %w", err)
	}
	return n, nil
}
