package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/clawinfra/offsync/internal/types"
)

// Upserter applies a record remotely. remote.Gateway satisfies it.
type Upserter interface {
	Upsert(ctx context.Context, rec types.Record) (types.Record, error)
}

// DrainStatus is how a drain cycle ended.
type DrainStatus string

const (
	StatusCompleted      DrainStatus = "completed"
	StatusInterrupted    DrainStatus = "interrupted"
	StatusAlreadyRunning DrainStatus = "already_running"
)

// Failure is an attempt that left its item queued.
type Failure struct {
	Key      RecordKey `json:"key"`
	ItemID   string    `json:"itemId"`
	Attempts int       `json:"attempts"`
	Reason   string    `json:"reason"`
	Err      error     `json:"-"`
}

// Abandonment is an item dropped after exhausting its attempts. Err wraps
// ErrQueueExhausted and the last remote error.
type Abandonment struct {
	Item   Item   `json:"item"`
	Reason string `json:"reason"`
	Err    error  `json:"-"`
}

// DrainResult summarises one cycle.
type DrainResult struct {
	Status     DrainStatus   `json:"status"`
	Attempted  int           `json:"attempted"`
	Synced     []RecordKey   `json:"synced"`
	Retried    []Failure     `json:"retried"`
	Abandoned  []Abandonment `json:"abandoned"`
	Skipped    int           `json:"skipped"`
	Remaining  int           `json:"remaining"`
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt time.Time     `json:"finishedAt"`
}

// Drainer replays the queue against the remote store. Only one drain runs
// at a time.
type Drainer struct {
	queue   *Queue
	policy  RetryPolicy
	logger  *slog.Logger
	running atomic.Bool
}

func NewDrainer(q *Queue, policy RetryPolicy, logger *slog.Logger) *Drainer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Drainer{
		queue:  q,
		policy: policy,
		logger: logger.With("component", "drainer"),
	}
}

// InProgress reports whether a drain is running.
func (d *Drainer) InProgress() bool {
	return d.running.Load()
}

// Drain replays a snapshot of the queue in enqueue order. It stops with
// StatusInterrupted as soon as online reports false or ctx is done; the
// items not reached stay queued. Once an item for a key stays queued, later
// items for that key are skipped until the next cycle. A storage failure
// while updating the queue aborts the cycle and is returned.
func (d *Drainer) Drain(ctx context.Context, up Upserter, online func() bool) (DrainResult, error) {
	if !d.running.CompareAndSwap(false, true) {
		now := time.Now().UTC()
		return DrainResult{Status: StatusAlreadyRunning, StartedAt: now, FinishedAt: now}, nil
	}
	defer d.running.Store(false)

	res := DrainResult{Status: StatusCompleted, StartedAt: time.Now().UTC()}
	finish := func(status DrainStatus) DrainResult {
		res.Status = status
		res.Remaining = d.queue.Len()
		res.FinishedAt = time.Now().UTC()
		return res
	}

	snapshot := d.queue.Items()
	blocked := make(map[RecordKey]bool)

	for _, item := range snapshot {
		if ctx.Err() != nil || !online() {
			d.logger.Info("drain interrupted", "attempted", res.Attempted, "remaining", d.queue.Len())
			return finish(StatusInterrupted), nil
		}
		ref := item.Ref()
		if blocked[ref] {
			res.Skipped++
			continue
		}
		if _, ok := d.queue.Get(item.ID); !ok {
			// cleared or removed since the snapshot
			continue
		}

		res.Attempted++
		_, err := up.Upsert(ctx, item.Record)
		if err == nil {
			// a concurrent clear may already have dropped the item
			if err := d.queue.Remove(ctx, item.ID); err != nil && !errors.Is(err, ErrItemNotFound) {
				return finish(StatusInterrupted), fmt.Errorf("drain: %w", err)
			}
			res.Synced = append(res.Synced, ref)
			continue
		}

		if ctx.Err() != nil {
			// shutting down; the attempt does not count against the item
			return finish(StatusInterrupted), nil
		}

		updated, ok, qerr := d.queue.RecordFailure(ctx, item.ID)
		if qerr != nil {
			return finish(StatusInterrupted), fmt.Errorf("drain: %w", qerr)
		}
		if !ok {
			continue
		}

		if d.policy.Decide(updated) == Abandon {
			if rerr := d.queue.Remove(ctx, item.ID); rerr != nil {
				if errors.Is(rerr, ErrItemNotFound) {
					continue
				}
				return finish(StatusInterrupted), fmt.Errorf("drain: %w", rerr)
			}
			cause := exhausted(updated, err)
			res.Abandoned = append(res.Abandoned, Abandonment{Item: updated, Reason: err.Error(), Err: cause})
			d.logger.Warn("change abandoned",
				"id", updated.ID,
				"record", ref.String(),
				"attempts", updated.Attempts,
				"error", err)
			continue
		}

		blocked[ref] = true
		res.Retried = append(res.Retried, Failure{
			Key:      ref,
			ItemID:   updated.ID,
			Attempts: updated.Attempts,
			Reason:   err.Error(),
			Err:      err,
		})
		d.logger.Debug("change kept for retry", "id", updated.ID, "record", ref.String(), "attempts", updated.Attempts, "error", err)
	}

	out := finish(StatusCompleted)
	d.logger.Info("drain completed",
		"synced", len(out.Synced),
		"retried", len(out.Retried),
		"abandoned", len(out.Abandoned),
		"skipped", out.Skipped,
		"remaining", out.Remaining)
	return out, nil
}
