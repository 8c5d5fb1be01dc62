package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// JobRunner executes a single job on schedule. A run never overlaps the
// previous one because the next run is computed after the task returns.
type JobRunner struct {
	job    Job
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	state JobState

	runMu  sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// NewJobRunner creates a new job runner
func NewJobRunner(job Job, log *slog.Logger) *JobRunner {
	if log == nil {
		log = slog.Default()
	}
	return &JobRunner{
		job:    job,
		logger: log.With("job", job.Name),
		now:    time.Now,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start runs the job until ctx is cancelled or Stop is called.
func (r *JobRunner) Start(ctx context.Context) {
	defer close(r.doneCh)

	next, err := r.job.Schedule.NextRun(r.now())
	if err != nil {
		r.logger.Error("failed to calculate next run", "error", err)
		return
	}
	r.setNext(next)
	r.logger.Info("job runner started", "next_run", next.Format(time.RFC3339))

	timer := time.NewTimer(time.Until(next))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("job runner stopped (context cancelled)")
			return
		case <-r.stopCh:
			r.logger.Debug("job runner stopped")
			return
		case <-timer.C:
			r.Run(ctx)

			next, err := r.job.Schedule.NextRun(r.now())
			if err != nil {
				r.logger.Error("failed to calculate next run", "error", err)
				return
			}
			r.setNext(next)
			timer.Reset(time.Until(next))
		}
	}
}

// Stop stops the job runner and waits for it to exit. Safe to call once
// Start has been called.
func (r *JobRunner) Stop() {
	r.once.Do(func() { close(r.stopCh) })
	<-r.doneCh
}

// Run executes the job once, waiting for a concurrent run to finish first.
func (r *JobRunner) Run(ctx context.Context) error {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	start := r.now()
	err := r.job.Task(ctx)
	duration := time.Since(start)

	r.mu.Lock()
	r.state.LastRunAt = start
	r.state.LastDuration = duration
	r.state.RunCount++
	if err != nil {
		r.state.ErrorCount++
		r.state.LastError = err.Error()
	} else {
		r.state.LastError = ""
	}
	runs, errs := r.state.RunCount, r.state.ErrorCount
	r.mu.Unlock()

	if err != nil {
		r.logger.Warn("job failed",
			"error", err,
			"duration", duration,
			"run_count", runs,
			"error_count", errs)
		return err
	}
	r.logger.Debug("job completed", "duration", duration, "run_count", runs)
	return nil
}

// State returns a copy of the job's execution state.
func (r *JobRunner) State() JobState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *JobRunner) setNext(t time.Time) {
	r.mu.Lock()
	r.state.NextRunAt = t
	r.mu.Unlock()
}
