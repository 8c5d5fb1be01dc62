package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// ErrJobNotFound is returned for an unknown job name.
var ErrJobNotFound = errors.New("job not found")

// Scheduler manages the engine's named jobs.
type Scheduler struct {
	jobs    map[string]Job
	runners map[string]*JobRunner
	logger  *slog.Logger
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler creates a new scheduler
func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		jobs:    make(map[string]Job),
		runners: make(map[string]*JobRunner),
		logger:  logger.With("component", "scheduler"),
	}
}

// AddJob registers a job, starting it right away when the scheduler runs.
func (s *Scheduler) AddJob(job Job) error {
	if err := job.Validate(); err != nil {
		return fmt.Errorf("invalid job: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.Name]; exists {
		return fmt.Errorf("job %s already exists", job.Name)
	}
	s.jobs[job.Name] = job
	runner := NewJobRunner(job, s.logger)
	s.runners[job.Name] = runner
	if s.ctx != nil {
		s.launch(runner)
	}
	s.logger.Debug("job added", "job", job.Name, "schedule", job.Schedule.Kind)
	return nil
}

// Start launches every registered job.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil {
		return
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	for _, runner := range s.runners {
		s.launch(runner)
	}
	s.logger.Info("scheduler started", "jobs", len(s.runners))
}

// must hold s.mu
func (s *Scheduler) launch(r *JobRunner) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		r.Start(s.ctx)
	}()
}

// Stop cancels every runner and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()

	s.mu.Lock()
	s.ctx, s.cancel = nil, nil
	// runners cannot be restarted; keep their state on fresh ones
	for name, job := range s.jobs {
		fresh := NewJobRunner(job, s.logger)
		fresh.state = s.runners[name].State()
		s.runners[name] = fresh
	}
	s.mu.Unlock()
	s.logger.Info("scheduler stopped")
}

// RunNow triggers a job immediately, bypassing its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	runner, exists := s.runners[name]
	s.mu.Unlock()
	if !exists {
		return fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	return runner.Run(ctx)
}

// JobStatus is a job's schedule and execution state.
type JobStatus struct {
	Name     string   `json:"name"`
	Schedule Schedule `json:"schedule"`
	JobState
}

// Jobs lists the registered jobs sorted by name.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobStatus, 0, len(s.jobs))
	for name, job := range s.jobs {
		out = append(out, JobStatus{Name: name, Schedule: job.Schedule, JobState: s.runners[name].State()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
