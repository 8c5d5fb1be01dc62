// Package cloudsync is the offline-first sync engine. It accepts writes at
// any time, keeps them durable in the local store, replays unconfirmed
// changes against the remote store whenever connectivity allows, and
// reconciles divergent copies on read by last-write-wins.
package cloudsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/clawinfra/offsync/internal/connectivity"
	"github.com/clawinfra/offsync/internal/queue"
	"github.com/clawinfra/offsync/internal/remote"
	"github.com/clawinfra/offsync/internal/scheduler"
	"github.com/clawinfra/offsync/internal/store"
)

var (
	// ErrCannotSyncOffline is returned by ForceSync while offline.
	ErrCannotSyncOffline = errors.New("cannot sync while offline")
	// ErrNotFound is returned by Read when neither store holds the record.
	ErrNotFound = errors.New("record not found")
	// ErrInvalidRecord wraps validation failures of a write.
	ErrInvalidRecord = errors.New("invalid record")
	// ErrNotQueued is returned by Write when the record was stored locally
	// but its pending change could not be persisted.
	ErrNotQueued = errors.New("stored locally but not queued")
)

const (
	DefaultWriteTimeout      = 10 * time.Second
	DefaultReadTimeout       = 5 * time.Second
	DefaultReconnectDebounce = time.Second
	DefaultRetention         = 30 * 24 * time.Hour
	DefaultHistoryLimit      = 200
)

// Options wires an Engine. Store, Gateway and Monitor are required.
type Options struct {
	Store     store.Store
	Gateway   remote.Gateway
	Monitor   *connectivity.Monitor
	Policy    queue.RetryPolicy
	Logger    *slog.Logger
	Notifiers []Notifier
	Now       func() time.Time

	WriteTimeout      time.Duration
	ReadTimeout       time.Duration
	ReconnectDebounce time.Duration

	// DrainSchedule triggers periodic drains while online. Zero means hourly.
	DrainSchedule scheduler.Schedule
	// CleanupSchedule, when set, runs Cleanup over every collection with
	// Retention as the cutoff.
	CleanupSchedule *scheduler.Schedule
	Retention       time.Duration
	DrainOnStart    bool
	HistoryLimit    int
}

// Engine orchestrates the local store, pending queue and remote gateway.
type Engine struct {
	store   store.Store
	gateway remote.Gateway
	monitor *connectivity.Monitor
	queue   *queue.Queue
	drainer *queue.Drainer
	sched   *scheduler.Scheduler
	logger  *slog.Logger
	now     func() time.Time
	locks   keyLocks

	writeTimeout      time.Duration
	readTimeout       time.Duration
	reconnectDebounce time.Duration
	retention         time.Duration
	drainOnStart      bool
	historyLimit      int

	mu   sync.Mutex
	meta syncMeta

	notifyMu  sync.RWMutex
	notifiers []Notifier

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	unsub   func()
	wg      sync.WaitGroup
}

// New loads the persisted queue and sync metadata and builds the engine.
func New(ctx context.Context, opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Gateway == nil {
		return nil, fmt.Errorf("remote gateway is required")
	}
	if opts.Monitor == nil {
		return nil, fmt.Errorf("connectivity monitor is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	q, err := queue.Open(ctx, opts.Store, logger, queue.WithClock(now))
	if err != nil {
		return nil, err
	}
	meta, err := loadMeta(ctx, opts.Store)
	if err != nil {
		return nil, fmt.Errorf("load sync metadata: %w", err)
	}

	e := &Engine{
		store:             opts.Store,
		gateway:           opts.Gateway,
		monitor:           opts.Monitor,
		queue:             q,
		drainer:           queue.NewDrainer(q, opts.Policy, logger),
		sched:             scheduler.NewScheduler(logger),
		logger:            logger.With("component", "cloudsync"),
		now:               now,
		writeTimeout:      orDefault(opts.WriteTimeout, DefaultWriteTimeout),
		readTimeout:       orDefault(opts.ReadTimeout, DefaultReadTimeout),
		reconnectDebounce: orDefault(opts.ReconnectDebounce, DefaultReconnectDebounce),
		retention:         orDefault(opts.Retention, DefaultRetention),
		drainOnStart:      opts.DrainOnStart,
		historyLimit:      opts.HistoryLimit,
		meta:              meta,
		notifiers:         append([]Notifier(nil), opts.Notifiers...),
	}
	if e.historyLimit <= 0 {
		e.historyLimit = DefaultHistoryLimit
	}

	drainSchedule := opts.DrainSchedule
	if drainSchedule.Kind == "" {
		drainSchedule = scheduler.Every(time.Hour)
	}
	if err := e.sched.AddJob(scheduler.Job{Name: "drain", Schedule: drainSchedule, Task: e.scheduledDrain}); err != nil {
		return nil, err
	}
	if opts.CleanupSchedule != nil {
		job := scheduler.Job{Name: "cleanup", Schedule: *opts.CleanupSchedule, Task: func(ctx context.Context) error {
			_, err := e.Cleanup(ctx, "", e.retention)
			return err
		}}
		if err := e.sched.AddJob(job); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// Queue exposes the pending queue for inspection.
func (e *Engine) Queue() *queue.Queue { return e.queue }

// Jobs reports the engine's scheduled jobs.
func (e *Engine) Jobs() []scheduler.JobStatus { return e.sched.Jobs() }

// RunJob runs the named job now, outside its schedule.
func (e *Engine) RunJob(ctx context.Context, name string) error { return e.sched.RunNow(ctx, name) }

// Start runs the reconnect loop and the scheduled jobs until Stop or ctx
// cancellation.
func (e *Engine) Start(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.running {
		return fmt.Errorf("sync engine already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	events, unsub := e.monitor.Subscribe(0)
	e.cancel, e.unsub, e.running = cancel, unsub, true

	e.wg.Add(1)
	go e.loop(ctx, events)
	e.sched.Start(ctx)

	e.logger.Info("sync engine started",
		"online", e.monitor.Online(),
		"pending", e.queue.Len(),
		"debounce", e.reconnectDebounce)
	return nil
}

// Stop shuts the loops down and waits for an in-flight drain to return.
func (e *Engine) Stop() {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if !e.running {
		return
	}
	e.cancel()
	e.unsub()
	e.sched.Stop()
	e.wg.Wait()
	e.running = false
	e.logger.Info("sync engine stopped")
}

// loop reacts to connectivity transitions. A reconnect schedules a drain
// after the debounce window; another reconnect inside the window restarts it.
func (e *Engine) loop(ctx context.Context, events <-chan connectivity.Event) {
	defer e.wg.Done()

	debounce := time.NewTimer(time.Hour)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	if e.drainOnStart && e.monitor.Online() {
		e.drainIfOnline(ctx, "start")
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Type {
			case connectivity.Reconnected:
				debounce.Reset(e.reconnectDebounce)
				e.publish(ctx, EventReconnected, map[string]any{"pending": e.queue.Len()})
			case connectivity.Disconnected:
				debounce.Stop()
				e.publish(ctx, EventDisconnected, map[string]any{"pending": e.queue.Len()})
			}
		case <-debounce.C:
			e.drainIfOnline(ctx, "reconnect")
		}
	}
}

func (e *Engine) drainIfOnline(ctx context.Context, trigger string) {
	if !e.monitor.Online() || e.queue.Len() == 0 {
		return
	}
	if _, err := e.drain(ctx, trigger); err != nil {
		e.logger.Error("drain failed", "trigger", trigger, "error", err)
	}
}

func (e *Engine) scheduledDrain(ctx context.Context) error {
	if !e.monitor.Online() {
		e.logger.Debug("skipping scheduled drain while offline")
		return nil
	}
	_, err := e.drain(ctx, "scheduled")
	return err
}
