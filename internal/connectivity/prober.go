package connectivity

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Checker reports whether the remote side is reachable.
type Checker func(ctx context.Context) error

// HTTPCheck returns a Checker that issues a GET to url. Any response below
// 500 counts as reachable: the probe tests the network path, not the API.
func HTTPCheck(url string, client *http.Client) Checker {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("create probe request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("probe %s: %w", url, err)
		}
		resp.Body.Close() //nolint:errcheck
		if resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("probe %s: http %d", url, resp.StatusCode)
		}
		return nil
	}
}

// Prober turns periodic reachability checks into monitor signals.
type Prober struct {
	monitor  *Monitor
	check    Checker
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewProber creates a prober. Zero interval or timeout fall back to 30s / 5s.
func NewProber(monitor *Monitor, check Checker, interval, timeout time.Duration, logger *slog.Logger) *Prober {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Prober{
		monitor:  monitor,
		check:    check,
		interval: interval,
		timeout:  timeout,
		logger:   logger.With("component", "prober"),
		stopCh:   make(chan struct{}),
	}
}

// Probe runs one check and signals the monitor.
func (p *Prober) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.check(ctx); err != nil {
		p.logger.Debug("connectivity probe failed", "error", err)
		p.monitor.NetworkLost()
		return false
	}
	p.monitor.NetworkAvailable()
	return true
}

// Start probes immediately and then once per interval until ctx is done or
// Stop is called.
func (p *Prober) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		p.Probe(ctx)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.Probe(ctx)
			}
		}
	}()
	p.logger.Info("connectivity prober started", "interval", p.interval)
}

// Stop ends the probe loop and waits for it.
func (p *Prober) Stop() {
	p.once.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}
