package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/clawinfra/offsync/internal/api"
	"github.com/clawinfra/offsync/internal/channels"
	"github.com/clawinfra/offsync/internal/cloudsync"
	"github.com/clawinfra/offsync/internal/config"
	"github.com/clawinfra/offsync/internal/connectivity"
	"github.com/clawinfra/offsync/internal/queue"
	"github.com/clawinfra/offsync/internal/remote"
	"github.com/clawinfra/offsync/internal/security"
	"github.com/clawinfra/offsync/internal/store"
)

type serveOptions struct {
	port       int
	initSchema bool
}

func newServeCmd(root *rootOptions) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync daemon and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, root.configPath, opts)
		},
	}
	cmd.Flags().IntVarP(&opts.port, "port", "p", 0, "override server.port")
	cmd.Flags().BoolVar(&opts.initSchema, "init-schema", false, "create the remote table before serving")
	return cmd
}

// app holds the runtime components of the daemon.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	level   *slog.LevelVar
	store   store.Store
	gateway remote.Gateway
	monitor *connectivity.Monitor
	hub     *channels.WSHub
	engine  *cloudsync.Engine
	bridge  *channels.MQTTBridge
	server  *api.Server
}

func (a *app) close() {
	if err := a.gateway.Close(); err != nil {
		a.logger.Warn("close remote gateway", "error", err)
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close local store", "error", err)
	}
}

func remoteConfig(cfg *config.Config) remote.Config {
	return remote.Config{
		Driver:      cfg.Remote.Driver,
		DatabaseURL: cfg.Remote.DatabaseURL,
		AuthToken:   cfg.Remote.AuthToken,
		DSN:         cfg.Remote.DSN,
		Timeout:     config.Duration(cfg.Remote.TimeoutMs),
	}
}

// setup wires every component from cfg. Nothing is started yet.
func setup(ctx context.Context, cfg *config.Config, logger *slog.Logger, level *slog.LevelVar) (*app, error) {
	a := &app{cfg: cfg, logger: logger, level: level}

	st, err := store.Open(store.Config{Driver: cfg.Store.Driver, Path: cfg.StorePath()}, logger)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	a.store = st

	gw, err := remote.Open(remoteConfig(cfg), logger)
	if err != nil {
		st.Close() //nolint:errcheck
		return nil, fmt.Errorf("open remote store: %w", err)
	}
	a.gateway = gw

	a.monitor = connectivity.NewMonitor(cfg.Connectivity.InitialOnline, logger)
	a.hub = channels.NewWSHub(0, logger)

	engine, err := cloudsync.New(ctx, cloudsync.Options{
		Store:             st,
		Gateway:           gw,
		Monitor:           a.monitor,
		Policy:            queue.RetryPolicy{MaxAttempts: cfg.Sync.MaxAttempts},
		Logger:            logger,
		Notifiers:         []cloudsync.Notifier{a.hub},
		WriteTimeout:      config.Duration(cfg.Sync.WriteTimeoutMs),
		ReadTimeout:       config.Duration(cfg.Sync.ReadTimeoutMs),
		ReconnectDebounce: config.Duration(cfg.Sync.ReconnectDebounceMs),
		DrainSchedule:     cfg.Sync.DrainSchedule,
		CleanupSchedule:   cfg.Sync.CleanupSchedule,
		Retention:         time.Duration(cfg.Sync.RetentionDays) * 24 * time.Hour,
		DrainOnStart:      cfg.Sync.DrainOnStart,
		HistoryLimit:      cfg.Sync.HistoryLimit,
	})
	if err != nil {
		a.close()
		return nil, fmt.Errorf("create sync engine: %w", err)
	}
	a.engine = engine

	if cfg.MQTT.Enabled {
		a.bridge = channels.NewMQTTBridge(channels.MQTTConfig{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			DeviceID:    cfg.Server.DeviceID,
		}, a.monitor, logger)
		a.bridge.SetStatusSource(engine.Status)
		engine.AddNotifier(a.bridge)
	}

	a.server = api.NewServer(cfg.Server.Port, engine, a.monitor, a.hub, logger)
	a.server.SetJWTSecret(security.GetJWTSecret())
	return a, nil
}

func (a *app) checker() connectivity.Checker {
	if a.cfg.Connectivity.ProbeURL != "" {
		return connectivity.HTTPCheck(a.cfg.Connectivity.ProbeURL, nil)
	}
	return a.gateway.Ping
}

// reload applies hot-reloadable settings after the config file changed.
func (a *app) reload(path string) {
	res, err := a.cfg.Reload(path)
	if err != nil {
		a.logger.Error("config reload failed", "error", err)
		return
	}
	config.RLock()
	a.level.Set(parseLogLevel(a.cfg.Server.LogLevel))
	a.engine.SetHistoryLimit(a.cfg.Sync.HistoryLimit)
	config.RUnlock()
	res.LogResult(a.logger)
}

func runServe(ctx context.Context, configPath string, opts *serveOptions) error {
	bootLogger, _, _ := newLogger("info", "")
	cfg, err := loadConfig(configPath, bootLogger)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if opts.port > 0 {
		cfg.Server.Port = opts.port
	}

	logger, level, logCloser := newLogger(cfg.Server.LogLevel, cfg.Server.LogFile)
	defer logCloser.Close() //nolint:errcheck
	slog.SetDefault(logger)

	logger.Info("starting offsync",
		"version", version,
		"config", configPath,
		"store", cfg.Store.Driver,
		"remote", cfg.Remote.Driver,
	)

	a, err := setup(ctx, cfg, logger, level)
	if err != nil {
		return err
	}
	defer a.close()

	if opts.initSchema {
		if err := initSchema(ctx, a.gateway); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	if err := a.engine.Start(gctx); err != nil {
		return fmt.Errorf("start sync engine: %w", err)
	}
	defer a.engine.Stop()

	g.Go(func() error { return a.server.Start(gctx) })

	if cfg.Connectivity.ProbeEnabled {
		prober := connectivity.NewProber(a.monitor, a.checker(),
			config.Duration(cfg.Connectivity.ProbeIntervalMs),
			config.Duration(cfg.Connectivity.ProbeTimeoutMs),
			logger)
		prober.Start(gctx)
		defer prober.Stop()
	}

	if a.bridge != nil {
		// MQTT is optional; the engine keeps working without a broker.
		if err := a.bridge.Start(gctx); err != nil {
			logger.Error("mqtt bridge unavailable", "broker", cfg.MQTT.Broker, "error", err)
		} else {
			defer a.bridge.Stop() //nolint:errcheck
		}
	}

	watcher, err := config.NewWatcher(configPath, 0, logger, func() { a.reload(configPath) })
	if err != nil {
		logger.Warn("config hot reload disabled", "error", err)
	} else {
		g.Go(func() error { return watcher.Run(gctx) })
	}

	logger.Info("offsync ready",
		"port", cfg.Server.Port,
		"online", a.monitor.Online(),
		"pending", a.engine.Queue().Len())

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("offsync stopped")
	return nil
}
