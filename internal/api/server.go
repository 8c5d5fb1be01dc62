// Package api exposes the sync engine over HTTP.
package api

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/clawinfra/offsync/internal/channels"
	"github.com/clawinfra/offsync/internal/cloudsync"
	"github.com/clawinfra/offsync/internal/connectivity"
	"github.com/clawinfra/offsync/internal/security"
)

// maxRecordBytes bounds a record payload accepted over HTTP.
const maxRecordBytes = 1 << 20

// Server is the HTTP API server
type Server struct {
	port       int
	engine     *cloudsync.Engine
	monitor    *connectivity.Monitor
	hub        *channels.WSHub
	jwtSecret  []byte
	logger     *slog.Logger
	startedAt  time.Time
	httpServer *http.Server
}

// NewServer creates a new API server. hub may be nil, which disables the
// event stream.
func NewServer(
	port int,
	engine *cloudsync.Engine,
	monitor *connectivity.Monitor,
	hub *channels.WSHub,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		port:      port,
		engine:    engine,
		monitor:   monitor,
		hub:       hub,
		logger:    logger.With("component", "api"),
		startedAt: time.Now(),
	}
}

// SetJWTSecret enables bearer token authentication. A nil secret is dev mode.
func (s *Server) SetJWTSecret(secret []byte) {
	s.jwtSecret = secret
}

// Handler builds the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()

	api.HandleFunc("PUT /api/records/{collection}/{key}", s.handleWriteRecord)
	api.HandleFunc("GET /api/records/{collection}/{key}", s.handleReadRecord)
	api.HandleFunc("GET /api/status", s.handleStatus)
	api.HandleFunc("GET /api/stats", s.handleStats)
	api.HandleFunc("POST /api/sync", s.handleForceSync)
	api.HandleFunc("GET /api/queue", s.handleListQueue)
	api.HandleFunc("DELETE /api/queue", s.handleClearQueue)
	api.HandleFunc("GET /api/history", s.handleHistory)
	api.HandleFunc("GET /api/snapshot", s.handleSnapshot)
	api.HandleFunc("POST /api/backup", s.handleBackup)
	api.HandleFunc("POST /api/cleanup", s.handleCleanup)
	api.HandleFunc("POST /api/network/{state}", s.handleNetwork)
	s.registerJobRoutes(api)
	if s.hub != nil {
		api.Handle("GET /api/events", s.hub)
	}

	protected := security.AuthMiddleware(s.jwtSecret)(security.RBACMiddleware(api))

	root := http.NewServeMux()
	root.HandleFunc("GET /healthz", s.handleHealth)
	root.Handle("/api/", protected)

	return s.corsMiddleware(s.loggingMiddleware(root))
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	// no write timeout: /api/events is a long-lived stream
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("API server starting", "port", s.port, "auth", s.jwtSecret != nil)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down API server")
		if s.hub != nil {
			s.hub.Close()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("api server: %w", err)
	}
}

// statusRecorder captures the response code for logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack is required by the WebSocket upgrade on /api/events.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

// corsMiddleware adds CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
	})
}
