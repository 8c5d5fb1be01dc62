package channels

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/clawinfra/offsync/internal/cloudsync"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	defaultClientBuffer = 32
	wsWriteTimeout      = 5 * time.Second
)

// wsClient is one connected event stream.
type wsClient struct {
	send    chan cloudsync.Event
	dropped int
}

// WSHub fans engine events out to WebSocket clients. A client that falls
// behind loses events instead of stalling the engine.
type WSHub struct {
	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	buffer  int
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewWSHub creates a hub. buffer is the per-client event backlog.
func NewWSHub(buffer int, logger *slog.Logger) *WSHub {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = defaultClientBuffer
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WSHub{
		clients: make(map[*wsClient]struct{}),
		buffer:  buffer,
		logger:  logger.With("channel", "websocket"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Clients returns the number of connected clients.
func (h *WSHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Notify queues ev for every client without blocking.
func (h *WSHub) Notify(_ context.Context, ev cloudsync.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- ev:
		default:
			c.dropped++
			h.logger.Warn("ws client too slow, event dropped", "event", ev.Type, "dropped", c.dropped)
		}
	}
	return nil
}

func (h *WSHub) register() *wsClient {
	c := &wsClient{send: make(chan cloudsync.Event, h.buffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *WSHub) unregister(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// ServeHTTP upgrades the request and streams events until the client
// goes away or the hub is closed. Client frames are discarded.
func (h *WSHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.logger.Error("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow() //nolint:errcheck

	c := h.register()
	defer h.unregister(c)
	h.logger.Info("ws client connected", "remote", r.RemoteAddr, "clients", h.Clients())

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("ws client gone", "remote", r.RemoteAddr)
			return
		case <-h.ctx.Done():
			conn.Close(websocket.StatusGoingAway, "server shutting down") //nolint:errcheck
			return
		case ev := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := wsjson.Write(wctx, conn, ev)
			cancel()
			if err != nil {
				h.logger.Warn("ws write error", "error", err)
				return
			}
		}
	}
}

// Close disconnects every client.
func (h *WSHub) Close() {
	h.cancel()
}
