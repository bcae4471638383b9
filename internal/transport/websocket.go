package transport

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gateway-fm/attestgateway/pkg/types"
)

const (
	hubBufferSize = 256
	writeTimeout  = 5 * time.Second
)

// Hub streams lookup events to WebSocket clients.
// It implements aggregator.Observer; events that arrive while the broadcast
// buffer is full are dropped so lookups never wait on slow clients.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	// Connected clients
	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	// Broadcast channel
	broadcast chan types.LookupEvent

	// Done channel for shutdown
	done     chan struct{}
	stopOnce sync.Once
}

// NewHub creates a hub. Browser origins are checked against
// corsAllowedOrigins; same-host and localhost origins are always accepted.
func NewHub(logger *slog.Logger, corsAllowedOrigins string) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	policy := parseCORSOrigins(corsAllowedOrigins)

	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return checkOrigin(policy, r)
			},
		},
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan types.LookupEvent, hubBufferSize),
		done:      make(chan struct{}),
	}
}

func checkOrigin(policy corsPolicy, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // Allow requests without Origin header (same-origin or direct)
	}
	if policy.allows(origin) {
		return true
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if originURL.Host == r.Host {
		return true
	}
	return originURL.Hostname() == "localhost" || originURL.Hostname() == "127.0.0.1"
}

// OnCacheLookup is a no-op; only upstream fetches are streamed.
func (h *Hub) OnCacheLookup(string, bool) {}

// OnFetch queues an event for broadcast.
func (h *Hub) OnFetch(ev types.LookupEvent) {
	select {
	case h.broadcast <- ev:
	default:
		h.logger.Debug("Lookup feed buffer full, dropping event",
			slog.String("network", ev.Network),
		)
	}
}

// Handler returns the WebSocket HTTP handler.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Error("WebSocket upgrade failed", slog.String("error", err.Error()))
			return
		}

		h.clientsMu.Lock()
		h.clients[conn] = true
		total := len(h.clients)
		h.clientsMu.Unlock()

		h.logger.Debug("WebSocket client connected", slog.Int("total_clients", total))

		defer func() {
			h.clientsMu.Lock()
			delete(h.clients, conn)
			total := len(h.clients)
			h.clientsMu.Unlock()
			conn.Close()

			h.logger.Debug("WebSocket client disconnected", slog.Int("total_clients", total))
		}()

		// Read messages (mainly for ping/pong and close)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					h.logger.Debug("WebSocket read error", slog.String("error", err.Error()))
				}
				return
			}
		}
	}
}

// Start begins the broadcasting goroutine.
func (h *Hub) Start() {
	go h.broadcastLoop()
}

// Stop stops broadcasting and closes all client connections. Safe to call
// more than once.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)

		h.clientsMu.Lock()
		for conn := range h.clients {
			conn.Close()
		}
		h.clients = make(map[*websocket.Conn]bool)
		h.clientsMu.Unlock()
	})
}

func (h *Hub) broadcastLoop() {
	for {
		select {
		case <-h.done:
			return
		case ev := <-h.broadcast:
			h.send(ev)
		}
	}
}

// send writes one event to every client. broadcastLoop is the only writer,
// which satisfies the one-writer-per-connection rule.
func (h *Hub) send(ev types.LookupEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("Failed to marshal lookup event", slog.String("error", err.Error()))
		return
	}

	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()

	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			// Cleaned up by the read loop
			h.logger.Debug("Failed to write to WebSocket", slog.String("error", err.Error()))
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}
