// Package websocket pushes store-head notifications to connected clients
// so they can skip long-poll ticks. The long-poll endpoint remains the
// contract surface; this feed is advisory.
package websocket

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mosync/backend/internal/events"
	"github.com/mosync/backend/internal/monitoring"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// HeadFrame is the one frame type a watcher receives.
type HeadFrame struct {
	StoreID string `json:"storeId"`
	Head    uint64 `json:"head"`
}

// Hub upgrades watch requests and pumps head changes to clients.
type Hub struct {
	upgrader websocket.Upgrader
	metrics  *monitoring.Metrics
	mu       sync.RWMutex
	conns    map[*websocket.Conn]bool
}

// NewHub builds a hub. An empty origin allowlist accepts every origin,
// which is the development posture.
func NewHub(allowedOrigins []string, m *monitoring.Metrics) *Hub {
	h := &Hub{metrics: m, conns: make(map[*websocket.Conn]bool)}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if origin == allowed {
					return true
				}
			}
			return false
		},
	}
	return h
}

// Serve upgrades the request and streams head frames until the client goes
// away or the feed closes. cleanup runs exactly once on the way out.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, store string, head uint64, feed <-chan events.Change, cleanup func()) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		cleanup()
		slog.Warn("watch upgrade failed", "err", err)
		return
	}
	h.register(conn)
	defer func() {
		h.unregister(conn)
		cleanup()
	}()

	// The client sends nothing; the read pump surfaces pongs and close.
	closed := make(chan struct{})
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(HeadFrame{StoreID: store, Head: head}); err != nil {
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	last := head
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case c, ok := <-feed:
			if !ok {
				return
			}
			if c.Head <= last {
				continue
			}
			last = c.Head
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(HeadFrame{StoreID: store, Head: c.Head}); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) register(conn *websocket.Conn) {
	h.mu.Lock()
	h.conns[conn] = true
	total := len(h.conns)
	h.mu.Unlock()
	h.metrics.WatchConnections.Inc()
	slog.Info("watch client connected", "total", total)
}

func (h *Hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.conns, conn)
	total := len(h.conns)
	h.mu.Unlock()
	conn.Close()
	h.metrics.WatchConnections.Dec()
	slog.Info("watch client disconnected", "total", total)
}

// ConnectionCount reports open watch connections, for the health endpoint.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
