// Package ws relays alert and event notifications from Redis pub/sub to
// dashboard websocket clients.
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"fleet-monitor/cleaning/internal/logging"
	"fleet-monitor/cleaning/internal/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 64
)

type client struct {
	conn  *websocket.Conn
	send  chan []byte
	fleet string
}

type Hub struct {
	mu       sync.RWMutex
	clients  map[*client]struct{}
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func NewHub(allowedOrigins []string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = logging.Discard()
	}
	h := &Hub{
		clients: make(map[*client]struct{}),
		logger:  logger,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}

// ServeHTTP upgrades the connection. ?fleet= limits the feed to one fleet.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		conn:  conn,
		send:  make(chan []byte, sendBuffer),
		fleet: r.URL.Query().Get("fleet"),
	}
	h.register(c)

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WSClients.Set(float64(n))
	h.logger.Debug("websocket client connected", slog.Int("clients", n))
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WSClients.Set(float64(n))
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues payload for every client subscribed to fleet. A client
// whose queue is full is disconnected.
func (h *Hub) Broadcast(fleet string, payload []byte) {
	var slow []*client

	h.mu.RLock()
	for c := range h.clients {
		if c.fleet != "" && c.fleet != fleet {
			continue
		}
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("dropping slow websocket client", slog.String("fleet", c.fleet))
		h.unregister(c)
	}
}

// Relay forwards pub/sub messages until ctx is done or the subscription closes.
func (h *Hub) Relay(ctx context.Context, ps *redis.PubSub) {
	ch := ps.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			h.Broadcast(fleetFromChannel(msg.Channel), []byte(msg.Payload))
		case <-ctx.Done():
			return
		}
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	metrics.WSClients.Set(0)
}

// fleetFromChannel extracts the fleet id from "fleet:{id}:alerts".
func fleetFromChannel(channel string) string {
	parts := strings.Split(channel, ":")
	if len(parts) != 3 || parts[0] != "fleet" {
		return ""
	}
	return parts[1]
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.unregister(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.unregister(c)
				return
			}
		}
	}
}

// readPump only handles control frames; dashboards never send data.
func (h *Hub) readPump(c *client) {
	defer h.unregister(c)
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
