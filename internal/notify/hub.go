// Package notify fans file events out to connected WebSocket clients.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hearth/backend/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxInboundSize = 512
	sendBuffer     = 16
)

// Event is the message written to clients.
type Event struct {
	Type    string    `json:"type"`
	Payload any       `json:"payload,omitempty"`
	SentAt  time.Time `json:"sentAt"`
}

// Hub tracks live connections per username. Delivery is best effort: a
// client whose buffer is full misses the message.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*client]struct{}

	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

type client struct {
	username string
	conn     *websocket.Conn
	send     chan []byte
}

// NewHub returns an empty hub.
func NewHub(logger *slog.Logger, m *metrics.Metrics) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[string]map[*client]struct{}),
		logger:  logger,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Notify delivers an event to every connection of recipient.
func (h *Hub) Notify(_ context.Context, recipient, kind string, payload any) error {
	msg, err := h.encode(kind, payload)
	if err != nil {
		return err
	}
	n := h.Deliver(recipient, msg)
	h.metrics.Notified(kind, n)
	return nil
}

// Broadcast delivers an event to every connection.
func (h *Hub) Broadcast(_ context.Context, kind string, payload any) error {
	msg, err := h.encode(kind, payload)
	if err != nil {
		return err
	}
	n := h.DeliverAll(msg)
	h.metrics.Notified(kind, n)
	return nil
}

// Deliver queues an encoded message for recipient and returns the number of
// connections that accepted it.
func (h *Hub) Deliver(recipient string, msg []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.queueLocked(h.clients[recipient], msg)
}

// DeliverAll queues an encoded message for every connection.
func (h *Hub) DeliverAll(msg []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.clients {
		n += h.queueLocked(set, msg)
	}
	return n
}

func (h *Hub) queueLocked(set map[*client]struct{}, msg []byte) int {
	n := 0
	for c := range set {
		select {
		case c.send <- msg:
			n++
		default:
			h.logger.Warn("dropping notification for slow client", "username", c.username)
		}
	}
	return n
}

// Connections returns the number of live connections for username.
func (h *Hub) Connections(username string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[username])
}

// Serve registers conn under username and pumps messages until the peer
// disconnects or ctx is cancelled. It closes conn before returning.
func (h *Hub) Serve(ctx context.Context, username string, conn *websocket.Conn) {
	c := &client{username: username, conn: conn, send: make(chan []byte, sendBuffer)}
	h.register(c)
	h.logger.Debug("notification client connected", "username", username)

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.writePump(ctx, c)
	}()

	h.readPump(c)
	h.unregister(c)
	<-done
	_ = conn.Close()
	h.logger.Debug("notification client disconnected", "username", username)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	set, ok := h.clients[c.username]
	if !ok {
		set = make(map[*client]struct{})
		h.clients[c.username] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()
	h.metrics.ConnectionOpened()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if set, ok := h.clients[c.username]; ok {
		if _, present := set[c]; present {
			delete(set, c)
			close(c.send)
			h.metrics.ConnectionClosed()
		}
		if len(set) == 0 {
			delete(h.clients, c.username)
		}
	}
	h.mu.Unlock()
}

// readPump discards inbound frames; it exists to process control frames and
// notice disconnects.
func (h *Hub) readPump(c *client) {
	c.conn.SetReadLimit(maxInboundSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(ctx context.Context, c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			_ = c.conn.Close()
			return
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				_ = c.conn.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.conn.Close()
				return
			}
		}
	}
}

func (h *Hub) encode(kind string, payload any) ([]byte, error) {
	msg, err := json.Marshal(Event{Type: kind, Payload: payload, SentAt: h.now()})
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", kind, err)
	}
	return msg, nil
}
