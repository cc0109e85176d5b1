package ws

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
)

const (
	sendBuffer   = 256
	writeTimeout = 5 * time.Second
)

// Client is one connected stream subscriber.
type Client struct {
	conn     *websocket.Conn
	subject  string
	endpoint string // empty means all endpoints
	send     chan Message
	logger   *zap.Logger
}

func newClient(conn *websocket.Conn, subject, endpoint string, logger *zap.Logger) *Client {
	return &Client{
		conn:     conn,
		subject:  subject,
		endpoint: endpoint,
		send:     make(chan Message, sendBuffer),
		logger:   logger,
	}
}

// wants reports whether msg passes the client's endpoint filter.
func (c *Client) wants(msg Message) bool {
	return c.endpoint == "" || msg.EndpointID == "" || msg.EndpointID == c.endpoint
}

// Hub fans stream messages out to connected clients.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	dropped atomic.Int64
	logger  *zap.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		logger:  logger,
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("stream client connected",
		zap.String("subject", c.subject), zap.String("endpoint_filter", c.endpoint))
}

// Unregister removes a client and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	h.logger.Debug("stream client disconnected", zap.String("subject", c.subject))
}

// Broadcast queues msg for every interested client. Slow clients lose
// messages rather than blocking the publisher.
func (h *Hub) Broadcast(msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		if !c.wants(msg) {
			continue
		}
		select {
		case c.send <- msg:
		default:
			h.dropped.Add(1)
			h.logger.Warn("stream client buffer full, dropping message",
				zap.String("subject", c.subject), zap.String("type", string(msg.Type)))
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many messages were discarded for slow clients.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// CloseAll disconnects every client with a going-away status.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		if c.conn != nil {
			conns = append(conns, c.conn)
		}
	}
	h.mu.RUnlock()
	for _, conn := range conns {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

func (c *Client) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(writeCtx, c.conn, msg)
			cancel()
			if err != nil {
				c.logger.Debug("stream write failed", zap.Error(err))
				return
			}
		}
	}
}

// readPump drains client frames until the connection closes; clients do
// not send anything meaningful.
func (c *Client) readPump(ctx context.Context) {
	for {
		if _, _, err := c.conn.Read(ctx); err != nil {
			return
		}
	}
}
