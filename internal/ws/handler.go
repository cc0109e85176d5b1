// Package ws streams pulse pipeline events (results, triggers, deliveries,
// tick summaries) to WebSocket subscribers.
package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/HerbHall/pulsewatch/internal/auth"
	"github.com/HerbHall/pulsewatch/internal/pulse"
	"github.com/HerbHall/pulsewatch/pkg/plugin"
	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// StreamPath is the route the handler serves.
const StreamPath = "/api/v1/stream"

var streamTopics = []string{
	pulse.TopicResultRecorded,
	pulse.TopicAlertTriggered,
	pulse.TopicNotificationSent,
	pulse.TopicNotificationFailed,
	pulse.TopicTickCompleted,
}

// Handler upgrades stream requests and forwards bus events to the hub.
type Handler struct {
	hub          *Hub
	tokens       *auth.TokenService
	logger       *zap.Logger
	unsubscribes []func()
}

var _ interface {
	RegisterRoutes(mux *http.ServeMux)
} = (*Handler)(nil)

// NewHandler subscribes to the pulse topics on bus. A nil tokens service
// leaves the stream unauthenticated.
func NewHandler(tokens *auth.TokenService, bus plugin.EventBus, logger *zap.Logger) *Handler {
	h := &Handler{
		hub:    NewHub(logger),
		tokens: tokens,
		logger: logger,
	}
	if bus != nil {
		for _, topic := range streamTopics {
			h.unsubscribes = append(h.unsubscribes, bus.Subscribe(topic, h.forward))
		}
		logger.Debug("subscribed to pulse topics for streaming", zap.Strings("topics", streamTopics))
	}
	return h
}

// RegisterRoutes registers the stream route on the server mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET "+StreamPath, h.handleStream)
}

// Hub exposes the client hub.
func (h *Handler) Hub() *Hub {
	return h.hub
}

// Close unsubscribes from the bus and disconnects all clients.
func (h *Handler) Close() {
	for _, unsub := range h.unsubscribes {
		unsub()
	}
	h.unsubscribes = nil
	h.hub.CloseAll()
}

func (h *Handler) forward(_ context.Context, event plugin.Event) {
	msg, ok := translate(event.Topic, event.Timestamp, event.Payload)
	if !ok {
		h.logger.Debug("ignoring unexpected stream payload", zap.String("topic", event.Topic))
		return
	}
	h.hub.Broadcast(msg)
}

// handleStream accepts a WebSocket. The optional endpoint query parameter
// restricts the stream to one endpoint (tick summaries are always sent).
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	subject := "anonymous"
	if h.tokens != nil {
		raw := auth.BearerToken(r)
		if raw == "" {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}
		claims, err := h.tokens.Require(raw, auth.ScopeStream)
		if err != nil {
			http.Error(w, "invalid or expired token", http.StatusUnauthorized)
			return
		}
		subject = claims.Subject
	}

	// Streams outlive the server's read and write timeouts.
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// With tokens, any origin may connect; without them only same-origin pages may.
		InsecureSkipVerify: h.tokens != nil,
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}

	client := newClient(conn, subject, r.URL.Query().Get("endpoint"), h.logger)
	h.hub.Register(client)

	ctx := r.Context()
	done := make(chan struct{})
	go func() {
		client.writePump(ctx)
		close(done)
	}()

	client.readPump(ctx)

	h.hub.Unregister(client)
	_ = conn.Close(websocket.StatusNormalClosure, "")
	<-done
}
