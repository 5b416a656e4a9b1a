package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/bissquit/incident-medic/internal/pkg/ctxlog"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

const (
	defaultHeartbeat = 25 * time.Second
	writeWait        = 10 * time.Second
)

// StreamHandler serves the live event stream over SSE and WebSocket.
type StreamHandler struct {
	publisher *Publisher
	heartbeat time.Duration
	upgrader  websocket.Upgrader
}

// NewStreamHandler creates a stream handler. allowedOrigins empty means any origin.
func NewStreamHandler(publisher *Publisher, allowedOrigins []string) *StreamHandler {
	return &StreamHandler{
		publisher: publisher,
		heartbeat: defaultHeartbeat,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

// RegisterRoutes registers stream routes.
func (h *StreamHandler) RegisterRoutes(r chi.Router) {
	r.Get("/stream", h.ServeSSE)
	r.Get("/ws", h.ServeWebSocket)
}

// ServeSSE streams events as Server-Sent Events until the client goes away
// or the subscription is dropped.
func (h *StreamHandler) ServeSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	logger := ctxlog.FromContext(r.Context())

	// The server write timeout would otherwise end the stream.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	sub := h.publisher.Subscribe()
	defer h.publisher.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()

		case event, ok := <-sub.Events():
			if !ok {
				logger.Info("event stream ended", "subscription_id", sub.ID(), "reason", sub.Err())
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				logger.Error("failed to encode event", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %d\nevent: transition\ndata: %s\n\n", event.Seq, payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// ServeWebSocket streams events as JSON text frames.
func (h *StreamHandler) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	logger := ctxlog.FromContext(r.Context())

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("failed to upgrade websocket", "error", err)
		return
	}
	defer conn.Close()

	sub := h.publisher.Subscribe()
	defer h.publisher.Unsubscribe(sub)

	// The read loop only watches for the client closing the connection.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-gone:
			return

		case <-r.Context().Done():
			return

		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}

		case event, ok := <-sub.Events():
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "subscription ended")
				if err := sub.Err(); err != nil {
					msg = websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error())
				}
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(event); err != nil {
				slog.Debug("websocket write failed", "subscription_id", sub.ID(), "error", err)
				return
			}
		}
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if _, ok := set["*"]; ok {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
