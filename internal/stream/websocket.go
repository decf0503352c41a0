package stream

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// maxClientMessage bounds messages read from viewers, which only ever
	// send control frames.
	maxClientMessage = 64 * 1024

	pingInterval = 30 * time.Second
)

// Handler upgrades GET requests to WebSocket connections and writes every
// cycle the Hub receives as a text message. The optional target query
// parameter restricts the stream to one target.
type Handler struct {
	hub          *Hub
	logger       *slog.Logger
	writeTimeout time.Duration
	upgrader     websocket.Upgrader
}

// NewHandler returns a Handler for hub. A non-positive writeTimeout selects
// ten seconds.
func NewHandler(hub *Hub, logger *slog.Logger, writeTimeout time.Duration) *Handler {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &Handler{
		hub:          hub,
		logger:       logger,
		writeTimeout: writeTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   1024,
			WriteBufferSize:  4096,
			HandshakeTimeout: writeTimeout,
		},
	}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusUpgradeRequired)
		return
	}

	// Upgrade writes its own 4xx response on a bad handshake.
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("stream: upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxClientMessage)

	sub := h.hub.Subscribe(uuid.NewString(), r.URL.Query().Get("target"))
	defer h.hub.Unsubscribe(sub.ID())

	log := h.logger.With(slog.String("subscriber", sub.ID()))
	log.Info("stream: viewer connected", slog.String("remote_addr", conn.RemoteAddr().String()))

	// The read side only services control frames; it ends when the viewer
	// closes or the connection fails.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			log.Debug("stream: viewer disconnected")
			return

		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.writeTimeout)); err != nil {
				log.Debug("stream: ping failed", slog.Any("error", err))
				return
			}

		case msg, ok := <-sub.C():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(h.writeTimeout))
				return
			}
			if err := conn.SetWriteDeadline(time.Now().Add(h.writeTimeout)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Debug("stream: write failed", slog.Any("error", err))
				return
			}
		}
	}
}
