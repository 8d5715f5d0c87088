package http

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	apierrors "platecal/internal/errors"
	"platecal/internal/ws"
)

// WSHandler upgrades connections and hands them to the hub.
type WSHandler struct {
	logger   *slog.Logger
	hub      *ws.Hub
	upgrader websocket.Upgrader
}

// NewWSHandler creates a websocket handler.
func NewWSHandler(hub *ws.Hub, logger *slog.Logger) *WSHandler {
	return &WSHandler{
		logger: logger.With(slog.String("component", "ws_handler")),
		hub:    hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The UI is served from the same host; cross-origin browsers
			// are not expected.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Serve handles GET /ws.
func (h *WSHandler) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		renderError(w, r, h.logger, apierrors.ErrWebSocketUpgrade)
		return
	}
	ws.ServeWS(h.hub, conn)
}
