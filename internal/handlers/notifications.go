package handlers

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/hearth/backend/internal/auth"
	"github.com/hearth/backend/internal/logging"
)

// NotificationsHandler upgrades authenticated requests to a notification
// WebSocket.
type NotificationsHandler struct {
	Hub      NotificationHub
	Upgrader websocket.Upgrader
}

// NewNotificationsHandler returns a handler accepting any origin. Sockets
// authenticate with a bearer token, never with cookies.
func NewNotificationsHandler(hub NotificationHub) NotificationsHandler {
	return NotificationsHandler{
		Hub: hub,
		Upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Handle implements GET /ws.
func (h NotificationsHandler) Handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, ok := auth.ClaimsFromContext(ctx)
	if !ok {
		writeError(ctx, w, auth.ErrInvalidSignature, false)
		return
	}

	conn, err := h.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the failure response.
		logging.FromContext(ctx).Warn("websocket upgrade failed", "error", err)
		return
	}
	h.Hub.Serve(ctx, claims.Username, conn)
}
