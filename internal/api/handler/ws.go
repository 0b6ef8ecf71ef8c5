package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kiranshivaraju/minewatch/internal/realtime"
	"github.com/kiranshivaraju/minewatch/pkg/models"
)

// CloseUnauthorized is the close code sent when a subscriber's token is missing or invalid.
const CloseUnauthorized = 4401

const (
	wsReadLimit = 4096
	wsWriteWait = 10 * time.Second
)

// deadlineConn bounds every write so a peer that stops reading is dropped
// instead of pinning its writer.
type deadlineConn struct {
	*websocket.Conn
	wait time.Duration
}

func (c deadlineConn) WriteJSON(v any) error {
	if err := c.SetWriteDeadline(time.Now().Add(c.wait)); err != nil {
		return err
	}
	return c.Conn.WriteJSON(v)
}

// TokenParser verifies a user token.
type TokenParser interface {
	ParseToken(raw string) (models.Principal, error)
}

// WSHandler upgrades subscribers and registers them with the hub.
type WSHandler struct {
	hub      *realtime.Hub
	tokens   TokenParser
	upgrader websocket.Upgrader
}

func NewWSHandler(hub *realtime.Hub, tokens TokenParser) *WSHandler {
	return &WSHandler{
		hub:    hub,
		tokens: tokens,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Subscribers authenticate with ?token=, not cookies.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Alerts handles /ws/alerts?token=.
func (h *WSHandler) Alerts(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, realtime.ChannelAlerts, true, "")
}

// IoT handles /ws/iot?token=&sensor=. With sensor set only that sensor's readings are delivered.
func (h *WSHandler) IoT(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, realtime.ChannelIoT, true, r.URL.Query().Get("sensor"))
}

// Visualization handles /ws/visualization. No token is required.
func (h *WSHandler) Visualization(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, realtime.ChannelVisualization, false, "")
}

func (h *WSHandler) serve(w http.ResponseWriter, r *http.Request, ch realtime.Channel, auth bool, key string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "channel", ch, "error", err)
		return
	}

	if auth {
		if _, err := h.tokens.ParseToken(r.URL.Query().Get("token")); err != nil {
			closeUnauthorized(conn)
			return
		}
	}

	reg := h.hub.Registry(ch)
	client := reg.Connect(deadlineConn{Conn: conn, wait: wsWriteWait}, realtime.WithKeyFilter(key))
	defer reg.Disconnect(client)

	// Incoming frames are ignored; reading detects the peer going away.
	conn.SetReadLimit(wsReadLimit)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				slog.Warn("websocket read failed", "channel", ch, "client_id", client.ID, "error", err)
			}
			return
		}
	}
}

func closeUnauthorized(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(CloseUnauthorized, "unauthorized")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		slog.Warn("websocket close frame failed", "error", err)
	}
	conn.Close()
}
