package handler_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/kiranshivaraju/minewatch/internal/api/handler"
	mw "github.com/kiranshivaraju/minewatch/internal/api/middleware"
	"github.com/kiranshivaraju/minewatch/internal/realtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type wsEnv struct {
	hub  *realtime.Hub
	auth *mw.JWTAuth
	url  string
}

func newWSEnv(t *testing.T) *wsEnv {
	t.Helper()
	hub := realtime.NewHub(realtime.HubConfig{})
	auth := mw.NewJWTAuth("test-secret")
	h := handler.NewWSHandler(hub, auth)

	r := chi.NewRouter()
	r.Get("/ws/alerts", h.Alerts)
	r.Get("/ws/iot", h.IoT)
	r.Get("/ws/visualization", h.Visualization)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return &wsEnv{hub: hub, auth: auth, url: "ws" + strings.TrimPrefix(srv.URL, "http")}
}

func (e *wsEnv) token(t *testing.T) string {
	t.Helper()
	tok, err := e.auth.Issue("alice", "", time.Hour)
	require.NoError(t, err)
	return tok
}

// dial connects and waits until the subscriber is registered on ch.
func (e *wsEnv) dial(t *testing.T, ch realtime.Channel, path string) *websocket.Conn {
	t.Helper()
	before := e.hub.Registry(ch).Len()
	conn, _, err := websocket.DefaultDialer.Dial(e.url+path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return e.hub.Registry(ch).Len() == before+1 },
		time.Second, 10*time.Millisecond)
	return conn
}

func TestWS_RejectsBadToken(t *testing.T) {
	env := newWSEnv(t)

	for _, path := range []string{"/ws/alerts", "/ws/alerts?token=garbage", "/ws/iot?sensor=s1"} {
		t.Run(path, func(t *testing.T) {
			conn, _, err := websocket.DefaultDialer.Dial(env.url+path, nil)
			require.NoError(t, err)
			defer conn.Close()

			require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
			_, _, err = conn.ReadMessage()
			var ce *websocket.CloseError
			require.True(t, errors.As(err, &ce), "expected close error, got %v", err)
			assert.Equal(t, handler.CloseUnauthorized, ce.Code)
		})
	}
	assert.Zero(t, env.hub.Registry(realtime.ChannelAlerts).Len())
}

func TestWS_AlertsDeliveredAsBatch(t *testing.T) {
	env := newWSEnv(t)
	conn := env.dial(t, realtime.ChannelAlerts, "/ws/alerts?token="+env.token(t))

	require.NoError(t, env.hub.Notify(context.Background(), realtime.ChannelAlerts,
		realtime.Event{Type: "alert.created", Payload: map[string]string{"title": "pit 3"}}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var batch realtime.Batch
	require.NoError(t, conn.ReadJSON(&batch))
	assert.Equal(t, realtime.BatchType, batch.Type)
	require.Len(t, batch.Items, 1)
	assert.Equal(t, "alert.created", batch.Items[0].Type)
}

func TestWS_IoTSensorFilter(t *testing.T) {
	env := newWSEnv(t)
	conn := env.dial(t, realtime.ChannelIoT, "/ws/iot?sensor=s1&token="+env.token(t))

	ctx := context.Background()
	require.NoError(t, env.hub.Notify(ctx, realtime.ChannelIoT, realtime.Event{Type: handler.EventIoTReading, Key: "s2", Payload: 1}))
	require.NoError(t, env.hub.Notify(ctx, realtime.ChannelIoT, realtime.Event{Type: handler.EventIoTReading, Key: "s1", Payload: 2}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev struct {
		Type    string  `json:"type"`
		Payload float64 `json:"payload"`
	}
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, handler.EventIoTReading, ev.Type)
	assert.Equal(t, float64(2), ev.Payload)
}

func TestWS_VisualizationNeedsNoToken(t *testing.T) {
	env := newWSEnv(t)
	conn := env.dial(t, realtime.ChannelVisualization, "/ws/visualization")

	require.NoError(t, env.hub.Notify(context.Background(), realtime.ChannelVisualization,
		realtime.Event{Type: "heatmap.add", Payload: map[string]float64{"lat": 1, "lon": 2}}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev realtime.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "heatmap.add", ev.Type)
}

func TestWS_DisconnectUnregisters(t *testing.T) {
	env := newWSEnv(t)
	conn := env.dial(t, realtime.ChannelVisualization, "/ws/visualization")

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	conn.Close()

	assert.Eventually(t, func() bool { return env.hub.Registry(realtime.ChannelVisualization).Len() == 0 },
		time.Second, 10*time.Millisecond)
}

var _ handler.TokenParser = (*mw.JWTAuth)(nil)
