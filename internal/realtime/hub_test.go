package realtime_test

import (
	"context"
	"testing"
	"time"

	"github.com/kiranshivaraju/minewatch/internal/realtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_RoutesByChannel(t *testing.T) {
	h := realtime.NewHub(realtime.HubConfig{})
	defer h.Close()
	ctx := context.Background()

	alerts, iot, viz := &fakeConn{}, &fakeConn{}, &fakeConn{}
	h.Registry(realtime.ChannelAlerts).Connect(alerts)
	h.Registry(realtime.ChannelIoT).Connect(iot, realtime.WithKeyFilter("s1"))
	h.Registry(realtime.ChannelVisualization).Connect(viz)

	require.NoError(t, h.Notify(ctx, realtime.ChannelAlerts, realtime.Event{Type: "alert.created"}))
	require.NoError(t, h.Notify(ctx, realtime.ChannelIoT, realtime.Event{Type: "iot.reading", Key: "s1"}))
	require.NoError(t, h.Notify(ctx, realtime.ChannelIoT, realtime.Event{Type: "iot.reading", Key: "s2"}))
	require.NoError(t, h.Notify(ctx, realtime.ChannelVisualization, realtime.Event{Type: "heatmap.add"}))

	require.Eventually(t, func() bool {
		return alerts.received() == 1 && iot.received() == 1 && viz.received() == 1
	}, waitFor, tick)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, iot.received(), "s2 reading must not reach the s1 subscriber")

	batch, ok := alerts.message(0).(realtime.Batch)
	require.True(t, ok)
	assert.Equal(t, realtime.BatchType, batch.Type)
	require.Len(t, batch.Items, 1)
	assert.Equal(t, "alert.created", batch.Items[0].Type)

	ev, ok := viz.message(0).(realtime.Event)
	require.True(t, ok)
	assert.Equal(t, "heatmap.add", ev.Type)
}

func TestHub_UnknownChannel(t *testing.T) {
	h := realtime.NewHub(realtime.HubConfig{})
	defer h.Close()

	err := h.Notify(context.Background(), realtime.Channel("weather"), realtime.Event{Type: "x"})
	assert.ErrorIs(t, err, realtime.ErrUnknownChannel)
	assert.Nil(t, h.Registry(realtime.Channel("weather")))
}

func TestHub_NotifyWithStalledAlertSubscriber(t *testing.T) {
	h := realtime.NewHub(realtime.HubConfig{})
	defer h.Close()
	ctx := context.Background()

	stalled := newStalledConn()
	h.Registry(realtime.ChannelAlerts).Connect(stalled)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < realtime.DefaultSendBuffer+5; i++ {
			_ = h.Notify(ctx, realtime.ChannelAlerts, realtime.Event{Type: "alert.created"})
		}
	}()

	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("Notify blocked behind a stalled alerts subscriber")
	}

	assert.True(t, stalled.isClosed())
	assert.Zero(t, h.Registry(realtime.ChannelAlerts).Len())

	// Other channels keep flowing.
	viz := &fakeConn{}
	h.Registry(realtime.ChannelVisualization).Connect(viz)
	require.NoError(t, h.Notify(ctx, realtime.ChannelVisualization, realtime.Event{Type: "heatmap.add"}))
	require.Eventually(t, func() bool { return viz.received() == 1 }, waitFor, tick)
}
