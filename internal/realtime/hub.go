package realtime

import (
	"context"
	"fmt"
	"time"

	"github.com/kiranshivaraju/minewatch/internal/metrics"
)

// Hub owns one Registry per channel and routes events to them. Alerts pass
// through a Debouncer; the other channels are sent directly.
type Hub struct {
	registries map[Channel]*Registry
	alerts     *Debouncer
}

type HubConfig struct {
	AlertsDebounce time.Duration
	TrailingFlush  bool
	Metrics        *metrics.Metrics
}

func NewHub(cfg HubConfig) *Hub {
	h := &Hub{registries: make(map[Channel]*Registry, len(Channels))}
	for _, ch := range Channels {
		h.registries[ch] = NewRegistry(ch, cfg.Metrics)
	}
	h.alerts = NewDebouncer(h.registries[ChannelAlerts], cfg.AlertsDebounce,
		WithTrailingFlush(cfg.TrailingFlush))
	return h
}

// Registry returns the registry for ch, or nil when ch is unknown.
func (h *Hub) Registry(ch Channel) *Registry {
	return h.registries[ch]
}

// Notify delivers ev to the subscribers of ch.
func (h *Hub) Notify(_ context.Context, ch Channel, ev Event) error {
	switch ch {
	case ChannelAlerts:
		h.alerts.Submit(ev)
		return nil
	case ChannelIoT, ChannelVisualization:
		h.registries[ch].Broadcast(ev.Key, ev)
		return nil
	default:
		return fmt.Errorf("notify %q: %w", ch, ErrUnknownChannel)
	}
}

// Close flushes held alerts and disconnects every subscriber.
func (h *Hub) Close() {
	h.alerts.Stop()
	for _, r := range h.registries {
		r.Close()
	}
}

var _ Notifier = (*Hub)(nil)
