// Package realtime fans events out to live websocket subscribers.
//
// Each channel (alerts, iot, visualization) owns a Registry. The alerts
// channel coalesces bursts through a Debouncer. A Hub routes Notify calls to
// the right channel, and a RedisBridge carries them across processes.
package realtime

import (
	"context"
	"errors"
)

type Channel string

const (
	ChannelAlerts        Channel = "alerts"
	ChannelIoT           Channel = "iot"
	ChannelVisualization Channel = "visualization"
)

// Channels lists every channel a Hub serves.
var Channels = []Channel{ChannelAlerts, ChannelIoT, ChannelVisualization}

var ErrUnknownChannel = errors.New("unknown realtime channel")

// Event is one notification. Key is a routing attribute evaluated by
// subscriber filters (the sensor id on the iot channel); it is not sent.
type Event struct {
	Type    string `json:"type"`
	Key     string `json:"-"`
	Payload any    `json:"payload"`
}

// Batch is the message sent for coalesced events.
type Batch struct {
	Type  string  `json:"type"`
	Items []Event `json:"items"`
}

// Notifier delivers an event to a channel, possibly in another process.
type Notifier interface {
	Notify(ctx context.Context, ch Channel, ev Event) error
}
