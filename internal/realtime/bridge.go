package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// envelope is the bridge wire format.
type envelope struct {
	Channel Channel         `json:"channel"`
	Type    string          `json:"type"`
	Key     string          `json:"key,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// RedisBridge carries notifications between processes over Redis pub/sub.
// The worker publishes through Notify; the API process runs StartForwarder
// to hand them to its Hub.
type RedisBridge struct {
	rdb   *redis.Client
	topic string
}

func NewRedisBridge(rdb *redis.Client, topic string) *RedisBridge {
	return &RedisBridge{rdb: rdb, topic: topic}
}

// Notify publishes ev for ch on the bridge topic.
func (b *RedisBridge) Notify(ctx context.Context, ch Channel, ev Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	raw, err := json.Marshal(envelope{Channel: ch, Type: ev.Type, Key: ev.Key, Payload: payload})
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.topic, raw).Err(); err != nil {
		return fmt.Errorf("publishing to %s: %w", b.topic, err)
	}
	return nil
}

// StartForwarder subscribes to the topic and replays each message into
// target until ctx is cancelled. It returns once the subscription is live.
func (b *RedisBridge) StartForwarder(ctx context.Context, target Notifier) error {
	if target == nil {
		return errors.New("forward target required")
	}

	sub := b.rdb.Subscribe(ctx, b.topic)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok || m == nil {
					return
				}
				var env envelope
				if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
					slog.Warn("bad bridge payload", "topic", b.topic, "error", err)
					continue
				}
				ev := Event{Type: env.Type, Key: env.Key, Payload: env.Payload}
				if err := target.Notify(ctx, env.Channel, ev); err != nil {
					slog.Warn("bridge forward failed", "channel", env.Channel, "error", err)
				}
			}
		}
	}()
	return nil
}

var _ Notifier = (*RedisBridge)(nil)
