package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Reap recovers processing entries whose lease is gone. An entry must be
// seen without a lease on two consecutive passes before it is touched, which
// covers the gap between a consumer's move and its lease write. It returns
// the number of entries recovered.
func (q *RedisQueue) Reap(ctx context.Context, deadLetter DeadLetterFunc) (int, error) {
	entries, err := q.rdb.LRange(ctx, q.processingKey(), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("listing processing entries: %w", err)
	}

	q.mu.Lock()
	previous := q.suspects
	q.suspects = make(map[string]struct{})
	q.mu.Unlock()

	var expired []string
	for _, raw := range entries {
		var msg message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			q.moveToDead(ctx, raw)
			continue
		}
		n, err := q.rdb.Exists(ctx, q.leaseKey(msg.ID)).Result()
		if err != nil {
			return 0, fmt.Errorf("checking lease: %w", err)
		}
		if n > 0 {
			continue
		}
		if _, seen := previous[raw]; seen {
			expired = append(expired, raw)
			continue
		}
		q.mu.Lock()
		q.suspects[raw] = struct{}{}
		q.mu.Unlock()
	}

	recovered := 0
	for _, raw := range expired {
		var msg message
		_ = json.Unmarshal([]byte(raw), &msg)
		task := msg.Task
		task.Deliveries = msg.Deliveries + 1

		// LRem decides ownership: if the consumer finished meanwhile, nothing is removed.
		removed, err := q.rdb.LRem(ctx, q.processingKey(), 1, raw).Result()
		if err != nil {
			return recovered, fmt.Errorf("removing expired entry: %w", err)
		}
		if removed == 0 {
			continue
		}
		recovered++
		q.metrics.QueueDelivery(OutcomeReaped)

		next, err := encodeMessage(task, task.Deliveries, ErrLeaseExpired.Error())
		if err != nil {
			return recovered, err
		}
		if task.Deliveries >= q.cfg.MaxDeliveries {
			if err := q.rdb.LPush(ctx, q.deadKey(), next).Err(); err != nil {
				return recovered, fmt.Errorf("dead-lettering expired entry: %w", err)
			}
			q.metrics.QueueDelivery(OutcomeDeadLettered)
			slog.Error("expired task dead-lettered", "job_id", task.JobID, "deliveries", task.Deliveries)
			if deadLetter != nil {
				deadLetter(ctx, task, ErrLeaseExpired)
			}
			continue
		}
		if err := q.rdb.LPush(ctx, q.pendingKey(), next).Err(); err != nil {
			return recovered, fmt.Errorf("requeueing expired entry: %w", err)
		}
		slog.Warn("expired task requeued", "job_id", task.JobID, "deliveries", task.Deliveries)
	}
	return recovered, nil
}

// StartReaper runs Reap on schedule until ctx is cancelled.
func (q *RedisQueue) StartReaper(ctx context.Context, schedule string, deadLetter DeadLetterFunc) error {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		runCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		n, err := q.Reap(runCtx, deadLetter)
		if err != nil {
			slog.Error("queue reaper failed", "queue", q.cfg.Name, "error", err)
			return
		}
		if n > 0 {
			slog.Info("queue reaper recovered tasks", "queue", q.cfg.Name, "count", n)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid reaper schedule %q: %w", schedule, err)
	}

	c.Start()
	slog.Info("queue reaper started", "queue", q.cfg.Name, "schedule", schedule)
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
		slog.Info("queue reaper stopped", "queue", q.cfg.Name)
	}()
	return nil
}
