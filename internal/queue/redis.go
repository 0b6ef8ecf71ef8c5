package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/minewatch/internal/metrics"
	"github.com/redis/go-redis/v9"
)

const (
	pollTimeout  = 2 * time.Second
	errorBackoff = time.Second
	opTimeout    = 5 * time.Second
)

// message is what sits in the pending and processing lists. ID is unique per
// delivery so the lease key can tell concurrent copies apart.
type message struct {
	ID         string `json:"id"`
	Task       Task   `json:"task"`
	Deliveries int    `json:"deliveries"`
	LastError  string `json:"last_error,omitempty"`
}

func encodeMessage(task Task, deliveries int, lastErr string) (string, error) {
	raw, err := json.Marshal(message{
		ID:         uuid.NewString(),
		Task:       task,
		Deliveries: deliveries,
		LastError:  lastErr,
	})
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

type RedisConfig struct {
	Name              string
	VisibilityTimeout time.Duration
	MaxDeliveries     int
}

// RedisQueue is a reliable list queue. Consumers move a message from the
// pending list to the processing list and hold a lease key while they work.
// Entries in processing without a lease belong to a crashed consumer and are
// recovered by Reap.
type RedisQueue struct {
	rdb     *redis.Client
	cfg     RedisConfig
	metrics *metrics.Metrics

	mu       sync.Mutex
	suspects map[string]struct{}
}

func NewRedisQueue(rdb *redis.Client, cfg RedisConfig, m *metrics.Metrics) *RedisQueue {
	if cfg.MaxDeliveries < 1 {
		cfg.MaxDeliveries = 1
	}
	return &RedisQueue{
		rdb:      rdb,
		cfg:      cfg,
		metrics:  m,
		suspects: make(map[string]struct{}),
	}
}

func (q *RedisQueue) pendingKey() string    { return "queue:" + q.cfg.Name + ":pending" }
func (q *RedisQueue) processingKey() string { return "queue:" + q.cfg.Name + ":processing" }
func (q *RedisQueue) deadKey() string       { return "queue:" + q.cfg.Name + ":dead" }
func (q *RedisQueue) leaseKey(id string) string {
	return "queue:" + q.cfg.Name + ":lease:" + id
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}

// Enqueue pushes task onto the pending list.
func (q *RedisQueue) Enqueue(ctx context.Context, task Task) (string, error) {
	task.Deliveries = 0
	raw, err := encodeMessage(task, 0, "")
	if err != nil {
		return "", fmt.Errorf("encoding task: %w", err)
	}
	if err := q.rdb.LPush(ctx, q.pendingKey(), raw).Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	return "redis:" + task.JobID.String(), nil
}

// Stats reports list lengths.
type Stats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Dead       int64 `json:"dead"`
}

func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.rdb.Pipeline()
	p := pipe.LLen(ctx, q.pendingKey())
	w := pipe.LLen(ctx, q.processingKey())
	d := pipe.LLen(ctx, q.deadKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, err
	}
	return Stats{Pending: p.Val(), Processing: w.Val(), Dead: d.Val()}, nil
}

// Consume runs concurrency workers until ctx is cancelled. In-flight tasks
// finish before Consume returns.
func (q *RedisQueue) Consume(ctx context.Context, concurrency int, handler Handler, deadLetter DeadLetterFunc) {
	if concurrency < 1 {
		concurrency = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			q.consumeLoop(ctx, worker, handler, deadLetter)
		}(i)
	}
	wg.Wait()
}

func (q *RedisQueue) consumeLoop(ctx context.Context, worker int, handler Handler, deadLetter DeadLetterFunc) {
	for ctx.Err() == nil {
		raw, err := q.rdb.BLMove(ctx, q.pendingKey(), q.processingKey(), "RIGHT", "LEFT", pollTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("queue receive failed", "queue", q.cfg.Name, "worker", worker, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(errorBackoff):
			}
			continue
		}
		q.process(context.WithoutCancel(ctx), raw, handler, deadLetter)
	}
}

func (q *RedisQueue) process(ctx context.Context, raw string, handler Handler, deadLetter DeadLetterFunc) {
	var msg message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		slog.Error("dropping undecodable queue message", "queue", q.cfg.Name, "error", err)
		q.moveToDead(ctx, raw)
		return
	}

	lease := q.leaseKey(msg.ID)
	if err := q.rdb.Set(ctx, lease, "1", q.cfg.VisibilityTimeout).Err(); err != nil {
		slog.Warn("setting delivery lease failed", "job_id", msg.Task.JobID, "error", err)
	}
	stopHeartbeat := q.heartbeat(ctx, lease)

	task := msg.Task
	task.Deliveries = msg.Deliveries + 1
	err := runHandler(ctx, handler, task)
	stopHeartbeat()

	if err == nil {
		q.ack(ctx, raw, lease)
		q.metrics.QueueDelivery(OutcomeAcked)
		return
	}

	slog.Warn("task failed", "job_id", task.JobID, "delivery", task.Deliveries, "error", err)
	q.retryOrDeadLetter(ctx, raw, lease, task, err, deadLetter)
}

// heartbeat extends the lease while a handler runs longer than the visibility timeout.
func (q *RedisQueue) heartbeat(ctx context.Context, lease string) func() {
	interval := q.cfg.VisibilityTimeout / 3
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				if err := q.rdb.Expire(ctx, lease, q.cfg.VisibilityTimeout).Err(); err != nil {
					slog.Warn("extending delivery lease failed", "lease", lease, "error", err)
				}
			}
		}
	}()
	return func() { close(done) }
}

func runHandler(ctx context.Context, handler Handler, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, task)
}

func (q *RedisQueue) ack(ctx context.Context, raw, lease string) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, q.processingKey(), 1, raw)
	pipe.Del(ctx, lease)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Error("queue ack failed", "queue", q.cfg.Name, "error", err)
	}
}

// retryOrDeadLetter replaces raw in the processing list with either a fresh
// pending message or a dead-letter entry.
func (q *RedisQueue) retryOrDeadLetter(ctx context.Context, raw, lease string, task Task, cause error, deadLetter DeadLetterFunc) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	dead := task.Deliveries >= q.cfg.MaxDeliveries
	next, err := encodeMessage(task, task.Deliveries, cause.Error())
	if err != nil {
		slog.Error("re-encoding task failed", "job_id", task.JobID, "error", err)
		return
	}

	pipe := q.rdb.TxPipeline()
	pipe.LRem(opCtx, q.processingKey(), 1, raw)
	pipe.Del(opCtx, lease)
	if dead {
		pipe.LPush(opCtx, q.deadKey(), next)
	} else {
		pipe.LPush(opCtx, q.pendingKey(), next)
	}
	if _, err := pipe.Exec(opCtx); err != nil {
		// The entry stays in processing without a lease; the reaper picks it up.
		slog.Error("queue requeue failed", "job_id", task.JobID, "error", err)
		return
	}

	if !dead {
		q.metrics.QueueDelivery(OutcomeRequeued)
		return
	}
	q.metrics.QueueDelivery(OutcomeDeadLettered)
	slog.Error("task dead-lettered", "job_id", task.JobID, "deliveries", task.Deliveries, "error", cause)
	if deadLetter != nil {
		deadLetter(ctx, task, cause)
	}
}

func (q *RedisQueue) moveToDead(ctx context.Context, raw string) {
	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, q.processingKey(), 1, raw)
	pipe.LPush(ctx, q.deadKey(), raw)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Error("moving message to dead list failed", "queue", q.cfg.Name, "error", err)
	}
}

var _ Queue = (*RedisQueue)(nil)
