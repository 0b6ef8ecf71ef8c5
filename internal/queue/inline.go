package queue

import (
	"context"
	"log/slog"

	"github.com/cenkalti/backoff/v4"
	"github.com/kiranshivaraju/minewatch/internal/metrics"
)

// InlineQueue runs the handler synchronously inside Enqueue. It is the
// degraded mode used when no broker is configured: the caller blocks until
// the task reaches a terminal outcome.
type InlineQueue struct {
	handler       Handler
	deadLetter    DeadLetterFunc
	maxDeliveries int
	newBackOff    func() backoff.BackOff
	metrics       *metrics.Metrics
}

type InlineOption func(*InlineQueue)

// WithBackOff overrides the delay policy between attempts.
func WithBackOff(fn func() backoff.BackOff) InlineOption {
	return func(q *InlineQueue) { q.newBackOff = fn }
}

func WithInlineMetrics(m *metrics.Metrics) InlineOption {
	return func(q *InlineQueue) { q.metrics = m }
}

func NewInlineQueue(handler Handler, deadLetter DeadLetterFunc, maxDeliveries int, opts ...InlineOption) *InlineQueue {
	if maxDeliveries < 1 {
		maxDeliveries = 1
	}
	q := &InlineQueue{
		handler:       handler,
		deadLetter:    deadLetter,
		maxDeliveries: maxDeliveries,
		newBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue runs task until it succeeds or runs out of deliveries. Handler
// failures are not returned; an exhausted task goes to the dead-letter hook.
func (q *InlineQueue) Enqueue(ctx context.Context, task Task) (string, error) {
	handle := "inline:" + task.JobID.String()

	attempt := 0
	op := func() error {
		attempt++
		t := task
		t.Deliveries = attempt
		if err := q.handler(ctx, t); err != nil {
			slog.Warn("inline task attempt failed",
				"job_id", task.JobID, "attempt", attempt, "error", err)
			return err
		}
		return nil
	}

	// WithMaxRetries treats zero as unlimited.
	var b backoff.BackOff = &backoff.StopBackOff{}
	if q.maxDeliveries > 1 {
		b = backoff.WithMaxRetries(q.newBackOff(), uint64(q.maxDeliveries-1))
	}
	policy := backoff.WithContext(b, ctx)

	if err := backoff.Retry(op, policy); err != nil {
		q.metrics.QueueDelivery(OutcomeDeadLettered)
		t := task
		t.Deliveries = attempt
		if q.deadLetter != nil {
			q.deadLetter(context.WithoutCancel(ctx), t, err)
		}
		return handle, nil
	}

	q.metrics.QueueDelivery(OutcomeAcked)
	return handle, nil
}

var _ Queue = (*InlineQueue)(nil)
