// Package queue hands job tasks from the API to the job runner.
//
// Two implementations share the Queue interface: RedisQueue, a durable
// at-least-once list queue with leases and dead-lettering, and InlineQueue,
// which runs the handler in the caller when no broker is configured.
package queue

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/minewatch/pkg/models"
)

var (
	// ErrBrokerUnavailable means a broker is configured but could not accept the task.
	ErrBrokerUnavailable = errors.New("queue broker unavailable")
	// ErrLeaseExpired is the cause recorded for tasks recovered by the reaper.
	ErrLeaseExpired = errors.New("delivery lease expired")
)

// Delivery outcomes reported to metrics.
const (
	OutcomeAcked        = "acked"
	OutcomeRequeued     = "requeued"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeReaped       = "reaped"
)

// Task is the queue envelope for one job.
type Task struct {
	JobID  uuid.UUID        `json:"job_id"`
	Kind   string           `json:"kind"`
	Inputs models.JobInputs `json:"inputs"`
	// Deliveries counts handler invocations including the current one.
	Deliveries int `json:"deliveries"`
}

// Handler processes a task. A non-nil error asks for redelivery.
type Handler func(ctx context.Context, task Task) error

// DeadLetterFunc is called once a task has exhausted its deliveries.
type DeadLetterFunc func(ctx context.Context, task Task, cause error)

type Queue interface {
	// Enqueue accepts task for processing and returns an opaque handle.
	Enqueue(ctx context.Context, task Task) (string, error)
}
