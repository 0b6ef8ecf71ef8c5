// Package jobs owns the job lifecycle: submission, access-checked reads and
// the runner that drives a job to a terminal state.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/minewatch/internal/cache"
	"github.com/kiranshivaraju/minewatch/internal/metrics"
	"github.com/kiranshivaraju/minewatch/internal/queue"
	"github.com/kiranshivaraju/minewatch/internal/store"
	"github.com/kiranshivaraju/minewatch/pkg/models"
)

// ErrForbidden is returned when a principal reads a job it does not own.
var ErrForbidden = errors.New("forbidden")

// SubmitRequest describes a new job. ID may be preset when inputs were
// stored under it before submission.
type SubmitRequest struct {
	ID     uuid.UUID
	Kind   string
	Owner  string
	Inputs models.JobInputs
}

// Service is the API-facing side of the job subsystem.
type Service struct {
	store   store.JobStore
	cache   cache.Cache
	queue   queue.Queue
	metrics *metrics.Metrics
}

func NewService(st store.JobStore, ca cache.Cache, q queue.Queue, m *metrics.Metrics) *Service {
	return &Service{store: st, cache: ca, queue: q, metrics: m}
}

// Submit records a pending job and enqueues it. With the inline queue the
// job has already reached a terminal state when Submit returns.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*models.Job, error) {
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	if req.Owner == "" {
		req.Owner = models.AnonymousOwner
	}
	now := time.Now().UTC()
	job := &models.Job{
		ID:        req.ID,
		Kind:      req.Kind,
		Status:    models.JobStatusPending,
		Owner:     req.Owner,
		Inputs:    req.Inputs,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}
	s.metrics.JobSubmitted(job.Kind)
	s.mirror(ctx, job.ID, models.JobStatusPending, job.Owner)

	task := queue.Task{JobID: job.ID, Kind: job.Kind, Inputs: job.Inputs}
	handle, err := s.queue.Enqueue(ctx, task)
	if err != nil {
		// Record-then-enqueue is not atomic; leave a failed job behind rather than a stuck one.
		if _, uerr := s.store.UpdateJobStatus(context.WithoutCancel(ctx), job.ID, models.JobStatusFailed,
			store.WithErrorMessage(fmt.Sprintf("enqueue failed: %v", err))); uerr != nil {
			slog.Error("marking unqueued job failed", "job_id", job.ID, "error", uerr)
		} else {
			s.mirror(ctx, job.ID, models.JobStatusFailed, job.Owner)
		}
		return nil, fmt.Errorf("enqueueing job: %w", err)
	}
	slog.Info("job submitted", "job_id", job.ID, "kind", job.Kind, "owner", job.Owner, "handle", handle)

	current, err := s.store.GetJob(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("reloading job: %w", err)
	}
	return current, nil
}

// Get returns the job when p may view it.
func (s *Service) Get(ctx context.Context, p models.Principal, id uuid.UUID) (*models.Job, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.CanView(job.Owner) {
		return nil, ErrForbidden
	}
	return job, nil
}

// List pages through jobs. Callers without the authority role only see their own.
func (s *Service) List(ctx context.Context, p models.Principal, filter store.JobFilter) ([]*models.Job, int, error) {
	if !p.IsAuthority() {
		filter.Owner = p.Subject
	}
	return s.store.ListJobs(ctx, filter)
}

// Detections lists the geometries recorded for a job, with Get's access rule.
func (s *Service) Detections(ctx context.Context, p models.Principal, id uuid.UUID) ([]*models.Detection, error) {
	if _, err := s.Get(ctx, p, id); err != nil {
		return nil, err
	}
	return s.store.ListDetections(ctx, id)
}

// Status answers from the cache when possible and falls back to the store.
func (s *Service) Status(ctx context.Context, p models.Principal, id uuid.UUID) (string, error) {
	st, found, err := s.cache.GetJobStatus(ctx, id)
	if err != nil {
		slog.Warn("job status cache read failed", "job_id", id, "error", err)
	}
	if err == nil && found {
		if !p.CanView(st.Owner) {
			return "", ErrForbidden
		}
		return st.Status, nil
	}

	job, err := s.Get(ctx, p, id)
	if err != nil {
		return "", err
	}
	// A pending read may already be stale; backfilling it could hide the
	// runner's terminal write until the entry expires.
	if job.Terminal() {
		s.mirror(ctx, job.ID, job.Status, job.Owner)
	}
	return job.Status, nil
}

func (s *Service) mirror(ctx context.Context, id uuid.UUID, status, owner string) {
	if err := s.cache.SetJobStatus(ctx, id, cache.JobStatus{Status: status, Owner: owner}, cache.JobStatusTTL); err != nil {
		slog.Warn("job status cache write failed", "job_id", id, "error", err)
	}
}
