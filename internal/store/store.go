package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/minewatch/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrInvalidTransition is returned when an update would break the job
// lifecycle invariant (result present exactly when completed).
var ErrInvalidTransition = errors.New("invalid job status transition")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	JobStore
	AlertStore
	TelemetryStore
	KeyStore
}

// JobStore persists jobs and the detections produced by running them.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	// UpdateJobStatus moves a pending job to a terminal status. It reports
	// false without error when the job is already terminal, so a redelivered
	// task can repeat the call safely.
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) (bool, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error)

	// ReplaceDetections swaps the job's detections for dets in one transaction
	// while the job is pending. Once the job is terminal its detections are
	// fixed and it reports false without error.
	ReplaceDetections(ctx context.Context, jobID uuid.UUID, dets []*models.Detection) (bool, error)
	ListDetections(ctx context.Context, jobID uuid.UUID) ([]*models.Detection, error)
}

type AlertStore interface {
	CreateAlert(ctx context.Context, alert *models.Alert) error
	ListAlerts(ctx context.Context, limit int) ([]*models.Alert, error)
	AcknowledgeAlert(ctx context.Context, id uuid.UUID) (*models.Alert, error)
}

type TelemetryStore interface {
	CreateIoTReading(ctx context.Context, reading *models.IoTReading) error
	ListIoTReadings(ctx context.Context, sensor string, limit int) ([]*models.IoTReading, error)
}

type KeyStore interface {
	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error
}

// JobFilter selects jobs for ListJobs. Zero values mean "no constraint".
type JobFilter struct {
	Owner       string
	Kind        string
	CreatedFrom time.Time
	CreatedTo   time.Time
	Limit       int
	Offset      int
}

const (
	DefaultJobLimit = 50
	MaxJobLimit     = 200

	DefaultAlertLimit = 200
	MaxAlertLimit     = 1000

	DefaultReadingLimit = 100
	MaxReadingLimit     = 1000
)

// NormalizeLimit clamps limit into [1, max], substituting def for non-positive values.
func NormalizeLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

type jobUpdateParams struct {
	Result       *models.JobResult
	ErrorMessage *string
	CompletedAt  *time.Time
}

type JobUpdateOption func(*jobUpdateParams)

func WithResult(result *models.JobResult) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.Result = result
	}
}

func WithErrorMessage(msg string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ErrorMessage = &msg
	}
}

func WithCompletedAt(t time.Time) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.CompletedAt = &t
	}
}

// buildJobUpdate applies opts and checks them against the target status.
func buildJobUpdate(status string, opts []JobUpdateOption) (*jobUpdateParams, error) {
	params := &jobUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	switch status {
	case models.JobStatusCompleted:
		if params.Result == nil {
			return nil, errors.Join(ErrInvalidTransition, errors.New("completed job requires a result"))
		}
		if params.CompletedAt == nil {
			now := time.Now().UTC()
			params.CompletedAt = &now
		}
	case models.JobStatusFailed:
		if params.Result != nil {
			return nil, errors.Join(ErrInvalidTransition, errors.New("failed job must not carry a result"))
		}
		params.CompletedAt = nil
	default:
		return nil, errors.Join(ErrInvalidTransition, errors.New("target status must be completed or failed"))
	}
	return params, nil
}
