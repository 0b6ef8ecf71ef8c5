package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/minewatch/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Jobs ---

const jobColumns = `id, kind, status, owner, inputs, result, error_message, completed_at, created_at, updated_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	if err := row.Scan(&j.ID, &j.Kind, &j.Status, &j.Owner, &j.Inputs, &j.Result,
		&j.ErrorMessage, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, kind, status, owner, inputs, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		job.ID, job.Kind, models.JobStatusPending, job.Owner, job.Inputs, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) (bool, error) {
	params, err := buildJobUpdate(status, opts)
	if err != nil {
		return false, err
	}

	// Only a pending job moves; a repeated call on a terminal job is a no-op.
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $2, result = $3, error_message = $4, completed_at = $5, updated_at = $6
		 WHERE id = $1 AND status = 'pending'`,
		id, status, params.Result, params.ErrorMessage, params.CompletedAt, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("check job exists: %w", err)
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error) {
	// Build WHERE clause dynamically
	conditions := []string{"TRUE"}
	var args []any
	argIdx := 1

	if filter.Owner != "" {
		conditions = append(conditions, fmt.Sprintf("owner = $%d", argIdx))
		args = append(args, filter.Owner)
		argIdx++
	}
	if filter.Kind != "" {
		conditions = append(conditions, fmt.Sprintf("kind = $%d", argIdx))
		args = append(args, filter.Kind)
		argIdx++
	}
	if !filter.CreatedFrom.IsZero() {
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", argIdx))
		args = append(args, filter.CreatedFrom)
		argIdx++
	}
	if !filter.CreatedTo.IsZero() {
		conditions = append(conditions, fmt.Sprintf("created_at <= $%d", argIdx))
		args = append(args, filter.CreatedTo)
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM jobs WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	limit := NormalizeLimit(filter.Limit, DefaultJobLimit, MaxJobLimit)
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	dataQuery := fmt.Sprintf(
		`SELECT %s FROM jobs WHERE %s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		jobColumns, where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []*models.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, total, rows.Err()
}

// --- Detections ---

func (s *PostgresStore) ReplaceDetections(ctx context.Context, jobID uuid.UUID, dets []*models.Detection) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin replace detections: %w", err)
	}
	defer tx.Rollback(ctx)

	// The row lock orders this against a concurrent completion write.
	var status string
	err = tx.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1 FOR UPDATE`, jobID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("lock job: %w", err)
	}
	if status != models.JobStatusPending {
		return false, nil
	}

	if _, err := tx.Exec(ctx, `DELETE FROM detections WHERE job_id = $1`, jobID); err != nil {
		return false, fmt.Errorf("delete detections: %w", err)
	}

	if len(dets) > 0 {
		batch := &pgx.Batch{}
		for _, d := range dets {
			batch.Queue(
				`INSERT INTO detections (id, job_id, geometry, properties, created_at)
				 VALUES ($1, $2, $3, $4, $5)`,
				d.ID, jobID, d.Geometry, d.Properties, d.CreatedAt)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return false, fmt.Errorf("insert detections: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit detections: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) ListDetections(ctx context.Context, jobID uuid.UUID) ([]*models.Detection, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, job_id, geometry, properties, created_at
		 FROM detections WHERE job_id = $1 ORDER BY created_at, id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list detections: %w", err)
	}
	defer rows.Close()

	dets := []*models.Detection{}
	for rows.Next() {
		var d models.Detection
		if err := rows.Scan(&d.ID, &d.JobID, &d.Geometry, &d.Properties, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan detection: %w", err)
		}
		dets = append(dets, &d)
	}
	return dets, rows.Err()
}

// --- Alerts ---

const alertColumns = `id, type, title, description, area_ha, job_id, acknowledged, acknowledged_at, created_at`

func scanAlert(row pgx.Row) (*models.Alert, error) {
	var a models.Alert
	if err := row.Scan(&a.ID, &a.Type, &a.Title, &a.Description, &a.AreaHa, &a.JobID,
		&a.Acknowledged, &a.AcknowledgedAt, &a.CreatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) CreateAlert(ctx context.Context, alert *models.Alert) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO alerts (id, type, title, description, area_ha, job_id, acknowledged, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		alert.ID, alert.Type, alert.Title, alert.Description, alert.AreaHa, alert.JobID,
		alert.Acknowledged, alert.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create alert: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAlerts(ctx context.Context, limit int) ([]*models.Alert, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+alertColumns+` FROM alerts ORDER BY created_at DESC, id DESC LIMIT $1`,
		NormalizeLimit(limit, DefaultAlertLimit, MaxAlertLimit))
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	alerts := []*models.Alert{}
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

func (s *PostgresStore) AcknowledgeAlert(ctx context.Context, id uuid.UUID) (*models.Alert, error) {
	a, err := scanAlert(s.pool.QueryRow(ctx,
		`UPDATE alerts SET acknowledged = TRUE, acknowledged_at = COALESCE(acknowledged_at, NOW())
		 WHERE id = $1 RETURNING `+alertColumns, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("acknowledge alert: %w", err)
	}
	return a, nil
}

// --- IoT readings ---

func (s *PostgresStore) CreateIoTReading(ctx context.Context, r *models.IoTReading) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO iot_readings (id, sensor, metric, value, recorded_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		r.ID, r.Sensor, r.Metric, r.Value, r.RecordedAt, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("create iot reading: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListIoTReadings(ctx context.Context, sensor string, limit int) ([]*models.IoTReading, error) {
	query := `SELECT id, sensor, metric, value, recorded_at, created_at FROM iot_readings`
	args := []any{}
	if sensor != "" {
		query += ` WHERE sensor = $1`
		args = append(args, sensor)
	}
	query += fmt.Sprintf(` ORDER BY recorded_at DESC, id DESC LIMIT $%d`, len(args)+1)
	args = append(args, NormalizeLimit(limit, DefaultReadingLimit, MaxReadingLimit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list iot readings: %w", err)
	}
	defer rows.Close()

	readings := []*models.IoTReading{}
	for rows.Next() {
		var r models.IoTReading
		if err := rows.Scan(&r.ID, &r.Sensor, &r.Metric, &r.Value, &r.RecordedAt, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan iot reading: %w", err)
		}
		readings = append(readings, &r)
	}
	return readings, rows.Err()
}

// --- API Keys ---

const apiKeyColumns = `id, name, key_hash, key_prefix, scopes, created_by, last_used_at, deleted_at, created_at, updated_at`

func scanAPIKeys(rows pgx.Rows) ([]*models.APIKey, error) {
	keys := []*models.APIKey{}
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes, &k.CreatedBy,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()
	return scanAPIKeys(rows)
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, name, key_hash, key_prefix, scopes, created_by, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedBy, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE deleted_at IS NULL ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()
	return scanAPIKeys(rows)
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

var _ Store = (*PostgresStore)(nil)
