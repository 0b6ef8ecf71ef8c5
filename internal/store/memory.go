package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/minewatch/pkg/models"
)

// MemoryStore is an in-process Store with the same semantics as PostgresStore.
// Handler and runner tests run against it; hooks let them inject failures.
type MemoryStore struct {
	mu         sync.Mutex
	jobs       map[uuid.UUID]*models.Job
	detections map[uuid.UUID][]*models.Detection
	alerts     []*models.Alert
	readings   []*models.IoTReading
	keys       map[uuid.UUID]*models.APIKey

	// Optional failure hooks, consulted before the operation runs.
	PingErr              error
	UpdateJobStatusErr   func(id uuid.UUID, status string) error
	ReplaceDetectionsErr error
	CreateAlertErr       error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:       make(map[uuid.UUID]*models.Job),
		detections: make(map[uuid.UUID][]*models.Detection),
		keys:       make(map[uuid.UUID]*models.APIKey),
	}
}

func (s *MemoryStore) Ping(_ context.Context) error { return s.PingErr }

func copyJob(j *models.Job) *models.Job {
	c := *j
	if j.Result != nil {
		r := *j.Result
		c.Result = &r
	}
	return &c
}

func (s *MemoryStore) CreateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return ErrDuplicateKey
	}
	c := copyJob(job)
	c.Status = models.JobStatusPending
	c.Result = nil
	c.ErrorMessage = nil
	c.CompletedAt = nil
	s.jobs[job.ID] = c
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyJob(j), nil
}

func (s *MemoryStore) UpdateJobStatus(_ context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) (bool, error) {
	if s.UpdateJobStatusErr != nil {
		if err := s.UpdateJobStatusErr(id, status); err != nil {
			return false, err
		}
	}
	params, err := buildJobUpdate(status, opts)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return false, ErrNotFound
	}
	if j.Status != models.JobStatusPending {
		return false, nil
	}
	j.Status = status
	if params.Result != nil {
		r := *params.Result
		j.Result = &r
	}
	j.ErrorMessage = params.ErrorMessage
	j.CompletedAt = params.CompletedAt
	j.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *MemoryStore) ListJobs(_ context.Context, filter JobFilter) ([]*models.Job, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*models.Job
	for _, j := range s.jobs {
		if filter.Owner != "" && j.Owner != filter.Owner {
			continue
		}
		if filter.Kind != "" && j.Kind != filter.Kind {
			continue
		}
		if !filter.CreatedFrom.IsZero() && j.CreatedAt.Before(filter.CreatedFrom) {
			continue
		}
		if !filter.CreatedTo.IsZero() && j.CreatedAt.After(filter.CreatedTo) {
			continue
		}
		matched = append(matched, copyJob(j))
	}
	sort.Slice(matched, func(a, b int) bool {
		if matched[a].CreatedAt.Equal(matched[b].CreatedAt) {
			return matched[a].ID.String() > matched[b].ID.String()
		}
		return matched[a].CreatedAt.After(matched[b].CreatedAt)
	})

	total := len(matched)
	limit := NormalizeLimit(filter.Limit, DefaultJobLimit, MaxJobLimit)
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	page := append([]*models.Job{}, matched[offset:end]...)
	return page, total, nil
}

func (s *MemoryStore) ReplaceDetections(_ context.Context, jobID uuid.UUID, dets []*models.Detection) (bool, error) {
	if s.ReplaceDetectionsErr != nil {
		return false, s.ReplaceDetectionsErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return false, ErrNotFound
	}
	if j.Status != models.JobStatusPending {
		return false, nil
	}
	cp := make([]*models.Detection, 0, len(dets))
	for _, d := range dets {
		c := *d
		c.JobID = jobID
		cp = append(cp, &c)
	}
	s.detections[jobID] = cp
	return true, nil
}

func (s *MemoryStore) ListDetections(_ context.Context, jobID uuid.UUID) ([]*models.Detection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.Detection{}, s.detections[jobID]...), nil
}

func (s *MemoryStore) CreateAlert(_ context.Context, alert *models.Alert) error {
	if s.CreateAlertErr != nil {
		return s.CreateAlertErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.alerts {
		if a.ID == alert.ID {
			return ErrDuplicateKey
		}
	}
	c := *alert
	s.alerts = append(s.alerts, &c)
	return nil
}

func (s *MemoryStore) ListAlerts(_ context.Context, limit int) ([]*models.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Alert, 0, len(s.alerts))
	for i := len(s.alerts) - 1; i >= 0; i-- {
		c := *s.alerts[i]
		out = append(out, &c)
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	if n := NormalizeLimit(limit, DefaultAlertLimit, MaxAlertLimit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (s *MemoryStore) AcknowledgeAlert(_ context.Context, id uuid.UUID) (*models.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.alerts {
		if a.ID == id {
			if !a.Acknowledged {
				now := time.Now().UTC()
				a.Acknowledged = true
				a.AcknowledgedAt = &now
			}
			c := *a
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) CreateIoTReading(_ context.Context, r *models.IoTReading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *r
	s.readings = append(s.readings, &c)
	return nil
}

func (s *MemoryStore) ListIoTReadings(_ context.Context, sensor string, limit int) ([]*models.IoTReading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*models.IoTReading{}
	for _, r := range s.readings {
		if sensor != "" && r.Sensor != sensor {
			continue
		}
		c := *r
		out = append(out, &c)
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].RecordedAt.After(out[b].RecordedAt) })
	if n := NormalizeLimit(limit, DefaultReadingLimit, MaxReadingLimit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (s *MemoryStore) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*models.APIKey{}
	for _, k := range s.keys {
		if k.KeyPrefix == prefix && k.DeletedAt == nil {
			c := *k
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *MemoryStore) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keys[id]; ok {
		now := time.Now().UTC()
		k.LastUsedAt = &now
	}
	return nil
}

func (s *MemoryStore) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key.ID]; ok {
		return ErrDuplicateKey
	}
	c := *key
	s.keys[key.ID] = &c
	return nil
}

func (s *MemoryStore) ListAPIKeys(_ context.Context) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*models.APIKey{}
	for _, k := range s.keys {
		if k.DeletedAt == nil {
			c := *k
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) RevokeAPIKey(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok || k.DeletedAt != nil {
		return ErrNotFound
	}
	now := time.Now().UTC()
	k.DeletedAt = &now
	return nil
}

var _ Store = (*MemoryStore)(nil)
