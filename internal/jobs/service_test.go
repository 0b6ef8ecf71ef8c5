package jobs_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/minewatch/internal/cache"
	"github.com/kiranshivaraju/minewatch/internal/detect"
	"github.com/kiranshivaraju/minewatch/internal/detect/mock"
	"github.com/kiranshivaraju/minewatch/internal/jobs"
	"github.com/kiranshivaraju/minewatch/internal/queue"
	"github.com/kiranshivaraju/minewatch/internal/store"
	"github.com/kiranshivaraju/minewatch/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type brokenQueue struct{}

func (brokenQueue) Enqueue(context.Context, queue.Task) (string, error) {
	return "", fmt.Errorf("%w: dial tcp: connection refused", queue.ErrBrokerUnavailable)
}

// recordingQueue accepts tasks without running them.
type recordingQueue struct{ tasks []queue.Task }

func (q *recordingQueue) Enqueue(_ context.Context, t queue.Task) (string, error) {
	q.tasks = append(q.tasks, t)
	return "test:" + t.JobID.String(), nil
}

func inlineService(t *testing.T, provider detect.Provider) (*jobs.Service, *fixture) {
	t.Helper()
	f := newFixture(t, provider)
	q := queue.NewInlineQueue(f.runner.Run, f.runner.DeadLetter, 3,
		queue.WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }))
	return jobs.NewService(f.store, f.cache, q, nil), f
}

var (
	alice     = models.Principal{Subject: "alice", Role: "user"}
	bob       = models.Principal{Subject: "bob", Role: "user"}
	authority = models.Principal{Subject: "inspector", Role: models.RoleAuthority}
)

func TestService_SubmitInlineReachesTerminalState(t *testing.T) {
	svc, f := inlineService(t, mock.NewMockProvider(1.4))
	defer f.effects.Close()

	job, err := svc.Submit(context.Background(), jobs.SubmitRequest{
		Kind:   models.JobKindDetection,
		Owner:  "alice",
		Inputs: models.JobInputs{BBox: []float64{85.3, 23.7, 85.4, 23.8}},
	})
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, job.ID)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	require.NotNil(t, job.Result)
	assert.InDelta(t, 1.4, job.Result.AreaIllegalHa, 1e-9)
}

func TestService_SubmitInlineExhaustedRetriesFailsJob(t *testing.T) {
	svc, f := inlineService(t, mock.NewFailingProvider(detect.ErrUnavailable))
	defer f.effects.Close()

	job, err := svc.Submit(context.Background(), jobs.SubmitRequest{Kind: models.JobKindDetection, Owner: "alice"})
	require.NoError(t, err)

	assert.Equal(t, models.JobStatusFailed, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.Contains(t, *job.ErrorMessage, "giving up after 3 deliveries")
}

func TestService_SubmitDefaultsOwnerAndKeepsPresetID(t *testing.T) {
	st := store.NewMemoryStore()
	q := &recordingQueue{}
	svc := jobs.NewService(st, cache.NewMemoryCache(), q, nil)

	id := uuid.New()
	job, err := svc.Submit(context.Background(), jobs.SubmitRequest{ID: id, Kind: models.JobKindMiningReport})
	require.NoError(t, err)

	assert.Equal(t, id, job.ID)
	assert.Equal(t, models.AnonymousOwner, job.Owner)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Nil(t, job.Result)
	require.Len(t, q.tasks, 1)
	assert.Equal(t, id, q.tasks[0].JobID)
	assert.Equal(t, models.JobKindMiningReport, q.tasks[0].Kind)
}

func TestService_SubmitBrokerDown(t *testing.T) {
	st := store.NewMemoryStore()
	svc := jobs.NewService(st, cache.NewMemoryCache(), brokenQueue{}, nil)

	id := uuid.New()
	_, err := svc.Submit(context.Background(), jobs.SubmitRequest{ID: id, Kind: models.JobKindDetection, Owner: "alice"})
	require.ErrorIs(t, err, queue.ErrBrokerUnavailable)

	job, err := st.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.Contains(t, *job.ErrorMessage, "enqueue failed")
}

func TestService_SubmitDuplicateID(t *testing.T) {
	svc := jobs.NewService(store.NewMemoryStore(), cache.NewMemoryCache(), &recordingQueue{}, nil)
	id := uuid.New()

	_, err := svc.Submit(context.Background(), jobs.SubmitRequest{ID: id, Kind: models.JobKindDetection})
	require.NoError(t, err)
	_, err = svc.Submit(context.Background(), jobs.SubmitRequest{ID: id, Kind: models.JobKindDetection})
	assert.ErrorIs(t, err, store.ErrDuplicateKey)
}

func TestService_GetAccessControl(t *testing.T) {
	svc := jobs.NewService(store.NewMemoryStore(), cache.NewMemoryCache(), &recordingQueue{}, nil)
	job, err := svc.Submit(context.Background(), jobs.SubmitRequest{Kind: models.JobKindDetection, Owner: "alice"})
	require.NoError(t, err)

	_, err = svc.Get(context.Background(), bob, job.ID)
	assert.ErrorIs(t, err, jobs.ErrForbidden)

	got, err := svc.Get(context.Background(), alice, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)

	_, err = svc.Get(context.Background(), authority, job.ID)
	assert.NoError(t, err)

	_, err = svc.Get(context.Background(), alice, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = svc.Detections(context.Background(), bob, job.ID)
	assert.ErrorIs(t, err, jobs.ErrForbidden)
}

func TestService_ListScopesNonAuthority(t *testing.T) {
	svc := jobs.NewService(store.NewMemoryStore(), cache.NewMemoryCache(), &recordingQueue{}, nil)
	ctx := context.Background()
	for _, owner := range []string{"alice", "alice", "bob"} {
		_, err := svc.Submit(ctx, jobs.SubmitRequest{Kind: models.JobKindDetection, Owner: owner})
		require.NoError(t, err)
	}

	mine, total, err := svc.List(ctx, alice, store.JobFilter{Owner: "bob"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	for _, j := range mine {
		assert.Equal(t, "alice", j.Owner)
	}

	_, total, err = svc.List(ctx, authority, store.JobFilter{Owner: "bob"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	_, total, err = svc.List(ctx, authority, store.JobFilter{})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
}

func TestService_StatusUsesCacheThenStore(t *testing.T) {
	st := store.NewMemoryStore()
	ca := cache.NewMemoryCache()
	svc := jobs.NewService(st, ca, &recordingQueue{}, nil)
	ctx := context.Background()

	job, err := svc.Submit(ctx, jobs.SubmitRequest{Kind: models.JobKindDetection, Owner: "alice"})
	require.NoError(t, err)

	status, err := svc.Status(ctx, alice, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, status)

	_, err = svc.Status(ctx, bob, job.ID)
	assert.ErrorIs(t, err, jobs.ErrForbidden)

	require.NoError(t, ca.Delete(ctx, cache.JobStatusKey(job.ID)))
	_, err = st.UpdateJobStatus(ctx, job.ID, models.JobStatusFailed, store.WithErrorMessage("boom"))
	require.NoError(t, err)

	status, err = svc.Status(ctx, alice, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, status)

	cached, found, err := ca.GetJobStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, models.JobStatusFailed, cached.Status)
}

// completesOnRead finishes the job the way a runner would, right after the
// service has read it as pending.
type completesOnRead struct {
	*store.MemoryStore
	cache cache.Cache
}

func (c *completesOnRead) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job, err := c.MemoryStore.GetJob(ctx, id)
	if err != nil || job.Terminal() {
		return job, err
	}
	res := models.JobResult{AreaIllegalHa: 0.2}
	if _, err := c.MemoryStore.UpdateJobStatus(ctx, id, models.JobStatusCompleted, store.WithResult(&res)); err != nil {
		return nil, err
	}
	st := cache.JobStatus{Status: models.JobStatusCompleted, Owner: job.Owner}
	if err := c.cache.SetJobStatus(ctx, id, st, cache.JobStatusTTL); err != nil {
		return nil, err
	}
	return job, nil
}

func TestService_StatusDoesNotCacheStalePending(t *testing.T) {
	mem := store.NewMemoryStore()
	ca := cache.NewMemoryCache()
	svc := jobs.NewService(&completesOnRead{MemoryStore: mem, cache: ca}, ca, &recordingQueue{}, nil)
	ctx := context.Background()

	job := &models.Job{ID: uuid.New(), Kind: models.JobKindDetection, Owner: "alice", CreatedAt: time.Now().UTC()}
	require.NoError(t, mem.CreateJob(ctx, job))

	status, err := svc.Status(ctx, alice, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, status)

	cached, found, err := ca.GetJobStatus(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, models.JobStatusCompleted, cached.Status)

	status, err = svc.Status(ctx, alice, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, status)
}

func TestService_StatusUnknownJob(t *testing.T) {
	svc := jobs.NewService(store.NewMemoryStore(), cache.NewMemoryCache(), &recordingQueue{}, nil)
	_, err := svc.Status(context.Background(), alice, uuid.New())
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestService_LifecycleInvariant(t *testing.T) {
	svc, f := inlineService(t, mock.NewMockProvider(0.2))
	defer f.effects.Close()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := svc.Submit(ctx, jobs.SubmitRequest{Kind: models.JobKindDetection, Owner: "alice"})
		require.NoError(t, err)
	}
	all, _, err := svc.List(ctx, authority, store.JobFilter{Limit: 200})
	require.NoError(t, err)
	require.Len(t, all, 5)
	for _, j := range all {
		assert.Equal(t, j.Status == models.JobStatusCompleted, j.Result != nil, "job %s", j.ID)
		assert.False(t, j.CreatedAt.After(time.Now().UTC()))
	}
}
