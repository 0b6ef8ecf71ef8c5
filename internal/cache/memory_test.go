package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestMemoryCache() (*MemoryCache, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	c := NewMemoryCache()
	c.now = clock.now
	return c, clock
}

func TestMemoryCache_SetGetExpiry(t *testing.T) {
	c, clock := newTestMemoryCache()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Second))

	val, found, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("v"), val)

	clock.advance(time.Second)
	_, found, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryCache_NoTTLNeverExpires(t *testing.T) {
	c, clock := newTestMemoryCache()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 0))
	clock.advance(24 * time.Hour)

	_, found, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestMemoryCache_IncrWithExpiryFixedWindow(t *testing.T) {
	c, clock := newTestMemoryCache()
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		n, err := c.IncrWithExpiry(ctx, "rl", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, i, n)
		clock.advance(10 * time.Second)
	}

	clock.advance(time.Minute)
	n, err := c.IncrWithExpiry(ctx, "rl", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMemoryCache_JobStatus(t *testing.T) {
	c, _ := newTestMemoryCache()
	ctx := context.Background()
	id := uuid.New()

	require.NoError(t, c.SetJobStatus(ctx, id, JobStatus{Status: "pending", Owner: "bob"}, JobStatusTTL))
	st, found, err := c.GetJobStatus(ctx, id)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "pending", st.Status)
	assert.Equal(t, "bob", st.Owner)

	require.NoError(t, c.Delete(ctx, JobStatusKey(id)))
	_, found, err = c.GetJobStatus(ctx, id)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryCache_SweepDropsUnreadExpiredKeys(t *testing.T) {
	c, clock := newTestMemoryCache()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "forever", []byte("v"), 0))
	for i := 0; i < 10000; i++ {
		_, err := c.IncrWithExpiry(ctx, fmt.Sprintf("ratelimit:ip:%d", i), time.Millisecond)
		require.NoError(t, err)
	}
	require.NoError(t, c.SetJobStatus(ctx, uuid.New(), JobStatus{Status: "pending"}, time.Millisecond))
	assert.Equal(t, 10002, c.Len())

	// Inside the sweep interval nothing is scanned yet.
	clock.advance(time.Second)
	require.NoError(t, c.Set(ctx, "k1", []byte("v"), time.Hour))
	assert.Equal(t, 10003, c.Len())

	clock.advance(sweepInterval)
	require.NoError(t, c.Set(ctx, "k2", []byte("v"), time.Hour))
	assert.Equal(t, 3, c.Len())

	_, found, err := c.Get(ctx, "forever")
	require.NoError(t, err)
	assert.True(t, found)
}
