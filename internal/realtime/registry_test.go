package realtime_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kiranshivaraju/minewatch/internal/realtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn records writes and flags overlapping WriteJSON calls.
type fakeConn struct {
	mu       sync.Mutex
	messages []any
	fail     bool
	closed   int

	inFlight   atomic.Int32
	overlapped atomic.Bool
}

func (c *fakeConn) WriteJSON(v any) error {
	if c.inFlight.Add(1) > 1 {
		c.overlapped.Store(true)
	}
	defer c.inFlight.Add(-1)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("broken pipe")
	}
	c.messages = append(c.messages, v)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func (c *fakeConn) received() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

func (c *fakeConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) message(i int) any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.messages[i]
}

// stalledConn never finishes a write until it is closed, like a peer that
// stopped reading.
type stalledConn struct {
	once     sync.Once
	released chan struct{}
	writes   atomic.Int32
}

func newStalledConn() *stalledConn {
	return &stalledConn{released: make(chan struct{})}
}

func (c *stalledConn) WriteJSON(any) error {
	c.writes.Add(1)
	<-c.released
	return errors.New("use of closed connection")
}

func (c *stalledConn) Close() error {
	c.once.Do(func() { close(c.released) })
	return nil
}

func (c *stalledConn) isClosed() bool {
	select {
	case <-c.released:
		return true
	default:
		return false
	}
}

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func TestRegistry_BroadcastIsolatesFailures(t *testing.T) {
	r := realtime.NewRegistry(realtime.ChannelAlerts, nil)
	good1, bad, good2 := &fakeConn{}, &fakeConn{fail: true}, &fakeConn{}
	r.Connect(good1)
	r.Connect(bad)
	r.Connect(good2)

	assert.Equal(t, 3, r.Broadcast("", map[string]string{"type": "ping"}))

	require.Eventually(t, func() bool { return r.Len() == 2 }, waitFor, tick)
	require.Eventually(t, func() bool { return good1.received() == 1 && good2.received() == 1 }, waitFor, tick)
	assert.Equal(t, 1, bad.closeCount())

	assert.Equal(t, 2, r.Broadcast("", "again"))
	require.Eventually(t, func() bool { return good1.received() == 2 }, waitFor, tick)
}

func TestRegistry_StalledSubscriberDoesNotBlockBroadcast(t *testing.T) {
	r := realtime.NewRegistry(realtime.ChannelAlerts, nil, realtime.WithSendBuffer(4))
	stalled, good := newStalledConn(), &fakeConn{}
	r.Connect(stalled)
	r.Connect(good)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			r.Broadcast("", i)
			// Keep the healthy subscriber's queue drained.
			for good.received() < i+1 {
				time.Sleep(time.Millisecond)
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("broadcast blocked behind a stalled subscriber")
	}

	assert.Equal(t, 10, good.received())
	assert.True(t, stalled.isClosed())
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_DisconnectIsIdempotent(t *testing.T) {
	r := realtime.NewRegistry(realtime.ChannelIoT, nil)
	conn := &fakeConn{}
	c := r.Connect(conn)
	require.Equal(t, 1, r.Len())

	r.Disconnect(c)
	r.Disconnect(c)

	assert.Zero(t, r.Len())
	assert.Equal(t, 1, conn.closeCount())
	assert.Zero(t, r.Broadcast("", "after"))
}

func TestRegistry_KeyFilter(t *testing.T) {
	r := realtime.NewRegistry(realtime.ChannelIoT, nil)
	s1, s2, all := &fakeConn{}, &fakeConn{}, &fakeConn{}
	r.Connect(s1, realtime.WithKeyFilter("sensor-1"))
	r.Connect(s2, realtime.WithKeyFilter("sensor-2"))
	r.Connect(all, realtime.WithKeyFilter(""))

	assert.Equal(t, 2, r.Broadcast("sensor-1", "reading"))
	require.Eventually(t, func() bool { return s1.received() == 1 && all.received() == 1 }, waitFor, tick)
	assert.Zero(t, s2.received())
}

func TestRegistry_ConcurrentBroadcastAndChurn(t *testing.T) {
	r := realtime.NewRegistry(realtime.ChannelVisualization, nil, realtime.WithSendBuffer(8*50))
	stable := &fakeConn{}
	r.Connect(stable)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				r.Broadcast("", j)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				c := r.Connect(&fakeConn{})
				r.Disconnect(c)
			}
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return stable.received() == 8*50 }, waitFor, tick)
	assert.False(t, stable.overlapped.Load())
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_Close(t *testing.T) {
	r := realtime.NewRegistry(realtime.ChannelAlerts, nil)
	a, b := &fakeConn{}, &fakeConn{}
	r.Connect(a)
	r.Connect(b)

	r.Close()

	assert.Zero(t, r.Len())
	assert.Equal(t, 1, a.closeCount())
	assert.Equal(t, 1, b.closeCount())
}
