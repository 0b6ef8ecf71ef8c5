package realtime

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingTarget struct {
	mu      sync.Mutex
	batches []Batch
}

func (r *recordingTarget) Broadcast(_ string, v any) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, v.(Batch))
	return 1
}

func (r *recordingTarget) snapshot() []Batch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Batch(nil), r.batches...)
}

type manualClock struct{ t time.Time }

func (c *manualClock) now() time.Time          { return c.t }
func (c *manualClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func itemTypes(b Batch) []string {
	out := make([]string, 0, len(b.Items))
	for _, ev := range b.Items {
		out = append(out, ev.Type)
	}
	return out
}

func TestDebouncer_CoalescesBurstUntilNextArrival(t *testing.T) {
	target := &recordingTarget{}
	clock := &manualClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	d := NewDebouncer(target, 200*time.Millisecond, WithClock(clock.now), WithTrailingFlush(false))

	d.Submit(Event{Type: "e1"})
	clock.advance(50 * time.Millisecond)
	d.Submit(Event{Type: "e2"})

	batches := target.snapshot()
	require.Len(t, batches, 1)
	assert.Equal(t, []string{"e1"}, itemTypes(batches[0]))
	assert.Equal(t, 1, d.Pending())

	clock.advance(200 * time.Millisecond)
	d.Submit(Event{Type: "e3"})

	batches = target.snapshot()
	require.Len(t, batches, 2)
	assert.Equal(t, BatchType, batches[1].Type)
	assert.Equal(t, []string{"e2", "e3"}, itemTypes(batches[1]))
	assert.Zero(t, d.Pending())
}

func TestDebouncer_HeldWithoutTrailingFlush(t *testing.T) {
	target := &recordingTarget{}
	d := NewDebouncer(target, time.Hour, WithTrailingFlush(false))

	d.Submit(Event{Type: "e1"})
	d.Submit(Event{Type: "e2"})
	d.Submit(Event{Type: "e3"})

	assert.Len(t, target.snapshot(), 1)
	assert.Equal(t, 2, d.Pending())
}

func TestDebouncer_TrailingFlush(t *testing.T) {
	target := &recordingTarget{}
	d := NewDebouncer(target, 30*time.Millisecond, WithTrailingFlush(true))
	defer d.Stop()

	d.Submit(Event{Type: "e1"})
	d.Submit(Event{Type: "e2"})
	d.Submit(Event{Type: "e3"})

	require.Eventually(t, func() bool { return len(target.snapshot()) == 2 }, time.Second, 5*time.Millisecond)

	batches := target.snapshot()
	assert.Equal(t, []string{"e1"}, itemTypes(batches[0]))
	assert.Equal(t, []string{"e2", "e3"}, itemTypes(batches[1]))
	assert.Zero(t, d.Pending())
}

func TestDebouncer_StopFlushesPending(t *testing.T) {
	target := &recordingTarget{}
	d := NewDebouncer(target, time.Hour, WithTrailingFlush(true))

	d.Submit(Event{Type: "e1"})
	d.Submit(Event{Type: "e2"})
	d.Stop()

	batches := target.snapshot()
	require.Len(t, batches, 2)
	assert.Equal(t, []string{"e2"}, itemTypes(batches[1]))

	d.Stop()
	assert.Len(t, target.snapshot(), 2)
}

func TestDebouncer_ZeroWindowSendsEveryEvent(t *testing.T) {
	target := &recordingTarget{}
	d := NewDebouncer(target, 0)

	for i := 0; i < 3; i++ {
		d.Submit(Event{Type: "e"})
	}
	assert.Len(t, target.snapshot(), 3)
}

// gatedTarget blocks inside Broadcast until release is closed.
type gatedTarget struct {
	recordingTarget
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedTarget) Broadcast(key string, v any) int {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return g.recordingTarget.Broadcast(key, v)
}

func TestDebouncer_SubmitNotHeldBySlowBroadcast(t *testing.T) {
	target := &gatedTarget{entered: make(chan struct{}), release: make(chan struct{})}
	d := NewDebouncer(target, time.Hour, WithTrailingFlush(false))

	go d.Submit(Event{Type: "e1"})
	<-target.entered

	returned := make(chan struct{})
	go func() {
		d.Submit(Event{Type: "e2"})
		close(returned)
	}()

	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("Submit waited on an in-flight broadcast")
	}
	assert.Equal(t, 1, d.Pending())

	close(target.release)
	require.Eventually(t, func() bool { return len(target.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"e1"}, itemTypes(target.snapshot()[0]))
}
