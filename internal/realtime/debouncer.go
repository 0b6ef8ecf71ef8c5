package realtime

import (
	"sync"
	"time"
)

// BatchType tags messages produced by a Debouncer flush.
const BatchType = "alerts.batch"

type broadcaster interface {
	Broadcast(key string, v any) int
}

// Debouncer coalesces events that arrive within window of the previous flush.
//
// The first event after a quiet period is sent at once. Events arriving
// inside the window are held; the next event past the window flushes them
// together with itself. When trailing is enabled a timer also flushes held
// events once the window closes, so a burst never stays buffered.
//
// Items in a batch are in submission order.
type Debouncer struct {
	target   broadcaster
	window   time.Duration
	trailing bool
	now      func() time.Time

	mu      sync.Mutex
	last    time.Time
	pending []Event
	timer   *time.Timer
	stopped bool

	// sendMu is taken before mu is released so batches leave in order
	// without holding mu across Broadcast.
	sendMu sync.Mutex
}

type DebouncerOption func(*Debouncer)

// WithTrailingFlush toggles the timer-driven flush of held events.
func WithTrailingFlush(enabled bool) DebouncerOption {
	return func(d *Debouncer) { d.trailing = enabled }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) DebouncerOption {
	return func(d *Debouncer) { d.now = now }
}

func NewDebouncer(target broadcaster, window time.Duration, opts ...DebouncerOption) *Debouncer {
	d := &Debouncer{
		target: target,
		window: window,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Submit sends ev now or holds it for the next flush.
func (d *Debouncer) Submit(ev Event) {
	d.mu.Lock()
	now := d.now()
	d.pending = append(d.pending, ev)
	if !d.last.IsZero() && now.Sub(d.last) < d.window {
		d.armLocked(d.window - now.Sub(d.last))
		d.mu.Unlock()
		return
	}
	d.flushAndUnlock(now)
}

// Pending returns the number of held events.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Stop cancels the trailing timer and flushes anything still held.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	if len(d.pending) == 0 {
		d.mu.Unlock()
		return
	}
	d.flushAndUnlock(d.now())
}

func (d *Debouncer) armLocked(after time.Duration) {
	if !d.trailing || d.stopped || d.timer != nil {
		return
	}
	d.timer = time.AfterFunc(after, d.onTimer)
}

func (d *Debouncer) onTimer() {
	d.mu.Lock()
	d.timer = nil
	if d.stopped || len(d.pending) == 0 {
		d.mu.Unlock()
		return
	}
	d.flushAndUnlock(d.now())
}

// flushAndUnlock takes the held events and releases mu before broadcasting.
// Callers must hold mu.
func (d *Debouncer) flushAndUnlock(now time.Time) {
	items := d.pending
	d.pending = nil
	d.last = now
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}

	d.sendMu.Lock()
	d.mu.Unlock()
	defer d.sendMu.Unlock()
	d.target.Broadcast("", Batch{Type: BatchType, Items: items})
}
