// Package async runs best-effort side effects off the caller's path.
package async

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kiranshivaraju/minewatch/internal/metrics"
	"golang.org/x/sync/errgroup"
)

// Effect is a best-effort unit of work. Its error is logged, never returned.
type Effect func(ctx context.Context) error

// Pool runs effects with bounded concurrency. When every slot is busy the
// effect is dropped rather than queued, so a slow downstream cannot build
// unbounded backlog.
type Pool struct {
	g       errgroup.Group
	timeout time.Duration
	metrics *metrics.Metrics

	mu     sync.RWMutex
	closed bool
}

func NewPool(workers int, timeout time.Duration, m *metrics.Metrics) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{timeout: timeout, metrics: m}
	p.g.SetLimit(workers)
	return p
}

// Go schedules fn under name. It reports whether fn was accepted.
func (p *Pool) Go(name string, attrs []any, fn Effect) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		slog.Warn("effect dropped: pool closed", append([]any{"effect", name}, attrs...)...)
		p.metrics.EffectDropped(name)
		return false
	}

	accepted := p.g.TryGo(func() error {
		p.run(name, attrs, fn)
		return nil
	})
	if !accepted {
		slog.Warn("effect dropped: pool saturated", append([]any{"effect", name}, attrs...)...)
		p.metrics.EffectDropped(name)
	}
	return accepted
}

func (p *Pool) run(name string, attrs []any, fn Effect) {
	ctx := context.Background()
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return fn(ctx)
	}()
	if err != nil {
		slog.Warn("effect failed", append([]any{"effect", name, "error", err}, attrs...)...)
	}
}

// Close stops accepting effects and waits for running ones.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	_ = p.g.Wait()
}
