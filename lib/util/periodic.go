package util

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// PeriodicTask runs fn every interval until stopped. Ticks that arrive while
// fn is still running are dropped by the ticker, so iterations never overlap.
type PeriodicTask struct {
	name     string
	interval time.Duration
	clock    clock.Clock
	fn       func(ctx context.Context)

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	stopped bool
}

// NewPeriodicTask creates a stopped task. A nil clock uses the wall clock.
func NewPeriodicTask(name string, interval time.Duration, clk clock.Clock, fn func(ctx context.Context)) *PeriodicTask {
	if clk == nil {
		clk = clock.New()
	}
	return &PeriodicTask{
		name:     name,
		interval: interval,
		clock:    clk,
		fn:       fn,
	}
}

// Name returns the name given at construction
func (p *PeriodicTask) Name() string {
	return p.name
}

// Start launches the loop. Calling Start on a running or stopped task is a no-op.
func (p *PeriodicTask) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	ticker := p.clock.Ticker(p.interval)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.fn(ctx)
			}
		}
	}()
}

// Stop cancels the loop and waits for the current iteration to return.
// It is safe to call Stop more than once.
func (p *PeriodicTask) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}
