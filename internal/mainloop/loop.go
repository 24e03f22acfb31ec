// Package mainloop provides the single owner goroutine that drives capture cadence and
// marker mutation, and the dispatcher used by background work to get back onto it.
package mainloop

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Dispatcher runs fn on the owner goroutine.
type Dispatcher interface {
	Post(fn func())
}

// Loop is a run queue plus a fixed-rate tick, both executed on the goroutine that calls Run.
type Loop struct {
	queue    chan func()
	clock    clock.Clock
	done     chan struct{}
	doneOnce sync.Once
}

func New(clk clock.Clock, queueSize int) *Loop {
	if clk == nil {
		clk = clock.New()
	}
	if queueSize < 1 {
		queueSize = 1
	}
	return &Loop{
		queue: make(chan func(), queueSize),
		clock: clk,
		done:  make(chan struct{}),
	}
}

// Post enqueues fn. It blocks while the queue is full and drops fn once Run has returned.
func (l *Loop) Post(fn func()) {
	if fn == nil {
		return
	}
	select {
	case l.queue <- fn:
	case <-l.done:
	}
}

// Run executes posted work and calls tick with the elapsed time every interval until ctx is done.
func (l *Loop) Run(ctx context.Context, interval time.Duration, tick func(dt time.Duration)) {
	if interval <= 0 {
		interval = time.Second / 30
	}
	ticker := l.clock.Ticker(interval)
	defer ticker.Stop()
	last := l.clock.Now()

	for {
		select {
		case <-ctx.Done():
			l.drain()
			l.doneOnce.Do(func() { close(l.done) })
			return
		case fn := <-l.queue:
			fn()
		case now := <-ticker.C:
			dt := now.Sub(last)
			last = now
			if tick != nil {
				tick(dt)
			}
		}
	}
}

func (l *Loop) drain() {
	for {
		select {
		case fn := <-l.queue:
			fn()
		default:
			return
		}
	}
}

// Inline runs posted work immediately on the posting goroutine, one call at a time.
// Posting from inside a posted function deadlocks.
type Inline struct {
	mu sync.Mutex
}

func (i *Inline) Post(fn func()) {
	if fn == nil {
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	fn()
}
