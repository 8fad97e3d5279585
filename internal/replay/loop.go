package replay

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-replay/internal/timeouts"
)

// Loop is the single goroutine a session runs on. Posted functions run in
// order; posting never blocks, so code already on the loop may post too.
type Loop struct {
	logger *zap.Logger

	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

// NewLoop creates a loop. Nothing runs until Run is called.
func NewLoop(logger *zap.Logger) *Loop {
	return &Loop{
		logger: logger.Named("loop"),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Post queues f. It returns false once the loop has shut down.
func (l *Loop) Post(f func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, f)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Run executes posted functions until ctx is cancelled. Functions still
// queued at that point are dropped.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			l.mu.Lock()
			l.closed = true
			l.queue = nil
			l.mu.Unlock()
			return ctx.Err()
		case <-l.wake:
		}
		for {
			f := l.pop()
			if f == nil {
				break
			}
			l.run(f)
		}
	}
}

// Done is closed when Run returns.
func (l *Loop) Done() <-chan struct{} { return l.done }

func (l *Loop) pop() func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil
	}
	f := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return f
}

func (l *Loop) run(f func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Recovered from panic on the session loop.", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	f()
}

// Clock wraps base so that callbacks run on the loop.
func (l *Loop) Clock(base timeouts.Clock) timeouts.Clock {
	return loopClock{loop: l, base: base}
}

type loopClock struct {
	loop *Loop
	base timeouts.Clock
}

func (c loopClock) Now() time.Time { return c.base.Now() }

func (c loopClock) AfterFunc(d time.Duration, f func()) timeouts.Stopper {
	return c.base.AfterFunc(d, func() { c.loop.Post(f) })
}
