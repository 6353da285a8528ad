// Package eventloop provides the single coordinating goroutine on which transfer
// signals are delivered and group admission decisions are made.
package eventloop

import (
	"context"
	"runtime/debug"
	"sync"

	"github.com/bmravec/gdman/internal/logctx"
)

// Loop runs posted callbacks one at a time, in posting order.
// Post never blocks, so workers and callbacks running on the loop itself may post freely.
type Loop struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	closed  bool
	done    chan struct{}
	running bool
}

func New() *Loop {
	l := &Loop{done: make(chan struct{})}
	l.cond = sync.NewCond(&l.mu)

	return l
}

// Post schedules fn to run on the loop goroutine. Callbacks posted after Close are dropped.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}

	l.queue = append(l.queue, fn)
	l.cond.Signal()
}

// Do posts fn and waits until it has run. It must not be called from the loop goroutine.
func (l *Loop) Do(fn func()) {
	ran := make(chan struct{})

	l.Post(func() {
		defer close(ran)
		fn()
	})

	select {
	case <-ran:
	case <-l.done:
	}
}

// Run drains the queue until ctx is cancelled or Close is called. Pending callbacks
// are run before Run returns after Close.
func (l *Loop) Run(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.mu.Unlock()

	defer close(l.done)

	stop := context.AfterFunc(ctx, l.Close)
	defer stop()

	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.closed {
			l.cond.Wait()
		}

		if len(l.queue) == 0 && l.closed {
			l.mu.Unlock()
			logger.Debug("event loop stopped")

			return
		}

		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		l.call(ctx, fn)
	}
}

// Close stops accepting callbacks; Run returns once the queue is drained.
func (l *Loop) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.closed = true
	l.cond.Broadcast()
}

// Done is closed when Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) call(ctx context.Context, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logctx.LoggerFromContext(ctx).Error("event loop callback panic",
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()

	fn()
}
