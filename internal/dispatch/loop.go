// Package dispatch serializes every mutation of role state onto one goroutine and routes
// inbound native events to the role they belong to.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/srg/quickble/internal/gatt"
	"github.com/srg/quickble/internal/groutine"
)

// ErrClosed is returned by Do once the loop has shut down.
var ErrClosed = &gatt.Error{Kind: gatt.InvalidState, Msg: "dispatch loop closed"}

// Loop is the single serialized execution context owning all role state.
//
// The queue is unbounded: native stacks post from their own goroutines and must never
// block behind a slow host callback.
type Loop struct {
	name   string
	logger *logrus.Logger

	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}

	gid       atomic.Uint64
	processed atomic.Uint64
}

// NewLoop starts the loop goroutine. The loop stops when ctx is canceled or Close is called.
func NewLoop(ctx context.Context, name string, logger *logrus.Logger) *Loop {
	if logger == nil {
		logger = logrus.New()
	}
	if ctx == nil {
		ctx = context.Background()
	}
	l := &Loop{
		name:   name,
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	started := make(chan struct{})
	groutine.Go(ctx, name, func(ctx context.Context) {
		l.gid.Store(groutine.GetGID())
		close(started)
		l.run(ctx)
	})
	<-started
	return l
}

// OnLoop reports whether the caller is running on the loop goroutine.
func (l *Loop) OnLoop() bool {
	return groutine.GetGID() == l.gid.Load()
}

// Post enqueues fn without waiting. It returns false if the loop is closed.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Do runs fn on the loop and waits for it to return. Calls made from the loop goroutine
// (for example from a host callback) run inline. A panic in fn is re-raised in the caller.
func (l *Loop) Do(fn func()) error {
	if l.OnLoop() {
		fn()
		return nil
	}

	finished := make(chan struct{})
	var recovered interface{}
	ok := l.Post(func() {
		defer close(finished)
		defer func() { recovered = recover() }()
		fn()
	})
	if !ok {
		return ErrClosed
	}

	select {
	case <-finished:
	case <-l.done:
		// the loop may have drained fn right before exiting
		select {
		case <-finished:
		default:
			return ErrClosed
		}
	}
	if recovered != nil {
		panic(recovered)
	}
	return nil
}

// Close stops accepting work, drains what is queued and waits for the loop to exit.
func (l *Loop) Close() {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
	}
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	if !l.OnLoop() {
		<-l.done
	}
}

// Done is closed when the loop goroutine exits.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Processed returns the number of executed tasks.
func (l *Loop) Processed() uint64 { return l.processed.Load() }

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)
	l.logger.WithField("loop", l.name).Debug("Dispatch loop started")

	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		closed := l.closed
		l.mu.Unlock()

		for _, fn := range batch {
			l.exec(fn)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			l.logger.WithField("loop", l.name).Debug("Dispatch loop stopped")
			return
		}

		select {
		case <-l.wake:
		case <-ctx.Done():
			l.mu.Lock()
			l.closed = true
			l.mu.Unlock()
		}
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.WithFields(logrus.Fields{
				"loop":  l.name,
				"panic": fmt.Sprint(r),
			}).Error("Dispatch task panicked")
		}
	}()
	fn()
	l.processed.Add(1)
}
