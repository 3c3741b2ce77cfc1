// Package eventloop provides the single-threaded cooperative scheduler the
// coordinator runs on. All state owned by the coordinator is touched only from
// closures executed by the loop; blocking work runs elsewhere and posts its
// completion back.
package eventloop

import (
	"context"
	"time"

	"trade-desk/internal/model"

	"go.uber.org/zap"
)

// Timer is a pending callback scheduled with AfterFunc.
type Timer interface {
	// Stop prevents the callback from running. It must be called from the loop.
	// It reports whether the callback had not yet run.
	Stop() bool
}

// Scheduler is the capability handed to components that live on the loop.
type Scheduler interface {
	// Post enqueues fn to run on the loop.
	Post(fn func())
	// AfterFunc runs fn on the loop once d has elapsed, unless stopped first.
	AfterFunc(d time.Duration, fn func()) Timer
	// Go runs blocking work off the loop. The work reports back with Post.
	Go(fn func())
}

// Loop executes posted closures one at a time on the goroutine that calls Run.
type Loop struct {
	events chan func()
	done   chan struct{}
	logger *zap.Logger
}

// New creates a loop with a queue of the given capacity.
func New(capacity int) *Loop {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Loop{
		events: make(chan func(), capacity),
		done:   make(chan struct{}),
		logger: zap.NewNop(),
	}
}

// SetLogger sets the structured logger for the loop.
func (l *Loop) SetLogger(logger *zap.Logger) {
	if logger != nil {
		l.logger = logger
	}
}

// Run processes events until ctx is cancelled. It must be called at most once.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-l.events:
			l.exec(fn)
		}
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("event_handler_panic", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	fn()
}

// Post enqueues fn. It is dropped if the loop has stopped.
func (l *Loop) Post(fn func()) {
	_ = l.post(context.Background(), fn)
}

func (l *Loop) post(ctx context.Context, fn func()) error {
	select {
	case <-l.done:
		return model.ErrLoopStopped
	default:
	}
	select {
	case l.events <- fn:
		return nil
	case <-l.done:
		return model.ErrLoopStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do runs fn on the loop and waits for it to return.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if err := l.post(ctx, func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return model.ErrLoopStopped
	}
}

// Go runs fn on a new goroutine.
func (l *Loop) Go(fn func()) {
	go fn()
}

// AfterFunc schedules fn to run on the loop after d.
func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	lt := &loopTimer{}
	lt.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if lt.stopped || lt.fired {
				return
			}
			lt.fired = true
			fn()
		})
	})
	return lt
}

// loopTimer flags are only touched on the loop, so a timer that already fired
// and queued its callback is still cancelled by Stop.
type loopTimer struct {
	t       *time.Timer
	stopped bool
	fired   bool
}

func (lt *loopTimer) Stop() bool {
	pending := !lt.stopped && !lt.fired
	lt.stopped = true
	lt.t.Stop()
	return pending
}
