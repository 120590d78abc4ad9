package ocsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrRunnerClosed is returned for tasks submitted after the runner stopped.
var ErrRunnerClosed = errors.New("ocsync: runner closed")

// DefaultRunnerQueueSize bounds the number of tasks waiting on a runner.
const DefaultRunnerQueueSize = 128

// Runner executes tasks one at a time on a dedicated goroutine. Each open
// cache instance owns one runner, so all of its database work is
// serialized in-process and callers on any goroutine can submit work
// without sharing state beyond the queue itself.
type Runner struct {
	name   string
	queue  chan *task
	wg     sync.WaitGroup
	ctx    context.Context
	cancel func()
	logger *slog.Logger

	once sync.Once
}

type task struct {
	fn   func(ctx context.Context) error
	done chan error
}

// NewRunner returns a started runner.
func NewRunner(name string) *Runner {
	r := &Runner{
		name:   name,
		queue:  make(chan *task, DefaultRunnerQueueSize),
		logger: slog.Default().With("runner", name),
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())

	r.wg.Add(1)
	go func() { defer r.wg.Done(); r.loop() }()
	return r
}

func (r *Runner) loop() {
	for {
		select {
		case <-r.ctx.Done():
			// Drain remaining tasks so no submitter hangs.
			for {
				select {
				case t := <-r.queue:
					t.done <- ErrRunnerClosed
				default:
					return
				}
			}
		case t := <-r.queue:
			// Tasks are never canceled mid-flight; a transaction always
			// runs to commit or rollback once started.
			t.done <- t.fn(context.WithoutCancel(r.ctx))
		}
	}
}

// Do submits fn and waits for its completion. The submitting context only
// bounds the wait; once started, a task always runs to completion.
func (r *Runner) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	t := &task{fn: fn, done: make(chan error, 1)}

	select {
	case <-r.ctx.Done():
		return ErrRunnerClosed
	case <-ctx.Done():
		return ctx.Err()
	case r.queue <- t:
	}

	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		// The task still runs; deliver its result to the log instead.
		go func() {
			if err := <-t.done; err != nil {
				r.logger.Error("abandoned task failed", "error", err)
			}
		}()
		return ctx.Err()
	}
}

// Async submits fn without waiting; completion is reported through cb,
// which may be nil.
func (r *Runner) Async(fn func(ctx context.Context) error, cb func(err error)) {
	t := &task{fn: fn, done: make(chan error, 1)}

	select {
	case <-r.ctx.Done():
		if cb != nil {
			cb(ErrRunnerClosed)
		}
		return
	case r.queue <- t:
	}

	go func() {
		err := <-t.done
		if cb != nil {
			cb(err)
		}
	}()
}

// Close stops the runner after the in-flight task finishes. Queued tasks
// fail with ErrRunnerClosed.
func (r *Runner) Close() error {
	r.once.Do(func() {
		r.cancel()
		r.wg.Wait()

		// A submitter can win the enqueue race against the loop's
		// shutdown drain; fail anything that slipped in after it.
		for {
			select {
			case t := <-r.queue:
				t.done <- ErrRunnerClosed
			default:
				return
			}
		}
	})
	return nil
}

// String implements fmt.Stringer.
func (r *Runner) String() string { return fmt.Sprintf("runner(%s)", r.name) }
