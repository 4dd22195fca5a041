package peers

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrSuperseded is the result of a download task that was replaced
	// by a newer download or replay before it finished.
	ErrSuperseded = errors.New("task superseded by a newer request")

	// ErrCancelled is the result of a task cancelled by its owner.
	ErrCancelled = errors.New("task cancelled")

	// ErrStopped is the result of a task that was running when the
	// coordinator shut down.
	ErrStopped = errors.New("peer coordinator stopped")
)

// Task is a handle on background work started by the coordinator. The
// starting call returns immediately and completion is reported through Done
// and Err.
type Task struct {
	name string

	done chan struct{}

	mu  sync.Mutex
	err error

	cancel context.CancelCauseFunc
}

// newTask creates a task whose work runs under a context derived from
// parent. The returned context must be passed to the work.
func newTask(parent context.Context, name string) (*Task, context.Context) {
	ctx, cancel := context.WithCancelCause(parent)

	return &Task{
		name:   name,
		done:   make(chan struct{}),
		cancel: cancel,
	}, ctx
}

// finishedTask returns a task that has already completed with err.
func finishedTask(name string, err error) *Task {
	t := &Task{
		name:   name,
		done:   make(chan struct{}),
		cancel: func(error) {},
	}
	t.finish(err)

	return t
}

// Name returns a short description of the work.
func (t *Task) Name() string {
	return t.name
}

// Done returns a channel that is closed once the task has finished.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Err returns the result of the task. It is nil while the task is running
// and after a successful completion.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.err
}

// Wait blocks until the task finishes or ctx expires.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Err()

	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel asks the task to stop. The task finishes with ErrCancelled unless it
// completed first.
func (t *Task) Cancel() {
	t.cancel(ErrCancelled)
}

// supersede stops the task because newer work replaces it.
func (t *Task) supersede() {
	t.cancel(ErrSuperseded)
}

// finish records the result and wakes up waiters. Only the first call has an
// effect.
func (t *Task) finish(err error) {
	t.mu.Lock()
	select {
	case <-t.done:
		t.mu.Unlock()
		return
	default:
	}

	t.err = err
	close(t.done)
	t.mu.Unlock()

	t.cancel(nil)
}

// causeOf maps the cancellation of a task context to the task result.
func causeOf(ctx context.Context) error {
	cause := context.Cause(ctx)
	if cause == nil || errors.Is(cause, context.Canceled) {
		return ErrStopped
	}

	return cause
}
