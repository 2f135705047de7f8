// Package task runs blocking hardware operations as concurrent tasks and
// joins them.
//
// A Task is a future: it is started with Go, completes exactly once, and any
// number of goroutines may Wait for it.
package task

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
)

// Func is one suspendable operation.
type Func func(ctx context.Context) error

// Task is a handle to an operation running in its own goroutine.
type Task struct {
	name string
	done chan struct{}
	err  error
}

// Go starts fn in a new goroutine and returns its handle.
// A panic in fn is not recovered.
func Go(ctx context.Context, name string, fn Func) *Task {
	t := &Task{name: name, done: make(chan struct{})}
	go func() {
		defer close(t.done)
		if err := fn(ctx); err != nil {
			t.err = fmt.Errorf("%s: %w", name, err)
		}
	}()
	return t
}

// Name returns the name given to Go.
func (t *Task) Name() string {
	return t.name
}

// Done is closed when the task has finished.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Err returns the task result. It is only meaningful after Done is closed.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait blocks until the task finished and returns its error, or returns
// ctx.Err() if ctx ends first. The task itself keeps running in that case.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// JoinAll waits for every task to finish and combines their errors.
// It never returns early: a failed task does not stop the others.
func JoinAll(tasks ...*Task) error {
	var err error
	for _, t := range tasks {
		<-t.done
		err = multierr.Append(err, t.err)
	}
	return err
}

// Run starts every fn concurrently and joins them.
func Run(ctx context.Context, fns map[string]Func) error {
	tasks := make([]*Task, 0, len(fns))
	for name, fn := range fns {
		tasks = append(tasks, Go(ctx, name, fn))
	}
	return JoinAll(tasks...)
}
