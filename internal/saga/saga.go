// Package saga executes multi-document business transactions as explicit
// step lists with compensating rollback. Sequential runs compensate the
// failing step as well as the completed ones, so a sequential step's Undo
// must tolerate a partially applied Do. Parallel steps must be atomic: a
// failed parallel Do is taken to have applied nothing and is not undone.
package saga

import (
	"context"
	"fmt"
	"sync"

	"github.com/lumenfeed/market_layer/internal/logging"
)

// Step is one forward action with its compensating inverse. Undo may be nil
// for steps with nothing to compensate.
type Step struct {
	Name string
	Do   func(ctx context.Context) error
	Undo func(ctx context.Context) error
}

// Runner executes step lists. Compensation failures are logged and reported
// through OnCompensationFailure; they are never retried and never block
// other compensations.
type Runner struct {
	Log                   *logging.Logger
	OnCompensationFailure func(step string, err error)
}

// New creates a runner.
func New(log *logging.Logger) *Runner {
	if log == nil {
		log = logging.NewNop()
	}
	return &Runner{Log: log}
}

// Run executes steps strictly in order. On the first failure it undoes the
// failing step and then all previously completed steps, in reverse order,
// and returns the failure. The failing step may have applied part of its
// work before erroring, so its Undo must tolerate partial application.
func (r *Runner) Run(ctx context.Context, name string, steps []Step) error {
	var completed []Step
	for _, step := range steps {
		if err := step.Do(ctx); err != nil {
			r.compensateReverse(ctx, name, append(completed, step))
			return fmt.Errorf("saga %s step %s: %w", name, step.Name, err)
		}
		completed = append(completed, step)
	}
	return nil
}

// RunParallel fans out all steps concurrently and waits for every one. If
// any step fails, the steps that did complete are compensated concurrently,
// best-effort, and the first failure is returned. Compensation runs even if
// the caller's context has since been cancelled: once mutation begins the
// saga runs to completion.
func (r *Runner) RunParallel(ctx context.Context, name string, steps []Step) error {
	errs := make([]error, len(steps))
	var wg sync.WaitGroup
	wg.Add(len(steps))
	for i := range steps {
		go func(i int) {
			defer wg.Done()
			errs[i] = steps[i].Do(ctx)
		}(i)
	}
	wg.Wait()

	var firstErr error
	var failedStep string
	var completed []Step
	for i, err := range errs {
		if err == nil {
			completed = append(completed, steps[i])
			continue
		}
		if firstErr == nil {
			firstErr = err
			failedStep = steps[i].Name
		}
	}
	if firstErr == nil {
		return nil
	}

	r.compensateParallel(ctx, name, completed)
	return fmt.Errorf("saga %s step %s: %w", name, failedStep, firstErr)
}

func (r *Runner) compensateReverse(ctx context.Context, name string, completed []Step) {
	undoCtx := context.WithoutCancel(ctx)
	for i := len(completed) - 1; i >= 0; i-- {
		r.undoOne(undoCtx, name, completed[i])
	}
}

func (r *Runner) compensateParallel(ctx context.Context, name string, completed []Step) {
	undoCtx := context.WithoutCancel(ctx)
	var wg sync.WaitGroup
	for _, step := range completed {
		if step.Undo == nil {
			continue
		}
		wg.Add(1)
		go func(step Step) {
			defer wg.Done()
			r.undoOne(undoCtx, name, step)
		}(step)
	}
	wg.Wait()
}

func (r *Runner) undoOne(ctx context.Context, name string, step Step) {
	if step.Undo == nil {
		return
	}
	if err := step.Undo(ctx); err != nil {
		// A failed compensation leaves inconsistent state that must be
		// reconciled out of band. Record it and keep going.
		r.Log.WithError(err).
			WithField("saga", name).
			WithField("step", step.Name).
			Error("compensation failed")
		if r.OnCompensationFailure != nil {
			r.OnCompensationFailure(step.Name, err)
		}
	}
}
