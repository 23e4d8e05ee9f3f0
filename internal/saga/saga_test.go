package saga

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/lumenfeed/market_layer/internal/logging"
)

// recorder tracks do/undo invocations across goroutines.
type recorder struct {
	mu    sync.Mutex
	done  []string
	undos []string
}

func (r *recorder) step(name string, doErr error) Step {
	return Step{
		Name: name,
		Do: func(context.Context) error {
			if doErr != nil {
				return doErr
			}
			r.mu.Lock()
			r.done = append(r.done, name)
			r.mu.Unlock()
			return nil
		},
		Undo: func(context.Context) error {
			r.mu.Lock()
			r.undos = append(r.undos, name)
			r.mu.Unlock()
			return nil
		},
	}
}

func TestRun_HappyPath(t *testing.T) {
	rec := &recorder{}
	r := New(logging.NewNop())

	err := r.Run(context.Background(), "create", []Step{
		rec.step("a", nil), rec.step("b", nil), rec.step("c", nil),
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(rec.done) != 3 || len(rec.undos) != 0 {
		t.Fatalf("unexpected execution: done=%v undos=%v", rec.done, rec.undos)
	}
}

func TestRun_UndoesReverseOrder(t *testing.T) {
	rec := &recorder{}
	r := New(logging.NewNop())

	boom := errors.New("boom")
	err := r.Run(context.Background(), "create", []Step{
		rec.step("a", nil), rec.step("b", nil), rec.step("c", boom),
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if len(rec.undos) != 3 || rec.undos[0] != "c" || rec.undos[1] != "b" || rec.undos[2] != "a" {
		t.Fatalf("expected reverse-order undo [c b a], got %v", rec.undos)
	}
}

func TestRun_FailedStepPartialWorkUndone(t *testing.T) {
	r := New(logging.NewNop())

	// A step that writes two of five records before failing must get the
	// chance to remove them.
	written := []string{}
	err := r.Run(context.Background(), "create", []Step{
		{
			Name: "codes",
			Do: func(context.Context) error {
				written = append(written, "code-1", "code-2")
				return errors.New("backend down")
			},
			Undo: func(context.Context) error {
				written = nil
				return nil
			},
		},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if len(written) != 0 {
		t.Fatalf("partial work not undone: %v", written)
	}
}

func TestRunParallel_AllCommit(t *testing.T) {
	rec := &recorder{}
	r := New(logging.NewNop())

	err := r.RunParallel(context.Background(), "buy", []Step{
		rec.step("debit", nil), rec.step("credit", nil), rec.step("stock", nil),
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(rec.done) != 3 || len(rec.undos) != 0 {
		t.Fatalf("unexpected execution: done=%v undos=%v", rec.done, rec.undos)
	}
}

func TestRunParallel_CompensatesOnlyCompleted(t *testing.T) {
	rec := &recorder{}
	r := New(logging.NewNop())

	boom := errors.New("boom")
	err := r.RunParallel(context.Background(), "buy", []Step{
		rec.step("debit", nil),
		rec.step("credit", boom),
		rec.step("stock", nil),
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.undos) != 2 {
		t.Fatalf("expected 2 compensations, got %v", rec.undos)
	}
	for _, u := range rec.undos {
		if u == "credit" {
			t.Fatal("failed step must not be compensated")
		}
	}
}

func TestRunParallel_CompensationFailuresReportedNotRetried(t *testing.T) {
	r := New(logging.NewNop())

	var reported []string
	r.OnCompensationFailure = func(step string, err error) {
		reported = append(reported, step)
	}

	undoCalls := 0
	var mu sync.Mutex
	steps := []Step{
		{
			Name: "ok",
			Do:   func(context.Context) error { return nil },
			Undo: func(context.Context) error {
				mu.Lock()
				undoCalls++
				mu.Unlock()
				return errors.New("undo failed")
			},
		},
		{
			Name: "bad",
			Do:   func(context.Context) error { return errors.New("do failed") },
			Undo: func(context.Context) error { return nil },
		},
	}

	if err := r.RunParallel(context.Background(), "buy", steps); err == nil {
		t.Fatal("expected saga failure")
	}
	if undoCalls != 1 {
		t.Fatalf("compensation must not be retried: %d calls", undoCalls)
	}
	if len(reported) != 1 || reported[0] != "ok" {
		t.Fatalf("unexpected reports: %v", reported)
	}
}

func TestRunParallel_UndoRunsAfterCallerCancelled(t *testing.T) {
	r := New(logging.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	undone := false
	steps := []Step{
		{
			Name: "ok",
			Do:   func(context.Context) error { return nil },
			Undo: func(ctx context.Context) error {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				undone = true
				return nil
			},
		},
		{
			Name: "bad",
			Do: func(context.Context) error {
				cancel()
				return errors.New("do failed")
			},
		},
	}

	if err := r.RunParallel(ctx, "buy", steps); err == nil {
		t.Fatal("expected saga failure")
	}
	if !undone {
		t.Fatal("compensation must run on a detached context")
	}
}

func TestRun_NilUndoSkipped(t *testing.T) {
	r := New(logging.NewNop())

	err := r.Run(context.Background(), "create", []Step{
		{Name: "a", Do: func(context.Context) error { return nil }},
		{Name: "b", Do: func(context.Context) error { return errors.New("boom") }},
	})
	if err == nil {
		t.Fatal("expected error")
	}
}
