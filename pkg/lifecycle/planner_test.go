package lifecycle

import (
	"context"
	"errors"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openfroyo/virtsync/pkg/engine"
)

type recorder struct {
	calls []EffectorName
	fail  map[EffectorName]error
}

func (r *recorder) effectors() Effectors {
	out := make(Effectors)
	for _, name := range []EffectorName{
		EffectorCreate, EffectorDefine, EffectorUndefine, EffectorStart,
		EffectorShutdown, EffectorDestroy, EffectorPause, EffectorResume,
	} {
		out[name] = func(ctx context.Context, req Request) error {
			r.calls = append(r.calls, name)
			return r.fail[name]
		}
	}
	return out
}

func TestPlanAndRun(t *testing.T) {
	rec := &recorder{}
	op, err := NewPlanner(rec.effectors()).Plan(StateUndefined, StatePaused, Policy{Graceful: true})
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if op.ID == "" {
		t.Error("operation has no ID")
	}

	want := []EffectorName{EffectorDefine, EffectorStart, EffectorPause}
	if !reflect.DeepEqual(op.Effectors(), want) {
		t.Errorf("Effectors() = %v, want %v", op.Effectors(), want)
	}

	report, err := op.Run(context.Background(), Request{Name: "web01"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !reflect.DeepEqual(rec.calls, want) {
		t.Errorf("calls = %v, want %v", rec.calls, want)
	}
	if len(report.Completed) != 3 || report.Failed != nil {
		t.Errorf("report = %+v", report)
	}
}

func TestPlanSameState(t *testing.T) {
	op, err := NewPlanner(nil).Plan(StateRunning, StateRunning, Policy{})
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if len(op.Steps) != 0 {
		t.Errorf("Steps = %v, want none", op.Steps)
	}
	report, err := op.Run(context.Background(), Request{Name: "web01"})
	if err != nil || len(report.Completed) != 0 {
		t.Errorf("Run() = %+v, %v", report, err)
	}
}

func TestPlanErrors(t *testing.T) {
	rec := &recorder{}
	effectors := rec.effectors()
	delete(effectors, EffectorStart)
	planner := NewPlanner(effectors)

	_, err := planner.Plan(StateUndefined, StateRunning, Policy{})
	if engine.CodeOf(err) != engine.ErrCodeValidation {
		t.Errorf("unbound effector error = %v, want VALIDATION_ERROR", err)
	}

	_, err = planner.Plan(StateRunning, StateSaved, Policy{})
	if !errors.Is(err, engine.ErrUnreachable) {
		t.Errorf("saved error = %v, want UNREACHABLE", err)
	}

	_, err = planner.Plan(State("flying"), StateRunning, Policy{})
	if engine.CodeOf(err) != engine.ErrCodeValidation {
		t.Errorf("invalid state error = %v, want VALIDATION_ERROR", err)
	}

	if len(rec.calls) != 0 {
		t.Errorf("planning called effectors: %v", rec.calls)
	}
}

func TestRunStopsAtFirstFailure(t *testing.T) {
	boom := errors.New("boom")
	rec := &recorder{fail: map[EffectorName]error{EffectorStart: boom}}

	op, err := NewPlanner(rec.effectors()).Plan(StateUndefined, StatePaused, Policy{Graceful: true})
	if err != nil {
		t.Fatal(err)
	}

	report, err := op.Run(context.Background(), Request{Name: "web01"})
	if !errors.Is(err, engine.ErrEffectorFailed) {
		t.Fatalf("Run() error = %v, want EFFECTOR_FAILED", err)
	}
	if !errors.Is(err, boom) {
		t.Error("effector error is not wrapped")
	}

	if !reflect.DeepEqual(rec.calls, []EffectorName{EffectorDefine, EffectorStart}) {
		t.Errorf("calls = %v", rec.calls)
	}
	if len(report.Completed) != 1 || report.Completed[0].Effector != EffectorDefine {
		t.Errorf("Completed = %v", report.Completed)
	}
	if report.Failed == nil || report.Failed.Effector != EffectorStart {
		t.Errorf("Failed = %v", report.Failed)
	}

	var ee *engine.EngineError
	if errors.As(err, &ee) && (ee.Resource != "web01" || ee.Operation != "start") {
		t.Errorf("error context = %s/%s", ee.Resource, ee.Operation)
	}
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	effectors := Effectors{
		EffectorDefine: func(ctx context.Context, req Request) error {
			calls++
			cancel()
			return nil
		},
		EffectorStart: func(ctx context.Context, req Request) error {
			calls++
			return nil
		},
	}

	op, err := NewPlanner(effectors).Plan(StateUndefined, StateRunning, Policy{})
	if err != nil {
		t.Fatal(err)
	}
	report, err := op.Run(ctx, Request{Name: "web01"})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
	if calls != 1 || len(report.Completed) != 1 {
		t.Errorf("calls = %d, completed = %v", calls, report.Completed)
	}
}

func TestWaitFor(t *testing.T) {
	t.Run("reaches state", func(t *testing.T) {
		var polls atomic.Int32
		probe := func(ctx context.Context) (State, error) {
			if polls.Add(1) < 3 {
				return StateDefined, nil
			}
			return StateRunning, nil
		}
		if err := WaitFor(context.Background(), probe, StateRunning, time.Millisecond, time.Second); err != nil {
			t.Fatalf("WaitFor() error = %v", err)
		}
		if polls.Load() != 3 {
			t.Errorf("polls = %d, want 3", polls.Load())
		}
	})

	t.Run("times out", func(t *testing.T) {
		probe := func(ctx context.Context) (State, error) { return StateDefined, nil }
		err := WaitFor(context.Background(), probe, StateRunning, 5*time.Millisecond, 30*time.Millisecond)
		if !errors.Is(err, engine.ErrTimeout) {
			t.Fatalf("WaitFor() error = %v, want TIMEOUT", err)
		}
		if !engine.IsTransient(err) {
			t.Error("timeout should be transient")
		}
	})

	t.Run("unknown state", func(t *testing.T) {
		probe := func(ctx context.Context) (State, error) { return StateUnknown, nil }
		err := WaitFor(context.Background(), probe, StateRunning, time.Millisecond, time.Second)
		if !errors.Is(err, engine.ErrInvalidState) {
			t.Fatalf("WaitFor() error = %v, want INVALID_STATE", err)
		}
	})

	t.Run("probe error", func(t *testing.T) {
		boom := errors.New("connection lost")
		probe := func(ctx context.Context) (State, error) { return "", boom }
		if err := WaitFor(context.Background(), probe, StateRunning, time.Millisecond, time.Second); !errors.Is(err, boom) {
			t.Fatalf("WaitFor() error = %v", err)
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		probe := func(ctx context.Context) (State, error) {
			cancel()
			return StateDefined, nil
		}
		err := WaitFor(ctx, probe, StateRunning, time.Hour, time.Hour)
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("WaitFor() error = %v, want context.Canceled", err)
		}
	})
}
