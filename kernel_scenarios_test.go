package reactor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func waitIdleT(t *testing.T, k *Kernel) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := k.WaitIdle(ctx); err != nil {
		t.Fatalf("WaitIdle: %v", err)
	}
}

// TestScenarioChain covers a simple source -> computation chain.
func TestScenarioChain(t *testing.T) {
	k := newTestKernel(t)

	k.DefineSource("x", SourceDef{InitialValue: 1, HasInitialValue: true}, false)
	k.DefineComputation(ComputationDef{
		ID: "double", Inputs: []string{"x"}, Outputs: []string{"y"},
		Body: func(ctx context.Context, scope Scope) (map[string]any, error) {
			x, err := scope.Get(ctx, "x")
			if err != nil {
				return nil, err
			}
			return map[string]any{"y": x.(int) * 2}, nil
		},
	}, false)

	var got []int
	unsub, err := k.Observe("y", func(r Result) {
		if r.Kind == KindSuccess {
			got = append(got, r.Value.(int))
		}
	})
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	defer unsub()

	waitIdleT(t, k)
	if err := k.UpdateSource("x", 5); err != nil {
		t.Fatalf("UpdateSource: %v", err)
	}
	waitIdleT(t, k)

	if len(got) == 0 || got[len(got)-1] != 10 {
		t.Fatalf("observed values = %v, want last value 10", got)
	}
}

// TestScenarioDiamond checks glitch freedom: a diamond dependency must
// deliver exactly one recomputation of the join node per upstream write.
func TestScenarioDiamond(t *testing.T) {
	k := newTestKernel(t)

	k.DefineSource("a", SourceDef{InitialValue: 1, HasInitialValue: true}, false)
	k.DefineComputation(ComputationDef{
		ID: "b", Inputs: []string{"a"}, Outputs: []string{"b"},
		Body: func(ctx context.Context, scope Scope) (map[string]any, error) {
			a, err := scope.Get(ctx, "a")
			if err != nil {
				return nil, err
			}
			return map[string]any{"b": a.(int) + 1}, nil
		},
	}, false)
	k.DefineComputation(ComputationDef{
		ID: "c", Inputs: []string{"a"}, Outputs: []string{"c"},
		Body: func(ctx context.Context, scope Scope) (map[string]any, error) {
			a, err := scope.Get(ctx, "a")
			if err != nil {
				return nil, err
			}
			return map[string]any{"c": a.(int) * 10}, nil
		},
	}, false)

	var runs atomic.Int64
	var results []int
	k.DefineComputation(ComputationDef{
		ID: "d", Inputs: []string{"b", "c"}, Outputs: []string{"d"},
		Body: func(ctx context.Context, scope Scope) (map[string]any, error) {
			runs.Add(1)
			b, err := scope.Get(ctx, "b")
			if err != nil {
				return nil, err
			}
			c, err := scope.Get(ctx, "c")
			if err != nil {
				return nil, err
			}
			return map[string]any{"d": b.(int) + c.(int)}, nil
		},
	}, false)

	unsub, err := k.Observe("d", func(r Result) {
		if r.Kind == KindSuccess {
			results = append(results, r.Value.(int))
		}
	})
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	defer unsub()

	waitIdleT(t, k)
	before := runs.Load()

	if err := k.UpdateSource("a", 5); err != nil {
		t.Fatalf("UpdateSource: %v", err)
	}
	waitIdleT(t, k)

	ran := runs.Load() - before
	if ran != 1 {
		t.Fatalf("d recomputed %d time(s) for one perturbation, want exactly 1 (glitch)", ran)
	}
	if len(results) == 0 || results[len(results)-1] != 56 {
		t.Fatalf("final d = %v, want last value 56 (b=6, c=50)", results)
	}
}

// TestScenarioAggressiveCancel checks that a superseded in-flight task is
// cancelled via its context rather than left to complete and commit stale
// output.
func TestScenarioAggressiveCancel(t *testing.T) {
	k := newTestKernel(t)

	started := make(chan struct{}, 4)
	release := make(chan struct{})
	var sawCancel atomic.Bool

	k.DefineSource("x", SourceDef{InitialValue: 1, HasInitialValue: true}, false)
	k.DefineComputation(ComputationDef{
		ID: "slow", Inputs: []string{"x"}, Outputs: []string{"y"},
		Body: func(ctx context.Context, scope Scope) (map[string]any, error) {
			x, err := scope.Get(ctx, "x")
			if err != nil {
				return nil, err
			}
			started <- struct{}{}
			select {
			case <-ctx.Done():
				sawCancel.Store(true)
				return nil, ctx.Err()
			case <-release:
				return map[string]any{"y": x}, nil
			}
		},
	}, false)

	_, err := k.Observe("y", func(Result) {})
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first task never started")
	}

	if err := k.UpdateSource("x", 2); err != nil {
		t.Fatalf("UpdateSource: %v", err)
	}

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("second task never started")
	}
	close(release)
	waitIdleT(t, k)

	if !sawCancel.Load() {
		t.Fatal("superseded task was never cancelled via its context")
	}

	res, err := k.Peek("y")
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if res.Result.Kind != KindSuccess || res.Result.Value != 2 {
		t.Fatalf("y = %+v, want Success(2) from the surviving run", res.Result)
	}
}

// TestScenarioProblemRecovery checks that a computation quarantined for a
// missing input recovers automatically once the input is defined.
func TestScenarioProblemRecovery(t *testing.T) {
	k := newTestKernel(t)

	status := k.DefineComputation(ComputationDef{
		ID: "needs-a", Inputs: []string{"a"}, Outputs: []string{"b"},
		Body: func(ctx context.Context, scope Scope) (map[string]any, error) {
			a, err := scope.Get(ctx, "a")
			if err != nil {
				return nil, err
			}
			return map[string]any{"b": a.(int) + 1}, nil
		},
	}, false)
	if status.Healthy {
		t.Fatal("expected quarantine before \"a\" exists")
	}

	var delivered []Result
	unsub, err := k.Observe("b", func(r Result) { delivered = append(delivered, r) })
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	defer unsub()

	if delivered[0].Kind != KindFatal {
		t.Fatalf("first delivered result = %+v, want Fatal", delivered[0])
	}

	k.DefineSource("a", SourceDef{InitialValue: 9, HasInitialValue: true}, false)
	waitIdleT(t, k)

	last := delivered[len(delivered)-1]
	if last.Kind != KindSuccess || last.Value != 10 {
		t.Fatalf("final delivered result = %+v, want Success(10)", last)
	}

	if got := k.GetGraphHealth(); got.Problematic != 0 {
		t.Fatalf("Problematic = %d, want 0 after recovery", got.Problematic)
	}
}

// TestScenarioFirstWinDuplicate checks first-win promotion: of two
// computations declaring the same output, only the first keeps it; the
// second recovers into it once the first is removed.
func TestScenarioFirstWinDuplicate(t *testing.T) {
	k := newTestKernel(t)

	first := k.DefineComputation(ComputationDef{
		ID: "first", Outputs: []string{"shared"},
		Body: func(ctx context.Context, scope Scope) (map[string]any, error) {
			return map[string]any{"shared": "first"}, nil
		},
	}, false)
	if !first.Healthy {
		t.Fatalf("first definition should own \"shared\": %+v", first.Problem)
	}

	second := k.DefineComputation(ComputationDef{
		ID: "second", Outputs: []string{"shared"},
		Body: func(ctx context.Context, scope Scope) (map[string]any, error) {
			return map[string]any{"shared": "second"}, nil
		},
	}, false)
	if second.Healthy {
		t.Fatal("second definition should be quarantined as a duplicate output")
	}
	if second.Problem.Reason != ReasonDuplicateOutput {
		t.Fatalf("reason = %v, want ReasonDuplicateOutput", second.Problem.Reason)
	}

	var got []string
	unsub, err := k.Observe("shared", func(r Result) {
		if r.Kind == KindSuccess {
			got = append(got, r.Value.(string))
		}
	})
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	defer unsub()
	waitIdleT(t, k)

	if len(got) == 0 || got[len(got)-1] != "first" {
		t.Fatalf("shared = %v, want \"first\" to win", got)
	}

	k.RemoveComputation("first")
	waitIdleT(t, k)

	if len(got) == 0 || got[len(got)-1] != "second" {
		t.Fatalf("shared after removing \"first\" = %v, want \"second\" to take over", got)
	}
}

// TestScenarioCycleBreak checks that a self-introduced cycle quarantines
// both participants and recovers once the cycle is broken by redefinition.
func TestScenarioCycleBreak(t *testing.T) {
	k := newTestKernel(t)

	k.DefineComputation(ComputationDef{
		ID: "p", Inputs: []string{"q-out"}, Outputs: []string{"p-out"},
		Body: func(ctx context.Context, scope Scope) (map[string]any, error) { return nil, nil },
	}, false)
	status := k.DefineComputation(ComputationDef{
		ID: "q", Inputs: []string{"p-out"}, Outputs: []string{"q-out"},
		Body: func(ctx context.Context, scope Scope) (map[string]any, error) { return nil, nil },
	}, false)
	if status.Healthy {
		t.Fatal("expected cycle quarantine for q")
	}
	if status.Problem.Reason != ReasonCircularDependency {
		t.Fatalf("reason = %v, want ReasonCircularDependency", status.Problem.Reason)
	}

	// Break the cycle: redefine q with no inputs at all.
	redef := k.DefineComputation(ComputationDef{
		ID: "q", Inputs: nil, Outputs: []string{"q-out"},
		Body: func(ctx context.Context, scope Scope) (map[string]any, error) {
			return map[string]any{"q-out": 1}, nil
		},
	}, true)
	if !redef.Healthy {
		t.Fatalf("expected q to recover once the cycle is broken, got %+v", redef.Problem)
	}
	waitIdleT(t, k)

	if got := k.GetGraphHealth(); got.Problematic != 0 {
		t.Fatalf("Problematic = %d, want 0 once both p and q recover", got.Problematic)
	}
}

func TestScenarioStatsReflectActivity(t *testing.T) {
	k := newTestKernel(t)
	k.DefineSource("x", SourceDef{InitialValue: 1, HasInitialValue: true}, false)
	k.DefineComputation(ComputationDef{
		ID: "double", Inputs: []string{"x"}, Outputs: []string{"y"},
		Body: func(ctx context.Context, scope Scope) (map[string]any, error) {
			x, err := scope.Get(ctx, "x")
			if err != nil {
				return nil, err
			}
			return map[string]any{"y": x.(int) * 2}, nil
		},
	}, false)
	unsub, _ := k.Observe("y", func(Result) {})
	defer unsub()
	waitIdleT(t, k)

	snap := k.Stats()
	if snap.TasksStarted == 0 || snap.TasksCompleted == 0 {
		t.Fatalf("stats = %+v, want at least one started/completed task", snap)
	}
}
