package reactor

import (
	"context"
	"testing"
)

// BenchmarkChain_UpdateSource measures end-to-end latency of a single
// source -> computation propagation, including the scheduler round trip.
func BenchmarkChain_UpdateSource(b *testing.B) {
	k := New(KernelOptions{})
	defer k.Close()

	k.DefineSource("x", SourceDef{InitialValue: 0, HasInitialValue: true}, false)
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
	_ = k.WaitIdle(context.Background())

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = k.UpdateSource("x", i)
		_ = k.WaitIdle(context.Background())
	}
}

// BenchmarkDiamond_UpdateSource measures propagation through a diamond-shaped
// dependency graph (two computed branches joining into one), the shape
// glitch-freedom is judged against.
func BenchmarkDiamond_UpdateSource(b *testing.B) {
	k := New(KernelOptions{})
	defer k.Close()

	k.DefineSource("a", SourceDef{InitialValue: 0, HasInitialValue: true}, false)
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
	k.DefineComputation(ComputationDef{
		ID: "d", Inputs: []string{"b", "c"}, Outputs: []string{"d"},
		Body: func(ctx context.Context, scope Scope) (map[string]any, error) {
			bv, err := scope.Get(ctx, "b")
			if err != nil {
				return nil, err
			}
			cv, err := scope.Get(ctx, "c")
			if err != nil {
				return nil, err
			}
			return map[string]any{"d": bv.(int) + cv.(int)}, nil
		},
	}, false)

	unsub, _ := k.Observe("d", func(Result) {})
	defer unsub()
	_ = k.WaitIdle(context.Background())

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = k.UpdateSource("a", i)
		_ = k.WaitIdle(context.Background())
	}
}

// BenchmarkGetValueResult_Clean measures the cost of a cache-hit read via
// the synchronous facade, the direct analogue of the teacher's
// BenchmarkComputed_Get_Clean.
func BenchmarkGetValueResult_Clean(b *testing.B) {
	k := New(KernelOptions{})
	defer k.Close()

	k.DefineSource("x", SourceDef{InitialValue: 42, HasInitialValue: true}, false)
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
	_ = k.WaitIdle(context.Background())

	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = k.GetValueResult(ctx, "y")
	}
}

// BenchmarkDispatch_ParallelFanOut measures dispatch throughput when many
// independent computations become Ready from the same source write at once,
// exercising the x/sync/semaphore-bounded concurrency path under load.
func BenchmarkDispatch_ParallelFanOut(b *testing.B) {
	const fanOut = 32
	k := New(KernelOptions{MaxConcurrent: 8})
	defer k.Close()

	k.DefineSource("x", SourceDef{InitialValue: 0, HasInitialValue: true}, false)
	for i := 0; i < fanOut; i++ {
		out := "y" + string(rune('a'+i%26)) + string(rune('0'+i/26))
		k.DefineComputation(ComputationDef{
			ID: out, Inputs: []string{"x"}, Outputs: []string{out},
			Body: func(ctx context.Context, scope Scope) (map[string]any, error) {
				x, err := scope.Get(ctx, "x")
				if err != nil {
					return nil, err
				}
				return map[string]any{out: x.(int) + 1}, nil
			},
		}, false)
		unsub, _ := k.Observe(out, func(Result) {})
		defer unsub()
	}
	_ = k.WaitIdle(context.Background())

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = k.UpdateSource("x", i)
		_ = k.WaitIdle(context.Background())
	}
}
