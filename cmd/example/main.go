package main

import (
	"context"
	"fmt"
	"time"

	"github.com/coregx/reactor"
)

func main() {
	demoChain()
	demoDiamond()
	demoProblemRecovery()
	fmt.Println("\n=== Demo Complete ===")
}

func demoChain() {
	fmt.Println("=== Phase 1: Source -> Computation chain ===")

	k := reactor.New(reactor.KernelOptions{LogLevel: reactor.LevelInfo})
	defer k.Close()

	k.DefineSource("x", reactor.SourceDef{InitialValue: 1, HasInitialValue: true}, false)
	k.DefineComputation(reactor.ComputationDef{
		ID:      "double-x",
		Inputs:  []string{"x"},
		Outputs: []string{"y"},
		Body: func(ctx context.Context, scope reactor.Scope) (map[string]any, error) {
			x, err := scope.Get(ctx, "x")
			if err != nil {
				return nil, err
			}
			return map[string]any{"y": x.(int) * 2}, nil
		},
	}, false)

	unsub, _ := k.Observe("y", func(r reactor.Result) {
		fmt.Println("y =", r.Value)
	})
	defer unsub()

	k.UpdateSource("x", 21)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = k.WaitIdle(ctx)
}

func demoDiamond() {
	fmt.Println("\n=== Phase 2: Diamond dependency (glitch-free) ===")

	k := reactor.New(reactor.KernelOptions{})
	defer k.Close()

	k.DefineSource("a", reactor.SourceDef{InitialValue: 1, HasInitialValue: true}, false)
	k.DefineComputation(reactor.ComputationDef{
		ID: "b", Inputs: []string{"a"}, Outputs: []string{"b"},
		Body: func(ctx context.Context, scope reactor.Scope) (map[string]any, error) {
			a, err := scope.Get(ctx, "a")
			if err != nil {
				return nil, err
			}
			return map[string]any{"b": a.(int) + 1}, nil
		},
	}, false)
	k.DefineComputation(reactor.ComputationDef{
		ID: "c", Inputs: []string{"a"}, Outputs: []string{"c"},
		Body: func(ctx context.Context, scope reactor.Scope) (map[string]any, error) {
			a, err := scope.Get(ctx, "a")
			if err != nil {
				return nil, err
			}
			return map[string]any{"c": a.(int) * 10}, nil
		},
	}, false)
	runs := 0
	k.DefineComputation(reactor.ComputationDef{
		ID: "d", Inputs: []string{"b", "c"}, Outputs: []string{"d"},
		Body: func(ctx context.Context, scope reactor.Scope) (map[string]any, error) {
			runs++
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

	unsub, _ := k.Observe("d", func(r reactor.Result) {
		fmt.Println("d =", r.Value)
	})
	defer unsub()

	k.UpdateSource("a", 5)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = k.WaitIdle(ctx)
	fmt.Println("d recomputed", runs, "time(s) for one perturbation")
}

func demoProblemRecovery() {
	fmt.Println("\n=== Phase 3: Structural problem & auto-recovery ===")

	k := reactor.New(reactor.KernelOptions{})
	defer k.Close()

	status := k.DefineComputation(reactor.ComputationDef{
		ID: "needs-a", Inputs: []string{"a"}, Outputs: []string{"vb"},
		Body: func(ctx context.Context, scope reactor.Scope) (map[string]any, error) {
			a, err := scope.Get(ctx, "a")
			if err != nil {
				return nil, err
			}
			return map[string]any{"vb": a.(int) + 1}, nil
		},
	}, false)
	fmt.Println("needs-a healthy?", status.Healthy)

	res, _ := k.GetValueResult(context.Background(), "vb")
	fmt.Println("vb before a exists:", res.Kind, res.Fatal)

	k.DefineSource("a", reactor.SourceDef{InitialValue: 9, HasInitialValue: true}, false)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = k.WaitIdle(ctx)

	res, _ = k.GetValueResult(context.Background(), "vb")
	fmt.Println("vb after a defined:", res.Kind, res.Value)
}
