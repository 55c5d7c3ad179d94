// Package reactor implements a glitch-free push-pull reactive computation
// kernel: a runtime DAG of source and computed cells ("variables") produced
// by "computations" whose async bodies are scheduled cooperatively and
// cancelled aggressively when their inputs are superseded.
//
// # Core Types
//
// Variables are either sources (written directly via UpdateSource) or
// computed outputs of a Computation. A Computation maps a set of declared
// input variables to one or more owned output variables through an async
// Body that is re-run whenever its (dynamically discovered) inputs change
// and at least one observer is watching downstream.
//
// # Example Usage
//
//	k := reactor.New(reactor.KernelOptions{})
//	defer k.Close()
//
//	k.DefineSource("x", reactor.SourceDef{InitialValue: 1, HasInitialValue: true}, false)
//	k.DefineComputation(reactor.ComputationDef{
//	    ID:      "cy",
//	    Inputs:  []string{"x"},
//	    Outputs: []string{"y"},
//	    Body: func(ctx context.Context, scope reactor.Scope) (map[string]any, error) {
//	        x, err := scope.Get(ctx, "x")
//	        if err != nil {
//	            return nil, err
//	        }
//	        return map[string]any{"y": x.(int) + 1}, nil
//	    },
//	}, false)
//
//	unsub, _ := k.Observe("y", func(r reactor.Result) {
//	    fmt.Println("y =", r.Value)
//	})
//	defer unsub()
//
//	k.UpdateSource("x", 10)
//
// # Thread Safety
//
// All kernel mutation is serialized onto a single internal goroutine (the
// scheduler loop); every exported method is safe to call concurrently from
// any number of goroutines. Observer callbacks and computation bodies run
// with panic recovery: one panicking callback never corrupts kernel state
// or disables other observers.
//
// # Design Principles
//
//  1. Glitch freedom - a diamond of dependencies delivers exactly one
//     downstream recomputation per upstream perturbation.
//  2. Aggressive cancellation - in-flight bodies are cancelled the moment
//     their snapshot of the world is known stale.
//  3. Structural self-healing - missing inputs, duplicate outputs, and
//     cycles quarantine the offending computation instead of failing the
//     whole graph, and recover automatically once the graph heals.
//
// For the full specification this kernel implements, see SPEC_FULL.md in
// the repository root.
package reactor
