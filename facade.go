package reactor

import (
	"context"
	"sort"
	"strings"
)

// This file implements spec §4.7 / §6: the single exported type (Kernel)
// and one method per facade operation. Every method except WithTransaction
// and Stats either serializes onto the scheduler goroutine via execSync, or
// (for WaitIdle/GetValueResult) additionally waits on a channel fed by a
// callback registered from inside an execSync call. WithTransaction calls fn
// directly; Stats reads atomic counters.

// Unsubscribe cancels a previously-registered Observe callback.
type Unsubscribe func()

// SourceStatus is returned by DefineSource.
type SourceStatus struct {
	Healthy bool
	Problem *StructuralError
}

// ComputationStatus is returned by DefineComputation.
type ComputationStatus struct {
	Healthy bool
	Problem *StructuralError
}

// RemovalStatus is returned by RemoveSource/RemoveComputation.
type RemovalStatus struct {
	Removed   bool
	WasProblem bool
}

// PeekResult is the side-effect-free snapshot returned by Peek.
type PeekResult struct {
	Result  Result
	IsDirty bool
}

// ComputationSnapshot is the side-effect-free snapshot returned by
// PeekComputation, covering every field spec §3/§4 define for a computation.
type ComputationSnapshot struct {
	State           string
	Dirty           bool
	ObserveCount    int
	DirtyInputCount int
	CauseAt         uint64
	InputVersion    int64
	RunningTaskID   *uint64
}

// ProblemSummary is a compact identification of a problem computation.
type ProblemSummary struct {
	ID     string
	Reason ProblemReason
}

// GraphHealth summarizes the overall health of the graph.
type GraphHealth struct {
	Healthy       int
	Problematic   int
	OldestProblem *ProblemSummary
}

// ProblemHop is one step in a TraceProblemRoot walk.
type ProblemHop struct {
	ID     string
	Reason ProblemReason
	Detail string
}

// SourceDef is the shape defineSource takes per spec §6:
// `{id, initialValue?}`. HasInitialValue distinguishes "no initial value
// supplied" (the cell starts Uninitialized) from a legitimate zero value.
type SourceDef struct {
	InitialValue    any
	HasInitialValue bool
}

// DefineSource creates (or, with allowRedefinition, updates) a source cell.
func (k *Kernel) DefineSource(id string, def SourceDef, allowRedefinition bool) SourceStatus {
	var status SourceStatus
	k.execSync(func() {
		existing := k.graph.lookupVariable(id)
		if existing == nil {
			if k.graph.lookupComputationAny(id) != nil || k.graph.problemVariables[id] != nil || k.graph.problemComputations[id] != nil {
				status = SourceStatus{Healthy: false, Problem: &StructuralError{
					Reason: ReasonDuplicateOutput, ComputationID: id, ConflictingProducer: id,
				}}
				return
			}
			v := newVariable(id)
			if def.HasInitialValue {
				v.result = Success(def.InitialValue)
				v.causeAt = k.clock.tick()
				v.valueAt = v.causeAt
			}
			k.graph.variables[id] = v
			status = SourceStatus{Healthy: true}
			k.repairAfterStructuralEvent()
			return
		}
		if !existing.isSource() {
			status = SourceStatus{Healthy: false, Problem: &StructuralError{
				Reason: ReasonInvalidDefinition, ComputationID: id, Detail: "id is owned by a computation output",
			}}
			return
		}
		if !allowRedefinition {
			status = SourceStatus{Healthy: false, Problem: &StructuralError{
				Reason: ReasonInvalidDefinition, ComputationID: id, Detail: "already defined; allowRedefinition not set",
			}}
			return
		}
		if def.HasInitialValue {
			k.writeSource(existing, def.InitialValue)
		}
		status = SourceStatus{Healthy: true}
	})
	return status
}

// UpdateSource writes a new value to an existing source cell.
func (k *Kernel) UpdateSource(id string, value any) error {
	var outErr error
	k.execSync(func() {
		v := k.graph.lookupVariable(id)
		if v == nil {
			if k.graph.lookupComputationAny(id) != nil || k.graph.problemVariables[id] != nil {
				outErr = ErrNotASource
			} else {
				outErr = ErrNotFound
			}
			return
		}
		if !v.isSource() {
			outErr = ErrNotASource
			return
		}
		k.writeSource(v, value)
	})
	return outErr
}

// writeSource applies a new value to a source variable, per spec §4.1/§4.3:
// cause_at always takes one fresh tick (an external write is always a fresh
// perturbation); value_at takes that same tick only when the value actually
// changed (deep-equal gate);
// repair is swept only the first time a source leaves Uninitialized, per
// spec §4.6's "updateSource (initial)" qualifier.
func (k *Kernel) writeSource(v *variable, value any) {
	wasUninitialized := v.result.Kind == KindUninitialized
	newRes := Success(value)
	changed := v.result.Kind != newRes.Kind || !deepEqual(v.result.Value, newRes.Value)

	cause := k.clock.tick()
	v.causeAt = cause
	if changed {
		v.valueAt = cause
	}
	v.result = newRes

	for _, obs := range v.observers {
		k.callObserver(obs, newRes)
	}
	k.propagateFromVariable(v, cause, true)

	if wasUninitialized {
		k.repairAfterStructuralEvent()
	}
}

// DefineComputation installs a computation definition, following spec
// §4.6's classification and (with allowRedefinition on an existing id)
// redefinition rules.
func (k *Kernel) DefineComputation(def ComputationDef, allowRedefinition bool) ComputationStatus {
	var status ComputationStatus
	k.execSync(func() {
		healthyExisting, healthyOK := k.graph.computations[def.ID]
		_, problemOK := k.graph.problemComputations[def.ID]
		exists := healthyOK || problemOK
		if exists && !allowRedefinition {
			status = ComputationStatus{Healthy: false, Problem: &StructuralError{
				Reason: ReasonInvalidDefinition, ComputationID: def.ID, Detail: "already defined; allowRedefinition not set",
			}}
			return
		}
		if !exists {
			c := k.defineComputationInternal(def, "")
			status = statusOf(c)
			return
		}

		sameShape := healthyOK && sameOutputSet(healthyExisting.outputOrder, def.Outputs)
		if sameShape {
			missing, problemInputs, conflict, _, cycle := k.classifyDefinition(def, def.ID)
			if len(missing) == 0 && len(problemInputs) == 0 && conflict == "" && len(cycle) == 0 {
				k.redefineInPlace(healthyExisting, def)
				status = ComputationStatus{Healthy: true}
				return
			}
		}

		c := k.redefineFullReplace(def)
		status = statusOf(c)
	})
	return status
}

func statusOf(c *computation) ComputationStatus {
	if !c.problem {
		return ComputationStatus{Healthy: true}
	}
	return ComputationStatus{Healthy: false, Problem: &StructuralError{
		Reason:              c.problemReason,
		ComputationID:       c.id,
		MissingInputs:       keys(c.missingInputs),
		CyclePath:           c.cyclePath,
		ConflictingProducer: c.conflictsWith,
	}}
}

func sameOutputSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]bool, len(a))
	for _, x := range a {
		seen[x] = true
	}
	for _, x := range b {
		if !seen[x] {
			return false
		}
	}
	return true
}

// redefineInPlace implements spec §4.6's optimized "normal->normal with no
// new problems" redefinition path.
func (k *Kernel) redefineInPlace(c *computation, def ComputationDef) {
	k.abortTask(c, "redefined")
	for in := range c.runtimeInputs {
		if v := k.graph.lookupVariableAny(in); v != nil {
			k.detachRuntimeInput(c, v)
		}
	}
	c.staticInputs = make(map[string]struct{}, len(def.Inputs))
	for _, in := range def.Inputs {
		c.staticInputs[in] = struct{}{}
	}
	c.body = def.Body
	c.definition = def
	c.inputVersion = -1

	cause := k.clock.tick()
	k.propagateCauseDownward(c, cause, nil, false)
	k.maybeEnqueue(c)
}

// redefineFullReplace implements spec §4.6's full replace cycle: save
// observer sets per output, remove the old node, define anew, then restore
// observers and re-notify them with the new outputs' results.
func (k *Kernel) redefineFullReplace(def ComputationDef) *computation {
	var old *computation
	wasProblem := false
	if c, ok := k.graph.computations[def.ID]; ok {
		old = c
	} else if c, ok := k.graph.problemComputations[def.ID]; ok {
		old = c
		wasProblem = true
	}

	saved := make(map[string][]func(Result))
	if old != nil {
		for _, outID := range old.outputOrder {
			if v := old.outputs[outID]; v != nil && len(v.observers) > 0 {
				fns := make([]func(Result), 0, len(v.observers))
				for _, fn := range v.observers {
					fns = append(fns, fn)
				}
				saved[outID] = fns
			}
		}
		k.removeComputationNode(old, wasProblem)
		k.purgeFromOutputWaiters(def.ID)
	}

	c := k.defineComputationInternal(def, "")
	k.repairAfterStructuralEvent()

	for outID, fns := range saved {
		v := c.outputs[outID]
		if v == nil {
			continue
		}
		for _, fn := range fns {
			id := v.nextObsID
			v.nextObsID++
			v.observers[id] = fn
			k.propagateObserveCount(v, 1)
			k.callObserver(fn, v.result)
		}
	}
	return c
}

// RemoveSource deletes a source and recursively marks its dependents as
// problematic, per spec §4.6 Open Question (b)'s mark-only cascade.
func (k *Kernel) RemoveSource(id string) RemovalStatus {
	var status RemovalStatus
	k.execSync(func() {
		v := k.graph.lookupVariable(id)
		if v == nil || !v.isSource() {
			status = RemovalStatus{Removed: false}
			return
		}
		k.markDownstreamProblem(v)
		delete(k.graph.variables, id)
		status = RemovalStatus{Removed: true}
		k.repairAfterStructuralEvent()
	})
	return status
}

// RemoveComputation deletes a computation (healthy or problematic) and
// recursively marks downstream dependents of its outputs as problematic.
func (k *Kernel) RemoveComputation(id string) RemovalStatus {
	var status RemovalStatus
	k.execSync(func() {
		c, wasProblem := k.graph.computations[id], false
		if c == nil {
			c, wasProblem = k.graph.problemComputations[id], true
		}
		if c == nil {
			status = RemovalStatus{Removed: false}
			return
		}
		k.removeComputationNode(c, wasProblem)
		k.purgeFromOutputWaiters(id)
		status = RemovalStatus{Removed: true, WasProblem: wasProblem}
		k.repairAfterStructuralEvent()
	})
	return status
}

// removeComputationNode tears down a computation entirely: aborts its
// task, detaches its runtime inputs, marks downstream dependents of its
// outputs as problematic, and deletes it and its outputs from whichever
// tables hold them.
func (k *Kernel) removeComputationNode(c *computation, wasProblem bool) {
	k.abortTask(c, "removed")
	for in := range c.runtimeInputs {
		if v := k.graph.lookupVariableAny(in); v != nil {
			k.propagateObserveCount(v, -c.observeCount)
			delete(v.dependents, c.id)
		}
	}
	for _, outID := range c.outputOrder {
		v := c.outputs[outID]
		if v == nil {
			continue
		}
		k.markDownstreamProblem(v)
		if wasProblem {
			delete(k.graph.problemVariables, outID)
		} else {
			delete(k.graph.variables, outID)
		}
		if len(k.graph.outputWaiters[outID]) > 0 {
			// A quarantined duplicate-output computation is waiting to
			// claim this name (spec §4.6's first-win promotion). Keep the
			// cell itself alive as an ownerless placeholder rather than
			// discard it, so repairFreedOutputs can hand the winner the
			// same variable - and, with it, whatever observers/waiters
			// were already registered against this id - instead of the
			// name starting over from nothing.
			v.problem = true
			v.producer = ""
			v.dirty = false
			v.result = UninitializedResult()
			k.graph.problemVariables[outID] = v
		}
	}
	if wasProblem {
		delete(k.graph.problemComputations, c.id)
	} else {
		delete(k.graph.computations, c.id)
	}
}

func (k *Kernel) purgeFromOutputWaiters(id string) {
	for out, waiters := range k.graph.outputWaiters {
		filtered := waiters[:0]
		for _, w := range waiters {
			if w != id {
				filtered = append(filtered, w)
			}
		}
		if len(filtered) == 0 {
			delete(k.graph.outputWaiters, out)
		} else {
			k.graph.outputWaiters[out] = filtered
		}
	}
}

// Observe registers callback on id, delivering the current Result
// immediately if the cell is currently clean (including "problematic",
// which is also clean).
func (k *Kernel) Observe(id string, callback func(Result)) (Unsubscribe, error) {
	var unsub Unsubscribe
	var outErr error
	k.execSync(func() {
		v := k.graph.lookupVariableAny(id)
		if v == nil {
			outErr = ErrUnknownID
			return
		}
		obsID := v.nextObsID
		v.nextObsID++
		v.observers[obsID] = callback
		k.propagateObserveCount(v, 1)
		if !v.dirty {
			k.callObserver(callback, v.result)
		}
		unsub = func() {
			k.execSync(func() {
				if _, ok := v.observers[obsID]; !ok {
					return
				}
				delete(v.observers, obsID)
				k.propagateObserveCount(v, -1)
			})
		}
	})
	return unsub, outErr
}

// GetValueResult implements spec §4.5's pull-evaluation path: returns
// immediately if the cell is clean or a source, otherwise temporarily
// observes it and waits for the next clean settlement.
func (k *Kernel) GetValueResult(ctx context.Context, id string) (Result, error) {
	type delivery struct{ res Result }
	ch := make(chan delivery, 1)

	var target *variable
	var waitID uint64
	var lookupErr error
	var resolved bool
	var immediate Result

	k.execSync(func() {
		v := k.graph.lookupVariableAny(id)
		if v == nil {
			lookupErr = ErrUnknownID
			return
		}
		if !v.dirty || v.isSource() {
			resolved = true
			immediate = v.result
			return
		}
		target = v
		k.propagateObserveCount(v, 1)
		waitID = v.nextWaitID
		v.nextWaitID++
		v.cleanWaiters[waitID] = func(r Result) {
			select {
			case ch <- delivery{res: r}:
			default:
			}
		}
		if producer := k.graph.lookupComputationAny(v.producer); producer != nil {
			k.maybeEnqueue(producer)
		}
	})
	if lookupErr != nil {
		return Result{}, lookupErr
	}
	if resolved {
		return immediate, nil
	}

	select {
	case d := <-ch:
		return d.res, nil
	case <-ctx.Done():
		k.execSync(func() {
			delete(target.cleanWaiters, waitID)
			k.propagateObserveCount(target, -1)
		})
		return Result{}, ctx.Err()
	case <-k.stopCh:
		return Result{}, ErrKernelClosed
	}
}

// GetValue unwraps GetValueResult's Result into (value, error), per spec
// §7's body-facing conversion rules.
func (k *Kernel) GetValue(ctx context.Context, id string) (any, error) {
	res, err := k.GetValueResult(ctx, id)
	if err != nil {
		return nil, err
	}
	switch res.Kind {
	case KindSuccess:
		return res.Value, nil
	case KindError:
		return nil, res.Err
	case KindFatal:
		return nil, res.Fatal
	default:
		return nil, ErrNotFound
	}
}

// Peek returns a side-effect-free snapshot of a variable's current Result
// and dirty flag.
func (k *Kernel) Peek(id string) (PeekResult, error) {
	var res PeekResult
	var outErr error
	k.execSync(func() {
		v := k.graph.lookupVariableAny(id)
		if v == nil {
			outErr = ErrUnknownID
			return
		}
		res = PeekResult{Result: v.result, IsDirty: v.dirty}
	})
	return res, outErr
}

// PeekComputation returns a side-effect-free snapshot of every field spec
// §3/§4 define for a computation.
func (k *Kernel) PeekComputation(id string) (ComputationSnapshot, error) {
	var snap ComputationSnapshot
	var outErr error
	k.execSync(func() {
		c := k.graph.lookupComputationAny(id)
		if c == nil {
			outErr = ErrUnknownID
			return
		}
		snap = ComputationSnapshot{
			State:           c.classify().String(),
			Dirty:           c.dirty,
			ObserveCount:    c.observeCount,
			DirtyInputCount: c.dirtyInputCount,
			CauseAt:         c.causeAt,
			InputVersion:    c.inputVersion,
		}
		if c.runningTask != nil {
			id := c.runningTask.id
			snap.RunningTaskID = &id
		}
	})
	return snap, outErr
}

// WaitIdle blocks until the kernel reaches quiescence (spec §5's
// isIdle predicate), or ctx is cancelled.
func (k *Kernel) WaitIdle(ctx context.Context) error {
	ch := make(chan struct{})
	k.execSync(func() {
		if k.isIdle() {
			close(ch)
			return
		}
		k.idleWaiters = append(k.idleWaiters, ch)
	})
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-k.stopCh:
		return ErrKernelClosed
	}
}

// WithTransaction is a structural no-op per spec §9 Open Question (a):
// every facade call already serializes itself through the command channel,
// so a batching wrapper would add no observable behavior beyond what
// calling fn's operations individually already provides. It exists purely
// so hosts that expect a transaction-shaped entry point have one.
func (k *Kernel) WithTransaction(fn func() error) error {
	return fn()
}

// GetProblemComputations lists every currently-quarantined computation.
func (k *Kernel) GetProblemComputations() []ProblemSummary {
	var out []ProblemSummary
	k.execSync(func() {
		for id, c := range k.graph.problemComputations {
			out = append(out, ProblemSummary{ID: id, Reason: c.problemReason})
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetProblemVariables lists every currently-quarantined variable id.
func (k *Kernel) GetProblemVariables() []string {
	var out []string
	k.execSync(func() {
		for id := range k.graph.problemVariables {
			out = append(out, id)
		}
	})
	sort.Strings(out)
	return out
}

// GetGraphHealth summarizes the graph's current structural health.
func (k *Kernel) GetGraphHealth() GraphHealth {
	var health GraphHealth
	k.execSync(func() {
		health.Healthy = len(k.graph.computations)
		health.Problematic = len(k.graph.problemComputations)
		var oldest *ProblemSummary
		var oldestTick uint64
		first := true
		for id, c := range k.graph.problemComputations {
			if first || c.quarantinedAt < oldestTick {
				first = false
				oldestTick = c.quarantinedAt
				s := ProblemSummary{ID: id, Reason: c.problemReason}
				oldest = &s
			}
		}
		health.OldestProblem = oldest
	})
	return health
}

// TraceProblemRoot walks a problem computation's missingInputs/
// conflictsWith/cyclePath chain back to its root cause(s).
func (k *Kernel) TraceProblemRoot(id string) ([]ProblemHop, error) {
	var hops []ProblemHop
	var outErr error
	k.execSync(func() {
		c, ok := k.graph.problemComputations[id]
		if !ok {
			outErr = ErrUnknownID
			return
		}
		seen := make(map[string]bool)
		for {
			if c == nil || seen[c.id] {
				break
			}
			seen[c.id] = true
			hop := ProblemHop{ID: c.id, Reason: c.problemReason}
			var next string
			switch c.problemReason {
			case ReasonCircularDependency:
				hop.Detail = strings.Join(c.cyclePath, " -> ")
			case ReasonDuplicateOutput:
				hop.Detail = "conflicts with " + c.conflictsWith
				next = c.conflictsWith
			case ReasonMissingInput:
				missing := keys(c.missingInputs)
				sort.Strings(missing)
				hop.Detail = strings.Join(missing, ", ")
				for _, m := range missing {
					if p := k.graph.producerOf(m); p != "" {
						next = p
						break
					}
				}
			}
			hops = append(hops, hop)
			if next == "" {
				break
			}
			c = k.graph.problemComputations[next]
		}
	})
	return hops, outErr
}

// Stats returns a point-in-time snapshot of the kernel's observability
// counters.
func (k *Kernel) Stats() StatsSnapshot {
	return k.stats.snapshot()
}
