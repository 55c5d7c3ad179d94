package reactor

import (
	"context"
	"runtime/debug"
)

// drainReady implements spec §4.5's dispatch loop: while capacity remains
// and the ready queue is non-empty, pop FIFO and start a task. Popped
// entries that are no longer actually Ready (state can have changed between
// enqueue and drain) are silently dropped.
func (k *Kernel) drainReady() {
	k.stats.noteQueueLen(len(k.sched.ready))
	// Under AbortDeferred, a computation whose aborted task has not settled
	// yet is held back in the queue; settleTask triggers the next drain.
	var held []string
	defer func() {
		for _, id := range held {
			k.sched.ready = append(k.sched.ready, id)
			k.sched.inQueue[id] = true
		}
	}()
	for len(k.sched.ready) > 0 {
		id := k.sched.ready[0]
		k.sched.ready = k.sched.ready[1:]
		delete(k.sched.inQueue, id)

		c := k.graph.lookupComputation(id)
		if c == nil || c.classify() != stateReady || c.runningTask != nil {
			continue
		}
		if k.sched.abortStrategy == AbortDeferred && len(c.abortingTasks) > 0 {
			held = append(held, id)
			continue
		}
		if !k.sched.sem.TryAcquire(1) {
			// No capacity: put back at the front and stop for now. A
			// future Release re-triggers a drain.
			k.sched.ready = append([]string{id}, k.sched.ready...)
			k.sched.inQueue[id] = true
			return
		}
		k.dispatch(c)
	}
}

// dispatch starts a task for a Ready computation. Body execution happens on
// its own goroutine; the scheduler goroutine never blocks on it.
func (k *Kernel) dispatch(c *computation) {
	taskID := k.sched.nextTaskID
	k.sched.nextTaskID++

	ctx, cancel := context.WithCancel(context.Background())
	rt := &runningTask{
		id:       taskID,
		compID:   c.id,
		causeAt:  c.causeAt,
		ctx:      ctx,
		cancel:   cancel,
		accessed: make(map[string]struct{}),
	}
	c.runningTask = rt
	k.sched.runningCount++
	k.stats.tasksStarted.Add(1)

	k.log.Trace().Str("computation", c.id).Uint64("task", taskID).Msg("dispatching task")

	body := c.body
	scope := &scopeImpl{k: k, comp: c, task: rt}

	go k.runBody(c.id, rt, body, scope)
}

// runBody executes a Body on a dedicated goroutine and reports the outcome
// back to the scheduler goroutine via post, so settlement is always
// serialized with any concurrent state change (e.g. an abort racing
// completion).
func (k *Kernel) runBody(compID string, rt *runningTask, body Body, scope Scope) {
	outputs, err := k.safeInvokeBody(rt, body, scope)
	k.post(func() { k.settleTask(compID, rt, outputs, err) })
}

func (k *Kernel) safeInvokeBody(rt *runningTask, body Body, scope Scope) (outputs map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			k.logPanic("computation body", r, debug.Stack())
			err = ErrBodyPanic
		}
	}()
	return body(rt.ctx, scope)
}

// settleTask runs on the scheduler goroutine and is the single place a
// task's outcome (success, error, or having been aborted out from under
// it) is reconciled against current graph state.
func (k *Kernel) settleTask(compID string, rt *runningTask, outputs map[string]any, err error) {
	k.sched.runningCount--
	k.sched.sem.Release(1)
	k.scheduleDrain()

	c := k.graph.lookupComputationAny(compID)
	if c == nil {
		return
	}

	if _, aborting := c.abortingTasks[rt.id]; aborting {
		delete(c.abortingTasks, rt.id)
		k.onTaskAborted(c, rt)
		return
	}
	if c.runningTask != rt {
		// Stale settlement from a task no longer tracked as running or
		// aborting (shouldn't normally happen; defensive).
		return
	}

	if rt.ctx.Err() != nil && err == nil {
		err = errAborted
	}

	if err != nil {
		k.onTaskError(c, rt, err)
		return
	}
	k.onTaskSuccess(c, rt, outputs)
}

// onTaskSuccess implements spec §4.5's completion path: clean each declared
// output (gated by deep-equality for value_at/notification), clean up
// unused runtime inputs, clear dirty/dirtyInputCount bookkeeping, and
// reconcile any cause_at that moved on while this run was in flight.
func (k *Kernel) onTaskSuccess(c *computation, rt *runningTask, outputs map[string]any) {
	k.stats.tasksCompleted.Add(1)
	c.runningTask = nil
	c.inputVersion = int64(k.maxRuntimeInputValueAt(c))
	if c.inputVersion <= 0 {
		c.inputVersion = 1
	}

	k.cleanupUnusedRuntimeInputs(c, rt)

	for _, outID := range c.outputOrder {
		o := c.outputs[outID]
		if o == nil {
			continue
		}
		val, produced := outputs[outID]
		var res Result
		if produced {
			res = Success(val)
		} else {
			res = ErrorResult(ErrNotFound)
		}
		k.cleanVariable(o, res)
	}

	before := c.classify()
	c.dirty = false
	c.dirtyInputCount = 0
	after := c.classify()
	k.reactToTransition(c, before, after)

	k.reconcileLateCauseAt(c)
}

// onTaskError implements the error branch of spec §4.5: each declared
// output becomes a KindError Result (still "clean" - the computation has
// settled, just unsuccessfully), and cause_at/dirty bookkeeping proceeds
// exactly as on success so a later input change can retry it.
func (k *Kernel) onTaskError(c *computation, rt *runningTask, err error) {
	k.stats.tasksErrored.Add(1)
	c.runningTask = nil

	for _, outID := range c.outputOrder {
		o := c.outputs[outID]
		if o == nil {
			continue
		}
		k.cleanVariable(o, ErrorResult(err))
	}

	before := c.classify()
	c.dirty = false
	c.dirtyInputCount = 0
	after := c.classify()
	k.reactToTransition(c, before, after)

	k.reconcileLateCauseAt(c)
}

// onTaskAborted handles a task whose outcome arrived after it was already
// cancelled out from under it (spec §5): its result is discarded entirely.
// If the computation is Ready again (because the abort itself already put
// it back, or because whatever superseded it has since settled) it was
// already re-enqueued by abortTask/reactToTransition; nothing further to do
// here beyond bookkeeping.
func (k *Kernel) onTaskAborted(c *computation, rt *runningTask) {
	k.log.Trace().Str("computation", c.id).Uint64("task", rt.id).Msg("discarding aborted task result")
}

// cleanVariable implements spec §4.3.3 (output pruning): deep-equality
// against the previous value gates both the clock tick that backs value_at
// and whether observers are notified; clean waiters are notified either
// way. Each changed output takes a tick of its own, so outputs changed by
// the same commit do not share one value_at.
func (k *Kernel) cleanVariable(v *variable, res Result) {
	changed := !deepEqual(v.result, res) || v.result.Kind != res.Kind
	v.result = res
	v.dirty = false
	k.propagateCleanUpward(v)

	if changed {
		v.valueAt = k.clock.tick()
	}

	waiters := v.cleanWaiters
	v.cleanWaiters = make(map[uint64]func(Result))
	for _, fn := range waiters {
		k.callObserver(fn, res)
	}

	if changed {
		for _, obs := range v.observers {
			k.callObserver(obs, res)
		}
	}
}

// cleanupUnusedRuntimeInputs detaches any runtimeInput edge that the latest
// run did not actually touch via Scope.Get (spec §4.5's "Clean-up unused
// runtime inputs" step), which keeps dynamic dependency sets precise when a
// body's control flow stops reading an input it used to depend on.
func (k *Kernel) cleanupUnusedRuntimeInputs(c *computation, rt *runningTask) {
	var stale []string
	for in := range c.runtimeInputs {
		if _, touched := rt.accessed[in]; !touched {
			stale = append(stale, in)
		}
	}
	for _, in := range stale {
		if v := k.graph.lookupVariableAny(in); v != nil {
			k.detachRuntimeInput(c, v)
		}
	}
}

// reconcileLateCauseAt handles the case where one or more inputs received a
// new cause_at while this task was running (and so could not immediately
// cascade into a Pending computation, since it was Ready/running rather than
// Idle) - it must be re-evaluated against the newest inputs rather than be
// considered settled. dirtyInputCount is recomputed from scratch (rather
// than bumped for a single triggering input) since more than one runtime
// input may have moved on during the run; it is applied before the cause
// cascade so the Idle->Pending/Ready transition classifies correctly on
// the first step instead of passing through a transient wrong state.
func (k *Kernel) reconcileLateCauseAt(c *computation) {
	maxCause := c.causeAt
	dirtyCount := 0
	for in := range c.runtimeInputs {
		v := k.graph.lookupVariableAny(in)
		if v == nil {
			continue
		}
		if v.causeAt > maxCause {
			maxCause = v.causeAt
		}
		if !v.isSource() && v.dirty {
			dirtyCount++
		}
	}
	if maxCause <= c.causeAt {
		return
	}
	k.adjustDirtyInputCount(c, dirtyCount-c.dirtyInputCount)
	k.propagateCauseDownward(c, maxCause, nil, false)
}

func (k *Kernel) maxRuntimeInputValueAt(c *computation) uint64 {
	var max uint64
	for in := range c.runtimeInputs {
		if v := k.graph.lookupVariableAny(in); v != nil && v.valueAt > max {
			max = v.valueAt
		}
	}
	return max
}
