package reactor

// This file implements spec §4.4 (State Machine) following the §9 design
// note: instead of reifying reactions inside field setters (the source's
// pattern), each mutable field has a dedicated mutate-style helper that
// computes the before/after state and reacts through one central routine,
// reactToTransition. All of these run only on the scheduler goroutine, so
// none of them need locking.

// setDirty is the setter for computation.dirty.
func (k *Kernel) setDirty(c *computation, newDirty bool) {
	if c.dirty == newDirty {
		return
	}
	before := c.classify()
	c.dirty = newDirty
	after := c.classify()
	k.reactToTransition(c, before, after)
}

// adjustDirtyInputCount is the setter for computation.dirtyInputCount.
func (k *Kernel) adjustDirtyInputCount(c *computation, delta int) {
	if delta == 0 {
		return
	}
	before := c.classify()
	c.dirtyInputCount += delta
	if c.dirtyInputCount < 0 {
		k.log.Error().Str("computation", c.id).Msg("dirtyInputCount underflow, clamping to 0")
		c.dirtyInputCount = 0
	}
	after := c.classify()
	k.reactToTransition(c, before, after)
}

// adjustObserveCount is the setter for computation.observeCount.
func (k *Kernel) adjustObserveCount(c *computation, delta int) {
	if delta == 0 {
		return
	}
	before := c.classify()
	c.observeCount += delta
	if c.observeCount < 0 {
		k.log.Error().Str("computation", c.id).Msg("observeCount underflow, clamping to 0")
		c.observeCount = 0
	}
	after := c.classify()
	k.reactToTransition(c, before, after)
}

// setCauseAt is the setter for computation.cause_at (spec §4.3.1 step 3).
// It reports whether the new value was actually applied (cause_at is
// monotonic, so a non-increasing value is a no-op), which callers use to
// decide whether to continue cascading.
func (k *Kernel) setCauseAt(c *computation, newCauseAt uint64) bool {
	if newCauseAt <= c.causeAt {
		return false
	}
	c.causeAt = newCauseAt
	k.checkAbortOnCauseChange(c, newCauseAt)
	return true
}

// checkAbortOnCauseChange implements spec §4.4's "cause_at increased while
// Ready, runningTask present" rule: the running task's captured cause_at is
// a snapshot of the world it is evaluating against; if cause_at moved past
// that snapshot the task is stale and must be aborted. Dynamic-dependency
// attachment pre-bumps task.cause_at before triggering this path (scope.go)
// so legitimate internal discovery never trips it.
func (k *Kernel) checkAbortOnCauseChange(c *computation, newCauseAt uint64) {
	if c.classify() != stateReady || c.runningTask == nil {
		return
	}
	if c.runningTask.causeAt < newCauseAt {
		k.abortTask(c, "cause_at supersession")
	}
}

// reactToTransition is the single place a computation's state change
// produces a side effect, per spec §4.4's transition table.
func (k *Kernel) reactToTransition(c *computation, before, after state) {
	if before == stateReady && after == statePending {
		k.abortTask(c, "input turned dirty")
	} else if before == stateReady && after == stateIdle && c.observeCount == 0 {
		// Only observeCount hitting zero aborts here; a dirty->false
		// transition (the task just succeeded and is in cleanup) must not.
		k.abortTask(c, "no longer observed")
	}
	if after == stateReady {
		k.maybeEnqueue(c)
	}
}

// abortTask cancels a computation's in-flight task, if any, moving it into
// abortingTasks, and re-checks scheduling since clearing runningTask alone
// can open a fresh dispatch opportunity even when `state` itself is
// unchanged (spec §4.4, final paragraph).
func (k *Kernel) abortTask(c *computation, reason string) {
	rt := c.runningTask
	if rt == nil {
		return
	}
	k.log.Debug().Str("computation", c.id).Uint64("task", rt.id).Str("reason", reason).Msg("aborting task")
	rt.cancel()
	c.abortingTasks[rt.id] = rt
	c.runningTask = nil
	k.stats.tasksAborted.Add(1)
	if c.classify() == stateReady {
		k.maybeEnqueue(c)
	}
}

// maybeEnqueue appends c to the FIFO ready queue if it is Ready, has no
// running task, and is not already queued (de-duplicated per spec §4.5).
func (k *Kernel) maybeEnqueue(c *computation) {
	if c.classify() != stateReady || c.runningTask != nil {
		return
	}
	if k.sched.inQueue[c.id] {
		return
	}
	k.sched.inQueue[c.id] = true
	k.sched.ready = append(k.sched.ready, c.id)
	k.scheduleDrain()
}
