package reactor

// propagateCauseDownward implements spec §4.3.1. It is synchronous,
// re-entrant, and called only from the scheduler goroutine, so its
// recursion needs no locking; depth is bounded by graph depth.
func (k *Kernel) propagateCauseDownward(comp *computation, newCause uint64, source *variable, isNewDirty bool) {
	if source != nil {
		if _, isRuntimeInput := comp.runtimeInputs[source.id]; isRuntimeInput && isNewDirty && source.dirty && !source.isSource() {
			k.adjustDirtyInputCount(comp, 1)
		}
	}

	if !k.setCauseAt(comp, newCause) {
		return
	}
	k.setDirty(comp, true)

	for _, outID := range comp.outputOrder {
		o := comp.outputs[outID]
		if o == nil {
			continue
		}
		wasDirty := o.dirty
		o.causeAt = newCause
		o.dirty = true

		// Copy dependents before recursing: a recursive call can itself
		// mutate o.dependents (e.g. a repair reattaching a dependency).
		deps := make([]string, 0, len(o.dependents))
		for d := range o.dependents {
			deps = append(deps, d)
		}
		for _, depID := range deps {
			dep := k.graph.lookupComputationAny(depID)
			if dep == nil {
				continue
			}
			k.propagateCauseDownward(dep, newCause, o, !wasDirty)
		}
	}
}

// propagateFromVariable kicks off a downward cascade from a variable that
// is not itself owned by a computation - namely a source on updateSource -
// by forwarding into propagateCauseDownward once per direct dependent.
func (k *Kernel) propagateFromVariable(v *variable, newCause uint64, isNewDirty bool) {
	deps := make([]string, 0, len(v.dependents))
	for d := range v.dependents {
		deps = append(deps, d)
	}
	for _, depID := range deps {
		dep := k.graph.lookupComputationAny(depID)
		if dep == nil {
			continue
		}
		k.propagateCauseDownward(dep, newCause, v, isNewDirty)
	}
}

// propagateCleanUpward is the reverse half of propagateCauseDownward's
// fan-in counting: a computed variable transitioning from dirty to clean
// must give back, to every computation that currently counts it as a
// dirty runtime input, exactly the one dirtyInputCount credit that
// transition produced (whether that credit was given by the downward
// cascade when v went dirty, or by a later attachRuntimeInput catching it
// already dirty - either way each dependent owes exactly one decrement per
// dirty episode, paid here). This can itself complete a dependent's
// Pending->Ready transition.
func (k *Kernel) propagateCleanUpward(v *variable) {
	deps := make([]string, 0, len(v.dependents))
	for d := range v.dependents {
		deps = append(deps, d)
	}
	for _, depID := range deps {
		dep := k.graph.lookupComputationAny(depID)
		if dep == nil {
			continue
		}
		if _, isInput := dep.runtimeInputs[v.id]; !isInput {
			continue
		}
		k.adjustDirtyInputCount(dep, -1)
	}
}

// propagateObserveCount implements spec §4.3.2: upward liveness counting
// through the producer chain.
func (k *Kernel) propagateObserveCount(v *variable, delta int) {
	if delta == 0 || v == nil {
		return
	}
	v.observeCount += delta
	if v.observeCount < 0 {
		k.log.Error().Str("variable", v.id).Msg("observeCount underflow, clamping to 0")
		v.observeCount = 0
	}

	if v.producer == "" {
		return
	}
	c := k.graph.lookupComputationAny(v.producer)
	if c == nil {
		return
	}
	k.adjustObserveCount(c, delta)

	inputs := make([]string, 0, len(c.runtimeInputs))
	for in := range c.runtimeInputs {
		inputs = append(inputs, in)
	}
	for _, in := range inputs {
		k.propagateObserveCount(k.graph.lookupVariableAny(in), delta)
	}

	if delta > 0 {
		k.reviveIfStale(c)
	}
}

// reviveIfStale implements the tail of spec §4.3.2: a newly-observed
// computation that is clean but whose inputs moved on without it (it was
// never re-scheduled because nobody was watching) must re-enter Ready.
func (k *Kernel) reviveIfStale(c *computation) {
	if c.dirty {
		return
	}
	var maxValueAt, maxCauseAt uint64
	var carrier *variable
	for in := range c.runtimeInputs {
		iv := k.graph.lookupVariableAny(in)
		if iv == nil {
			continue
		}
		if iv.valueAt > maxValueAt {
			maxValueAt = iv.valueAt
		}
		if iv.causeAt > maxCauseAt {
			maxCauseAt = iv.causeAt
			carrier = iv
		}
	}
	var iv0 uint64
	if c.inputVersion > 0 {
		iv0 = uint64(c.inputVersion)
	}
	if maxValueAt > iv0 && maxCauseAt > c.causeAt {
		k.propagateCauseDownward(c, maxCauseAt, carrier, false)
	}
}
