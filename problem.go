package reactor

// This file implements spec §4.6: classification at definition time,
// recursive marking of healthy computations into the problem sub-DAG, the
// three-part repair sweep run after every structural event, and
// redefinition (both the full replace cycle and the in-place fast path).

// classifyDefinition computes the three structural failure categories for a
// prospective definition, per spec §4.6 step 1-3.
func (k *Kernel) classifyDefinition(def ComputationDef, excludeSelf string) (missing, problemInputs map[string]struct{}, conflict string, conflictOut string, cycle []string) {
	missing = make(map[string]struct{})
	problemInputs = make(map[string]struct{})
	for _, in := range def.Inputs {
		if k.graph.lookupVariable(in) != nil {
			continue
		}
		if _, isProblem := k.graph.problemVariables[in]; isProblem {
			problemInputs[in] = struct{}{}
			continue
		}
		missing[in] = struct{}{}
	}

	for _, out := range def.Outputs {
		if owner := k.graph.producerOf(out); owner != "" && owner != excludeSelf {
			conflict = owner
			conflictOut = out
			break
		}
	}

	cycle = k.graph.detectCycle(def)
	return
}

// defineComputationInternal implements the full classify-then-install flow
// of spec §4.6, shared by DefineComputation and the redefinition paths.
// excludeSelf is the id being redefined (own prior ownership of its outputs
// is not itself a conflict), or "" for a fresh definition.
func (k *Kernel) defineComputationInternal(def ComputationDef, excludeSelf string) *computation {
	missing, problemInputs, conflict, conflictOut, cycle := k.classifyDefinition(def, excludeSelf)

	hasProblem := len(cycle) > 0 || conflict != "" || len(missing) > 0 || len(problemInputs) > 0
	if !hasProblem {
		c := k.installHealthy(def)
		k.repairAfterStructuralEvent()
		return c
	}

	c := newComputation(def)
	c.problem = true
	c.quarantinedAt = k.clock.tick()
	switch {
	case len(cycle) > 0:
		c.problemReason = ReasonCircularDependency
		c.cyclePath = cycle
	case conflict != "":
		c.problemReason = ReasonDuplicateOutput
		c.conflictsWith = conflict
	default:
		c.problemReason = ReasonMissingInput
	}
	for m := range missing {
		c.missingInputs[m] = struct{}{}
	}
	for m := range problemInputs {
		c.missingInputs[m] = struct{}{}
	}

	for _, out := range def.Outputs {
		if out == conflictOut {
			continue
		}
		v := newVariable(out)
		v.producer = def.ID
		v.problem = true
		v.result = FatalResult(&StructuralError{
			Reason:              c.problemReason,
			ComputationID:       def.ID,
			MissingInputs:       keys(c.missingInputs),
			CyclePath:           c.cyclePath,
			ConflictingProducer: c.conflictsWith,
		})
		c.outputs[out] = v
		k.graph.problemVariables[out] = v
	}
	k.graph.problemComputations[def.ID] = c

	// Note: no dependents edges are attached for a quarantined computation's
	// declared inputs. Repair (repairMissingInputs) finds this node by
	// scanning problemComputations directly against its missingInputs set,
	// not by walking variable dependents - and a problem computation never
	// runs, so it must never receive a live propagateCauseDownward cascade
	// the way a stale dependents edge would trigger once it later recovers
	// with a fresh, empty runtimeInputs set.

	if conflict != "" {
		k.graph.outputWaiters[conflictOut] = append(k.graph.outputWaiters[conflictOut], def.ID)
	}

	for _, out := range def.Outputs {
		if out == conflictOut {
			continue
		}
		k.markDownstreamProblem(c.outputs[out])
	}

	k.log.Debug().Str("computation", def.ID).Str("reason", string(c.problemReason)).Msg("computation quarantined")
	return c
}

// installHealthy installs a well-formed definition into the normal tables
// and wires its static inputs' dependents edges are NOT created here -
// those are created lazily on first dynamic access (spec §4.5) - but
// outputs are created immediately since they must exist to be observed.
//
// A computation that has never run carries no runtimeInputs yet (those
// attach lazily the first time its body reads them), so reviveIfStale has
// nothing to compare against and can never pull it out of Idle on its own.
// It is therefore installed already dirty - standing in for "needs its
// first run" - so that becoming observed (or pulled) is sufficient for
// classify() to reach Ready without requiring an upstream value change.
func (k *Kernel) installHealthy(def ComputationDef) *computation {
	c := newComputation(def)
	c.dirty = true
	c.causeAt = k.clock.tick()
	for _, out := range def.Outputs {
		v := newVariable(out)
		v.producer = def.ID
		v.dirty = true
		v.causeAt = c.causeAt
		k.graph.variables[out] = v
		c.outputs[out] = v
	}
	k.graph.computations[def.ID] = c
	k.maybeEnqueue(c)
	return c
}

// markDownstreamProblem implements "recursive marking" (spec §4.6): the
// variable v just became problematic (or conflicted away); every
// currently-healthy dependent computation must itself become a problem
// computation with reason missing-input pointing at v.
func (k *Kernel) markDownstreamProblem(v *variable) {
	if v == nil {
		return
	}
	deps := make([]string, 0, len(v.dependents))
	for d := range v.dependents {
		deps = append(deps, d)
	}
	for _, depID := range deps {
		if dep, ok := k.graph.computations[depID]; ok {
			k.markComputationAsProblem(dep, v.id)
		} else if dep, ok := k.graph.problemComputations[depID]; ok {
			// already a problem: merge the missing input into its set.
			dep.missingInputs[v.id] = struct{}{}
		}
	}
}

// markComputationAsProblem moves a currently-healthy computation (and all
// its outputs) into the problem tables, per spec §4.6's "Recursive
// marking" section.
func (k *Kernel) markComputationAsProblem(c *computation, missingRoot string) {
	delete(k.graph.computations, c.id)

	k.abortTask(c, "quarantined")

	for in := range c.runtimeInputs {
		if iv := k.graph.lookupVariableAny(in); iv != nil {
			k.propagateObserveCount(iv, -c.observeCount)
			delete(iv.dependents, c.id)
		}
	}
	c.runtimeInputs = make(map[string]struct{})

	c.problem = true
	c.problemReason = ReasonMissingInput
	c.quarantinedAt = k.clock.tick()
	if c.missingInputs == nil {
		c.missingInputs = make(map[string]struct{})
	}
	c.missingInputs[missingRoot] = struct{}{}

	downstream := make([]*variable, 0, len(c.outputOrder))
	for _, outID := range c.outputOrder {
		v := c.outputs[outID]
		if v == nil {
			continue
		}
		delete(k.graph.variables, outID)
		v.problem = true
		v.dirty = false
		v.result = FatalResult(&StructuralError{
			Reason:        ReasonMissingInput,
			ComputationID: c.id,
			MissingInputs: keys(c.missingInputs),
		})
		k.graph.problemVariables[outID] = v
		for _, obs := range v.observers {
			k.callObserver(obs, v.result)
		}
		downstream = append(downstream, v)
	}
	k.graph.problemComputations[c.id] = c

	for _, v := range downstream {
		k.markDownstreamProblem(v)
	}
}

// repairAfterStructuralEvent implements spec §4.6's three-part sweep,
// triggered after every structural event.
func (k *Kernel) repairAfterStructuralEvent() {
	k.repairMissingInputs()
	k.repairFreedOutputs()
	k.repairCycles()
}

// repairMissingInputs sweeps every problem computation and drops any
// missingInputs entry that now resolves to a healthy variable, recovering
// the computation once both missingInputs and the conflict are clear.
func (k *Kernel) repairMissingInputs() {
	for _, c := range snapshotProblems(k.graph.problemComputations) {
		changed := false
		for in := range c.missingInputs {
			if k.graph.lookupVariable(in) != nil {
				delete(c.missingInputs, in)
				changed = true
			}
		}
		if changed && len(c.missingInputs) == 0 && c.conflictsWith == "" && len(c.cyclePath) == 0 {
			k.recoverProblemComputation(c)
		}
	}
}

// repairFreedOutputs implements first-win promotion: whichever waiter was
// registered earliest for a name whose owner just disappeared gets first
// crack at recovering into it.
func (k *Kernel) repairFreedOutputs() {
	for out, waiters := range k.graph.outputWaiters {
		if k.graph.producerOf(out) != "" {
			continue
		}
		var remaining []string
		for _, waiterID := range waiters {
			c, ok := k.graph.problemComputations[waiterID]
			if !ok {
				continue
			}
			if k.graph.producerOf(out) != "" {
				remaining = append(remaining, waiterID)
				continue
			}
			c.conflictsWith = ""
			if c.outputs[out] == nil {
				// This output was skipped at quarantine time (spec §4.6:
				// the losing definition never gets a variable for the name
				// it collided on). The previous owner's removal may have
				// left that cell behind as an ownerless placeholder
				// (removeComputationNode) so existing observers/waiters
				// carry over to the winner; otherwise this name has never
				// been backed by a variable at all, so start fresh. An
				// adopted placeholder's live observe count carries over to
				// its new producer.
				if v, orphaned := k.graph.problemVariables[out]; orphaned {
					v.producer = c.id
					c.outputs[out] = v
					c.observeCount += v.observeCount
				} else {
					v := newVariable(out)
					v.producer = c.id
					c.outputs[out] = v
				}
			}
			if len(c.missingInputs) == 0 && len(c.cyclePath) == 0 {
				k.recoverProblemComputation(c)
			} else {
				remaining = append(remaining, waiterID)
			}
		}
		if len(remaining) == 0 {
			delete(k.graph.outputWaiters, out)
		} else {
			k.graph.outputWaiters[out] = remaining
		}
	}
}

// repairCycles re-runs cycle detection for every still-problematic node.
func (k *Kernel) repairCycles() {
	for _, c := range snapshotProblems(k.graph.problemComputations) {
		if len(c.cyclePath) == 0 {
			continue
		}
		cyc := k.graph.detectCycle(c.definition)
		if len(cyc) > 0 {
			c.cyclePath = cyc
			continue
		}
		c.cyclePath = nil
		c.problemReason = ReasonMissingInput
		if len(c.missingInputs) == 0 && c.conflictsWith == "" {
			k.recoverProblemComputation(c)
		}
	}
}

// recoverProblemComputation rehydrates a problem computation back into the
// normal tables, re-attaches dependencies lazily (runtime inputs are
// rediscovered on next run, same as a fresh definition), then transitively
// attempts repair of its own downstream. A quarantined computation never
// ran, so - exactly like installHealthy - it comes back already dirty,
// standing in for "needs its first run"; nothing else would ever pull it
// out of Idle, since reviveIfStale has no runtimeInputs to compare against
// before the body has executed once. Any observers registered on its
// outputs survive untouched: the *variable the problem sub-DAG carried is
// the same one being reinstalled, not a copy, so there is nothing to
// restore.
func (k *Kernel) recoverProblemComputation(c *computation) {
	delete(k.graph.problemComputations, c.id)
	c.problem = false
	c.problemReason = ""
	c.missingInputs = make(map[string]struct{})
	c.conflictsWith = ""
	c.cyclePath = nil
	c.runtimeInputs = make(map[string]struct{})
	c.dirty = true
	c.dirtyInputCount = 0
	c.inputVersion = -1
	c.causeAt = k.clock.tick()

	for _, outID := range c.outputOrder {
		v := c.outputs[outID]
		if v == nil {
			continue
		}
		delete(k.graph.problemVariables, outID)
		v.problem = false
		v.result = UninitializedResult()
		v.dirty = true
		v.causeAt = c.causeAt
		k.graph.variables[outID] = v
	}
	k.graph.computations[c.id] = c

	k.markDownstreamRepairCandidate(c)
	k.maybeEnqueue(c)

	k.log.Info().Str("computation", c.id).Msg("computation recovered")
}

// markDownstreamRepairCandidate re-attempts repair for computations that
// were quarantined pointing at one of c's outputs.
func (k *Kernel) markDownstreamRepairCandidate(c *computation) {
	for _, outID := range c.outputOrder {
		for _, pc := range snapshotProblems(k.graph.problemComputations) {
			if _, wasMissing := pc.missingInputs[outID]; wasMissing {
				delete(pc.missingInputs, outID)
				if len(pc.missingInputs) == 0 && pc.conflictsWith == "" && len(pc.cyclePath) == 0 {
					k.recoverProblemComputation(pc)
				}
			}
		}
	}
}

func snapshotProblems(m map[string]*computation) []*computation {
	out := make([]*computation, 0, len(m))
	for _, c := range m {
		out = append(out, c)
	}
	return out
}
