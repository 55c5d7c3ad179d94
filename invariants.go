package reactor

import "fmt"

// checkInvariants evaluates the quantified invariants of spec §8 against
// the current graph state, returning a description of every violation
// found (nil if none). Only called when KernelOptions.AssertInvariants is
// set; runs on the scheduler goroutine at the end of each command.
func (k *Kernel) checkInvariants() []string {
	var violations []string

	for id, v := range k.graph.variables {
		if v.isSource() && v.dirty {
			violations = append(violations, fmt.Sprintf("source %q is dirty", id))
		}
	}

	for id, c := range k.graph.computations {
		wantDirtyInputCount := 0
		var maxInputCause uint64
		for in := range c.runtimeInputs {
			iv := k.graph.lookupVariableAny(in)
			if iv == nil {
				continue
			}
			if iv.causeAt > maxInputCause {
				maxInputCause = iv.causeAt
			}
			if !iv.isSource() && iv.dirty {
				wantDirtyInputCount++
			}
		}
		if c.dirtyInputCount != wantDirtyInputCount {
			violations = append(violations, fmt.Sprintf(
				"computation %q dirtyInputCount = %d, want %d", id, c.dirtyInputCount, wantDirtyInputCount))
		}
		if c.causeAt < maxInputCause {
			violations = append(violations, fmt.Sprintf(
				"computation %q cause_at %d < max input cause_at %d", id, c.causeAt, maxInputCause))
		}
		for _, outID := range c.outputOrder {
			if o := c.outputs[outID]; o != nil && o.causeAt != c.causeAt {
				violations = append(violations, fmt.Sprintf(
					"output %q cause_at %d != owner %q cause_at %d", outID, o.causeAt, id, c.causeAt))
			}
		}

		wantState := c.classify()
		if c.runningTask != nil {
			if wantState != stateReady {
				violations = append(violations, fmt.Sprintf(
					"computation %q has a running task but classifies as %s", id, wantState))
			}
			if _, aborting := c.abortingTasks[c.runningTask.id]; aborting {
				violations = append(violations, fmt.Sprintf(
					"computation %q runningTask is also in abortingTasks", id))
			}
		}
	}

	for id, v := range k.graph.problemVariables {
		if v.result.Kind != KindFatal {
			violations = append(violations, fmt.Sprintf("problem variable %q does not carry a Fatal result", id))
		}
	}
	for id, c := range k.graph.computations {
		for in := range c.runtimeInputs {
			if _, isProblem := k.graph.problemVariables[in]; isProblem {
				violations = append(violations, fmt.Sprintf(
					"healthy computation %q has problem variable %q as a runtime input", id, in))
			}
		}
	}

	return violations
}

// assertInvariants panics with the first violation if AssertInvariants is
// enabled and checkInvariants finds any.
func (k *Kernel) assertInvariants(site string) {
	if !k.opts.AssertInvariants {
		return
	}
	if violations := k.checkInvariants(); len(violations) > 0 {
		panic(fmt.Sprintf("reactor: invariant violation at %s: %s", site, violations[0]))
	}
}
