package reactor

import (
	"context"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name            string
		dirty           bool
		observeCount    int
		dirtyInputCount int
		want            state
	}{
		{"clean and observed", false, 1, 0, stateIdle},
		{"dirty but unobserved", true, 0, 0, stateIdle},
		{"dirty, observed, inputs pending", true, 1, 2, statePending},
		{"dirty, observed, inputs clean", true, 1, 0, stateReady},
		{"dirty, observed, no inputs", true, 3, 0, stateReady},
		{"clean, unobserved, stale input count", false, 0, 1, stateIdle},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &computation{dirty: tt.dirty, observeCount: tt.observeCount, dirtyInputCount: tt.dirtyInputCount}
			if got := c.classify(); got != tt.want {
				t.Errorf("classify() = %s, want %s", got, tt.want)
			}
		})
	}
}

func newTestKernel(t *testing.T) *Kernel {
	t.Helper()
	k := New(KernelOptions{AssertInvariants: true})
	t.Cleanup(k.Close)
	return k
}

func newHealthyComp(id string, inputs, outputs []string) *computation {
	return newComputation(ComputationDef{ID: id, Inputs: inputs, Outputs: outputs})
}

func TestSetDirtyNoopWhenUnchanged(t *testing.T) {
	k := newTestKernel(t)
	c := newHealthyComp("c", nil, nil)
	c.dirty = true
	k.setDirty(c, true)
	if !c.dirty {
		t.Fatal("setDirty should not have changed dirty")
	}
}

func TestAdjustDirtyInputCountReadyToPendingAbortsRunningTask(t *testing.T) {
	k := newTestKernel(t)
	c := newHealthyComp("c", nil, nil)
	c.dirty = true
	c.observeCount = 1
	c.dirtyInputCount = 0 // Ready
	ctx, cancel := context.WithCancel(context.Background())
	c.runningTask = &runningTask{id: 1, ctx: ctx, cancel: cancel}

	k.adjustDirtyInputCount(c, 1) // Ready -> Pending
	if c.runningTask != nil {
		t.Fatal("transition to Pending should have aborted the running task")
	}
	if _, aborting := c.abortingTasks[1]; !aborting {
		t.Fatal("aborted task should be tracked in abortingTasks")
	}
}

func TestReactToTransitionObserveCountZeroAborts(t *testing.T) {
	k := newTestKernel(t)
	c := newHealthyComp("c", nil, nil)
	c.dirty = true
	c.observeCount = 1
	ctx, cancel := context.WithCancel(context.Background())
	c.runningTask = &runningTask{id: 7, ctx: ctx, cancel: cancel}

	k.adjustObserveCount(c, -1) // Ready -> Idle via observeCount == 0
	if c.runningTask != nil {
		t.Fatal("Ready->Idle via observeCount==0 must abort the running task")
	}
}

func TestReactToTransitionDirtyFalseDoesNotAbort(t *testing.T) {
	// A Ready->Idle transition via dirty turning false (a successful
	// commit) must never abort. A task is attached here so that a
	// regression aborting on this transition would be caught.
	k := newTestKernel(t)
	c := newHealthyComp("c", nil, nil)
	c.dirty = true
	c.observeCount = 1
	c.dirtyInputCount = 0
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.runningTask = &runningTask{id: 3, ctx: ctx, cancel: cancel}

	k.setDirty(c, false)
	if c.classify() != stateIdle {
		t.Fatalf("expected Idle after dirty cleared, got %s", c.classify())
	}
	if c.runningTask == nil {
		t.Fatal("Ready->Idle via dirty=false must not abort the running task")
	}
}

func TestMaybeEnqueueDedupes(t *testing.T) {
	k := newTestKernel(t)
	c := newHealthyComp("c", nil, nil)
	c.dirty = true
	c.observeCount = 1
	k.graph.computations["c"] = c

	k.maybeEnqueue(c)
	k.maybeEnqueue(c)

	count := 0
	for _, id := range k.sched.ready {
		if id == "c" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("computation enqueued %d times, want 1", count)
	}
}
