package reactor

import "context"

// Scope is the handle a computation Body uses to read its inputs. Get
// blocks until the named variable is clean (dirty == false) or the body's
// context is cancelled (aggressive cancellation, spec §4.5/§5).
//
// A Body is only ever called with one Scope, on its own goroutine; Scope
// itself is not meant to be retained past the Body call that received it.

// scopeGetReq is a request from a running task's goroutine to the scheduler
// goroutine to read (and, the first time, attach to) a named variable.
type scopeGetReq struct {
	comp *computation
	task *runningTask
	name string
	resp chan scopeGetResp
}

type scopeGetResp struct {
	result Result
	err    error
}

type scopeImpl struct {
	k    *Kernel
	comp *computation
	task *runningTask
}

func (s *scopeImpl) Get(ctx context.Context, name string) (any, error) {
	res, err := s.GetResult(ctx, name)
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

func (s *scopeImpl) GetResult(ctx context.Context, name string) (Result, error) {
	if _, declared := s.comp.staticInputs[name]; !declared {
		return Result{}, ErrInvalidDynamicAccess
	}

	req := scopeGetReq{comp: s.comp, task: s.task, name: name, resp: make(chan scopeGetResp, 1)}
	s.k.post(func() { s.k.handleScopeGet(req) })

	select {
	case r := <-req.resp:
		return r.result, r.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-s.k.stopCh:
		return Result{}, ErrKernelClosed
	}
}

// handleScopeGet runs on the scheduler goroutine. It resolves the target
// variable to a clean state first (awaiting it if it is still dirty), and
// only then attaches the edge if this is the first time the running task
// has touched name - the order matters, since attaching before the await
// resolves would count against dirtyInputCount a dirtiness that is already
// on its way to clean.
func (s *Kernel) handleScopeGet(req scopeGetReq) {
	v := s.graph.lookupVariableAny(req.name)
	if v == nil {
		req.resp <- scopeGetResp{err: ErrUnknownID}
		return
	}
	if v.problem {
		req.resp <- scopeGetResp{result: v.result}
		return
	}

	if !v.dirty {
		s.attachRuntimeInput(req.comp, req.task, v)
		req.resp <- scopeGetResp{result: v.result}
		return
	}

	// v is dirty: it is either a source awaiting a fresh write (shouldn't
	// normally stay dirty) or a computation output that hasn't finished
	// its current run. Await its clean state before attaching as a
	// dependency - attaching now, while v is still dirty, would inflate
	// dirtyInputCount with a value that is about to become clean anyway
	// (spec §4.5 step 4: await first, then attach).
	comp, task := req.comp, req.task
	v.cleanWaiters[v.nextWaitID] = func(res Result) {
		s.attachRuntimeInput(comp, task, v)
		s.propagateObserveCount(v, -1)
		req.resp <- scopeGetResp{result: res}
	}
	v.nextWaitID++
	// Ensure the producer is actually scheduled to make progress: observe v
	// for the duration of the wait, so its producer is live even when
	// nothing downstream has attached to it yet.
	s.propagateObserveCount(v, 1)
	if v.producer != "" {
		if producer := s.graph.lookupComputationAny(v.producer); producer != nil {
			s.maybeEnqueue(producer)
		}
	}
}

// attachRuntimeInput implements the dynamic-dependency-discovery half of
// spec §4.5: the very first time a running task reads name, it becomes a
// tracked runtimeInput of the owning computation with the full edge
// machinery (dependents, observeCount propagation, dirtyInputCount, and a
// pre-bump of the task's own cause_at so the attachment itself never trips
// checkAbortOnCauseChange).
func (s *Kernel) attachRuntimeInput(comp *computation, task *runningTask, v *variable) {
	if task != nil {
		if _, touched := task.accessed[v.id]; touched {
			return
		}
		task.accessed[v.id] = struct{}{}
	}
	if _, already := comp.runtimeInputs[v.id]; already {
		return
	}
	comp.runtimeInputs[v.id] = struct{}{}
	v.dependents[comp.id] = struct{}{}

	if task != nil && v.causeAt > task.causeAt {
		task.causeAt = v.causeAt
	}

	s.propagateObserveCount(v, comp.observeCount)

	if v.dirty {
		s.adjustDirtyInputCount(comp, 1)
	}
}

// detachRuntimeInput is the mirror operation, used during cleanup of inputs
// not touched on the latest run (spec §4.5's "Clean-up unused runtime
// inputs").
func (s *Kernel) detachRuntimeInput(comp *computation, v *variable) {
	if _, tracked := comp.runtimeInputs[v.id]; !tracked {
		return
	}
	delete(comp.runtimeInputs, v.id)
	delete(v.dependents, comp.id)

	s.propagateObserveCount(v, -comp.observeCount)

	if v.dirty {
		s.adjustDirtyInputCount(comp, -1)
	}
}
