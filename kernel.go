package reactor

import (
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// Kernel is the public facade (spec §4.7 / §6). All mutation is serialized
// onto a single internal goroutine; every exported method is safe to call
// from any goroutine.
type Kernel struct {
	opts  KernelOptions
	log   zerolog.Logger
	clock clock
	graph *graphStore
	sched *scheduler

	stats Stats

	cmdCh  chan func()
	stopCh chan struct{}
	wg     sync.WaitGroup

	// deferred holds scheduling ticks queued during the processing of the
	// current command, executed only once the triggering command (and
	// anything it queues) returns - "deferred to the next scheduling
	// tick" (spec §4.5) without a literal round trip through cmdCh.
	deferred []func()

	idleWaiters []chan struct{}

	closeOnce sync.Once
}

type scheduler struct {
	ready   []string
	inQueue map[string]bool

	sem           *semaphore.Weighted
	maxConcurrent int64
	abortStrategy AbortStrategy

	nextTaskID   uint64
	runningCount int
	tickPending  bool
}

// New constructs a Kernel. The returned Kernel owns a background goroutine;
// call Close when done with it.
func New(opts KernelOptions) *Kernel {
	opts = opts.withDefaults()
	k := &Kernel{
		opts:  opts,
		log:   opts.logger(),
		graph: newGraphStore(),
		sched: &scheduler{
			inQueue:       make(map[string]bool),
			sem:           semaphore.NewWeighted(int64(opts.MaxConcurrent)),
			maxConcurrent: int64(opts.MaxConcurrent),
			abortStrategy: opts.AbortStrategy,
		},
		cmdCh:  make(chan func()),
		stopCh: make(chan struct{}),
	}
	k.wg.Add(1)
	go k.loop()
	return k
}

// Close stops the kernel's scheduler goroutine. In-flight bodies are left
// to terminate on their own (their contexts are not cancelled). Facade
// calls in flight when Close is invoked return once the kernel stops,
// whether or not their operation ran; calls issued after Close return
// without running.
func (k *Kernel) Close() {
	k.closeOnce.Do(func() {
		close(k.stopCh)
		k.wg.Wait()
	})
}

// loop is the sole goroutine that ever touches graph/scheduler state.
func (k *Kernel) loop() {
	defer k.wg.Done()
	for {
		select {
		case cmd := <-k.cmdCh:
			cmd()
			k.runDeferred()
		case <-k.stopCh:
			return
		}
	}
}

func (k *Kernel) runDeferred() {
	for len(k.deferred) > 0 {
		next := k.deferred[0]
		k.deferred = k.deferred[1:]
		next()
	}
	k.checkIdle()
	k.assertInvariants("end of command")
}

// deferTick schedules fn to run after the current command (and whatever it
// queues ahead of fn) finishes, realizing "ready-queue draining is deferred
// to the next scheduling tick" without re-entering the scheduler mid-cascade.
func (k *Kernel) deferTick(fn func()) {
	k.deferred = append(k.deferred, fn)
}

// post sends fn to the scheduler goroutine without waiting for it to run.
// Used for fire-and-forget notifications (task settlement) originating
// from task goroutines.
func (k *Kernel) post(fn func()) {
	select {
	case k.cmdCh <- fn:
	case <-k.stopCh:
	}
}

// execSync sends fn to the scheduler goroutine and blocks until it has run.
// Used by every facade method that must see its effects applied before
// returning.
func (k *Kernel) execSync(fn func()) {
	done := make(chan struct{})
	k.post(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
	case <-k.stopCh:
	}
}

func (k *Kernel) scheduleDrain() {
	if k.sched.tickPending {
		return
	}
	k.sched.tickPending = true
	k.deferTick(func() {
		k.sched.tickPending = false
		k.drainReady()
	})
}

func (k *Kernel) isIdle() bool {
	return len(k.sched.ready) == 0 && k.sched.runningCount == 0 && !k.sched.tickPending
}

func (k *Kernel) checkIdle() {
	if !k.isIdle() || len(k.idleWaiters) == 0 {
		return
	}
	waiters := k.idleWaiters
	k.idleWaiters = nil
	for _, ch := range waiters {
		close(ch)
	}
}

// callObserver invokes an observer/waiter callback with panic recovery, so
// one misbehaving callback can never corrupt scheduler state or take down
// the others sharing the same notification loop.
func (k *Kernel) callObserver(fn func(Result), res Result) {
	defer func() {
		if r := recover(); r != nil {
			k.logPanic("observer callback", r, debug.Stack())
		}
	}()
	fn(res)
}

func (k *Kernel) logPanic(site string, r any, stack []byte) {
	if k.opts.OnPanic != nil {
		k.opts.OnPanic(r, stack)
		return
	}
	k.log.Error().Str("site", site).Interface("panic", r).Bytes("stack", stack).Msg("recovered panic")
}
