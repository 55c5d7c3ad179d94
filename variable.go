package reactor

// variable is a cell: a named storage slot carrying a Result and the two
// logical timestamps that drive propagation (spec §3 "Variable").
type variable struct {
	id       string
	result   Result
	valueAt  uint64 // last time the value actually changed
	causeAt  uint64 // last time an upstream perturbation reached this cell
	dirty    bool
	producer string // owning computation id, or "" for a source

	// dependents are the computations that have attached this variable as
	// a runtime input (sources: attached at defineComputation time for
	// static declaration isn't required - attachment happens lazily the
	// first time a body actually reads the variable; see scope.go).
	dependents map[string]struct{}

	// observeCount is the recursive count of live observers reaching this
	// cell through the consumer chain (spec §4.3.2).
	observeCount int

	// observers are directly-registered callbacks (via Kernel.Observe).
	observers map[uint64]func(Result)
	nextObsID uint64

	// cleanWaiters fire once when dirty transitions to false; used by the
	// pull-evaluation path (GetValueResult) and by the scope proxy awaiting a
	// dependency. Keyed so a single waiter can be cancelled individually.
	cleanWaiters map[uint64]func(Result)
	nextWaitID   uint64

	// problem marks this as a quarantined output living in the problem
	// sub-DAG's variable table rather than the normal one.
	problem bool
}

func newVariable(id string) *variable {
	return &variable{
		id:           id,
		result:       UninitializedResult(),
		dependents:   make(map[string]struct{}),
		observers:    make(map[uint64]func(Result)),
		cleanWaiters: make(map[uint64]func(Result)),
	}
}

// isSource reports whether this variable is externally written rather than
// computed.
func (v *variable) isSource() bool {
	return v.producer == ""
}
