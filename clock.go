package reactor

import "sync/atomic"

// clock is the kernel's single monotonically increasing logical-timestamp
// source (spec §4.1). A source write or initial value, a computation
// install, redefinition, recovery or quarantine each take one tick; a
// settled task takes one tick per output whose value changed (outputs of
// one commit do not share a tick).
type clock struct {
	n atomic.Uint64
}

// now returns the current value without advancing it.
func (c *clock) now() uint64 {
	return c.n.Load()
}

// tick advances the clock and returns the new value. Intentionally not
// exported: GLOSSARY defines cause_at/value_at as internal bookkeeping: no
// facade operation reads the raw clock.
func (c *clock) tick() uint64 {
	return c.n.Add(1)
}
