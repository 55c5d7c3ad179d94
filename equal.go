package reactor

import (
	"reflect"

	"github.com/google/go-cmp/cmp"
)

// deepEqual implements the "deep structural equality operator for
// arbitrary user values" spec §9 requires of the host. It tries a cheap
// identity/== check first and only falls back to a structural compare when
// that is inconclusive, per the design note's guidance.
//
// go-cmp panics on unexported struct fields it doesn't know how to handle;
// since computation outputs are arbitrary host values we can't predict,
// that panic is recovered and treated as "changed" (the design note's
// "unequal non-comparable values must default to changed").
func deepEqual(a, b any) (equal bool) {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	// The recover must be installed before the fast path, not just around
	// the cmp.Equal fallback: a's static type (e.g. Result, which embeds
	// two interface fields) can report Comparable() == true while its
	// dynamic Value holds an uncomparable type such as a slice or map, in
	// which case == itself panics.
	defer func() {
		if recover() != nil {
			equal = false
		}
	}()

	// Fast path: comparable concrete types of the same dynamic type can be
	// compared with == without reflection, in the common case where that
	// can't panic.
	if reflect.TypeOf(a) == reflect.TypeOf(b) && reflect.TypeOf(a).Comparable() {
		return a == b
	}

	return cmp.Equal(a, b, cmp.Exporter(func(reflect.Type) bool { return true }))
}
