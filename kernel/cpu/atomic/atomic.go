// Package atomic implements the atomic-mode (preemption-disable) accounting
// primitive described by spec.md §4.3: a per-CPU non-preemptible scope
// counter with RAII-style guards, used by the scheduler to decide whether a
// voluntary reschedule is permitted right now.
//
// The counter itself is just another per-CPU local (kernel/cpu/percpu), so
// this package is thin by design: it is grounded on the same
// "one-copy-per-CPU" layout biscuit uses for its Physmem_t.percpu array
// (biscuit/src/mem/mem.go) and on the teacher's own panic convention
// (kernel/panic.go) for the might_sleep_here debug assertion.
package atomic

import "github.com/opencore/kernel/kernel/cpu/percpu"

var depth percpu.Atomic32

// Guard is an RAII token whose existence increments the per-CPU
// non-preempt count. Dropping it (calling Release) decrements the count.
// Guards nest: the count only reaches zero once every outstanding Guard for
// this CPU has been released.
type Guard struct {
	released bool
}

// Enter increments the per-CPU non-preempt count and returns a Guard. The
// scheduler must consult InAtomicMode and refuse to yield while it reports
// true; IRQ handlers execute in atomic mode by convention without ever
// calling Enter themselves.
func Enter() Guard {
	depth.Add(1)
	return Guard{}
}

// Release decrements the per-CPU non-preempt count. Calling Release more
// than once on the same Guard is a programmer error and panics, mirroring
// the teacher's convention of panicking on invariant violations
// (kernel/panic.go) rather than silently tolerating double-release.
func (g *Guard) Release() {
	if g.released {
		panic("atomic: Guard released twice")
	}
	g.released = true
	if depth.Add(-1) == ^uint32(0) {
		// Add(-1) on an already-zero counter wraps to the max uint32;
		// this means Enter/Release are unbalanced for this CPU.
		panic("atomic: guard count underflow")
	}
}

// InAtomicMode reports whether the calling CPU currently holds one or more
// outstanding atomic-mode guards.
func InAtomicMode() bool {
	return depth.Load() != 0
}

// Depth returns the calling CPU's current nesting depth, mostly useful for
// diagnostics and tests.
func Depth() uint32 {
	return depth.Load()
}

// MightSleepHere panics if the calling CPU is in atomic mode. It is a debug
// assertion meant to be called at the top of any operation that may block,
// sleep, or voluntarily reschedule (wait queues, allocation paths that may
// wait for memory, syscall entry points above the core).
func MightSleepHere() {
	if InAtomicMode() {
		panic("atomic: might_sleep_here called while in atomic mode")
	}
}
