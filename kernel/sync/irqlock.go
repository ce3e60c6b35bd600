// Package sync provides the IRQ-disabling lock variant required by
// spec.md §5: "Interrupts MUST be disabled when acquiring any lock that may
// also be acquired from an interrupt handler; the lock type statically
// encodes this by being an IRQ-disabling variant." IrqLock composes
// kernel/cpu's interrupt-enable/disable primitives with an mcs.Lock so the
// type system (a distinct Go type, IrqLock vs mcs.Lock) separates IRQ-safe
// locks from plain ones, the way the spec's source language's type system
// would via a marker trait.
package sync

import (
	"github.com/opencore/kernel/kernel/cpu"
	"github.com/opencore/kernel/kernel/sync/mcs"
)

// The following function variables are swapped out in tests so that IrqLock
// behavior can be exercised without real hardware, matching the teacher's
// reserveRegionFn/mapFn seam convention.
var (
	interruptsEnabledFn = cpu.InterruptsEnabled
	disableInterruptsFn = cpu.DisableInterrupts
	enableInterruptsFn  = cpu.EnableInterrupts
)

// IrqLock wraps an mcs.Lock so that acquiring it also disables interrupts
// on the calling CPU, and releasing it restores whatever interrupt state
// was in effect beforehand. Use IrqLock for any state that is also touched
// from an interrupt handler; use a bare mcs.Lock (or sync.Mutex, for
// longer-held state per spec.md §5) everywhere else.
type IrqLock struct {
	inner mcs.Lock
}

// IrqNode is the per-acquisition wait node plus saved interrupt state for an
// IrqLock acquisition. Like mcs.Node, it must live on the caller's stack and
// not be shared across concurrent acquisitions.
type IrqNode struct {
	node       mcs.Node
	wasEnabled bool
}

// Lock disables interrupts (recording whether they were previously enabled)
// and then acquires the underlying MCS lock.
func (n *IrqNode) Lock(l *IrqLock) {
	n.wasEnabled = interruptsEnabledFn()
	if n.wasEnabled {
		disableInterruptsFn()
	}
	n.node.Lock(&l.inner)
}

// Unlock releases the underlying MCS lock and restores the interrupt state
// captured by the matching Lock call.
func (n *IrqNode) Unlock(l *IrqLock) {
	n.node.Unlock(&l.inner)
	if n.wasEnabled {
		enableInterruptsFn()
	}
}
