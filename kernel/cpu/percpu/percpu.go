// Package percpu implements the per-CPU locals mechanism described by
// spec.md §4.2: a value that logically exists once per CPU, reached through
// the CPU's base register, and only safely borrowed while interrupts (and
// therefore migration) are disabled.
//
// The teacher's cpu_amd64.go exposes bare asm-stub primitives
// (EnableInterrupts/DisableInterrupts/SetLocalsBase/LocalsBase) that a real
// linker section and GS-base trick would use; this package builds the
// generic, type-safe accessor on top of them the way
// Oichkatzelesfrettschen-biscuit's mem.Physmem_t builds a
// "percpu [runtime.MAXCPUS]pcpuphys_t" array keyed by a CPU-hint function
// (see biscuit/src/mem/mem.go).
package percpu

import "github.com/opencore/kernel/kernel/cpu"

// MaxCPUs bounds the number of per-CPU copies a Cell can hold. It mirrors
// runtime.MAXCPUS in the biscuit teacher: a compile-time cap rather than a
// dynamic allocation, since the allocator may not exist yet when the BSP
// brings up its own Cell copies.
const MaxCPUs = 256

// The following function variables are swapped out in tests so that per-CPU
// behavior can be exercised without real hardware; they are automatically
// inlined by the compiler in the production build, matching the teacher's
// reserveRegionFn/mapFn seams in mem/pmm/allocator.
var (
	idFn                = cpu.ID
	interruptsEnabledFn = cpu.InterruptsEnabled
	disableInterruptsFn = cpu.DisableInterrupts
	enableInterruptsFn  = cpu.EnableInterrupts
)

// Cell is a value that exists once per CPU. The zero Cell is valid and has
// every per-CPU copy zero-valued.
type Cell[T any] struct {
	copies [MaxCPUs]T
}

// Guard is returned by Borrow and must be released (typically via defer) to
// restore the interrupt state that was in effect before the borrow. Nested
// borrows are permitted: only the outermost Guard re-enables interrupts.
type Guard struct {
	restore bool
}

// Release restores the CPU's interrupt-enabled state to what it was before
// the matching Borrow call.
func (g Guard) Release() {
	if g.restore {
		enableInterruptsFn()
	}
}

// Borrow disables interrupts (if not already disabled) and returns a pointer
// to the calling CPU's copy together with a Guard that must be released to
// undo the interrupt-disable. Per spec.md §3 "PerCpuStatic<T>", the returned
// pointer must not be retained past the Guard's Release.
func (c *Cell[T]) Borrow() (*T, Guard) {
	wasEnabled := interruptsEnabledFn()
	if wasEnabled {
		disableInterruptsFn()
	}
	return &c.copies[idFn()], Guard{restore: wasEnabled}
}

// BorrowFunc is a convenience wrapper that borrows the local copy for the
// duration of fn and releases the guard afterwards, including on panic.
func (c *Cell[T]) BorrowFunc(fn func(local *T)) {
	local, guard := c.Borrow()
	defer guard.Release()
	fn(local)
}

// Atomic32 is a per-CPU uint32 that may be read or written without disabling
// interrupts, since on amd64 both the load/store and the offset addressing
// mode (GS-relative) are already atomic with respect to the owning CPU; only
// a migrating read (from a different CPU) needs the atomic/sync package, and
// this type is only ever touched by its own CPU.
type Atomic32 struct {
	copies [MaxCPUs]uint32
}

// Load returns the calling CPU's current value.
func (a *Atomic32) Load() uint32 { return a.copies[idFn()] }

// Store sets the calling CPU's value.
func (a *Atomic32) Store(v uint32) { a.copies[idFn()] = v }

// Add adds delta to the calling CPU's value and returns the new value.
func (a *Atomic32) Add(delta int32) uint32 {
	id := idFn()
	a.copies[id] = uint32(int32(a.copies[id]) + delta)
	return a.copies[id]
}

// OverrideIDForTesting replaces the calling-CPU id function used by every
// Cell and Atomic32 for the duration of a test, since cpu.ID itself requires
// running CPU hardware. Callers must invoke the returned restore func,
// typically via defer.
func OverrideIDForTesting(fn func() int) (restore func()) {
	orig := idFn
	idFn = fn
	return func() { idFn = orig }
}
