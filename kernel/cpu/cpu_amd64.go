package cpu

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// InterruptsEnabled reports whether this CPU currently has interrupts
// enabled (the IF bit of rflags).
func InterruptsEnabled() bool

// Halt stops instruction execution.
func Halt()

// Pause executes a spin-loop hint instruction (PAUSE on amd64). It is used
// by busy-wait loops such as MCSLock to reduce memory-order contention and
// power draw between polls.
func Pause()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr

// ReadCR2 returns the faulting address recorded by the CPU in the CR2
// register during the most recent page fault.
func ReadCR2() uint64

// ID returns a small, dense, zero-based identifier for the calling CPU,
// suitable for indexing per-CPU arrays. On amd64 this is derived from the
// LAPIC ID programmed during boot, not from the raw APIC ID.
func ID() int

// SetLocalsBase programs this CPU's base register (GS base on amd64) to
// point at the per-CPU region allocated for it by kernel/cpu/percpu.
func SetLocalsBase(base uintptr)

// LocalsBase returns the value last programmed via SetLocalsBase for the
// calling CPU.
func LocalsBase() uintptr
