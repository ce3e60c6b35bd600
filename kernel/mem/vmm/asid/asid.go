// Package asid implements AsidAllocator (spec.md §4.8): a bitmap allocator
// over [Min, Cap) handing out address-space identifiers, with
// generation-rollover flush semantics so stale ASIDs can be detected at
// context-switch time without a global TLB shootdown on every allocation.
//
// The bitmap scan itself reuses the same big-endian bit-within-block
// convention as kernel/mem/pmm/allocator.BitmapAllocator.markFrame, scaled
// down from physical frames to the much smaller ASID space.
package asid

import "github.com/opencore/kernel/kernel/sync/mcs"

// ID identifies an address space to the MMU/TLB.
type ID uint16

// FlushRequired is the sentinel ID returned by Allocate when the bitmap is
// exhausted. Context-switch code seeing this value must issue an
// unconditional TLB flush rather than relying on ASID tagging.
const FlushRequired ID = 0xFFFF

const (
	// Min is the lowest ASID Allocate ever hands out; ASID 0 is commonly
	// reserved by hardware for the kernel's own address space.
	Min ID = 1
	// Cap bounds the ASID space (exclusive).
	Cap ID = 256
)

// Allocator hands out IDs from [Min, Cap) and tracks a generation counter
// that increments every time the bitmap fills up and is recycled.
type Allocator struct {
	lock       mcs.Lock
	bitmap     [(Cap + 63) / 64]uint64
	generation uint64
}

// New returns an Allocator with every ASID free and generation 0.
func New() *Allocator {
	return &Allocator{}
}

func (a *Allocator) isFree(id ID) bool {
	block := id / 64
	bit := uint64(1) << (63 - (id % 64))
	return a.bitmap[block]&bit == 0
}

func (a *Allocator) setUsed(id ID) {
	block := id / 64
	bit := uint64(1) << (63 - (id % 64))
	a.bitmap[block] |= bit
}

func (a *Allocator) clearUsed(id ID) {
	block := id / 64
	bit := uint64(1) << (63 - (id % 64))
	a.bitmap[block] &^= bit
}

// Allocate returns the lowest free ASID, or FlushRequired if none remain. On
// exhaustion the generation counter is bumped and the entire bitmap is
// reset to free, so the next Allocate call succeeds; callers observing
// FlushRequired must flush the TLB on every CPU before trusting any
// newly-issued ASID.
func (a *Allocator) Allocate() (ID, uint64) {
	var node mcs.Node
	node.Lock(&a.lock)
	defer node.Unlock(&a.lock)

	for id := Min; id < Cap; id++ {
		if a.isFree(id) {
			a.setUsed(id)
			return id, a.generation
		}
	}

	a.generation++
	for i := range a.bitmap {
		a.bitmap[i] = 0
	}
	return FlushRequired, a.generation
}

// Deallocate returns id to the free set. Deallocating FlushRequired is a
// no-op, since it was never a real allocation.
func (a *Allocator) Deallocate(id ID) {
	if id == FlushRequired || id < Min || id >= Cap {
		return
	}

	var node mcs.Node
	node.Lock(&a.lock)
	defer node.Unlock(&a.lock)

	a.clearUsed(id)
}

// Generation returns the allocator's current generation counter.
func (a *Allocator) Generation() uint64 {
	var node mcs.Node
	node.Lock(&a.lock)
	defer node.Unlock(&a.lock)

	return a.generation
}

// Stale reports whether an ASID handed out at asOfGeneration is no longer
// trustworthy, i.e. the allocator has since wrapped.
func (a *Allocator) Stale(asOfGeneration uint64) bool {
	return a.Generation() != asOfGeneration
}
