// Package rangecounter implements RangeCounter (spec.md §3): a mapping from
// usize indices to non-negative integers, defaulting to zero, supporting
// add(range)/remove(range) that atomically bump or decrement every counter
// in the range and report the sub-ranges that transitioned to or from zero.
// It is used by DMA/IO tracking to know exactly which byte ranges of a
// buffer are currently referenced by in-flight transfers.
//
// The counter state is a run-length encoding keyed on breakpoints, stored in
// a github.com/google/btree.BTree (the dependency gvisor's go.mod carries
// for similar interval bookkeeping, e.g. pkg/segment-derived range maps).
// Each mutation inserts breakpoints at the ends of its range and afterwards
// drops every breakpoint inside that range, other than the one at its
// start, whose count equals the preceding one's, so the tree stays
// proportional to the number of mutated sub-ranges, not the size of the
// address space. A breakpoint at a mutated range's start is kept even when
// its count equals the run before it.
package rangecounter

import "github.com/google/btree"

// Range is a half-open interval [Start, End).
type Range struct {
	Start uint64
	End   uint64
}

type breakpoint struct {
	at    uint64
	count uint32
}

func (b breakpoint) Less(than btree.Item) bool {
	return b.at < than.(breakpoint).at
}

// Counter is a RangeCounter instance. The zero value is not usable; use New.
type Counter struct {
	tree *btree.BTree
}

// New returns an empty Counter, equivalent to every index mapping to zero.
func New() *Counter {
	return &Counter{tree: btree.New(32)}
}

// countAt returns the run value covering index x.
func (c *Counter) countAt(x uint64) uint32 {
	var val uint32
	c.tree.DescendLessOrEqual(breakpoint{at: x}, func(i btree.Item) bool {
		val = i.(breakpoint).count
		return false
	})
	return val
}

// ensureBreakpoint splits the run covering x (if any) by inserting an
// explicit breakpoint at x carrying the value that already applied there.
func (c *Counter) ensureBreakpoint(x uint64) {
	if c.tree.Has(breakpoint{at: x}) {
		return
	}
	c.tree.ReplaceOrInsert(breakpoint{at: x, count: c.countAt(x)})
}

// mergeAdjacent drops any breakpoint in (start, end] whose count equals its
// predecessor's, since it no longer marks a real transition. The breakpoint
// at start is not compared with the one before the range.
func (c *Counter) mergeAdjacent(start, end uint64) {
	var toDelete []breakpoint
	var prevCount uint32
	havePrev := false

	c.tree.AscendRange(breakpoint{at: start}, breakpoint{at: end + 1}, func(i btree.Item) bool {
		bp := i.(breakpoint)
		if havePrev && bp.count == prevCount {
			toDelete = append(toDelete, bp)
		} else {
			havePrev = true
		}
		prevCount = bp.count
		return true
	})

	for _, bp := range toDelete {
		c.tree.Delete(bp)
	}
}

// Add increments the counter for every index in [start, end) by one and
// returns the sub-ranges that transitioned from zero to non-zero.
func (c *Counter) Add(r Range) []Range {
	return c.apply(r, +1)
}

// Remove decrements the counter for every index in [start, end) by one and
// returns the sub-ranges that transitioned from one to zero. Removing from
// an index whose count is already zero is a programmer error and panics.
func (c *Counter) Remove(r Range) []Range {
	return c.apply(r, -1)
}

func (c *Counter) apply(r Range, delta int32) []Range {
	if r.Start >= r.End {
		return nil
	}

	c.ensureBreakpoint(r.Start)
	c.ensureBreakpoint(r.End)

	var (
		transitions  []Range
		pendingStart uint64
		pending      bool
	)

	c.tree.AscendRange(breakpoint{at: r.Start}, breakpoint{at: r.End}, func(i btree.Item) bool {
		bp := i.(breakpoint)

		switch {
		case delta > 0:
			wasZero := bp.count == 0
			bp.count++
			if wasZero && !pending {
				pending, pendingStart = true, bp.at
			} else if !wasZero && pending {
				transitions = append(transitions, Range{pendingStart, bp.at})
				pending = false
			}
		case delta < 0:
			if bp.count == 0 {
				panic("rangecounter: Remove called on an index with a zero count")
			}
			bp.count--
			becameZero := bp.count == 0
			if becameZero && !pending {
				pending, pendingStart = true, bp.at
			} else if !becameZero && pending {
				transitions = append(transitions, Range{pendingStart, bp.at})
				pending = false
			}
		}

		c.tree.ReplaceOrInsert(bp)
		return true
	})

	if pending {
		transitions = append(transitions, Range{pendingStart, r.End})
	}

	c.mergeAdjacent(r.Start, r.End)
	return transitions
}

// CountAt returns the current counter value at index x.
func (c *Counter) CountAt(x uint64) uint32 {
	return c.countAt(x)
}
