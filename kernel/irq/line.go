package irq

import (
	"github.com/opencore/kernel/kernel"
	"github.com/opencore/kernel/kernel/sync/mcs"
)

// LineID identifies a logical IRQ line within this kernel, independent of
// any hardware vector numbering.
type LineID uint32

// maxLines bounds the logical IRQ line pool. The vector vacancy itself is a
// small, fixed arch resource (biscuit's msi package reserves eight MSI
// vectors for the same reason); this kernel generalizes the pool to cover
// both MSI and legacy PIC/IOAPIC sources behind a single ID space.
const maxLines LineID = 224

var errNoMoreIrqs = &kernel.Error{Module: "irq", Message: "no free IRQ lines remain", Kind: kernel.ErrOutOfMemory}

var linePool struct {
	lock mcs.Lock
	used [(maxLines + 63) / 64]uint64
}

func linePoolIsFree(id LineID) bool {
	block := id / 64
	bit := uint64(1) << (63 - (id % 64))
	return linePool.used[block]&bit == 0
}

func linePoolMark(id LineID, used bool) {
	block := id / 64
	bit := uint64(1) << (63 - (id % 64))
	if used {
		linePool.used[block] |= bit
	} else {
		linePool.used[block] &^= bit
	}
}

// Observer is invoked, in registration order, whenever the IrqLine it was
// registered on fires.
type Observer func(*IrqLine)

// IrqLine is a logical interrupt number reserved from the line pool, with a
// list of observer callbacks invoked when the line is asserted. The line
// holds strong references to its observers but never a back-pointer to
// whatever registered them, so a dropped subsystem never keeps a line alive
// and a live line never keeps a dropped subsystem alive.
type IrqLine struct {
	id LineID

	lock      mcs.Lock
	observers []Observer
}

// AllocLine reserves the lowest free logical IRQ line.
func AllocLine() (*IrqLine, *kernel.Error) {
	var node mcs.Node
	node.Lock(&linePool.lock)
	defer node.Unlock(&linePool.lock)

	for id := LineID(0); id < maxLines; id++ {
		if linePoolIsFree(id) {
			linePoolMark(id, true)
			return &IrqLine{id: id}, nil
		}
	}
	return nil, errNoMoreIrqs
}

// ID returns the line's logical IRQ number.
func (l *IrqLine) ID() LineID {
	return l.id
}

// OnActive registers obs to run whenever the line fires. Callbacks run in
// registration order.
func (l *IrqLine) OnActive(obs Observer) {
	var node mcs.Node
	node.Lock(&l.lock)
	defer node.Unlock(&l.lock)

	l.observers = append(l.observers, obs)
}

// Fire invokes every registered observer, in registration order.
func (l *IrqLine) Fire() {
	var node mcs.Node
	node.Lock(&l.lock)
	observers := make([]Observer, len(l.observers))
	copy(observers, l.observers)
	node.Unlock(&l.lock)

	for _, obs := range observers {
		obs(l)
	}
}

// Free drops every observer and returns the line number to the pool. Callers
// must unmap the line from any IrqChip binding first.
func (l *IrqLine) Free() {
	var node mcs.Node
	node.Lock(&l.lock)
	l.observers = nil
	node.Unlock(&l.lock)

	node.Lock(&linePool.lock)
	linePoolMark(l.id, false)
	node.Unlock(&linePool.lock)
}
