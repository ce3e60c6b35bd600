package irq

import (
	"github.com/opencore/kernel/kernel"
	"github.com/opencore/kernel/kernel/sync/mcs"
)

// HwSource identifies a hardware interrupt source. ChipIndex selects the
// backing controller (an IOAPIC index, or an MSI-capable PCI function's own
// slot); Pin is that controller's own numbering for the source (a GSI, or
// an interrupt_parent phandle's pin) — generalizing the two hardware
// addressing schemes biscuit's pci/msi packages target into one key.
type HwSource struct {
	ChipIndex int
	Pin       uint32
}

var (
	errSourceAlreadyMapped = &kernel.Error{Module: "irq", Message: "hardware interrupt source is already mapped to a line", Kind: kernel.ErrAlreadyMapped}
	errSourceNotMapped     = &kernel.Error{Module: "irq", Message: "hardware interrupt source has no mapped line", Kind: kernel.ErrNotFound}
)

// Controller abstracts the interrupt controller hardware (IOAPIC, MSI-X
// table, legacy PIC) that IrqChip drives. Concrete implementations live
// alongside the bus driver that owns the hardware (e.g. kernel/pci for
// MSI-X) and are registered with InitChip at boot.
type Controller interface {
	// Configure programs the controller so that source raises vector when
	// asserted, enabling the line and targeting the current CPU.
	Configure(source HwSource, vector LineID) *kernel.Error
	// Mask disables delivery for source without forgetting its routing.
	Mask(source HwSource)
	// Unmask re-enables delivery for source.
	Unmask(source HwSource)
	// ClaimPending returns the hardware source backing the interrupt this
	// CPU is currently servicing, reading the controller's claim register.
	ClaimPending(cpu int) (HwSource, bool)
	// CompleteEOI writes the controller's completion/EOI register for source.
	CompleteEOI(cpu int, source HwSource)
}

// MappedIrqLine is an IrqLine bound to the hardware source that raises it.
// Dropping it (via Unmap) releases the binding and returns the line to the
// line pool.
type MappedIrqLine struct {
	*IrqLine
	Source HwSource
}

// IrqChip is the per-system singleton that maps hardware interrupt sources
// onto logical IrqLines and arbitrates claim/complete against the
// underlying Controller.
type IrqChip struct {
	lock       mcs.Lock
	controller Controller
	mapped     map[HwSource]*MappedIrqLine
}

var activeChip *IrqChip

// InitChip installs controller as the system's interrupt controller and
// returns the resulting IrqChip singleton. Must be called once during boot
// before any MapHwTo/Claim/Complete call.
func InitChip(controller Controller) *IrqChip {
	activeChip = &IrqChip{
		controller: controller,
		mapped:     make(map[HwSource]*MappedIrqLine),
	}
	return activeChip
}

// Chip returns the system's IrqChip singleton, or nil if InitChip has not
// run yet.
func Chip() *IrqChip {
	return activeChip
}

// MapHwTo binds source to line, programming the underlying controller.
func (c *IrqChip) MapHwTo(source HwSource, line *IrqLine) (*MappedIrqLine, *kernel.Error) {
	var node mcs.Node
	node.Lock(&c.lock)
	defer node.Unlock(&c.lock)

	if _, ok := c.mapped[source]; ok {
		return nil, errSourceAlreadyMapped
	}

	if err := c.controller.Configure(source, line.id); err != nil {
		return nil, err
	}

	m := &MappedIrqLine{IrqLine: line, Source: source}
	c.mapped[source] = m
	return m, nil
}

// Unmap masks the hardware source, forgets the binding and returns the
// underlying IrqLine to the line pool.
func (c *IrqChip) Unmap(m *MappedIrqLine) {
	var node mcs.Node
	node.Lock(&c.lock)
	c.controller.Mask(m.Source)
	delete(c.mapped, m.Source)
	node.Unlock(&c.lock)

	m.IrqLine.Free()
}

// Claim returns the MappedIrqLine for whatever hardware interrupt this CPU
// is currently servicing, or false if the controller reports none pending.
func (c *IrqChip) Claim(cpu int) (*MappedIrqLine, bool) {
	source, ok := c.controller.ClaimPending(cpu)
	if !ok {
		return nil, false
	}

	var node mcs.Node
	node.Lock(&c.lock)
	m := c.mapped[source]
	node.Unlock(&c.lock)

	return m, m != nil
}

// Complete writes the controller's EOI register for source, acknowledging
// that this CPU has finished servicing it.
func (c *IrqChip) Complete(cpu int, source HwSource) {
	c.controller.CompleteEOI(cpu, source)
}
