package pci

import (
	"unsafe"

	"github.com/sirupsen/logrus"

	"github.com/opencore/kernel/kernel"
	"github.com/opencore/kernel/kernel/irq"
)

const (
	msixEntrySize        = 16
	msixVectorCtrlOffset = 12
	msixMaskBit          = 1 << 0

	// lapicBase is the fixed physical base of the local APIC on amd64;
	// MSI-X messages target 0xFEE00000 | (destination APIC ID << 12).
	lapicBase = 0xFEE00000
)

type msixTableEntry struct {
	msgAddrLo, msgAddrHi, msgData, vectorControl uint32
}

func msixEntryPtr(tableBase uintptr, index uint32) *msixTableEntry {
	return (*msixTableEntry)(unsafe.Pointer(tableBase + uintptr(index)*msixEntrySize))
}

// msixFunction is one PCI function registered with a MsixController.
type msixFunction struct {
	ecam      *EcamSpace
	addr      BusAddr
	capOffset uint32
	tableBase uintptr
	numVecs   uint32
}

// MsixController implements kernel/irq.Controller over PCI MSI-X tables. A
// HwSource's ChipIndex selects the registered function; Pin selects the
// table entry (vector) within it directly; entries are not drawn from a
// pool.
type MsixController struct {
	functions map[int]*msixFunction
	log       *logrus.Logger
}

// NewMsixController constructs an empty controller. Pass nil to use
// logrus.StandardLogger().
func NewMsixController(log *logrus.Logger) *MsixController {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &MsixController{functions: make(map[int]*msixFunction), log: log}
}

// RegisterFunction enables MSI-X for the function at addr and assigns it
// chipIndex for use in HwSource.ChipIndex. tableVirtAddr is the virtual
// address the function's MSI-X table BAR has already been mapped at.
func (c *MsixController) RegisterFunction(chipIndex int, ecam *EcamSpace, addr BusAddr, tableVirtAddr uintptr) *kernel.Error {
	offset, ok := ecam.findCapability(addr, capIDMSIX)
	if !ok {
		return errNoMSIXCapability
	}

	capHeader, err := ecam.Read32(addr, offset)
	if err != nil {
		return err
	}
	numVecs := ((capHeader >> 16) & 0x7FF) + 1

	if err := ecam.enableBusMaster(addr); err != nil {
		return err
	}

	// Set the MSI-X Enable bit (31) and clear Function Mask (30) in the
	// capability's message-control word.
	capHeader |= 1 << 31
	capHeader &^= 1 << 30
	if err := ecam.Write32(addr, offset, capHeader); err != nil {
		return err
	}

	c.functions[chipIndex] = &msixFunction{
		ecam:      ecam,
		addr:      addr,
		capOffset: offset,
		tableBase: tableVirtAddr,
		numVecs:   numVecs,
	}

	c.log.WithFields(logrus.Fields{"chip_index": chipIndex, "vectors": numVecs}).Info("pci: registered MSI-X function")
	return nil
}

func (c *MsixController) entry(source irq.HwSource) (*msixTableEntry, *kernel.Error) {
	fn, ok := c.functions[source.ChipIndex]
	if !ok {
		return nil, errNoMSIXCapability
	}
	if source.Pin >= fn.numVecs {
		return nil, errVectorOutOfRange
	}
	return msixEntryPtr(fn.tableBase, source.Pin), nil
}

// Configure implements irq.Controller: programs the table entry to deliver
// vector to CPU 0's local APIC and unmasks it.
func (c *MsixController) Configure(source irq.HwSource, vector irq.LineID) *kernel.Error {
	e, err := c.entry(source)
	if err != nil {
		return err
	}
	e.msgAddrLo = lapicBase
	e.msgAddrHi = 0
	e.msgData = uint32(vector)
	e.vectorControl &^= msixMaskBit
	return nil
}

// Mask implements irq.Controller.
func (c *MsixController) Mask(source irq.HwSource) {
	if e, err := c.entry(source); err == nil {
		e.vectorControl |= msixMaskBit
	}
}

// Unmask implements irq.Controller.
func (c *MsixController) Unmask(source irq.HwSource) {
	if e, err := c.entry(source); err == nil {
		e.vectorControl &^= msixMaskBit
	}
}

// pendingByCPU records the HwSource the architecture's interrupt entry stub
// most recently observed for a given CPU, via NotifyVector. MSI-X has no
// hardware claim register the way a legacy IOAPIC does: the delivered
// vector IS the source identity, so ClaimPending is a software lookup
// rather than an MMIO read.
var pendingByCPU = make(map[int]irq.HwSource)

// NotifyVector records that vector fired on cpu, for a subsequent
// ClaimPending to retrieve. Called by the (architecture-specific) interrupt
// entry path before dispatching to kernel/irq.
func (c *MsixController) NotifyVector(cpu int, source irq.HwSource) {
	pendingByCPU[cpu] = source
}

// ClaimPending implements irq.Controller.
func (c *MsixController) ClaimPending(cpu int) (irq.HwSource, bool) {
	source, ok := pendingByCPU[cpu]
	if ok {
		delete(pendingByCPU, cpu)
	}
	return source, ok
}

// CompleteEOI implements irq.Controller. MSI-X itself needs no per-device
// completion write; the local APIC's own EOI register (not yet modeled by
// this package) is what actually needs acknowledging, so this is
// intentionally a no-op at the PCI level.
func (c *MsixController) CompleteEOI(cpu int, source irq.HwSource) {}
