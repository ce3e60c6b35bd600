// Package pci implements PCI configuration space access over the ECAM
// (Enhanced Configuration Access Mechanism) memory window (spec.md §6):
// bus/device/function enumeration and an MSI-X-backed kernel/irq.Controller.
// The ECAM address formula is grounded on iansmith-mazarin's
// pciConfigRead32/pciConfigWrite32 (src/mazboot/golang/main/pci_qemu.go),
// generalized from that package's fixed AArch64 virt-machine base address to
// an arbitrary base supplied by the ACPI MCFG table or a device-tree
// "pci-host-ecam-generic" reg property. MSI-X table entries are addressed
// directly by a HwSource's Pin; no vector pool is kept. Uses
// github.com/sirupsen/logrus for bus-enumeration diagnostics, per
// SPEC_FULL.md's DOMAIN STACK table.
package pci

import (
	"unsafe"

	"github.com/sirupsen/logrus"

	"github.com/opencore/kernel/kernel"
	"github.com/opencore/kernel/kernel/irq"
)

// Configuration space offsets this package reads or writes.
const (
	offVendorID     = 0x00
	offDeviceID     = 0x02
	offCommand      = 0x04
	offHeaderType   = 0x0E
	offCapPointer   = 0x34
	maxConfigOffset = 0xFFC

	capIDMSIX = 0x11

	vendorIDNone = 0xFFFF

	commandBusMaster   = 1 << 2
	commandMemorySpace = 1 << 1
)

var (
	errOffsetOutOfRange = &kernel.Error{Module: "pci", Message: "configuration offset exceeds ECAM maximum", Kind: kernel.ErrOutOfRange}
	errNoMSIXCapability = &kernel.Error{Module: "pci", Message: "function has no MSI-X capability", Kind: kernel.ErrNotFound}
	errVectorOutOfRange = &kernel.Error{Module: "pci", Message: "MSI-X vector index out of range", Kind: kernel.ErrOutOfRange}
)

// BusAddr identifies a PCI function by its bus/device/function triple.
type BusAddr struct {
	Bus, Device, Function uint8
}

// ecamOffset computes the ECAM byte offset for addr+offset, per the formula
// in spec.md §6: ecam_base + (bus<<20) + (device<<15) + (function<<12) + offset.
func ecamOffset(addr BusAddr, offset uint32) (uint64, *kernel.Error) {
	if offset > maxConfigOffset {
		return 0, errOffsetOutOfRange
	}
	return uint64(addr.Bus)<<20 | uint64(addr.Device)<<15 | uint64(addr.Function)<<12 | uint64(offset), nil
}

// EcamSpace is a virtually-mapped ECAM configuration window.
type EcamSpace struct {
	base uintptr
}

// NewEcamSpace wraps the virtual address an ECAM MMIO window has already
// been mapped at (by the caller's vmm setup) for config space access.
func NewEcamSpace(base uintptr) *EcamSpace {
	return &EcamSpace{base: base}
}

// Read32 reads a 32-bit little-endian value from addr's configuration space.
func (e *EcamSpace) Read32(addr BusAddr, offset uint32) (uint32, *kernel.Error) {
	off, err := ecamOffset(addr, offset)
	if err != nil {
		return 0, err
	}
	return *(*uint32)(unsafe.Pointer(e.base + uintptr(off))), nil
}

// Write32 writes a 32-bit little-endian value to addr's configuration space.
func (e *EcamSpace) Write32(addr BusAddr, offset uint32, value uint32) *kernel.Error {
	off, err := ecamOffset(addr, offset)
	if err != nil {
		return err
	}
	*(*uint32)(unsafe.Pointer(e.base + uintptr(off))) = value
	return nil
}

func (e *EcamSpace) read16(addr BusAddr, offset uint32) (uint16, *kernel.Error) {
	v, err := e.Read32(addr, offset&^3)
	if err != nil {
		return 0, err
	}
	shift := (offset & 3) * 8
	return uint16(v >> shift), nil
}

// Function describes one discovered PCI function.
type Function struct {
	Addr     BusAddr
	VendorID uint16
	DeviceID uint16
}

// EnumerateFunctions walks every (bus, device, function) triple in
// [busLow, busHigh] and returns the ones that respond with a real vendor ID.
// Only function 0 of single-function devices is probed; multi-function
// devices are detected via the header-type high bit, matching the standard
// PCI enumeration algorithm.
func (e *EcamSpace) EnumerateFunctions(busLow, busHigh uint8, log *logrus.Logger) []Function {
	if log == nil {
		log = logrus.StandardLogger()
	}

	var found []Function
	for bus := int(busLow); bus <= int(busHigh); bus++ {
		for device := 0; device < 32; device++ {
			addr := BusAddr{Bus: uint8(bus), Device: uint8(device), Function: 0}
			vendor, err := e.read16(addr, offVendorID)
			if err != nil || vendor == vendorIDNone {
				continue
			}

			maxFn := 1
			if headerType, err := e.read16(addr, offHeaderType); err == nil && headerType&0x80 != 0 {
				maxFn = 8
			}

			for fn := 0; fn < maxFn; fn++ {
				fnAddr := BusAddr{Bus: uint8(bus), Device: uint8(device), Function: uint8(fn)}
				v, err := e.read16(fnAddr, offVendorID)
				if err != nil || v == vendorIDNone {
					continue
				}
				d, _ := e.read16(fnAddr, offDeviceID)

				log.WithFields(logrus.Fields{
					"bus": bus, "device": device, "function": fn,
					"vendor": v, "device_id": d,
				}).Debug("pci: discovered function")

				found = append(found, Function{Addr: fnAddr, VendorID: v, DeviceID: d})
			}
		}
	}
	return found
}

// enableBusMaster sets the bus-master and memory-space bits in the
// function's command register, required before MSI-X delivery will work.
func (e *EcamSpace) enableBusMaster(addr BusAddr) *kernel.Error {
	cmd, err := e.read16(addr, offCommand)
	if err != nil {
		return err
	}
	return e.Write32(addr, offCommand&^3, uint32(cmd)|commandBusMaster|commandMemorySpace)
}

// findCapability walks the function's capability list looking for id,
// returning its configuration-space offset.
func (e *EcamSpace) findCapability(addr BusAddr, id uint8) (uint32, bool) {
	ptr, err := e.read16(addr, offCapPointer)
	if err != nil {
		return 0, false
	}

	for offset := uint32(ptr & 0xFC); offset != 0; {
		header, err := e.Read32(addr, offset)
		if err != nil {
			return 0, false
		}
		capID := uint8(header)
		if capID == id {
			return offset, true
		}
		offset = uint32((header >> 8) & 0xFC)
	}
	return 0, false
}
