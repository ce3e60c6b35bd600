// Package linuxboot parses the Linux Boot Protocol hand-off (spec.md §6): a
// BootParams ("zero page") structure at a register-provided address,
// containing hdr.type_of_loader, hdr.cmd_line_ptr, hdr.ramdisk_image/size,
// acpi_rsdp_addr and the e820_table. Modeled after the teacher's
// kernel/hal/multiboot package: a package-level base pointer set once by
// SetParamsPtr, with small typed overlays read via fixed byte offsets from
// it rather than one big Go struct, since the real zero-page layout carries
// version-dependent padding this kernel does not need to reproduce in full.
package linuxboot

import "unsafe"

// Byte offsets of the fields this kernel actually consumes, per the Linux
// Boot Protocol documentation (Documentation/x86/boot.rst).
const (
	offE820Entries   = 0x1e8 // u8: number of populated e820_table entries
	offE820Table     = 0x2d0 // e820_entry[128], 20 bytes each
	offTypeOfLoader  = 0x210 // u8
	offRamdiskImage  = 0x218 // u32: physical address of the initramfs
	offRamdiskSize   = 0x21c // u32
	offCmdLinePtr    = 0x228 // u32: physical address of a NUL-terminated cmdline
	offAcpiRsdpAddr  = 0x250 // u64, 0 if not provided (protocol >= 2.14)
	e820EntrySize    = 20
	maxE820Entries   = 128
)

// E820Type classifies an e820_table entry.
type E820Type uint32

const (
	E820Ram      E820Type = 1
	E820Reserved E820Type = 2
	E820Acpi     E820Type = 3
	E820Nvs      E820Type = 4
	E820Unusable E820Type = 5
)

// E820Entry describes one e820_table row.
type E820Entry struct {
	Addr uint64
	Size uint64
	Type E820Type
}

var paramsBase uintptr

// SetParamsPtr records the physical address of the BootParams structure the
// bootloader left in ESI/RSI. Must be called before any other function in
// this package.
func SetParamsPtr(ptr uintptr) {
	paramsBase = ptr
}

func at(offset uintptr) uintptr {
	return paramsBase + offset
}

// TypeOfLoader returns the raw hdr.type_of_loader byte identifying the
// bootloader that populated this BootParams.
func TypeOfLoader() uint8 {
	return *(*uint8)(unsafe.Pointer(at(offTypeOfLoader)))
}

// AcpiRsdpAddr returns the physical address of the ACPI RSDP, or 0 if the
// bootloader did not populate it (protocols older than 2.14).
func AcpiRsdpAddr() uint64 {
	return *(*uint64)(unsafe.Pointer(at(offAcpiRsdpAddr)))
}

// Ramdisk returns the physical address and length of the initramfs image,
// or ok=false if none was loaded.
func Ramdisk() (addr uintptr, size uint32, ok bool) {
	a := *(*uint32)(unsafe.Pointer(at(offRamdiskImage)))
	s := *(*uint32)(unsafe.Pointer(at(offRamdiskSize)))
	if a == 0 || s == 0 {
		return 0, 0, false
	}
	return uintptr(a), s, true
}

// CmdLinePtr returns the physical address of the NUL-terminated kernel
// command line string, or ok=false if none was provided.
func CmdLinePtr() (addr uintptr, ok bool) {
	p := *(*uint32)(unsafe.Pointer(at(offCmdLinePtr)))
	if p == 0 {
		return 0, false
	}
	return uintptr(p), true
}

// E820EntryVisitor is invoked for each populated e820_table row. Returning
// false stops the scan early.
type E820EntryVisitor func(entry E820Entry) bool

// VisitMemRegions walks the e820_table, invoking visitor for every entry up
// to e820_entries (capped at maxE820Entries, matching the fixed-size array
// in BootParams).
func VisitMemRegions(visitor E820EntryVisitor) {
	count := int(*(*uint8)(unsafe.Pointer(at(offE820Entries))))
	if count > maxE820Entries {
		count = maxE820Entries
	}

	for i := 0; i < count; i++ {
		entryAddr := at(offE820Table) + uintptr(i*e820EntrySize)
		entry := E820Entry{
			Addr: *(*uint64)(unsafe.Pointer(entryAddr)),
			Size: *(*uint64)(unsafe.Pointer(entryAddr + 8)),
			Type: *(*E820Type)(unsafe.Pointer(entryAddr + 16)),
		}
		if !visitor(entry) {
			return
		}
	}
}
