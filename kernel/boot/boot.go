// Package boot unifies the three bootloader hand-off formats spec.md §6
// names (Multiboot2, Linux Boot Protocol, EFI Handover) behind one
// BootEarlyInfo singleton (spec.md §3/§4.10/§9 "Global mutable state"):
// initialized exactly once during boot from whichever format the platform
// used, then read-only for the rest of the kernel's life. Grounded on the
// teacher's kernel/hal/multiboot package (same tag/region scanning idiom)
// plus the new kernel/hal/linuxboot and kernel/hal/efiboot siblings.
package boot

import (
	"sort"

	"github.com/opencore/kernel/kernel"
	"github.com/opencore/kernel/kernel/boot/cmdline"
	"github.com/opencore/kernel/kernel/hal/efiboot"
	"github.com/opencore/kernel/kernel/hal/linuxboot"
	"github.com/opencore/kernel/kernel/hal/multiboot"
)

// RegionType classifies a memory region, per spec.md §4.10.
type RegionType uint8

const (
	Usable RegionType = iota
	Reserved
	Reclaimable
	NonVolatileSleep
	BadMemory
	Framebuffer
	Kernel
	Module
)

// unusable reports whether t is excluded from the truncated usable set.
func (t RegionType) unusable() bool {
	return t != Usable && t != Reclaimable
}

// MemoryRegion is one entry of BootEarlyInfo's memory map.
type MemoryRegion struct {
	Start uint64
	End   uint64 // exclusive
	Type  RegionType
}

// AcpiKind discriminates AcpiArg's payload.
type AcpiKind uint8

const (
	AcpiNotProvided AcpiKind = iota
	AcpiRsdp
	AcpiRsdt
	AcpiXsdt
)

// AcpiArg describes how the bootloader located the ACPI tables.
type AcpiArg struct {
	Kind  AcpiKind
	Paddr uint64
}

// FramebufferArg describes a bootloader-initialized framebuffer.
type FramebufferArg struct {
	PhysAddr      uint64
	Pitch         uint32
	Width, Height uint32
	Bpp           uint8
}

var errAlreadyInitialized = &kernel.Error{Module: "boot", Message: "BootEarlyInfo is already initialized", Kind: kernel.ErrInUse}

// earlyInfo is the BootEarlyInfo singleton's backing storage. It is written
// exactly once, by one of the InitFrom* functions below, and treated as
// read-only afterwards — an OnceCell in spirit, per spec.md §9's
// "Global mutable state" note.
var earlyInfo *bootEarlyInfo

type bootEarlyInfo struct {
	bootloaderName string
	cmdLine        cmdline.CmdLine
	initramfs      []byte
	acpiArg        AcpiArg
	framebufferArg *FramebufferArg
	memoryRegions  []MemoryRegion
}

func install(info *bootEarlyInfo) *kernel.Error {
	if earlyInfo != nil {
		return errAlreadyInitialized
	}
	earlyInfo = info
	return nil
}

// BootloaderName returns the name reported by the bootloader ("multiboot2",
// "linux", or "efi" when the format itself carries no richer identity).
func BootloaderName() string { return earlyInfo.bootloaderName }

// KernelCmdline returns the parsed kernel command line.
func KernelCmdline() cmdline.CmdLine { return earlyInfo.cmdLine }

// Initramfs returns the initramfs image bytes, or nil if none was loaded.
func Initramfs() []byte { return earlyInfo.initramfs }

// AcpiArgument returns how the bootloader located the ACPI tables.
func AcpiArgument() AcpiArg { return earlyInfo.acpiArg }

// FramebufferArgument returns the bootloader-initialized framebuffer, or
// nil if none was provided.
func FramebufferArgument() *FramebufferArg { return earlyInfo.framebufferArg }

// MemoryRegions returns the non-overlapping, sorted memory region array.
func MemoryRegions() []MemoryRegion { return earlyInfo.memoryRegions }

// InitFromMultiboot populates BootEarlyInfo from a Multiboot2 info section
// previously registered with multiboot.SetInfoPtr.
func InitFromMultiboot() *kernel.Error {
	var regions []MemoryRegion
	multiboot.VisitMemRegions(func(entry *multiboot.MemoryMapEntry) bool {
		regions = append(regions, MemoryRegion{
			Start: entry.PhysAddress,
			End:   entry.PhysAddress + entry.Length,
			Type:  multibootRegionType(entry.Type),
		})
		return true
	})

	var fb *FramebufferArg
	if info := multiboot.GetFramebufferInfo(); info != nil {
		fb = &FramebufferArg{
			PhysAddr: info.PhysAddr,
			Pitch:    info.Pitch,
			Width:    info.Width,
			Height:   info.Height,
			Bpp:      info.Bpp,
		}
	}

	name := multiboot.GetBootLoaderName()
	if name == "" {
		name = "multiboot2"
	}

	return install(&bootEarlyInfo{
		bootloaderName: name,
		cmdLine:        cmdline.Parse(multiboot.GetBootCmdLine()),
		acpiArg:        AcpiArg{Kind: AcpiNotProvided},
		framebufferArg: fb,
		memoryRegions:  truncateUsable(regions),
	})
}

func multibootRegionType(t multiboot.MemoryEntryType) RegionType {
	switch t {
	case multiboot.MemAvailable:
		return Usable
	case multiboot.MemAcpiReclaimable:
		return Reclaimable
	case multiboot.MemNvs:
		return NonVolatileSleep
	default:
		return Reserved
	}
}

// InitFromLinuxBoot populates BootEarlyInfo from a Linux Boot Protocol
// BootParams structure previously registered with linuxboot.SetParamsPtr.
// rawCmdLine and ramdisk must already be read out of the addresses
// linuxboot.CmdLinePtr/Ramdisk report — reading physical memory is the boot
// trampoline's job, not this package's.
func InitFromLinuxBoot(rawCmdLine string, ramdisk []byte) *kernel.Error {
	var regions []MemoryRegion
	linuxboot.VisitMemRegions(func(e linuxboot.E820Entry) bool {
		regions = append(regions, MemoryRegion{
			Start: e.Addr,
			End:   e.Addr + e.Size,
			Type:  e820RegionType(e.Type),
		})
		return true
	})

	acpi := AcpiArg{Kind: AcpiNotProvided}
	if rsdp := linuxboot.AcpiRsdpAddr(); rsdp != 0 {
		acpi = AcpiArg{Kind: AcpiRsdp, Paddr: rsdp}
	}

	return install(&bootEarlyInfo{
		bootloaderName: "linux",
		cmdLine:        cmdline.Parse(rawCmdLine),
		initramfs:      ramdisk,
		acpiArg:        acpi,
		memoryRegions:  truncateUsable(regions),
	})
}

func e820RegionType(t linuxboot.E820Type) RegionType {
	switch t {
	case linuxboot.E820Ram:
		return Usable
	case linuxboot.E820Acpi:
		return Reclaimable
	case linuxboot.E820Nvs:
		return NonVolatileSleep
	default:
		return Reserved
	}
}

// InitFromEFI populates BootEarlyInfo from an EFI memory map previously
// registered with efiboot.SetMemoryMap.
func InitFromEFI(ramdisk []byte) *kernel.Error {
	var regions []MemoryRegion
	efiboot.VisitMemRegions(func(physStart uint64, numPages uint64, category efiboot.Category) bool {
		regions = append(regions, MemoryRegion{
			Start: physStart,
			End:   physStart + numPages*4096,
			Type:  efiRegionType(category),
		})
		return true
	})

	acpi := AcpiArg{Kind: AcpiNotProvided}
	if rsdp := efiboot.AcpiRsdpAddr(); rsdp != 0 {
		acpi = AcpiArg{Kind: AcpiRsdp, Paddr: rsdp}
	}

	return install(&bootEarlyInfo{
		bootloaderName: "efi",
		cmdLine:        cmdline.Parse(efiboot.CmdLine()),
		initramfs:      ramdisk,
		acpiArg:        acpi,
		memoryRegions:  truncateUsable(regions),
	})
}

// InstallFixture installs a synthetic BootEarlyInfo, bypassing the real
// bootloader parsers. Used by kernel/boot/manifest and by hosted tests that
// have no Multiboot2/Linux-Boot/EFI hand-off to parse.
func InstallFixture(bootloaderName, rawCmdLine string, acpi AcpiArg, regions []MemoryRegion) *kernel.Error {
	return install(&bootEarlyInfo{
		bootloaderName: bootloaderName,
		cmdLine:        cmdline.Parse(rawCmdLine),
		acpiArg:        acpi,
		memoryRegions:  truncateUsable(regions),
	})
}

// ResetForTest clears the BootEarlyInfo singleton so a test can install a
// fresh fixture. Not for use outside test code.
func ResetForTest() {
	earlyInfo = nil
}

func efiRegionType(c efiboot.Category) RegionType {
	switch c {
	case efiboot.Ram:
		return Usable
	case efiboot.Acpi:
		return Reclaimable
	case efiboot.Nvs:
		return NonVolatileSleep
	default:
		return Reserved
	}
}

// truncateUsable implements the "unusable truncates usable via a difference
// operation that may split ranges" rule of spec.md §4.10 (worked example in
// spec.md §8 scenario 5): every Usable/Reclaimable region has every
// overlapping unusable region subtracted out of it, then the result is
// sorted by base address.
func truncateUsable(regions []MemoryRegion) []MemoryRegion {
	var usable, unusable []MemoryRegion
	for _, r := range regions {
		if r.Type.unusable() {
			unusable = append(unusable, r)
		} else {
			usable = append(usable, r)
		}
	}

	result := make([]MemoryRegion, 0, len(usable)+len(unusable))
	for _, u := range usable {
		result = append(result, subtractAll(u, unusable)...)
	}
	result = append(result, unusable...)

	sort.Slice(result, func(i, j int) bool { return result[i].Start < result[j].Start })
	return result
}

// subtractAll removes every cutter overlapping r from r, returning the
// surviving (possibly split) sub-ranges of r's type.
func subtractAll(r MemoryRegion, cutters []MemoryRegion) []MemoryRegion {
	remaining := []MemoryRegion{r}
	for _, cut := range cutters {
		var next []MemoryRegion
		for _, piece := range remaining {
			next = append(next, subtractOne(piece, cut)...)
		}
		remaining = next
	}
	return remaining
}

// subtractOne removes cut from r, returning 0, 1, or 2 resulting pieces.
func subtractOne(r, cut MemoryRegion) []MemoryRegion {
	if cut.End <= r.Start || cut.Start >= r.End {
		return []MemoryRegion{r}
	}

	var pieces []MemoryRegion
	if cut.Start > r.Start {
		pieces = append(pieces, MemoryRegion{Start: r.Start, End: cut.Start, Type: r.Type})
	}
	if cut.End < r.End {
		pieces = append(pieces, MemoryRegion{Start: cut.End, End: r.End, Type: r.Type})
	}
	return pieces
}
