// Package manifest loads a TOML-encoded boot manifest describing a
// synthetic memory map and command line, for hosted test harnesses that
// otherwise have no real bootloader to parse. This is
// a test/tooling affordance layered on top of kernel/boot, not a substitute
// for the Multiboot2/Linux-Boot/EFI parsers.
package manifest

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/opencore/kernel/kernel/boot"
)

// Region is a TOML-friendly mirror of boot.MemoryRegion; Type is spelled out
// as a name rather than boot.RegionType's numeric encoding so manifests stay
// human-editable.
type Region struct {
	Start uint64 `toml:"start"`
	End   uint64 `toml:"end"`
	Type  string `toml:"type"`
}

// Manifest is the root of a boot manifest file.
type Manifest struct {
	BootloaderName string   `toml:"bootloader_name"`
	CmdLine        string   `toml:"cmdline"`
	AcpiRsdp       uint64   `toml:"acpi_rsdp"`
	Regions        []Region `toml:"region"`
}

var regionTypeByName = map[string]boot.RegionType{
	"usable":      boot.Usable,
	"reserved":    boot.Reserved,
	"reclaimable": boot.Reclaimable,
	"nvs":         boot.NonVolatileSleep,
	"bad":         boot.BadMemory,
	"framebuffer": boot.Framebuffer,
	"kernel":      boot.Kernel,
	"module":      boot.Module,
}

// Load decodes a boot manifest from raw TOML text.
func Load(raw string) (Manifest, error) {
	var m Manifest
	if _, err := toml.Decode(raw, &m); err != nil {
		return Manifest{}, fmt.Errorf("manifest: decode: %w", err)
	}
	for _, r := range m.Regions {
		if _, ok := regionTypeByName[r.Type]; !ok {
			return Manifest{}, fmt.Errorf("manifest: region %#x-%#x: unknown type %q", r.Start, r.End, r.Type)
		}
	}
	return m, nil
}

// regions converts the manifest's TOML regions into boot.MemoryRegion
// values, in file order (InstallFixture sorts and truncates them).
func (m Manifest) regions() []boot.MemoryRegion {
	out := make([]boot.MemoryRegion, len(m.Regions))
	for i, r := range m.Regions {
		out[i] = boot.MemoryRegion{Start: r.Start, End: r.End, Type: regionTypeByName[r.Type]}
	}
	return out
}

// InstallFixture installs the manifest's contents as BootEarlyInfo, via
// boot.InstallFixture, for use by hosted tests that have no real bootloader
// hand-off to parse.
func (m Manifest) InstallFixture() error {
	acpi := boot.AcpiArg{Kind: boot.AcpiNotProvided}
	if m.AcpiRsdp != 0 {
		acpi = boot.AcpiArg{Kind: boot.AcpiRsdp, Paddr: m.AcpiRsdp}
	}

	name := m.BootloaderName
	if name == "" {
		name = "manifest-fixture"
	}

	if err := boot.InstallFixture(name, m.CmdLine, acpi, m.regions()); err != nil {
		return fmt.Errorf("manifest: %w", err)
	}
	return nil
}
