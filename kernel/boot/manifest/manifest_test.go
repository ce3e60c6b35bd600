package manifest

import (
	"testing"

	"github.com/opencore/kernel/kernel/boot"
)

const sampleManifest = `
bootloader_name = "qemu-fixture"
cmdline = "console=ttyS0 init=/sbin/init"
acpi_rsdp = 0x000E0000

[[region]]
start = 0x0
end = 0x10000
type = "usable"

[[region]]
start = 0x4000
end = 0x5000
type = "reserved"
`

func TestLoadParsesRegionsAndMetadata(t *testing.T) {
	m, err := Load(sampleManifest)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.BootloaderName != "qemu-fixture" {
		t.Fatalf("BootloaderName = %q", m.BootloaderName)
	}
	if m.AcpiRsdp != 0xE0000 {
		t.Fatalf("AcpiRsdp = %#x", m.AcpiRsdp)
	}
	if len(m.Regions) != 2 {
		t.Fatalf("expected 2 regions, got %d", len(m.Regions))
	}
}

func TestLoadRejectsUnknownRegionType(t *testing.T) {
	_, err := Load(`
[[region]]
start = 0
end = 1
type = "mystery"
`)
	if err == nil {
		t.Fatalf("expected an error for an unknown region type")
	}
}

func TestInstallFixturePopulatesBootEarlyInfo(t *testing.T) {
	boot.ResetForTest()
	defer boot.ResetForTest()

	m, err := Load(sampleManifest)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := m.InstallFixture(); err != nil {
		t.Fatalf("InstallFixture: %v", err)
	}

	if got := boot.BootloaderName(); got != "qemu-fixture" {
		t.Fatalf("BootloaderName() = %q", got)
	}
	if _, ok := boot.KernelCmdline().Init(); !ok {
		t.Fatalf("expected init= to be parsed from the manifest cmdline")
	}
	if boot.AcpiArgument().Kind != boot.AcpiRsdp {
		t.Fatalf("expected an Rsdp AcpiArg, got %+v", boot.AcpiArgument())
	}

	regions := boot.MemoryRegions()
	if len(regions) != 3 {
		t.Fatalf("expected the truncated 3-region set, got %d: %+v", len(regions), regions)
	}
}
