package pci

import (
	"io"
	"testing"
	"unsafe"

	"github.com/sirupsen/logrus"
)

func TestEcamOffsetFormula(t *testing.T) {
	off, err := ecamOffset(BusAddr{Bus: 1, Device: 2, Function: 3}, 0x10)
	if err != nil {
		t.Fatalf("ecamOffset: %v", err)
	}
	want := uint64(1)<<20 | uint64(2)<<15 | uint64(3)<<12 | 0x10
	if off != want {
		t.Fatalf("ecamOffset = %#x, want %#x", off, want)
	}
}

func TestEcamOffsetRejectsOutOfRange(t *testing.T) {
	if _, err := ecamOffset(BusAddr{}, maxConfigOffset+4); err == nil {
		t.Fatalf("expected an error for an offset beyond 0xFFC")
	}
}

// ecamFixture builds a byte buffer large enough to hold one bus's worth of
// ECAM space (32 devices * 8 functions * 4KiB) and returns an EcamSpace
// pointed at it, so tests can exercise real Read32/Write32 without mapped
// hardware.
func ecamFixture(t *testing.T) (*EcamSpace, []byte) {
	t.Helper()
	buf := make([]byte, 1<<20) // one bus worth: 32<<15
	return NewEcamSpace(uintptr(unsafe.Pointer(&buf[0]))), buf
}

func writeConfigU16(buf []byte, addr BusAddr, offset uint32, v uint16) {
	base := uint64(addr.Bus)<<20 | uint64(addr.Device)<<15 | uint64(addr.Function)<<12 | uint64(offset)
	*(*uint16)(unsafe.Pointer(&buf[base])) = v
}

func writeConfigU32(buf []byte, addr BusAddr, offset uint32, v uint32) {
	base := uint64(addr.Bus)<<20 | uint64(addr.Device)<<15 | uint64(addr.Function)<<12 | uint64(offset)
	*(*uint32)(unsafe.Pointer(&buf[base])) = v
}

func TestReadWrite32RoundTrip(t *testing.T) {
	e, _ := ecamFixture(t)
	addr := BusAddr{Bus: 0, Device: 1, Function: 0}

	if err := e.Write32(addr, offCommand&^3, 0x12345678); err != nil {
		t.Fatalf("Write32: %v", err)
	}
	got, err := e.Read32(addr, offCommand&^3)
	if err != nil {
		t.Fatalf("Read32: %v", err)
	}
	if got != 0x12345678 {
		t.Fatalf("Read32 = %#x, want 0x12345678", got)
	}
}

func TestEnumerateFunctionsFindsPopulatedSlots(t *testing.T) {
	e, buf := ecamFixture(t)
	log := logrus.New()
	log.SetOutput(io.Discard)
	for i := range buf {
		buf[i] = 0xFF
	}

	present := BusAddr{Bus: 0, Device: 3, Function: 0}
	writeConfigU16(buf, present, offVendorID, 0x8086)
	writeConfigU16(buf, present, offDeviceID, 0x1234)

	found := e.EnumerateFunctions(0, 0, log)
	if len(found) != 1 {
		t.Fatalf("expected 1 function, got %d: %+v", len(found), found)
	}
	if found[0].Addr != present || found[0].VendorID != 0x8086 || found[0].DeviceID != 0x1234 {
		t.Fatalf("unexpected function: %+v", found[0])
	}
}

func TestEnumerateFunctionsSkipsEmptySlots(t *testing.T) {
	e, buf := ecamFixture(t)
	for i := range buf {
		buf[i] = 0xFF
	}
	found := e.EnumerateFunctions(0, 0, nil)
	if len(found) != 0 {
		t.Fatalf("expected no functions in an all-0xFFFF ECAM window, got %+v", found)
	}
}

func TestFindCapabilityWalksList(t *testing.T) {
	e, buf := ecamFixture(t)
	addr := BusAddr{Bus: 0, Device: 5, Function: 0}

	// capabilities pointer -> 0x40 (vendor-specific, next=0x50) -> 0x50 (MSI-X, next=0)
	writeConfigU16(buf, addr, offCapPointer, 0x40)
	writeConfigU32(buf, addr, 0x40, 0x0009_0050) // cap id 0x09, next 0x50
	writeConfigU32(buf, addr, 0x50, 0x0000_0011) // cap id 0x11 (MSI-X), next 0

	off, ok := e.findCapability(addr, capIDMSIX)
	if !ok || off != 0x50 {
		t.Fatalf("findCapability = %#x, %v; want 0x50, true", off, ok)
	}
}

func TestFindCapabilityReturnsFalseWhenAbsent(t *testing.T) {
	e, _ := ecamFixture(t)
	if _, ok := e.findCapability(BusAddr{}, capIDMSIX); ok {
		t.Fatalf("expected no capability in an empty config space")
	}
}
