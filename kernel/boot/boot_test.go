package boot

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestTruncateUsableSplitsAroundUnusableRanges(t *testing.T) {
	regions := []MemoryRegion{
		{Start: 0x0, End: 0x10000, Type: Usable},
		{Start: 0x4000, End: 0x5000, Type: Reserved},
		{Start: 0x8000, End: 0x9000, Type: Reserved},
	}

	got := truncateUsable(regions)

	want := []MemoryRegion{
		{Start: 0x0, End: 0x4000, Type: Usable},
		{Start: 0x4000, End: 0x5000, Type: Reserved},
		{Start: 0x5000, End: 0x8000, Type: Usable},
		{Start: 0x8000, End: 0x9000, Type: Reserved},
		{Start: 0x9000, End: 0x10000, Type: Usable},
	}

	assertRegionsEqual(t, got, want)
}

func TestTruncateUsableLeavesNonOverlappingRegionsAlone(t *testing.T) {
	regions := []MemoryRegion{
		{Start: 0x1000, End: 0x2000, Type: Usable},
		{Start: 0x3000, End: 0x4000, Type: Reserved},
	}

	got := truncateUsable(regions)

	want := []MemoryRegion{
		{Start: 0x1000, End: 0x2000, Type: Usable},
		{Start: 0x3000, End: 0x4000, Type: Reserved},
	}

	assertRegionsEqual(t, got, want)
}

func TestTruncateUsablePreservesReclaimableAsUsableLike(t *testing.T) {
	regions := []MemoryRegion{
		{Start: 0x0, End: 0x3000, Type: Reclaimable},
		{Start: 0x1000, End: 0x2000, Type: NonVolatileSleep},
	}

	got := truncateUsable(regions)

	want := []MemoryRegion{
		{Start: 0x0, End: 0x1000, Type: Reclaimable},
		{Start: 0x1000, End: 0x2000, Type: NonVolatileSleep},
		{Start: 0x2000, End: 0x3000, Type: Reclaimable},
	}

	assertRegionsEqual(t, got, want)
}

func TestTruncateUsableDropsRegionFullyCoveredByUnusable(t *testing.T) {
	regions := []MemoryRegion{
		{Start: 0x1000, End: 0x2000, Type: Usable},
		{Start: 0x0, End: 0x3000, Type: Reserved},
	}

	got := truncateUsable(regions)

	want := []MemoryRegion{
		{Start: 0x0, End: 0x3000, Type: Reserved},
	}

	assertRegionsEqual(t, got, want)
}

// assertRegionsEqual uses go-cmp rather than a manual field walk: a mismatch
// in a slice of structs this size is unreadable as a bare %+v diff once more
// than one region differs, which a plain loop cannot show at once.
func assertRegionsEqual(t *testing.T, got, want []MemoryRegion) {
	t.Helper()
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("region set mismatch (-want +got):\n%s", diff)
	}
}

func TestRegionTypeUnusable(t *testing.T) {
	cases := map[RegionType]bool{
		Usable:           false,
		Reclaimable:      false,
		Reserved:         true,
		NonVolatileSleep: true,
		BadMemory:        true,
		Framebuffer:      true,
		Kernel:           true,
		Module:           true,
	}
	for rt, want := range cases {
		if got := rt.unusable(); got != want {
			t.Errorf("RegionType(%d).unusable() = %v, want %v", rt, got, want)
		}
	}
}
