package vmm

import (
	"testing"
	"unsafe"

	"github.com/opencore/kernel/kernel"
	"github.com/opencore/kernel/kernel/mem"
	"github.com/opencore/kernel/kernel/mem/pmm"
	"github.com/opencore/kernel/kernel/mem/vmm/asid"
)

// fakeAddrSpaceFixture backs the vmm package-level seams with an in-process
// page table and per-frame byte buffers so VmAddressSpace can be exercised
// without a real MMU. Buffers are allocated oversized and then aligned down
// to a page boundary so dereferencing the Page the seams hand back lands on
// real, addressable memory (unlike the kernel's fixed tempMappingAddr).
type fakeAddrSpaceFixture struct {
	mappings  map[Page]Item
	frameBufs map[pmm.Frame][]byte
	nextFrame pmm.Frame
}

func newFakeAddrSpaceFixture() *fakeAddrSpaceFixture {
	return &fakeAddrSpaceFixture{
		mappings:  make(map[Page]Item),
		frameBufs: make(map[pmm.Frame][]byte),
		nextFrame: 1,
	}
}

func alignedPageAddr(buf []byte) uintptr {
	addr := uintptr(unsafe.Pointer(&buf[0]))
	return (addr + uintptr(mem.PageSize) - 1) &^ (uintptr(mem.PageSize) - 1)
}

func (f *fakeAddrSpaceFixture) bufForFrame(frame pmm.Frame) []byte {
	buf, ok := f.frameBufs[frame]
	if !ok {
		buf = make([]byte, mem.PageSize*2)
		f.frameBufs[frame] = buf
	}
	return buf
}

func (f *fakeAddrSpaceFixture) allocFrame() (pmm.Frame, *kernel.Error) {
	frame := f.nextFrame
	f.nextFrame++
	f.bufForFrame(frame)
	return frame, nil
}

// install overrides the package-level seams and returns a restore func.
func (f *fakeAddrSpaceFixture) install() func() {
	origActivePDTFn := activePDTFn
	origMapFn := mapFn
	origUnmapFn := unmapFn
	origQueryFn := queryFn
	origMapTemporaryFn := mapTemporaryFn

	activePDTFn = func() uintptr { return 0 }

	mapFn = func(page Page, frame pmm.Frame, flags PageTableEntryFlag, _ FrameAllocatorFn) *kernel.Error {
		f.bufForFrame(frame)
		f.mappings[page] = Item{Frame: frame, Flags: flags | FlagPresent}
		return nil
	}
	unmapFn = func(page Page) *kernel.Error {
		delete(f.mappings, page)
		return nil
	}
	queryFn = func(page Page) (Item, bool) {
		it, ok := f.mappings[page]
		return it, ok
	}
	mapTemporaryFn = func(frame pmm.Frame, _ FrameAllocatorFn) (Page, *kernel.Error) {
		return PageFromAddress(alignedPageAddr(f.bufForFrame(frame))), nil
	}

	return func() {
		activePDTFn = origActivePDTFn
		mapFn = origMapFn
		unmapFn = origUnmapFn
		queryFn = origQueryFn
		mapTemporaryFn = origMapTemporaryFn
	}
}

func newTestAddrSpace(t *testing.T) (*VmAddressSpace, *fakeAddrSpaceFixture, *asid.Allocator) {
	t.Helper()

	fx := newFakeAddrSpaceFixture()
	restore := fx.install()
	t.Cleanup(restore)

	asidAlloc := asid.New()
	as, err := NewAddressSpace(pmm.Frame(0), fx.allocFrame, asidAlloc)
	if err != nil {
		t.Fatalf("NewAddressSpace failed: %v", err)
	}
	return as, fx, asidAlloc
}

func TestNewAddressSpaceAssignsASID(t *testing.T) {
	as, _, _ := newTestAddrSpace(t)

	id, gen := as.ASID()
	if id != asid.Min {
		t.Fatalf("expected first ASID to be %d; got %d", asid.Min, id)
	}
	if gen != 0 {
		t.Fatalf("expected generation 0; got %d", gen)
	}
}

func TestRefreshASIDReassigns(t *testing.T) {
	as, _, asidAlloc := newTestAddrSpace(t)

	// NewAddressSpace already consumed asid.Min; allocate the remaining
	// free IDs so RefreshASID's call is the one that exhausts the bitmap,
	// bumps the generation and returns FlushRequired; the next refresh then
	// draws from the recycled bitmap.
	for i := 0; i < int(asid.Cap-asid.Min-1); i++ {
		asidAlloc.Allocate()
	}

	as.RefreshASID(asidAlloc)
	id, gen := as.ASID()
	if id != asid.FlushRequired {
		t.Fatalf("expected FlushRequired on exhaustion; got %d", id)
	}
	if gen == 0 {
		t.Fatal("expected generation to be bumped on exhaustion")
	}

	as.RefreshASID(asidAlloc)
	id, gen = as.ASID()
	if id != asid.Min {
		t.Fatalf("expected recycled ASID %d; got %d", asid.Min, id)
	}
	if gen == 0 {
		t.Fatal("expected refreshed generation to be non-zero after wraparound")
	}
}

func TestModifyMapThenQuery(t *testing.T) {
	as, fx, _ := newTestAddrSpace(t)

	frame, _ := fx.allocFrame()
	va := uintptr(0x1000)

	if _, err := as.Modify(va, ModifyOp{Frame: frame, Flags: FlagRW}); err != nil {
		t.Fatalf("Modify(map) failed: %v", err)
	}

	item, ok := as.Query(va)
	if !ok {
		t.Fatal("expected mapping to be present after Modify")
	}
	if item.Frame != frame {
		t.Fatalf("expected frame %d; got %d", frame, item.Frame)
	}
	if !item.Flags.HasFlags(FlagPresent | FlagRW) {
		t.Fatalf("expected FlagPresent|FlagRW; got %v", item.Flags)
	}
}

func TestModifyUnmapReturnsPreviousItem(t *testing.T) {
	as, fx, _ := newTestAddrSpace(t)

	frame, _ := fx.allocFrame()
	va := uintptr(0x2000)

	if _, err := as.Modify(va, ModifyOp{Frame: frame, Flags: FlagRW}); err != nil {
		t.Fatalf("Modify(map) failed: %v", err)
	}

	prev, err := as.Modify(va, ModifyOp{Unmap: true})
	if err != nil {
		t.Fatalf("Modify(unmap) failed: %v", err)
	}
	if prev.Frame != frame {
		t.Fatalf("expected unmap to return frame %d; got %d", frame, prev.Frame)
	}

	if _, ok := as.Query(va); ok {
		t.Fatal("expected page to be absent after unmap")
	}
}

func TestModifyUnmapOnAbsentPageIsNoop(t *testing.T) {
	as, _, _ := newTestAddrSpace(t)

	prev, err := as.Modify(uintptr(0x3000), ModifyOp{Unmap: true})
	if err != nil {
		t.Fatalf("expected no error; got %v", err)
	}
	if prev.Frame != 0 {
		t.Fatalf("expected zero Item; got %+v", prev)
	}
}

func TestWriteRemoteThenReadRemoteRoundTrip(t *testing.T) {
	as, _, _ := newTestAddrSpace(t)

	va := uintptr(0x5000)
	payload := []byte("the quick brown fox jumps over the lazy dog")

	n, err := as.WriteRemote(va, payload)
	if err != nil {
		t.Fatalf("WriteRemote failed: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("expected %d bytes written; got %d", len(payload), n)
	}

	out := make([]byte, len(payload))
	n, err = as.ReadRemote(va, out)
	if err != nil {
		t.Fatalf("ReadRemote failed: %v", err)
	}
	if n != len(out) {
		t.Fatalf("expected %d bytes read; got %d", len(out), n)
	}
	if string(out) != string(payload) {
		t.Fatalf("expected %q; got %q", payload, out)
	}
}

func TestWriteRemoteFaultsInMissingPage(t *testing.T) {
	as, _, _ := newTestAddrSpace(t)

	va := uintptr(0x9000)
	if _, ok := as.Query(va); ok {
		t.Fatal("expected page to start absent")
	}

	if _, err := as.WriteRemote(va, []byte{1, 2, 3}); err != nil {
		t.Fatalf("WriteRemote should fault in the missing page: %v", err)
	}

	if _, ok := as.Query(va); !ok {
		t.Fatal("expected page to be mapped after WriteRemote faulted it in")
	}
}

func TestWriteRemoteSpanningTwoPages(t *testing.T) {
	as, _, _ := newTestAddrSpace(t)

	pageSize := uintptr(mem.PageSize)
	va := pageSize - 4 // straddles the boundary between two pages
	payload := []byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF, 0x11, 0x22}

	if _, err := as.WriteRemote(va, payload); err != nil {
		t.Fatalf("WriteRemote across pages failed: %v", err)
	}

	out := make([]byte, len(payload))
	if _, err := as.ReadRemote(va, out); err != nil {
		t.Fatalf("ReadRemote across pages failed: %v", err)
	}
	if string(out) != string(payload) {
		t.Fatalf("expected %v; got %v", payload, out)
	}
}

func TestFillZerosRemoteClearsExistingContent(t *testing.T) {
	as, _, _ := newTestAddrSpace(t)

	va := uintptr(0x6000)
	if _, err := as.WriteRemote(va, []byte{1, 2, 3, 4, 5}); err != nil {
		t.Fatalf("WriteRemote failed: %v", err)
	}

	if _, err := as.FillZerosRemote(va, 5); err != nil {
		t.Fatalf("FillZerosRemote failed: %v", err)
	}

	out := make([]byte, 5)
	if _, err := as.ReadRemote(va, out); err != nil {
		t.Fatalf("ReadRemote failed: %v", err)
	}
	for i, b := range out {
		if b != 0 {
			t.Fatalf("expected byte %d to be zeroed; got %d", i, b)
		}
	}
}

func TestWriteRemoteUpgradesCopyOnWritePage(t *testing.T) {
	as, fx, _ := newTestAddrSpace(t)

	frame, _ := fx.allocFrame()
	va := uintptr(0x7000)

	if _, err := as.Modify(va, ModifyOp{Frame: frame, Flags: FlagCopyOnWrite}); err != nil {
		t.Fatalf("Modify(map CoW) failed: %v", err)
	}

	before, _ := as.Query(va)
	if before.Flags.HasFlags(FlagRW) {
		t.Fatal("expected initial mapping not to be writable")
	}

	if _, err := as.WriteRemote(va, []byte("hi")); err != nil {
		t.Fatalf("WriteRemote should resolve the CoW fault: %v", err)
	}

	after, ok := as.Query(va)
	if !ok {
		t.Fatal("expected page to remain mapped after CoW resolution")
	}
	if !after.Flags.HasFlags(FlagRW) {
		t.Fatal("expected page to be writable after CoW resolution")
	}
	if after.Flags.HasFlags(FlagCopyOnWrite) {
		t.Fatal("expected CoW flag to be cleared after resolution")
	}
	if after.Frame == frame {
		t.Fatal("expected CoW resolution to install a fresh frame")
	}
}
