// Package meta implements the PageMetaTable and TypedPageHandle contracts
// (spec.md §4.1): a dense, allocation-free table of per-frame metadata
// slots, and a reference-counted, phantom-tagged handle over each slot.
//
// The table itself is grounded on the same early-reservation, bit-overlay
// technique the teacher uses to stand up BitmapAllocator's own pool
// bitmaps (kernel/mem/pmm/allocator/bitmap_allocator.go's setupPoolBitmaps):
// reserve a virtual range before the heap exists, map it a page at a time
// using a supplied physical frame allocator, and overlay a typed slice on
// top with reflect.SliceHeader.
package meta

import (
	"reflect"
	"sync/atomic"
	"unsafe"

	"github.com/opencore/kernel/kernel"
	"github.com/opencore/kernel/kernel/mem"
	"github.com/opencore/kernel/kernel/mem/pmm"
	"github.com/opencore/kernel/kernel/mem/vmm"
)

var (
	reserveRegionFn = vmm.EarlyReserveRegion
	mapFn           = vmm.Map

	errInUse    = &kernel.Error{Module: "pmm_meta", Message: "slot already in use", Kind: kernel.ErrInUse}
	errNotInUse = &kernel.Error{Module: "pmm_meta", Message: "slot is not in use", Kind: kernel.ErrInvalidArgs}
	errTooLarge = &kernel.Error{Module: "pmm_meta", Message: "payload exceeds slot capacity", Kind: kernel.ErrInvalidArgs}
)

// payloadSize bounds the inline payload each MetaSlot can carry without the
// table itself ever allocating, mirroring spec.md's "meta_payload: <opaque
// bytes of size <= slot_size - header>".
const payloadSize = 24

// Tag identifies the kind of metadata a MetaSlot currently holds. Tag 0 is
// reserved to mean "free": spec.md's invariant "ref_count == 0 <=> usage ==
// 0 <=> frame is free" is enforced entirely through the CAS in FromUnused
// and the release path in Drop.
type Tag uint8

// TagFree marks a slot with no live TypedPageHandle.
const TagFree Tag = 0

// Kind is implemented by phantom tag types used to parameterize
// TypedPageHandle. Implementations are expected to be zero-sized structs;
// Tag and OnDrop are invoked on the type's zero value.
type Kind interface {
	Tag() Tag
	OnDrop(payload unsafe.Pointer)
}

// MetaSlot is the fixed-size metadata record associated one-to-one with a
// physical frame.
type MetaSlot struct {
	refCount atomic.Uint32
	usage    atomic.Uint8
	payload  [payloadSize]byte
}

// RefCount returns the slot's current reference count.
func (s *MetaSlot) RefCount() uint32 { return s.refCount.Load() }

// Usage returns the slot's current tag; TagFree means the slot holds no
// live handle.
func (s *MetaSlot) Usage() Tag { return Tag(s.usage.Load()) }

// Table is a dense array of MetaSlots, one per frame in
// [baseFrame, baseFrame+len(slots)).
type Table struct {
	baseFrame pmm.Frame
	slots     []MetaSlot
	slotsHdr  reflect.SliceHeader
}

// Init reserves and maps a Table large enough to cover numFrames frames
// starting at baseFrame, using allocFrame to obtain the physical frames the
// table's own backing pages are mapped to. It follows the same
// reserve-then-map-page-by-page sequence as BitmapAllocator.setupPoolBitmaps.
func Init(baseFrame pmm.Frame, numFrames uint32, allocFrame vmm.FrameAllocatorFn) (*Table, *kernel.Error) {
	t := &Table{baseFrame: baseFrame}

	sizeofSlot := unsafe.Sizeof(MetaSlot{})
	requiredBytes := mem.Size((uint64(numFrames)*uint64(sizeofSlot) + uint64(mem.PageSize-1)) &^ uint64(mem.PageSize-1))
	requiredPages := requiredBytes >> mem.PageShift

	data, err := reserveRegionFn(requiredBytes)
	if err != nil {
		return nil, err
	}

	for page, index := vmm.PageFromAddress(data), mem.Size(0); index < requiredPages; page, index = page+1, index+1 {
		frame, err := allocFrame()
		if err != nil {
			return nil, err
		}

		if err = mapFn(page, frame, vmm.FlagPresent|vmm.FlagRW|vmm.FlagNoExecute, allocFrame); err != nil {
			return nil, err
		}

		mem.Memset(page.Address(), 0, mem.PageSize)
	}

	t.slotsHdr.Data = data
	t.slotsHdr.Len = int(numFrames)
	t.slotsHdr.Cap = int(numFrames)
	t.slots = *(*[]MetaSlot)(unsafe.Pointer(&t.slotsHdr))

	return t, nil
}

// SlotFor returns the slot tracking frame. The caller must ensure frame
// falls within the table's covered range.
func (t *Table) SlotFor(frame pmm.Frame) *MetaSlot {
	return &t.slots[frame-t.baseFrame]
}

// TypedPageHandle is a reference-counted handle carrying a phantom tag M
// (the kind of metadata) and a payload type P stored inline in the slot.
type TypedPageHandle[M Kind, P any] struct {
	table *Table
	frame pmm.Frame
}

// FromUnused transitions the slot for frame from free to used, storing
// initial as the slot's payload. It is the single CAS on usage spec.md
// requires: "transitioning from free to used is a single CAS on usage from
// 0 to a non-zero tag". Returns errInUse if the slot was already occupied.
func FromUnused[M Kind, P any](t *Table, frame pmm.Frame, initial P) (*TypedPageHandle[M, P], *kernel.Error) {
	var kind M
	if unsafe.Sizeof(initial) > payloadSize {
		return nil, errTooLarge
	}

	slot := t.SlotFor(frame)
	if !slot.usage.CompareAndSwap(uint8(TagFree), uint8(kind.Tag())) {
		return nil, errInUse
	}

	*(*P)(unsafe.Pointer(&slot.payload[0])) = initial
	slot.refCount.Store(1)

	return &TypedPageHandle[M, P]{table: t, frame: frame}, nil
}

// FromRaw adopts an already-existing reference to frame's slot, for use
// after a matching IntoRaw. It asserts the slot's reference count is
// non-zero rather than incrementing it, per spec.md's "from_raw(paddr)
// adopts an already-existing reference".
func FromRaw[M Kind, P any](t *Table, frame pmm.Frame) (*TypedPageHandle[M, P], *kernel.Error) {
	slot := t.SlotFor(frame)
	if slot.refCount.Load() == 0 {
		return nil, errNotInUse
	}

	return &TypedPageHandle[M, P]{table: t, frame: frame}, nil
}

// IntoRaw consumes the handle and returns the frame it referred to without
// decrementing the reference count, allowing the caller to stash the frame
// number (e.g. inside a page-table entry) and later reconstruct the handle
// via FromRaw without leaking the reference.
func (h *TypedPageHandle[M, P]) IntoRaw() pmm.Frame {
	return h.frame
}

// Frame returns the physical frame this handle refers to.
func (h *TypedPageHandle[M, P]) Frame() pmm.Frame {
	return h.frame
}

// Payload returns a pointer to the handle's inline payload.
func (h *TypedPageHandle[M, P]) Payload() *P {
	return (*P)(unsafe.Pointer(&h.table.SlotFor(h.frame).payload[0]))
}

// Clone increments the slot's reference count and returns a new handle
// sharing ownership, per spec.md's "clone is ref_count.fetch_add(1,
// Relaxed)".
func (h *TypedPageHandle[M, P]) Clone() *TypedPageHandle[M, P] {
	h.table.SlotFor(h.frame).refCount.Add(1)
	return &TypedPageHandle[M, P]{table: h.table, frame: h.frame}
}

// Drop releases this handle's reference. If it was the last reference, the
// kind's OnDrop is invoked, the payload is cleared, and the slot is
// returned to the free state by resetting usage to TagFree. This implements
// spec.md's Arc-style release path: fetch_sub(1); if the result was 1
// (i.e. the new count is 0), invoke on_drop, drop the payload, and release
// the slot.
func (h *TypedPageHandle[M, P]) Drop() {
	slot := h.table.SlotFor(h.frame)
	if slot.refCount.Add(^uint32(0)) != 0 {
		return
	}

	var kind M
	kind.OnDrop(unsafe.Pointer(&slot.payload[0]))
	for i := range slot.payload {
		slot.payload[i] = 0
	}
	slot.usage.Store(uint8(TagFree))
}
