package vmm

import "github.com/opencore/kernel/kernel"

// queryFn is used by tests to override calls to queryPTE. When compiling the
// kernel this function will be automatically inlined.
var queryFn = queryPTE

// queryPTE returns the mapping installed for a virtual page in the currently
// active page directory table, decoded into a frame identity plus flags.
func queryPTE(page Page) (Item, bool) {
	pte, err := pteForAddress(page.Address())
	if err != nil {
		return Item{}, false
	}

	return Item{
		Frame: pte.Frame(),
		Flags: PageTableEntryFlag(uintptr(*pte) &^ ptePhysPageMask),
	}, true
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address.
func Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	pte, err := pteForAddress(virtAddr)
	if err != nil {
		return 0, err
	}

	// Calculate the physical address by taking the physical frame address and
	// appending the offset from the virtual address
	physAddr := pte.Frame().Address() + (virtAddr & ((1 << pageLevelShifts[pageLevels-1]) - 1))

	return physAddr, nil
}
