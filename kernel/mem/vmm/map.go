package vmm

import (
	"unsafe"

	"github.com/buwryme/feron/kernel"
	"github.com/buwryme/feron/kernel/cpu"
	"github.com/buwryme/feron/kernel/mem"
	"github.com/buwryme/feron/kernel/mem/pmm"
)

var (
	// entriesAtFn views the page table located at a virtual address as
	// a 512-entry array. Tests override it to substitute host-backed
	// arrays for pml4VA/scratchVA, which would otherwise fault the test
	// process the instant they were dereferenced.
	entriesAtFn = func(va uintptr) *[512]pageTableEntry {
		return (*[512]pageTableEntry)(unsafe.Pointer(va))
	}

	// scratchEntriesAtFn addresses scratchPTAddr directly, mirroring the
	// physical-address access mapScratch/unmapScratch use to reach
	// scratchVA's own leaf. Kept separate from entriesAtFn so tests can
	// back the two with distinct fake tables.
	scratchEntriesAtFn = func(pa uintptr) *[512]pageTableEntry {
		return (*[512]pageTableEntry)(unsafe.Pointer(pa))
	}

	// flushTLBEntryFn is used by tests to override calls to
	// FlushTLBEntry, which would otherwise fault on the host.
	flushTLBEntryFn = cpu.FlushTLBEntry

	earlyReserveRegionFn = EarlyReserveRegion

	errMapFailed = &kernel.Error{Module: "vmm", Message: "a sub-allocation failed while installing a page table mapping"}
)

// mapScratch rewrites scratchVA's own leaf PTE so it points at pa and
// invalidates the stale TLB entry for scratchVA. Exactly one physical
// page may be resident at scratchVA at a time; callers must pair every
// mapScratch with an unmapScratch before the next acquisition and must
// never leave an interrupt boundary while the window is held open.
func mapScratch(pa uintptr, flags PageTableEntryFlag) {
	pt := scratchEntriesAtFn(scratchPTAddr)
	pt[ptIndex(scratchVA)] = pageTableEntry(pa&^(uintptr(mem.PageSize)-1)) | pageTableEntry((flags&^FlagHugePage)|FlagPresent)
	flushTLBEntryFn(scratchVA)
}

// unmapScratch clears scratchVA's leaf PTE and invalidates the TLB entry
// for it, releasing the window for the next acquirer.
func unmapScratch() {
	pt := scratchEntriesAtFn(scratchPTAddr)
	pt[ptIndex(scratchVA)] = 0
	flushTLBEntryFn(scratchVA)
}

// allocTablePA allocates a fresh physical frame, zeroes it through the
// scratch window and returns its physical address. The caller links the
// returned address into a parent table entry; the frame is never
// addressed directly again except through scratch or via that entry.
func allocTablePA() (uintptr, bool) {
	frame, err := frameAllocator()
	if err != nil {
		return 0, false
	}

	pa := frame.Address()
	mapScratch(pa, FlagPresent|FlagRW)
	entries := entriesAtFn(scratchVA)
	for i := range entries {
		entries[i] = 0
	}
	unmapScratch()
	return pa, true
}

// stepTable returns the physical address of the child table reached
// through the entry at index within the table currently resident at
// parentPA, scratch-mapping parentPA just long enough to read that one
// entry. If the entry is absent, it allocates the child table and
// reacquires the scratch window on parentPA to link it in: allocTablePA
// repoints the window at the new child to zero it, so a pointer obtained
// before that call would otherwise dangle or, worse, alias the child.
func stepTable(parentPA, index uintptr) (uintptr, bool) {
	mapScratch(parentPA, FlagPresent|FlagRW)
	entry := entriesAtFn(scratchVA)[index]
	unmapScratch()

	if entry.HasFlags(FlagHugePage) {
		return 0, false
	}
	if entry.HasFlags(FlagPresent) {
		return uintptr(entry) &^ (uintptr(mem.PageSize) - 1), true
	}

	childPA, ok := allocTablePA()
	if !ok {
		return 0, false
	}

	mapScratch(parentPA, FlagPresent|FlagRW)
	linked := &entriesAtFn(scratchVA)[index]
	*linked = 0
	linked.SetFrame(pmm.Frame(childPA >> mem.PageShift))
	linked.SetFlags(FlagPresent | FlagRW)
	unmapScratch()

	return childPA, true
}

// lookupTable is stepTable's read-only counterpart: it never allocates,
// returning ok=false if the entry is absent or is a huge-page leaf.
func lookupTable(parentPA, index uintptr) (uintptr, bool) {
	mapScratch(parentPA, FlagPresent|FlagRW)
	defer unmapScratch()

	entry := &entriesAtFn(scratchVA)[index]
	if !entry.HasFlags(FlagPresent) || entry.HasFlags(FlagHugePage) {
		return 0, false
	}
	return uintptr(*entry) &^ (uintptr(mem.PageSize) - 1), true
}

// MapPage installs a mapping from the page containing va to the frame
// containing pa, allocating and linking any missing PDPT/PD/PT along the
// way. FlagHugePage is always masked off: every leaf this mapper installs
// is 4 KiB. PML4VA is read directly, since the PML4 is permanently
// resident there; every lower level is visited through the scratch
// window one table at a time, so at most one non-PML4 table page is ever
// addressable at once. If any sub-allocation fails, MapPage returns
// false; whatever intermediate tables it already linked are left in
// place, since they contain no leaves and are simply reused on a future
// call.
func MapPage(va, pa uintptr, flags PageTableEntryFlag) bool {
	pml4 := entriesAtFn(pml4VA)
	pml4e := &pml4[pml4Index(va)]

	if !pml4e.HasFlags(FlagPresent) {
		childPA, ok := allocTablePA()
		if !ok {
			return false
		}
		*pml4e = 0
		pml4e.SetFrame(pmm.Frame(childPA >> mem.PageShift))
		pml4e.SetFlags(FlagPresent | FlagRW)
	}
	pdptPA := uintptr(*pml4e) &^ (uintptr(mem.PageSize) - 1)

	pdPA, ok := stepTable(pdptPA, pdptIndex(va))
	if !ok {
		return false
	}
	ptPA, ok := stepTable(pdPA, pdIndex(va))
	if !ok {
		return false
	}

	mapScratch(ptPA, FlagPresent|FlagRW)
	entriesAtFn(scratchVA)[ptIndex(va)] = pageTableEntry(pa&^(uintptr(mem.PageSize)-1)) | pageTableEntry(flags&^FlagHugePage)
	unmapScratch()

	flushTLBEntryFn(va)
	return true
}

// MapRange maps [va, va+size) to [pa, pa+size) one 4 KiB page at a time,
// stopping at the first MapPage failure.
func MapRange(va, pa uintptr, size mem.Size, flags PageTableEntryFlag) bool {
	size = (size + (mem.PageSize - 1)) &^ (mem.PageSize - 1)

	for off := mem.Size(0); off < size; off += mem.PageSize {
		if !MapPage(va+uintptr(off), pa+uintptr(off), flags) {
			return false
		}
	}
	return true
}

// unmapPage clears the leaf PTE for va without allocating anything,
// returning ErrInvalidMapping if any level of the walk is absent.
func unmapPage(va uintptr) *kernel.Error {
	pml4 := entriesAtFn(pml4VA)
	pml4e := &pml4[pml4Index(va)]
	if !pml4e.HasFlags(FlagPresent) {
		return ErrInvalidMapping
	}
	pdptPA := uintptr(*pml4e) &^ (uintptr(mem.PageSize) - 1)

	pdPA, ok := lookupTable(pdptPA, pdptIndex(va))
	if !ok {
		return ErrInvalidMapping
	}
	ptPA, ok := lookupTable(pdPA, pdIndex(va))
	if !ok {
		return ErrInvalidMapping
	}

	mapScratch(ptPA, FlagPresent|FlagRW)
	entries := entriesAtFn(scratchVA)
	if !entries[ptIndex(va)].HasFlags(FlagPresent) {
		unmapScratch()
		return ErrInvalidMapping
	}
	entries[ptIndex(va)] = 0
	unmapScratch()

	flushTLBEntryFn(va)
	return nil
}

// Map establishes a mapping between a virtual page and a physical memory
// frame using the currently active page table hierarchy, via MapPage.
func Map(page Page, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
	if !MapPage(page.Address(), frame.Address(), flags) {
		return errMapFailed
	}
	return nil
}

// Unmap removes a mapping previously installed via Map.
func Unmap(page Page) *kernel.Error {
	return unmapPage(page.Address())
}

// MapRegion establishes a mapping to the physical memory region which
// starts at the given frame and spans size (rounded up to a page
// boundary). MapRegion reserves the next available region in the kernel
// address space and returns the Page that corresponds to its start.
func MapRegion(frame pmm.Frame, size mem.Size, flags PageTableEntryFlag) (Page, *kernel.Error) {
	size = (size + (mem.PageSize - 1)) &^ (mem.PageSize - 1)

	startVA, err := earlyReserveRegionFn(size)
	if err != nil {
		return 0, err
	}

	if !MapRange(startVA, frame.Address(), size, flags) {
		return 0, errMapFailed
	}
	return PageFromAddress(startVA), nil
}
