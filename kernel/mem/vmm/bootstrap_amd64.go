// +build amd64

package vmm

import (
	"unsafe"

	"github.com/buwryme/feron/kernel"
	"github.com/buwryme/feron/kernel/cpu"
	"github.com/buwryme/feron/kernel/mem"
)

var (
	switchPDTFn = cpu.SwitchPDT

	errBootstrapNoFrames = &kernel.Error{Module: "vmm", Message: "could not allocate a physical frame for a page table during paging bootstrap"}

	// pml4VA is the virtual address at which the running PML4 is
	// permanently mapped. BootstrapIdentity is the only writer; every
	// other vmm function treats it as read-only.
	pml4VA uintptr

	// scratchPTAddr is the physical address of the PT that owns
	// scratchVA's leaf entry. mapScratch/unmapScratch rewrite that leaf
	// directly through this address rather than through scratchVA
	// itself, which would be circular. This only works because
	// BootstrapIdentity is the very first thing to allocate frames
	// (before the heap or any other subsystem), which guarantees this
	// frame - like every other frame touched during bootstrap - falls
	// inside [0, identityMapSize), the one physical range that stays
	// directly addressable for the lifetime of the kernel.
	scratchPTAddr uintptr
)

// BootstrapIdentity builds the kernel's very first page tables and
// switches CR3 onto them. It must run while the bootloader's own mapping
// (typically an identity map over low memory, or no paging at all) is
// still active, since every physical address touched here is also a
// directly readable and writable address; that assumption stops holding
// everywhere else the instant switchPDTFn returns, which is why every
// write below happens first and targets physical addresses exclusively.
//
// Five frames - a PML4, a PDPT, a PD and two PTs, each PT covering 2 MiB -
// identity-map [0, identityMapSize) at 4 KiB granularity, with leafFlags applied to
// every leaf (FlagHugePage is always masked off: Phase B's scratch
// window only ever deals in 4 KiB leaves). A second chain maps the fixed
// VA pool at vaPoolBase so the running PML4 becomes addressable at a
// freshly reserved PML4VA once CR3 has switched, and so scratchVA - the
// pool's last page - already has a full, present-but-empty page-table
// path down to its own leaf for mapScratch to rewrite later.
func BootstrapIdentity(leafFlags PageTableEntryFlag) *kernel.Error {
	pml4Frame, err := frameAllocator()
	if err != nil {
		return errBootstrapNoFrames
	}
	physMemset(pml4Frame.Address(), 0, mem.PageSize)
	pml4 := physEntries(pml4Frame.Address())

	if err := identityMapLow(pml4, leafFlags); err != nil {
		return err
	}

	poolPTAddr, err := ensurePoolChain(pml4)
	if err != nil {
		return err
	}

	va, err := earlyReserveRegionFn(mem.PageSize)
	if err != nil {
		return err
	}

	poolPT := physEntries(poolPTAddr)
	poolPT[ptIndex(va)] = pageTableEntry(pml4Frame.Address()) | pageTableEntry(FlagPresent|FlagRW)

	pml4VA = va
	scratchPTAddr = poolPTAddr

	switchPDTFn(pml4Frame.Address())
	return nil
}

// identityMapLow populates pml4 so that [0, identityMapSize) maps to
// itself at 4 KiB granularity, allocating and zeroing whatever PDPT, PD
// and PT frames are required along the way.
func identityMapLow(pml4 *[512]pageTableEntry, leafFlags PageTableEntryFlag) *kernel.Error {
	leafFlags = (leafFlags &^ FlagHugePage) | FlagPresent

	for addr := uintptr(0); addr < uintptr(identityMapSize); addr += uintptr(mem.PageSize) {
		ptAddr, err := identityTableChain(pml4, addr)
		if err != nil {
			return err
		}

		pt := physEntries(ptAddr)
		pt[ptIndex(addr)] = pageTableEntry(addr) | pageTableEntry(leafFlags)
	}

	return nil
}

// identityTableChain walks (creating as needed) the PDPT->PD->PT chain
// that owns addr's leaf and returns the physical address of the PT.
func identityTableChain(pml4 *[512]pageTableEntry, addr uintptr) (uintptr, *kernel.Error) {
	pdptAddr, err := ensureTable(&pml4[pml4Index(addr)])
	if err != nil {
		return 0, err
	}
	pdpt := physEntries(pdptAddr)

	pdAddr, err := ensureTable(&pdpt[pdptIndex(addr)])
	if err != nil {
		return 0, err
	}
	pd := physEntries(pdAddr)

	return ensureTable(&pd[pdIndex(addr)])
}

// ensurePoolChain walks (creating as needed) the PDPT->PD->PT chain that
// owns the VA pool and returns the physical address of the pool's PT.
// The pool is sized so that it never crosses a PD boundary, so a single
// chain covers every address inside it, including scratchVA.
func ensurePoolChain(pml4 *[512]pageTableEntry) (uintptr, *kernel.Error) {
	pdptAddr, err := ensureTable(&pml4[pml4Index(vaPoolBase)])
	if err != nil {
		return 0, err
	}
	pdpt := physEntries(pdptAddr)

	pdAddr, err := ensureTable(&pdpt[pdptIndex(vaPoolBase)])
	if err != nil {
		return 0, err
	}
	pd := physEntries(pdAddr)

	return ensureTable(&pd[pdIndex(vaPoolBase)])
}

// ensureTable returns the physical frame address pointed to by *entry,
// allocating and zeroing a fresh frame and installing it (PRESENT|RW,
// USER clear) if the entry is not yet present.
func ensureTable(entry *pageTableEntry) (uintptr, *kernel.Error) {
	if entry.HasFlags(FlagPresent) {
		return uintptr(*entry) &^ (uintptr(mem.PageSize) - 1), nil
	}

	frame, err := frameAllocator()
	if err != nil {
		return 0, errBootstrapNoFrames
	}
	physMemset(frame.Address(), 0, mem.PageSize)
	*entry = pageTableEntry(frame.Address()) | pageTableEntry(FlagPresent|FlagRW)
	return frame.Address(), nil
}

// physEntries views the page table physically located at addr as a
// 512-entry array of page table entries. It is only valid to call this
// with an address inside the permanent low identity mapping; see
// entriesAtFn for the post-bootstrap, scratch/PML4VA-relative version.
func physEntries(addr uintptr) *[512]pageTableEntry {
	return (*[512]pageTableEntry)(unsafe.Pointer(addr))
}

func physMemset(addr uintptr, val byte, size mem.Size) {
	for i := mem.Size(0); i < size; i++ {
		*(*byte)(unsafe.Pointer(addr + uintptr(i))) = val
	}
}
