// +build amd64

package vmm

import "github.com/buwryme/feron/kernel/mem"

const (
	// pageLevels indicates the number of page table levels used by the
	// amd64 architecture (PML4, PDPT, PD, PT).
	pageLevels = 4

	// ptePhysPageMask extracts the physical frame address encoded in a
	// page table entry. Bits 12-51 hold the address on this architecture.
	ptePhysPageMask = uintptr(0x000ffffffffff000)

	// identityMapSize is the length of the 4 KiB-granularity identity
	// mapping BootstrapIdentity installs before switching CR3. It must
	// cover every frame handed out by the PFA before vmm.Init runs, since
	// those frames back the page tables that the scratch window itself
	// depends on (see the comment on scratchPTAddr in bootstrap_amd64.go).
	identityMapSize = 4 * mem.Mb

	// vaPoolBase is the start of the VA allocator's pool: a canonical
	// higher-half region reserved for kernel bookkeeping (page tables,
	// early heap extensions, and the like), never used for user mappings.
	vaPoolBase = uintptr(0xFFFF800000000000)

	// vaPoolSize bounds the pool so its entire address range falls within
	// a single 2 MiB-aligned PD entry, which lets BootstrapIdentity back
	// it with exactly one PT.
	vaPoolSize = 1 * mem.Mb

	// scratchVA is the last page of the VA pool: a single, fixed virtual
	// address reserved for temporarily mapping a physical page so its
	// contents can be read or written while editing page tables after
	// CR3 has been switched to the kernel's own tables. Exactly one
	// physical page may be resident at scratchVA at any given time;
	// callers must follow the mapScratch/unmapScratch acquire-release
	// discipline and must never leave an interrupt boundary while the
	// window is mapped.
	scratchVA = vaPoolBase + uintptr(vaPoolSize) - uintptr(mem.PageSize)
)

var (
	// pageLevelBits defines the number of virtual address bits consumed
	// by each page table level; every level indexes 512 entries.
	pageLevelBits = [pageLevels]uint8{9, 9, 9, 9}

	// pageLevelShifts defines the bit offset of each level's index
	// field within a virtual address.
	pageLevelShifts = [pageLevels]uint8{39, 30, 21, 12}
)

const (
	// FlagPresent is set when the page is resident in memory.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode code may access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching selects write-through caching for the page.
	FlagWriteThroughCaching

	// FlagDoNotCache disables caching for the page.
	FlagDoNotCache

	// FlagAccessed is set by the CPU the first time the page is touched.
	FlagAccessed

	// FlagDirty is set by the CPU when the page is written to.
	FlagDirty

	// FlagHugePage selects a 2Mb page instead of a 4K page. The mapper
	// in map.go always masks this bit off: every leaf it installs is a
	// 4 KiB page, so the flag only exists here for bit-layout parity
	// with the hardware PTE format.
	FlagHugePage

	// FlagGlobal exempts the page from TLB flushes triggered by CR3 reloads.
	FlagGlobal

	// FlagCopyOnWrite marks a read-only page as scheduled for a
	// duplicate-on-write. Not used by this kernel's own mappings; kept
	// for parity with the page table entry format.
	FlagCopyOnWrite = 1 << 9

	// FlagNoExecute marks the page as non-executable.
	FlagNoExecute = 1 << 63
)
