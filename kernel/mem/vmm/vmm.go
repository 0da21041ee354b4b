// Package vmm implements the kernel's virtual memory manager: a 4-level
// amd64 page table mapper together with the two-phase bootstrap that
// switches the CPU from the bootloader's identity mapping onto the
// kernel's own page tables.
//
// Phase A (bootstrap_amd64.go, BootstrapIdentity) constructs the initial
// page tables using direct physical-address writes while the
// bootloader's identity mapping is still active and CR3 has not yet been
// switched. Phase B (map.go) edits page tables after the CR3 switch
// through a single fixed VA, scratchVA, that mapScratch/unmapScratch
// repoint at whatever physical table page needs reading or writing;
// only the permanently-resident PML4, addressed at PML4VA, is ever
// visible without going through that window. Phase B edits never span
// an interrupt boundary.
package vmm

import (
	"github.com/buwryme/feron/kernel"
	"github.com/buwryme/feron/kernel/cpu"
	"github.com/buwryme/feron/kernel/irq"
	"github.com/buwryme/feron/kernel/kfmt"
	"github.com/buwryme/feron/kernel/mem/pmm"
)

var (
	// frameAllocator points to a frame allocator function registered
	// using SetFrameAllocator.
	frameAllocator FrameAllocatorFn

	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	handleExceptionWithCodeFn = irq.HandleExceptionWithCode
	readCR2Fn                 = cpu.ReadCR2
	bootstrapIdentityFn       = BootstrapIdentity

	errUnrecoverableFault = &kernel.Error{Module: "vmm", Message: "page/gpf fault"}
)

// FrameAllocatorFn is a function that can allocate physical frames.
type FrameAllocatorFn func() (pmm.Frame, *kernel.Error)

// SetFrameAllocator registers a frame allocator function that will be used
// by the vmm code when new physical frames need to be allocated for page
// tables.
func SetFrameAllocator(allocFn FrameAllocatorFn) {
	frameAllocator = allocFn
}

// Init performs the Phase A to Phase B transition: it builds the
// kernel's own page tables, switches CR3 to point to them and installs
// the page and general protection fault handlers. leafFlags is applied
// to every leaf entry in the low identity mapping (FlagPresent is always
// added and FlagHugePage is always masked off).
func Init(leafFlags PageTableEntryFlag) *kernel.Error {
	if err := bootstrapIdentityFn(leafFlags); err != nil {
		return err
	}

	handleExceptionWithCodeFn(irq.PageFaultException, pageFaultHandler)
	handleExceptionWithCodeFn(irq.GPFException, generalProtectionFaultHandler)
	return nil
}

func pageFaultHandler(errorCode uint64, frame *irq.Frame, regs *irq.Regs) {
	nonRecoverablePageFault(uintptr(readCR2Fn()), errorCode, frame, regs, errUnrecoverableFault)
}

func nonRecoverablePageFault(faultAddress uintptr, errorCode uint64, frame *irq.Frame, regs *irq.Regs, err *kernel.Error) {
	kfmt.Printf("\nPage fault while accessing address: 0x%16x\nReason: ", faultAddress)
	switch errorCode {
	case 0:
		kfmt.Printf("read from non-present page")
	case 1:
		kfmt.Printf("page protection violation (read)")
	case 2:
		kfmt.Printf("write to non-present page")
	case 3:
		kfmt.Printf("page protection violation (write)")
	case 4:
		kfmt.Printf("page-fault in user-mode")
	case 8:
		kfmt.Printf("page table has reserved bit set")
	case 16:
		kfmt.Printf("instruction fetch")
	default:
		kfmt.Printf("unknown")
	}

	kfmt.Printf("\n\nRegisters:\n")
	regs.Print()
	frame.Print()

	panic(err)
}

func generalProtectionFaultHandler(_ uint64, frame *irq.Frame, regs *irq.Regs) {
	kfmt.Printf("\nGeneral protection fault while accessing address: 0x%x\n", readCR2Fn())
	kfmt.Printf("Registers:\n")
	regs.Print()
	frame.Print()

	panic(errUnrecoverableFault)
}
