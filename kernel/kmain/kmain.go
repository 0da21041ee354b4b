// Package kmain wires together every subsystem that the kernel needs
// before it can safely run: early output, physical and virtual memory
// management, the heap, paging, segmentation, interrupts and the two
// hardware IRQ drivers that feed the scheduler's notion of time and
// keyboard input.
//
// Kmain is the only Go symbol that needs to be reachable from the
// assembly entry point. It is invoked after the bootstrap stack and a
// minimal runtime g0 have been set up, and is passed the physical
// address of the Multiboot2 info structure along with the kernel
// image's own physical extents (so the early allocators know to avoid
// handing out the frames the kernel itself occupies).
//
// Kmain never returns; if every init step succeeds it parks the CPU in
// an interrupt-driven idle loop.
package kmain

import (
	"github.com/buwryme/feron/kernel"
	"github.com/buwryme/feron/kernel/cpu"
	"github.com/buwryme/feron/kernel/driver/console"
	"github.com/buwryme/feron/kernel/driver/keyboard"
	"github.com/buwryme/feron/kernel/driver/serial"
	"github.com/buwryme/feron/kernel/driver/timer"
	"github.com/buwryme/feron/kernel/gdt"
	"github.com/buwryme/feron/kernel/hal/multiboot"
	"github.com/buwryme/feron/kernel/heap"
	"github.com/buwryme/feron/kernel/irq"
	"github.com/buwryme/feron/kernel/kfmt"
	"github.com/buwryme/feron/kernel/mem"
	"github.com/buwryme/feron/kernel/mem/pmm/allocator"
	"github.com/buwryme/feron/kernel/mem/vmm"
	"github.com/buwryme/feron/kernel/pic"
	"github.com/buwryme/feron/kernel/tick"
)

const (
	// wantHeapSize is the size requested for the kernel heap. The
	// region actually handed to heap.Init may be smaller if no single
	// free mmap entry is that large.
	wantHeapSize mem.Size = 4 * mem.Mb

	// pitFrequencyHz is the rate the PIT is programmed for; the actual
	// achieved rate (which can differ slightly due to the PIT's integer
	// divisor) is fed back into the tick dispatcher.
	pitFrequencyHz = 100

	// picMasterOffset, picSlaveOffset relocate the PIC's vectors past
	// the CPU's reserved exception range (0-31).
	picMasterOffset = 32
	picSlaveOffset  = 40
)

var (
	errNoUsableMemory = &kernel.Error{Module: "kmain", Message: "no mmap entry is large enough for the kernel heap"}
	errKmainReturned  = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

	// visitMemRegionsFn is mocked by tests; calling multiboot.VisitMemRegions
	// directly requires a parsed Multiboot2 info blob to be present.
	visitMemRegionsFn = multiboot.VisitMemRegions

	// uptimeSeconds counts Second ticks since boot.
	uptimeSeconds uint64
)

// logUptime fires once per Second tick and reports elapsed seconds.
func logUptime() {
	uptimeSeconds++
	kfmt.Printf("uptime: %ds\n", uptimeSeconds)
}

// Kmain brings every subsystem online in the fixed order required for a
// working, interrupt-driven system: early output, the physical frame
// allocator, the heap, the virtual address space bookkeeping, paging,
// segmentation, the IDT, the PIC and finally the two IRQ-driven drivers.
// A failure at any step halts the system with an error banner instead
// of continuing into a half-initialized state.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	serial.Init()
	console.Clear()
	kfmt.SetOutputSink(console.VGA)

	multiboot.SetInfoPtr(multibootInfoPtr)
	kfmt.Printf("starting up\n")

	if err := allocator.Init(kernelStart, kernelEnd); err != nil {
		kfmt.Panic(err)
	}

	heapBase, heapSize, ok := pickHeapRegion(kernelEnd, wantHeapSize)
	if !ok {
		kfmt.Panic(errNoUsableMemory)
	}
	var kheap heap.Heap
	if err := kheap.Init(heapBase, uintptr(heapSize)); err != nil {
		kfmt.Panic(err)
	}
	kfmt.Printf("heap: [0x%x - 0x%x)\n", heapBase, heapBase+uintptr(heapSize))

	// The early virtual-address-space reservation counter initializes
	// itself to the top of the kernel's address space on package load;
	// there is no separate setup step before EarlyReserveRegion can be
	// called by the paging bootstrap below.

	if err := vmm.Init(vmm.FlagPresent | vmm.FlagRW); err != nil {
		kfmt.Panic(err)
	}

	gdt.Init()
	irq.Init()

	pic.Remap(picMasterOffset, picSlaveOffset)
	pic.SetMasks(0xFF, 0xFF)

	tick.Register(tick.Second, logUptime)

	actualHz := timer.Init(pitFrequencyHz)
	kfmt.Printf("timer: requested %dHz, programmed %dHz\n", pitFrequencyHz, actualHz)
	keyboard.Init()

	cpu.EnableInterrupts()

	// Halt never returns: it parks the CPU on HLT and wakes only to
	// service an interrupt before halting again, which is the kernel's
	// entire idle loop.
	cpu.Halt()

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating this as dead code and eliminating it.
	kfmt.Panic(errKmainReturned)
}

// pickHeapRegion scans the Multiboot2 memory map for the largest
// available region, counting only the part of each region that lies at
// or above kernelEnd, and returns up to want bytes of that part. It returns ok=false if no available region can
// supply at least a single page.
func pickHeapRegion(kernelEnd uintptr, want mem.Size) (base uintptr, size mem.Size, ok bool) {
	var bestBase uintptr
	var bestLen uint64

	visitMemRegionsFn(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}

		regionStart := region.PhysAddress
		regionEnd := region.PhysAddress + region.Length
		if uintptr(regionStart) < kernelEnd {
			regionStart = uint64(kernelEnd)
		}
		if regionStart >= regionEnd {
			return true
		}

		if avail := regionEnd - regionStart; avail > bestLen {
			bestBase = uintptr(regionStart)
			bestLen = avail
		}
		return true
	})

	if bestLen < uint64(mem.PageSize) {
		return 0, 0, false
	}

	size = mem.Size(bestLen)
	if size > want {
		size = want
	}
	return bestBase, size, true
}
