package allocator

import (
	"reflect"
	"unsafe"

	"github.com/buwryme/feron/kernel"
	"github.com/buwryme/feron/kernel/hal/multiboot"
	"github.com/buwryme/feron/kernel/mem"
	"github.com/buwryme/feron/kernel/mem/pmm"
	"github.com/buwryme/feron/kernel/mem/vmm"
)

var (
	// FrameAllocator is a BitmapAllocator instance that serves as the
	// primary allocator for reserving pages.
	FrameAllocator BitmapAllocator

	// The followning functions are used by tests to mock calls to the vmm package
	// and are automatically inlined by the compiler.
	reserveRegionFn = vmm.EarlyReserveRegion
	mapFn           = vmm.Map

	errBitmapAllocOutOfMemory    = &kernel.Error{Module: "bitmap_alloc", Message: "no free frames remaining in any pool"}
	errBitmapAllocFrameNotManaged = &kernel.Error{Module: "bitmap_alloc", Message: "frame does not belong to any managed pool"}
	errBitmapAllocDoubleFree     = &kernel.Error{Module: "bitmap_alloc", Message: "frame is already free"}
)

type framePool struct {
	// startFrame is the frame number for the first page in this pool.
	// each free bitmap entry i corresponds to frame (startFrame + i).
	startFrame pmm.Frame

	// endFrame tracks the last frame in the pool. The total number of
	// frames is given by: (endFrame - startFrame) + 1
	endFrame pmm.Frame

	// freeCount tracks the available pages in this pool. The allocator
	// can use this field to skip fully allocated pools without the need
	// to scan the free bitmap.
	freeCount uint32

	// freeBitmap tracks used/free pages in the pool.
	freeBitmap    []uint64
	freeBitmapHdr reflect.SliceHeader
}

// BitmapAllocator implements a physical frame allocator that tracks frame
// reservations across the available memory pools using bitmaps.
type BitmapAllocator struct {
	// totalPages tracks the total number of pages across all pools.
	totalPages uint32

	// reservedPages tracks the number of reserved pages across all pools.
	reservedPages uint32

	pools    []framePool
	poolsHdr reflect.SliceHeader
}

// init allocates space for the allocator structures using the early bootmem
// allocator and flags any allocated pages as reserved.
func (alloc *BitmapAllocator) init() *kernel.Error {
	if err := alloc.setupPoolBitmaps(); err != nil {
		return err
	}
	alloc.reserveEarlyAllocatorFrames()
	alloc.reserveKernelFrames()
	// Frames below 16 MiB, the VGA text-mode frame among them, are never
	// handed out.
	for frame := pmm.Frame(0); frame < pmm.Frame((16*mem.Mb)>>mem.PageShift); frame++ {
		poolIndex := alloc.poolForFrame(frame)
		if poolIndex < 0 {
			continue
		}
		pool := &alloc.pools[poolIndex]
		offset := uint64(frame - pool.startFrame)
		if pool.freeBitmap[offset/64]&(1<<(63-offset%64)) == 0 {
			alloc.markFrame(poolIndex, frame, markReserved)
			pool.freeCount--
			alloc.reservedPages++
		}
	}
	return nil
}

// setupPoolBitmaps uses the early allocator and vmm region reservation helper
// to initialize the list of available pools and their free bitmap slices.
func (alloc *BitmapAllocator) setupPoolBitmaps() *kernel.Error {
	var (
		err                 *kernel.Error
		sizeofPool          = unsafe.Sizeof(framePool{})
		pageSizeMinus1      = uint64(mem.PageSize - 1)
		requiredBitmapBytes mem.Size
	)

	// Detect available memory regions and calculate their pool bitmap
	// requirements.
	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}

		alloc.poolsHdr.Len++
		alloc.poolsHdr.Cap++

		// Reported addresses may not be page-aligned; round up to get
		// the start frame and round down to get the end frame
		regionStartFrame := pmm.Frame(((region.PhysAddress + pageSizeMinus1) & ^pageSizeMinus1) >> mem.PageShift)
		regionEndFrame := pmm.Frame(((region.PhysAddress+region.Length) & ^pageSizeMinus1)>>mem.PageShift) - 1
		pageCount := uint32(regionEndFrame - regionStartFrame + 1)
		alloc.totalPages += pageCount

		// To represent the free page bitmap we need pageCount bits. Since our
		// slice uses uint64 for storing the bitmap we need to round up the
		// required bits so they are a multiple of 64 bits
		requiredBitmapBytes += mem.Size(((pageCount + 63) &^ 63) >> 3)
		return true
	})

	// Reserve enough pages to hold the allocator state
	requiredBytes := mem.Size(((uint64(uintptr(alloc.poolsHdr.Len)*sizeofPool) + uint64(requiredBitmapBytes)) + pageSizeMinus1) & ^pageSizeMinus1)
	requiredPages := requiredBytes >> mem.PageShift
	alloc.poolsHdr.Data, err = reserveRegionFn(requiredBytes)
	if err != nil {
		return err
	}

	for page, index := vmm.PageFromAddress(alloc.poolsHdr.Data), mem.Size(0); index < requiredPages; page, index = page+1, index+1 {
		nextFrame, err := earlyAllocFrame()
		if err != nil {
			return err
		}

		if err = mapFn(page, nextFrame, vmm.FlagPresent|vmm.FlagRW|vmm.FlagNoExecute); err != nil {
			return err
		}

		mem.Memset(page.Address(), 0, mem.PageSize)
	}

	alloc.pools = *(*[]framePool)(unsafe.Pointer(&alloc.poolsHdr))

	// Run a second pass to initialize the free bitmap slices for all pools
	bitmapStartAddr := alloc.poolsHdr.Data + uintptr(alloc.poolsHdr.Len)*sizeofPool
	poolIndex := 0
	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}

		regionStartFrame := pmm.Frame(((region.PhysAddress + pageSizeMinus1) & ^pageSizeMinus1) >> mem.PageShift)
		regionEndFrame := pmm.Frame(((region.PhysAddress+region.Length) & ^pageSizeMinus1)>>mem.PageShift) - 1
		bitmapBytes := uintptr((((regionEndFrame - regionStartFrame + 1) + 63) &^ 63) >> 3)

		alloc.pools[poolIndex].startFrame = regionStartFrame
		alloc.pools[poolIndex].endFrame = regionEndFrame
		alloc.pools[poolIndex].freeCount = uint32(regionEndFrame - regionStartFrame + 1)
		alloc.pools[poolIndex].freeBitmapHdr.Len = int(bitmapBytes >> 3)
		alloc.pools[poolIndex].freeBitmapHdr.Cap = alloc.pools[poolIndex].freeBitmapHdr.Len
		alloc.pools[poolIndex].freeBitmapHdr.Data = bitmapStartAddr
		alloc.pools[poolIndex].freeBitmap = *(*[]uint64)(unsafe.Pointer(&alloc.pools[poolIndex].freeBitmapHdr))

		bitmapStartAddr += bitmapBytes
		poolIndex++
		return true
	})

	return nil
}

// frameMark selects whether markFrame sets or clears a bitmap bit.
type frameMark bool

const (
	markFree     frameMark = false
	markReserved frameMark = true
)

// poolForFrame returns the index of the pool that owns frame, or -1 if
// no pool covers it.
func (alloc *BitmapAllocator) poolForFrame(frame pmm.Frame) int {
	for poolIndex := range alloc.pools {
		pool := &alloc.pools[poolIndex]
		if frame >= pool.startFrame && frame <= pool.endFrame {
			return poolIndex
		}
	}
	return -1
}

// markFrame sets or clears the bitmap bit for frame within pool
// poolIndex. It is a no-op if poolIndex is negative or frame does not
// belong to that pool. Bits are numbered MSB-first within each 64-bit
// block so that the lowest-addressed frame in a block maps to the
// block's highest bit.
func (alloc *BitmapAllocator) markFrame(poolIndex int, frame pmm.Frame, mark frameMark) {
	if poolIndex < 0 || poolIndex >= len(alloc.pools) {
		return
	}

	pool := &alloc.pools[poolIndex]
	if frame < pool.startFrame || frame > pool.endFrame {
		return
	}

	offset := uint64(frame - pool.startFrame)
	block, bitIndex := offset/64, 63-offset%64
	bitMask := uint64(1) << bitIndex

	if mark == markReserved {
		pool.freeBitmap[block] |= bitMask
	} else {
		pool.freeBitmap[block] &^= bitMask
	}
}

// reserveKernelFrames marks every frame occupied by the kernel image as
// reserved, using the placement recorded by the early allocator.
func (alloc *BitmapAllocator) reserveKernelFrames() {
	for frame := earlyAllocator.kernelStartFrame; frame <= earlyAllocator.kernelEndFrame; frame++ {
		poolIndex := alloc.poolForFrame(frame)
		if poolIndex < 0 {
			continue
		}
		alloc.markFrame(poolIndex, frame, markReserved)
		alloc.pools[poolIndex].freeCount--
		alloc.reservedPages++
	}
}

// reserveEarlyAllocatorFrames marks every frame handed out by the early
// allocator prior to the bitmap allocator taking over as reserved, by
// replaying the same sequence of AllocFrame calls against a scratch
// allocator seeded with the same kernel placement.
func (alloc *BitmapAllocator) reserveEarlyAllocatorFrames() {
	var replay bootMemAllocator
	replay.kernelStartAddr, replay.kernelEndAddr = earlyAllocator.kernelStartAddr, earlyAllocator.kernelEndAddr
	replay.kernelStartFrame, replay.kernelEndFrame = earlyAllocator.kernelStartFrame, earlyAllocator.kernelEndFrame

	for i := uint64(0); i < earlyAllocator.allocCount; i++ {
		frame, err := replay.AllocFrame()
		if err != nil {
			return
		}

		poolIndex := alloc.poolForFrame(frame)
		if poolIndex < 0 {
			continue
		}
		alloc.markFrame(poolIndex, frame, markReserved)
		alloc.pools[poolIndex].freeCount--
		alloc.reservedPages++
	}
}

// AllocFrame scans the pool bitmaps for a free frame, marks it reserved
// and returns it. It returns pmm.InvalidFrame and errBitmapAllocOutOfMemory
// if every pool is exhausted.
func (alloc *BitmapAllocator) AllocFrame() (pmm.Frame, *kernel.Error) {
	for poolIndex := range alloc.pools {
		pool := &alloc.pools[poolIndex]
		if pool.freeCount == 0 {
			continue
		}

		for wordIndex, word := range pool.freeBitmap {
			if word == ^uint64(0) {
				continue
			}

			for bit := uint64(0); bit < 64; bit++ {
				bitIndex := 63 - bit
				bitMask := uint64(1) << bitIndex
				if word&bitMask != 0 {
					continue
				}

				frame := pool.startFrame + pmm.Frame(uint64(wordIndex)*64+bit)
				pool.freeBitmap[wordIndex] |= bitMask
				pool.freeCount--
				alloc.reservedPages++
				return frame, nil
			}
		}
	}

	return pmm.InvalidFrame, errBitmapAllocOutOfMemory
}

// FreeFrame releases a frame previously returned by AllocFrame back to
// its owning pool. Freeing a frame that is already free, or one that
// does not belong to any managed pool, returns an error.
func (alloc *BitmapAllocator) FreeFrame(frame pmm.Frame) *kernel.Error {
	poolIndex := alloc.poolForFrame(frame)
	if poolIndex < 0 {
		return errBitmapAllocFrameNotManaged
	}

	pool := &alloc.pools[poolIndex]
	offset := uint64(frame - pool.startFrame)
	block, bitIndex := offset/64, 63-offset%64
	bitMask := uint64(1) << bitIndex

	if pool.freeBitmap[block]&bitMask == 0 {
		return errBitmapAllocDoubleFree
	}

	pool.freeBitmap[block] &^= bitMask
	pool.freeCount++
	alloc.reservedPages--
	return nil
}

// AllocFrame reserves a frame using the package-level FrameAllocator.
func AllocFrame() (pmm.Frame, *kernel.Error) {
	return FrameAllocator.AllocFrame()
}

// FreeFrame releases a frame using the package-level FrameAllocator.
func FreeFrame(frame pmm.Frame) *kernel.Error {
	return FrameAllocator.FreeFrame(frame)
}

// earlyAllocFrame is a helper that delegates a frame allocation request to the
// early allocator instance. This function is passed as an argument to
// vmm.SetFrameAllocator instead of earlyAllocator.AllocFrame. The latter
// confuses the compiler's escape analysis into thinking that
// earlyAllocator.Frame escapes to heap.
func earlyAllocFrame() (pmm.Frame, *kernel.Error) {
	return earlyAllocator.AllocFrame()
}

// Init sets up the kernel physical memory allocation sub-system.
func Init(kernelStart, kernelEnd uintptr) *kernel.Error {
	earlyAllocator.init(kernelStart, kernelEnd)
	earlyAllocator.printMemoryMap()

	vmm.SetFrameAllocator(earlyAllocFrame)
	return FrameAllocator.init()
}
