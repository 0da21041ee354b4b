// Package heap implements a boundary-tag, coalescing free-list allocator
// that backs the kernel's Alloc/Free/Calloc/Realloc surface. The heap
// operates over a single contiguous region of virtual memory that the
// caller reserves and maps ahead of time via Init.
package heap

import (
	"unsafe"

	"github.com/buwryme/feron/kernel"
	"github.com/buwryme/feron/kernel/sync"
)

const (
	// tagFree marks a block as available for allocation.
	tagFree uint64 = 0
	// tagUsed marks a block as handed out to a caller.
	tagUsed uint64 = 1

	// alignment is the minimum alignment (in bytes) guaranteed for every
	// pointer returned by Alloc.
	alignment = 16

	// minBlockSize is the smallest payload size a free block may be
	// split down to. Splitting into anything smaller would leave no
	// room for the resulting block's own header and footer.
	minBlockSize = alignment
)

var (
	errNotInitialized = &kernel.Error{Module: "heap", Message: "heap not initialized"}
	errOutOfMemory    = &kernel.Error{Module: "heap", Message: "out of memory"}
	errInvalidPointer = &kernel.Error{Module: "heap", Message: "pointer does not belong to the heap"}
	errDoubleFree     = &kernel.Error{Module: "heap", Message: "double free detected"}
)

// header precedes every block (free or used) in the heap arena. footer is an
// identical copy of size|tag placed at the end of the block's payload so
// that a block can discover the size of its physical neighbours in O(1)
// without walking the free list.
type header struct {
	size uint64 // payload size, excludes header/footer
	tag  uint64
}

type footer struct {
	size uint64
	tag  uint64
}

const headerSize = unsafe.Sizeof(header{})
const footerSize = unsafe.Sizeof(footer{})

// Heap is a single boundary-tag free-list arena. All public methods are
// safe for concurrent use; a single spinlock guards every entry point.
type Heap struct {
	lock       sync.Spinlock
	arenaStart uintptr
	arenaEnd   uintptr
	// freeHead points at the header of the first block in an
	// intrusive, unordered singly-linked free list. A free block's
	// payload stores a *header "next" pointer in its first 8 bytes.
	freeHead uintptr
	initDone bool
}

// Init prepares the heap to serve allocations out of [base, base+size).
// The caller is responsible for ensuring that the region is already
// mapped and not used by anything else.
func (h *Heap) Init(base uintptr, size uintptr) *kernel.Error {
	h.lock.Acquire()
	defer h.lock.Release()

	h.arenaStart = base
	h.arenaEnd = base + size

	blockPayload := size - headerSize - footerSize
	hdr := (*header)(unsafe.Pointer(base))
	hdr.size = uint64(blockPayload)
	hdr.tag = tagFree
	ftr := (*footer)(unsafe.Pointer(base + headerSize + uintptr(blockPayload)))
	ftr.size = uint64(blockPayload)
	ftr.tag = tagFree

	setFreeNext(base, 0)
	h.freeHead = base
	h.initDone = true
	return nil
}

// Alloc returns a pointer to a region of at least size bytes, or nil if
// the heap could not satisfy the request. The contents are whatever the
// backing memory last held; callers that need zeroed memory should use
// Calloc instead.
func (h *Heap) Alloc(size uintptr) (unsafe.Pointer, *kernel.Error) {
	if size == 0 {
		size = 1
	}
	need := align(size, alignment)

	h.lock.Acquire()
	defer h.lock.Release()

	if !h.initDone {
		return nil, errNotInitialized
	}

	blockBase, prev, err := h.findFit(need)
	if err != nil {
		return nil, err
	}

	h.removeFree(blockBase, prev)
	h.splitIfPossible(blockBase, need)
	h.markUsed(blockBase)

	return unsafe.Pointer(blockBase + headerSize), nil
}

// Calloc behaves like Alloc but additionally zeroes the returned region.
func (h *Heap) Calloc(nmemb, size uintptr) (unsafe.Pointer, *kernel.Error) {
	total := nmemb * size
	ptr, err := h.Alloc(total)
	if err != nil {
		return nil, err
	}
	zero(uintptr(ptr), total)
	return ptr, nil
}

// Free releases a block previously returned by Alloc, coalescing it with
// any free physical neighbours.
func (h *Heap) Free(ptr unsafe.Pointer) *kernel.Error {
	if ptr == nil {
		return nil
	}

	h.lock.Acquire()
	defer h.lock.Release()

	blockBase := uintptr(ptr) - headerSize
	if blockBase < h.arenaStart || blockBase >= h.arenaEnd {
		return errInvalidPointer
	}

	hdr := (*header)(unsafe.Pointer(blockBase))
	if hdr.tag == tagFree {
		return errDoubleFree
	}

	h.coalesceAndFree(blockBase)
	return nil
}

// Realloc resizes a previously allocated block, copying its contents to a
// new location if required. Passing a nil ptr behaves like Alloc; passing
// a zero size behaves like Free and returns nil.
func (h *Heap) Realloc(ptr unsafe.Pointer, newSize uintptr) (unsafe.Pointer, *kernel.Error) {
	if ptr == nil {
		return h.Alloc(newSize)
	}
	if newSize == 0 {
		return nil, h.Free(ptr)
	}

	blockBase := uintptr(ptr) - headerSize
	h.lock.Acquire()
	oldSize := uintptr((*header)(unsafe.Pointer(blockBase)).size)
	h.lock.Release()

	if align(newSize, alignment) <= oldSize {
		return ptr, nil
	}

	newPtr, err := h.Alloc(newSize)
	if err != nil {
		return nil, err
	}
	copyBytes(uintptr(newPtr), uintptr(ptr), oldSize)
	if err := h.Free(ptr); err != nil {
		return nil, err
	}
	return newPtr, nil
}

// findFit performs a first-fit scan of the free list, returning the base
// address of a suitable block and its predecessor in the free list (0 if
// it is the list head).
func (h *Heap) findFit(need uintptr) (block uintptr, prev uintptr, err *kernel.Error) {
	cur := h.freeHead
	prev = 0
	for cur != 0 {
		hdr := (*header)(unsafe.Pointer(cur))
		if uintptr(hdr.size) >= need {
			return cur, prev, nil
		}
		prev = cur
		cur = freeNext(cur)
	}
	return 0, 0, errOutOfMemory
}

// removeFree unlinks block from the free list given its predecessor.
func (h *Heap) removeFree(block, prev uintptr) {
	next := freeNext(block)
	if prev == 0 {
		h.freeHead = next
	} else {
		setFreeNext(prev, next)
	}
}

// pushFree inserts block at the head of the free list.
func (h *Heap) pushFree(block uintptr) {
	setFreeNext(block, h.freeHead)
	h.freeHead = block
}

// splitIfPossible carves a trailing free block out of block if the
// remainder after satisfying need is large enough to hold a block of its
// own (header + footer + minBlockSize).
func (h *Heap) splitIfPossible(block, need uintptr) {
	hdr := (*header)(unsafe.Pointer(block))
	total := uintptr(hdr.size)
	remainder := total - need

	if remainder < headerSize+footerSize+minBlockSize {
		return
	}

	remainderPayload := remainder - headerSize - footerSize
	newBlockBase := block + headerSize + need + footerSize

	newHdr := (*header)(unsafe.Pointer(newBlockBase))
	newHdr.size = uint64(remainderPayload)
	newHdr.tag = tagFree
	newFtr := (*footer)(unsafe.Pointer(newBlockBase + headerSize + remainderPayload))
	newFtr.size = uint64(remainderPayload)
	newFtr.tag = tagFree

	writeFooter(block, need)
	hdr.size = uint64(need)

	h.pushFree(newBlockBase)
}

// markUsed stamps block's header and footer as used. The block's size is
// assumed to already reflect the granted payload size.
func (h *Heap) markUsed(block uintptr) {
	hdr := (*header)(unsafe.Pointer(block))
	hdr.tag = tagUsed
	writeFooter(block, uintptr(hdr.size))
}

// coalesceAndFree merges block with any free physical neighbour on
// either side before returning it to the free list.
func (h *Heap) coalesceAndFree(block uintptr) {
	hdr := (*header)(unsafe.Pointer(block))
	size := uintptr(hdr.size)

	// Merge with the left neighbour, if any and free.
	if block > h.arenaStart {
		leftFooterAddr := block - footerSize
		leftFtr := (*footer)(unsafe.Pointer(leftFooterAddr))
		if leftFtr.tag == tagFree {
			leftSize := uintptr(leftFtr.size)
			leftBase := block - headerSize - leftSize - footerSize
			h.removeFreeByAddr(leftBase)
			size = leftSize + headerSize + footerSize + size
			block = leftBase
		}
	}

	// Merge with the right neighbour, if any and free.
	rightBase := block + headerSize + size + footerSize
	if rightBase < h.arenaEnd {
		rightHdr := (*header)(unsafe.Pointer(rightBase))
		if rightHdr.tag == tagFree {
			rightSize := uintptr(rightHdr.size)
			h.removeFreeByAddr(rightBase)
			size = size + headerSize + footerSize + rightSize
		}
	}

	hdr = (*header)(unsafe.Pointer(block))
	hdr.size = uint64(size)
	hdr.tag = tagFree
	writeFooter(block, size)
	h.pushFree(block)
}

// removeFreeByAddr walks the free list to unlink the block starting at
// addr. Used by coalescing, which only knows the neighbour's address and
// not its predecessor in the list.
func (h *Heap) removeFreeByAddr(addr uintptr) {
	if h.freeHead == addr {
		h.freeHead = freeNext(addr)
		return
	}

	prev := h.freeHead
	cur := freeNext(prev)
	for cur != 0 {
		if cur == addr {
			setFreeNext(prev, freeNext(cur))
			return
		}
		prev = cur
		cur = freeNext(cur)
	}
}

func writeFooter(block, payloadSize uintptr) {
	hdr := (*header)(unsafe.Pointer(block))
	ftr := (*footer)(unsafe.Pointer(block + headerSize + payloadSize))
	ftr.size = uint64(payloadSize)
	ftr.tag = hdr.tag
}

// freeNext/setFreeNext store the intrusive free-list link in the first
// machine word of a free block's payload, directly after its header.
func freeNext(block uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(block + headerSize))
}

func setFreeNext(block uintptr, next uintptr) {
	*(*uintptr)(unsafe.Pointer(block + headerSize)) = next
}

func align(size, to uintptr) uintptr {
	return (size + to - 1) &^ (to - 1)
}

func zero(addr, size uintptr) {
	for i := uintptr(0); i < size; i++ {
		*(*byte)(unsafe.Pointer(addr + i)) = 0
	}
}

func copyBytes(dst, src, size uintptr) {
	for i := uintptr(0); i < size; i++ {
		*(*byte)(unsafe.Pointer(dst + i)) = *(*byte)(unsafe.Pointer(src + i))
	}
}
