// +build amd64

// Package gdt installs the kernel's flat Global Descriptor Table: a null
// descriptor, a single kernel code segment and a single kernel data
// segment, covering the entire 64-bit address space. The kernel does not
// use segmentation for memory protection (paging handles that) so no
// additional descriptors are required.
package gdt

import "unsafe"

const (
	// KernelCodeSelector is the segment selector for the kernel code
	// descriptor, usable in far jumps/returns that need to reload CS.
	KernelCodeSelector = 0x08

	// KernelDataSelector is the segment selector for the kernel data
	// descriptor, used to reload DS/ES/SS/FS/GS after loading the GDT.
	KernelDataSelector = 0x10
)

// entries holds the null, kernel-code and kernel-data descriptors. Values
// match a flat 64-bit code/data segment pair (base 0, limit covers the
// full address space, long-mode code segment flag set).
var entries = [3]uint64{
	0x0000000000000000,
	0x00af9a000000ffff,
	0x00af92000000ffff,
}

// ptr is the operand for the LGDT instruction: a 10-byte packed
// {limit uint16; base uint64} structure. Go aligns base to 8 bytes, so
// limit sits at offset 6 behind padding and LGDT is handed the address of
// limit, which makes limit and base contiguous.
type ptr struct {
	_     [3]uint16
	limit uint16
	base  uint64
}

var gdtPtr ptr

// Init loads the kernel's flat GDT and reloads every segment register to
// point at the new descriptors.
func Init() {
	gdtPtr.limit = uint16(unsafe.Sizeof(entries) - 1)
	gdtPtr.base = uint64(uintptr(unsafe.Pointer(&entries[0])))
	loadGDT(uintptr(unsafe.Pointer(&gdtPtr.limit)), KernelCodeSelector, KernelDataSelector)
}

// loadGDT executes LGDT with the descriptor table pointer at gdtPtrAddr,
// reloads DS/ES/SS/FS/GS with dataSelector and performs a far return to
// reload CS with codeSelector.
func loadGDT(gdtPtrAddr uintptr, codeSelector, dataSelector uint16)
