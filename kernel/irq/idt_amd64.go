// +build amd64

package irq

import "unsafe"

const idtEntries = 256

// gate64 is a 64-bit IDT gate descriptor (interrupt gate, present, ring 0).
type gate64 struct {
	offsetLow  uint16
	selector   uint16
	ist        uint8
	typeAttr   uint8
	offsetMid  uint16
	offsetHigh uint32
	reserved   uint32
}

const (
	gateTypeInterrupt = 0x8e // present, DPL=0, 64-bit interrupt gate
)

var idt [idtEntries]gate64

// idtPtr is the operand for LIDT, a packed {limit uint16; base uint64}.
// limit sits at offset 6 behind padding so that it directly precedes the
// 8-byte aligned base; LIDT is handed the address of limit.
type idtPtr struct {
	_     [3]uint16
	limit uint16
	base  uint64
}

var ptr idtPtr

// vectorEntries lists the (vector, trampoline) pairs that have an
// assembly entry point in vectors_amd64.s. Vectors without a trampoline
// are left as empty (not-present) gates: the CPU triple-faults if one
// fires, which matches this kernel's scope of handling the exceptions
// and IRQ lines it actually uses.
var vectorEntries = []struct {
	vector uint8
	entry  uintptr
}{
	{0, 0}, {4, 0}, {5, 0}, {6, 0}, {7, 0}, {8, 0}, {10, 0}, {11, 0},
	{12, 0}, {13, 0}, {14, 0}, {16, 0}, {17, 0}, {18, 0}, {19, 0},
	{32, 0}, {33, 0},
}

func setGate(vector uint8, handlerAddr uintptr) {
	idt[vector] = gate64{
		offsetLow:  uint16(handlerAddr),
		selector:   0x08,
		ist:        0,
		typeAttr:   gateTypeInterrupt,
		offsetMid:  uint16(handlerAddr >> 16),
		offsetHigh: uint32(handlerAddr >> 32),
	}
}

// Init populates the gate table with the trampolines defined in
// vectors_amd64.s and loads it via LIDT. It must run after HandleException
// and HandleIRQ registrations that need to survive the first interrupt, and
// before interrupts are enabled.
func Init() {
	installIDT()
}

// installIDT populates the gate table with the trampolines defined in
// vectors_amd64.s and loads it via LIDT.
func installIDT() {
	for i := range vectorEntries {
		vectorEntries[i].entry = trampolineAddr(vectorEntries[i].vector)
		if vectorEntries[i].entry != 0 {
			setGate(vectorEntries[i].vector, vectorEntries[i].entry)
		}
	}

	ptr.limit = uint16(unsafe.Sizeof(idt) - 1)
	ptr.base = uint64(uintptr(unsafe.Pointer(&idt[0])))
	lidt(uintptr(unsafe.Pointer(&ptr.limit)))
}

// lidt executes the LIDT instruction with the descriptor table pointer
// at idtPtrAddr.
func lidt(idtPtrAddr uintptr)

// trampolineAddr returns the address of the assembly entry point for the
// given vector, or 0 if the vector has none.
func trampolineAddr(vector uint8) uintptr
