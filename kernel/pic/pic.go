// Package pic drives the two cascaded 8259A Programmable Interrupt
// Controllers, remapping their vectors away from the CPU's reserved
// exception range and exposing per-line masking and end-of-interrupt
// signalling.
package pic

import "github.com/buwryme/feron/kernel/cpu"

const (
	masterCmd  = 0x20
	masterData = 0x21
	slaveCmd   = 0xA0
	slaveData  = 0xA1

	icw1Init = 0x10
	icw1ICW4 = 0x01
	icw4_8086 = 0x01

	// EOI is the command written to acknowledge an in-service interrupt.
	eoiCommand = 0x20
)

var (
	portWriteByteFn = cpu.PortWriteByte
	portReadByteFn  = cpu.PortReadByte
)

// Remap reprograms the master and slave PICs so that IRQ lines 0-7 and
// 8-15 are delivered as interrupt vectors offset1..offset1+7 and
// offset2..offset2+7 respectively, instead of colliding with the CPU's
// reserved exception vectors 0-31. Existing IRQ masks are preserved
// across the remap.
func Remap(offset1, offset2 uint8) {
	savedMaster := portReadByteFn(masterData)
	savedSlave := portReadByteFn(slaveData)

	portWriteByteFn(masterCmd, icw1Init|icw1ICW4)
	portWriteByteFn(slaveCmd, icw1Init|icw1ICW4)

	portWriteByteFn(masterData, offset1)
	portWriteByteFn(slaveData, offset2)

	portWriteByteFn(masterData, 0x04) // slave attached at IRQ2
	portWriteByteFn(slaveData, 0x02)  // slave's cascade identity

	portWriteByteFn(masterData, icw4_8086)
	portWriteByteFn(slaveData, icw4_8086)

	portWriteByteFn(masterData, savedMaster)
	portWriteByteFn(slaveData, savedSlave)
}

// SetMasks overwrites the master and slave interrupt mask registers.
func SetMasks(masterMask, slaveMask uint8) {
	portWriteByteFn(masterData, masterMask)
	portWriteByteFn(slaveData, slaveMask)
}

// Unmask enables IRQ line irq (0-15), leaving every other line's mask
// bit untouched.
func Unmask(irq uint8) {
	if irq < 8 {
		mask := portReadByteFn(masterData)
		mask &^= 1 << irq
		portWriteByteFn(masterData, mask)
		return
	}
	irq -= 8
	mask := portReadByteFn(slaveData)
	mask &^= 1 << irq
	portWriteByteFn(slaveData, mask)
}

// Mask disables IRQ line irq (0-15).
func Mask(irq uint8) {
	if irq < 8 {
		mask := portReadByteFn(masterData)
		mask |= 1 << irq
		portWriteByteFn(masterData, mask)
		return
	}
	irq -= 8
	mask := portReadByteFn(slaveData)
	mask |= 1 << irq
	portWriteByteFn(slaveData, mask)
}

// EOI signals end-of-interrupt for the given IRQ line. Lines 8-15 are
// routed through the slave PIC and require an EOI to both controllers,
// always sending the slave's EOI first so it stops driving IRQ2 on the
// master before the master is acknowledged.
func EOI(irq uint8) {
	if irq >= 8 {
		portWriteByteFn(slaveCmd, eoiCommand)
	}
	portWriteByteFn(masterCmd, eoiCommand)
}
