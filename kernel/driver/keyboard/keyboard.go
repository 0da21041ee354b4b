// Package keyboard wires the PS/2 controller's IRQ1 interrupt into the
// kbd scancode ring buffer.
package keyboard

import (
	"github.com/buwryme/feron/kernel/cpu"
	"github.com/buwryme/feron/kernel/irq"
	"github.com/buwryme/feron/kernel/kbd"
	"github.com/buwryme/feron/kernel/pic"
)

const (
	irqVector = 33
	dataPort  = 0x60
)

var (
	portReadByteFn = cpu.PortReadByte
	eoiFn          = pic.EOI
)

// Init installs the IRQ1 handler and unmasks the line at the PIC.
func Init() {
	irq.HandleIRQ(irqVector, onKeyboardIRQ)
	pic.Unmask(1)
}

func onKeyboardIRQ(_ *irq.Frame, _ *irq.Regs) {
	kbd.Push(portReadByteFn(dataPort))
	eoiFn(1)
}
