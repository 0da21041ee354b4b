// Package timer wires PIT channel-0 interrupts (IRQ0) into the tick
// dispatcher.
package timer

import (
	"github.com/buwryme/feron/kernel/irq"
	"github.com/buwryme/feron/kernel/pic"
	"github.com/buwryme/feron/kernel/pit"
	"github.com/buwryme/feron/kernel/tick"
)

// irqVector is the remapped interrupt vector IRQ0 is delivered on.
const irqVector = 32

var eoiFn = pic.EOI

// Init programs the PIT to fire at hz interrupts per second, records the
// achieved rate with the tick dispatcher and installs the IRQ0 handler
// that drives it. It returns the frequency actually programmed.
func Init(hz uint32) uint32 {
	actual := pit.SetFrequency(hz)
	tick.SetRate(actual)

	irq.HandleIRQ(irqVector, onTimerIRQ)
	pic.Unmask(0)

	return actual
}

func onTimerIRQ(_ *irq.Frame, _ *irq.Regs) {
	tick.DispatchTick()
	eoiFn(0)
}
