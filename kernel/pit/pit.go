// Package pit programs PIT channel 0 to fire IRQ0 at a chosen frequency,
// the source of the kernel's tick events.
package pit

import "github.com/buwryme/feron/kernel/cpu"

const (
	cmdPort = 0x43
	ch0Port = 0x40

	// baseFrequency is the PIT's fixed input oscillator frequency.
	baseFrequency = 1193182

	// modeCmd selects channel 0, lo/hi byte access, mode 3 (square
	// wave), binary (not BCD) counting.
	modeCmd = 0x36
)

var portWriteByteFn = cpu.PortWriteByte

// SetFrequency programs PIT channel 0 to fire at approximately hz
// interrupts per second and returns the frequency actually programmed
// (the PIT's integer divisor means most requested rates are rounded).
// A hz of 0 is a no-op and returns 0.
func SetFrequency(hz uint32) uint32 {
	if hz == 0 {
		return 0
	}

	divisor := baseFrequency / hz
	if divisor == 0 {
		divisor = 1
	}
	if divisor > 0xffff {
		divisor = 0xffff
	}

	portWriteByteFn(cmdPort, modeCmd)
	portWriteByteFn(ch0Port, uint8(divisor&0xff))
	portWriteByteFn(ch0Port, uint8((divisor>>8)&0xff))

	return baseFrequency / divisor
}
