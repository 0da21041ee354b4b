// Package serial drives the COM1 UART, giving the kernel an output
// channel that works before any console hardware has been probed.
package serial

import "github.com/buwryme/feron/kernel/cpu"

const comPort = 0x3F8

var (
	portWriteByteFn = cpu.PortWriteByte
	portReadByteFn  = cpu.PortReadByte
)

// Init programs COM1 for 115200 baud, 8 data bits, no parity, one stop
// bit, with the transmit/receive FIFOs enabled.
func Init() {
	portWriteByteFn(comPort+1, 0x00) // disable interrupts while we reprogram
	portWriteByteFn(comPort+3, 0x80) // DLAB on: next two writes set the divisor
	portWriteByteFn(comPort+0, 0x01) // divisor low byte: 115200 baud
	portWriteByteFn(comPort+1, 0x00) // divisor high byte
	portWriteByteFn(comPort+3, 0x03) // DLAB off, 8N1
	portWriteByteFn(comPort+2, 0xC7) // enable FIFO, clear it, 14-byte threshold
	portWriteByteFn(comPort+4, 0x0B) // IRQs enabled (OUT2), RTS/DTR set
}

func transmitEmpty() bool {
	return portReadByteFn(comPort+5)&0x20 != 0
}

// WriteByte blocks until the transmit holding register is empty and then
// sends b. A '\n' is preceded by a '\r' so terminals see a proper CRLF.
func WriteByte(b byte) error {
	if b == '\n' {
		for !transmitEmpty() {
		}
		portWriteByteFn(comPort, '\r')
	}
	for !transmitEmpty() {
	}
	portWriteByteFn(comPort, b)
	return nil
}

// Port implements io.Writer and io.ByteWriter over the COM1 UART so it
// can be installed as a kfmt output sink.
type Port struct{}

// Write implements io.Writer, sending every byte of p over COM1.
func (Port) Write(p []byte) (int, error) {
	for _, b := range p {
		if err := WriteByte(b); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// WriteByte implements io.ByteWriter.
func (Port) WriteByte(b byte) error {
	return WriteByte(b)
}
