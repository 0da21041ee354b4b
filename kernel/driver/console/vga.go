// Package console drives the legacy VGA text-mode framebuffer, mirroring
// every write to the serial port so output survives even when no display
// is attached.
package console

import (
	"unsafe"

	"github.com/buwryme/feron/kernel/cpu"
	"github.com/buwryme/feron/kernel/driver/serial"
)

const (
	vgaPhysAddr = 0xB8000
	cols        = 80
	rows        = 25

	cursorCmdPort = 0x3D4
	cursorDataPort = 0x3D5

	// DefaultAttr is light-grey on black, the VGA power-on default.
	DefaultAttr = 0x07
)

var (
	portWriteByteFn = cpu.PortWriteByte

	cellsFn = defaultCells

	curX, curY int
	attr       uint8 = DefaultAttr

	mirrorWriteByteFn = serial.WriteByte
)

func defaultCells() *[rows * cols]uint16 {
	return (*[rows * cols]uint16)(unsafe.Pointer(uintptr(vgaPhysAddr)))
}

func cells() *[rows * cols]uint16 {
	return cellsFn()
}

// SetAttr changes the (bg<<4)|fg attribute byte used for subsequent
// writes.
func SetAttr(bg, fg uint8) {
	attr = (bg << 4) | fg
}

// Clear blanks the screen and homes the cursor.
func Clear() {
	c := cells()
	blank := uint16(' ') | uint16(attr)<<8
	for i := range c {
		c[i] = blank
	}
	curX, curY = 0, 0
	SetCursor(0, 0)
}

// SetCursor moves the hardware text cursor to (x, y), clipping to the
// console's dimensions.
func SetCursor(x, y int) {
	if x < 0 {
		x = 0
	}
	if x >= cols {
		x = cols - 1
	}
	if y < 0 {
		y = 0
	}
	if y >= rows {
		y = rows - 1
	}
	curX, curY = x, y

	pos := uint16(y*cols + x)
	portWriteByteFn(cursorCmdPort, 0x0F)
	portWriteByteFn(cursorDataPort, uint8(pos&0xff))
	portWriteByteFn(cursorCmdPort, 0x0E)
	portWriteByteFn(cursorDataPort, uint8(pos>>8))
}

// WriteChar renders a single character at the cursor and advances it,
// scrolling the screen when the cursor runs past the last row. '\n'
// performs a CR+LF. Every character is mirrored to the serial port.
func WriteChar(ch byte) {
	mirrorWriteByteFn(ch)

	if ch == '\n' {
		curX = 0
		curY++
	} else {
		c := cells()
		c[curY*cols+curX] = uint16(ch) | uint16(attr)<<8
		curX++
		if curX >= cols {
			curX = 0
			curY++
		}
	}

	if curY >= rows {
		ScrollUp(curY - rows + 1)
		curY = rows - 1
	}
	SetCursor(curX, curY)
}

// WriteString renders every byte of s via WriteChar.
func WriteString(s string) {
	for i := 0; i < len(s); i++ {
		WriteChar(s[i])
	}
}

// WriteLine renders s followed by a newline.
func WriteLine(s string) {
	WriteString(s)
	WriteChar('\n')
}

// WriteHex64 renders v as a zero-padded 16-digit hex string.
func WriteHex64(v uint64) {
	const digits = "0123456789abcdef"
	var buf [16]byte
	for i := 15; i >= 0; i-- {
		buf[i] = digits[v&0xf]
		v >>= 4
	}
	WriteString(string(buf[:]))
}

// ScrollUp moves the display up by n rows, discarding the topmost n rows
// and blanking the bottom n rows.
func ScrollUp(n int) {
	if n <= 0 {
		return
	}
	if n > rows {
		n = rows
	}
	c := cells()
	blank := uint16(' ') | uint16(attr)<<8

	copy(c[:(rows-n)*cols], c[n*cols:])
	for i := (rows - n) * cols; i < rows*cols; i++ {
		c[i] = blank
	}
}

// Device implements io.Writer over the VGA text console so it can be
// installed as a kfmt output sink.
type Device struct{}

// Write implements io.Writer.
func (Device) Write(p []byte) (int, error) {
	for _, b := range p {
		WriteChar(b)
	}
	return len(p), nil
}

// VGA is the console's io.Writer handle.
var VGA Device
