// Package kbd decodes PS/2 Set-1 scancodes into ASCII, buffering raw
// scancodes in a ring so the keyboard's IRQ1 handler can stay short and
// the actual translation can happen at the reader's convenience.
package kbd

import "github.com/buwryme/feron/kernel/sync"

const ringCap = 256

var (
	lock sync.Spinlock

	ring           [ringCap]uint8
	head, tail     int
	shift          bool
	ctrl           bool
	alt            bool
	caps           bool
	ext            bool
	onKey          func(ch byte)
)

// Push enqueues a raw scancode received from the controller. It returns
// false if the ring is full, in which case the scancode is dropped.
func Push(scancode uint8) bool {
	lock.Acquire()
	defer lock.Release()

	next := (head + 1) % ringCap
	if next == tail {
		return false
	}
	ring[head] = scancode
	head = next
	return true
}

// pop dequeues the oldest buffered scancode. ok is false if the ring is
// empty.
func pop() (sc uint8, ok bool) {
	lock.Acquire()
	defer lock.Release()

	if tail == head {
		return 0, false
	}
	sc = ring[tail]
	tail = (tail + 1) % ringCap
	return sc, true
}

// updateModifiers tracks shift/ctrl/alt/capslock state and the 0xE0
// extended-scancode prefix from a raw scancode.
func updateModifiers(sc uint8) {
	if sc == 0xE0 {
		ext = true
		return
	}

	breakCode := sc&0x80 != 0
	code := sc &^ 0x80

	switch code {
	case 0x2A, 0x36:
		shift = !breakCode
	case 0x1D:
		ctrl = !breakCode
	case 0x38:
		alt = !breakCode
	case 0x3A:
		if !breakCode {
			caps = !caps
		}
	}
	ext = false
}

// translateSet1 converts a Set-1 scancode to an ASCII character, or 0 if
// the scancode does not correspond to a printable key (key-up events,
// unmapped keys, and the two extended-scancode prefixes all yield 0).
func translateSet1(sc uint8) byte {
	if sc == 0xE0 || sc == 0xE1 {
		return 0
	}
	if sc&0x80 != 0 {
		return 0
	}

	code := sc &^ 0x80
	if int(code) >= len(unshiftTable) {
		return 0
	}

	var ch byte
	if shift {
		ch = shiftedTable[code]
	} else {
		ch = unshiftTable[code]
	}
	if ch == 0 {
		return 0
	}

	if caps && ch >= 'a' && ch <= 'z' {
		ch -= 32
	}
	return ch
}

// GetChar pops and decodes the next buffered scancode, returning the
// ASCII character it represents. ok is false if the ring is empty or if
// the popped scancode does not decode to a printable character (e.g. a
// modifier key or a key-release event).
func GetChar() (ch byte, ok bool) {
	sc, has := pop()
	if !has {
		return 0, false
	}

	updateModifiers(sc)
	ch = translateSet1(sc)
	if ch == 0 {
		return 0, false
	}

	if onKey != nil {
		onKey(ch)
	}
	return ch, true
}

// ReadLine drains buffered characters into buf until a newline is
// decoded, the ring runs dry, or buf is full, applying backspace ('\b')
// by removing the previous character. It returns the number of bytes
// written to buf.
func ReadLine(buf []byte) int {
	n := 0
	for n < len(buf) {
		ch, ok := GetChar()
		if !ok {
			// GetChar also reports !ok for modifiers and key releases;
			// only an empty ring ends the line early.
			lock.Acquire()
			empty := head == tail
			lock.Release()
			if empty {
				break
			}
			continue
		}
		if ch == '\n' {
			buf[n] = ch
			n++
			break
		}
		if ch == '\b' {
			if n > 0 {
				n--
			}
			continue
		}
		buf[n] = ch
		n++
	}
	return n
}

// SetOnKey registers a callback invoked with every decoded character, in
// addition to GetChar/ReadLine's normal delivery. Pass nil to disable.
func SetOnKey(cb func(ch byte)) {
	onKey = cb
}
