package console

import "testing"

func withTestConsole(t *testing.T) *[rows * cols]uint16 {
	t.Helper()

	var backing [rows * cols]uint16
	origCells, origPort, origMirror := cellsFn, portWriteByteFn, mirrorWriteByteFn
	cellsFn = func() *[rows * cols]uint16 { return &backing }
	portWriteByteFn = func(uint16, uint8) {}
	mirrorWriteByteFn = func(byte) error { return nil }

	t.Cleanup(func() {
		cellsFn, portWriteByteFn, mirrorWriteByteFn = origCells, origPort, origMirror
		curX, curY = 0, 0
		attr = DefaultAttr
	})

	return &backing
}

func TestClearBlanksEveryCell(t *testing.T) {
	c := withTestConsole(t)
	c[5] = uint16('x') | uint16(attr)<<8

	Clear()

	blank := uint16(' ') | uint16(attr)<<8
	for i, cell := range c {
		if cell != blank {
			t.Fatalf("cell %d = 0x%x, want blank 0x%x", i, cell, blank)
		}
	}
}

func TestWriteCharAdvancesCursorAndWritesCell(t *testing.T) {
	c := withTestConsole(t)
	Clear()

	WriteChar('A')

	want := uint16('A') | uint16(attr)<<8
	if c[0] != want {
		t.Errorf("c[0] = 0x%x, want 0x%x", c[0], want)
	}
	if curX != 1 || curY != 0 {
		t.Errorf("cursor = (%d,%d), want (1,0)", curX, curY)
	}
}

func TestNewlinePerformsCRLF(t *testing.T) {
	withTestConsole(t)
	Clear()

	WriteChar('A')
	WriteChar('\n')

	if curX != 0 || curY != 1 {
		t.Errorf("cursor after newline = (%d,%d), want (0,1)", curX, curY)
	}
}

func TestWriteStringWrapsAtColumnBoundary(t *testing.T) {
	c := withTestConsole(t)
	Clear()

	for i := 0; i < cols; i++ {
		WriteString("x")
	}
	if curX != 0 || curY != 1 {
		t.Fatalf("cursor after filling row = (%d,%d), want (0,1)", curX, curY)
	}

	WriteChar('y')
	want := uint16('y') | uint16(attr)<<8
	if c[cols] != want {
		t.Errorf("c[cols] = 0x%x, want 0x%x", c[cols], want)
	}
}

func TestScrollUpDiscardsTopRows(t *testing.T) {
	c := withTestConsole(t)
	Clear()
	c[0] = uint16('A') | uint16(attr)<<8
	c[cols] = uint16('B') | uint16(attr)<<8

	ScrollUp(1)

	if c[0] != (uint16('B') | uint16(attr)<<8) {
		t.Errorf("expected row 1's content shifted into row 0, got 0x%x", c[0])
	}
	blank := uint16(' ') | uint16(attr)<<8
	if c[(rows-1)*cols] != blank {
		t.Errorf("expected bottom row blanked after scroll")
	}
}

func TestWriteCharScrollsOnOverflow(t *testing.T) {
	c := withTestConsole(t)
	Clear()
	c[0] = uint16('Z') | uint16(attr)<<8

	for y := 0; y < rows; y++ {
		WriteChar('\n')
	}

	if curY != rows-1 {
		t.Fatalf("cursor row after overflow = %d, want %d", curY, rows-1)
	}
}

func TestWriteHex64PadsToSixteenDigits(t *testing.T) {
	c := withTestConsole(t)
	Clear()

	WriteHex64(0xFF)

	got := ""
	for i := 0; i < 16; i++ {
		got += string(byte(c[i] & 0xff))
	}
	if got != "00000000000000ff" {
		t.Errorf("WriteHex64(0xFF) rendered %q", got)
	}
}
