package serial

import "testing"

func TestInitProgramsDivisorAnd8N1(t *testing.T) {
	var writes []uint8
	origWrite, origRead := portWriteByteFn, portReadByteFn
	portWriteByteFn = func(_ uint16, val uint8) { writes = append(writes, val) }
	portReadByteFn = func(uint16) uint8 { return 0 }
	defer func() { portWriteByteFn, portReadByteFn = origWrite, origRead }()

	Init()

	if len(writes) != 7 {
		t.Fatalf("expected 7 port writes during Init, got %d", len(writes))
	}
	if writes[2] != 0x01 || writes[3] != 0x00 {
		t.Errorf("expected divisor bytes 0x01,0x00, got 0x%x,0x%x", writes[2], writes[3])
	}
	if writes[4] != 0x03 {
		t.Errorf("expected 8N1 line control 0x03, got 0x%x", writes[4])
	}
}

func TestWriteByteTranslatesNewlineToCRLF(t *testing.T) {
	origWrite, origRead := portWriteByteFn, portReadByteFn
	defer func() { portWriteByteFn, portReadByteFn = origWrite, origRead }()

	var writes []uint8
	portWriteByteFn = func(_ uint16, val uint8) { writes = append(writes, val) }
	portReadByteFn = func(uint16) uint8 { return 0x20 }

	WriteByte('\n')

	if len(writes) != 2 || writes[0] != '\r' || writes[1] != '\n' {
		t.Fatalf("expected [\\r \\n], got %v", writes)
	}
}

func TestPortWriteSendsEveryByte(t *testing.T) {
	origWrite, origRead := portWriteByteFn, portReadByteFn
	defer func() { portWriteByteFn, portReadByteFn = origWrite, origRead }()

	var writes []uint8
	portWriteByteFn = func(_ uint16, val uint8) { writes = append(writes, val) }
	portReadByteFn = func(uint16) uint8 { return 0x20 }

	var p Port
	n, err := p.Write([]byte("hi"))
	if err != nil || n != 2 {
		t.Fatalf("Write returned (%d, %v), want (2, nil)", n, err)
	}
	if string(writes) != "hi" {
		t.Errorf("wrote %q, want \"hi\"", writes)
	}
}
