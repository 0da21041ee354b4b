package pit

import "testing"

func TestSetFrequencyProgramsDivisor(t *testing.T) {
	orig := portWriteByteFn
	defer func() { portWriteByteFn = orig }()

	var writes []uint8
	portWriteByteFn = func(_ uint16, val uint8) { writes = append(writes, val) }

	got := SetFrequency(100)

	if len(writes) != 3 || writes[0] != modeCmd {
		t.Fatalf("expected mode command followed by two divisor bytes, got %v", writes)
	}

	divisor := uint32(writes[1]) | uint32(writes[2])<<8
	if divisor != baseFrequency/100 {
		t.Errorf("expected divisor %d, got %d", baseFrequency/100, divisor)
	}
	if got != baseFrequency/divisor {
		t.Errorf("expected actual frequency %d, got %d", baseFrequency/divisor, got)
	}
}

func TestSetFrequencyZeroIsNoOp(t *testing.T) {
	orig := portWriteByteFn
	defer func() { portWriteByteFn = orig }()

	called := false
	portWriteByteFn = func(_ uint16, _ uint8) { called = true }

	if got := SetFrequency(0); got != 0 {
		t.Errorf("expected 0, got %d", got)
	}
	if called {
		t.Error("expected no port writes for hz=0")
	}
}
