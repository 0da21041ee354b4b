package timer

import (
	"testing"

	"github.com/buwryme/feron/kernel/tick"
)

func TestOnTimerIRQAdvancesTickCounter(t *testing.T) {
	orig := eoiFn
	defer func() { eoiFn = orig }()
	eoiFn = func(uint8) {}

	before := tick.Ticks()
	onTimerIRQ(nil, nil)
	if tick.Ticks() != before+1 {
		t.Errorf("Ticks() = %d, want %d", tick.Ticks(), before+1)
	}
}
