package kmain

import (
	"testing"

	"github.com/buwryme/feron/kernel/hal/multiboot"
	"github.com/buwryme/feron/kernel/mem"
)

func withRegions(t *testing.T, regions []multiboot.MemoryMapEntry) {
	t.Helper()
	orig := visitMemRegionsFn
	visitMemRegionsFn = func(visitor multiboot.MemRegionVisitor) {
		for i := range regions {
			if !visitor(&regions[i]) {
				return
			}
		}
	}
	t.Cleanup(func() { visitMemRegionsFn = orig })
}

func TestPickHeapRegionSelectsLargestAvailableRegion(t *testing.T) {
	withRegions(t, []multiboot.MemoryMapEntry{
		{PhysAddress: 0x1000, Length: 0x1000, Type: multiboot.MemAvailable},
		{PhysAddress: 0x100000, Length: 0x400000, Type: multiboot.MemAvailable},
		{PhysAddress: 0x10000000, Length: 0x8000, Type: multiboot.MemReserved},
	})

	base, size, ok := pickHeapRegion(0, 4*mem.Mb)
	if !ok {
		t.Fatal("expected a usable region")
	}
	if base != 0x100000 {
		t.Errorf("base = 0x%x, want 0x100000", base)
	}
	if size != 4*mem.Mb {
		t.Errorf("size = %d, want %d", size, 4*mem.Mb)
	}
}

func TestPickHeapRegionCapsToWantedSize(t *testing.T) {
	withRegions(t, []multiboot.MemoryMapEntry{
		{PhysAddress: 0x100000, Length: 64 * uint64(mem.Mb), Type: multiboot.MemAvailable},
	})

	_, size, ok := pickHeapRegion(0, 1*mem.Mb)
	if !ok {
		t.Fatal("expected a usable region")
	}
	if size != 1*mem.Mb {
		t.Errorf("size = %d, want %d", size, 1*mem.Mb)
	}
}

func TestPickHeapRegionExcludesKernelImage(t *testing.T) {
	withRegions(t, []multiboot.MemoryMapEntry{
		{PhysAddress: 0x100000, Length: 0x10000, Type: multiboot.MemAvailable},
	})

	base, _, ok := pickHeapRegion(0x108000, 4*mem.Mb)
	if !ok {
		t.Fatal("expected a usable region")
	}
	if base != 0x108000 {
		t.Errorf("base = 0x%x, want 0x108000 (kernel end)", base)
	}
}

func TestPickHeapRegionFailsWhenNothingIsAvailable(t *testing.T) {
	withRegions(t, []multiboot.MemoryMapEntry{
		{PhysAddress: 0x100000, Length: 0x400000, Type: multiboot.MemReserved},
	})

	if _, _, ok := pickHeapRegion(0, 4*mem.Mb); ok {
		t.Error("expected no usable region to be found")
	}
}

func TestPickHeapRegionFailsWhenKernelConsumesEntireRegion(t *testing.T) {
	withRegions(t, []multiboot.MemoryMapEntry{
		{PhysAddress: 0x100000, Length: 0x1000, Type: multiboot.MemAvailable},
	})

	if _, _, ok := pickHeapRegion(0x101000, 4*mem.Mb); ok {
		t.Error("expected no usable region once the kernel consumes it entirely")
	}
}
