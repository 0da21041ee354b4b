package vmm

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/buwryme/feron/kernel"
	"github.com/buwryme/feron/kernel/cpu"
	"github.com/buwryme/feron/kernel/irq"
	"github.com/buwryme/feron/kernel/kfmt"
)

func TestNonRecoverablePageFault(t *testing.T) {
	defer func() {
		kfmt.SetOutputSink(nil)
	}()

	specs := []struct {
		errCode   uint64
		expReason string
	}{
		{0, "read from non-present page"},
		{1, "page protection violation (read)"},
		{2, "write to non-present page"},
		{3, "page protection violation (write)"},
		{4, "page-fault in user-mode"},
		{8, "page table has reserved bit set"},
		{16, "instruction fetch"},
		{0xf00, "unknown"},
	}

	var (
		regs  irq.Regs
		frame irq.Frame
		buf   bytes.Buffer
	)

	kfmt.SetOutputSink(&buf)
	for specIndex, spec := range specs {
		t.Run(fmt.Sprint(specIndex), func(t *testing.T) {
			buf.Reset()
			defer func() {
				if err := recover(); err != errUnrecoverableFault {
					t.Errorf("expected a panic with errUnrecoverableFault; got %v", err)
				}
			}()

			nonRecoverablePageFault(0xbadf00d000, spec.errCode, &frame, &regs, errUnrecoverableFault)
			if got := buf.String(); !strings.Contains(got, spec.expReason) {
				t.Errorf("expected reason %q; got output:\n%q", spec.expReason, got)
			}
		})
	}
}

func TestPageFaultHandlerPanics(t *testing.T) {
	defer func() {
		readCR2Fn = cpu.ReadCR2
		kfmt.SetOutputSink(nil)
	}()

	var (
		regs  irq.Regs
		frame irq.Frame
		buf   bytes.Buffer
	)

	kfmt.SetOutputSink(&buf)
	readCR2Fn = func() uint64 { return 0xbadf00d000 }

	defer func() {
		if err := recover(); err != errUnrecoverableFault {
			t.Errorf("expected a panic with errUnrecoverableFault; got %v", err)
		}
	}()

	pageFaultHandler(2, &frame, &regs)
}

func TestGPFHandler(t *testing.T) {
	defer func() {
		readCR2Fn = cpu.ReadCR2
	}()

	var (
		regs  irq.Regs
		frame irq.Frame
	)

	readCR2Fn = func() uint64 { return 0xbadf00d000 }

	defer func() {
		if err := recover(); err != errUnrecoverableFault {
			t.Errorf("expected a panic with errUnrecoverableFault; got %v", err)
		}
	}()

	generalProtectionFaultHandler(0, &frame, &regs)
}

func TestInitInstallsHandlers(t *testing.T) {
	defer func() {
		handleExceptionWithCodeFn = irq.HandleExceptionWithCode
	}()

	var installed []irq.ExceptionNum
	handleExceptionWithCodeFn = func(num irq.ExceptionNum, _ irq.ExceptionHandlerWithCode) {
		installed = append(installed, num)
	}

	origBootstrap := bootstrapIdentityFn
	bootstrapIdentityFn = func(_ PageTableEntryFlag) *kernel.Error { return nil }
	defer func() { bootstrapIdentityFn = origBootstrap }()

	if err := Init(FlagPresent | FlagRW); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(installed) != 2 || installed[0] != irq.PageFaultException || installed[1] != irq.GPFException {
		t.Fatalf("expected page fault and GPF handlers to be installed, got %v", installed)
	}
}
