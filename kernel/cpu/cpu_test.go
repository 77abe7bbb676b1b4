package cpu

import (
	"errors"
	"testing"
)

func TestNewCores(t *testing.T) {
	cores := NewCores(4)
	if len(cores) != 4 {
		t.Fatalf("expected 4 cores; got %d", len(cores))
	}

	for i, c := range cores {
		if c.ID() != i {
			t.Errorf("expected core %d to have ID %d; got %d", i, i, c.ID())
		}

		if !c.InterruptsEnabled() {
			t.Errorf("expected interrupts to be enabled on core %d", i)
		}
	}

	if exp, got := "cpu3", cores[3].String(); got != exp {
		t.Errorf("expected String() to return %q; got %q", exp, got)
	}
}

func TestInterruptDelivery(t *testing.T) {
	c := NewCores(1)[0]

	var handled int
	enabledInHandler := true
	handler := func(c *Core) {
		handled++
		enabledInHandler = c.InterruptsEnabled()
	}

	c.Interrupt(handler)
	if handled != 1 {
		t.Fatalf("expected handler to run immediately; ran %d times", handled)
	}
	if enabledInHandler {
		t.Fatal("expected interrupts to be masked while the handler runs")
	}
	if !c.InterruptsEnabled() {
		t.Fatal("expected interrupts to be re-enabled after the handler returns")
	}

	c.DisableInterrupts()
	c.Interrupt(handler)
	c.Interrupt(handler)
	if handled != 1 {
		t.Fatalf("expected masked interrupts to stay pending; handler ran %d times", handled)
	}
	if got := c.PendingInterrupts(); got != 2 {
		t.Fatalf("expected 2 pending interrupts; got %d", got)
	}

	c.EnableInterrupts()
	if handled != 3 {
		t.Fatalf("expected pending interrupts to be serviced; handler ran %d times", handled)
	}
	if got := c.DeliveredInterrupts(); got != 3 {
		t.Fatalf("expected 3 delivered interrupts; got %d", got)
	}
}

func TestHalt(t *testing.T) {
	reason := errors.New("boom")

	defer func() {
		r := recover()
		haltErr, ok := r.(*HaltError)
		if !ok {
			t.Fatalf("expected Halt to panic with *HaltError; got %#v", r)
		}

		if !errors.Is(haltErr, reason) {
			t.Fatalf("expected halt reason to be %v; got %v", reason, haltErr.Reason)
		}

		if exp, got := "cpu halted: boom", haltErr.Error(); got != exp {
			t.Fatalf("expected error message %q; got %q", exp, got)
		}
	}()

	Halt(reason)
	t.Fatal("expected Halt not to return")
}

func TestSwitchPDT(t *testing.T) {
	cores := NewCores(2)
	if got := cores[0].ActivePDT(); got != 0 {
		t.Fatalf("expected paging to be off on a new core; got active PDT %x", got)
	}

	cores[0].SwitchPDT(0x80001000)
	if exp, got := uintptr(0x80001000), cores[0].ActivePDT(); got != exp {
		t.Fatalf("expected active PDT %x; got %x", exp, got)
	}
	if got := cores[1].ActivePDT(); got != 0 {
		t.Fatalf("expected SwitchPDT to only affect its own core; got %x", got)
	}
}
