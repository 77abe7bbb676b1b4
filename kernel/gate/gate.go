// Package gate routes traps raised on a core to the handlers registered for
// them.
package gate

import (
	"io"
	gosync "sync"

	"cowmm/kernel"
	"cowmm/kernel/cpu"
	"cowmm/kernel/kfmt"
)

// Registers contains a snapshot of the trap state when an exception occurs.
type Registers struct {
	// Info contains the exception code. For page faults it describes the
	// faulting access (see the FaultCode constants).
	Info uint64

	// FaultAddr is the virtual address whose access raised the exception.
	FaultAddr uint64

	// PC is the address of the faulting instruction.
	PC uint64

	// Err is set by a handler that could not service the trap but left the
	// core in a consistent state. The faulting access fails with Err.
	Err *kernel.Error
}

// DumpTo outputs the register contents to w.
func (r *Registers) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "INFO = %16x ADDR = %16x\n", r.Info, r.FaultAddr)
	kfmt.Fprintf(w, "PC   = %16x\n", r.PC)
}

// InterruptNumber describes an exception/trap slot.
type InterruptNumber uint8

const (
	// DivideByZero occurs when dividing any number by 0.
	DivideByZero = InterruptNumber(0)

	// InvalidOpcode occurs when the CPU attempts to execute an invalid or
	// undefined instruction opcode.
	InvalidOpcode = InterruptNumber(6)

	// DoubleFault occurs when an exception occurs within a running
	// exception handler.
	DoubleFault = InterruptNumber(8)

	// GPFException occurs when a general protection fault occurs.
	GPFException = InterruptNumber(13)

	// PageFaultException occurs when a page table entry is not present or
	// when a privilege and/or RW protection check fails.
	PageFaultException = InterruptNumber(14)
)

// Page fault codes stored in Registers.Info.
const (
	FaultReadNotPresent  = uint64(0)
	FaultReadProtection  = uint64(1)
	FaultWriteNotPresent = uint64(2)
	FaultWriteProtection = uint64(3)
)

// Handler services an exception raised on core c.
type Handler func(c *cpu.Core, regs *Registers)

var (
	errUnhandledInterrupt = &kernel.Error{Module: "gate", Message: "unhandled interrupt"}

	// panicFn is mocked by tests.
	panicFn = kfmt.Panic
)

// Table holds the exception handlers shared by all cores of a machine.
type Table struct {
	mu       gosync.RWMutex
	handlers [256]Handler
}

// NewTable returns a table with no handlers installed.
func NewTable() *Table {
	return &Table{}
}

// HandleInterrupt ensures that the provided handler will be invoked when a
// particular interrupt number occurs. Installing a nil handler removes the
// existing one.
func (t *Table) HandleInterrupt(num InterruptNumber, handler Handler) {
	t.mu.Lock()
	t.handlers[num] = handler
	t.mu.Unlock()
}

// Dispatch invokes the handler installed for num on behalf of core c. If no
// handler is installed the registers are dumped and the core is halted.
func (t *Table) Dispatch(c *cpu.Core, num InterruptNumber, regs *Registers) {
	t.mu.RLock()
	handler := t.handlers[num]
	t.mu.RUnlock()

	if handler == nil {
		kfmt.Printf("\n[gate] unhandled interrupt %d on %s\nRegisters:\n", num, c)
		regs.DumpTo(nil)
		panicFn(errUnhandledInterrupt)
		return
	}

	handler(c, regs)
}
