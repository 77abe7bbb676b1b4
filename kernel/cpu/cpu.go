// Package cpu models the per-core processor state that the memory subsystem
// depends on: the interrupt-enable flag, the interrupt-disable nesting state
// and the halt path taken on unrecoverable errors.
package cpu

import (
	"fmt"
	"sync/atomic"
)

// InterruptHandler is invoked when an interrupt is delivered to a core.
// Handlers run with interrupts disabled on that core.
type InterruptHandler func(c *Core)

// IntrState tracks the nesting of interrupt-disable requests on a core. It
// belongs to the core, not to any lock; it is maintained by the sync package.
type IntrState struct {
	// Depth is the number of outstanding disable requests.
	Depth int

	// WasEnabled records whether interrupts were enabled before the
	// outermost disable request.
	WasEnabled bool
}

// Core describes a single processor core. A Core is driven by exactly one
// goroutine at a time; that goroutine plays the role of the instruction
// stream executing on the core.
type Core struct {
	id int

	intrEnabled atomic.Bool
	intr        IntrState

	// pending holds interrupts raised while interrupts were disabled.
	pending []InterruptHandler

	delivered atomic.Uint64

	// activePDT is the physical address of the root page table used for
	// address translation on this core.
	activePDT atomic.Uintptr
}

// NewCores returns count cores with IDs 0..count-1. Interrupts start out
// enabled, as they would be after per-hart trap setup completes.
func NewCores(count int) []*Core {
	cores := make([]*Core, count)
	for i := range cores {
		cores[i] = &Core{id: i}
		cores[i].intrEnabled.Store(true)
	}
	return cores
}

// ID returns the core's hart ID.
func (c *Core) ID() int {
	return c.id
}

// String implements fmt.Stringer.
func (c *Core) String() string {
	return fmt.Sprintf("cpu%d", c.id)
}

// InterruptsEnabled returns true if the core accepts interrupts.
func (c *Core) InterruptsEnabled() bool {
	return c.intrEnabled.Load()
}

// DisableInterrupts masks interrupt delivery on the core.
func (c *Core) DisableInterrupts() {
	c.intrEnabled.Store(false)
}

// EnableInterrupts unmasks interrupt delivery on the core and services any
// interrupt that was raised while delivery was masked.
func (c *Core) EnableInterrupts() {
	c.intrEnabled.Store(true)
	for len(c.pending) != 0 && c.intrEnabled.Load() {
		h := c.pending[0]
		c.pending = c.pending[1:]
		c.deliver(h)
	}
}

// IntrState returns the interrupt nesting state of the core.
func (c *Core) IntrState() *IntrState {
	return &c.intr
}

// Interrupt raises an interrupt on the core. If interrupts are enabled the
// handler runs immediately, otherwise it stays pending until interrupts get
// re-enabled. Interrupt must be called from the goroutine driving the core.
func (c *Core) Interrupt(h InterruptHandler) {
	if !c.intrEnabled.Load() {
		c.pending = append(c.pending, h)
		return
	}

	c.deliver(h)
}

// PendingInterrupts returns the number of interrupts awaiting delivery.
func (c *Core) PendingInterrupts() int {
	return len(c.pending)
}

// DeliveredInterrupts returns the number of interrupts serviced by the core.
func (c *Core) DeliveredInterrupts() uint64 {
	return c.delivered.Load()
}

// deliver runs h the way a trap entry would: with interrupts masked for the
// duration of the handler.
func (c *Core) deliver(h InterruptHandler) {
	c.intrEnabled.Store(false)
	h(c)
	c.delivered.Add(1)
	c.intrEnabled.Store(true)
}

// ActivePDT returns the physical address of the page table that is currently
// active on the core or 0 if paging is off.
func (c *Core) ActivePDT() uintptr {
	return c.activePDT.Load()
}

// SwitchPDT activates the page table whose root lives at physical address
// pdtAddr.
func (c *Core) SwitchPDT(pdtAddr uintptr) {
	c.activePDT.Store(pdtAddr)
}

// HaltError is the value carried by the panic raised by Halt.
type HaltError struct {
	// Reason is the error that caused the halt; it may be nil.
	Reason error
}

// Error implements the error interface.
func (e *HaltError) Error() string {
	if e.Reason == nil {
		return "cpu halted"
	}
	return "cpu halted: " + e.Reason.Error()
}

// Unwrap returns the halt reason.
func (e *HaltError) Unwrap() error {
	return e.Reason
}

// Halt stops instruction execution on the calling core. The calling
// goroutine unwinds with a *HaltError panic; Halt never returns.
func Halt(reason error) {
	panic(&HaltError{Reason: reason})
}
