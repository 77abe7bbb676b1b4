package sync

import (
	"cowmm/kernel"
	"cowmm/kernel/cpu"
)

var (
	errPopOffInterruptible = &kernel.Error{Module: "sync", Message: "pop_off: interrupts enabled"}
	errPopOffUnbalanced    = &kernel.Error{Module: "sync", Message: "pop_off: unbalanced"}
)

// PushOff masks interrupts on core c. Calls are matched: it takes two PopOff
// calls to undo two PushOff calls. If interrupts are initially off, then
// PushOff followed by PopOff leaves them off.
func PushOff(c *cpu.Core) {
	old := c.InterruptsEnabled()

	c.DisableInterrupts()
	st := c.IntrState()
	if st.Depth == 0 {
		st.WasEnabled = old
	}
	st.Depth++
}

// PopOff undoes one PushOff on core c and re-enables interrupts once the
// outermost PushOff is undone and interrupts were enabled before it.
func PopOff(c *cpu.Core) {
	st := c.IntrState()
	if c.InterruptsEnabled() {
		panicFn(errPopOffInterruptible)
		return
	}
	if st.Depth < 1 {
		panicFn(errPopOffUnbalanced)
		return
	}

	st.Depth--
	if st.Depth == 0 && st.WasEnabled {
		c.EnableInterrupts()
	}
}
