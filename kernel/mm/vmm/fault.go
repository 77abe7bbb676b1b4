package vmm

import (
	"cowmm/kernel"
	"cowmm/kernel/cpu"
	"cowmm/kernel/gate"
	"cowmm/kernel/kfmt"
	"cowmm/kernel/mm"
)

// ResolveCowFault gives the page at va a private, writable copy of its
// shared frame. Pages without FlagCopyOnWrite are left untouched, so calling
// ResolveCowFault again for an already resolved page is a no-op.
//
// The copy is allocated on behalf of core c; if no frame is available the
// error is returned and the mapping is not modified.
func ResolveCowFault(c *cpu.Core, pdt *PageDirectoryTable, va uintptr) *kernel.Error {
	if va&(mm.PageSize-1) != 0 || va >= mm.MaxVA {
		return ErrInvalidArgument
	}

	pte, err := pdt.Walk(c, va, false)
	if err != nil {
		return err
	}
	if !pte.HasFlags(FlagValid) || pte.Frame() == 0 {
		return ErrInvalidMapping
	}

	if !pte.HasFlags(FlagCopyOnWrite) {
		return nil
	}

	newFrame, err := pdt.m.alloc.AllocFrame(c)
	if err != nil {
		return err
	}

	var (
		oldFrame = pte.Frame()
		flags    = (pte.Flags() &^ FlagCopyOnWrite) | FlagRW
	)
	kernel.Memcopy(pdt.m.ram.FrameBytes(oldFrame), pdt.m.ram.FrameBytes(newFrame))

	pdt.Unmap(c, va, 1, true)
	if err = pdt.Map(c, va, mm.PageSize, newFrame, flags); err != nil {
		panicFn(errCowRemap)
		return err
	}

	return nil
}

// pageFaultHandler is invoked when a page table entry is not present or when
// a RW protection check fails. Writes to copy-on-write pages of the table
// that is active on c are resolved. If no frame is left for the copy the
// error is reported through regs and the faulting access fails; any other
// fault halts the core.
func (m *Manager) pageFaultHandler(c *cpu.Core, regs *gate.Registers) {
	var (
		faultAddress = uintptr(regs.FaultAddr)
		faultPage    = mm.PageRoundDown(faultAddress)
		rootAddr     = c.ActivePDT()
	)

	if rootAddr != 0 && regs.Info == gate.FaultWriteProtection && faultPage < mm.MaxVA {
		pdt := m.tableAt(rootAddr)

		pte, err := pdt.Walk(c, faultPage, false)
		if err == nil && pte.HasFlags(FlagValid|FlagUser|FlagCopyOnWrite) {
			if err = ResolveCowFault(c, pdt, faultPage); err != nil {
				regs.Err = err
				return
			}

			// Fault recovered; retry the access that caused the fault
			return
		}
	}

	nonRecoverablePageFault(faultAddress, regs, errUnrecoverableFault)
}

// generalProtectionFaultHandler is invoked for privilege violations.
func generalProtectionFaultHandler(c *cpu.Core, regs *gate.Registers) {
	kfmt.Printf("\nGeneral protection fault on %s while accessing address: 0x%x\n", c, regs.FaultAddr)
	kfmt.Printf("Registers:\n")
	regs.DumpTo(nil)

	panicFn(errUnrecoverableFault)
}

func nonRecoverablePageFault(faultAddress uintptr, regs *gate.Registers, err *kernel.Error) {
	kfmt.Printf("\nPage fault while accessing address: 0x%16x\nReason: ", faultAddress)
	switch regs.Info {
	case gate.FaultReadNotPresent:
		kfmt.Printf("read from non-present page")
	case gate.FaultReadProtection:
		kfmt.Printf("page protection violation (read)")
	case gate.FaultWriteNotPresent:
		kfmt.Printf("write to non-present page")
	case gate.FaultWriteProtection:
		kfmt.Printf("page protection violation (write)")
	default:
		kfmt.Printf("unknown")
	}

	kfmt.Printf("\n\nRegisters:\n")
	regs.DumpTo(nil)

	panicFn(err)
}
