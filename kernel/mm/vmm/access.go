package vmm

import (
	"cowmm/kernel"
	"cowmm/kernel/cpu"
	"cowmm/kernel/gate"
	"cowmm/kernel/mm"
)

// Write stores data at virtual address va the way user code running on core
// c with pdt active would. A store to a page that is not writable raises a
// page fault on the machine's trap table and is retried once the handler
// returns.
func (pdt *PageDirectoryTable) Write(c *cpu.Core, va uintptr, data []byte) *kernel.Error {
	pdt.Activate(c)

	for len(data) > 0 {
		page, err := pdt.userPage(c, va, FlagRW, gate.FaultWriteNotPresent, gate.FaultWriteProtection)
		if err != nil {
			return err
		}

		n := copy(page[va&(mm.PageSize-1):], data)
		data = data[n:]
		va += uintptr(n)
	}

	return nil
}

// Read loads n bytes starting at virtual address va the way user code running
// on core c with pdt active would.
func (pdt *PageDirectoryTable) Read(c *cpu.Core, va uintptr, n int) ([]byte, *kernel.Error) {
	pdt.Activate(c)

	out := make([]byte, 0, n)
	for len(out) < n {
		page, err := pdt.userPage(c, va, FlagRead, gate.FaultReadNotPresent, gate.FaultReadProtection)
		if err != nil {
			return nil, err
		}

		chunk := page[va&(mm.PageSize-1):]
		if rem := n - len(out); len(chunk) > rem {
			chunk = chunk[:rem]
		}
		out = append(out, chunk...)
		va += uintptr(len(chunk))
	}

	return out, nil
}

// userPage returns the contents of the user page containing va once it is
// mapped with the required access flag. Missing or insufficient mappings
// raise a page fault on c; if the handler reports an error the access fails
// with it, and if it returns without fixing the mapping the access fails with
// errUnrecoverableFault.
func (pdt *PageDirectoryTable) userPage(c *cpu.Core, va uintptr, access PageTableEntryFlag, notPresent, protection uint64) ([]byte, *kernel.Error) {
	for attempt := 0; attempt < 2; attempt++ {
		var (
			pte *PageTableEntry
			err *kernel.Error
		)
		if va < mm.MaxVA {
			pte, err = pdt.Walk(c, mm.PageRoundDown(va), false)
		}

		regs := &gate.Registers{FaultAddr: uint64(va)}
		switch {
		case va >= mm.MaxVA || err != nil || !pte.HasFlags(FlagValid|FlagUser):
			regs.Info = notPresent
		case !pte.HasFlags(access):
			regs.Info = protection
		default:
			return pdt.m.ram.FrameBytes(pte.Frame()), nil
		}

		if attempt == 0 {
			pdt.m.traps.Dispatch(c, gate.PageFaultException, regs)
			if regs.Err != nil {
				return nil, regs.Err
			}
		}
	}

	return nil, errUnrecoverableFault
}
