package vmm

import (
	"cowmm/kernel"
	"cowmm/kernel/cpu"
	"cowmm/kernel/mm"
)

// Walk returns a pointer to the last-level page table entry that corresponds
// to the virtual address va. If create is set, missing intermediate tables
// are allocated on behalf of core c; otherwise ErrInvalidMapping is returned
// when one of them is not present. The returned entry itself may be invalid.
func (pdt *PageDirectoryTable) Walk(c *cpu.Core, va uintptr, create bool) (*PageTableEntry, *kernel.Error) {
	if va >= mm.MaxVA {
		return nil, ErrInvalidArgument
	}

	table := pdt.root
	for level := 0; level < pageLevels-1; level++ {
		pte := pdt.m.entry(table, entryIndex(va, level))
		if pte.HasFlags(FlagValid) {
			table = pte.Frame()
			continue
		}

		if !create {
			return nil, ErrInvalidMapping
		}

		next, err := pdt.m.allocTable(c)
		if err != nil {
			return nil, err
		}

		*pte = 0
		pte.SetFrame(next)
		pte.SetFlags(FlagValid)
		table = next
	}

	return pdt.m.entry(table, entryIndex(va, pageLevels-1)), nil
}

// entryIndex extracts the bits from va that correspond to the index in the
// page table of the given level.
func entryIndex(va uintptr, level int) uintptr {
	return (va >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address.
func (pdt *PageDirectoryTable) Translate(va uintptr) (uintptr, *kernel.Error) {
	pte, err := pdt.Walk(nil, va, false)
	if err != nil {
		return 0, err
	}
	if !pte.HasFlags(FlagValid) {
		return 0, ErrInvalidMapping
	}

	return pte.Frame().Address() + (va & (mm.PageSize - 1)), nil
}
