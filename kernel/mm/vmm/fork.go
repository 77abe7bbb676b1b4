package vmm

import (
	"cowmm/kernel"
	"cowmm/kernel/cpu"
	"cowmm/kernel/mm"
)

// Fork shares every user page of pdt with child instead of copying it.
// Writable pages lose FlagRW and gain FlagCopyOnWrite in both tables so that
// the first write from either side faults and gets a private copy. Each
// shared frame gains an owner.
//
// If child runs out of table frames Fork returns the error and the failing
// page keeps its original flags; the pages shared so far stay mapped in child
// and are released by child.Destroy.
func (pdt *PageDirectoryTable) Fork(c *cpu.Core, child *PageDirectoryTable) *kernel.Error {
	var err *kernel.Error

	pdt.visitLeaves(func(va uintptr, pte *PageTableEntry) {
		if err != nil || !pte.HasFlags(FlagUser) {
			return
		}

		downgraded := pte.HasFlags(FlagRW)
		if downgraded {
			pte.ClearFlags(FlagRW)
			pte.SetFlags(FlagCopyOnWrite)
		}

		if err = child.Map(c, va, mm.PageSize, pte.Frame(), pte.Flags()); err != nil {
			if downgraded {
				pte.ClearFlags(FlagCopyOnWrite)
				pte.SetFlags(FlagRW)
			}
			return
		}
		pdt.m.alloc.RetainFrame(c, pte.Frame())
	})

	return err
}
