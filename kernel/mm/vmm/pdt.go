package vmm

import (
	"cowmm/kernel"
	"cowmm/kernel/cpu"
	"cowmm/kernel/mm"
)

// PageDirectoryTable describes the top-most table in a multi-level paging
// scheme. A table may only be modified by one core at a time.
type PageDirectoryTable struct {
	m    *Manager
	root mm.Frame
}

// NewPageDirectoryTable allocates a zeroed root table on behalf of core c.
func (m *Manager) NewPageDirectoryTable(c *cpu.Core) (*PageDirectoryTable, *kernel.Error) {
	root, err := m.allocTable(c)
	if err != nil {
		return nil, err
	}

	return &PageDirectoryTable{m: m, root: root}, nil
}

// Root returns the frame that holds the top-most table.
func (pdt *PageDirectoryTable) Root() mm.Frame {
	return pdt.root
}

// Activate enables this page directory table on core c.
func (pdt *PageDirectoryTable) Activate(c *cpu.Core) {
	c.SwitchPDT(pdt.root.Address())
}

// allocTable reserves a frame for a page table and clears it.
func (m *Manager) allocTable(c *cpu.Core) (mm.Frame, *kernel.Error) {
	frame, err := m.alloc.AllocFrame(c)
	if err != nil {
		return mm.InvalidFrame, err
	}

	kernel.Memset(m.ram.FrameBytes(frame), 0)
	return frame, nil
}

// entry returns a pointer to entry idx of the table stored in frame table.
func (m *Manager) entry(table mm.Frame, idx uintptr) *PageTableEntry {
	return (*PageTableEntry)(m.ram.Word(table.Address() + (idx << mm.PointerShift)))
}

// Destroy unmaps every page, drops the ownership of the mapped frames and
// releases the frames that hold the tables themselves. The table must not be
// used after a call to Destroy.
func (pdt *PageDirectoryTable) Destroy(c *cpu.Core) {
	pdt.visitLeaves(func(_ uintptr, pte *PageTableEntry) {
		pdt.m.alloc.FreeFrame(c, pte.Frame())
		*pte = 0
	})

	pdt.freeTable(c, pdt.root, 0)
	pdt.root = mm.InvalidFrame
}

// freeTable releases a table and every table below it. All leaf entries must
// have been cleared.
func (pdt *PageDirectoryTable) freeTable(c *cpu.Core, table mm.Frame, level int) {
	for idx := uintptr(0); idx < entriesPerTable; idx++ {
		pte := pdt.m.entry(table, idx)
		if !pte.HasFlags(FlagValid) {
			continue
		}

		if pte.isLeaf() || level == pageLevels-1 {
			panicFn(errLeafInTable)
			return
		}

		pdt.freeTable(c, pte.Frame(), level+1)
		*pte = 0
	}

	pdt.m.alloc.FreeFrame(c, table)
}

// visitLeaves invokes fn for every valid leaf entry in ascending virtual
// address order.
func (pdt *PageDirectoryTable) visitLeaves(fn func(va uintptr, pte *PageTableEntry)) {
	pdt.visitTable(pdt.root, 0, 0, fn)
}

func (pdt *PageDirectoryTable) visitTable(table mm.Frame, level int, base uintptr, fn func(uintptr, *PageTableEntry)) {
	for idx := uintptr(0); idx < entriesPerTable; idx++ {
		pte := pdt.m.entry(table, idx)
		if !pte.HasFlags(FlagValid) {
			continue
		}

		va := base | idx<<pageLevelShifts[level]
		if level == pageLevels-1 {
			fn(va, pte)
			continue
		}

		pdt.visitTable(pte.Frame(), level+1, va, fn)
	}
}
