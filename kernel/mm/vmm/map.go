package vmm

import (
	"cowmm/kernel"
	"cowmm/kernel/cpu"
	"cowmm/kernel/mm"
)

// Map establishes mappings for the pages covering [va, va+size) to
// consecutive frames starting at frame. Intermediate tables are allocated on
// behalf of core c. Remapping a valid entry halts the core.
//
// If a table allocation fails Map returns the error and leaves the mappings
// it already installed in place; the caller is expected to unmap them.
func (pdt *PageDirectoryTable) Map(c *cpu.Core, va, size uintptr, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	if size == 0 {
		panicFn(errEmptyMapping)
		return errEmptyMapping
	}

	var (
		curPage  = mm.PageRoundDown(va)
		lastPage = mm.PageRoundDown(va + size - 1)
	)
	if lastPage >= mm.MaxVA {
		return ErrInvalidArgument
	}

	for ; ; curPage, frame = curPage+mm.PageSize, frame+1 {
		pte, err := pdt.Walk(c, curPage, true)
		if err != nil {
			return err
		}

		if pte.HasFlags(FlagValid) {
			panicFn(errRemap)
			return errRemap
		}

		*pte = 0
		pte.SetFrame(frame)
		pte.SetFlags(flags | FlagValid)

		if curPage == lastPage {
			return nil
		}
	}
}

// Unmap removes pageCount mappings starting at the page-aligned address va.
// If release is set, each unmapped frame loses an owner. Unmapping a page
// that is not mapped halts the core.
func (pdt *PageDirectoryTable) Unmap(c *cpu.Core, va uintptr, pageCount int, release bool) {
	if va&(mm.PageSize-1) != 0 {
		panicFn(errUnmapNotAligned)
		return
	}

	for i := 0; i < pageCount; i, va = i+1, va+mm.PageSize {
		pte, err := pdt.Walk(c, va, false)
		if err != nil || !pte.HasFlags(FlagValid) {
			panicFn(errUnmapMissing)
			return
		}

		if !pte.isLeaf() {
			panicFn(errUnmapNotLeaf)
			return
		}

		if release {
			pdt.m.alloc.FreeFrame(c, pte.Frame())
		}
		*pte = 0
	}
}
