// Package vmm implements three-level page tables stored in frames handed out
// by the physical allocator, copy-on-write sharing of frames between page
// tables and the page fault handler that breaks such sharing on write.
package vmm

import (
	"cowmm/kernel"
	"cowmm/kernel/gate"
	"cowmm/kernel/kfmt"
	"cowmm/kernel/mm"
)

var (
	errUnrecoverableFault = &kernel.Error{Module: "vmm", Message: "page fault"}
	errRemap              = &kernel.Error{Module: "vmm", Message: "map: page already mapped"}
	errUnmapMissing       = &kernel.Error{Module: "vmm", Message: "unmap: page not mapped"}
	errUnmapNotLeaf       = &kernel.Error{Module: "vmm", Message: "unmap: entry is not a leaf"}
	errUnmapNotAligned    = &kernel.Error{Module: "vmm", Message: "unmap: address not aligned"}
	errEmptyMapping       = &kernel.Error{Module: "vmm", Message: "map: zero size"}
	errCowRemap           = &kernel.Error{Module: "vmm", Message: "cow: unable to map page copy"}
	errLeafInTable        = &kernel.Error{Module: "vmm", Message: "destroy: leaf left behind"}

	// panicFn is mocked by tests.
	panicFn = kfmt.Panic
)

// Manager creates page tables backed by a RAM region and services the page
// faults raised while accessing them.
type Manager struct {
	alloc mm.FrameAllocator
	ram   *mm.RAM
	traps *gate.Table
}

// Init returns a manager whose page tables allocate frames from alloc and
// installs the paging-related exception handlers on traps.
func Init(traps *gate.Table, alloc mm.FrameAllocator, ram *mm.RAM) *Manager {
	m := &Manager{
		alloc: alloc,
		ram:   ram,
		traps: traps,
	}

	traps.HandleInterrupt(gate.PageFaultException, m.pageFaultHandler)
	traps.HandleInterrupt(gate.GPFException, generalProtectionFaultHandler)
	return m
}

// tableAt returns a page directory table view of the root table stored at
// physical address rootAddr.
func (m *Manager) tableAt(rootAddr uintptr) *PageDirectoryTable {
	return &PageDirectoryTable{m: m, root: mm.FrameFromAddress(rootAddr)}
}
