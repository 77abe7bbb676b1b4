// Package mm contains the types shared by the physical and virtual memory
// managers: frame and page indices, the simulated physical memory and the
// frame allocator contract.
package mm

import (
	"math"

	"cowmm/kernel"
	"cowmm/kernel/cpu"
)

// Frame describes a physical memory page index.
type Frame uintptr

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << PageShift)
}

// FrameFromAddress returns a Frame that corresponds to
// the given physical address. This function can handle
// both page-aligned and not aligned addresses. in the
// latter case, the input address will be rounded down
// to the frame that contains it.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame((physAddr & ^(uintptr(PageSize - 1))) >> PageShift)
}

// FrameAllocator is implemented by physical frame allocators that support
// sharing a frame between several owners.
type FrameAllocator interface {
	// AllocFrame reserves a frame with a share count of 1 on behalf of c.
	AllocFrame(c *cpu.Core) (Frame, *kernel.Error)

	// RetainFrame adds an owner to an allocated frame.
	RetainFrame(c *cpu.Core, f Frame)

	// FreeFrame drops an owner of f; the frame is reclaimed when its last
	// owner is dropped.
	FreeFrame(c *cpu.Core, f Frame)
}

// Page describes a virtual memory page index.
type Page uintptr

// Address returns the virtual memory address pointed to by this Page.
func (f Page) Address() uintptr {
	return uintptr(f << PageShift)
}

// PageFromAddress returns a Page that corresponds to the given virtual
// address. This function can handle both page-aligned and not aligned virtual
// addresses. in the latter case, the input address will be rounded down to the
// page that contains it.
func PageFromAddress(virtAddr uintptr) Page {
	return Page((virtAddr & ^(uintptr(PageSize - 1))) >> PageShift)
}
