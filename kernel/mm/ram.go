package mm

import "unsafe"

// RAM is the simulated physical memory of the machine. It covers the frames
// in [Start(), End()); addresses outside that range are not backed.
type RAM struct {
	start uintptr
	mem   []byte
}

// NewRAM returns zero-filled memory backing the physical range [start, end).
// start is rounded up and end is rounded down to a frame boundary.
func NewRAM(start, end uintptr) *RAM {
	start, end = PageRoundUp(start), PageRoundDown(end)
	if end < start {
		end = start
	}

	// Back the memory with words so that page table entries stored in it
	// are naturally aligned.
	words := make([]uint64, (end-start)>>PointerShift)
	r := &RAM{start: start}
	if len(words) != 0 {
		r.mem = unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), end-start)
	}
	return r
}

// Start returns the first backed physical address.
func (r *RAM) Start() uintptr {
	return r.start
}

// End returns one past the last backed physical address.
func (r *RAM) End() uintptr {
	return r.start + uintptr(len(r.mem))
}

// Size returns the amount of backed memory.
func (r *RAM) Size() Size {
	return Size(len(r.mem))
}

// Contains returns true if the frame is backed by this RAM.
func (r *RAM) Contains(f Frame) bool {
	addr := f.Address()
	return f.Valid() && addr >= r.start && addr < r.End()
}

// FrameBytes returns the contents of frame f or nil if f is not backed.
func (r *RAM) FrameBytes(f Frame) []byte {
	if !r.Contains(f) {
		return nil
	}

	off := f.Address() - r.start
	return r.mem[off : off+PageSize : off+PageSize]
}

// Word returns a pointer to the 8-byte word at physical address addr, which
// must be 8-byte aligned and backed by this RAM.
func (r *RAM) Word(addr uintptr) *uint64 {
	off := addr - r.start
	return (*uint64)(unsafe.Pointer(&r.mem[off]))
}
