// Package pmm implements the physical page allocator: per-core free lists
// with work stealing and reference-counted frames that can be shared
// copy-on-write between several mappings.
package pmm

import (
	"fmt"
	"sync/atomic"

	"cowmm/kernel"
	"cowmm/kernel/cpu"
	"cowmm/kernel/kfmt"
	"cowmm/kernel/mm"
	"cowmm/kernel/sync"
)

const (
	// allocJunk fills newly allocated frames to surface use-before-init bugs.
	allocJunk = 0x05

	// freeJunk fills released frames to surface dangling references.
	freeJunk = 0x01
)

var (
	// ErrOutOfMemory is returned when no core has a free frame.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}

	errBadFrame           = &kernel.Error{Module: "pmm", Message: "free: frame not aligned or outside managed range"}
	errDoubleFree         = &kernel.Error{Module: "pmm", Message: "free: share count underflow"}
	errRetainFree         = &kernel.Error{Module: "pmm", Message: "retain: frame is not allocated"}
	errUnknownCore        = &kernel.Error{Module: "pmm", Message: "core has no free list"}
	errAlreadyInitialized = &kernel.Error{Module: "pmm", Message: "allocator already initialized"}

	// panicFn is mocked by tests.
	panicFn = kfmt.Panic
)

// Allocator manages the frames of a RAM region. Each core owns a free list;
// a core whose list is empty steals from the other cores. The share count of
// every allocated frame is tracked so that a frame mapped by several owners
// is only reclaimed once its last owner releases it.
type Allocator struct {
	ram        *mm.RAM
	firstFrame mm.Frame
	frameCount int

	descs []frameDesc
	lists []coreFreeList
	refs  refCountTable

	initialized atomic.Bool
	steals      atomic.Uint64
	failures    atomic.Uint64
}

// New returns an allocator for the frames backed by ram with one empty free
// list per core. Init must be called before any allocation request.
func New(ram *mm.RAM, numCores int) *Allocator {
	frameCount := int(ram.Size() >> mm.PageShift)
	a := &Allocator{
		ram:        ram,
		firstFrame: mm.FrameFromAddress(ram.Start()),
		frameCount: frameCount,
		descs:      make([]frameDesc, frameCount),
		lists:      make([]coreFreeList, numCores),
	}

	for i := range a.descs {
		a.descs[i] = frameDesc{next: noFrame, list: -1}
	}
	for i := range a.lists {
		a.lists[i].init(fmt.Sprintf("kmem-cpu%d", i))
	}

	// Every frame starts out owned once so that the release path used by
	// Init reclaims it.
	a.refs.init(frameCount)
	for i := range a.refs.counts {
		a.refs.counts[i] = 1
	}

	return a
}

// Init releases every managed frame exactly once, which places it on a free
// list. Frame i is released by cores[i % len(cores)], so passing a single
// core seeds only that core's list while passing all cores spreads the frames
// round-robin.
func (a *Allocator) Init(cores ...*cpu.Core) {
	if !a.initialized.CompareAndSwap(false, true) {
		panicFn(errAlreadyInitialized)
		return
	}
	if len(cores) == 0 {
		panicFn(errUnknownCore)
		return
	}

	for i := 0; i < a.frameCount; i++ {
		a.FreeFrame(cores[i%len(cores)], a.firstFrame+mm.Frame(i))
	}
}

// AllocFrame reserves a frame with a share count of 1 on behalf of core c.
// The frame is taken from c's own free list; if that list is empty the other
// cores are visited once, in order, holding one foreign lock at a time. If no
// core has a free frame AllocFrame returns ErrOutOfMemory.
func (a *Allocator) AllocFrame(c *cpu.Core) (mm.Frame, *kernel.Error) {
	own, ok := a.listFor(c)
	if !ok {
		panicFn(errUnknownCore)
		return mm.InvalidFrame, errUnknownCore
	}

	sync.PushOff(c)
	idx := a.lists[own].pop(c, a.descs)
	if idx == noFrame {
		idx = a.steal(c, own)
	}
	sync.PopOff(c)

	if idx == noFrame {
		a.failures.Add(1)
		return mm.InvalidFrame, ErrOutOfMemory
	}

	frame := a.firstFrame + mm.Frame(idx)
	kernel.Memset(a.ram.FrameBytes(frame), allocJunk)
	a.refs.set(c, idx, 1)
	return frame, nil
}

// steal takes one frame from the first non-empty free list of another core.
func (a *Allocator) steal(c *cpu.Core, own int) uint32 {
	for i := 1; i < len(a.lists); i++ {
		victim := (own + i) % len(a.lists)
		if idx := a.lists[victim].pop(c, a.descs); idx != noFrame {
			a.steals.Add(1)
			return idx
		}
	}
	return noFrame
}

// RetainFrame adds an owner to frame f. It is called whenever an existing
// mapping of f is duplicated instead of copied. Retaining a frame that is not
// allocated halts the core.
func (a *Allocator) RetainFrame(c *cpu.Core, f mm.Frame) {
	idx, ok := a.frameIndex(f)
	if !ok {
		panicFn(errBadFrame)
		return
	}

	if !a.refs.inc(c, idx) {
		panicFn(errRetainFree)
	}
}

// FreeFrame drops an owner of frame f. While other owners remain the frame
// stays allocated; when the last owner is dropped the frame is filled with
// junk and pushed onto c's free list. Releasing a frame outside the managed
// range or one whose share count is already zero halts the core.
func (a *Allocator) FreeFrame(c *cpu.Core, f mm.Frame) {
	idx, ok := a.frameIndex(f)
	if !ok {
		panicFn(errBadFrame)
		return
	}

	remaining, ok := a.refs.dec(c, idx)
	if !ok {
		panicFn(errDoubleFree)
		return
	}
	if remaining > 0 {
		return
	}

	a.reclaim(c, idx)
}

// FreeAddr behaves like FreeFrame for the frame starting at physical address
// pa. Addresses that are not frame-aligned halt the core.
func (a *Allocator) FreeAddr(c *cpu.Core, pa uintptr) {
	if pa&(mm.PageSize-1) != 0 {
		panicFn(errBadFrame)
		return
	}
	a.FreeFrame(c, mm.FrameFromAddress(pa))
}

// reclaim hands a frame whose share count dropped to zero to c's free list.
func (a *Allocator) reclaim(c *cpu.Core, idx uint32) {
	own, ok := a.listFor(c)
	if !ok {
		panicFn(errUnknownCore)
		return
	}

	kernel.Memset(a.ram.FrameBytes(a.firstFrame+mm.Frame(idx)), freeJunk)
	a.lists[own].push(c, a.descs, idx, int32(own))
}

// ShareCount returns the number of owners of frame f; free frames report 0.
func (a *Allocator) ShareCount(c *cpu.Core, f mm.Frame) int {
	idx, ok := a.frameIndex(f)
	if !ok {
		return 0
	}
	return int(a.refs.get(c, idx))
}

// SetSpinsBeforeYield sets the number of failed acquire attempts after which
// a core spinning on one of the allocator locks yields. Zero selects the
// default. It must be called before the allocator is shared between cores.
func (a *Allocator) SetSpinsBeforeYield(spins uint32) {
	a.refs.lock.SpinsBeforeYield = spins
	for i := range a.lists {
		a.lists[i].lock.SpinsBeforeYield = spins
	}
}

// RAM returns the memory managed by the allocator.
func (a *Allocator) RAM() *mm.RAM {
	return a.ram
}

// NumCores returns the number of per-core free lists.
func (a *Allocator) NumCores() int {
	return len(a.lists)
}

// TotalFrames returns the number of managed frames.
func (a *Allocator) TotalFrames() int {
	return a.frameCount
}

// Stats describes the state of the allocator at a point in time. Counters of
// different cores are sampled one after the other, so a snapshot taken while
// cores allocate concurrently is only approximately consistent.
type Stats struct {
	TotalFrames     int
	FreeFrames      []int
	AllocatedFrames int
	Steals          uint64
	AllocFailures   uint64
}

// Stats returns a snapshot of the allocator counters. It takes no locks.
func (a *Allocator) Stats() Stats {
	st := Stats{
		TotalFrames:   a.frameCount,
		FreeFrames:    make([]int, len(a.lists)),
		Steals:        a.steals.Load(),
		AllocFailures: a.failures.Load(),
	}

	free := 0
	for i := range a.lists {
		st.FreeFrames[i] = int(a.lists[i].count.Load())
		free += st.FreeFrames[i]
	}
	st.AllocatedFrames = a.frameCount - free
	return st
}

// PrintMemoryMap outputs the managed range and its free-list layout.
func (a *Allocator) PrintMemoryMap() {
	kfmt.Printf("[pmm] managed memory: [0x%010x - 0x%010x], size: %d Kb, frames: %d\n",
		a.ram.Start(), a.ram.End(), uint64(a.ram.Size()/mm.Kb), a.frameCount,
	)
	for i := range a.lists {
		kfmt.Printf("[pmm] %s: %d free frames\n", a.lists[i].lock.Name(), a.lists[i].count.Load())
	}
}

// listFor returns the index of the free list owned by core c.
func (a *Allocator) listFor(c *cpu.Core) (int, bool) {
	id := c.ID()
	return id, id >= 0 && id < len(a.lists)
}

// frameIndex returns the descriptor index of frame f.
func (a *Allocator) frameIndex(f mm.Frame) (uint32, bool) {
	if !a.ram.Contains(f) {
		return 0, false
	}
	return uint32(f - a.firstFrame), true
}
