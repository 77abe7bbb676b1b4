package pmm

import (
	"cowmm/kernel/cpu"
	"cowmm/kernel/sync"
)

// refCountTable maps every managed frame to the number of owners that
// currently map it. A single lock linearizes all updates.
type refCountTable struct {
	lock   sync.Spinlock
	counts []int32
}

func (t *refCountTable) init(frames int) {
	t.lock.Init("kref")
	t.counts = make([]int32, frames)
}

// set overwrites the share count of frame idx.
func (t *refCountTable) set(c *cpu.Core, idx uint32, count int32) {
	t.lock.Acquire(c)
	t.counts[idx] = count
	t.lock.Release(c)
}

// get returns the share count of frame idx.
func (t *refCountTable) get(c *cpu.Core, idx uint32) int32 {
	t.lock.Acquire(c)
	count := t.counts[idx]
	t.lock.Release(c)
	return count
}

// inc adds an owner to frame idx. It returns false without modifying the
// table if the frame is not allocated.
func (t *refCountTable) inc(c *cpu.Core, idx uint32) bool {
	t.lock.Acquire(c)
	if t.counts[idx] <= 0 {
		t.lock.Release(c)
		return false
	}
	t.counts[idx]++
	t.lock.Release(c)
	return true
}

// dec drops an owner of frame idx and returns the remaining share count. It
// returns false without modifying the table if the count would underflow.
func (t *refCountTable) dec(c *cpu.Core, idx uint32) (int32, bool) {
	t.lock.Acquire(c)
	if t.counts[idx] <= 0 {
		t.lock.Release(c)
		return 0, false
	}
	t.counts[idx]--
	remaining := t.counts[idx]
	t.lock.Release(c)
	return remaining, true
}
