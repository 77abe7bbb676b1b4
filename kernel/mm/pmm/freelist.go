package pmm

import (
	"sync/atomic"

	syscpu "golang.org/x/sys/cpu"

	"cowmm/kernel/cpu"
	"cowmm/kernel/sync"
)

// noFrame terminates a free list.
const noFrame = ^uint32(0)

// frameDesc describes a managed frame. Free frames are linked through their
// descriptors, never through the frame contents.
type frameDesc struct {
	// next is the index of the next free frame on the same list.
	next uint32

	// list is the ID of the core whose free list holds the frame or -1.
	list int32
}

// coreFreeList is the free list owned by a single core.
type coreFreeList struct {
	lock sync.Spinlock
	head uint32

	// count mirrors the list length so that statistics can be read
	// without taking the lock.
	count atomic.Int64

	// keep the locks of neighbouring cores on separate cache lines
	_ syscpu.CacheLinePad
}

func (l *coreFreeList) init(name string) {
	l.lock.Init(name)
	l.head = noFrame
	l.count.Store(0)
}

// push links frame idx at the head of the list on behalf of core c.
func (l *coreFreeList) push(c *cpu.Core, descs []frameDesc, idx uint32, listID int32) {
	l.lock.Acquire(c)
	descs[idx].next = l.head
	descs[idx].list = listID
	l.head = idx
	l.count.Add(1)
	l.lock.Release(c)
}

// pop unlinks the frame at the head of the list on behalf of core c. It
// returns noFrame if the list is empty.
func (l *coreFreeList) pop(c *cpu.Core, descs []frameDesc) uint32 {
	l.lock.Acquire(c)
	idx := l.head
	if idx != noFrame {
		l.head = descs[idx].next
		descs[idx].next = noFrame
		descs[idx].list = -1
		l.count.Add(-1)
	}
	l.lock.Release(c)
	return idx
}
