// Package sync provides the spinlock primitive used by the memory subsystem
// together with the per-core interrupt nesting helpers it relies on.
package sync

import (
	"runtime"
	"sync/atomic"

	"cowmm/kernel"
	"cowmm/kernel/cpu"
	"cowmm/kernel/kfmt"
)

// spinsBeforeYield is the default number of failed acquire attempts after
// which a spinning core yields its goroutine.
const spinsBeforeYield = 64

var (
	// yieldFn lets the goroutine driving a spinning core give up its OS
	// thread so the lock holder can make progress.
	yieldFn = runtime.Gosched

	// panicFn is mocked by tests.
	panicFn = kfmt.Panic

	errReentrantAcquire = &kernel.Error{Module: "sync", Message: "acquire: lock already held by this core"}
	errReleaseNotHeld   = &kernel.Error{Module: "sync", Message: "release: lock not held by this core"}
)

// Spinlock implements a lock where each core trying to acquire it busy-waits
// till the lock becomes available. Holding a Spinlock masks interrupts on the
// holder's core so that an interrupt handler on the same core can never spin
// on a lock held by the code it interrupted.
type Spinlock struct {
	state uint32

	// owner is the core holding the lock; used for diagnostics and for
	// detecting re-entrant acquires.
	owner atomic.Pointer[cpu.Core]

	name string

	// SpinsBeforeYield overrides the number of failed attempts after which
	// a spinning core yields. Zero selects the default.
	SpinsBeforeYield uint32
}

// NewSpinlock returns an unlocked spinlock with the given diagnostic name.
func NewSpinlock(name string) *Spinlock {
	return &Spinlock{name: name}
}

// Init resets the lock to the unlocked state and sets its diagnostic name.
func (l *Spinlock) Init(name string) {
	atomic.StoreUint32(&l.state, 0)
	l.owner.Store(nil)
	l.name = name
}

// Name returns the diagnostic name of the lock.
func (l *Spinlock) Name() string {
	return l.name
}

// Acquire blocks until the lock can be acquired by core c. Interrupts on c
// stay masked until the matching Release. Any attempt to re-acquire a lock
// already held by c halts the core.
func (l *Spinlock) Acquire(c *cpu.Core) {
	PushOff(c)
	if l.Holding(c) {
		panicFn(errReentrantAcquire)
		return
	}

	spinLimit := l.SpinsBeforeYield
	if spinLimit == 0 {
		spinLimit = spinsBeforeYield
	}

	// CompareAndSwap is sequentially consistent; no critical-section
	// access can be reordered before it.
	for attempts := uint32(1); !atomic.CompareAndSwapUint32(&l.state, 0, 1); attempts++ {
		if attempts%spinLimit == 0 {
			yieldFn()
		}
	}

	l.owner.Store(c)
}

// Release relinquishes a lock held by core c allowing other cores to acquire
// it and restores the interrupt state of c. Releasing a lock that c does not
// hold halts the core.
func (l *Spinlock) Release(c *cpu.Core) {
	if !l.Holding(c) {
		panicFn(errReleaseNotHeld)
		return
	}

	l.owner.Store(nil)

	// The atomic store publishes every write performed inside the critical
	// section before the lock is observed as free.
	atomic.StoreUint32(&l.state, 0)

	PopOff(c)
}

// Holding returns true if the lock is held by core c. Interrupts on c must be
// masked for the answer to remain stable.
func (l *Spinlock) Holding(c *cpu.Core) bool {
	return atomic.LoadUint32(&l.state) == 1 && l.owner.Load() == c
}

// Owner returns the core currently holding the lock or nil.
func (l *Spinlock) Owner() *cpu.Core {
	return l.owner.Load()
}
