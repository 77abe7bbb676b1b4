package pmm

import (
	"bytes"
	"runtime"
	gosync "sync"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cowmm/kernel/cpu"
	"cowmm/kernel/kfmt"
	"cowmm/kernel/mm"
)

// newTestAllocator returns an allocator managing frameCount frames with one
// free list per core. The frames are seeded by the supplied seeders or by
// cores[0] if none are given.
func newTestAllocator(t *testing.T, frameCount, coreCount int, seeders ...int) (*Allocator, []*cpu.Core) {
	t.Helper()

	cores := cpu.NewCores(coreCount)
	ram := mm.NewRAM(mm.KernBase, mm.KernBase+uintptr(frameCount)*mm.PageSize)
	a := New(ram, coreCount)

	if len(seeders) == 0 {
		seeders = []int{0}
	}
	seedCores := make([]*cpu.Core, 0, len(seeders))
	for _, id := range seeders {
		seedCores = append(seedCores, cores[id])
	}
	a.Init(seedCores...)

	return a, cores
}

// listFrames walks the free list of a core. The allocator must be quiescent.
func listFrames(a *Allocator, id int) []mm.Frame {
	var frames []mm.Frame
	for idx := a.lists[id].head; idx != noFrame; idx = a.descs[idx].next {
		frames = append(frames, a.firstFrame+mm.Frame(idx))
	}
	return frames
}

// checkInvariants verifies that every frame is either on exactly one free
// list with a zero share count or on no list with a positive share count.
func checkInvariants(t *testing.T, a *Allocator) {
	t.Helper()

	seen := make(map[mm.Frame]int)
	for id := range a.lists {
		frames := listFrames(a, id)
		require.Equal(t, int64(len(frames)), a.lists[id].count.Load(), "count of list %d out of sync", id)

		for _, f := range frames {
			prev, dup := seen[f]
			require.False(t, dup, "frame %x is on the lists of core %d and core %d", f, prev, id)
			seen[f] = id

			idx := uint32(f - a.firstFrame)
			require.Equal(t, int32(id), a.descs[idx].list, "frame %x descriptor points to the wrong list", f)
			require.Zero(t, a.refs.counts[idx], "free frame %x has a share count", f)
		}
	}

	for idx, count := range a.refs.counts {
		f := a.firstFrame + mm.Frame(idx)
		if _, free := seen[f]; free {
			continue
		}
		require.Positive(t, count, "frame %x is neither free nor allocated", f)
		require.Equal(t, int32(-1), a.descs[idx].list)
	}
}

func mockPanic(t *testing.T) *interface{} {
	var got interface{}
	panicFn = func(e interface{}) { got = e }
	t.Cleanup(func() { panicFn = kfmt.Panic })
	return &got
}

func TestInitSeedsBootCore(t *testing.T) {
	a, _ := newTestAllocator(t, 16, 4)

	require.Len(t, listFrames(a, 0), 16)
	for id := 1; id < 4; id++ {
		require.Empty(t, listFrames(a, id))
	}

	for idx := 0; idx < a.TotalFrames(); idx++ {
		page := a.ram.FrameBytes(a.firstFrame + mm.Frame(idx))
		require.Equal(t, bytes.Repeat([]byte{freeJunk}, int(mm.PageSize)), page, "frame %d not filled with junk", idx)
	}

	checkInvariants(t, a)
}

func TestInitRoundRobin(t *testing.T) {
	a, _ := newTestAllocator(t, 16, 4, 0, 1, 2, 3)

	for id := 0; id < 4; id++ {
		assert.Len(t, listFrames(a, id), 4, "core %d", id)
	}
	checkInvariants(t, a)
}

func TestInitTwice(t *testing.T) {
	a, cores := newTestAllocator(t, 4, 1)
	got := mockPanic(t)

	a.Init(cores[0])
	require.Equal(t, errAlreadyInitialized, *got)
	require.Len(t, listFrames(a, 0), 4, "a second Init must not release frames again")
}

func TestAllocFrame(t *testing.T) {
	a, cores := newTestAllocator(t, 8, 2)

	f, err := a.AllocFrame(cores[0])
	require.Nil(t, err)
	require.True(t, f.Valid())
	require.True(t, a.RAM().Contains(f))
	require.Equal(t, 1, a.ShareCount(cores[0], f))
	require.Equal(t, bytes.Repeat([]byte{allocJunk}, int(mm.PageSize)), a.RAM().FrameBytes(f))
	require.True(t, cores[0].InterruptsEnabled())
	require.Zero(t, cores[0].IntrState().Depth)

	checkInvariants(t, a)
}

func TestAllocFreeRoundTrip(t *testing.T) {
	a, cores := newTestAllocator(t, 8, 2)
	before := listFrames(a, 0)

	f, err := a.AllocFrame(cores[0])
	require.Nil(t, err)
	a.FreeFrame(cores[0], f)

	require.ElementsMatch(t, before, listFrames(a, 0))
	require.Equal(t, 0, a.ShareCount(cores[0], f))
	checkInvariants(t, a)
}

func TestShareCountLaw(t *testing.T) {
	a, cores := newTestAllocator(t, 4, 2)
	c := cores[1]

	f, err := a.AllocFrame(c)
	require.Nil(t, err)

	a.RetainFrame(c, f)
	a.RetainFrame(c, f)
	require.Equal(t, 3, a.ShareCount(c, f))

	a.FreeFrame(c, f)
	require.Equal(t, 2, a.ShareCount(c, f))
	require.NotContains(t, listFrames(a, 1), f, "frame with remaining owners must stay allocated")

	a.FreeFrame(c, f)
	require.NotContains(t, listFrames(a, 1), f)

	a.FreeFrame(c, f)
	require.Equal(t, []mm.Frame{f}, listFrames(a, 1), "last release reclaims the frame onto the releasing core")
	checkInvariants(t, a)

	// the frame is reclaimed exactly once
	got := mockPanic(t)
	a.FreeFrame(c, f)
	require.Equal(t, errDoubleFree, *got)
	require.Equal(t, []mm.Frame{f}, listFrames(a, 1))
}

func TestReleaseOnForeignCore(t *testing.T) {
	a, cores := newTestAllocator(t, 4, 2)

	f, err := a.AllocFrame(cores[0])
	require.Nil(t, err)

	a.FreeFrame(cores[1], f)
	require.Contains(t, listFrames(a, 1), f)
	require.NotContains(t, listFrames(a, 0), f)
	checkInvariants(t, a)
}

func TestStealFromOtherCore(t *testing.T) {
	// one free frame, owned by core 1
	a, cores := newTestAllocator(t, 1, 2, 1)
	require.Empty(t, listFrames(a, 0))
	require.Len(t, listFrames(a, 1), 1)

	f, err := a.AllocFrame(cores[0])
	require.Nil(t, err)
	require.True(t, f.Valid())
	require.Empty(t, listFrames(a, 1), "donor must lose the stolen frame")
	require.Equal(t, uint64(1), a.Stats().Steals)
	checkInvariants(t, a)
}

func TestStealOrder(t *testing.T) {
	// frame 0 is seeded on core 2, frame 1 on core 3
	a, cores := newTestAllocator(t, 2, 4, 2, 3)

	f, err := a.AllocFrame(cores[1])
	require.Nil(t, err)
	require.Equal(t, a.firstFrame, f, "core 1 visits core 2 first")

	f, err = a.AllocFrame(cores[1])
	require.Nil(t, err)
	require.Equal(t, a.firstFrame+1, f)

	_, err = a.AllocFrame(cores[0])
	require.Equal(t, ErrOutOfMemory, err)
}

func TestExhaustion(t *testing.T) {
	a, cores := newTestAllocator(t, 8, 2)

	var frames []mm.Frame
	for i := 0; i < 8; i++ {
		f, err := a.AllocFrame(cores[i%2])
		require.Nil(t, err)
		frames = append(frames, f)
	}

	for i := 0; i < 3; i++ {
		f, err := a.AllocFrame(cores[i%2])
		require.Equal(t, ErrOutOfMemory, err)
		require.False(t, f.Valid())
	}

	require.Equal(t, uint64(3), a.Stats().AllocFailures)
	for _, c := range cores {
		require.True(t, c.InterruptsEnabled(), "failed allocation must restore interrupts")
	}

	for _, f := range frames {
		a.FreeFrame(cores[0], f)
	}
	checkInvariants(t, a)
}

func TestScenarioFourCoresFourFrames(t *testing.T) {
	a, cores := newTestAllocator(t, 4, 4, 0, 1, 2, 3)

	for _, c := range cores {
		_, err := a.AllocFrame(c)
		require.Nil(t, err, "allocation on %s", c)
	}

	for _, c := range cores {
		require.Empty(t, listFrames(a, c.ID()))
	}

	_, err := a.AllocFrame(cores[2])
	require.Equal(t, ErrOutOfMemory, err)
	checkInvariants(t, a)
}

func TestConcurrentAllocRetainFree(t *testing.T) {
	const (
		frameCount = 256
		coreCount  = 8
		rounds     = 200
	)

	a, cores := newTestAllocator(t, frameCount, coreCount)

	// owned[i] is set while a core holds frame i; a frame handed out twice
	// trips the CompareAndSwap below.
	owned := make([]atomic.Int32, frameCount)

	var wg gosync.WaitGroup
	for _, c := range cores {
		wg.Add(1)
		go func(c *cpu.Core) {
			defer wg.Done()

			held := make([]mm.Frame, 0, 16)
			for r := 0; r < rounds; r++ {
				for i := 0; i < 16; i++ {
					f, err := a.AllocFrame(c)
					if err != nil {
						break
					}
					if !owned[f-a.firstFrame].CompareAndSwap(0, 1) {
						t.Errorf("frame %x allocated twice", f)
						return
					}
					held = append(held, f)
				}

				for i, f := range held {
					if i%2 == 0 {
						// share then drop the extra owner
						a.RetainFrame(c, f)
						a.FreeFrame(c, f)
					}
					owned[f-a.firstFrame].Store(0)
					a.FreeFrame(c, f)
				}
				held = held[:0]
				runtime.Gosched()
			}
		}(c)
	}
	wg.Wait()

	st := a.Stats()
	require.Zero(t, st.AllocatedFrames)
	free := 0
	for _, n := range st.FreeFrames {
		free += n
	}
	require.Equal(t, frameCount, free)
	checkInvariants(t, a)
}

func TestProtocolViolations(t *testing.T) {
	a, cores := newTestAllocator(t, 4, 2)
	c := cores[0]

	t.Run("free outside managed range", func(t *testing.T) {
		got := mockPanic(t)
		a.FreeFrame(c, a.firstFrame-1)
		require.Equal(t, errBadFrame, *got)

		*got = nil
		a.FreeFrame(c, a.firstFrame+mm.Frame(a.TotalFrames()))
		require.Equal(t, errBadFrame, *got)
	})

	t.Run("free misaligned address", func(t *testing.T) {
		got := mockPanic(t)
		a.FreeAddr(c, a.firstFrame.Address()+16)
		require.Equal(t, errBadFrame, *got)
	})

	t.Run("free already free frame", func(t *testing.T) {
		got := mockPanic(t)
		a.FreeFrame(c, a.firstFrame)
		require.Equal(t, errDoubleFree, *got)
	})

	t.Run("retain free frame", func(t *testing.T) {
		got := mockPanic(t)
		a.RetainFrame(c, a.firstFrame)
		require.Equal(t, errRetainFree, *got)
		require.Equal(t, 0, a.ShareCount(c, a.firstFrame))
	})

	t.Run("core without free list", func(t *testing.T) {
		got := mockPanic(t)
		stray := cpu.NewCores(3)[2]
		_, err := a.AllocFrame(stray)
		require.Equal(t, errUnknownCore, *got)
		require.Equal(t, errUnknownCore, err)
	})

	checkInvariants(t, a)
}

func TestDoubleFreeHaltsCore(t *testing.T) {
	defer kfmt.SetOutputSink(nil)
	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)

	a, cores := newTestAllocator(t, 2, 1)
	f, err := a.AllocFrame(cores[0])
	require.Nil(t, err)
	a.FreeFrame(cores[0], f)

	defer func() {
		haltErr, ok := recover().(*cpu.HaltError)
		require.True(t, ok, "expected a double free to halt the core")
		require.Equal(t, error(errDoubleFree), haltErr.Reason)
		require.Contains(t, buf.String(), "[pmm] unrecoverable error: free: share count underflow")
	}()

	a.FreeAddr(cores[0], f.Address())
}

func TestStats(t *testing.T) {
	a, cores := newTestAllocator(t, 6, 3, 1)

	f1, err := a.AllocFrame(cores[0])
	require.Nil(t, err)
	_, err = a.AllocFrame(cores[1])
	require.Nil(t, err)
	a.FreeFrame(cores[2], f1)

	exp := Stats{
		TotalFrames:     6,
		FreeFrames:      []int{0, 4, 1},
		AllocatedFrames: 1,
		Steals:          1,
	}
	if diff := cmp.Diff(exp, a.Stats()); diff != "" {
		t.Fatalf("unexpected stats (-want +got):\n%s", diff)
	}
	require.Equal(t, 3, a.NumCores())
}

func TestPrintMemoryMap(t *testing.T) {
	defer kfmt.SetOutputSink(nil)
	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)

	a, _ := newTestAllocator(t, 4, 2)
	a.PrintMemoryMap()

	exp := "[pmm] managed memory: [0x0080000000 - 0x0080004000], size: 16 Kb, frames: 4\n" +
		"[pmm] kmem-cpu0: 4 free frames\n" +
		"[pmm] kmem-cpu1: 0 free frames\n"
	require.Equal(t, exp, buf.String())
}

func TestSetSpinsBeforeYield(t *testing.T) {
	a, cores := newTestAllocator(t, 4, 3)
	a.SetSpinsBeforeYield(1)

	require.Equal(t, uint32(1), a.refs.lock.SpinsBeforeYield)
	for i := range a.lists {
		require.Equal(t, uint32(1), a.lists[i].lock.SpinsBeforeYield)
	}

	f, err := a.AllocFrame(cores[2])
	require.Nil(t, err)
	a.FreeFrame(cores[2], f)
	checkInvariants(t, a)
}
