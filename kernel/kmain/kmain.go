// Package kmain boots a simulated machine: it creates the cores, hands the
// free RAM to the page allocator and installs the trap handlers.
package kmain

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"cowmm/kernel"
	"cowmm/kernel/cpu"
	"cowmm/kernel/gate"
	"cowmm/kernel/hal/bootcfg"
	"cowmm/kernel/kfmt"
	"cowmm/kernel/mm"
	"cowmm/kernel/mm/pmm"
	"cowmm/kernel/mm/vmm"
)

var (
	errInvalidConfig = &kernel.Error{Module: "kmain", Message: "invalid boot configuration"}

	// panicFn is mocked by tests.
	panicFn = kfmt.Panic
)

// Machine groups the components of a booted machine.
type Machine struct {
	Cores     []*cpu.Core
	RAM       *mm.RAM
	Allocator *pmm.Allocator
	Traps     *gate.Table
	VMM       *vmm.Manager
}

// Kmain boots a machine described by cfg. The frames in the managed range
// are released once through the allocator, either all on the boot core or
// spread over every core when cfg.DistributeFrames is set.
//
// An invalid configuration halts the calling goroutine.
func Kmain(cfg *bootcfg.Config) *Machine {
	if err := cfg.Validate(); err != nil {
		kfmt.Printf("[kmain] %s\n", err)
		panicFn(errInvalidConfig)
		return nil
	}

	var (
		cores      = cpu.NewCores(cfg.Cores)
		start, end = cfg.ManagedRange()
		ram        = mm.NewRAM(start, end)
		alloc      = pmm.New(ram, len(cores))
	)

	kfmt.Printf("[kmain] booting %d cores\n", len(cores))

	alloc.SetSpinsBeforeYield(cfg.SpinsBeforeYield)
	if cfg.DistributeFrames {
		alloc.Init(cores...)
	} else {
		alloc.Init(cores[0])
	}
	alloc.PrintMemoryMap()

	traps := gate.NewTable()
	return &Machine{
		Cores:     cores,
		RAM:       ram,
		Allocator: alloc,
		Traps:     traps,
		VMM:       vmm.Init(traps, alloc, ram),
	}
}

// Run drives every core of the machine with fn, one goroutine per core, and
// waits for all of them to return. A core that halts stops its goroutine and
// Run reports the halt as a *cpu.HaltError. The context passed to fn is
// canceled as soon as one core fails.
func (m *Machine) Run(ctx context.Context, fn func(ctx context.Context, c *cpu.Core) error) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, c := range m.Cores {
		c := c
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					haltErr, ok := r.(*cpu.HaltError)
					if !ok {
						panic(r)
					}
					err = haltErr
				}
			}()

			if err := fn(ctx, c); err != nil {
				return errors.Wrap(err, c.String())
			}
			return nil
		})
	}

	return g.Wait()
}
