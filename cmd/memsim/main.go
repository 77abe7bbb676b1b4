package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cowmm/kernel/cpu"
	"cowmm/kernel/hal/bootcfg"
	"cowmm/kernel/kfmt"
	"cowmm/kernel/kmain"
	"cowmm/kernel/mm"
	"cowmm/kernel/mm/pmm"
	"cowmm/kernel/mm/vmm"
)

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[memsim] error: %s\n", err.Error())
	os.Exit(1)
}

type options struct {
	configPath  string
	rounds      int
	metricsAddr string
}

func parseFlags(args []string, out io.Writer) (*options, error) {
	var (
		opts options
		fs   = flag.NewFlagSet("memsim", flag.ContinueOnError)
	)

	fs.SetOutput(out)
	fs.StringVar(&opts.configPath, "config", "", "YAML boot configuration; the reference machine is used if empty")
	fs.IntVar(&opts.rounds, "rounds", 10000, "number of allocator operations performed by each core")
	fs.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve allocator metrics on this address after the run (e.g. :9100)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if opts.rounds < 0 {
		return nil, fmt.Errorf("rounds must not be negative; got %d", opts.rounds)
	}

	return &opts, nil
}

func run(ctx context.Context, args []string, out io.Writer) error {
	opts, err := parseFlags(args, out)
	if err != nil {
		return err
	}

	cfg := bootcfg.Default()
	if opts.configPath != "" {
		if cfg, err = bootcfg.Load(opts.configPath); err != nil {
			return err
		}
	}

	kfmt.SetOutputSink(out)
	defer kfmt.SetOutputSink(nil)

	m := kmain.Kmain(cfg)
	w := &kfmt.PrefixWriter{Sink: out, Prefix: []byte("[memsim] ")}

	start := time.Now()
	if err = stress(ctx, m, opts.rounds); err != nil {
		return errors.Wrap(err, "stress")
	}
	kfmt.Fprintf(w, "stress: %d cores x %d rounds in %s\n", len(m.Cores), opts.rounds, time.Since(start).Round(time.Millisecond))

	if err = forkScenario(m); err != nil {
		return errors.Wrap(err, "fork")
	}
	kfmt.Fprintf(w, "fork: ok\n")

	printStats(w, m.Allocator.Stats())

	if opts.metricsAddr == "" {
		return nil
	}
	return serveMetrics(ctx, w, opts.metricsAddr, m.Allocator)
}

// stress has every core allocate, share and release frames in a random
// order. All frames are released again once a core completes its rounds.
func stress(ctx context.Context, m *kmain.Machine, rounds int) error {
	err := m.Run(ctx, func(ctx context.Context, c *cpu.Core) error {
		var (
			rng  = rand.New(rand.NewSource(int64(c.ID()) + 1))
			held []mm.Frame
		)

		defer func() {
			for _, f := range held {
				m.Allocator.FreeFrame(c, f)
			}
		}()

		for r := 0; r < rounds; r++ {
			if r%256 == 0 && ctx.Err() != nil {
				return ctx.Err()
			}

			switch op := rng.Intn(8); {
			case op < 4 || len(held) == 0:
				f, err := m.Allocator.AllocFrame(c)
				if err == pmm.ErrOutOfMemory {
					continue
				}
				held = append(held, f)
			case op == 4:
				f := held[rng.Intn(len(held))]
				m.Allocator.RetainFrame(c, f)
				held = append(held, f)
			default:
				i := rng.Intn(len(held))
				m.Allocator.FreeFrame(c, held[i])
				held[i] = held[len(held)-1]
				held = held[:len(held)-1]
			}
		}

		return nil
	})
	if err != nil {
		return err
	}

	if leaked := m.Allocator.Stats().AllocatedFrames; leaked != 0 {
		return fmt.Errorf("%d frames still allocated after all owners released them", leaked)
	}
	return nil
}

// forkScenario shares a small address space between a parent and a child
// and checks that writes on either side stay private.
func forkScenario(m *kmain.Machine) error {
	const pages = 4

	var (
		parentCore = m.Cores[0]
		childCore  = m.Cores[len(m.Cores)-1]
		baseline   = m.Allocator.Stats().AllocatedFrames
		flags      = vmm.FlagRead | vmm.FlagRW | vmm.FlagUser
	)

	parent, kerr := m.VMM.NewPageDirectoryTable(parentCore)
	if kerr != nil {
		return kerr
	}
	defer parent.Destroy(parentCore)

	for i := uintptr(0); i < pages; i++ {
		frame, kerr := m.Allocator.AllocFrame(parentCore)
		if kerr != nil {
			return kerr
		}
		va := i * mm.PageSize
		if kerr = parent.Map(parentCore, va, mm.PageSize, frame, flags); kerr != nil {
			m.Allocator.FreeFrame(parentCore, frame)
			return kerr
		}
		if kerr = parent.Write(parentCore, va, []byte(fmt.Sprintf("parent page %d", i))); kerr != nil {
			return kerr
		}
	}

	child, kerr := m.VMM.NewPageDirectoryTable(parentCore)
	if kerr != nil {
		return kerr
	}
	defer child.Destroy(childCore)

	if kerr = parent.Fork(parentCore, child); kerr != nil {
		return kerr
	}

	if kerr = child.Write(childCore, 0, []byte("child page 0")); kerr != nil {
		return kerr
	}

	for _, check := range []struct {
		pdt  *vmm.PageDirectoryTable
		core *cpu.Core
		va   uintptr
		exp  string
	}{
		{parent, parentCore, 0, "parent page 0"},
		{child, childCore, 0, "child page 0"},
		{child, childCore, mm.PageSize, "parent page 1"},
	} {
		got, kerr := check.pdt.Read(check.core, check.va, len(check.exp))
		if kerr != nil {
			return kerr
		}
		if string(got) != check.exp {
			return fmt.Errorf("read %q at 0x%x; expected %q", got, check.va, check.exp)
		}
	}

	// parent, child: root and two tables each; parent: one frame per page;
	// child: one private copy
	if exp, got := baseline+2*3+pages+1, m.Allocator.Stats().AllocatedFrames; got != exp {
		return fmt.Errorf("expected %d allocated frames after the child write; got %d", exp, got)
	}

	return nil
}

func printStats(w io.Writer, st pmm.Stats) {
	kfmt.Fprintf(w, "frames: %d total, %d allocated\n", st.TotalFrames, st.AllocatedFrames)
	kfmt.Fprintf(w, "steals: %d, failed allocations: %d\n", st.Steals, st.AllocFailures)
	for id, free := range st.FreeFrames {
		kfmt.Fprintf(w, "cpu%d: %d free frames\n", id, free)
	}
}

// serveMetrics exposes the allocator metrics until ctx is canceled.
func serveMetrics(ctx context.Context, w io.Writer, addr string, alloc *pmm.Allocator) error {
	registry := prometheus.NewRegistry()
	if err := registry.Register(pmm.NewCollector(alloc)); err != nil {
		return errors.Wrap(err, "cannot register allocator metrics")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	kfmt.Fprintf(w, "serving metrics on %s/metrics\n", addr)

	select {
	case err := <-errCh:
		return errors.Wrap(err, "metrics server")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		exit(err)
	}
}
