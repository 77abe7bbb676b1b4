// Package bootcfg describes the machine that the kernel boots on: the number
// of cores and the physical memory range handed to the page allocator.
package bootcfg

import (
	"fmt"
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"sigs.k8s.io/yaml"

	"cowmm/kernel/mm"
)

const (
	// MaxCores is the largest number of cores a machine can have.
	MaxCores = 64

	// MaxMemory is the largest amount of RAM a simulated machine can have.
	MaxMemory = 1 * mm.Gb
)

// Config holds the boot parameters of a machine.
type Config struct {
	// Cores is the number of cores; each core owns a free list.
	Cores int `json:"cores"`

	// KernelEnd is the first physical address after the kernel image. The
	// frames in [KernelEnd, PhysTop) are managed by the page allocator.
	KernelEnd uint64 `json:"kernelEnd"`

	// PhysTop is one past the last physical address of RAM.
	PhysTop uint64 `json:"physTop"`

	// SpinsBeforeYield tunes the allocator spinlocks; zero selects the
	// default.
	SpinsBeforeYield uint32 `json:"spinsBeforeYield,omitempty"`

	// DistributeFrames spreads the free frames over all cores at boot
	// instead of placing them on the free list of the boot core.
	DistributeFrames bool `json:"distributeFrames,omitempty"`
}

// Default returns the configuration of the reference machine: 8 cores and
// 128 MiB of RAM starting at mm.KernBase, the first 2 MiB of which hold the
// kernel image.
func Default() *Config {
	return &Config{
		Cores:     8,
		KernelEnd: uint64(mm.KernBase + 2*uintptr(mm.Mb)),
		PhysTop:   uint64(mm.PhysTop),
	}
}

// Validate checks the configuration and reports every problem it finds.
func (cfg *Config) Validate() error {
	var result *multierror.Error

	if cfg.Cores < 1 || cfg.Cores > MaxCores {
		result = multierror.Append(result, fmt.Errorf("cores: %d not in [1, %d]", cfg.Cores, MaxCores))
	}

	if cfg.KernelEnd < uint64(mm.KernBase) {
		result = multierror.Append(result, fmt.Errorf("kernelEnd: 0x%x is below the start of RAM 0x%x", cfg.KernelEnd, mm.KernBase))
	}

	if cfg.PhysTop&uint64(mm.PageSize-1) != 0 {
		result = multierror.Append(result, fmt.Errorf("physTop: 0x%x is not page aligned", cfg.PhysTop))
	}

	if cfg.PhysTop > uint64(mm.KernBase) && mm.Size(cfg.PhysTop-uint64(mm.KernBase)) > MaxMemory {
		result = multierror.Append(result, fmt.Errorf("physTop: RAM larger than %d Mb", MaxMemory/mm.Mb))
	}

	if start := uint64(mm.PageRoundUp(uintptr(cfg.KernelEnd))); cfg.PhysTop <= start {
		result = multierror.Append(result, fmt.Errorf("physTop: 0x%x leaves no frames after kernelEnd 0x%x", cfg.PhysTop, cfg.KernelEnd))
	}

	return result.ErrorOrNil()
}

// ManagedRange returns the physical range handed to the page allocator.
func (cfg *Config) ManagedRange() (start, end uintptr) {
	return mm.PageRoundUp(uintptr(cfg.KernelEnd)), mm.PageRoundDown(uintptr(cfg.PhysTop))
}

// Parse decodes a YAML document on top of the default configuration and
// validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, errors.Wrap(err, "cannot parse boot configuration")
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid boot configuration")
	}

	return cfg, nil
}

// Load reads the YAML boot configuration stored at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read boot configuration %q", path)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, errors.WithMessage(err, path)
	}

	return cfg, nil
}
