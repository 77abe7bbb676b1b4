package mm

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uint64)). Page table
	// entries are (1 << PointerShift) bytes wide.
	PointerShift = uintptr(3)

	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)
)

// The memory layout of the simulated machine follows qemu -machine virt:
// RAM starts at KernBase, the kernel image occupies [KernBase, kernel end)
// and the range [kernel end, PhysTop) is handed to the page allocator.
const (
	// KernBase is the physical address where RAM starts.
	KernBase = uintptr(0x80000000)

	// PhysTop is the default end of usable RAM.
	PhysTop = KernBase + 128*uintptr(Mb)

	// MaxVA is one past the highest virtual address supported by the
	// three-level page tables.
	MaxVA = uintptr(1) << (9 + 9 + 9 + 12 - 1)
)

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes.
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
)

// PageRoundUp rounds addr up to the nearest page boundary.
func PageRoundUp(addr uintptr) uintptr {
	return (addr + PageSize - 1) &^ (PageSize - 1)
}

// PageRoundDown rounds addr down to the nearest page boundary.
func PageRoundDown(addr uintptr) uintptr {
	return addr &^ (PageSize - 1)
}
