package vmm

const (
	// pageLevels is the number of page table levels walked to translate a
	// virtual address.
	pageLevels = 3

	// entriesPerTable is the number of entries in each page table.
	entriesPerTable = 512

	// ptePhysPageMask extracts the physical address of the frame pointed to
	// by a page table entry. Bits 0-11 hold the entry flags.
	ptePhysPageMask = uint64(0x00fffffffffff000)
)

var (
	// pageLevelBits defines the number of virtual address bits that
	// correspond to each page level.
	pageLevelBits = [pageLevels]uint8{
		9,
		9,
		9,
	}

	// pageLevelShifts defines the shift required to access each page table
	// component of a virtual address.
	pageLevelShifts = [pageLevels]uint8{
		30,
		21,
		12,
	}
)

const (
	// FlagValid is set when the entry points to a frame or a table.
	FlagValid PageTableEntryFlag = 1 << iota

	// FlagRead is set if the page can be read.
	FlagRead

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagExec is set if the page contains executable code.
	FlagExec

	// FlagUser is set if user-mode code can access this page.
	FlagUser

	// FlagCopyOnWrite marks a page whose frame is shared with other page
	// tables. This flag and FlagRW are mutually exclusive.
	FlagCopyOnWrite PageTableEntryFlag = 1 << 8
)
