package vmm

import "math"

const (
	// pageLevels is the number of page-table levels on the amd64
	// architecture (PML4, PDP, PD, PT).
	pageLevels = 4

	// ptePhysPageMask extracts the physical frame address (bits 12-51)
	// encoded in a page table entry.
	ptePhysPageMask = uintptr(0x000f_ffff_ffff_f000)

	// tempMappingAddr is a reserved virtual page used for establishing
	// short-lived mappings (e.g. to initialize an inactive page
	// directory). It resolves to table indices 510/511/511/511.
	tempMappingAddr = uintptr(0xffff_ff7f_ffff_f000)

	// identityMapBase and identityMapSize describe the bootstrap identity
	// mapping of the first 2 MiB of physical memory.
	identityMapBase = uintptr(0x0000_0000_0000_0000)
	identityMapSize = uintptr(0x0000_0000_0020_0000)

	// higherHalfBase is the higher-half mirror of the first 2 MiB: the
	// kernel image, stacks, IDT, GDT, TSS and syscall scratch area all
	// live inside this window.
	higherHalfBase = uintptr(0xffff_8000_0000_0000)

	// heapBase is the fixed virtual base of the kernel heap (kernel/heap).
	heapBase = uintptr(0xffff_8000_0050_0000)

	// HeapBase exports heapBase for kernel/heap, which owns the page range
	// starting here.
	HeapBase = heapBase

	// userExecBase is the fixed virtual window a loaded executable's
	// contents are copied into.
	userExecBase = uintptr(0xffff_8000_ffff_0000)

	// userStackBase is the base of the user-mode data/stack region.
	userStackBase = uintptr(0x0000_7000_0000_0000)
)

var (
	// pdtVirtualAddr is the virtual address of the active PML4 table,
	// reached by setting every page-level index in the address to 511 (the
	// recursive entry) so the MMU keeps following the last PML4 entry at
	// every level and lands back on the PML4 itself.
	pdtVirtualAddr = uintptr(math.MaxUint64) &^ 0xfff

	// pageLevelBits is the number of virtual-address bits consumed by
	// each page level; amd64 uses 9 bits (512 entries) per level.
	pageLevelBits = [pageLevels]uint8{9, 9, 9, 9}

	// pageLevelShifts is the bit offset of each page level's index field
	// within a virtual address.
	pageLevelShifts = [pageLevels]uint8{39, 30, 21, 12}
)

// pml4Of, pdpOf, pdOf and ptOf are named, constant-offset wrappers around
// the same recursive-mapping arithmetic walk() performs generically. They
// exist so debug assertions and tests can check the recursive invariant
// (entry 511 of the PML4 maps back onto itself) without re-deriving the
// general form.
func pml4Of() uintptr {
	return uintptr(0xffff_ffff_ffff_f000)
}

func pdpOf(v uintptr) uintptr {
	return uintptr(0xffff_ffff_ffe0_0000) + ((v >> 27) & 0x001f_f000)
}

func pdOf(v uintptr) uintptr {
	return uintptr(0xffff_ffff_c000_0000) + ((v >> 18) & 0x3fff_f000)
}

func ptOf(v uintptr) uintptr {
	return uintptr(0xffff_ff80_0000_0000) + ((v >> 9) & 0x0000_007f_ffff_f000)
}

const (
	// FlagPresent is set when the page is resident in memory.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if ring-3 code may access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when the page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when the page is written to.
	FlagDirty

	// FlagHugePage marks a 2 MiB page instead of a 4 KiB page.
	FlagHugePage

	// FlagGlobal prevents the TLB entry from being flushed on a CR3 reload.
	FlagGlobal

	// FlagCopyOnWrite marks a read-only page that should be copied and
	// made writable on the next write fault. Mutually exclusive with
	// FlagRW.
	FlagCopyOnWrite = 1 << 9

	// FlagNoExecute marks a page as non-executable.
	FlagNoExecute = 1 << 63
)
