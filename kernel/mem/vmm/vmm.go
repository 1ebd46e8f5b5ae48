// Package vmm implements the kernel's four-level paging manager: it builds
// and mutates the page-table tree via a fixed recursive self-mapping,
// services page faults by materializing frames on demand, and exposes the
// handful of mapping primitives (Map, Unmap, MapRegion, IdentityMapRegion,
// MapTemporary, CloneAddressSpace) every other memory-aware subsystem is
// built on.
package vmm

import (
	"unsafe"

	"ringcore/kernel"
	"ringcore/kernel/cpu"
	"ringcore/kernel/mem"
)

var (
	// the following are mocked by tests and automatically inlined by the
	// compiler when building the kernel.
	readCR2Fn       = cpu.ReadCR2
	activePDTFn     = cpu.ActivePDT
	switchPDTFn     = cpu.SwitchPDT
	flushTLBEntryFn = cpu.FlushTLBEntry
	mapFn           = Map
	mapTemporaryFn  = MapTemporary
	unmapFn         = Unmap

	// nextAddrFn is used by tests to override the nextTableAddr
	// calculation in Map, which dereferences a recursive-mapping address
	// that only exists on real hardware.
	nextAddrFn = func(entryAddr uintptr) uintptr {
		return entryAddr
	}

	errUnrecoverableFault = &kernel.Error{Module: "vmm", Message: "page/gpf fault"}

	// ErrInvalidMapping is returned when looking up a virtual address
	// that has no present mapping.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	errNoHugePageSupport           = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
	errAttemptToRWMapReservedFrame = &kernel.Error{Module: "vmm", Message: "reserved blank frame cannot be mapped with a RW flag"}

	// ReservedZeroedFrame is a single zero-cleared frame allocated during
	// Init. Mapping it read-only with FlagCopyOnWrite lets a caller
	// reserve virtual address space (e.g. a lazily-grown user stack or
	// heap region) without consuming physical memory until the first
	// write fault actually needs a distinct backing frame.
	ReservedZeroedFrame mem.Frame

	// protectReservedZeroedPage is flipped on once ReservedZeroedFrame
	// exists, so an accidental RW mapping request is rejected instead of
	// silently letting every CoW page share one mutable frame.
	protectReservedZeroedPage bool
)

// Page is a virtual memory page index, re-exported from kernel/mem so
// callers working purely in terms of paging do not also need to import mem.
type Page = mem.Page

// PageFromAddress returns the Page containing the given virtual address.
func PageFromAddress(virtAddr uintptr) Page { return mem.PageFromAddress(virtAddr) }

// PageTableEntryFlag describes a flag (or a set of OR'd flags) applied to a
// page table entry.
type PageTableEntryFlag uintptr

// pageTableEntry is one 64-bit word at any of the four page-table levels.
type pageTableEntry uintptr

// HasFlags returns true if every flag in flags is set on this entry.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) == uintptr(flags)
}

// HasAnyFlag returns true if at least one flag in flags is set.
func (pte pageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) != 0
}

// SetFlags ORs flags into this entry.
func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = pageTableEntry(uintptr(*pte) | uintptr(flags))
}

// ClearFlags clears flags from this entry.
func (pte *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = pageTableEntry(uintptr(*pte) &^ uintptr(flags))
}

// Frame returns the physical frame this entry points to.
func (pte pageTableEntry) Frame() mem.Frame {
	return mem.Frame((uintptr(pte) & ptePhysPageMask) >> mem.PageShift)
}

// SetFrame updates the entry to point at frame, leaving its flags intact.
func (pte *pageTableEntry) SetFrame(frame mem.Frame) {
	*pte = pageTableEntry((uintptr(*pte) &^ ptePhysPageMask) | frame.Address())
}

// Init establishes the kernel's initial address space: the first 2 MiB of
// physical memory identity-mapped and mirrored at the higher-half base, the
// PML4's recursive self-reference at entry 511, and the page/GPF exception
// handlers that make the rest of the kernel's on-demand paging work.
func Init() *kernel.Error {
	if err := bootstrapAddressSpace(); err != nil {
		return err
	}

	installFaultHandlers()

	return reserveZeroedFrame()
}

// bootstrapAddressSpace allocates the seven frames needed for the
// identity and higher-half subtrees (PML4 + one PDP/PD/PT each), zeroes
// them, wires entries 0 and 256 of the PML4 to those subtrees, plants the
// recursive self-reference at entry 511, and maps the first 2 MiB of
// physical memory into both the identity and higher-half windows.
func bootstrapAddressSpace() *kernel.Error {
	pml4Frame, err := mem.AllocFrame()
	if err != nil {
		return err
	}

	// Before any recursive-mapping trick is usable we need to reach the
	// freshly allocated PML4 frame directly; CR3 has not been loaded with
	// it yet, so it is addressed through the identity-mapped low memory
	// the bootstrap chain already set up (the boot contract guarantees
	// the first 2 MiB are identity-mapped before Kmain runs).
	pml4 := (*[512]pageTableEntry)(unsafe.Pointer(pml4Frame.Address()))
	mem.Memset(pml4Frame.Address(), 0, mem.PageSize)

	identityPDP, err := bootstrapSubtree(pml4, 0)
	if err != nil {
		return err
	}

	higherHalfPDP, err := bootstrapSubtree(pml4, 256)
	if err != nil {
		return err
	}

	pml4[511] = 0
	pml4[511].SetFlags(FlagPresent | FlagRW)
	pml4[511].SetFrame(pml4Frame)

	if err := identityMapLow2MiB(identityPDP); err != nil {
		return err
	}
	if err := identityMapLow2MiB(higherHalfPDP); err != nil {
		return err
	}

	switchPDTFn(pml4Frame.Address())
	return nil
}

// bootstrapSubtree allocates a PDP -> PD -> PT chain, zeroes every table,
// wires pml4[pml4Index] to the new PDP and returns the PDP's entries so the
// caller can install the leaf mapping.
func bootstrapSubtree(pml4 *[512]pageTableEntry, pml4Index int) (*[512]pageTableEntry, *kernel.Error) {
	pdpFrame, err := mem.AllocFrame()
	if err != nil {
		return nil, err
	}
	pdFrame, err := mem.AllocFrame()
	if err != nil {
		return nil, err
	}
	ptFrame, err := mem.AllocFrame()
	if err != nil {
		return nil, err
	}

	mem.Memset(pdpFrame.Address(), 0, mem.PageSize)
	mem.Memset(pdFrame.Address(), 0, mem.PageSize)
	mem.Memset(ptFrame.Address(), 0, mem.PageSize)

	pdp := (*[512]pageTableEntry)(unsafe.Pointer(pdpFrame.Address()))
	pd := (*[512]pageTableEntry)(unsafe.Pointer(pdFrame.Address()))
	pt := (*[512]pageTableEntry)(unsafe.Pointer(ptFrame.Address()))

	pml4[pml4Index] = 0
	pml4[pml4Index].SetFlags(FlagPresent | FlagRW | FlagUserAccessible)
	pml4[pml4Index].SetFrame(pdpFrame)

	pdp[0] = 0
	pdp[0].SetFlags(FlagPresent | FlagRW | FlagUserAccessible)
	pdp[0].SetFrame(pdFrame)

	pd[0] = 0
	pd[0].SetFlags(FlagPresent | FlagRW | FlagUserAccessible)
	pd[0].SetFrame(ptFrame)

	_ = pt
	return pdp, nil
}

// identityMapLow2MiB fills the leaf page table reachable from pdp[0][0]
// with entries 0..511, each mapping frame N to the Nth page in the 2 MiB
// window. The kernel deliberately maps identity and higher-half
// user-readable so ring-3 code can share them; individual pages may be
// demoted later.
func identityMapLow2MiB(pdp *[512]pageTableEntry) *kernel.Error {
	pd := (*[512]pageTableEntry)(unsafe.Pointer(pdp[0].Frame().Address()))
	pt := (*[512]pageTableEntry)(unsafe.Pointer(pd[0].Frame().Address()))

	for i := 0; i < 512; i++ {
		pt[i] = 0
		pt[i].SetFlags(FlagPresent | FlagRW | FlagUserAccessible)
		pt[i].SetFrame(mem.Frame(i))
	}

	return nil
}

// reserveZeroedFrame reserves ReservedZeroedFrame for use with
// FlagCopyOnWrite lazy-allocation mappings.
func reserveZeroedFrame() *kernel.Error {
	var (
		err      *kernel.Error
		tempPage Page
	)

	if ReservedZeroedFrame, err = mem.AllocFrame(); err != nil {
		return err
	} else if tempPage, err = mapTemporaryFn(ReservedZeroedFrame); err != nil {
		return err
	}
	mem.Memset(tempPage.Address(), 0, mem.PageSize)
	_ = unmapFn(tempPage)

	protectReservedZeroedPage = true
	return nil
}

// Map establishes a mapping between a virtual page and a physical frame
// using the currently active PML4. Missing intermediate tables are
// allocated and zeroed as needed. Attempts to map ReservedZeroedFrame with
// FlagRW are rejected.
func Map(page Page, frame mem.Frame, flags PageTableEntryFlag) *kernel.Error {
	if protectReservedZeroedPage && frame == ReservedZeroedFrame && (flags&FlagRW) != 0 {
		return errAttemptToRWMapReservedFrame
	}

	var err *kernel.Error

	walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		if pteLevel == pageLevels-1 {
			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(flags)
			flushTLBEntryFn(page.Address())
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		if !pte.HasFlags(FlagPresent) {
			var newTableFrame mem.Frame
			newTableFrame, err = mem.AllocFrame()
			if err != nil {
				return false
			}

			*pte = 0
			pte.SetFrame(newTableFrame)
			pte.SetFlags(FlagPresent | FlagRW | FlagUserAccessible)

			nextTableAddr := uintptr(unsafe.Pointer(pte)) << pageLevelBits[pteLevel+1]
			mem.Memset(nextAddrFn(nextTableAddr), 0, mem.PageSize)
		}

		return true
	})

	return err
}

// MapRegion reserves the next available block of virtual address space big
// enough for size bytes (rounded up to a page), maps it to the physical
// region starting at frame, and returns the Page the region begins at.
func MapRegion(frame mem.Frame, size uintptr, flags PageTableEntryFlag) (Page, *kernel.Error) {
	size = (size + (uintptr(mem.PageSize) - 1)) &^ (uintptr(mem.PageSize) - 1)
	startAddr, err := EarlyReserveRegion(size)
	if err != nil {
		return 0, err
	}

	pageCount := size >> mem.PageShift
	for page := PageFromAddress(startAddr); pageCount > 0; pageCount, page, frame = pageCount-1, page+1, frame+1 {
		if err := mapFn(page, frame, flags); err != nil {
			return 0, err
		}
	}

	return PageFromAddress(startAddr), nil
}

// IdentityMapRegion maps size bytes (rounded up to a page) starting at
// startFrame to the virtual address numerically equal to startFrame.
func IdentityMapRegion(startFrame mem.Frame, size uintptr, flags PageTableEntryFlag) (Page, *kernel.Error) {
	startPage := Page(startFrame)
	pageCount := Page(((size + (uintptr(mem.PageSize) - 1)) &^ (uintptr(mem.PageSize) - 1)) >> mem.PageShift)

	for page := startPage; page < startPage+pageCount; page++ {
		if err := mapFn(page, mem.Frame(page), flags); err != nil {
			return 0, err
		}
	}

	return startPage, nil
}

// MapTemporary establishes a RW mapping of frame at a single fixed scratch
// virtual address, overwriting whatever was mapped there previously. Used
// to reach an inactive page table's contents (e.g. while cloning an
// address space).
func MapTemporary(frame mem.Frame) (Page, *kernel.Error) {
	if protectReservedZeroedPage && frame == ReservedZeroedFrame {
		return 0, errAttemptToRWMapReservedFrame
	}

	if err := Map(PageFromAddress(tempMappingAddr), frame, FlagPresent|FlagRW); err != nil {
		return 0, err
	}

	return PageFromAddress(tempMappingAddr), nil
}

// Unmap clears the leaf PTE for page and flushes its TLB entry. Intermediate
// tables are never freed — an accepted simplification for a kernel with no
// address-space defragmentation.
func Unmap(page Page) *kernel.Error {
	var err *kernel.Error

	walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		if pteLevel == pageLevels-1 {
			pte.ClearFlags(FlagPresent)
			flushTLBEntryFn(page.Address())
			return true
		}

		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		return true
	})

	return err
}

// Translate returns the physical address that virtAddr currently maps to,
// or ErrInvalidMapping if it is unmapped.
func Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	pte, err := pteForAddress(virtAddr)
	if err != nil {
		return 0, err
	}

	return pte.Frame().Address() + PageOffset(virtAddr), nil
}

// PageOffset returns the offset of virtAddr within its containing page.
func PageOffset(virtAddr uintptr) uintptr {
	return virtAddr & ((1 << pageLevelShifts[pageLevels-1]) - 1)
}

// CloneAddressSpace allocates a new PML4 frame, copies the active PML4's
// 512 entries into it via a temporary mapping, and rewrites only entry 511
// so the clone recurses onto itself rather than the original. All
// lower-level tables remain shared between the two address spaces — this
// kernel has no per-task paging beyond the user-region differences spawned
// tasks install on top. Returns the new PML4's physical frame, ready to be
// loaded into CR3.
func CloneAddressSpace() (mem.Frame, *kernel.Error) {
	newFrame, err := mem.AllocFrame()
	if err != nil {
		return mem.InvalidFrame, err
	}

	scratch, err := mapTemporaryFn(newFrame)
	if err != nil {
		return mem.InvalidFrame, err
	}

	activePML4 := (*[512]pageTableEntry)(ptePtrFn(pdtVirtualAddr))
	clone := (*[512]pageTableEntry)(unsafe.Pointer(scratch.Address()))
	*clone = *activePML4

	clone[511] = 0
	clone[511].SetFlags(FlagPresent | FlagRW)
	clone[511].SetFrame(newFrame)

	if err := unmapFn(scratch); err != nil {
		return mem.InvalidFrame, err
	}

	return newFrame, nil
}

// pteForAddress walks the page tables down to the leaf entry for virtAddr,
// failing with ErrInvalidMapping as soon as an intermediate entry is not
// present.
func pteForAddress(virtAddr uintptr) (*pageTableEntry, *kernel.Error) {
	var (
		err   *kernel.Error
		entry *pageTableEntry
	)

	walk(virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			entry = nil
			err = ErrInvalidMapping
			return false
		}

		entry = pte
		return true
	})

	return entry, err
}

var (
	// ptePtrFn returns a pointer to the supplied entry address; overridden
	// by tests so walk() can be exercised without touching real page
	// tables. Inlined away by the compiler in the kernel build.
	ptePtrFn = func(entryAddr uintptr) unsafe.Pointer {
		return unsafe.Pointer(entryAddr)
	}
)

// pageTableWalker is invoked by walk with the current page level and the
// entry that corresponds to it. If it returns false the walk stops.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// walk performs a page-table walk for virtAddr entirely through the
// recursive self-mapping: it starts at pdtVirtualAddr (which dereferences
// to the active PML4 thanks to entry 511) and, at each level, shifts the
// just-computed entry address left by the next level's index-bit count to
// obtain the virtual address of the table that entry points to. This is
// the general form of the four explicit pml4Of/pdpOf/pdOf/ptOf formulas.
func walk(virtAddr uintptr, walkFn pageTableWalker) {
	var (
		level                            uint8
		tableAddr, entryAddr, entryIndex uintptr
	)

	for level, tableAddr = 0, pdtVirtualAddr; level < pageLevels; level, tableAddr = level+1, entryAddr {
		entryIndex = (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
		entryAddr = tableAddr + (entryIndex << mem.PointerShift)

		if !walkFn(level, (*pageTableEntry)(ptePtrFn(entryAddr))) {
			return
		}

		entryAddr <<= pageLevelBits[level]
	}
}
