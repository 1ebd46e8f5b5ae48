package vmm

import (
	"ringcore/kernel"
	"ringcore/kernel/mem"
)

var (
	// earlyReserveLastUsed tracks the lowest address handed out so far by
	// EarlyReserveRegion; it starts at tempMappingAddr (the end of the
	// kernel's reservable address space) and is decreased on each call.
	earlyReserveLastUsed = tempMappingAddr

	errEarlyReserveNoSpace = &kernel.Error{Module: "vmm", Message: "remaining virtual address space not large enough to satisfy reservation request"}
)

// EarlyReserveRegion reserves a page-aligned contiguous virtual address
// range of the requested size (rounded up to a page) and returns its start
// address. Regions are handed out from the top of the kernel's reservable
// address space downward; callers are expected to establish their own
// mappings (e.g. via Map or MapRegion) over the returned range — this call
// only carves out virtual address space, it does not touch any page table.
func EarlyReserveRegion(size uintptr) (uintptr, *kernel.Error) {
	size = (size + (uintptr(mem.PageSize) - 1)) &^ (uintptr(mem.PageSize) - 1)

	if size > earlyReserveLastUsed {
		return 0, errEarlyReserveNoSpace
	}

	earlyReserveLastUsed -= size
	return earlyReserveLastUsed, nil
}
