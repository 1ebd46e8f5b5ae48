// Package heap implements the kernel's own byte-granular allocator: a
// first-fit, header-only design over a single contiguous virtual region
// that grows a page at a time. It exists alongside Go's own runtime
// allocator (see kernel/goruntime) so that code which must run before
// goruntime.Init — most notably kernel/mem/pmm's frame-tracking ledger —
// has somewhere to get memory from that does not depend on mallocinit
// having run.
package heap

import (
	"unsafe"

	"ringcore/kernel/mem"
)

const (
	headerSize = uintptr(4)

	// minSplitBlockSize is the smallest block worth carving out of a
	// larger free block: a header plus one 4-byte-aligned payload unit.
	minSplitBlockSize = headerSize * 2

	inUseBit = uint32(1) << 31
)

var (
	base uintptr
	end  uintptr
)

func readHeader(addr uintptr) uint32 {
	return *(*uint32)(unsafe.Pointer(addr))
}

func writeHeader(addr uintptr, h uint32) {
	*(*uint32)(unsafe.Pointer(addr)) = h
}

func blockSize(h uint32) uintptr { return uintptr(h &^ inUseBit) }
func isUsed(h uint32) bool       { return h&inUseBit != 0 }

func packHeader(size uintptr, used bool) uint32 {
	h := uint32(size)
	if used {
		h |= inUseBit
	}
	return h
}

func align4(n uintptr) uintptr {
	return (n + 3) &^ 3
}

// Init resets the heap to an empty state starting at base, with a single
// size-0 sentinel block marking the end. base must point at a page-aligned,
// writable virtual address; the caller is responsible for making sure pages
// touched beyond it fault in cleanly (kernel/mem/vmm's demand-fill handler
// does this for the fixed kernel heap window).
func Init(heapBase uintptr) {
	base = heapBase
	end = heapBase
	writeHeader(base, packHeader(0, false))
}

// Alloc reserves a block of at least n bytes and returns the address of its
// payload. The heap never fails an allocation outright: if no existing
// block fits, it grows by whole pages (the VMM materializes the underlying
// physical frames via page fault on first write) and retries.
func Alloc(n uintptr) uintptr {
	need := align4(n) + headerSize

	for {
		if addr, ok := firstFit(need); ok {
			return addr
		}
		grow(need)
	}
}

// Free releases the block whose payload starts at addr and coalesces any
// adjacent free blocks produced as a result.
func Free(addr uintptr) {
	headerAddr := addr - headerSize
	h := readHeader(headerAddr)
	writeHeader(headerAddr, packHeader(blockSize(h), false))
	coalesce()
}

func firstFit(need uintptr) (uintptr, bool) {
	for addr := base; ; {
		h := readHeader(addr)
		size := blockSize(h)
		if size == 0 {
			return 0, false
		}

		if !isUsed(h) && size >= need {
			remainder := size - need
			if remainder >= minSplitBlockSize {
				writeHeader(addr, packHeader(need, true))
				writeHeader(addr+need, packHeader(remainder, false))
			} else {
				writeHeader(addr, packHeader(size, true))
			}
			return addr + headerSize, true
		}

		addr += size
	}
}

// grow appends a fresh free block at least minBytes long, rounded up to a
// whole number of pages, followed by a new sentinel.
func grow(minBytes uintptr) {
	pageSize := uintptr(mem.PageSize)

	pages := (minBytes + pageSize - 1) / pageSize
	if pages == 0 {
		pages = 1
	}
	growSize := pages * pageSize

	freeBlockAddr := end
	writeHeader(freeBlockAddr, packHeader(growSize, false))
	end = freeBlockAddr + growSize
	writeHeader(end, packHeader(0, false))

	coalesce()
}

// coalesce merges every pair of adjacent free blocks, scanning from base
// until a full pass makes no further merges.
func coalesce() {
	for {
		merged := false

		for addr := base; ; {
			h := readHeader(addr)
			size := blockSize(h)
			if size == 0 {
				break
			}

			if !isUsed(h) {
				next := addr + size
				nh := readHeader(next)
				nsize := blockSize(nh)
				if nsize != 0 && !isUsed(nh) {
					writeHeader(addr, packHeader(size+nsize, false))
					merged = true
					continue
				}
			}

			addr += size
		}

		if !merged {
			return
		}
	}
}
