// Package pmm manages allocation of physical memory frames for the rest of
// the kernel. A replay-only boot allocator bootstraps a bitmap allocator,
// which becomes the permanent frame source for the lifetime of the kernel.
package pmm

import (
	"reflect"
	"unsafe"

	"ringcore/kernel"
	"ringcore/kernel/biosinfo"
	"ringcore/kernel/kfmt"
	"ringcore/kernel/list"
	"ringcore/kernel/mem"
	"ringcore/kernel/mem/vmm"
)

var (
	// the following are used by tests to mock calls to the vmm package and
	// are automatically inlined by the compiler.
	reserveRegionFn = vmm.EarlyReserveRegion
	mapFn           = vmm.Map

	errOutOfMemory = &kernel.Error{Module: "pmm", Message: "no free frames available"}
	errBadRelease  = &kernel.Error{Module: "pmm", Message: "frame was not allocated by this allocator"}

	// FrameAllocator is the BitmapAllocator instance that serves as the
	// primary allocator for reserving pages once the kernel has booted.
	FrameAllocator BitmapAllocator

	bootAlloc bootAllocator
)

type markAs bool

const (
	markReserved markAs = false
	markFree            = true
)

// pool tracks free/reserved frames for one BIOS-reported usable memory
// region starting at or above 1 MiB via a bitmap: bit i set means frame (startFrame + i) is reserved.
type pool struct {
	startFrame mem.Frame
	endFrame   mem.Frame
	freeCount  uint32

	freeBitmap    []uint64
	freeBitmapHdr reflect.SliceHeader
}

// frameRecord associates an allocated frame with the pool it came from, so
// ReleaseFrame can locate the owning pool without storing extra bookkeeping
// in the bitmap itself. Records are only created once the kernel heap (and
// therefore kernel/list's node allocator) is available; frames handed out
// by the boot allocator are reserved directly in the bitmap and never get a
// record — releasing them is unsupported, matching the bootstrap nature of
// that allocator.
type frameRecord struct {
	frame     mem.Frame
	poolIndex int
}

// BitmapAllocator implements a physical frame allocator that tracks
// reservations across the available memory pools using per-pool bitmaps.
type BitmapAllocator struct {
	totalPages    uint32
	reservedPages uint32

	pools    []pool
	poolsHdr reflect.SliceHeader

	tracked *list.List[frameRecord]
}

// Init brings up the replay-only boot allocator and registers it as the
// kernel's frame source. The bitmap allocator cannot be built yet at this
// point: its pool storage is laid out with vmm.Map, which needs a page
// -table tree that vmm.Init has not built when Init runs. Kmain calls
// SwitchToBitmapAllocator once vmm (and the kernel heap) are up.
func Init(kernelSizeBytes uintptr) *kernel.Error {
	bootAlloc.init(kernelSizeBytes)
	bootAlloc.printMemoryMap()

	mem.SetFrameAllocator(bootFrameAlloc)
	mem.SetFrameReleaser(bootFrameRelease)
	return nil
}

// SwitchToBitmapAllocator builds the permanent bitmap allocator — replaying
// the boot allocator's allocations into its bitmaps so they stay reserved —
// and switches every subsequent frame allocation over to it. Must run after
// vmm.Init (pool storage is mapped through the live page-table tree) and
// after heap.Init (the frame-tracking ledger allocates its nodes there).
func SwitchToBitmapAllocator() *kernel.Error {
	if err := FrameAllocator.init(); err != nil {
		return err
	}

	mem.SetFrameAllocator(bitmapFrameAlloc)
	mem.SetFrameReleaser(bitmapFrameRelease)
	return nil
}

func bootFrameAlloc() (mem.Frame, *kernel.Error)   { return bootAlloc.AllocFrame() }
func bootFrameRelease(mem.Frame) *kernel.Error     { return errBadRelease }
func bitmapFrameAlloc() (mem.Frame, *kernel.Error) { return FrameAllocator.AllocFrame() }
func bitmapFrameRelease(f mem.Frame) *kernel.Error { return FrameAllocator.ReleaseFrame(f) }

// init allocates space for the allocator structures using the boot
// allocator and flags already-used pages as reserved.
func (alloc *BitmapAllocator) init() *kernel.Error {
	if err := alloc.setupPoolBitmaps(); err != nil {
		return err
	}

	alloc.reserveKernelFrames()
	alloc.reserveBootAllocatorFrames()
	alloc.tracked = list.NewOffHeap[frameRecord]()
	alloc.printStats()
	return nil
}

func (alloc *BitmapAllocator) setupPoolBitmaps() *kernel.Error {
	var (
		err                 *kernel.Error
		sizeofPool          = unsafe.Sizeof(pool{})
		pageSizeMinus1      = uint64(mem.PageSize - 1)
		requiredBitmapBytes mem.Size
	)

	biosinfo.VisitMemRegions(func(region *biosinfo.MemoryMapEntry) bool {
		if region.Type != biosinfo.MemAvailable || region.Start < 0x100000 || region.Size < uint64(mem.PageSize) {
			return true
		}

		alloc.poolsHdr.Len++
		alloc.poolsHdr.Cap++

		regionStartFrame := mem.Frame(((region.Start + pageSizeMinus1) &^ pageSizeMinus1) >> mem.PageShift)
		regionEndFrame := mem.Frame(((region.Start+region.Size)&^pageSizeMinus1)>>mem.PageShift) - 1
		pageCount := uint32(regionEndFrame - regionStartFrame)
		alloc.totalPages += pageCount

		requiredBitmapBytes += mem.Size(((pageCount + 63) &^ 63) >> 3)
		return true
	})

	requiredBytes := mem.Size(((uint64(uintptr(alloc.poolsHdr.Len)*sizeofPool) + uint64(requiredBitmapBytes)) + pageSizeMinus1) &^ pageSizeMinus1)
	requiredPages := requiredBytes >> mem.PageShift

	alloc.poolsHdr.Data, err = reserveRegionFn(uintptr(requiredBytes))
	if err != nil {
		return err
	}

	for page, index := vmm.PageFromAddress(alloc.poolsHdr.Data), mem.Size(0); index < requiredPages; page, index = page+1, index+1 {
		nextFrame, err := bootAlloc.AllocFrame()
		if err != nil {
			return err
		}

		if err = mapFn(page, nextFrame, vmm.FlagPresent|vmm.FlagRW|vmm.FlagNoExecute); err != nil {
			return err
		}

		mem.Memset(page.Address(), 0, mem.PageSize)
	}

	alloc.pools = *(*[]pool)(unsafe.Pointer(&alloc.poolsHdr))

	bitmapStartAddr := alloc.poolsHdr.Data + uintptr(alloc.poolsHdr.Len)*sizeofPool
	poolIndex := 0
	biosinfo.VisitMemRegions(func(region *biosinfo.MemoryMapEntry) bool {
		if region.Type != biosinfo.MemAvailable || region.Start < 0x100000 || region.Size < uint64(mem.PageSize) {
			return true
		}

		regionStartFrame := mem.Frame(((region.Start + pageSizeMinus1) &^ pageSizeMinus1) >> mem.PageShift)
		regionEndFrame := mem.Frame(((region.Start+region.Size)&^pageSizeMinus1)>>mem.PageShift) - 1
		bitmapBytes := uintptr((((regionEndFrame - regionStartFrame) + 63) &^ 63) >> 3)

		alloc.pools[poolIndex].startFrame = regionStartFrame
		alloc.pools[poolIndex].endFrame = regionEndFrame
		alloc.pools[poolIndex].freeCount = uint32(regionEndFrame - regionStartFrame + 1)
		alloc.pools[poolIndex].freeBitmapHdr.Len = int(bitmapBytes >> 3)
		alloc.pools[poolIndex].freeBitmapHdr.Cap = alloc.pools[poolIndex].freeBitmapHdr.Len
		alloc.pools[poolIndex].freeBitmapHdr.Data = bitmapStartAddr
		alloc.pools[poolIndex].freeBitmap = *(*[]uint64)(unsafe.Pointer(&alloc.pools[poolIndex].freeBitmapHdr))

		bitmapStartAddr += bitmapBytes
		poolIndex++
		return true
	})

	return nil
}

func (alloc *BitmapAllocator) markFrame(poolIndex int, frame mem.Frame, flag markAs) {
	if poolIndex < 0 || frame > alloc.pools[poolIndex].endFrame {
		return
	}

	relFrame := frame - alloc.pools[poolIndex].startFrame
	block := relFrame >> 6
	mask := uint64(1 << (63 - (relFrame - block<<6)))
	switch flag {
	case markFree:
		alloc.pools[poolIndex].freeBitmap[block] &^= mask
		alloc.pools[poolIndex].freeCount++
		alloc.reservedPages--
	case markReserved:
		alloc.pools[poolIndex].freeBitmap[block] |= mask
		alloc.pools[poolIndex].freeCount--
		alloc.reservedPages++
	}
}

func (alloc *BitmapAllocator) poolForFrame(frame mem.Frame) int {
	for poolIndex := range alloc.pools {
		if frame >= alloc.pools[poolIndex].startFrame && frame <= alloc.pools[poolIndex].endFrame {
			return poolIndex
		}
	}

	return -1
}

func (alloc *BitmapAllocator) reserveKernelFrames() {
	poolIndex := alloc.poolForFrame(bootAlloc.kernelStartFrame)
	for frame := bootAlloc.kernelStartFrame; frame <= bootAlloc.kernelEndFrame; frame++ {
		alloc.markFrame(poolIndex, frame, markReserved)
	}
}

// reserveBootAllocatorFrames decomissions the boot allocator by flagging
// every frame it already handed out as reserved. The boot allocator only
// tracks a replay counter, not individual frames, so we reset its state and
// replay the same sequence of allocations to recover the frame numbers.
func (alloc *BitmapAllocator) reserveBootAllocatorFrames() {
	allocCount := bootAlloc.allocCount
	bootAlloc.allocCount, bootAlloc.lastAllocFrame = 0, mem.InvalidFrame
	for i := uint64(0); i < allocCount; i++ {
		frame, _ := bootAlloc.AllocFrame()
		alloc.markFrame(alloc.poolForFrame(frame), frame, markReserved)
	}
}

func (alloc *BitmapAllocator) printStats() {
	kfmt.Printf(
		"[pmm] page stats: free: %d/%d (%d reserved)\n",
		alloc.totalPages-alloc.reservedPages,
		alloc.totalPages,
		alloc.reservedPages,
	)
}

// AllocFrame reserves and returns the next available physical frame.
func (alloc *BitmapAllocator) AllocFrame() (mem.Frame, *kernel.Error) {
	for poolIndex := range alloc.pools {
		p := &alloc.pools[poolIndex]
		if p.freeCount == 0 {
			continue
		}

		for block, word := range p.freeBitmap {
			if word == ^uint64(0) {
				continue
			}

			bit := 0
			for ; bit < 64; bit++ {
				if word&(1<<(63-uint(bit))) == 0 {
					break
				}
			}

			frame := p.startFrame + mem.Frame(block<<6+bit)
			alloc.markFrame(poolIndex, frame, markReserved)

			if alloc.tracked != nil {
				alloc.tracked.PushBack(uint64(frame), frameRecord{frame: frame, poolIndex: poolIndex})
			}

			return frame, nil
		}
	}

	return mem.InvalidFrame, errOutOfMemory
}

// ReleaseFrame returns frame to the pool it was allocated from.
func (alloc *BitmapAllocator) ReleaseFrame(frame mem.Frame) *kernel.Error {
	if alloc.tracked == nil {
		return errBadRelease
	}

	rec, ok := alloc.tracked.Remove(uint64(frame))
	if !ok {
		return errBadRelease
	}

	alloc.markFrame(rec.poolIndex, frame, markFree)
	return nil
}
