package pmm

import (
	"ringcore/kernel"
	"ringcore/kernel/biosinfo"
	"ringcore/kernel/kfmt"
	"ringcore/kernel/mem"
)

// kernelLoadAddr is the fixed physical address the boot chain loads the
// kernel image at; the prior boot stage calls Kmain with the loaded kernel
// size in RDI, having placed the image at 1 MiB.
const kernelLoadAddr = uintptr(0x10_0000)

var (
	errBootAllocOutOfMemory = &kernel.Error{Module: "pmm", Message: "boot allocator: no free frames available"}
)

// bootAllocator is a replay-only physical frame allocator used before the
// kernel heap (and therefore BitmapAllocator's own storage) exists. It
// never frees anything: once BitmapAllocator.init is ready, every frame
// this allocator ever handed out is recovered by resetting the replay
// counter and re-walking the exact same allocation sequence (see
// reserveBootAllocatorFrames), marking each one reserved in the bitmap.
type bootAllocator struct {
	initialized bool

	kernelStartFrame mem.Frame
	kernelEndFrame   mem.Frame

	// allocCount is the total number of successful allocations so far;
	// replaying it from zero reproduces the exact same frame sequence.
	allocCount uint64

	// lastAllocFrame is the frame most recently handed out, or
	// mem.InvalidFrame before the first allocation.
	lastAllocFrame mem.Frame
}

// init records the frame range occupied by the loaded kernel image so the
// first call to AllocFrame skips past it.
func (alloc *bootAllocator) init(kernelSizeBytes uintptr) {
	alloc.initialized = true
	alloc.lastAllocFrame = mem.InvalidFrame
	alloc.allocCount = 0

	alloc.kernelStartFrame = mem.FrameFromAddress(kernelLoadAddr)
	alloc.kernelEndFrame = mem.FrameFromAddress(kernelLoadAddr + kernelSizeBytes - 1)
}

// printMemoryMap logs the BIOS-reported memory regions.
func (alloc *bootAllocator) printMemoryMap() {
	kfmt.Printf("[pmm] system memory map:\n")

	var totalFree mem.Size
	biosinfo.VisitMemRegions(func(region *biosinfo.MemoryMapEntry) bool {
		kfmt.Printf("\t[0x%16x - 0x%16x], size: %10d, type: %d\n", region.Start, region.Start+region.Size, region.Size, region.Type)

		if region.Type == biosinfo.MemAvailable {
			totalFree += mem.Size(region.Size)
		}
		return true
	})

	kfmt.Printf("[pmm] free memory: %dKb\n", uint64(totalFree/mem.Kb))
}

// AllocFrame scans the usable BIOS memory regions starting at or above 1 MiB
// for the next available frame after lastAllocFrame, skipping frames occupied by the kernel image (which is
// always loaded at the start of a usable region, so no region-internal
// reservation bookkeeping is required). It returns errBootAllocOutOfMemory
// once every usable region has been exhausted.
func (alloc *bootAllocator) AllocFrame() (mem.Frame, *kernel.Error) {
	if !alloc.initialized {
		alloc.init(0)
	}

	var found mem.Frame = mem.InvalidFrame

	biosinfo.VisitMemRegions(func(region *biosinfo.MemoryMapEntry) bool {
		if region.Type != biosinfo.MemAvailable || region.Start < 0x100000 {
			return true
		}

		regionStart := mem.FrameFromAddress(uintptr((region.Start + uint64(mem.PageSize) - 1) &^ (uint64(mem.PageSize) - 1)))
		regionEnd := mem.Frame(((region.Start+region.Size)&^(uint64(mem.PageSize)-1))>>mem.PageShift) - 1

		candidate := regionStart
		if alloc.lastAllocFrame != mem.InvalidFrame && alloc.lastAllocFrame+1 > regionStart {
			candidate = alloc.lastAllocFrame + 1
		}

		if candidate < alloc.kernelStartFrame || candidate > alloc.kernelEndFrame {
			if candidate <= regionEnd {
				found = candidate
				return false
			}
			return true
		}

		// Candidate lands inside the kernel image; skip past it.
		candidate = alloc.kernelEndFrame + 1
		if candidate <= regionEnd {
			found = candidate
			return false
		}
		return true
	})

	if found == mem.InvalidFrame {
		return mem.InvalidFrame, errBootAllocOutOfMemory
	}

	alloc.allocCount++
	alloc.lastAllocFrame = found
	return found, nil
}
