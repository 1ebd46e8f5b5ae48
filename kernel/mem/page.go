package mem

import (
	"math"

	"ringcore/kernel"
)

// Frame describes a physical memory page index.
type Frame uintptr

// InvalidFrame is returned by page allocators when they fail to reserve the
// requested frame.
const InvalidFrame = Frame(math.MaxUint64)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f) << PageShift
}

// FrameFromAddress returns the Frame that contains the given physical
// address, rounding down to the nearest page boundary if the address is not
// already page-aligned.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame((physAddr &^ (uintptr(PageSize) - 1)) >> PageShift)
}

// Page describes a virtual memory page index.
type Page uintptr

// Address returns the virtual memory address pointed to by this Page.
func (p Page) Address() uintptr {
	return uintptr(p) << PageShift
}

// PageFromAddress returns the Page that contains the given virtual address,
// rounding down to the nearest page boundary if the address is not already
// page-aligned.
func PageFromAddress(virtAddr uintptr) Page {
	return Page((virtAddr &^ (uintptr(PageSize) - 1)) >> PageShift)
}

// FrameAllocatorFn allocates a single physical frame.
type FrameAllocatorFn func() (Frame, *kernel.Error)

// FrameReleaserFn releases a previously allocated physical frame.
type FrameReleaserFn func(Frame) *kernel.Error

var (
	frameAllocator FrameAllocatorFn
	frameReleaser  FrameReleaserFn
)

// SetFrameAllocator registers the allocator function that vmm will use
// whenever it needs a new physical frame (e.g. to back a page table or to
// satisfy a page fault).
func SetFrameAllocator(allocFn FrameAllocatorFn) { frameAllocator = allocFn }

// SetFrameReleaser registers the function that vmm will use to return a
// physical frame it no longer needs.
func SetFrameReleaser(releaseFn FrameReleaserFn) { frameReleaser = releaseFn }

// AllocFrame allocates a new physical frame using the currently registered
// frame allocator.
func AllocFrame() (Frame, *kernel.Error) { return frameAllocator() }

// ReleaseFrame returns frame to the currently registered frame allocator.
func ReleaseFrame(frame Frame) *kernel.Error { return frameReleaser(frame) }
