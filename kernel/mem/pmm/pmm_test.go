package pmm

import (
	"math"
	"testing"
	"unsafe"

	"ringcore/kernel"
	"ringcore/kernel/biosinfo"
	"ringcore/kernel/list"
	"ringcore/kernel/mem"
	"ringcore/kernel/mem/vmm"
)

func withFakeMemoryMap(t *testing.T, regions []biosinfo.MemoryMapEntry) {
	t.Helper()

	type block struct {
		dateTime        uint64
		memRegionCount  uint32
		maxMemoryKb     uint64
		availableFrames uint32
		memRegionsAddr  uint64
	}

	blk := &block{
		memRegionCount: uint32(len(regions)),
		memRegionsAddr: uint64(uintptr(unsafe.Pointer(&regions[0]))),
	}

	biosinfo.SetInfoBlockAddr(uintptr(unsafe.Pointer(blk)))
	t.Cleanup(func() { biosinfo.SetInfoBlockAddr(0x7c00 - 0x200) })
}

func TestSetupPoolBitmaps(t *testing.T) {
	defer func() {
		mapFn = vmm.Map
		reserveRegionFn = vmm.EarlyReserveRegion
		bootAlloc = bootAllocator{}
	}()

	regions := []biosinfo.MemoryMapEntry{
		{Start: 0x100000, Size: 0x100000, Type: biosinfo.MemAvailable}, // 256 frames
		{Start: 0x400000, Size: 0x010000, Type: biosinfo.MemAvailable}, // 16 frames
		{Start: 0xf00000, Size: 0x001000, Type: biosinfo.MemReserved},  // ignored
	}
	withFakeMemoryMap(t, regions)

	bootAlloc.init(0)

	var alloc BitmapAllocator

	// setupPoolBitmaps zeroes whole pages starting at the reserved address,
	// so the fake region must be page-aligned for the writes to stay inside
	// the backing slice.
	storage := make([]byte, 3*mem.PageSize)
	for i := range storage {
		storage[i] = 0xaa
	}
	storageAddr := (uintptr(unsafe.Pointer(&storage[0])) + uintptr(mem.PageSize) - 1) &^ (uintptr(mem.PageSize) - 1)

	mapCallCount := 0
	mapFn = func(page vmm.Page, frame mem.Frame, flags vmm.PageTableEntryFlag) *kernel.Error {
		mapCallCount++
		return nil
	}

	reserveCallCount := 0
	reserveRegionFn = func(uintptr) (uintptr, *kernel.Error) {
		reserveCallCount++
		return storageAddr, nil
	}

	if err := alloc.setupPoolBitmaps(); err != nil {
		t.Fatal(err)
	}

	if reserveCallCount != 1 {
		t.Fatalf("expected a single call to reserveRegionFn; got %d", reserveCallCount)
	}
	if mapCallCount == 0 {
		t.Fatal("expected setupPoolBitmaps to map at least one page for its storage")
	}

	if exp, got := 2, len(alloc.pools); got != exp {
		t.Fatalf("expected %d pools; got %d", exp, got)
	}

	for i, p := range alloc.pools {
		expFreeCount := uint32(p.endFrame - p.startFrame + 1)
		if p.freeCount != expFreeCount {
			t.Errorf("[pool %d] expected free count %d; got %d", i, expFreeCount, p.freeCount)
		}
		for blockIndex, block := range p.freeBitmap {
			if block != 0 {
				t.Errorf("[pool %d] expected bitmap block %d to be cleared; got %d", i, blockIndex, block)
			}
		}
	}
}

func TestSetupPoolBitmapsPropagatesErrors(t *testing.T) {
	defer func() {
		mapFn = vmm.Map
		reserveRegionFn = vmm.EarlyReserveRegion
		bootAlloc = bootAllocator{}
	}()

	regions := []biosinfo.MemoryMapEntry{
		{Start: 0x100000, Size: 0x100000, Type: biosinfo.MemAvailable},
	}
	withFakeMemoryMap(t, regions)
	bootAlloc.init(0)

	expErr := &kernel.Error{Module: "test", Message: "boom"}

	t.Run("reserveRegionFn fails", func(t *testing.T) {
		var alloc BitmapAllocator
		reserveRegionFn = func(uintptr) (uintptr, *kernel.Error) { return 0, expErr }

		if err := alloc.setupPoolBitmaps(); err != expErr {
			t.Fatalf("expected %v; got %v", expErr, err)
		}
	})

	t.Run("mapFn fails", func(t *testing.T) {
		var alloc BitmapAllocator
		storage := make([]byte, 2*mem.PageSize)
		reserveRegionFn = func(uintptr) (uintptr, *kernel.Error) {
			return uintptr(unsafe.Pointer(&storage[0])), nil
		}
		mapFn = func(vmm.Page, mem.Frame, vmm.PageTableEntryFlag) *kernel.Error { return expErr }

		if err := alloc.setupPoolBitmaps(); err != expErr {
			t.Fatalf("expected %v; got %v", expErr, err)
		}
	})
}

func TestBitmapAllocatorMarkFrame(t *testing.T) {
	alloc := BitmapAllocator{
		pools: []pool{
			{
				startFrame: mem.Frame(0),
				endFrame:   mem.Frame(127),
				freeCount:  128,
				freeBitmap: make([]uint64, 2),
			},
		},
		totalPages: 128,
	}

	for frame := mem.Frame(0); frame < mem.Frame(alloc.totalPages); frame++ {
		alloc.markFrame(0, frame, markReserved)

		block := uint64(frame) / 64
		bit := 63 - uint64(frame)%64
		mask := uint64(1) << bit

		if alloc.pools[0].freeBitmap[block]&mask != mask {
			t.Errorf("[frame %d] expected bit %d in block %d to be set", frame, bit, block)
		}

		alloc.markFrame(0, frame, markFree)
		if alloc.pools[0].freeBitmap[block]&mask != 0 {
			t.Errorf("[frame %d] expected bit %d in block %d to be cleared", frame, bit, block)
		}
	}

	// Out-of-range frame and negative pool index are both no-ops.
	alloc.markFrame(0, mem.Frame(0xbadf00d), markReserved)
	alloc.markFrame(-1, mem.Frame(0), markReserved)
	for blockIndex, block := range alloc.pools[0].freeBitmap {
		if block != 0 {
			t.Errorf("expected block %d to remain cleared; got %d", blockIndex, block)
		}
	}
}

func TestBitmapAllocatorPoolForFrame(t *testing.T) {
	alloc := BitmapAllocator{
		pools: []pool{
			{startFrame: mem.Frame(0), endFrame: mem.Frame(63)},
			{startFrame: mem.Frame(128), endFrame: mem.Frame(191)},
		},
	}

	cases := map[mem.Frame]int{
		0:   0,
		63:  0,
		64:  -1,
		128: 1,
		191: 1,
		192: -1,
	}

	for frame, expPool := range cases {
		if got := alloc.poolForFrame(frame); got != expPool {
			t.Errorf("frame %d: expected pool %d; got %d", frame, expPool, got)
		}
	}
}

func newTestAllocator(frameCount uint32) BitmapAllocator {
	return BitmapAllocator{
		pools: []pool{
			{
				startFrame: mem.Frame(0),
				endFrame:   mem.Frame(frameCount - 1),
				freeCount:  frameCount,
				freeBitmap: make([]uint64, (frameCount+63)/64),
			},
		},
		totalPages: frameCount,
		tracked:    list.New[frameRecord](),
	}
}

func TestAllocFrameTracksAndReleasesFrames(t *testing.T) {
	alloc := newTestAllocator(4)

	var allocated []mem.Frame
	for i := 0; i < 4; i++ {
		frame, err := alloc.AllocFrame()
		if err != nil {
			t.Fatalf("unexpected error on allocation %d: %v", i, err)
		}
		allocated = append(allocated, frame)
	}

	if alloc.pools[0].freeCount != 0 {
		t.Fatalf("expected pool to be fully reserved; freeCount = %d", alloc.pools[0].freeCount)
	}

	if _, err := alloc.AllocFrame(); err != errOutOfMemory {
		t.Fatalf("expected errOutOfMemory once pool is exhausted; got %v", err)
	}

	for _, frame := range allocated {
		if err := alloc.ReleaseFrame(frame); err != nil {
			t.Fatalf("unexpected error releasing frame %d: %v", frame, err)
		}
	}

	if alloc.pools[0].freeCount != 4 {
		t.Fatalf("expected all frames to be free again; freeCount = %d", alloc.pools[0].freeCount)
	}

	for _, word := range alloc.pools[0].freeBitmap {
		if word != 0 {
			t.Fatalf("expected bitmap to be fully cleared after releasing every frame; got %x", word)
		}
	}
}

func TestReleaseFrameRejectsUnknownFrames(t *testing.T) {
	alloc := newTestAllocator(4)

	if err := alloc.ReleaseFrame(mem.Frame(math.MaxUint32)); err != errBadRelease {
		t.Fatalf("expected errBadRelease for an untracked frame; got %v", err)
	}

	alloc.tracked = nil
	if err := alloc.ReleaseFrame(mem.Frame(0)); err != errBadRelease {
		t.Fatalf("expected errBadRelease when the allocator has no tracking list; got %v", err)
	}
}

func TestReserveKernelFrames(t *testing.T) {
	defer func() { bootAlloc = bootAllocator{} }()

	alloc := newTestAllocator(16)
	bootAlloc.kernelStartFrame = mem.Frame(2)
	bootAlloc.kernelEndFrame = mem.Frame(5)

	alloc.reserveKernelFrames()

	for frame := mem.Frame(0); frame < 16; frame++ {
		block := uint64(frame) / 64
		mask := uint64(1) << (63 - uint64(frame)%64)
		reserved := alloc.pools[0].freeBitmap[block]&mask != 0
		wantReserved := frame >= 2 && frame <= 5
		if reserved != wantReserved {
			t.Errorf("frame %d: expected reserved=%v; got %v", frame, wantReserved, reserved)
		}
	}
}

func TestReserveBootAllocatorFrames(t *testing.T) {
	defer func() { bootAlloc = bootAllocator{} }()

	regions := []biosinfo.MemoryMapEntry{
		{Start: 0x100000, Size: 0x5000, Type: biosinfo.MemAvailable}, // 5 frames
	}
	withFakeMemoryMap(t, regions)
	bootAlloc.init(0)

	var handedOut []mem.Frame
	for i := 0; i < 3; i++ {
		frame, err := bootAlloc.AllocFrame()
		if err != nil {
			t.Fatalf("unexpected error pre-allocating frame %d: %v", i, err)
		}
		handedOut = append(handedOut, frame)
	}

	alloc := newTestAllocator(512)
	alloc.reserveKernelFrames() // no-op: init(0) leaves kernelEndFrame (255) below kernelStartFrame (256)
	alloc.reserveBootAllocatorFrames()

	for _, frame := range handedOut {
		block := uint64(frame) / 64
		mask := uint64(1) << (63 - uint64(frame)%64)
		if alloc.pools[0].freeBitmap[block]&mask == 0 {
			t.Errorf("expected frame %d (handed out by the boot allocator) to be reserved", frame)
		}
	}
}
