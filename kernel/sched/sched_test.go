package sched

import (
	"testing"

	"ringcore/kernel"
	"ringcore/kernel/irq"
	"ringcore/kernel/list"
	"ringcore/kernel/mem"
	"ringcore/kernel/mem/vmm"
)

func resetScheduler() {
	runQueue = list.New[*Task]()
	tickCount, seconds = 0, 0
	lastPID = 0
	onTick = nil
	mapFn = func(vmm.Page, mem.Frame, vmm.PageTableEntryFlag) *kernel.Error { return nil }
	allocFrameFn = func() (mem.Frame, *kernel.Error) { return mem.Frame(1), nil }
	activePDTFn = func() uintptr { return 0x1000 }
	setKernelStackFn = func(uintptr) {}
	replaceVectorWithRawEntryFn = func(irq.InterruptNumber) {}
}

func spawnThree(t *testing.T) {
	t.Helper()
	resetScheduler()

	if err := SpawnKernel(0x1000, 1, 0x1_100000); err != nil {
		t.Fatalf("spawn pid 1: %v", err)
	}
	if err := SpawnKernel(0x2000, 2, 0x1_200000); err != nil {
		t.Fatalf("spawn pid 2: %v", err)
	}
	if err := SpawnKernel(0x3000, 3, 0x1_300000); err != nil {
		t.Fatalf("spawn pid 3: %v", err)
	}
}

func TestSpawnKernelAppendsRunnableTask(t *testing.T) {
	spawnThree(t)

	if got := Len(); got != 3 {
		t.Fatalf("expected 3 tasks in the run queue, got %d", got)
	}
	if got := CurrentPID(); got != 1 {
		t.Fatalf("expected the first-spawned task to be head, got pid %d", got)
	}
}

func TestSpawnKernelStashesSelfAddressInR15(t *testing.T) {
	spawnThree(t)

	cur := Current()
	if cur == nil {
		t.Fatal("expected a current task")
	}
	if cur.R15 == 0 {
		t.Fatal("expected R15 to be stashed with the task's own address")
	}
}

func TestRotateIsRoundRobin(t *testing.T) {
	spawnThree(t)

	var order []PID
	for i := 0; i < 6; i++ {
		order = append(order, CurrentPID())
		rotate()
	}

	want := []PID{1, 2, 3, 1, 2, 3}
	for i, pid := range want {
		if order[i] != pid {
			t.Fatalf("tick %d: expected pid %d, got %d", i, pid, order[i])
		}
	}
}

// TestRotateKeepsExactlyOneRunningHead exercises invariant 5 from the
// testable-properties list: outside the switch's critical section, exactly
// one task (the head) is Running and every other listed task is Runnable.
func TestRotateKeepsExactlyOneRunningHead(t *testing.T) {
	spawnThree(t)

	for i := 0; i < 10; i++ {
		if Current().Status != Running {
			t.Fatalf("tick %d: head task is not Running", i)
		}
		for pid := PID(1); pid <= 3; pid++ {
			if pid != CurrentPID() && runQueue.Find(uint64(pid)).Value.Status != Runnable {
				t.Fatalf("tick %d: non-head pid %d is not Runnable", i, pid)
			}
		}
		rotate()
	}
}

func TestRotateDistributesSwitchesEvenlyAfterManyTicks(t *testing.T) {
	spawnThree(t)

	const ticks = 999 // divisible by 3
	for i := 0; i < ticks; i++ {
		rotate()
	}

	// ticks is a multiple of 3, so rotate promotes each of the 3 tasks to
	// Running exactly ticks/3 times (the task Running at the very start,
	// before any rotate call, does not get a SwitchCount increment for
	// that initial tick).
	want := uint64(ticks / 3)
	for pid := PID(1); pid <= 3; pid++ {
		found := runQueue.Find(uint64(pid))
		if found == nil {
			t.Fatalf("pid %d missing from run queue", pid)
		}
		if got := found.Value.SwitchCount; got != want {
			t.Fatalf("pid %d: expected %d switches, got %d", pid, want, got)
		}
	}
}

func TestRotateBumpsSimulatedClockOncePerSecond(t *testing.T) {
	spawnThree(t)

	var gotSeconds uint64
	SetTickCallback(func(s uint64) { gotSeconds = s })

	for i := 0; i < tickRateHz; i++ {
		rotate()
	}

	if gotSeconds != 1 {
		t.Fatalf("expected the wall clock to read 1 second after %d ticks, got %d", tickRateHz, gotSeconds)
	}
}

func TestTerminateRemovesTaskFromRunQueue(t *testing.T) {
	spawnThree(t)

	if err := Terminate(2); err != nil {
		t.Fatalf("terminate pid 2: %v", err)
	}
	if Len() != 2 {
		t.Fatalf("expected 2 remaining tasks, got %d", Len())
	}

	var seen []PID
	for i := 0; i < 2; i++ {
		seen = append(seen, CurrentPID())
		rotate()
	}
	for _, pid := range seen {
		if pid == 2 {
			t.Fatal("terminated pid 2 still appears in the rotation")
		}
	}
}

func TestTerminateUnknownPIDReturnsError(t *testing.T) {
	spawnThree(t)

	if err := Terminate(99); err == nil {
		t.Fatal("expected an error terminating an unknown pid")
	}
}

func TestSpawnUserSetsRing3Selectors(t *testing.T) {
	resetScheduler()

	if err := SpawnUser(0xffff_8000_ffff_0000, 7, 0x1_400000, 0x7000_0000_1000); err != nil {
		t.Fatalf("spawn user: %v", err)
	}

	cur := Current()
	if cur.CS&3 != 3 {
		t.Fatalf("expected a ring-3 CS selector, got %x", cur.CS)
	}
	if cur.UserStackTop == 0 {
		t.Fatal("expected a non-zero user stack top")
	}
}

func TestTouchStackPagePropagatesAllocatorFailure(t *testing.T) {
	resetScheduler()

	wantErr := &kernel.Error{Module: "pmm", Message: "out of memory"}
	allocFrameFn = func() (mem.Frame, *kernel.Error) { return mem.InvalidFrame, wantErr }

	if err := SpawnKernel(0x1000, 1, 0x1_100000); err != wantErr {
		t.Fatalf("expected allocator failure to propagate, got %v", err)
	}
	if Len() != 0 {
		t.Fatal("expected the task not to be appended when pre-touching its stack fails")
	}
}

func TestAllocPIDNeverReturnsZeroAndNeverRepeats(t *testing.T) {
	resetScheduler()

	seen := map[PID]bool{}
	for i := 0; i < 5; i++ {
		pid := AllocPID()
		if pid == 0 {
			t.Fatal("expected AllocPID to never hand out PID 0")
		}
		if seen[pid] {
			t.Fatalf("PID %d handed out twice", pid)
		}
		seen[pid] = true
	}
}
