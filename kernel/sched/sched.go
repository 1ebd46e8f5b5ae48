// Package sched implements the task table and the preemptive round-robin
// scheduler: the run queue, task creation, the C-callable half of the
// timer-driven context switch, and termination.
package sched

import (
	"ringcore/kernel"
	"ringcore/kernel/cpu"
	"ringcore/kernel/gdt"
	"ringcore/kernel/irq"
	"ringcore/kernel/list"
	"ringcore/kernel/mem"
	"ringcore/kernel/mem/vmm"
)

const (
	// tickRateHz is the PIT's programmed interrupt frequency.
	tickRateHz = 1000

	// statusLineInterval is the number of ticks between wall-clock bumps
	// and status-line repaints: once per second at tickRateHz.
	statusLineInterval = tickRateHz

	flagsInterruptsEnabled = uint64(0x200) // RFLAGS.IF
)

var (
	// runQueue holds every Runnable or Running task, keyed by PID. The
	// head is always the currently Running task.
	runQueue = list.New[*Task]()

	// tickCount counts every timer tick since Init, used to pace the
	// simulated wall clock.
	tickCount uint64

	// lastPID is the highest PID handed out by AllocPID so far. PID 0 is
	// never assigned; CurrentPID/Current use it as the "empty run queue"
	// sentinel.
	lastPID PID

	// seconds is the simulated wall clock, bumped once per
	// statusLineInterval ticks.
	seconds uint64

	// onTick, if set, is invoked once per statusLineInterval ticks with
	// the updated wall-clock value. kernel/kmain wires this to repaint
	// the console status line; sched itself has no console dependency.
	onTick func(seconds uint64)

	errUnknownPID = &kernel.Error{Module: "sched", Message: "no task with the given PID is in the run queue"}

	// The following package vars are mocked by tests and automatically
	// inlined by the compiler when building the kernel.
	mapFn                       = vmm.Map
	allocFrameFn                = mem.AllocFrame
	activePDTFn                 = cpu.ActivePDT
	setKernelStackFn            = gdt.SetKernelStack
	replaceVectorWithRawEntryFn = irq.ReplaceVectorWithRawEntry
	programRateFn               func(uint32)
)

// Init programs the PIT to tickRateHz and splices the scheduler's own
// context-switch entry point onto the timer vector, bypassing the generic
// IRQ dispatch path kernel/irq uses for every other hardware interrupt.
// Callers must have already appended at least one task via SpawnKernel or
// SpawnUser before unmasking interrupts, or the first tick has nothing to
// rotate into.
func Init(programRate func(uint32)) {
	programRateFn = programRate
	programRateFn(tickRateHz)
	replaceVectorWithRawEntryFn(irq.TimerVector)
}

// SetTickCallback registers fn to run once per simulated wall-clock second.
func SetTickCallback(fn func(seconds uint64)) {
	onTick = fn
}

// AllocPID hands out the next unused PID. EXECUTE calls this to name the
// ring-3 task it is about to spawn; SpawnKernel/SpawnUser's own callers (the
// bootstrap task set) pick their own fixed PIDs directly instead.
func AllocPID() PID {
	lastPID++
	return lastPID
}

// SpawnKernel creates a ring-0 task starting at entry, running on the
// kernel stack ending at kernelStackTop, and appends it to the run queue
// as Runnable. The page below kernelStackTop is pre-touched before the
// task is scheduled: the switch path runs with interrupts disabled and
// cannot tolerate a genuine page fault.
func SpawnKernel(entry uintptr, pid PID, kernelStackTop uintptr) *kernel.Error {
	t := &Task{
		PID:            pid,
		KernelStackTop: kernelStackTop,
		Status:         Created,
	}
	t.RIP = uint64(entry)
	t.RFlags = flagsInterruptsEnabled
	t.RBP, t.RSP = uint64(kernelStackTop), uint64(kernelStackTop)
	t.CS, t.DS, t.SS, t.ES, t.FS, t.GS = uint64(gdt.KernelCodeSelector), uint64(gdt.KernelDataSelector),
		uint64(gdt.KernelDataSelector), uint64(gdt.KernelDataSelector), uint64(gdt.KernelDataSelector), uint64(gdt.KernelDataSelector)
	t.CR3 = activePDTFn()
	stashR15(t)

	if err := touchStackPage(kernelStackTop); err != nil {
		return err
	}

	return appendTask(t)
}

// SpawnUser creates a ring-3 task starting at entryVirtAddr (already
// mapped into the user-executable load window by the caller, typically
// EXECUTE), running on kernelStackTop when it traps into ring 0 and
// userStackTop as its own stack. Both stacks are pre-touched for the same
// reason SpawnKernel's is.
func SpawnUser(entryVirtAddr uintptr, pid PID, kernelStackTop, userStackTop uintptr) *kernel.Error {
	t := &Task{
		PID:            pid,
		KernelStackTop: kernelStackTop,
		UserStackTop:   userStackTop,
		Status:         Created,
	}
	t.RIP = uint64(entryVirtAddr)
	t.RFlags = flagsInterruptsEnabled
	t.RBP, t.RSP = uint64(userStackTop), uint64(userStackTop)
	t.CS, t.SS = uint64(gdt.UserCodeSelector), uint64(gdt.UserDataSelector)
	t.DS, t.ES, t.FS, t.GS = uint64(gdt.UserDataSelector), uint64(gdt.UserDataSelector), uint64(gdt.UserDataSelector), uint64(gdt.UserDataSelector)
	t.CR3 = activePDTFn()
	stashR15(t)

	if err := touchStackPage(kernelStackTop); err != nil {
		return err
	}
	if err := touchStackPage(userStackTop); err != nil {
		return err
	}

	return appendTask(t)
}

func appendTask(t *Task) *kernel.Error {
	// The head of the run queue is the Running task by definition; a task
	// spawned into an empty queue is already it.
	if runQueue.Len() == 0 {
		t.Status = Running
	} else {
		t.Status = Runnable
	}
	runQueue.PushBack(uint64(t.PID), t)
	return nil
}

// touchStackPage forces the page immediately below stackTop to be present,
// since stacks grow down from their top and that is the first page a
// freshly-spawned task will write to.
func touchStackPage(stackTop uintptr) *kernel.Error {
	frame, err := allocFrameFn()
	if err != nil {
		return err
	}

	page := vmm.PageFromAddress(stackTop - 1)
	return mapFn(page, frame, vmm.FlagPresent|vmm.FlagRW|vmm.FlagUserAccessible)
}

// rotate is the C-callable half of the timer context switch: the assembly
// prologue has already copied the outgoing task's GP/segment registers and
// the CPU-pushed IRETQ frame into the Task pointed to by R15 (or skipped
// the save entirely if R15 was zero, which only happens for the kernel's
// initial bootstrap context, before any task has been spawned). rotate
// moves the outgoing head to the tail, promotes the new head, updates the
// TSS's rsp0 slot, and returns the new head so the epilogue can restore its
// registers and rewrite the IRETQ frame. Called with interrupts disabled.
func rotate() *Task {
	tickCount++
	if tickCount%statusLineInterval == 0 {
		seconds++
		if onTick != nil {
			onTick(seconds)
		}
	}

	head := runQueue.Front()
	if head == nil {
		return nil
	}

	outgoing := head.Value
	outgoing.Status = Runnable
	runQueue.MoveToBack(head)

	newHead := runQueue.Front().Value
	newHead.Status = Running
	newHead.SwitchCount++
	setKernelStackFn(newHead.KernelStackTop)

	return newHead
}

// Terminate removes the task with the given PID from the run queue. A task
// ends its own life by calling TERMINATE on its own PID via syscall; that
// is safe because the next rotate call will simply no longer find it.
// Terminating the currently Running task is observed, not acted on,
// immediately — it takes effect the next time rotate runs.
func Terminate(pid PID) *kernel.Error {
	if _, ok := runQueue.Remove(uint64(pid)); !ok {
		return errUnknownPID
	}
	return nil
}

// CurrentPID returns the PID of the task at the head of the run queue,
// which is always the currently Running task outside of the switch's
// critical section.
func CurrentPID() PID {
	head := runQueue.Front()
	if head == nil {
		return 0
	}
	return head.Value.PID
}

// Current returns the Task at the head of the run queue, or nil if no task
// has been spawned yet.
func Current() *Task {
	head := runQueue.Front()
	if head == nil {
		return nil
	}
	return head.Value
}

// Len returns the number of tasks currently in the run queue.
func Len() int {
	return runQueue.Len()
}
