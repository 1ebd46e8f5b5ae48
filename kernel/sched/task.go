package sched

import (
	"unsafe"

	"ringcore/kernel/irq"
)

// PID identifies a task uniquely for its lifetime. PIDs are never reused
// while a task with that PID is still in the run queue.
type PID uint64

// Status is a task's scheduling state.
type Status uint8

const (
	// Created marks a task descriptor that has been built but not yet
	// appended to the run queue.
	Created Status = iota

	// Runnable marks a task waiting for its turn on the CPU.
	Runnable

	// Running marks the single task currently executing; it is always
	// the run queue's head.
	Running

	// Waiting marks a task blocked on an external event (e.g. a blocking
	// GETCHAR). No run-queue operation in this kernel currently produces
	// this state, but syscall handlers that need it can set it directly.
	Waiting
)

// Task is the complete preserved state of one thread of execution, ring-0
// or ring-3. It embeds irq.Registers so its GP/segment/RIP/RFLAGS fields
// sit at the same offsets a *irq.Registers would use: the assembly
// prologue/epilogue that saves and restores CPU state on a context switch
// treats a *Task and a *irq.Registers as overlapping memory. Registers.R15
// holds the task's own address (set once at creation by stashR15) so the
// IRQ prologue can locate its descriptor in O(1) without a lookup table.
type Task struct {
	irq.Registers

	// PID is this task's numeric identifier.
	PID PID

	// KernelStackTop is the top of this task's ring-0 stack. Written
	// into the TSS's rsp0 field on every switch into this task so the
	// CPU knows where to land on a ring-3 -> ring-0 transition.
	KernelStackTop uintptr

	// UserStackTop is the top of this task's ring-3 stack, or 0 for a
	// kernel-only task.
	UserStackTop uintptr

	// CR3 is the physical address of this task's PML4. All tasks in
	// this kernel currently share the single global address space, so
	// this is the same value for every task unless CloneAddressSpace has
	// been used to give one a private root.
	CR3 uintptr

	// SwitchCount counts how many times this task has been switched
	// into; rotate increments it every time this task becomes Running.
	SwitchCount uint64

	// Status is this task's current scheduling state.
	Status Status
}

// stashR15 records t's own address in its saved R15 slot. Ring-0 code must
// never touch R15 outside the switch path; the prologue depends on it still
// holding the descriptor address when the next tick fires.
func stashR15(t *Task) {
	t.R15 = uint64(uintptr(unsafe.Pointer(t)))
}
