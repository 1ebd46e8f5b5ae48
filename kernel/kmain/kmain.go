// Package kmain is the kernel's single entry point: the boot-chain-facing
// Kmain function that brings up every subsystem in dependency order and
// never returns.
package kmain

import (
	"reflect"

	"ringcore/driver/console"
	"ringcore/driver/keyboard"
	"ringcore/driver/pit"
	"ringcore/kernel"
	"ringcore/kernel/cpu"
	"ringcore/kernel/gdt"
	"ringcore/kernel/goruntime"
	"ringcore/kernel/heap"
	"ringcore/kernel/irq"
	"ringcore/kernel/kfmt"
	"ringcore/kernel/mem/pmm"
	"ringcore/kernel/mem/vmm"
	"ringcore/kernel/sched"
	"ringcore/kernel/syscall"
)

// keyboardIRQLine is IRQ1, the PS/2 keyboard's line on the master PIC.
const keyboardIRQLine = uint8(1)

// The three bootstrap kernel tasks' fixed PIDs and kernel-stack tops.
const (
	idlePID        = sched.PID(1)
	heartbeatPID   = sched.PID(2)
	consoleTaskPID = sched.PID(3)

	idleStackTop      = uintptr(0x1_100000)
	heartbeatStackTop = uintptr(0x1_200000)
	consoleStackTop   = uintptr(0x1_300000)
)

// Kmain is the only Go symbol visible to the boot chain's rt0 assembly. It
// is called with the loaded kernel image size in RDI and is not expected to
// return: the boot chain halts the CPU if it does.
//
//go:noinline
func Kmain(kernelSizeBytes uintptr) {
	var err *kernel.Error

	if err = pmm.Init(kernelSizeBytes); err != nil {
		kfmt.Panic(err)
	}
	if err = vmm.Init(); err != nil {
		kfmt.Panic(err)
	}

	// The heap's first block header demand-faults in its first page, so the
	// vmm fault handlers must already be installed. The bitmap allocator in
	// turn stores its frame-tracking ledger on the heap, and goruntime's
	// arena reservations should come from the permanent allocator rather
	// than the boot allocator, hence this exact order.
	heap.Init(vmm.HeapBase)
	if err = pmm.SwitchToBitmapAllocator(); err != nil {
		kfmt.Panic(err)
	}
	if err = goruntime.Init(); err != nil {
		kfmt.Panic(err)
	}

	if err = console.Init(); err != nil {
		kfmt.Panic(err)
	}
	kfmt.SetOutputSink(consoleSink{})

	gdt.Init()
	irq.Init()
	irq.HandleIRQ(keyboardIRQLine, func(*irq.Registers) { keyboard.HandleIRQ() })
	syscall.Init()

	sched.SetTickCallback(reportUptime)
	spawnBootTasks()
	sched.Init(pit.ProgramRate)

	// Interrupts stay masked until every boot task is on the run queue and
	// the PIT is programmed: the first timer tick rotates straight into
	// PID 1, and rotate() has nothing to rotate into before this point.
	cpu.EnableInterrupts()
	for {
		cpu.Halt()
	}
}

// funcAddr returns the entry address of a niladic kernel-mode task
// function, for handing to sched.SpawnKernel. Taking a Go function's code
// pointer via reflect is unusual outside freestanding code, but harmless
// here: none of these functions close over anything, so the value held by
// the func variable is a bare code pointer, not a closure context.
func funcAddr(fn func()) uintptr {
	return reflect.ValueOf(fn).Pointer()
}

// spawnBootTasks creates the three always-on kernel-mode tasks that seed
// the run queue before scheduling starts: two idle loops and a task that
// watches the keyboard buffer and echoes characters to the console. All
// three are Runnable the instant interrupts are enabled.
func spawnBootTasks() {
	mustSpawn(idleTask, idlePID, idleStackTop)
	mustSpawn(idleTask, heartbeatPID, heartbeatStackTop)
	mustSpawn(consoleEchoTask, consoleTaskPID, consoleStackTop)
}

func mustSpawn(entry func(), pid sched.PID, stackTop uintptr) {
	if err := sched.SpawnKernel(funcAddr(entry), pid, stackTop); err != nil {
		kfmt.Panic(err)
	}
}

// idleTask never does anything but yield the CPU back to the timer. PIDs 1
// and 2 both run it: reportUptime already does the wall-clock bookkeeping
// from the timer-tick path, so these two tasks have no state of their own
// to distinguish them.
func idleTask() {
	for {
		cpu.Halt()
	}
}

// consoleEchoTask is PID 3: it polls the one-byte keyboard buffer and
// echoes whatever arrives to the console, a minimal stand-in for the shell
// that would otherwise sit on top of the EXECUTE syscall.
func consoleEchoTask() {
	for {
		b := keyboard.GetChar()
		console.PutString(string([]byte{b}))
	}
}

// reportUptime is SetTickCallback's target: once per simulated wall-clock
// second, it repaints the top-right corner of the screen with the elapsed
// second count, then restores the cursor to wherever it was.
func reportUptime(seconds uint64) {
	row, col := console.GetCursor()
	console.SetCursor(0, 70)
	kfmt.Fprintf(consoleSink{}, "up %6ds", seconds)
	console.SetCursor(row, col)
}

// consoleSink adapts driver/console.PutString to the io.Writer kfmt.Fprintf
// expects, without pulling an io.Writer implementation into driver/console
// itself (its sole writer today is PutString, called directly everywhere
// else in this kernel).
type consoleSink struct{}

func (consoleSink) Write(p []byte) (int, error) {
	console.PutString(string(p))
	return len(p), nil
}
