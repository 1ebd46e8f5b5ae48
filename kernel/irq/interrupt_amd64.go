// Package irq installs the IDT, remaps the two 8259 PICs and dispatches
// CPU exceptions and hardware interrupts to registered Go handlers. Vector
// 32 (the timer) is the one exception: kernel/sched installs its own
// context-switch entry point there and bypasses the generic dispatch path
// entirely.
package irq

import (
	"ringcore/kernel/cpu"
	"ringcore/kernel/kfmt"
)

// InterruptNumber identifies one of the 256 IDT vectors.
type InterruptNumber uint8

const (
	// DivideByZero occurs when dividing by zero via DIV/IDIV.
	DivideByZero = InterruptNumber(0)

	// NMI is a non-maskable hardware interrupt.
	NMI = InterruptNumber(2)

	// Overflow occurs when an arithmetic overflow is detected.
	Overflow = InterruptNumber(4)

	// BoundRangeExceeded occurs when BOUND's index is out of range.
	BoundRangeExceeded = InterruptNumber(5)

	// InvalidOpcode occurs when the CPU decodes an undefined instruction.
	InvalidOpcode = InterruptNumber(6)

	// DeviceNotAvailable occurs when an FPU/MMX/SSE instruction executes
	// while no FPU is available.
	DeviceNotAvailable = InterruptNumber(7)

	// DoubleFault occurs when an exception fires while handling another.
	DoubleFault = InterruptNumber(8)

	// InvalidTSS occurs when the TSS selector is invalid.
	InvalidTSS = InterruptNumber(10)

	// SegmentNotPresent occurs when invoking a gate with an invalid
	// stack-segment selector.
	SegmentNotPresent = InterruptNumber(11)

	// StackSegmentFault occurs on non-canonical stack access or a GDT
	// stack-limit check failure.
	StackSegmentFault = InterruptNumber(12)

	// GPFException is a general protection fault.
	GPFException = InterruptNumber(13)

	// PageFaultException occurs when a page directory or one of its
	// entries is not present, or a privilege/RW check fails.
	PageFaultException = InterruptNumber(14)

	// FloatingPointException occurs on an unmasked x87 FP exception.
	FloatingPointException = InterruptNumber(16)

	// AlignmentCheck occurs on an unaligned access with checks enabled.
	AlignmentCheck = InterruptNumber(17)

	// MachineCheck indicates an internal CPU error.
	MachineCheck = InterruptNumber(18)

	// SIMDFloatingPointException occurs on an unmasked SSE exception.
	SIMDFloatingPointException = InterruptNumber(19)

	// TimerVector is the remapped vector for IRQ0 (the PIT). The
	// scheduler's context-switch entry point replaces the default stub
	// installed here; see kernel/sched.Init.
	TimerVector = InterruptNumber(32)

	// firstIRQVector and lastIRQVector bound the 16 remapped hardware IRQ
	// vectors (32..47) after the PIC remap in Init.
	firstIRQVector = InterruptNumber(32)
	lastIRQVector  = InterruptNumber(47)
)

var (
	// irqHandlers is the per-vector IRQ callback table for vectors
	// 32..47. A nil entry means "no driver has registered for this IRQ
	// yet" and dispatchIRQ silently ignores it after sending EOI.
	irqHandlers [16]func(*Registers)

	// defaultExceptionHandler is installed for every trap vector that
	// nothing more specific claims; it dumps registers and halts.
	exceptionHandlers [32]func(*Registers)

	// The following package vars are mocked by tests and automatically
	// inlined by the compiler when building the kernel.
	panicFn         = kfmt.Panic
	portReadByteFn  = cpu.PortReadByte
	portWriteByteFn = cpu.PortWriteByte
)

// Init installs the IDT, remaps both 8259 PICs so hardware IRQs land on
// vectors 32..47 (clear of the CPU's own exception vectors), and registers
// the default fatal handler for every CPU exception.
func Init() {
	installIDT()
	remapPIC()

	for vector := range exceptionHandlers {
		exceptionHandlers[vector] = defaultExceptionHandler
	}
}

// HandleException registers handler as the Go-level target for the given
// CPU exception vector (0..31), replacing the default fatal handler.
func HandleException(vector InterruptNumber, handler func(*Registers)) {
	exceptionHandlers[vector] = handler
}

// HandleIRQ registers handler to run whenever the hardware IRQ line
// (0..15) fires. Registering for IRQ 0 (the timer) has no effect once
// kernel/sched.Init has replaced vector 32's stub with its own
// context-switch entry point.
func HandleIRQ(irqLine uint8, handler func(*Registers)) {
	irqHandlers[irqLine] = handler
}

// ReplaceVectorWithRawEntry overwrites vector's IDT gate so it points
// directly at a body-less assembly entry point instead of the generic
// per-vector stub installIDT built. kernel/sched is the only caller: it
// uses this to splice its own context-switch entry point onto vector 32
// (the timer), bypassing dispatchIRQ and the irqHandlers table entirely for
// that one vector.
func ReplaceVectorWithRawEntry(vector InterruptNumber)

// InstallRing3Gate overwrites vector's IDT gate with one whose DPL is 3,
// pointing at a body-less assembly trampoline, so ring-3 code can invoke it
// directly via INT. kernel/syscall is the only caller: every other gate
// installIDT builds defaults to DPL 0, which would fault with a general
// protection exception if ring-3 code tried to invoke it.
func InstallRing3Gate(vector InterruptNumber)

// dispatchException is invoked by the per-vector assembly trap stubs
// (vectors 0..31) after they have saved the full register set into regs.
func dispatchException(vector InterruptNumber, regs *Registers) {
	if h := exceptionHandlers[vector]; h != nil {
		h(regs)
		return
	}

	defaultExceptionHandler(regs)
}

// dispatchIRQ is invoked by the generic IRQ assembly stub (vectors
// 32..47) with the already-remapped IRQ line number (0..15). It runs the
// registered driver callback, if any, then sends EOI to the master PIC
// (and, for IRQ >= 8, the slave as well).
func dispatchIRQ(irqLine uint8, regs *Registers) {
	if h := irqHandlers[irqLine]; h != nil {
		h(regs)
	}

	sendEOI(irqLine)
}

// defaultExceptionHandler dumps the faulting register state and halts.
// Traps have no recovery path in this kernel except page faults, which
// kernel/mem/vmm registers its own handler for via HandleException.
func defaultExceptionHandler(regs *Registers) {
	kfmt.Printf("\nunhandled CPU exception (info=0x%x)\n", regs.Info)
	regs.DumpTo(&kfmt.PrefixWriter{Sink: kfmt.GetOutputSink(), Prefix: []byte("  ")})
	panicFn("unrecoverable CPU exception")
}

// installIDT populates the fixed higher-half IDT with 256 gate
// descriptors pointing at the per-vector assembly entry stubs and loads it
// via LIDT. All 256 entries are installed non-present initially except the
// 32 exception vectors and the 16 remapped IRQ vectors wired up by Init.
func installIDT()

// 8259 PIC command/data ports and the command words used by remapPIC and
// sendEOI.
const (
	picMasterCmd  = uint16(0x20)
	picMasterData = uint16(0x21)
	picSlaveCmd   = uint16(0xa0)
	picSlaveData  = uint16(0xa1)

	picICW1Init = uint8(0x11) // edge-triggered, cascade, ICW4 follows
	picICW4Mode = uint8(0x01) // 8086 mode
	picEOI      = uint8(0x20)
)

// remapPIC reprograms both 8259 PICs (ICW1..ICW4) so IRQs 0..15 land on
// vectors 32..47 instead of colliding with the CPU's own exception vectors
// 0..31, with the slave cascaded through IRQ2. The interrupt masks active
// before the remap are preserved.
func remapPIC() {
	masterMask := portReadByteFn(picMasterData)
	slaveMask := portReadByteFn(picSlaveData)

	portWriteByteFn(picMasterCmd, picICW1Init)
	portWriteByteFn(picSlaveCmd, picICW1Init)

	// ICW2: vector bases.
	portWriteByteFn(picMasterData, uint8(firstIRQVector))
	portWriteByteFn(picSlaveData, uint8(firstIRQVector)+8)

	// ICW3: slave on the master's IRQ2 line; slave cascade identity 2.
	portWriteByteFn(picMasterData, 1<<2)
	portWriteByteFn(picSlaveData, 2)

	portWriteByteFn(picMasterData, picICW4Mode)
	portWriteByteFn(picSlaveData, picICW4Mode)

	portWriteByteFn(picMasterData, masterMask)
	portWriteByteFn(picSlaveData, slaveMask)
}

// sendEOI acknowledges irqLine on the master PIC, and additionally on the
// slave PIC when irqLine >= 8.
func sendEOI(irqLine uint8) {
	if irqLine >= 8 {
		portWriteByteFn(picSlaveCmd, picEOI)
	}
	portWriteByteFn(picMasterCmd, picEOI)
}
