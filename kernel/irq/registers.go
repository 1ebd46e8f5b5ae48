package irq

import (
	"io"

	"ringcore/kernel/kfmt"
)

// Registers is a snapshot of every register an interrupt, exception or
// syscall entry saves before calling into Go. Its GP/segment/RIP/RFLAGS
// layout deliberately mirrors sched.Task's so the assembly prologue and
// epilogue can treat a *Registers and a *sched.Task as overlapping memory.
type Registers struct {
	RAX uint64
	RBX uint64
	RCX uint64
	RDX uint64
	RSI uint64
	RDI uint64
	RBP uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64

	DS uint64
	ES uint64
	FS uint64
	GS uint64

	// Info carries the exception error code for a CPU exception, the IRQ
	// number for a hardware interrupt, or is unused for a syscall entry.
	Info uint64

	// The IRETQ return frame pushed by the CPU on privilege-changing
	// entry. Offsets 0/8/16/24/32 of this block are RIP/CS/RFLAGS/RSP/SS
	// and are the only five fields the scheduler's assembly epilogue
	// rewrites on a context switch (see kernel/sched).
	RIP    uint64
	CS     uint64
	RFlags uint64
	RSP    uint64
	SS     uint64
}

// DumpTo writes a human-readable register dump to w.
func (r *Registers) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "RAX = %16x RBX = %16x\n", r.RAX, r.RBX)
	kfmt.Fprintf(w, "RCX = %16x RDX = %16x\n", r.RCX, r.RDX)
	kfmt.Fprintf(w, "RSI = %16x RDI = %16x\n", r.RSI, r.RDI)
	kfmt.Fprintf(w, "RBP = %16x\n", r.RBP)
	kfmt.Fprintf(w, "R8  = %16x R9  = %16x\n", r.R8, r.R9)
	kfmt.Fprintf(w, "R10 = %16x R11 = %16x\n", r.R10, r.R11)
	kfmt.Fprintf(w, "R12 = %16x R13 = %16x\n", r.R12, r.R13)
	kfmt.Fprintf(w, "R14 = %16x R15 = %16x\n", r.R14, r.R15)
	kfmt.Fprintf(w, "\n")
	kfmt.Fprintf(w, "RIP = %16x CS  = %16x\n", r.RIP, r.CS)
	kfmt.Fprintf(w, "RSP = %16x SS  = %16x\n", r.RSP, r.SS)
	kfmt.Fprintf(w, "RFL = %16x INFO= %16x\n", r.RFlags, r.Info)
}
