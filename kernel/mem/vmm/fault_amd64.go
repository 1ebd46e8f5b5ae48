package vmm

import (
	"ringcore/kernel"
	"ringcore/kernel/irq"
	"ringcore/kernel/kfmt"
	"ringcore/kernel/mem"
)

var (
	// handleExceptionFn and memsetFn are mocked by tests and automatically
	// inlined by the compiler when building the kernel.
	handleExceptionFn = irq.HandleException
	memsetFn          = mem.Memset
)

// installFaultHandlers wires the page-fault and general-protection-fault
// CPU exception vectors to this package's handlers; every other exception
// keeps irq's fatal default.
func installFaultHandlers() {
	handleExceptionFn(irq.PageFaultException, pageFaultHandler)
	handleExceptionFn(irq.GPFException, generalProtectionFaultHandler)
}

// pageFaultHandler resolves a page fault by materializing a fresh frame at
// the faulting address: this is the mechanism by which the kernel heap
// grows and new kernel/user stack pages appear on first touch. It also
// resolves copy-on-write faults (a read-only page with FlagCopyOnWrite
// set) by copying the shared frame into a private one. Any other fault —
// most commonly allocator exhaustion — is unrecoverable and becomes a
// fatal kernel panic.
func pageFaultHandler(regs *irq.Registers) {
	var (
		faultAddress = uintptr(readCR2Fn())
		faultPage    = PageFromAddress(faultAddress)
		pageEntry    *pageTableEntry
		intermediate bool
	)

	walk(faultPage.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		present := pte.HasFlags(FlagPresent)

		if pteLevel == pageLevels-1 {
			if present {
				pageEntry = pte
			}
			return false
		}

		if !present {
			intermediate = true
		}

		return present
	})

	switch {
	case pageEntry != nil && !pageEntry.HasFlags(FlagRW) && pageEntry.HasFlags(FlagCopyOnWrite):
		resolveCopyOnWrite(faultAddress, faultPage, pageEntry, regs)
	case pageEntry == nil && !intermediate:
		// The leaf table is present but the page itself has never been
		// touched: fault it in with a freshly allocated, zeroed frame.
		resolveDemandFill(faultAddress, faultPage, regs)
	case intermediate:
		// An intermediate table is missing entirely (e.g. the very first
		// touch of a brand-new higher-half region): Map allocates
		// whatever tables are needed, so simply mapping a fresh frame
		// handles both cases uniformly.
		resolveDemandFill(faultAddress, faultPage, regs)
	default:
		nonRecoverablePageFault(faultAddress, regs, errUnrecoverableFault)
	}
}

func resolveDemandFill(faultAddress uintptr, faultPage Page, regs *irq.Registers) {
	frame, err := mem.AllocFrame()
	if err != nil {
		nonRecoverablePageFault(faultAddress, regs, err)
		return
	}

	if err := mapFn(faultPage, frame, FlagPresent|FlagRW|FlagUserAccessible); err != nil {
		nonRecoverablePageFault(faultAddress, regs, err)
		return
	}

	memsetFn(faultPage.Address(), 0, mem.PageSize)
}

func resolveCopyOnWrite(faultAddress uintptr, faultPage Page, pageEntry *pageTableEntry, regs *irq.Registers) {
	copyFrame, err := mem.AllocFrame()
	if err != nil {
		nonRecoverablePageFault(faultAddress, regs, err)
		return
	}

	tmpPage, err := mapTemporaryFn(copyFrame)
	if err != nil {
		nonRecoverablePageFault(faultAddress, regs, err)
		return
	}

	mem.Memcopy(faultPage.Address(), tmpPage.Address(), mem.PageSize)
	_ = unmapFn(tmpPage)

	pageEntry.ClearFlags(FlagCopyOnWrite)
	pageEntry.SetFlags(FlagPresent | FlagRW)
	pageEntry.SetFrame(copyFrame)
	flushTLBEntryFn(faultPage.Address())
}

func nonRecoverablePageFault(faultAddress uintptr, regs *irq.Registers, err *kernel.Error) {
	kfmt.Printf("\npage fault while accessing address: 0x%16x\nreason: ", faultAddress)
	switch regs.Info {
	case 0:
		kfmt.Printf("read from non-present page")
	case 1:
		kfmt.Printf("page protection violation (read)")
	case 2:
		kfmt.Printf("write to non-present page")
	case 3:
		kfmt.Printf("page protection violation (write)")
	case 4:
		kfmt.Printf("page-fault in user-mode")
	case 8:
		kfmt.Printf("page table has reserved bit set")
	case 16:
		kfmt.Printf("instruction fetch")
	default:
		kfmt.Printf("unknown")
	}

	kfmt.Printf("\n\nregisters:\n")
	regs.DumpTo(&kfmt.PrefixWriter{Sink: kfmt.GetOutputSink(), Prefix: []byte("  ")})
	kfmt.Panic(err)
}

func generalProtectionFaultHandler(regs *irq.Registers) {
	kfmt.Printf("\ngeneral protection fault while accessing address: 0x%x\n", readCR2Fn())
	kfmt.Printf("registers:\n")
	regs.DumpTo(&kfmt.PrefixWriter{Sink: kfmt.GetOutputSink(), Prefix: []byte("  ")})
	kfmt.Panic(errUnrecoverableFault)
}
