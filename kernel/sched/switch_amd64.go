package sched

// contextSwitchEntry is the assembly entry point Init splices onto the
// timer vector via irq.ReplaceVectorWithRawEntry. On entry (interrupts
// already disabled by the interrupt gate) it:
//
//  1. Reads R15; if non-zero, saves RAX..R15, DS/ES/FS/GS and the five
//     words of the CPU-pushed IRETQ frame (offsets 0/8/16/24/32 =
//     RIP/CS/RFLAGS/RSP/SS) into the Task R15 points at.
//  2. Calls rotate, which returns the new head of the run queue.
//  3. Restores RAX..R15, DS/ES/FS/GS from the returned Task and rewrites
//     the same five IRETQ frame offsets on the kernel stack with the new
//     task's values.
//  4. Sends EOI to the master PIC and executes IRETQ.
func contextSwitchEntry()
