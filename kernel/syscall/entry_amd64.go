package syscall

// syscallEntry is the assembly trampoline the interrupt gate Init installs
// points at: it saves the caller's GP registers, loads the five argument
// registers into an Args on the kernel stack, calls Dispatch, places its
// return value in RAX, restores the saved registers (except RAX) and
// IRETQs back to ring 3.
func syscallEntry()
