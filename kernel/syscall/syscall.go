// Package syscall is the synchronous ring-3 -> ring-0 trap gateway: a
// single software-interrupt vector, a fixed argument layout and a plain
// switch over the authoritative call-number table.
package syscall

import (
	"ringcore/driver/console"
	"ringcore/driver/keyboard"
	"ringcore/fs/fat12"
	"ringcore/kernel"
	"ringcore/kernel/irq"
	"ringcore/kernel/mem"
	"ringcore/kernel/mem/vmm"
	"ringcore/kernel/sched"
)

// CallNumber identifies one of the syscall entries in the authoritative
// table below. Unknown values are not rejected; Dispatch treats them as a
// silent no-op that returns 0.
type CallNumber uint64

// The syscall table. Numbers are part of the ABI a user task links
// against and must never be renumbered.
const (
	PRINTF       = CallNumber(1)
	GETPID       = CallNumber(2)
	TERMINATE    = CallNumber(3)
	GETCHAR      = CallNumber(4)
	GETCURSOR    = CallNumber(5)
	SETCURSOR    = CallNumber(6)
	EXECUTE      = CallNumber(7)
	PRINTROOTDIR = CallNumber(8)
	CLEARSCREEN  = CallNumber(9)
	CREATEFILE   = CallNumber(10)
	DELETEFILE   = CallNumber(11)
	OPENFILE     = CallNumber(12)
	CLOSEFILE    = CallNumber(13)
	READFILE     = CallNumber(14)
	WRITEFILE    = CallNumber(15)
	ENDOFFILE    = CallNumber(16)
	SEEKFILE     = CallNumber(17)
)

// Vector is the fixed software-interrupt vector user tasks trap through.
// InstallRing3Gate gives it a DPL of 3 so ring-3 INT instructions don't
// fault with a general protection exception.
const Vector = irq.InterruptNumber(0x80)

// userWindowBase is the fixed virtual address EXECUTE loads a FAT12 file's
// contents into before spawning a ring-3 task at it.
const userWindowBase = uintptr(0xffff_8000_ffff_0000)

// maxUserImageBytes bounds how much of a file EXECUTE will load into the
// fixed-size user-executable window; a bigger file simply fails to load
// rather than spilling into whatever comes next.
const maxUserImageBytes = 1 << 20 // 1 MiB

// userKernelStackTop and userStackTop are the fixed stack addresses every
// EXECUTEd task runs on. This kernel only ever runs one user task's image
// at a time out of the single load window, so one fixed pair of stacks is
// enough; a second concurrent EXECUTE would need its own window and is out
// of scope.
const (
	userKernelStackTop = uintptr(0x1_500000)
	userStackTop       = uintptr(0x7000_0000_1000)
)

// invalidHandle is returned in RAX by the file syscalls on failure; it is
// never a value fat12.Open/Create hands back (their handles index the
// 16-slot open-file table, so every real handle is below 16), so callers
// can tell it apart from a real handle.
const invalidHandle = uint64(^uint32(0))

// Args mirrors the five argument registers the trampoline hands Dispatch,
// in the fixed order every syscall reads its own subset of.
type Args struct {
	RSI, RDX, RCX, R8, R9 uint64
}

var (
	// The following package vars are mocked by tests and automatically
	// inlined by the compiler when building the kernel.
	installRing3GateFn = irq.InstallRing3Gate
	mapFn              = vmm.Map
	allocFrameFn       = mem.AllocFrame
	allocPIDFn         = sched.AllocPID
	spawnUserFn        = sched.SpawnUser
	currentPIDFn       = sched.CurrentPID
	terminateFn        = sched.Terminate

	consolePutStringFn = console.PutString
	consoleGetCursorFn = console.GetCursor
	consoleSetCursorFn = console.SetCursor
	consoleClearFn     = console.Clear
	keyboardGetCharFn  = keyboard.GetChar

	fat12ReadRootDirFn = fat12.ReadRootDir
	fat12CreateFn      = fat12.Create
	fat12DeleteFn      = fat12.Delete
	fat12OpenFn        = fat12.Open
	fat12CloseFn       = fat12.Close
	fat12ReadFn        = fat12.Read
	fat12WriteFn       = fat12.Write
	fat12EofFn         = fat12.Eof
	fat12SeekFn        = fat12.Seek

	// windowBytesFn overlays a writable byte slice onto a freshly mapped
	// user-window page; tests point it at a local buffer since the fixed
	// window address only exists once paging is live.
	windowBytesFn = func(page vmm.Page) []byte {
		return bytesAt(uint64(page.Address()), uint32(mem.PageSize))
	}
)

// Init installs Vector as a ring-3-reachable interrupt gate. Call after
// kernel/irq.Init and kernel/gdt.Init.
func Init() {
	installRing3GateFn(Vector)
}

// Dispatch runs the syscall numbered num with the given arguments and
// returns the value the trampoline places in RAX before IRETQ. Unknown
// call numbers return 0 rather than an error: a user task invoking a
// number this kernel doesn't recognize observes exactly what an
// unimplemented-but-present syscall would look like, not a crash. No
// pointer argument is validated against the caller's address space before
// use — user tasks are trusted, a known hardening gap this kernel accepts
// rather than papers over.
func Dispatch(num uint64, args *Args) uint64 {
	switch CallNumber(num) {
	case PRINTF:
		consolePutStringFn(cStringAt(args.RSI))
		return 0

	case GETPID:
		return uint64(currentPIDFn())

	case TERMINATE:
		terminateFn(currentPIDFn())
		return 0

	case GETCHAR:
		return uint64(keyboardGetCharFn())

	case GETCURSOR:
		row, col := consoleGetCursorFn()
		writeUint32At(args.RSI, row)
		writeUint32At(args.RDX, col)
		return 0

	case SETCURSOR:
		consoleSetCursorFn(uint32(args.RSI), uint32(args.RDX))
		return 0

	case EXECUTE:
		return execute(cStringAt(args.RSI))

	case PRINTROOTDIR:
		printRootDir()
		return 0

	case CLEARSCREEN:
		consoleClearFn()
		return 0

	case CREATEFILE:
		h, err := fat12CreateFn(cStringAt(args.RSI))
		if err != nil {
			return invalidHandle
		}
		return uint64(h)

	case DELETEFILE:
		if err := fat12DeleteFn(cStringAt(args.RSI)); err != nil {
			return 1
		}
		return 0

	case OPENFILE:
		h, err := fat12OpenFn(cStringAt(args.RSI))
		if err != nil {
			return invalidHandle
		}
		return uint64(h)

	case CLOSEFILE:
		if err := fat12CloseFn(fat12.Handle(args.RSI)); err != nil {
			return 1
		}
		return 0

	case READFILE:
		buf := bytesAt(args.RDX, uint32(args.RCX))
		n, err := fat12ReadFn(fat12.Handle(args.RSI), buf)
		if err != nil {
			return invalidHandle
		}
		return uint64(n)

	case WRITEFILE:
		buf := bytesAt(args.RDX, uint32(args.RCX))
		n, err := fat12WriteFn(fat12.Handle(args.RSI), buf)
		if err != nil {
			return invalidHandle
		}
		return uint64(n)

	case ENDOFFILE:
		if fat12EofFn(fat12.Handle(args.RSI)) {
			return 1
		}
		return 0

	case SEEKFILE:
		if err := fat12SeekFn(fat12.Handle(args.RSI), uint32(args.RDX)); err != nil {
			return 1
		}
		return 0
	}

	return 0
}

// printRootDir lists every occupied FAT12 root directory entry to the
// console, one name per line.
func printRootDir() {
	entries, err := fat12ReadRootDirFn()
	if err != nil {
		return
	}
	for i := range entries {
		consolePutStringFn(entries[i].Filename())
		consolePutStringFn("\n")
	}
}

// execute loads name from the FAT12 root directory into the fixed
// user-executable load window and spawns a ring-3 task at its start,
// returning the new task's PID, or 0 if the file could not be loaded.
func execute(name string) uint64 {
	h, err := fat12OpenFn(name)
	if err != nil {
		return 0
	}
	defer fat12CloseFn(h)

	if err := fat12SeekFn(h, 0); err != nil {
		return 0
	}

	image := make([]byte, 0, maxUserImageBytes)
	chunk := make([]byte, mem.PageSize)
	for {
		n, err := fat12ReadFn(h, chunk)
		if err != nil || n == 0 {
			break
		}
		image = append(image, chunk[:n]...)
		if len(image) >= maxUserImageBytes || fat12EofFn(h) {
			break
		}
	}

	if err := loadUserWindow(image); err != nil {
		return 0
	}

	pid := allocPIDFn()
	if err := spawnUserFn(userWindowBase, pid, userKernelStackTop, userStackTop); err != nil {
		return 0
	}
	return uint64(pid)
}

// loadUserWindow maps enough frames at userWindowBase to hold image and
// copies it in, page by page.
func loadUserWindow(image []byte) *kernel.Error {
	pageCount := (len(image) + int(mem.PageSize) - 1) / int(mem.PageSize)
	if pageCount == 0 {
		pageCount = 1
	}

	for i := 0; i < pageCount; i++ {
		frame, err := allocFrameFn()
		if err != nil {
			return err
		}
		page := vmm.PageFromAddress(userWindowBase + uintptr(i)*uintptr(mem.PageSize))
		if err := mapFn(page, frame, vmm.FlagPresent|vmm.FlagRW|vmm.FlagUserAccessible); err != nil {
			return err
		}

		dst := windowBytesFn(page)
		n := copy(dst, image[i*int(mem.PageSize):])
		for j := n; j < len(dst); j++ {
			dst[j] = 0
		}
	}

	return nil
}
