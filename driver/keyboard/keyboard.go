// Package keyboard implements the one-byte lossy last-key buffer behind
// syscall GETCHAR. The PS/2 keyboard IRQ handler (wired by the caller via
// irq.HandleIRQ) calls Push on every keypress; the last key pressed wins if
// GETCHAR has not yet consumed the previous one.
package keyboard

import (
	"unsafe"

	"ringcore/kernel/cpu"
)

const dataPort = uint16(0x60)

var (
	// portReadByteFn and haltFn are mocked by tests and automatically
	// inlined by the compiler when building the kernel.
	portReadByteFn = cpu.PortReadByte
	haltFn         = cpu.Halt

	// bufferAddr is the fixed higher-half address of the one-byte last-key
	// buffer, the final byte of the kernel's 2 MiB window. Byte value 0
	// means "no key pending"; the keyboard controller never produces it.
	bufferAddr = uintptr(0xffff_8000_001f_ffff)
)

func buffer() *byte {
	return (*byte)(unsafe.Pointer(bufferAddr))
}

// Push records a newly scanned key, overwriting any key that has not yet
// been consumed.
func Push(b byte) {
	*buffer() = b
}

// HandleIRQ reads the scancode-translated byte off the keyboard controller's
// data port and pushes it into the buffer. Scancode-to-ASCII translation is
// out of scope; the controller is assumed to be programmed into the mode
// that already hands back ASCII bytes.
func HandleIRQ() {
	Push(portReadByteFn(dataPort))
}

// GetChar blocks until a key is available, then returns it and clears the
// buffer. The caller must be running with interrupts enabled: the loop
// halts the CPU between checks and relies on the keyboard IRQ to wake it.
func GetChar() byte {
	p := buffer()
	for *p == 0 {
		haltFn()
	}

	b := *p
	*p = 0
	return b
}
