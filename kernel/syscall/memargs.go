package syscall

import (
	"reflect"
	"unsafe"
)

// maxCStringLen bounds how far cStringAt will scan for a NUL terminator,
// guarding against a malformed or malicious pointer turning a syscall into
// an unbounded read. This is the only argument validation Dispatch
// performs; full bounds-checking against the caller's address space is the
// documented hardening gap.
const maxCStringLen = 4096

// cStringAt reads a NUL-terminated string out of the caller's address
// space starting at addr.
func cStringAt(addr uint64) string {
	p := (*byte)(unsafe.Pointer(uintptr(addr)))
	n := 0
	for n < maxCStringLen && *(*byte)(unsafe.Pointer(uintptr(unsafe.Pointer(p)) + uintptr(n))) != 0 {
		n++
	}

	b := bytesAt(addr, uint32(n))
	return string(b)
}

// bytesAt overlays a []byte of the given length directly onto addr,
// without copying.
func bytesAt(addr uint64, length uint32) []byte {
	return *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  int(length),
		Cap:  int(length),
		Data: uintptr(addr),
	}))
}

// writeUint32At writes v as a little-endian uint32 at addr in the caller's
// address space, used by GETCURSOR's out-params.
func writeUint32At(addr uint64, v uint32) {
	p := (*uint32)(unsafe.Pointer(uintptr(addr)))
	*p = v
}
