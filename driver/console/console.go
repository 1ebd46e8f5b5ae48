// Package console drives the fixed 80x25 VGA text-mode framebuffer that
// serves as this kernel's sole display, wired at the single fixed physical
// address the boot chain guarantees.
package console

import (
	"reflect"
	"unsafe"

	"ringcore/kernel"
	"ringcore/kernel/cpu"
	"ringcore/kernel/mem"
	"ringcore/kernel/mem/vmm"
)

const (
	width  = 80
	height = 25

	// fbPhysAddr is the fixed physical address of the VGA text framebuffer.
	fbPhysAddr = uintptr(0x000b_8000)

	defaultFg = uint8(7) // light gray
	defaultBg = uint8(0) // black
	clearChar = uint16(' ')

	crtIndexPort = uint16(0x3d4)
	crtDataPort  = uint16(0x3d5)
	cursorHigh   = uint8(0x0e)
	cursorLow    = uint8(0x0f)
)

var (
	// mapRegionFn is mocked by tests and automatically inlined by the
	// compiler when building the kernel.
	mapRegionFn = vmm.MapRegion

	portWriteByteFn = cpu.PortWriteByte
	portReadByteFn  = cpu.PortReadByte

	fb []uint16

	cursorRow, cursorCol uint32
)

// Init maps the VGA framebuffer into the kernel's address space and clears
// the screen.
func Init() *kernel.Error {
	fbSize := mem.Size(width * height * 2)
	fbPage, err := mapRegionFn(mem.FrameFromAddress(fbPhysAddr), uintptr(fbSize), vmm.FlagPresent|vmm.FlagRW)
	if err != nil {
		return err
	}

	fb = *(*[]uint16)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  int(fbSize >> 1),
		Cap:  int(fbSize >> 1),
		Data: fbPage.Address(),
	}))

	Clear()
	return nil
}

// Clear fills the entire screen with the default colors and resets the
// cursor to the top-left corner.
func Clear() {
	attr := (uint16(defaultBg)<<4 | uint16(defaultFg)) << 8
	cell := attr | clearChar
	for i := range fb {
		fb[i] = cell
	}
	SetCursor(0, 0)
}

// WriteChar writes ch with the default colors at the given 0-based row/col.
func WriteChar(ch byte, row, col uint32) {
	if row >= height || col >= width {
		return
	}

	attr := (uint16(defaultBg)<<4 | uint16(defaultFg)) << 8
	fb[row*width+col] = attr | uint16(ch)
}

// PutString writes s starting at the current cursor position, advancing the
// cursor and wrapping/scrolling as needed. '\n' moves to the start of the
// next row.
func PutString(s string) {
	for i := 0; i < len(s); i++ {
		putByte(s[i])
	}
	SetCursor(cursorRow, cursorCol)
}

func putByte(ch byte) {
	if ch == '\n' {
		cursorRow++
		cursorCol = 0
	} else {
		WriteChar(ch, cursorRow, cursorCol)
		cursorCol++
		if cursorCol >= width {
			cursorCol = 0
			cursorRow++
		}
	}

	if cursorRow >= height {
		scrollUp()
		cursorRow = height - 1
	}
}

func scrollUp() {
	copy(fb[0:(height-1)*width], fb[width:height*width])
	attr := (uint16(defaultBg)<<4 | uint16(defaultFg)) << 8
	cell := attr | clearChar
	for i := (height - 1) * width; i < height*width; i++ {
		fb[i] = cell
	}
}

// SetCursor positions the hardware text cursor at the given 0-based
// row/col, via the CRT controller index/data ports.
func SetCursor(row, col uint32) {
	cursorRow, cursorCol = row, col

	pos := row*width + col
	portWriteByteFn(crtIndexPort, cursorLow)
	portWriteByteFn(crtDataPort, uint8(pos&0xff))
	portWriteByteFn(crtIndexPort, cursorHigh)
	portWriteByteFn(crtDataPort, uint8((pos>>8)&0xff))
}

// GetCursor reads back the hardware text cursor position.
func GetCursor() (row, col uint32) {
	portWriteByteFn(crtIndexPort, cursorLow)
	low := portReadByteFn(crtDataPort)
	portWriteByteFn(crtIndexPort, cursorHigh)
	high := portReadByteFn(crtDataPort)

	pos := uint32(high)<<8 | uint32(low)
	return pos / width, pos % width
}
