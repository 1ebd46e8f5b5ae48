package gdt

import "testing"

func TestPackCodeDataSetsAccessAndFlags(t *testing.T) {
	entry := packCodeData(accessPresent|accessCodeData|accessExec|accessRW, flagsLong)

	access := uint8(entry >> 40)
	flags := uint8(entry>>52) & 0xf

	if access != accessPresent|accessCodeData|accessExec|accessRW {
		t.Fatalf("unexpected access byte: %#x", access)
	}
	if flags != flagsLong {
		t.Fatalf("unexpected flags nibble: %#x", flags)
	}
}

func TestPackTSSDescriptorEncodesFullBase(t *testing.T) {
	var slots [2]uint64
	const base = uintptr(0xffff_8000_0006_2000)

	packTSSDescriptor(&slots[0], base)

	gotBaseLow := (slots[0] >> 16) & 0xffffff
	gotBaseHigh := (slots[0] >> 56) & 0xff
	gotBaseUpper := slots[1]

	wantBase := uint64(base)
	if got := gotBaseLow | gotBaseHigh<<24 | gotBaseUpper<<32; got != wantBase {
		t.Fatalf("expected base %#x, got %#x", wantBase, got)
	}

	access := uint8(slots[0] >> 40)
	if access != accessPresent|accessTSSType {
		t.Fatalf("unexpected TSS access byte: %#x", access)
	}
}

func TestSetKernelStackWritesRsp0(t *testing.T) {
	var fake taskStateSegment
	tss = &fake

	SetKernelStack(0x1_200000)

	if fake.rsp0 != 0x1_200000 {
		t.Fatalf("expected rsp0 to be 0x1200000, got %#x", fake.rsp0)
	}
}
