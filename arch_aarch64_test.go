package main

import (
	"encoding/binary"
	"testing"
)

// decodeAdrp reconstructs the page displacement an ADRP encodes.
func decodeAdrp(insn uint32) int64 {
	immlo := uint64(insn>>29) & 3
	immhi := uint64(insn>>5) & 0x7ffff
	return signExtend(immhi<<14|immlo<<12, 32)
}

func TestAdrpRoundTrip(t *testing.T) {
	// Encoding then decoding an ADRP immediate is the identity for every
	// 4 KiB-aligned displacement in [-2^32, 2^32).
	for _, val := range []int64{
		0, 0x1000, -0x1000, 0x7ffff000, -0x80000000,
		0xfffff000, -0x100000000, 0x100000000 - 0x1000, 42 * 0x1000, -42 * 0x1000,
	} {
		loc := make([]byte, 4)
		binary.LittleEndian.PutUint32(loc, 0x90000010) // adrp x16, 0
		writeAdrp(loc, uint64(val))
		insn := binary.LittleEndian.Uint32(loc)
		if got := decodeAdrp(insn); got != val {
			t.Errorf("adrp(%#x): decoded %#x", val, got)
		}
		if insn&0x9f00001f != 0x90000010 {
			t.Errorf("adrp(%#x): opcode or register bits clobbered: %#x", val, insn)
		}
	}
}

func TestWriteAdr(t *testing.T) {
	loc := make([]byte, 4)
	binary.LittleEndian.PutUint32(loc, 0x10000010) // adr x16, 0
	writeAdr(loc, 0x12345)
	insn := binary.LittleEndian.Uint32(loc)
	immlo := insn >> 29 & 3
	immhi := insn >> 5 & 0x7ffff
	if got := immhi<<2 | immlo; got != 0x12345 {
		t.Errorf("adr immediate: got %#x", got)
	}
}

func TestWriteMovnMovz(t *testing.T) {
	loc := make([]byte, 4)
	binary.LittleEndian.PutUint32(loc, 0xd2800011) // movz x17, #0
	writeMovnMovz(loc, 0x1234)
	insn := binary.LittleEndian.Uint32(loc)
	if insn&0xff800000 != 0xd2800000 {
		t.Errorf("positive value must encode MOVZ, got %#x", insn)
	}
	if insn>>5&0xffff != 0x1234 {
		t.Errorf("movz immediate: got %#x", insn>>5&0xffff)
	}
	if insn&0x1f != 17 {
		t.Errorf("register clobbered: %#x", insn)
	}

	binary.LittleEndian.PutUint32(loc, 0xd2800011)
	writeMovnMovz(loc, -2)
	insn = binary.LittleEndian.Uint32(loc)
	if insn&0xff800000 != 0x92800000 {
		t.Errorf("negative value must encode MOVN, got %#x", insn)
	}
	if insn>>5&0xffff != 1 { // ^(-2) == 1
		t.Errorf("movn immediate: got %#x", insn>>5&0xffff)
	}
}

func TestAArch64PltEntry(t *testing.T) {
	ctx := NewContext()
	ctx.Target = newArchAArch64()
	ctx.Ec = ElfConfig{Is64: true, Bo: binary.LittleEndian}
	ctx.Got = NewGotSection(ctx)
	ctx.GotPlt = NewGotPltSection(ctx)
	ctx.Plt = NewPltSection(ctx)
	ctx.PltGot = NewPltGotSection(ctx)
	ctx.Plt.Shdr().Addr = 0x401000
	ctx.GotPlt.Shdr().Addr = 0x404000

	sym := ctx.GetSymbol("puts")
	sym.AddAux(ctx)
	ctx.Plt.AddSymbol(ctx, sym)

	buf := make([]byte, 16)
	ctx.Target.WritePltEntry(ctx, buf, sym)

	// The entry ends with br x17; brk never follows in a 16-byte entry.
	if got := binary.LittleEndian.Uint32(buf[12:]); got != 0xd61f0220 {
		t.Errorf("last instruction: %#x", got)
	}
	// The low 12 bits of the .got.plt slot go into the add.
	slot := sym.GetGotPltAddr(ctx)
	add := binary.LittleEndian.Uint32(buf[8:])
	if add>>10&0xfff != uint32(slot&0xfff) {
		t.Errorf("add immediate %#x, slot %#x", add>>10&0xfff, slot)
	}
}

func TestAArch64ThunkOffsets(t *testing.T) {
	ctx := NewContext()
	target := newArchAArch64()
	ctx.Target = target

	osec := NewOutputSection(".text", SHT_PROGBITS, SHF_ALLOC|SHF_EXECINSTR)
	th := &Thunk{OutputSection: osec}
	th.Symbols = []*Symbol{ctx.GetSymbol("a"), ctx.GetSymbol("b"), ctx.GetSymbol("c")}

	size := target.FinalizeThunk(ctx, th, true)
	// The first pass is pessimistic: every entry is long.
	if size != 3*aarch64LongThunk {
		t.Errorf("first-pass size = %d", size)
	}
	if len(th.Offsets) != 4 || th.Offsets[3] != size {
		t.Errorf("offsets = %v", th.Offsets)
	}
	for i := 1; i < len(th.Offsets); i++ {
		if th.Offsets[i] <= th.Offsets[i-1] {
			t.Errorf("offsets not increasing: %v", th.Offsets)
		}
	}
}
