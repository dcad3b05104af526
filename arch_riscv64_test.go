package main

import (
	"encoding/binary"
	"testing"
)

// Decoders mirroring the psABI immediate formats, used to verify the
// encoders bit by bit.

func decodeJtype(insn uint32) int64 {
	v := uint64(insn>>31&1)<<20 |
		uint64(insn>>21&0x3ff)<<1 |
		uint64(insn>>20&1)<<11 |
		uint64(insn>>12&0xff)<<12
	return signExtend(v, 20)
}

func decodeBtype(insn uint32) int64 {
	v := uint64(insn>>31&1)<<12 |
		uint64(insn>>25&0x3f)<<5 |
		uint64(insn>>8&0xf)<<1 |
		uint64(insn>>7&1)<<11
	return signExtend(v, 12)
}

func decodeItype(insn uint32) int64 {
	return signExtend(uint64(insn>>20), 11)
}

func decodeStype(insn uint32) int64 {
	return signExtend(uint64(insn>>25)<<5|uint64(insn>>7&0x1f), 11)
}

func decodeCjtype(insn uint16) int64 {
	v := uint64(insn>>12&1)<<11 |
		uint64(insn>>11&1)<<4 |
		uint64(insn>>9&3)<<8 |
		uint64(insn>>8&1)<<10 |
		uint64(insn>>7&1)<<6 |
		uint64(insn>>6&1)<<7 |
		uint64(insn>>3&7)<<1 |
		uint64(insn>>2&1)<<5
	return signExtend(v, 11)
}

func TestRiscvJtype(t *testing.T) {
	for _, val := range []int64{0, 2, -2, 0x7fffe, -0x80000, 0xfff4, -0xfff4} {
		loc := make([]byte, 4)
		binary.LittleEndian.PutUint32(loc, 0x0000006f) // jal x0, 0
		writeJtype(loc, uint32(val))
		insn := binary.LittleEndian.Uint32(loc)
		if got := decodeJtype(insn); got != val {
			t.Errorf("jtype(%#x): decoded %#x", val, got)
		}
		if insn&0xfff != 0x06f {
			t.Errorf("jtype(%#x): opcode/rd clobbered: %#x", val, insn)
		}
	}
}

func TestRiscvBtype(t *testing.T) {
	for _, val := range []int64{0, 2, -2, 0xffe, -0x1000, 0x554} {
		loc := make([]byte, 4)
		binary.LittleEndian.PutUint32(loc, 0x00050863) // beqz a0, 16
		orig := binary.LittleEndian.Uint32(loc)
		writeBtype(loc, uint32(val))
		insn := binary.LittleEndian.Uint32(loc)
		if got := decodeBtype(insn); got != val {
			t.Errorf("btype(%#x): decoded %#x", val, got)
		}
		if insn&0x01f07f != orig&0x01f07f {
			t.Errorf("btype(%#x): register fields clobbered", val)
		}
	}
}

func TestRiscvItypeStype(t *testing.T) {
	for _, val := range []int64{0, 1, -1, 2047, -2048, 0x555} {
		loc := make([]byte, 4)
		binary.LittleEndian.PutUint32(loc, 0x00053283) // ld t0, 0(a0)
		writeItype(loc, uint32(val))
		if got := decodeItype(binary.LittleEndian.Uint32(loc)); got != val {
			t.Errorf("itype(%d): decoded %d", val, got)
		}

		binary.LittleEndian.PutUint32(loc, 0x00a53023) // sd a0, 0(a0)
		writeStype(loc, uint32(val))
		if got := decodeStype(binary.LittleEndian.Uint32(loc)); got != val {
			t.Errorf("stype(%d): decoded %d", val, got)
		}
	}
}

func TestRiscvUtypePairsWithItype(t *testing.T) {
	// The U+I pair must reconstruct the original value: the U-type
	// compensates for the I-type's sign extension.
	for _, val := range []int64{0, 1, 0x800, 0xfff, 0x12345678, -0x12345678, -1} {
		hi := make([]byte, 4)
		lo := make([]byte, 4)
		binary.LittleEndian.PutUint32(hi, 0x00000297) // auipc t0, 0
		binary.LittleEndian.PutUint32(lo, 0x00028293) // addi t0, t0, 0
		writeUtype(hi, uint32(val))
		writeItype(lo, uint32(val))

		upper := int64(int32(binary.LittleEndian.Uint32(hi) & 0xfffff000))
		lower := decodeItype(binary.LittleEndian.Uint32(lo))
		if got := upper + lower; int32(got) != int32(val) {
			t.Errorf("u+i(%#x): reconstructed %#x", val, got)
		}
	}
}

func TestRiscvCjtype(t *testing.T) {
	for _, val := range []int64{0, 2, -2, 0x7fe, -0x800, 0x2a4} {
		loc := make([]byte, 2)
		binary.LittleEndian.PutUint16(loc, 0xa001) // c.j 0
		writeCjtype(loc, uint32(val))
		insn := binary.LittleEndian.Uint16(loc)
		if got := decodeCjtype(insn); got != val {
			t.Errorf("cjtype(%#x): decoded %#x", val, got)
		}
		if insn&0x3 != 0x1 || insn>>13 != 0b101 {
			t.Errorf("cjtype(%#x): opcode clobbered: %#x", val, insn)
		}
	}
}

func TestRiscvGetRdSetRs1(t *testing.T) {
	loc := make([]byte, 4)
	binary.LittleEndian.PutUint32(loc, 0x00053283) // ld t0(x5), 0(a0)
	if rd := getRd(loc); rd != 5 {
		t.Errorf("rd = %d", rd)
	}
	setRs1(loc, 4) // tp
	insn := binary.LittleEndian.Uint32(loc)
	if insn>>15&0x1f != 4 {
		t.Errorf("rs1 = %d", insn>>15&0x1f)
	}
	if insn&0xfff != 0x283 {
		t.Errorf("low bits clobbered: %#x", insn)
	}
}

func TestRiscvShrinkDeltas(t *testing.T) {
	deltas := []RelocDelta{{Offset: 0x10, Delta: 4}, {Offset: 0x30, Delta: 10}}

	if got := getRDelta(deltas, 0x8); got != 0 {
		t.Errorf("before the first deletion: %d", got)
	}
	if got := getRDelta(deltas, 0x10); got != 0 {
		t.Errorf("deletions at the offset itself do not count: %d", got)
	}
	if got := getRDelta(deltas, 0x11); got != 4 {
		t.Errorf("after the first deletion: %d", got)
	}
	if got := getRDelta(deltas, 0x100); got != 10 {
		t.Errorf("after all deletions: %d", got)
	}

	if got := getRemovedBytes(deltas, 0); got != 4 {
		t.Errorf("first removal: %d", got)
	}
	if got := getRemovedBytes(deltas, 1); got != 6 {
		t.Errorf("second removal: %d", got)
	}

	var dc deltaCursor
	dc.deltas = deltas
	removed, shift := dc.at(0x10)
	if removed != 4 || shift != 0 {
		t.Errorf("cursor at 0x10: removed=%d shift=%d", removed, shift)
	}
	removed, shift = dc.at(0x30)
	if removed != 6 || shift != 4 {
		t.Errorf("cursor at 0x30: removed=%d shift=%d", removed, shift)
	}
	removed, shift = dc.at(0x40)
	if removed != 0 || shift != 10 {
		t.Errorf("cursor at 0x40: removed=%d shift=%d", removed, shift)
	}
}
