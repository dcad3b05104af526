package main

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestReadEhdrRejectsGarbage(t *testing.T) {
	if _, _, err := ReadEhdr([]byte("not an elf file, clearly")); err == nil {
		t.Fatal("expected an error for a non-ELF input")
	}
	if _, _, err := ReadEhdr([]byte{0x7f, 'E', 'L', 'F'}); err == nil {
		t.Fatal("expected an error for a truncated header")
	}
}

func TestReadEhdr64(t *testing.T) {
	buf := make([]byte, 64)
	copy(buf, []byte{0x7f, 'E', 'L', 'F', ELFCLASS64, ELFDATA2LSB, 1})
	le := binary.LittleEndian
	le.PutUint16(buf[16:], ET_REL)
	le.PutUint16(buf[18:], EM_X86_64)
	le.PutUint64(buf[40:], 0x1234) // e_shoff
	le.PutUint16(buf[60:], 7)      // e_shnum

	h, ec, err := ReadEhdr(buf)
	if err != nil {
		t.Fatalf("ReadEhdr failed: %v", err)
	}
	if !ec.Is64 || ec.Bo != binary.ByteOrder(binary.LittleEndian) {
		t.Errorf("wrong config: %+v", ec)
	}
	if h.Type != ET_REL || h.Machine != EM_X86_64 || h.Shoff != 0x1234 || h.Shnum != 7 {
		t.Errorf("wrong header: %+v", h)
	}
}

func TestSymRoundTrip(t *testing.T) {
	ec := ElfConfig{Is64: true, Bo: binary.LittleEndian}
	in := ESym{
		NameOff: 0x11,
		Info:    STB_GLOBAL<<4 | STT_FUNC,
		Other:   STV_HIDDEN,
		Shndx:   3,
		Value:   0xdeadbeef,
		Size:    0x40,
	}
	buf := make([]byte, ec.SymSize())
	WriteSym(buf, ec, &in)
	out, err := ReadSyms(buf, ec)
	if err != nil {
		t.Fatalf("ReadSyms failed: %v", err)
	}
	if len(out) != 1 || out[0] != in {
		t.Errorf("round trip mismatch: %+v != %+v", out[0], in)
	}
}

func TestRelRoundTripBigEndian(t *testing.T) {
	ec := ElfConfig{Is64: true, Bo: binary.BigEndian}
	in := ElfRel{Offset: 0x1000, Type: R_390_PC32DBL, Sym: 42, Addend: -8}
	buf := make([]byte, ec.RelSize(true))
	WriteRel(buf, ec, true, &in)
	out := ReadRels(buf, ec, true)
	if len(out) != 1 || out[0] != in {
		t.Errorf("round trip mismatch: %+v != %+v", out[0], in)
	}
}

func TestElfString(t *testing.T) {
	strtab := []byte("\x00hello\x00world\x00")
	if got := ElfString(strtab, 1); got != "hello" {
		t.Errorf("got %q", got)
	}
	if got := ElfString(strtab, 7); got != "world" {
		t.Errorf("got %q", got)
	}
	if got := ElfString(strtab, 100); got != "" {
		t.Errorf("out-of-bounds offset should give an empty string, got %q", got)
	}
}

func TestAlignTo(t *testing.T) {
	cases := []struct{ val, align, want uint64 }{
		{0, 8, 0}, {1, 8, 8}, {8, 8, 8}, {9, 8, 16}, {17, 1, 17}, {5, 0, 5},
	}
	for _, c := range cases {
		if got := alignTo(c.val, c.align); got != c.want {
			t.Errorf("alignTo(%d, %d) = %d, want %d", c.val, c.align, got, c.want)
		}
	}
}

func TestBitsAndSignExtend(t *testing.T) {
	if got := bits(0xdeadbeef, 15, 8); got != 0xbe {
		t.Errorf("bits = %#x", got)
	}
	if got := bit(0x80, 7); got != 1 {
		t.Errorf("bit = %d", got)
	}
	if got := signExtend(0xfff, 11); got != -1 {
		t.Errorf("signExtend(0xfff, 11) = %d", got)
	}
	if got := signExtend(0x7ff, 11); got != 0x7ff {
		t.Errorf("signExtend(0x7ff, 11) = %d", got)
	}
	if !isInt(-2048, 12) || isInt(2048, 12) || !isInt(2047, 12) {
		t.Error("isInt boundaries are off")
	}
	if !isUint(4095, 12) || isUint(4096, 12) {
		t.Error("isUint boundaries are off")
	}
}

func TestShdrWrite(t *testing.T) {
	ec := ElfConfig{Is64: true, Bo: binary.LittleEndian}
	s := Shdr{
		Type: SHT_PROGBITS, Flags: SHF_ALLOC | SHF_EXECINSTR,
		Addr: 0x401000, Offset: 0x1000, Size: 0x222, AddrAlign: 16,
	}
	buf := make([]byte, ec.ShdrSize())
	WriteShdr(buf, ec, 33, &s)

	if got := binary.LittleEndian.Uint32(buf); got != 33 {
		t.Errorf("sh_name = %d", got)
	}
	if got := binary.LittleEndian.Uint64(buf[16:]); got != 0x401000 {
		t.Errorf("sh_addr = %#x", got)
	}

	// The same header must parse back through ReadShdrs.
	file := make([]byte, 64+len(buf))
	copy(file, []byte{0x7f, 'E', 'L', 'F', ELFCLASS64, ELFDATA2LSB, 1})
	le := binary.LittleEndian
	le.PutUint16(file[16:], ET_REL)
	le.PutUint64(file[40:], 64) // e_shoff
	le.PutUint16(file[60:], 1)  // e_shnum
	copy(file[64:], buf)
	h, ec2, err := ReadEhdr(file)
	if err != nil {
		t.Fatal(err)
	}
	shdrs, err := ReadShdrs(file, h, ec2)
	if err != nil || len(shdrs) != 1 {
		t.Fatalf("ReadShdrs: %v", err)
	}
	if shdrs[0].Addr != s.Addr || shdrs[0].Size != s.Size || shdrs[0].Flags != s.Flags {
		t.Errorf("round trip mismatch: %+v", shdrs[0])
	}
}

func TestUlebOverwrite(t *testing.T) {
	// A two-byte ULEB128 must stay two bytes when overwritten.
	buf := []byte{0x80 | 0x15, 0x01, 0xff} // 0x95 = 149, continuation
	if got := readUleb(buf); got != 149 {
		t.Fatalf("readUleb = %d", got)
	}
	overwriteUleb(buf, 300)
	if got := readUleb(buf); got != 300 {
		t.Errorf("after overwrite, readUleb = %d", got)
	}
	if buf[2] != 0xff {
		t.Error("overwrite must not touch bytes past the encoding")
	}
	if !bytes.Equal(buf[:2], []byte{0x80 | (300 & 0x7f), 300 >> 7}) {
		t.Errorf("unexpected encoding: %v", buf[:2])
	}
}
