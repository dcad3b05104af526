package main

import (
	"encoding/binary"
	"testing"
)

func TestRelrRoundTrip(t *testing.T) {
	// Packing then unpacking yields the same address set.
	cases := [][]uint64{
		{},
		{0x1000},
		{0x1000, 0x1008, 0x1010},
		{0x1000, 0x1008, 0x1200, 0x1208, 0x1210},
		{0x1000, 0x1000 + 63*8, 0x1000 + 64*8},
		{0x400000, 0x400008, 0x500000},
	}
	for _, addrs := range cases {
		words := encodeRelr(addrs, 8)
		got := decodeRelr(words, 8)
		if len(got) != len(addrs) {
			t.Errorf("addrs %v: decoded %v", addrs, got)
			continue
		}
		for i := range addrs {
			if got[i] != addrs[i] {
				t.Errorf("addrs %v: decoded %v", addrs, got)
				break
			}
		}
	}
}

func TestRelrDense(t *testing.T) {
	// 64 consecutive word slots need exactly two words: the anchor
	// covers slot 0 and one full 63-bit bitmap covers slots 1-63.
	var addrs []uint64
	for i := 0; i < 64; i++ {
		addrs = append(addrs, 0x10000+uint64(i)*8)
	}
	words := encodeRelr(addrs, 8)
	if len(words) != 2 {
		t.Fatalf("expected 2 words, got %d (%#x)", len(words), words)
	}
	if words[0] != 0x10000 {
		t.Errorf("anchor: %#x", words[0])
	}
	if words[1] != ^uint64(0) {
		t.Errorf("bitmap must have all 63 bits plus the tag set: %#x", words[1])
	}

	// One more slot continues with a second bitmap whose base has
	// advanced 63 words: the new slot is its first bit.
	addrs = append(addrs, 0x10000+64*8)
	words = encodeRelr(addrs, 8)
	if len(words) != 3 || words[2] != 1<<1|1 {
		t.Errorf("65th slot must land in a continuation bitmap: %#x", words)
	}
}

func TestDjbHash(t *testing.T) {
	// The reference implementation's values.
	if got := djbHash(""); got != 5381 {
		t.Errorf("djbHash(\"\") = %d", got)
	}
	if got := djbHash("printf"); got != 0x156b2bb8 {
		t.Errorf("djbHash(printf) = %#x", got)
	}
}

func TestElfHash(t *testing.T) {
	if got := elfHash(""); got != 0 {
		t.Errorf("elfHash(\"\") = %d", got)
	}
	if got := elfHash("printf"); got != 0x077905a6 {
		t.Errorf("elfHash(printf) = %#x", got)
	}
}

func TestDynstrDedup(t *testing.T) {
	s := NewDynstrSection()
	a := s.AddString("libc.so.6")
	b := s.AddString("libm.so.6")
	c := s.AddString("libc.so.6")
	if a != c {
		t.Errorf("identical strings must share an offset: %d != %d", a, c)
	}
	if a == b {
		t.Error("distinct strings must not share an offset")
	}
	if a == 0 || b == 0 {
		t.Error("offset 0 is reserved for the empty string")
	}
}

func TestGotSlotAssignment(t *testing.T) {
	ctx := NewContext()
	ctx.Target = newArchX8664()
	ctx.Ec = ElfConfig{Is64: true, Bo: binary.LittleEndian}
	ctx.Got = NewGotSection(ctx)

	a := ctx.GetSymbol("a")
	b := ctx.GetSymbol("b")
	c := ctx.GetSymbol("c")
	a.AddAux(ctx)
	b.AddAux(ctx)
	c.AddAux(ctx)

	ctx.Got.AddGotSymbol(ctx, a)
	ctx.Got.AddTlsGdSymbol(ctx, b) // two slots
	ctx.Got.AddGotTpSymbol(ctx, c)

	if idx := a.aux(ctx).GotIdx; idx != 0 {
		t.Errorf("a: got idx %d", idx)
	}
	if idx := b.aux(ctx).TlsGdIdx; idx != 1 {
		t.Errorf("b: tlsgd idx %d", idx)
	}
	if idx := c.aux(ctx).GotTpIdx; idx != 3 {
		t.Errorf("c: gottp idx %d", idx)
	}
	ctx.Got.UpdateShdr(ctx)
	if ctx.Got.Shdr().Size != 4*8 {
		t.Errorf("got size %d", ctx.Got.Shdr().Size)
	}

	ctx.Got.Shdr().Addr = 0x404000
	if got := a.GetGotAddr(ctx); got != 0x404000 {
		t.Errorf("a got addr %#x", got)
	}
	if got := c.GetGotTpAddr(ctx); got != 0x404018 {
		t.Errorf("c gottp addr %#x", got)
	}
}

func TestSymbolRankOrdering(t *testing.T) {
	obj := &InputFile{Priority: 5}
	dso := &InputFile{Priority: 3, IsDSO: true}

	strong := &ESym{Info: STB_GLOBAL << 4, Shndx: 1}
	weak := &ESym{Info: STB_WEAK << 4, Shndx: 1}
	common := &ESym{Info: STB_GLOBAL << 4, Shndx: SHN_COMMON}

	// Regular beats weak beats DSO beats common, regardless of
	// priority.
	if symbolRank(obj, strong, false) >= symbolRank(obj, weak, false) {
		t.Error("strong must beat weak")
	}
	if symbolRank(obj, weak, false) >= symbolRank(dso, strong, false) {
		t.Error("weak object definition must beat a DSO definition")
	}
	if symbolRank(dso, strong, false) >= symbolRank(obj, common, false) {
		t.Error("a DSO definition must beat COMMON")
	}
	// Within a tier, the earlier file wins.
	lowPrio := &InputFile{Priority: 1}
	if symbolRank(lowPrio, strong, false) >= symbolRank(obj, strong, false) {
		t.Error("lower priority must win within a tier")
	}
	// Archive members rank below direct objects of the same strength.
	if symbolRank(obj, strong, false) >= symbolRank(obj, strong, true) {
		t.Error("a direct definition must beat a lazy archive definition")
	}
}
