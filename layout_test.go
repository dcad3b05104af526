package main

import (
	"encoding/binary"
	"testing"
)

func testContext(t *testing.T) *Context {
	t.Helper()
	ctx := NewContext()
	ctx.Target = newArchX8664()
	ctx.Ec = ElfConfig{Is64: true, Bo: binary.LittleEndian}
	ctx.PageSize = ctx.Target.PageSize()
	return ctx
}

func TestSortOutputSections(t *testing.T) {
	ctx := testContext(t)
	ctx.OutEhdr = NewOutputEhdr(ctx)
	ctx.OutPhdr = NewOutputPhdr(ctx)
	ctx.OutShdr = NewOutputShdr()
	ctx.Interp = NewInterpSection()
	ctx.Got = NewGotSection(ctx)

	text := NewOutputSection(".text", SHT_PROGBITS, SHF_ALLOC|SHF_EXECINSTR)
	data := NewOutputSection(".data", SHT_PROGBITS, SHF_ALLOC|SHF_WRITE)
	bss := NewOutputSection(".bss", SHT_NOBITS, SHF_ALLOC|SHF_WRITE)
	rodata := NewOutputSection(".rodata", SHT_PROGBITS, SHF_ALLOC)
	initArr := NewOutputSection(".init_array", SHT_INIT_ARRAY, SHF_ALLOC|SHF_WRITE)
	initArr.relro = true
	comment := NewOutputSection(".comment", SHT_PROGBITS, 0)

	ctx.Chunks = []Chunk{
		comment, bss, data, initArr, ctx.Got, text, rodata,
		ctx.OutShdr, ctx.Interp, ctx.OutPhdr, ctx.OutEhdr,
	}
	sortOutputSections(ctx)

	order := map[string]int{}
	for i, c := range ctx.Chunks {
		order[c.Name()] = i
	}

	// Headers and .interp first.
	if ctx.Chunks[0] != Chunk(ctx.OutEhdr) || ctx.Chunks[1] != Chunk(ctx.OutPhdr) {
		t.Fatalf("headers not first: %T %T", ctx.Chunks[0], ctx.Chunks[1])
	}
	if ctx.Chunks[2] != Chunk(ctx.Interp) {
		t.Errorf(".interp must follow the headers")
	}
	// Read-only, executable, relro, writable data, bss, non-alloc.
	if !(order[".rodata"] < order[".text"]) {
		t.Error(".rodata must precede .text")
	}
	if !(order[".text"] < order[".init_array"]) {
		t.Error(".text must precede relro")
	}
	if !(order[".init_array"] < order[".got"]) {
		t.Error(".init_array must precede .got within relro")
	}
	if !(order[".got"] < order[".data"]) {
		t.Error("relro must precede plain data")
	}
	if !(order[".data"] < order[".bss"]) {
		t.Error(".data must precede .bss")
	}
	if !(order[".bss"] < order[".comment"]) {
		t.Error("allocated sections must precede non-allocated ones")
	}
}

func TestSetVirtualAddresses(t *testing.T) {
	ctx := testContext(t)
	ctx.OutEhdr = NewOutputEhdr(ctx)
	ctx.OutPhdr = NewOutputPhdr(ctx)
	ctx.OutShdr = NewOutputShdr()

	text := NewOutputSection(".text", SHT_PROGBITS, SHF_ALLOC|SHF_EXECINSTR)
	text.Shdr().Size = 0x100
	text.Shdr().AddrAlign = 16
	data := NewOutputSection(".data", SHT_PROGBITS, SHF_ALLOC|SHF_WRITE)
	data.Shdr().Size = 0x10
	data.Shdr().AddrAlign = 8

	ctx.OutPhdr.Shdr().Size = 56 * 4
	ctx.Chunks = []Chunk{ctx.OutEhdr, ctx.OutPhdr, text, data, ctx.OutShdr}

	setVirtualAddresses(ctx)

	if text.Shdr().Addr%16 != 0 {
		t.Errorf(".text misaligned: %#x", text.Shdr().Addr)
	}
	if text.Shdr().Addr < ctx.Args.ImageBase {
		t.Errorf(".text below the image base: %#x", text.Shdr().Addr)
	}
	// Protection changes between .text (r-x) and .data (rw-) force a
	// fresh page.
	if data.Shdr().Addr%ctx.PageSize != 0 {
		t.Errorf(".data must start a new page, got %#x", data.Shdr().Addr)
	}

	fileSize := setFileOffsets(ctx)
	if fileSize == 0 {
		t.Fatal("no file size")
	}
	// mmap congruence.
	if text.Shdr().Offset%ctx.PageSize != text.Shdr().Addr%ctx.PageSize {
		t.Errorf(".text offset %#x not congruent with address %#x",
			text.Shdr().Offset, text.Shdr().Addr)
	}
	if data.Shdr().Offset%ctx.PageSize != data.Shdr().Addr%ctx.PageSize {
		t.Errorf(".data offset %#x not congruent with address %#x",
			data.Shdr().Offset, data.Shdr().Addr)
	}
}

func TestTbssOverlap(t *testing.T) {
	ctx := testContext(t)
	tdata := NewOutputSection(".tdata", SHT_PROGBITS, SHF_ALLOC|SHF_WRITE|SHF_TLS)
	tdata.Shdr().Size = 0x10
	tdata.Shdr().AddrAlign = 8
	tbss := NewOutputSection(".tbss", SHT_NOBITS, SHF_ALLOC|SHF_WRITE|SHF_TLS)
	tbss.Shdr().Size = 0x100
	tbss.Shdr().AddrAlign = 8
	data := NewOutputSection(".data", SHT_PROGBITS, SHF_ALLOC|SHF_WRITE)
	data.Shdr().Size = 0x10
	data.Shdr().AddrAlign = 8

	ctx.Chunks = []Chunk{tdata, tbss, data}
	setVirtualAddresses(ctx)

	// .tbss occupies no address space: the next section overlaps it.
	if data.Shdr().Addr >= tbss.Shdr().Addr+tbss.Shdr().Size {
		t.Errorf(".data at %#x does not overlap .tbss [%#x, %#x)",
			data.Shdr().Addr, tbss.Shdr().Addr, tbss.Shdr().Addr+tbss.Shdr().Size)
	}
}

func TestPhdrFlags(t *testing.T) {
	text := NewOutputSection(".text", SHT_PROGBITS, SHF_ALLOC|SHF_EXECINSTR)
	data := NewOutputSection(".data", SHT_PROGBITS, SHF_ALLOC|SHF_WRITE)
	rodata := NewOutputSection(".rodata", SHT_PROGBITS, SHF_ALLOC)

	if got := toPhdrFlags(text); got != PF_R|PF_X {
		t.Errorf(".text flags %d", got)
	}
	if got := toPhdrFlags(data); got != PF_R|PF_W {
		t.Errorf(".data flags %d", got)
	}
	if got := toPhdrFlags(rodata); got != PF_R {
		t.Errorf(".rodata flags %d", got)
	}
}

func TestCreatePhdrs(t *testing.T) {
	ctx := testContext(t)
	ctx.OutEhdr = NewOutputEhdr(ctx)
	ctx.OutPhdr = NewOutputPhdr(ctx)
	ctx.OutShdr = NewOutputShdr()

	text := NewOutputSection(".text", SHT_PROGBITS, SHF_ALLOC|SHF_EXECINSTR)
	text.Shdr().Size = 0x100
	text.Shdr().AddrAlign = 16
	data := NewOutputSection(".data", SHT_PROGBITS, SHF_ALLOC|SHF_WRITE)
	data.Shdr().Size = 0x20
	data.Shdr().AddrAlign = 8

	ctx.Chunks = []Chunk{ctx.OutEhdr, ctx.OutPhdr, text, data, ctx.OutShdr}
	setOsecOffsets(ctx)

	phdrs := createPhdrs(ctx)
	var loads []Phdr
	var hasPhdr, hasStack bool
	for _, p := range phdrs {
		switch p.Type {
		case PT_LOAD:
			loads = append(loads, p)
		case PT_PHDR:
			hasPhdr = true
		case PT_GNU_STACK:
			hasStack = true
			if p.Flags&PF_X != 0 {
				t.Error("stack must not be executable by default")
			}
		}
	}
	if !hasPhdr || !hasStack {
		t.Error("PT_PHDR or PT_GNU_STACK missing")
	}
	// r-x and rw- regions cannot share a load segment.
	if len(loads) < 2 {
		t.Fatalf("expected at least two PT_LOADs, got %d", len(loads))
	}
	for _, p := range loads {
		if p.Vaddr%ctx.PageSize != p.Offset%ctx.PageSize {
			t.Errorf("PT_LOAD not congruent: vaddr %#x offset %#x", p.Vaddr, p.Offset)
		}
	}
}
