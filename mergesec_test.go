package main

import (
	"testing"
)

func TestFindNull(t *testing.T) {
	data := []byte("abc\x00de\x00")
	if got := findNull(data, 0, 1); got != 3 {
		t.Errorf("findNull = %d", got)
	}
	if got := findNull(data, 4, 1); got != 6 {
		t.Errorf("findNull = %d", got)
	}
	// Wide strings: a null is entsize zero bytes at an entsize-aligned
	// position.
	wide := []byte{'a', 0, 'b', 0, 0, 0, 'c', 0}
	if got := findNull(wide, 0, 2); got != 4 {
		t.Errorf("wide findNull = %d", got)
	}
	if got := findNull([]byte("abc"), 0, 1); got != -1 {
		t.Errorf("missing terminator: %d", got)
	}
}

func TestMergedSectionDedup(t *testing.T) {
	ctx := NewContext()
	ctx.Target = newArchX8664()

	m := GetMergedSectionInstance(ctx, ".rodata.str1.1", SHT_PROGBITS, SHF_ALLOC|SHF_MERGE|SHF_STRINGS, 1)
	if m2 := GetMergedSectionInstance(ctx, ".rodata.str1.1", SHT_PROGBITS, SHF_ALLOC|SHF_MERGE|SHF_STRINGS, 1); m2 != m {
		t.Fatal("same class must intern to the same merged section")
	}

	f1 := m.Insert("hello\x00", 1, 0)
	f2 := m.Insert("world\x00", 2, 2)
	f3 := m.Insert("hello\x00", 1, 3)
	if f1 != f3 {
		t.Error("identical fragments must dedup")
	}
	if f1 == f2 {
		t.Error("distinct fragments must not dedup")
	}
	if f1.P2Align() != 3 {
		t.Errorf("max contributor alignment must win: %d", f1.P2Align())
	}

	m.AssignOffsets(ctx)
	if m.Shdr().Size == 0 {
		t.Fatal("merged section has no size")
	}
	// More-aligned fragment first, less-aligned after; both inside the section.
	if f1.Offset%8 != 0 {
		t.Errorf("fragment with p2align 3 at offset %d", f1.Offset)
	}
	if f2.Offset+6 > m.Shdr().Size || f1.Offset+6 > m.Shdr().Size {
		t.Error("fragment extends past the section")
	}
	if f1.Offset == f2.Offset {
		t.Error("fragments overlap")
	}

	m.Shdr().Addr = 0x400000
	if got := f1.GetAddr(ctx); got != 0x400000+f1.Offset {
		t.Errorf("fragment address %#x", got)
	}
}

func TestOutputNameCanonicalization(t *testing.T) {
	ctx := NewContext()
	cases := []struct{ in, want string }{
		{".text.exit", ".text"},
		{".text.hot.foo", ".text"},
		{".rodata.str1.8", ".rodata"},
		{".data.rel.ro.local", ".data.rel.ro"},
		{".bss.foo", ".bss"},
		{".init_array.00050", ".init_array"},
		{".tbss.x", ".tbss"},
		{".mysection", ".mysection"},
	}
	for _, c := range cases {
		if got := getOutputName(ctx, c.in, 0); got != c.want {
			t.Errorf("getOutputName(%q) = %q, want %q", c.in, got, c.want)
		}
	}
	// SHF_MERGE sections keep their name.
	if got := getOutputName(ctx, ".rodata.str1.1", SHF_MERGE); got != ".rodata.str1.1" {
		t.Errorf("mergeable section renamed to %q", got)
	}
}

func TestIsCIdentifier(t *testing.T) {
	for name, want := range map[string]bool{
		"foo":          true,
		"__bss_start":  true,
		"foo1":         true,
		"1foo":         false,
		".text":        false,
		"foo-bar":      false,
		"":             false,
	} {
		if got := isCIdentifier(name); got != want {
			t.Errorf("isCIdentifier(%q) = %v", name, got)
		}
	}
}

func TestGetInitFiniPriority(t *testing.T) {
	file := &ObjectFile{}
	file.Shstrtab = []byte("\x00.init_array.00001\x00.init_array\x00")
	file.ElfShdrs = []Shdr{
		{Name: 1, Type: SHT_INIT_ARRAY},
		{Name: 19, Type: SHT_INIT_ARRAY},
	}
	a := &InputSection{File: file, Shndx: 0}
	b := &InputSection{File: file, Shndx: 1}
	if pa, pb := getInitFiniPriority(a), getInitFiniPriority(b); pa >= pb {
		t.Errorf("prioritized section must sort first: %d vs %d", pa, pb)
	}
}
