package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestTokenizeResponseFile(t *testing.T) {
	toks := tokenizeResponseFile("-o out\n 'a b' \"c d\"\te\\ f\n")
	want := []string{"-o", "out", "a b", "c d", "e f"}
	if len(toks) != len(want) {
		t.Fatalf("got %v", toks)
	}
	for i := range want {
		if toks[i] != want[i] {
			t.Errorf("token %d: %q != %q", i, toks[i], want[i])
		}
	}
}

func TestExpandResponseFiles(t *testing.T) {
	dir := t.TempDir()
	inner := filepath.Join(dir, "inner.rsp")
	outer := filepath.Join(dir, "outer.rsp")
	os.WriteFile(inner, []byte("-lm\n"), 0o644)
	os.WriteFile(outer, []byte("-o out @"+inner+"\n"), 0o644)

	ctx := NewContext()
	got := expandResponseFiles(ctx, []string{"@" + outer, "foo.o"}, 0)
	want := []string{"-o", "out", "-lm", "foo.o"}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("arg %d: %q != %q", i, got[i], want[i])
		}
	}
}

func TestParseArgsBasics(t *testing.T) {
	ctx := NewContext()
	specs := ParseArgs(ctx, []string{
		"-o", "prog", "-melf_x86_64", "--as-needed", "-lfoo", "--no-as-needed",
		"crt1.o", "-L/usr/lib", "-z", "now", "-znorelro",
		"--wrap", "malloc", "--defsym=bar=0x1000", "-e", "my_start",
		"--hash-style=gnu", "--pack-dyn-relocs=relr",
	})

	a := &ctx.Args
	if a.Output != "prog" || a.Emulation != "elf_x86_64" || a.Entry != "my_start" {
		t.Errorf("basic options wrong: %+v", a)
	}
	if !a.ZNow || a.ZRelro {
		t.Error("-z flags not applied")
	}
	if a.HashStyle != HashStyleGnu || !a.PackDynRelocsRelr {
		t.Error("hash/pack options not applied")
	}
	if len(a.LibraryPaths) != 1 || a.LibraryPaths[0] != "/usr/lib" {
		t.Errorf("library path: %v", a.LibraryPaths)
	}
	if !ctx.isWrapped("malloc") {
		t.Error("--wrap not recorded")
	}
	if len(a.Defsyms) != 1 || a.Defsyms[0].Name != "bar" || !a.Defsyms[0].IsAddr ||
		a.Defsyms[0].Addr != 0x1000 {
		t.Errorf("defsym: %+v", a.Defsyms)
	}

	if len(specs) != 2 {
		t.Fatalf("specs: %+v", specs)
	}
	if specs[0].Kind != specLib || specs[0].Name != "foo" || !specs[0].AsNeeded {
		t.Errorf("lib spec: %+v", specs[0])
	}
	if specs[1].Kind != specFile || specs[1].Name != "crt1.o" || specs[1].AsNeeded {
		t.Errorf("file spec: %+v", specs[1])
	}
}

func TestParseArgsPushPopState(t *testing.T) {
	ctx := NewContext()
	specs := ParseArgs(ctx, []string{
		"--push-state", "--whole-archive", "a.a", "--pop-state", "b.a",
	})
	if len(specs) != 2 {
		t.Fatalf("specs: %+v", specs)
	}
	if !specs[0].WholeArchive {
		t.Error("state not applied inside push/pop")
	}
	if specs[1].WholeArchive {
		t.Error("state leaked past --pop-state")
	}
}

func TestParseArgsStartEndLib(t *testing.T) {
	ctx := NewContext()
	specs := ParseArgs(ctx, []string{"--start-lib", "a.o", "--end-lib", "b.o"})
	if !specs[0].InLib || specs[1].InLib {
		t.Errorf("start/end-lib state wrong: %+v", specs)
	}
}

func TestVersionScript(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "ver.map")
	os.WriteFile(script, []byte(`
VERS_1 {
  global:
    foo; bar*;
  local:
    *;
};
`), 0o644)

	ctx := NewContext()
	parseVersionScript(ctx, script)

	if len(ctx.Args.VersionDefs) != 1 || ctx.Args.VersionDefs[0] != "VERS_1" {
		t.Fatalf("version defs: %v", ctx.Args.VersionDefs)
	}
	if v, ok := matchVersionPattern(ctx, "foo"); !ok || v != VER_NDX_LAST_RESERVED+1 {
		t.Errorf("foo: %d %v", v, ok)
	}
	if v, ok := matchVersionPattern(ctx, "barbaz"); !ok || v != VER_NDX_LAST_RESERVED+1 {
		t.Errorf("barbaz: %d %v", v, ok)
	}
	if v, ok := matchVersionPattern(ctx, "other"); !ok || v != VER_NDX_LOCAL {
		t.Errorf("other must match the local catch-all: %d %v", v, ok)
	}
}

func TestArchiveReader(t *testing.T) {
	// A minimal classic archive with one member.
	payload := []byte{0x7f, 'E', 'L', 'F'}
	hdr := make([]byte, 60)
	copy(hdr, "m.o/            ")
	copy(hdr[16:], "0           ") // mtime
	copy(hdr[28:], "0     0     ")
	copy(hdr[40:], "100644  ")
	copy(hdr[48:], "4         ")
	hdr[58], hdr[59] = 0x60, 0x0a

	data := append([]byte("!<arch>\n"), hdr...)
	data = append(data, payload...)

	ctx := NewContext()
	members := readArchiveMembers(ctx, "test.a", data, false)
	if len(members) != 1 {
		t.Fatalf("members: %d", len(members))
	}
	if members[0].Name != "test.a(m.o)" {
		t.Errorf("member name: %s", members[0].Name)
	}
	if string(members[0].Data) != string(payload) {
		t.Errorf("member data: %v", members[0].Data)
	}
}

func TestDetectFileKind(t *testing.T) {
	if got := detectFileKind([]byte("!<arch>\nrest")); got != kindArchive {
		t.Errorf("archive: %d", got)
	}
	if got := detectFileKind([]byte("!<thin>\nrest")); got != kindThinArchive {
		t.Errorf("thin archive: %d", got)
	}
	if got := detectFileKind([]byte("GROUP ( libc.so.6 )")); got != kindScript {
		t.Errorf("script: %d", got)
	}
	if got := detectFileKind(nil); got != kindEmpty {
		t.Errorf("empty: %d", got)
	}
}
