package main

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Input reading: plain objects, shared objects, ar/thin-ar archives, and
// a restricted GNU linker-script dialect (enough for the GROUP scripts
// that libc.so and friends really are).

type fileKind int

const (
	kindUnknown fileKind = iota
	kindObject
	kindDso
	kindArchive
	kindThinArchive
	kindScript
	kindEmpty
)

func detectFileKind(data []byte) fileKind {
	switch {
	case len(data) == 0:
		return kindEmpty
	case len(data) >= 20 && string(data[:4]) == "\x7fELF":
		h, ec, err := ReadEhdr(data)
		if err != nil {
			return kindUnknown
		}
		_ = ec
		switch h.Type {
		case ET_REL:
			return kindObject
		case ET_DYN:
			return kindDso
		}
		return kindUnknown
	case len(data) >= 8 && string(data[:8]) == "!<arch>\n":
		return kindArchive
	case len(data) >= 8 && string(data[:8]) == "!<thin>\n":
		return kindThinArchive
	default:
		return kindScript
	}
}

// archiveMember is one file extracted from an ar archive.
type archiveMember struct {
	Name string
	Data []byte
}

// readArchiveMembers parses classic and thin ar archives including the
// GNU long-name table.
func readArchiveMembers(ctx *Context, path string, data []byte, thin bool) []archiveMember {
	var members []archiveMember
	var longNames []byte

	pos := 8
	for pos+60 <= len(data) {
		hdr := data[pos : pos+60]
		if hdr[58] != 0x60 || hdr[59] != 0x0a {
			ctx.Fatalf("%s: broken archive member header", path)
		}
		name := strings.TrimRight(string(hdr[:16]), " ")
		sizeStr := strings.TrimRight(string(hdr[48:58]), " ")
		size, err := strconv.Atoi(sizeStr)
		if err != nil || size < 0 {
			ctx.Fatalf("%s: broken archive member size", path)
		}
		body := pos + 60
		inline := !thin || name == "//" || name == "/" || name == "/SYM64/"
		end := body
		if inline {
			end = body + size
			if end > len(data) {
				ctx.Fatalf("%s: archive member extends past the end", path)
			}
		}

		switch {
		case name == "/" || name == "/SYM64/":
			// Symbol index; resolution drives extraction instead.
		case name == "//":
			longNames = data[body:end]
		default:
			realName := name
			if rest, ok := strings.CutPrefix(name, "/"); ok && rest != "" {
				off, err := strconv.Atoi(rest)
				if err != nil || off >= len(longNames) {
					ctx.Fatalf("%s: bad long name reference", path)
				}
				s := longNames[off:]
				if i := strings.IndexAny(string(s), "/\n"); i >= 0 {
					realName = string(s[:i])
				} else {
					realName = string(s)
				}
			} else {
				realName = strings.TrimSuffix(realName, "/")
			}

			if thin && name != "//" {
				memberPath := realName
				if !filepath.IsAbs(memberPath) {
					memberPath = filepath.Join(filepath.Dir(path), memberPath)
				}
				content, err := os.ReadFile(memberPath)
				if err != nil {
					ctx.Fatalf("%s: cannot read thin archive member: %v", path, err)
				}
				members = append(members, archiveMember{Name: memberPath, Data: content})
			} else {
				members = append(members, archiveMember{
					Name: path + "(" + realName + ")",
					Data: data[body:end],
				})
			}
		}

		pos = body
		if inline {
			pos = end
		}
		if pos%2 == 1 {
			pos++
		}
	}
	return members
}

// reader tracks the state while reading the command line's input list.
type reader struct {
	ctx          *Context
	priority     int32
	visitedPaths map[string]bool
	reproFiles   map[string][]byte
}

func newReader(ctx *Context) *reader {
	rd := &reader{ctx: ctx, priority: 1, visitedPaths: map[string]bool{}, reproFiles: map[string][]byte{}}
	ctx.ReproFiles = rd.reproFiles
	return rd
}

func (rd *reader) nextPriority() int32 {
	rd.priority++
	return rd.priority
}

// findLibrary resolves -lfoo against the search path.
func (rd *reader) findLibrary(name string, static bool) string {
	if rest, ok := strings.CutPrefix(name, ":"); ok {
		for _, dir := range rd.ctx.Args.LibraryPaths {
			p := filepath.Join(dir, rest)
			if _, err := os.Stat(p); err == nil {
				return p
			}
		}
		return ""
	}
	for _, dir := range rd.ctx.Args.LibraryPaths {
		if !static {
			p := filepath.Join(dir, "lib"+name+".so")
			if _, err := os.Stat(p); err == nil {
				return p
			}
		}
		p := filepath.Join(dir, "lib"+name+".a")
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// ReadInputFiles loads every input named on the command line in order.
func ReadInputFiles(ctx *Context, specs []inputSpec) {
	if ctx.Args.Emulation != "" {
		t, ok := GetTargetByName(ctx.Args.Emulation)
		if !ok {
			ctx.Fatalf("unknown emulation: %s", ctx.Args.Emulation)
		}
		ctx.Target = t
	}

	rd := newReader(ctx)
	for _, spec := range specs {
		switch spec.Kind {
		case specLib:
			path := rd.findLibrary(spec.Name, ctx.Args.Static)
			if path == "" {
				ctx.Fatalf("library not found: -l%s", spec.Name)
			}
			rd.readFile(path, spec)
		case specFile:
			rd.readFile(spec.Name, spec)
		}
	}

	if ctx.Target == nil {
		ctx.Fatalf("no target architecture was determined; provide an object file or -m")
	}
	ctx.PageSize = ctx.Target.PageSize()
	ctx.Ec = ElfConfig{Is64: ctx.Target.Is64(), Bo: ctx.Target.ByteOrder()}
	ctx.Checkpoint()
}

func (rd *reader) readFile(path string, spec inputSpec) {
	ctx := rd.ctx
	data, err := os.ReadFile(path)
	if err != nil {
		ctx.Fatalf("cannot open %s: %v", path, err)
	}
	rd.reproFiles[path] = data

	switch detectFileKind(data) {
	case kindObject:
		rd.addObject(path, data, spec.InLib)
	case kindDso:
		rd.addDso(path, data, spec.AsNeeded)
	case kindArchive, kindThinArchive:
		thin := detectFileKind(data) == kindThinArchive
		for _, m := range readArchiveMembers(ctx, path, data, thin) {
			switch detectFileKind(m.Data) {
			case kindObject:
				rd.addObject(m.Name, m.Data, !spec.WholeArchive)
			case kindEmpty:
			default:
				// Non-object archive members (e.g. LLVM bitcode) are
				// not supported; each is skipped with a warning.
				ctx.Warnf("%s: skipping non-ELF archive member", m.Name)
			}
		}
	case kindScript:
		rd.readScript(path, string(data), spec)
	case kindEmpty:
	default:
		ctx.Fatalf("%s: unknown file type", path)
	}
}

func (rd *reader) setTarget(path string, hdr Ehdr, ec ElfConfig) error {
	ctx := rd.ctx
	if ctx.Target == nil {
		if ctx.Args.Emulation != "" {
			t, ok := GetTargetByName(ctx.Args.Emulation)
			if !ok {
				ctx.Fatalf("unknown emulation: %s", ctx.Args.Emulation)
			}
			ctx.Target = t
		} else {
			t, ok := GetTargetByMachine(hdr.Machine, ec.Is64, isLittleEndian(ec.Bo))
			if !ok {
				return errors.Errorf("%s: unsupported machine type %d", path, hdr.Machine)
			}
			ctx.Target = t
		}
	}
	if hdr.Machine != ctx.Target.Machine() {
		return errors.Errorf("%s: incompatible machine type: expected %s", path, ctx.Target.Name())
	}
	return nil
}

func (rd *reader) addObject(name string, data []byte, inArchive bool) {
	ctx := rd.ctx
	hdr, ec, err := ReadEhdr(data)
	if err != nil {
		ctx.Fatalf("%v", err)
	}
	if err := rd.setTarget(name, hdr, ec); err != nil {
		ctx.Fatalf("%v", err)
	}
	o, err := NewObjectFile(ctx, name, data, rd.nextPriority(), inArchive)
	if err != nil {
		ctx.Fatalf("%v", err)
	}
	if o.IsLtoObj {
		ctx.Fatalf("%s: LTO objects are not supported; rebuild with -fno-lto", name)
	}
	ctx.Objs = append(ctx.Objs, o)
}

func (rd *reader) addDso(name string, data []byte, asNeeded bool) {
	ctx := rd.ctx
	hdr, ec, err := ReadEhdr(data)
	if err != nil {
		ctx.Fatalf("%v", err)
	}
	if err := rd.setTarget(name, hdr, ec); err != nil {
		ctx.Fatalf("%v", err)
	}
	d, err := NewSharedFile(ctx, name, data, rd.nextPriority(), asNeeded)
	if err != nil {
		ctx.Fatalf("%v", err)
	}
	// The same DSO may be pulled in through different paths; dedup by
	// soname.
	for _, prev := range ctx.Dsos {
		if prev.Soname == d.Soname {
			return
		}
	}
	ctx.Dsos = append(ctx.Dsos, d)
}

// readScript interprets the restricted linker-script dialect: GROUP,
// INPUT, AS_NEEDED, OUTPUT_FORMAT, SEARCH_DIR, VERSION.
func (rd *reader) readScript(path, data string, spec inputSpec) {
	ctx := rd.ctx
	toks := tokenizeScript(data)

	i := 0
	expect := func(tok string) {
		if i >= len(toks) || toks[i] != tok {
			ctx.Fatalf("%s: linker script syntax error: expected %q", path, tok)
		}
		i++
	}

	for i < len(toks) {
		switch toks[i] {
		case "GROUP", "INPUT":
			i++
			expect("(")
			asNeeded := spec.AsNeeded
			for i < len(toks) && toks[i] != ")" {
				switch toks[i] {
				case "AS_NEEDED":
					i++
					expect("(")
					for i < len(toks) && toks[i] != ")" {
						rd.scriptFile(toks[i], inputSpec{AsNeeded: true, WholeArchive: spec.WholeArchive})
						i++
					}
					expect(")")
				case ",":
					i++
				default:
					rd.scriptFile(toks[i], inputSpec{AsNeeded: asNeeded, WholeArchive: spec.WholeArchive})
					i++
				}
			}
			expect(")")
		case "OUTPUT_FORMAT":
			i++
			expect("(")
			for i < len(toks) && toks[i] != ")" {
				i++
			}
			expect(")")
		case "SEARCH_DIR":
			i++
			expect("(")
			if i < len(toks) && toks[i] != ")" {
				ctx.Args.LibraryPaths = append(ctx.Args.LibraryPaths, toks[i])
				i++
			}
			expect(")")
		case "VERSION":
			i++
			expect("(")
			depth := 1
			for i < len(toks) && depth > 0 {
				if toks[i] == "(" {
					depth++
				}
				if toks[i] == ")" {
					depth--
				}
				i++
			}
		case "ENTRY":
			i++
			expect("(")
			if i < len(toks) && toks[i] != ")" {
				ctx.Args.Entry = toks[i]
				i++
			}
			expect(")")
		case ";":
			i++
		default:
			ctx.Fatalf("%s: unsupported linker script directive: %s", path, toks[i])
		}
	}
}

// scriptFile loads one file named inside GROUP/INPUT. A name of the form
// -lfoo goes through the library search path.
func (rd *reader) scriptFile(name string, spec inputSpec) {
	ctx := rd.ctx
	if lib, ok := strings.CutPrefix(name, "-l"); ok {
		path := rd.findLibrary(lib, ctx.Args.Static)
		if path == "" {
			ctx.Fatalf("library not found: -l%s", lib)
		}
		rd.readFile(path, spec)
		return
	}
	if rd.visitedPaths[name] {
		return
	}
	rd.visitedPaths[name] = true
	rd.readFile(name, spec)
}
