package main

import (
	"strings"

	"github.com/pkg/errors"
)

// SharedFile is a DSO given on the command line (directly or through
// -l / linker scripts). Only its dynamic symbol table matters; the
// definitions it exports can satisfy references, and its own undefined
// non-weak symbols are checked under --no-allow-shlib-undefined.
type SharedFile struct {
	InputFile

	Soname     string
	DtNeeded   []string
	AsNeeded   bool
	Versyms    []uint16
	VerNames   []string // indexed by version index
	Phdrs      []Phdr

	// Globals this DSO requires from somewhere else.
	UndefSyms []*Symbol
}

// NewSharedFile parses the dynamic sections of a DSO.
func NewSharedFile(ctx *Context, name string, data []byte, priority int32, asNeeded bool) (*SharedFile, error) {
	hdr, ec, err := ReadEhdr(data)
	if err != nil {
		return nil, errors.Wrap(err, name)
	}
	if hdr.Type != ET_DYN {
		return nil, errors.Errorf("%s: not a shared object", name)
	}

	d := &SharedFile{}
	d.Name = name
	d.Data = data
	d.Priority = priority
	d.IsDSO = true
	d.Ec = ec
	d.EHdr = hdr
	d.Dso = d
	d.AsNeeded = asNeeded
	d.Soname = name
	d.IsReachable.Store(!asNeeded)

	d.ElfShdrs, err = ReadShdrs(data, hdr, ec)
	if err != nil {
		return nil, errors.Wrap(err, name)
	}
	if hdr.Shstrndx < len(d.ElfShdrs) {
		s := &d.ElfShdrs[hdr.Shstrndx]
		d.Shstrtab = data[s.Offset : s.Offset+s.Size]
	}
	d.readPhdrs()

	var dynamicShdr, dynsymShdr, versymShdr, verdefShdr, verneedShdr *Shdr
	for i := range d.ElfShdrs {
		s := &d.ElfShdrs[i]
		switch s.Type {
		case SHT_DYNAMIC:
			dynamicShdr = s
		case SHT_DYNSYM:
			dynsymShdr = s
		case SHT_GNU_VERSYM:
			versymShdr = s
		case SHT_GNU_VERDEF:
			verdefShdr = s
		case SHT_GNU_VERNEED:
			verneedShdr = s
		}
	}
	_ = verneedShdr

	if dynsymShdr != nil {
		d.ElfSyms, err = ReadSyms(data[dynsymShdr.Offset:dynsymShdr.Offset+dynsymShdr.Size], ec)
		if err != nil {
			return nil, errors.Wrap(err, name)
		}
		d.FirstGlobal = int(dynsymShdr.Info)
		strtab := &d.ElfShdrs[dynsymShdr.Link]
		d.SymbolStrtab = data[strtab.Offset : strtab.Offset+strtab.Size]
	}
	if dynamicShdr != nil {
		d.readDynamic(ctx, dynamicShdr)
	}
	if versymShdr != nil {
		n := int(versymShdr.Size / 2)
		d.Versyms = make([]uint16, n)
		raw := data[versymShdr.Offset:]
		for i := 0; i < n; i++ {
			d.Versyms[i] = ec.Bo.Uint16(raw[i*2:])
		}
	}
	if verdefShdr != nil {
		d.readVerdef(verdefShdr)
	}

	d.initializeSymbols(ctx)
	return d, nil
}

func (d *SharedFile) readPhdrs() {
	if d.EHdr.Phoff == 0 {
		return
	}
	bo := d.Ec.Bo
	for i := 0; i < d.EHdr.Phnum; i++ {
		b := d.Data[d.EHdr.Phoff+uint64(i*d.Ec.PhdrSize()):]
		var p Phdr
		p.Type = bo.Uint32(b)
		if d.Ec.Is64 {
			p.Flags = bo.Uint32(b[4:])
			p.Offset = bo.Uint64(b[8:])
			p.Vaddr = bo.Uint64(b[16:])
			p.FileSize = bo.Uint64(b[32:])
			p.MemSize = bo.Uint64(b[40:])
		} else {
			p.Offset = uint64(bo.Uint32(b[4:]))
			p.Vaddr = uint64(bo.Uint32(b[8:]))
			p.FileSize = uint64(bo.Uint32(b[16:]))
			p.MemSize = uint64(bo.Uint32(b[20:]))
			p.Flags = bo.Uint32(b[24:])
		}
		d.Phdrs = append(d.Phdrs, p)
	}
}

func (d *SharedFile) readDynamic(ctx *Context, shdr *Shdr) {
	data := d.Data[shdr.Offset : shdr.Offset+shdr.Size]
	wordSize := d.Ec.WordSize()
	bo := d.Ec.Bo

	var strtabOff uint64
	type tagval struct{ tag, val uint64 }
	var entries []tagval
	for p := 0; p+2*wordSize <= len(data); p += 2 * wordSize {
		var tag, val uint64
		if d.Ec.Is64 {
			tag = bo.Uint64(data[p:])
			val = bo.Uint64(data[p+8:])
		} else {
			tag = uint64(bo.Uint32(data[p:]))
			val = uint64(bo.Uint32(data[p+4:]))
		}
		if tag == DT_NULL {
			break
		}
		if tag == DT_STRTAB {
			strtabOff = val
		}
		entries = append(entries, tagval{tag, val})
	}

	// DT_STRTAB holds a virtual address; translate through the phdrs.
	strtab := d.translateVaddr(strtabOff)
	for _, e := range entries {
		switch e.tag {
		case DT_SONAME:
			if strtab != nil {
				d.Soname = ElfString(strtab, uint32(e.val))
			}
		case DT_NEEDED:
			if strtab != nil {
				d.DtNeeded = append(d.DtNeeded, ElfString(strtab, uint32(e.val)))
			}
		}
	}
}

// translateVaddr maps a DSO virtual address to file bytes.
func (d *SharedFile) translateVaddr(vaddr uint64) []byte {
	for i := range d.Phdrs {
		p := &d.Phdrs[i]
		if p.Type == PT_LOAD && p.Vaddr <= vaddr && vaddr < p.Vaddr+p.FileSize {
			return d.Data[p.Offset+vaddr-p.Vaddr:]
		}
	}
	return nil
}

// IsReadonly reports whether sym lives in a read-only segment of the
// DSO. Used to decide between .copyrel and .copyrel.rel.ro.
func (d *SharedFile) IsReadonly(sym *Symbol) bool {
	e := sym.Esym()
	if e == nil {
		return false
	}
	for i := range d.Phdrs {
		p := &d.Phdrs[i]
		if p.Type == PT_LOAD && p.Flags&PF_W == 0 &&
			p.Vaddr <= e.Value && e.Value < p.Vaddr+p.MemSize {
			return true
		}
	}
	return false
}

func (d *SharedFile) readVerdef(shdr *Shdr) {
	data := d.Data[shdr.Offset : shdr.Offset+shdr.Size]
	bo := d.Ec.Bo
	strtab := d.SymbolStrtab

	// Verdef: version u16, flags u16, ndx u16, cnt u16, hash u32,
	// aux u32, next u32; Verdaux: name u32, next u32.
	d.VerNames = make([]string, 2)
	pos := 0
	for {
		if pos+20 > len(data) {
			break
		}
		ndx := bo.Uint16(data[pos+4:])
		aux := bo.Uint32(data[pos+12:])
		next := bo.Uint32(data[pos+16:])
		if int(pos)+int(aux)+4 <= len(data) {
			nameOff := bo.Uint32(data[pos+int(aux):])
			for int(ndx) >= len(d.VerNames) {
				d.VerNames = append(d.VerNames, "")
			}
			d.VerNames[ndx] = ElfString(strtab, nameOff)
		}
		if next == 0 {
			break
		}
		pos += int(next)
	}
}

// VersionName returns the name for a version index.
func (d *SharedFile) VersionName(ver uint32) string {
	idx := int(ver &^ 0x8000)
	if idx < len(d.VerNames) {
		return d.VerNames[idx]
	}
	return ""
}

func (d *SharedFile) initializeSymbols(ctx *Context) {
	d.Symbols = make([]*Symbol, len(d.ElfSyms))
	for i := range d.ElfSyms {
		esym := &d.ElfSyms[i]
		if i < d.FirstGlobal {
			d.Symbols[i] = nil
			continue
		}
		name := ElfString(d.SymbolStrtab, esym.NameOff)
		sym := ctx.GetSymbol(name)
		d.Symbols[i] = sym
		if esym.IsUndef() && !esym.IsWeak() {
			d.UndefSyms = append(d.UndefSyms, sym)
		}
	}
}

// versionIndexOf returns the DSO's version index for its i'th dynsym
// entry, masking the hidden bit.
func (d *SharedFile) versionIndexOf(i int) uint32 {
	if i < len(d.Versyms) {
		return uint32(d.Versyms[i] &^ 0x8000)
	}
	return VER_NDX_GLOBAL
}

// ResolveSymbols is phase A for a DSO: definitions it exports compete at
// DSO rank.
func (d *SharedFile) ResolveSymbols(ctx *Context) {
	for i := d.FirstGlobal; i < len(d.ElfSyms); i++ {
		esym := &d.ElfSyms[i]
		if !esym.IsDefined() {
			continue
		}
		// Hidden or internal symbols of a DSO are not exported.
		if esym.Visibility() == STV_HIDDEN || esym.Visibility() == STV_INTERNAL {
			continue
		}
		sym := d.Symbols[i]
		if sym.SkipDSO.Load() {
			continue
		}
		rank := symbolRank(&d.InputFile, esym, false)

		sym.mu.Lock()
		if rank < sym.rank {
			sym.rank = rank
			sym.Value = int64(esym.Value)
			sym.SymIdx = int32(i)
			sym.VerIdx = d.versionIndexOf(i)
			sym.IsWeak = true // DSO definitions never cause duplicate errors
			sym.Isec = nil
			sym.Frag = nil
			sym.OutChunk = nil
			sym.setFile(&d.InputFile)
		}
		sym.mu.Unlock()
	}
}

// MarkLiveObjects: a reachable DSO keeps the files defining what it
// needs.
func (d *SharedFile) MarkLiveObjects(ctx *Context, feeder func(*InputFile)) {
	for _, sym := range d.UndefSyms {
		if f := sym.File(); f != nil && !f.IsReachable.Swap(true) {
			feeder(f)
		}
	}
}

// CheckShlibUndefined reports unresolved non-weak undefs of reachable
// DSOs, but only when all DT_NEEDED dependencies of the DSO are known to
// us (otherwise the definition could be in an unseen library).
func (ctx *Context) CheckShlibUndefined() {
	if ctx.Args.AllowShlibUndefined {
		return
	}
	known := make(map[string]bool)
	for _, d := range ctx.Dsos {
		known[d.Soname] = true
	}

	parallelForEach(ctx.Dsos, func(d *SharedFile) {
		if !d.IsReachable.Load() {
			return
		}
		for _, needed := range d.DtNeeded {
			if !known[needed] && !strings.HasPrefix(needed, "ld-linux") {
				return
			}
		}
		for _, sym := range d.UndefSyms {
			if sym.File() == nil {
				ctx.Errorf("%s: undefined reference to %s", d.Name, sym.Name)
			}
		}
	})
}
