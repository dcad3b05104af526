package main

import (
	"encoding/binary"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

func writeWord(ctx *Context, buf []byte, val uint64) {
	if ctx.Ec.Is64 {
		ctx.Ec.Bo.PutUint64(buf, val)
	} else {
		ctx.Ec.Bo.PutUint32(buf, uint32(val))
	}
}

// InterpSection holds the path of the program interpreter.
type InterpSection struct {
	chunkBase
}

func NewInterpSection() *InterpSection {
	s := &InterpSection{chunkBase: newChunkBase(".interp", SHT_PROGBITS, SHF_ALLOC)}
	return s
}

func (s *InterpSection) UpdateShdr(ctx *Context) {
	s.shdr.Size = uint64(len(ctx.Args.DynamicLinker) + 1)
}

func (s *InterpSection) CopyBuf(ctx *Context) {
	buf := ctx.Buf[s.shdr.Offset:]
	n := copy(buf, ctx.Args.DynamicLinker)
	buf[n] = 0
}

// gotEntryKind distinguishes the slot classes inside .got.
type gotEntryKind uint8

const (
	gotRegular gotEntryKind = iota
	gotTprel
	gotTlsGd // two slots
	gotTlsDesc
	gotTlsLd
)

type gotEntry struct {
	kind gotEntryKind
	sym  *Symbol
}

// GotSection is .got: addresses resolved by the dynamic linker (or by
// the linker itself when they are link-time constants).
type GotSection struct {
	chunkBase
	entries    []gotEntry
	numSlots   int64
	TlsLdIdx   int32
	reldynBase uint64
}

func NewGotSection(ctx *Context) *GotSection {
	s := &GotSection{chunkBase: newChunkBase(".got", SHT_PROGBITS, SHF_ALLOC|SHF_WRITE)}
	s.relro = true
	s.shdr.AddrAlign = uint64(ctx.Target.WordSize())
	s.TlsLdIdx = -1
	return s
}

func (s *GotSection) addSlots(kind gotEntryKind, sym *Symbol, n int64) int32 {
	idx := int32(s.numSlots)
	s.entries = append(s.entries, gotEntry{kind: kind, sym: sym})
	s.numSlots += n
	return idx
}

func (s *GotSection) AddGotSymbol(ctx *Context, sym *Symbol) {
	sym.aux(ctx).GotIdx = s.addSlots(gotRegular, sym, 1)
}

func (s *GotSection) AddGotTpSymbol(ctx *Context, sym *Symbol) {
	sym.aux(ctx).GotTpIdx = s.addSlots(gotTprel, sym, 1)
}

func (s *GotSection) AddTlsGdSymbol(ctx *Context, sym *Symbol) {
	sym.aux(ctx).TlsGdIdx = s.addSlots(gotTlsGd, sym, 2)
}

func (s *GotSection) AddTlsDescSymbol(ctx *Context, sym *Symbol) {
	sym.aux(ctx).TlsDescIdx = s.addSlots(gotTlsDesc, sym, 2)
}

func (s *GotSection) AddTlsLd(ctx *Context) {
	if s.TlsLdIdx == -1 {
		s.TlsLdIdx = s.addSlots(gotTlsLd, nil, 2)
	}
}

func (s *GotSection) TlsLdAddr(ctx *Context) uint64 {
	return s.shdr.Addr + uint64(s.TlsLdIdx)*uint64(ctx.Target.WordSize())
}

func (s *GotSection) UpdateShdr(ctx *Context) {
	s.shdr.Size = uint64(s.numSlots) * uint64(ctx.Target.WordSize())
}

// NumDynRels counts the dynamic relocations this section will emit.
func (s *GotSection) NumDynRels(ctx *Context) int64 {
	isShared := ctx.Args.Shared
	isPic := isShared || ctx.Args.Pie
	var n int64
	for _, e := range s.entries {
		switch e.kind {
		case gotRegular:
			switch {
			case e.sym.IsIfunc():
				n++
			case e.sym.IsImported:
				n++
			case isPic:
				if !(ctx.Args.PackDynRelocsRelr && ctx.Relr != nil) {
					n++
				}
			}
		case gotTprel:
			if e.sym.IsImported || isShared {
				n++
			}
		case gotTlsGd:
			if e.sym.IsImported {
				n += 2
			} else if isShared {
				n++
			}
		case gotTlsDesc:
			n++
		case gotTlsLd:
			if isShared {
				n++
			}
		}
	}
	return n
}

func (s *GotSection) ConstructRelr(ctx *Context) {
	if !ctx.Args.PackDynRelocsRelr {
		return
	}
	isPic := ctx.Args.Shared || ctx.Args.Pie
	wordSize := uint64(ctx.Target.WordSize())
	for _, e := range s.entries {
		if e.kind == gotRegular && !e.sym.IsImported && !e.sym.IsIfunc() && isPic {
			ctx.Relr.Add(s.shdr.Addr + uint64(e.sym.aux(ctx).GotIdx)*wordSize)
		}
	}
}

// CopyBuf fills the GOT slots and emits the matching dynamic relocations
// into this section's reserved region of .rela.dyn.
func (s *GotSection) CopyBuf(ctx *Context) {
	base := ctx.Buf[s.shdr.Offset:]
	clear(base[:s.shdr.Size])

	t := ctx.Target
	wordSize := uint64(t.WordSize())
	isShared := ctx.Args.Shared
	isPic := isShared || ctx.Args.Pie
	useRelr := ctx.Args.PackDynRelocsRelr && ctx.Relr != nil

	relCursor := 0
	addRel := func(typ uint32, sym *Symbol, offset uint64, addend int64) {
		dynsymIdx := uint32(0)
		if sym != nil && sym.DynsymIdx(ctx) > 0 {
			dynsymIdx = uint32(sym.DynsymIdx(ctx))
		}
		rel := ElfRel{Offset: offset, Type: typ, Sym: dynsymIdx, Addend: addend}
		pos := s.reldynBase + uint64(relCursor)*uint64(ctx.Ec.RelSize(true))
		WriteRel(ctx.Buf[ctx.RelDyn.shdr.Offset+pos:], ctx.Ec, true, &rel)
		relCursor++
	}

	for _, e := range s.entries {
		sym := e.sym
		switch e.kind {
		case gotRegular:
			slot := uint64(sym.aux(ctx).GotIdx)
			addr := s.shdr.Addr + slot*wordSize
			switch {
			case sym.IsIfunc():
				// The resolver runs after all other relocations.
				writeWord(ctx, base[slot*wordSize:], sym.GetAddr(ctx, addrNoPlt))
				addRel(t.RIRelative(), nil, addr, int64(sym.GetAddr(ctx, addrNoPlt)))
			case sym.IsImported:
				addRel(t.RGlobDat(), sym, addr, 0)
			case isPic:
				writeWord(ctx, base[slot*wordSize:], sym.GetAddr(ctx, 0))
				if !useRelr {
					addRel(t.RRelative(), nil, addr, int64(sym.GetAddr(ctx, 0)))
				}
			default:
				writeWord(ctx, base[slot*wordSize:], sym.GetAddr(ctx, 0))
			}
		case gotTprel:
			slot := uint64(sym.aux(ctx).GotTpIdx)
			addr := s.shdr.Addr + slot*wordSize
			switch {
			case sym.IsImported:
				addRel(t.RTpoff(), sym, addr, 0)
			case isShared:
				addRel(t.RTpoff(), nil, addr, int64(sym.GetAddr(ctx, 0)-ctx.TlsBegin))
			default:
				writeWord(ctx, base[slot*wordSize:], sym.GetAddr(ctx, 0)-ctx.TpAddr)
			}
		case gotTlsGd:
			slot := uint64(sym.aux(ctx).TlsGdIdx)
			addr := s.shdr.Addr + slot*wordSize
			switch {
			case sym.IsImported:
				addRel(t.RDtpmod(), sym, addr, 0)
				addRel(t.RDtpoff(), sym, addr+wordSize, 0)
			case isShared:
				addRel(t.RDtpmod(), nil, addr, 0)
				writeWord(ctx, base[(slot+1)*wordSize:], sym.GetAddr(ctx, 0)-ctx.DtpAddr)
			default:
				writeWord(ctx, base[slot*wordSize:], 1)
				writeWord(ctx, base[(slot+1)*wordSize:], sym.GetAddr(ctx, 0)-ctx.DtpAddr)
			}
		case gotTlsDesc:
			slot := uint64(sym.aux(ctx).TlsDescIdx)
			addr := s.shdr.Addr + slot*wordSize
			addend := int64(0)
			if !sym.IsImported {
				addend = int64(sym.GetAddr(ctx, 0) - ctx.TlsBegin)
			}
			if sym.IsImported {
				addRel(t.RTlsdesc(), sym, addr, 0)
			} else {
				addRel(t.RTlsdesc(), nil, addr, addend)
			}
		case gotTlsLd:
			slot := uint64(s.TlsLdIdx)
			addr := s.shdr.Addr + slot*wordSize
			if isShared {
				addRel(t.RDtpmod(), nil, addr, 0)
			} else {
				writeWord(ctx, base[slot*wordSize:], 1)
			}
		}
	}
}

// GotPltSection is .got.plt: three reserved slots plus one per PLT entry.
type GotPltSection struct {
	chunkBase
	Syms []*Symbol
}

func NewGotPltSection(ctx *Context) *GotPltSection {
	s := &GotPltSection{chunkBase: newChunkBase(".got.plt", SHT_PROGBITS, SHF_ALLOC|SHF_WRITE)}
	s.shdr.AddrAlign = uint64(ctx.Target.WordSize())
	if ctx.Args.ZNow {
		s.relro = true
	}
	return s
}

func (s *GotPltSection) UpdateShdr(ctx *Context) {
	s.shdr.Size = uint64(3+len(s.Syms)) * uint64(ctx.Target.WordSize())
}

func (s *GotPltSection) CopyBuf(ctx *Context) {
	base := ctx.Buf[s.shdr.Offset:]
	wordSize := uint64(ctx.Target.WordSize())
	clear(base[:s.shdr.Size])

	// [0] is the address of .dynamic; [1] and [2] are for the dynamic
	// loader (link map and resolver).
	if ctx.Dynamic != nil {
		writeWord(ctx, base, ctx.Dynamic.shdr.Addr)
	}
	for _, sym := range s.Syms {
		slot := uint64(sym.aux(ctx).GotPltIdx)
		writeWord(ctx, base[slot*wordSize:], ctx.Target.GotPltEntryInit(ctx, sym))
	}
}

// PltSection is .plt: lazy-binding trampolines.
type PltSection struct {
	chunkBase
	Syms []*Symbol
}

func NewPltSection(ctx *Context) *PltSection {
	s := &PltSection{chunkBase: newChunkBase(".plt", SHT_PROGBITS, SHF_ALLOC|SHF_EXECINSTR)}
	s.shdr.AddrAlign = 16
	return s
}

// AddSymbol allocates a PLT entry plus the backing .got.plt slot and
// .rela.plt record.
func (s *PltSection) AddSymbol(ctx *Context, sym *Symbol) {
	aux := sym.aux(ctx)
	aux.PltIdx = int32(len(s.Syms))
	s.Syms = append(s.Syms, sym)
	aux.GotPltIdx = int32(3 + len(ctx.GotPlt.Syms))
	ctx.GotPlt.Syms = append(ctx.GotPlt.Syms, sym)
}

func (s *PltSection) UpdateShdr(ctx *Context) {
	if len(s.Syms) == 0 {
		s.shdr.Size = 0
		return
	}
	s.shdr.Size = uint64(ctx.Target.PltHdrSize() + len(s.Syms)*ctx.Target.PltEntrySize())
}

func (s *PltSection) CopyBuf(ctx *Context) {
	if len(s.Syms) == 0 {
		return
	}
	buf := ctx.Buf[s.shdr.Offset:]
	ctx.Target.WritePltHeader(ctx, buf)
	for _, sym := range s.Syms {
		off := ctx.Target.PltHdrSize() + int(sym.aux(ctx).PltIdx)*ctx.Target.PltEntrySize()
		ctx.Target.WritePltEntry(ctx, buf[off:], sym)
	}
}

// PltGotSection is .plt.got: non-lazy trampolines for symbols that have
// both a GOT entry and address-taken calls.
type PltGotSection struct {
	chunkBase
	Syms []*Symbol
}

func NewPltGotSection(ctx *Context) *PltGotSection {
	s := &PltGotSection{chunkBase: newChunkBase(".plt.got", SHT_PROGBITS, SHF_ALLOC|SHF_EXECINSTR)}
	s.shdr.AddrAlign = 16
	return s
}

func (s *PltGotSection) AddSymbol(ctx *Context, sym *Symbol) {
	sym.aux(ctx).PltGotIdx = int32(len(s.Syms))
	s.Syms = append(s.Syms, sym)
}

func (s *PltGotSection) UpdateShdr(ctx *Context) {
	s.shdr.Size = uint64(len(s.Syms) * ctx.Target.PltGotEntrySize())
}

func (s *PltGotSection) CopyBuf(ctx *Context) {
	buf := ctx.Buf[s.shdr.Offset:]
	for _, sym := range s.Syms {
		off := int(sym.aux(ctx).PltGotIdx) * ctx.Target.PltGotEntrySize()
		ctx.Target.WritePltGotEntry(ctx, buf[off:], sym)
	}
}

// RelPltSection holds the R_*_JUMP_SLOT records for .plt.
type RelPltSection struct {
	chunkBase
}

func NewRelPltSection(ctx *Context) *RelPltSection {
	s := &RelPltSection{chunkBase: newChunkBase(".rela.plt", SHT_RELA, SHF_ALLOC)}
	s.shdr.AddrAlign = uint64(ctx.Target.WordSize())
	s.shdr.EntSize = uint64(ctx.Ec.RelSize(true))
	return s
}

func (s *RelPltSection) UpdateShdr(ctx *Context) {
	s.shdr.Size = uint64(len(ctx.Plt.Syms)) * uint64(ctx.Ec.RelSize(true))
	if ctx.Dynsym != nil {
		s.shdr.Link = uint32(ctx.Dynsym.shndx)
	}
	if ctx.GotPlt != nil {
		s.shdr.Info = uint32(ctx.GotPlt.shndx)
	}
}

func (s *RelPltSection) CopyBuf(ctx *Context) {
	buf := ctx.Buf[s.shdr.Offset:]
	entsize := ctx.Ec.RelSize(true)
	wordSize := uint64(ctx.Target.WordSize())
	for i, sym := range ctx.Plt.Syms {
		rel := ElfRel{
			Offset: ctx.GotPlt.shdr.Addr + uint64(sym.aux(ctx).GotPltIdx)*wordSize,
			Type:   ctx.Target.RJumpSlot(),
			Sym:    uint32(sym.DynsymIdx(ctx)),
		}
		WriteRel(buf[i*entsize:], ctx.Ec, true, &rel)
	}
}

// RelDynSection aggregates every other dynamic relocation. The content is
// written by the chunks that own the relocations; this chunk only sizes
// and later sorts the table.
type RelDynSection struct {
	chunkBase
	numRels int64
}

func NewRelDynSection(ctx *Context) *RelDynSection {
	s := &RelDynSection{chunkBase: newChunkBase(".rela.dyn", SHT_RELA, SHF_ALLOC)}
	s.shdr.AddrAlign = uint64(ctx.Target.WordSize())
	s.shdr.EntSize = uint64(ctx.Ec.RelSize(true))
	return s
}

func (s *RelDynSection) UpdateShdr(ctx *Context) {
	s.shdr.Size = uint64(s.numRels) * uint64(ctx.Ec.RelSize(true))
	if ctx.Dynsym != nil {
		s.shdr.Link = uint32(ctx.Dynsym.shndx)
	}
}

// SortRelDyn orders the finished table: RELATIVE first (glibc's
// one-symbol cache), IRELATIVE last (resolvers run after everything else
// is in place).
func (s *RelDynSection) SortRelDyn(ctx *Context) {
	entsize := ctx.Ec.RelSize(true)
	n := int(s.shdr.Size) / entsize
	rels := ReadRels(ctx.Buf[s.shdr.Offset:s.shdr.Offset+s.shdr.Size], ctx.Ec, true)

	rank := func(typ uint32) int {
		switch typ {
		case ctx.Target.RRelative():
			return 0
		case ctx.Target.RIRelative():
			return 2
		}
		return 1
	}
	parallelSort(rels, func(a, b ElfRel) bool {
		ra, rb := rank(a.Type), rank(b.Type)
		if ra != rb {
			return ra < rb
		}
		if a.Sym != b.Sym {
			return a.Sym < b.Sym
		}
		return a.Offset < b.Offset
	})
	for i := 0; i < n; i++ {
		WriteRel(ctx.Buf[s.shdr.Offset+uint64(i*entsize):], ctx.Ec, true, &rels[i])
	}
}

// RelrSection packs relative relocations into the compact bitmap format.
type RelrSection struct {
	chunkBase
	mu    sync.Mutex
	addrs []uint64
	words []uint64
}

func NewRelrSection(ctx *Context) *RelrSection {
	s := &RelrSection{chunkBase: newChunkBase(".relr.dyn", SHT_RELR, SHF_ALLOC)}
	s.shdr.AddrAlign = uint64(ctx.Target.WordSize())
	s.shdr.EntSize = uint64(ctx.Target.WordSize())
	return s
}

func (s *RelrSection) Add(addr uint64) {
	s.mu.Lock()
	s.addrs = append(s.addrs, addr)
	s.mu.Unlock()
}

// Reset discards the collected addresses; the layout loop repacks the
// section after every address change.
func (s *RelrSection) Reset() {
	s.mu.Lock()
	s.addrs = s.addrs[:0]
	s.words = nil
	s.mu.Unlock()
}

// encodeRelr turns a sorted address list into RELR words. An even entry
// is an anchor address covering one relocation by itself; odd entries are
// bitmaps whose bit i+1 covers the word i slots past the base, where the
// base starts one word after the anchor and advances 63 words per bitmap.
func encodeRelr(addrs []uint64, wordSize uint64) []uint64 {
	var out []uint64
	i := 0
	for i < len(addrs) {
		out = append(out, addrs[i])
		base := addrs[i] + wordSize
		i++
		for {
			var bitmap uint64
			for i < len(addrs) && addrs[i]-base < 63*wordSize {
				d := addrs[i] - base
				if d%wordSize != 0 {
					break
				}
				bitmap |= uint64(1) << (d / wordSize)
				i++
			}
			if bitmap == 0 {
				break
			}
			out = append(out, bitmap<<1|1)
			base += 63 * wordSize
		}
	}
	return out
}

// decodeRelr is the inverse of encodeRelr (used by tests).
func decodeRelr(words []uint64, wordSize uint64) []uint64 {
	var addrs []uint64
	var base uint64
	for _, w := range words {
		if w&1 == 0 {
			base = w
			addrs = append(addrs, w)
			base += wordSize
			continue
		}
		for i := 0; i < 63; i++ {
			if w>>(uint(i)+1)&1 != 0 {
				addrs = append(addrs, base+uint64(i)*wordSize)
			}
		}
		base += 63 * wordSize
	}
	return addrs
}

func (s *RelrSection) UpdateShdr(ctx *Context) {
	s.mu.Lock()
	sort.Slice(s.addrs, func(i, j int) bool { return s.addrs[i] < s.addrs[j] })
	s.addrs = dedupSorted(s.addrs)
	s.words = encodeRelr(s.addrs, uint64(ctx.Target.WordSize()))
	s.mu.Unlock()
	s.shdr.Size = uint64(len(s.words) * ctx.Target.WordSize())
}

func dedupSorted(v []uint64) []uint64 {
	out := v[:0]
	for i, x := range v {
		if i == 0 || x != v[i-1] {
			out = append(out, x)
		}
	}
	return out
}

func (s *RelrSection) CopyBuf(ctx *Context) {
	buf := ctx.Buf[s.shdr.Offset:]
	for i, w := range s.words {
		writeWord(ctx, buf[i*ctx.Target.WordSize():], w)
	}
}

// CopyrelSection reserves .bss space for variables copied out of DSOs.
type CopyrelSection struct {
	chunkBase
	Syms       []*Symbol
	reldynBase uint64
}

func NewCopyrelSection(relro bool) *CopyrelSection {
	name := ".copyrel"
	if relro {
		name = ".copyrel.rel.ro"
	}
	s := &CopyrelSection{chunkBase: newChunkBase(name, SHT_NOBITS, SHF_ALLOC|SHF_WRITE)}
	s.relro = relro
	return s
}

// AddSymbol reserves space for sym and rebinds it (and all its aliases in
// the DSO) to the reserved block.
func (s *CopyrelSection) AddSymbol(ctx *Context, sym *Symbol) {
	f := sym.File()
	if f == nil || !f.IsDSO {
		return
	}
	e := sym.Esym()
	if e == nil || e.Size == 0 {
		ctx.Errorf("%s: cannot create a copy relocation for %s: unknown size", f.Name, sym.Name)
		return
	}

	// The copy must be at least as aligned as the original; the best we
	// can infer from a dynsym entry is the address' low bits.
	align := uint64(64)
	if e.Value != 0 {
		align = min(e.Value&-e.Value, 64)
	}
	align = max(align, 8)

	s.shdr.Size = alignTo(s.shdr.Size, align)
	if align > s.shdr.AddrAlign {
		s.shdr.AddrAlign = align
	}
	offset := s.shdr.Size
	s.shdr.Size += e.Size

	// Aliases (other DSO symbols with the same address) must refer to
	// the same copy.
	for _, alias := range f.Dso.findAliases(sym) {
		alias.mu.Lock()
		alias.OutChunk = s
		alias.Isec = nil
		alias.Frag = nil
		alias.Value = int64(offset)
		alias.IsImported = true
		alias.IsExported = true
		alias.mu.Unlock()
	}
	s.Syms = append(s.Syms, sym)
}

func (d *SharedFile) findAliases(sym *Symbol) []*Symbol {
	e := sym.Esym()
	var out []*Symbol
	for i := d.FirstGlobal; i < len(d.ElfSyms); i++ {
		e2 := &d.ElfSyms[i]
		s2 := d.Symbols[i]
		if s2 != nil && s2.File() == &d.InputFile && e2.IsDefined() && e2.Value == e.Value {
			out = append(out, s2)
		}
	}
	if len(out) == 0 {
		out = append(out, sym)
	}
	return out
}

func (s *CopyrelSection) NumDynRels() int64 { return int64(len(s.Syms)) }

func (s *CopyrelSection) CopyBuf(ctx *Context) {
	// NOBITS content; only the R_COPY records are written.
	entsize := uint64(ctx.Ec.RelSize(true))
	for i, sym := range s.Syms {
		rel := ElfRel{
			Offset: sym.GetAddr(ctx, 0),
			Type:   ctx.Target.RCopy(),
			Sym:    uint32(sym.DynsymIdx(ctx)),
		}
		pos := s.reldynBase + uint64(i)*entsize
		WriteRel(ctx.Buf[ctx.RelDyn.shdr.Offset+pos:], ctx.Ec, true, &rel)
	}
}

// DynstrSection is the dynamic string table.
type DynstrSection struct {
	chunkBase
	strings map[string]uint32
	buf     []byte
}

func NewDynstrSection() *DynstrSection {
	s := &DynstrSection{chunkBase: newChunkBase(".dynstr", SHT_STRTAB, SHF_ALLOC)}
	s.strings = map[string]uint32{"": 0}
	s.buf = []byte{0}
	return s
}

// AddString interns one string and returns its offset.
func (s *DynstrSection) AddString(str string) uint32 {
	if off, ok := s.strings[str]; ok {
		return off
	}
	off := uint32(len(s.buf))
	s.strings[str] = off
	s.buf = append(s.buf, str...)
	s.buf = append(s.buf, 0)
	return off
}

func (s *DynstrSection) UpdateShdr(ctx *Context) {
	s.shdr.Size = uint64(len(s.buf))
	if s.shdr.Size == 1 {
		s.shdr.Size = 1
	}
}

func (s *DynstrSection) CopyBuf(ctx *Context) {
	copy(ctx.Buf[s.shdr.Offset:], s.buf)
}

// DynsymSection is the dynamic symbol table.
type DynsymSection struct {
	chunkBase
	Syms        []*Symbol // Syms[0] is the reserved null entry (nil)
	finalized   bool
}

func NewDynsymSection(ctx *Context) *DynsymSection {
	s := &DynsymSection{chunkBase: newChunkBase(".dynsym", SHT_DYNSYM, SHF_ALLOC)}
	s.shdr.EntSize = uint64(ctx.Ec.SymSize())
	s.shdr.AddrAlign = uint64(ctx.Target.WordSize())
	s.Syms = []*Symbol{nil}
	return s
}

func (s *DynsymSection) AddSymbol(ctx *Context, sym *Symbol) {
	if sym.Aux == noAux {
		sym.AddAux(ctx)
	}
	if sym.aux(ctx).DynsymIdx == -1 {
		sym.aux(ctx).DynsymIdx = 0 // placeholder until Finalize orders the table
		s.Syms = append(s.Syms, sym)
	}
}

// djbHash is the hash function of .gnu.hash.
func djbHash(name string) uint32 {
	h := uint32(5381)
	for i := 0; i < len(name); i++ {
		h = (h << 5) + h + uint32(name[i])
	}
	return h
}

// Finalize partitions .dynsym into locals, unexported globals and
// exported globals (bucketed for .gnu.hash), then assigns indices and
// .dynstr offsets.
func (s *DynsymSection) Finalize(ctx *Context) {
	if s.finalized || len(s.Syms) <= 1 {
		s.finalized = true
		return
	}
	syms := s.Syms[1:]

	isLocal := func(sym *Symbol) bool { return sym.IsLocal(ctx) }
	sort.SliceStable(syms, func(i, j int) bool {
		return boolToInt(!isLocal(syms[i])) < boolToInt(!isLocal(syms[j]))
	})
	firstGlobal := sort.Search(len(syms), func(i int) bool { return !isLocal(syms[i]) })

	if ctx.GnuHash != nil {
		globals := syms[firstGlobal:]
		sort.SliceStable(globals, func(i, j int) bool {
			return boolToInt(globals[i].IsExported) < boolToInt(globals[j].IsExported)
		})
		firstExported := sort.Search(len(globals), func(i int) bool { return globals[i].IsExported })

		exported := globals[firstExported:]
		numBuckets := uint32(len(exported))/gnuHashLoadFactor + 1
		for _, sym := range exported {
			sym.aux(ctx).DjbHash = djbHash(sym.Name)
		}
		sort.SliceStable(exported, func(i, j int) bool {
			hi := exported[i].aux(ctx).DjbHash % numBuckets
			hj := exported[j].aux(ctx).DjbHash % numBuckets
			if hi != hj {
				return hi < hj
			}
			return exported[i].Name < exported[j].Name
		})
		ctx.GnuHash.numBuckets = numBuckets
		ctx.GnuHash.numExported = uint32(len(exported))
	}

	for i, sym := range syms {
		sym.aux(ctx).DynsymIdx = int32(i + 1)
		ctx.Dynstr.AddString(sym.Name)
	}
	s.shdr.Info = uint32(firstGlobal + 1)
	s.finalized = true
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *DynsymSection) UpdateShdr(ctx *Context) {
	s.shdr.Size = uint64(len(s.Syms)) * uint64(ctx.Ec.SymSize())
	if ctx.Dynstr != nil {
		s.shdr.Link = uint32(ctx.Dynstr.shndx)
	}
}

func (s *DynsymSection) CopyBuf(ctx *Context) {
	buf := ctx.Buf[s.shdr.Offset:]
	entsize := ctx.Ec.SymSize()
	clear(buf[:entsize])

	for i, sym := range s.Syms {
		if i == 0 {
			continue
		}
		var e ESym
		e.NameOff = ctx.Dynstr.strings[sym.Name]
		esym := sym.Esym()

		bind := uint8(STB_GLOBAL)
		if sym.IsWeak && !sym.IsImported {
			bind = STB_WEAK
		}
		typ := sym.Type()
		if sym.IsCanonical {
			typ = STT_FUNC
		}
		e.Info = bind<<4 | typ
		e.Other = sym.Visibility

		switch {
		case sym.IsImported && sym.OutChunk == nil:
			e.Shndx = SHN_UNDEF
			if sym.IsWeak {
				e.Info = STB_WEAK<<4 | typ
			}
		case sym.IsCanonical:
			e.Shndx = uint32(pltShndx(ctx))
			e.Value = sym.GetPltAddr(ctx)
		case sym.OutChunk != nil:
			e.Shndx = uint32(sym.OutChunk.Shndx())
			e.Value = sym.GetAddr(ctx, 0)
		case sym.Isec == nil && sym.Frag == nil:
			e.Shndx = SHN_ABS
			e.Value = sym.GetAddr(ctx, 0)
		default:
			if osec := symOutputSection(sym); osec != nil {
				e.Shndx = uint32(osec.Shndx())
			} else if sym.Frag != nil {
				e.Shndx = uint32(sym.Frag.Parent.Shndx())
			}
			e.Value = sym.GetAddr(ctx, 0)
		}
		if esym != nil {
			e.Size = esym.Size
		}
		WriteSym(buf[i*entsize:], ctx.Ec, &e)
	}
}

func pltShndx(ctx *Context) int {
	if ctx.Plt != nil {
		return ctx.Plt.shndx
	}
	return 0
}

func symOutputSection(sym *Symbol) *OutputSection {
	if sym.Isec != nil {
		return sym.Isec.OutputSection
	}
	if sym.Frag != nil {
		// MergedSection is not an OutputSection; the caller only needs
		// the shndx, so find it through the parent chunk.
		return nil
	}
	return nil
}

// HashSection is the classic SysV .hash.
type HashSection struct {
	chunkBase
}

func NewHashSection(ctx *Context) *HashSection {
	s := &HashSection{chunkBase: newChunkBase(".hash", SHT_HASH, SHF_ALLOC)}
	s.shdr.EntSize = 4
	s.shdr.AddrAlign = 4
	return s
}

func (s *HashSection) UpdateShdr(ctx *Context) {
	n := uint64(len(ctx.Dynsym.Syms))
	s.shdr.Size = (2 + n + n) * 4
	s.shdr.Link = uint32(ctx.Dynsym.shndx)
}

func elfHash(name string) uint32 {
	var h uint32
	for i := 0; i < len(name); i++ {
		h = h<<4 + uint32(name[i])
		if g := h & 0xf0000000; g != 0 {
			h ^= g >> 24
		}
		h &^= 0xf0000000
	}
	return h
}

func (s *HashSection) CopyBuf(ctx *Context) {
	buf := ctx.Buf[s.shdr.Offset:]
	clear(buf[:s.shdr.Size])
	bo := ctx.Ec.Bo

	n := uint32(len(ctx.Dynsym.Syms))
	bo.PutUint32(buf, n)      // nbuckets
	bo.PutUint32(buf[4:], n)  // nchains
	buckets := buf[8:]
	chains := buf[8+4*n:]

	for i, sym := range ctx.Dynsym.Syms {
		if i == 0 {
			continue
		}
		h := elfHash(sym.Name) % n
		// Insert at the head of the bucket's chain.
		bo.PutUint32(chains[4*uint32(i):], bo.Uint32(buckets[4*h:]))
		bo.PutUint32(buckets[4*h:], uint32(i))
	}
}

const gnuHashLoadFactor = 8

// GnuHashSection is .gnu.hash.
type GnuHashSection struct {
	chunkBase
	numBuckets  uint32
	numExported uint32
}

func NewGnuHashSection(ctx *Context) *GnuHashSection {
	s := &GnuHashSection{chunkBase: newChunkBase(".gnu.hash", SHT_GNU_HASH, SHF_ALLOC)}
	s.shdr.AddrAlign = uint64(ctx.Target.WordSize())
	return s
}

func (s *GnuHashSection) numBloom() uint32 {
	if s.numExported == 0 {
		return 1
	}
	return uint32(bitCeil(uint64(s.numExported) / 8))
}

func (s *GnuHashSection) UpdateShdr(ctx *Context) {
	wordSize := uint64(ctx.Target.WordSize())
	s.shdr.Size = 16 + uint64(s.numBloom())*wordSize + uint64(s.numBuckets)*4 + uint64(s.numExported)*4
	s.shdr.Link = uint32(ctx.Dynsym.shndx)
}

const gnuHashBloomShift = 26

func (s *GnuHashSection) CopyBuf(ctx *Context) {
	buf := ctx.Buf[s.shdr.Offset:]
	clear(buf[:s.shdr.Size])
	bo := ctx.Ec.Bo
	wordSize := ctx.Target.WordSize()

	exportedOffset := uint32(len(ctx.Dynsym.Syms)) - s.numExported
	bo.PutUint32(buf, s.numBuckets)
	bo.PutUint32(buf[4:], exportedOffset)
	bo.PutUint32(buf[8:], s.numBloom())
	bo.PutUint32(buf[12:], gnuHashBloomShift)

	bloom := buf[16:]
	buckets := buf[16+int(s.numBloom())*wordSize:]
	table := buckets[4*s.numBuckets:]

	exported := ctx.Dynsym.Syms[exportedOffset:]
	bloomBits := uint32(wordSize * 8)

	for _, sym := range exported {
		h := sym.aux(ctx).DjbHash
		i := (h / bloomBits) % s.numBloom()
		word := readWordAt(ctx, bloom[i*uint32(wordSize):])
		word |= uint64(1) << (h % bloomBits)
		word |= uint64(1) << ((h >> gnuHashBloomShift) % bloomBits)
		writeWord(ctx, bloom[i*uint32(wordSize):], word)
	}

	for i, sym := range exported {
		h := sym.aux(ctx).DjbHash % s.numBuckets
		if bo.Uint32(buckets[4*h:]) == 0 {
			bo.PutUint32(buckets[4*h:], exportedOffset+uint32(i))
		}
	}

	for i, sym := range exported {
		h := sym.aux(ctx).DjbHash &^ 1
		if i == len(exported)-1 ||
			sym.aux(ctx).DjbHash%s.numBuckets != exported[i+1].aux(ctx).DjbHash%s.numBuckets {
			h |= 1 // end of chain
		}
		bo.PutUint32(table[4*i:], h)
	}
}

func readWordAt(ctx *Context, b []byte) uint64 {
	if ctx.Ec.Is64 {
		return ctx.Ec.Bo.Uint64(b)
	}
	return uint64(ctx.Ec.Bo.Uint32(b))
}

// VersymSection parallels .dynsym with version indices.
type VersymSection struct {
	chunkBase
	Entries []uint16
}

func NewVersymSection() *VersymSection {
	s := &VersymSection{chunkBase: newChunkBase(".gnu.version", SHT_GNU_VERSYM, SHF_ALLOC)}
	s.shdr.EntSize = 2
	s.shdr.AddrAlign = 2
	return s
}

func (s *VersymSection) UpdateShdr(ctx *Context) {
	s.shdr.Size = uint64(len(s.Entries) * 2)
	s.shdr.Link = uint32(ctx.Dynsym.shndx)
}

func (s *VersymSection) CopyBuf(ctx *Context) {
	buf := ctx.Buf[s.shdr.Offset:]
	for i, v := range s.Entries {
		ctx.Ec.Bo.PutUint16(buf[i*2:], v)
	}
}

// VerneedSection lists the version definitions we require from each DSO.
type VerneedSection struct {
	chunkBase
	contents []byte
	numVerneed uint32
}

func NewVerneedSection() *VerneedSection {
	s := &VerneedSection{chunkBase: newChunkBase(".gnu.version_r", SHT_GNU_VERNEED, SHF_ALLOC)}
	s.shdr.AddrAlign = 4
	return s
}

// Construct scans the import side of .dynsym and builds the Verneed
// records, assigning fresh version indices starting after the last
// version definition.
func (s *VerneedSection) Construct(ctx *Context) {
	type need struct {
		sym *Symbol
		dso *SharedFile
		ver uint32
	}
	var needs []need
	for i, sym := range ctx.Dynsym.Syms {
		if i == 0 || !sym.IsImported || sym.File() == nil || !sym.File().IsDSO {
			continue
		}
		if sym.VerIdx <= VER_NDX_GLOBAL || sym.VerIdx == VER_NDX_UNSPECIFIED {
			continue
		}
		needs = append(needs, need{sym, sym.File().Dso, sym.VerIdx})
	}
	if len(needs) == 0 {
		return
	}

	sort.SliceStable(needs, func(i, j int) bool {
		if needs[i].dso != needs[j].dso {
			return needs[i].dso.Priority < needs[j].dso.Priority
		}
		return needs[i].ver < needs[j].ver
	})

	// Assign output version numbers and emit Verneed/Vernaux records.
	verIdx := uint32(VER_NDX_LAST_RESERVED + uint32(len(ctx.Args.VersionDefs)) + 1)
	bo := ctx.Ec.Bo
	var buf []byte
	var verneedPos, vernauxPos int

	put16 := func(pos int, v uint16) { bo.PutUint16(buf[pos:], v) }
	put32 := func(pos int, v uint32) { bo.PutUint32(buf[pos:], v) }

	var lastDso *SharedFile
	var lastVer uint32
	var auxCount uint16

	flushCounts := func() {
		if verneedPos < len(buf) {
			put16(verneedPos+2, auxCount)
		}
	}

	for _, n := range needs {
		if n.dso != lastDso {
			flushCounts()
			if verneedPos < len(buf) {
				put32(verneedPos+12, uint32(len(buf)-verneedPos))
			}
			verneedPos = len(buf)
			buf = append(buf, make([]byte, 16)...)
			put16(verneedPos, 1) // vn_version
			put32(verneedPos+4, ctx.Dynstr.AddString(n.dso.Soname))
			put32(verneedPos+8, 16) // vn_aux: the Vernaux records follow
			s.numVerneed++
			auxCount = 0
			lastDso = n.dso
			lastVer = 0
			vernauxPos = 0
		}
		if n.ver != lastVer {
			if vernauxPos != 0 {
				put32(vernauxPos+12, uint32(len(buf)-vernauxPos))
			}
			vernauxPos = len(buf)
			buf = append(buf, make([]byte, 16)...)
			name := n.dso.VersionName(n.ver)
			put32(vernauxPos, elfHash(name))
			put16(vernauxPos+6, uint16(verIdx))
			put32(vernauxPos+8, ctx.Dynstr.AddString(name))
			auxCount++
			lastVer = n.ver
			// Remember the mapping for .gnu.version.
			mapVersion(ctx, n.dso, n.ver, verIdx)
			verIdx++
		}
	}
	flushCounts()
	s.contents = buf
}

// versionMap records (dso, dso-version) -> output version index.
type dsoVersion struct {
	dso *SharedFile
	ver uint32
}

func mapVersion(ctx *Context, dso *SharedFile, ver, out uint32) {
	if ctx.versionMap == nil {
		ctx.versionMap = map[dsoVersion]uint32{}
	}
	ctx.versionMap[dsoVersion{dso, ver}] = out
}

// OutputVersion resolves a symbol's output .gnu.version index.
func OutputVersion(ctx *Context, sym *Symbol) uint16 {
	if sym.IsImported {
		if f := sym.File(); f != nil && f.IsDSO {
			if out, ok := ctx.versionMap[dsoVersion{f.Dso, sym.VerIdx}]; ok {
				return uint16(out)
			}
		}
		return VER_NDX_GLOBAL
	}
	switch sym.VerIdx {
	case VER_NDX_UNSPECIFIED, VER_NDX_GLOBAL:
		return VER_NDX_GLOBAL
	case VER_NDX_LOCAL:
		return VER_NDX_LOCAL
	}
	return uint16(sym.VerIdx)
}

func (s *VerneedSection) UpdateShdr(ctx *Context) {
	s.shdr.Size = uint64(len(s.contents))
	s.shdr.Info = s.numVerneed
	if ctx.Dynstr != nil {
		s.shdr.Link = uint32(ctx.Dynstr.shndx)
	}
}

func (s *VerneedSection) CopyBuf(ctx *Context) {
	copy(ctx.Buf[s.shdr.Offset:], s.contents)
}

// VerdefSection holds version definitions from --version-script (plus
// the soname default under --default-symver).
type VerdefSection struct {
	chunkBase
	contents []byte
	numDefs  uint32
}

func NewVerdefSection() *VerdefSection {
	s := &VerdefSection{chunkBase: newChunkBase(".gnu.version_d", SHT_GNU_VERDEF, SHF_ALLOC)}
	s.shdr.AddrAlign = 8
	return s
}

func (s *VerdefSection) Construct(ctx *Context) {
	names := ctx.Args.VersionDefs
	if len(names) == 0 {
		return
	}
	bo := ctx.Ec.Bo
	var buf []byte

	addDef := func(idx uint32, name string, flags uint16) {
		pos := len(buf)
		buf = append(buf, make([]byte, 28)...)
		bo.PutUint16(buf[pos:], 1)          // vd_version
		bo.PutUint16(buf[pos+2:], flags)    // vd_flags
		bo.PutUint16(buf[pos+4:], uint16(idx)) // vd_ndx
		bo.PutUint16(buf[pos+6:], 1)        // vd_cnt
		bo.PutUint32(buf[pos+8:], elfHash(name))
		bo.PutUint32(buf[pos+12:], 20) // vd_aux
		bo.PutUint32(buf[pos+16:], 28) // vd_next (fixed up for the last)
		bo.PutUint32(buf[pos+20:], ctx.Dynstr.AddString(name))
		s.numDefs++
	}

	base := ctx.Args.Soname
	if base == "" {
		base = ctx.Args.Output
	}
	addDef(VER_NDX_GLOBAL, base, VER_FLG_BASE)
	for i, name := range names {
		addDef(uint32(VER_NDX_LAST_RESERVED+i+1), name, 0)
	}
	// Terminate the chain.
	bo.PutUint32(buf[len(buf)-12:], 0)
	s.contents = buf
}

func (s *VerdefSection) UpdateShdr(ctx *Context) {
	s.shdr.Size = uint64(len(s.contents))
	s.shdr.Info = s.numDefs
	if ctx.Dynstr != nil {
		s.shdr.Link = uint32(ctx.Dynstr.shndx)
	}
}

func (s *VerdefSection) CopyBuf(ctx *Context) {
	copy(ctx.Buf[s.shdr.Offset:], s.contents)
}

// DynamicSection is .dynamic.
type DynamicSection struct {
	chunkBase
}

func NewDynamicSection(ctx *Context) *DynamicSection {
	s := &DynamicSection{chunkBase: newChunkBase(".dynamic", SHT_DYNAMIC, SHF_ALLOC|SHF_WRITE)}
	s.relro = true
	s.shdr.AddrAlign = uint64(ctx.Target.WordSize())
	s.shdr.EntSize = uint64(2 * ctx.Target.WordSize())
	return s
}

func (s *DynamicSection) entries(ctx *Context) [][2]uint64 {
	var e [][2]uint64
	add := func(tag, val uint64) { e = append(e, [2]uint64{tag, val}) }

	for _, d := range ctx.Dsos {
		if d.IsReachable.Load() {
			add(DT_NEEDED, uint64(ctx.Dynstr.AddString(d.Soname)))
		}
	}
	if ctx.Args.Rpaths != "" {
		add(DT_RUNPATH, uint64(ctx.Dynstr.AddString(ctx.Args.Rpaths)))
	}
	if ctx.Args.Soname != "" {
		add(DT_SONAME, uint64(ctx.Dynstr.AddString(ctx.Args.Soname)))
	}

	if init := ctx.GetSymbol(ctx.Args.Init); init.File() != nil && !init.File().IsDSO {
		add(DT_INIT, init.GetAddr(ctx, 0))
	}
	if fini := ctx.GetSymbol(ctx.Args.Fini); fini.File() != nil && !fini.File().IsDSO {
		add(DT_FINI, fini.GetAddr(ctx, 0))
	}

	for _, osec := range ctx.OutputSections {
		switch osec.shdr.Type {
		case SHT_INIT_ARRAY:
			add(DT_INIT_ARRAY, osec.shdr.Addr)
			add(DT_INIT_ARRAYSZ, osec.shdr.Size)
		case SHT_FINI_ARRAY:
			add(DT_FINI_ARRAY, osec.shdr.Addr)
			add(DT_FINI_ARRAYSZ, osec.shdr.Size)
		case SHT_PREINIT_ARRAY:
			add(DT_PREINIT_ARRAY, osec.shdr.Addr)
			add(DT_PREINIT_ARRAYSZ, osec.shdr.Size)
		}
	}

	if ctx.Hash != nil {
		add(DT_HASH, ctx.Hash.shdr.Addr)
	}
	if ctx.GnuHash != nil {
		add(DT_GNU_HASH, ctx.GnuHash.shdr.Addr)
	}
	add(DT_STRTAB, ctx.Dynstr.shdr.Addr)
	add(DT_STRSZ, ctx.Dynstr.shdr.Size)
	add(DT_SYMTAB, ctx.Dynsym.shdr.Addr)
	add(DT_SYMENT, uint64(ctx.Ec.SymSize()))

	if ctx.RelDyn != nil && ctx.RelDyn.shdr.Size > 0 {
		add(DT_RELA, ctx.RelDyn.shdr.Addr)
		add(DT_RELASZ, ctx.RelDyn.shdr.Size)
		add(DT_RELAENT, uint64(ctx.Ec.RelSize(true)))
	}
	if ctx.Relr != nil && ctx.Relr.shdr.Size > 0 {
		add(DT_RELR, ctx.Relr.shdr.Addr)
		add(DT_RELRSZ, ctx.Relr.shdr.Size)
		add(DT_RELRENT, uint64(ctx.Target.WordSize()))
	}
	if ctx.RelPlt != nil && ctx.RelPlt.shdr.Size > 0 {
		add(DT_JMPREL, ctx.RelPlt.shdr.Addr)
		add(DT_PLTRELSZ, ctx.RelPlt.shdr.Size)
		add(DT_PLTREL, DT_RELA)
	}
	if ctx.GotPlt != nil {
		add(DT_PLTGOT, ctx.GotPlt.shdr.Addr)
	}

	if ctx.Versym != nil && ctx.Versym.shdr.Size > 0 {
		add(DT_VERSYM, ctx.Versym.shdr.Addr)
	}
	if ctx.Verneed != nil && ctx.Verneed.shdr.Size > 0 {
		add(DT_VERNEED, ctx.Verneed.shdr.Addr)
		add(DT_VERNEEDNUM, uint64(ctx.Verneed.numVerneed))
	}
	if ctx.Verdef != nil && ctx.Verdef.shdr.Size > 0 {
		add(DT_VERDEF, ctx.Verdef.shdr.Addr)
		add(DT_VERDEFNUM, uint64(ctx.Verdef.numDefs))
	}

	if !ctx.Args.Shared {
		add(DT_DEBUG, 0)
	}
	if ctx.HasTextrel.Load() {
		add(DT_TEXTREL, 0)
	}

	var flags, flags1 uint64
	if ctx.Args.ZNow {
		flags |= DF_BIND_NOW
		flags1 |= DF_1_NOW
	}
	if ctx.Args.ZNodelete {
		flags1 |= DF_1_NODELETE
	}
	if ctx.Args.ZNodlopen {
		flags1 |= DF_1_NOOPEN
	}
	if ctx.Args.ZInitfirst {
		flags1 |= DF_1_INITFIRST
	}
	if ctx.Args.ZInterpose {
		flags1 |= DF_1_INTERPOSE
	}
	if ctx.Args.ZOrigin {
		flags |= DF_ORIGIN
		flags1 |= DF_1_ORIGIN
	}
	if ctx.Args.ZNodefaultlib {
		flags1 |= DF_1_NODEFLIB
	}
	if ctx.Args.ZSymbolic {
		flags |= DF_SYMBOLIC
	}
	if ctx.Args.Pie {
		flags1 |= DF_1_PIE
	}
	if ctx.HasTextrel.Load() {
		flags |= DF_TEXTREL
	}
	if flags != 0 {
		add(DT_FLAGS, flags)
	}
	if flags1 != 0 {
		add(DT_FLAGS_1, flags1)
	}

	add(DT_NULL, 0)
	return e
}

func (s *DynamicSection) UpdateShdr(ctx *Context) {
	s.shdr.Size = uint64(len(s.entries(ctx))) * uint64(2*ctx.Target.WordSize())
	if ctx.Dynstr != nil {
		s.shdr.Link = uint32(ctx.Dynstr.shndx)
	}
}

func (s *DynamicSection) CopyBuf(ctx *Context) {
	buf := ctx.Buf[s.shdr.Offset:]
	wordSize := ctx.Target.WordSize()
	for i, e := range s.entries(ctx) {
		writeWord(ctx, buf[2*i*wordSize:], e[0])
		writeWord(ctx, buf[(2*i+1)*wordSize:], e[1])
	}
}

// StrtabSection backs .shstrtab and .strtab.
type StrtabSection struct {
	chunkBase
	strings map[string]uint32
	buf     []byte
}

func NewStrtabSection(name string) *StrtabSection {
	s := &StrtabSection{chunkBase: newChunkBase(name, SHT_STRTAB, 0)}
	s.strings = map[string]uint32{"": 0}
	s.buf = []byte{0}
	return s
}

func (s *StrtabSection) AddString(str string) uint32 {
	if off, ok := s.strings[str]; ok {
		return off
	}
	off := uint32(len(s.buf))
	s.strings[str] = off
	s.buf = append(s.buf, str...)
	s.buf = append(s.buf, 0)
	return off
}

// Offset returns the offset of a previously added string.
func (s *StrtabSection) Offset(str string) uint32 {
	return s.strings[str]
}

func (s *StrtabSection) UpdateShdr(ctx *Context) {
	s.shdr.Size = uint64(len(s.buf))
}

func (s *StrtabSection) CopyBuf(ctx *Context) {
	copy(ctx.Buf[s.shdr.Offset:], s.buf)
}

// SymtabSection is the non-dynamic .symtab (globals plus section-less
// synthetics; locals other than file/section symbols are kept too).
type SymtabSection struct {
	chunkBase
	Syms []*Symbol
}

func NewSymtabSection(ctx *Context) *SymtabSection {
	s := &SymtabSection{chunkBase: newChunkBase(".symtab", SHT_SYMTAB, 0)}
	s.shdr.EntSize = uint64(ctx.Ec.SymSize())
	s.shdr.AddrAlign = uint64(ctx.Target.WordSize())
	return s
}

// Construct gathers the output symbol table.
func (s *SymtabSection) Construct(ctx *Context) {
	s.Syms = s.Syms[:0]
	var locals, globals []*Symbol

	appendSym := func(f *InputFile, sym *Symbol, i int) {
		if sym == nil || sym.Name == "" || sym.File() != f {
			return
		}
		e := &f.ElfSyms[i]
		if e.Type() == STT_SECTION || e.Type() == STT_FILE {
			return
		}
		if sym.Frag != nil && !sym.Frag.IsAlive {
			return
		}
		if sym.Isec != nil && !sym.Isec.IsAlive.Load() {
			return
		}
		if e.Bind() == STB_LOCAL {
			locals = append(locals, sym)
		} else {
			globals = append(globals, sym)
		}
		ctx.Strtab.AddString(sym.Name)
	}

	for _, o := range ctx.Objs {
		if !o.IsReachable.Load() {
			continue
		}
		for i, sym := range o.Symbols {
			appendSym(&o.InputFile, sym, i)
		}
	}

	s.Syms = append(s.Syms, nil)
	s.Syms = append(s.Syms, locals...)
	s.shdr.Info = uint32(len(s.Syms))
	s.Syms = append(s.Syms, globals...)
}

func (s *SymtabSection) UpdateShdr(ctx *Context) {
	s.shdr.Size = uint64(len(s.Syms)) * uint64(ctx.Ec.SymSize())
	if ctx.Strtab != nil {
		s.shdr.Link = uint32(ctx.Strtab.shndx)
	}
}

func (s *SymtabSection) CopyBuf(ctx *Context) {
	buf := ctx.Buf[s.shdr.Offset:]
	entsize := ctx.Ec.SymSize()
	clear(buf[:entsize])
	for i, sym := range s.Syms {
		if i == 0 {
			continue
		}
		var e ESym
		e.NameOff = ctx.Strtab.Offset(sym.Name)
		if esym := sym.Esym(); esym != nil {
			e.Info = esym.Info
			e.Size = esym.Size
		}
		e.Other = sym.Visibility
		e.Value = sym.GetAddr(ctx, addrNoPlt)
		if osec := symOutputSection(sym); osec != nil {
			e.Shndx = uint32(osec.Shndx())
		} else if sym.OutChunk != nil {
			e.Shndx = uint32(sym.OutChunk.Shndx())
		} else {
			e.Shndx = SHN_ABS
		}
		WriteSym(buf[i*entsize:], ctx.Ec, &e)
	}
}

// BuildIdSection is a .note.gnu.build-id filled after the image is
// otherwise complete.
type BuildIdSection struct {
	chunkBase
	size int
}

func NewBuildIdSection(size int) *BuildIdSection {
	s := &BuildIdSection{chunkBase: newChunkBase(".note.gnu.build-id", SHT_NOTE, SHF_ALLOC), size: size}
	s.shdr.AddrAlign = 4
	return s
}

func (s *BuildIdSection) UpdateShdr(ctx *Context) {
	s.shdr.Size = uint64(16 + s.size)
}

func (s *BuildIdSection) CopyBuf(ctx *Context) {
	buf := ctx.Buf[s.shdr.Offset:]
	bo := ctx.Ec.Bo
	bo.PutUint32(buf, 4)              // name size ("GNU\0")
	bo.PutUint32(buf[4:], uint32(s.size)) // desc size
	bo.PutUint32(buf[8:], 3)          // NT_GNU_BUILD_ID
	copy(buf[12:], "GNU\x00")
	clear(buf[16 : 16+s.size])
}

// WriteBuildId hashes the finished image into the note. With
// --build-id=hex the given bytes are used verbatim.
func (ctx *Context) WriteBuildId() {
	s := ctx.NoteBuildId
	if s == nil {
		return
	}
	desc := ctx.Buf[s.shdr.Offset+16 : s.shdr.Offset+16+uint64(s.size)]
	switch ctx.Args.BuildId {
	case BuildIdHex:
		copy(desc, ctx.Args.BuildIdBytes)
	default:
		// Shard the image and hash the concatenation of shard hashes so
		// the computation parallelizes.
		shard := (len(ctx.Buf) + numJobs - 1) / max(numJobs, 1)
		shard = max(shard, 4096)
		n := (len(ctx.Buf) + shard - 1) / shard
		hashes := make([]uint64, n)
		parallelForRange(n, func(begin, end int) {
			for i := begin; i < end; i++ {
				lo := i * shard
				hi := min(lo+shard, len(ctx.Buf))
				hashes[i] = xxhash.Sum64(ctx.Buf[lo:hi])
			}
		})
		raw := make([]byte, 8*len(hashes))
		for i, h := range hashes {
			binary.LittleEndian.PutUint64(raw[i*8:], h)
		}
		final := xxhash.Sum64(raw)
		var out [16]byte
		binary.LittleEndian.PutUint64(out[:], final)
		binary.LittleEndian.PutUint64(out[8:], xxhash.Sum64(out[:8]))
		copy(desc, out[:])
	}
}
