package main

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/klauspost/compress/zstd"
)

// RelocDelta records, for relaxable targets, how many bytes have been
// removed from a section up to and including the deletion at Offset.
type RelocDelta struct {
	Offset uint64
	Delta  uint64
}

// getRemovedBytes returns the number of bytes removed by deletion i alone.
func getRemovedBytes(deltas []RelocDelta, i int) uint64 {
	if i == 0 {
		return deltas[0].Delta
	}
	return deltas[i].Delta - deltas[i-1].Delta
}

// getRDelta returns the cumulative number of bytes removed strictly
// before offset.
func getRDelta(deltas []RelocDelta, offset uint64) uint64 {
	lo, hi := 0, len(deltas)
	for lo < hi {
		mid := (lo + hi) / 2
		if deltas[mid].Offset < offset {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo == 0 {
		return 0
	}
	return deltas[lo-1].Delta
}

// InputSection is one section of an object file. Its raw bytes point into
// the file's contents unless the section was compressed, in which case an
// owned decompressed buffer takes over.
type InputSection struct {
	File  *ObjectFile
	Shndx uint32

	ShSize  uint64
	P2Align uint8

	// Offset within the output section; -1 before layout.
	Offset int64

	OutputSection *OutputSection

	IsAlive      atomic.Bool
	AddressTaken bool

	contents     []byte
	uncompressed []byte
	isCompressed bool
	uncompressMu sync.Mutex

	RelsecIdx int32
	rels      []ElfRel
	relsOnce  sync.Once

	// Relaxation deltas (RISC-V / LoongArch), sorted by Offset.
	RDeltas []RelocDelta

	// Word-size absolute relocations that need dynamic counterparts,
	// recorded by the scan pass; reldynOffset is the byte position of
	// this section's slice of .rela.dyn.
	AbsRels      []AbsRel
	reldynOffset uint64
}

func NewInputSection(ctx *Context, file *ObjectFile, shndx uint32) *InputSection {
	isec := &InputSection{
		File:      file,
		Shndx:     shndx,
		Offset:    -1,
		RelsecIdx: -1,
	}
	isec.IsAlive.Store(true)

	shdr := isec.Shdr()
	if shdr.Type != SHT_NOBITS {
		end := shdr.Offset + shdr.Size
		if end > uint64(len(file.Data)) {
			ctx.Fatalf("%s: section %s extends past the end of the file", file.Name, isec.Name())
		}
		isec.contents = file.Data[shdr.Offset:end]
	}

	if shdr.Flags&SHF_COMPRESSED != 0 {
		chSize, chAlign, err := isec.parseChdr(ctx)
		if err != nil {
			ctx.Fatalf("%s: %s: %v", file.Name, isec.Name(), err)
		}
		isec.ShSize = chSize
		isec.P2Align = toP2Align(chAlign)
		isec.isCompressed = true
	} else {
		isec.ShSize = shdr.Size
		isec.P2Align = toP2Align(shdr.AddrAlign)
	}
	return isec
}

func (isec *InputSection) Shdr() *Shdr {
	return &isec.File.ElfShdrs[isec.Shndx]
}

func (isec *InputSection) Name() string {
	return ElfString(isec.File.Shstrtab, isec.Shdr().Name)
}

func (isec *InputSection) String() string {
	return fmt.Sprintf("%s:(%s)", isec.File.Name, isec.Name())
}

func (isec *InputSection) GetAddr() uint64 {
	return isec.OutputSection.shdr.Addr + uint64(isec.Offset)
}

func (isec *InputSection) parseChdr(ctx *Context) (size, align uint64, err error) {
	ec := isec.File.Ec
	hdrSize := 24
	if !ec.Is64 {
		hdrSize = 12
	}
	if len(isec.contents) < hdrSize {
		return 0, 0, fmt.Errorf("corrupted compressed section")
	}
	bo := ec.Bo
	if ec.Is64 {
		return bo.Uint64(isec.contents[8:]), bo.Uint64(isec.contents[16:]), nil
	}
	return uint64(bo.Uint32(isec.contents[4:])), uint64(bo.Uint32(isec.contents[8:])), nil
}

var zstdDecoder = sync.OnceValue(func() *zstd.Decoder {
	d, _ := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	return d
})

// Contents returns the section bytes, decompressing on first use.
func (isec *InputSection) Contents(ctx *Context) []byte {
	if !isec.isCompressed {
		return isec.contents
	}
	isec.uncompressMu.Lock()
	defer isec.uncompressMu.Unlock()
	if isec.uncompressed != nil {
		return isec.uncompressed
	}

	ec := isec.File.Ec
	hdrSize := 24
	if !ec.Is64 {
		hdrSize = 12
	}
	chType := ec.Bo.Uint32(isec.contents)
	data := isec.contents[hdrSize:]

	switch chType {
	case ELFCOMPRESS_ZLIB:
		r, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			ctx.Fatalf("%s: uncompress failed: %v", isec, err)
		}
		buf := make([]byte, isec.ShSize)
		if _, err := io.ReadFull(r, buf); err != nil {
			ctx.Fatalf("%s: uncompress failed: %v", isec, err)
		}
		isec.uncompressed = buf
	case ELFCOMPRESS_ZSTD:
		buf, err := zstdDecoder().DecodeAll(data, make([]byte, 0, isec.ShSize))
		if err != nil || uint64(len(buf)) < isec.ShSize {
			ctx.Fatalf("%s: uncompress failed: premature end of input", isec)
		}
		isec.uncompressed = buf[:isec.ShSize]
	default:
		ctx.Fatalf("%s: unsupported compression type: 0x%x", isec, chType)
	}
	return isec.uncompressed
}

// Rels returns the relocations that apply to this section.
func (isec *InputSection) Rels(ctx *Context) []ElfRel {
	isec.relsOnce.Do(func() {
		if isec.RelsecIdx == -1 {
			return
		}
		shdr := &isec.File.ElfShdrs[isec.RelsecIdx]
		data := isec.File.Data[shdr.Offset : shdr.Offset+shdr.Size]
		isec.rels = ReadRels(data, isec.File.Ec, shdr.Type == SHT_RELA)
	})
	return isec.rels
}

// WriteTo copies the section into buf and applies its relocations. For
// relaxed sections the copy is piecewise, skipping the deleted byte
// ranges.
func (isec *InputSection) WriteTo(ctx *Context, buf []byte) {
	if isec.Shdr().Type == SHT_NOBITS || isec.ShSize == 0 {
		return
	}

	contents := isec.Contents(ctx)
	if len(isec.RDeltas) == 0 {
		copy(buf[:isec.ShSize], contents)
	} else {
		deltas := isec.RDeltas
		copy(buf, contents[:deltas[0].Offset])
		for i := range deltas {
			offset := deltas[i].Offset
			delta := deltas[i].Delta
			end := uint64(len(contents))
			if i+1 < len(deltas) {
				end = deltas[i+1].Offset
			}
			removed := getRemovedBytes(deltas, i)
			copy(buf[offset+removed-delta:], contents[offset+removed:end])
		}
	}

	if !ctx.Args.Relocatable {
		if isec.Shdr().Flags&SHF_ALLOC != 0 {
			ctx.Target.ApplyRelocAlloc(ctx, isec, buf)
		} else {
			ctx.Target.ApplyRelocNonalloc(ctx, isec, buf)
		}
	}
}

// getFuncName returns the name of the function containing offset, for
// diagnostics.
func (isec *InputSection) getFuncName(offset uint64) string {
	for _, sym := range isec.File.Symbols {
		if sym == nil || sym.File() != &isec.File.InputFile {
			continue
		}
		e := sym.Esym()
		if e != nil && e.Shndx == isec.Shndx && e.Type() == STT_FUNC &&
			e.Value <= offset && offset < e.Value+e.Size {
			return sym.Name
		}
	}
	return ""
}

// RecordUndefError checks that the relocation target is resolved and, if
// not, files an undef report. Returns true if the relocation must be
// skipped.
func (isec *InputSection) RecordUndefError(ctx *Context, rel *ElfRel) bool {
	if int(rel.Sym) >= len(isec.File.ElfSyms) {
		return false
	}
	sym := isec.File.Symbols[rel.Sym]
	esym := &isec.File.ElfSyms[rel.Sym]

	if sym.File() == nil {
		ctx.Errorf("%s: %s refers to a discarded COMDAT section probably due to an ODR violation",
			isec, sym.Name)
		return true
	}

	isUndef := esym.IsUndef() && !esym.IsWeak() && rel.Sym != 0

	if isUndef && sym.IsRemaining() {
		loc := isec.String()
		if fn := isec.getFuncName(rel.Offset); fn != "" {
			loc += ":(" + fn + ")"
		}
		switch {
		case ctx.Args.UnresolvedSymbols == UnresolvedError && !sym.IsImported:
			ctx.RecordUndef(sym, loc)
			return true
		case ctx.Args.UnresolvedSymbols == UnresolvedWarn:
			ctx.RecordUndef(sym, loc)
		}
	}
	return false
}

// relocAction is an entry in the absolute/PC-relative decision tables.
type relocAction uint8

const (
	actNone relocAction = iota
	actError
	actCopyrel
	actPlt
	actCplt
	actBaserel
	actDynrel
	actIfunc
)

// symClass returns the decision-table column: absolute, local, imported
// data, imported code.
func symClass(sym *Symbol) int {
	switch {
	case sym.IsAbsolute():
		return 0
	case !sym.IsImported:
		return 1
	case sym.Type() != STT_FUNC:
		return 2
	default:
		return 3
	}
}

// PC-relative relocations cannot be promoted to dynamic relocations
// because the dynamic linker has no way to express them.
var pcrelTable = [3][4]relocAction{
	// Absolute  Local     Imported data  Imported code
	{actError, actNone, actError, actPlt},      // Shared object
	{actError, actNone, actCopyrel, actCplt},   // Position-independent exec
	{actNone, actNone, actCopyrel, actCplt},    // Position-dependent exec
}

// Sub-word absolute relocations cannot be promoted either: the dynamic
// linker does not support dynamic relocations smaller than a word.
var absrelSubwordTable = [3][4]relocAction{
	{actNone, actError, actError, actError},    // Shared object
	{actNone, actError, actError, actError},    // Position-independent exec
	{actNone, actNone, actCopyrel, actCplt},    // Position-dependent exec
}

// Word-size absolute relocations may become dynamic relocations.
var absrelWordTable = [3][4]relocAction{
	{actNone, actBaserel, actDynrel, actDynrel}, // Shared object
	{actNone, actBaserel, actDynrel, actDynrel}, // Position-independent exec
	{actNone, actNone, actCopyrel, actCplt},     // Position-dependent exec
}

func (isec *InputSection) doAction(ctx *Context, action relocAction, sym *Symbol, rel *ElfRel, relIdx int) {
	switch action {
	case actNone:
	case actError:
		ctx.Errorf("%s: %s relocation at offset 0x%x against symbol `%s' can not be used; recompile with -fPIC",
			isec, ctx.Target.RelocName(rel.Type), rel.Offset, sym.Name)
	case actCopyrel:
		if !ctx.Args.ZNodlopen || sym.File() == nil || !sym.File().IsDSO {
			sym.Demand(NeedsCopyrel)
		}
	case actPlt:
		sym.Demand(NeedsPlt)
	case actCplt:
		sym.Demand(NeedsCplt)
	case actBaserel, actDynrel:
		kind := AbsRelDynrel
		if action == actBaserel {
			kind = AbsRelBaserel
			wordSize := uint64(ctx.Target.WordSize())
			if ctx.Args.PackDynRelocsRelr && rel.Offset%wordSize == 0 &&
				isec.P2Align >= toP2Align(wordSize) {
				kind = AbsRelRelr
			}
		}
		if isec.Shdr().Flags&SHF_WRITE == 0 {
			ctx.HasTextrel.Store(true)
			if ctx.Args.ZText {
				ctx.Errorf("%s: relocation against symbol `%s' in read-only section", isec, sym.Name)
			} else if ctx.Args.WarnTextrel {
				ctx.Warnf("%s: relocation against symbol `%s' in read-only section", isec, sym.Name)
			}
		}
		isec.AbsRels = append(isec.AbsRels, AbsRel{RelIdx: int32(relIdx), Kind: kind})
	}
}

// ScanPcrel runs the PC-relative decision table for one relocation.
func (isec *InputSection) ScanPcrel(ctx *Context, sym *Symbol, rel *ElfRel, relIdx int) {
	isec.doAction(ctx, pcrelTable[ctx.outputType()][symClass(sym)], sym, rel, relIdx)
}

// ScanAbsrel runs the sub-word absolute decision table.
func (isec *InputSection) ScanAbsrel(ctx *Context, sym *Symbol, rel *ElfRel, relIdx int) {
	isec.doAction(ctx, absrelSubwordTable[ctx.outputType()][symClass(sym)], sym, rel, relIdx)
}

// ScanAbsrelWord runs the word-size absolute decision table. These are
// the only relocations that may produce R_*_RELATIVE or symbolic dynamic
// relocations.
func (isec *InputSection) ScanAbsrelWord(ctx *Context, sym *Symbol, rel *ElfRel, relIdx int) {
	if sym.IsIfunc() {
		isec.AbsRels = append(isec.AbsRels, AbsRel{RelIdx: int32(relIdx), Kind: AbsRelIfunc})
		return
	}
	isec.doAction(ctx, absrelWordTable[ctx.outputType()][symClass(sym)], sym, rel, relIdx)
}

// ScanTlsdesc classifies a TLSDESC relocation per the relaxation rules.
func (isec *InputSection) ScanTlsdesc(ctx *Context, sym *Symbol) {
	if ctx.IsStatic() || (ctx.Args.Relax && sym.isTprelLinktimeConst(ctx)) {
		// Relaxed to Local Exec; a statically-linked executable has no
		// TLSDESC trampoline, so this is mandatory under --static.
	} else if ctx.Args.Relax && sym.isTprelRuntimeConst(ctx) {
		sym.Demand(NeedsGotTp)
	} else {
		sym.Demand(NeedsTlsDesc)
	}
}

// CheckTlsle rejects Local Exec relocations in shared objects.
func (isec *InputSection) CheckTlsle(ctx *Context, sym *Symbol, rel *ElfRel) {
	if ctx.Args.Shared {
		ctx.Errorf("%s: relocation %s against `%s' can not be used when making a shared object; recompile with -fPIC",
			isec, ctx.Target.RelocName(rel.Type), sym.Name)
	}
}

// The TP offset of a symbol is a link-time constant when we are creating
// an executable and the definition is local to it.
func (sym *Symbol) isTprelLinktimeConst(ctx *Context) bool {
	return !ctx.Args.Shared && !sym.IsImported
}

// It is a load-time constant whenever the symbol lives in the static TLS
// block, i.e. the output is an executable or a DSO that cannot be
// dlopen'ed.
func (sym *Symbol) isTprelRuntimeConst(ctx *Context) bool {
	return !ctx.Args.Shared || ctx.Args.ZNodlopen
}

// applyAbsRelGeneric is shared by all targets: look up this relocation's
// verdict among isec.AbsRels and either write the value, write it plus a
// RELATIVE record, or emit a symbolic dynamic relocation.
func applyAbsRelGeneric(ctx *Context, isec *InputSection, sym *Symbol, rel *ElfRel, loc []byte, absCursor, dynCursor *int, val int64) {
	kind := AbsRelNone
	for *absCursor < len(isec.AbsRels) {
		ar := &isec.AbsRels[*absCursor]
		r := &isec.Rels(ctx)[ar.RelIdx]
		if r.Offset < rel.Offset {
			*absCursor++
			continue
		}
		if r.Offset == rel.Offset {
			kind = ar.Kind
		}
		break
	}

	P := isec.GetAddr() + rel.Offset
	switch kind {
	case AbsRelNone:
		writeWord(ctx, loc, uint64(val))
	case AbsRelBaserel:
		writeWord(ctx, loc, uint64(val))
		isec.applyDynRel(ctx, dynCursor, ctx.Target.RRelative(), 0, P, val)
	case AbsRelRelr:
		writeWord(ctx, loc, uint64(val))
	case AbsRelIfunc:
		writeWord(ctx, loc, sym.GetAddr(ctx, addrNoPlt)+uint64(rel.Addend))
		isec.applyDynRel(ctx, dynCursor, ctx.Target.RIRelative(), 0, P,
			int64(sym.GetAddr(ctx, addrNoPlt))+rel.Addend)
	case AbsRelDynrel:
		isec.applyDynRel(ctx, dynCursor, ctx.Target.RAbs(), uint32(sym.DynsymIdx(ctx)), P, rel.Addend)
	}
}

// applyRelocNonallocGeneric handles debug and other non-allocated
// sections: no PLT, no dynamic relocations, and a tombstone for
// references into discarded COMDATs so consumers skip the hole.
func applyRelocNonallocGeneric(ctx *Context, isec *InputSection, buf []byte,
	write func(loc []byte, rel *ElfRel, val uint64) bool) {
	rels := isec.Rels(ctx)
	for i := range rels {
		rel := &rels[i]
		if rel.Type == 0 {
			continue
		}
		if isec.RecordUndefError(ctx, rel) {
			continue
		}
		if rel.Offset >= isec.ShSize {
			continue
		}
		sym := isec.File.Symbols[rel.Sym]
		loc := buf[rel.Offset:]

		var val uint64
		if frag, fragAddend := isec.GetFragmentForRel(ctx, rel); frag != nil {
			val = frag.GetAddr(ctx) + uint64(fragAddend)
		} else if sym.Isec != nil && !sym.Isec.IsAlive.Load() {
			// Debug tombstone so consumers skip the hole left by a
			// discarded COMDAT.
			val = 0
		} else {
			val = sym.GetAddr(ctx, 0) + uint64(rel.Addend)
		}
		if !write(loc, rel, val) {
			ctx.Errorf("%s: unsupported relocation in non-allocated section: %s",
				isec, ctx.Target.RelocName(rel.Type))
		}
	}
}

// applyDynRel appends one dynamic relocation into this section's reserved
// slice of .rela.dyn during the apply pass.
func (isec *InputSection) applyDynRel(ctx *Context, cursor *int, typ uint32, symIdx uint32, offset uint64, addend int64) {
	pos := isec.reldynOffset + uint64(*cursor)*uint64(ctx.Ec.RelSize(true))
	*cursor++
	rel := ElfRel{Offset: offset, Type: typ, Sym: symIdx, Addend: addend}
	WriteRel(ctx.Buf[ctx.RelDyn.shdr.Offset+pos:], ctx.Ec, true, &rel)
}
