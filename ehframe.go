package main

import (
	"sort"
)

// The linker does not treat .eh_frame sections as opaque bytes: CIEs are
// deduplicated across files and FDEs whose function section was discarded
// (dead COMDAT, GC) are dropped. Input .eh_frame sections are therefore
// detached from the regular output-section path and reassembled by
// EhFrameSection.

// CieRecord is one Common Information Entry of an input .eh_frame.
type CieRecord struct {
	Isec        *InputSection
	InputOffset uint64
	Size        uint64
	RelBegin    int32
	RelEnd      int32

	// Offset in the output .eh_frame; -1 for duplicates.
	OutputOffset int64
	Leader       *CieRecord
}

func (cie *CieRecord) contents(ctx *Context) []byte {
	return cie.Isec.Contents(ctx)[cie.InputOffset : cie.InputOffset+cie.Size]
}

// FdeRecord is one Frame Description Entry.
type FdeRecord struct {
	Isec        *InputSection
	InputOffset uint64
	Size        uint64
	CieIdx      int32
	RelBegin    int32
	RelEnd      int32

	OutputOffset int64
}

func (fde *FdeRecord) contents(ctx *Context) []byte {
	return fde.Isec.Contents(ctx)[fde.InputOffset : fde.InputOffset+fde.Size]
}

// IsAlive reports whether the function the FDE describes survived.
func (fde *FdeRecord) IsAlive(ctx *Context) bool {
	if fde.RelBegin == fde.RelEnd {
		return false
	}
	rels := fde.Isec.Rels(ctx)
	sym := fde.Isec.File.Symbols[rels[fde.RelBegin].Sym]
	if sym == nil || sym.File() != &fde.Isec.File.InputFile {
		return false
	}
	return sym.Isec == nil || sym.Isec.IsAlive.Load()
}

// ParseEhFrame splits an object's .eh_frame section into records.
func (o *ObjectFile) ParseEhFrame(ctx *Context) {
	var ehIsec *InputSection
	for _, isec := range o.Sections {
		if isec != nil && isec.Name() == ".eh_frame" && isec.IsAlive.Load() {
			ehIsec = isec
			break
		}
	}
	if ehIsec == nil {
		return
	}
	// The section is reassembled by EhFrameSection; keep it out of the
	// regular output sections.
	ehIsec.IsAlive.Store(false)

	data := ehIsec.Contents(ctx)
	rels := ehIsec.Rels(ctx)
	bo := o.Ec.Bo

	relIdx := 0
	for pos := uint64(0); pos+4 <= uint64(len(data)); {
		length := uint64(bo.Uint32(data[pos:]))
		if length == 0 {
			break // terminator
		}
		if length == 0xffffffff {
			ctx.Fatalf("%s: 64-bit .eh_frame records are not supported", ehIsec)
		}
		size := length + 4
		end := pos + size

		relBegin := relIdx
		for relIdx < len(rels) && rels[relIdx].Offset < end {
			relIdx++
		}

		id := bo.Uint32(data[pos+4:])
		if id == 0 {
			o.Cies = append(o.Cies, CieRecord{
				Isec: ehIsec, InputOffset: pos, Size: size,
				RelBegin: int32(relBegin), RelEnd: int32(relIdx),
				OutputOffset: -1,
			})
		} else {
			cieIdx := int32(len(o.Cies) - 1)
			// The CIE pointer is relative; find the referenced CIE.
			ciePos := pos + 4 - uint64(id)
			for i := range o.Cies {
				if o.Cies[i].InputOffset == ciePos {
					cieIdx = int32(i)
					break
				}
			}
			if cieIdx < 0 {
				ctx.Fatalf("%s: FDE with no CIE", ehIsec)
			}
			o.Fdes = append(o.Fdes, FdeRecord{
				Isec: ehIsec, InputOffset: pos, Size: size,
				CieIdx: cieIdx, RelBegin: int32(relBegin), RelEnd: int32(relIdx),
				OutputOffset: -1,
			})
		}
		pos = end
	}
}

// cieEquals compares two CIEs byte-for-byte including their relocation
// targets.
func cieEquals(ctx *Context, a, b *CieRecord) bool {
	ac, bc := a.contents(ctx), b.contents(ctx)
	if string(ac) != string(bc) {
		return false
	}
	ar := a.Isec.Rels(ctx)[a.RelBegin:a.RelEnd]
	br := b.Isec.Rels(ctx)[b.RelBegin:b.RelEnd]
	if len(ar) != len(br) {
		return false
	}
	for i := range ar {
		if ar[i].Offset-a.InputOffset != br[i].Offset-b.InputOffset ||
			ar[i].Type != br[i].Type ||
			a.Isec.File.Symbols[ar[i].Sym] != b.Isec.File.Symbols[br[i].Sym] ||
			ar[i].Addend != br[i].Addend {
			return false
		}
	}
	return true
}

// EhFrameSection is the synthesized output .eh_frame.
type EhFrameSection struct {
	chunkBase
	cies []*CieRecord
	fdes []*FdeRecord
}

func NewEhFrameSection(ctx *Context) *EhFrameSection {
	s := &EhFrameSection{chunkBase: newChunkBase(".eh_frame", SHT_PROGBITS, SHF_ALLOC)}
	s.shdr.AddrAlign = uint64(ctx.Target.WordSize())
	return s
}

// Construct dedups CIEs and assigns output offsets.
func (s *EhFrameSection) Construct(ctx *Context) {
	s.cies = s.cies[:0]
	s.fdes = s.fdes[:0]

	offset := uint64(0)
	for _, o := range ctx.Objs {
		if !o.IsReachable.Load() {
			continue
		}
		for i := range o.Cies {
			cie := &o.Cies[i]
			cie.Leader = nil
			for _, prev := range s.cies {
				if cieEquals(ctx, cie, prev) {
					cie.Leader = prev
					cie.OutputOffset = prev.OutputOffset
					break
				}
			}
			if cie.Leader == nil {
				cie.OutputOffset = int64(offset)
				offset += cie.Size
				s.cies = append(s.cies, cie)
			}
		}
	}
	for _, o := range ctx.Objs {
		if !o.IsReachable.Load() {
			continue
		}
		for i := range o.Fdes {
			fde := &o.Fdes[i]
			if !fde.IsAlive(ctx) {
				fde.OutputOffset = -1
				continue
			}
			fde.OutputOffset = int64(offset)
			offset += fde.Size
			s.fdes = append(s.fdes, fde)
		}
	}
	s.shdr.Size = offset + 4 // null terminator
}

func (s *EhFrameSection) UpdateShdr(ctx *Context) {}

func (s *EhFrameSection) CopyBuf(ctx *Context) {
	base := ctx.Buf[s.shdr.Offset:]
	clear(base[:s.shdr.Size])

	copyRecord := func(isec *InputSection, inOff, size uint64, outOff int64, relBegin, relEnd int32, cieOut int64) {
		copy(base[outOff:], isec.Contents(ctx)[inOff:inOff+size])
		if cieOut >= 0 {
			// FDE: rewrite the CIE pointer to the output distance.
			ctx.Ec.Bo.PutUint32(base[outOff+4:], uint32(outOff+4-cieOut))
		}
		for _, rel := range isec.Rels(ctx)[relBegin:relEnd] {
			if rel.Type == 0 {
				continue
			}
			sym := isec.File.Symbols[rel.Sym]
			loc := uint64(outOff) + (rel.Offset - inOff)
			val := sym.GetAddr(ctx, 0) + uint64(rel.Addend)
			ctx.Target.ApplyEhReloc(ctx, rel, s.shdr.Addr+loc, base[loc:], val)
		}
	}

	parallelForEach(s.cies, func(cie *CieRecord) {
		copyRecord(cie.Isec, cie.InputOffset, cie.Size, cie.OutputOffset, cie.RelBegin, cie.RelEnd, -1)
	})
	parallelForEach(s.fdes, func(fde *FdeRecord) {
		cie := &fde.Isec.File.Cies[fde.CieIdx]
		copyRecord(fde.Isec, fde.InputOffset, fde.Size, fde.OutputOffset, fde.RelBegin, fde.RelEnd, cie.OutputOffset)
	})
}

// fdeFuncAddr returns the address of the function an FDE covers.
func fdeFuncAddr(ctx *Context, fde *FdeRecord) uint64 {
	rels := fde.Isec.Rels(ctx)
	r := rels[fde.RelBegin]
	sym := fde.Isec.File.Symbols[r.Sym]
	return sym.GetAddr(ctx, 0) + uint64(r.Addend)
}

// EhFrameHdrSection is the binary search table consumed by the unwinder.
type EhFrameHdrSection struct {
	chunkBase
}

const ehFrameHdrSize = 12

func NewEhFrameHdrSection() *EhFrameHdrSection {
	s := &EhFrameHdrSection{chunkBase: newChunkBase(".eh_frame_hdr", SHT_PROGBITS, SHF_ALLOC)}
	s.shdr.AddrAlign = 4
	return s
}

func (s *EhFrameHdrSection) UpdateShdr(ctx *Context) {
	n := uint64(len(ctx.EhFrame.fdes))
	s.shdr.Size = ehFrameHdrSize + n*8
}

func (s *EhFrameHdrSection) CopyBuf(ctx *Context) {
	buf := ctx.Buf[s.shdr.Offset:]
	bo := ctx.Ec.Bo

	buf[0] = 1    // version
	buf[1] = 0x1b // eh_frame_ptr: DW_EH_PE_pcrel | sdata4
	buf[2] = 0x03 // fde_count: DW_EH_PE_udata4
	buf[3] = 0x3b // table: DW_EH_PE_datarel | sdata4

	bo.PutUint32(buf[4:], uint32(int32(ctx.EhFrame.shdr.Addr)-int32(s.shdr.Addr)-4))
	bo.PutUint32(buf[8:], uint32(len(ctx.EhFrame.fdes)))

	type entry struct{ initAddr, fdeAddr int32 }
	entries := make([]entry, len(ctx.EhFrame.fdes))
	parallelForRange(len(ctx.EhFrame.fdes), func(begin, end int) {
		for i := begin; i < end; i++ {
			fde := ctx.EhFrame.fdes[i]
			entries[i] = entry{
				initAddr: int32(fdeFuncAddr(ctx, fde)) - int32(s.shdr.Addr),
				fdeAddr:  int32(ctx.EhFrame.shdr.Addr) + int32(fde.OutputOffset) - int32(s.shdr.Addr),
			}
		}
	})
	sort.Slice(entries, func(i, j int) bool { return entries[i].initAddr < entries[j].initAddr })

	for i, e := range entries {
		bo.PutUint32(buf[ehFrameHdrSize+i*8:], uint32(e.initAddr))
		bo.PutUint32(buf[ehFrameHdrSize+i*8+4:], uint32(e.fdeAddr))
	}
}
