package main

import "encoding/binary"

// PPC64 ELFv2 (little endian). Functions have a global entry (which
// computes r2, the TOC pointer) and a local entry past it; data is
// addressed TOC-relative. Calls that cross TOC conventions or go through
// the PLT always route via a range extension thunk that saves r2.

const (
	R_PPC64_NONE              = 0
	R_PPC64_ADDR32            = 1
	R_PPC64_ADDR16_LO         = 4
	R_PPC64_ADDR16_HI         = 5
	R_PPC64_ADDR16_HA         = 6
	R_PPC64_REL24             = 10
	R_PPC64_REL14             = 11
	R_PPC64_GOT16_LO          = 15
	R_PPC64_GOT16_HI          = 16
	R_PPC64_GOT16_HA          = 17
	R_PPC64_COPY              = 19
	R_PPC64_GLOB_DAT          = 20
	R_PPC64_JMP_SLOT          = 21
	R_PPC64_RELATIVE          = 22
	R_PPC64_REL32             = 26
	R_PPC64_ADDR64            = 38
	R_PPC64_REL64             = 44
	R_PPC64_TOC16             = 47
	R_PPC64_TOC16_LO          = 48
	R_PPC64_TOC16_HI          = 49
	R_PPC64_TOC16_HA          = 50
	R_PPC64_TOC               = 51
	R_PPC64_ADDR16_DS         = 56
	R_PPC64_ADDR16_LO_DS      = 57
	R_PPC64_GOT16_DS          = 58
	R_PPC64_GOT16_LO_DS       = 59
	R_PPC64_PLT16_LO_DS       = 60
	R_PPC64_TOC16_DS          = 63
	R_PPC64_TOC16_LO_DS       = 64
	R_PPC64_TLS               = 67
	R_PPC64_DTPMOD64          = 68
	R_PPC64_TPREL16           = 69
	R_PPC64_TPREL16_LO        = 70
	R_PPC64_TPREL16_HA        = 72
	R_PPC64_TPREL64           = 73
	R_PPC64_DTPREL16          = 74
	R_PPC64_DTPREL16_LO       = 75
	R_PPC64_DTPREL16_HA       = 77
	R_PPC64_DTPREL64          = 78
	R_PPC64_GOT_TLSGD16       = 79
	R_PPC64_GOT_TLSGD16_LO    = 80
	R_PPC64_GOT_TLSGD16_HA    = 82
	R_PPC64_GOT_TLSLD16       = 83
	R_PPC64_GOT_TLSLD16_LO    = 84
	R_PPC64_GOT_TLSLD16_HA    = 86
	R_PPC64_GOT_TPREL16_DS    = 87
	R_PPC64_GOT_TPREL16_LO_DS = 88
	R_PPC64_GOT_TPREL16_HA    = 90
	R_PPC64_TLSGD             = 107
	R_PPC64_TLSLD             = 108
	R_PPC64_REL24_NOTOC       = 116
	R_PPC64_IRELATIVE         = 248
	R_PPC64_REL16_LO          = 250
	R_PPC64_REL16_HI          = 251
	R_PPC64_REL16_HA          = 252
)

type ArchPpc64le struct {
	targetBase
}

func newArchPpc64le() *ArchPpc64le {
	return &ArchPpc64le{targetBase{
		name:           "ppc64le",
		machine:        EM_PPC64,
		is64:           true,
		bo:             binary.LittleEndian,
		pageSize:       65536,
		branchDistance: 1 << 25, // ±32 MiB
		pltHdr:         52,
		pltEnt:         4,
		pltGotEnt:      4,
		rRelative:      R_PPC64_RELATIVE,
		rIRelative:     R_PPC64_IRELATIVE,
		rGlobDat:       R_PPC64_GLOB_DAT,
		rJumpSlot:      R_PPC64_JMP_SLOT,
		rCopy:          R_PPC64_COPY,
		rAbs:           R_PPC64_ADDR64,
		rDtpmod:        R_PPC64_DTPMOD64,
		rDtpoff:        R_PPC64_DTPREL64,
		rTpoff:         R_PPC64_TPREL64,
		rTlsdesc:       0,
		relocNames: map[uint32]string{
			R_PPC64_ADDR64: "R_PPC64_ADDR64", R_PPC64_REL24: "R_PPC64_REL24",
			R_PPC64_REL24_NOTOC: "R_PPC64_REL24_NOTOC", R_PPC64_REL32: "R_PPC64_REL32",
			R_PPC64_TOC16_HA: "R_PPC64_TOC16_HA", R_PPC64_TOC16_LO: "R_PPC64_TOC16_LO",
			R_PPC64_TOC16_LO_DS: "R_PPC64_TOC16_LO_DS",
			R_PPC64_GOT_TPREL16_HA: "R_PPC64_GOT_TPREL16_HA",
		},
	}}
}

func (t *ArchPpc64le) EFlags(*Context) uint32 { return 2 } // ELFv2

func (t *ArchPpc64le) IsFuncCallRel(rel *ElfRel) bool {
	return rel.Type == R_PPC64_REL24 || rel.Type == R_PPC64_REL24_NOTOC
}

func ppc64Ha(v int64) uint16 { return uint16((v + 0x8000) >> 16) }
func ppc64Lo(v int64) uint16 { return uint16(v) }

// ppc64LocalEntryOffset decodes the st_other local-entry encoding.
func ppc64LocalEntryOffset(other uint8) int64 {
	v := other >> 5
	if v < 2 || v > 6 {
		return 0
	}
	return int64(1) << v >> 2 << 2
}

func ppc64PreservesR2(other uint8) bool { return other>>5 <= 1 }
func ppc64UsesToc(other uint8) bool     { return other>>5 > 1 }

// tocAddr is the TOC base (.got + 0x8000), exported as .TOC. too.
func tocAddr(ctx *Context) int64 {
	if ctx.Syn.TOC != nil {
		return int64(ctx.Syn.TOC.GetAddr(ctx, 0))
	}
	return int64(ctx.Got.Shdr().Addr) + 0x8000
}

func (t *ArchPpc64le) NeedsThunkShim(ctx *Context, sym *Symbol, rel *ElfRel) bool {
	if sym.HasPlt(ctx) {
		return true
	}
	e := sym.Esym()
	if e == nil {
		return false
	}
	// Interworking: a TOC-using callee entered without r2 set up (or
	// vice versa) must go through a thunk that recomputes r2.
	if rel.Type == R_PPC64_REL24 && !ppc64PreservesR2(e.Other) {
		return true
	}
	if rel.Type == R_PPC64_REL24_NOTOC && ppc64UsesToc(e.Other) {
		return true
	}
	return false
}

// The ELFv2 lazy PLT header computes its own address with a bcl, derives
// the PLT index from r12, and jumps through .got.plt[0].
func (t *ArchPpc64le) WritePltHeader(ctx *Context, buf []byte) {
	insns := []uint32{
		0x7c0802a6, // mflr    r0
		0x429f0005, // bcl     20, 31, 4 # obtain PC
		0x7d6802a6, // mflr    r11
		0x7c0803a6, // mtlr    r0
		0x398cffd4, // addi    r12, r12, -44
		0x7c0b6050, // subf    r0, r11, r12
		0x7800f082, // rldicl  r0, r0, 62, 2
		0x3d6b0000, // addis   r11, r11, GOTPLT_OFFSET@ha
		0x396b0000, // addi    r11, r11, GOTPLT_OFFSET@lo
		0xe98b0000, // ld      r12, 0(r11)
		0x7d8903a6, // mtctr   r12
		0xe96b0008, // ld      r11, 8(r11)
		0x4e800420, // bctr
	}
	for i, insn := range insns {
		put32(buf[i*4:], insn)
	}
	val := int64(ctx.GotPlt.Shdr().Addr) - int64(ctx.Plt.Shdr().Addr) - 8
	or32(buf[28:], uint32(ppc64Ha(val)))
	or32(buf[32:], uint32(ppc64Lo(val)))
}

// Each PLT entry is one branch back into the header; the resolver
// reconstructs the index from the branch address.
func (t *ArchPpc64le) WritePltEntry(ctx *Context, buf []byte, sym *Symbol) {
	plt := sym.GetPltAddr(ctx)
	val := int64(ctx.Plt.Shdr().Addr) - int64(plt)
	put32(buf, 0x48000000|uint32(val)&0x03fffffc) // b plt0
}

func (t *ArchPpc64le) WritePltGotEntry(ctx *Context, buf []byte, sym *Symbol) {
	plt := sym.GetPltAddr(ctx)
	val := int64(ctx.Plt.Shdr().Addr) - int64(plt)
	put32(buf, 0x48000000|uint32(val)&0x03fffffc)
}

func (t *ArchPpc64le) ApplyEhReloc(ctx *Context, rel ElfRel, loc uint64, b []byte, val uint64) {
	le := binary.LittleEndian
	switch rel.Type {
	case R_PPC64_NONE:
	case R_PPC64_ADDR64:
		le.PutUint64(b, val)
	case R_PPC64_REL32:
		le.PutUint32(b, uint32(val-loc))
	case R_PPC64_REL64:
		le.PutUint64(b, val-loc)
	default:
		ctx.Errorf(".eh_frame: unsupported relocation %s", t.RelocName(rel.Type))
	}
}

func (t *ArchPpc64le) ScanRelocs(ctx *Context, isec *InputSection) {
	rels := isec.Rels(ctx)
	for i := range rels {
		rel := &rels[i]
		if rel.Type == R_PPC64_NONE {
			continue
		}
		if isec.RecordUndefError(ctx, rel) {
			continue
		}
		sym := isec.File.Symbols[rel.Sym]

		switch rel.Type {
		case R_PPC64_ADDR64:
			isec.ScanAbsrelWord(ctx, sym, rel, i)
		case R_PPC64_ADDR32, R_PPC64_ADDR16_LO, R_PPC64_ADDR16_HI,
			R_PPC64_ADDR16_HA, R_PPC64_ADDR16_DS, R_PPC64_ADDR16_LO_DS:
			isec.ScanAbsrel(ctx, sym, rel, i)
		case R_PPC64_REL32, R_PPC64_REL64:
			isec.ScanPcrel(ctx, sym, rel, i)
		case R_PPC64_REL24, R_PPC64_REL24_NOTOC:
			if sym.IsImported || sym.IsIfunc() {
				sym.Demand(NeedsPlt)
			}
		case R_PPC64_GOT16_LO, R_PPC64_GOT16_HI, R_PPC64_GOT16_HA,
			R_PPC64_GOT16_DS, R_PPC64_GOT16_LO_DS:
			sym.Demand(NeedsGot)
		case R_PPC64_GOT_TLSGD16, R_PPC64_GOT_TLSGD16_LO, R_PPC64_GOT_TLSGD16_HA:
			sym.Demand(NeedsTlsGd)
		case R_PPC64_GOT_TLSLD16, R_PPC64_GOT_TLSLD16_LO, R_PPC64_GOT_TLSLD16_HA:
			ctx.NeedsTlsld.Store(true)
		case R_PPC64_GOT_TPREL16_DS, R_PPC64_GOT_TPREL16_LO_DS, R_PPC64_GOT_TPREL16_HA:
			sym.Demand(NeedsGotTp)
		case R_PPC64_TPREL16, R_PPC64_TPREL16_LO, R_PPC64_TPREL16_HA:
			isec.CheckTlsle(ctx, sym, rel)
		case R_PPC64_REL14, R_PPC64_TOC16, R_PPC64_TOC16_LO, R_PPC64_TOC16_HI,
			R_PPC64_TOC16_HA, R_PPC64_TOC, R_PPC64_TOC16_DS, R_PPC64_TOC16_LO_DS,
			R_PPC64_REL16_LO, R_PPC64_REL16_HI, R_PPC64_REL16_HA,
			R_PPC64_DTPREL16, R_PPC64_DTPREL16_LO, R_PPC64_DTPREL16_HA,
			R_PPC64_TLS, R_PPC64_TLSGD, R_PPC64_TLSLD, R_PPC64_PLT16_LO_DS:
		default:
			ctx.Errorf("%s: unknown relocation: %s", isec, t.RelocName(rel.Type))
		}
	}
}

func (t *ArchPpc64le) ApplyRelocAlloc(ctx *Context, isec *InputSection, buf []byte) {
	rels := isec.Rels(ctx)
	le := binary.LittleEndian
	absCursor := 0
	dynCursor := 0

	for i := range rels {
		rel := &rels[i]
		if rel.Type == R_PPC64_NONE {
			continue
		}
		sym := isec.File.Symbols[rel.Sym]
		off := rel.Offset
		loc := buf[off:]

		S := int64(sym.GetAddr(ctx, 0))
		A := rel.Addend
		P := int64(isec.GetAddr() + off)
		TOC := tocAddr(ctx)

		check := func(val, lo, hi int64) {
			ctx.checkRange(isec, rel, sym, val, lo, hi)
		}

		switch rel.Type {
		case R_PPC64_ADDR64:
			applyAbsRelGeneric(ctx, isec, sym, rel, loc, &absCursor, &dynCursor, S+A)
		case R_PPC64_ADDR32:
			check(S+A, 0, int64(1)<<32)
			le.PutUint32(loc, uint32(S+A))
		case R_PPC64_ADDR16_LO, R_PPC64_ADDR16_LO_DS:
			le.PutUint16(loc, ppc64Lo(S+A))
		case R_PPC64_ADDR16_HI:
			le.PutUint16(loc, uint16((S+A)>>16))
		case R_PPC64_ADDR16_HA:
			le.PutUint16(loc, ppc64Ha(S+A))
		case R_PPC64_ADDR16_DS:
			check(S+A, -(1 << 15), 1<<15)
			le.PutUint16(loc, le.Uint16(loc)&3|uint16(S+A)&^3)
		case R_PPC64_REL24, R_PPC64_REL24_NOTOC:
			e := sym.Esym()
			target := S
			if rel.Type == R_PPC64_REL24 && e != nil {
				target += ppc64LocalEntryOffset(e.Other)
			}
			val := target + A - P
			if sym.HasPlt(ctx) || t.NeedsThunkShim(ctx, sym, rel) || !isInt(val, 26) {
				val = int64(sym.GetThunkAddr(ctx, uint64(P))) + A - P
				// The thunk clobbers r2; rewrite the following nop to
				// restore the caller's TOC from its stack slot.
				if rel.Type == R_PPC64_REL24 && off+8 <= uint64(len(buf)) &&
					le.Uint32(buf[off+4:]) == 0x60000000 {
					put32(buf[off+4:], 0xe8410018) // ld r2, 24(r1)
				}
			}
			check(val, -(1 << 25), 1<<25)
			insn := le.Uint32(loc) &^ 0x03fffffc
			le.PutUint32(loc, insn|uint32(val)&0x03fffffc)
		case R_PPC64_REL14:
			check(S+A-P, -(1 << 15), 1<<15)
			insn := le.Uint32(loc) &^ 0x0000fffc
			le.PutUint32(loc, insn|uint32(S+A-P)&0x0000fffc)
		case R_PPC64_REL32:
			check(S+A-P, -(int64(1) << 31), int64(1)<<31)
			le.PutUint32(loc, uint32(S+A-P))
		case R_PPC64_REL64:
			le.PutUint64(loc, uint64(S+A-P))
		case R_PPC64_REL16_LO:
			le.PutUint16(loc, ppc64Lo(S+A-P))
		case R_PPC64_REL16_HI:
			le.PutUint16(loc, uint16((S+A-P)>>16))
		case R_PPC64_REL16_HA:
			le.PutUint16(loc, ppc64Ha(S+A-P))
		case R_PPC64_TOC16, R_PPC64_TOC16_DS:
			check(S+A-TOC, -(1 << 15), 1<<15)
			le.PutUint16(loc, uint16(S+A-TOC))
		case R_PPC64_TOC16_LO, R_PPC64_TOC16_LO_DS:
			le.PutUint16(loc, ppc64Lo(S+A-TOC))
		case R_PPC64_TOC16_HI:
			le.PutUint16(loc, uint16((S+A-TOC)>>16))
		case R_PPC64_TOC16_HA:
			le.PutUint16(loc, ppc64Ha(S+A-TOC))
		case R_PPC64_TOC:
			le.PutUint64(loc, uint64(TOC))
		case R_PPC64_GOT16_LO, R_PPC64_GOT16_LO_DS:
			le.PutUint16(loc, ppc64Lo(int64(sym.GetGotAddr(ctx))+A-TOC))
		case R_PPC64_GOT16_HI:
			le.PutUint16(loc, uint16((int64(sym.GetGotAddr(ctx))+A-TOC)>>16))
		case R_PPC64_GOT16_HA:
			le.PutUint16(loc, ppc64Ha(int64(sym.GetGotAddr(ctx))+A-TOC))
		case R_PPC64_GOT16_DS:
			check(int64(sym.GetGotAddr(ctx))+A-TOC, -(1 << 15), 1<<15)
			le.PutUint16(loc, uint16(int64(sym.GetGotAddr(ctx))+A-TOC))
		case R_PPC64_PLT16_LO_DS:
			le.PutUint16(loc, ppc64Lo(int64(sym.GetGotPltAddr(ctx))+A-TOC))
		case R_PPC64_GOT_TPREL16_HA:
			le.PutUint16(loc, ppc64Ha(int64(sym.GetGotTpAddr(ctx))+A-TOC))
		case R_PPC64_GOT_TPREL16_DS, R_PPC64_GOT_TPREL16_LO_DS:
			le.PutUint16(loc, ppc64Lo(int64(sym.GetGotTpAddr(ctx))+A-TOC))
		case R_PPC64_GOT_TLSGD16, R_PPC64_GOT_TLSGD16_LO:
			le.PutUint16(loc, ppc64Lo(int64(sym.GetTlsGdAddr(ctx))+A-TOC))
		case R_PPC64_GOT_TLSGD16_HA:
			le.PutUint16(loc, ppc64Ha(int64(sym.GetTlsGdAddr(ctx))+A-TOC))
		case R_PPC64_GOT_TLSLD16, R_PPC64_GOT_TLSLD16_LO:
			le.PutUint16(loc, ppc64Lo(int64(ctx.Got.TlsLdAddr(ctx))+A-TOC))
		case R_PPC64_GOT_TLSLD16_HA:
			le.PutUint16(loc, ppc64Ha(int64(ctx.Got.TlsLdAddr(ctx))+A-TOC))
		case R_PPC64_TPREL16:
			check(S+A-int64(ctx.TpAddr), -(1 << 15), 1<<15)
			le.PutUint16(loc, uint16(S+A-int64(ctx.TpAddr)))
		case R_PPC64_TPREL16_LO:
			le.PutUint16(loc, ppc64Lo(S+A-int64(ctx.TpAddr)))
		case R_PPC64_TPREL16_HA:
			le.PutUint16(loc, ppc64Ha(S+A-int64(ctx.TpAddr)))
		case R_PPC64_DTPREL16:
			le.PutUint16(loc, uint16(S+A-int64(ctx.DtpAddr)))
		case R_PPC64_DTPREL16_LO:
			le.PutUint16(loc, ppc64Lo(S+A-int64(ctx.DtpAddr)))
		case R_PPC64_DTPREL16_HA:
			le.PutUint16(loc, ppc64Ha(S+A-int64(ctx.DtpAddr)))
		case R_PPC64_TLS, R_PPC64_TLSGD, R_PPC64_TLSLD:
			// Markers for the __tls_get_addr call sequence.
		}
	}
}

func (t *ArchPpc64le) ApplyRelocNonalloc(ctx *Context, isec *InputSection, buf []byte) {
	applyRelocNonallocGeneric(ctx, isec, buf, func(loc []byte, rel *ElfRel, val uint64) bool {
		le := binary.LittleEndian
		switch rel.Type {
		case R_PPC64_ADDR32:
			le.PutUint32(loc, uint32(val))
		case R_PPC64_ADDR64:
			le.PutUint64(loc, val)
		case R_PPC64_DTPREL64:
			le.PutUint64(loc, val-ctx.DtpAddr)
		default:
			return false
		}
		return true
	})
}

const ppc64ThunkEntrySize = 24

func (t *ArchPpc64le) FinalizeThunk(ctx *Context, th *Thunk, firstPass bool) uint64 {
	th.Offsets = make([]uint64, 0, len(th.Symbols)+1)
	for i := range th.Symbols {
		th.Offsets = append(th.Offsets, uint64(i*ppc64ThunkEntrySize))
	}
	th.Offsets = append(th.Offsets, uint64(len(th.Symbols)*ppc64ThunkEntrySize))
	return uint64(len(th.Symbols) * ppc64ThunkEntrySize)
}

// Each entry saves r2 into the caller's TOC save slot, loads the target
// into r12 and branches via ctr.
func (t *ArchPpc64le) WriteThunk(ctx *Context, th *Thunk) {
	base := ctx.Buf[th.OutputSection.Shdr().Offset+th.Offset:]
	TOC := tocAddr(ctx)

	for i, sym := range th.Symbols {
		buf := base[th.Offsets[i]:]

		if sym.HasPlt(ctx) {
			got := int64(sym.GetGotPltAddr(ctx))
			if sym.HasGot(ctx) {
				got = int64(sym.GetGotAddr(ctx))
			}
			insns := []uint32{
				0xf8410018, // std   r2, 24(r1)
				0x60000000, // nop
				0x3d820000, // addis r12, r2, foo@gotplt@toc@ha
				0xe98c0000, // ld    r12, foo@gotplt@toc@lo(r12)
				0x7d8903a6, // mtctr r12
				0x4e800420, // bctr
			}
			for j, insn := range insns {
				put32(buf[j*4:], insn)
			}
			or32(buf[8:], uint32(ppc64Ha(got-TOC)))
			or32(buf[12:], uint32(ppc64Lo(got-TOC)))
		} else {
			val := int64(sym.GetAddr(ctx, 0))
			if e := sym.Esym(); e != nil {
				val += ppc64LocalEntryOffset(e.Other)
			}
			insns := []uint32{
				0xf8410018, // std   r2, 24(r1)
				0x60000000, // nop
				0x3d820000, // addis r12, r2,  foo@toc@ha
				0x398c0000, // addi  r12, r12, foo@toc@lo
				0x7d8903a6, // mtctr r12
				0x4e800420, // bctr
			}
			for j, insn := range insns {
				put32(buf[j*4:], insn)
			}
			or32(buf[8:], uint32(ppc64Ha(val-TOC)))
			or32(buf[12:], uint32(ppc64Lo(val-TOC)))
		}
	}
}
