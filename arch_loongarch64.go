package main

import "encoding/binary"

// LoongArch 64. Shares RISC-V's relaxation design (compiler emits the
// longest sequences, the linker deletes bytes), but with its own page
// semantics: PCALAU12I zero-clears the low 12 bits, so the HI20 math
// must compensate the LO12 sign extension.

const (
	R_LARCH_NONE             = 0
	R_LARCH_32               = 1
	R_LARCH_64               = 2
	R_LARCH_RELATIVE         = 3
	R_LARCH_COPY             = 4
	R_LARCH_JUMP_SLOT        = 5
	R_LARCH_TLS_DTPMOD64     = 7
	R_LARCH_TLS_DTPREL64     = 9
	R_LARCH_TLS_TPREL64      = 11
	R_LARCH_IRELATIVE        = 12
	R_LARCH_TLS_DESC64       = 14
	R_LARCH_MARK_LA          = 20
	R_LARCH_MARK_PCREL       = 21
	R_LARCH_ADD8             = 47
	R_LARCH_ADD16            = 48
	R_LARCH_ADD24            = 49
	R_LARCH_ADD32            = 50
	R_LARCH_ADD64            = 51
	R_LARCH_SUB8             = 52
	R_LARCH_SUB16            = 53
	R_LARCH_SUB24            = 54
	R_LARCH_SUB32            = 55
	R_LARCH_SUB64            = 56
	R_LARCH_B16              = 64
	R_LARCH_B21              = 65
	R_LARCH_B26              = 66
	R_LARCH_ABS_HI20         = 67
	R_LARCH_ABS_LO12         = 68
	R_LARCH_ABS64_LO20       = 69
	R_LARCH_ABS64_HI12       = 70
	R_LARCH_PCALA_HI20       = 71
	R_LARCH_PCALA_LO12       = 72
	R_LARCH_PCALA64_LO20     = 73
	R_LARCH_PCALA64_HI12     = 74
	R_LARCH_GOT_PC_HI20      = 75
	R_LARCH_GOT_PC_LO12      = 76
	R_LARCH_GOT64_PC_LO20    = 77
	R_LARCH_GOT64_PC_HI12    = 78
	R_LARCH_GOT_HI20         = 79
	R_LARCH_GOT_LO12         = 80
	R_LARCH_GOT64_LO20       = 81
	R_LARCH_GOT64_HI12       = 82
	R_LARCH_TLS_LE_HI20      = 83
	R_LARCH_TLS_LE_LO12      = 84
	R_LARCH_TLS_LE64_LO20    = 85
	R_LARCH_TLS_LE64_HI12    = 86
	R_LARCH_TLS_IE_PC_HI20   = 87
	R_LARCH_TLS_IE_PC_LO12   = 88
	R_LARCH_TLS_IE64_PC_LO20 = 89
	R_LARCH_TLS_IE64_PC_HI12 = 90
	R_LARCH_TLS_IE_HI20      = 91
	R_LARCH_TLS_IE_LO12      = 92
	R_LARCH_TLS_IE64_LO20    = 93
	R_LARCH_TLS_IE64_HI12    = 94
	R_LARCH_TLS_LD_PC_HI20   = 95
	R_LARCH_TLS_LD_HI20      = 96
	R_LARCH_TLS_GD_PC_HI20   = 97
	R_LARCH_TLS_GD_HI20      = 98
	R_LARCH_32_PCREL         = 99
	R_LARCH_RELAX            = 100
	R_LARCH_ALIGN            = 102
	R_LARCH_ADD6             = 105
	R_LARCH_SUB6             = 106
	R_LARCH_ADD_ULEB128      = 107
	R_LARCH_SUB_ULEB128      = 108
	R_LARCH_64_PCREL         = 109
	R_LARCH_CALL36           = 110
	R_LARCH_TLS_DESC_PC_HI20 = 111
	R_LARCH_TLS_DESC_PC_LO12 = 112
	R_LARCH_TLS_DESC_LD      = 119
	R_LARCH_TLS_DESC_CALL    = 120
	R_LARCH_TLS_LE_HI20_R    = 121
	R_LARCH_TLS_LE_ADD_R     = 122
	R_LARCH_TLS_LE_LO12_R    = 123
)

type ArchLoongArch64 struct {
	targetBase
}

func newArchLoongArch64() *ArchLoongArch64 {
	return &ArchLoongArch64{targetBase{
		name:       "loongarch64",
		machine:    EM_LOONGARCH,
		is64:       true,
		bo:         binary.LittleEndian,
		pageSize:   16384,
		pltHdr:     32,
		pltEnt:     16,
		pltGotEnt:  16,
		rRelative:  R_LARCH_RELATIVE,
		rIRelative: R_LARCH_IRELATIVE,
		rGlobDat:   R_LARCH_64,
		rJumpSlot:  R_LARCH_JUMP_SLOT,
		rCopy:      R_LARCH_COPY,
		rAbs:       R_LARCH_64,
		rDtpmod:    R_LARCH_TLS_DTPMOD64,
		rDtpoff:    R_LARCH_TLS_DTPREL64,
		rTpoff:     R_LARCH_TLS_TPREL64,
		rTlsdesc:   R_LARCH_TLS_DESC64,
		relocNames: map[uint32]string{
			R_LARCH_32: "R_LARCH_32", R_LARCH_64: "R_LARCH_64",
			R_LARCH_B26: "R_LARCH_B26", R_LARCH_PCALA_HI20: "R_LARCH_PCALA_HI20",
			R_LARCH_PCALA_LO12: "R_LARCH_PCALA_LO12", R_LARCH_GOT_PC_HI20: "R_LARCH_GOT_PC_HI20",
			R_LARCH_CALL36: "R_LARCH_CALL36", R_LARCH_ALIGN: "R_LARCH_ALIGN",
			R_LARCH_TLS_DESC_PC_HI20: "R_LARCH_TLS_DESC_PC_HI20",
			R_LARCH_32_PCREL:         "R_LARCH_32_PCREL",
		},
	}}
}

func (t *ArchLoongArch64) SupportsShrinking() bool { return true }

func (t *ArchLoongArch64) IsFuncCallRel(rel *ElfRel) bool {
	return rel.Type == R_LARCH_B26 || rel.Type == R_LARCH_CALL36
}

// laPage zero-clears the low 12 bits.
func laPage(val uint64) uint64 { return val &^ 0xfff }

// laHi20 computes the PCALAU12I immediate; 0x800 compensates for the
// sign extension of the pairing ADDI.
func laHi20(val, pc uint64) uint32 {
	return bits(laPage(val+0x800)-laPage(pc), 31, 12)
}

func laHigher(val, pc uint64) uint64 {
	if val&0x800 != 0 {
		val = val + 0x8000_0000 + 0x1000 - 0x1_0000_0000
	} else {
		val = val + 0x8000_0000
	}
	return laPage(val) - laPage(pc-8)
}

func laHigher20(val, pc uint64) uint32 { return bits(laHigher(val, pc), 51, 32) }
func laHighest12(val, pc uint64) uint32 { return bits(laHigher(val, pc), 63, 52) }

func writeK12(loc []byte, val uint32) {
	le := binary.LittleEndian
	insn := le.Uint32(loc) & 0b1111111111_000000000000_11111_11111
	le.PutUint32(loc, insn|bits(uint64(val), 11, 0)<<10)
}

func writeK16(loc []byte, val uint32) {
	le := binary.LittleEndian
	insn := le.Uint32(loc) & 0b111111_0000000000000000_11111_11111
	le.PutUint32(loc, insn|bits(uint64(val), 15, 0)<<10)
}

func writeJ20(loc []byte, val uint32) {
	le := binary.LittleEndian
	insn := le.Uint32(loc) & 0b1111111_00000000000000000000_11111
	le.PutUint32(loc, insn|bits(uint64(val), 19, 0)<<5)
}

func writeD5k16(loc []byte, val uint32) {
	le := binary.LittleEndian
	insn := le.Uint32(loc) & 0b111111_0000000000000000_11111_00000
	insn |= bits(uint64(val), 15, 0) << 10
	insn |= bits(uint64(val), 20, 16)
	le.PutUint32(loc, insn)
}

func writeD10k16(loc []byte, val uint32) {
	le := binary.LittleEndian
	insn := le.Uint32(loc) & 0b111111_0000000000000000_0000000000
	insn |= bits(uint64(val), 15, 0) << 10
	insn |= bits(uint64(val), 25, 16)
	le.PutUint32(loc, insn)
}

func laGetRd(insn uint32) uint32 { return bits(uint64(insn), 4, 0) }
func laGetRj(insn uint32) uint32 { return bits(uint64(insn), 9, 5) }

func laSetRj(loc []byte, rj uint32) {
	le := binary.LittleEndian
	insn := le.Uint32(loc) & 0b111111_1111111111111111_00000_11111
	le.PutUint32(loc, insn|rj<<5)
}

// The GOT slot used by a symbol's GOT-class relocations: LoongArch uses
// the same relocation types for TLSGD and regular GOT references.
func laGotAddr(ctx *Context, sym *Symbol) uint64 {
	if sym.HasTlsGd(ctx) {
		return sym.GetTlsGdAddr(ctx)
	}
	return sym.GetGotAddr(ctx)
}

func (t *ArchLoongArch64) WritePltHeader(ctx *Context, buf []byte) {
	insns := []uint32{
		0x1a00000e, // pcalau12i $t2, %pc_hi20(.got.plt)
		0x0011bdad, // sub.d     $t1, $t1, $t3
		0x28c001cf, // ld.d      $t3, $t2, %lo12(.got.plt)
		0x02ff51ad, // addi.d    $t1, $t1, -44
		0x02c001cc, // addi.d    $t0, $t2, %lo12(.got.plt)
		0x004505ad, // srli.d    $t1, $t1, 1
		0x28c0218c, // ld.d      $t0, $t0, 8
		0x4c0001e0, // jr        $t3
	}
	for i, insn := range insns {
		put32(buf[i*4:], insn)
	}
	gotplt := ctx.GotPlt.Shdr().Addr
	plt := ctx.Plt.Shdr().Addr
	writeJ20(buf, laHi20(gotplt, plt))
	writeK12(buf[8:], uint32(gotplt))
	writeK12(buf[16:], uint32(gotplt))
}

var laPltEntry = []uint32{
	0x1a00000f, // pcalau12i $t3, %pc_hi20(func@.got.plt)
	0x28c001ef, // ld.d      $t3, $t3, %lo12(func@.got.plt)
	0x4c0001ed, // jirl      $t1, $t3, 0
	0x002a0000, // break
}

func (t *ArchLoongArch64) WritePltEntry(ctx *Context, buf []byte, sym *Symbol) {
	for i, insn := range laPltEntry {
		put32(buf[i*4:], insn)
	}
	gotplt := sym.GetGotPltAddr(ctx)
	plt := sym.GetPltAddr(ctx)
	writeJ20(buf, laHi20(gotplt, plt))
	writeK12(buf[4:], uint32(gotplt))
}

func (t *ArchLoongArch64) WritePltGotEntry(ctx *Context, buf []byte, sym *Symbol) {
	for i, insn := range laPltEntry {
		put32(buf[i*4:], insn)
	}
	got := sym.GetGotAddr(ctx)
	plt := sym.GetPltAddr(ctx)
	writeJ20(buf, laHi20(got, plt))
	writeK12(buf[4:], uint32(got))
}

func (t *ArchLoongArch64) ApplyEhReloc(ctx *Context, rel ElfRel, loc uint64, b []byte, val uint64) {
	le := binary.LittleEndian
	switch rel.Type {
	case R_LARCH_NONE:
	case R_LARCH_ADD6:
		b[0] = b[0]&0b1100_0000 | (b[0]+uint8(val))&0b0011_1111
	case R_LARCH_ADD8:
		b[0] += uint8(val)
	case R_LARCH_ADD16:
		le.PutUint16(b, le.Uint16(b)+uint16(val))
	case R_LARCH_ADD32:
		le.PutUint32(b, le.Uint32(b)+uint32(val))
	case R_LARCH_ADD64:
		le.PutUint64(b, le.Uint64(b)+val)
	case R_LARCH_SUB6:
		b[0] = b[0]&0b1100_0000 | (b[0]-uint8(val))&0b0011_1111
	case R_LARCH_SUB8:
		b[0] -= uint8(val)
	case R_LARCH_SUB16:
		le.PutUint16(b, le.Uint16(b)-uint16(val))
	case R_LARCH_SUB32:
		le.PutUint32(b, le.Uint32(b)-uint32(val))
	case R_LARCH_SUB64:
		le.PutUint64(b, le.Uint64(b)-val)
	case R_LARCH_32_PCREL:
		le.PutUint32(b, uint32(val-loc))
	case R_LARCH_64_PCREL:
		le.PutUint64(b, val-loc)
	default:
		ctx.Errorf(".eh_frame: unsupported relocation %s", t.RelocName(rel.Type))
	}
}

func (t *ArchLoongArch64) ScanRelocs(ctx *Context, isec *InputSection) {
	rels := isec.Rels(ctx)
	for i := range rels {
		rel := &rels[i]
		switch rel.Type {
		case R_LARCH_NONE, R_LARCH_RELAX, R_LARCH_ALIGN, R_LARCH_MARK_LA, R_LARCH_MARK_PCREL:
			continue
		}
		if isec.RecordUndefError(ctx, rel) {
			continue
		}
		sym := isec.File.Symbols[rel.Sym]

		switch rel.Type {
		case R_LARCH_64:
			isec.ScanAbsrelWord(ctx, sym, rel, i)
		case R_LARCH_32, R_LARCH_ABS_HI20, R_LARCH_ABS_LO12,
			R_LARCH_ABS64_LO20, R_LARCH_ABS64_HI12:
			isec.ScanAbsrel(ctx, sym, rel, i)
		case R_LARCH_32_PCREL, R_LARCH_64_PCREL, R_LARCH_PCALA_HI20,
			R_LARCH_PCALA64_LO20, R_LARCH_PCALA64_HI12:
			isec.ScanPcrel(ctx, sym, rel, i)
		case R_LARCH_B16, R_LARCH_B21, R_LARCH_B26, R_LARCH_CALL36:
			if sym.IsImported || sym.IsIfunc() {
				sym.Demand(NeedsPlt)
			}
		case R_LARCH_GOT_PC_HI20, R_LARCH_GOT_PC_LO12, R_LARCH_GOT64_PC_LO20,
			R_LARCH_GOT64_PC_HI12, R_LARCH_GOT_HI20, R_LARCH_GOT_LO12,
			R_LARCH_GOT64_LO20, R_LARCH_GOT64_HI12:
			sym.Demand(NeedsGot)
		case R_LARCH_TLS_IE_PC_HI20, R_LARCH_TLS_IE_PC_LO12,
			R_LARCH_TLS_IE64_PC_LO20, R_LARCH_TLS_IE64_PC_HI12,
			R_LARCH_TLS_IE_HI20, R_LARCH_TLS_IE_LO12,
			R_LARCH_TLS_IE64_LO20, R_LARCH_TLS_IE64_HI12:
			sym.Demand(NeedsGotTp)
		case R_LARCH_TLS_GD_PC_HI20, R_LARCH_TLS_GD_HI20,
			R_LARCH_TLS_LD_PC_HI20, R_LARCH_TLS_LD_HI20:
			// LoongArch compilers emit TLSGD code for -ftls-model=local-
			// dynamic too; both demand a TLSGD slot.
			sym.Demand(NeedsTlsGd)
		case R_LARCH_TLS_DESC_PC_HI20:
			isec.ScanTlsdesc(ctx, sym)
		case R_LARCH_TLS_LE_HI20, R_LARCH_TLS_LE_LO12,
			R_LARCH_TLS_LE64_LO20, R_LARCH_TLS_LE64_HI12,
			R_LARCH_TLS_LE_HI20_R, R_LARCH_TLS_LE_ADD_R, R_LARCH_TLS_LE_LO12_R:
			isec.CheckTlsle(ctx, sym, rel)
		case R_LARCH_PCALA_LO12,
			R_LARCH_ADD6, R_LARCH_ADD8, R_LARCH_ADD16, R_LARCH_ADD24,
			R_LARCH_ADD32, R_LARCH_ADD64,
			R_LARCH_SUB6, R_LARCH_SUB8, R_LARCH_SUB16, R_LARCH_SUB24,
			R_LARCH_SUB32, R_LARCH_SUB64,
			R_LARCH_ADD_ULEB128, R_LARCH_SUB_ULEB128,
			R_LARCH_TLS_DESC_PC_LO12, R_LARCH_TLS_DESC_LD, R_LARCH_TLS_DESC_CALL:
		default:
			ctx.Errorf("%s: unknown relocation: %s", isec, t.RelocName(rel.Type))
		}
	}
}

// laIsRelaxableGotLoad matches the canonical PCALAU12I+LD.D pair whose
// destination registers agree.
func laIsRelaxableGotLoad(ctx *Context, isec *InputSection, i int) bool {
	rels := isec.Rels(ctx)
	sym := isec.File.Symbols[rels[i].Sym]
	buf := isec.Contents(ctx)

	if ctx.Args.Relax && !sym.IsImported &&
		i+3 < len(rels) &&
		rels[i+1].Type == R_LARCH_RELAX &&
		rels[i+2].Type == R_LARCH_GOT_PC_LO12 &&
		rels[i+2].Offset == rels[i].Offset+4 &&
		rels[i+3].Type == R_LARCH_RELAX {
		insn1 := binary.LittleEndian.Uint32(buf[rels[i].Offset:])
		insn2 := binary.LittleEndian.Uint32(buf[rels[i].Offset+4:])
		isLdD := insn2&0xffc00000 == 0x28c00000
		return laGetRd(insn1) == laGetRd(insn2) && laGetRd(insn2) == laGetRj(insn2) && isLdD
	}
	return false
}

func (t *ArchLoongArch64) ApplyRelocAlloc(ctx *Context, isec *InputSection, buf []byte) {
	rels := isec.Rels(ctx)
	le := binary.LittleEndian
	absCursor := 0
	dynCursor := 0
	dc := deltaCursor{deltas: isec.RDeltas}
	contents := isec.Contents(ctx)

	for i := 0; i < len(rels); i++ {
		rel := &rels[i]
		switch rel.Type {
		case R_LARCH_NONE, R_LARCH_RELAX, R_LARCH_ALIGN, R_LARCH_MARK_LA, R_LARCH_MARK_PCREL:
			continue
		}

		removedBytes, rDelta := dc.at(rel.Offset)
		rOffset := rel.Offset - rDelta
		loc := buf[rOffset:]

		sym := isec.File.Symbols[rel.Sym]
		S := int64(sym.GetAddr(ctx, 0))
		A := rel.Addend
		P := int64(isec.GetAddr() + rOffset)
		GG := int64(laGotAddr(ctx, sym))

		check := func(val, lo, hi int64) {
			ctx.checkRange(isec, rel, sym, val, lo, hi)
		}
		checkBranch := func(val, lo, hi int64) {
			check(val, lo, hi)
			if val&0b11 != 0 {
				ctx.Errorf("%s: misaligned symbol %s for relocation %s",
					isec, sym.Name, t.RelocName(rel.Type))
			}
		}

		switch rel.Type {
		case R_LARCH_32:
			le.PutUint32(loc, uint32(S+A))
		case R_LARCH_64:
			applyAbsRelGeneric(ctx, isec, sym, rel, loc, &absCursor, &dynCursor, S+A)
		case R_LARCH_B16:
			checkBranch(S+A-P, -(1 << 17), 1<<17)
			writeK16(loc, uint32((S+A-P)>>2))
		case R_LARCH_B21:
			checkBranch(S+A-P, -(1 << 22), 1<<22)
			writeD5k16(loc, uint32((S+A-P)>>2))
		case R_LARCH_B26:
			checkBranch(S+A-P, -(1 << 27), 1<<27)
			writeD10k16(loc, uint32((S+A-P)>>2))
		case R_LARCH_ABS_LO12:
			writeK12(loc, uint32(S+A))
		case R_LARCH_ABS_HI20:
			writeJ20(loc, uint32((S+A)>>12))
		case R_LARCH_ABS64_LO20:
			writeJ20(loc, uint32((S+A)>>32))
		case R_LARCH_ABS64_HI12:
			writeK12(loc, uint32((S+A)>>52))
		case R_LARCH_PCALA_LO12:
			// PCALA_LO12 also annotates JIRL (16-bit immediate), against
			// the psABI but accepted by the GNU linkers.
			if le.Uint32(loc)&0xfc000000 == 0x4c000000 {
				writeK16(loc, uint32(signExtend(uint64(S+A), 11)>>2))
			} else {
				writeK12(loc, uint32(S+A))
			}
		case R_LARCH_PCALA_HI20:
			if removedBytes == 0 {
				writeJ20(loc, laHi20(uint64(S+A), uint64(P)))
			} else {
				// pcalau12i + addi.d -> pcaddi
				put32(loc, 0x18000000|laGetRd(le.Uint32(loc)))
				writeJ20(loc, uint32((S+A-P)>>2))
				i += 3
			}
		case R_LARCH_PCALA64_LO20:
			writeJ20(loc, laHigher20(uint64(S+A), uint64(P)))
		case R_LARCH_PCALA64_HI12:
			writeK12(loc, laHighest12(uint64(S+A), uint64(P)))
		case R_LARCH_GOT_PC_LO12:
			writeK12(loc, uint32(GG+A))
		case R_LARCH_GOT_PC_HI20:
			if removedBytes == 0 {
				if laIsRelaxableGotLoad(ctx, isec, i) && !sym.HasGot(ctx) {
					dist := computeDistance(ctx, sym, isec, rel)
					if isInt(dist, 32) {
						// GOT load -> address materialization.
						rd := laGetRd(le.Uint32(loc))
						put32(loc[4:], 0x02c00000|rd<<5|rd) // addi.d
						writeJ20(loc, laHi20(uint64(S+A), uint64(P)))
						writeK12(loc[4:], uint32(S+A))
						i += 3
						break
					}
				}
				writeJ20(loc, laHi20(uint64(GG+A), uint64(P)))
			} else {
				// pcalau12i + ld.d -> pcaddi
				put32(loc, 0x18000000|laGetRd(le.Uint32(loc)))
				writeJ20(loc, uint32((S+A-P)>>2))
				i += 3
			}
		case R_LARCH_GOT64_PC_LO20:
			writeJ20(loc, laHigher20(uint64(GG+A), uint64(P)))
		case R_LARCH_GOT64_PC_HI12:
			writeK12(loc, laHighest12(uint64(GG+A), uint64(P)))
		case R_LARCH_GOT_LO12:
			writeK12(loc, uint32(GG+A))
		case R_LARCH_GOT_HI20:
			writeJ20(loc, uint32((GG+A)>>12))
		case R_LARCH_GOT64_LO20:
			writeJ20(loc, uint32((GG+A)>>32))
		case R_LARCH_GOT64_HI12:
			writeK12(loc, uint32((GG+A)>>52))
		case R_LARCH_TLS_LE_LO12:
			writeK12(loc, uint32(S+A-int64(ctx.TpAddr)))
		case R_LARCH_TLS_LE_HI20:
			writeJ20(loc, uint32((S+A-int64(ctx.TpAddr))>>12))
		case R_LARCH_TLS_LE64_LO20:
			writeJ20(loc, uint32((S+A-int64(ctx.TpAddr))>>32))
		case R_LARCH_TLS_LE64_HI12:
			writeK12(loc, uint32((S+A-int64(ctx.TpAddr))>>52))
		case R_LARCH_TLS_IE_PC_LO12:
			writeK12(loc, uint32(int64(sym.GetGotTpAddr(ctx))+A))
		case R_LARCH_TLS_IE_PC_HI20:
			writeJ20(loc, laHi20(sym.GetGotTpAddr(ctx)+uint64(A), uint64(P)))
		case R_LARCH_TLS_IE64_PC_LO20:
			writeJ20(loc, laHigher20(sym.GetGotTpAddr(ctx)+uint64(A), uint64(P)))
		case R_LARCH_TLS_IE64_PC_HI12:
			writeK12(loc, laHighest12(sym.GetGotTpAddr(ctx)+uint64(A), uint64(P)))
		case R_LARCH_TLS_IE_LO12:
			writeK12(loc, uint32(int64(sym.GetGotTpAddr(ctx))+A))
		case R_LARCH_TLS_IE_HI20:
			writeJ20(loc, uint32((int64(sym.GetGotTpAddr(ctx))+A)>>12))
		case R_LARCH_TLS_IE64_LO20:
			writeJ20(loc, uint32((int64(sym.GetGotTpAddr(ctx))+A)>>32))
		case R_LARCH_TLS_IE64_HI12:
			writeK12(loc, uint32((int64(sym.GetGotTpAddr(ctx))+A)>>52))
		case R_LARCH_TLS_GD_PC_HI20, R_LARCH_TLS_LD_PC_HI20:
			check(int64(sym.GetTlsGdAddr(ctx))+A-P, -(int64(1) << 31), int64(1)<<31)
			writeJ20(loc, laHi20(sym.GetTlsGdAddr(ctx)+uint64(A), uint64(P)))
		case R_LARCH_TLS_GD_HI20, R_LARCH_TLS_LD_HI20:
			writeJ20(loc, uint32((int64(sym.GetTlsGdAddr(ctx))+A)>>12))
		case R_LARCH_ADD6:
			loc[0] = loc[0]&0b1100_0000 | (loc[0]+uint8(S+A))&0b0011_1111
		case R_LARCH_ADD8:
			loc[0] += uint8(S + A)
		case R_LARCH_ADD16:
			le.PutUint16(loc, le.Uint16(loc)+uint16(S+A))
		case R_LARCH_ADD32:
			le.PutUint32(loc, le.Uint32(loc)+uint32(S+A))
		case R_LARCH_ADD64:
			le.PutUint64(loc, le.Uint64(loc)+uint64(S+A))
		case R_LARCH_SUB6:
			loc[0] = loc[0]&0b1100_0000 | (loc[0]-uint8(S+A))&0b0011_1111
		case R_LARCH_SUB8:
			loc[0] -= uint8(S + A)
		case R_LARCH_SUB16:
			le.PutUint16(loc, le.Uint16(loc)-uint16(S+A))
		case R_LARCH_SUB32:
			le.PutUint32(loc, le.Uint32(loc)-uint32(S+A))
		case R_LARCH_SUB64:
			le.PutUint64(loc, le.Uint64(loc)-uint64(S+A))
		case R_LARCH_32_PCREL:
			check(S+A-P, -(int64(1) << 31), int64(1)<<31)
			le.PutUint32(loc, uint32(S+A-P))
		case R_LARCH_64_PCREL:
			le.PutUint64(loc, uint64(S+A-P))
		case R_LARCH_CALL36:
			if removedBytes == 0 {
				val := S + A - P
				checkBranch(val, -(int64(1)<<37)-0x20000, (int64(1)<<37)-0x20000)
				writeJ20(loc, uint32((val+0x20000)>>18))
				writeK16(loc[4:], uint32(val>>2))
			} else {
				// pcaddu18i + jirl -> b or bl
				if laGetRd(le.Uint32(contents[rel.Offset+4:])) == 0 {
					put32(loc, 0x50000000) // b
				} else {
					put32(loc, 0x54000000) // bl
				}
				writeD10k16(loc, uint32((S+A-P)>>2))
			}
		case R_LARCH_ADD_ULEB128:
			overwriteUleb(loc, readUleb(loc)+uint64(S+A))
		case R_LARCH_SUB_ULEB128:
			overwriteUleb(loc, readUleb(loc)-uint64(S+A))
		case R_LARCH_TLS_DESC_PC_HI20:
			if sym.HasTlsDesc(ctx) && removedBytes == 0 {
				writeJ20(loc, laHi20(sym.GetTlsDescAddr(ctx)+uint64(A), uint64(P)))
			}
		case R_LARCH_TLS_DESC_PC_LO12:
			if sym.HasTlsDesc(ctx) && removedBytes == 0 {
				dist := int64(sym.GetTlsDescAddr(ctx)) + A - P
				if isInt(dist, 22) {
					put32(loc, 0x18000000|laGetRd(le.Uint32(loc))) // pcaddi
					writeJ20(loc, uint32(dist>>2))
				} else {
					writeK12(loc, uint32(int64(sym.GetTlsDescAddr(ctx))+A))
				}
			}
		case R_LARCH_TLS_DESC_LD:
			switch {
			case sym.HasTlsDesc(ctx) || removedBytes == 4:
				// Keep the load.
			case sym.HasGotTp(ctx):
				put32(loc, 0x1a000004) // pcalau12i $a0, 0
				writeJ20(loc, laHi20(sym.GetGotTpAddr(ctx)+uint64(A), uint64(P)))
			default:
				put32(loc, 0x14000004) // lu12i.w $a0, 0
				writeJ20(loc, uint32((S+A+0x800-int64(ctx.TpAddr))>>12))
			}
		case R_LARCH_TLS_DESC_CALL:
			switch {
			case sym.HasTlsDesc(ctx):
				// jirl stays.
			case sym.HasGotTp(ctx):
				put32(loc, 0x28c00084) // ld.d $a0, $a0, 0
				writeK12(loc, uint32(int64(sym.GetGotTpAddr(ctx))+A))
			default:
				val := S + A - int64(ctx.TpAddr)
				if 0 <= val && val < 0x1000 {
					put32(loc, 0x03800004) // ori $a0, $zero, 0
				} else {
					put32(loc, 0x02800084) // addi.w $a0, $a0, 0
				}
				writeK12(loc, uint32(val))
			}
		case R_LARCH_TLS_LE_HI20_R:
			if removedBytes == 0 {
				writeJ20(loc, uint32((S+A+0x800-int64(ctx.TpAddr))>>12))
			}
		case R_LARCH_TLS_LE_LO12_R:
			val := S + A - int64(ctx.TpAddr)
			writeK12(loc, uint32(val))
			// Use tp (r2) directly when the offset fits.
			if isInt(val, 12) {
				laSetRj(loc, 2)
			}
		case R_LARCH_TLS_LE_ADD_R:
			// Annotation; removed by relaxation or left as-is.
		}
	}
}

func (t *ArchLoongArch64) ApplyRelocNonalloc(ctx *Context, isec *InputSection, buf []byte) {
	applyRelocNonallocGeneric(ctx, isec, buf, func(loc []byte, rel *ElfRel, val uint64) bool {
		le := binary.LittleEndian
		switch rel.Type {
		case R_LARCH_32:
			le.PutUint32(loc, uint32(val))
		case R_LARCH_64:
			le.PutUint64(loc, val)
		case R_LARCH_ADD6:
			loc[0] = loc[0]&0b1100_0000 | (loc[0]+uint8(val))&0b0011_1111
		case R_LARCH_ADD8:
			loc[0] += uint8(val)
		case R_LARCH_ADD16:
			le.PutUint16(loc, le.Uint16(loc)+uint16(val))
		case R_LARCH_ADD32:
			le.PutUint32(loc, le.Uint32(loc)+uint32(val))
		case R_LARCH_ADD64:
			le.PutUint64(loc, le.Uint64(loc)+val)
		case R_LARCH_SUB6:
			loc[0] = loc[0]&0b1100_0000 | (loc[0]-uint8(val))&0b0011_1111
		case R_LARCH_SUB8:
			loc[0] -= uint8(val)
		case R_LARCH_SUB16:
			le.PutUint16(loc, le.Uint16(loc)-uint16(val))
		case R_LARCH_SUB32:
			le.PutUint32(loc, le.Uint32(loc)-uint32(val))
		case R_LARCH_SUB64:
			le.PutUint64(loc, le.Uint64(loc)-val)
		case R_LARCH_ADD_ULEB128:
			overwriteUleb(loc, readUleb(loc)+val)
		case R_LARCH_SUB_ULEB128:
			overwriteUleb(loc, readUleb(loc)-val)
		default:
			return false
		}
		return true
	})
}

// ShrinkSection implements the LoongArch relaxations: ALIGN trimming is
// mandatory, the rest require --relax and the RELAX marker.
func (t *ArchLoongArch64) ShrinkSection(ctx *Context, isec *InputSection, _ bool) {
	rels := isec.Rels(ctx)
	var deltas []RelocDelta
	var rDelta uint64
	buf := isec.Contents(ctx)

	remove := func(r *ElfRel, d uint64) {
		rDelta += d
		deltas = append(deltas, RelocDelta{Offset: r.Offset, Delta: rDelta})
	}

	for i := range rels {
		r := &rels[i]
		sym := isec.File.Symbols[r.Sym]

		if r.Type == R_LARCH_ALIGN {
			// An ALIGN requesting 2^n alignment covers 2^n - 4 bytes of
			// nops.
			var alignment uint64
			if r.Sym != 0 {
				if r.Addend>>8 != 0 {
					ctx.Fatalf("%s: ternary R_LARCH_ALIGN is not supported: %d", isec, i)
				}
				alignment = uint64(1) << uint(r.Addend)
			} else {
				if bitCeil(uint64(r.Addend)+4) != uint64(r.Addend)+4 {
					ctx.Fatalf("%s: R_LARCH_ALIGN: invalid alignment requirement: %d", isec, i)
				}
				alignment = uint64(r.Addend) + 4
			}
			p := isec.GetAddr() + r.Offset - rDelta
			desired := alignTo(p, alignment)
			actual := p + alignment - 4
			if desired != actual {
				remove(r, actual-desired)
			}
			continue
		}

		if !ctx.Args.Relax || i == len(rels)-1 || rels[i+1].Type != R_LARCH_RELAX {
			continue
		}
		if sym.File() == &ctx.InternalObj.InputFile {
			continue
		}

		switch r.Type {
		case R_LARCH_TLS_LE_HI20_R, R_LARCH_TLS_LE_ADD_R:
			if val := int64(sym.GetAddr(ctx, 0)) + r.Addend - int64(ctx.TpAddr); isInt(val, 12) {
				remove(r, 4)
			}
		case R_LARCH_PCALA_HI20:
			if i+3 < len(rels) &&
				rels[i+2].Type == R_LARCH_PCALA_LO12 &&
				rels[i+2].Offset == rels[i].Offset+4 &&
				rels[i+3].Type == R_LARCH_RELAX {
				dist := computeDistance(ctx, sym, isec, r)
				insn1 := binary.LittleEndian.Uint32(buf[rels[i].Offset:])
				insn2 := binary.LittleEndian.Uint32(buf[rels[i].Offset+4:])
				isAddiD := insn2&0xffc00000 == 0x02c00000
				if dist&0b11 == 0 && isInt(dist, 22) && isAddiD &&
					laGetRd(insn1) == laGetRd(insn2) && laGetRd(insn2) == laGetRj(insn2) {
					remove(r, 4)
				}
			}
		case R_LARCH_CALL36:
			if dist := computeDistance(ctx, sym, isec, r); isInt(dist, 28) {
				jirl := binary.LittleEndian.Uint32(buf[rels[i].Offset+4:])
				if rd := laGetRd(jirl); rd == 0 || rd == 1 {
					remove(r, 4)
				}
			}
		case R_LARCH_GOT_PC_HI20:
			if laIsRelaxableGotLoad(ctx, isec, i) {
				if dist := computeDistance(ctx, sym, isec, r); isInt(dist, 22) {
					remove(r, 4)
				}
			}
		case R_LARCH_TLS_DESC_PC_HI20:
			if sym.HasTlsDesc(ctx) {
				p := isec.GetAddr() + r.Offset
				if dist := int64(sym.GetTlsDescAddr(ctx)) + r.Addend - int64(p); isInt(dist, 22) {
					remove(r, 4)
				}
			} else {
				remove(r, 4)
			}
		case R_LARCH_TLS_DESC_PC_LO12:
			if !sym.HasTlsDesc(ctx) {
				remove(r, 4)
			}
		case R_LARCH_TLS_DESC_LD:
			if !sym.HasTlsDesc(ctx) && !sym.HasGotTp(ctx) {
				if val := int64(sym.GetAddr(ctx, 0)) + r.Addend - int64(ctx.TpAddr); 0 <= val && val < 0x1000 {
					remove(r, 4)
				}
			}
		}
	}

	isec.RDeltas = deltas
	isec.ShSize -= rDelta
}
