package main

import "encoding/binary"

// AArch64 psABI. Fixed 4-byte instructions addressing via ADRP+ADD/LDR
// page pairs; branches reach ±128 MiB, so executable sections get range
// extension thunks.

const (
	R_AARCH64_NONE                      = 0
	R_AARCH64_ABS64                     = 257
	R_AARCH64_ABS32                     = 258
	R_AARCH64_ABS16                     = 259
	R_AARCH64_PREL64                    = 260
	R_AARCH64_PREL32                    = 261
	R_AARCH64_PREL16                    = 262
	R_AARCH64_MOVW_UABS_G0              = 263
	R_AARCH64_MOVW_UABS_G0_NC           = 264
	R_AARCH64_MOVW_UABS_G1              = 265
	R_AARCH64_MOVW_UABS_G1_NC           = 266
	R_AARCH64_MOVW_UABS_G2              = 267
	R_AARCH64_MOVW_UABS_G2_NC           = 268
	R_AARCH64_MOVW_UABS_G3              = 269
	R_AARCH64_ADR_PREL_LO21             = 274
	R_AARCH64_ADR_PREL_PG_HI21          = 275
	R_AARCH64_ADR_PREL_PG_HI21_NC       = 276
	R_AARCH64_ADD_ABS_LO12_NC           = 277
	R_AARCH64_LDST8_ABS_LO12_NC         = 278
	R_AARCH64_TSTBR14                   = 279
	R_AARCH64_CONDBR19                  = 280
	R_AARCH64_JUMP26                    = 282
	R_AARCH64_CALL26                    = 283
	R_AARCH64_LDST16_ABS_LO12_NC        = 284
	R_AARCH64_LDST32_ABS_LO12_NC        = 285
	R_AARCH64_LDST64_ABS_LO12_NC        = 286
	R_AARCH64_LD_PREL_LO19              = 273
	R_AARCH64_LDST128_ABS_LO12_NC       = 299
	R_AARCH64_ADR_GOT_PAGE              = 311
	R_AARCH64_LD64_GOT_LO12_NC          = 312
	R_AARCH64_LD64_GOTPAGE_LO15         = 313
	R_AARCH64_PLT32                     = 314
	R_AARCH64_TLSGD_ADR_PAGE21          = 513
	R_AARCH64_TLSGD_ADD_LO12_NC         = 514
	R_AARCH64_TLSIE_ADR_GOTTPREL_PAGE21 = 541
	R_AARCH64_TLSIE_LD64_GOTTPREL_LO12_NC = 542
	R_AARCH64_TLSLE_MOVW_TPREL_G2       = 544
	R_AARCH64_TLSLE_MOVW_TPREL_G1       = 545
	R_AARCH64_TLSLE_MOVW_TPREL_G1_NC    = 546
	R_AARCH64_TLSLE_MOVW_TPREL_G0       = 547
	R_AARCH64_TLSLE_MOVW_TPREL_G0_NC    = 548
	R_AARCH64_TLSLE_ADD_TPREL_HI12      = 549
	R_AARCH64_TLSLE_ADD_TPREL_LO12      = 550
	R_AARCH64_TLSLE_ADD_TPREL_LO12_NC   = 551
	R_AARCH64_TLSDESC_ADR_PAGE21        = 562
	R_AARCH64_TLSDESC_LD64_LO12         = 563
	R_AARCH64_TLSDESC_ADD_LO12          = 564
	R_AARCH64_TLSDESC_CALL              = 569
	R_AARCH64_COPY                      = 1024
	R_AARCH64_GLOB_DAT                  = 1025
	R_AARCH64_JUMP_SLOT                 = 1026
	R_AARCH64_RELATIVE                  = 1027
	R_AARCH64_TLS_DTPMOD64              = 1028
	R_AARCH64_TLS_DTPREL64              = 1029
	R_AARCH64_TLS_TPREL64               = 1030
	R_AARCH64_TLSDESC                   = 1031
	R_AARCH64_IRELATIVE                 = 1032
)

const aarch64Nop = 0xd503201f

type ArchAArch64 struct {
	targetBase
}

func newArchAArch64() *ArchAArch64 {
	return &ArchAArch64{targetBase{
		name:           "aarch64",
		machine:        EM_AARCH64,
		is64:           true,
		bo:             binary.LittleEndian,
		pageSize:       65536,
		branchDistance: 1 << 27, // ±128 MiB
		pltHdr:         32,
		pltEnt:         16,
		pltGotEnt:      16,
		rRelative:      R_AARCH64_RELATIVE,
		rIRelative:     R_AARCH64_IRELATIVE,
		rGlobDat:       R_AARCH64_GLOB_DAT,
		rJumpSlot:      R_AARCH64_JUMP_SLOT,
		rCopy:          R_AARCH64_COPY,
		rAbs:           R_AARCH64_ABS64,
		rDtpmod:        R_AARCH64_TLS_DTPMOD64,
		rDtpoff:        R_AARCH64_TLS_DTPREL64,
		rTpoff:         R_AARCH64_TLS_TPREL64,
		rTlsdesc:       R_AARCH64_TLSDESC,
		relocNames: map[uint32]string{
			R_AARCH64_ABS64: "R_AARCH64_ABS64", R_AARCH64_ABS32: "R_AARCH64_ABS32",
			R_AARCH64_CALL26: "R_AARCH64_CALL26", R_AARCH64_JUMP26: "R_AARCH64_JUMP26",
			R_AARCH64_ADR_PREL_PG_HI21: "R_AARCH64_ADR_PREL_PG_HI21",
			R_AARCH64_ADR_GOT_PAGE:     "R_AARCH64_ADR_GOT_PAGE",
			R_AARCH64_LD64_GOT_LO12_NC: "R_AARCH64_LD64_GOT_LO12_NC",
			R_AARCH64_TLSDESC_ADR_PAGE21: "R_AARCH64_TLSDESC_ADR_PAGE21",
			R_AARCH64_PREL32:           "R_AARCH64_PREL32",
		},
	}}
}

// page zeroes the low 12 bits.
func page(val uint64) uint64 { return val &^ 0xfff }

// writeAdrp encodes a 33-bit page displacement into an ADRP.
func writeAdrp(loc []byte, val uint64) {
	le := binary.LittleEndian
	insn := le.Uint32(loc)
	insn |= bits(val, 13, 12) << 29
	insn |= bits(val, 32, 14) << 5
	le.PutUint32(loc, insn)
}

// writeAdr encodes a 21-bit byte displacement into an ADR.
func writeAdr(loc []byte, val uint64) {
	le := binary.LittleEndian
	insn := le.Uint32(loc)
	insn |= bits(val, 1, 0) << 29
	insn |= bits(val, 20, 2) << 5
	le.PutUint32(loc, insn)
}

func or32(loc []byte, v uint32) {
	le := binary.LittleEndian
	le.PutUint32(loc, le.Uint32(loc)|v)
}

func put32(loc []byte, v uint32) {
	binary.LittleEndian.PutUint32(loc, v)
}

func (t *ArchAArch64) IsFuncCallRel(rel *ElfRel) bool {
	return rel.Type == R_AARCH64_CALL26 || rel.Type == R_AARCH64_JUMP26
}

func (t *ArchAArch64) WritePltHeader(ctx *Context, buf []byte) {
	insns := []uint32{
		0xa9bf7bf0, // stp  x16, x30, [sp,#-16]!
		0x90000010, // adrp x16, .got.plt[2]
		0xf9400211, // ldr  x17, [x16, .got.plt[2]]
		0x91000210, // add  x16, x16, .got.plt[2]
		0xd61f0220, // br   x17
		0xd4207d00, // brk
		0xd4207d00, // brk
		0xd4207d00, // brk
	}
	for i, insn := range insns {
		put32(buf[i*4:], insn)
	}
	gotplt := ctx.GotPlt.Shdr().Addr + 16
	plt := ctx.Plt.Shdr().Addr
	writeAdrp(buf[4:], page(gotplt)-page(plt+4))
	or32(buf[8:], bits(gotplt, 11, 3)<<10)
	or32(buf[12:], uint32(gotplt&0xfff)<<10)
}

func (t *ArchAArch64) WritePltEntry(ctx *Context, buf []byte, sym *Symbol) {
	insns := []uint32{
		0x90000010, // adrp x16, .got.plt[n]
		0xf9400211, // ldr  x17, [x16, .got.plt[n]]
		0x91000210, // add  x16, x16, .got.plt[n]
		0xd61f0220, // br   x17
	}
	for i, insn := range insns {
		put32(buf[i*4:], insn)
	}
	gotplt := sym.GetGotPltAddr(ctx)
	plt := sym.GetPltAddr(ctx)
	writeAdrp(buf, page(gotplt)-page(plt))
	or32(buf[4:], bits(gotplt, 11, 3)<<10)
	or32(buf[8:], uint32(gotplt&0xfff)<<10)
}

func (t *ArchAArch64) WritePltGotEntry(ctx *Context, buf []byte, sym *Symbol) {
	insns := []uint32{
		0x90000010, // adrp x16, GOT[n]
		0xf9400211, // ldr  x17, [x16, GOT[n]]
		0xd61f0220, // br   x17
		0xd4207d00, // brk
	}
	for i, insn := range insns {
		put32(buf[i*4:], insn)
	}
	got := sym.GetGotAddr(ctx)
	plt := sym.GetPltAddr(ctx)
	writeAdrp(buf, page(got)-page(plt))
	or32(buf[4:], bits(got, 11, 3)<<10)
}

func (t *ArchAArch64) ApplyEhReloc(ctx *Context, rel ElfRel, loc uint64, b []byte, val uint64) {
	le := binary.LittleEndian
	switch rel.Type {
	case R_AARCH64_NONE:
	case R_AARCH64_ABS64:
		le.PutUint64(b, val)
	case R_AARCH64_PREL32:
		le.PutUint32(b, uint32(val-loc))
	case R_AARCH64_PREL64:
		le.PutUint64(b, val-loc)
	default:
		ctx.Errorf(".eh_frame: unsupported relocation %s", t.RelocName(rel.Type))
	}
}

func (t *ArchAArch64) ScanRelocs(ctx *Context, isec *InputSection) {
	rels := isec.Rels(ctx)
	for i := range rels {
		rel := &rels[i]
		if rel.Type == R_AARCH64_NONE {
			continue
		}
		if isec.RecordUndefError(ctx, rel) {
			continue
		}
		sym := isec.File.Symbols[rel.Sym]

		switch rel.Type {
		case R_AARCH64_ABS64:
			isec.ScanAbsrelWord(ctx, sym, rel, i)
		case R_AARCH64_ABS32, R_AARCH64_ABS16,
			R_AARCH64_MOVW_UABS_G0, R_AARCH64_MOVW_UABS_G0_NC,
			R_AARCH64_MOVW_UABS_G1, R_AARCH64_MOVW_UABS_G1_NC,
			R_AARCH64_MOVW_UABS_G2, R_AARCH64_MOVW_UABS_G2_NC,
			R_AARCH64_MOVW_UABS_G3:
			isec.ScanAbsrel(ctx, sym, rel, i)
		case R_AARCH64_PREL16, R_AARCH64_PREL32, R_AARCH64_PREL64,
			R_AARCH64_ADR_PREL_LO21, R_AARCH64_ADR_PREL_PG_HI21,
			R_AARCH64_ADR_PREL_PG_HI21_NC:
			isec.ScanPcrel(ctx, sym, rel, i)
		case R_AARCH64_CALL26, R_AARCH64_JUMP26, R_AARCH64_PLT32:
			if sym.IsImported || sym.IsIfunc() {
				sym.Demand(NeedsPlt)
			}
		case R_AARCH64_ADR_GOT_PAGE, R_AARCH64_LD64_GOT_LO12_NC,
			R_AARCH64_LD64_GOTPAGE_LO15:
			sym.Demand(NeedsGot)
		case R_AARCH64_TLSGD_ADR_PAGE21, R_AARCH64_TLSGD_ADD_LO12_NC:
			sym.Demand(NeedsTlsGd)
		case R_AARCH64_TLSIE_ADR_GOTTPREL_PAGE21, R_AARCH64_TLSIE_LD64_GOTTPREL_LO12_NC:
			if !(ctx.Args.Relax && sym.isTprelLinktimeConst(ctx)) {
				sym.Demand(NeedsGotTp)
			}
		case R_AARCH64_TLSDESC_ADR_PAGE21, R_AARCH64_TLSDESC_LD64_LO12,
			R_AARCH64_TLSDESC_ADD_LO12:
			isec.ScanTlsdesc(ctx, sym)
		case R_AARCH64_TLSLE_MOVW_TPREL_G0, R_AARCH64_TLSLE_MOVW_TPREL_G0_NC,
			R_AARCH64_TLSLE_MOVW_TPREL_G1, R_AARCH64_TLSLE_MOVW_TPREL_G1_NC,
			R_AARCH64_TLSLE_MOVW_TPREL_G2, R_AARCH64_TLSLE_ADD_TPREL_HI12,
			R_AARCH64_TLSLE_ADD_TPREL_LO12, R_AARCH64_TLSLE_ADD_TPREL_LO12_NC:
			isec.CheckTlsle(ctx, sym, rel)
		case R_AARCH64_ADD_ABS_LO12_NC, R_AARCH64_LDST8_ABS_LO12_NC,
			R_AARCH64_LDST16_ABS_LO12_NC, R_AARCH64_LDST32_ABS_LO12_NC,
			R_AARCH64_LDST64_ABS_LO12_NC, R_AARCH64_LDST128_ABS_LO12_NC,
			R_AARCH64_TSTBR14, R_AARCH64_CONDBR19, R_AARCH64_LD_PREL_LO19,
			R_AARCH64_TLSDESC_CALL:
		default:
			ctx.Errorf("%s: unknown relocation: %s", isec, t.RelocName(rel.Type))
		}
	}
}

// isUndefWeakZero reports whether a call target collapsed to absolute
// zero (an unsatisfied weak function).
func isUndefWeakZero(ctx *Context, sym *Symbol) bool {
	e := sym.Esym()
	return e != nil && e.IsUndef() && !sym.IsImported && sym.GetAddr(ctx, 0) == 0
}

func (t *ArchAArch64) ApplyRelocAlloc(ctx *Context, isec *InputSection, buf []byte) {
	rels := isec.Rels(ctx)
	le := binary.LittleEndian
	absCursor := 0
	dynCursor := 0

	for i := range rels {
		rel := &rels[i]
		if rel.Type == R_AARCH64_NONE {
			continue
		}
		sym := isec.File.Symbols[rel.Sym]
		loc := buf[rel.Offset:]

		S := int64(sym.GetAddr(ctx, 0))
		A := rel.Addend
		P := int64(isec.GetAddr() + rel.Offset)

		check := func(val, lo, hi int64) {
			ctx.checkRange(isec, rel, sym, val, lo, hi)
		}

		switch rel.Type {
		case R_AARCH64_ABS64:
			applyAbsRelGeneric(ctx, isec, sym, rel, loc, &absCursor, &dynCursor, S+A)
		case R_AARCH64_ABS32:
			check(S+A, -1<<31, 1<<32)
			le.PutUint32(loc, uint32(S+A))
		case R_AARCH64_ABS16:
			check(S+A, -1<<15, 1<<16)
			le.PutUint16(loc, uint16(S+A))
		case R_AARCH64_PREL16:
			check(S+A-P, -1<<15, 1<<16)
			le.PutUint16(loc, uint16(S+A-P))
		case R_AARCH64_PREL32:
			check(S+A-P, -1<<31, 1<<32)
			le.PutUint32(loc, uint32(S+A-P))
		case R_AARCH64_PREL64:
			le.PutUint64(loc, uint64(S+A-P))
		case R_AARCH64_MOVW_UABS_G0:
			check(S+A, 0, 1<<16)
			or32(loc, bits(uint64(S+A), 15, 0)<<5)
		case R_AARCH64_MOVW_UABS_G0_NC:
			or32(loc, bits(uint64(S+A), 15, 0)<<5)
		case R_AARCH64_MOVW_UABS_G1:
			check(S+A, 0, 1<<32)
			or32(loc, bits(uint64(S+A), 31, 16)<<5)
		case R_AARCH64_MOVW_UABS_G1_NC:
			or32(loc, bits(uint64(S+A), 31, 16)<<5)
		case R_AARCH64_MOVW_UABS_G2:
			check(S+A, 0, 1<<48)
			or32(loc, bits(uint64(S+A), 47, 32)<<5)
		case R_AARCH64_MOVW_UABS_G2_NC:
			or32(loc, bits(uint64(S+A), 47, 32)<<5)
		case R_AARCH64_MOVW_UABS_G3:
			or32(loc, bits(uint64(S+A), 63, 48)<<5)
		case R_AARCH64_ADR_PREL_LO21:
			check(S+A-P, -1<<20, 1<<20)
			writeAdr(loc, uint64(S+A-P))
		case R_AARCH64_ADR_PREL_PG_HI21:
			val := int64(page(uint64(S+A))) - int64(page(uint64(P)))
			check(val, -1<<32, 1<<32)
			writeAdrp(loc, uint64(val))
		case R_AARCH64_ADR_PREL_PG_HI21_NC:
			writeAdrp(loc, page(uint64(S+A))-page(uint64(P)))
		case R_AARCH64_ADD_ABS_LO12_NC:
			or32(loc, bits(uint64(S+A), 11, 0)<<10)
		case R_AARCH64_LDST8_ABS_LO12_NC:
			or32(loc, bits(uint64(S+A), 11, 0)<<10)
		case R_AARCH64_LDST16_ABS_LO12_NC:
			or32(loc, bits(uint64(S+A), 11, 1)<<10)
		case R_AARCH64_LDST32_ABS_LO12_NC:
			or32(loc, bits(uint64(S+A), 11, 2)<<10)
		case R_AARCH64_LDST64_ABS_LO12_NC:
			or32(loc, bits(uint64(S+A), 11, 3)<<10)
		case R_AARCH64_LDST128_ABS_LO12_NC:
			or32(loc, bits(uint64(S+A), 11, 4)<<10)
		case R_AARCH64_CALL26, R_AARCH64_JUMP26:
			if isUndefWeakZero(ctx, sym) {
				// A call to an unsatisfied weak function becomes a nop.
				put32(loc, aarch64Nop)
				break
			}
			val := S + A - P
			if !isInt(val, 28) {
				val = int64(sym.GetThunkAddr(ctx, uint64(P))) + A - P
			}
			check(val, -1<<27, 1<<27)
			or32(loc, bits(uint64(val), 27, 2))
		case R_AARCH64_PLT32:
			check(S+A-P, -1<<31, 1<<31)
			le.PutUint32(loc, uint32(S+A-P))
		case R_AARCH64_CONDBR19, R_AARCH64_LD_PREL_LO19:
			check(S+A-P, -1<<20, 1<<20)
			or32(loc, bits(uint64(S+A-P), 20, 2)<<5)
		case R_AARCH64_TSTBR14:
			check(S+A-P, -1<<15, 1<<15)
			or32(loc, bits(uint64(S+A-P), 15, 2)<<5)
		case R_AARCH64_ADR_GOT_PAGE:
			val := int64(page(sym.GetGotAddr(ctx)+uint64(A))) - int64(page(uint64(P)))
			check(val, -1<<32, 1<<32)
			writeAdrp(loc, uint64(val))
		case R_AARCH64_LD64_GOT_LO12_NC:
			or32(loc, bits(sym.GetGotAddr(ctx)+uint64(A), 11, 3)<<10)
		case R_AARCH64_LD64_GOTPAGE_LO15:
			val := int64(sym.GetGotAddr(ctx)) + A - int64(page(ctx.Got.Shdr().Addr))
			check(val, 0, 1<<15)
			or32(loc, bits(uint64(val), 14, 3)<<10)
		case R_AARCH64_TLSGD_ADR_PAGE21:
			val := int64(page(sym.GetTlsGdAddr(ctx)+uint64(A))) - int64(page(uint64(P)))
			check(val, -1<<32, 1<<32)
			writeAdrp(loc, uint64(val))
		case R_AARCH64_TLSGD_ADD_LO12_NC:
			or32(loc, bits(sym.GetTlsGdAddr(ctx)+uint64(A), 11, 0)<<10)
		case R_AARCH64_TLSIE_ADR_GOTTPREL_PAGE21:
			if sym.HasGotTp(ctx) {
				val := int64(page(sym.GetGotTpAddr(ctx)+uint64(A))) - int64(page(uint64(P)))
				check(val, -1<<32, 1<<32)
				writeAdrp(loc, uint64(val))
			} else {
				// IE -> LE: adrp -> movz of the TP offset's high half.
				reg := bits(uint64(le.Uint32(loc)), 4, 0)
				put32(loc, 0xd2a00000|bits(uint64(S-int64(ctx.TpAddr)), 32, 16)<<5|reg)
			}
		case R_AARCH64_TLSIE_LD64_GOTTPREL_LO12_NC:
			if sym.HasGotTp(ctx) {
				or32(loc, bits(sym.GetGotTpAddr(ctx)+uint64(A), 11, 3)<<10)
			} else {
				// IE -> LE: ldr -> movk of the low half.
				reg := bits(uint64(le.Uint32(loc)), 4, 0)
				put32(loc, 0xf2800000|bits(uint64(S-int64(ctx.TpAddr)), 15, 0)<<5|reg)
			}
		case R_AARCH64_TLSLE_MOVW_TPREL_G0:
			val := S + A - int64(ctx.TpAddr)
			check(val, -1<<16, 1<<16)
			writeMovnMovz(loc, val)
		case R_AARCH64_TLSLE_MOVW_TPREL_G0_NC:
			or32(loc, bits(uint64(S+A-int64(ctx.TpAddr)), 15, 0)<<5)
		case R_AARCH64_TLSLE_MOVW_TPREL_G1:
			val := S + A - int64(ctx.TpAddr)
			check(val, -1<<32, 1<<32)
			writeMovnMovz(loc, val>>16)
		case R_AARCH64_TLSLE_MOVW_TPREL_G1_NC:
			or32(loc, bits(uint64(S+A-int64(ctx.TpAddr)), 31, 16)<<5)
		case R_AARCH64_TLSLE_MOVW_TPREL_G2:
			val := S + A - int64(ctx.TpAddr)
			check(val, -1<<48, 1<<48)
			writeMovnMovz(loc, val>>32)
		case R_AARCH64_TLSLE_ADD_TPREL_HI12:
			val := S + A - int64(ctx.TpAddr)
			check(val, 0, 1<<24)
			or32(loc, bits(uint64(val), 23, 12)<<10)
		case R_AARCH64_TLSLE_ADD_TPREL_LO12:
			val := S + A - int64(ctx.TpAddr)
			check(val, 0, 1<<12)
			or32(loc, bits(uint64(val), 11, 0)<<10)
		case R_AARCH64_TLSLE_ADD_TPREL_LO12_NC:
			or32(loc, bits(uint64(S+A-int64(ctx.TpAddr)), 11, 0)<<10)
		case R_AARCH64_TLSDESC_ADR_PAGE21:
			if sym.HasTlsDesc(ctx) {
				val := int64(page(sym.GetTlsDescAddr(ctx)+uint64(A))) - int64(page(uint64(P)))
				check(val, -1<<32, 1<<32)
				writeAdrp(loc, uint64(val))
			} else {
				put32(loc, aarch64Nop)
			}
		case R_AARCH64_TLSDESC_LD64_LO12:
			if sym.HasTlsDesc(ctx) {
				or32(loc, bits(sym.GetTlsDescAddr(ctx)+uint64(A), 11, 3)<<10)
			} else {
				put32(loc, aarch64Nop)
			}
		case R_AARCH64_TLSDESC_ADD_LO12:
			switch {
			case sym.HasTlsDesc(ctx):
				or32(loc, bits(sym.GetTlsDescAddr(ctx)+uint64(A), 11, 0)<<10)
			case sym.HasGotTp(ctx):
				// TLSDESC -> IE: adrp x0, :gottprel:foo
				put32(loc, 0x90000000)
				writeAdrp(loc, page(sym.GetGotTpAddr(ctx)+uint64(A))-page(uint64(P)))
			default:
				// TLSDESC -> LE: movz x0, :tprel_hi:foo, lsl #16
				put32(loc, 0xd2a00000|bits(uint64(S+A-int64(ctx.TpAddr)), 32, 16)<<5)
			}
		case R_AARCH64_TLSDESC_CALL:
			switch {
			case sym.HasTlsDesc(ctx):
				// blr x1 stays.
			case sym.HasGotTp(ctx):
				// ldr x0, [x0, :gottprel_lo12:foo]
				put32(loc, 0xf9400000|bits(sym.GetGotTpAddr(ctx)+uint64(A), 11, 3)<<10)
			default:
				// movk x0, :tprel_lo:foo
				put32(loc, 0xf2800000|bits(uint64(S+A-int64(ctx.TpAddr)), 15, 0)<<5)
			}
		}
	}
}

// writeMovnMovz picks MOVZ for non-negative values and MOVN otherwise.
func writeMovnMovz(loc []byte, val int64) {
	le := binary.LittleEndian
	insn := le.Uint32(loc) & 0b0000_0000_0110_0000_0000_0000_0001_1111
	if val >= 0 {
		insn |= 0xd2800000 | bits(uint64(val), 15, 0)<<5
	} else {
		insn |= 0x92800000 | bits(uint64(^val), 15, 0)<<5
	}
	le.PutUint32(loc, insn)
}

func (t *ArchAArch64) ApplyRelocNonalloc(ctx *Context, isec *InputSection, buf []byte) {
	applyRelocNonallocGeneric(ctx, isec, buf, func(loc []byte, rel *ElfRel, val uint64) bool {
		le := binary.LittleEndian
		switch rel.Type {
		case R_AARCH64_ABS64:
			le.PutUint64(loc, val)
		case R_AARCH64_ABS32:
			le.PutUint32(loc, uint32(val))
		case R_AARCH64_ABS16:
			le.PutUint16(loc, uint16(val))
		default:
			return false
		}
		return true
	})
}

// Thunk entries: a 16-byte ADRP+ADD+BR sequence when the target's page
// is within ±4 GiB, a 32-byte full-width materialization otherwise.
const (
	aarch64ShortThunk = 16
	aarch64LongThunk  = 32
)

func (t *ArchAArch64) FinalizeThunk(ctx *Context, th *Thunk, firstPass bool) uint64 {
	th.Offsets = make([]uint64, 0, len(th.Symbols)+1)
	offset := uint64(0)
	for _, sym := range th.Symbols {
		th.Offsets = append(th.Offsets, offset)
		if firstPass {
			offset += aarch64LongThunk
			continue
		}
		s := sym.GetAddr(ctx, 0)
		p := th.GetAddr() + offset
		if isInt(int64(page(s))-int64(page(p)), 33) {
			offset += aarch64ShortThunk
		} else {
			offset += aarch64LongThunk
		}
	}
	th.Offsets = append(th.Offsets, offset)
	return offset
}

func (t *ArchAArch64) WriteThunk(ctx *Context, th *Thunk) {
	base := ctx.Buf[th.OutputSection.Shdr().Offset+th.Offset:]

	for i, sym := range th.Symbols {
		s := sym.GetAddr(ctx, 0)
		p := th.EntryAddr(i)
		buf := base[th.Offsets[i]:]

		if th.Offsets[i+1]-th.Offsets[i] == aarch64ShortThunk {
			insns := []uint32{
				0x90000010, // adrp x16, 0
				0x91000210, // add  x16, x16
				0xd61f0200, // br   x16
				0xd4207d00, // brk
			}
			for j, insn := range insns {
				put32(buf[j*4:], insn)
			}
			writeAdrp(buf, page(s)-page(p))
			or32(buf[4:], bits(s, 11, 0)<<10)
		} else {
			insns := []uint32{
				0x10000010, // adr  x16, 0
				0xd2a00011, // movz x17, 0, lsl #16
				0xf2c00011, // movk x17, 0, lsl #32
				0xf2e00011, // movk x17, 0, lsl #48
				0x8b110210, // add  x16, x16, x17
				0xd61f0200, // br   x16
				0xd4207d00, // brk
				0xd4207d00, // brk
			}
			for j, insn := range insns {
				put32(buf[j*4:], insn)
			}
			d := s - p
			writeAdr(buf, uint64(bits(d, 15, 0)))
			or32(buf[4:], bits(d, 31, 16)<<5)
			or32(buf[8:], bits(d, 47, 32)<<5)
			or32(buf[12:], bits(d, 63, 48)<<5)
		}
	}
}
