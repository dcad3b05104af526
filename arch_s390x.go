package main

import "encoding/binary"

// s390x (64-bit, big-endian). Branch and load displacements are halfword
// scaled ("DBL" relocations); GOT accesses go through r12. No thunks and
// no shrinking; the only rewrites are the TLS transitions and the
// LGRL -> LARL GOT-load fold.

const (
	R_390_NONE       = 0
	R_390_8          = 1
	R_390_12         = 2
	R_390_16         = 3
	R_390_32         = 4
	R_390_PC32       = 5
	R_390_GOT12      = 6
	R_390_GOT32      = 7
	R_390_PLT32      = 8
	R_390_COPY       = 9
	R_390_GLOB_DAT   = 10
	R_390_JMP_SLOT   = 11
	R_390_RELATIVE   = 12
	R_390_GOTOFF32   = 13
	R_390_GOTPC      = 14
	R_390_GOT16      = 15
	R_390_PC16       = 16
	R_390_PC16DBL    = 17
	R_390_PLT16DBL   = 18
	R_390_PC32DBL    = 19
	R_390_PLT32DBL   = 20
	R_390_GOTPCDBL   = 21
	R_390_64         = 22
	R_390_PC64       = 23
	R_390_GOT64      = 24
	R_390_PLT64      = 25
	R_390_GOTENT     = 26
	R_390_GOTOFF16   = 27
	R_390_GOTOFF64   = 28
	R_390_GOTPLT12   = 29
	R_390_GOTPLT16   = 30
	R_390_GOTPLT32   = 31
	R_390_GOTPLT64   = 32
	R_390_GOTPLTENT  = 33
	R_390_PLTOFF16   = 34
	R_390_PLTOFF32   = 35
	R_390_PLTOFF64   = 36
	R_390_TLS_GDCALL = 38
	R_390_TLS_LDCALL = 39
	R_390_TLS_GD32   = 40
	R_390_TLS_GD64   = 41
	R_390_TLS_LDM32  = 45
	R_390_TLS_LDM64  = 46
	R_390_TLS_IEENT  = 49
	R_390_TLS_LE32   = 50
	R_390_TLS_LE64   = 51
	R_390_TLS_LDO32  = 52
	R_390_TLS_LDO64  = 53
	R_390_TLS_DTPMOD = 54
	R_390_TLS_DTPOFF = 55
	R_390_TLS_TPOFF  = 56
	R_390_20         = 57
	R_390_GOT20      = 58
	R_390_GOTPLT20   = 59
	R_390_TLS_GOTIE20 = 60
	R_390_IRELATIVE  = 61
	R_390_PC12DBL    = 62
	R_390_PLT12DBL   = 63
	R_390_PC24DBL    = 64
	R_390_PLT24DBL   = 65
)

type ArchS390x struct {
	targetBase
}

func newArchS390x() *ArchS390x {
	return &ArchS390x{targetBase{
		name:       "s390x",
		machine:    EM_S390X,
		is64:       true,
		bo:         binary.BigEndian,
		pageSize:   4096,
		pltHdr:     48,
		pltEnt:     16,
		pltGotEnt:  16,
		rRelative:  R_390_RELATIVE,
		rIRelative: R_390_IRELATIVE,
		rGlobDat:   R_390_GLOB_DAT,
		rJumpSlot:  R_390_JMP_SLOT,
		rCopy:      R_390_COPY,
		rAbs:       R_390_64,
		rDtpmod:    R_390_TLS_DTPMOD,
		rDtpoff:    R_390_TLS_DTPOFF,
		rTpoff:     R_390_TLS_TPOFF,
		rTlsdesc:   0,
		relocNames: map[uint32]string{
			R_390_32: "R_390_32", R_390_64: "R_390_64", R_390_PC32: "R_390_PC32",
			R_390_PC32DBL: "R_390_PC32DBL", R_390_PLT32DBL: "R_390_PLT32DBL",
			R_390_GOTENT: "R_390_GOTENT", R_390_TLS_GD64: "R_390_TLS_GD64",
			R_390_TLS_LDM64: "R_390_TLS_LDM64", R_390_TLS_IEENT: "R_390_TLS_IEENT",
			R_390_TLS_LE64: "R_390_TLS_LE64", R_390_20: "R_390_20",
		},
	}}
}

func (t *ArchS390x) IsFuncCallRel(rel *ElfRel) bool {
	return rel.Type == R_390_PLT32DBL || rel.Type == R_390_PC32DBL
}

// writeMid20 splits a 20-bit displacement into its DL (12) and DH (8)
// fields.
func writeMid20(loc []byte, val uint64) {
	be := binary.BigEndian
	be.PutUint16(loc, be.Uint16(loc)|uint16(bits(val, 11, 0)))
	loc[2] = uint8(bits(val, 19, 12))
}

func (t *ArchS390x) WritePltHeader(ctx *Context, buf []byte) {
	insn := []byte{
		// Compute the PLT index
		0xb9, 0x09, 0x00, 0x01, // sgr   %r0, %r1
		0xa7, 0x0b, 0xff, 0xc2, // aghi  %r0, -62
		0xeb, 0x10, 0x00, 0x01, 0x00, 0x0c, // srlg  %r1, %r0, 1
		0xb9, 0x08, 0x00, 0x01, // agr   %r0, %r1
		0xe3, 0x00, 0xf0, 0x38, 0x00, 0x24, // stg   %r0, 56(%r15)
		// Branch to _dl_runtime_resolve
		0xc0, 0x10, 0, 0, 0, 0, // larl  %r1, GOTPLT_OFFSET
		0xd2, 0x07, 0xf0, 0x30, 0x10, 0x08, // mvc   48(8, %r15), 8(%r1)
		0xe3, 0x10, 0x10, 0x10, 0x00, 0x04, // lg    %r1, 16(%r1)
		0x07, 0xf1, // br    %r1
		0x07, 0x00, 0x07, 0x00, // nopr; nopr
	}
	copy(buf, insn)
	binary.BigEndian.PutUint32(buf[26:],
		uint32((ctx.GotPlt.Shdr().Addr-ctx.Plt.Shdr().Addr-24)>>1))
}

func (t *ArchS390x) WritePltEntry(ctx *Context, buf []byte, sym *Symbol) {
	insn := []byte{
		0xc0, 0x10, 0, 0, 0, 0, // larl  %r1, GOTPLT_ENTRY_OFFSET
		0xe3, 0x10, 0x10, 0x00, 0x00, 0x04, // lg    %r1, (%r1)
		0x0d, 0x01, // basr  %r0, %r1
		0x07, 0x00, // nopr
	}
	copy(buf, insn)
	binary.BigEndian.PutUint32(buf[2:],
		uint32((sym.GetGotPltAddr(ctx)-sym.GetPltAddr(ctx))>>1))
}

func (t *ArchS390x) WritePltGotEntry(ctx *Context, buf []byte, sym *Symbol) {
	insn := []byte{
		0xc0, 0x10, 0, 0, 0, 0, // larl  %r1, GOT_ENTRY_OFFSET
		0xe3, 0x10, 0x10, 0x00, 0x00, 0x04, // lg    %r1, (%r1)
		0x07, 0xf1, // br    %r1
		0x07, 0x00, // nopr
	}
	copy(buf, insn)
	binary.BigEndian.PutUint32(buf[2:],
		uint32((sym.GetGotAddr(ctx)-sym.GetPltAddr(ctx))>>1))
}

func (t *ArchS390x) ApplyEhReloc(ctx *Context, rel ElfRel, loc uint64, b []byte, val uint64) {
	be := binary.BigEndian
	switch rel.Type {
	case R_390_NONE:
	case R_390_PC32:
		be.PutUint32(b, uint32(val-loc))
	case R_390_64:
		be.PutUint64(b, val)
	default:
		ctx.Errorf(".eh_frame: unsupported relocation %s", t.RelocName(rel.Type))
	}
}

func (t *ArchS390x) ScanRelocs(ctx *Context, isec *InputSection) {
	rels := isec.Rels(ctx)
	for i := range rels {
		rel := &rels[i]
		if rel.Type == R_390_NONE {
			continue
		}
		if isec.RecordUndefError(ctx, rel) {
			continue
		}
		sym := isec.File.Symbols[rel.Sym]

		switch rel.Type {
		case R_390_64:
			isec.ScanAbsrelWord(ctx, sym, rel, i)
		case R_390_8, R_390_12, R_390_16, R_390_20, R_390_32:
			isec.ScanAbsrel(ctx, sym, rel, i)
		case R_390_PC16, R_390_PC32, R_390_PC64,
			R_390_PC12DBL, R_390_PC16DBL, R_390_PC24DBL, R_390_PC32DBL:
			isec.ScanPcrel(ctx, sym, rel, i)
		case R_390_PLT32, R_390_PLT64, R_390_PLT12DBL, R_390_PLT16DBL,
			R_390_PLT24DBL, R_390_PLT32DBL, R_390_PLTOFF16, R_390_PLTOFF32,
			R_390_PLTOFF64:
			if sym.IsImported || sym.IsIfunc() {
				sym.Demand(NeedsPlt)
			}
		case R_390_GOT12, R_390_GOT16, R_390_GOT20, R_390_GOT32, R_390_GOT64,
			R_390_GOTPLT12, R_390_GOTPLT16, R_390_GOTPLT20, R_390_GOTPLT32,
			R_390_GOTPLT64, R_390_GOTENT, R_390_GOTPLTENT:
			sym.Demand(NeedsGot)
		case R_390_TLS_GD32, R_390_TLS_GD64:
			if ctx.IsStatic() || (ctx.Args.Relax && sym.isTprelLinktimeConst(ctx)) {
				// GD -> LE
			} else if ctx.Args.Relax && sym.isTprelRuntimeConst(ctx) {
				sym.Demand(NeedsGotTp)
			} else {
				sym.Demand(NeedsTlsGd)
			}
		case R_390_TLS_LDM32, R_390_TLS_LDM64:
			if !(ctx.IsStatic() || (ctx.Args.Relax && !ctx.Args.Shared)) {
				ctx.NeedsTlsld.Store(true)
			}
		case R_390_TLS_GOTIE20, R_390_TLS_IEENT:
			sym.Demand(NeedsGotTp)
		case R_390_TLS_LE32, R_390_TLS_LE64:
			isec.CheckTlsle(ctx, sym, rel)
		case R_390_GOTOFF16, R_390_GOTOFF32, R_390_GOTOFF64,
			R_390_GOTPC, R_390_GOTPCDBL,
			R_390_TLS_GDCALL, R_390_TLS_LDCALL,
			R_390_TLS_LDO32, R_390_TLS_LDO64:
		default:
			ctx.Errorf("%s: unknown relocation: %s", isec, t.RelocName(rel.Type))
		}
	}
}

func (t *ArchS390x) ApplyRelocAlloc(ctx *Context, isec *InputSection, buf []byte) {
	rels := isec.Rels(ctx)
	be := binary.BigEndian
	absCursor := 0
	dynCursor := 0

	for i := range rels {
		rel := &rels[i]
		if rel.Type == R_390_NONE {
			continue
		}
		sym := isec.File.Symbols[rel.Sym]
		off := rel.Offset
		loc := buf[off:]

		S := int64(sym.GetAddr(ctx, 0))
		A := rel.Addend
		P := int64(isec.GetAddr() + off)
		G := func() int64 { return int64(sym.GetGotAddr(ctx)) - int64(ctx.Got.Shdr().Addr) }
		GOT := int64(ctx.Got.Shdr().Addr)

		check := func(val, lo, hi int64) {
			ctx.checkRange(isec, rel, sym, val, lo, hi)
		}
		checkDbl := func(val, lo, hi int64) {
			// DBL relocations must not target odd addresses.
			check(val, lo, hi)
			if val&1 != 0 {
				ctx.Errorf("%s: misaligned symbol %s for relocation %s",
					isec, sym.Name, t.RelocName(rel.Type))
			}
		}

		switch rel.Type {
		case R_390_64:
			applyAbsRelGeneric(ctx, isec, sym, rel, loc, &absCursor, &dynCursor, S+A)
		case R_390_8:
			check(S+A, 0, 1<<8)
			loc[0] = uint8(S + A)
		case R_390_12:
			check(S+A, 0, 1<<12)
			be.PutUint16(loc, be.Uint16(loc)|uint16(bits(uint64(S+A), 11, 0)))
		case R_390_16:
			check(S+A, 0, 1<<16)
			be.PutUint16(loc, uint16(S+A))
		case R_390_20:
			check(S+A, 0, 1<<20)
			writeMid20(loc, uint64(S+A))
		case R_390_32, R_390_PLT32:
			check(S+A, 0, int64(1)<<32)
			be.PutUint32(loc, uint32(S+A))
		case R_390_PC12DBL, R_390_PLT12DBL:
			checkDbl(S+A-P, -(1 << 12), 1<<12)
			be.PutUint16(loc, be.Uint16(loc)|uint16(bits(uint64(S+A-P), 12, 1)))
		case R_390_PC16:
			check(S+A-P, -(1 << 15), 1<<15)
			be.PutUint16(loc, uint16(S+A-P))
		case R_390_PC32:
			check(S+A-P, -(int64(1) << 31), int64(1)<<31)
			be.PutUint32(loc, uint32(S+A-P))
		case R_390_PC64, R_390_PLT64:
			be.PutUint64(loc, uint64(S+A-P))
		case R_390_PC16DBL, R_390_PLT16DBL:
			checkDbl(S+A-P, -(1 << 16), 1<<16)
			be.PutUint16(loc, uint16((S+A-P)>>1))
		case R_390_PC24DBL, R_390_PLT24DBL:
			checkDbl(S+A-P, -(1 << 24), 1<<24)
			be.PutUint32(loc, be.Uint32(loc)|bits(uint64(S+A-P), 24, 1))
		case R_390_PC32DBL, R_390_PLT32DBL:
			checkDbl(S+A-P, -(int64(1) << 32), int64(1)<<32)
			be.PutUint32(loc, uint32((S+A-P)>>1))
		case R_390_GOT12, R_390_GOTPLT12:
			check(G()+A, 0, 1<<12)
			be.PutUint16(loc, be.Uint16(loc)|uint16(bits(uint64(G()+A), 11, 0)))
		case R_390_GOT16, R_390_GOTPLT16:
			check(G()+A, 0, 1<<16)
			be.PutUint16(loc, uint16(G()+A))
		case R_390_GOT20, R_390_GOTPLT20:
			check(G()+A, 0, 1<<20)
			writeMid20(loc, uint64(G()+A))
		case R_390_GOT32, R_390_GOTPLT32:
			check(G()+A, 0, int64(1)<<32)
			be.PutUint32(loc, uint32(G()+A))
		case R_390_GOT64, R_390_GOTPLT64:
			be.PutUint64(loc, uint64(G()+A))
		case R_390_GOTOFF16, R_390_PLTOFF16:
			check(S+A-GOT, -(1 << 15), 1<<15)
			be.PutUint16(loc, uint16(S+A-GOT))
		case R_390_GOTOFF32, R_390_PLTOFF32:
			check(S+A-GOT, -(int64(1) << 31), int64(1)<<31)
			be.PutUint32(loc, uint32(S+A-GOT))
		case R_390_GOTOFF64, R_390_PLTOFF64:
			be.PutUint64(loc, uint64(S+A-GOT))
		case R_390_GOTPC:
			be.PutUint64(loc, uint64(GOT+A-P))
		case R_390_GOTPCDBL:
			checkDbl(GOT+A-P, -(int64(1) << 32), int64(1)<<32)
			be.PutUint32(loc, uint32((GOT+A-P)>>1))
		case R_390_GOTENT:
			// LGRL loading from the GOT can fold to LARL when the value
			// is a link-time constant.
			if ctx.Args.Relax && !sym.IsImported && !sym.IsIfunc() && off >= 2 {
				op := be.Uint16(buf[off-2:])
				val := S + A - P
				if op&0xff0f == 0xc408 && A == 2 && val&1 == 0 && isInt(val, 33) {
					be.PutUint16(buf[off-2:], 0xc000|op&0x00f0)
					be.PutUint32(loc, uint32(val>>1))
					break
				}
			}
			checkDbl(GOT+G()+A-P, -(int64(1) << 32), int64(1)<<32)
			be.PutUint32(loc, uint32((GOT+G()+A-P)>>1))
		case R_390_TLS_LE32:
			be.PutUint32(loc, uint32(S+A-int64(ctx.TpAddr)))
		case R_390_TLS_LE64:
			be.PutUint64(loc, uint64(S+A-int64(ctx.TpAddr)))
		case R_390_TLS_GOTIE20:
			writeMid20(loc, sym.GetGotTpAddr(ctx)+uint64(A)-uint64(GOT))
		case R_390_TLS_IEENT:
			be.PutUint32(loc, uint32((int64(sym.GetGotTpAddr(ctx))+A-P)>>1))
		case R_390_TLS_GD32:
			switch {
			case sym.HasTlsGd(ctx):
				be.PutUint32(loc, uint32(int64(sym.GetTlsGdAddr(ctx))+A-GOT))
			case sym.HasGotTp(ctx):
				be.PutUint32(loc, uint32(int64(sym.GetGotTpAddr(ctx))+A-GOT))
			default:
				be.PutUint32(loc, uint32(S+A-int64(ctx.TpAddr)))
			}
		case R_390_TLS_GD64:
			switch {
			case sym.HasTlsGd(ctx):
				be.PutUint64(loc, uint64(int64(sym.GetTlsGdAddr(ctx))+A-GOT))
			case sym.HasGotTp(ctx):
				be.PutUint64(loc, uint64(int64(sym.GetGotTpAddr(ctx))+A-GOT))
			default:
				be.PutUint64(loc, uint64(S+A-int64(ctx.TpAddr)))
			}
		case R_390_TLS_GDCALL:
			switch {
			case sym.HasTlsGd(ctx):
				// Call to __tls_get_offset stays.
			case sym.HasGotTp(ctx):
				// GD -> IE: lg %r2, 0(%r2, %r12)
				copy(loc, []byte{0xe3, 0x22, 0xc0, 0x00, 0x00, 0x04})
			default:
				// GD -> LE: nop
				copy(loc, []byte{0xc0, 0x04, 0x00, 0x00, 0x00, 0x00})
			}
		case R_390_TLS_LDM32:
			if ctx.Got.TlsLdIdx != -1 {
				be.PutUint32(loc, uint32(int64(ctx.Got.TlsLdAddr(ctx))+A-GOT))
			} else {
				be.PutUint32(loc, uint32(ctx.DtpAddr-ctx.TpAddr))
			}
		case R_390_TLS_LDM64:
			if ctx.Got.TlsLdIdx != -1 {
				be.PutUint64(loc, uint64(int64(ctx.Got.TlsLdAddr(ctx))+A-GOT))
			} else {
				be.PutUint64(loc, ctx.DtpAddr-ctx.TpAddr)
			}
		case R_390_TLS_LDCALL:
			if ctx.Got.TlsLdIdx == -1 {
				// LD -> LE: nop
				copy(loc, []byte{0xc0, 0x04, 0x00, 0x00, 0x00, 0x00})
			}
		case R_390_TLS_LDO32:
			be.PutUint32(loc, uint32(S+A-int64(ctx.DtpAddr)))
		case R_390_TLS_LDO64:
			be.PutUint64(loc, uint64(S+A-int64(ctx.DtpAddr)))
		}
	}
}

func (t *ArchS390x) ApplyRelocNonalloc(ctx *Context, isec *InputSection, buf []byte) {
	applyRelocNonallocGeneric(ctx, isec, buf, func(loc []byte, rel *ElfRel, val uint64) bool {
		be := binary.BigEndian
		switch rel.Type {
		case R_390_32:
			be.PutUint32(loc, uint32(val))
		case R_390_64:
			be.PutUint64(loc, val)
		case R_390_TLS_LDO64:
			be.PutUint64(loc, val-ctx.DtpAddr)
		default:
			return false
		}
		return true
	})
}
