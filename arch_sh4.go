package main

import "encoding/binary"

// SH-4 (little endian, 32-bit). 16-bit instructions; large immediates
// are loaded from PC-relative literal pools, so all interesting
// relocations are plain 32-bit data words. The psABI is nominally RELA
// but addends are stored in the relocated places, so sections must be
// copied before their relocations can be read.

const (
	R_SH_NONE         = 0
	R_SH_DIR32        = 1
	R_SH_REL32        = 2
	R_SH_TLS_GD_32    = 144
	R_SH_TLS_LD_32    = 145
	R_SH_TLS_LDO_32   = 146
	R_SH_TLS_IE_32    = 147
	R_SH_TLS_LE_32    = 148
	R_SH_TLS_DTPMOD32 = 149
	R_SH_TLS_DTPOFF32 = 150
	R_SH_TLS_TPOFF32  = 151
	R_SH_GOT32        = 160
	R_SH_PLT32        = 161
	R_SH_COPY         = 162
	R_SH_GLOB_DAT     = 163
	R_SH_JMP_SLOT     = 164
	R_SH_RELATIVE     = 165
	R_SH_GOTOFF       = 166
	R_SH_GOTPC        = 167
	R_SH_GOTPLT32     = 168
)

type ArchSh4 struct {
	targetBase
}

func newArchSh4() *ArchSh4 {
	return &ArchSh4{targetBase{
		name:       "sh4",
		machine:    EM_SH,
		is64:       false,
		bo:         binary.LittleEndian,
		pageSize:   4096,
		pltHdr:     16,
		pltEnt:     16,
		pltGotEnt:  16,
		rRelative:  R_SH_RELATIVE,
		rIRelative: 0,
		rGlobDat:   R_SH_GLOB_DAT,
		rJumpSlot:  R_SH_JMP_SLOT,
		rCopy:      R_SH_COPY,
		rAbs:       R_SH_DIR32,
		rDtpmod:    R_SH_TLS_DTPMOD32,
		rDtpoff:    R_SH_TLS_DTPOFF32,
		rTpoff:     R_SH_TLS_TPOFF32,
		rTlsdesc:   0,
		relocNames: map[uint32]string{
			R_SH_DIR32: "R_SH_DIR32", R_SH_REL32: "R_SH_REL32",
			R_SH_GOT32: "R_SH_GOT32", R_SH_PLT32: "R_SH_PLT32",
			R_SH_GOTOFF: "R_SH_GOTOFF", R_SH_GOTPC: "R_SH_GOTPC",
			R_SH_TLS_GD_32: "R_SH_TLS_GD_32", R_SH_TLS_LE_32: "R_SH_TLS_LE_32",
		},
	}}
}

func (t *ArchSh4) IsFuncCallRel(rel *ElfRel) bool {
	return rel.Type == R_SH_PLT32
}

// sh4Addend reads the in-place addend.
func sh4Addend(buf []byte, rel *ElfRel) int64 {
	return int64(int32(binary.LittleEndian.Uint32(buf[rel.Offset:])))
}

func (t *ArchSh4) WritePltHeader(ctx *Context, buf []byte) {
	le := binary.LittleEndian
	if ctx.Args.Shared || ctx.Args.Pie {
		insns := []uint16{
			0xd202, //    mov.l   1f, r2
			0x32cc, //    add     r12, r2
			0x5022, //    mov.l   @(8, r2), r0
			0x5221, //    mov.l   @(4, r2), r2
			0x402b, //    jmp     @r0
			0xe000, //    mov     #0, r0
		}
		for i, insn := range insns {
			le.PutUint16(buf[i*2:], insn)
		}
		le.PutUint32(buf[12:], uint32(ctx.GotPlt.Shdr().Addr-ctx.Got.Shdr().Addr))
	} else {
		insns := []uint16{
			0xd202, //    mov.l   1f, r2
			0x5022, //    mov.l   @(8, r2), r0
			0x5221, //    mov.l   @(4, r2), r2
			0x402b, //    jmp     @r0
			0xe000, //    mov     #0, r0
			0x0009, //    nop
		}
		for i, insn := range insns {
			le.PutUint16(buf[i*2:], insn)
		}
		le.PutUint32(buf[12:], uint32(ctx.GotPlt.Shdr().Addr))
	}
}

func (t *ArchSh4) WritePltEntry(ctx *Context, buf []byte, sym *Symbol) {
	le := binary.LittleEndian
	pic := ctx.Args.Shared || ctx.Args.Pie
	var insns []uint16
	if pic {
		insns = []uint16{
			0xd001, //    mov.l   1f, r0
			0x00ce, //    mov.l   @(r0, r12), r0
			0x402b, //    jmp     @r0
			0xd101, //    mov.l   2f, r1
		}
	} else {
		insns = []uint16{
			0xd001, //    mov.l   1f, r0
			0x6002, //    mov.l   @r0, r0
			0x402b, //    jmp     @r0
			0xd101, //    mov.l   2f, r1
		}
	}
	for i, insn := range insns {
		le.PutUint16(buf[i*2:], insn)
	}
	if pic {
		le.PutUint32(buf[8:], uint32(sym.GetGotPltAddr(ctx)-ctx.Got.Shdr().Addr))
	} else {
		le.PutUint32(buf[8:], uint32(sym.GetGotPltAddr(ctx)))
	}
	le.PutUint32(buf[12:], uint32(int(sym.aux(ctx).PltIdx)*ctx.Ec.RelSize(true)))
}

func (t *ArchSh4) WritePltGotEntry(ctx *Context, buf []byte, sym *Symbol) {
	le := binary.LittleEndian
	pic := ctx.Args.Shared || ctx.Args.Pie
	if pic {
		insns := []uint16{
			0xd001, //    mov.l   1f, r0
			0x00ce, //    mov.l   @(r0, r12), r0
			0x402b, //    jmp     @r0
			0x0009, //    nop
		}
		for i, insn := range insns {
			le.PutUint16(buf[i*2:], insn)
		}
		le.PutUint32(buf[8:], uint32(sym.GetGotAddr(ctx)-ctx.Got.Shdr().Addr))
	} else {
		insns := []uint16{
			0xd001, //    mov.l   1f, r0
			0x6002, //    mov.l   @r0, r0
			0x402b, //    jmp     @r0
			0x0009, //    nop
		}
		for i, insn := range insns {
			le.PutUint16(buf[i*2:], insn)
		}
		le.PutUint32(buf[8:], uint32(sym.GetGotAddr(ctx)))
	}
}

func (t *ArchSh4) ApplyEhReloc(ctx *Context, rel ElfRel, loc uint64, b []byte, val uint64) {
	le := binary.LittleEndian
	switch rel.Type {
	case R_SH_NONE:
	case R_SH_DIR32:
		le.PutUint32(b, uint32(val))
	case R_SH_REL32:
		le.PutUint32(b, uint32(val-loc))
	default:
		ctx.Errorf(".eh_frame: unsupported relocation %s", t.RelocName(rel.Type))
	}
}

func (t *ArchSh4) ScanRelocs(ctx *Context, isec *InputSection) {
	rels := isec.Rels(ctx)
	for i := range rels {
		rel := &rels[i]
		if rel.Type == R_SH_NONE {
			continue
		}
		if isec.RecordUndefError(ctx, rel) {
			continue
		}
		sym := isec.File.Symbols[rel.Sym]

		if sym.IsIfunc() {
			ctx.Errorf("%s: GNU ifunc symbol is not supported on sh4", sym.Name)
		}

		switch rel.Type {
		case R_SH_DIR32:
			isec.ScanAbsrelWord(ctx, sym, rel, i)
		case R_SH_REL32:
			isec.ScanPcrel(ctx, sym, rel, i)
		case R_SH_GOT32, R_SH_GOTPLT32:
			sym.Demand(NeedsGot)
		case R_SH_PLT32:
			if sym.IsImported {
				sym.Demand(NeedsPlt)
			}
		case R_SH_TLS_GD_32:
			sym.Demand(NeedsTlsGd)
		case R_SH_TLS_LD_32:
			ctx.NeedsTlsld.Store(true)
		case R_SH_TLS_IE_32:
			sym.Demand(NeedsGotTp)
		case R_SH_TLS_LE_32:
			isec.CheckTlsle(ctx, sym, rel)
		case R_SH_GOTPC, R_SH_GOTOFF, R_SH_TLS_LDO_32:
		default:
			ctx.Errorf("%s: unknown relocation: %s", isec, t.RelocName(rel.Type))
		}
	}
}

func (t *ArchSh4) ApplyRelocAlloc(ctx *Context, isec *InputSection, buf []byte) {
	rels := isec.Rels(ctx)
	le := binary.LittleEndian
	absCursor := 0
	dynCursor := 0

	for i := range rels {
		rel := &rels[i]
		if rel.Type == R_SH_NONE {
			continue
		}
		sym := isec.File.Symbols[rel.Sym]
		loc := buf[rel.Offset:]

		S := int64(sym.GetAddr(ctx, 0))
		A := sh4Addend(buf, rel)
		P := int64(isec.GetAddr() + rel.Offset)
		GOT := int64(ctx.Got.Shdr().Addr)

		switch rel.Type {
		case R_SH_DIR32:
			applyAbsRelGeneric(ctx, isec, sym, rel, loc, &absCursor, &dynCursor, S+A)
		case R_SH_REL32, R_SH_PLT32:
			le.PutUint32(loc, uint32(S+A-P))
		case R_SH_GOT32, R_SH_GOTPLT32:
			le.PutUint32(loc, uint32(sym.GetGotAddr(ctx)-uint64(GOT)))
		case R_SH_GOTPC:
			le.PutUint32(loc, uint32(GOT+A-P))
		case R_SH_GOTOFF:
			le.PutUint32(loc, uint32(S+A-GOT))
		case R_SH_TLS_GD_32:
			le.PutUint32(loc, uint32(int64(sym.GetTlsGdAddr(ctx))+A-GOT))
		case R_SH_TLS_LD_32:
			le.PutUint32(loc, uint32(int64(ctx.Got.TlsLdAddr(ctx))+A-GOT))
		case R_SH_TLS_LDO_32:
			le.PutUint32(loc, uint32(S+A-int64(ctx.DtpAddr)))
		case R_SH_TLS_IE_32:
			le.PutUint32(loc, uint32(int64(sym.GetGotTpAddr(ctx))+A-GOT))
		case R_SH_TLS_LE_32:
			le.PutUint32(loc, uint32(S+A-int64(ctx.TpAddr)))
		}
	}
}

func (t *ArchSh4) ApplyRelocNonalloc(ctx *Context, isec *InputSection, buf []byte) {
	rels := isec.Rels(ctx)
	le := binary.LittleEndian
	for i := range rels {
		rel := &rels[i]
		if rel.Type == R_SH_NONE || isec.RecordUndefError(ctx, rel) {
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
			val = 0 // tombstone
		} else {
			val = sym.GetAddr(ctx, 0) + uint64(sh4Addend(buf, rel))
		}

		switch rel.Type {
		case R_SH_DIR32:
			le.PutUint32(loc, uint32(val))
		default:
			ctx.Errorf("%s: invalid relocation for non-allocated sections: %s",
				isec, t.RelocName(rel.Type))
		}
	}
}
