package main

import "encoding/binary"

// RISC-V (RV64, little endian). The compiler always emits the longest
// sequence (AUIPC+JALR pairs); the linker shrinks them when the target
// turns out to be close. All in-section branches carry relocations for
// that reason, so the relocation count is much higher than on other
// targets.

const (
	R_RISCV_NONE              = 0
	R_RISCV_32                = 1
	R_RISCV_64                = 2
	R_RISCV_RELATIVE          = 3
	R_RISCV_COPY              = 4
	R_RISCV_JUMP_SLOT         = 5
	R_RISCV_TLS_DTPMOD64      = 7
	R_RISCV_TLS_DTPREL64      = 9
	R_RISCV_TLS_TPREL64       = 11
	R_RISCV_TLSDESC           = 12
	R_RISCV_BRANCH            = 16
	R_RISCV_JAL               = 17
	R_RISCV_CALL              = 18
	R_RISCV_CALL_PLT          = 19
	R_RISCV_GOT_HI20          = 20
	R_RISCV_TLS_GOT_HI20      = 21
	R_RISCV_TLS_GD_HI20       = 22
	R_RISCV_PCREL_HI20        = 23
	R_RISCV_PCREL_LO12_I      = 24
	R_RISCV_PCREL_LO12_S      = 25
	R_RISCV_HI20              = 26
	R_RISCV_LO12_I            = 27
	R_RISCV_LO12_S            = 28
	R_RISCV_TPREL_HI20        = 29
	R_RISCV_TPREL_LO12_I      = 30
	R_RISCV_TPREL_LO12_S      = 31
	R_RISCV_TPREL_ADD         = 32
	R_RISCV_ADD8              = 33
	R_RISCV_ADD16             = 34
	R_RISCV_ADD32             = 35
	R_RISCV_ADD64             = 36
	R_RISCV_SUB8              = 37
	R_RISCV_SUB16             = 38
	R_RISCV_SUB32             = 39
	R_RISCV_SUB64             = 40
	R_RISCV_ALIGN             = 43
	R_RISCV_RVC_BRANCH        = 44
	R_RISCV_RVC_JUMP          = 45
	R_RISCV_RELAX             = 51
	R_RISCV_SUB6              = 52
	R_RISCV_SET6              = 53
	R_RISCV_SET8              = 54
	R_RISCV_SET16             = 55
	R_RISCV_SET32             = 56
	R_RISCV_32_PCREL          = 57
	R_RISCV_IRELATIVE         = 58
	R_RISCV_PLT32             = 59
	R_RISCV_SET_ULEB128       = 60
	R_RISCV_SUB_ULEB128       = 61
	R_RISCV_TLSDESC_HI20      = 62
	R_RISCV_TLSDESC_LOAD_LO12 = 63
	R_RISCV_TLSDESC_ADD_LO12  = 64
	R_RISCV_TLSDESC_CALL      = 65
)

type ArchRiscv64 struct {
	targetBase
}

func newArchRiscv64() *ArchRiscv64 {
	return &ArchRiscv64{targetBase{
		name:       "riscv64",
		machine:    EM_RISCV,
		is64:       true,
		bo:         binary.LittleEndian,
		pageSize:   4096,
		pltHdr:     32,
		pltEnt:     16,
		pltGotEnt:  16,
		rRelative:  R_RISCV_RELATIVE,
		rIRelative: R_RISCV_IRELATIVE,
		rGlobDat:   R_RISCV_64,
		rJumpSlot:  R_RISCV_JUMP_SLOT,
		rCopy:      R_RISCV_COPY,
		rAbs:       R_RISCV_64,
		rDtpmod:    R_RISCV_TLS_DTPMOD64,
		rDtpoff:    R_RISCV_TLS_DTPREL64,
		rTpoff:     R_RISCV_TLS_TPREL64,
		rTlsdesc:   R_RISCV_TLSDESC,
		relocNames: map[uint32]string{
			R_RISCV_32: "R_RISCV_32", R_RISCV_64: "R_RISCV_64",
			R_RISCV_BRANCH: "R_RISCV_BRANCH", R_RISCV_JAL: "R_RISCV_JAL",
			R_RISCV_CALL: "R_RISCV_CALL", R_RISCV_CALL_PLT: "R_RISCV_CALL_PLT",
			R_RISCV_GOT_HI20: "R_RISCV_GOT_HI20", R_RISCV_PCREL_HI20: "R_RISCV_PCREL_HI20",
			R_RISCV_PCREL_LO12_I: "R_RISCV_PCREL_LO12_I", R_RISCV_HI20: "R_RISCV_HI20",
			R_RISCV_TPREL_HI20: "R_RISCV_TPREL_HI20", R_RISCV_ALIGN: "R_RISCV_ALIGN",
			R_RISCV_RELAX: "R_RISCV_RELAX", R_RISCV_32_PCREL: "R_RISCV_32_PCREL",
			R_RISCV_TLSDESC_HI20: "R_RISCV_TLSDESC_HI20",
		},
	}}
}

func (t *ArchRiscv64) SupportsShrinking() bool { return true }

func (t *ArchRiscv64) EFlags(ctx *Context) uint32 {
	var flags uint32
	for _, o := range ctx.Objs {
		if o.IsReachable.Load() && o != ctx.InternalObj {
			flags |= o.EFlags
		}
	}
	return flags
}

func (t *ArchRiscv64) IsFuncCallRel(rel *ElfRel) bool {
	return rel.Type == R_RISCV_CALL || rel.Type == R_RISCV_CALL_PLT
}

// Instruction field encoders. RISC-V scatters immediates across the
// instruction word per format; these write only the immediate bits.

func writeItype(loc []byte, val uint32) {
	le := binary.LittleEndian
	insn := le.Uint32(loc) & 0b000000_00000_11111_111_11111_1111111
	le.PutUint32(loc, insn|bits(uint64(val), 11, 0)<<20)
}

func writeStype(loc []byte, val uint32) {
	le := binary.LittleEndian
	insn := le.Uint32(loc) & 0b000000_11111_11111_111_00000_1111111
	le.PutUint32(loc, insn|bits(uint64(val), 11, 5)<<25|bits(uint64(val), 4, 0)<<7)
}

func writeBtype(loc []byte, val uint32) {
	le := binary.LittleEndian
	insn := le.Uint32(loc) & 0b000000_11111_11111_111_00000_1111111
	insn |= bit(uint64(val), 12)<<31 | bits(uint64(val), 10, 5)<<25 |
		bits(uint64(val), 4, 1)<<8 | bit(uint64(val), 11)<<7
	le.PutUint32(loc, insn)
}

// U-type pairs with an I-type for the low 12 bits, which sign-extend;
// 0x800 compensates for that.
func writeUtype(loc []byte, val uint32) {
	le := binary.LittleEndian
	insn := le.Uint32(loc) & 0b000000_00000_00000_000_11111_1111111
	le.PutUint32(loc, insn|(val+0x800)&0xfffff000)
}

func writeJtype(loc []byte, val uint32) {
	le := binary.LittleEndian
	insn := le.Uint32(loc) & 0b000000_00000_00000_000_11111_1111111
	insn |= bit(uint64(val), 20)<<31 | bits(uint64(val), 10, 1)<<21 |
		bit(uint64(val), 11)<<20 | bits(uint64(val), 19, 12)<<12
	le.PutUint32(loc, insn)
}

func writeCitype(loc []byte, val uint32) {
	le := binary.LittleEndian
	insn := le.Uint16(loc) & 0b111_0_11111_00000_11
	le.PutUint16(loc, insn|uint16(bit(uint64(val), 5)<<12|bits(uint64(val), 4, 0)<<2))
}

func writeCbtype(loc []byte, val uint32) {
	le := binary.LittleEndian
	insn := le.Uint16(loc) & 0b111_000_111_00000_11
	insn |= uint16(bit(uint64(val), 8)<<12 | bit(uint64(val), 4)<<11 | bit(uint64(val), 3)<<10 |
		bit(uint64(val), 7)<<6 | bit(uint64(val), 6)<<5 | bit(uint64(val), 2)<<4 |
		bit(uint64(val), 1)<<3 | bit(uint64(val), 5)<<2)
	le.PutUint16(loc, insn)
}

func writeCjtype(loc []byte, val uint32) {
	le := binary.LittleEndian
	insn := le.Uint16(loc) & 0b111_00000000000_11
	insn |= uint16(bit(uint64(val), 11)<<12 | bit(uint64(val), 4)<<11 | bit(uint64(val), 9)<<10 |
		bit(uint64(val), 8)<<9 | bit(uint64(val), 10)<<8 | bit(uint64(val), 6)<<7 |
		bit(uint64(val), 7)<<6 | bit(uint64(val), 3)<<5 | bit(uint64(val), 2)<<4 |
		bit(uint64(val), 1)<<3 | bit(uint64(val), 5)<<2)
	le.PutUint16(loc, insn)
}

func setRs1(loc []byte, rs1 uint32) {
	le := binary.LittleEndian
	insn := le.Uint32(loc) & 0b1111111_11111_00000_111_11111_1111111
	le.PutUint32(loc, insn|rs1<<15)
}

func getRd(loc []byte) uint32 {
	return bits(uint64(binary.LittleEndian.Uint32(loc)), 11, 7)
}

func readUleb(loc []byte) uint64 {
	var val uint64
	var shift uint
	for _, b := range loc {
		val |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			break
		}
		shift += 7
	}
	return val
}

// overwriteUleb rewrites a ULEB128 in place, preserving its length.
func overwriteUleb(loc []byte, val uint64) {
	for i := 0; ; i++ {
		if loc[i]&0x80 != 0 {
			loc[i] = 0x80 | uint8(val&0x7f)
			val >>= 7
		} else {
			loc[i] = uint8(val & 0x7f)
			return
		}
	}
}

func (t *ArchRiscv64) WritePltHeader(ctx *Context, buf []byte) {
	insns := []uint32{
		0x00000397, // auipc  t2, %pcrel_hi(.got.plt)
		0x41c30333, // sub    t1, t1, t3
		0x0003be03, // ld     t3, %pcrel_lo(1b)(t2)
		0xfd430313, // addi   t1, t1, -44
		0x00038293, // addi   t0, t2, %pcrel_lo(1b)
		0x00135313, // srli   t1, t1, 1
		0x0082b283, // ld     t0, 8(t0)
		0x000e0067, // jr     t3
	}
	for i, insn := range insns {
		put32(buf[i*4:], insn)
	}
	gotplt := ctx.GotPlt.Shdr().Addr
	plt := ctx.Plt.Shdr().Addr
	writeUtype(buf, uint32(gotplt-plt))
	writeItype(buf[8:], uint32(gotplt-plt))
	writeItype(buf[16:], uint32(gotplt-plt))
}

var riscvPltEntry = []uint32{
	0x00000e17, // auipc   t3, %pcrel_hi(function@.got.plt)
	0x000e3e03, // ld      t3, %pcrel_lo(1b)(t3)
	0x000e0367, // jalr    t1, t3
	0x00100073, // ebreak
}

func (t *ArchRiscv64) WritePltEntry(ctx *Context, buf []byte, sym *Symbol) {
	for i, insn := range riscvPltEntry {
		put32(buf[i*4:], insn)
	}
	gotplt := sym.GetGotPltAddr(ctx)
	plt := sym.GetPltAddr(ctx)
	writeUtype(buf, uint32(gotplt-plt))
	writeItype(buf[4:], uint32(gotplt-plt))
}

func (t *ArchRiscv64) WritePltGotEntry(ctx *Context, buf []byte, sym *Symbol) {
	for i, insn := range riscvPltEntry {
		put32(buf[i*4:], insn)
	}
	got := sym.GetGotAddr(ctx)
	plt := sym.GetPltAddr(ctx)
	writeUtype(buf, uint32(got-plt))
	writeItype(buf[4:], uint32(got-plt))
}

func (t *ArchRiscv64) ApplyEhReloc(ctx *Context, rel ElfRel, loc uint64, b []byte, val uint64) {
	le := binary.LittleEndian
	switch rel.Type {
	case R_RISCV_NONE:
	case R_RISCV_ADD32:
		le.PutUint32(b, le.Uint32(b)+uint32(val))
	case R_RISCV_SUB8:
		b[0] -= uint8(val)
	case R_RISCV_SUB16:
		le.PutUint16(b, le.Uint16(b)-uint16(val))
	case R_RISCV_SUB32:
		le.PutUint32(b, le.Uint32(b)-uint32(val))
	case R_RISCV_SUB6:
		b[0] = b[0]&0b1100_0000 | (b[0]-uint8(val))&0b0011_1111
	case R_RISCV_SET6:
		b[0] = b[0]&0b1100_0000 | uint8(val)&0b0011_1111
	case R_RISCV_SET8:
		b[0] = uint8(val)
	case R_RISCV_SET16:
		le.PutUint16(b, uint16(val))
	case R_RISCV_SET32:
		le.PutUint32(b, uint32(val))
	case R_RISCV_32_PCREL:
		le.PutUint32(b, uint32(val-loc))
	default:
		ctx.Errorf(".eh_frame: unsupported relocation %s", t.RelocName(rel.Type))
	}
}

func (t *ArchRiscv64) ScanRelocs(ctx *Context, isec *InputSection) {
	rels := isec.Rels(ctx)
	for i := range rels {
		rel := &rels[i]
		switch rel.Type {
		case R_RISCV_NONE, R_RISCV_RELAX, R_RISCV_ALIGN:
			// Relaxation markers; no demand.
			continue
		}
		if isec.RecordUndefError(ctx, rel) {
			continue
		}
		sym := isec.File.Symbols[rel.Sym]

		switch rel.Type {
		case R_RISCV_64:
			isec.ScanAbsrelWord(ctx, sym, rel, i)
		case R_RISCV_32, R_RISCV_HI20:
			isec.ScanAbsrel(ctx, sym, rel, i)
		case R_RISCV_32_PCREL:
			isec.ScanPcrel(ctx, sym, rel, i)
		case R_RISCV_CALL, R_RISCV_CALL_PLT, R_RISCV_PLT32:
			if sym.IsImported || sym.IsIfunc() {
				sym.Demand(NeedsPlt)
			}
		case R_RISCV_GOT_HI20:
			sym.Demand(NeedsGot)
		case R_RISCV_TLS_GOT_HI20:
			sym.Demand(NeedsGotTp)
		case R_RISCV_TLS_GD_HI20:
			sym.Demand(NeedsTlsGd)
		case R_RISCV_TLSDESC_HI20:
			isec.ScanTlsdesc(ctx, sym)
		case R_RISCV_TPREL_HI20, R_RISCV_TPREL_LO12_I, R_RISCV_TPREL_LO12_S, R_RISCV_TPREL_ADD:
			isec.CheckTlsle(ctx, sym, rel)
		case R_RISCV_BRANCH, R_RISCV_JAL, R_RISCV_PCREL_HI20,
			R_RISCV_PCREL_LO12_I, R_RISCV_PCREL_LO12_S,
			R_RISCV_LO12_I, R_RISCV_LO12_S,
			R_RISCV_ADD8, R_RISCV_ADD16, R_RISCV_ADD32, R_RISCV_ADD64,
			R_RISCV_SUB8, R_RISCV_SUB16, R_RISCV_SUB32, R_RISCV_SUB64,
			R_RISCV_RVC_BRANCH, R_RISCV_RVC_JUMP,
			R_RISCV_SUB6, R_RISCV_SET6, R_RISCV_SET8, R_RISCV_SET16, R_RISCV_SET32,
			R_RISCV_SET_ULEB128, R_RISCV_SUB_ULEB128,
			R_RISCV_TLSDESC_LOAD_LO12, R_RISCV_TLSDESC_ADD_LO12, R_RISCV_TLSDESC_CALL:
		default:
			ctx.Errorf("%s: unknown relocation: %s", isec, t.RelocName(rel.Type))
		}
	}
}

func riscvIsHi20(ty uint32) bool {
	switch ty {
	case R_RISCV_GOT_HI20, R_RISCV_TLS_GOT_HI20, R_RISCV_TLS_GD_HI20,
		R_RISCV_PCREL_HI20, R_RISCV_TLSDESC_HI20:
		return true
	}
	return false
}

// riscvIsGotLoadPair matches the canonical AUIPC+LD GOT load whose LO12
// points back at the AUIPC; only then may the pair be rewritten.
func riscvIsGotLoadPair(isec *InputSection, rels []ElfRel, i int) bool {
	return i+3 < len(rels) &&
		rels[i].Type == R_RISCV_GOT_HI20 &&
		rels[i+1].Type == R_RISCV_RELAX &&
		rels[i+2].Type == R_RISCV_PCREL_LO12_I &&
		rels[i+3].Type == R_RISCV_RELAX &&
		rels[i+2].Offset == rels[i].Offset+4 &&
		uint64(isec.File.Symbols[rels[i+2].Sym].Value) == rels[i].Offset
}

func (t *ArchRiscv64) ApplyRelocAlloc(ctx *Context, isec *InputSection, buf []byte) {
	rels := isec.Rels(ctx)
	le := binary.LittleEndian
	absCursor := 0
	dynCursor := 0
	dc := deltaCursor{deltas: isec.RDeltas}

	for i := 0; i < len(rels); i++ {
		rel := &rels[i]
		if rel.Type == R_RISCV_NONE || rel.Type == R_RISCV_RELAX {
			continue
		}

		removedBytes, rDelta := dc.at(rel.Offset)
		rOffset := rel.Offset - rDelta
		loc := buf[rOffset:]

		sym := isec.File.Symbols[rel.Sym]
		S := int64(sym.GetAddr(ctx, 0))
		A := rel.Addend
		P := int64(isec.GetAddr() + rOffset)

		check := func(val, lo, hi int64) {
			ctx.checkRange(isec, rel, sym, val, lo, hi)
		}
		utype := func(val int64) {
			check(val, -(1<<31)-0x800, (1<<31)-0x800)
			writeUtype(loc, uint32(val))
		}

		switch rel.Type {
		case R_RISCV_32:
			le.PutUint32(loc, uint32(S+A))
		case R_RISCV_64:
			applyAbsRelGeneric(ctx, isec, sym, rel, loc, &absCursor, &dynCursor, S+A)
		case R_RISCV_BRANCH:
			check(S+A-P, -(1 << 12), 1<<12)
			writeBtype(loc, uint32(S+A-P))
		case R_RISCV_JAL:
			check(S+A-P, -(1 << 20), 1<<20)
			writeJtype(loc, uint32(S+A-P))
		case R_RISCV_CALL, R_RISCV_CALL_PLT:
			val := S + A - P
			rd := getRd(buf[rOffset+4:])
			switch {
			case removedBytes == 4:
				// auipc + jalr -> jal
				put32(loc, uint32(rd<<7)|0b1101111)
				writeJtype(loc, uint32(val))
			case removedBytes == 6 && rd == 0:
				// auipc + jalr -> c.j
				le.PutUint16(loc, 0b101_00000000000_01)
				writeCjtype(loc, uint32(val))
			default:
				utype(val)
				writeItype(loc[4:], uint32(val))
			}
		case R_RISCV_GOT_HI20:
			rd := getRd(buf[rOffset:])
			switch {
			case removedBytes == 6:
				// c.li rd, val
				le.PutUint16(loc, uint16(0b010_0_00000_00000_01|rd<<7))
				writeCitype(loc, uint32(sym.GetAddr(ctx, 0)))
				i += 3
			case removedBytes == 4:
				// addi rd, zero, val
				put32(loc, 0b0010011|rd<<7)
				writeItype(loc, uint32(sym.GetAddr(ctx, 0)))
				i += 3
			default:
				val := S + A - P
				if ctx.Args.Relax && !sym.IsImported && sym.File() != &ctx.InternalObj.InputFile &&
					riscvIsGotLoadPair(isec, rels, i) && isInt(val, 32) && !sym.HasGot(ctx) {
					// auipc rd, %hi20(val); addi rd, rd, %lo12(val)
					utype(val)
					put32(loc[4:], 0b0010011|rd<<15|rd<<7)
					writeItype(loc[4:], uint32(val))
					i += 3
				} else {
					utype(int64(sym.GetGotAddr(ctx)) + A - P)
				}
			}
		case R_RISCV_TLS_GOT_HI20:
			utype(int64(sym.GetGotTpAddr(ctx)) + A - P)
		case R_RISCV_TLS_GD_HI20:
			utype(int64(sym.GetTlsGdAddr(ctx)) + A - P)
		case R_RISCV_PCREL_HI20:
			utype(S + A - P)
		case R_RISCV_PCREL_LO12_I, R_RISCV_PCREL_LO12_S:
			j := findPairedReloc(ctx, isec, rels, sym, i, riscvIsHi20)
			rel2 := &rels[j]
			sym2 := isec.File.Symbols[rel2.Sym]

			write := writeItype
			if rel.Type == R_RISCV_PCREL_LO12_S {
				write = writeStype
			}
			S2 := int64(sym2.GetAddr(ctx, 0))
			A2 := rel2.Addend
			P2 := int64(isec.GetAddr() + rel2.Offset - getRDelta(isec.RDeltas, rel2.Offset))

			switch rel2.Type {
			case R_RISCV_GOT_HI20:
				write(loc, uint32(int64(sym2.GetGotAddr(ctx))+A2-P2))
			case R_RISCV_TLS_GOT_HI20:
				write(loc, uint32(int64(sym2.GetGotTpAddr(ctx))+A2-P2))
			case R_RISCV_TLS_GD_HI20:
				write(loc, uint32(int64(sym2.GetTlsGdAddr(ctx))+A2-P2))
			case R_RISCV_PCREL_HI20:
				write(loc, uint32(S2+A2-P2))
			}
		case R_RISCV_HI20:
			switch removedBytes {
			case 2:
				// lui -> c.lui
				rd := getRd(buf[rOffset:])
				le.PutUint16(loc, uint16(0b011_0_00000_00000_01|rd<<7))
				writeCitype(loc, uint32((S+A+0x800)>>12))
			case 0:
				utype(S + A)
			}
		case R_RISCV_LO12_I, R_RISCV_LO12_S:
			if rel.Type == R_RISCV_LO12_I {
				writeItype(loc, uint32(S+A))
			} else {
				writeStype(loc, uint32(S+A))
			}
			// The LUI may have been deleted; base the load on x0 when
			// the value is reachable from zero.
			if isInt(S+A, 12) {
				setRs1(loc, 0)
			}
		case R_RISCV_TPREL_HI20:
			if removedBytes == 0 {
				utype(S + A - int64(ctx.TpAddr))
			}
		case R_RISCV_TPREL_ADD:
			// Annotation only; nothing to write.
		case R_RISCV_TPREL_LO12_I, R_RISCV_TPREL_LO12_S:
			val := S + A - int64(ctx.TpAddr)
			if rel.Type == R_RISCV_TPREL_LO12_I {
				writeItype(loc, uint32(val))
			} else {
				writeStype(loc, uint32(val))
			}
			// tp is x4; use it directly when the offset fits.
			if isInt(val, 12) {
				setRs1(loc, 4)
			}
		case R_RISCV_TLSDESC_HI20:
			if sym.HasTlsDesc(ctx) && removedBytes == 0 {
				utype(int64(sym.GetTlsDescAddr(ctx)) + A - P)
			}
		case R_RISCV_TLSDESC_LOAD_LO12, R_RISCV_TLSDESC_ADD_LO12, R_RISCV_TLSDESC_CALL:
			if removedBytes == 4 {
				break
			}
			j := findPairedReloc(ctx, isec, rels, sym, i, riscvIsHi20)
			rel2 := &rels[j]
			sym2 := isec.File.Symbols[rel2.Sym]
			S2 := int64(sym2.GetAddr(ctx, 0))
			A2 := rel2.Addend
			P2 := int64(isec.GetAddr() + rel2.Offset - getRDelta(isec.RDeltas, rel2.Offset))

			switch rel.Type {
			case R_RISCV_TLSDESC_LOAD_LO12:
				if sym2.HasTlsDesc(ctx) {
					writeItype(loc, uint32(int64(sym2.GetTlsDescAddr(ctx))+A2-P2))
				} else {
					put32(loc, 0x13) // nop
				}
			case R_RISCV_TLSDESC_ADD_LO12:
				switch {
				case sym2.HasTlsDesc(ctx):
					writeItype(loc, uint32(int64(sym2.GetTlsDescAddr(ctx))+A2-P2))
				case sym2.HasGotTp(ctx):
					put32(loc, 0x517) // auipc a0, <hi20>
					utype(int64(sym2.GetGotTpAddr(ctx)) + A2 - P)
				default:
					put32(loc, 0x537) // lui a0, <hi20>
					utype(S2 + A2 - int64(ctx.TpAddr))
				}
			case R_RISCV_TLSDESC_CALL:
				switch {
				case sym2.HasTlsDesc(ctx):
					// jalr stays.
				case sym2.HasGotTp(ctx):
					put32(loc, 0x53503) // ld a0, <lo12>(a0)
					writeItype(loc, uint32(int64(sym2.GetGotTpAddr(ctx))+A2-P))
				default:
					val := S2 + A2 - int64(ctx.TpAddr)
					if isInt(val, 12) {
						put32(loc, 0x513) // addi a0, zero, <lo12>
					} else {
						put32(loc, 0x50513) // addi a0, a0, <lo12>
					}
					writeItype(loc, uint32(val))
				}
			}
		case R_RISCV_ADD8:
			loc[0] += uint8(S + A)
		case R_RISCV_ADD16:
			le.PutUint16(loc, le.Uint16(loc)+uint16(S+A))
		case R_RISCV_ADD32:
			le.PutUint32(loc, le.Uint32(loc)+uint32(S+A))
		case R_RISCV_ADD64:
			le.PutUint64(loc, le.Uint64(loc)+uint64(S+A))
		case R_RISCV_SUB8:
			loc[0] -= uint8(S + A)
		case R_RISCV_SUB16:
			le.PutUint16(loc, le.Uint16(loc)-uint16(S+A))
		case R_RISCV_SUB32:
			le.PutUint32(loc, le.Uint32(loc)-uint32(S+A))
		case R_RISCV_SUB64:
			le.PutUint64(loc, le.Uint64(loc)-uint64(S+A))
		case R_RISCV_ALIGN:
			// Rewrite the whole NOP sequence; removal may have split a
			// 4-byte NOP otherwise.
			padding := rel.Addend - int64(removedBytes)
			var k int64
			for ; k <= padding-4; k += 4 {
				put32(loc[k:], 0x00000013) // nop
			}
			if k < padding {
				le.PutUint16(loc[k:], 0x0001) // c.nop
			}
		case R_RISCV_RVC_BRANCH:
			check(S+A-P, -(1 << 8), 1<<8)
			writeCbtype(loc, uint32(S+A-P))
		case R_RISCV_RVC_JUMP:
			check(S+A-P, -(1 << 11), 1<<11)
			writeCjtype(loc, uint32(S+A-P))
		case R_RISCV_SUB6:
			loc[0] = loc[0]&0b1100_0000 | (loc[0]-uint8(S+A))&0b0011_1111
		case R_RISCV_SET6:
			loc[0] = loc[0]&0b1100_0000 | uint8(S+A)&0b0011_1111
		case R_RISCV_SET8:
			loc[0] = uint8(S + A)
		case R_RISCV_SET16:
			le.PutUint16(loc, uint16(S+A))
		case R_RISCV_SET32:
			le.PutUint32(loc, uint32(S+A))
		case R_RISCV_PLT32, R_RISCV_32_PCREL:
			le.PutUint32(loc, uint32(S+A-P))
		case R_RISCV_SET_ULEB128:
			overwriteUleb(loc, uint64(S+A))
		case R_RISCV_SUB_ULEB128:
			overwriteUleb(loc, readUleb(loc)-uint64(S+A))
		}
	}
}

func (t *ArchRiscv64) ApplyRelocNonalloc(ctx *Context, isec *InputSection, buf []byte) {
	applyRelocNonallocGeneric(ctx, isec, buf, func(loc []byte, rel *ElfRel, val uint64) bool {
		le := binary.LittleEndian
		switch rel.Type {
		case R_RISCV_32:
			le.PutUint32(loc, uint32(val))
		case R_RISCV_64:
			le.PutUint64(loc, val)
		case R_RISCV_ADD8:
			loc[0] += uint8(val)
		case R_RISCV_ADD16:
			le.PutUint16(loc, le.Uint16(loc)+uint16(val))
		case R_RISCV_ADD32:
			le.PutUint32(loc, le.Uint32(loc)+uint32(val))
		case R_RISCV_ADD64:
			le.PutUint64(loc, le.Uint64(loc)+val)
		case R_RISCV_SUB8:
			loc[0] -= uint8(val)
		case R_RISCV_SUB16:
			le.PutUint16(loc, le.Uint16(loc)-uint16(val))
		case R_RISCV_SUB32:
			le.PutUint32(loc, le.Uint32(loc)-uint32(val))
		case R_RISCV_SUB64:
			le.PutUint64(loc, le.Uint64(loc)-val)
		case R_RISCV_SUB6:
			loc[0] = loc[0]&0b1100_0000 | (loc[0]-uint8(val))&0b0011_1111
		case R_RISCV_SET6:
			loc[0] = loc[0]&0b1100_0000 | uint8(val)&0b0011_1111
		case R_RISCV_SET8:
			loc[0] = uint8(val)
		case R_RISCV_SET16:
			le.PutUint16(loc, uint16(val))
		case R_RISCV_SET32:
			le.PutUint32(loc, uint32(val))
		case R_RISCV_SET_ULEB128:
			overwriteUleb(loc, val)
		case R_RISCV_SUB_ULEB128:
			overwriteUleb(loc, readUleb(loc)-val)
		default:
			return false
		}
		return true
	})
}

// ShrinkSection finds relaxable relocations and records the byte savings
// in r_deltas. Deleting is always safe because the compiler emitted the
// maximal sequence.
func (t *ArchRiscv64) ShrinkSection(ctx *Context, isec *InputSection, useRvc bool) {
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

		// R_RISCV_ALIGN is mandatory: the NOPs exist to be trimmed.
		if r.Type == R_RISCV_ALIGN {
			p := isec.GetAddr() + r.Offset - rDelta
			alignment := bitCeil(uint64(r.Addend))
			desired := alignTo(p, alignment)
			actual := p + uint64(r.Addend)
			if desired != actual {
				remove(r, actual-desired)
			}
			continue
		}

		if !ctx.Args.Relax || i == len(rels)-1 || rels[i+1].Type != R_RISCV_RELAX {
			continue
		}
		// Values of linker-synthesized symbols are not final yet.
		if sym.File() == &ctx.InternalObj.InputFile {
			continue
		}

		switch r.Type {
		case R_RISCV_CALL, R_RISCV_CALL_PLT:
			dist := computeDistance(ctx, sym, isec, r)
			if dist&1 != 0 {
				break
			}
			rd := getRd(buf[r.Offset+4:])
			if useRvc && rd == 0 && isInt(dist, 12) {
				// c.j saves 6 bytes.
				remove(r, 6)
			} else if isInt(dist, 21) {
				// jal saves 4.
				remove(r, 4)
			}
		case R_RISCV_GOT_HI20:
			if sym.IsAbsolute() && riscvIsGotLoadPair(isec, rels, i) {
				val := sym.GetAddr(ctx, 0) + uint64(r.Addend)
				if useRvc && isInt(int64(val), 6) && getRd(buf[r.Offset:]) != 0 {
					remove(r, 6)
				} else if isInt(int64(val), 12) {
					remove(r, 4)
				}
			}
		case R_RISCV_HI20:
			val := int64(sym.GetAddr(ctx, 0)) + r.Addend
			rd := getRd(buf[r.Offset:])
			if isInt(val, 12) {
				// The LUI is redundant; LO12 reaches from x0.
				remove(r, 4)
			} else if useRvc && rd != 0 && rd != 2 && isInt(val+0x800, 18) {
				// LUI -> C.LUI.
				remove(r, 2)
			}
		case R_RISCV_TPREL_HI20, R_RISCV_TPREL_ADD:
			if val := int64(sym.GetAddr(ctx, 0)) + r.Addend - int64(ctx.TpAddr); isInt(val, 12) {
				remove(r, 4)
			}
		case R_RISCV_TLSDESC_HI20:
			if !sym.HasTlsDesc(ctx) {
				remove(r, 4)
			}
		case R_RISCV_TLSDESC_LOAD_LO12, R_RISCV_TLSDESC_ADD_LO12:
			j := findPairedReloc(ctx, isec, rels, sym, i, riscvIsHi20)
			sym2 := isec.File.Symbols[rels[j].Sym]
			if r.Type == R_RISCV_TLSDESC_LOAD_LO12 {
				if !sym2.HasTlsDesc(ctx) {
					remove(r, 4)
				}
			} else if !sym2.HasTlsDesc(ctx) && !sym2.HasGotTp(ctx) {
				if val := int64(sym2.GetAddr(ctx, 0)) + rels[j].Addend - int64(ctx.TpAddr); isInt(val, 12) {
					remove(r, 4)
				}
			}
		}
	}

	isec.RDeltas = deltas
	isec.ShSize -= rDelta
}
