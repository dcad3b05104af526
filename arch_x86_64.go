package main

import "encoding/binary"

// x86-64 psABI. Variable-length instructions and 32-bit immediates make
// this the simplest target: no thunks, no relaxation pass; the only
// instruction rewrites are the TLS model transitions and GOTPCRELX
// load folding.

const (
	R_X86_64_NONE            = 0
	R_X86_64_64              = 1
	R_X86_64_PC32            = 2
	R_X86_64_GOT32           = 3
	R_X86_64_PLT32           = 4
	R_X86_64_COPY            = 5
	R_X86_64_GLOB_DAT        = 6
	R_X86_64_JUMP_SLOT       = 7
	R_X86_64_RELATIVE        = 8
	R_X86_64_GOTPCREL        = 9
	R_X86_64_32              = 10
	R_X86_64_32S             = 11
	R_X86_64_16              = 12
	R_X86_64_PC16            = 13
	R_X86_64_8               = 14
	R_X86_64_PC8             = 15
	R_X86_64_DTPMOD64        = 16
	R_X86_64_DTPOFF64        = 17
	R_X86_64_TPOFF64         = 18
	R_X86_64_TLSGD           = 19
	R_X86_64_TLSLD           = 20
	R_X86_64_DTPOFF32        = 21
	R_X86_64_GOTTPOFF        = 22
	R_X86_64_TPOFF32         = 23
	R_X86_64_PC64            = 24
	R_X86_64_GOTOFF64        = 25
	R_X86_64_GOTPC32         = 26
	R_X86_64_SIZE32          = 32
	R_X86_64_SIZE64          = 33
	R_X86_64_GOTPC32_TLSDESC = 34
	R_X86_64_TLSDESC_CALL    = 35
	R_X86_64_TLSDESC         = 36
	R_X86_64_IRELATIVE       = 37
	R_X86_64_GOTPCRELX       = 41
	R_X86_64_REX_GOTPCRELX   = 42
)

type ArchX8664 struct {
	targetBase
}

func newArchX8664() *ArchX8664 {
	t := &ArchX8664{targetBase{
		name:           "x86_64",
		machine:        EM_X86_64,
		is64:           true,
		bo:             binary.LittleEndian,
		pageSize:       4096,
		branchDistance: 0,
		pltHdr:         16,
		pltEnt:         16,
		pltGotEnt:      8,
		rRelative:      R_X86_64_RELATIVE,
		rIRelative:     R_X86_64_IRELATIVE,
		rGlobDat:       R_X86_64_GLOB_DAT,
		rJumpSlot:      R_X86_64_JUMP_SLOT,
		rCopy:          R_X86_64_COPY,
		rAbs:           R_X86_64_64,
		rDtpmod:        R_X86_64_DTPMOD64,
		rDtpoff:        R_X86_64_DTPOFF64,
		rTpoff:         R_X86_64_TPOFF64,
		rTlsdesc:       R_X86_64_TLSDESC,
		relocNames: map[uint32]string{
			R_X86_64_64: "R_X86_64_64", R_X86_64_PC32: "R_X86_64_PC32",
			R_X86_64_PLT32: "R_X86_64_PLT32", R_X86_64_32: "R_X86_64_32",
			R_X86_64_32S: "R_X86_64_32S", R_X86_64_GOTPCREL: "R_X86_64_GOTPCREL",
			R_X86_64_GOTPCRELX: "R_X86_64_GOTPCRELX", R_X86_64_REX_GOTPCRELX: "R_X86_64_REX_GOTPCRELX",
			R_X86_64_TLSGD: "R_X86_64_TLSGD", R_X86_64_TLSLD: "R_X86_64_TLSLD",
			R_X86_64_GOTTPOFF: "R_X86_64_GOTTPOFF", R_X86_64_TPOFF32: "R_X86_64_TPOFF32",
			R_X86_64_GOTPC32_TLSDESC: "R_X86_64_GOTPC32_TLSDESC",
			R_X86_64_TLSDESC_CALL:    "R_X86_64_TLSDESC_CALL",
		},
	}}
	return t
}

func (t *ArchX8664) IsFuncCallRel(rel *ElfRel) bool {
	return rel.Type == R_X86_64_PLT32 || rel.Type == R_X86_64_PC32
}

// PLT header: push GOT[1]; jmp *GOT[2]. The same shape flapc emits.
func (t *ArchX8664) WritePltHeader(ctx *Context, buf []byte) {
	gotplt := ctx.GotPlt.Shdr().Addr
	plt := ctx.Plt.Shdr().Addr

	buf[0], buf[1] = 0xff, 0x35 // pushq GOT[1](%rip)
	binary.LittleEndian.PutUint32(buf[2:], uint32(gotplt+8-plt-6))
	buf[6], buf[7] = 0xff, 0x25 // jmpq *GOT[2](%rip)
	binary.LittleEndian.PutUint32(buf[8:], uint32(gotplt+16-plt-12))
	copy(buf[12:], []byte{0x0f, 0x1f, 0x40, 0x00}) // nop
}

func (t *ArchX8664) WritePltEntry(ctx *Context, buf []byte, sym *Symbol) {
	gotplt := sym.GetGotPltAddr(ctx)
	plt := sym.GetPltAddr(ctx)

	buf[0], buf[1] = 0xff, 0x25 // jmpq *foo@GOTPLT(%rip)
	binary.LittleEndian.PutUint32(buf[2:], uint32(gotplt-plt-6))
	buf[6] = 0x68 // pushq $index
	binary.LittleEndian.PutUint32(buf[7:], uint32(sym.aux(ctx).PltIdx))
	buf[11] = 0xe9 // jmpq PLT[0]
	binary.LittleEndian.PutUint32(buf[12:], uint32(ctx.Plt.Shdr().Addr-plt-16))
}

func (t *ArchX8664) WritePltGotEntry(ctx *Context, buf []byte, sym *Symbol) {
	got := sym.GetGotAddr(ctx)
	plt := sym.GetPltAddr(ctx)
	buf[0], buf[1] = 0xff, 0x25 // jmpq *foo@GOT(%rip)
	binary.LittleEndian.PutUint32(buf[2:], uint32(got-plt-6))
	buf[6], buf[7] = 0x66, 0x90 // padding
}

// A fresh .got.plt slot points past the entry's jmp so the first call
// falls into the push/jmp pair.
func (t *ArchX8664) GotPltEntryInit(ctx *Context, sym *Symbol) uint64 {
	return sym.GetPltAddr(ctx) + 6
}

func (t *ArchX8664) ApplyEhReloc(ctx *Context, rel ElfRel, loc uint64, b []byte, val uint64) {
	switch rel.Type {
	case R_X86_64_NONE:
	case R_X86_64_32:
		binary.LittleEndian.PutUint32(b, uint32(val))
	case R_X86_64_64:
		binary.LittleEndian.PutUint64(b, val)
	case R_X86_64_PC32:
		binary.LittleEndian.PutUint32(b, uint32(val-loc))
	case R_X86_64_PC64:
		binary.LittleEndian.PutUint64(b, val-loc)
	default:
		ctx.Errorf(".eh_frame: unsupported relocation %s", t.RelocName(rel.Type))
	}
}

func (t *ArchX8664) ScanRelocs(ctx *Context, isec *InputSection) {
	rels := isec.Rels(ctx)
	for i := range rels {
		rel := &rels[i]
		if rel.Type == R_X86_64_NONE {
			continue
		}
		if isec.RecordUndefError(ctx, rel) {
			continue
		}
		sym := isec.File.Symbols[rel.Sym]

		switch rel.Type {
		case R_X86_64_64:
			isec.ScanAbsrelWord(ctx, sym, rel, i)
		case R_X86_64_8, R_X86_64_16, R_X86_64_32, R_X86_64_32S:
			isec.ScanAbsrel(ctx, sym, rel, i)
		case R_X86_64_PC8, R_X86_64_PC16, R_X86_64_PC32, R_X86_64_PC64:
			isec.ScanPcrel(ctx, sym, rel, i)
		case R_X86_64_PLT32:
			if sym.IsImported || sym.IsIfunc() {
				sym.Demand(NeedsPlt)
			}
		case R_X86_64_GOT32, R_X86_64_GOTPCREL, R_X86_64_GOTPC32, R_X86_64_GOTOFF64:
			sym.Demand(NeedsGot)
		case R_X86_64_GOTPCRELX, R_X86_64_REX_GOTPCRELX:
			// The GOT load can be folded to a lea/direct operand when
			// the value is a link-time constant, but a GOT slot is
			// still demanded for the unfoldable cases.
			if !ctx.Args.Relax || sym.IsImported || sym.IsIfunc() {
				sym.Demand(NeedsGot)
			}
		case R_X86_64_TLSGD:
			if ctx.IsStatic() || (ctx.Args.Relax && sym.isTprelLinktimeConst(ctx)) {
				// GD -> LE; the pair of relocations is rewritten.
			} else if ctx.Args.Relax && sym.isTprelRuntimeConst(ctx) {
				sym.Demand(NeedsGotTp)
			} else {
				sym.Demand(NeedsTlsGd)
			}
		case R_X86_64_TLSLD:
			if ctx.IsStatic() || ctx.Args.Relax && !ctx.Args.Shared {
				// LD -> LE
			} else {
				ctx.NeedsTlsld.Store(true)
			}
		case R_X86_64_GOTTPOFF:
			if !(ctx.Args.Relax && sym.isTprelLinktimeConst(ctx)) {
				sym.Demand(NeedsGotTp)
			}
		case R_X86_64_GOTPC32_TLSDESC:
			isec.ScanTlsdesc(ctx, sym)
		case R_X86_64_TPOFF32:
			isec.CheckTlsle(ctx, sym, rel)
		case R_X86_64_DTPOFF32, R_X86_64_DTPOFF64, R_X86_64_SIZE32, R_X86_64_SIZE64,
			R_X86_64_TLSDESC_CALL:
		default:
			ctx.Errorf("%s: unknown relocation: %s", isec, t.RelocName(rel.Type))
		}
	}
}

func (t *ArchX8664) ApplyRelocAlloc(ctx *Context, isec *InputSection, buf []byte) {
	rels := isec.Rels(ctx)
	le := binary.LittleEndian
	absCursor := 0
	dynCursor := 0

	for i := 0; i < len(rels); i++ {
		rel := &rels[i]
		if rel.Type == R_X86_64_NONE {
			continue
		}
		sym := isec.File.Symbols[rel.Sym]
		off := rel.Offset
		loc := buf[off:]

		S := int64(sym.GetAddr(ctx, 0))
		A := rel.Addend
		P := int64(isec.GetAddr() + rel.Offset)
		G := func() int64 { return int64(sym.GetGotAddr(ctx)) }
		GOT := int64(ctx.Got.Shdr().Addr)

		check := func(val, lo, hi int64) {
			ctx.checkRange(isec, rel, sym, val, lo, hi)
		}

		switch rel.Type {
		case R_X86_64_64:
			t.applyAbsRel(ctx, isec, sym, rel, loc, &absCursor, &dynCursor, S+A)
		case R_X86_64_8:
			check(S+A, 0, 1<<8)
			loc[0] = uint8(S + A)
		case R_X86_64_16:
			check(S+A, 0, 1<<16)
			le.PutUint16(loc, uint16(S+A))
		case R_X86_64_32:
			check(S+A, 0, 1<<32)
			le.PutUint32(loc, uint32(S+A))
		case R_X86_64_32S:
			check(S+A, -1<<31, 1<<31)
			le.PutUint32(loc, uint32(S+A))
		case R_X86_64_PC8:
			check(S+A-P, -1<<7, 1<<7)
			loc[0] = uint8(S + A - P)
		case R_X86_64_PC16:
			check(S+A-P, -1<<15, 1<<15)
			le.PutUint16(loc, uint16(S+A-P))
		case R_X86_64_PC32, R_X86_64_PLT32:
			le.PutUint32(loc, uint32(S+A-P))
		case R_X86_64_PC64:
			le.PutUint64(loc, uint64(S+A-P))
		case R_X86_64_GOT32:
			le.PutUint32(loc, uint32(G()-GOT+A))
		case R_X86_64_GOTOFF64:
			le.PutUint64(loc, uint64(S+A-GOT))
		case R_X86_64_GOTPC32:
			le.PutUint32(loc, uint32(GOT+A-P))
		case R_X86_64_GOTPCREL:
			le.PutUint32(loc, uint32(G()+A-P))
		case R_X86_64_GOTPCRELX, R_X86_64_REX_GOTPCRELX:
			if !sym.HasGot(ctx) {
				// The slot was elided; rewrite "mov foo@GOT(%rip), %reg"
				// into "lea foo(%rip), %reg".
				if buf[off-2] == 0x8b {
					buf[off-2] = 0x8d
				}
				le.PutUint32(loc, uint32(S+A-P))
			} else {
				le.PutUint32(loc, uint32(G()+A-P))
			}
		case R_X86_64_SIZE32:
			le.PutUint32(loc, uint32(int64(symSize(sym))+A))
		case R_X86_64_SIZE64:
			le.PutUint64(loc, uint64(int64(symSize(sym))+A))
		case R_X86_64_TLSGD:
			if sym.HasTlsGd(ctx) {
				le.PutUint32(loc, uint32(int64(sym.GetTlsGdAddr(ctx))+A-P))
			} else {
				// GD -> IE or GD -> LE consumes the following PLT32
				// relocation against __tls_get_addr.
				if sym.HasGotTp(ctx) {
					// mov %fs:0, %rax; add foo@GOTTPOFF(%rip), %rax
					copy(buf[off-4:], []byte{
						0x64, 0x48, 0x8b, 0x04, 0x25, 0x00, 0x00, 0x00, 0x00,
						0x48, 0x03, 0x05, 0, 0, 0, 0,
					})
					le.PutUint32(buf[off+8:], uint32(int64(sym.GetGotTpAddr(ctx))+A-P-12))
				} else {
					// mov %fs:0, %rax; lea foo@TPOFF(%rax), %rax
					copy(buf[off-4:], []byte{
						0x64, 0x48, 0x8b, 0x04, 0x25, 0x00, 0x00, 0x00, 0x00,
						0x48, 0x8d, 0x80, 0, 0, 0, 0,
					})
					le.PutUint32(buf[off+8:], uint32(S-int64(ctx.TpAddr)))
				}
				i++
			}
		case R_X86_64_TLSLD:
			if ctx.Got.TlsLdIdx != -1 {
				le.PutUint32(loc, uint32(int64(ctx.Got.TlsLdAddr(ctx))+A-P))
			} else {
				// LD -> LE: mov %fs:0, %rax (+ padding to cover the
				// call to __tls_get_addr that follows).
				copy(buf[off-3:], []byte{
					0x66, 0x66, 0x66, 0x64, 0x48, 0x8b, 0x04, 0x25,
					0x00, 0x00, 0x00, 0x00,
				})
				i++
			}
		case R_X86_64_DTPOFF32:
			le.PutUint32(loc, uint32(S+A-int64(ctx.DtpAddr)))
		case R_X86_64_DTPOFF64:
			le.PutUint64(loc, uint64(S+A-int64(ctx.DtpAddr)))
		case R_X86_64_GOTTPOFF:
			if sym.HasGotTp(ctx) {
				le.PutUint32(loc, uint32(int64(sym.GetGotTpAddr(ctx))+A-P))
			} else {
				// IE -> LE: rewrite "mov foo@GOTTPOFF(%rip), %reg" into
				// "mov $foo@TPOFF, %reg".
				relaxGottpoff(buf, off)
				le.PutUint32(loc, uint32(S-int64(ctx.TpAddr)))
			}
		case R_X86_64_TPOFF32:
			check(S+A-int64(ctx.TpAddr), -1<<31, 1<<31)
			le.PutUint32(loc, uint32(S+A-int64(ctx.TpAddr)))
		case R_X86_64_TPOFF64:
			le.PutUint64(loc, uint64(S+A-int64(ctx.TpAddr)))
		case R_X86_64_GOTPC32_TLSDESC:
			if sym.HasTlsDesc(ctx) {
				le.PutUint32(loc, uint32(int64(sym.GetTlsDescAddr(ctx))+A-P))
			} else if sym.HasGotTp(ctx) {
				// TLSDESC -> IE: lea -> mov load of the TP offset.
				buf[off-2] = 0x8b
				le.PutUint32(loc, uint32(int64(sym.GetGotTpAddr(ctx))+A-P))
			} else {
				// TLSDESC -> LE: lea -> mov immediate.
				buf[off-3] = 0x48
				buf[off-2] = 0xc7
				buf[off-1] = 0xc0
				le.PutUint32(loc, uint32(S-int64(ctx.TpAddr)))
			}
		case R_X86_64_TLSDESC_CALL:
			if !sym.HasTlsDesc(ctx) {
				// call *(%rax) -> nop
				loc[0] = 0x66
				loc[1] = 0x90
			}
		}
	}
}

// relaxGottpoff rewrites the IE GOT load into an immediate move,
// preserving the destination register encoded in the REX prefix and
// modrm byte.
func relaxGottpoff(buf []byte, off uint64) {
	// 48 8b 05 -> 48 c7 c0 (mov $imm32, %reg), adjusting REX.B from
	// REX.R since the register moves from reg to r/m.
	rex := buf[off-3]
	modrm := buf[off-1]
	reg := (modrm >> 3) & 7
	buf[off-3] = (rex &^ 0x4) | (rex>>2)&1
	buf[off-2] = 0xc7
	buf[off-1] = 0xc0 | reg
}

func symSize(sym *Symbol) uint64 {
	if e := sym.Esym(); e != nil {
		return e.Size
	}
	return 0
}

// applyAbsRel handles a word-size absolute relocation per the scan
// pass's verdict.
func (t *ArchX8664) applyAbsRel(ctx *Context, isec *InputSection, sym *Symbol, rel *ElfRel, loc []byte, absCursor, dynCursor *int, val int64) {
	applyAbsRelGeneric(ctx, isec, sym, rel, loc, absCursor, dynCursor, val)
}

func (t *ArchX8664) ApplyRelocNonalloc(ctx *Context, isec *InputSection, buf []byte) {
	applyRelocNonallocGeneric(ctx, isec, buf, func(loc []byte, rel *ElfRel, val uint64) bool {
		le := binary.LittleEndian
		switch rel.Type {
		case R_X86_64_32:
			le.PutUint32(loc, uint32(val))
		case R_X86_64_64:
			le.PutUint64(loc, val)
		case R_X86_64_PC32:
			le.PutUint32(loc, uint32(val))
		case R_X86_64_DTPOFF32:
			le.PutUint32(loc, uint32(val-ctx.DtpAddr))
		case R_X86_64_DTPOFF64:
			le.PutUint64(loc, val-ctx.DtpAddr)
		default:
			return false
		}
		return true
	})
}
