package main

import (
	"encoding/binary"
	"fmt"
)

// Target is the per-psABI surface: wire format, relocation numbers and
// names, PLT shapes, the scan and apply passes, and (where applicable)
// thunk generation or section shrinking. Exactly one Target is active per
// link; the driver is generic over this interface.
type Target interface {
	Name() string
	Machine() uint16
	Is64() bool
	ByteOrder() binary.ByteOrder
	PageSize() uint64
	WordSize() int
	EFlags(ctx *Context) uint32

	// Dynamic relocation numbers.
	RRelative() uint32
	RIRelative() uint32
	RGlobDat() uint32
	RJumpSlot() uint32
	RCopy() uint32
	RAbs() uint32
	RDtpmod() uint32
	RDtpoff() uint32
	RTpoff() uint32
	RTlsdesc() uint32

	RelocName(typ uint32) string
	IsFuncCallRel(rel *ElfRel) bool

	PltHdrSize() int
	PltEntrySize() int
	PltGotEntrySize() int
	GotPltEntryInit(ctx *Context, sym *Symbol) uint64
	WritePltHeader(ctx *Context, buf []byte)
	WritePltEntry(ctx *Context, buf []byte, sym *Symbol)
	WritePltGotEntry(ctx *Context, buf []byte, sym *Symbol)

	ScanRelocs(ctx *Context, isec *InputSection)
	ApplyRelocAlloc(ctx *Context, isec *InputSection, buf []byte)
	ApplyRelocNonalloc(ctx *Context, isec *InputSection, buf []byte)
	ApplyEhReloc(ctx *Context, rel ElfRel, loc uint64, b []byte, val uint64)

	// BranchDistance is non-zero for targets that need range extension
	// thunks.
	BranchDistance() int64
	// FinalizeThunk assigns per-entry offsets and returns the thunk's
	// total size. The first pass has no addresses yet and must be
	// pessimistic.
	FinalizeThunk(ctx *Context, t *Thunk, firstPass bool) uint64
	WriteThunk(ctx *Context, t *Thunk)
	// NeedsThunkShim forces a call through a thunk even when in range
	// (PPC64 TOC interworking).
	NeedsThunkShim(ctx *Context, sym *Symbol, rel *ElfRel) bool

	// SupportsShrinking is true for targets with linker relaxation
	// (RISC-V, LoongArch).
	SupportsShrinking() bool
	ShrinkSection(ctx *Context, isec *InputSection, useCompact bool)
}

// targetBase provides the data-driven part of a Target.
type targetBase struct {
	name     string
	machine  uint16
	is64     bool
	bo       binary.ByteOrder
	pageSize uint64

	branchDistance int64

	pltHdr, pltEnt, pltGotEnt int

	rRelative, rIRelative, rGlobDat, rJumpSlot, rCopy uint32
	rAbs, rDtpmod, rDtpoff, rTpoff, rTlsdesc          uint32

	relocNames map[uint32]string
}

func (t *targetBase) Name() string                { return t.name }
func (t *targetBase) Machine() uint16             { return t.machine }
func (t *targetBase) Is64() bool                  { return t.is64 }
func (t *targetBase) ByteOrder() binary.ByteOrder { return t.bo }
func (t *targetBase) PageSize() uint64            { return t.pageSize }
func (t *targetBase) EFlags(*Context) uint32      { return 0 }

func (t *targetBase) WordSize() int {
	if t.is64 {
		return 8
	}
	return 4
}

func (t *targetBase) RRelative() uint32  { return t.rRelative }
func (t *targetBase) RIRelative() uint32 { return t.rIRelative }
func (t *targetBase) RGlobDat() uint32   { return t.rGlobDat }
func (t *targetBase) RJumpSlot() uint32  { return t.rJumpSlot }
func (t *targetBase) RCopy() uint32      { return t.rCopy }
func (t *targetBase) RAbs() uint32       { return t.rAbs }
func (t *targetBase) RDtpmod() uint32    { return t.rDtpmod }
func (t *targetBase) RDtpoff() uint32    { return t.rDtpoff }
func (t *targetBase) RTpoff() uint32     { return t.rTpoff }
func (t *targetBase) RTlsdesc() uint32   { return t.rTlsdesc }

func (t *targetBase) RelocName(typ uint32) string {
	if name, ok := t.relocNames[typ]; ok {
		return name
	}
	return fmt.Sprintf("reloc_%d", typ)
}

func (t *targetBase) PltHdrSize() int      { return t.pltHdr }
func (t *targetBase) PltEntrySize() int    { return t.pltEnt }
func (t *targetBase) PltGotEntrySize() int { return t.pltGotEnt }

// By default a fresh .got.plt slot points at the PLT header so the first
// call goes through the resolver.
func (t *targetBase) GotPltEntryInit(ctx *Context, sym *Symbol) uint64 {
	return ctx.Plt.Shdr().Addr
}

func (t *targetBase) BranchDistance() int64                            { return t.branchDistance }
func (t *targetBase) FinalizeThunk(*Context, *Thunk, bool) uint64      { return 0 }
func (t *targetBase) WriteThunk(*Context, *Thunk)                      {}
func (t *targetBase) NeedsThunkShim(*Context, *Symbol, *ElfRel) bool   { return false }
func (t *targetBase) SupportsShrinking() bool                          { return false }
func (t *targetBase) ShrinkSection(*Context, *InputSection, bool)      {}

func isLittleEndian(bo binary.ByteOrder) bool {
	return bo == binary.ByteOrder(binary.LittleEndian)
}

// targets is the closed set of supported psABIs, keyed by emulation name.
var targets = map[string]Target{}

func registerTarget(emulations []string, t Target) {
	for _, e := range emulations {
		targets[e] = t
	}
}

// GetTargetByName resolves a -m emulation.
func GetTargetByName(name string) (Target, bool) {
	t, ok := targets[name]
	return t, ok
}

// GetTargetByMachine resolves a target from a file header.
func GetTargetByMachine(machine uint16, is64, little bool) (Target, bool) {
	for _, t := range targets {
		if t.Machine() == machine && t.Is64() == is64 &&
			isLittleEndian(t.ByteOrder()) == little {
			return t, true
		}
	}
	return nil, false
}

// checkRange reports a relocation overflow.
func (ctx *Context) checkRange(isec *InputSection, rel *ElfRel, sym *Symbol, val, lo, hi int64) {
	ctx.recordRangeStat(isec, rel, val, lo, hi)
	if val < lo || hi <= val {
		ctx.Errorf("%s: relocation %s against %s out of range: %d is not in [%d, %d)",
			isec, ctx.Target.RelocName(rel.Type), sym.Name, val, lo, hi)
	}
}

// rangeStat records the observed value interval of one range check
// (--stats).
type rangeStat struct {
	section string
	relType uint32
	val     int64
	lo, hi  int64
}

func (ctx *Context) recordRangeStat(isec *InputSection, rel *ElfRel, val, lo, hi int64) {
	if !ctx.Args.Stats {
		return
	}
	key := isec.OutputSection
	v, _ := ctx.relocStats.LoadOrStore(key, &[]rangeStat{})
	stats := v.(*[]rangeStat)
	// Apply runs one goroutine per input section; contention is on the
	// output section, so keep this append under a coarse lock.
	ctx.undefMu.Lock()
	*stats = append(*stats, rangeStat{isec.Name(), rel.Type, val, lo, hi})
	ctx.undefMu.Unlock()
}
