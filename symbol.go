package main

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Demand bits set during the relocation scan pass. They are OR'ed into
// Symbol.flags atomically and consumed (then cleared) by the serial
// aggregation step in scanRelocations.
const (
	NeedsGot uint32 = 1 << iota
	NeedsPlt
	NeedsCplt
	NeedsCopyrel
	NeedsGotTp
	NeedsTlsGd
	NeedsTlsDesc
	NeedsPpcOpd
)

// noAux marks a symbol without side-table entries.
const noAux int32 = -1

// SymbolAux holds the side-table indices for symbols that need GOT, PLT or
// dynamic-symbol entries. Kept out of Symbol itself because only a small
// fraction of symbols ever need one.
type SymbolAux struct {
	GotIdx     int32
	GotPltIdx  int32
	PltIdx     int32
	PltGotIdx  int32
	DynsymIdx  int32
	GotTpIdx   int32
	TlsGdIdx   int32
	TlsDescIdx int32
	OpdIdx     int32
	DjbHash    uint32
	ThunkAddrs []uint64
}

func newSymbolAux() SymbolAux {
	return SymbolAux{
		GotIdx: -1, GotPltIdx: -1, PltIdx: -1, PltGotIdx: -1,
		DynsymIdx: -1, GotTpIdx: -1, TlsGdIdx: -1, TlsDescIdx: -1, OpdIdx: -1,
	}
}

// maxRank sorts below any real definition.
const maxRank uint64 = ^uint64(0)

// Symbol is an interned global (or file-local) symbol. One Symbol object
// exists per name for the whole link; resolution decides which input file
// owns it.
type Symbol struct {
	Name string

	// Owner file. Written with release semantics during resolution so a
	// concurrent reader sees either the previous or the new owner.
	file atomic.Pointer[InputFile]

	// Guards late-stage updates (claim-unresolved, weakness folding) and
	// the non-atomic fields below during resolution.
	mu sync.Mutex

	// Resolution rank of the current owner; lower wins (see symbolRank).
	rank uint64

	// Value is relative to the origin until the layout is finalized.
	Value int64

	// Index of the defining entry in the owner's ElfSyms, or -1.
	SymIdx int32

	// Index into Context.SymbolAux, or noAux.
	Aux int32

	VerIdx uint32

	// Origin. At most one of these is set; all nil means absolute.
	Isec     *InputSection
	Frag     *Fragment
	OutChunk Chunk

	flags atomic.Uint32

	Visibility uint8
	IsWeak     bool
	IsImported bool
	IsExported bool

	IsCanonical bool // has a canonical PLT
	IsWrapped   bool // --wrap
	IsTraced    bool // --trace-symbol
	GCRoot      bool

	// Monotonic restart bits for the resolution fixed point.
	SkipDSO atomic.Bool

	// Dedup flag used while collecting thunk symbols.
	ThunkFlag atomic.Bool

	// True if the symbol's address is observable (for ICF and for
	// canonical-PLT decisions).
	AddressTaken bool
}

// File returns the current owner, with acquire semantics.
func (sym *Symbol) File() *InputFile {
	return sym.file.Load()
}

func (sym *Symbol) setFile(f *InputFile) {
	sym.file.Store(f)
}

// Esym returns the defining ELF symbol entry in the owner file, or nil for
// synthesized and unresolved symbols.
func (sym *Symbol) Esym() *ESym {
	f := sym.File()
	if f == nil || sym.SymIdx < 0 || int(sym.SymIdx) >= len(f.ElfSyms) {
		return nil
	}
	return &f.ElfSyms[sym.SymIdx]
}

func (sym *Symbol) Type() uint8 {
	if e := sym.Esym(); e != nil {
		return e.Type()
	}
	return STT_NOTYPE
}

// IsIfunc reports whether the symbol resolves to a GNU indirect function
// defined in one of our objects.
func (sym *Symbol) IsIfunc() bool {
	f := sym.File()
	return f != nil && !f.IsDSO && sym.Type() == STT_GNU_IFUNC
}

// IsAbsolute reports whether the symbol is not defined relative to any
// section or fragment.
func (sym *Symbol) IsAbsolute() bool {
	f := sym.File()
	if f != nil && f.IsDSO {
		return false
	}
	if sym.IsImported {
		return false
	}
	return sym.Isec == nil && sym.Frag == nil && sym.OutChunk == nil
}

func (sym *Symbol) IsLocal(ctx *Context) bool {
	return !sym.IsImported && !sym.IsExported
}

func (sym *Symbol) IsRemaining() bool {
	e := sym.Esym()
	return e != nil && e.IsUndef()
}

// ClearDemand resets the demand bits.
func (sym *Symbol) ClearDemand() { sym.flags.Store(0) }

// Demand ORs demand bits in; safe to call from the parallel scan pass.
func (sym *Symbol) Demand(f uint32) { sym.flags.Or(f) }

func (sym *Symbol) DemandBits() uint32 { return sym.flags.Load() }

func (sym *Symbol) aux(ctx *Context) *SymbolAux {
	if sym.Aux == noAux {
		return nil
	}
	return &ctx.SymbolAux[sym.Aux]
}

// AddAux allocates a side-table slot. Called from the serial aggregation
// step only.
func (sym *Symbol) AddAux(ctx *Context) {
	if sym.Aux == noAux {
		sym.Aux = int32(len(ctx.SymbolAux))
		ctx.SymbolAux = append(ctx.SymbolAux, newSymbolAux())
	}
}

func (sym *Symbol) GotIdx(ctx *Context) int32 {
	if a := sym.aux(ctx); a != nil {
		return a.GotIdx
	}
	return -1
}

func (sym *Symbol) HasGot(ctx *Context) bool     { return sym.GotIdx(ctx) != -1 }
func (sym *Symbol) HasGotTp(ctx *Context) bool   { a := sym.aux(ctx); return a != nil && a.GotTpIdx != -1 }
func (sym *Symbol) HasTlsGd(ctx *Context) bool   { a := sym.aux(ctx); return a != nil && a.TlsGdIdx != -1 }
func (sym *Symbol) HasTlsDesc(ctx *Context) bool { a := sym.aux(ctx); return a != nil && a.TlsDescIdx != -1 }

func (sym *Symbol) HasPlt(ctx *Context) bool {
	a := sym.aux(ctx)
	return a != nil && (a.PltIdx != -1 || a.PltGotIdx != -1)
}

func (sym *Symbol) DynsymIdx(ctx *Context) int32 {
	if a := sym.aux(ctx); a != nil {
		return a.DynsymIdx
	}
	return -1
}

// Address-computation flags.
const addrNoPlt = 1

// GetAddr returns the symbol's output address once the layout is fixed.
func (sym *Symbol) GetAddr(ctx *Context, opts int) uint64 {
	if sym.Frag != nil {
		if !sym.Frag.IsAlive {
			// The referenced fragment was deduplicated away together with
			// its section group; the relocation consumer substitutes a
			// tombstone.
			return 0
		}
		return sym.Frag.GetAddr(ctx) + uint64(sym.Value)
	}

	if sym.HasPlt(ctx) && opts&addrNoPlt == 0 {
		if sym.IsImported || sym.Type() == STT_GNU_IFUNC {
			// An ifunc address always points to its PLT entry so that
			// pointer equality holds across DSOs.
			return sym.GetPltAddr(ctx)
		}
	}

	if isec := sym.Isec; isec != nil {
		if !isec.IsAlive.Load() {
			// Referring to a dead section. This happens for symbols in
			// discarded COMDAT groups.
			return 0
		}
		return isec.GetAddr() + uint64(sym.Value)
	}

	if sym.OutChunk != nil {
		return sym.OutChunk.Shdr().Addr + uint64(sym.Value)
	}
	return uint64(sym.Value)
}

func (sym *Symbol) GetGotAddr(ctx *Context) uint64 {
	return ctx.Got.Shdr().Addr + uint64(sym.aux(ctx).GotIdx)*uint64(ctx.Target.WordSize())
}

func (sym *Symbol) GetGotPltAddr(ctx *Context) uint64 {
	return ctx.GotPlt.Shdr().Addr + uint64(sym.aux(ctx).GotPltIdx)*uint64(ctx.Target.WordSize())
}

func (sym *Symbol) GetGotTpAddr(ctx *Context) uint64 {
	return ctx.Got.Shdr().Addr + uint64(sym.aux(ctx).GotTpIdx)*uint64(ctx.Target.WordSize())
}

func (sym *Symbol) GetTlsGdAddr(ctx *Context) uint64 {
	return ctx.Got.Shdr().Addr + uint64(sym.aux(ctx).TlsGdIdx)*uint64(ctx.Target.WordSize())
}

func (sym *Symbol) GetTlsDescAddr(ctx *Context) uint64 {
	return ctx.Got.Shdr().Addr + uint64(sym.aux(ctx).TlsDescIdx)*uint64(ctx.Target.WordSize())
}

func (sym *Symbol) GetPltAddr(ctx *Context) uint64 {
	a := sym.aux(ctx)
	if a.PltIdx != -1 {
		return ctx.Plt.Shdr().Addr + uint64(ctx.Target.PltHdrSize()) +
			uint64(a.PltIdx)*uint64(ctx.Target.PltEntrySize())
	}
	return ctx.PltGot.Shdr().Addr + uint64(a.PltGotIdx)*uint64(ctx.Target.PltGotEntrySize())
}

// GetThunkAddr returns the address of a range-extension thunk entry for
// sym that is reachable from address p.
func (sym *Symbol) GetThunkAddr(ctx *Context, p uint64) uint64 {
	branch := uint64(ctx.Target.BranchDistance())
	addrs := sym.aux(ctx).ThunkAddrs

	lo := uint64(0)
	if p > branch {
		lo = p - branch
	}
	i := sort.Search(len(addrs), func(i int) bool { return addrs[i] >= lo })
	if i == len(addrs) || addrs[i] >= p+branch {
		ctx.Errorf("%s: cannot find a reachable thunk for address 0x%x", sym.Name, p)
		return 0
	}
	return addrs[i]
}

// The TLS bases TpAddr and DtpAddr are Context fields set in layout.go.

// symbolRank computes the total order used by symbol resolution. Lower
// ranks win. The strength tier goes to the high bits, the file priority
// breaks ties, so the whole comparison is a single integer compare.
func symbolRank(file *InputFile, esym *ESym, isLazy bool) uint64 {
	var tier uint64
	switch {
	case esym.IsCommon():
		if isLazy {
			tier = 6
		} else {
			tier = 5
		}
	case file.IsDSO || isLazy:
		if esym.IsWeak() {
			tier = 4
		} else {
			tier = 3
		}
	case esym.IsWeak():
		tier = 2
	default:
		tier = 1
	}
	return tier<<56 | uint64(uint32(file.Priority))
}
