package main

import (
	"sort"
	"sync"
)

// Range extension thunks. RISC branch immediates are narrow (AArch64
// reaches ±128 MiB, PPC ±32 MiB), so a call whose target is further away
// is redirected to a linker-synthesized stub that materializes the full
// address and jumps there.

// Thunks are created per batch of branchDistance/5 bytes of code; a
// single thunk stays under 1 MiB; each thunk starts on a 16-byte boundary
// since CPU vendors recommend 16-byte-aligned branch targets.
const (
	maxThunkSize = 1024 * 1024
	thunkAlign   = 16
)

// Thunk is one batch's island of branch stubs.
type Thunk struct {
	OutputSection *OutputSection
	Offset        uint64
	Symbols       []*Symbol
	// Entry offsets within the thunk, one per symbol, plus a final
	// sentinel holding the total size.
	Offsets []uint64
}

func (t *Thunk) GetAddr() uint64 {
	return t.OutputSection.shdr.Addr + t.Offset
}

func (t *Thunk) EntryAddr(i int) uint64 {
	return t.GetAddr() + t.Offsets[i]
}

func (t *Thunk) Size() uint64 {
	if len(t.Offsets) == 0 {
		return 0
	}
	return t.Offsets[len(t.Offsets)-1]
}

func (t *Thunk) CopyBuf(ctx *Context) {
	ctx.Target.WriteThunk(ctx, t)
}

// thunkBatchSize returns the spacing of thunk batches.
func thunkBatchSize(ctx *Context) uint64 {
	return uint64(ctx.Target.BranchDistance() / 5)
}

// thunkReachable reports whether a call site can branch directly to sym.
// On the first pass nothing outside the current output section has an
// address, so those are pessimistically unreachable.
func thunkReachable(ctx *Context, firstPass bool, isec *InputSection, sym *Symbol, rel *ElfRel) bool {
	isec2 := sym.Isec
	if isec2 != nil && isec.OutputSection == isec2.OutputSection && isec2.Offset == -1 {
		return false
	}

	if firstPass {
		if isec2 == nil || isec.OutputSection != isec2.OutputSection {
			return false
		}
		// A symbol with a PLT is branched to through the PLT, which is
		// out of section.
		if sym.HasPlt(ctx) {
			return false
		}
	}

	s := int64(sym.GetAddr(ctx, 0))
	a := rel.Addend
	p := int64(isec.GetAddr() + rel.Offset)
	val := s + a - p
	branch := ctx.Target.BranchDistance()
	return -branch <= val && val < branch
}

// CreateRangeExtensionThunks lays out one executable output section,
// interleaving its members with the thunks they need. Progress is
// tracked with four monotonically non-decreasing indices a <= b <= c <= d:
// members [b, c) form the current batch, a is the first member that can
// still reach the batch, and d is the furthest member whose address is
// already pinned.
func (osec *OutputSection) CreateRangeExtensionThunks(ctx *Context, firstPass bool) {
	m := osec.Members
	if len(m) == 0 {
		return
	}

	for _, isec := range m {
		isec.Offset = -1
	}
	osec.Thunks = osec.Thunks[:0]

	branch := uint64(ctx.Target.BranchDistance())
	batchSize := thunkBatchSize(ctx)

	var a, b, c, d int
	var offset uint64

	// Index of the oldest thunk still reachable from the current batch.
	t := 0

	for b < len(m) {
		// Move D forward while a thunk placed after member D would still
		// be reachable from B.
		dThunkEnd := func() uint64 {
			dEnd := alignTo(offset, uint64(1)<<m[d].P2Align) + m[d].ShSize
			return alignTo(dEnd, thunkAlign) + maxThunkSize
		}
		for d < len(m) && (b == d || dThunkEnd() <= uint64(m[b].Offset)+branch) {
			offset = alignTo(offset, uint64(1)<<m[d].P2Align)
			m[d].Offset = int64(offset)
			offset += m[d].ShSize
			d++
		}

		// C ends the batch; guarantee progress by including at least one
		// member.
		c = b + 1
		for c < d && uint64(m[c].Offset)+m[c].ShSize < uint64(m[b].Offset)+batchSize {
			c++
		}

		// Move A forward so that A is reachable from C.
		cOffset := offset
		if c < d {
			cOffset = uint64(m[c].Offset)
		}
		for a < b && uint64(m[a].Offset)+branch < cOffset {
			a++
		}

		// Forget about thunks that fell out of range.
		for ; t < len(osec.Thunks) && osec.Thunks[t].Offset < uint64(m[a].Offset); t++ {
			for _, sym := range osec.Thunks[t].Symbols {
				sym.ThunkFlag.Store(false)
			}
		}

		// Create a new thunk after D.
		offset = alignTo(offset, thunkAlign)
		thunk := &Thunk{OutputSection: osec, Offset: offset}
		osec.Thunks = append(osec.Thunks, thunk)

		// Collect the out-of-range call targets of the batch.
		var mu sync.Mutex
		parallelForRange(c-b, func(begin, end int) {
			for i := b + begin; i < b+end; i++ {
				isec := m[i]
				rels := isec.Rels(ctx)
				for j := range rels {
					rel := &rels[j]
					if !ctx.Target.IsFuncCallRel(rel) {
						continue
					}
					sym := isec.File.Symbols[rel.Sym]
					if sym == nil || sym.File() == nil {
						continue
					}
					if thunkReachable(ctx, firstPass, isec, sym, rel) &&
						!ctx.Target.NeedsThunkShim(ctx, sym, rel) {
						continue
					}
					if !sym.ThunkFlag.Swap(true) {
						mu.Lock()
						thunk.Symbols = append(thunk.Symbols, sym)
						mu.Unlock()
					}
				}
			}
		})

		// Deterministic entry order.
		sort.SliceStable(thunk.Symbols, func(i, j int) bool {
			x, y := thunk.Symbols[i], thunk.Symbols[j]
			if x.File().Priority != y.File().Priority {
				return x.File().Priority < y.File().Priority
			}
			return x.SymIdx < y.SymIdx
		})

		size := ctx.Target.FinalizeThunk(ctx, thunk, firstPass)
		if size >= maxThunkSize {
			ctx.Fatalf("%s: thunk grew beyond its size bound", osec.name)
		}
		offset += size

		b = c
	}

	for ; t < len(osec.Thunks); t++ {
		for _, sym := range osec.Thunks[t].Symbols {
			sym.ThunkFlag.Store(false)
		}
	}

	osec.shdr.Size = offset
}

// createThunks is the first planning pass.
func createThunks(ctx *Context) {
	if ctx.Target.BranchDistance() == 0 {
		return
	}
	for _, chunk := range ctx.Chunks {
		if osec, ok := chunk.(*OutputSection); ok && osec.shdr.Flags&SHF_EXECINSTR != 0 {
			osec.CreateRangeExtensionThunks(ctx, true)
		}
	}
}

// removeRedundantThunks replans with real addresses; thunks that are no
// longer needed disappear.
func removeRedundantThunks(ctx *Context) {
	if ctx.Target.BranchDistance() == 0 {
		return
	}
	setOsecOffsets(ctx)
	for _, chunk := range ctx.Chunks {
		if osec, ok := chunk.(*OutputSection); ok && osec.shdr.Flags&SHF_EXECINSTR != 0 {
			osec.CreateRangeExtensionThunks(ctx, false)
		}
	}
}

// gatherThunkAddresses builds, for every symbol with thunk entries, the
// ascending list of its entry addresses so the apply pass can pick the
// nearest one by binary search.
func gatherThunkAddresses(ctx *Context) {
	if ctx.Target.BranchDistance() == 0 {
		return
	}

	var sections []*OutputSection
	for _, chunk := range ctx.Chunks {
		if osec, ok := chunk.(*OutputSection); ok && len(osec.Thunks) > 0 {
			sections = append(sections, osec)
		}
	}
	sort.Slice(sections, func(i, j int) bool {
		return sections[i].shdr.Addr < sections[j].shdr.Addr
	})

	for _, osec := range sections {
		for _, thunk := range osec.Thunks {
			for i, sym := range thunk.Symbols {
				if sym.Aux == noAux {
					sym.AddAux(ctx)
				}
				aux := sym.aux(ctx)
				aux.ThunkAddrs = append(aux.ThunkAddrs, thunk.EntryAddr(i))
			}
		}
	}
}
