package main

import (
	"math"
)

// Section-shrinking relaxation (RISC-V, LoongArch). The compiler emits
// the longest instruction sequences; when the linker can prove a shorter
// one reaches, it deletes bytes from the middle of the section and keeps
// the bookkeeping in r_deltas. This only ever shrinks, so there is no
// oscillation to worry about.

func isResizable(isec *InputSection) bool {
	return isec != nil && isec.IsAlive.Load() &&
		isec.Shdr().Flags&SHF_ALLOC != 0 &&
		isec.Shdr().Flags&SHF_EXECINSTR != 0
}

// shrinkSections computes r_deltas for every executable section, shifts
// symbol values and recomputes the affected output-section sizes.
func shrinkSections(ctx *Context) {
	if !ctx.Target.SupportsShrinking() {
		return
	}

	// RVC means the 2-byte compressed instructions are available; that's
	// recorded in e_flags per object.
	parallelForEach(ctx.Objs, func(o *ObjectFile) {
		if !o.IsReachable.Load() {
			return
		}
		useCompact := o.EFlags&EF_RISCV_RVC != 0
		for _, isec := range o.Sections {
			if isResizable(isec) {
				ctx.Target.ShrinkSection(ctx, isec, useCompact)
			}
		}
	})

	// Shift symbol values past the deleted bytes.
	parallelForEach(ctx.Objs, func(o *ObjectFile) {
		if !o.IsReachable.Load() {
			return
		}
		for _, sym := range o.Symbols {
			if sym == nil || sym.File() != &o.InputFile {
				continue
			}
			isec := sym.Isec
			if isec == nil || len(isec.RDeltas) == 0 {
				continue
			}
			sym.Value -= int64(getRDelta(isec.RDeltas, uint64(sym.Value)))
		}
	})

	// Recompute executable section sizes.
	for _, chunk := range ctx.Chunks {
		if osec, ok := chunk.(*OutputSection); ok && osec.shdr.Flags&SHF_EXECINSTR != 0 {
			osec.ComputeSectionSize(ctx)
		}
	}
}

// computeDistance returns S + A - P for relaxation decisions. Absolute
// symbols and weak undefs are treated as infinitely far away: shrinking
// could move them out of range again, and they are rare enough not to
// matter.
func computeDistance(ctx *Context, sym *Symbol, isec *InputSection, rel *ElfRel) int64 {
	if sym.IsAbsolute() {
		return math.MaxInt64
	}
	if e := sym.Esym(); e != nil && e.IsUndefWeak() {
		return math.MaxInt64
	}
	s := int64(sym.GetAddr(ctx, 0))
	p := int64(isec.GetAddr() + rel.Offset)
	return s + rel.Addend - p
}

// findPairedReloc locates the HI20-type relocation a LO12 relocation
// refers to (the LO12's target symbol marks the HI20's location).
func findPairedReloc(ctx *Context, isec *InputSection, rels []ElfRel, sym *Symbol, i int, isHi func(uint32) bool) int {
	if uint64(sym.Value) <= rels[i].Offset {
		for j := i - 1; j >= 0; j-- {
			if isHi(rels[j].Type) && rels[j].Offset == uint64(sym.Value) {
				return j
			}
		}
	} else {
		for j := i + 1; j < len(rels); j++ {
			if isHi(rels[j].Type) && rels[j].Offset == uint64(sym.Value) {
				return j
			}
		}
	}
	ctx.Fatalf("%s: paired relocation is missing: %d", isec, i)
	return -1
}

// deltaCursor walks r_deltas alongside a relocation loop during apply.
type deltaCursor struct {
	deltas []RelocDelta
	k      int
}

// at returns (bytes removed at exactly offset, cumulative shift for
// offsets before it).
func (dc *deltaCursor) at(offset uint64) (removed, shift uint64) {
	for dc.k < len(dc.deltas) && dc.deltas[dc.k].Offset < offset {
		dc.k++
	}
	if dc.k < len(dc.deltas) && dc.deltas[dc.k].Offset == offset {
		removed = getRemovedBytes(dc.deltas, dc.k)
	}
	if dc.k > 0 {
		shift = dc.deltas[dc.k-1].Delta
	}
	return removed, shift
}
