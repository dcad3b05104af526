package main

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/axiomhq/hyperloglog"
	"github.com/cespare/xxhash/v2"
	"github.com/puzpuzpuz/xsync/v3"
)

// Fragment is one unit of mergeable-section deduplication: a single
// null-terminated string or one fixed-size record. Identical fragments
// from different objects collapse to one copy in the output.
type Fragment struct {
	Data    string
	Parent  *MergedSection
	Offset  uint64
	p2align atomic.Uint32
	IsAlive bool
}

func (f *Fragment) GetAddr(ctx *Context) uint64 {
	return f.Parent.shdr.Addr + f.Offset
}

func (f *Fragment) P2Align() uint8 { return uint8(f.p2align.Load()) }

func (f *Fragment) updateAlign(p2 uint8) {
	for {
		cur := f.p2align.Load()
		if uint32(p2) <= cur || f.p2align.CompareAndSwap(cur, uint32(p2)) {
			return
		}
	}
}

// MergedSection is the output section that receives deduplicated
// fragments of one (name, type, flags, entsize) class.
type MergedSection struct {
	chunkBase
	Entsize uint64

	table *xsync.MapOf[string, *Fragment]

	estMu     sync.Mutex
	estimator *hyperloglog.Sketch

	membersMu sync.Mutex
	Members   []*MergeableSection

	frags []*Fragment
}

// GetMergedSectionInstance interns a MergedSection for the given class.
func GetMergedSectionInstance(ctx *Context, name string, typ uint32, flags, entsize uint64) *MergedSection {
	outName := getOutputName(ctx, name, flags)
	flags &^= SHF_GROUP | SHF_COMPRESSED
	for _, m := range ctx.MergedSections {
		if m.name == outName && m.shdr.Type == typ && m.shdr.Flags == flags && m.Entsize == entsize {
			return m
		}
	}
	m := &MergedSection{
		chunkBase: newChunkBase(outName, typ, flags),
		Entsize:   entsize,
		table:     xsync.NewMapOf[string, *Fragment](),
		estimator: hyperloglog.New16(),
	}
	m.shdr.EntSize = entsize
	ctx.MergedSections = append(ctx.MergedSections, m)
	return m
}

// Insert adds one fragment, returning the canonical copy.
func (m *MergedSection) Insert(data string, hash uint64, p2align uint8) *Fragment {
	frag, _ := m.table.LoadOrCompute(data, func() *Fragment {
		f := &Fragment{Data: data, Parent: m, IsAlive: true}
		return f
	})
	frag.updateAlign(p2align)
	return frag
}

func (m *MergedSection) mergeEstimator(other *hyperloglog.Sketch) {
	m.estMu.Lock()
	defer m.estMu.Unlock()
	m.estimator.Merge(other)
}

// AssignOffsets places the surviving fragments. Serial per merged
// section; the driver runs merged sections in parallel.
func (m *MergedSection) AssignOffsets(ctx *Context) {
	frags := make([]*Fragment, 0, m.estimator.Estimate())
	m.table.Range(func(key string, f *Fragment) bool {
		frags = append(frags, f)
		return true
	})

	// Bigger alignments first so that padding is minimized; lexicographic
	// within a class so the output is deterministic.
	sort.Slice(frags, func(i, j int) bool {
		if a, b := frags[i].P2Align(), frags[j].P2Align(); a != b {
			return a > b
		}
		return frags[i].Data < frags[j].Data
	})

	offset := uint64(0)
	maxAlign := uint64(1)
	for _, f := range frags {
		align := uint64(1) << f.P2Align()
		offset = alignTo(offset, align)
		f.Offset = offset
		offset += uint64(len(f.Data))
		if align > maxAlign {
			maxAlign = align
		}
	}
	m.shdr.Size = offset
	m.shdr.AddrAlign = maxAlign
	m.frags = frags
}

func (m *MergedSection) CopyBuf(ctx *Context) {
	base := ctx.Buf[m.shdr.Offset:]
	parallelForRange(len(m.frags), func(begin, end int) {
		for i := begin; i < end; i++ {
			f := m.frags[i]
			this := f.Offset + uint64(len(f.Data))
			next := m.shdr.Size
			if i+1 < len(m.frags) {
				next = m.frags[i+1].Offset
			}
			copy(base[f.Offset:], f.Data)
			clear(base[this:next])
		}
	})
}

// MergeableSection is the per-input-file view of a mergeable section.
// The underlying InputSection is detached from the layout (it is replaced
// by its fragments) but kept for symbol conversion.
type MergeableSection struct {
	Parent      *MergedSection
	P2Align     uint8
	Section     *InputSection
	FragOffsets []uint32
	hashes      []uint64
	Fragments   []*Fragment
}

func findNull(data []byte, pos, entsize int) int {
	if entsize == 1 {
		for i := pos; i < len(data); i++ {
			if data[i] == 0 {
				return i
			}
		}
		return -1
	}
outer:
	for ; pos+entsize <= len(data); pos += entsize {
		for i := 0; i < entsize; i++ {
			if data[pos+i] != 0 {
				continue outer
			}
		}
		return pos
	}
	return -1
}

// SplitContents cuts the section into fragments and feeds the cardinality
// estimator. Runs in parallel across sections.
func (ms *MergeableSection) SplitContents(ctx *Context) {
	data := ms.Section.Contents(ctx)
	if uint64(len(data)) > uint64(^uint32(0)) {
		ctx.Fatalf("%s: mergeable section too large", ms.Section)
	}
	entsize := int(ms.Parent.Entsize)

	if ms.Parent.shdr.Flags&SHF_STRINGS != 0 {
		if entsize == 0 {
			entsize = 1
		}
		for pos := 0; pos < len(data); {
			ms.FragOffsets = append(ms.FragOffsets, uint32(pos))
			end := findNull(data, pos, entsize)
			if end == -1 {
				ctx.Fatalf("%s: string is not null terminated", ms.Section)
			}
			pos = end + entsize
		}
	} else {
		if entsize == 0 || len(data)%entsize != 0 {
			ctx.Fatalf("%s: section size is not multiple of sh_entsize", ms.Section)
		}
		ms.FragOffsets = make([]uint32, 0, len(data)/entsize)
		for pos := 0; pos < len(data); pos += entsize {
			ms.FragOffsets = append(ms.FragOffsets, uint32(pos))
		}
	}

	est := hyperloglog.New16()
	ms.hashes = make([]uint64, len(ms.FragOffsets))
	for i := range ms.FragOffsets {
		h := xxhash.Sum64(ms.fragData(data, i))
		ms.hashes[i] = h
		est.InsertHash(h)
	}
	ms.Parent.mergeEstimator(est)
}

func (ms *MergeableSection) fragData(data []byte, i int) []byte {
	start := ms.FragOffsets[i]
	if i+1 < len(ms.FragOffsets) {
		return data[start:ms.FragOffsets[i+1]]
	}
	return data[start:]
}

// ResolveContents interns every fragment into the parent's table.
func (ms *MergeableSection) ResolveContents(ctx *Context) {
	data := ms.Section.Contents(ctx)
	ms.Fragments = make([]*Fragment, len(ms.FragOffsets))
	for i := range ms.FragOffsets {
		ms.Fragments[i] = ms.Parent.Insert(string(ms.fragData(data, i)), ms.hashes[i], ms.P2Align)
	}
	ms.hashes = nil
}

// GetFragment maps a byte offset inside the original input section to the
// canonical fragment and the remaining offset within it.
func (ms *MergeableSection) GetFragment(offset uint64) (*Fragment, uint64) {
	i := sort.Search(len(ms.FragOffsets), func(i int) bool {
		return uint64(ms.FragOffsets[i]) > offset
	})
	if i == 0 {
		return nil, 0
	}
	return ms.Fragments[i-1], offset - uint64(ms.FragOffsets[i-1])
}

// GetFragmentForRel resolves a relocation against a section symbol of a
// mergeable section to (fragment, addend-within-fragment). Returns nil
// for anything else.
func (isec *InputSection) GetFragmentForRel(ctx *Context, rel *ElfRel) (*Fragment, int64) {
	file := isec.File
	if int(rel.Sym) >= len(file.ElfSyms) {
		return nil, 0
	}
	esym := &file.ElfSyms[rel.Sym]
	if esym.Type() != STT_SECTION {
		return nil, 0
	}
	ms := file.MergeableByShndx(esym.Shndx)
	if ms == nil {
		return nil, 0
	}
	frag, off := ms.GetFragment(esym.Value + uint64(rel.Addend))
	if frag == nil {
		ctx.Errorf("%s: bad relocation at %d", isec, rel.Sym)
		return nil, 0
	}
	return frag, int64(off)
}
