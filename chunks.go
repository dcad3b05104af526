package main

// Chunk is anything that occupies a region of the output file: a regular
// output section built from input sections, a synthetic section, or one of
// the three ELF headers. Layout and copying are driven entirely through
// this interface.
type Chunk interface {
	Name() string
	Shdr() *Shdr
	IsHeader() bool
	IsRelro() bool
	Shndx() int
	SetShndx(int)

	// UpdateShdr refreshes header fields that depend on other chunks
	// (links, sizes of tables, ...). Called before every layout round.
	UpdateShdr(ctx *Context)

	// ComputeSectionSize assigns member offsets and sets sh_size.
	ComputeSectionSize(ctx *Context)

	// CopyBuf writes the chunk contents into ctx.Buf.
	CopyBuf(ctx *Context)

	// ConstructRelr collects pack-relative relocation candidates.
	ConstructRelr(ctx *Context)
}

// chunkBase carries the state common to all chunks and provides no-op
// defaults for the hooks.
type chunkBase struct {
	name  string
	shdr  Shdr
	relro bool
	shndx int
}

func (c *chunkBase) Name() string      { return c.name }
func (c *chunkBase) Shdr() *Shdr       { return &c.shdr }
func (c *chunkBase) IsHeader() bool    { return false }
func (c *chunkBase) IsRelro() bool     { return c.relro }
func (c *chunkBase) Shndx() int        { return c.shndx }
func (c *chunkBase) SetShndx(n int)    { c.shndx = n }
func (c *chunkBase) UpdateShdr(*Context)          {}
func (c *chunkBase) ComputeSectionSize(*Context)  {}
func (c *chunkBase) CopyBuf(*Context)             {}
func (c *chunkBase) ConstructRelr(*Context)       {}

func newChunkBase(name string, typ uint32, flags uint64) chunkBase {
	return chunkBase{
		name: name,
		shdr: Shdr{Type: typ, Flags: flags, AddrAlign: 1},
	}
}

// toPhdrFlags maps section flags to segment flags.
func toPhdrFlags(chunk Chunk) uint32 {
	shdr := chunk.Shdr()
	flags := uint32(PF_R)
	if shdr.Flags&SHF_WRITE != 0 {
		flags |= PF_W
	}
	if shdr.Flags&SHF_EXECINSTR != 0 {
		flags |= PF_X
	}
	return flags
}

// AbsRelKind says what the apply pass must do for one word-size absolute
// relocation, as decided by the scan pass.
type AbsRelKind uint8

const (
	AbsRelNone AbsRelKind = iota
	AbsRelBaserel
	AbsRelRelr
	AbsRelDynrel
	AbsRelIfunc
)

// AbsRel records a word-size absolute relocation that needs a dynamic
// counterpart.
type AbsRel struct {
	RelIdx int32
	Kind   AbsRelKind
}

// OutputSection is a run of input sections (plus any thunks the planner
// put between them).
type OutputSection struct {
	chunkBase
	Members []*InputSection
	Thunks  []*Thunk
	Idx     int
}

func NewOutputSection(name string, typ uint32, flags uint64) *OutputSection {
	osec := &OutputSection{chunkBase: newChunkBase(name, typ, flags)}
	return osec
}

// ComputeSectionSize lays members back to back. For targets with range
// extension thunks the planner overrides this with its own placement.
func (osec *OutputSection) ComputeSectionSize(ctx *Context) {
	if ctx.Target.BranchDistance() > 0 && osec.shdr.Flags&SHF_EXECINSTR != 0 {
		// create_range_extension_thunks is responsible for the layout of
		// executable sections on those targets.
		return
	}

	offset := uint64(0)
	align := osec.shdr.AddrAlign
	for _, isec := range osec.Members {
		offset = alignTo(offset, uint64(1)<<isec.P2Align)
		isec.Offset = int64(offset)
		offset += isec.ShSize
		if a := uint64(1) << isec.P2Align; a > align {
			align = a
		}
	}
	osec.shdr.Size = offset
	osec.shdr.AddrAlign = align
}

func (osec *OutputSection) UpdateShdr(ctx *Context) {
	// Executable-stack and merge flags never make it to the output;
	// everything else was fixed when the section was created.
}

func (osec *OutputSection) CopyBuf(ctx *Context) {
	if osec.shdr.Type == SHT_NOBITS {
		return
	}
	base := ctx.Buf[osec.shdr.Offset:]

	parallelForRange(len(osec.Members), func(begin, end int) {
		for i := begin; i < end; i++ {
			isec := osec.Members[i]
			isec.WriteTo(ctx, base[isec.Offset:])

			// Zero the padding up to the next member (or thunk/end).
			this := uint64(isec.Offset) + isec.ShSize
			next := osec.shdr.Size
			if i+1 < len(osec.Members) {
				next = uint64(osec.Members[i+1].Offset)
			}
			if next > this && next <= osec.shdr.Size {
				clear(base[this:next])
			}
		}
	})

	parallelForEach(osec.Thunks, func(t *Thunk) {
		t.CopyBuf(ctx)
	})
}

// ConstructRelr finds word-size absolute relocations against local data
// on aligned offsets; those become .relr.dyn entries instead of
// R_*_RELATIVE records.
func (osec *OutputSection) ConstructRelr(ctx *Context) {
	if !ctx.Args.PackDynRelocsRelr || osec.shdr.Flags&SHF_ALLOC == 0 {
		return
	}
	wordSize := uint64(ctx.Target.WordSize())
	for _, isec := range osec.Members {
		for _, ar := range isec.AbsRels {
			if ar.Kind != AbsRelRelr {
				continue
			}
			r := &isec.Rels(ctx)[ar.RelIdx]
			addr := isec.GetAddr() + r.Offset
			if addr%wordSize == 0 {
				ctx.Relr.Add(addr)
			}
		}
	}
}

// RelroPaddingSection pads the PT_GNU_RELRO segment to a page boundary.
// Its size is computed during virtual address assignment.
type RelroPaddingSection struct {
	chunkBase
}

func NewRelroPaddingSection() *RelroPaddingSection {
	s := &RelroPaddingSection{chunkBase: newChunkBase(".relro_padding", SHT_NOBITS, SHF_ALLOC|SHF_WRITE)}
	s.relro = true
	return s
}

// OutputEhdr is the ELF file header chunk.
type OutputEhdr struct {
	chunkBase
}

func NewOutputEhdr(ctx *Context) *OutputEhdr {
	h := &OutputEhdr{chunkBase: newChunkBase("", SHT_NULL, SHF_ALLOC)}
	h.shdr.Size = uint64(ctx.Ec.EhdrSize())
	h.shdr.AddrAlign = 8
	return h
}

func (h *OutputEhdr) IsHeader() bool { return true }

func getEntryAddr(ctx *Context) uint64 {
	if ctx.Args.Relocatable {
		return 0
	}
	sym := ctx.GetSymbol(ctx.Args.Entry)
	if sym.File() != nil {
		return sym.GetAddr(ctx, 0)
	}
	// Default to the beginning of .text, like the GNU linkers.
	for _, osec := range ctx.OutputSections {
		if osec.Name() == ".text" {
			if !ctx.Args.Shared {
				ctx.Warnf("entry symbol %s not found; defaulting to .text", ctx.Args.Entry)
			}
			return osec.Shdr().Addr
		}
	}
	return 0
}

func (h *OutputEhdr) CopyBuf(ctx *Context) {
	buf := ctx.Buf[h.shdr.Offset:]
	ec := ctx.Ec
	bo := ec.Bo

	copy(buf, []byte{0x7f, 'E', 'L', 'F'})
	if ec.Is64 {
		buf[4] = ELFCLASS64
	} else {
		buf[4] = ELFCLASS32
	}
	if isLittleEndian(bo) {
		buf[5] = ELFDATA2LSB
	} else {
		buf[5] = ELFDATA2MSB
	}
	buf[6] = 1 // EV_CURRENT
	clear(buf[7:16])

	etype := uint16(ET_EXEC)
	if ctx.Args.Shared || ctx.Args.Pie {
		etype = ET_DYN
	}
	if ctx.Args.Relocatable {
		etype = ET_REL
	}
	bo.PutUint16(buf[16:], etype)
	bo.PutUint16(buf[18:], uint16(ctx.Target.Machine()))
	bo.PutUint32(buf[20:], 1)

	eflags := ctx.Target.EFlags(ctx)
	if ec.Is64 {
		bo.PutUint64(buf[24:], getEntryAddr(ctx))
		bo.PutUint64(buf[32:], ctx.OutPhdr.shdr.Offset)
		bo.PutUint64(buf[40:], ctx.OutShdr.shdr.Offset)
		bo.PutUint32(buf[48:], eflags)
		bo.PutUint16(buf[52:], uint16(ec.EhdrSize()))
		bo.PutUint16(buf[54:], uint16(ec.PhdrSize()))
		bo.PutUint16(buf[56:], uint16(ctx.OutPhdr.shdr.Size/uint64(ec.PhdrSize())))
		bo.PutUint16(buf[58:], uint16(ec.ShdrSize()))
		bo.PutUint16(buf[60:], uint16(ctx.OutShdr.shdr.Size/uint64(ec.ShdrSize())))
		bo.PutUint16(buf[62:], uint16(ctx.Shstrtab.shndx))
	} else {
		bo.PutUint32(buf[24:], uint32(getEntryAddr(ctx)))
		bo.PutUint32(buf[28:], uint32(ctx.OutPhdr.shdr.Offset))
		bo.PutUint32(buf[32:], uint32(ctx.OutShdr.shdr.Offset))
		bo.PutUint32(buf[36:], eflags)
		bo.PutUint16(buf[40:], uint16(ec.EhdrSize()))
		bo.PutUint16(buf[42:], uint16(ec.PhdrSize()))
		bo.PutUint16(buf[44:], uint16(ctx.OutPhdr.shdr.Size/uint64(ec.PhdrSize())))
		bo.PutUint16(buf[46:], uint16(ec.ShdrSize()))
		bo.PutUint16(buf[48:], uint16(ctx.OutShdr.shdr.Size/uint64(ec.ShdrSize())))
		bo.PutUint16(buf[50:], uint16(ctx.Shstrtab.shndx))
	}
}

// OutputPhdr is the program header table.
type OutputPhdr struct {
	chunkBase
	Phdrs []Phdr
}

func NewOutputPhdr(ctx *Context) *OutputPhdr {
	h := &OutputPhdr{chunkBase: newChunkBase("", SHT_NULL, SHF_ALLOC)}
	h.shdr.AddrAlign = 8
	return h
}

func (h *OutputPhdr) IsHeader() bool { return true }

func (h *OutputPhdr) UpdateShdr(ctx *Context) {
	h.Phdrs = createPhdrs(ctx)
	h.shdr.Size = uint64(len(h.Phdrs) * ctx.Ec.PhdrSize())
}

func (h *OutputPhdr) CopyBuf(ctx *Context) {
	buf := ctx.Buf[h.shdr.Offset:]
	for i := range h.Phdrs {
		WritePhdr(buf[i*ctx.Ec.PhdrSize():], ctx.Ec, &h.Phdrs[i])
	}
}

// OutputShdr is the section header table.
type OutputShdr struct {
	chunkBase
}

func NewOutputShdr() *OutputShdr {
	h := &OutputShdr{chunkBase: newChunkBase("", SHT_NULL, 0)}
	h.shdr.AddrAlign = 8
	return h
}

func (h *OutputShdr) IsHeader() bool { return true }

func (h *OutputShdr) UpdateShdr(ctx *Context) {
	n := 1 // null entry
	for _, chunk := range ctx.Chunks {
		if chunk.Shndx() > 0 {
			n = max(n, chunk.Shndx()+1)
		}
	}
	h.shdr.Size = uint64(n * ctx.Ec.ShdrSize())
}

func (h *OutputShdr) CopyBuf(ctx *Context) {
	buf := ctx.Buf[h.shdr.Offset:]
	entsize := ctx.Ec.ShdrSize()
	clear(buf[:entsize]) // null entry
	for _, chunk := range ctx.Chunks {
		if chunk.Shndx() <= 0 {
			continue
		}
		nameOff := ctx.Shstrtab.Offset(chunk.Name())
		WriteShdr(buf[chunk.Shndx()*entsize:], ctx.Ec, nameOff, chunk.Shdr())
	}
}
