package main

import (
	"sort"
	"strings"
)

// getOutputName canonicalizes an input section name to its output
// section (".text.foo" -> ".text" and friends).
func getOutputName(ctx *Context, name string, flags uint64) string {
	if ctx.Args.Relocatable {
		return name
	}
	if flags&SHF_MERGE != 0 {
		return name
	}

	if ctx.Args.ZKeepTextSectionPrefix {
		for _, prefix := range []string{
			".text.hot.", ".text.unknown.", ".text.unlikely.", ".text.startup.",
			".text.exit.",
		} {
			stem := prefix[:len(prefix)-1]
			if name == stem || strings.HasPrefix(name, prefix) {
				return stem
			}
		}
	}

	for _, prefix := range []string{
		".text.", ".data.rel.ro.", ".data.", ".rodata.", ".bss.rel.ro.", ".bss.",
		".init_array.", ".fini_array.", ".tbss.", ".tdata.", ".gcc_except_table.",
		".ctors.", ".dtors.", ".gnu.warning.", ".openbsd.randomdata.",
		".sdata.", ".sbss.", ".srodata.", ".gnu.build.attributes.",
	} {
		stem := prefix[:len(prefix)-1]
		if name == stem || strings.HasPrefix(name, prefix) {
			return stem
		}
	}
	return name
}

// canonicalizeType fixes up section types that old assemblers get wrong.
func canonicalizeType(ctx *Context, name string, typ uint32) uint32 {
	if typ == SHT_PROGBITS {
		if name == ".init_array" || strings.HasPrefix(name, ".init_array.") {
			return SHT_INIT_ARRAY
		}
		if name == ".fini_array" || strings.HasPrefix(name, ".fini_array.") {
			return SHT_FINI_ARRAY
		}
	}
	if ctx.Target.Machine() == EM_X86_64 && typ == SHT_X86_64_UNWIND {
		return SHT_PROGBITS
	}
	return typ
}

// isRelroSection decides whether an output section joins PT_GNU_RELRO.
func isRelroSection(ctx *Context, osec *OutputSection) bool {
	if !ctx.Args.ZRelro {
		return false
	}
	typ := osec.shdr.Type
	flags := osec.shdr.Flags
	if flags&SHF_WRITE == 0 {
		return false
	}
	return osec.name == ".toc" || strings.HasSuffix(osec.name, ".rel.ro") ||
		typ == SHT_INIT_ARRAY || typ == SHT_FINI_ARRAY || typ == SHT_PREINIT_ARRAY ||
		flags&SHF_TLS != 0
}

// sortOutputSections puts the chunks in their final order.
func sortOutputSections(ctx *Context) {
	if len(ctx.Args.SectionOrder) > 0 {
		sortOutputSectionsByOrder(ctx)
		return
	}

	rank1 := func(chunk Chunk) int64 {
		typ := chunk.Shdr().Type
		flags := chunk.Shdr().Flags

		switch {
		case chunk == Chunk(ctx.OutEhdr):
			return 0
		case chunk == Chunk(ctx.OutPhdr):
			return 1
		case ctx.Interp != nil && chunk == Chunk(ctx.Interp):
			return 2
		case typ == SHT_NOTE && flags&SHF_ALLOC != 0:
			return 3
		case ctx.Hash != nil && chunk == Chunk(ctx.Hash):
			return 4
		case ctx.GnuHash != nil && chunk == Chunk(ctx.GnuHash):
			return 5
		case ctx.Dynsym != nil && chunk == Chunk(ctx.Dynsym):
			return 6
		case ctx.Dynstr != nil && chunk == Chunk(ctx.Dynstr):
			return 7
		case ctx.Versym != nil && chunk == Chunk(ctx.Versym):
			return 8
		case ctx.Verneed != nil && chunk == Chunk(ctx.Verneed):
			return 9
		case ctx.RelDyn != nil && chunk == Chunk(ctx.RelDyn):
			return 10
		case ctx.RelPlt != nil && chunk == Chunk(ctx.RelPlt):
			return 11
		case chunk == Chunk(ctx.OutShdr):
			return int64(1)<<31 - 2
		}

		alloc := flags&SHF_ALLOC != 0
		writable := flags&SHF_WRITE != 0
		exec := flags&SHF_EXECINSTR != 0
		tls := flags&SHF_TLS != 0
		relro := chunk.IsRelro()
		isBss := typ == SHT_NOBITS

		return 1<<10 |
			int64(boolToInt(!alloc))<<9 |
			int64(boolToInt(writable))<<8 |
			int64(boolToInt(exec))<<7 |
			int64(boolToInt(!tls))<<6 |
			int64(boolToInt(!relro))<<5 |
			int64(boolToInt(isBss))<<4
	}

	rank2 := func(chunk Chunk) int64 {
		shdr := chunk.Shdr()
		if shdr.Type == SHT_NOTE {
			return -int64(shdr.AddrAlign)
		}
		switch {
		case ctx.Got != nil && chunk == Chunk(ctx.Got):
			return 2
		case chunk.Name() == ".toc":
			return 3
		case ctx.RelroPadding != nil && chunk == Chunk(ctx.RelroPadding):
			return int64(1)<<62 - 1
		}
		return 0
	}

	sort.SliceStable(ctx.Chunks, func(i, j int) bool {
		a, b := ctx.Chunks[i], ctx.Chunks[j]
		if r1a, r1b := rank1(a), rank1(b); r1a != r1b {
			return r1a < r1b
		}
		if r2a, r2b := rank2(a), rank2(b); r2a != r2b {
			return r2a < r2b
		}
		return a.Name() < b.Name()
	})
}

func sortOutputSectionsByOrder(ctx *Context) {
	order := map[string]int{}
	for i, name := range ctx.Args.SectionOrder {
		order[name] = i + 1
	}

	key := func(chunk Chunk) int {
		switch {
		case chunk == Chunk(ctx.OutEhdr):
			return 0
		case chunk == Chunk(ctx.OutPhdr):
			return 0
		}
		if n, ok := order[chunk.Name()]; ok {
			return n
		}
		if chunk.Shdr().Flags&SHF_ALLOC == 0 || chunk.IsHeader() {
			return len(order) + 2
		}
		ctx.Errorf("--section-order does not specify a position for section %s", chunk.Name())
		return len(order) + 1
	}
	sort.SliceStable(ctx.Chunks, func(i, j int) bool { return key(ctx.Chunks[i]) < key(ctx.Chunks[j]) })
}

// computeTlsLayout fixes TLS begin/end/alignment and the TP/DTP bases.
func computeTlsLayout(ctx *Context) {
	ctx.TlsBegin = 0
	ctx.TlsEnd = 0
	ctx.TlsAlign = 1
	for _, chunk := range ctx.Chunks {
		shdr := chunk.Shdr()
		if shdr.Flags&SHF_TLS == 0 {
			continue
		}
		if ctx.TlsBegin == 0 || shdr.Addr < ctx.TlsBegin {
			ctx.TlsBegin = shdr.Addr
		}
		if end := shdr.Addr + shdr.Size; end > ctx.TlsEnd {
			ctx.TlsEnd = end
		}
		if shdr.AddrAlign > ctx.TlsAlign {
			ctx.TlsAlign = shdr.AddrAlign
		}
	}

	// TP position is dictated by each psABI's TLS variant.
	switch ctx.Target.Machine() {
	case EM_X86_64, EM_S390X:
		ctx.TpAddr = alignTo(ctx.TlsEnd, ctx.TlsAlign)
		ctx.DtpAddr = ctx.TlsBegin
	case EM_AARCH64:
		ctx.TpAddr = ctx.TlsBegin - 16
		ctx.DtpAddr = ctx.TlsBegin
	case EM_SH:
		ctx.TpAddr = ctx.TlsBegin - 8
		ctx.DtpAddr = ctx.TlsBegin
	case EM_PPC64:
		ctx.TpAddr = ctx.TlsBegin + 0x7000
		ctx.DtpAddr = ctx.TlsBegin + 0x8000
	case EM_LOONGARCH:
		ctx.TpAddr = ctx.TlsBegin
		ctx.DtpAddr = ctx.TlsBegin + 0x800
	case EM_RISCV:
		ctx.TpAddr = ctx.TlsBegin
		ctx.DtpAddr = ctx.TlsBegin + 0x800
	default:
		ctx.TpAddr = ctx.TlsBegin
		ctx.DtpAddr = ctx.TlsBegin
	}
}

const relroFlag = int64(1) << 32

func chunkPhdrFlags(ctx *Context, chunk Chunk) int64 {
	flags := int64(toPhdrFlags(chunk))
	if chunk.IsRelro() {
		flags |= relroFlag
	}
	return flags
}

// setVirtualAddresses walks the sorted chunks and assigns sh_addr.
func setVirtualAddresses(ctx *Context) {
	chunks := ctx.Chunks
	addr := ctx.Args.ImageBase
	if ctx.Args.Shared || ctx.Args.Pie {
		addr = 0
	}

	// TLS sections must stay mutually aligned when the initialization
	// image is copied into each new thread, so the first TLS chunk gets
	// the maximum TLS alignment.
	var firstTls Chunk
	tlsAlign := uint64(1)
	for _, chunk := range chunks {
		if chunk.Shdr().Flags&SHF_TLS != 0 {
			if firstTls == nil {
				firstTls = chunk
			}
			tlsAlign = max(tlsAlign, chunk.Shdr().AddrAlign)
		}
	}
	alignment := func(chunk Chunk) uint64 {
		if chunk == firstTls {
			return tlsAlign
		}
		return max(chunk.Shdr().AddrAlign, 1)
	}
	isTbss := func(chunk Chunk) bool {
		return chunk.Shdr().Type == SHT_NOBITS && chunk.Shdr().Flags&SHF_TLS != 0
	}

	for i := 0; i < len(chunks); i++ {
		chunk := chunks[i]
		if chunk.Shdr().Flags&SHF_ALLOC == 0 {
			continue
		}

		if ctx.RelroPadding != nil && chunk == Chunk(ctx.RelroPadding) {
			chunk.Shdr().Addr = addr
			chunk.Shdr().Size = alignTo(addr, ctx.PageSize) - addr
			addr += ctx.PageSize
			continue
		}

		if start, ok := ctx.Args.SectionStart[chunk.Name()]; ok {
			addr = start
			chunk.Shdr().Addr = addr
			addr += chunk.Shdr().Size
			continue
		}

		// Sections with different memory protections must not share a
		// page.
		if i > 0 && (ctx.RelroPadding == nil || chunks[i-1] != Chunk(ctx.RelroPadding)) {
			flags1 := chunkPhdrFlags(ctx, chunks[i-1])
			flags2 := chunkPhdrFlags(ctx, chunk)
			if flags1 != flags2 {
				switch ctx.Args.ZSeparateCode {
				case SeparateLoadableSegments:
					addr = alignTo(addr, ctx.PageSize)
				case SeparateCode:
					if flags1&PF_X != flags2&PF_X {
						addr = alignTo(addr, ctx.PageSize)
						break
					}
					fallthrough
				case NoSeparateCode:
					if addr%ctx.PageSize != 0 {
						addr += ctx.PageSize
					}
				}
			}
		}

		// TBSS overlaps whatever comes after it: its image is never
		// read at run time.
		if isTbss(chunk) {
			addr2 := addr
			for {
				addr2 = alignTo(addr2, alignment(chunks[i]))
				chunks[i].Shdr().Addr = addr2
				addr2 += chunks[i].Shdr().Size
				if i+1 >= len(chunks) || !isTbss(chunks[i+1]) {
					break
				}
				i++
			}
			continue
		}

		addr = alignTo(addr, alignment(chunk))
		chunk.Shdr().Addr = addr
		addr += chunk.Shdr().Size
	}
}

func alignWithSkew(val, align, skew uint64) uint64 {
	return val + ((skew - val) & (align - 1))
}

// setFileOffsets packs the chunks into the file honoring the mmap
// congruence requirement (offset == addr modulo page size).
func setFileOffsets(ctx *Context) uint64 {
	chunks := ctx.Chunks
	fileoff := uint64(0)
	i := 0

	for i < len(chunks) {
		first := chunks[i]

		if first.Shdr().Flags&SHF_ALLOC == 0 {
			fileoff = alignTo(fileoff, max(first.Shdr().AddrAlign, 1))
			first.Shdr().Offset = fileoff
			fileoff += first.Shdr().Size
			i++
			continue
		}

		if first.Shdr().Type == SHT_NOBITS {
			first.Shdr().Offset = fileoff
			i++
			continue
		}

		if first.Shdr().AddrAlign > ctx.PageSize {
			fileoff = alignTo(fileoff, first.Shdr().AddrAlign)
		} else {
			fileoff = alignWithSkew(fileoff, ctx.PageSize, first.Shdr().Addr)
		}

		// Allocated chunks that are contiguous in memory stay contiguous
		// in the file.
		for {
			chunks[i].Shdr().Offset = fileoff + chunks[i].Shdr().Addr - first.Shdr().Addr
			i++
			if i >= len(chunks) || chunks[i].Shdr().Flags&SHF_ALLOC == 0 ||
				chunks[i].Shdr().Type == SHT_NOBITS {
				break
			}
			if chunks[i].Shdr().Addr < first.Shdr().Addr {
				break
			}
			gap := chunks[i].Shdr().Addr - chunks[i-1].Shdr().Addr - chunks[i-1].Shdr().Size
			if gap >= ctx.PageSize {
				break
			}
		}
		fileoff = chunks[i-1].Shdr().Offset + chunks[i-1].Shdr().Size

		for i < len(chunks) && chunks[i].Shdr().Flags&SHF_ALLOC != 0 &&
			chunks[i].Shdr().Type == SHT_NOBITS {
			chunks[i].Shdr().Offset = fileoff
			i++
		}
	}
	return fileoff
}

// setOsecOffsets iterates address and offset assignment until the layout
// is self-consistent (the program header count depends on the layout and
// vice versa).
func setOsecOffsets(ctx *Context) uint64 {
	for {
		setVirtualAddresses(ctx)
		computeTlsLayout(ctx)
		fileSize := setFileOffsets(ctx)

		if ctx.OutPhdr != nil {
			size := ctx.OutPhdr.shdr.Size
			ctx.OutPhdr.UpdateShdr(ctx)
			if size != ctx.OutPhdr.shdr.Size {
				continue
			}
		}
		return fileSize
	}
}

// createPhdrs materializes the program headers from the laid-out chunks.
func createPhdrs(ctx *Context) []Phdr {
	var phdrs []Phdr

	define := func(typ, flags uint32, minAlign uint64, chunk Chunk) *Phdr {
		phdrs = append(phdrs, Phdr{
			Type:     typ,
			Flags:    flags,
			Align:    max(minAlign, chunk.Shdr().AddrAlign),
			Offset:   chunk.Shdr().Offset,
			Vaddr:    chunk.Shdr().Addr,
			Paddr:    toPaddr(ctx, chunk.Shdr().Addr),
			MemSize:  chunk.Shdr().Size,
			FileSize: chunk.Shdr().Size,
		})
		p := &phdrs[len(phdrs)-1]
		if chunk.Shdr().Type == SHT_NOBITS {
			p.FileSize = 0
		}
		return p
	}

	push := func(p *Phdr, chunk Chunk) {
		shdr := chunk.Shdr()
		p.Align = max(p.Align, shdr.AddrAlign)
		if shdr.Type != SHT_NOBITS {
			p.FileSize = shdr.Addr + shdr.Size - p.Vaddr
		}
		p.MemSize = shdr.Addr + shdr.Size - p.Vaddr
	}

	isNote := func(chunk Chunk) bool {
		return chunk.Shdr().Type == SHT_NOTE && chunk.Shdr().Flags&SHF_ALLOC != 0
	}
	isTbss := func(chunk Chunk) bool {
		return chunk.Shdr().Type == SHT_NOBITS && chunk.Shdr().Flags&SHF_TLS != 0
	}

	// PT_PHDR and PT_INTERP.
	if ctx.OutPhdr != nil {
		p := define(PT_PHDR, PF_R, 8, ctx.OutPhdr)
		p.MemSize = ctx.OutPhdr.shdr.Size
		p.FileSize = ctx.OutPhdr.shdr.Size
	}
	if ctx.Interp != nil {
		define(PT_INTERP, PF_R, 1, ctx.Interp)
	}

	// PT_NOTE runs.
	for i := 0; i < len(ctx.Chunks); i++ {
		if !isNote(ctx.Chunks[i]) {
			continue
		}
		p := define(PT_NOTE, PF_R, ctx.Chunks[i].Shdr().AddrAlign, ctx.Chunks[i])
		for i+1 < len(ctx.Chunks) && isNote(ctx.Chunks[i+1]) {
			i++
			push(p, ctx.Chunks[i])
		}
	}

	// PT_LOAD: one per maximal run of equal flags. TBSS is virtual and
	// never gets its own load segment.
	var load *Phdr
	var loadFlags uint32
	for _, chunk := range ctx.Chunks {
		shdr := chunk.Shdr()
		if shdr.Flags&SHF_ALLOC == 0 || isTbss(chunk) {
			load = nil
			continue
		}
		flags := toPhdrFlags(chunk)
		congruent := load != nil && (shdr.Type == SHT_NOBITS ||
			shdr.Addr-load.Vaddr == shdr.Offset-load.Offset)
		if load == nil || flags != loadFlags || !congruent {
			load = define(PT_LOAD, flags, ctx.PageSize, chunk)
			loadFlags = flags
		} else {
			push(load, chunk)
		}
	}

	// PT_TLS.
	for i := 0; i < len(ctx.Chunks); i++ {
		if ctx.Chunks[i].Shdr().Flags&SHF_TLS == 0 {
			continue
		}
		p := define(PT_TLS, PF_R, 1, ctx.Chunks[i])
		for i+1 < len(ctx.Chunks) && ctx.Chunks[i+1].Shdr().Flags&SHF_TLS != 0 {
			i++
			push(p, ctx.Chunks[i])
		}
		p.Align = ctx.TlsAlign
	}

	if ctx.Dynamic != nil && ctx.Dynamic.shdr.Size > 0 {
		define(PT_DYNAMIC, PF_R|PF_W, ctx.Dynamic.shdr.AddrAlign, ctx.Dynamic)
	}
	if ctx.EhFrameHdr != nil {
		define(PT_GNU_EH_FRAME, PF_R, 4, ctx.EhFrameHdr)
	}

	// PT_GNU_STACK conveys the stack protection.
	stackFlags := uint32(PF_R | PF_W)
	if ctx.Args.ZExecstack {
		stackFlags |= PF_X
	}
	phdrs = append(phdrs, Phdr{Type: PT_GNU_STACK, Flags: stackFlags, Align: 1})

	// PT_GNU_RELRO over the contiguous relro region.
	var relro *Phdr
	for _, chunk := range ctx.Chunks {
		if chunk.Shdr().Flags&SHF_ALLOC == 0 {
			continue
		}
		if chunk.IsRelro() {
			if relro == nil {
				relro = define(PT_GNU_RELRO, PF_R, 1, chunk)
			} else {
				push(relro, chunk)
			}
		} else {
			relro = nil
		}
	}

	return phdrs
}

func toPaddr(ctx *Context, vaddr uint64) uint64 {
	if !ctx.Args.HasPhysImageBase {
		return vaddr
	}
	base := ctx.Args.ImageBase
	if ctx.Args.Shared || ctx.Args.Pie {
		base = 0
	}
	return ctx.Args.PhysicalImageBase + vaddr - base
}
