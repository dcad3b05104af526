package main

import (
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// resolveSymbols runs the resolution fixed point: provisional ownership,
// liveness, COMDAT election, re-resolution, and the hidden-vs-DSO
// restart. Termination is guaranteed because SkipDSO bits only ever get
// set.
func resolveSymbols(ctx *Context) {
	files := ctx.AllFiles()

	for {
		// Phase A: everyone writes itself into the symbols it wins.
		parallelForEach(files, func(f *InputFile) {
			resolveFile(ctx, f)
		})

		// Phase B: walk reachability.
		markLiveObjects(ctx)

		// Phase D (first half): archive extraction may have promoted
		// better definitions, so start over from a clean slate.
		parallelForEach(files, func(f *InputFile) {
			f.ClearSymbols()
		})

		// Phase C: COMDAT election. Must happen after extraction and
		// before the final resolution.
		parallelForEach(ctx.Objs, func(o *ObjectFile) {
			if o.IsReachable.Load() {
				for _, ref := range o.ComdatGroups {
					ref.Group.updateMinimum(o.Priority)
				}
			}
		})
		parallelForEach(ctx.Objs, func(o *ObjectFile) {
			if !o.IsReachable.Load() {
				return
			}
			for _, ref := range o.ComdatGroups {
				if ref.Group.owner.Load() != o.Priority {
					for _, shndx := range ref.Members {
						if int(shndx) < len(o.Sections) && o.Sections[shndx] != nil {
							o.Sections[shndx].IsAlive.Store(false)
						}
					}
				}
			}
		})

		// Final resolution among reachable files only.
		parallelForEach(files, func(f *InputFile) {
			if f.IsReachable.Load() {
				resolveFile(ctx, f)
			}
		})

		// Phase E: hidden symbols must not be satisfied by DSOs.
		restart := false
		var mu sync.Mutex
		parallelForEach(ctx.Dsos, func(d *SharedFile) {
			if !d.IsReachable.Load() {
				return
			}
			for _, sym := range d.Symbols {
				if sym != nil && sym.File() == &d.InputFile && sym.Visibility == STV_HIDDEN {
					sym.SkipDSO.Store(true)
					mu.Lock()
					restart = true
					mu.Unlock()
				}
			}
		})
		if !restart {
			return
		}
		parallelForEach(files, func(f *InputFile) {
			f.ClearSymbols()
		})
	}
}

func resolveFile(ctx *Context, f *InputFile) {
	if f.Obj != nil {
		f.Obj.ResolveSymbols(ctx)
	} else {
		f.Dso.ResolveSymbols(ctx)
	}
}

// markLiveObjects propagates reachability from the roots with a shared
// work list.
func markLiveObjects(ctx *Context) {
	for _, name := range ctx.Args.Undefined {
		if f := ctx.GetSymbol(name).File(); f != nil {
			f.IsReachable.Store(true)
		}
	}
	for _, name := range ctx.Args.RequireDefined {
		if f := ctx.GetSymbol(name).File(); f != nil {
			f.IsReachable.Store(true)
		}
	}
	if len(ctx.Args.UndefinedGlob) > 0 {
		parallelForEach(ctx.Objs, func(o *ObjectFile) {
			if o.IsReachable.Load() {
				return
			}
			for i := o.FirstGlobal; i < len(o.ElfSyms); i++ {
				sym := o.Symbols[i]
				if sym.File() != &o.InputFile {
					continue
				}
				for _, pat := range ctx.Args.UndefinedGlob {
					if ok, _ := path.Match(pat, sym.Name); ok {
						o.IsReachable.Store(true)
						sym.GCRoot = true
						return
					}
				}
			}
		})
	}

	var queue []*InputFile
	for _, f := range ctx.AllFiles() {
		if f.IsReachable.Load() {
			queue = append(queue, f)
		}
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	feeder := func(f *InputFile) {
		mu.Lock()
		queue = append(queue, f)
		mu.Unlock()
	}

	for {
		mu.Lock()
		work := queue
		queue = nil
		mu.Unlock()
		if len(work) == 0 {
			break
		}
		for _, f := range work {
			f := f
			wg.Add(1)
			go func() {
				defer wg.Done()
				if f.Obj != nil {
					f.Obj.MarkLiveObjects(ctx, feeder)
				} else {
					f.Dso.MarkLiveObjects(ctx, feeder)
				}
			}()
		}
		wg.Wait()
	}
}

// checkDuplicateSymbols reports strong definitions that lost to other
// strong definitions.
func checkDuplicateSymbols(ctx *Context) {
	if ctx.Args.AllowMultipleDefinition {
		return
	}
	parallelForEach(ctx.Objs, func(o *ObjectFile) {
		if !o.IsReachable.Load() {
			return
		}
		for i := o.FirstGlobal; i < len(o.ElfSyms); i++ {
			esym := &o.ElfSyms[i]
			sym := o.Symbols[i]
			if sym.File() == &o.InputFile || sym.File() == nil || sym.File().IsDSO {
				continue
			}
			if !esym.IsDefined() || esym.IsWeak() {
				continue
			}
			// The losing definition is in a dead COMDAT copy if its
			// section was eliminated.
			if !esym.IsAbs() && esym.Shndx < uint32(len(o.Sections)) {
				if isec := o.Sections[esym.Shndx]; isec == nil || !isec.IsAlive.Load() {
					continue
				}
			}
			if owner := sym.Esym(); owner != nil && !owner.IsWeak() && !owner.IsCommon() {
				ctx.Errorf("duplicate symbol: %s: %s: %s", o.Name, sym.File().Name, sym.Name)
			}
		}
	})
	ctx.Checkpoint()
}

// createMergedSections splits, dedups and places mergeable sections.
func createMergedSections(ctx *Context) {
	parallelForEach(ctx.Objs, func(o *ObjectFile) {
		if o.IsReachable.Load() {
			o.InitializeMergeableSections(ctx)
		}
	})

	var sections []*MergeableSection
	for _, o := range ctx.Objs {
		if !o.IsReachable.Load() {
			continue
		}
		for _, ms := range o.MergeableSecs {
			if ms != nil {
				sections = append(sections, ms)
			}
		}
	}
	parallelForEach(sections, func(ms *MergeableSection) {
		ms.SplitContents(ctx)
	})
	parallelForEach(ctx.Objs, func(o *ObjectFile) {
		if o.IsReachable.Load() {
			o.RegisterSectionPieces(ctx)
		}
	})
}

// outputSectionKey identifies one regular output section.
type outputSectionKey struct {
	name string
	typ  uint32
}

// createOutputSections groups the live input sections.
func createOutputSections(ctx *Context) {
	ctorsInInitArray := false
	for _, o := range ctx.Objs {
		if o.IsReachable.Load() && o.HasInitArray {
			ctorsInInitArray = true
			break
		}
	}

	keyOf := func(isec *InputSection) outputSectionKey {
		name := isec.Name()
		if ctorsInInitArray && len(isec.Rels(ctx)) > 0 {
			if name == ".ctors" || strings.HasPrefix(name, ".ctors.") {
				return outputSectionKey{".init_array", SHT_INIT_ARRAY}
			}
			if name == ".dtors" || strings.HasPrefix(name, ".dtors.") {
				return outputSectionKey{".fini_array", SHT_FINI_ARRAY}
			}
		}
		shdr := isec.Shdr()
		outName := getOutputName(ctx, name, shdr.Flags)
		return outputSectionKey{outName, canonicalizeType(ctx, outName, shdr.Type)}
	}

	osecs := map[outputSectionKey]*OutputSection{}
	flagsMask := uint64(SHF_ALLOC | SHF_WRITE | SHF_EXECINSTR | SHF_TLS)

	for _, o := range ctx.Objs {
		if !o.IsReachable.Load() {
			continue
		}
		for _, isec := range o.Sections {
			if isec == nil || !isec.IsAlive.Load() {
				continue
			}
			key := keyOf(isec)
			osec := osecs[key]
			if osec == nil {
				osec = NewOutputSection(key.name, key.typ, isec.Shdr().Flags&flagsMask)
				osecs[key] = osec
				ctx.OutputSections = append(ctx.OutputSections, osec)
			}
			osec.shdr.Flags |= isec.Shdr().Flags & flagsMask
			osec.Members = append(osec.Members, isec)
			isec.OutputSection = osec
		}
	}

	// Keep command-line order inside each output section.
	for _, osec := range ctx.OutputSections {
		sort.SliceStable(osec.Members, func(i, j int) bool {
			a, b := osec.Members[i], osec.Members[j]
			if a.File.Priority != b.File.Priority {
				return a.File.Priority < b.File.Priority
			}
			return a.Shndx < b.Shndx
		})
		osec.relro = isRelroSection(ctx, osec)
	}

	sort.SliceStable(ctx.OutputSections, func(i, j int) bool {
		return ctx.OutputSections[i].name < ctx.OutputSections[j].name
	})
	for i, osec := range ctx.OutputSections {
		osec.Idx = i
	}
}

// getInitFiniPriority parses the numeric suffix of .init_array.NNNNN.
func getInitFiniPriority(isec *InputSection) int {
	name := isec.Name()
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		if n, err := strconv.Atoi(name[i+1:]); err == nil {
			return n
		}
	}
	return 65536
}

func getCtorDtorPriority(isec *InputSection) int {
	name := isec.Name()
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		if n, err := strconv.Atoi(name[i+1:]); err == nil {
			return n
		}
	}
	return -1
}

// sortInitFini orders initializer and finalizer arrays by priority.
func sortInitFini(ctx *Context) {
	for _, osec := range ctx.OutputSections {
		switch osec.name {
		case ".init_array", ".preinit_array", ".fini_array":
			sort.SliceStable(osec.Members, func(i, j int) bool {
				return getInitFiniPriority(osec.Members[i]) < getInitFiniPriority(osec.Members[j])
			})
		case ".ctors", ".dtors":
			// .ctors/.dtors run in reverse order of priority.
			sort.SliceStable(osec.Members, func(i, j int) bool {
				return getCtorDtorPriority(osec.Members[i]) > getCtorDtorPriority(osec.Members[j])
			})
		}
	}
}

// createSyntheticSections instantiates the C7 chunks this link needs.
func createSyntheticSections(ctx *Context) {
	isDynamic := len(ctx.Dsos) > 0 || ctx.Args.Shared || ctx.Args.Pie

	ctx.OutEhdr = NewOutputEhdr(ctx)
	ctx.OutPhdr = NewOutputPhdr(ctx)
	ctx.OutShdr = NewOutputShdr()
	ctx.Got = NewGotSection(ctx)
	ctx.GotPlt = NewGotPltSection(ctx)
	ctx.Plt = NewPltSection(ctx)
	ctx.PltGot = NewPltGotSection(ctx)
	ctx.RelDyn = NewRelDynSection(ctx)
	ctx.RelPlt = NewRelPltSection(ctx)
	ctx.Shstrtab = NewStrtabSection(".shstrtab")
	ctx.Strtab = NewStrtabSection(".strtab")
	ctx.Symtab = NewSymtabSection(ctx)
	ctx.Copyrel = NewCopyrelSection(false)
	ctx.CopyrelRelro = NewCopyrelSection(true)

	if ctx.Args.PackDynRelocsRelr {
		ctx.Relr = NewRelrSection(ctx)
	}
	if isDynamic {
		ctx.Dynstr = NewDynstrSection()
		ctx.Dynsym = NewDynsymSection(ctx)
		ctx.Dynamic = NewDynamicSection(ctx)
		if ctx.Args.HashStyle&HashStyleSysv != 0 {
			ctx.Hash = NewHashSection(ctx)
		}
		if ctx.Args.HashStyle&HashStyleGnu != 0 {
			ctx.GnuHash = NewGnuHashSection(ctx)
		}
		ctx.Versym = NewVersymSection()
		ctx.Verneed = NewVerneedSection()
		if len(ctx.Args.VersionDefs) > 0 {
			ctx.Verdef = NewVerdefSection()
		}
		if ctx.Args.ZRelro && ctx.Args.ZSeparateCode == SeparateLoadableSegments {
			ctx.RelroPadding = NewRelroPaddingSection()
		}
	}
	if ctx.Args.DynamicLinker == "" && !ctx.Args.Static {
		ctx.Args.DynamicLinker = defaultDynamicLinker(ctx)
	}
	if !ctx.Args.Shared && isDynamic && !ctx.Args.Static && ctx.Args.DynamicLinker != "" {
		ctx.Interp = NewInterpSection()
	}

	hasEhFrame := false
	for _, o := range ctx.Objs {
		if o.IsReachable.Load() && (len(o.Cies) > 0 || len(o.Fdes) > 0) {
			hasEhFrame = true
			break
		}
	}
	if hasEhFrame {
		ctx.EhFrame = NewEhFrameSection(ctx)
		ctx.EhFrameHdr = NewEhFrameHdrSection()
	}
	if ctx.Args.BuildId != BuildIdNone {
		size := 16
		if ctx.Args.BuildId == BuildIdHex {
			size = len(ctx.Args.BuildIdBytes)
		}
		ctx.NoteBuildId = NewBuildIdSection(size)
	}
}

// defaultDynamicLinker is the conventional program interpreter path for
// each target.
func defaultDynamicLinker(ctx *Context) string {
	switch ctx.Target.Machine() {
	case EM_X86_64:
		return "/lib64/ld-linux-x86-64.so.2"
	case EM_AARCH64:
		return "/lib/ld-linux-aarch64.so.1"
	case EM_RISCV:
		return "/lib/ld-linux-riscv64-lp64d.so.1"
	case EM_LOONGARCH:
		return "/lib64/ld-linux-loongarch-lp64d.so.1"
	case EM_PPC64:
		return "/lib64/ld64.so.2"
	case EM_S390X:
		return "/lib/ld64.so.1"
	case EM_SH:
		return "/lib/ld-linux.so.2"
	}
	return ""
}

// collectChunks assembles ctx.Chunks from everything that made it. A
// typed nil must never reach the Chunk interface, so every optional
// synthetic section is guarded at its call site.
func collectChunks(ctx *Context) {
	var chunks []Chunk
	add := func(c Chunk, keep bool) {
		// UpdateShdr ran once by now, so zero-sized optional tables can
		// be dropped here.
		c.UpdateShdr(ctx)
		if c.IsHeader() || c.Shdr().Size > 0 || keep {
			chunks = append(chunks, c)
		}
	}

	chunks = append(chunks, ctx.OutEhdr, ctx.OutPhdr)
	if ctx.Interp != nil {
		add(ctx.Interp, true)
	}
	for _, osec := range ctx.OutputSections {
		if len(osec.Members) > 0 {
			chunks = append(chunks, osec)
		}
	}
	for _, m := range ctx.MergedSections {
		if m.shdr.Size > 0 {
			chunks = append(chunks, m)
		}
	}
	add(ctx.Got, ctx.Syn.GlobalOffsetTable != nil && ctx.Dynsym != nil)
	add(ctx.GotPlt, ctx.Dynsym != nil)
	add(ctx.Plt, false)
	add(ctx.PltGot, false)
	if ctx.Dynsym != nil {
		add(ctx.RelDyn, true)
		add(ctx.RelPlt, false)
		if ctx.Relr != nil {
			add(ctx.Relr, true)
		}
		add(ctx.Dynsym, true)
		add(ctx.Dynstr, true)
		add(ctx.Dynamic, true)
		if ctx.Hash != nil {
			add(ctx.Hash, true)
		}
		if ctx.GnuHash != nil {
			add(ctx.GnuHash, true)
		}
		if ctx.Versym != nil {
			add(ctx.Versym, false)
		}
		if ctx.Verneed != nil {
			add(ctx.Verneed, false)
		}
		if ctx.Verdef != nil {
			add(ctx.Verdef, false)
		}
	} else {
		// Even a static executable needs .rela.dyn when IRELATIVE
		// records for ifunc resolvers are present.
		add(ctx.RelDyn, false)
	}
	if ctx.EhFrame != nil {
		add(ctx.EhFrame, true)
		add(ctx.EhFrameHdr, true)
	}
	add(ctx.Copyrel, false)
	add(ctx.CopyrelRelro, false)
	if ctx.RelroPadding != nil {
		add(ctx.RelroPadding, true)
	}
	if ctx.NoteBuildId != nil {
		add(ctx.NoteBuildId, true)
	}
	add(ctx.Symtab, false)
	add(ctx.Strtab, true)
	add(ctx.Shstrtab, true)
	chunks = append(chunks, ctx.OutShdr)
	ctx.Chunks = chunks
}

// addSyntheticSymbols defines the linker-provided symbols in the
// internal object. Their values are fixed after layout.
func addSyntheticSymbols(ctx *Context) {
	o := &ObjectFile{}
	o.Name = "<internal>"
	o.Priority = -1
	o.Obj = o
	o.IsReachable.Store(true)
	o.ElfSyms = append(o.ElfSyms, ESym{}) // null entry
	o.Symbols = append(o.Symbols, nil)
	o.FirstGlobal = 1
	ctx.InternalObj = o
	ctx.Objs = append(ctx.Objs, o)

	add := func(name string, visibility uint8) *Symbol {
		sym := ctx.GetSymbol(name)
		esym := ESym{
			NameOff: 0,
			Info:    STB_GLOBAL<<4 | STT_NOTYPE,
			Other:   visibility,
			Shndx:   SHN_ABS,
		}
		o.ElfSyms = append(o.ElfSyms, esym)
		o.Symbols = append(o.Symbols, sym)
		return sym
	}

	syn := &ctx.Syn
	syn.EhdrStart = add("__ehdr_start", STV_HIDDEN)
	syn.ExecutableStart = add("__executable_start", STV_HIDDEN)
	syn.Dynamic = add("_DYNAMIC", STV_HIDDEN)
	syn.GlobalOffsetTable = add("_GLOBAL_OFFSET_TABLE_", STV_HIDDEN)
	syn.InitArrayStart = add("__init_array_start", STV_HIDDEN)
	syn.InitArrayEnd = add("__init_array_end", STV_HIDDEN)
	syn.FiniArrayStart = add("__fini_array_start", STV_HIDDEN)
	syn.FiniArrayEnd = add("__fini_array_end", STV_HIDDEN)
	syn.PreinitArrayStart = add("__preinit_array_start", STV_HIDDEN)
	syn.PreinitArrayEnd = add("__preinit_array_end", STV_HIDDEN)
	syn.End = add("_end", STV_HIDDEN)
	syn.End2 = add("end", STV_DEFAULT)
	syn.Etext = add("_etext", STV_HIDDEN)
	syn.Etext2 = add("etext", STV_DEFAULT)
	syn.Edata = add("_edata", STV_HIDDEN)
	syn.Edata2 = add("edata", STV_DEFAULT)
	syn.BssStart = add("__bss_start", STV_HIDDEN)
	syn.DsoHandle = add("__dso_handle", STV_HIDDEN)
	syn.GnuEhFrameHdr = add("__GNU_EH_FRAME_HDR", STV_HIDDEN)
	syn.RelaIpltStart = add("__rela_iplt_start", STV_HIDDEN)
	syn.RelaIpltEnd = add("__rela_iplt_end", STV_HIDDEN)
	syn.TlsModuleBase = add("_TLS_MODULE_BASE_", STV_HIDDEN)

	switch ctx.Target.Machine() {
	case EM_RISCV:
		syn.GlobalPointer = add("__global_pointer$", STV_DEFAULT)
	case EM_PPC64:
		syn.TOC = add(".TOC.", STV_HIDDEN)
	}

	// --defsym definitions live in the internal object too.
	for _, d := range ctx.Args.Defsyms {
		sym := add(d.Name, STV_DEFAULT)
		_ = sym
	}

	// __start_FOO / __stop_FOO for every C-identifier output section.
	for _, osec := range ctx.OutputSections {
		if osec.shdr.Flags&SHF_ALLOC == 0 || !isCIdentifier(osec.name) {
			continue
		}
		start := add("__start_"+osec.name, STV_PROTECTED)
		stop := add("__stop_"+osec.name, STV_PROTECTED)
		start.GCRoot = true
		stop.GCRoot = true
		if ctx.Args.HasPhysImageBase {
			add("__phys_start_"+osec.name, STV_PROTECTED)
			add("__phys_stop_"+osec.name, STV_PROTECTED)
		}
	}

	o.ResolveSymbols(ctx)
}

func isCIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for i, c := range name {
		ok := c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') ||
			(i > 0 && c >= '0' && c <= '9')
		if !ok {
			return false
		}
	}
	return true
}

// fixSyntheticSymbols assigns final values once the layout is known.
func fixSyntheticSymbols(ctx *Context) {
	syn := &ctx.Syn

	setAbs := func(sym *Symbol, value uint64) {
		if sym == nil || sym.File() != &ctx.InternalObj.InputFile {
			return
		}
		sym.Isec, sym.Frag, sym.OutChunk = nil, nil, nil
		sym.Value = int64(value)
	}
	setChunk := func(sym *Symbol, chunk Chunk, value uint64) {
		if sym == nil || chunk == nil || sym.File() != &ctx.InternalObj.InputFile {
			return
		}
		sym.Isec, sym.Frag = nil, nil
		sym.OutChunk = chunk
		sym.Value = int64(value)
	}

	var firstAlloc, lastAlloc Chunk
	var lastExec, lastData, firstBss Chunk
	for _, chunk := range ctx.Chunks {
		shdr := chunk.Shdr()
		if shdr.Flags&SHF_ALLOC == 0 {
			continue
		}
		if firstAlloc == nil {
			firstAlloc = chunk
		}
		lastAlloc = chunk
		if shdr.Flags&SHF_EXECINSTR != 0 {
			lastExec = chunk
		}
		if shdr.Type != SHT_NOBITS && shdr.Flags&SHF_WRITE != 0 {
			lastData = chunk
		}
		if firstBss == nil && shdr.Type == SHT_NOBITS && shdr.Flags&SHF_TLS == 0 {
			firstBss = chunk
		}
	}

	setChunk(syn.EhdrStart, ctx.OutEhdr, 0)
	setChunk(syn.ExecutableStart, ctx.OutEhdr, 0)
	if ctx.Dynamic != nil {
		setChunk(syn.Dynamic, ctx.Dynamic, 0)
	} else {
		setAbs(syn.Dynamic, 0)
	}

	// _GLOBAL_OFFSET_TABLE_ is .got.plt on x86-64 and .got elsewhere.
	if ctx.Target.Machine() == EM_X86_64 {
		setChunk(syn.GlobalOffsetTable, ctx.GotPlt, 0)
	} else {
		setChunk(syn.GlobalOffsetTable, ctx.Got, 0)
	}

	for _, osec := range ctx.OutputSections {
		switch osec.shdr.Type {
		case SHT_INIT_ARRAY:
			setChunk(syn.InitArrayStart, osec, 0)
			setChunk(syn.InitArrayEnd, osec, osec.shdr.Size)
		case SHT_FINI_ARRAY:
			setChunk(syn.FiniArrayStart, osec, 0)
			setChunk(syn.FiniArrayEnd, osec, osec.shdr.Size)
		case SHT_PREINIT_ARRAY:
			setChunk(syn.PreinitArrayStart, osec, 0)
			setChunk(syn.PreinitArrayEnd, osec, osec.shdr.Size)
		}
	}
	if syn.InitArrayStart.OutChunk == nil {
		setAbs(syn.InitArrayStart, 0)
		setAbs(syn.InitArrayEnd, 0)
	}
	if syn.FiniArrayStart.OutChunk == nil {
		setAbs(syn.FiniArrayStart, 0)
		setAbs(syn.FiniArrayEnd, 0)
	}
	if syn.PreinitArrayStart.OutChunk == nil {
		setAbs(syn.PreinitArrayStart, 0)
		setAbs(syn.PreinitArrayEnd, 0)
	}

	if lastAlloc != nil {
		setAbs(syn.End, lastAlloc.Shdr().Addr+lastAlloc.Shdr().Size)
		setAbs(syn.End2, lastAlloc.Shdr().Addr+lastAlloc.Shdr().Size)
	}
	if lastExec != nil {
		setAbs(syn.Etext, lastExec.Shdr().Addr+lastExec.Shdr().Size)
		setAbs(syn.Etext2, lastExec.Shdr().Addr+lastExec.Shdr().Size)
	}
	if lastData != nil {
		setAbs(syn.Edata, lastData.Shdr().Addr+lastData.Shdr().Size)
		setAbs(syn.Edata2, lastData.Shdr().Addr+lastData.Shdr().Size)
	}
	if firstBss != nil {
		setChunk(syn.BssStart, firstBss, 0)
	}
	if firstAlloc != nil {
		setChunk(syn.DsoHandle, firstAlloc, 0)
	}
	if ctx.EhFrameHdr != nil {
		setChunk(syn.GnuEhFrameHdr, ctx.EhFrameHdr, 0)
	}
	setAbs(syn.TlsModuleBase, ctx.TlsBegin)

	// __rela_iplt_{start,end} delimit the IRELATIVE records of a static
	// executable (they sort to the end of .rela.dyn).
	if ctx.IsStatic() && ctx.RelDyn != nil {
		n := uint64(0)
		for _, e := range ctx.Got.entries {
			if e.kind == gotRegular && e.sym.IsIfunc() {
				n++
			}
		}
		entsize := uint64(ctx.Ec.RelSize(true))
		setAbs(syn.RelaIpltStart, ctx.RelDyn.shdr.Addr+ctx.RelDyn.shdr.Size-n*entsize)
		setAbs(syn.RelaIpltEnd, ctx.RelDyn.shdr.Addr+ctx.RelDyn.shdr.Size)
	} else {
		setAbs(syn.RelaIpltStart, 0)
		setAbs(syn.RelaIpltEnd, 0)
	}

	if syn.GlobalPointer != nil {
		// RISC-V gp points 0x800 past .sdata so that 12-bit offsets
		// reach the surrounding 4 KiB.
		assigned := false
		for _, osec := range ctx.OutputSections {
			if osec.name == ".sdata" {
				setChunk(syn.GlobalPointer, osec, 0x800)
				assigned = true
				break
			}
		}
		if !assigned && ctx.Got != nil {
			setChunk(syn.GlobalPointer, ctx.Got, 0x800)
		}
	}
	if syn.TOC != nil && ctx.Got != nil {
		setChunk(syn.TOC, ctx.Got, 0x8000)
	}

	for _, d := range ctx.Args.Defsyms {
		sym := ctx.GetSymbol(d.Name)
		if d.IsAddr {
			setAbs(sym, d.Addr)
		} else {
			target := ctx.GetSymbol(d.Target)
			setAbs(sym, target.GetAddr(ctx, 0))
		}
	}

	for _, osec := range ctx.OutputSections {
		if osec.shdr.Flags&SHF_ALLOC == 0 || !isCIdentifier(osec.name) {
			continue
		}
		setChunk(ctx.GetSymbol("__start_"+osec.name), osec, 0)
		setChunk(ctx.GetSymbol("__stop_"+osec.name), osec, osec.shdr.Size)
		if ctx.Args.HasPhysImageBase {
			setAbs(ctx.GetSymbol("__phys_start_"+osec.name), toPaddr(ctx, osec.shdr.Addr))
			setAbs(ctx.GetSymbol("__phys_stop_"+osec.name), toPaddr(ctx, osec.shdr.Addr+osec.shdr.Size))
		}
	}
}

// matchVersionPattern finds the version index a name gets from
// --version-script.
func matchVersionPattern(ctx *Context, name string) (uint32, bool) {
	for _, p := range ctx.Args.VersionPatterns {
		if p.Pattern == name {
			return p.VerNdx, true
		}
	}
	for _, p := range ctx.Args.VersionPatterns {
		if strings.ContainsAny(p.Pattern, "*?[") {
			if ok, _ := path.Match(p.Pattern, name); ok {
				return p.VerNdx, true
			}
		}
	}
	return 0, false
}

// applyVersionScript assigns version indices to our own definitions.
func applyVersionScript(ctx *Context) {
	if len(ctx.Args.VersionPatterns) == 0 {
		return
	}
	parallelForEach(ctx.Objs, func(o *ObjectFile) {
		if !o.IsReachable.Load() {
			return
		}
		for i := o.FirstGlobal; i < len(o.ElfSyms); i++ {
			sym := o.Symbols[i]
			if sym.File() != &o.InputFile || sym.VerIdx != VER_NDX_UNSPECIFIED {
				continue
			}
			if ver, ok := matchVersionPattern(ctx, sym.Name); ok {
				sym.VerIdx = ver
			}
		}
	})
}

// computeImportExport decides which symbols cross the dynamic boundary.
func computeImportExport(ctx *Context) {
	// Symbols referenced by reachable DSOs must be exported from the
	// executable so the DSO binds to our copy.
	referenced := map[*Symbol]bool{}
	for _, d := range ctx.Dsos {
		if !d.IsReachable.Load() {
			continue
		}
		for _, sym := range d.UndefSyms {
			referenced[sym] = true
		}
	}

	parallelForEach(ctx.Objs, func(o *ObjectFile) {
		if !o.IsReachable.Load() {
			return
		}
		for i := o.FirstGlobal; i < len(o.ElfSyms); i++ {
			sym := o.Symbols[i]
			if sym.File() != &o.InputFile {
				continue
			}
			if sym.Visibility == STV_HIDDEN || sym.Visibility == STV_INTERNAL {
				continue
			}
			if sym.VerIdx == VER_NDX_LOCAL {
				continue
			}
			exported := ctx.Args.Shared || ctx.Args.ExportDynamic || referenced[sym]
			if !exported {
				continue
			}
			sym.IsExported = true

			// In a DSO, default-visibility definitions are preemptible
			// unless -Bsymbolic pins them.
			if ctx.Args.Shared && sym.Visibility != STV_PROTECTED &&
				!ctx.Args.ZSymbolic && !sym.IsCanonical {
				sym.IsImported = true
			}
		}
	})

	// Symbols we actually take from DSOs are imports. A DSO exports
	// thousands of names; only those some object refers to matter.
	parallelForEach(ctx.Objs, func(o *ObjectFile) {
		if !o.IsReachable.Load() {
			return
		}
		for i := o.FirstGlobal; i < len(o.ElfSyms); i++ {
			sym := o.Symbols[i]
			if f := sym.File(); f != nil && f.IsDSO {
				sym.IsImported = true
			}
		}
	})
}

// scanRelocations runs the per-target scan in parallel, then serially
// converts demand bits into table entries.
func scanRelocations(ctx *Context) {
	parallelForEach(ctx.Objs, func(o *ObjectFile) {
		if o.IsReachable.Load() {
			o.ScanRelocations(ctx)
		}
	})
	ctx.ReportUndefErrors()
	ctx.Checkpoint()

	// Gather every symbol with demand bits, deterministically.
	var syms []*Symbol
	for _, f := range ctx.AllFiles() {
		if !f.IsReachable.Load() {
			continue
		}
		for _, sym := range f.Symbols {
			if sym == nil || sym.File() != f {
				continue
			}
			if sym.DemandBits() != 0 || sym.IsImported || sym.IsExported {
				syms = append(syms, sym)
			}
		}
	}

	if ctx.NeedsTlsld.Load() {
		ctx.Got.AddTlsLd(ctx)
	}

	addDynsym := func(sym *Symbol) {
		if ctx.Dynsym != nil {
			ctx.Dynsym.AddSymbol(ctx, sym)
		}
	}

	for _, sym := range syms {
		sym.AddAux(ctx)
		flags := sym.DemandBits()

		if sym.IsImported || sym.IsExported {
			addDynsym(sym)
		}
		if flags&NeedsGot != 0 {
			ctx.Got.AddGotSymbol(ctx, sym)
		}
		if flags&NeedsCplt != 0 {
			sym.IsCanonical = true
			sym.IsExported = true
			addDynsym(sym)
			// A canonical PLT cannot live in .plt.got: the GOT entry
			// must point at it, not the other way around.
			ctx.Plt.AddSymbol(ctx, sym)
		} else if flags&NeedsPlt != 0 {
			if flags&NeedsGot != 0 {
				ctx.PltGot.AddSymbol(ctx, sym)
			} else {
				ctx.Plt.AddSymbol(ctx, sym)
			}
			if sym.IsImported {
				addDynsym(sym)
			}
		}
		if flags&NeedsGotTp != 0 {
			ctx.Got.AddGotTpSymbol(ctx, sym)
		}
		if flags&NeedsTlsGd != 0 {
			ctx.Got.AddTlsGdSymbol(ctx, sym)
		}
		if flags&NeedsTlsDesc != 0 {
			ctx.Got.AddTlsDescSymbol(ctx, sym)
		}
		if flags&NeedsCopyrel != 0 {
			if f := sym.File(); f != nil && f.IsDSO {
				if ctx.Args.ZRelro && f.Dso.IsReadonly(sym) {
					ctx.CopyrelRelro.AddSymbol(ctx, sym)
				} else {
					ctx.Copyrel.AddSymbol(ctx, sym)
				}
				addDynsym(sym)
			}
		}
		sym.ClearDemand()
	}

	if ctx.HasTextrel.Load() && ctx.Args.WarnTextrel {
		ctx.Warnf("creating a DT_TEXTREL in an output file")
	}
}

// assignReldynOffsets carves .rela.dyn into per-writer regions so the
// apply pass can emit records without synchronization.
func assignReldynOffsets(ctx *Context) {
	entsize := int64(ctx.Ec.RelSize(true))
	var n int64

	ctx.Got.reldynBase = uint64(n * entsize)
	n += ctx.Got.NumDynRels(ctx)

	ctx.Copyrel.reldynBase = uint64(n * entsize)
	n += ctx.Copyrel.NumDynRels()
	ctx.CopyrelRelro.reldynBase = uint64(n * entsize)
	n += ctx.CopyrelRelro.NumDynRels()

	for _, o := range ctx.Objs {
		if !o.IsReachable.Load() {
			continue
		}
		for _, isec := range o.Sections {
			if isec == nil || len(isec.AbsRels) == 0 {
				continue
			}
			isec.reldynOffset = uint64(n * entsize)
			for _, ar := range isec.AbsRels {
				switch ar.Kind {
				case AbsRelBaserel, AbsRelDynrel, AbsRelIfunc:
					n++
				}
			}
		}
	}
	ctx.RelDyn.numRels = n
}

// computeSectionSizes sizes all regular output sections.
func computeSectionSizes(ctx *Context) {
	parallelForEach(ctx.OutputSections, func(osec *OutputSection) {
		osec.ComputeSectionSize(ctx)
	})
	parallelForEach(ctx.MergedSections, func(m *MergedSection) {
		m.AssignOffsets(ctx)
	})
}

// computeSectionHeaders numbers the output sections and fills .shstrtab.
func computeSectionHeaders(ctx *Context) {
	shndx := 1
	for _, chunk := range ctx.Chunks {
		if chunk.IsHeader() {
			chunk.SetShndx(0)
			continue
		}
		ctx.Shstrtab.AddString(chunk.Name())
		chunk.SetShndx(shndx)
		shndx++
	}
	for _, chunk := range ctx.Chunks {
		chunk.UpdateShdr(ctx)
	}
}

// copyChunks writes everything into the output buffer. REL-style targets
// that keep addends in section bytes (SH-4 here) go first, because their
// apply pass reads the bytes other sections may alias.
func copyChunks(ctx *Context) {
	needsFirst := func(chunk Chunk) bool {
		return ctx.Target.Machine() == EM_SH && chunk.Shdr().Flags&SHF_ALLOC != 0
	}
	var first, rest []Chunk
	for _, chunk := range ctx.Chunks {
		if needsFirst(chunk) {
			first = append(first, chunk)
		} else {
			rest = append(rest, chunk)
		}
	}
	parallelForEach(first, func(c Chunk) { c.CopyBuf(ctx) })
	parallelForEach(rest, func(c Chunk) { c.CopyBuf(ctx) })
	ctx.Checkpoint()
}

// constructRelr gathers the addresses for .relr.dyn.
func constructRelr(ctx *Context) {
	if ctx.Relr == nil {
		return
	}
	parallelForEach(ctx.Chunks, func(chunk Chunk) {
		chunk.ConstructRelr(ctx)
	})
	ctx.Relr.UpdateShdr(ctx)
}

// buildVersym fills .gnu.version parallel to the final .dynsym.
func buildVersym(ctx *Context) {
	if ctx.Versym == nil || ctx.Dynsym == nil {
		return
	}
	ctx.Versym.Entries = make([]uint16, len(ctx.Dynsym.Syms))
	for i, sym := range ctx.Dynsym.Syms {
		if i == 0 {
			ctx.Versym.Entries[i] = VER_NDX_LOCAL
			continue
		}
		ctx.Versym.Entries[i] = OutputVersion(ctx, sym)
	}
}
