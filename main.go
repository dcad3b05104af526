package main

import (
	"os"
	"path/filepath"
	"strings"
)

// flapld - a static ELF linker for x86_64, aarch64, riscv64,
// loongarch64, ppc64le, s390x and sh4.

const versionString = "flapld 1.0.0"

func init() {
	registerTarget([]string{"elf_x86_64", "x86_64"}, newArchX8664())
	registerTarget([]string{"aarch64linux", "aarch64elf", "aarch64"}, newArchAArch64())
	registerTarget([]string{"elf64lriscv", "riscv64"}, newArchRiscv64())
	registerTarget([]string{"elf64loongarch", "loongarch64"}, newArchLoongArch64())
	registerTarget([]string{"elf64lppc", "ppc64le"}, newArchPpc64le())
	registerTarget([]string{"elf64_s390", "s390x"}, newArchS390x())
	registerTarget([]string{"shlelf_linux", "sh4"}, newArchSh4())
}

func main() {
	ctx := NewContext()
	specs := ParseArgs(ctx, os.Args[1:])

	for _, name := range ctx.Args.TraceSymbol {
		ctx.GetSymbol(name).IsTraced = true
	}
	for _, name := range ctx.Args.Undefined {
		ctx.GetSymbol(name).GCRoot = true
	}

	Link(ctx, specs)
}

// Link runs the whole pipeline. It is the Go rendition of the pass
// sequence in the driver: read, resolve, scan, lay out (iterating with
// relaxation and thunks), copy, emit.
func Link(ctx *Context, specs []inputSpec) {
	ReadInputFiles(ctx, specs)

	resolveSymbols(ctx)
	applyExcludeLibs(ctx)

	parallelForEach(ctx.Objs, func(o *ObjectFile) {
		if o.IsReachable.Load() {
			o.ParseEhFrame(ctx)
		}
	})

	createMergedSections(ctx)

	parallelForEach(ctx.Objs, func(o *ObjectFile) {
		if o.IsReachable.Load() {
			o.ConvertCommonSymbols(ctx)
		}
	})

	applyVersionScript(ctx)
	computeImportExport(ctx)

	createSyntheticSections(ctx)
	checkDuplicateSymbols(ctx)
	ctx.CheckShlibUndefined()

	createOutputSections(ctx)
	addSyntheticSymbols(ctx)

	parallelForEach(ctx.Objs, func(o *ObjectFile) {
		if o.IsReachable.Load() {
			o.ClaimUnresolvedSymbols(ctx)
		}
	})
	checkRequireDefined(ctx)

	sortInitFini(ctx)

	scanRelocations(ctx)
	assignReldynOffsets(ctx)

	if ctx.EhFrame != nil {
		ctx.EhFrame.Construct(ctx)
	}
	computeSectionSizes(ctx)

	if ctx.Dynsym != nil {
		ctx.Dynsym.Finalize(ctx)
		if ctx.Verdef != nil {
			ctx.Verdef.Construct(ctx)
		}
		ctx.Verneed.Construct(ctx)
		buildVersym(ctx)
	}
	if ctx.Symtab != nil {
		ctx.Symtab.Construct(ctx)
	}
	if ctx.Dynamic != nil {
		// Intern the DT_* strings so .dynstr stops growing before the
		// layout loop starts.
		ctx.Dynamic.UpdateShdr(ctx)
		ctx.Dynstr.UpdateShdr(ctx)
	}

	collectChunks(ctx)
	sortOutputSections(ctx)
	computeSectionHeaders(ctx)

	fileSize := layoutLoop(ctx)

	// Relaxation shrinks sections; thunks grow them. Both need the
	// addresses the other changes, so iterate with the layout until the
	// sizes settle.
	if ctx.Target.SupportsShrinking() {
		shrinkSections(ctx)
		fileSize = layoutLoop(ctx)
	}
	if ctx.Target.BranchDistance() > 0 {
		createThunks(ctx)
		setOsecOffsets(ctx)
		removeRedundantThunks(ctx)
		fileSize = layoutLoop(ctx)
		gatherThunkAddresses(ctx)
	}

	fixSyntheticSymbols(ctx)
	ctx.Checkpoint()

	ctx.Buf = make([]byte, fileSize)
	copyChunks(ctx)
	if ctx.RelDyn != nil && ctx.RelDyn.Shdr().Size > 0 {
		ctx.RelDyn.SortRelDyn(ctx)
	}
	ctx.WriteBuildId()

	out := ctx.Buf
	if ctx.Args.Oformat == OformatBinary {
		out = stripToBinary(ctx)
	}
	WriteOutputFile(ctx, out)

	if ctx.Args.Repro {
		WriteReproFile(ctx)
	}
	if ctx.Args.SeparateDebugFile != "" {
		WriteSeparateDebugFile(ctx)
	}
	if ctx.Args.Stats {
		PrintStats(ctx)
	}
	ctx.Checkpoint()
}

// layoutLoop assigns addresses and offsets, re-packing .relr.dyn until
// its size (and with it the layout) is stable.
func layoutLoop(ctx *Context) uint64 {
	for {
		fileSize := setOsecOffsets(ctx)
		if ctx.Relr == nil {
			computeSectionHeaders(ctx)
			return setOsecOffsets(ctx)
		}
		before := ctx.Relr.Shdr().Size
		ctx.Relr.Reset()
		constructRelr(ctx)
		computeSectionHeaders(ctx)
		if ctx.Relr.Shdr().Size == before {
			return fileSize
		}
	}
}

// applyExcludeLibs demotes symbols of archives named in --exclude-libs
// to local visibility.
func applyExcludeLibs(ctx *Context) {
	if len(ctx.Args.ExcludeLibs) == 0 {
		return
	}
	all := false
	set := map[string]bool{}
	for _, name := range ctx.Args.ExcludeLibs {
		if name == "ALL" {
			all = true
		}
		set[name] = true
	}
	matches := func(o *ObjectFile) bool {
		i := strings.IndexByte(o.Name, '(')
		if i < 0 {
			return false
		}
		if all {
			return true
		}
		return set[filepath.Base(o.Name[:i])]
	}
	parallelForEach(ctx.Objs, func(o *ObjectFile) {
		if !o.IsReachable.Load() || !matches(o) {
			return
		}
		for i := o.FirstGlobal; i < len(o.ElfSyms); i++ {
			sym := o.Symbols[i]
			if sym.File() == &o.InputFile {
				sym.VerIdx = VER_NDX_LOCAL
			}
		}
	})
}

// checkRequireDefined reports missing --require-defined symbols.
func checkRequireDefined(ctx *Context) {
	for _, name := range ctx.Args.RequireDefined {
		sym := ctx.GetSymbol(name)
		if sym.File() == nil || (sym.Esym() != nil && sym.Esym().IsUndef()) {
			ctx.Errorf("--require-defined: undefined symbol: %s", name)
		}
	}
	ctx.Checkpoint()
}
