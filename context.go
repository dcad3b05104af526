package main

import (
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// Output kinds for --oformat
const (
	OformatElf = iota
	OformatBinary
)

// -z separate-code variants
const (
	SeparateLoadableSegments = iota
	SeparateCode
	NoSeparateCode
)

// --unresolved-symbols variants
const (
	UnresolvedError = iota
	UnresolvedWarn
	UnresolvedIgnoreAll
)

// --hash-style variants
const (
	HashStyleSysv = 1 << iota
	HashStyleGnu
)

// --build-id variants
const (
	BuildIdNone = iota
	BuildIdFast
	BuildIdUuid
	BuildIdHex
)

// DefsymValue is one --defsym assignment; either Target or Addr is used.
type DefsymValue struct {
	Name   string
	Target string
	Addr   uint64
	IsAddr bool
}

// VersionPattern is one entry from --version-script or --dynamic-list.
type VersionPattern struct {
	Pattern string
	VerNdx  uint32
	IsCpp   bool
}

// Args holds the parsed command line. The option vocabulary follows the
// GNU linkers; parsing lives in cmdline.go.
type Args struct {
	Output    string
	Emulation string

	Shared      bool
	Pie         bool
	Static      bool
	Relocatable bool

	ImageBase         uint64
	PhysicalImageBase uint64
	HasPhysImageBase  bool

	DynamicLinker string
	Entry         string
	Init          string
	Fini          string
	Soname        string
	Rpaths        string

	ExportDynamic           bool
	AllowMultipleDefinition bool
	AllowShlibUndefined     bool
	UnresolvedSymbols       int
	FatalWarnings           bool
	SuppressWarnings        bool
	NoinhibitExec           bool

	Relax      bool
	GcSections bool
	Icf        bool

	HashStyle         int
	PackDynRelocsRelr bool

	ZSeparateCode           int
	ZRelro                  bool
	ZNow                    bool
	ZExecstack              bool
	ZNodelete               bool
	ZNodlopen               bool
	ZInitfirst              bool
	ZInterpose              bool
	ZOrigin                 bool
	ZNodefaultlib           bool
	ZDefs                   bool
	ZText                   bool
	ZKeepTextSectionPrefix  bool
	ZDynamicUndefinedWeak   bool
	ZSymbolic               bool

	WarnTextrel bool

	BuildId      int
	BuildIdBytes []byte

	ThreadCount int
	Repro       bool
	Stats       bool

	Wrap           []string
	Defsyms        []DefsymValue
	Undefined      []string
	RequireDefined []string
	UndefinedGlob  []string
	TraceSymbol    []string
	ExcludeLibs    []string

	VersionDefs     []string
	VersionPatterns []VersionPattern
	DefaultSymver   bool
	DynamicListSet  bool

	SectionOrder []string
	SectionStart map[string]uint64

	Oformat           int
	SeparateDebugFile string

	LibraryPaths []string
}

// SynSyms are the linker-synthesized symbols finalized after layout.
type SynSyms struct {
	EhdrStart       *Symbol
	ExecutableStart *Symbol
	Dynamic         *Symbol
	GlobalOffsetTable *Symbol
	InitArrayStart  *Symbol
	InitArrayEnd    *Symbol
	FiniArrayStart  *Symbol
	FiniArrayEnd    *Symbol
	PreinitArrayStart *Symbol
	PreinitArrayEnd *Symbol
	End             *Symbol
	End2            *Symbol // "end"
	Etext           *Symbol
	Etext2          *Symbol // "etext"
	Edata           *Symbol
	Edata2          *Symbol // "edata"
	BssStart        *Symbol
	DsoHandle       *Symbol
	GnuEhFrameHdr   *Symbol
	RelaIpltStart   *Symbol
	RelaIpltEnd     *Symbol
	TlsModuleBase   *Symbol
	GlobalPointer   *Symbol // RISC-V __global_pointer$
	TOC             *Symbol // PPC64 .TOC.
}

// Context is the process-wide linking state. It is created once in main,
// threaded explicitly through every pass, and owns all files and chunks.
type Context struct {
	Args   Args
	Target Target
	Ec     ElfConfig // output wire format

	PageSize uint64

	Objs []*ObjectFile
	Dsos []*SharedFile

	InternalObj *ObjectFile

	Chunks         []Chunk
	OutputSections []*OutputSection
	MergedSections []*MergedSection

	symbolMap *xsync.MapOf[string, *Symbol]
	comdatMap *xsync.MapOf[string, *ComdatGroup]
	wrapSet   map[string]bool

	SymbolAux []SymbolAux

	undefErrors *xsync.MapOf[*Symbol, *undefEntry]
	undefMu     sync.Mutex
	hasError    atomic.Bool

	// The output image under construction.
	Buf []byte

	// Synthetic chunks. Nil when not needed for this link.
	OutEhdr      *OutputEhdr
	OutPhdr      *OutputPhdr
	OutShdr      *OutputShdr
	Got          *GotSection
	GotPlt       *GotPltSection
	Plt          *PltSection
	PltGot       *PltGotSection
	RelDyn       *RelDynSection
	RelPlt       *RelPltSection
	Relr         *RelrSection
	Dynsym       *DynsymSection
	Dynstr       *DynstrSection
	Dynamic      *DynamicSection
	Hash         *HashSection
	GnuHash      *GnuHashSection
	Versym       *VersymSection
	Verneed      *VerneedSection
	Verdef       *VerdefSection
	Interp       *InterpSection
	Shstrtab     *StrtabSection
	Symtab       *SymtabSection
	Strtab       *StrtabSection
	EhFrame      *EhFrameSection
	EhFrameHdr   *EhFrameHdrSection
	Copyrel      *CopyrelSection
	CopyrelRelro *CopyrelSection
	RelroPadding *RelroPaddingSection
	NoteBuildId  *BuildIdSection

	Syn SynSyms

	NeedsTlsld atomic.Bool
	HasTextrel atomic.Bool

	TlsBegin uint64
	TlsEnd   uint64
	TlsAlign uint64
	TpAddr   uint64
	DtpAddr  uint64

	DefaultVersion uint32

	versionMap map[dsoVersion]uint32

	// Input bytes kept for --repro.
	ReproFiles map[string][]byte

	// Relocation range statistics, one slice per output section, keyed
	// by *OutputSection (--stats).
	relocStats sync.Map
}

// NewContext creates an empty linking context.
func NewContext() *Context {
	ctx := &Context{
		symbolMap:   xsync.NewMapOf[string, *Symbol](),
		comdatMap:   xsync.NewMapOf[string, *ComdatGroup](),
		wrapSet:     make(map[string]bool),
		undefErrors: newUndefMap(),
	}
	ctx.Args.ImageBase = 0x200000
	ctx.Args.Entry = "_start"
	ctx.Args.Init = "_init"
	ctx.Args.Fini = "_fini"
	ctx.Args.Output = "a.out"
	ctx.Args.Relax = true
	ctx.Args.ZRelro = true
	ctx.Args.ZSeparateCode = SeparateLoadableSegments
	ctx.Args.ZText = false
	ctx.Args.AllowShlibUndefined = true
	ctx.Args.HashStyle = HashStyleSysv | HashStyleGnu
	ctx.Args.BuildId = BuildIdNone
	ctx.DefaultVersion = VER_NDX_UNSPECIFIED
	return ctx
}

// GetSymbol interns a symbol by name.
func (ctx *Context) GetSymbol(name string) *Symbol {
	sym, _ := ctx.symbolMap.LoadOrCompute(name, func() *Symbol {
		return &Symbol{
			Name:   name,
			rank:   maxRank,
			Value:  -1,
			SymIdx: -1,
			Aux:    noAux,
			VerIdx: VER_NDX_UNSPECIFIED,
		}
	})
	return sym
}

// isWrapped reports whether --wrap was given for name.
func (ctx *Context) isWrapped(name string) bool {
	return ctx.wrapSet[name]
}

// GetComdatGroup interns a COMDAT group by its signature.
func (ctx *Context) GetComdatGroup(signature string) *ComdatGroup {
	g, _ := ctx.comdatMap.LoadOrCompute(signature, func() *ComdatGroup {
		g := &ComdatGroup{}
		g.owner.Store(int32(1<<31 - 1))
		return g
	})
	return g
}

// AllFiles returns objects and DSOs as generic input files.
func (ctx *Context) AllFiles() []*InputFile {
	files := make([]*InputFile, 0, len(ctx.Objs)+len(ctx.Dsos))
	for _, o := range ctx.Objs {
		files = append(files, &o.InputFile)
	}
	for _, d := range ctx.Dsos {
		files = append(files, &d.InputFile)
	}
	return files
}

// IsStatic reports whether the output is statically linked.
func (ctx *Context) IsStatic() bool {
	return ctx.Args.Static
}

// outputType returns the row index into the absolute/PC-relative
// relocation decision tables: DSO, PIE, PDE.
func (ctx *Context) outputType() int {
	if ctx.Args.Shared {
		return 0
	}
	if ctx.Args.Pie {
		return 1
	}
	return 2
}
