package main

import (
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"
)

// InputFile is the state shared by relocatable objects and shared
// objects. Back-pointers to the concrete type are kept so that a
// Symbol's owner can be followed without a type switch.
type InputFile struct {
	Name     string
	Data     []byte
	Priority int32
	IsDSO    bool

	Ec       ElfConfig
	EHdr     Ehdr
	ElfShdrs []Shdr
	Shstrtab []byte

	ElfSyms      []ESym
	SymbolStrtab []byte
	FirstGlobal  int

	// Symbols[i] corresponds to ElfSyms[i]. Entries below FirstGlobal
	// point into localSyms; entries above are interned in the context.
	Symbols   []*Symbol
	localSyms []Symbol

	// True once the file is known to be part of the output. Files given
	// directly on the command line start reachable; archive members and
	// --start-lib objects become reachable through symbol references.
	IsReachable atomic.Bool

	Obj *ObjectFile
	Dso *SharedFile
}

// ComdatGroup is the interned identity of a COMDAT signature. The file
// with the lowest priority that references the group keeps its members.
type ComdatGroup struct {
	owner atomic.Int32
}

func (g *ComdatGroup) updateMinimum(prio int32) {
	for {
		cur := g.owner.Load()
		if prio >= cur || g.owner.CompareAndSwap(cur, prio) {
			return
		}
	}
}

// ComdatGroupRef ties one file's SHT_GROUP section to the interned group.
type ComdatGroupRef struct {
	Group   *ComdatGroup
	Members []uint32
}

// ObjectFile is a relocatable input.
type ObjectFile struct {
	InputFile

	Sections      []*InputSection      // indexed by shndx; nil for skipped
	MergeableSecs []*MergeableSection  // parallel to Sections
	ComdatGroups  []ComdatGroupRef

	HasSymver []bool // per global

	Cies []CieRecord
	Fdes []FdeRecord

	EFlags uint32

	IsLtoObj             bool
	NeedsExecutableStack bool
	HasInitArray         bool
	HasCtors             bool

	// Common symbols found in this file, converted to .common sections
	// after resolution.
	commonShndx uint32
}

// NewObjectFile parses a relocatable object.
func NewObjectFile(ctx *Context, name string, data []byte, priority int32, inArchive bool) (*ObjectFile, error) {
	hdr, ec, err := ReadEhdr(data)
	if err != nil {
		return nil, errors.Wrap(err, name)
	}
	if hdr.Type != ET_REL {
		return nil, errors.Errorf("%s: not a relocatable object", name)
	}

	o := &ObjectFile{}
	o.Name = name
	o.Data = data
	o.Priority = priority
	o.Ec = ec
	o.EHdr = hdr
	o.EFlags = hdr.Flags
	o.Obj = o
	if !inArchive {
		o.IsReachable.Store(true)
	}

	o.ElfShdrs, err = ReadShdrs(data, hdr, ec)
	if err != nil {
		return nil, errors.Wrap(err, name)
	}
	if hdr.Shstrndx < len(o.ElfShdrs) {
		s := &o.ElfShdrs[hdr.Shstrndx]
		o.Shstrtab = data[s.Offset : s.Offset+s.Size]
	}

	if err := o.initializeSections(ctx); err != nil {
		return nil, errors.Wrap(err, name)
	}
	if err := o.initializeSymbols(ctx); err != nil {
		return nil, errors.Wrap(err, name)
	}
	return o, nil
}

func (o *ObjectFile) sectionName(shdr *Shdr) string {
	return ElfString(o.Shstrtab, shdr.Name)
}

func isDebugSection(name string) bool {
	return strings.HasPrefix(name, ".debug") || strings.HasPrefix(name, ".zdebug")
}

func (o *ObjectFile) initializeSections(ctx *Context) error {
	o.Sections = make([]*InputSection, len(o.ElfShdrs))
	o.MergeableSecs = make([]*MergeableSection, len(o.ElfShdrs))

	for i := range o.ElfShdrs {
		shdr := &o.ElfShdrs[i]
		name := o.sectionName(shdr)

		switch shdr.Type {
		case SHT_NULL, SHT_STRTAB, SHT_REL, SHT_RELA, SHT_SYMTAB, SHT_SYMTAB_SHNDX:
			continue
		case SHT_GROUP:
			if err := o.readComdatGroup(ctx, uint32(i)); err != nil {
				return err
			}
			continue
		case SHT_LLVM_ADDRSIG:
			continue
		}

		if shdr.Flags&SHF_EXCLUDE != 0 && !ctx.Args.Relocatable {
			continue
		}

		switch name {
		case ".note.GNU-stack":
			if shdr.Flags&SHF_EXECINSTR != 0 {
				o.NeedsExecutableStack = true
			}
			continue
		case ".note.gnu.property", ".gnu_debuglink", "":
			if name != "" {
				continue
			}
		}
		if name == ".gnu.lto_.symtab" || strings.HasPrefix(name, ".gnu.lto_") {
			o.IsLtoObj = true
			continue
		}

		isec := NewInputSection(ctx, o, uint32(i))
		o.Sections[i] = isec

		switch {
		case strings.HasPrefix(name, ".init_array"):
			o.HasInitArray = true
		case strings.HasPrefix(name, ".ctors"):
			o.HasCtors = true
		}
	}

	// Attach relocation sections to their targets.
	for i := range o.ElfShdrs {
		shdr := &o.ElfShdrs[i]
		if shdr.Type != SHT_RELA && shdr.Type != SHT_REL {
			continue
		}
		if int(shdr.Info) >= len(o.Sections) {
			return errors.Errorf("invalid sh_info in relocation section %d", i)
		}
		if target := o.Sections[shdr.Info]; target != nil {
			target.RelsecIdx = int32(i)
		}
	}

	// Read the symbol table.
	for i := range o.ElfShdrs {
		shdr := &o.ElfShdrs[i]
		if shdr.Type != SHT_SYMTAB {
			continue
		}
		var err error
		o.ElfSyms, err = ReadSyms(o.Data[shdr.Offset:shdr.Offset+shdr.Size], o.Ec)
		if err != nil {
			return err
		}
		o.FirstGlobal = int(shdr.Info)
		strtab := &o.ElfShdrs[shdr.Link]
		o.SymbolStrtab = o.Data[strtab.Offset : strtab.Offset+strtab.Size]
		break
	}
	return nil
}

func (o *ObjectFile) readComdatGroup(ctx *Context, shndx uint32) error {
	shdr := &o.ElfShdrs[shndx]
	data := o.Data[shdr.Offset : shdr.Offset+shdr.Size]
	if len(data) < 4 || o.Ec.Bo.Uint32(data)&GRP_COMDAT == 0 {
		return nil
	}

	// The group signature is the symbol named by sh_info in the symtab
	// given by sh_link.
	symtabShdr := &o.ElfShdrs[shdr.Link]
	syms, err := ReadSyms(o.Data[symtabShdr.Offset:symtabShdr.Offset+symtabShdr.Size], o.Ec)
	if err != nil {
		return err
	}
	if int(shdr.Info) >= len(syms) {
		return errors.Errorf("invalid signature index in group section %d", shndx)
	}
	strtabShdr := &o.ElfShdrs[symtabShdr.Link]
	strtab := o.Data[strtabShdr.Offset : strtabShdr.Offset+strtabShdr.Size]
	signature := ElfString(strtab, syms[shdr.Info].NameOff)

	members := make([]uint32, 0, len(data)/4-1)
	for p := 4; p+4 <= len(data); p += 4 {
		members = append(members, o.Ec.Bo.Uint32(data[p:]))
	}
	o.ComdatGroups = append(o.ComdatGroups, ComdatGroupRef{
		Group:   ctx.GetComdatGroup(signature),
		Members: members,
	})
	return nil
}

func (o *ObjectFile) initializeSymbols(ctx *Context) error {
	if len(o.ElfSyms) == 0 {
		return nil
	}
	o.Symbols = make([]*Symbol, len(o.ElfSyms))
	o.localSyms = make([]Symbol, o.FirstGlobal)
	o.HasSymver = make([]bool, len(o.ElfSyms)-o.FirstGlobal)

	// Local symbols belong to this file only.
	for i := 0; i < o.FirstGlobal; i++ {
		esym := &o.ElfSyms[i]
		sym := &o.localSyms[i]
		sym.Name = ElfString(o.SymbolStrtab, esym.NameOff)
		sym.SymIdx = int32(i)
		sym.Aux = noAux
		sym.VerIdx = VER_NDX_LOCAL
		sym.Value = int64(esym.Value)
		sym.setFile(&o.InputFile)
		if !esym.IsAbs() && esym.Shndx < uint32(len(o.Sections)) {
			sym.Isec = o.Sections[esym.Shndx]
		}
		o.Symbols[i] = sym
	}

	// Global symbols are interned process-wide.
	for i := o.FirstGlobal; i < len(o.ElfSyms); i++ {
		esym := &o.ElfSyms[i]
		name := ElfString(o.SymbolStrtab, esym.NameOff)

		// "foo@VER" definitions keep the versioned name out of the
		// symbol table key.
		if pos := strings.IndexByte(name, '@'); pos != -1 {
			o.HasSymver[i-o.FirstGlobal] = true
			name = name[:pos]
		}

		// --wrap: references to foo go to __wrap_foo; references to
		// __real_foo go to foo. Definitions are not redirected.
		if esym.IsUndef() {
			if rest, ok := strings.CutPrefix(name, "__real_"); ok && ctx.isWrapped(rest) {
				name = rest
			} else if ctx.isWrapped(name) {
				name = "__wrap_" + name
			}
		}
		o.Symbols[i] = ctx.GetSymbol(name)
	}
	return nil
}

// ResolveSymbols runs phase A of resolution for this file: it writes
// itself into every global it defines when it strictly wins.
func (o *ObjectFile) ResolveSymbols(ctx *Context) {
	lazy := !o.IsReachable.Load()
	for i := o.FirstGlobal; i < len(o.ElfSyms); i++ {
		esym := &o.ElfSyms[i]
		if !esym.IsDefined() && !esym.IsCommon() {
			continue
		}
		sym := o.Symbols[i]
		rank := symbolRank(&o.InputFile, esym, lazy)

		sym.mu.Lock()
		if rank < sym.rank {
			sym.rank = rank
			sym.Value = int64(esym.Value)
			sym.SymIdx = int32(i)
			sym.VerIdx = VER_NDX_UNSPECIFIED
			sym.IsWeak = esym.IsWeak()
			sym.Visibility = mergeVisibility(sym.Visibility, esym.Visibility())
			sym.Frag = nil
			sym.OutChunk = nil
			if esym.IsCommon() || esym.IsAbs() || esym.Shndx >= uint32(len(o.Sections)) {
				sym.Isec = nil
			} else {
				sym.Isec = o.Sections[esym.Shndx]
			}
			sym.setFile(&o.InputFile)
		} else {
			// Visibility is sticky even for losing definitions.
			sym.Visibility = mergeVisibility(sym.Visibility, esym.Visibility())
		}
		sym.mu.Unlock()
	}
}

// The most restrictive visibility wins; PROTECTED beats DEFAULT,
// HIDDEN/INTERNAL beat both.
func mergeVisibility(a, b uint8) uint8 {
	rank := func(v uint8) int {
		switch v {
		case STV_HIDDEN, STV_INTERNAL:
			return 2
		case STV_PROTECTED:
			return 1
		}
		return 0
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}

// MarkLiveObjects walks the references this file makes and marks the
// owner files of referenced symbols reachable.
func (o *ObjectFile) MarkLiveObjects(ctx *Context, feeder func(*InputFile)) {
	for i := o.FirstGlobal; i < len(o.ElfSyms); i++ {
		esym := &o.ElfSyms[i]
		sym := o.Symbols[i]

		// An undefined reference extracts the defining archive member.
		// A COMMON symbol also extracts a member with a real definition.
		keep := (esym.IsUndef() && !esym.IsWeak()) ||
			(esym.IsCommon() && sym.Esym() != nil && !sym.Esym().IsCommon())
		if !keep {
			continue
		}
		if f := sym.File(); f != nil && !f.IsReachable.Swap(true) {
			feeder(f)
		}
	}
}

// ClearSymbols detaches this file from every global it currently owns
// (phase D of the resolution loop).
func (f *InputFile) ClearSymbols() {
	for i := f.FirstGlobal; i < len(f.Symbols); i++ {
		sym := f.Symbols[i]
		if sym.File() != f {
			continue
		}
		sym.mu.Lock()
		if sym.File() == f {
			sym.rank = maxRank
			sym.Value = -1
			sym.SymIdx = -1
			sym.VerIdx = VER_NDX_UNSPECIFIED
			sym.Isec = nil
			sym.Frag = nil
			sym.OutChunk = nil
			sym.IsWeak = false
			sym.IsImported = false
			sym.IsExported = false
			sym.setFile(nil)
		}
		sym.mu.Unlock()
	}
}

// MergeableByShndx returns the mergeable view of a section, if any.
func (f *InputFile) MergeableByShndx(shndx uint32) *MergeableSection {
	if f.Obj == nil || shndx >= uint32(len(f.Obj.MergeableSecs)) {
		return nil
	}
	return f.Obj.MergeableSecs[shndx]
}

// InitializeMergeableSections detaches SHF_MERGE sections and replaces
// them with MergeableSection views.
func (o *ObjectFile) InitializeMergeableSections(ctx *Context) {
	for i, isec := range o.Sections {
		if isec == nil || !isec.IsAlive.Load() {
			continue
		}
		shdr := isec.Shdr()
		if shdr.Flags&SHF_MERGE == 0 || shdr.Type == SHT_NOBITS ||
			isec.ShSize == 0 || isec.RelsecIdx != -1 {
			continue
		}
		parent := GetMergedSectionInstance(ctx, isec.Name(), shdr.Type, shdr.Flags, shdr.EntSize)
		ms := &MergeableSection{Parent: parent, P2Align: isec.P2Align, Section: isec}
		o.MergeableSecs[i] = ms
		isec.IsAlive.Store(false)

		parent.membersMu.Lock()
		parent.Members = append(parent.Members, ms)
		parent.membersMu.Unlock()
	}
}

// RegisterSectionPieces rebinds symbols defined inside mergeable sections
// to their fragments.
func (o *ObjectFile) RegisterSectionPieces(ctx *Context) {
	for _, ms := range o.MergeableSecs {
		if ms != nil {
			ms.ResolveContents(ctx)
		}
	}
	for i, sym := range o.Symbols {
		if sym == nil || sym.File() != &o.InputFile {
			continue
		}
		esym := &o.ElfSyms[i]
		if esym.IsAbs() || esym.IsCommon() || esym.IsUndef() {
			continue
		}
		ms := o.MergeableByShndx(esym.Shndx)
		if ms == nil {
			continue
		}
		frag, off := ms.GetFragment(esym.Value)
		if frag == nil {
			ctx.Errorf("%s: bad symbol value for %s", o.Name, sym.Name)
			continue
		}
		sym.Isec = nil
		sym.Frag = frag
		sym.Value = int64(off)
	}
}

// ConvertCommonSymbols turns COMMON tentative definitions this file ended
// up owning into .common/.tls_common sections.
func (o *ObjectFile) ConvertCommonSymbols(ctx *Context) {
	for i := o.FirstGlobal; i < len(o.ElfSyms); i++ {
		esym := &o.ElfSyms[i]
		sym := o.Symbols[i]
		if !esym.IsCommon() || sym.File() != &o.InputFile {
			continue
		}

		name := ".common"
		flags := uint64(SHF_ALLOC | SHF_WRITE)
		if esym.Type() == STT_TLS {
			name = ".tls_common"
			flags |= SHF_TLS
		}

		// Fabricate a NOBITS section header for the symbol.
		nameOff := uint32(len(o.Shstrtab))
		o.Shstrtab = append(o.Shstrtab, name...)
		o.Shstrtab = append(o.Shstrtab, 0)
		o.ElfShdrs = append(o.ElfShdrs, Shdr{
			Name:      nameOff,
			Type:      SHT_NOBITS,
			Flags:     flags,
			Size:      esym.Size,
			AddrAlign: esym.Value,
		})
		shndx := uint32(len(o.ElfShdrs) - 1)
		isec := NewInputSection(ctx, o, shndx)
		o.Sections = append(o.Sections, isec)
		o.MergeableSecs = append(o.MergeableSecs, nil)

		sym.mu.Lock()
		sym.Isec = isec
		sym.Value = 0
		sym.SymIdx = int32(i)
		sym.mu.Unlock()
	}
}

// ClaimUnresolvedSymbols converts still-undefined references into either
// dynamic imports or absolute zeros (the traditional behavior).
func (o *ObjectFile) ClaimUnresolvedSymbols(ctx *Context) {
	if o == ctx.InternalObj {
		return
	}
	for i := o.FirstGlobal; i < len(o.ElfSyms); i++ {
		esym := &o.ElfSyms[i]
		sym := o.Symbols[i]
		if !esym.IsUndef() {
			continue
		}

		sym.mu.Lock()
		if sym.File() != nil &&
			(sym.Esym() == nil || !sym.Esym().IsUndef() || sym.File().Priority <= o.Priority) {
			sym.mu.Unlock()
			continue
		}

		// "foo@version" references try symbol foo with that version.
		if o.HasSymver[i-o.FirstGlobal] {
			full := ElfString(o.SymbolStrtab, esym.NameOff)
			pos := strings.IndexByte(full, '@')
			base, ver := full[:pos], strings.TrimLeft(full[pos:], "@")
			sym2 := ctx.GetSymbol(base)
			if f := sym2.File(); f != nil && f.IsDSO && f.Dso.VersionName(sym2.VerIdx) == ver {
				o.Symbols[i] = sym2
				sym2.IsImported = true
				sym.mu.Unlock()
				continue
			}
		}

		claim := func(isImported bool) {
			if sym.IsTraced {
				ctx.Verbosef("trace-symbol: %s: unresolved symbol %s", o.Name, sym.Name)
			}
			sym.rank = maxRank - 1
			sym.Value = 0
			sym.SymIdx = int32(i)
			sym.Isec = nil
			sym.Frag = nil
			sym.OutChunk = nil
			sym.IsWeak = false
			sym.IsImported = isImported
			sym.IsExported = false
			if isImported {
				sym.VerIdx = VER_NDX_LOCAL
			} else {
				sym.VerIdx = ctx.DefaultVersion
			}
			sym.setFile(&o.InputFile)
		}

		switch {
		case esym.IsUndefWeak():
			claim(ctx.Args.ZDynamicUndefinedWeak && sym.Visibility != STV_HIDDEN)
		case ctx.Args.Shared && sym.Visibility != STV_HIDDEN &&
			ctx.Args.UnresolvedSymbols != UnresolvedError && !ctx.Args.ZDefs:
			// Undefined symbols in DSOs get another chance at run time.
			claim(true)
		default:
			claim(false)
		}
		sym.mu.Unlock()
	}
}

// ScanRelocations scans every live allocated section of this file.
func (o *ObjectFile) ScanRelocations(ctx *Context) {
	for _, isec := range o.Sections {
		if isec == nil || !isec.IsAlive.Load() || isec.Shdr().Flags&SHF_ALLOC == 0 {
			continue
		}
		ctx.Target.ScanRelocs(ctx, isec)
	}
	for _, sym := range o.Symbols {
		if sym != nil && sym.File() == &o.InputFile && sym.IsIfunc() {
			sym.Demand(NeedsGot | NeedsPlt)
		}
	}
}
