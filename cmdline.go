package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/xyproto/env/v2"
)

const progName = "flapld"

const helpText = `Usage: flapld [options] file...
Options:
  -o FILE                     Set output file name (default: a.out)
  -l LIBNAME                  Search for library LIBNAME
  -L DIR                      Add DIR to library search path
  -m EMULATION                Set target (elf_x86_64, aarch64linux,
                              elf64lriscv, elf64loongarch, elf64lppc,
                              elf64_s390, shlelf_linux)
  -e, --entry SYMBOL          Set program entry point
  -shared, -Bshareable        Create a shared library
  -pie, -pic-executable       Create a position-independent executable
  -static, -Bstatic           Do not link against shared libraries
  -r, --relocatable           Generate relocatable output
  --as-needed                 Only set DT_NEEDED if used
  --no-as-needed              Always set DT_NEEDED (default)
  --whole-archive             Include all archive members
  --no-whole-archive          Stop including all archive members
  --start-lib / --end-lib     Treat the objects in between as archive members
  --push-state / --pop-state  Save and restore as-needed/whole-archive state
  --wrap SYMBOL               Use a wrapper function for SYMBOL
  --defsym SYMBOL=VALUE       Define SYMBOL as an alias for VALUE
  --dynamic-linker PATH       Set the program interpreter
  --dynamic-list FILE         Read a list of dynamic symbols
  --version-script FILE       Read a version script
  --default-symver            Use soname as a version string
  --soname NAME               Set shared library name
  -rpath PATH                 Add PATH to runtime search path
  --export-dynamic, -E        Put symbols in the dynamic symbol table
  --exclude-libs LIBS         Exclude symbols in LIBS from being exported
  --gc-sections               Accepted; no sections are removed
  --icf=[all,safe,none]       Accepted; no code is folded
  --image-base ADDR           Set the base address
  --physical-image-base ADDR  Set physical base address for paddrs
  --hash-style [sysv,gnu,both]
  --pack-dyn-relocs=[relr,none]
  --compress-debug-sections [none,zlib,zstd]
  --build-id [none,fast,uuid,sha1,0xHEX]
  --section-order SPEC        Manually order output sections
  --section-start SEC=ADDR    Set section address
  --undefined SYMBOL, -u      Force SYMBOL to be undefined
  --require-defined SYMBOL    Like -u but fail if not defined
  --undefined-glob PATTERN    -u with a glob pattern
  --unresolved-symbols [report-all,ignore-all,ignore-in-object-files]
  --warn-unresolved-symbols   Report unresolved symbols as warnings
  --allow-multiple-definition Allow multiple definitions
  --[no-]allow-shlib-undefined
  --[no-]fatal-warnings
  --[no-]relax                Disable/enable relaxation
  --trace-symbol SYMBOL, -y   Trace references to SYMBOL
  --oformat=binary            Omit ELF headers
  --separate-debug-file[=FILE]
  --repro                     Embed input files into an archive for bug reporting
  --stats                     Print input statistics
  --thread-count N, --threads=N
  -z now | lazy | relro | norelro | execstack | noexecstack | nodelete |
     nodlopen | initfirst | interpose | origin | defs | nodefaultlib |
     text | notext | separate-loadable-segments | separate-code |
     noseparate-code | keep-text-section-prefix | symbolic |
     dynamic-undefined-weak
  -T, --script FILE           Read linker script
  -v, --version               Print version
  -h, --help                  Print this help
`

// inputSpec is one positional argument with the option state that was in
// effect when it appeared.
type inputSpec struct {
	Kind         int // specFile, specLib
	Name         string
	AsNeeded     bool
	WholeArchive bool
	InLib        bool
}

const (
	specFile = iota
	specLib
)

type parseState struct {
	asNeeded     bool
	wholeArchive bool
	inLib        bool
}

// expandResponseFiles rewrites @file arguments, up to depth 10, with
// POSIX-style quoting inside the file.
func expandResponseFiles(ctx *Context, args []string, depth int) []string {
	if depth > 10 {
		ctx.Fatalf("too many nested response files")
	}
	var out []string
	for _, arg := range args {
		if !strings.HasPrefix(arg, "@") {
			out = append(out, arg)
			continue
		}
		data, err := os.ReadFile(arg[1:])
		if err != nil {
			ctx.Fatalf("cannot open response file %s: %v", arg[1:], err)
		}
		out = append(out, expandResponseFiles(ctx, tokenizeResponseFile(string(data)), depth+1)...)
	}
	return out
}

func tokenizeResponseFile(data string) []string {
	var tokens []string
	var cur strings.Builder
	inToken := false
	for i := 0; i < len(data); i++ {
		c := data[i]
		switch {
		case c == '\'' || c == '"':
			inToken = true
			quote := c
			for i++; i < len(data) && data[i] != quote; i++ {
				cur.WriteByte(data[i])
			}
		case c == '\\' && i+1 < len(data):
			inToken = true
			i++
			cur.WriteByte(data[i])
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			if inToken {
				tokens = append(tokens, cur.String())
				cur.Reset()
				inToken = false
			}
		default:
			inToken = true
			cur.WriteByte(c)
		}
	}
	if inToken {
		tokens = append(tokens, cur.String())
	}
	return tokens
}

func parseNumber(ctx *Context, opt, s string) uint64 {
	base := 10
	ns := s
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		base = 16
		ns = s[2:]
	}
	v, err := strconv.ParseUint(ns, base, 64)
	if err != nil {
		ctx.Fatalf("option %s: not a number: %s", opt, s)
	}
	return v
}

// ParseArgs fills ctx.Args and returns the ordered input specs.
func ParseArgs(ctx *Context, args []string) []inputSpec {
	args = expandResponseFiles(ctx, args, 0)

	var specs []inputSpec
	var state parseState
	var stack []parseState
	a := &ctx.Args

	// An option may be spelled -foo or --foo. Values come attached with
	// '=' or as the following argument.
	i := 0
	next := func(opt string) string {
		i++
		if i >= len(args) {
			ctx.Fatalf("option %s: argument missing", opt)
		}
		return args[i]
	}

	match := func(arg string, names ...string) (string, bool) {
		stripped := strings.TrimPrefix(arg, "-")
		stripped = strings.TrimPrefix(stripped, "-")
		for _, name := range names {
			if stripped == name {
				return next(arg), true
			}
			if v, ok := strings.CutPrefix(stripped, name+"="); ok {
				return v, true
			}
		}
		return "", false
	}

	flag := func(arg string, names ...string) bool {
		stripped := strings.TrimPrefix(arg, "-")
		stripped = strings.TrimPrefix(stripped, "-")
		for _, name := range names {
			if stripped == name {
				return true
			}
		}
		return false
	}

	for ; i < len(args); i++ {
		arg := args[i]

		if !strings.HasPrefix(arg, "-") || arg == "-" {
			specs = append(specs, inputSpec{
				Kind: specFile, Name: arg,
				AsNeeded: state.asNeeded, WholeArchive: state.wholeArchive, InLib: state.inLib,
			})
			continue
		}

		switch {
		case flag(arg, "help"):
			fmt.Print(helpText)
			os.Exit(0)
		case flag(arg, "v", "version", "V"):
			fmt.Println(versionString)
			os.Exit(0)
		case flag(arg, "shared", "Bshareable"):
			a.Shared = true
		case flag(arg, "pie", "pic-executable"):
			a.Pie = true
		case flag(arg, "no-pie", "no-pic-executable"):
			a.Pie = false
		case flag(arg, "static", "Bstatic", "dn", "non_shared"):
			a.Static = true
		case flag(arg, "Bdynamic", "dy", "call_shared"):
			a.Static = false
		case flag(arg, "r", "relocatable"):
			a.Relocatable = true
		case flag(arg, "as-needed"):
			state.asNeeded = true
		case flag(arg, "no-as-needed"):
			state.asNeeded = false
		case flag(arg, "whole-archive"):
			state.wholeArchive = true
		case flag(arg, "no-whole-archive"):
			state.wholeArchive = false
		case flag(arg, "start-lib"):
			state.inLib = true
		case flag(arg, "end-lib"):
			state.inLib = false
		case flag(arg, "push-state"):
			stack = append(stack, state)
		case flag(arg, "pop-state"):
			if len(stack) == 0 {
				ctx.Fatalf("no state pushed before popping")
			}
			state = stack[len(stack)-1]
			stack = stack[:len(stack)-1]
		case flag(arg, "export-dynamic", "E"):
			a.ExportDynamic = true
		case flag(arg, "no-export-dynamic"):
			a.ExportDynamic = false
		case flag(arg, "Bsymbolic"):
			a.ZSymbolic = true
		case flag(arg, "allow-multiple-definition"):
			a.AllowMultipleDefinition = true
		case flag(arg, "allow-shlib-undefined"):
			a.AllowShlibUndefined = true
		case flag(arg, "no-allow-shlib-undefined"):
			a.AllowShlibUndefined = false
		case flag(arg, "fatal-warnings"):
			a.FatalWarnings = true
		case flag(arg, "no-fatal-warnings"):
			a.FatalWarnings = false
		case flag(arg, "w", "no-warnings"):
			a.SuppressWarnings = true
		case flag(arg, "noinhibit-exec"):
			a.NoinhibitExec = true
		case flag(arg, "relax"):
			a.Relax = true
		case flag(arg, "no-relax"):
			a.Relax = false
		case flag(arg, "gc-sections"):
			a.GcSections = true
		case flag(arg, "no-gc-sections"):
			a.GcSections = false
		case flag(arg, "repro"):
			a.Repro = true
		case flag(arg, "stats"):
			a.Stats = true
		case flag(arg, "warn-unresolved-symbols"):
			a.UnresolvedSymbols = UnresolvedWarn
		case flag(arg, "error-unresolved-symbols"):
			a.UnresolvedSymbols = UnresolvedError
		case flag(arg, "default-symver"):
			a.DefaultSymver = true
		case flag(arg, "warn-textrel"):
			a.WarnTextrel = true
		case flag(arg, "eh-frame-hdr"), flag(arg, "no-eh-frame-hdr"),
			flag(arg, "build-id"), flag(arg, "color-diagnostics"),
			flag(arg, "start-group"), flag(arg, "end-group"),
			flag(arg, "no-undefined-version"), flag(arg, "fix-cortex-a53-835769"),
			flag(arg, "fix-cortex-a53-843419"), flag(arg, "enable-new-dtags"),
			flag(arg, "disable-new-dtags"), flag(arg, "nostdlib"):
			// Accepted for compatibility.
			if flag(arg, "build-id") {
				a.BuildId = BuildIdFast
			}
		case flag(arg, "verbose"):
			VerboseMode = true

		default:
			if v, ok := match(arg, "o", "output"); ok {
				a.Output = v
			} else if v, ok := match(arg, "m"); ok {
				a.Emulation = v
			} else if v, ok := match(arg, "e", "entry"); ok {
				a.Entry = v
			} else if v, ok := match(arg, "l", "library"); ok {
				specs = append(specs, inputSpec{
					Kind: specLib, Name: v,
					AsNeeded: state.asNeeded, WholeArchive: state.wholeArchive, InLib: state.inLib,
				})
			} else if v, ok := match(arg, "L", "library-path"); ok {
				a.LibraryPaths = append(a.LibraryPaths, v)
			} else if v, ok := match(arg, "dynamic-linker", "I"); ok {
				a.DynamicLinker = v
			} else if _, ok := match(arg, "no-dynamic-linker"); ok {
				a.DynamicLinker = ""
			} else if v, ok := match(arg, "soname", "h"); ok {
				a.Soname = v
			} else if v, ok := match(arg, "rpath", "R"); ok {
				if a.Rpaths != "" {
					a.Rpaths += ":"
				}
				a.Rpaths += v
			} else if v, ok := match(arg, "init"); ok {
				a.Init = v
			} else if v, ok := match(arg, "fini"); ok {
				a.Fini = v
			} else if v, ok := match(arg, "image-base"); ok {
				a.ImageBase = parseNumber(ctx, arg, v)
			} else if v, ok := match(arg, "physical-image-base"); ok {
				a.PhysicalImageBase = parseNumber(ctx, arg, v)
				a.HasPhysImageBase = true
			} else if v, ok := match(arg, "wrap"); ok {
				a.Wrap = append(a.Wrap, v)
				ctx.wrapSet[v] = true
			} else if v, ok := match(arg, "defsym"); ok {
				name, val, found := strings.Cut(v, "=")
				if !found {
					ctx.Fatalf("option --defsym: syntax error: %s", v)
				}
				d := DefsymValue{Name: name}
				if n, err := strconv.ParseUint(strings.TrimPrefix(val, "0x"), 16, 64); err == nil && strings.HasPrefix(val, "0x") {
					d.Addr, d.IsAddr = n, true
				} else if n, err := strconv.ParseUint(val, 10, 64); err == nil {
					d.Addr, d.IsAddr = n, true
				} else {
					d.Target = val
				}
				a.Defsyms = append(a.Defsyms, d)
			} else if v, ok := match(arg, "u", "undefined"); ok {
				a.Undefined = append(a.Undefined, v)
			} else if v, ok := match(arg, "require-defined"); ok {
				a.RequireDefined = append(a.RequireDefined, v)
			} else if v, ok := match(arg, "undefined-glob"); ok {
				a.UndefinedGlob = append(a.UndefinedGlob, v)
			} else if v, ok := match(arg, "y", "trace-symbol"); ok {
				a.TraceSymbol = append(a.TraceSymbol, v)
			} else if v, ok := match(arg, "exclude-libs"); ok {
				a.ExcludeLibs = append(a.ExcludeLibs, strings.Split(v, ",")...)
			} else if v, ok := match(arg, "version-script"); ok {
				parseVersionScript(ctx, v)
			} else if v, ok := match(arg, "dynamic-list"); ok {
				parseDynamicList(ctx, v)
				a.DynamicListSet = true
			} else if v, ok := match(arg, "section-order"); ok {
				a.SectionOrder = strings.Fields(v)
			} else if v, ok := match(arg, "section-start"); ok {
				name, val, found := strings.Cut(v, "=")
				if !found {
					ctx.Fatalf("option --section-start: syntax error: %s", v)
				}
				if a.SectionStart == nil {
					a.SectionStart = map[string]uint64{}
				}
				a.SectionStart[name] = parseNumber(ctx, arg, val)
			} else if v, ok := match(arg, "hash-style"); ok {
				switch v {
				case "sysv":
					a.HashStyle = HashStyleSysv
				case "gnu":
					a.HashStyle = HashStyleGnu
				case "both":
					a.HashStyle = HashStyleSysv | HashStyleGnu
				case "none":
					a.HashStyle = 0
				default:
					ctx.Fatalf("invalid --hash-style argument: %s", v)
				}
			} else if v, ok := match(arg, "pack-dyn-relocs"); ok {
				switch v {
				case "relr":
					a.PackDynRelocsRelr = true
				case "none":
					a.PackDynRelocsRelr = false
				default:
					ctx.Fatalf("invalid --pack-dyn-relocs argument: %s", v)
				}
			} else if v, ok := match(arg, "compress-debug-sections"); ok {
				if v != "none" {
					ctx.Warnf("--compress-debug-sections=%s is not supported; debug sections are left uncompressed", v)
				}
			} else if v, ok := match(arg, "build-id"); ok {
				switch {
				case v == "none":
					a.BuildId = BuildIdNone
				case v == "fast" || v == "md5" || v == "sha1" || v == "sha256":
					a.BuildId = BuildIdFast
				case v == "uuid":
					a.BuildId = BuildIdUuid
				case strings.HasPrefix(v, "0x") || strings.HasPrefix(v, "0X"):
					a.BuildId = BuildIdHex
					a.BuildIdBytes = parseHexBytes(ctx, v[2:])
				default:
					ctx.Fatalf("invalid --build-id argument: %s", v)
				}
			} else if v, ok := match(arg, "icf"); ok {
				switch v {
				case "all", "safe":
					a.Icf = true
				case "none":
					a.Icf = false
				default:
					ctx.Fatalf("invalid --icf argument: %s", v)
				}
			} else if v, ok := match(arg, "unresolved-symbols"); ok {
				switch v {
				case "report-all":
					a.UnresolvedSymbols = UnresolvedError
				case "ignore-all", "ignore-in-object-files":
					a.UnresolvedSymbols = UnresolvedIgnoreAll
				case "ignore-in-shared-libs":
					a.UnresolvedSymbols = UnresolvedError
				default:
					ctx.Fatalf("invalid --unresolved-symbols argument: %s", v)
				}
			} else if v, ok := match(arg, "oformat"); ok {
				switch v {
				case "binary":
					a.Oformat = OformatBinary
				case "elf":
					a.Oformat = OformatElf
				default:
					ctx.Fatalf("unknown --oformat argument: %s", v)
				}
			} else if v, ok := strings.CutPrefix(arg, "--separate-debug-file="); ok {
				a.SeparateDebugFile = v
			} else if flag(arg, "separate-debug-file") {
				a.SeparateDebugFile = a.Output + ".dbg"
			} else if v, ok := match(arg, "thread-count", "threads"); ok {
				a.ThreadCount = int(parseNumber(ctx, arg, v))
			} else if v, ok := match(arg, "T", "script"); ok {
				specs = append(specs, inputSpec{Kind: specFile, Name: v,
					AsNeeded: state.asNeeded, WholeArchive: state.wholeArchive, InLib: state.inLib})
			} else if v, ok := match(arg, "z"); ok {
				parseZFlag(ctx, v)
			} else if v, ok := attachedValue(arg, "l"); ok {
				specs = append(specs, inputSpec{
					Kind: specLib, Name: v,
					AsNeeded: state.asNeeded, WholeArchive: state.wholeArchive, InLib: state.inLib,
				})
			} else if v, ok := attachedValue(arg, "L"); ok {
				a.LibraryPaths = append(a.LibraryPaths, v)
			} else if v, ok := attachedValue(arg, "o"); ok {
				a.Output = v
			} else if v, ok := attachedValue(arg, "m"); ok {
				a.Emulation = v
			} else if v, ok := attachedValue(arg, "u"); ok {
				a.Undefined = append(a.Undefined, v)
			} else if v, ok := attachedValue(arg, "y"); ok {
				a.TraceSymbol = append(a.TraceSymbol, v)
			} else if v, ok := attachedValue(arg, "R"); ok {
				if a.Rpaths != "" {
					a.Rpaths += ":"
				}
				a.Rpaths += v
			} else if v, ok := attachedValue(arg, "T"); ok {
				specs = append(specs, inputSpec{Kind: specFile, Name: v,
					AsNeeded: state.asNeeded, WholeArchive: state.wholeArchive, InLib: state.inLib})
			} else if v, ok := attachedValue(arg, "z"); ok {
				parseZFlag(ctx, v)
			} else if v, ok := attachedValue(arg, "e"); ok {
				a.Entry = v
			} else {
				ctx.Fatalf("unknown command line option: %s", arg)
			}
		}
	}

	// Environment overrides.
	if env.Bool("FLAPLD_REPRO") {
		a.Repro = true
	}
	if n := env.Int("FLAPLD_JOBS", 0); n > 0 && a.ThreadCount == 0 {
		a.ThreadCount = n
	}
	SetJobCount(a.ThreadCount)

	if a.Shared {
		a.Pie = false
	}
	return specs
}

// attachedValue handles single-letter options with attached arguments
// such as -lfoo, -L/dir or -melf_x86_64.
func attachedValue(arg, letter string) (string, bool) {
	rest, ok := strings.CutPrefix(arg, "-"+letter)
	if !ok || rest == "" {
		return "", false
	}
	return rest, true
}

func parseHexBytes(ctx *Context, s string) []byte {
	if len(s)%2 != 0 {
		ctx.Fatalf("invalid --build-id hex string")
	}
	out := make([]byte, len(s)/2)
	for i := 0; i < len(out); i++ {
		v, err := strconv.ParseUint(s[i*2:i*2+2], 16, 8)
		if err != nil {
			ctx.Fatalf("invalid --build-id hex string")
		}
		out[i] = byte(v)
	}
	return out
}

func parseZFlag(ctx *Context, v string) {
	a := &ctx.Args
	switch v {
	case "now":
		a.ZNow = true
	case "lazy":
		a.ZNow = false
	case "relro":
		a.ZRelro = true
	case "norelro":
		a.ZRelro = false
	case "execstack":
		a.ZExecstack = true
	case "noexecstack":
		a.ZExecstack = false
	case "nodelete":
		a.ZNodelete = true
	case "nodlopen":
		a.ZNodlopen = true
	case "initfirst":
		a.ZInitfirst = true
	case "interpose":
		a.ZInterpose = true
	case "origin":
		a.ZOrigin = true
	case "nodefaultlib":
		a.ZNodefaultlib = true
	case "defs":
		a.ZDefs = true
	case "nodefs", "undefs":
		a.ZDefs = false
	case "text":
		a.ZText = true
	case "notext", "textoff":
		a.ZText = false
	case "separate-loadable-segments":
		a.ZSeparateCode = SeparateLoadableSegments
	case "separate-code":
		a.ZSeparateCode = SeparateCode
	case "noseparate-code":
		a.ZSeparateCode = NoSeparateCode
	case "keep-text-section-prefix":
		a.ZKeepTextSectionPrefix = true
	case "nokeep-text-section-prefix":
		a.ZKeepTextSectionPrefix = false
	case "symbolic":
		a.ZSymbolic = true
	case "dynamic-undefined-weak":
		a.ZDynamicUndefinedWeak = true
	case "nodynamic-undefined-weak":
		a.ZDynamicUndefinedWeak = false
	case "muldefs":
		a.AllowMultipleDefinition = true
	default:
		if !strings.HasPrefix(v, "max-page-size=") &&
			!strings.HasPrefix(v, "common-page-size=") &&
			!strings.HasPrefix(v, "stack-size=") {
			ctx.Warnf("unknown -z flag: %s", v)
		}
	}
}

// parseVersionScript reads a restricted version-script dialect:
// VERSION_TAG { global: pat; ...; local: pat; ... }; blocks, possibly
// anonymous.
func parseVersionScript(ctx *Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		ctx.Fatalf("cannot open %s: %v", path, err)
	}
	toks := tokenizeScript(string(data))

	a := &ctx.Args
	i := 0
	for i < len(toks) {
		verName := ""
		if toks[i] != "{" {
			verName = toks[i]
			i++
		}
		if i >= len(toks) || toks[i] != "{" {
			ctx.Fatalf("%s: version script syntax error", path)
		}
		i++

		var verIdx uint32 = VER_NDX_GLOBAL
		if verName != "" {
			a.VersionDefs = append(a.VersionDefs, verName)
			verIdx = uint32(VER_NDX_LAST_RESERVED + len(a.VersionDefs))
		}

		current := verIdx
		for i < len(toks) && toks[i] != "}" {
			switch toks[i] {
			case "global:":
				current = verIdx
			case "local:":
				current = VER_NDX_LOCAL
			case ";":
			case "extern":
				// "extern C++ {" blocks: skip the language tag; the
				// patterns inside are matched verbatim.
				i++
				if i < len(toks) && toks[i] != "{" {
					i++
				}
			case "{":
			default:
				pat := strings.TrimSuffix(toks[i], ";")
				if pat != "" {
					a.VersionPatterns = append(a.VersionPatterns, VersionPattern{
						Pattern: pat, VerNdx: current,
					})
				}
			}
			i++
		}
		i++ // }
		if i < len(toks) && toks[i] == ";" {
			i++
		}
	}
}

// parseDynamicList marks matching symbols as exported.
func parseDynamicList(ctx *Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		ctx.Fatalf("cannot open %s: %v", path, err)
	}
	for _, tok := range tokenizeScript(string(data)) {
		switch tok {
		case "{", "}", ";", "global:", "local:":
			continue
		}
		pat := strings.TrimSuffix(tok, ";")
		if pat != "" {
			ctx.Args.VersionPatterns = append(ctx.Args.VersionPatterns, VersionPattern{
				Pattern: pat, VerNdx: VER_NDX_GLOBAL,
			})
		}
	}
}

// tokenizeScript splits a linker-script-like file into tokens, dropping
// comments.
func tokenizeScript(data string) []string {
	var toks []string
	i := 0
	for i < len(data) {
		c := data[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '#':
			for i < len(data) && data[i] != '\n' {
				i++
			}
		case strings.HasPrefix(data[i:], "/*"):
			end := strings.Index(data[i+2:], "*/")
			if end == -1 {
				return toks
			}
			i += end + 4
		case strings.HasPrefix(data[i:], "//"):
			for i < len(data) && data[i] != '\n' {
				i++
			}
		case c == '{' || c == '}' || c == ';' || c == '(' || c == ')':
			toks = append(toks, string(c))
			i++
		case c == '"':
			end := strings.IndexByte(data[i+1:], '"')
			if end == -1 {
				return toks
			}
			toks = append(toks, data[i+1:i+1+end])
			i += end + 2
		default:
			start := i
			for i < len(data) && !strings.ContainsRune(" \t\n\r{};()", rune(data[i])) {
				i++
			}
			toks = append(toks, data[start:i])
		}
	}
	return toks
}
