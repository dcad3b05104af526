package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/xyproto/env/v2"
)

// Diagnostics. Three severities:
//
//   Fatalf  - print and exit(1) immediately. For broken inputs and I/O.
//   Errorf  - record and keep going until the next checkpoint.
//   Warnf   - print to stderr; upgraded to Errorf under --fatal-warnings.
//
// Undefined-symbol reports are special-cased: they are collected per symbol
// during the relocation scan and printed at most maxUndefErrors locations
// each, with a summary line for the rest.

// VerboseMode enables extra progress output on stderr
var VerboseMode bool

const maxUndefErrors = 3

var useColor = os.Stderr != nil && env.Str("NO_COLOR") == "" && env.Str("TERM") != "dumb"

func severity(tag, color string) string {
	if useColor {
		return "\033[0;1;" + color + "m" + tag + ":\033[0m"
	}
	return tag + ":"
}

// Fatalf prints a fatal diagnostic and terminates the process.
func (ctx *Context) Fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "%s %s "+format+"\n",
		append([]interface{}{progName, severity("fatal", "31")}, args...)...)
	os.Exit(1)
}

// Errorf records a recoverable error. The driver exits at the next
// checkpoint.
func (ctx *Context) Errorf(format string, args ...interface{}) {
	if ctx.Args.NoinhibitExec {
		ctx.Warnf(format, args...)
		return
	}
	fmt.Fprintf(os.Stderr, "%s %s "+format+"\n",
		append([]interface{}{progName, severity("error", "31")}, args...)...)
	ctx.hasError.Store(true)
}

// Warnf prints a warning, or records an error under --fatal-warnings.
func (ctx *Context) Warnf(format string, args ...interface{}) {
	if ctx.Args.FatalWarnings {
		fmt.Fprintf(os.Stderr, "%s %s "+format+"\n",
			append([]interface{}{progName, severity("error", "31")}, args...)...)
		ctx.hasError.Store(true)
		return
	}
	if ctx.Args.SuppressWarnings {
		return
	}
	fmt.Fprintf(os.Stderr, "%s %s "+format+"\n",
		append([]interface{}{progName, severity("warning", "35")}, args...)...)
}

// Verbosef prints progress output when -verbose is in effect.
func (ctx *Context) Verbosef(format string, args ...interface{}) {
	if VerboseMode {
		fmt.Fprintf(os.Stderr, progName+": "+format+"\n", args...)
	}
}

// Checkpoint exits non-zero if any Errorf has been recorded so far.
func (ctx *Context) Checkpoint() {
	if ctx.hasError.Load() {
		os.Exit(1)
	}
}

// undefError is one recorded reference to an unresolved symbol.
type undefError struct {
	loc string
}

type undefEntry struct {
	errs  []undefError
	extra atomic.Int64
}

// RecordUndef files one "referenced by" location for sym. Only the first
// maxUndefErrors locations are kept verbatim.
func (ctx *Context) RecordUndef(sym *Symbol, loc string) {
	e, _ := ctx.undefErrors.LoadOrCompute(sym, func() *undefEntry {
		return &undefEntry{}
	})
	e2 := e
	ctx.undefMu.Lock()
	if len(e2.errs) < maxUndefErrors {
		e2.errs = append(e2.errs, undefError{loc: loc})
		ctx.undefMu.Unlock()
		return
	}
	ctx.undefMu.Unlock()
	e2.extra.Add(1)
}

// ReportUndefErrors prints the collected undefined-symbol diagnostics in a
// deterministic order.
func (ctx *Context) ReportUndefErrors() {
	type pair struct {
		sym *Symbol
		ent *undefEntry
	}
	var pairs []pair
	ctx.undefErrors.Range(func(sym *Symbol, ent *undefEntry) bool {
		pairs = append(pairs, pair{sym, ent})
		return true
	})
	if len(pairs) == 0 {
		return
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].sym.Name < pairs[j].sym.Name })

	asWarning := ctx.Args.UnresolvedSymbols == UnresolvedWarn
	for _, p := range pairs {
		var sb strings.Builder
		fmt.Fprintf(&sb, "undefined symbol: %s", p.sym.Name)
		for _, e := range p.ent.errs {
			sb.WriteString("\n>>> referenced by " + e.loc)
		}
		if n := p.ent.extra.Load(); n > 0 {
			fmt.Fprintf(&sb, "\n>>> referenced %d more times", n)
		}
		if asWarning {
			ctx.Warnf("%s", sb.String())
		} else {
			ctx.Errorf("%s", sb.String())
		}
	}
	ctx.Checkpoint()
}

func newUndefMap() *xsync.MapOf[*Symbol, *undefEntry] {
	return xsync.NewMapOf[*Symbol, *undefEntry]()
}
