package main

import (
	"archive/tar"
	"os"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Output-file handling. On Linux kernels that return ETXTBSY when a
// running executable is opened for writing, overwriting in place is
// fine; elsewhere the old file is unlinked first so a running copy keeps
// its mapping.

func kernelOverwriteOk() bool {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return false
	}
	release := string(uts.Release[:])
	if i := strings.IndexByte(release, 0); i >= 0 {
		release = release[:i]
	}
	parts := strings.SplitN(release, ".", 3)
	if len(parts) < 2 {
		return false
	}
	major, err1 := strconv.Atoi(parts[0])
	minor, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return false
	}
	// ETXTBSY for open(2) on a running executable has been there
	// forever; what we really probe for is the mandatory-overwrite
	// behavior introduced alongside it.
	return major > 2 || (major == 2 && minor >= 6)
}

// WriteOutputFile puts the finished image on disk with the executable
// bit set when appropriate.
func WriteOutputFile(ctx *Context, buf []byte) {
	path := ctx.Args.Output
	perm := os.FileMode(0o777)
	if ctx.Args.Relocatable {
		perm = 0o666
	}

	if !kernelOverwriteOk() {
		os.Remove(path)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		ctx.Fatalf("cannot open output file %s: %v", path, err)
	}
	if err := unix.Ftruncate(int(f.Fd()), int64(len(buf))); err == nil {
		// Preallocated; the write below fills it.
	}
	if _, err := f.Write(buf); err != nil {
		ctx.Fatalf("cannot write to %s: %v", path, err)
	}
	if err := f.Close(); err != nil {
		ctx.Fatalf("cannot close %s: %v", path, err)
	}
}

// stripToBinary implements --oformat=binary: allocated segment contents
// only, headers gone.
func stripToBinary(ctx *Context) []byte {
	var lo, hi uint64
	first := true
	for _, chunk := range ctx.Chunks {
		shdr := chunk.Shdr()
		if shdr.Flags&SHF_ALLOC == 0 || shdr.Type == SHT_NOBITS || chunk.IsHeader() {
			continue
		}
		if first || shdr.Addr < lo {
			lo = shdr.Addr
		}
		if shdr.Addr+shdr.Size > hi {
			hi = shdr.Addr + shdr.Size
		}
		first = false
	}
	if first {
		return nil
	}
	out := make([]byte, hi-lo)
	for _, chunk := range ctx.Chunks {
		shdr := chunk.Shdr()
		if shdr.Flags&SHF_ALLOC == 0 || shdr.Type == SHT_NOBITS || chunk.IsHeader() {
			continue
		}
		copy(out[shdr.Addr-lo:], ctx.Buf[shdr.Offset:shdr.Offset+shdr.Size])
	}
	return out
}

// WriteReproFile archives every input next to the output so a bug report
// can be reproduced byte-for-byte.
func WriteReproFile(ctx *Context) {
	path := ctx.Args.Output + ".repro.tar"
	f, err := os.Create(path)
	if err != nil {
		ctx.Fatalf("cannot create repro file %s: %v", path, err)
	}
	w := tar.NewWriter(f)

	var names []string
	for name := range ctx.ReproFiles {
		names = append(names, name)
	}
	sort.Strings(names)

	respName := "response.txt"
	resp := strings.Join(os.Args[1:], "\n") + "\n"
	w.WriteHeader(&tar.Header{Name: respName, Mode: 0o644, Size: int64(len(resp))})
	w.Write([]byte(resp))

	for _, name := range names {
		data := ctx.ReproFiles[name]
		hdr := &tar.Header{Name: strings.TrimPrefix(name, "/"), Mode: 0o644, Size: int64(len(data))}
		if err := w.WriteHeader(hdr); err != nil {
			ctx.Fatalf("cannot write repro file: %v", err)
		}
		if _, err := w.Write(data); err != nil {
			ctx.Fatalf("cannot write repro file: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		ctx.Fatalf("cannot finish repro file: %v", err)
	}
	f.Close()
}

// WriteSeparateDebugFile copies the non-allocated debug chunks into a
// stand-alone file referenced by .gnu_debuglink-style tooling.
func WriteSeparateDebugFile(ctx *Context) {
	path := ctx.Args.SeparateDebugFile
	if path == "" {
		return
	}
	f, err := os.Create(path)
	if err != nil {
		ctx.Fatalf("cannot create %s: %v", path, err)
	}
	// The debug companion is the whole image with allocated section
	// contents elided; consumers only look at the debug sections and the
	// section headers.
	out := make([]byte, len(ctx.Buf))
	copy(out, ctx.Buf)
	for _, chunk := range ctx.Chunks {
		shdr := chunk.Shdr()
		if shdr.Flags&SHF_ALLOC != 0 && shdr.Type != SHT_NOBITS && !chunk.IsHeader() &&
			!strings.HasPrefix(chunk.Name(), ".debug_") {
			clear(out[shdr.Offset : shdr.Offset+shdr.Size])
		}
	}
	if _, err := f.Write(out); err != nil {
		ctx.Fatalf("cannot write %s: %v", path, err)
	}
	f.Close()
}

// PrintStats dumps the relocation range statistics collected during the
// apply pass.
func PrintStats(ctx *Context) {
	ctx.relocStats.Range(func(key, value any) bool {
		osec := key.(*OutputSection)
		stats := value.(*[]rangeStat)
		ctx.Verbosef("%s: %d range-checked relocations", osec.Name(), len(*stats))
		return true
	})
}
