package main

import (
	"encoding/binary"
	"fmt"
)

// Raw ELF structures, normalized to 64-bit fields so that the rest of the
// linker never has to care whether an input was ELFCLASS32 or ELFCLASS64.
// Parsing is done by hand with encoding/binary because we need byte slices
// into the mapped input (and, for REL-style targets, in-place access to
// addends stored in section contents).

// ELF identification
const (
	ELFCLASS32 = 1
	ELFCLASS64 = 2

	ELFDATA2LSB = 1
	ELFDATA2MSB = 2

	ET_REL  = 1
	ET_EXEC = 2
	ET_DYN  = 3
)

// Machine types we link for
const (
	EM_X86_64    = 62
	EM_AARCH64   = 183
	EM_RISCV     = 243
	EM_LOONGARCH = 258
	EM_PPC64     = 21
	EM_S390X     = 22
	EM_SH        = 42
)

// Section types
const (
	SHT_NULL             = 0
	SHT_PROGBITS         = 1
	SHT_SYMTAB           = 2
	SHT_STRTAB           = 3
	SHT_RELA             = 4
	SHT_HASH             = 5
	SHT_DYNAMIC          = 6
	SHT_NOTE             = 7
	SHT_NOBITS           = 8
	SHT_REL              = 9
	SHT_DYNSYM           = 11
	SHT_INIT_ARRAY       = 14
	SHT_FINI_ARRAY       = 15
	SHT_PREINIT_ARRAY    = 16
	SHT_GROUP            = 17
	SHT_SYMTAB_SHNDX     = 18
	SHT_RELR             = 19
	SHT_GNU_HASH         = 0x6ffffff6
	SHT_GNU_VERDEF       = 0x6ffffffd
	SHT_GNU_VERNEED      = 0x6ffffffe
	SHT_GNU_VERSYM       = 0x6fffffff
	SHT_X86_64_UNWIND    = 0x70000001
	SHT_RISCV_ATTRIBUTES = 0x70000003
	SHT_LLVM_ADDRSIG     = 0x6fff4c03
)

// Section flags
const (
	SHF_WRITE      = 0x1
	SHF_ALLOC      = 0x2
	SHF_EXECINSTR  = 0x4
	SHF_MERGE      = 0x10
	SHF_STRINGS    = 0x20
	SHF_INFO_LINK  = 0x40
	SHF_GROUP      = 0x200
	SHF_TLS        = 0x400
	SHF_COMPRESSED = 0x800
	SHF_EXCLUDE    = 0x80000000
)

// Special section indices
const (
	SHN_UNDEF     = 0
	SHN_LORESERVE = 0xff00
	SHN_ABS       = 0xfff1
	SHN_COMMON    = 0xfff2
	SHN_XINDEX    = 0xffff
)

// Symbol binding / type / visibility
const (
	STB_LOCAL  = 0
	STB_GLOBAL = 1
	STB_WEAK   = 2

	STT_NOTYPE    = 0
	STT_OBJECT    = 1
	STT_FUNC      = 2
	STT_SECTION   = 3
	STT_FILE      = 4
	STT_COMMON    = 5
	STT_TLS       = 6
	STT_GNU_IFUNC = 10

	STV_DEFAULT   = 0
	STV_INTERNAL  = 1
	STV_HIDDEN    = 2
	STV_PROTECTED = 3
)

// Program header types and flags
const (
	PT_NULL         = 0
	PT_LOAD         = 1
	PT_DYNAMIC      = 2
	PT_INTERP       = 3
	PT_NOTE         = 4
	PT_PHDR         = 6
	PT_TLS          = 7
	PT_GNU_EH_FRAME = 0x6474e550
	PT_GNU_STACK    = 0x6474e551
	PT_GNU_RELRO    = 0x6474e552

	PF_X = 1
	PF_W = 2
	PF_R = 4
)

// Dynamic tags
const (
	DT_NULL            = 0
	DT_NEEDED          = 1
	DT_PLTRELSZ        = 2
	DT_PLTGOT          = 3
	DT_HASH            = 4
	DT_STRTAB          = 5
	DT_SYMTAB          = 6
	DT_RELA            = 7
	DT_RELASZ          = 8
	DT_RELAENT         = 9
	DT_STRSZ           = 10
	DT_SYMENT          = 11
	DT_INIT            = 12
	DT_FINI            = 13
	DT_SONAME          = 14
	DT_RPATH           = 15
	DT_SYMBOLIC        = 16
	DT_REL             = 17
	DT_RELSZ           = 18
	DT_RELENT          = 19
	DT_PLTREL          = 20
	DT_DEBUG           = 21
	DT_TEXTREL         = 22
	DT_JMPREL          = 23
	DT_INIT_ARRAY      = 25
	DT_FINI_ARRAY      = 26
	DT_INIT_ARRAYSZ    = 27
	DT_FINI_ARRAYSZ    = 28
	DT_RUNPATH         = 29
	DT_FLAGS           = 30
	DT_PREINIT_ARRAY   = 32
	DT_PREINIT_ARRAYSZ = 33
	DT_RELRSZ          = 35
	DT_RELR            = 36
	DT_RELRENT         = 37
	DT_GNU_HASH        = 0x6ffffef5
	DT_VERSYM          = 0x6ffffff0
	DT_VERDEF          = 0x6ffffffc
	DT_VERDEFNUM       = 0x6ffffffd
	DT_VERNEED         = 0x6ffffffe
	DT_VERNEEDNUM      = 0x6fffffff
	DT_FLAGS_1         = 0x6ffffffb

	DF_ORIGIN     = 0x01
	DF_SYMBOLIC   = 0x02
	DF_TEXTREL    = 0x04
	DF_BIND_NOW   = 0x08
	DF_STATIC_TLS = 0x10

	DF_1_NOW       = 0x00000001
	DF_1_NODELETE  = 0x00000008
	DF_1_INITFIRST = 0x00000020
	DF_1_NOOPEN    = 0x00000040
	DF_1_ORIGIN    = 0x00000080
	DF_1_INTERPOSE = 0x00000400
	DF_1_NODEFLIB  = 0x00000800
	DF_1_PIE       = 0x08000000
)

// Version handling
const (
	VER_NDX_LOCAL         = 0
	VER_NDX_GLOBAL        = 1
	VER_NDX_LAST_RESERVED = 1
	VER_NDX_UNSPECIFIED   = 0xffff

	VER_FLG_BASE = 1
	VER_FLG_WEAK = 2
)

// Compressed section header types
const (
	ELFCOMPRESS_ZLIB = 1
	ELFCOMPRESS_ZSTD = 2
)

// Group flags
const GRP_COMDAT = 1

// e_flags bits we care about
const EF_RISCV_RVC = 1

// Ehdr is a normalized ELF file header.
type Ehdr struct {
	Class    uint8
	Data     uint8
	Type     uint16
	Machine  uint16
	Entry    uint64
	Phoff    uint64
	Shoff    uint64
	Flags    uint32
	Phnum    int
	Shnum    int
	Shstrndx int
}

// Shdr is a normalized section header.
type Shdr struct {
	Name      uint32
	Type      uint32
	Flags     uint64
	Addr      uint64
	Offset    uint64
	Size      uint64
	Link      uint32
	Info      uint32
	AddrAlign uint64
	EntSize   uint64
}

// ESym is a normalized ELF symbol table entry.
type ESym struct {
	NameOff uint32
	Info    uint8
	Other   uint8
	Shndx   uint32
	Value   uint64
	Size    uint64
}

func (s *ESym) Bind() uint8       { return s.Info >> 4 }
func (s *ESym) Type() uint8       { return s.Info & 0xf }
func (s *ESym) Visibility() uint8 { return s.Other & 3 }

func (s *ESym) IsUndef() bool     { return s.Shndx == SHN_UNDEF && s.Type() != STT_COMMON }
func (s *ESym) IsWeak() bool      { return s.Bind() == STB_WEAK }
func (s *ESym) IsCommon() bool    { return s.Shndx == SHN_COMMON || s.Type() == STT_COMMON }
func (s *ESym) IsAbs() bool       { return s.Shndx == SHN_ABS }
func (s *ESym) IsUndefWeak() bool { return s.IsUndef() && s.IsWeak() }

// IsDefined reports whether the entry defines the symbol, i.e. it is
// neither an undefined reference nor a COMMON tentative definition.
func (s *ESym) IsDefined() bool { return !s.IsUndef() && !s.IsCommon() }

// ElfRel is a relocation record normalized across REL/RELA, 32/64-bit
// and both byte orders.
type ElfRel struct {
	Offset uint64
	Type   uint32
	Sym    uint32
	Addend int64
}

// ElfConfig describes the wire format of a single ELF file.
type ElfConfig struct {
	Is64 bool
	Bo   binary.ByteOrder
}

func (ec ElfConfig) WordSize() int {
	if ec.Is64 {
		return 8
	}
	return 4
}

func (ec ElfConfig) ShdrSize() int {
	if ec.Is64 {
		return 64
	}
	return 40
}

func (ec ElfConfig) SymSize() int {
	if ec.Is64 {
		return 24
	}
	return 16
}

func (ec ElfConfig) PhdrSize() int {
	if ec.Is64 {
		return 56
	}
	return 32
}

func (ec ElfConfig) EhdrSize() int {
	if ec.Is64 {
		return 64
	}
	return 52
}

func (ec ElfConfig) RelSize(rela bool) int {
	n := ec.WordSize() * 2
	if rela {
		n += ec.WordSize()
	}
	return n
}

// ReadEhdr parses and sanity-checks an ELF header.
func ReadEhdr(data []byte) (Ehdr, ElfConfig, error) {
	var h Ehdr
	var ec ElfConfig
	if len(data) < 52 || data[0] != 0x7f || data[1] != 'E' || data[2] != 'L' || data[3] != 'F' {
		return h, ec, fmt.Errorf("not an ELF file")
	}
	h.Class = data[4]
	h.Data = data[5]
	switch h.Data {
	case ELFDATA2LSB:
		ec.Bo = binary.LittleEndian
	case ELFDATA2MSB:
		ec.Bo = binary.BigEndian
	default:
		return h, ec, fmt.Errorf("unknown ELF data encoding %d", h.Data)
	}
	switch h.Class {
	case ELFCLASS32:
		ec.Is64 = false
	case ELFCLASS64:
		ec.Is64 = true
		if len(data) < 64 {
			return h, ec, fmt.Errorf("truncated ELF header")
		}
	default:
		return h, ec, fmt.Errorf("unknown ELF class %d", h.Class)
	}

	bo := ec.Bo
	h.Type = bo.Uint16(data[16:])
	h.Machine = bo.Uint16(data[18:])
	if ec.Is64 {
		h.Entry = bo.Uint64(data[24:])
		h.Phoff = bo.Uint64(data[32:])
		h.Shoff = bo.Uint64(data[40:])
		h.Flags = bo.Uint32(data[48:])
		h.Phnum = int(bo.Uint16(data[56:]))
		h.Shnum = int(bo.Uint16(data[60:]))
		h.Shstrndx = int(bo.Uint16(data[62:]))
	} else {
		h.Entry = uint64(bo.Uint32(data[24:]))
		h.Phoff = uint64(bo.Uint32(data[28:]))
		h.Shoff = uint64(bo.Uint32(data[32:]))
		h.Flags = bo.Uint32(data[36:])
		h.Phnum = int(bo.Uint16(data[44:]))
		h.Shnum = int(bo.Uint16(data[48:]))
		h.Shstrndx = int(bo.Uint16(data[50:]))
	}
	return h, ec, nil
}

// ReadShdrs parses the section header table.
func ReadShdrs(data []byte, h Ehdr, ec ElfConfig) ([]Shdr, error) {
	if h.Shoff == 0 || h.Shnum == 0 {
		return nil, nil
	}
	entsize := uint64(ec.ShdrSize())
	end := h.Shoff + uint64(h.Shnum)*entsize
	if end > uint64(len(data)) {
		return nil, fmt.Errorf("section header table out of bounds")
	}
	bo := ec.Bo
	shdrs := make([]Shdr, h.Shnum)
	for i := range shdrs {
		b := data[h.Shoff+uint64(i)*entsize:]
		s := &shdrs[i]
		s.Name = bo.Uint32(b)
		s.Type = bo.Uint32(b[4:])
		if ec.Is64 {
			s.Flags = bo.Uint64(b[8:])
			s.Addr = bo.Uint64(b[16:])
			s.Offset = bo.Uint64(b[24:])
			s.Size = bo.Uint64(b[32:])
			s.Link = bo.Uint32(b[40:])
			s.Info = bo.Uint32(b[44:])
			s.AddrAlign = bo.Uint64(b[48:])
			s.EntSize = bo.Uint64(b[56:])
		} else {
			s.Flags = uint64(bo.Uint32(b[8:]))
			s.Addr = uint64(bo.Uint32(b[12:]))
			s.Offset = uint64(bo.Uint32(b[16:]))
			s.Size = uint64(bo.Uint32(b[20:]))
			s.Link = bo.Uint32(b[24:])
			s.Info = bo.Uint32(b[28:])
			s.AddrAlign = uint64(bo.Uint32(b[32:]))
			s.EntSize = uint64(bo.Uint32(b[36:]))
		}
	}
	return shdrs, nil
}

// ReadSyms parses a symbol table section.
func ReadSyms(data []byte, ec ElfConfig) ([]ESym, error) {
	entsize := ec.SymSize()
	if len(data)%entsize != 0 {
		return nil, fmt.Errorf("symbol table size is not a multiple of entry size")
	}
	bo := ec.Bo
	syms := make([]ESym, len(data)/entsize)
	for i := range syms {
		b := data[i*entsize:]
		s := &syms[i]
		s.NameOff = bo.Uint32(b)
		if ec.Is64 {
			s.Info = b[4]
			s.Other = b[5]
			s.Shndx = uint32(bo.Uint16(b[6:]))
			s.Value = bo.Uint64(b[8:])
			s.Size = bo.Uint64(b[16:])
		} else {
			s.Value = uint64(bo.Uint32(b[4:]))
			s.Size = uint64(bo.Uint32(b[8:]))
			s.Info = b[12]
			s.Other = b[13]
			s.Shndx = uint32(bo.Uint16(b[14:]))
		}
	}
	return syms, nil
}

// ReadRels parses a REL or RELA section. For REL, addends are zero here;
// the target reads them from the relocated place instead.
func ReadRels(data []byte, ec ElfConfig, rela bool) []ElfRel {
	entsize := ec.RelSize(rela)
	bo := ec.Bo
	n := len(data) / entsize
	rels := make([]ElfRel, n)
	for i := 0; i < n; i++ {
		b := data[i*entsize:]
		r := &rels[i]
		if ec.Is64 {
			r.Offset = bo.Uint64(b)
			info := bo.Uint64(b[8:])
			r.Sym = uint32(info >> 32)
			r.Type = uint32(info)
			if rela {
				r.Addend = int64(bo.Uint64(b[16:]))
			}
		} else {
			r.Offset = uint64(bo.Uint32(b))
			info := bo.Uint32(b[4:])
			r.Sym = info >> 8
			r.Type = info & 0xff
			if rela {
				r.Addend = int64(int32(bo.Uint32(b[8:])))
			}
		}
	}
	return rels
}

// WriteShdr serializes one section header at buf.
func WriteShdr(buf []byte, ec ElfConfig, nameOff uint32, s *Shdr) {
	bo := ec.Bo
	bo.PutUint32(buf, nameOff)
	bo.PutUint32(buf[4:], s.Type)
	if ec.Is64 {
		bo.PutUint64(buf[8:], s.Flags)
		bo.PutUint64(buf[16:], s.Addr)
		bo.PutUint64(buf[24:], s.Offset)
		bo.PutUint64(buf[32:], s.Size)
		bo.PutUint32(buf[40:], s.Link)
		bo.PutUint32(buf[44:], s.Info)
		bo.PutUint64(buf[48:], s.AddrAlign)
		bo.PutUint64(buf[56:], s.EntSize)
	} else {
		bo.PutUint32(buf[8:], uint32(s.Flags))
		bo.PutUint32(buf[12:], uint32(s.Addr))
		bo.PutUint32(buf[16:], uint32(s.Offset))
		bo.PutUint32(buf[20:], uint32(s.Size))
		bo.PutUint32(buf[24:], s.Link)
		bo.PutUint32(buf[28:], s.Info)
		bo.PutUint32(buf[32:], uint32(s.AddrAlign))
		bo.PutUint32(buf[36:], uint32(s.EntSize))
	}
}

// Phdr is a normalized program header.
type Phdr struct {
	Type     uint32
	Flags    uint32
	Offset   uint64
	Vaddr    uint64
	Paddr    uint64
	FileSize uint64
	MemSize  uint64
	Align    uint64
}

// WritePhdr serializes one program header at buf.
func WritePhdr(buf []byte, ec ElfConfig, p *Phdr) {
	bo := ec.Bo
	bo.PutUint32(buf, p.Type)
	if ec.Is64 {
		bo.PutUint32(buf[4:], p.Flags)
		bo.PutUint64(buf[8:], p.Offset)
		bo.PutUint64(buf[16:], p.Vaddr)
		bo.PutUint64(buf[24:], p.Paddr)
		bo.PutUint64(buf[32:], p.FileSize)
		bo.PutUint64(buf[40:], p.MemSize)
		bo.PutUint64(buf[48:], p.Align)
	} else {
		bo.PutUint32(buf[4:], uint32(p.Offset))
		bo.PutUint32(buf[8:], uint32(p.Vaddr))
		bo.PutUint32(buf[12:], uint32(p.Paddr))
		bo.PutUint32(buf[16:], uint32(p.FileSize))
		bo.PutUint32(buf[20:], uint32(p.MemSize))
		bo.PutUint32(buf[24:], p.Flags)
		bo.PutUint32(buf[28:], uint32(p.Align))
	}
}

// WriteSym serializes one symbol table entry at buf.
func WriteSym(buf []byte, ec ElfConfig, s *ESym) {
	bo := ec.Bo
	bo.PutUint32(buf, s.NameOff)
	if ec.Is64 {
		buf[4] = s.Info
		buf[5] = s.Other
		bo.PutUint16(buf[6:], uint16(s.Shndx))
		bo.PutUint64(buf[8:], s.Value)
		bo.PutUint64(buf[16:], s.Size)
	} else {
		bo.PutUint32(buf[4:], uint32(s.Value))
		bo.PutUint32(buf[8:], uint32(s.Size))
		buf[12] = s.Info
		buf[13] = s.Other
		bo.PutUint16(buf[14:], uint16(s.Shndx))
	}
}

// WriteRel serializes one REL/RELA entry at buf.
func WriteRel(buf []byte, ec ElfConfig, rela bool, r *ElfRel) {
	bo := ec.Bo
	if ec.Is64 {
		bo.PutUint64(buf, r.Offset)
		bo.PutUint64(buf[8:], uint64(r.Sym)<<32|uint64(r.Type))
		if rela {
			bo.PutUint64(buf[16:], uint64(r.Addend))
		}
	} else {
		bo.PutUint32(buf, uint32(r.Offset))
		bo.PutUint32(buf[4:], r.Sym<<8|r.Type&0xff)
		if rela {
			bo.PutUint32(buf[8:], uint32(r.Addend))
		}
	}
}

// ElfString reads a NUL-terminated string out of a string table.
func ElfString(strtab []byte, off uint32) string {
	if int(off) >= len(strtab) {
		return ""
	}
	b := strtab[off:]
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func alignTo(val, align uint64) uint64 {
	if align == 0 {
		return val
	}
	return (val + align - 1) &^ (align - 1)
}

func bitCeil(v uint64) uint64 {
	r := uint64(1)
	for r < v {
		r <<= 1
	}
	return r
}

func toP2Align(alignment uint64) uint8 {
	if alignment == 0 {
		return 0
	}
	var n uint8
	for alignment&1 == 0 {
		alignment >>= 1
		n++
	}
	return n
}

// bit extracts a single bit.
func bit(val uint64, pos int) uint32 {
	return uint32(val>>uint(pos)) & 1
}

// bits extracts [hi, lo] (inclusive) as the low bits of the result.
func bits(val uint64, hi, lo int) uint32 {
	return uint32(val>>uint(lo)) & uint32(1<<uint(hi-lo+1)-1)
}

// signExtend returns val with bit pos treated as the sign bit.
func signExtend(val uint64, pos int) int64 {
	shift := uint(63 - pos)
	return int64(val<<shift) >> shift
}

// isInt reports whether v fits in an n-bit signed integer.
func isInt(v int64, n int) bool {
	return -(int64(1)<<uint(n-1)) <= v && v < int64(1)<<uint(n-1)
}

// isUint reports whether v fits in an n-bit unsigned integer.
func isUint(v uint64, n int) bool {
	return v < uint64(1)<<uint(n)
}
