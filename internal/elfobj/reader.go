// Package elfobj reads relocatable ELF objects into the form the dyld
// loader consumes, and builds such objects for tests and tools.
package elfobj

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"os"

	"github.com/xyproto/rtdyld/internal/dyld"
	"github.com/xyproto/rtdyld/internal/engine"
)

// File is a parsed relocatable object
type File struct {
	arch     engine.Arch
	machine  elf.Machine
	flags    uint32
	sections []*dyld.ObjSection
	symbols  []*dyld.ObjSymbol
}

func (f *File) Arch() engine.Arch            { return f.arch }
func (f *File) Flags() uint32                { return f.flags }
func (f *File) Sections() []*dyld.ObjSection { return f.sections }
func (f *File) Symbols() []*dyld.ObjSymbol   { return f.symbols }
func (f *File) Machine() elf.Machine         { return f.machine }

// Section returns the first section called name
func (f *File) Section(name string) *dyld.ObjSection {
	for _, s := range f.sections {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// Symbol returns the first symbol called name
func (f *File) Symbol(name string) *dyld.ObjSymbol {
	for _, s := range f.symbols {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// ForceArch reinterprets the object for a related architecture. ELF does
// not tell ARM and Thumb code apart, so this is how Thumb objects are
// loaded.
func (f *File) ForceArch(a engine.Arch) error {
	if a == f.arch {
		return nil
	}
	if f.arch.IsARM() && a.IsARM() {
		f.arch = a
		return nil
	}
	return fmt.Errorf("cannot load a %s object as %s", f.arch, a)
}

// Open reads the object at path
func Open(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Parse reads an object from memory
func Parse(data []byte) (*File, error) {
	ef, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer ef.Close()

	if ef.Type != elf.ET_REL {
		return nil, fmt.Errorf("not a relocatable object (type %v)", ef.Type)
	}
	arch, err := engine.ArchFromELF(ef.Machine, ef.Class, ef.Data)
	if err != nil {
		return nil, err
	}
	f := &File{arch: arch, machine: ef.Machine, flags: headerFlags(data, ef)}

	symbols, err := ef.Symbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, fmt.Errorf("reading symbols: %w", err)
	}
	for _, s := range symbols {
		f.symbols = append(f.symbols, convertSymbol(s))
	}

	byIndex := make(map[int]*dyld.ObjSection)
	for i, s := range ef.Sections {
		switch s.Type {
		case elf.SHT_NULL, elf.SHT_SYMTAB, elf.SHT_STRTAB, elf.SHT_REL, elf.SHT_RELA, elf.SHT_GROUP, elf.SHT_SYMTAB_SHNDX:
			continue
		}
		sec := &dyld.ObjSection{
			Index: i,
			Name:  s.Name,
			Size:  s.Size,
			Align: s.Addralign,
			Flags: sectionFlags(s),
		}
		if s.Type != elf.SHT_NOBITS {
			if sec.Data, err = s.Data(); err != nil {
				return nil, fmt.Errorf("reading %s: %w", s.Name, err)
			}
		}
		f.sections = append(f.sections, sec)
		byIndex[i] = sec
	}

	for _, s := range ef.Sections {
		if s.Type != elf.SHT_REL && s.Type != elf.SHT_RELA {
			continue
		}
		target, ok := byIndex[int(s.Info)]
		if !ok || !target.IsAlloc() {
			// Relocations of debug info are not applied
			continue
		}
		raw, err := s.Data()
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", s.Name, err)
		}
		rels, err := f.decodeRelocations(ef, raw, s.Type == elf.SHT_RELA)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s.Name, err)
		}
		target.Relocations = append(target.Relocations, rels...)
		target.ExplicitAddends = s.Type == elf.SHT_RELA
	}
	return f, nil
}

// headerFlags returns e_flags, which debug/elf does not expose
func headerFlags(data []byte, ef *elf.File) uint32 {
	off := 36
	if ef.Class == elf.ELFCLASS64 {
		off = 48
	}
	if len(data) < off+4 {
		return 0
	}
	return ef.ByteOrder.Uint32(data[off:])
}

func sectionFlags(s *elf.Section) dyld.SectionFlags {
	var flags dyld.SectionFlags
	if s.Flags&elf.SHF_ALLOC != 0 {
		flags |= dyld.SectionAlloc
	}
	if s.Flags&elf.SHF_EXECINSTR != 0 {
		flags |= dyld.SectionExec
	}
	if s.Flags&elf.SHF_WRITE != 0 {
		flags |= dyld.SectionWrite
	}
	if s.Flags&elf.SHF_TLS != 0 {
		flags |= dyld.SectionTLS
	}
	if s.Type == elf.SHT_NOBITS {
		flags |= dyld.SectionNoBits
	}
	return flags
}

func convertSymbol(s elf.Symbol) *dyld.ObjSymbol {
	sym := &dyld.ObjSymbol{
		Name:  s.Name,
		Value: s.Value,
		Size:  s.Size,
		Other: s.Other,
	}
	switch elf.ST_TYPE(s.Info) {
	case elf.STT_OBJECT, elf.STT_COMMON:
		sym.Kind = dyld.SymObject
	case elf.STT_FUNC, elf.SymType(10): // STT_GNU_IFUNC (elf.STT_GNU_IFUNC needs Go 1.24)
		sym.Kind = dyld.SymFunc
	case elf.STT_SECTION:
		sym.Kind = dyld.SymSection
	case elf.STT_FILE:
		sym.Kind = dyld.SymFile
	case elf.STT_TLS:
		sym.Kind = dyld.SymTLS
	default:
		sym.Kind = dyld.SymNoType
	}
	switch elf.ST_BIND(s.Info) {
	case elf.STB_LOCAL:
		sym.Binding = dyld.BindLocal
	case elf.STB_WEAK:
		sym.Binding = dyld.BindWeak
	default:
		sym.Binding = dyld.BindGlobal
	}
	switch s.Section {
	case elf.SHN_UNDEF:
		sym.Section = dyld.SectionUndef
	case elf.SHN_ABS:
		sym.Section = dyld.SectionAbs
	case elf.SHN_COMMON:
		sym.Section = dyld.SectionCommon
	default:
		sym.Section = int(s.Section)
	}
	return sym
}

// decodeRelocations parses a REL or RELA table. MIPS64 r_info carries up
// to three types, which are packed one per byte, first type lowest.
func (f *File) decodeRelocations(ef *elf.File, raw []byte, rela bool) ([]dyld.ObjRelocation, error) {
	order := ef.ByteOrder
	is64 := ef.Class == elf.ELFCLASS64
	size := 8
	switch {
	case is64 && rela:
		size = 24
	case is64:
		size = 16
	case rela:
		size = 12
	}
	if len(raw)%size != 0 {
		return nil, fmt.Errorf("table size %d is not a multiple of %d", len(raw), size)
	}

	rels := make([]dyld.ObjRelocation, 0, len(raw)/size)
	for off := 0; off < len(raw); off += size {
		e := raw[off : off+size]
		var r dyld.ObjRelocation
		var sym uint64
		if is64 {
			r.Offset = order.Uint64(e[0:])
			info := order.Uint64(e[8:])
			sym, r.Type = f.splitInfo64(ef, info)
			if rela {
				r.Addend = int64(order.Uint64(e[16:]))
			}
		} else {
			r.Offset = uint64(order.Uint32(e[0:]))
			info := order.Uint32(e[4:])
			sym, r.Type = uint64(info>>8), info&0xff
			if rela {
				r.Addend = int64(int32(order.Uint32(e[8:])))
			}
		}
		if sym != 0 {
			if sym > uint64(len(f.symbols)) {
				return nil, fmt.Errorf("relocation at 0x%x uses symbol %d of %d", r.Offset, sym, len(f.symbols))
			}
			r.Symbol = f.symbols[sym-1]
		}
		rels = append(rels, r)
	}
	return rels, nil
}

func (f *File) splitInfo64(ef *elf.File, info uint64) (sym uint64, typ uint32) {
	if ef.Machine != elf.EM_MIPS {
		return info >> 32, uint32(info)
	}
	if ef.Data == elf.ELFDATA2MSB {
		return info >> 32, uint32(info) & 0xffffff
	}
	t1 := uint32(info>>56) & 0xff
	t2 := uint32(info>>48) & 0xff
	t3 := uint32(info>>40) & 0xff
	return info & 0xffffffff, t1 | t2<<8 | t3<<16
}
