package elfobj

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/xyproto/rtdyld/internal/engine"
)

// Symbol is a symbol added to a Builder. Section is an index returned by
// AddSection, or one of the special elf.SHN_* indices.
type Symbol struct {
	Name    string
	Type    elf.SymType
	Bind    elf.SymBind
	Other   uint8
	Section elf.SectionIndex
	Value   uint64
	Size    uint64
}

// Relocation is a relocation added to a Builder. Symbol is an index
// returned by AddSymbol, or 0 for none.
type Relocation struct {
	Offset uint64
	Type   uint32
	Symbol int
	Addend int64
}

type builderSection struct {
	name   string
	typ    elf.SectionType
	flags  elf.SectionFlag
	align  uint64
	data   []byte
	size   uint64
	relocs []Relocation
}

// Builder writes relocatable ELF objects
type Builder struct {
	Arch  engine.Arch
	Flags uint32
	// Rel selects REL tables with addends stored in place; the default is
	// RELA.
	Rel bool

	machine  elf.Machine
	class    elf.Class
	data     elf.Data
	order    binary.ByteOrder
	sections []*builderSection
	symbols  []Symbol
}

// NewBuilder creates a builder for objects targeting arch
func NewBuilder(arch engine.Arch) (*Builder, error) {
	machine, class, err := elfMachine(arch)
	if err != nil {
		return nil, err
	}
	data := elf.ELFDATA2LSB
	if !arch.IsLittleEndian() {
		data = elf.ELFDATA2MSB
	}
	return &Builder{
		Arch:    arch,
		machine: machine,
		class:   class,
		data:    data,
		order:   arch.ByteOrder(),
		Rel:     arch == engine.ArchX86 || arch.IsARM() || arch.IsMips32(),
	}, nil
}

func elfMachine(a engine.Arch) (elf.Machine, elf.Class, error) {
	switch {
	case a == engine.ArchX86:
		return elf.EM_386, elf.ELFCLASS32, nil
	case a == engine.ArchX86_64:
		return elf.EM_X86_64, elf.ELFCLASS64, nil
	case a.IsARM():
		return elf.EM_ARM, elf.ELFCLASS32, nil
	case a.IsAArch64():
		return elf.EM_AARCH64, elf.ELFCLASS64, nil
	case a.IsMips32():
		return elf.EM_MIPS, elf.ELFCLASS32, nil
	case a.IsMips64():
		return elf.EM_MIPS, elf.ELFCLASS64, nil
	case a.IsPPC64():
		return elf.EM_PPC64, elf.ELFCLASS64, nil
	case a == engine.ArchSystemZ:
		return elf.EM_S390, elf.ELFCLASS64, nil
	}
	return 0, 0, fmt.Errorf("no ELF machine for %s", a)
}

// AddSection adds a section and returns its index. Size is taken from
// data unless the section is SHT_NOBITS.
func (b *Builder) AddSection(name string, typ elf.SectionType, flags elf.SectionFlag, align uint64, data []byte) elf.SectionIndex {
	b.sections = append(b.sections, &builderSection{name: name, typ: typ, flags: flags, align: align, data: data, size: uint64(len(data))})
	return elf.SectionIndex(len(b.sections))
}

// AddBSS adds a SHT_NOBITS section of size bytes
func (b *Builder) AddBSS(name string, size, align uint64) elf.SectionIndex {
	idx := b.AddSection(name, elf.SHT_NOBITS, elf.SHF_ALLOC|elf.SHF_WRITE, align, nil)
	b.sections[idx-1].size = size
	return idx
}

// AddSymbol adds a symbol and returns its index for relocations
func (b *Builder) AddSymbol(s Symbol) int {
	b.symbols = append(b.symbols, s)
	return len(b.symbols)
}

// AddRelocation adds a relocation against section
func (b *Builder) AddRelocation(section elf.SectionIndex, r Relocation) {
	sec := b.sections[section-1]
	sec.relocs = append(sec.relocs, r)
}

type stringTable struct {
	buf     bytes.Buffer
	offsets map[string]uint32
}

func newStringTable() *stringTable {
	st := &stringTable{offsets: make(map[string]uint32)}
	st.buf.WriteByte(0)
	st.offsets[""] = 0
	return st
}

func (st *stringTable) add(s string) uint32 {
	if off, ok := st.offsets[s]; ok {
		return off
	}
	off := uint32(st.buf.Len())
	st.buf.WriteString(s)
	st.buf.WriteByte(0)
	st.offsets[s] = off
	return off
}

// Bytes serializes the object
func (b *Builder) Bytes() ([]byte, error) {
	is64 := b.class == elf.ELFCLASS64
	shstr := newStringTable()
	strtab := newStringTable()

	// Locals come first in .symtab; remap indices accordingly
	remap := make([]int, len(b.symbols)+1)
	next := 1
	firstGlobal := 1
	for pass := 0; pass < 2; pass++ {
		for i, s := range b.symbols {
			if (s.Bind == elf.STB_LOCAL) == (pass == 0) {
				remap[i+1] = next
				next++
			}
		}
		if pass == 0 {
			firstGlobal = next
		}
	}
	ordered := make([]Symbol, len(b.symbols))
	for i, s := range b.symbols {
		ordered[remap[i+1]-1] = s
	}

	var symtab bytes.Buffer
	if is64 {
		binary.Write(&symtab, b.order, elf.Sym64{})
	} else {
		binary.Write(&symtab, b.order, elf.Sym32{})
	}
	for _, s := range ordered {
		info := elf.ST_INFO(s.Bind, s.Type)
		if is64 {
			binary.Write(&symtab, b.order, elf.Sym64{Name: strtab.add(s.Name), Info: info, Other: s.Other,
				Shndx: uint16(s.Section), Value: s.Value, Size: s.Size})
		} else {
			binary.Write(&symtab, b.order, elf.Sym32{Name: strtab.add(s.Name), Value: uint32(s.Value), Size: uint32(s.Size),
				Info: info, Other: s.Other, Shndx: uint16(s.Section)})
		}
	}

	type shdr struct {
		name           string
		typ            elf.SectionType
		flags          elf.SectionFlag
		data           []byte
		size           uint64
		link, info     uint32
		align, entsize uint64
	}
	var headers []shdr
	for _, s := range b.sections {
		headers = append(headers, shdr{name: s.name, typ: s.typ, flags: s.flags, data: s.data, size: s.size, align: s.align})
	}
	for i, s := range b.sections {
		if len(s.relocs) == 0 {
			continue
		}
		var table bytes.Buffer
		for _, r := range s.relocs {
			if r.Symbol < 0 || r.Symbol > len(b.symbols) {
				return nil, fmt.Errorf("%s: relocation at 0x%x uses unknown symbol %d", s.name, r.Offset, r.Symbol)
			}
			b.writeRelocation(&table, r, uint64(remap[r.Symbol]))
		}
		name, typ, entsize := ".rela"+s.name, elf.SHT_RELA, uint64(12)
		if b.Rel {
			name, typ, entsize = ".rel"+s.name, elf.SHT_REL, 8
		}
		if is64 {
			entsize *= 2
		}
		headers = append(headers, shdr{name: name, typ: typ, data: table.Bytes(), size: uint64(table.Len()),
			info: uint32(i + 1), align: 8, entsize: entsize})
	}
	// The relocation tables link to .symtab, which comes after them
	symtabIndex := uint32(len(headers) + 1)
	for i := range headers {
		if headers[i].typ == elf.SHT_REL || headers[i].typ == elf.SHT_RELA {
			headers[i].link = symtabIndex
		}
	}
	symEnt := uint64(16)
	if is64 {
		symEnt = 24
	}
	headers = append(headers,
		shdr{name: ".symtab", typ: elf.SHT_SYMTAB, data: symtab.Bytes(), size: uint64(symtab.Len()),
			link: symtabIndex + 1, info: uint32(firstGlobal), align: 8, entsize: symEnt},
		shdr{name: ".strtab", typ: elf.SHT_STRTAB, data: strtab.buf.Bytes(), size: uint64(strtab.buf.Len()), align: 1},
	)
	for i := range headers {
		shstr.add(headers[i].name)
	}
	shstr.add(".shstrtab")
	headers = append(headers, shdr{name: ".shstrtab", typ: elf.SHT_STRTAB, data: shstr.buf.Bytes(), size: uint64(shstr.buf.Len()), align: 1})

	// Layout: header, section contents, section header table
	ehsize := uint64(52)
	if is64 {
		ehsize = 64
	}
	var body bytes.Buffer
	offsets := make([]uint64, len(headers))
	pos := ehsize
	for i, h := range headers {
		if h.typ == elf.SHT_NOBITS {
			offsets[i] = pos
			continue
		}
		aligned := alignUp(pos, max(h.align, 1))
		body.Write(make([]byte, aligned-pos))
		offsets[i] = aligned
		body.Write(h.data)
		pos = aligned + uint64(len(h.data))
	}
	shoff := alignUp(pos, 8)
	body.Write(make([]byte, shoff-pos))

	var out bytes.Buffer
	ident := [elf.EI_NIDENT]byte{0x7f, 'E', 'L', 'F', byte(b.class), byte(b.data), byte(elf.EV_CURRENT)}
	shnum := uint16(len(headers) + 1)
	shstrndx := shnum - 1
	if is64 {
		binary.Write(&out, b.order, elf.Header64{Ident: ident, Type: uint16(elf.ET_REL), Machine: uint16(b.machine),
			Version: uint32(elf.EV_CURRENT), Shoff: shoff, Flags: b.Flags, Ehsize: uint16(ehsize),
			Shentsize: 64, Shnum: shnum, Shstrndx: shstrndx})
	} else {
		binary.Write(&out, b.order, elf.Header32{Ident: ident, Type: uint16(elf.ET_REL), Machine: uint16(b.machine),
			Version: uint32(elf.EV_CURRENT), Shoff: uint32(shoff), Flags: b.Flags, Ehsize: uint16(ehsize),
			Shentsize: 40, Shnum: shnum, Shstrndx: shstrndx})
	}
	out.Write(body.Bytes())

	if is64 {
		binary.Write(&out, b.order, elf.Section64{})
	} else {
		binary.Write(&out, b.order, elf.Section32{})
	}
	for i, h := range headers {
		if is64 {
			binary.Write(&out, b.order, elf.Section64{Name: shstr.add(h.name), Type: uint32(h.typ), Flags: uint64(h.flags),
				Off: offsets[i], Size: h.size, Link: h.link, Info: h.info, Addralign: h.align, Entsize: h.entsize})
		} else {
			binary.Write(&out, b.order, elf.Section32{Name: shstr.add(h.name), Type: uint32(h.typ), Flags: uint32(h.flags),
				Off: uint32(offsets[i]), Size: uint32(h.size), Link: h.link, Info: h.info, Addralign: uint32(h.align),
				Entsize: uint32(h.entsize)})
		}
	}
	return out.Bytes(), nil
}

func (b *Builder) writeRelocation(w *bytes.Buffer, r Relocation, sym uint64) {
	if b.class == elf.ELFCLASS64 {
		info := sym<<32 | uint64(r.Type)
		if b.machine == elf.EM_MIPS && b.data == elf.ELFDATA2LSB {
			t1, t2, t3 := uint64(r.Type&0xff), uint64(r.Type>>8&0xff), uint64(r.Type>>16&0xff)
			info = sym | t3<<40 | t2<<48 | t1<<56
		}
		binary.Write(w, b.order, elf.Rel64{Off: r.Offset, Info: info})
		if !b.Rel {
			binary.Write(w, b.order, r.Addend)
		}
		return
	}
	binary.Write(w, b.order, elf.Rel32{Off: uint32(r.Offset), Info: uint32(sym)<<8 | r.Type&0xff})
	if !b.Rel {
		binary.Write(w, b.order, int32(r.Addend))
	}
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
