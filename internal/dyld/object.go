package dyld

import "github.com/xyproto/rtdyld/internal/engine"

// Object is a relocatable object as produced by an object reader. The
// engine never parses containers itself.
type Object interface {
	Arch() engine.Arch
	// Flags returns the processor specific header flags (e_flags)
	Flags() uint32
	Sections() []*ObjSection
	Symbols() []*ObjSymbol
}

// SectionFlags describe how a section is loaded
type SectionFlags uint8

const (
	SectionAlloc SectionFlags = 1 << iota
	SectionExec
	SectionWrite
	SectionNoBits
	SectionTLS
)

// ObjSection is one section of an Object together with the relocations
// that patch it.
type ObjSection struct {
	Index       int
	Name        string
	Data        []byte // nil for NOBITS sections
	Size        uint64
	Align       uint64
	Flags       SectionFlags
	Relocations []ObjRelocation
	// ExplicitAddends is true when the relocations carry their addends
	// (RELA). Otherwise the addend is read from the patched location.
	ExplicitAddends bool
}

func (s *ObjSection) IsText() bool     { return s.Flags&SectionExec != 0 }
func (s *ObjSection) IsAlloc() bool    { return s.Flags&SectionAlloc != 0 }
func (s *ObjSection) IsReadOnly() bool { return s.Flags&SectionWrite == 0 }

// ObjRelocation is a raw relocation record
type ObjRelocation struct {
	Offset uint64
	Type   uint32
	Symbol *ObjSymbol // nil for relocations without a symbol
	Addend int64
}

// SymbolKind is the type of an object symbol
type SymbolKind uint8

const (
	SymNoType SymbolKind = iota
	SymObject
	SymFunc
	SymSection
	SymFile
	SymTLS
)

// SymbolBinding is the linkage of an object symbol
type SymbolBinding uint8

const (
	BindLocal SymbolBinding = iota
	BindGlobal
	BindWeak
)

// Special values of ObjSymbol.Section
const (
	SectionUndef  = -1
	SectionAbs    = -2
	SectionCommon = -3
)

// ObjSymbol is a symbol table entry. For common symbols Value holds the
// required alignment.
type ObjSymbol struct {
	Name    string
	Kind    SymbolKind
	Binding SymbolBinding
	Section int
	Value   uint64
	Size    uint64
	Other   uint8
}

func (s *ObjSymbol) IsUndefined() bool { return s.Section == SectionUndef }
func (s *ObjSymbol) IsCommon() bool    { return s.Section == SectionCommon }
func (s *ObjSymbol) IsAbsolute() bool  { return s.Section == SectionAbs }
func (s *ObjSymbol) IsDefined() bool   { return s.Section >= 0 }
func (s *ObjSymbol) IsGlobal() bool    { return s.Binding != BindLocal }
