package dyld

import "fmt"

// RelocationEntry is a patch still to apply once the value it refers to
// is known.
type RelocationEntry struct {
	// SectionID is the section that gets patched
	SectionID SectionID
	// Offset is the byte offset of the patch within the section
	Offset uint64
	Type   uint32
	Addend int64
	// SymOffset is the GOT slot offset for GOT based relocations
	SymOffset uint64
}

func (re RelocationEntry) String() string {
	return fmt.Sprintf("{section %d +0x%x type %d addend %d}", re.SectionID, re.Offset, re.Type, re.Addend)
}

// RelocationValueRef names the target of a relocation. It is either a
// symbol (SectionID == NoSection) or a place inside a loaded section. Two
// relocations with equal refs share GOT slots and stubs.
type RelocationValueRef struct {
	SymbolName string
	SectionID  SectionID
	Offset     uint64
	Addend     int64
}

func symbolRef(name string, addend int64) RelocationValueRef {
	return RelocationValueRef{SymbolName: name, SectionID: NoSection, Addend: addend}
}

// IsExternal reports whether the ref is resolved by name
func (r RelocationValueRef) IsExternal() bool {
	return r.SectionID == NoSection
}

func (r RelocationValueRef) String() string {
	if r.IsExternal() {
		if r.SymbolName == "" {
			return fmt.Sprintf("<abs>%+d", r.Addend)
		}
		return fmt.Sprintf("%s%+d", r.SymbolName, r.Addend)
	}
	return fmt.Sprintf("section %d%+d", r.SectionID, r.Addend)
}

// StubMap maps a target to the offset of its stub within one section
type StubMap map[RelocationValueRef]uint64

// symbolLoc is where a symbol defined by a loaded object lives.
// SectionID is NoSection for absolute symbols and Offset is then the
// address itself.
type symbolLoc struct {
	SectionID SectionID
	Offset    uint64
}
