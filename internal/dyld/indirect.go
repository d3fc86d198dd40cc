package dyld

import "debug/elf"

// tocBias is the distance from the start of the TOC section to the TOC
// pointer kept in r2
const tocBias = 0x8000

var tocSectionNames = []string{".got", ".toc", ".tocbss", ".plt"}

// findPPC64TOCSection returns a ref to the TOC base of obj
func (d *Dyld) findPPC64TOCSection(c *relocContext) (RelocationValueRef, error) {
	for _, sec := range c.obj.Sections() {
		for _, name := range tocSectionNames {
			if sec.Name != name {
				continue
			}
			id, err := d.findOrEmitSection(c.obj, sec.Index, c.local)
			if err != nil {
				return RelocationValueRef{}, err
			}
			return RelocationValueRef{SectionID: id, Addend: tocBias}, nil
		}
	}
	return RelocationValueRef{}, d.relocError(KindDescriptorOrTOCSectionMissing, &d.sections[c.sectionID],
		c.rel.Offset, c.rel.Type, "object has no TOC section")
}

// findOPDEntry follows a call through an ELFv1 function descriptor. A
// descriptor in .opd is an ADDR64 to the entry point followed by a TOC
// relocation; value points at the descriptor and the result at the code.
func (d *Dyld) findOPDEntry(c *relocContext, value RelocationValueRef) (RelocationValueRef, error) {
	if value.IsExternal() || d.sections[value.SectionID].Name != ".opd" {
		return value, nil
	}
	for _, sec := range c.obj.Sections() {
		if sec.Name != ".opd" {
			continue
		}
		rels := sec.Relocations
		for i := 0; i+1 < len(rels); i++ {
			if elf.R_PPC64(rels[i].Type) != elf.R_PPC64_ADDR64 || elf.R_PPC64(rels[i+1].Type) != elf.R_PPC64_TOC {
				continue
			}
			if int64(rels[i].Offset) != value.Addend {
				continue
			}
			return d.valueRef(c.obj, rels[i].Symbol, rels[i].Addend, c.local)
		}
	}
	return RelocationValueRef{}, d.relocError(KindDescriptorOrTOCSectionMissing, &d.sections[c.sectionID],
		c.rel.Offset, c.rel.Type, "no .opd descriptor at offset 0x%x", value.Addend)
}

// ppc64LocalEntryOffset decodes the distance between the global and the
// local entry point of an ELFv2 function from st_other.
func ppc64LocalEntryOffset(other uint8) int64 {
	return int64(((1 << ((other & 0xe0) >> 5)) >> 2) << 2)
}
