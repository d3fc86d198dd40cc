package dyld

import "debug/elf"

// Instructions placed after a call that leaves the module, reloading r2
// from the slot the stub saved it in
const (
	ppc64TOCRestoreV1 = 0xe8410028 // ld r2, 40(r1)
	ppc64TOCRestoreV2 = 0xe8410018 // ld r2, 24(r1)
)

func (d *Dyld) processPPC64(c *relocContext) error {
	s := &d.sections[c.sectionID]
	switch typ := elf.R_PPC64(c.rel.Type); typ {
	case elf.R_PPC64_REL24:
		external := c.value.IsExternal()
		if !external {
			if d.ppc64ABI != 2 {
				v, err := d.findOPDEntry(c, c.value)
				if err != nil {
					return err
				}
				c.value = v
			} else if c.value.SectionID == c.sectionID && c.rel.Symbol != nil {
				c.value.Addend += ppc64LocalEntryOffset(c.rel.Symbol.Other)
			}
		}
		leaves := external || d.ppc64ABI == 2 && c.value.SectionID != c.sectionID
		_, err := d.resolveCall(c, callSite{
			typ: c.rel.Type,
			reach: func(target, p uint64) bool {
				return isInt(int64(target-p), 26)
			},
			forceStub: leaves,
			entryStub: !external && d.ppc64ABI != 2,
		})
		if err != nil || !leaves {
			return err
		}
		b, err := d.field(s, c.rel.Offset+4, 4, c.rel.Type)
		if err != nil {
			return err
		}
		if d.ppc64ABI == 2 {
			d.writeInsn(b, ppc64TOCRestoreV2)
		} else {
			d.writeInsn(b, ppc64TOCRestoreV1)
		}
		return nil

	case elf.R_PPC64_TOC16, elf.R_PPC64_TOC16_DS, elf.R_PPC64_TOC16_LO, elf.R_PPC64_TOC16_LO_DS,
		elf.R_PPC64_TOC16_HI, elf.R_PPC64_TOC16_HA:
		// Only symbols inside the TOC are addressed this way, so the
		// section address cancels and the value is known right now.
		toc, err := d.findPPC64TOCSection(c)
		if err != nil {
			return err
		}
		if c.value.IsExternal() || c.value.SectionID != toc.SectionID {
			return d.relocError(KindUnsupportedRelocationType, s, c.rel.Offset, c.rel.Type,
				"TOC-relative reference to %v outside the TOC", c.value)
		}
		return d.resolveRelocation(c.sectionID, c.rel.Offset, uint64(c.value.Addend-toc.Addend), uint32(tocToAddr(typ)), 0, 0)

	case elf.R_PPC64_TOC:
		// The symbol and addend are ignored
		toc, err := d.findPPC64TOCSection(c)
		if err != nil {
			return err
		}
		d.processSimpleRelocation(c.sectionID, c.rel.Offset, uint32(elf.R_PPC64_ADDR64), toc)
		return nil
	}

	if c.name == ".TOC." {
		toc, err := d.findPPC64TOCSection(c)
		if err != nil {
			return err
		}
		toc.Addend += c.rel.Addend
		c.value = toc
	}
	d.processSimpleRelocation(c.sectionID, c.rel.Offset, c.rel.Type, c.value)
	return nil
}

// ppc64EntryStub rewrites a fresh ELFv1 stub to branch straight to the
// address in r12. Targets inside the module share its TOC, so r2 is
// neither saved nor reloaded from a descriptor.
func (d *Dyld) ppc64EntryStub(b []byte) {
	d.writeInsn(b[20:], 0x7d8903a6) // mtctr r12
	d.writeInsn(b[24:], 0x4e800420) // bctr
	clear(b[28:])
}

func tocToAddr(t elf.R_PPC64) elf.R_PPC64 {
	switch t {
	case elf.R_PPC64_TOC16:
		return elf.R_PPC64_ADDR16
	case elf.R_PPC64_TOC16_DS:
		return elf.R_PPC64_ADDR16_DS
	case elf.R_PPC64_TOC16_LO:
		return elf.R_PPC64_ADDR16_LO
	case elf.R_PPC64_TOC16_LO_DS:
		return elf.R_PPC64_ADDR16_LO_DS
	case elf.R_PPC64_TOC16_HI:
		return elf.R_PPC64_ADDR16_HI
	case elf.R_PPC64_TOC16_HA:
		return elf.R_PPC64_ADDR16_HA
	}
	return t
}

func ppcLo(v uint64) uint16       { return uint16(v) }
func ppcHi(v uint64) uint16       { return uint16(v >> 16) }
func ppcHa(v uint64) uint16       { return uint16((v + 0x8000) >> 16) }
func ppcHigher(v uint64) uint16   { return uint16(v >> 32) }
func ppcHighera(v uint64) uint16  { return uint16((v + 0x8000) >> 32) }
func ppcHighest(v uint64) uint16  { return uint16(v >> 48) }
func ppcHighesta(v uint64) uint16 { return uint16((v + 0x8000) >> 48) }

func (d *Dyld) resolvePPC64Relocation(s *SectionEntry, offset, value uint64, typ uint32, addend int64) error {
	v := value + uint64(addend)
	p := s.LoadAddressWithOffset(offset)
	delta := v - p

	half := func(x uint16, ds bool) error {
		b, err := d.field(s, offset, 2, typ)
		if err != nil {
			return err
		}
		if ds {
			// DS form: the low two bits belong to the opcode
			x = x&^3 | d.get16(b)&3
		}
		d.put16(b, x)
		return nil
	}

	switch t := elf.R_PPC64(typ); t {
	case elf.R_PPC64_NONE:
		return nil
	case elf.R_PPC64_ADDR16, elf.R_PPC64_ADDR16_DS:
		if !isInt(int64(v), 16) {
			return d.outOfRange(s, offset, typ, int64(v))
		}
		return half(ppcLo(v), t == elf.R_PPC64_ADDR16_DS)
	case elf.R_PPC64_ADDR16_LO:
		return half(ppcLo(v), false)
	case elf.R_PPC64_ADDR16_LO_DS:
		return half(ppcLo(v), true)
	case elf.R_PPC64_ADDR16_HI:
		return half(ppcHi(v), false)
	case elf.R_PPC64_ADDR16_HA:
		return half(ppcHa(v), false)
	case elf.R_PPC64_ADDR16_HIGHER:
		return half(ppcHigher(v), false)
	case elf.R_PPC64_ADDR16_HIGHERA:
		return half(ppcHighera(v), false)
	case elf.R_PPC64_ADDR16_HIGHEST:
		return half(ppcHighest(v), false)
	case elf.R_PPC64_ADDR16_HIGHESTA:
		return half(ppcHighesta(v), false)
	case elf.R_PPC64_REL16_LO:
		return half(ppcLo(delta), false)
	case elf.R_PPC64_REL16_HI:
		return half(ppcHi(delta), false)
	case elf.R_PPC64_REL16_HA:
		return half(ppcHa(delta), false)
	case elf.R_PPC64_ADDR14:
		if v&3 != 0 || !isInt(int64(v), 16) {
			return d.outOfRange(s, offset, typ, int64(v))
		}
		b, err := d.field(s, offset, 4, typ)
		if err != nil {
			return err
		}
		// AA and LK stay as they are
		d.writeInsn(b, d.readInsn(b)&0xffff0003|uint32(v)&0xfffc)
	case elf.R_PPC64_ADDR32:
		if !isInt(int64(v), 32) {
			return d.outOfRange(s, offset, typ, int64(v))
		}
		b, err := d.field(s, offset, 4, typ)
		if err != nil {
			return err
		}
		d.put32(b, uint32(v))
	case elf.R_PPC64_REL32:
		if !isInt(int64(delta), 32) {
			return d.outOfRange(s, offset, typ, int64(delta))
		}
		b, err := d.field(s, offset, 4, typ)
		if err != nil {
			return err
		}
		d.put32(b, uint32(delta))
	case elf.R_PPC64_REL24:
		if !isInt(int64(delta), 26) {
			return d.outOfRange(s, offset, typ, int64(delta))
		}
		b, err := d.field(s, offset, 4, typ)
		if err != nil {
			return err
		}
		// Keep the primary opcode and AA/LK
		d.writeInsn(b, d.readInsn(b)&0xfc000003|uint32(delta)&0x03fffffc)
	case elf.R_PPC64_REL64, elf.R_PPC64_ADDR64:
		b, err := d.field(s, offset, 8, typ)
		if err != nil {
			return err
		}
		if t == elf.R_PPC64_REL64 {
			d.put64(b, delta)
		} else {
			d.put64(b, v)
		}
	default:
		return d.unsupported(s, offset, typ)
	}
	return nil
}
