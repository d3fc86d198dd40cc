package dyld

import "debug/elf"

func (d *Dyld) processSystemZ(c *relocContext) error {
	switch elf.R_390(c.rel.Type) {
	case elf.R_390_PLT32DBL:
		// The displacement counts halfwords from the start of the
		// instruction, two bytes before the field.
		_, err := d.resolveCall(c, callSite{
			typ:  c.rel.Type,
			bias: -2,
			reach: func(target, p uint64) bool {
				delta := int64(target - (p - 2))
				return delta&1 == 0 && isInt(delta, 33)
			},
		})
		return err
	case elf.R_390_GOTENT:
		// The stub doubles as the GOT slot: its last 8 bytes hold the
		// address of the target.
		target := gotTarget(c.value)
		stubOff, created, err := d.allocateStub(c.sectionID, c.stubs, target, c.rel.Type, c.rel.Offset)
		if err != nil {
			return err
		}
		if created {
			d.addStubRelocations(c.sectionID, stubOff, target)
		}
		s := &d.sections[c.sectionID]
		return d.resolveRelocation(c.sectionID, c.rel.Offset, s.LoadAddressWithOffset(stubOff+8),
			uint32(elf.R_390_PC32DBL), c.rel.Addend, 0)
	}
	d.processSimpleRelocation(c.sectionID, c.rel.Offset, c.rel.Type, c.value)
	return nil
}

func (d *Dyld) resolveSystemZRelocation(s *SectionEntry, offset, value uint64, typ uint32, addend int64) error {
	v := value + uint64(addend)
	delta := int64(v - s.LoadAddressWithOffset(offset))

	switch t := elf.R_390(typ); t {
	case elf.R_390_NONE:
		return nil
	case elf.R_390_PC16DBL, elf.R_390_PLT16DBL:
		if delta&1 != 0 || !isInt(delta, 17) {
			return d.outOfRange(s, offset, typ, delta)
		}
		b, err := d.field(s, offset, 2, typ)
		if err != nil {
			return err
		}
		d.put16(b, uint16(delta/2))
	case elf.R_390_PC32DBL, elf.R_390_PLT32DBL:
		if delta&1 != 0 || !isInt(delta, 33) {
			return d.outOfRange(s, offset, typ, delta)
		}
		b, err := d.field(s, offset, 4, typ)
		if err != nil {
			return err
		}
		d.put32(b, uint32(delta/2))
	case elf.R_390_PC16:
		if !isInt(delta, 16) {
			return d.outOfRange(s, offset, typ, delta)
		}
		b, err := d.field(s, offset, 2, typ)
		if err != nil {
			return err
		}
		d.put16(b, uint16(delta))
	case elf.R_390_PC32:
		if !isInt(delta, 32) {
			return d.outOfRange(s, offset, typ, delta)
		}
		b, err := d.field(s, offset, 4, typ)
		if err != nil {
			return err
		}
		d.put32(b, uint32(delta))
	case elf.R_390_PC64:
		b, err := d.field(s, offset, 8, typ)
		if err != nil {
			return err
		}
		d.put64(b, uint64(delta))
	case elf.R_390_8:
		b, err := d.field(s, offset, 1, typ)
		if err != nil {
			return err
		}
		b[0] = uint8(v)
	case elf.R_390_16:
		b, err := d.field(s, offset, 2, typ)
		if err != nil {
			return err
		}
		d.put16(b, uint16(v))
	case elf.R_390_32:
		b, err := d.field(s, offset, 4, typ)
		if err != nil {
			return err
		}
		d.put32(b, uint32(v))
	case elf.R_390_64:
		b, err := d.field(s, offset, 8, typ)
		if err != nil {
			return err
		}
		d.put64(b, v)
	default:
		return d.unsupported(s, offset, typ)
	}
	return nil
}
