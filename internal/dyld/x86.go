package dyld

import (
	"debug/elf"
	"math"
)

func (d *Dyld) processX86_64(c *relocContext) error {
	typ := elf.R_X86_64(c.rel.Type)
	switch typ {
	case elf.R_X86_64_PLT32:
		_, err := d.resolveCall(c, callSite{
			typ:  c.rel.Type,
			bias: 4, // rel32 is relative to the next instruction
			reach: func(target, p uint64) bool {
				return isInt(int64(target-(p+4)), 32)
			},
		})
		return err
	case elf.R_X86_64_GOTPCREL, elf.R_X86_64_GOTPCRELX, elf.R_X86_64_REX_GOTPCRELX:
		var slot uint64
		if isTLSHelper(c.name) {
			slot = d.allocHelperSlot(c.sectionID, c.name)
		} else {
			slot = d.allocGOTEntry(c.sectionID, gotTarget(c.value), gotAddress, uint32(elf.R_X86_64_64))
		}
		d.resolveGOTOffsetRelocation(c.sectionID, c.rel.Offset, int64(slot)+c.rel.Addend, uint32(elf.R_X86_64_PC32))
	case elf.R_X86_64_GOTPC32:
		// _GLOBAL_OFFSET_TABLE_ + A - P
		d.got.Allocate(c.sectionID, 0)
		d.resolveGOTOffsetRelocation(c.sectionID, c.rel.Offset, c.rel.Addend, uint32(elf.R_X86_64_PC32))
	case elf.R_X86_64_GOTPC64:
		d.got.Allocate(c.sectionID, 0)
		d.resolveGOTOffsetRelocation(c.sectionID, c.rel.Offset, c.rel.Addend, uint32(elf.R_X86_64_PC64))
	case elf.R_X86_64_GOTOFF64:
		d.got.Allocate(c.sectionID, 0)
		d.processSimpleRelocation(c.sectionID, c.rel.Offset, c.rel.Type, c.value)
	case elf.R_X86_64_DTPMOD64, elf.R_X86_64_DTPOFF64, elf.R_X86_64_DTPOFF32, elf.R_X86_64_TPOFF64, elf.R_X86_64_TPOFF32:
		return d.queueTLS(c, 0, 0)
	case elf.R_X86_64_GOTTPOFF:
		return d.queueTLS(c, 1, gotTPOffset)
	case elf.R_X86_64_TLSGD:
		return d.queueTLS(c, 2, gotTLSIndex)
	case elf.R_X86_64_TLSLD:
		return d.queueTLS(c, 2, gotTLSModule)
	default:
		d.processSimpleRelocation(c.sectionID, c.rel.Offset, c.rel.Type, c.value)
	}
	return nil
}

func (d *Dyld) resolveX86_64Relocation(sectionID SectionID, s *SectionEntry, offset, value uint64, typ uint32, addend int64) error {
	p := s.LoadAddressWithOffset(offset)
	v := value + uint64(addend)
	delta := int64(v - p)

	switch elf.R_X86_64(typ) {
	case elf.R_X86_64_NONE:
	case elf.R_X86_64_64:
		b, err := d.field(s, offset, 8, typ)
		if err != nil {
			return err
		}
		d.put64(b, v)
	case elf.R_X86_64_32, elf.R_X86_64_32S:
		if elf.R_X86_64(typ) == elf.R_X86_64_32 && v > math.MaxUint32 ||
			elf.R_X86_64(typ) == elf.R_X86_64_32S && !isInt(int64(v), 32) {
			return d.outOfRange(s, offset, typ, int64(v))
		}
		b, err := d.field(s, offset, 4, typ)
		if err != nil {
			return err
		}
		d.put32(b, uint32(v))
	case elf.R_X86_64_16:
		if v > math.MaxUint16 {
			return d.outOfRange(s, offset, typ, int64(v))
		}
		b, err := d.field(s, offset, 2, typ)
		if err != nil {
			return err
		}
		d.put16(b, uint16(v))
	case elf.R_X86_64_8:
		if v > math.MaxUint8 {
			return d.outOfRange(s, offset, typ, int64(v))
		}
		b, err := d.field(s, offset, 1, typ)
		if err != nil {
			return err
		}
		b[0] = uint8(v)
	case elf.R_X86_64_PC8:
		if !isInt(delta, 8) {
			return d.outOfRange(s, offset, typ, delta)
		}
		b, err := d.field(s, offset, 1, typ)
		if err != nil {
			return err
		}
		b[0] = uint8(delta)
	case elf.R_X86_64_PC16:
		if !isInt(delta, 16) {
			return d.outOfRange(s, offset, typ, delta)
		}
		b, err := d.field(s, offset, 2, typ)
		if err != nil {
			return err
		}
		d.put16(b, uint16(delta))
	case elf.R_X86_64_PC32, elf.R_X86_64_PLT32:
		if !isInt(delta, 32) {
			return d.outOfRange(s, offset, typ, delta)
		}
		b, err := d.field(s, offset, 4, typ)
		if err != nil {
			return err
		}
		d.put32(b, uint32(delta))
	case elf.R_X86_64_PC64:
		b, err := d.field(s, offset, 8, typ)
		if err != nil {
			return err
		}
		d.put64(b, uint64(delta))
	case elf.R_X86_64_GOTOFF64:
		gotSec, ok := d.got.SectionFor(sectionID)
		if !ok {
			return d.relocError(KindInternal, s, offset, typ, "no GOT for section")
		}
		b, err := d.field(s, offset, 8, typ)
		if err != nil {
			return err
		}
		d.put64(b, v-d.sections[gotSec].LoadAddress)
	default:
		return d.unsupported(s, offset, typ)
	}
	return nil
}

// i386 objects use REL, so the addend is read from the patched word
func (d *Dyld) processX86(c *relocContext) error {
	switch elf.R_386(c.rel.Type) {
	case elf.R_386_32, elf.R_386_PC32, elf.R_386_PLT32:
		if c.implicit() {
			b, err := d.field(&d.sections[c.sectionID], c.rel.Offset, 4, c.rel.Type)
			if err != nil {
				return err
			}
			c.value.Addend += int64(int32(d.get32(b)))
		}
	}
	d.processSimpleRelocation(c.sectionID, c.rel.Offset, c.rel.Type, c.value)
	return nil
}

func (d *Dyld) resolveX86Relocation(s *SectionEntry, offset uint64, value uint32, typ uint32, addend int32) error {
	switch elf.R_386(typ) {
	case elf.R_386_NONE:
		return nil
	case elf.R_386_32:
		b, err := d.field(s, offset, 4, typ)
		if err != nil {
			return err
		}
		d.put32(b, value+uint32(addend))
	case elf.R_386_PC32, elf.R_386_PLT32:
		b, err := d.field(s, offset, 4, typ)
		if err != nil {
			return err
		}
		p := uint32(s.LoadAddressWithOffset(offset))
		d.put32(b, value+uint32(addend)-p)
	default:
		return d.unsupported(s, offset, typ)
	}
	return nil
}
