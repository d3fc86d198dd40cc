package dyld

import "debug/elf"

// Thumb-2 relocation numbers, named after the current ARM ELF ABI
const (
	rARMThmCall      = elf.R_ARM(10)
	rARMThmJump24    = elf.R_ARM(30)
	rARMThmMovwAbsNC = elf.R_ARM(47)
	rARMThmMovtAbs   = elf.R_ARM(48)
)

func (d *Dyld) processARM(c *relocContext) error {
	typ := elf.R_ARM(c.rel.Type)
	if c.implicit() && typ != elf.R_ARM_NONE {
		addend, err := d.armImplicitAddend(c)
		if err != nil {
			return err
		}
		c.value.Addend += addend
	}

	switch typ {
	case elf.R_ARM_PC24, elf.R_ARM_CALL, elf.R_ARM_JUMP24:
		// Branches are encoded relative to pc, which runs 8 bytes ahead
		c.value.Addend += 8
		_, err := d.resolveCall(c, callSite{
			typ: c.rel.Type,
			reach: func(target, p uint64) bool {
				return isInt(int64(int32(uint32(target-p-8))), 26)
			},
		})
		return err
	case rARMThmCall, rARMThmJump24:
		c.value.Addend += 4
		_, err := d.resolveCall(c, callSite{
			typ: c.rel.Type,
			reach: func(target, p uint64) bool {
				return isInt(int64(int32(uint32(target-p-4))), 25)
			},
		})
		return err
	}
	d.processSimpleRelocation(c.sectionID, c.rel.Offset, c.rel.Type, c.value)
	return nil
}

// armImplicitAddend decodes the addend stored in the relocated field
func (d *Dyld) armImplicitAddend(c *relocContext) (int64, error) {
	b, err := d.field(&d.sections[c.sectionID], c.rel.Offset, 4, c.rel.Type)
	if err != nil {
		return 0, err
	}
	switch elf.R_ARM(c.rel.Type) {
	case elf.R_ARM_ABS32, elf.R_ARM_REL32, elf.R_ARM_TARGET1:
		return int64(int32(d.get32(b))), nil
	case elf.R_ARM_PREL31:
		return signExtend(uint64(d.get32(b)&0x7fffffff), 31), nil
	case elf.R_ARM_MOVW_ABS_NC, elf.R_ARM_MOVT_ABS:
		insn := d.get32(b)
		return signExtend(uint64((insn>>4)&0xf000|insn&0xfff), 16), nil
	case elf.R_ARM_PC24, elf.R_ARM_CALL, elf.R_ARM_JUMP24:
		return signExtend(uint64(d.get32(b)&0xffffff)<<2, 26), nil
	case rARMThmCall, rARMThmJump24:
		return thumbBranchOffset(d.get16(b[0:]), d.get16(b[2:])), nil
	case rARMThmMovwAbsNC, rARMThmMovtAbs:
		return signExtend(uint64(thumbMovImm(d.get16(b[0:]), d.get16(b[2:]))), 16), nil
	}
	return 0, nil
}

func thumbBranchOffset(hi, lo uint16) int64 {
	s := uint64(hi>>10) & 1
	j1 := uint64(lo>>13) & 1
	j2 := uint64(lo>>11) & 1
	i1 := ^(j1 ^ s) & 1
	i2 := ^(j2 ^ s) & 1
	off := s<<24 | i1<<23 | i2<<22 | uint64(hi&0x3ff)<<12 | uint64(lo&0x7ff)<<1
	return signExtend(off, 25)
}

func encodeThumbBranch(hi, lo uint16, off int32) (uint16, uint16) {
	u := uint32(off)
	s := (u >> 24) & 1
	i1 := (u >> 23) & 1
	i2 := (u >> 22) & 1
	j1 := ^(i1 ^ s) & 1
	j2 := ^(i2 ^ s) & 1
	hi = hi&0xf800 | uint16(s<<10) | uint16((u>>12)&0x3ff)
	lo = lo&0xd000 | uint16(j1<<13) | uint16(j2<<11) | uint16((u>>1)&0x7ff)
	return hi, lo
}

func thumbMovImm(hi, lo uint16) uint16 {
	return (hi&0xf)<<12 | (hi>>10&1)<<11 | (lo>>12&7)<<8 | lo&0xff
}

func encodeThumbMov(hi, lo uint16, imm uint16) (uint16, uint16) {
	hi = hi&0xfbf0 | imm>>12 | (imm>>11&1)<<10
	lo = lo&0x8f00 | (imm>>8&7)<<12 | imm&0xff
	return hi, lo
}

func (d *Dyld) resolveARMRelocation(s *SectionEntry, offset uint64, value uint32, typ uint32, addend int32) error {
	p := uint32(s.LoadAddressWithOffset(offset))
	v := value + uint32(addend)

	switch t := elf.R_ARM(typ); t {
	case elf.R_ARM_NONE:
		return nil
	case elf.R_ARM_ABS32, elf.R_ARM_TARGET1, elf.R_ARM_REL32, elf.R_ARM_PREL31:
		b, err := d.field(s, offset, 4, typ)
		if err != nil {
			return err
		}
		switch t {
		case elf.R_ARM_REL32:
			d.put32(b, v-p)
		case elf.R_ARM_PREL31:
			d.put32(b, d.get32(b)&0x80000000|(v-p)&0x7fffffff)
		default:
			d.put32(b, v)
		}
	case elf.R_ARM_MOVW_ABS_NC, elf.R_ARM_MOVT_ABS:
		b, err := d.field(s, offset, 4, typ)
		if err != nil {
			return err
		}
		imm := v & 0xffff
		if t == elf.R_ARM_MOVT_ABS {
			imm = v >> 16
		}
		d.put32(b, d.get32(b)&0xfff0f000|(imm&0xf000)<<4|imm&0xfff)
	case elf.R_ARM_PC24, elf.R_ARM_CALL, elf.R_ARM_JUMP24:
		b, err := d.field(s, offset, 4, typ)
		if err != nil {
			return err
		}
		delta := int32(v - p - 8)
		if !isInt(int64(delta), 26) {
			return d.outOfRange(s, offset, typ, int64(delta))
		}
		d.put32(b, d.get32(b)&0xff000000|uint32(delta>>2)&0xffffff)
	case rARMThmCall, rARMThmJump24:
		b, err := d.field(s, offset, 4, typ)
		if err != nil {
			return err
		}
		delta := int32(v - p - 4)
		if !isInt(int64(delta), 25) {
			return d.outOfRange(s, offset, typ, int64(delta))
		}
		hi, lo := encodeThumbBranch(d.get16(b[0:]), d.get16(b[2:]), delta)
		d.put16(b[0:], hi)
		d.put16(b[2:], lo)
	case rARMThmMovwAbsNC, rARMThmMovtAbs:
		b, err := d.field(s, offset, 4, typ)
		if err != nil {
			return err
		}
		imm := uint16(v)
		if t == rARMThmMovtAbs {
			imm = uint16(v >> 16)
		}
		hi, lo := encodeThumbMov(d.get16(b[0:]), d.get16(b[2:]), imm)
		d.put16(b[0:], hi)
		d.put16(b[2:], lo)
	default:
		return d.unsupported(s, offset, typ)
	}
	return nil
}
