package dyld

import "debug/elf"

func (d *Dyld) processAArch64(c *relocContext) error {
	switch elf.R_AARCH64(c.rel.Type) {
	case elf.R_AARCH64_CALL26, elf.R_AARCH64_JUMP26:
		_, err := d.resolveCall(c, callSite{
			typ: c.rel.Type,
			reach: func(target, p uint64) bool {
				return isInt(int64(target-p), 28)
			},
		})
		return err
	case elf.R_AARCH64_ADR_GOT_PAGE, elf.R_AARCH64_LD64_GOT_LO12_NC:
		var slot uint64
		if isTLSHelper(c.name) {
			slot = d.allocHelperSlot(c.sectionID, c.name)
		} else {
			slot = d.allocGOTEntry(c.sectionID, gotTarget(c.value), gotAddress, uint32(elf.R_AARCH64_ABS64))
		}
		typ := elf.R_AARCH64_ADR_PREL_PG_HI21
		if elf.R_AARCH64(c.rel.Type) == elf.R_AARCH64_LD64_GOT_LO12_NC {
			typ = elf.R_AARCH64_LDST64_ABS_LO12_NC
		}
		d.resolveGOTOffsetRelocation(c.sectionID, c.rel.Offset, int64(slot)+c.rel.Addend, uint32(typ))
	case elf.R_AARCH64_TLS_DTPMOD64, elf.R_AARCH64_TLS_DTPREL64, elf.R_AARCH64_TLS_TPREL64,
		elf.R_AARCH64_TLSLE_ADD_TPREL_HI12, elf.R_AARCH64_TLSLE_ADD_TPREL_LO12, elf.R_AARCH64_TLSLE_ADD_TPREL_LO12_NC:
		return d.queueTLS(c, 0, 0)
	case elf.R_AARCH64_TLSIE_ADR_GOTTPREL_PAGE21, elf.R_AARCH64_TLSIE_LD64_GOTTPREL_LO12_NC:
		return d.queueTLS(c, 1, gotTPOffset)
	default:
		d.processSimpleRelocation(c.sectionID, c.rel.Offset, c.rel.Type, c.value)
	}
	return nil
}

func (d *Dyld) resolveAArch64Relocation(s *SectionEntry, offset, value uint64, typ uint32, addend int64) error {
	p := s.LoadAddressWithOffset(offset)
	v := value + uint64(addend)
	delta := int64(v - p)
	t := elf.R_AARCH64(typ)

	// Data relocations
	switch t {
	case elf.R_AARCH64_NONE:
		return nil
	case elf.R_AARCH64_ABS64:
		b, err := d.field(s, offset, 8, typ)
		if err != nil {
			return err
		}
		d.put64(b, v)
		return nil
	case elf.R_AARCH64_PREL64:
		b, err := d.field(s, offset, 8, typ)
		if err != nil {
			return err
		}
		d.put64(b, uint64(delta))
		return nil
	case elf.R_AARCH64_ABS32, elf.R_AARCH64_PREL32:
		x := int64(v)
		if t == elf.R_AARCH64_PREL32 {
			x = delta
		}
		if x < -1<<31 || x >= 1<<32 {
			return d.outOfRange(s, offset, typ, x)
		}
		b, err := d.field(s, offset, 4, typ)
		if err != nil {
			return err
		}
		d.put32(b, uint32(x))
		return nil
	case elf.R_AARCH64_ABS16, elf.R_AARCH64_PREL16:
		x := int64(v)
		if t == elf.R_AARCH64_PREL16 {
			x = delta
		}
		if x < -1<<15 || x >= 1<<16 {
			return d.outOfRange(s, offset, typ, x)
		}
		b, err := d.field(s, offset, 2, typ)
		if err != nil {
			return err
		}
		d.put16(b, uint16(x))
		return nil
	}

	// Instruction relocations
	b, err := d.field(s, offset, 4, typ)
	if err != nil {
		return err
	}
	insn := d.readInsn(b)
	switch t {
	case elf.R_AARCH64_CALL26, elf.R_AARCH64_JUMP26:
		if !isInt(delta, 28) {
			return d.outOfRange(s, offset, typ, delta)
		}
		insn = insn&0xfc000000 | uint32(delta&0x0ffffffc)>>2
	case elf.R_AARCH64_CONDBR19, elf.R_AARCH64_LD_PREL_LO19:
		if !isInt(delta, 21) {
			return d.outOfRange(s, offset, typ, delta)
		}
		insn = insn&0xff00001f | uint32(delta&0x1ffffc)<<3
	case elf.R_AARCH64_TSTBR14:
		if !isInt(delta, 16) {
			return d.outOfRange(s, offset, typ, delta)
		}
		insn = insn&0xfff8001f | uint32(delta&0xfffc)<<3
	case elf.R_AARCH64_ADR_PREL_LO21:
		if !isInt(delta, 21) {
			return d.outOfRange(s, offset, typ, delta)
		}
		insn = insn&0x9f00001f | uint32(delta&3)<<29 | uint32((delta>>2)&0x7ffff)<<5
	case elf.R_AARCH64_ADR_PREL_PG_HI21, elf.R_AARCH64_ADR_PREL_PG_HI21_NC:
		page := int64((v &^ 0xfff) - (p &^ 0xfff))
		if t == elf.R_AARCH64_ADR_PREL_PG_HI21 && !isInt(page, 33) {
			return d.outOfRange(s, offset, typ, page)
		}
		imm := uint64(page) >> 12
		insn = insn&0x9f00001f | uint32(imm&3)<<29 | uint32(imm&0x1ffffc)<<3
	case elf.R_AARCH64_ADD_ABS_LO12_NC, elf.R_AARCH64_LDST8_ABS_LO12_NC:
		insn = insn&0xffc003ff | uint32(v&0xfff)<<10
	case elf.R_AARCH64_LDST16_ABS_LO12_NC:
		insn = insn&0xffc003ff | uint32(v&0xffe)<<9
	case elf.R_AARCH64_LDST32_ABS_LO12_NC:
		insn = insn&0xffc003ff | uint32(v&0xffc)<<8
	case elf.R_AARCH64_LDST64_ABS_LO12_NC:
		insn = insn&0xffc003ff | uint32(v&0xff8)<<7
	case elf.R_AARCH64_LDST128_ABS_LO12_NC:
		insn = insn&0xffc003ff | uint32(v&0xff0)<<6
	case elf.R_AARCH64_MOVW_UABS_G0, elf.R_AARCH64_MOVW_UABS_G0_NC:
		if t == elf.R_AARCH64_MOVW_UABS_G0 && !isUint(v, 16) {
			return d.outOfRange(s, offset, typ, int64(v))
		}
		insn = insn&0xffe0001f | uint32(v&0xffff)<<5
	case elf.R_AARCH64_MOVW_UABS_G1, elf.R_AARCH64_MOVW_UABS_G1_NC:
		if t == elf.R_AARCH64_MOVW_UABS_G1 && !isUint(v, 32) {
			return d.outOfRange(s, offset, typ, int64(v))
		}
		insn = insn&0xffe0001f | uint32((v>>16)&0xffff)<<5
	case elf.R_AARCH64_MOVW_UABS_G2, elf.R_AARCH64_MOVW_UABS_G2_NC:
		if t == elf.R_AARCH64_MOVW_UABS_G2 && !isUint(v, 48) {
			return d.outOfRange(s, offset, typ, int64(v))
		}
		insn = insn&0xffe0001f | uint32((v>>32)&0xffff)<<5
	case elf.R_AARCH64_MOVW_UABS_G3:
		insn = insn&0xffe0001f | uint32(v>>48)<<5
	default:
		return d.unsupported(s, offset, typ)
	}
	d.writeInsn(b, insn)
	return nil
}
