package dyld

import "debug/elf"

// MIPS release 6 relocations missing from debug/elf
const (
	rMipsPC21S2 = elf.R_MIPS(60)
	rMipsPC26S2 = elf.R_MIPS(61)
	rMipsPC18S3 = elf.R_MIPS(62)
	rMipsPC19S2 = elf.R_MIPS(63)
	rMipsPCHI16 = elf.R_MIPS(64)
	rMipsPCLO16 = elf.R_MIPS(65)
	rMipsPC32   = elf.R_MIPS(248)
)

// gpOffset is the distance from the GOT base to the value of $gp
const gpOffset = 0x7ff0

// pendingHi is a HI16 record waiting for the LO16 that completes its addend
type pendingHi struct {
	Value RelocationValueRef
	Entry RelocationEntry
}

func matchingLo(typ uint32) uint32 {
	switch elf.R_MIPS(typ) {
	case elf.R_MIPS_HI16:
		return uint32(elf.R_MIPS_LO16)
	case rMipsPCHI16:
		return uint32(rMipsPCLO16)
	}
	return uint32(elf.R_MIPS_NONE)
}

// flushPendingHi queues HI16 records of sectionID that never met their
// LO16, using the addend they carry on their own.
func (d *Dyld) flushPendingHi(sectionID SectionID) {
	kept := d.pendingHi[:0]
	for _, hi := range d.pendingHi {
		if hi.Entry.SectionID != sectionID {
			kept = append(kept, hi)
			continue
		}
		d.debugf("unpaired %s at %s+0x%x", RelocationTypeName(d.arch, hi.Entry.Type), d.sections[sectionID].Name, hi.Entry.Offset)
		hi.Entry.Addend += hi.Value.Addend
		d.addRelocation(hi.Entry, hi.Value)
	}
	d.pendingHi = kept
}

// foldMips64Relocations merges consecutive records at the same offset
// into one record whose type packs up to three types, one per byte. This
// is how N32 objects spell the composed relocations that N64 stores in a
// single r_info.
func foldMips64Relocations(rels []ObjRelocation) []ObjRelocation {
	out := make([]ObjRelocation, 0, len(rels))
	shift := uint(0)
	for _, rel := range rels {
		n := len(out)
		if n > 0 && rel.Symbol == nil && rel.Offset == out[n-1].Offset && rel.Type <= 0xff && shift < 16 {
			shift += 8
			out[n-1].Type |= rel.Type << shift
			continue
		}
		out = append(out, rel)
		shift = 0
		for t := rel.Type >> 8; t != 0; t >>= 8 {
			shift += 8
		}
	}
	return out
}

// mipsCall reaches targets within the 256MB region of the delay slot
func mipsCall(typ uint32) callSite {
	return callSite{
		typ: typ,
		reach: func(target, p uint64) bool {
			return target&^0x0fffffff == (p+4)&^0x0fffffff
		},
	}
}

// implicitMipsAddend decodes the addend a REL record keeps in the field
// it patches
func (d *Dyld) implicitMipsAddend(c *relocContext) (int64, error) {
	s := &d.sections[c.sectionID]
	typ := elf.R_MIPS(c.rel.Type & 0xff)
	if typ == elf.R_MIPS_64 {
		b, err := d.field(s, c.rel.Offset, 8, c.rel.Type)
		if err != nil {
			return 0, err
		}
		return int64(d.get64(b)), nil
	}
	b, err := d.field(s, c.rel.Offset, 4, c.rel.Type)
	if err != nil {
		return 0, err
	}
	insn := d.readInsn(b)
	switch typ {
	case elf.R_MIPS_32, elf.R_MIPS_GPREL32, rMipsPC32:
		return int64(int32(insn)), nil
	case elf.R_MIPS_26:
		return int64(insn&0x03ffffff) << 2, nil
	case elf.R_MIPS_HI16, rMipsPCHI16:
		return int64(insn&0xffff) << 16, nil
	case elf.R_MIPS_LO16, rMipsPCLO16, elf.R_MIPS_GPREL16:
		return int64(int16(insn)), nil
	case elf.R_MIPS_PC16:
		return signExtend(uint64(insn&0xffff)<<2, 18), nil
	case rMipsPC19S2:
		return signExtend(uint64(insn&0x7ffff)<<2, 21), nil
	case rMipsPC21S2:
		return signExtend(uint64(insn&0x1fffff)<<2, 23), nil
	case rMipsPC26S2:
		return signExtend(uint64(insn&0x3ffffff)<<2, 28), nil
	}
	return 0, nil
}

// pairMipsHiLo holds HI16 records back until their LO16 arrives and
// then queues both with the combined addend. It reports whether it took
// the relocation.
func (d *Dyld) pairMipsHiLo(c *relocContext, addend int64) bool {
	switch elf.R_MIPS(c.rel.Type) {
	case elf.R_MIPS_HI16, rMipsPCHI16:
		d.pendingHi = append(d.pendingHi, pendingHi{
			Value: c.value,
			Entry: RelocationEntry{SectionID: c.sectionID, Offset: c.rel.Offset, Type: c.rel.Type, Addend: addend},
		})
		return true
	case elf.R_MIPS_LO16, rMipsPCLO16:
		addend += c.value.Addend
		kept := d.pendingHi[:0]
		for _, hi := range d.pendingHi {
			if hi.Value == c.value && matchingLo(hi.Entry.Type) == c.rel.Type && hi.Entry.SectionID == c.sectionID {
				hi.Entry.Addend += addend
				d.addRelocation(hi.Entry, c.value)
				continue
			}
			kept = append(kept, hi)
		}
		d.pendingHi = kept
		d.addRelocation(RelocationEntry{SectionID: c.sectionID, Offset: c.rel.Offset, Type: c.rel.Type, Addend: addend}, c.value)
		return true
	}
	return false
}

func (d *Dyld) processMips(c *relocContext) error {
	if elf.R_MIPS(c.rel.Type) == elf.R_MIPS_JALR {
		// Only a hint that the jalr may be relaxed into a direct call
		return nil
	}
	if d.arch.IsMips64() {
		return d.processMips64(c)
	}
	if c.implicit() {
		addend, err := d.implicitMipsAddend(c)
		if err != nil {
			return err
		}
		if d.pairMipsHiLo(c, addend) {
			return nil
		}
		c.value.Addend += addend
	}
	if elf.R_MIPS(c.rel.Type) == elf.R_MIPS_26 {
		_, err := d.resolveCall(c, mipsCall(c.rel.Type))
		return err
	}
	d.processSimpleRelocation(c.sectionID, c.rel.Offset, c.rel.Type, c.value)
	return nil
}

func (d *Dyld) processMips64(c *relocContext) error {
	switch elf.R_MIPS(c.rel.Type & 0xff) {
	case elf.R_MIPS_CALL16, elf.R_MIPS_GOT_DISP, elf.R_MIPS_GOT_PAGE:
		kind := gotAddress
		if elf.R_MIPS(c.rel.Type&0xff) == elf.R_MIPS_GOT_PAGE {
			kind = gotPage
		}
		// The slot is filled when the relocation is evaluated
		slot, _ := d.got.AllocateFor(c.sectionID, gotKey{Ref: c.value, Kind: kind}, 1)
		d.addRelocation(RelocationEntry{
			SectionID: c.sectionID,
			Offset:    c.rel.Offset,
			Type:      c.rel.Type,
			Addend:    c.value.Addend,
			SymOffset: slot,
		}, c.value)
		return nil
	}
	if c.implicit() {
		addend, err := d.implicitMipsAddend(c)
		if err != nil {
			return err
		}
		if d.pairMipsHiLo(c, addend) {
			return nil
		}
		c.value.Addend += addend
	}
	switch elf.R_MIPS(c.rel.Type & 0xff) {
	case elf.R_MIPS_26:
		_, err := d.resolveCall(c, mipsCall(c.rel.Type))
		return err
	case elf.R_MIPS_GPREL16, elf.R_MIPS_GPREL32:
		d.got.Allocate(c.sectionID, 0)
	}
	d.processSimpleRelocation(c.sectionID, c.rel.Offset, c.rel.Type, c.value)
	return nil
}

func (d *Dyld) resolveMIPSO32Relocation(s *SectionEntry, offset uint64, value uint32, typ uint32, addend int32) error {
	if elf.R_MIPS(typ) == elf.R_MIPS_NONE {
		return nil
	}
	b, err := d.field(s, offset, 4, typ)
	if err != nil {
		return err
	}
	insn := d.readInsn(b)
	v := value + uint32(addend)
	p := uint32(s.LoadAddressWithOffset(offset))
	delta := int64(int32(v - p))

	switch elf.R_MIPS(typ) {
	case elf.R_MIPS_32:
		insn = v
	case rMipsPC32:
		insn = v - p
	case elf.R_MIPS_26:
		insn = insn&0xfc000000 | (v&0x0fffffff)>>2
	case elf.R_MIPS_HI16:
		insn = insn&0xffff0000 | ((v+0x8000)>>16)&0xffff
	case elf.R_MIPS_LO16:
		insn = insn&0xffff0000 | v&0xffff
	case rMipsPCHI16:
		insn = insn&0xffff0000 | ((v-p+0x8000)>>16)&0xffff
	case rMipsPCLO16:
		insn = insn&0xffff0000 | (v-p)&0xffff
	case elf.R_MIPS_PC16:
		if !isInt(delta, 18) {
			return d.outOfRange(s, offset, typ, delta)
		}
		insn = insn&0xffff0000 | ((v-p)>>2)&0xffff
	case rMipsPC19S2:
		delta = int64(int32(v - p&^3))
		if !isInt(delta, 21) {
			return d.outOfRange(s, offset, typ, delta)
		}
		insn = insn&0xfff80000 | ((v-p&^3)>>2)&0x7ffff
	case rMipsPC21S2:
		if !isInt(delta, 23) {
			return d.outOfRange(s, offset, typ, delta)
		}
		insn = insn&0xffe00000 | ((v-p)>>2)&0x1fffff
	case rMipsPC26S2:
		if !isInt(delta, 28) {
			return d.outOfRange(s, offset, typ, delta)
		}
		insn = insn&0xfc000000 | ((v-p)>>2)&0x3ffffff
	default:
		return d.unsupported(s, offset, typ)
	}
	d.writeInsn(b, insn)
	return nil
}

// resolveMIPS64Relocation evaluates each of the up to three types packed
// into typ, feeding every result into the next as its addend, and only
// then writes the final value.
func (d *Dyld) resolveMIPS64Relocation(sectionID SectionID, s *SectionEntry, offset, value uint64, typ uint32, addend int64, symOffset uint64) error {
	rel := typ & 0xff
	if elf.R_MIPS(rel) == elf.R_MIPS_NONE {
		return nil
	}
	v, err := d.evaluateMIPS64(sectionID, s, offset, value, rel, addend, symOffset)
	if err != nil {
		return err
	}
	for _, next := range []uint32{(typ >> 8) & 0xff, (typ >> 16) & 0xff} {
		if elf.R_MIPS(next) == elf.R_MIPS_NONE {
			continue
		}
		rel = next
		if v, err = d.evaluateMIPS64(sectionID, s, offset, 0, rel, int64(v), symOffset); err != nil {
			return err
		}
	}
	return d.applyMIPS(s, offset, v, rel)
}

func (d *Dyld) evaluateMIPS64(sectionID SectionID, s *SectionEntry, offset, value uint64, typ uint32, addend int64, symOffset uint64) (uint64, error) {
	v := value + uint64(addend)
	p := s.LoadAddressWithOffset(offset)

	switch elf.R_MIPS(typ) {
	case elf.R_MIPS_32, elf.R_MIPS_64:
		return v, nil
	case elf.R_MIPS_26:
		return (v >> 2) & 0x3ffffff, nil
	case elf.R_MIPS_GPREL16, elf.R_MIPS_GPREL32:
		got, err := d.localGOT(sectionID, s, offset, typ)
		if err != nil {
			return 0, err
		}
		return v - (got.LoadAddress + gpOffset), nil
	case elf.R_MIPS_SUB:
		return value - uint64(addend), nil
	case elf.R_MIPS_HI16:
		return ((v + 0x8000) >> 16) & 0xffff, nil
	case elf.R_MIPS_LO16:
		return v & 0xffff, nil
	case elf.R_MIPS_HIGHER:
		return ((v + 0x80008000) >> 32) & 0xffff, nil
	case elf.R_MIPS_HIGHEST:
		return ((v + 0x800080008000) >> 48) & 0xffff, nil
	case elf.R_MIPS_CALL16, elf.R_MIPS_GOT_DISP, elf.R_MIPS_GOT_PAGE:
		got, err := d.localGOT(sectionID, s, offset, typ)
		if err != nil {
			return 0, err
		}
		if elf.R_MIPS(typ) == elf.R_MIPS_GOT_PAGE {
			v = (v + 0x8000) &^ 0xffff
		}
		slot := got.Data[symOffset : symOffset+8]
		if entry := d.get64(slot); entry == 0 {
			d.put64(slot, v)
		} else if entry != v {
			return 0, d.relocError(KindInternal, s, offset, typ, "GOT entry 0x%x already holds 0x%x, not 0x%x", symOffset, entry, v)
		}
		return (symOffset - gpOffset) & 0xffff, nil
	case elf.R_MIPS_GOT_OFST:
		page := (v + 0x8000) &^ 0xffff
		return (v - page) & 0xffff, nil
	case elf.R_MIPS_PC16:
		return ((v - p) >> 2) & 0xffff, nil
	case rMipsPC32:
		return v - p, nil
	case rMipsPC18S3:
		return ((v - p&^7) >> 3) & 0x3ffff, nil
	case rMipsPC19S2:
		return ((v - p&^3) >> 2) & 0x7ffff, nil
	case rMipsPC21S2:
		return ((v - p) >> 2) & 0x1fffff, nil
	case rMipsPC26S2:
		return ((v - p) >> 2) & 0x3ffffff, nil
	case rMipsPCHI16:
		return ((v - p + 0x8000) >> 16) & 0xffff, nil
	case rMipsPCLO16:
		return (v - p) & 0xffff, nil
	}
	return 0, d.unsupported(s, offset, typ)
}

func (d *Dyld) localGOT(sectionID SectionID, s *SectionEntry, offset uint64, typ uint32) (*SectionEntry, error) {
	id, ok := d.got.SectionFor(sectionID)
	if !ok {
		return nil, d.relocError(KindInternal, s, offset, typ, "no GOT for section")
	}
	return &d.sections[id], nil
}

// applyMIPS writes a value computed by evaluateMIPS64 into the field of typ
func (d *Dyld) applyMIPS(s *SectionEntry, offset, v uint64, typ uint32) error {
	switch elf.R_MIPS(typ) {
	case elf.R_MIPS_32, elf.R_MIPS_GPREL32, rMipsPC32:
		b, err := d.field(s, offset, 4, typ)
		if err != nil {
			return err
		}
		d.put32(b, uint32(v))
		return nil
	case elf.R_MIPS_64, elf.R_MIPS_SUB:
		b, err := d.field(s, offset, 8, typ)
		if err != nil {
			return err
		}
		d.put64(b, v)
		return nil
	}

	b, err := d.field(s, offset, 4, typ)
	if err != nil {
		return err
	}
	insn := d.readInsn(b)
	switch elf.R_MIPS(typ) {
	case elf.R_MIPS_GPREL16, elf.R_MIPS_HI16, elf.R_MIPS_LO16, elf.R_MIPS_HIGHER, elf.R_MIPS_HIGHEST,
		rMipsPCHI16, rMipsPCLO16, elf.R_MIPS_CALL16, elf.R_MIPS_GOT_DISP, elf.R_MIPS_GOT_PAGE,
		elf.R_MIPS_GOT_OFST, elf.R_MIPS_PC16:
		insn = insn&0xffff0000 | uint32(v)&0xffff
	case rMipsPC18S3:
		insn = insn&0xfffc0000 | uint32(v)&0x3ffff
	case rMipsPC19S2:
		insn = insn&0xfff80000 | uint32(v)&0x7ffff
	case rMipsPC21S2:
		insn = insn&0xffe00000 | uint32(v)&0x1fffff
	case elf.R_MIPS_26, rMipsPC26S2:
		insn = insn&0xfc000000 | uint32(v)&0x3ffffff
	default:
		return d.unsupported(s, offset, typ)
	}
	d.writeInsn(b, insn)
	return nil
}
