package dyld

import (
	"debug/elf"

	"github.com/xyproto/rtdyld/internal/engine"
)

// relocContext carries one raw relocation through Phase 1
type relocContext struct {
	obj       Object
	sec       *ObjSection
	sectionID SectionID
	rel       ObjRelocation
	value     RelocationValueRef
	name      string // symbol name, empty when the relocation has none
	local     map[int]SectionID
	stubs     StubMap
}

// implicit reports whether addends live in the patched bytes (REL)
func (c *relocContext) implicit() bool { return !c.sec.ExplicitAddends }

func (d *Dyld) processRelocationRef(obj Object, sec *ObjSection, sectionID SectionID, rel ObjRelocation, local map[int]SectionID, stubs StubMap) error {
	s := &d.sections[sectionID]
	if rel.Offset >= s.Size {
		return d.relocError(KindInvalidObject, s, rel.Offset, rel.Type, "relocation past the end of the section (size %d)", s.Size)
	}
	value, err := d.valueRef(obj, rel.Symbol, rel.Addend, local)
	if err != nil {
		return err
	}
	c := &relocContext{obj: obj, sec: sec, sectionID: sectionID, rel: rel, value: value, local: local, stubs: stubs}
	if rel.Symbol != nil {
		c.name = rel.Symbol.Name
	}
	d.debugf("%s+0x%x %s -> %v", s.Name, rel.Offset, RelocationTypeName(d.arch, rel.Type), value)

	switch a := d.arch; {
	case a == engine.ArchX86_64:
		return d.processX86_64(c)
	case a == engine.ArchX86:
		return d.processX86(c)
	case a.IsAArch64():
		return d.processAArch64(c)
	case a.IsARM():
		return d.processARM(c)
	case a.IsMips32(), a.IsMips64():
		return d.processMips(c)
	case a.IsPPC64():
		return d.processPPC64(c)
	case a == engine.ArchSystemZ:
		return d.processSystemZ(c)
	}
	return d.unsupported(s, rel.Offset, rel.Type)
}

// valueRef computes the target of a relocation. Symbols defined in a
// loaded section become section refs whose Addend includes the symbol
// offset; everything else is resolved by name.
func (d *Dyld) valueRef(obj Object, sym *ObjSymbol, addend int64, local map[int]SectionID) (RelocationValueRef, error) {
	if sym == nil {
		return symbolRef("", addend), nil
	}
	if sym.Kind == SymSection {
		id, err := d.findOrEmitSection(obj, sym.Section, local)
		if err != nil {
			return RelocationValueRef{}, err
		}
		return RelocationValueRef{SectionID: id, Addend: addend}, nil
	}
	if sym.Kind != SymTLS {
		if sym.IsGlobal() || !sym.IsDefined() {
			if loc, ok := d.globalSymbols[sym.Name]; ok && loc.SectionID != NoSection {
				return RelocationValueRef{SectionID: loc.SectionID, Offset: loc.Offset, Addend: int64(loc.Offset) + addend}, nil
			}
		}
		if sym.IsDefined() {
			id, err := d.findOrEmitSection(obj, sym.Section, local)
			if err != nil {
				return RelocationValueRef{}, err
			}
			return RelocationValueRef{SectionID: id, Offset: sym.Value, Addend: int64(sym.Value) + addend}, nil
		}
	}
	return symbolRef(sym.Name, addend), nil
}

func (d *Dyld) processSimpleRelocation(sectionID SectionID, offset uint64, typ uint32, value RelocationValueRef) {
	d.addRelocation(RelocationEntry{SectionID: sectionID, Offset: offset, Type: typ, Addend: value.Addend}, value)
}

// addRelocation queues re until the address behind value is known
func (d *Dyld) addRelocation(re RelocationEntry, value RelocationValueRef) {
	if value.IsExternal() {
		d.addRelocationForSymbol(re, value.SymbolName)
		return
	}
	d.relocations[value.SectionID] = append(d.relocations[value.SectionID], re)
}

func (d *Dyld) addRelocationForSymbol(re RelocationEntry, name string) {
	if loc, ok := d.globalSymbols[name]; ok && loc.SectionID != NoSection {
		re.Addend += int64(loc.Offset)
		d.relocations[loc.SectionID] = append(d.relocations[loc.SectionID], re)
		return
	}
	d.externalRelocations[name] = append(d.externalRelocations[name], re)
}

// resolveGOTOffsetRelocation queues a patch at offset whose value is the
// GOT base plus gotOffset.
func (d *Dyld) resolveGOTOffsetRelocation(sectionID SectionID, offset uint64, gotOffset int64, typ uint32) {
	gotSec, ok := d.got.SectionFor(sectionID)
	if !ok {
		panic("GOT offset relocation before any GOT allocation")
	}
	d.relocations[gotSec] = append(d.relocations[gotSec],
		RelocationEntry{SectionID: sectionID, Offset: offset, Type: typ, Addend: gotOffset})
}

// gotTarget is the value stored in a GOT slot for value: the symbol plus
// its offset, without the addend of the accessing instruction.
func gotTarget(value RelocationValueRef) RelocationValueRef {
	ref := value
	ref.Addend = int64(value.Offset)
	return ref
}

// allocGOTEntry returns the slot holding ref, queuing its fill relocation
// the first time.
func (d *Dyld) allocGOTEntry(sectionID SectionID, ref RelocationValueRef, kind gotKind, fillType uint32) uint64 {
	off, fresh := d.got.AllocateFor(sectionID, gotKey{Ref: ref, Kind: kind}, 1)
	if fresh {
		gotSec, _ := d.got.SectionFor(sectionID)
		d.addRelocation(d.got.FillRelocation(gotSec, off, uint64(ref.Addend), fillType), ref)
	}
	return off
}

// callSite describes how a branch relocation reaches its target
type callSite struct {
	typ uint32
	// bias is added to the value to get the address of the target; the
	// stub is then reached with addend -bias
	bias int64
	// reach reports whether the instruction at p can encode target
	reach     func(target, p uint64) bool
	forceStub bool
	// entryStub marks PPC64 ELFv1 targets that are code addresses in this
	// module rather than function descriptors
	entryStub bool
}

// resolveCall encodes a branch directly when the target is within reach
// and through a stub otherwise.
func (d *Dyld) resolveCall(c *relocContext, cs callSite) (viaStub bool, err error) {
	s := &d.sections[c.sectionID]
	p := s.LoadAddressWithOffset(c.rel.Offset)
	target := c.value
	target.Addend += cs.bias

	if isTLSHelper(c.name) && d.hasTLSHelperStubs() {
		return true, d.callTLSHelper(c, cs)
	}
	if !cs.forceStub {
		addr, err := d.targetAddress(target)
		if err != nil {
			return false, annotate(err, s, c.rel.Offset)
		}
		if cs.reach(addr, p) {
			d.processSimpleRelocation(c.sectionID, c.rel.Offset, cs.typ, c.value)
			return false, nil
		}
	}
	stubOff, created, err := d.allocateStub(c.sectionID, c.stubs, target, cs.typ, c.rel.Offset)
	if err != nil {
		return false, err
	}
	if created {
		if cs.entryStub {
			d.ppc64EntryStub(s.Data[stubOff : stubOff+d.maxStubSize()])
		}
		d.addStubRelocations(c.sectionID, stubOff, target)
	}
	return true, d.resolveRelocation(c.sectionID, c.rel.Offset, s.LoadAddressWithOffset(stubOff), cs.typ, -cs.bias, 0)
}

// addStubRelocations queues the relocations that put the address of
// target into a freshly written stub.
func (d *Dyld) addStubRelocations(sectionID SectionID, stubOff uint64, target RelocationValueRef) {
	add := func(off uint64, typ uint32) {
		d.addRelocation(RelocationEntry{SectionID: sectionID, Offset: stubOff + off, Type: typ, Addend: target.Addend}, target)
	}
	switch a := d.arch; {
	case a.IsAArch64():
		add(0, uint32(elf.R_AARCH64_MOVW_UABS_G3))
		add(4, uint32(elf.R_AARCH64_MOVW_UABS_G2_NC))
		add(8, uint32(elf.R_AARCH64_MOVW_UABS_G1_NC))
		add(12, uint32(elf.R_AARCH64_MOVW_UABS_G0_NC))
	case a.IsARM():
		add(4, uint32(elf.R_ARM_ABS32))
	case a.IsMips32():
		add(0, uint32(elf.R_MIPS_HI16))
		add(4, uint32(elf.R_MIPS_LO16))
	case a.IsMips64():
		add(0, uint32(elf.R_MIPS_HIGHEST))
		add(4, uint32(elf.R_MIPS_HIGHER))
		add(12, uint32(elf.R_MIPS_HI16))
		add(20, uint32(elf.R_MIPS_LO16))
	case a.IsPPC64():
		// The immediates are the low halves of the instruction words
		var half uint64
		if !a.IsLittleEndian() {
			half = 2
		}
		add(half+0, uint32(elf.R_PPC64_ADDR16_HIGHEST))
		add(half+4, uint32(elf.R_PPC64_ADDR16_HIGHER))
		add(half+12, uint32(elf.R_PPC64_ADDR16_HI))
		add(half+16, uint32(elf.R_PPC64_ADDR16_LO))
	case a == engine.ArchX86_64:
		if d.opts.InlineStubSlots {
			add(8, uint32(elf.R_X86_64_64))
			return
		}
		off := d.allocGOTEntry(sectionID, target, gotAddress, uint32(elf.R_X86_64_64))
		d.resolveGOTOffsetRelocation(sectionID, stubOff+2, int64(off)-4, uint32(elf.R_X86_64_PC32))
	case a == engine.ArchSystemZ:
		add(8, uint32(elf.R_390_64))
	}
}

func annotate(err error, s *SectionEntry, offset uint64) error {
	if le, ok := err.(*LoadError); ok && le.Section == "" {
		le.Section = s.Name
		le.Offset = offset
	}
	return err
}

// resolveRelocationEntry applies a queued relocation now that value is known
func (d *Dyld) resolveRelocationEntry(re RelocationEntry, value uint64) error {
	return d.resolveRelocation(re.SectionID, re.Offset, value, re.Type, re.Addend, re.SymOffset)
}

// resolveRelocation patches the bytes of one relocation
func (d *Dyld) resolveRelocation(sectionID SectionID, offset, value uint64, typ uint32, addend int64, symOffset uint64) error {
	s := &d.sections[sectionID]
	switch a := d.arch; {
	case a == engine.ArchX86_64:
		return d.resolveX86_64Relocation(sectionID, s, offset, value, typ, addend)
	case a == engine.ArchX86:
		return d.resolveX86Relocation(s, offset, uint32(value), typ, int32(addend))
	case a.IsAArch64():
		return d.resolveAArch64Relocation(s, offset, value, typ, addend)
	case a.IsARM():
		return d.resolveARMRelocation(s, offset, uint32(value), typ, int32(addend))
	case a.IsMips32():
		return d.resolveMIPSO32Relocation(s, offset, uint32(value), typ, int32(addend))
	case a.IsMips64():
		return d.resolveMIPS64Relocation(sectionID, s, offset, value, typ, addend, symOffset)
	case a.IsPPC64():
		return d.resolvePPC64Relocation(s, offset, value, typ, addend)
	case a == engine.ArchSystemZ:
		return d.resolveSystemZRelocation(s, offset, value, typ, addend)
	}
	return d.unsupported(s, offset, typ)
}

// field returns the width bytes at offset, failing for patches that
// would run past the end of the section
func (d *Dyld) field(s *SectionEntry, offset, width uint64, typ uint32) ([]byte, error) {
	end := offset + width
	if end < offset || end > uint64(len(s.Data)) {
		return nil, d.relocError(KindInvalidObject, s, offset, typ, "%d byte patch past the end of the section", width)
	}
	return s.Data[offset:end], nil
}
