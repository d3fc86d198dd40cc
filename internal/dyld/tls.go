package dyld

import (
	"debug/elf"
	"errors"
	"fmt"

	"github.com/xyproto/rtdyld/internal/engine"
	"github.com/xyproto/rtdyld/internal/symtab"
	"github.com/xyproto/rtdyld/internal/tlsabi"
)

// tlsRelocation is a Phase 2 patch. GOTSection and SymOffset locate the
// GOT slots reserved for it in Phase 1, if any.
type tlsRelocation struct {
	RelocationEntry
	Symbol     string
	GOTSection SectionID
}

// helperCall is a place that receives the address of the TLS helper
// routine in Phase 2: a pointer slot, or the movz/movk sequence of an
// AArch64 stub.
type helperCall struct {
	Name      string
	SectionID SectionID
	Offset    uint64
	Movz      bool
}

func isTLSHelper(name string) bool {
	switch name {
	case "__tls_get_addr", "___tls_get_addr", "__tlv_get_addr":
		return true
	}
	return false
}

func (d *Dyld) hasTLSHelperStubs() bool {
	return d.arch == engine.ArchX86_64 || d.arch.IsAArch64()
}

// callTLSHelper sends a call of the TLS helper through a stub whose
// target is only filled in once the helper address is known.
func (d *Dyld) callTLSHelper(c *relocContext, cs callSite) error {
	s := &d.sections[c.sectionID]
	key := symbolRef(c.name, 0)
	stubOff, created, err := d.allocateStub(c.sectionID, c.stubs, key, cs.typ, c.rel.Offset)
	if err != nil {
		return err
	}
	if created {
		switch {
		case d.arch.IsAArch64():
			d.helperCalls = append(d.helperCalls, helperCall{Name: c.name, SectionID: c.sectionID, Offset: stubOff, Movz: true})
		case d.opts.InlineStubSlots:
			d.helperCalls = append(d.helperCalls, helperCall{Name: c.name, SectionID: c.sectionID, Offset: stubOff + 8})
		default:
			off := d.allocHelperSlot(c.sectionID, c.name)
			d.resolveGOTOffsetRelocation(c.sectionID, stubOff+2, int64(off)-4, uint32(elf.R_X86_64_PC32))
		}
	}
	return d.resolveRelocation(c.sectionID, c.rel.Offset, s.LoadAddressWithOffset(stubOff), cs.typ, -cs.bias, 0)
}

// allocHelperSlot returns the GOT slot holding the helper address
func (d *Dyld) allocHelperSlot(sectionID SectionID, name string) uint64 {
	off, fresh := d.got.AllocateFor(sectionID, gotKey{Ref: symbolRef(name, 0), Kind: gotHelper}, 1)
	if fresh {
		gotSec, _ := d.got.SectionFor(sectionID)
		d.helperCalls = append(d.helperCalls, helperCall{Name: name, SectionID: gotSec, Offset: off})
	}
	return off
}

// queueTLS defers a TLS relocation to Phase 2, reserving its GOT slots now
// so that the GOT layout is final before Phase 2 runs.
func (d *Dyld) queueTLS(c *relocContext, slots uint64, kind gotKind) error {
	if c.name == "" {
		return d.relocError(KindUnsupportedRelocationType, &d.sections[c.sectionID], c.rel.Offset, c.rel.Type, "TLS relocation without a symbol")
	}
	t := tlsRelocation{
		RelocationEntry: RelocationEntry{SectionID: c.sectionID, Offset: c.rel.Offset, Type: c.rel.Type, Addend: c.rel.Addend},
		Symbol:          c.name,
		GOTSection:      NoSection,
	}
	if slots > 0 {
		t.SymOffset, _ = d.got.AllocateFor(c.sectionID, gotKey{Ref: symbolRef(c.name, 0), Kind: kind}, slots)
		t.GOTSection, _ = d.got.SectionFor(c.sectionID)
	}
	d.tlsRelocations = append(d.tlsRelocations, t)
	return nil
}

// applyTLSRelocations is Phase 2. Every TLS symbol is looked up before
// anything is written, so the helper override of the resolver is known
// when helper calls are bound.
func (d *Dyld) applyTLSRelocations() error {
	if len(d.tlsRelocations) == 0 && len(d.helperCalls) == 0 {
		return nil
	}
	infos := make(map[string]tlsabi.TLSSymbolInfo)
	for _, t := range d.tlsRelocations {
		if _, ok := infos[t.Symbol]; ok {
			continue
		}
		info, err := d.tls.FindTLSSymbol(t.Symbol)
		if err != nil {
			return d.tlsError(t, err)
		}
		d.debugf("TLS %s: module %d offset 0x%x addend %d", t.Symbol, info.ModuleID, info.Offset, info.PerModuleAddend)
		infos[t.Symbol] = info
	}
	for _, t := range d.tlsRelocations {
		var err error
		if d.arch == engine.ArchX86_64 {
			err = d.applyX86_64TLS(t, infos[t.Symbol])
		} else {
			err = d.applyAArch64TLS(t, infos[t.Symbol])
		}
		if err != nil {
			return err
		}
	}
	d.tlsRelocations = nil
	return d.bindTLSHelpers()
}

// gotSlot returns the GOT bytes and address reserved for t
func (d *Dyld) gotSlot(t tlsRelocation, count uint64) ([]byte, uint64, error) {
	if t.GOTSection == NoSection {
		return nil, 0, &LoadError{Kind: KindInternal, Symbol: t.Symbol, Message: "TLS relocation has no GOT slot"}
	}
	got := &d.sections[t.GOTSection]
	b, err := d.field(got, t.SymOffset, count*d.got.EntrySize, t.Type)
	return b, got.LoadAddressWithOffset(t.SymOffset), err
}

func (d *Dyld) applyX86_64TLS(t tlsRelocation, info tlsabi.TLSSymbolInfo) error {
	s := &d.sections[t.SectionID]
	p := s.LoadAddressWithOffset(t.Offset)
	extra := d.tls.ExtraGOTAddend()

	putDisp := func(v int64) error {
		if !isInt(v, 32) {
			return d.outOfRange(s, t.Offset, t.Type, v)
		}
		b, err := d.field(s, t.Offset, 4, t.Type)
		if err != nil {
			return err
		}
		d.put32(b, uint32(v))
		return nil
	}

	switch elf.R_X86_64(t.Type) {
	case elf.R_X86_64_DTPMOD64:
		b, err := d.field(s, t.Offset, 8, t.Type)
		if err != nil {
			return err
		}
		d.put64(b, info.ModuleID)
	case elf.R_X86_64_DTPOFF64:
		b, err := d.field(s, t.Offset, 8, t.Type)
		if err != nil {
			return err
		}
		d.put64(b, info.Offset+uint64(t.Addend))
	case elf.R_X86_64_TPOFF64:
		b, err := d.field(s, t.Offset, 8, t.Type)
		if err != nil {
			return err
		}
		d.put64(b, uint64(info.TPOffset()+t.Addend))
	case elf.R_X86_64_DTPOFF32:
		return putDisp(int64(info.Offset) + t.Addend)
	case elf.R_X86_64_TPOFF32:
		return putDisp(info.TPOffset() + t.Addend)
	case elf.R_X86_64_GOTTPOFF:
		slot, addr, err := d.gotSlot(t, 1)
		if err != nil {
			return err
		}
		d.put64(slot, uint64(info.TPOffset()))
		return putDisp(int64(addr) + t.Addend - int64(p))
	case elf.R_X86_64_TLSGD, elf.R_X86_64_TLSLD:
		slot, addr, err := d.gotSlot(t, 2)
		if err != nil {
			return err
		}
		d.put64(slot[0:], info.ModuleID)
		if elf.R_X86_64(t.Type) == elf.R_X86_64_TLSGD {
			d.put64(slot[8:], info.Offset)
		} else {
			d.put64(slot[8:], 0)
		}
		return putDisp(int64(addr) + t.Addend + extra - int64(p))
	default:
		return d.unsupported(s, t.Offset, t.Type)
	}
	return nil
}

func (d *Dyld) applyAArch64TLS(t tlsRelocation, info tlsabi.TLSSymbolInfo) error {
	s := &d.sections[t.SectionID]
	tp := info.TPOffset() + t.Addend

	switch elf.R_AARCH64(t.Type) {
	case elf.R_AARCH64_TLS_DTPMOD64:
		return d.resolveAArch64Relocation(s, t.Offset, info.ModuleID, uint32(elf.R_AARCH64_ABS64), 0)
	case elf.R_AARCH64_TLS_DTPREL64:
		return d.resolveAArch64Relocation(s, t.Offset, info.Offset, uint32(elf.R_AARCH64_ABS64), t.Addend)
	case elf.R_AARCH64_TLS_TPREL64:
		return d.resolveAArch64Relocation(s, t.Offset, uint64(tp), uint32(elf.R_AARCH64_ABS64), 0)
	case elf.R_AARCH64_TLSLE_ADD_TPREL_HI12, elf.R_AARCH64_TLSLE_ADD_TPREL_LO12, elf.R_AARCH64_TLSLE_ADD_TPREL_LO12_NC:
		b, err := d.field(s, t.Offset, 4, t.Type)
		if err != nil {
			return err
		}
		imm := uint64(tp)
		switch elf.R_AARCH64(t.Type) {
		case elf.R_AARCH64_TLSLE_ADD_TPREL_HI12:
			if tp < 0 || tp >= 1<<24 {
				return d.outOfRange(s, t.Offset, t.Type, tp)
			}
			imm >>= 12
		case elf.R_AARCH64_TLSLE_ADD_TPREL_LO12:
			if tp < 0 || tp >= 1<<12 {
				return d.outOfRange(s, t.Offset, t.Type, tp)
			}
		}
		insn := d.readInsn(b)
		insn = insn&0xffc003ff | uint32(imm&0xfff)<<10
		d.writeInsn(b, insn)
	case elf.R_AARCH64_TLSIE_ADR_GOTTPREL_PAGE21, elf.R_AARCH64_TLSIE_LD64_GOTTPREL_LO12_NC:
		slot, addr, err := d.gotSlot(t, 1)
		if err != nil {
			return err
		}
		d.put64(slot, uint64(info.TPOffset()))
		typ := elf.R_AARCH64_ADR_PREL_PG_HI21
		if elf.R_AARCH64(t.Type) == elf.R_AARCH64_TLSIE_LD64_GOTTPREL_LO12_NC {
			typ = elf.R_AARCH64_LDST64_ABS_LO12_NC
		}
		return d.resolveAArch64Relocation(s, t.Offset, addr, uint32(typ), t.Addend)
	default:
		return d.unsupported(s, t.Offset, t.Type)
	}
	return nil
}

// bindTLSHelpers writes the helper address into every stub or slot that
// calls it. All helpers of one load must agree on one routine.
func (d *Dyld) bindTLSHelpers() error {
	var bound uint64
	var boundName string
	for i, h := range d.helperCalls {
		addr := d.tls.AddressOverride()
		if addr == 0 {
			var err error
			if addr, err = d.lookupSymbol(h.Name); err != nil {
				return err
			}
		}
		if i > 0 && addr != bound {
			return &LoadError{Kind: KindDuplicateTLSHelperMismatch, Arch: d.arch, Symbol: h.Name,
				Message: fmt.Sprintf("resolves to 0x%x, but %s was bound to 0x%x", addr, boundName, bound)}
		}
		bound, boundName = addr, h.Name

		s := &d.sections[h.SectionID]
		if h.Movz {
			for j, typ := range []elf.R_AARCH64{
				elf.R_AARCH64_MOVW_UABS_G3,
				elf.R_AARCH64_MOVW_UABS_G2_NC,
				elf.R_AARCH64_MOVW_UABS_G1_NC,
				elf.R_AARCH64_MOVW_UABS_G0_NC,
			} {
				if err := d.resolveAArch64Relocation(s, h.Offset+uint64(4*j), addr, uint32(typ), 0); err != nil {
					return err
				}
			}
			continue
		}
		b, err := d.field(s, h.Offset, uint64(d.arch.PointerSize()), 0)
		if err != nil {
			return err
		}
		d.putPointer(b, addr)
		d.debugf("TLS helper %s bound to 0x%x", h.Name, addr)
	}
	d.helperCalls = nil
	return nil
}

func (d *Dyld) tlsError(t tlsRelocation, err error) error {
	kind := KindTLSModuleNotFound
	switch {
	case errors.Is(err, tlsabi.ErrSymbolNotFound):
		kind = KindUnresolvedSymbol
	case errors.Is(err, tlsabi.ErrAccessorConflict):
		kind = KindTLSAccessorConflict
	}
	le := &LoadError{Kind: kind, Arch: d.arch, Type: t.Type, Section: d.sections[t.SectionID].Name,
		Offset: t.Offset, Symbol: t.Symbol, Err: err}
	if kind == KindUnresolvedSymbol {
		if s, ok := d.symbols.(symtab.Suggester); ok {
			le.Suggestions = s.Suggest(t.Symbol)
		}
	}
	return le
}
