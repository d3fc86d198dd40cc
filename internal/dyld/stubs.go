package dyld

import (
	"debug/elf"

	"github.com/xyproto/rtdyld/internal/engine"
)

// Stub sizes in bytes
const (
	stubSizeAArch64   = 20 // movz; movk; movk; movk; br
	stubSizeARM       = 8  // one load of pc and the 32-bit address
	stubSizeMips      = 16 // lui; addiu; jr; nop
	stubSizeMips64    = 32 // lui; daddiu; dsll; daddiu; dsll; daddiu; jr; nop
	stubSizePPC64     = 44
	stubSizeX86_64    = 6  // jmp *disp32(%rip) through a GOT slot
	stubSizeX86Inline = 16 // jmp *2(%rip); ud2; 8-byte slot
	stubSizeSystemZ   = 16 // lgrl %r1,.+8; br %r1; 8-byte address
)

// maxStubSize returns the bytes every stub-capable relocation reserves
func (d *Dyld) maxStubSize() uint64 {
	switch a := d.arch; {
	case a.IsAArch64():
		return stubSizeAArch64
	case a.IsARM():
		return stubSizeARM
	case a.IsMips32():
		return stubSizeMips
	case a.IsMips64():
		return stubSizeMips64
	case a.IsPPC64():
		return stubSizePPC64
	case a == engine.ArchX86_64:
		if d.opts.InlineStubSlots {
			return stubSizeX86Inline
		}
		return stubSizeX86_64
	case a == engine.ArchSystemZ:
		return stubSizeSystemZ
	}
	return 0
}

// stubAlignment is the alignment of every stub address. ARM stubs load
// a literal relative to pc, which Thumb code rounds down to a word.
func (d *Dyld) stubAlignment() uint64 {
	switch {
	case d.arch == engine.ArchSystemZ:
		return 8
	case d.arch.IsARM():
		return 4
	}
	return 1
}

// isStubRelocation reports whether a relocation type may need a stub
func (d *Dyld) isStubRelocation(typ uint32) bool {
	switch a := d.arch; {
	case a == engine.ArchX86_64:
		return elf.R_X86_64(typ) == elf.R_X86_64_PLT32
	case a.IsAArch64():
		t := elf.R_AARCH64(typ)
		return t == elf.R_AARCH64_CALL26 || t == elf.R_AARCH64_JUMP26
	case a.IsARM():
		switch elf.R_ARM(typ) {
		case elf.R_ARM_PC24, elf.R_ARM_CALL, elf.R_ARM_JUMP24, rARMThmCall, rARMThmJump24:
			return true
		}
	case a.IsMips32(), a.IsMips64():
		return elf.R_MIPS(typ&0xff) == elf.R_MIPS_26
	case a.IsPPC64():
		return elf.R_PPC64(typ) == elf.R_PPC64_REL24
	case a == engine.ArchSystemZ:
		t := elf.R_390(typ)
		return t == elf.R_390_PLT32DBL || t == elf.R_390_GOTENT
	}
	return false
}

// stubBufferSize returns the size of the stub region of sec
func (d *Dyld) stubBufferSize(sec *ObjSection) uint64 {
	size := d.maxStubSize()
	if size == 0 {
		return 0
	}
	var n uint64
	for _, rel := range sec.Relocations {
		if d.isStubRelocation(rel.Type) {
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return n * size
}

// stubRegionStart returns the offset of the first stub of a section
func (d *Dyld) stubRegionStart(size uint64) uint64 {
	return alignUp(size, d.stubAlignment())
}

// createStubFunction writes the stub template into b. The target address
// is filled in later by relocations against the stub.
func (d *Dyld) createStubFunction(b []byte) {
	switch a := d.arch; {
	case a.IsAArch64():
		for i, insn := range []uint32{
			0xd2e00010, // movz x16, #:abs_g3:<addr>
			0xf2c00010, // movk x16, #:abs_g2_nc:<addr>
			0xf2a00010, // movk x16, #:abs_g1_nc:<addr>
			0xf2800010, // movk x16, #:abs_g0_nc:<addr>
			0xd61f0200, // br x16
		} {
			d.writeInsn(b[4*i:], insn)
		}
	case a == engine.ArchThumb:
		d.put16(b[0:], 0xf8df) // ldr.w pc, [pc, #0]
		d.put16(b[2:], 0xf000)
		d.put32(b[4:], 0)
	case a == engine.ArchARM:
		d.put32(b[0:], 0xe51ff004) // ldr pc, [pc, #-4]
		d.put32(b[4:], 0)
	case a.IsMips32():
		for i, insn := range []uint32{
			0x3c190000, // lui t9, %hi(addr)
			0x27390000, // addiu t9, t9, %lo(addr)
			0x03200008, // jr t9
			0x00000000, // nop
		} {
			d.writeInsn(b[4*i:], insn)
		}
	case a.IsMips64():
		for i, insn := range []uint32{
			0x3c190000, // lui t9, %highest(addr)
			0x67390000, // daddiu t9, t9, %higher(addr)
			0x0019cc38, // dsll t9, t9, 16
			0x67390000, // daddiu t9, t9, %hi(addr)
			0x0019cc38, // dsll t9, t9, 16
			0x67390000, // daddiu t9, t9, %lo(addr)
			0x03200008, // jr t9
			0x00000000, // nop
		} {
			d.writeInsn(b[4*i:], insn)
		}
	case a.IsPPC64():
		insns := []uint32{
			0x3d800000, // lis r12, highest(addr)
			0x618c0000, // ori r12, r12, higher(addr)
			0x798c07c6, // sldi r12, r12, 32
			0x658c0000, // oris r12, r12, h(addr)
			0x618c0000, // ori r12, r12, l(addr)
		}
		if d.ppc64ABI == 2 {
			// ELFv2: r12 holds the entry point itself
			insns = append(insns,
				0xf8410018, // std r2, 24(r1)
				0x7d8903a6, // mtctr r12
				0x4e800420, // bctr
			)
		} else {
			// ELFv1: r12 points at a function descriptor
			insns = append(insns,
				0xf8410028, // std r2, 40(r1)
				0xe96c0000, // ld r11, 0(r12)
				0xe84c0008, // ld r2, 8(r12)
				0x7d6903a6, // mtctr r11
				0xe96c0010, // ld r11, 16(r12)
				0x4e800420, // bctr
			)
		}
		for i, insn := range insns {
			d.writeInsn(b[4*i:], insn)
		}
	case a == engine.ArchX86_64:
		b[0], b[1] = 0xff, 0x25 // jmp *disp32(%rip)
		if d.opts.InlineStubSlots {
			copy(b[2:], []byte{0x02, 0x00, 0x00, 0x00, 0x0f, 0x0b}) // disp 2; ud2
			clear(b[8:16])
		} else {
			clear(b[2:6])
		}
	case a == engine.ArchSystemZ:
		copy(b, []byte{
			0xc4, 0x18, 0x00, 0x00, 0x00, 0x04, // lgrl %r1, .+8
			0x07, 0xf1, // br %r1
		})
		clear(b[8:16])
	}
}

// allocateStub returns the offset of the stub for key in sectionID,
// writing a new one when the section has none yet.
func (d *Dyld) allocateStub(sectionID SectionID, stubs StubMap, key RelocationValueRef, typ uint32, offset uint64) (stubOffset uint64, created bool, err error) {
	if off, ok := stubs[key]; ok {
		return off, false, nil
	}
	s := &d.sections[sectionID]
	size := d.maxStubSize()
	if size == 0 {
		return 0, false, d.relocError(KindStubOverflow, s, offset, typ, "%s has no stubs", d.arch)
	}
	align := d.stubAlignment()
	off := alignUp(s.LoadAddress+s.StubOffset, align) - s.LoadAddress
	if off+size > uint64(len(s.Data)) {
		return 0, false, d.relocError(KindStubOverflow, s, offset, typ,
			"no room for a %d byte stub to %v (%d bytes left)", size, key, s.StubSpace())
	}
	d.createStubFunction(s.Data[off : off+size])
	stubs[key] = off
	s.StubOffset = off + size
	d.debugf("stub for %v at %s+0x%x", key, s.Name, off)
	return off, true, nil
}
