package dyld

import (
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/xyproto/rtdyld/internal/engine"
)

func be32(b []byte, off uint64) uint32 { return binary.BigEndian.Uint32(b[off:]) }

func beInsns(words ...uint32) []byte {
	b := make([]byte, 4*len(words))
	for i, w := range words {
		binary.BigEndian.PutUint32(b[4*i:], w)
	}
	return b
}

func TestMipsHiLoPair(t *testing.T) {
	obj := newTestObject(engine.ArchMips)
	text := obj.text(beInsns(
		0x3c040010, // lui a0, 0x10
		0x24841234, // addiu a0, a0, 0x1234
	))
	text.ExplicitAddends = false
	sym := obj.undefined("sym")
	reloc(text, 0, uint32(elf.R_MIPS_HI16), sym, 0)
	reloc(text, 4, uint32(elf.R_MIPS_LO16), sym, 0)

	d, _ := newTestDyld(t, engine.ArchMips, map[string]uint64{"sym": 0x12346f00}, Options{})
	ts := mustSection(t, mustLoad(t, d, obj), ".text")

	// sym + 0x101234 = 0x12448134, so the carry from the low half rounds hi up
	if insn := be32(ts.Data, 0); insn != 0x3c041245 {
		t.Errorf("lui = 0x%08x, want 0x3c041245", insn)
	}
	if insn := be32(ts.Data, 4); insn != 0x24848134 {
		t.Errorf("addiu = 0x%08x, want 0x24848134", insn)
	}
}

func TestMipsUnpairedHi(t *testing.T) {
	obj := newTestObject(engine.ArchMips)
	text := obj.text(beInsns(0x3c040010))
	text.ExplicitAddends = false
	reloc(text, 0, uint32(elf.R_MIPS_HI16), obj.undefined("sym"), 0)

	d, _ := newTestDyld(t, engine.ArchMips, map[string]uint64{"sym": 0x12346f00}, Options{})
	ts := mustSection(t, mustLoad(t, d, obj), ".text")
	if insn := be32(ts.Data, 0); insn != 0x3c041244 {
		t.Errorf("lui = 0x%08x, want 0x3c041244", insn)
	}
}

func TestMips64HiLoPair(t *testing.T) {
	obj := newTestObject(engine.ArchMips64)
	text := obj.text(beInsns(
		0x3c040010, // lui a0, 0x10
		0x64841234, // daddiu a0, a0, 0x1234
	))
	text.ExplicitAddends = false
	sym := obj.undefined("sym")
	reloc(text, 0, uint32(elf.R_MIPS_HI16), sym, 0)
	reloc(text, 4, uint32(elf.R_MIPS_LO16), sym, 0)

	d, _ := newTestDyld(t, engine.ArchMips64, map[string]uint64{"sym": 0x12346f00}, Options{})
	ts := mustSection(t, mustLoad(t, d, obj), ".text")

	if insn := be32(ts.Data, 0); insn != 0x3c041245 {
		t.Errorf("lui = 0x%08x, want 0x3c041245", insn)
	}
	if insn := be32(ts.Data, 4); insn != 0x64848134 {
		t.Errorf("daddiu = 0x%08x, want 0x64848134", insn)
	}
}

func TestMips64ImplicitData(t *testing.T) {
	obj := newTestObject(engine.ArchMips64)
	data := make([]byte, 16)
	binary.BigEndian.PutUint64(data, 0x20)
	binary.BigEndian.PutUint32(data[8:], 0xfffffff0)
	ds := obj.data(data)
	ds.ExplicitAddends = false
	sym := obj.undefined("sym")
	reloc(ds, 0, uint32(elf.R_MIPS_64), sym, 0)
	reloc(ds, 8, uint32(elf.R_MIPS_32), sym, 0)

	d, _ := newTestDyld(t, engine.ArchMips64, map[string]uint64{"sym": 0x12340000}, Options{})
	loaded := mustSection(t, mustLoad(t, d, obj), ".data")

	if v := binary.BigEndian.Uint64(loaded.Data[0:]); v != 0x12340020 {
		t.Errorf("R_MIPS_64 = 0x%x, want 0x12340020", v)
	}
	if v := be32(loaded.Data, 8); v != 0x1233fff0 {
		t.Errorf("R_MIPS_32 = 0x%x, want 0x1233fff0", v)
	}
}

func TestMipsJALRIsIgnored(t *testing.T) {
	for _, arch := range []engine.Arch{engine.ArchMips, engine.ArchMips64el} {
		obj := newTestObject(arch)
		jalr := uint32(0x0320f809) // jalr t9
		var code []byte
		if arch.IsLittleEndian() {
			code = insns(jalr, 0)
		} else {
			code = beInsns(jalr, 0)
		}
		text := obj.text(code)
		reloc(text, 0, uint32(elf.R_MIPS_JALR), obj.undefined("fn"), 0)

		d, _ := newTestDyld(t, arch, map[string]uint64{"fn": 0x40001000}, Options{})
		ts := mustSection(t, mustLoad(t, d, obj), ".text")
		if got := arch.ByteOrder().Uint32(ts.Data); got != jalr {
			t.Errorf("%s: jalr changed to 0x%08x", arch, got)
		}
	}
}

func TestMipsJumpAndStub(t *testing.T) {
	obj := newTestObject(engine.ArchMips)
	code := make([]byte, 0x30)
	copy(code[8:], beInsns(0x0c000000, 0x0c000000))
	text := obj.text(code)
	text.ExplicitAddends = false
	fn := obj.global("fn", SymFunc, text, 0x20)
	reloc(text, 8, uint32(elf.R_MIPS_26), fn, 0)
	reloc(text, 12, uint32(elf.R_MIPS_26), obj.undefined("ext"), 0)

	d, _ := newTestDyld(t, engine.ArchMips, map[string]uint64{"ext": 0x40000000}, Options{})
	ts := mustSection(t, mustLoad(t, d, obj), ".text")

	if insn := be32(ts.Data, 8); insn != 0x0c004008 {
		t.Errorf("jal fn = 0x%08x, want 0x0c004008", insn)
	}
	// ext is outside the 256MB region, so the jump lands on the stub at 0x30
	if insn := be32(ts.Data, 12); insn != 0x0c00400c {
		t.Errorf("jal ext = 0x%08x, want 0x0c00400c", insn)
	}
	want := []uint32{0x3c194000, 0x27390000, 0x03200008, 0}
	for i, w := range want {
		if insn := be32(ts.Data, uint64(0x30+4*i)); insn != w {
			t.Errorf("stub insn %d = 0x%08x, want 0x%08x", i, insn, w)
		}
	}
}

func TestFoldMips64Relocations(t *testing.T) {
	sym := &ObjSymbol{Name: "a"}
	other := &ObjSymbol{Name: "b"}
	rels := []ObjRelocation{
		{Offset: 0, Type: uint32(elf.R_MIPS_GPREL16), Symbol: sym},
		{Offset: 0, Type: uint32(elf.R_MIPS_SUB)},
		{Offset: 0, Type: uint32(elf.R_MIPS_HI16)},
		{Offset: 8, Type: uint32(elf.R_MIPS_64), Symbol: other},
	}
	folded := foldMips64Relocations(rels)
	if len(folded) != 2 {
		t.Fatalf("Expected 2 relocations, got %d", len(folded))
	}
	want := uint32(elf.R_MIPS_GPREL16) | uint32(elf.R_MIPS_SUB)<<8 | uint32(elf.R_MIPS_HI16)<<16
	if folded[0].Type != want {
		t.Errorf("Packed type 0x%x, want 0x%x", folded[0].Type, want)
	}
	if folded[1].Symbol != other {
		t.Error("The record at another offset should stay separate")
	}
	if name := RelocationTypeName(engine.ArchMips64, want); name != "R_MIPS_GPREL16/R_MIPS_SUB/R_MIPS_HI16" {
		t.Errorf("RelocationTypeName = %s", name)
	}
}

func TestMips64ComposedRelocation(t *testing.T) {
	obj := newTestObject(engine.ArchMips64el)
	text := obj.text(insns(0x3c010000, 0)) // lui at, 0
	fn := obj.global("fn", SymFunc, text, 4)
	packed := uint32(elf.R_MIPS_GPREL16) | uint32(elf.R_MIPS_SUB)<<8 | uint32(elf.R_MIPS_HI16)<<16
	reloc(text, 0, packed, fn, 0)

	d, _ := newTestDyld(t, engine.ArchMips64el, nil, Options{})
	loaded := mustLoad(t, d, obj)
	ts := mustSection(t, loaded, ".text")
	got := mustSection(t, loaded, ".got.0")

	// gp is GOT+0x7ff0 = 0x18ff0; fn - gp = -0x8fec, negated 0x8fec, %hi 1
	if got.LoadAddress != 0x11000 {
		t.Fatalf("GOT at 0x%x", got.LoadAddress)
	}
	if insn := le32(ts.Data, 0); insn != 0x3c010001 {
		t.Errorf("lui = 0x%08x, want 0x3c010001", insn)
	}
}

func TestMips64GOTSlots(t *testing.T) {
	obj := newTestObject(engine.ArchMips64el)
	text := obj.text(insns(
		0xdf990000, // ld t9, %call16(ext)(gp)
		0xdf990000,
		0xdf820000, // ld v0, %got_page(ext)(gp)
	))
	ext := obj.undefined("ext")
	reloc(text, 0, uint32(elf.R_MIPS_CALL16), ext, 0)
	reloc(text, 4, uint32(elf.R_MIPS_CALL16), ext, 0)
	reloc(text, 8, uint32(elf.R_MIPS_GOT_PAGE), ext, 0)

	d, _ := newTestDyld(t, engine.ArchMips64el, map[string]uint64{"ext": 0x7f0000001000}, Options{})
	loaded := mustLoad(t, d, obj)
	ts := mustSection(t, loaded, ".text")
	got := mustSection(t, loaded, ".got.0")

	if n := d.got.CurrentGOTIndex(0); n != 2 {
		t.Errorf("CurrentGOTIndex = %d, want 2", n)
	}
	if le64(got.Data, 0) != 0x7f0000001000 {
		t.Errorf("CALL16 slot = 0x%x", le64(got.Data, 0))
	}
	if le64(got.Data, 8) != 0x7f0000000000 {
		t.Errorf("GOT_PAGE slot = 0x%x", le64(got.Data, 8))
	}
	want := []uint32{0xdf998010, 0xdf998010, 0xdf828018}
	for i, w := range want {
		if insn := le32(ts.Data, uint64(4*i)); insn != w {
			t.Errorf("insn %d = 0x%08x, want 0x%08x", i, insn, w)
		}
	}
}
