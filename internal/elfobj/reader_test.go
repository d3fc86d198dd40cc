package elfobj

import (
	"bytes"
	"debug/elf"
	"testing"

	"github.com/xyproto/rtdyld/internal/dyld"
	"github.com/xyproto/rtdyld/internal/engine"
)

var _ dyld.Object = (*File)(nil)

func mustBuild(t *testing.T, b *Builder) *File {
	t.Helper()
	data, err := b.Bytes()
	if err != nil {
		t.Fatalf("Failed to build object: %v", err)
	}
	f, err := Parse(data)
	if err != nil {
		t.Fatalf("Failed to parse object: %v", err)
	}
	return f
}

func TestParseX86_64(t *testing.T) {
	b, err := NewBuilder(engine.ArchX86_64)
	if err != nil {
		t.Fatalf("Failed to create builder: %v", err)
	}
	code := []byte{0xe8, 0, 0, 0, 0, 0xc3}
	text := b.AddSection(".text", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_EXECINSTR, 16, code)
	b.AddBSS(".bss", 64, 8)
	puts := b.AddSymbol(Symbol{Name: "puts", Bind: elf.STB_GLOBAL, Section: elf.SHN_UNDEF})
	b.AddSymbol(Symbol{Name: "helper", Type: elf.STT_FUNC, Bind: elf.STB_LOCAL, Section: text, Value: 5})
	b.AddSymbol(Symbol{Name: "main", Type: elf.STT_FUNC, Bind: elf.STB_GLOBAL, Section: text, Size: 6})
	b.AddRelocation(text, Relocation{Offset: 1, Type: uint32(elf.R_X86_64_PLT32), Symbol: puts, Addend: -4})

	f := mustBuild(t, b)
	if f.Arch() != engine.ArchX86_64 || f.Machine() != elf.EM_X86_64 {
		t.Errorf("Arch = %s, machine %v", f.Arch(), f.Machine())
	}
	if n := len(f.Sections()); n != 2 {
		t.Fatalf("Expected .text and .bss, got %d sections", n)
	}

	ts := f.Section(".text")
	if ts == nil {
		t.Fatal(".text missing")
	}
	if !bytes.Equal(ts.Data, code) || ts.Align != 16 {
		t.Errorf(".text = % x, align %d", ts.Data, ts.Align)
	}
	if !ts.IsText() || !ts.IsAlloc() || !ts.IsReadOnly() {
		t.Errorf(".text flags %v", ts.Flags)
	}
	if !ts.ExplicitAddends || len(ts.Relocations) != 1 {
		t.Fatalf("Expected one RELA relocation, got %d", len(ts.Relocations))
	}
	r := ts.Relocations[0]
	if r.Offset != 1 || r.Type != uint32(elf.R_X86_64_PLT32) || r.Addend != -4 {
		t.Errorf("Relocation %+v", r)
	}
	if r.Symbol == nil || r.Symbol.Name != "puts" || !r.Symbol.IsUndefined() {
		t.Errorf("Relocation symbol %+v", r.Symbol)
	}

	bss := f.Section(".bss")
	if bss.Size != 64 || bss.Data != nil || bss.Flags&dyld.SectionNoBits == 0 {
		t.Errorf(".bss size %d flags %v", bss.Size, bss.Flags)
	}

	// Locals are written first, so the symbol order changes
	if syms := f.Symbols(); len(syms) != 3 || syms[0].Name != "helper" {
		t.Errorf("Unexpected symbol order")
	}
	helper := f.Symbol("helper")
	if helper.Binding != dyld.BindLocal || helper.Kind != dyld.SymFunc || helper.Section != int(text) || helper.Value != 5 {
		t.Errorf("helper = %+v", helper)
	}
	if main := f.Symbol("main"); main.Binding != dyld.BindGlobal || main.Size != 6 {
		t.Errorf("main = %+v", main)
	}
}

func TestParseARMRel(t *testing.T) {
	b, err := NewBuilder(engine.ArchARM)
	if err != nil {
		t.Fatalf("Failed to create builder: %v", err)
	}
	if !b.Rel {
		t.Fatal("ARM objects should default to REL")
	}
	b.Flags = 0x05000000
	text := b.AddSection(".text", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_EXECINSTR, 4, []byte{0xfe, 0xff, 0xff, 0xeb})
	fn := b.AddSymbol(Symbol{Name: "fn", Bind: elf.STB_GLOBAL, Section: elf.SHN_UNDEF})
	b.AddRelocation(text, Relocation{Type: uint32(elf.R_ARM_CALL), Symbol: fn})

	f := mustBuild(t, b)
	if f.Arch() != engine.ArchARM {
		t.Errorf("Arch = %s", f.Arch())
	}
	if f.Flags() != 0x05000000 {
		t.Errorf("Flags = 0x%x", f.Flags())
	}
	ts := f.Section(".text")
	if ts.ExplicitAddends {
		t.Error("REL relocations read their addends in place")
	}
	if len(ts.Relocations) != 1 || ts.Relocations[0].Type != uint32(elf.R_ARM_CALL) || ts.Relocations[0].Symbol.Name != "fn" {
		t.Errorf("Relocations %+v", ts.Relocations)
	}

	if err := f.ForceArch(engine.ArchThumb); err != nil || f.Arch() != engine.ArchThumb {
		t.Errorf("ForceArch(thumb) = %v, arch %s", err, f.Arch())
	}
	if err := f.ForceArch(engine.ArchX86_64); err == nil {
		t.Error("Expected an error reinterpreting ARM code as x86-64")
	}
}

func TestParseMips64elPackedTypes(t *testing.T) {
	b, err := NewBuilder(engine.ArchMips64el)
	if err != nil {
		t.Fatalf("Failed to create builder: %v", err)
	}
	text := b.AddSection(".text", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_EXECINSTR, 8, make([]byte, 8))
	fn := b.AddSymbol(Symbol{Name: "fn", Type: elf.STT_FUNC, Bind: elf.STB_GLOBAL, Section: text, Value: 4})
	packed := uint32(elf.R_MIPS_GPREL16) | uint32(elf.R_MIPS_SUB)<<8 | uint32(elf.R_MIPS_HI16)<<16
	b.AddRelocation(text, Relocation{Type: packed, Symbol: fn, Addend: 0x10})

	f := mustBuild(t, b)
	if f.Arch() != engine.ArchMips64el {
		t.Errorf("Arch = %s", f.Arch())
	}
	rels := f.Section(".text").Relocations
	if len(rels) != 1 {
		t.Fatalf("Expected one relocation, got %d", len(rels))
	}
	if rels[0].Type != packed || rels[0].Addend != 0x10 || rels[0].Symbol.Name != "fn" {
		t.Errorf("Relocation type 0x%x addend %d", rels[0].Type, rels[0].Addend)
	}
}

func TestParseSkipsDebugRelocations(t *testing.T) {
	b, _ := NewBuilder(engine.ArchAArch64)
	text := b.AddSection(".text", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_EXECINSTR, 4, make([]byte, 4))
	debug := b.AddSection(".debug_info", elf.SHT_PROGBITS, 0, 1, make([]byte, 8))
	sym := b.AddSymbol(Symbol{Name: ".text", Type: elf.STT_SECTION, Bind: elf.STB_LOCAL, Section: text})
	b.AddRelocation(debug, Relocation{Type: uint32(elf.R_AARCH64_ABS64), Symbol: sym})

	f := mustBuild(t, b)
	if s := f.Section(".debug_info"); s == nil || len(s.Relocations) != 0 {
		t.Error("Relocations of non-alloc sections should be dropped")
	}
	if s := f.Symbol(".text"); s == nil || s.Kind != dyld.SymSection {
		t.Error("Section symbol missing")
	}
}

func TestParseRejectsExecutables(t *testing.T) {
	b, _ := NewBuilder(engine.ArchX86_64)
	b.AddSection(".text", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_EXECINSTR, 1, []byte{0xc3})
	data, err := b.Bytes()
	if err != nil {
		t.Fatalf("Failed to build object: %v", err)
	}
	data[16] = byte(elf.ET_EXEC)
	if _, err := Parse(data); err == nil {
		t.Error("Expected an error for an executable")
	}
	if _, err := Parse([]byte("not an object")); err == nil {
		t.Error("Expected an error for garbage input")
	}
}

func TestBuilderUnknownSymbol(t *testing.T) {
	b, _ := NewBuilder(engine.ArchX86_64)
	text := b.AddSection(".text", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_EXECINSTR, 1, make([]byte, 8))
	b.AddRelocation(text, Relocation{Offset: 1, Type: uint32(elf.R_X86_64_PC32), Symbol: 3})
	if _, err := b.Bytes(); err == nil {
		t.Error("Expected an error for a relocation against a missing symbol")
	}
}
