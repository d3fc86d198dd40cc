package dyld

import (
	"debug/elf"
	"testing"

	"github.com/xyproto/rtdyld/internal/engine"
	"github.com/xyproto/rtdyld/internal/symtab"
	"github.com/xyproto/rtdyld/internal/tlsabi"
)

// glibcOptions reports two TLS modules, at 0x1000 and 0x2000, for a
// thread whose TCB is at 0x3000
func glibcOptions() Options {
	return Options{TLSConfig: tlsabi.Config{Probe: tlsabi.StaticProbe(tlsabi.ThreadModules{
		TCB: 0x3000,
		Slots: []tlsabi.ModuleSlot{
			{},
			{Base: 0x1000, Allocated: true},
			{Base: 0x2000, Allocated: true},
		},
	})}}
}

func TestX86_64TLSGLibC(t *testing.T) {
	obj := newTestObject(engine.ArchX86_64)
	text := obj.text(make([]byte, 32))
	tv := obj.tls("tv")
	reloc(text, 3, uint32(elf.R_X86_64_GOTTPOFF), tv, -4)
	reloc(text, 10, uint32(elf.R_X86_64_TPOFF32), tv, 0)
	reloc(text, 16, uint32(elf.R_X86_64_TLSGD), tv, -4)
	reloc(text, 22, uint32(elf.R_X86_64_PLT32), obj.undefined("__tls_get_addr"), -4)

	externals := map[string]uint64{"tv": 0x2010, "__tls_get_addr": 0x7f0000001000}
	d, _ := newTestDyld(t, engine.ArchX86_64, externals, glibcOptions())
	loaded := mustLoad(t, d, obj)
	ts := mustSection(t, loaded, ".text")
	got := mustSection(t, loaded, ".got")

	if got.LoadAddress != 0x11000 {
		t.Fatalf("GOT at 0x%x", got.LoadAddress)
	}
	if n := d.got.CurrentGOTIndex(0); n != 4 {
		t.Errorf("CurrentGOTIndex = %d, want 4", n)
	}

	// tv lives in module 2 at offset 0x10; the block is 0x1000 below the TCB
	tpoff := int64(-0xff0)
	if v := le64(got.Data, 0); v != uint64(tpoff) {
		t.Errorf("GOTTPOFF slot = 0x%x", v)
	}
	if v := le32(ts.Data, 3); v != 0xff9 {
		t.Errorf("GOTTPOFF disp = 0x%x, want 0xff9", v)
	}
	if v := le32(ts.Data, 10); v != uint32(int32(tpoff)) {
		t.Errorf("TPOFF32 = 0x%x", v)
	}
	if le64(got.Data, 8) != 2 || le64(got.Data, 16) != 0x10 {
		t.Errorf("TLSGD pair = {%d, 0x%x}", le64(got.Data, 8), le64(got.Data, 16))
	}
	if v := le32(ts.Data, 16); v != 0xff4 {
		t.Errorf("TLSGD disp = 0x%x, want 0xff4", v)
	}

	// The helper call goes through a stub reading the last GOT slot
	if v := le32(ts.Data, 22); v != 6 {
		t.Errorf("helper call rel32 = %d, want 6", v)
	}
	if v := le32(ts.Data, 34); v != 0xff2 {
		t.Errorf("helper stub disp = 0x%x, want 0xff2", v)
	}
	if v := le64(got.Data, 24); v != 0x7f0000001000 {
		t.Errorf("helper slot = 0x%x", v)
	}
}

func darwinResolver(descriptors map[string]tlsabi.TLVDescriptor) tlsabi.Resolver {
	syms := symtab.NewTable()
	byAddr := make(map[uint64]tlsabi.TLVDescriptor)
	addr := uint64(0x100)
	for name, desc := range descriptors {
		syms.Define(name, addr, symtab.FlagNone)
		byAddr[addr] = desc
		addr += 0x100
	}
	return tlsabi.NewDarwin(syms, tlsabi.DescriptorReaderFunc(func(addr uint64) (tlsabi.TLVDescriptor, error) {
		return byAddr[addr], nil
	}))
}

func TestX86_64TLSDarwin(t *testing.T) {
	obj := newTestObject(engine.ArchX86_64)
	text := obj.text(make([]byte, 16))
	reloc(text, 3, uint32(elf.R_X86_64_TLSGD), obj.tls("tv"), -4)
	reloc(text, 9, uint32(elf.R_X86_64_PLT32), obj.undefined("__tlv_get_addr"), -4)

	tls := darwinResolver(map[string]tlsabi.TLVDescriptor{
		"tv": {Accessor: 0xaaaa, Key: 7, Offset: 0x10},
	})
	d, _ := newTestDyld(t, engine.ArchX86_64, nil, Options{TLS: tls})
	loaded := mustLoad(t, d, obj)
	ts := mustSection(t, loaded, ".text")
	got := mustSection(t, loaded, ".got")

	if le64(got.Data, 0) != 7 || le64(got.Data, 8) != 0x10 {
		t.Errorf("descriptor pair = {%d, 0x%x}", le64(got.Data, 0), le64(got.Data, 8))
	}
	// The argument points 8 bytes before the pair
	if v := le32(ts.Data, 3); v != 0xff1 {
		t.Errorf("TLSGD disp = 0x%x, want 0xff1", v)
	}
	// The helper is the recorded accessor, no lookup needed
	if v := le64(got.Data, 16); v != 0xaaaa {
		t.Errorf("helper slot = 0x%x, want 0xaaaa", v)
	}
	if v := le32(ts.Data, 9); v != 3 {
		t.Errorf("helper call rel32 = %d, want 3", v)
	}
}

func TestTLSAccessorConflict(t *testing.T) {
	obj := newTestObject(engine.ArchX86_64)
	text := obj.text(make([]byte, 16))
	reloc(text, 0, uint32(elf.R_X86_64_TLSGD), obj.tls("a"), -4)
	reloc(text, 8, uint32(elf.R_X86_64_TLSGD), obj.tls("b"), -4)

	tls := darwinResolver(map[string]tlsabi.TLVDescriptor{
		"a": {Accessor: 0xaaaa, Key: 1},
		"b": {Accessor: 0xbbbb, Key: 1},
	})
	d, mm := newTestDyld(t, engine.ArchX86_64, nil, Options{TLS: tls})
	_, err := d.LoadObject(obj)
	expectKind(t, err, ErrTLSAccessorConflict)
	if d.NumSections() != 0 || len(mm.live) != 0 {
		t.Error("A failed TLS phase should release every section of the load")
	}
}

func TestTLSHelperMismatch(t *testing.T) {
	obj := newTestObject(engine.ArchX86_64)
	code := make([]byte, 16)
	code[0], code[8] = 0xe8, 0xe8
	text := obj.text(code)
	reloc(text, 1, uint32(elf.R_X86_64_PLT32), obj.undefined("__tls_get_addr"), -4)
	reloc(text, 9, uint32(elf.R_X86_64_PLT32), obj.undefined("___tls_get_addr"), -4)

	externals := map[string]uint64{"__tls_get_addr": 0x1000, "___tls_get_addr": 0x2000}
	d, _ := newTestDyld(t, engine.ArchX86_64, externals, glibcOptions())
	_, err := d.LoadObject(obj)
	expectKind(t, err, ErrDuplicateTLSHelperMismatch)
}

func TestTLSModuleNotFound(t *testing.T) {
	obj := newTestObject(engine.ArchX86_64)
	text := obj.text(make([]byte, 8))
	reloc(text, 0, uint32(elf.R_X86_64_TPOFF32), obj.tls("early"), 0)

	d, _ := newTestDyld(t, engine.ArchX86_64, map[string]uint64{"early": 0x800}, glibcOptions())
	_, err := d.LoadObject(obj)
	le := expectKind(t, err, ErrTLSModuleNotFound)
	if le.Symbol != "early" || le.Section != ".text" {
		t.Errorf("Unexpected error details: %+v", le)
	}
}

func TestTLSUnresolvedSymbol(t *testing.T) {
	obj := newTestObject(engine.ArchX86_64)
	text := obj.text(make([]byte, 8))
	reloc(text, 0, uint32(elf.R_X86_64_TPOFF32), obj.tls("counterr"), 0)

	d, _ := newTestDyld(t, engine.ArchX86_64, map[string]uint64{"counter": 0x2000}, glibcOptions())
	_, err := d.LoadObject(obj)
	le := expectKind(t, err, ErrUnresolvedSymbol)
	if len(le.Suggestions) == 0 || le.Suggestions[0] != "counter" {
		t.Errorf("Suggestions = %v", le.Suggestions)
	}
}

func TestAArch64TLS(t *testing.T) {
	obj := newTestObject(engine.ArchAArch64)
	text := obj.text(insns(
		0x90000000, // adrp x0, :gottprel:tv
		0xf9400000, // ldr x0, [x0, :gottprel_lo12:tv]
		0x91400000, // add x0, x0, :tprel_hi12:tv
		0x91000000, // add x0, x0, :tprel_lo12_nc:tv
		0x94000000, // bl __tls_get_addr
	))
	tv := obj.tls("tv")
	reloc(text, 0, uint32(elf.R_AARCH64_TLSIE_ADR_GOTTPREL_PAGE21), tv, 0)
	reloc(text, 4, uint32(elf.R_AARCH64_TLSIE_LD64_GOTTPREL_LO12_NC), tv, 0)
	reloc(text, 8, uint32(elf.R_AARCH64_TLSLE_ADD_TPREL_HI12), tv, 0)
	reloc(text, 12, uint32(elf.R_AARCH64_TLSLE_ADD_TPREL_LO12_NC), tv, 0)
	reloc(text, 16, uint32(elf.R_AARCH64_CALL26), obj.undefined("__tls_get_addr"), 0)

	opts := Options{TLSConfig: tlsabi.Config{Probe: tlsabi.StaticProbe(tlsabi.ThreadModules{
		TCB:   0x1000,
		Slots: []tlsabi.ModuleSlot{{}, {Base: 0x5000, Allocated: true}},
	})}}
	externals := map[string]uint64{"tv": 0x5123, "__tls_get_addr": 0x7f0012345678}
	d, _ := newTestDyld(t, engine.ArchAArch64, externals, opts)
	loaded := mustLoad(t, d, obj)
	ts := mustSection(t, loaded, ".text")
	got := mustSection(t, loaded, ".got")

	if v := le64(got.Data, 0); v != 0x4123 {
		t.Errorf("GOT slot = 0x%x, want 0x4123", v)
	}
	want := []uint32{0xb0000000, 0xf9400000, 0x91401000, 0x91048c00, 0x94000001}
	for i, w := range want {
		if insn := le32(ts.Data, uint64(4*i)); insn != w {
			t.Errorf("insn %d = 0x%08x, want 0x%08x", i, insn, w)
		}
	}

	var addr uint64
	for i := 0; i < 4; i++ {
		addr |= uint64((le32(ts.Data, uint64(20+4*i))>>5)&0xffff) << (16 * (3 - i))
	}
	if addr != 0x7f0012345678 {
		t.Errorf("helper stub materializes 0x%x", addr)
	}
}
