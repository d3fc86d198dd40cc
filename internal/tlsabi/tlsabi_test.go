package tlsabi

import (
	"errors"
	"testing"

	"github.com/xyproto/rtdyld/internal/engine"
	"github.com/xyproto/rtdyld/internal/symtab"
)

func syntheticModules() ThreadModules {
	return ThreadModules{
		TCB: 0x3000,
		Slots: []ModuleSlot{
			{},                     // generation counter
			{Allocated: false},     // unallocated
			{Base: 0x1000, Size: 0x100, Allocated: true},
			{Base: 0x2000, Size: 0x100, Allocated: true},
		},
	}
}

func TestGLibCClosestBelow(t *testing.T) {
	syms := symtab.NewTable()
	syms.Define("tls_a", 0x2050, symtab.FlagExported)
	syms.Define("tls_b", 0x1FFF, symtab.FlagNone)

	g := NewGLibC(syms, StaticProbe(syntheticModules()))

	info, err := g.FindTLSSymbol("tls_a")
	if err != nil {
		t.Fatalf("FindTLSSymbol(tls_a) failed: %v", err)
	}
	if info.ModuleID != 3 || info.Offset != 0x50 {
		t.Errorf("tls_a: got module %d offset 0x%x, want module 3 offset 0x50", info.ModuleID, info.Offset)
	}
	if info.PerModuleAddend != 0x2000-0x3000 {
		t.Errorf("tls_a: PerModuleAddend = %d", info.PerModuleAddend)
	}
	if info.Flags != symtab.FlagExported {
		t.Errorf("tls_a: flags not carried over: %v", info.Flags)
	}

	info, err = g.FindTLSSymbol("tls_b")
	if err != nil {
		t.Fatalf("FindTLSSymbol(tls_b) failed: %v", err)
	}
	if info.ModuleID != 2 || info.Offset != 0xFFF {
		t.Errorf("tls_b: got module %d offset 0x%x, want module 2 offset 0xfff", info.ModuleID, info.Offset)
	}
	if info.TPOffset() != int64(0x1000-0x3000+0xFFF) {
		t.Errorf("tls_b: TPOffset = %d", info.TPOffset())
	}
}

func TestGLibCNoModule(t *testing.T) {
	syms := symtab.NewTable()
	syms.Define("below_all", 0x800, symtab.FlagNone)

	g := NewGLibC(syms, StaticProbe(syntheticModules()))
	_, err := g.FindTLSSymbol("below_all")
	if !errors.Is(err, ErrModuleNotFound) {
		t.Fatalf("Expected ErrModuleNotFound, got %v", err)
	}
}

func TestGLibCTieKeepsLowestIndex(t *testing.T) {
	syms := symtab.NewTable()
	syms.Define("v", 0x1010, symtab.FlagNone)
	tm := ThreadModules{Slots: []ModuleSlot{
		{},
		{Base: 0x1000, Allocated: true},
		{Base: 0x1000, Allocated: true},
	}}

	info, err := NewGLibC(syms, StaticProbe(tm)).FindTLSSymbol("v")
	if err != nil {
		t.Fatalf("FindTLSSymbol failed: %v", err)
	}
	if info.ModuleID != 1 {
		t.Errorf("Expected module 1 on a tie, got %d", info.ModuleID)
	}
}

func TestGLibCUnknownSymbol(t *testing.T) {
	g := NewGLibC(symtab.NewTable(), StaticProbe(syntheticModules()))
	if _, err := g.FindTLSSymbol("missing"); !errors.Is(err, ErrSymbolNotFound) {
		t.Fatalf("Expected ErrSymbolNotFound, got %v", err)
	}
}

func TestGLibCProbeError(t *testing.T) {
	syms := symtab.NewTable()
	syms.Define("v", 0x1010, symtab.FlagNone)
	probe := ProbeFunc(func() (ThreadModules, error) {
		return ThreadModules{}, ErrProbeUnsupported
	})
	if _, err := NewGLibC(syms, probe).FindTLSSymbol("v"); !errors.Is(err, ErrProbeUnsupported) {
		t.Fatalf("Expected probe error to propagate, got %v", err)
	}
}

func darwinFixture() (*symtab.Table, DescriptorReader) {
	syms := symtab.NewTable()
	syms.Define("first", 0x100, symtab.FlagNone)
	syms.Define("conflict", 0x200, symtab.FlagNone)
	syms.Define("second", 0x300, symtab.FlagNone)

	descriptors := map[uint64]TLVDescriptor{
		0x100: {Accessor: 0xAAAA, Key: 7, Offset: 0x10},
		0x200: {Accessor: 0xBBBB, Key: 7, Offset: 0x20},
		0x300: {Accessor: 0xAAAA, Key: 9, Offset: 0x30},
	}
	reader := DescriptorReaderFunc(func(addr uint64) (TLVDescriptor, error) {
		return descriptors[addr], nil
	})
	return syms, reader
}

func TestDarwinAccessorRecording(t *testing.T) {
	syms, reader := darwinFixture()
	d := NewDarwin(syms, reader)

	if d.AddressOverride() != 0 {
		t.Fatal("AddressOverride should be 0 before the first lookup")
	}
	if d.ExtraGOTAddend() != -8 {
		t.Errorf("ExtraGOTAddend = %d, want -8", d.ExtraGOTAddend())
	}

	info, err := d.FindTLSSymbol("first")
	if err != nil {
		t.Fatalf("FindTLSSymbol(first) failed: %v", err)
	}
	if info.ModuleID != 7 || info.Offset != 0x10 || info.PerModuleAddend != 0 {
		t.Errorf("first: unexpected info %+v", info)
	}
	if d.AddressOverride() != 0xAAAA {
		t.Errorf("AddressOverride = 0x%x, want 0xaaaa", d.AddressOverride())
	}

	if _, err := d.FindTLSSymbol("conflict"); !errors.Is(err, ErrAccessorConflict) {
		t.Fatalf("Expected ErrAccessorConflict, got %v", err)
	}

	info, err = d.FindTLSSymbol("second")
	if err != nil {
		t.Fatalf("FindTLSSymbol(second) failed: %v", err)
	}
	if info.ModuleID != 9 || info.Offset != 0x30 {
		t.Errorf("second: unexpected info %+v", info)
	}

	d.Reset()
	if d.AddressOverride() != 0 {
		t.Error("Reset should clear the recorded accessor")
	}
}

func TestNewSelectsVariant(t *testing.T) {
	syms, reader := darwinFixture()

	r, err := New(KindForOS(engine.OSDarwin), syms, Config{Reader: reader})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if r.Name() != "darwin" {
		t.Errorf("Expected darwin variant, got %s", r.Name())
	}

	r, err = New(KindForOS(engine.OSLinux), syms, Config{Probe: StaticProbe(syntheticModules())})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if r.Name() != "glibc" || r.ExtraGOTAddend() != 0 || r.AddressOverride() != 0 {
		t.Errorf("Unexpected glibc variant: %s", r.Name())
	}

	if _, err := ParseKind("musl"); err == nil {
		t.Error("Expected error for unknown TLS ABI")
	}
}
