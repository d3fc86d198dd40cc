package dyld

import (
	"errors"
	"testing"

	"github.com/xyproto/rtdyld/internal/engine"
	"github.com/xyproto/rtdyld/internal/symtab"
	"github.com/xyproto/rtdyld/internal/tlsabi"
)

const testBase = 0x10000

// testMemory places every section on its own page starting at testBase
type testMemory struct {
	next      uint64
	live      map[SectionID]string
	released  []SectionID
	ehFrames  []uint64
	finalized int
	failAt    string
}

func newTestMemory() *testMemory {
	return &testMemory{next: testBase, live: make(map[SectionID]string)}
}

func (m *testMemory) alloc(size, align uint64, id SectionID, name string) (Allocation, error) {
	if name == m.failAt {
		return Allocation{}, errors.New("out of memory")
	}
	addr := alignUp(m.next, max(align, 0x1000))
	m.next = addr + size
	m.live[id] = name
	return Allocation{Data: make([]byte, size), LoadAddress: addr}, nil
}

func (m *testMemory) AllocateCodeSection(size, align uint64, id SectionID, name string) (Allocation, error) {
	return m.alloc(size, align, id, name)
}

func (m *testMemory) AllocateDataSection(size, align uint64, id SectionID, name string, readOnly bool) (Allocation, error) {
	return m.alloc(size, align, id, name)
}

func (m *testMemory) RegisterEHFrames(data []byte, loadAddr, size uint64) {
	m.ehFrames = append(m.ehFrames, loadAddr)
}

func (m *testMemory) DeregisterEHFrames(data []byte, loadAddr, size uint64) {}

func (m *testMemory) FinalizeMemory() error {
	m.finalized++
	return nil
}

func (m *testMemory) ReleaseSection(id SectionID) {
	delete(m.live, id)
	m.released = append(m.released, id)
}

// testObject is an in-memory Object
type testObject struct {
	arch     engine.Arch
	flags    uint32
	sections []*ObjSection
	symbols  []*ObjSymbol
}

func newTestObject(arch engine.Arch) *testObject {
	return &testObject{arch: arch}
}

func (o *testObject) Arch() engine.Arch       { return o.arch }
func (o *testObject) Flags() uint32           { return o.flags }
func (o *testObject) Sections() []*ObjSection { return o.sections }
func (o *testObject) Symbols() []*ObjSymbol   { return o.symbols }

func (o *testObject) text(data []byte) *ObjSection {
	return o.section(".text", SectionAlloc|SectionExec, data)
}

func (o *testObject) data(data []byte) *ObjSection {
	return o.section(".data", SectionAlloc|SectionWrite, data)
}

func (o *testObject) section(name string, flags SectionFlags, data []byte) *ObjSection {
	s := &ObjSection{
		Index:           len(o.sections) + 1,
		Name:            name,
		Data:            data,
		Size:            uint64(len(data)),
		Align:           16,
		Flags:           flags,
		ExplicitAddends: true,
	}
	o.sections = append(o.sections, s)
	return s
}

// global defines a global symbol at value within sec
func (o *testObject) global(name string, kind SymbolKind, sec *ObjSection, value uint64) *ObjSymbol {
	s := &ObjSymbol{Name: name, Kind: kind, Binding: BindGlobal, Section: sec.Index, Value: value}
	o.symbols = append(o.symbols, s)
	return s
}

func (o *testObject) undefined(name string) *ObjSymbol {
	s := &ObjSymbol{Name: name, Binding: BindGlobal, Section: SectionUndef}
	o.symbols = append(o.symbols, s)
	return s
}

func (o *testObject) tls(name string) *ObjSymbol {
	s := &ObjSymbol{Name: name, Kind: SymTLS, Binding: BindGlobal, Section: SectionUndef}
	o.symbols = append(o.symbols, s)
	return s
}

func reloc(sec *ObjSection, offset uint64, typ uint32, sym *ObjSymbol, addend int64) {
	sec.Relocations = append(sec.Relocations, ObjRelocation{Offset: offset, Type: typ, Symbol: sym, Addend: addend})
}

// newTestDyld creates a loader for arch with the given external symbols
func newTestDyld(t *testing.T, arch engine.Arch, externals map[string]uint64, opts Options) (*Dyld, *testMemory) {
	t.Helper()
	syms := symtab.NewTable()
	for name, addr := range externals {
		syms.Define(name, addr, symtab.FlagExported)
	}
	if opts.TLS == nil && opts.TLSConfig.Probe == nil {
		opts.TLSConfig.Probe = tlsabi.StaticProbe(tlsabi.ThreadModules{})
	}
	mm := newTestMemory()
	d, err := New(engine.Platform{Arch: arch, OS: engine.OSLinux}, mm, syms, opts)
	if err != nil {
		t.Fatalf("Failed to create loader: %v", err)
	}
	return d, mm
}

func mustLoad(t *testing.T, d *Dyld, obj Object) *LoadedObject {
	t.Helper()
	loaded, err := d.LoadObject(obj)
	if err != nil {
		t.Fatalf("Failed to load object: %v", err)
	}
	return loaded
}

func mustSection(t *testing.T, loaded *LoadedObject, name string) *SectionEntry {
	t.Helper()
	s, ok := loaded.Section(name)
	if !ok {
		t.Fatalf("Section %s not loaded", name)
	}
	return s
}

func expectKind(t *testing.T, err error, target *LoadError) *LoadError {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("Expected %v, got %v", target.Kind, err)
	}
	var le *LoadError
	errors.As(err, &le)
	return le
}
