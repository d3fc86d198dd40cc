package tlsabi

import (
	"math"

	"github.com/xyproto/rtdyld/internal/symtab"
)

// ModuleSlot is one entry of a thread's dynamic thread vector
type ModuleSlot struct {
	Base      uint64
	Size      uint64 // informational; the scan does not use it
	Allocated bool
}

// ThreadModules describes the TLS blocks of the calling thread. Slots is
// indexed by module id; slot 0 is the DTV generation counter and is never
// a candidate.
type ThreadModules struct {
	TCB   uint64
	Slots []ModuleSlot
}

// ModuleProbe reads the TLS layout of the calling thread.
type ModuleProbe interface {
	ThreadModules() (ThreadModules, error)
}

// ProbeFunc adapts a function to ModuleProbe
type ProbeFunc func() (ThreadModules, error)

func (f ProbeFunc) ThreadModules() (ThreadModules, error) {
	return f()
}

// StaticProbe always reports the given layout
func StaticProbe(tm ThreadModules) ModuleProbe {
	return ProbeFunc(func() (ThreadModules, error) {
		return tm, nil
	})
}

// GLibC resolves TLS symbols the way glibc lays out ELF TLS: the symbol
// resolver returns the address of the variable inside its module's
// initialization image for this thread, and the module is found by
// scanning the DTV.
type GLibC struct {
	symbols symtab.Resolver
	probe   ModuleProbe
}

// NewGLibC creates a glibc-style resolver
func NewGLibC(symbols symtab.Resolver, probe ModuleProbe) *GLibC {
	return &GLibC{symbols: symbols, probe: probe}
}

func (g *GLibC) Name() string            { return KindGLibC.String() }
func (g *GLibC) ExtraGOTAddend() int64   { return 0 }
func (g *GLibC) AddressOverride() uint64 { return 0 }

// FindTLSSymbol picks the allocated module whose base is closest below the
// symbol address. The match is approximate; it only relies on the libc
// ABI and not on libc internals.
func (g *GLibC) FindTLSSymbol(name string) (TLSSymbolInfo, error) {
	si, ok := g.symbols.FindSymbol(name)
	if !ok {
		return TLSSymbolInfo{}, &Error{Kind: KindSymbolNotFound, Symbol: name}
	}
	value := si.Address

	mods, err := g.probe.ThreadModules()
	if err != nil {
		return TLSSymbolInfo{}, err
	}

	minDistance := uint64(math.MaxUint64)
	found := 0
	for i := 1; i < len(mods.Slots); i++ {
		slot := mods.Slots[i]
		if !slot.Allocated || slot.Base > value {
			continue
		}
		if distance := value - slot.Base; distance < minDistance {
			minDistance = distance
			found = i
		}
	}
	if found == 0 {
		return TLSSymbolInfo{}, errorf(KindModuleNotFound, name,
			"address 0x%x is not inside any of %d TLS modules", value, len(mods.Slots))
	}

	base := mods.Slots[found].Base
	return TLSSymbolInfo{
		ModuleID:        uint64(found),
		Offset:          minDistance,
		PerModuleAddend: int64(base - mods.TCB),
		Flags:           si.Flags,
	}, nil
}
