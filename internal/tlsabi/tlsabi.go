// Completion: 100% - TLS ABI variants complete
package tlsabi

// The purpose of this package is to hide the implementation specific
// details of thread local storage, which differ between operating
// systems and even between C libraries, behind one small interface.

import (
	"fmt"
	"strings"

	"github.com/xyproto/rtdyld/internal/engine"
	"github.com/xyproto/rtdyld/internal/symtab"
)

// TLSSymbolInfo locates a thread-local variable: the module that owns it,
// its offset inside that module's block and the thread-pointer-relative
// position of the block for the resolving thread.
type TLSSymbolInfo struct {
	ModuleID        uint64
	Offset          uint64
	PerModuleAddend int64
	Flags           symtab.Flags
}

// TPOffset returns the thread-pointer-relative address of the variable.
func (i TLSSymbolInfo) TPOffset() int64 {
	return i.PerModuleAddend + int64(i.Offset)
}

// Resolver converts a TLS symbol name into a TLSSymbolInfo.
type Resolver interface {
	// Name identifies the variant in logs
	Name() string
	// ExtraGOTAddend is added to GOT-relative displacements of TLS
	// argument blocks.
	ExtraGOTAddend() int64
	// AddressOverride is the address of the helper routine that computes
	// a thread-local address, or 0 for the architecture default.
	AddressOverride() uint64
	FindTLSSymbol(name string) (TLSSymbolInfo, error)
}

// Kind selects a Resolver variant
type Kind int

const (
	KindGLibC Kind = iota
	KindDarwin
)

func (k Kind) String() string {
	switch k {
	case KindGLibC:
		return "glibc"
	case KindDarwin:
		return "darwin"
	default:
		return "unknown"
	}
}

// ParseKind parses a variant name
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "glibc", "gnu", "elf":
		return KindGLibC, nil
	case "darwin", "tlv", "macos":
		return KindDarwin, nil
	default:
		return 0, fmt.Errorf("unsupported TLS ABI: %s (supported: glibc, darwin)", s)
	}
}

// KindForOS returns the default variant for an operating system
func KindForOS(os engine.OS) Kind {
	if os == engine.OSDarwin {
		return KindDarwin
	}
	return KindGLibC
}

// Config supplies the platform collaborators of the variants. Nil fields
// fall back to the host implementations.
type Config struct {
	Probe  ModuleProbe
	Reader DescriptorReader
}

// New creates the Resolver variant for kind
func New(kind Kind, symbols symtab.Resolver, cfg Config) (Resolver, error) {
	switch kind {
	case KindGLibC:
		probe := cfg.Probe
		if probe == nil {
			probe = HostProbe()
		}
		return NewGLibC(symbols, probe), nil
	case KindDarwin:
		reader := cfg.Reader
		if reader == nil {
			reader = ProcessMemory{}
		}
		return NewDarwin(symbols, reader), nil
	}
	return nil, fmt.Errorf("unsupported TLS ABI: %v", kind)
}
