package tlsabi

import (
	"encoding/binary"
	"unsafe"

	"github.com/xyproto/rtdyld/internal/symtab"
)

// TLVDescriptor mirrors the Darwin thread-local variable descriptor
type TLVDescriptor struct {
	Accessor uint64
	Key      uint64
	Offset   uint64
}

// DescriptorReader reads the TLV descriptor stored at addr
type DescriptorReader interface {
	ReadDescriptor(addr uint64) (TLVDescriptor, error)
}

// DescriptorReaderFunc adapts a function to DescriptorReader
type DescriptorReaderFunc func(addr uint64) (TLVDescriptor, error)

func (f DescriptorReaderFunc) ReadDescriptor(addr uint64) (TLVDescriptor, error) {
	return f(addr)
}

// ProcessMemory reads descriptors from the memory of this process
type ProcessMemory struct{}

func (ProcessMemory) ReadDescriptor(addr uint64) (TLVDescriptor, error) {
	if addr == 0 {
		return TLVDescriptor{}, errorf(KindProbeFailed, "", "nil TLV descriptor")
	}
	words := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), 24)
	return TLVDescriptor{
		Accessor: binary.NativeEndian.Uint64(words[0:]),
		Key:      binary.NativeEndian.Uint64(words[8:]),
		Offset:   binary.NativeEndian.Uint64(words[16:]),
	}, nil
}

// Darwin maps ELF's TLS model onto the one used by macOS: every symbol
// resolves to a descriptor, and all descriptors of one load must share a
// single accessor routine.
type Darwin struct {
	symbols  symtab.Resolver
	reader   DescriptorReader
	accessor uint64
}

// NewDarwin creates a TLV-on-ELF resolver
func NewDarwin(symbols symtab.Resolver, reader DescriptorReader) *Darwin {
	return &Darwin{symbols: symbols, reader: reader}
}

func (d *Darwin) Name() string { return KindDarwin.String() }

// ExtraGOTAddend points the argument register at the descriptor, eight
// bytes before the {key, offset} pair stored in the GOT.
func (d *Darwin) ExtraGOTAddend() int64 { return -8 }

// AddressOverride returns the recorded accessor, 0 until the first lookup
func (d *Darwin) AddressOverride() uint64 { return d.accessor }

func (d *Darwin) FindTLSSymbol(name string) (TLSSymbolInfo, error) {
	si, ok := d.symbols.FindSymbol(name)
	if !ok {
		return TLSSymbolInfo{}, &Error{Kind: KindSymbolNotFound, Symbol: name}
	}
	desc, err := d.reader.ReadDescriptor(si.Address)
	if err != nil {
		return TLSSymbolInfo{}, err
	}
	if d.accessor == 0 {
		d.accessor = desc.Accessor
	} else if d.accessor != desc.Accessor {
		return TLSSymbolInfo{}, errorf(KindAccessorConflict, name,
			"accessor 0x%x differs from 0x%x recorded for this load", desc.Accessor, d.accessor)
	}
	return TLSSymbolInfo{
		ModuleID: desc.Key,
		Offset:   desc.Offset,
		Flags:    si.Flags,
	}, nil
}

// Reset forgets the recorded accessor so the resolver can serve a new load
func (d *Darwin) Reset() {
	d.accessor = 0
}
