package main

import (
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/arch/arm/armasm"
	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/ppc64/ppc64asm"
	"golang.org/x/arch/x86/x86asm"

	"github.com/xyproto/rtdyld/internal/engine"
)

type lookupFunc func(addr uint64) (sym string, base uint64)
type disasmFunc func(code []byte, pc uint64, lookup lookupFunc) (text string, size int)

func disasmX86(mode int) disasmFunc {
	return func(code []byte, pc uint64, lookup lookupFunc) (string, int) {
		inst, err := x86asm.Decode(code, mode)
		if err != nil || inst.Len == 0 || inst.Op == 0 {
			return "?", 1
		}
		return x86asm.GNUSyntax(inst, pc, x86asm.SymLookup(lookup)), inst.Len
	}
}

func disasmARM(code []byte, pc uint64, lookup lookupFunc) (string, int) {
	inst, err := armasm.Decode(code, armasm.ModeARM)
	if err != nil || inst.Len == 0 || inst.Op == 0 {
		return "?", 4
	}
	return armasm.GNUSyntax(inst), inst.Len
}

// AArch64 instructions are little-endian whatever the data order is
func disasmARM64(code []byte, pc uint64, lookup lookupFunc) (string, int) {
	inst, err := arm64asm.Decode(code)
	if err != nil || inst.Op == 0 {
		return "?", 4
	}
	return arm64asm.GNUSyntax(inst), 4
}

func disasmPPC64(order binary.ByteOrder) disasmFunc {
	return func(code []byte, pc uint64, lookup lookupFunc) (string, int) {
		inst, err := ppc64asm.Decode(code, order)
		if err != nil || inst.Len == 0 || inst.Op == 0 {
			return "?", 4
		}
		return ppc64asm.GNUSyntax(inst, pc), inst.Len
	}
}

// disassemblerFor returns nil for architectures without a decoder; their
// code is hex dumped instead.
func disassemblerFor(arch engine.Arch) disasmFunc {
	switch {
	case arch == engine.ArchX86:
		return disasmX86(32)
	case arch == engine.ArchX86_64:
		return disasmX86(64)
	case arch == engine.ArchARM:
		return disasmARM
	case arch.IsAArch64():
		return disasmARM64
	case arch.IsPPC64():
		return disasmPPC64(arch.ByteOrder())
	}
	return nil
}

// disassemble prints one instruction per line and reports whether arch
// could be decoded at all
func disassemble(w io.Writer, arch engine.Arch, code []byte, addr uint64, lookup lookupFunc) bool {
	decode := disassemblerFor(arch)
	if decode == nil {
		return false
	}
	for off := 0; off < len(code); {
		pc := addr + uint64(off)
		text, size := decode(code[off:], pc, lookup)
		size = max(1, min(size, len(code)-off))
		if name, base := lookup(pc); name != "" && base == pc {
			fmt.Fprintf(w, "%s:\n", name)
		}
		fmt.Fprintf(w, "  %016x  % -24x %s\n", pc, code[off:off+size], text)
		off += size
	}
	return true
}
