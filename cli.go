// Completion: 100% - Utility module complete
package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/xyproto/rtdyld/internal/dyld"
	"github.com/xyproto/rtdyld/internal/elfobj"
	"github.com/xyproto/rtdyld/internal/engine"
	"github.com/xyproto/rtdyld/internal/memmgr"
	"github.com/xyproto/rtdyld/internal/symtab"
)

// cli.go - load one object and report where everything ended up
//
// Every section the load created is listed with its load address, the
// size of the object contents and how much of the stub region was used,
// followed by a hex dump or, with --disasm, a disassembly of code.

// LoadContext holds everything a single rtdyld run needs
type LoadContext struct {
	Path    string
	Arch    engine.Arch // ArchUnknown: take it from the object
	OS      engine.OS
	Options dyld.Options
	Symbols *symtab.Table
	Base    uint64 // first address of synthetic memory
	Mapped  bool
	Disasm  bool
	Out     io.Writer
}

// RunLoad loads ctx.Path and prints the loaded sections to ctx.Out
func RunLoad(ctx *LoadContext) error {
	obj, err := elfobj.Open(ctx.Path)
	if err != nil {
		return err
	}
	if ctx.Arch != engine.ArchUnknown {
		if err := obj.ForceArch(ctx.Arch); err != nil {
			return err
		}
	}
	platform := engine.Platform{Arch: obj.Arch(), OS: ctx.OS}

	var mm dyld.MemoryManager
	if ctx.Mapped {
		mapped, closeMapped, err := newMappedMemory()
		if err != nil {
			return err
		}
		defer closeMapped()
		mm = mapped
	} else {
		mm = memmgr.NewSynthetic(ctx.Base)
	}

	symbols := ctx.Symbols
	if symbols == nil {
		symbols = symtab.NewTable()
	}
	d, err := dyld.New(platform, mm, symbols, ctx.Options)
	if err != nil {
		return err
	}
	loaded, err := d.LoadObject(obj)
	if err != nil {
		return fmt.Errorf("%s: %w", ctx.Path, err)
	}

	fmt.Fprintf(ctx.Out, "%s: %s, %d sections\n", ctx.Path, platform.FullString(), len(loaded.SectionIDs()))
	syms := newSymbolizer(d, obj, symbols)
	for _, id := range loaded.SectionIDs() {
		s := d.Section(id)
		fmt.Fprintf(ctx.Out, "\n[%d] %-20s 0x%016x size 0x%x", id, s.Name, s.LoadAddress, s.Size)
		if s.IsCode {
			fmt.Fprintf(ctx.Out, " stubs end 0x%x free 0x%x", s.StubOffset, s.StubSpace())
		}
		fmt.Fprintln(ctx.Out)
		if s.IsCode && ctx.Disasm && disassemble(ctx.Out, platform.Arch, s.Data[:min(s.StubOffset, uint64(len(s.Data)))], s.LoadAddress, syms.lookup) {
			continue
		}
		hexDump(ctx.Out, s.Data, s.LoadAddress)
	}
	return nil
}

// hexDump prints data 16 bytes per line, addressed from addr
func hexDump(w io.Writer, data []byte, addr uint64) {
	for off := 0; off < len(data); off += 16 {
		end := min(off+16, len(data))
		fmt.Fprintf(w, "  %016x ", addr+uint64(off))
		for i := off; i < off+16; i++ {
			if i < end {
				fmt.Fprintf(w, " %02x", data[i])
			} else {
				fmt.Fprint(w, "   ")
			}
		}
		fmt.Fprint(w, "  ")
		for _, b := range data[off:end] {
			if b < 0x20 || b > 0x7e {
				b = '.'
			}
			fmt.Fprintf(w, "%c", b)
		}
		fmt.Fprintln(w)
	}
}

type symbolAt struct {
	name string
	addr uint64
}

// symbolizer maps addresses back to symbol names for the disassembler
type symbolizer struct {
	syms []symbolAt
}

func newSymbolizer(d *dyld.Dyld, obj *elfobj.File, externals *symtab.Table) *symbolizer {
	z := &symbolizer{}
	for _, s := range obj.Symbols() {
		if s.Name == "" || !s.IsGlobal() || !s.IsDefined() {
			continue
		}
		if addr, ok := d.SymbolAddress(s.Name); ok {
			z.syms = append(z.syms, symbolAt{s.Name, addr})
		}
	}
	for _, name := range externals.Names() {
		if si, ok := externals.FindSymbol(name); ok {
			z.syms = append(z.syms, symbolAt{name, si.Address})
		}
	}
	sort.Slice(z.syms, func(i, j int) bool {
		if z.syms[i].addr != z.syms[j].addr {
			return z.syms[i].addr < z.syms[j].addr
		}
		return z.syms[i].name < z.syms[j].name
	})
	return z
}

// lookup returns the symbol at or just below addr
func (z *symbolizer) lookup(addr uint64) (string, uint64) {
	i := sort.Search(len(z.syms), func(i int) bool { return z.syms[i].addr > addr })
	if i == 0 {
		return "", 0
	}
	return z.syms[i-1].name, z.syms[i-1].addr
}
