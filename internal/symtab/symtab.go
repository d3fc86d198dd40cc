// Completion: 100% - Symbol lookup complete
package symtab

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/xyproto/rtdyld/internal/engine"
)

// Flags describes an externally resolved symbol
type Flags uint32

const (
	FlagNone     Flags = 0
	FlagWeak     Flags = 1 << 0
	FlagCommon   Flags = 1 << 1
	FlagAbsolute Flags = 1 << 2
	FlagExported Flags = 1 << 3
	FlagCallable Flags = 1 << 4
)

func (f Flags) String() string {
	if f == FlagNone {
		return "none"
	}
	var parts []string
	names := []struct {
		flag Flags
		name string
	}{
		{FlagWeak, "weak"},
		{FlagCommon, "common"},
		{FlagAbsolute, "absolute"},
		{FlagExported, "exported"},
		{FlagCallable, "callable"},
	}
	for _, n := range names {
		if f&n.flag != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// SymbolInfo is the result of an external symbol lookup
type SymbolInfo struct {
	Address uint64
	Flags   Flags
}

// Resolver maps a symbol name to its process-wide address.
type Resolver interface {
	FindSymbol(name string) (SymbolInfo, bool)
}

// Table is a map-backed Resolver
type Table struct {
	symbols map[string]SymbolInfo
}

// NewTable creates an empty symbol table
func NewTable() *Table {
	return &Table{symbols: make(map[string]SymbolInfo)}
}

// Define adds or replaces a symbol
func (t *Table) Define(name string, addr uint64, flags Flags) {
	t.symbols[name] = SymbolInfo{Address: addr, Flags: flags}
}

// FindSymbol implements Resolver
func (t *Table) FindSymbol(name string) (SymbolInfo, bool) {
	si, ok := t.symbols[name]
	return si, ok
}

// Names returns the defined names in sorted order
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.symbols))
	for name := range t.symbols {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of defined symbols
func (t *Table) Len() int {
	return len(t.symbols)
}

// Suggest returns up to three defined names close to name
func (t *Table) Suggest(name string) []string {
	return engine.FindSimilar(name, t.Names(), 3)
}

// yamlSymbol is one entry of a symbol map file. The short form is
// "name: 0x1234"; the long form carries flags.
type yamlSymbol struct {
	Address string   `yaml:"address"`
	Flags   []string `yaml:"flags"`
}

func (s *yamlSymbol) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		s.Address = node.Value
		return nil
	}
	type plain yamlSymbol
	return node.Decode((*plain)(s))
}

// LoadYAML reads a symbol map of the form
//
//	symbols:
//	  printf: 0x7f0000001000
//	  errno_tls:
//	    address: 0x7f0000002000
//	    flags: [exported]
func (t *Table) LoadYAML(r io.Reader) error {
	var doc struct {
		Symbols map[string]yamlSymbol `yaml:"symbols"`
	}
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if err == io.EOF {
			return nil
		}
		return fmt.Errorf("symbol map: %w", err)
	}
	for name, sym := range doc.Symbols {
		addr, err := strconv.ParseUint(sym.Address, 0, 64)
		if err != nil {
			return fmt.Errorf("symbol map: %s: invalid address %q", name, sym.Address)
		}
		var flags Flags
		for _, f := range sym.Flags {
			fl, err := ParseFlag(f)
			if err != nil {
				return fmt.Errorf("symbol map: %s: %w", name, err)
			}
			flags |= fl
		}
		t.Define(name, addr, flags)
	}
	return nil
}

// ParseFlag parses one flag name as used in symbol map files
func ParseFlag(s string) (Flags, error) {
	switch strings.ToLower(s) {
	case "weak":
		return FlagWeak, nil
	case "common":
		return FlagCommon, nil
	case "absolute", "abs":
		return FlagAbsolute, nil
	case "exported":
		return FlagExported, nil
	case "callable", "func":
		return FlagCallable, nil
	default:
		return FlagNone, fmt.Errorf("unknown symbol flag: %s", s)
	}
}

// Chain tries each resolver in order
type Chain []Resolver

// FindSymbol implements Resolver
func (c Chain) FindSymbol(name string) (SymbolInfo, bool) {
	for _, r := range c {
		if r == nil {
			continue
		}
		if si, ok := r.FindSymbol(name); ok {
			return si, true
		}
	}
	return SymbolInfo{}, false
}

// Suggester is implemented by resolvers that can propose similar names
type Suggester interface {
	Suggest(name string) []string
}

// Suggest collects suggestions from every member that can give them
func (c Chain) Suggest(name string) []string {
	var out []string
	for _, r := range c {
		if s, ok := r.(Suggester); ok {
			out = append(out, s.Suggest(name)...)
		}
	}
	return out
}
