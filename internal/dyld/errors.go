// Completion: 100% - Error handling complete, clear and helpful messages
package dyld

import (
	"debug/elf"
	"fmt"
	"strings"

	"github.com/xyproto/rtdyld/internal/engine"
)

// ErrorKind classifies why a load failed
type ErrorKind int

const (
	KindUnresolvedSymbol ErrorKind = iota
	KindUnsupportedRelocationType
	KindDisplacementOutOfRange
	KindStubOverflow
	KindTLSModuleNotFound
	KindTLSAccessorConflict
	KindDescriptorOrTOCSectionMissing
	KindDuplicateTLSHelperMismatch
	KindInvalidObject
	KindInternal
)

func (k ErrorKind) String() string {
	switch k {
	case KindUnresolvedSymbol:
		return "unresolved symbol"
	case KindUnsupportedRelocationType:
		return "unsupported relocation type"
	case KindDisplacementOutOfRange:
		return "displacement out of range"
	case KindStubOverflow:
		return "stub overflow"
	case KindTLSModuleNotFound:
		return "TLS module not found"
	case KindTLSAccessorConflict:
		return "TLS accessor conflict"
	case KindDescriptorOrTOCSectionMissing:
		return "descriptor or TOC section missing"
	case KindDuplicateTLSHelperMismatch:
		return "TLS helper mismatch"
	case KindInvalidObject:
		return "invalid object"
	case KindInternal:
		return "internal error"
	default:
		return "unknown"
	}
}

// LoadError describes a failed load. Every field except Kind is optional.
type LoadError struct {
	Kind        ErrorKind
	Arch        engine.Arch
	Type        uint32
	Section     string
	Offset      uint64
	Symbol      string
	Message     string
	Suggestions []string
	Err         error
}

func (e *LoadError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Kind.String())
	switch e.Kind {
	case KindUnsupportedRelocationType, KindDisplacementOutOfRange:
		if e.Arch != engine.ArchUnknown {
			fmt.Fprintf(&sb, ": %s", RelocationTypeName(e.Arch, e.Type))
		}
	}
	if e.Symbol != "" {
		fmt.Fprintf(&sb, ": '%s'", e.Symbol)
	}
	if e.Section != "" {
		fmt.Fprintf(&sb, " at %s+0x%x", e.Section, e.Offset)
	}
	if e.Message != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Message)
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	if len(e.Suggestions) > 0 {
		fmt.Fprintf(&sb, " (did you mean: %s?)", strings.Join(e.Suggestions, ", "))
	}
	return sb.String()
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// Is matches any *LoadError of the same Kind, so callers can write
// errors.Is(err, dyld.ErrStubOverflow).
func (e *LoadError) Is(target error) bool {
	t, ok := target.(*LoadError)
	return ok && t.Kind == e.Kind
}

var (
	ErrUnresolvedSymbol              = &LoadError{Kind: KindUnresolvedSymbol}
	ErrUnsupportedRelocationType     = &LoadError{Kind: KindUnsupportedRelocationType}
	ErrDisplacementOutOfRange        = &LoadError{Kind: KindDisplacementOutOfRange}
	ErrStubOverflow                  = &LoadError{Kind: KindStubOverflow}
	ErrTLSModuleNotFound             = &LoadError{Kind: KindTLSModuleNotFound}
	ErrTLSAccessorConflict           = &LoadError{Kind: KindTLSAccessorConflict}
	ErrDescriptorOrTOCSectionMissing = &LoadError{Kind: KindDescriptorOrTOCSectionMissing}
	ErrDuplicateTLSHelperMismatch    = &LoadError{Kind: KindDuplicateTLSHelperMismatch}
	ErrInvalidObject                 = &LoadError{Kind: KindInvalidObject}
)

// RelocationTypeName returns the ELF name of a relocation type. MIPS64
// packed types print as their three components.
func RelocationTypeName(arch engine.Arch, typ uint32) string {
	switch {
	case arch == engine.ArchX86_64:
		return elf.R_X86_64(typ).String()
	case arch == engine.ArchX86:
		return elf.R_386(typ).String()
	case arch.IsARM():
		return elf.R_ARM(typ).String()
	case arch.IsAArch64():
		return elf.R_AARCH64(typ).String()
	case arch.IsMips32():
		return elf.R_MIPS(typ).String()
	case arch.IsMips64():
		if typ>>8 == 0 {
			return elf.R_MIPS(typ).String()
		}
		return fmt.Sprintf("%s/%s/%s", elf.R_MIPS(typ&0xff), elf.R_MIPS((typ>>8)&0xff), elf.R_MIPS((typ>>16)&0xff))
	case arch.IsPPC64():
		return elf.R_PPC64(typ).String()
	case arch == engine.ArchSystemZ:
		return elf.R_390(typ).String()
	}
	return fmt.Sprintf("type %d", typ)
}

func (d *Dyld) relocError(kind ErrorKind, s *SectionEntry, offset uint64, typ uint32, format string, args ...any) *LoadError {
	e := &LoadError{Kind: kind, Arch: d.arch, Type: typ, Offset: offset}
	if s != nil {
		e.Section = s.Name
	}
	if format != "" {
		e.Message = fmt.Sprintf(format, args...)
	}
	return e
}

func (d *Dyld) unsupported(s *SectionEntry, offset uint64, typ uint32) *LoadError {
	return d.relocError(KindUnsupportedRelocationType, s, offset, typ, "")
}

func (d *Dyld) outOfRange(s *SectionEntry, offset uint64, typ uint32, value int64) *LoadError {
	return d.relocError(KindDisplacementOutOfRange, s, offset, typ, "value %d (0x%x) does not fit", value, uint64(value))
}
