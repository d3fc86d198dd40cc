// Completion: 100% - Utility module complete
package engine

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"runtime"
	"strings"
)

// Architecture type
type Arch int

const (
	ArchUnknown Arch = iota
	ArchX86
	ArchX86_64
	ArchARM
	ArchThumb
	ArchAArch64
	ArchAArch64BE
	ArchMips
	ArchMipsel
	ArchMips64
	ArchMips64el
	ArchPPC64
	ArchPPC64LE
	ArchSystemZ
)

func (a Arch) String() string {
	switch a {
	case ArchX86:
		return "i386"
	case ArchX86_64:
		return "x86_64"
	case ArchARM:
		return "arm"
	case ArchThumb:
		return "thumb"
	case ArchAArch64:
		return "aarch64"
	case ArchAArch64BE:
		return "aarch64_be"
	case ArchMips:
		return "mips"
	case ArchMipsel:
		return "mipsel"
	case ArchMips64:
		return "mips64"
	case ArchMips64el:
		return "mips64el"
	case ArchPPC64:
		return "ppc64"
	case ArchPPC64LE:
		return "ppc64le"
	case ArchSystemZ:
		return "systemz"
	default:
		return "unknown"
	}
}

// ParseArch parses an architecture string (triple names and GOARCH values)
func ParseArch(s string) (Arch, error) {
	switch strings.ToLower(s) {
	case "i386", "386", "x86":
		return ArchX86, nil
	case "x86_64", "amd64", "x86-64":
		return ArchX86_64, nil
	case "arm", "armv7":
		return ArchARM, nil
	case "thumb", "thumbv7":
		return ArchThumb, nil
	case "aarch64", "arm64":
		return ArchAArch64, nil
	case "aarch64_be", "arm64be":
		return ArchAArch64BE, nil
	case "mips":
		return ArchMips, nil
	case "mipsel", "mipsle":
		return ArchMipsel, nil
	case "mips64":
		return ArchMips64, nil
	case "mips64el", "mips64le":
		return ArchMips64el, nil
	case "ppc64", "powerpc64":
		return ArchPPC64, nil
	case "ppc64le", "powerpc64le":
		return ArchPPC64LE, nil
	case "systemz", "s390x":
		return ArchSystemZ, nil
	default:
		return 0, fmt.Errorf("unsupported architecture: %s (supported: i386, amd64, arm, thumb, arm64, arm64be, mips, mipsle, mips64, mips64le, ppc64, ppc64le, s390x)", s)
	}
}

// ByteOrder returns the data byte order of the architecture.
func (a Arch) ByteOrder() binary.ByteOrder {
	switch a {
	case ArchAArch64BE, ArchMips, ArchMips64, ArchPPC64, ArchSystemZ:
		return binary.BigEndian
	default:
		return binary.LittleEndian
	}
}

// IsLittleEndian reports whether data words are little-endian.
func (a Arch) IsLittleEndian() bool {
	return a.ByteOrder() == binary.LittleEndian
}

// PointerSize returns the size of an address in bytes
func (a Arch) PointerSize() int {
	switch a {
	case ArchX86, ArchARM, ArchThumb, ArchMips, ArchMipsel:
		return 4
	default:
		return 8
	}
}

func (a Arch) IsAArch64() bool { return a == ArchAArch64 || a == ArchAArch64BE }
func (a Arch) IsARM() bool     { return a == ArchARM || a == ArchThumb }
func (a Arch) IsMips32() bool  { return a == ArchMips || a == ArchMipsel }
func (a Arch) IsMips64() bool  { return a == ArchMips64 || a == ArchMips64el }
func (a Arch) IsPPC64() bool   { return a == ArchPPC64 || a == ArchPPC64LE }

// ArchFromELF maps an ELF header triple onto an Arch.
func ArchFromELF(machine elf.Machine, class elf.Class, data elf.Data) (Arch, error) {
	be := data == elf.ELFDATA2MSB
	switch machine {
	case elf.EM_386:
		return ArchX86, nil
	case elf.EM_X86_64:
		return ArchX86_64, nil
	case elf.EM_ARM:
		return ArchARM, nil
	case elf.EM_AARCH64:
		if be {
			return ArchAArch64BE, nil
		}
		return ArchAArch64, nil
	case elf.EM_MIPS:
		switch {
		case class == elf.ELFCLASS64 && be:
			return ArchMips64, nil
		case class == elf.ELFCLASS64:
			return ArchMips64el, nil
		case be:
			return ArchMips, nil
		default:
			return ArchMipsel, nil
		}
	case elf.EM_PPC64:
		if be {
			return ArchPPC64, nil
		}
		return ArchPPC64LE, nil
	case elf.EM_S390:
		return ArchSystemZ, nil
	}
	return ArchUnknown, fmt.Errorf("unsupported ELF machine: %v (%v, %v)", machine, class, data)
}

// OS type
type OS int

const (
	OSLinux OS = iota
	OSDarwin
	OSFreeBSD
)

func (o OS) String() string {
	switch o {
	case OSLinux:
		return "linux"
	case OSDarwin:
		return "darwin"
	case OSFreeBSD:
		return "freebsd"
	default:
		return "unknown"
	}
}

// ParseOS parses an OS string (like GOOS values)
func ParseOS(s string) (OS, error) {
	switch strings.ToLower(s) {
	case "linux":
		return OSLinux, nil
	case "darwin", "macos":
		return OSDarwin, nil
	case "freebsd":
		return OSFreeBSD, nil
	default:
		return 0, fmt.Errorf("unsupported OS: %s (supported: linux, darwin, freebsd)", s)
	}
}

// Platform represents a target platform (architecture + OS)
type Platform struct {
	Arch Arch
	OS   OS
}

// String returns a human-readable platform string
func (p Platform) String() string {
	return fmt.Sprintf("%s-%s", p.Arch, p.OS)
}

// FullString returns a detailed platform string
func (p Platform) FullString() string {
	return fmt.Sprintf("%s on %s", p.Arch, p.OS)
}

// HostPlatform returns the platform this process runs on.
// Unknown GOARCH values map to ArchUnknown.
func HostPlatform() Platform {
	arch, err := ParseArch(runtime.GOARCH)
	if err != nil {
		arch = ArchUnknown
	}
	os, err := ParseOS(runtime.GOOS)
	if err != nil {
		os = OSLinux
	}
	return Platform{Arch: arch, OS: os}
}
