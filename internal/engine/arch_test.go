package engine

import (
	"debug/elf"
	"encoding/binary"
	"testing"
)

func TestParseArch(t *testing.T) {
	tests := []struct {
		in   string
		want Arch
	}{
		{"amd64", ArchX86_64},
		{"x86-64", ArchX86_64},
		{"arm64", ArchAArch64},
		{"mips64le", ArchMips64el},
		{"s390x", ArchSystemZ},
		{"ppc64le", ArchPPC64LE},
		{"thumb", ArchThumb},
	}
	for _, tt := range tests {
		got, err := ParseArch(tt.in)
		if err != nil {
			t.Fatalf("ParseArch(%q) failed: %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseArch(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}

	if _, err := ParseArch("riscv64"); err == nil {
		t.Error("Expected error for unsupported architecture")
	}
}

func TestArchByteOrder(t *testing.T) {
	if ArchSystemZ.ByteOrder() != binary.BigEndian {
		t.Error("SystemZ should be big-endian")
	}
	if !ArchPPC64LE.IsLittleEndian() {
		t.Error("ppc64le should be little-endian")
	}
	if ArchMips.PointerSize() != 4 || ArchMips64.PointerSize() != 8 {
		t.Error("Unexpected MIPS pointer sizes")
	}
}

func TestArchFromELF(t *testing.T) {
	got, err := ArchFromELF(elf.EM_MIPS, elf.ELFCLASS64, elf.ELFDATA2LSB)
	if err != nil {
		t.Fatalf("ArchFromELF failed: %v", err)
	}
	if got != ArchMips64el {
		t.Errorf("Expected mips64el, got %v", got)
	}

	got, err = ArchFromELF(elf.EM_PPC64, elf.ELFCLASS64, elf.ELFDATA2MSB)
	if err != nil || got != ArchPPC64 {
		t.Errorf("Expected ppc64, got %v (%v)", got, err)
	}

	if _, err := ArchFromELF(elf.EM_RISCV, elf.ELFCLASS64, elf.ELFDATA2LSB); err == nil {
		t.Error("Expected error for RISC-V")
	}
}

func TestFindSimilar(t *testing.T) {
	got := FindSimilar("printf", []string{"print", "printf", "fprintf", "malloc"}, 2)
	if len(got) != 2 || got[0] != "fprintf" || got[1] != "print" {
		t.Errorf("Unexpected suggestions: %v", got)
	}
}
