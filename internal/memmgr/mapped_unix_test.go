//go:build linux || darwin || freebsd || netbsd || openbsd

package memmgr

import (
	"testing"

	"github.com/xyproto/rtdyld/internal/dyld"
)

var _ dyld.MemoryManager = (*Mapped)(nil)

func TestMappedAllocateAndFinalize(t *testing.T) {
	m := NewMapped()
	defer m.Close()

	text, err := m.AllocateCodeSection(10, 16, 0, ".text")
	if err != nil {
		t.Fatalf("Failed to allocate .text: %v", err)
	}
	if text.LoadAddress%PageSize != 0 {
		t.Errorf("Code section is not page aligned: 0x%x", text.LoadAddress)
	}
	copy(text.Data, []byte{0xc3})

	data, err := m.AllocateDataSection(8, 8, 1, ".data", false)
	if err != nil {
		t.Fatalf("Failed to allocate .data: %v", err)
	}
	if err := m.FinalizeMemory(); err != nil {
		t.Fatalf("FinalizeMemory failed: %v", err)
	}
	// Writable data stays writable
	data.Data[0] = 1
	if text.Data[0] != 0xc3 {
		t.Errorf("Code bytes lost: 0x%x", text.Data[0])
	}

	m.ReleaseSection(1)
	if _, ok := m.Block(1); ok {
		t.Error("Released section is still mapped")
	}
}
