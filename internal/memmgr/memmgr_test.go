package memmgr

import (
	"testing"

	"github.com/xyproto/rtdyld/internal/dyld"
)

var _ dyld.MemoryManager = (*Synthetic)(nil)
var _ dyld.SectionReleaser = (*Synthetic)(nil)

func TestSyntheticPlacement(t *testing.T) {
	m := NewSynthetic(0)

	text, err := m.AllocateCodeSection(100, 16, 0, ".text")
	if err != nil {
		t.Fatalf("Failed to allocate .text: %v", err)
	}
	if text.LoadAddress != DefaultBase {
		t.Errorf("Expected .text at 0x%x, got 0x%x", DefaultBase, text.LoadAddress)
	}
	if len(text.Data) != 100 {
		t.Errorf("Expected 100 bytes, got %d", len(text.Data))
	}

	data, err := m.AllocateDataSection(8, 8, 1, ".data", false)
	if err != nil {
		t.Fatalf("Failed to allocate .data: %v", err)
	}
	if data.LoadAddress != DefaultBase+PageSize {
		t.Errorf("Expected .data on the next page, got 0x%x", data.LoadAddress)
	}

	if _, err := m.AllocateDataSection(8, 3, 2, ".bad", false); err == nil {
		t.Error("Expected an error for a non power of two alignment")
	}
	if _, err := m.AllocateDataSection(8, 8, 1, ".data", false); err == nil {
		t.Error("Expected an error when an id is allocated twice")
	}

	m.ReleaseSection(0)
	if _, ok := m.Block(0); ok {
		t.Error("Released section is still listed")
	}
	if blocks := m.Blocks(); len(blocks) != 1 || blocks[0].Name != ".data" {
		t.Errorf("Unexpected blocks after release: %v", blocks)
	}
}

func TestSyntheticEHFrames(t *testing.T) {
	m := NewSynthetic(0x400000)
	m.RegisterEHFrames(nil, 0x400000, 64)
	m.RegisterEHFrames(nil, 0x401000, 32)
	m.DeregisterEHFrames(nil, 0x400000, 64)

	frames := m.EHFrames()
	if len(frames) != 1 || frames[0].Addr != 0x401000 {
		t.Errorf("Unexpected frames: %v", frames)
	}
	if err := m.FinalizeMemory(); err != nil {
		t.Fatalf("FinalizeMemory failed: %v", err)
	}
	if m.Finalized() != 1 {
		t.Errorf("Expected 1 finalization, got %d", m.Finalized())
	}
}
