package memmgr

import (
	"fmt"
	"sort"

	"github.com/xyproto/rtdyld/internal/dyld"
)

// DefaultBase is where a Synthetic manager places its first section
const DefaultBase = 0x10000

// Synthetic hands out Go memory and pretends it lives at consecutive
// page-aligned addresses starting at a chosen base. Nothing it returns is
// executable.
type Synthetic struct {
	next      uint64
	blocks    map[dyld.SectionID]*Block
	ehFrames  []EHFrame
	finalized int
}

// NewSynthetic creates a manager whose first section is placed at base
func NewSynthetic(base uint64) *Synthetic {
	if base == 0 {
		base = DefaultBase
	}
	return &Synthetic{
		next:   alignUp(base, PageSize),
		blocks: make(map[dyld.SectionID]*Block),
	}
}

func (m *Synthetic) allocate(size, align uint64, id dyld.SectionID, name string, code, readOnly bool) (dyld.Allocation, error) {
	if err := checkAlign(align); err != nil {
		return dyld.Allocation{}, fmt.Errorf("%s: %w", name, err)
	}
	if _, exists := m.blocks[id]; exists {
		return dyld.Allocation{}, fmt.Errorf("section %d (%s) allocated twice", id, name)
	}
	addr := alignUp(m.next, max(align, PageSize))
	b := &Block{ID: id, Name: name, Addr: addr, Size: size, Code: code, ReadOnly: readOnly, Data: make([]byte, size)}
	m.blocks[id] = b
	m.next = addr + size
	return dyld.Allocation{Data: b.Data, LoadAddress: addr}, nil
}

func (m *Synthetic) AllocateCodeSection(size, align uint64, id dyld.SectionID, name string) (dyld.Allocation, error) {
	return m.allocate(size, align, id, name, true, true)
}

func (m *Synthetic) AllocateDataSection(size, align uint64, id dyld.SectionID, name string, readOnly bool) (dyld.Allocation, error) {
	return m.allocate(size, align, id, name, false, readOnly)
}

func (m *Synthetic) RegisterEHFrames(data []byte, loadAddr, size uint64) {
	m.ehFrames = append(m.ehFrames, EHFrame{Addr: loadAddr, Size: size})
}

func (m *Synthetic) DeregisterEHFrames(data []byte, loadAddr, size uint64) {
	for i, f := range m.ehFrames {
		if f.Addr == loadAddr {
			m.ehFrames = append(m.ehFrames[:i], m.ehFrames[i+1:]...)
			return
		}
	}
}

func (m *Synthetic) FinalizeMemory() error {
	m.finalized++
	return nil
}

// ReleaseSection forgets a section of a failed load. Addresses are not
// reused.
func (m *Synthetic) ReleaseSection(id dyld.SectionID) {
	delete(m.blocks, id)
}

// Blocks returns the live sections ordered by address
func (m *Synthetic) Blocks() []*Block {
	blocks := make([]*Block, 0, len(m.blocks))
	for _, b := range m.blocks {
		blocks = append(blocks, b)
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Addr < blocks[j].Addr })
	return blocks
}

// Block returns the section with the given id
func (m *Synthetic) Block(id dyld.SectionID) (*Block, bool) {
	b, ok := m.blocks[id]
	return b, ok
}

// EHFrames returns the registered unwind-info sections
func (m *Synthetic) EHFrames() []EHFrame { return m.ehFrames }

// Finalized returns how many times FinalizeMemory was called
func (m *Synthetic) Finalized() int { return m.finalized }
