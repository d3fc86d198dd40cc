//go:build linux || darwin || freebsd || netbsd || openbsd

package memmgr

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/xyproto/rtdyld/internal/dyld"
)

// Mapped places sections in anonymous pages of this process. Pages start
// out writable; FinalizeMemory makes code read-execute and read-only data
// read-only.
type Mapped struct {
	blocks   map[dyld.SectionID]*Block
	ehFrames []EHFrame
}

func NewMapped() *Mapped {
	return &Mapped{blocks: make(map[dyld.SectionID]*Block)}
}

func (m *Mapped) allocate(size, align uint64, id dyld.SectionID, name string, code, readOnly bool) (dyld.Allocation, error) {
	if err := checkAlign(align); err != nil {
		return dyld.Allocation{}, fmt.Errorf("%s: %w", name, err)
	}
	if align > PageSize {
		return dyld.Allocation{}, fmt.Errorf("%s: alignment %d exceeds the page size", name, align)
	}
	length := alignUp(max(size, 1), PageSize)
	mem, err := unix.Mmap(-1, 0, int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return dyld.Allocation{}, fmt.Errorf("mmap %s (%d bytes): %w", name, length, err)
	}
	addr := uint64(uintptr(unsafe.Pointer(&mem[0])))
	m.blocks[id] = &Block{ID: id, Name: name, Addr: addr, Size: size, Code: code, ReadOnly: readOnly, Data: mem}
	return dyld.Allocation{Data: mem, LoadAddress: addr}, nil
}

func (m *Mapped) AllocateCodeSection(size, align uint64, id dyld.SectionID, name string) (dyld.Allocation, error) {
	return m.allocate(size, align, id, name, true, true)
}

func (m *Mapped) AllocateDataSection(size, align uint64, id dyld.SectionID, name string, readOnly bool) (dyld.Allocation, error) {
	return m.allocate(size, align, id, name, false, readOnly)
}

// RegisterEHFrames only records the frames; hooking them into an unwinder
// is left to the embedder.
func (m *Mapped) RegisterEHFrames(data []byte, loadAddr, size uint64) {
	m.ehFrames = append(m.ehFrames, EHFrame{Addr: loadAddr, Size: size})
}

func (m *Mapped) DeregisterEHFrames(data []byte, loadAddr, size uint64) {
	for i, f := range m.ehFrames {
		if f.Addr == loadAddr {
			m.ehFrames = append(m.ehFrames[:i], m.ehFrames[i+1:]...)
			return
		}
	}
}

func (m *Mapped) FinalizeMemory() error {
	for _, b := range m.blocks {
		prot := unix.PROT_READ | unix.PROT_WRITE
		switch {
		case b.Code:
			prot = unix.PROT_READ | unix.PROT_EXEC
		case b.ReadOnly:
			prot = unix.PROT_READ
		}
		if err := unix.Mprotect(b.Data, prot); err != nil {
			return fmt.Errorf("mprotect %s: %w", b.Name, err)
		}
	}
	return nil
}

func (m *Mapped) ReleaseSection(id dyld.SectionID) {
	if b, ok := m.blocks[id]; ok {
		unix.Munmap(b.Data)
		delete(m.blocks, id)
	}
}

// Block returns the section with the given id
func (m *Mapped) Block(id dyld.SectionID) (*Block, bool) {
	b, ok := m.blocks[id]
	return b, ok
}

// Close unmaps every section
func (m *Mapped) Close() error {
	var firstErr error
	for id, b := range m.blocks {
		if err := unix.Munmap(b.Data); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.blocks, id)
	}
	return firstErr
}
