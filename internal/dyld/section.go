package dyld

// SectionID identifies a loaded section for the lifetime of a Dyld
type SectionID int

// NoSection marks a RelocationValueRef that names a symbol
const NoSection SectionID = -1

// SectionEntry is a loaded section. Data is borrowed from the memory
// manager and holds the section contents followed by the stub region.
type SectionEntry struct {
	Name        string
	Data        []byte
	LoadAddress uint64
	Size        uint64 // size of the object contents, excluding stubs
	StubOffset  uint64 // next free byte of the stub region
	Align       uint64
	IsCode      bool
}

// LoadAddressWithOffset returns the target address of offset
func (s *SectionEntry) LoadAddressWithOffset(offset uint64) uint64 {
	return s.LoadAddress + offset
}

// Contents returns the object contents without the stub region
func (s *SectionEntry) Contents() []byte {
	if s.Size > uint64(len(s.Data)) {
		return s.Data
	}
	return s.Data[:s.Size]
}

// StubSpace returns the number of stub bytes still free
func (s *SectionEntry) StubSpace() uint64 {
	if s.StubOffset > uint64(len(s.Data)) {
		return 0
	}
	return uint64(len(s.Data)) - s.StubOffset
}

// ehRegistry tracks unwind-info sections until they are handed to the
// memory manager.
type ehRegistry struct {
	unregistered []SectionID
	registered   []SectionID
}

func (r *ehRegistry) add(id SectionID) {
	r.unregistered = append(r.unregistered, id)
}

// drop forgets sections at or above first, used when a load fails
func (r *ehRegistry) drop(first SectionID) {
	keep := r.unregistered[:0]
	for _, id := range r.unregistered {
		if id < first {
			keep = append(keep, id)
		}
	}
	r.unregistered = keep
}
