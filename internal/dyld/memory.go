package dyld

// Allocation is memory handed out by a MemoryManager. Data is written by
// the engine; LoadAddress is where the bytes will live when the code runs.
// The two differ when loading for another process or a simulator.
type Allocation struct {
	Data        []byte
	LoadAddress uint64
}

// MemoryManager owns section memory and its permissions.
type MemoryManager interface {
	AllocateCodeSection(size, align uint64, id SectionID, name string) (Allocation, error)
	AllocateDataSection(size, align uint64, id SectionID, name string, readOnly bool) (Allocation, error)
	// RegisterEHFrames receives each unwind-info section once all
	// relocations of the load have been applied
	RegisterEHFrames(data []byte, loadAddr uint64, size uint64)
	DeregisterEHFrames(data []byte, loadAddr uint64, size uint64)
	// FinalizeMemory applies final permissions after a successful load
	FinalizeMemory() error
}

// SectionReleaser is implemented by memory managers that can take back
// the sections of a failed load.
type SectionReleaser interface {
	ReleaseSection(id SectionID)
}
