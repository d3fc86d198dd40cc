package dyld

import (
	"fmt"
	"sort"
)

// gotKind tells apart slots that hold different values for the same target
type gotKind uint8

const (
	gotAddress  gotKind = iota // the target address
	gotTPOffset                // thread-pointer offset of a TLS variable
	gotTLSIndex                // {module id, offset} argument pair
	gotTLSModule               // {module id, 0} argument pair
	gotHelper                  // address of a TLS helper routine
	gotPage                    // MIPS page address of the target
)

type gotKey struct {
	Ref  RelocationValueRef
	Kind gotKind
}

type gotSlot struct {
	Offset uint64
	Count  uint64
}

// gotTable is one GOT section. CurrentGOTIndex counts the slots handed out.
type gotTable struct {
	SectionID       SectionID
	CurrentGOTIndex uint64
	slots           map[gotKey]gotSlot
}

// sharedGOT keys the single table used by architectures without per
// section GOTs.
const sharedGOT SectionID = -2

// GOTManager hands out GOT slots. A table reserves its section id on first
// use; the memory is allocated once the load knows how many slots it needs.
type GOTManager struct {
	EntrySize  uint64
	PerSection bool
	reserve    func(name string) SectionID
	tables     map[SectionID]*gotTable
	order      []*gotTable
}

// NewGOTManager creates a manager that reserves section ids through reserve
func NewGOTManager(entrySize uint64, perSection bool, reserve func(name string) SectionID) *GOTManager {
	return &GOTManager{
		EntrySize:  entrySize,
		PerSection: perSection,
		reserve:    reserve,
		tables:     make(map[SectionID]*gotTable),
	}
}

func (g *GOTManager) key(sectionID SectionID) SectionID {
	if g.PerSection {
		return sectionID
	}
	return sharedGOT
}

func (g *GOTManager) table(sectionID SectionID) *gotTable {
	k := g.key(sectionID)
	if t, ok := g.tables[k]; ok {
		return t
	}
	name := ".got"
	if g.PerSection {
		name = fmt.Sprintf(".got.%d", sectionID)
	}
	t := &gotTable{SectionID: g.reserve(name), slots: make(map[gotKey]gotSlot)}
	g.tables[k] = t
	g.order = append(g.order, t)
	return t
}

// Allocate hands out count fresh slots for sectionID and returns the byte
// offset of the first one.
func (g *GOTManager) Allocate(sectionID SectionID, count uint64) uint64 {
	t := g.table(sectionID)
	offset := t.CurrentGOTIndex * g.EntrySize
	t.CurrentGOTIndex += count
	return offset
}

// AllocateFor returns the slots of key, allocating them on first use.
// fresh is true when the caller must arrange for the slots to be filled.
func (g *GOTManager) AllocateFor(sectionID SectionID, key gotKey, count uint64) (offset uint64, fresh bool) {
	t := g.table(sectionID)
	if s, ok := t.slots[key]; ok {
		if s.Count != count {
			panic(fmt.Sprintf("GOT slot for %v allocated with %d entries, requested %d", key.Ref, s.Count, count))
		}
		return s.Offset, false
	}
	offset = g.Allocate(sectionID, count)
	t.slots[key] = gotSlot{Offset: offset, Count: count}
	return offset, true
}

// SectionFor returns the GOT section serving sectionID
func (g *GOTManager) SectionFor(sectionID SectionID) (SectionID, bool) {
	t, ok := g.tables[g.key(sectionID)]
	if !ok {
		return NoSection, false
	}
	return t.SectionID, true
}

// CurrentGOTIndex returns the number of slots allocated for sectionID
func (g *GOTManager) CurrentGOTIndex(sectionID SectionID) uint64 {
	if t, ok := g.tables[g.key(sectionID)]; ok {
		return t.CurrentGOTIndex
	}
	return 0
}

// FillRelocation returns the relocation that stores the target address,
// plus symOffset, into the slot at gotOffset.
func (g *GOTManager) FillRelocation(gotSection SectionID, gotOffset, symOffset uint64, typ uint32) RelocationEntry {
	return RelocationEntry{SectionID: gotSection, Offset: gotOffset, Type: typ, Addend: int64(symOffset)}
}

// Tables returns the tables in the order they were created
func (g *GOTManager) Tables() []*gotTable {
	return g.order
}

// Offsets returns the slot offsets of a table in ascending order
func (t *gotTable) Offsets() []uint64 {
	offsets := make([]uint64, 0, len(t.slots))
	for _, s := range t.slots {
		offsets = append(offsets, s.Offset)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	return offsets
}

// Reset forgets all tables; used at the start of every load
func (g *GOTManager) Reset() {
	g.tables = make(map[SectionID]*gotTable)
	g.order = nil
}
