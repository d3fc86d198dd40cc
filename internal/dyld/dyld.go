// Completion: 100% - Load orchestration complete
package dyld

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/xyproto/rtdyld/internal/engine"
	"github.com/xyproto/rtdyld/internal/symtab"
	"github.com/xyproto/rtdyld/internal/tlsabi"
)

// Dyld loads relocatable objects into memory provided by a MemoryManager
// and patches them so they can run at their load addresses.
//
// Relocations are handled in two phases. Phase 1 covers everything except
// thread-local storage: each record is either applied on the spot or
// queued against the section or symbol that provides its value, then
// applied once GOT memory exists. Phase 2 drains the TLS queue through
// the tlsabi.Resolver, after all addresses and GOT slots are final.
type Dyld struct {
	platform engine.Platform
	arch     engine.Arch
	order    binary.ByteOrder
	opts     Options
	mm       MemoryManager
	symbols  symtab.Resolver
	tls      tlsabi.Resolver

	sections      []SectionEntry
	globalSymbols map[string]symbolLoc
	eh            ehRegistry
	got           *GOTManager

	// state of the load in progress
	relocations         map[SectionID][]RelocationEntry
	externalRelocations map[string][]RelocationEntry
	tlsRelocations      []tlsRelocation
	helperCalls         []helperCall
	pendingHi           []pendingHi
	symbolCache         map[string]uint64
	weakUndefined       map[string]bool
	definedBefore       map[string]*symbolLoc
	firstSection        SectionID
	ppc64ABI            int
}

// New creates a loader for platform. symbols resolves external and TLS
// symbol names; it may be nil when objects are self-contained.
func New(platform engine.Platform, mm MemoryManager, symbols symtab.Resolver, opts Options) (*Dyld, error) {
	if mm == nil {
		return nil, errors.New("dyld: a memory manager is required")
	}
	if platform.Arch == engine.ArchUnknown {
		return nil, errors.New("dyld: unknown target architecture")
	}
	if symbols == nil {
		symbols = symtab.NewTable()
	}
	tls := opts.TLS
	if tls == nil {
		var err error
		tls, err = tlsabi.New(opts.TLSABI, symbols, opts.TLSConfig)
		if err != nil {
			return nil, err
		}
	}
	d := &Dyld{
		platform:      platform,
		arch:          platform.Arch,
		order:         platform.Arch.ByteOrder(),
		opts:          opts,
		mm:            mm,
		symbols:       symbols,
		tls:           tls,
		globalSymbols: make(map[string]symbolLoc),
	}
	d.got = NewGOTManager(uint64(d.arch.PointerSize()), d.arch.IsMips64(), d.reserveSection)
	d.debugf("loader for %s, TLS ABI %s", platform.FullString(), tls.Name())
	return d, nil
}

// Platform returns the target platform
func (d *Dyld) Platform() engine.Platform { return d.platform }

// TLS returns the TLS resolver in use
func (d *Dyld) TLS() tlsabi.Resolver { return d.tls }

// Section returns a loaded section
func (d *Dyld) Section(id SectionID) *SectionEntry {
	if id < 0 || int(id) >= len(d.sections) {
		return nil
	}
	return &d.sections[id]
}

// NumSections returns the number of sections loaded so far
func (d *Dyld) NumSections() int { return len(d.sections) }

// SymbolAddress returns the load address of a symbol defined by a loaded
// object.
func (d *Dyld) SymbolAddress(name string) (uint64, bool) {
	loc, ok := d.globalSymbols[name]
	if !ok {
		return 0, false
	}
	return d.symbolAddress(loc), true
}

func (d *Dyld) symbolAddress(loc symbolLoc) uint64 {
	if loc.SectionID == NoSection {
		return loc.Offset
	}
	return d.sections[loc.SectionID].LoadAddressWithOffset(loc.Offset)
}

func (d *Dyld) reserveSection(name string) SectionID {
	id := SectionID(len(d.sections))
	d.sections = append(d.sections, SectionEntry{Name: name})
	return id
}

// LoadObject loads obj and applies all of its relocations. On failure
// nothing of obj stays loaded and FinalizeMemory is not called.
func (d *Dyld) LoadObject(obj Object) (*LoadedObject, error) {
	if obj.Arch() != d.arch {
		return nil, &LoadError{Kind: KindInvalidObject,
			Message: fmt.Sprintf("object targets %s, loader targets %s", obj.Arch(), d.arch)}
	}
	d.beginLoad(obj)
	loaded, err := d.loadObject(obj)
	if err == nil {
		d.RegisterEHFrames()
		if err = d.mm.FinalizeMemory(); err != nil {
			d.DeregisterEHFrames()
			err = &LoadError{Kind: KindInternal, Message: "finalizing memory", Err: err}
		}
	}
	if err != nil {
		d.rollback()
		return nil, err
	}
	d.debugf("loaded %d sections", len(loaded.ids))
	return loaded, nil
}

func (d *Dyld) beginLoad(obj Object) {
	d.relocations = make(map[SectionID][]RelocationEntry)
	d.externalRelocations = make(map[string][]RelocationEntry)
	d.tlsRelocations = nil
	d.helperCalls = nil
	d.pendingHi = nil
	d.symbolCache = make(map[string]uint64)
	d.weakUndefined = make(map[string]bool)
	d.definedBefore = make(map[string]*symbolLoc)
	d.firstSection = SectionID(len(d.sections))
	d.got.Reset()
	if r, ok := d.tls.(interface{ Reset() }); ok {
		r.Reset()
	}
	d.ppc64ABI = d.opts.PPC64ABIVersion
	if d.ppc64ABI == 0 {
		d.ppc64ABI = int(obj.Flags() & 3)
		if d.ppc64ABI == 0 {
			d.ppc64ABI = 1
			if d.arch == engine.ArchPPC64LE {
				d.ppc64ABI = 2
			}
		}
	}
}

func (d *Dyld) loadObject(obj Object) (*LoadedObject, error) {
	local := make(map[int]SectionID)

	// Sections first, so that every relocation knows where its target lives
	for _, sec := range obj.Sections() {
		if sec.IsAlloc() || len(sec.Relocations) > 0 {
			if _, err := d.findOrEmitSection(obj, sec.Index, local); err != nil {
				return nil, err
			}
		}
	}
	if err := d.emitCommonSymbols(obj); err != nil {
		return nil, err
	}
	d.registerSymbols(obj, local)

	// Phase 1
	for _, sec := range obj.Sections() {
		if len(sec.Relocations) == 0 {
			continue
		}
		sectionID := local[sec.Index]
		stubs := make(StubMap)
		rels := sec.Relocations
		if d.arch.IsMips64() {
			rels = foldMips64Relocations(rels)
		}
		for _, rel := range rels {
			if err := d.processRelocationRef(obj, sec, sectionID, rel, local, stubs); err != nil {
				return nil, err
			}
		}
		d.flushPendingHi(sectionID)
	}
	if err := d.finalizeLoad(); err != nil {
		return nil, err
	}
	if err := d.resolveRelocations(); err != nil {
		return nil, err
	}

	// Phase 2
	if err := d.applyTLSRelocations(); err != nil {
		return nil, err
	}
	return d.newLoadedObject(), nil
}

// findOrEmitSection allocates the object section with the given index and
// copies its contents, followed by room for stubs.
func (d *Dyld) findOrEmitSection(obj Object, index int, local map[int]SectionID) (SectionID, error) {
	if id, ok := local[index]; ok {
		return id, nil
	}
	var sec *ObjSection
	for _, s := range obj.Sections() {
		if s.Index == index {
			sec = s
			break
		}
	}
	if sec == nil {
		return NoSection, &LoadError{Kind: KindInvalidObject, Message: fmt.Sprintf("no section with index %d", index)}
	}

	stubStart := sec.Size
	stubBuf := d.stubBufferSize(sec)
	align := max(sec.Align, 1)
	if stubBuf > 0 {
		stubStart = d.stubRegionStart(sec.Size)
		align = max(align, d.stubAlignment())
	}
	size := max(stubStart+stubBuf, 1)

	id := d.reserveSection(sec.Name)
	var alloc Allocation
	var err error
	if sec.IsText() {
		alloc, err = d.mm.AllocateCodeSection(size, align, id, sec.Name)
	} else {
		alloc, err = d.mm.AllocateDataSection(size, align, id, sec.Name, sec.IsReadOnly())
	}
	if err != nil {
		return NoSection, &LoadError{Kind: KindInternal, Section: sec.Name, Message: "allocating section", Err: err}
	}
	if uint64(len(alloc.Data)) < size {
		return NoSection, &LoadError{Kind: KindInternal, Section: sec.Name,
			Message: fmt.Sprintf("memory manager returned %d bytes, asked for %d", len(alloc.Data), size)}
	}
	data := alloc.Data[:size]
	clear(data)
	if sec.Flags&SectionNoBits == 0 {
		copy(data, sec.Data)
	}
	d.sections[id] = SectionEntry{
		Name:        sec.Name,
		Data:        data,
		LoadAddress: alloc.LoadAddress,
		Size:        sec.Size,
		StubOffset:  stubStart,
		Align:       align,
		IsCode:      sec.IsText(),
	}
	if sec.Name == ".eh_frame" {
		d.eh.add(id)
	}
	local[index] = id
	d.debugf("section %d %s: %d bytes (+%d stub) at 0x%x", id, sec.Name, sec.Size, stubBuf, alloc.LoadAddress)
	return id, nil
}

// emitCommonSymbols gives every common symbol not yet defined a place in
// one zero-filled data section.
func (d *Dyld) emitCommonSymbols(obj Object) error {
	type common struct {
		sym    *ObjSymbol
		offset uint64
	}
	var commons []common
	var size, align uint64 = 0, 1
	for _, sym := range obj.Symbols() {
		if !sym.IsCommon() {
			continue
		}
		if _, ok := d.globalSymbols[sym.Name]; ok {
			continue
		}
		a := max(sym.Value, 1)
		size = alignUp(size, a)
		commons = append(commons, common{sym, size})
		size += sym.Size
		align = max(align, a)
	}
	if len(commons) == 0 {
		return nil
	}
	id := d.reserveSection("<common symbols>")
	alloc, err := d.mm.AllocateDataSection(max(size, 1), align, id, "<common symbols>", false)
	if err != nil {
		return &LoadError{Kind: KindInternal, Message: "allocating common symbols", Err: err}
	}
	data := alloc.Data[:max(size, 1)]
	clear(data)
	d.sections[id] = SectionEntry{Name: "<common symbols>", Data: data, LoadAddress: alloc.LoadAddress, Size: size, StubOffset: size, Align: align}
	for _, c := range commons {
		d.defineSymbol(c.sym.Name, symbolLoc{SectionID: id, Offset: c.offset})
	}
	return nil
}

func (d *Dyld) registerSymbols(obj Object, local map[int]SectionID) {
	for _, sym := range obj.Symbols() {
		if sym.Name == "" || sym.Kind == SymSection || sym.Kind == SymFile || !sym.IsGlobal() {
			continue
		}
		switch {
		case sym.IsDefined():
			id, ok := local[sym.Section]
			if !ok {
				continue
			}
			if _, exists := d.globalSymbols[sym.Name]; exists && sym.Binding == BindWeak {
				continue
			}
			d.defineSymbol(sym.Name, symbolLoc{SectionID: id, Offset: sym.Value})
		case sym.IsAbsolute():
			d.defineSymbol(sym.Name, symbolLoc{SectionID: NoSection, Offset: sym.Value})
		case sym.IsUndefined() && sym.Binding == BindWeak:
			d.weakUndefined[sym.Name] = true
		}
	}
}

// defineSymbol records a definition, remembering what it replaces so a
// failed load can be undone.
func (d *Dyld) defineSymbol(name string, loc symbolLoc) {
	if _, seen := d.definedBefore[name]; !seen {
		if prev, ok := d.globalSymbols[name]; ok {
			d.definedBefore[name] = &prev
		} else {
			d.definedBefore[name] = nil
		}
	}
	d.globalSymbols[name] = loc
}

// finalizeLoad allocates the GOT sections now that their sizes are known
func (d *Dyld) finalizeLoad() error {
	for _, t := range d.got.Tables() {
		entry := d.got.EntrySize
		size := max(t.CurrentGOTIndex, 1) * entry
		name := d.sections[t.SectionID].Name
		alloc, err := d.mm.AllocateDataSection(size, entry, t.SectionID, name, false)
		if err != nil {
			return &LoadError{Kind: KindInternal, Section: name, Message: "allocating GOT", Err: err}
		}
		data := alloc.Data[:size]
		clear(data)
		d.sections[t.SectionID] = SectionEntry{
			Name:        name,
			Data:        data,
			LoadAddress: alloc.LoadAddress,
			Size:        size,
			StubOffset:  size,
			Align:       entry,
		}
		d.debugf("GOT %s: %d entries at 0x%x", name, t.CurrentGOTIndex, alloc.LoadAddress)
	}
	return nil
}

// resolveRelocations applies the queued relocations, externals first
func (d *Dyld) resolveRelocations() error {
	names := make([]string, 0, len(d.externalRelocations))
	for name := range d.externalRelocations {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		addr, err := d.lookupSymbol(name)
		if err != nil {
			if le, ok := err.(*LoadError); ok && len(d.externalRelocations[name]) > 0 {
				re := d.externalRelocations[name][0]
				le.Section = d.sections[re.SectionID].Name
				le.Offset = re.Offset
			}
			return err
		}
		for _, re := range d.externalRelocations[name] {
			if err := d.resolveRelocationEntry(re, addr); err != nil {
				return err
			}
		}
	}

	ids := make([]SectionID, 0, len(d.relocations))
	for id := range d.relocations {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		addr := d.sections[id].LoadAddress
		for _, re := range d.relocations[id] {
			if err := d.resolveRelocationEntry(re, addr); err != nil {
				return err
			}
		}
	}
	d.relocations = make(map[SectionID][]RelocationEntry)
	d.externalRelocations = make(map[string][]RelocationEntry)
	return nil
}

// lookupSymbol returns the address of an external symbol. Symbols of
// loaded objects win over the resolver; each name is resolved once.
func (d *Dyld) lookupSymbol(name string) (uint64, error) {
	if name == "" {
		return 0, nil
	}
	if loc, ok := d.globalSymbols[name]; ok {
		return d.symbolAddress(loc), nil
	}
	if addr, ok := d.symbolCache[name]; ok {
		return addr, nil
	}
	si, ok := d.symbols.FindSymbol(name)
	if !ok {
		if d.weakUndefined[name] {
			d.symbolCache[name] = 0
			return 0, nil
		}
		err := &LoadError{Kind: KindUnresolvedSymbol, Symbol: name}
		if s, ok := d.symbols.(symtab.Suggester); ok {
			err.Suggestions = s.Suggest(name)
		}
		return 0, err
	}
	d.symbolCache[name] = si.Address
	d.debugf("external %s = 0x%x (%v)", name, si.Address, si.Flags)
	return si.Address, nil
}

// targetAddress returns the address a value ref points at
func (d *Dyld) targetAddress(v RelocationValueRef) (uint64, error) {
	if v.IsExternal() {
		addr, err := d.lookupSymbol(v.SymbolName)
		return addr + uint64(v.Addend), err
	}
	return d.sections[v.SectionID].LoadAddress + uint64(v.Addend), nil
}

func (d *Dyld) rollback() {
	if r, ok := d.mm.(SectionReleaser); ok {
		for id := d.firstSection; int(id) < len(d.sections); id++ {
			r.ReleaseSection(id)
		}
	}
	d.sections = d.sections[:d.firstSection]
	for name, prev := range d.definedBefore {
		if prev == nil {
			delete(d.globalSymbols, name)
		} else {
			d.globalSymbols[name] = *prev
		}
	}
	d.eh.drop(d.firstSection)
	d.got.Reset()
}

// RegisterEHFrames hands all unwind-info sections loaded so far to the
// memory manager.
func (d *Dyld) RegisterEHFrames() {
	for _, id := range d.eh.unregistered {
		s := &d.sections[id]
		d.mm.RegisterEHFrames(s.Contents(), s.LoadAddress, s.Size)
		d.eh.registered = append(d.eh.registered, id)
	}
	d.eh.unregistered = d.eh.unregistered[:0]
}

// DeregisterEHFrames reverses RegisterEHFrames
func (d *Dyld) DeregisterEHFrames() {
	for _, id := range d.eh.registered {
		s := &d.sections[id]
		d.mm.DeregisterEHFrames(s.Contents(), s.LoadAddress, s.Size)
	}
	d.eh.registered = d.eh.registered[:0]
}

// LoadedObject describes where the sections of one object ended up
type LoadedObject struct {
	dyld  *Dyld
	ids   []SectionID
	names map[string]SectionID
}

func (d *Dyld) newLoadedObject() *LoadedObject {
	o := &LoadedObject{dyld: d, names: make(map[string]SectionID)}
	for id := d.firstSection; int(id) < len(d.sections); id++ {
		o.ids = append(o.ids, id)
		if _, ok := o.names[d.sections[id].Name]; !ok {
			o.names[d.sections[id].Name] = id
		}
	}
	return o
}

// SectionIDs returns the ids of every section the load created, GOTs and
// common symbols included
func (o *LoadedObject) SectionIDs() []SectionID { return o.ids }

// Section returns the first loaded section called name
func (o *LoadedObject) Section(name string) (*SectionEntry, bool) {
	id, ok := o.names[name]
	if !ok {
		return nil, false
	}
	return o.dyld.Section(id), true
}

// SectionLoadAddress returns the load address of the section called name
func (o *LoadedObject) SectionLoadAddress(name string) (uint64, bool) {
	s, ok := o.Section(name)
	if !ok {
		return 0, false
	}
	return s.LoadAddress, true
}
