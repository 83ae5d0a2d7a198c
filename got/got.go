// Package got implements the Global Offset Table (C4): the function and
// data halves that let a dynamically loaded module find where its
// imported symbols live in the shared table and linear memory, plus the
// missing-entry back-patching discipline described in §4.3.
package got

import (
	"context"
	"sync"

	"github.com/faasm/wasmhost/herrors"
	"github.com/faasm/wasmhost/wasmir"
)

// DataEntry is one entry of the GOT data half.
type DataEntry struct {
	Offset  int32
	Mutable bool
}

// Table holds both GOT halves and the missing set for one bound module.
// All mutation is expected to happen only during bind, dynamic_load, or
// single-threaded instantiation callbacks, per the concurrency model; the
// mutex exists to make concurrent reads from other threads safe, not to
// serialize writers against each other.
type Table struct {
	mu      sync.RWMutex
	funcs   map[string]uint32
	data    map[string]DataEntry
	missing map[string]uint32
}

// New creates an empty GOT.
func New() *Table {
	return &Table{
		funcs:   make(map[string]uint32),
		data:    make(map[string]DataEntry),
		missing: make(map[string]uint32),
	}
}

// RegisterTableExport records name -> index in the function half.
// Idempotent; re-registering the same name with a different index is an
// error.
func (t *Table) RegisterTableExport(name string, index uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.funcs[name]; ok {
		if existing != index {
			return herrors.New(herrors.PhaseLink, herrors.KindDuplicateExport, "function %q already registered at index %d, got %d", name, existing, index)
		}
		return nil
	}
	t.funcs[name] = index
	return nil
}

// RegisterDataExport records name -> (offset, mutable) in the data half.
func (t *Table) RegisterDataExport(name string, offset int32, mutable bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.data[name]; ok {
		if existing.Offset != offset || existing.Mutable != mutable {
			return herrors.New(herrors.PhaseLink, herrors.KindDuplicateExport, "data global %q already registered as (%d,%v), got (%d,%v)", name, existing.Offset, existing.Mutable, offset, mutable)
		}
		return nil
	}
	t.data[name] = DataEntry{Offset: offset, Mutable: mutable}
	return nil
}

// LookupFunc returns the table index registered for name.
func (t *Table) LookupFunc(name string) (uint32, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	idx, ok := t.funcs[name]
	return idx, ok
}

// LookupData returns the (offset, mutable) pair registered for name.
func (t *Table) LookupData(name string) (DataEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.data[name]
	return e, ok
}

// RecordMissing adds name -> placeholder to the missing set: placeholder
// is a table index that was written before the target function existed.
func (t *Table) RecordMissing(name string, placeholder uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.missing[name] = placeholder
}

// MissingNames returns a snapshot of the currently unresolved names.
func (t *Table) MissingNames() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.missing))
	for n := range t.missing {
		names = append(names, n)
	}
	return names
}

// Installer physically writes a function into a reserved table slot.
type Installer func(ctx context.Context, index uint32, module, export string) error

// DrainMissingAgainst resolves every missing entry whose name is found in
// exports (a name -> (module,export) map of what the new instance
// exports), installing it via install and promoting it into the function
// half. Any names left in the missing set after this call are fatal for
// the dynamic load that produced them.
func (t *Table) DrainMissingAgainst(ctx context.Context, exports map[string][2]string, install Installer) error {
	t.mu.Lock()
	type resolution struct {
		name, module, export string
		index                uint32
	}
	var resolved []resolution
	for name, idx := range t.missing {
		if me, ok := exports[name]; ok {
			resolved = append(resolved, resolution{name: name, module: me[0], export: me[1], index: idx})
		}
	}
	t.mu.Unlock()

	for _, r := range resolved {
		if err := install(ctx, r.index, r.module, r.export); err != nil {
			return herrors.Wrap(herrors.PhaseLink, herrors.KindMissingGOTEntry, err, "installing deferred symbol %q", r.name)
		}
		t.mu.Lock()
		t.funcs[r.name] = r.index
		delete(t.missing, r.name)
		t.mu.Unlock()
	}

	t.mu.RLock()
	remaining := len(t.missing)
	t.mu.RUnlock()
	if remaining > 0 {
		return herrors.New(herrors.PhaseLink, herrors.KindMissingGOTEntry, "%d GOT entries remain unresolved after dynamic load", remaining)
	}
	return nil
}

// ElementInstall is a (name, table index) pair the builder found while
// walking a module's active element segments, needing the named function
// physically installed at index by the caller (the main module's
// functions are already in the real table at compile time; only dynamic
// modules need the host to do this).
type ElementInstall struct {
	Name  string
	Index uint32
}

// BuildFromIR implements §4.3's "Building the GOT from IR" pass. elemBase
// is added to each element segment's own declared offset (0 for a main
// module, since its segments are already placed at their real absolute
// table indices by the compiler); for a dynamic module the caller passes
// the segment's own declared offset negated out by instead setting
// elemBase to the module's table_bottom and ignoreSegmentOffset to true,
// remapping purely by ordinal position within the segment.
//
// dataBottom is added to every exported i32 global's initializer for a
// dynamic module (0 for the main module).
func (t *Table) BuildFromIR(mod *wasmir.Module, elemBase uint32, ignoreSegmentOffset bool, dataBottom int32) []ElementInstall {
	names := mod.FuncExportNames()
	var installs []ElementInstall
	for _, seg := range mod.Elements {
		base := elemBase
		if !ignoreSegmentOffset {
			base = uint32(int32(elemBase) + seg.Offset)
		}
		for i, fidx := range seg.FuncIndices {
			name, ok := names[fidx]
			if !ok {
				continue
			}
			idx := base + uint32(i)
			_ = t.RegisterTableExport(name, idx)
			installs = append(installs, ElementInstall{Name: name, Index: idx})
		}
	}

	for _, g := range mod.ExportedI32Globals() {
		_ = t.RegisterDataExport(g.Name, g.Value+dataBottom, g.Mutable)
	}

	return installs
}
