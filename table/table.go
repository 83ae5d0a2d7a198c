// Package table implements the indirect-call table manager (C3): a
// monotonically growing table of function references with stable
// indices, physically backed by a real wazero table that the table
// manager owns via a small synthetic wasm module (wazero's public API
// has no host-side table.grow/table.set, only active element segments
// executed at instantiation time, so every append/set installs a one-off
// synthetic module that does exactly that and is then discarded).
package table

import (
	"context"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	wazerotable "github.com/tetratelabs/wazero/experimental/table"

	"github.com/faasm/wasmhost/herrors"
	"github.com/faasm/wasmhost/wasmgen"
)

const ownerModuleName = "__wasmhost_table_owner"
const ownerExportName = "__indirect_function_table"

// entry mirrors what was installed at a table index, enough to recover a
// live api.Function reference via wazero's experimental table lookup
// helper, which requires the caller to already know the signature.
type entry struct {
	funcModule, funcExport string
	paramTypes, resultTypes []api.ValueType
}

// Manager owns the compartment's single shared indirect-call table.
type Manager struct {
	mu  sync.Mutex
	rt  wazero.Runtime
	max uint32

	owner    api.Module
	ownerMod string

	size    uint32 // next free index; index 0 is reserved null
	entries map[uint32]entry
	patchSeq uint64
}

// New creates the table owner module (a fixed-name synthetic module
// declaring the real table) within rt and returns a Manager bound to it.
// Index 0 is reserved as null per the data model.
func New(ctx context.Context, rt wazero.Runtime, maxElements uint32) (*Manager, error) {
	b := wasmgen.NewModuleBuilder("")
	// wazero physically allocates a table's backing array at its declared
	// min, not its max — unlike memory there is no public table.grow the
	// manager can call later, so the real table must start at full
	// capacity for every bookkeeping-only "reservation" above index 0 to
	// land within bounds.
	b.DeclareTable(maxElements, maxElements, ownerExportName)
	compiled, err := rt.CompileModule(ctx, b.Build())
	if err != nil {
		return nil, herrors.Wrap(herrors.PhaseTable, herrors.KindInvalidLayout, err, "compiling table owner module")
	}
	owner, err := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(ownerModuleName))
	if err != nil {
		return nil, herrors.Wrap(herrors.PhaseTable, herrors.KindInvalidLayout, err, "instantiating table owner module")
	}
	return &Manager{
		rt:      rt,
		max:     maxElements,
		owner:   owner,
		size:    1,
		entries: make(map[uint32]entry),
	}, nil
}

// OwnerModuleName is the module name under which the shared table is
// exported, for other synthetic modules that need to import it.
func (m *Manager) OwnerModuleName() string { return ownerModuleName }

// OwnerExportName is the export name of the shared table itself.
func (m *Manager) OwnerExportName() string { return ownerExportName }

// Size returns the table's current high-water mark (the number of
// indices ever handed out, including the reserved null slot 0).
func (m *Manager) Size() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.size
}

// Reserve grows the high-water mark by n and returns the first newly
// reserved index, without installing anything there yet.
func (m *Manager) Reserve(ctx context.Context, n uint32) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.size+n > m.max {
		return 0, herrors.New(herrors.PhaseTable, herrors.KindOutOfMaxSize, "table grow by %d would exceed max %d", n, m.max)
	}
	first := m.size
	m.size += n
	return first, nil
}

// Append installs fn at a freshly reserved index and returns that index.
func (m *Manager) Append(ctx context.Context, funcModule, funcExport string, paramTypes, resultTypes []api.ValueType) (uint32, error) {
	idx, err := m.Reserve(ctx, 1)
	if err != nil {
		return 0, err
	}
	if err := m.Set(ctx, idx, funcModule, funcExport, paramTypes, resultTypes); err != nil {
		return 0, err
	}
	return idx, nil
}

// Set physically installs the function exported as funcExport from
// funcModule at table index idx, via a one-shot synthetic patch module.
func (m *Manager) Set(ctx context.Context, idx uint32, funcModule, funcExport string, paramTypes, resultTypes []api.ValueType) error {
	m.mu.Lock()
	if idx >= m.size {
		m.mu.Unlock()
		return herrors.New(herrors.PhaseTable, herrors.KindInvalidArgument, "index %d was never reserved", idx)
	}
	m.entries[idx] = entry{funcModule: funcModule, funcExport: funcExport, paramTypes: paramTypes, resultTypes: resultTypes}
	m.patchSeq++
	seq := m.patchSeq
	m.mu.Unlock()

	b := wasmgen.NewModuleBuilder(funcModule)
	fidx := b.AddFunc(funcExport, paramTypes, resultTypes)
	b.ReexportTable(ownerModuleName, ownerExportName, "")
	b.InstallTableEntry(idx, fidx)

	compiled, err := m.rt.CompileModule(ctx, b.Build())
	if err != nil {
		return herrors.Wrap(herrors.PhaseTable, herrors.KindInvalidLayout, err, "compiling table patch for index %d", idx)
	}
	patchName := patchModuleName(seq)
	patch, err := m.rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(patchName))
	if err != nil {
		return herrors.Wrap(herrors.PhaseTable, herrors.KindInvalidLayout, err, "installing table index %d", idx)
	}
	// The element segment already ran as a side effect of instantiation;
	// the module itself has no further purpose.
	_ = patch.Close(ctx)
	return nil
}

// RecordInstalled records that idx already holds the function exported as
// funcExport from funcModule, without performing the patch-module
// physical write Set does. Used for a module's own active element
// segments, which install entries directly in the real table as a side
// effect of its own instantiation — the manager only needs to learn the
// signature so Get can resolve the index later. Also defensively raises
// the high-water mark to cover idx, so a subsequent Reserve can never
// hand out an index a module has already written natively.
func (m *Manager) RecordInstalled(idx uint32, funcModule, funcExport string, paramTypes, resultTypes []api.ValueType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if idx >= m.size {
		m.size = idx + 1
	}
	m.entries[idx] = entry{funcModule: funcModule, funcExport: funcExport, paramTypes: paramTypes, resultTypes: resultTypes}
}

func patchModuleName(seq uint64) string {
	const hex = "0123456789abcdef"
	buf := []byte("__wasmhost_table_patch_00000000000000000000")
	for i := len(buf) - 1; seq > 0 && i >= 0; i-- {
		buf[i] = hex[seq&0xf]
		seq >>= 4
	}
	return string(buf)
}

// Get returns a live, callable reference to whatever was installed at
// idx, along with the signature it was installed with.
func (m *Manager) Get(idx uint32) (api.Function, []api.ValueType, []api.ValueType, bool) {
	m.mu.Lock()
	e, ok := m.entries[idx]
	m.mu.Unlock()
	if !ok {
		return nil, nil, nil, false
	}
	fn := wazerotable.LookupFunction(m.owner, 0, idx, e.paramTypes, e.resultTypes)
	return fn, e.paramTypes, e.resultTypes, true
}
