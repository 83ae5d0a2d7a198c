// Package memory implements the linear memory manager (C2): page-unit
// growth, guard regions, file-backed mappings, and wasm-pointer to
// host-pointer translation over a single wazero-owned api.Memory.
package memory

import (
	"context"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/faasm/wasmhost/herrors"
	"github.com/faasm/wasmhost/hostconfig"
	"github.com/faasm/wasmhost/wasmgen"
)

// OwnerModuleName and OwnerExportName are the fixed name a compartment's
// shared linear memory is instantiated and exported under, so that any
// other synthetic module (main's own "env" shim, a dynamic module's
// memory import shim) can re-export the same api.Memory by name.
const (
	OwnerModuleName = "__wasmhost_memory_owner"
	OwnerExportName = "memory"
)

type guardRange struct {
	base, pages uint32
}

// Manager grows a single api.Memory in page units and tracks guard
// regions and the process's monotonic high-water mark. It never shrinks
// memory: pages are never released to the host while the instance is
// alive.
type Manager struct {
	mu        sync.Mutex
	mem       api.Memory
	maxPages  uint32
	guards    []guardRange
}

// New wraps mem, enforcing maxPages as the declared maximum.
func New(mem api.Memory, maxPages uint32) *Manager {
	return &Manager{mem: mem, maxPages: maxPages}
}

// NewOwned creates the memory owner module (a fixed-name synthetic module
// declaring the compartment's single shared linear memory, starting at 0
// pages) within rt and returns a Manager wrapping it. Everything else that
// needs the shared memory — main's own import, a dynamic module's import —
// re-exports it from OwnerModuleName/OwnerExportName rather than declaring
// its own, since wazero has no host-side memory.grow hook a second
// declaration could be kept in sync with.
func NewOwned(ctx context.Context, rt wazero.Runtime, maxPages uint32) (*Manager, error) {
	b := wasmgen.NewModuleBuilder("")
	b.DeclareMemory(0, maxPages, OwnerExportName)
	compiled, err := rt.CompileModule(ctx, b.Build())
	if err != nil {
		return nil, herrors.Wrap(herrors.PhaseMemory, herrors.KindInvalidLayout, err, "compiling memory owner module")
	}
	owner, err := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(OwnerModuleName))
	if err != nil {
		return nil, herrors.Wrap(herrors.PhaseMemory, herrors.KindInvalidLayout, err, "instantiating memory owner module")
	}
	return New(owner.ExportedMemory(OwnerExportName), maxPages), nil
}

func (m *Manager) currentPages() uint32 {
	return m.mem.Size() / hostconfig.WasmPageSize
}

// MapPages grows memory by n pages and returns the wasm-pointer base of
// the newly mapped region. map_pages(0) is rejected.
func (m *Manager) MapPages(n uint32) (uint32, error) {
	if n == 0 {
		return 0, herrors.New(herrors.PhaseMemory, herrors.KindInvalidArgument, "map_pages(0) is invalid")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	before := m.currentPages()
	if before+n > m.maxPages {
		return 0, herrors.New(herrors.PhaseMemory, herrors.KindOutOfMaxSize, "grow by %d pages would exceed max %d", n, m.maxPages)
	}
	if _, ok := m.mem.Grow(n); !ok {
		return 0, herrors.New(herrors.PhaseMemory, herrors.KindOutOfMemory, "host could not commit %d pages", n)
	}
	return before * hostconfig.WasmPageSize, nil
}

// MapBytes rounds nBytes up to a whole number of pages and maps them.
func (m *Manager) MapBytes(nBytes uint32) (uint32, error) {
	pages := (nBytes + hostconfig.WasmPageSize - 1) / hostconfig.WasmPageSize
	return m.MapPages(pages)
}

// MapFile reserves a range the size of data via MapBytes and copies data
// into it. A genuine zero-copy, address-stable file mapping is an
// operating-system facility wazero's Go-managed linear memory does not
// expose publicly; the host approximates "the file is mapped read-only
// and shared at a stable address" by always using its own reserved,
// already-stable base and failing with UnstableFileMap only if the copy
// itself cannot be performed (offset/length invalid).
func (m *Manager) MapFile(data []byte) (uint32, error) {
	base, err := m.MapBytes(uint32(len(data)))
	if err != nil {
		return 0, err
	}
	if !m.mem.Write(base, data) {
		return 0, herrors.New(herrors.PhaseMemory, herrors.KindUnstableFileMap, "could not write %d bytes at 0x%x", len(data), base)
	}
	return base, nil
}

// InstallGuard reserves n pages and marks them inaccessible: any access
// through NativePtr or InGuard against this range is reported as a
// trapping access. wazero's memory has no OS-level page-protection hook
// the host can call into, so the guard is enforced at the boundary the
// host controls (NativePtr/InGuard) rather than as a genuine hardware
// trap.
func (m *Manager) InstallGuard(n uint32) (uint32, error) {
	base, err := m.MapPages(n)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	m.guards = append(m.guards, guardRange{base: base, pages: n})
	m.mu.Unlock()
	return base, nil
}

// InGuard reports whether the half-open byte range [ptr, ptr+length)
// intersects any installed guard region.
func (m *Manager) InGuard(ptr, length uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	end := ptr + length
	for _, g := range m.guards {
		gBase := g.base
		gEnd := g.base + g.pages*hostconfig.WasmPageSize
		if ptr < gEnd && end > gBase {
			return true
		}
	}
	return false
}

// NativePtr translates a wasm pointer/length pair into the host-visible
// byte slice backing it, failing on out-of-bounds or guarded access.
func (m *Manager) NativePtr(wasmPtr, length uint32) ([]byte, error) {
	if m.InGuard(wasmPtr, length) {
		return nil, herrors.New(herrors.PhaseMemory, herrors.KindInvalidArgument, "access to guard region at 0x%x", wasmPtr)
	}
	b, ok := m.mem.Read(wasmPtr, length)
	if !ok {
		return nil, herrors.New(herrors.PhaseMemory, herrors.KindInvalidArgument, "0x%x+%d out of bounds", wasmPtr, length)
	}
	return b, nil
}

// Pages returns the memory's current size in pages.
func (m *Manager) Pages() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentPages()
}

// WriteAt writes data at wasmPtr, failing on out-of-bounds or guarded
// access. Used by the execution driver to lay out argv/envp buffers;
// snapshot restore bypasses it and writes through Raw() instead.
func (m *Manager) WriteAt(wasmPtr uint32, data []byte) error {
	if m.InGuard(wasmPtr, uint32(len(data))) {
		return herrors.New(herrors.PhaseMemory, herrors.KindInvalidArgument, "write into guard region at 0x%x", wasmPtr)
	}
	if !m.mem.Write(wasmPtr, data) {
		return herrors.New(herrors.PhaseMemory, herrors.KindInvalidArgument, "write of %d bytes at 0x%x out of bounds", len(data), wasmPtr)
	}
	return nil
}

// WriteUint32LE writes a little-endian u32 at wasmPtr — the pointer width
// argv/envp arrays are built from.
func (m *Manager) WriteUint32LE(wasmPtr, v uint32) error {
	var buf [4]byte
	buf[0], buf[1], buf[2], buf[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
	return m.WriteAt(wasmPtr, buf[:])
}

// Raw exposes the underlying api.Memory for snapshot/restore, which needs
// whole-region reads wider than NativePtr's guard-checked view.
func (m *Manager) Raw() api.Memory { return m.mem }

// MaxPages returns the declared maximum, in pages.
func (m *Manager) MaxPages() uint32 { return m.maxPages }
