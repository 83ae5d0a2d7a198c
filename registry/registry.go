// Package registry implements the dynamic module registry (C6): assigns
// handles to dynamically loaded shared modules, carves their
// memory/table partitions, drives their GOT population and linking, and
// validates the partition invariants spec'd for a LoadedDynamicModule.
package registry

import (
	"context"
	"os"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/faasm/wasmhost/got"
	"github.com/faasm/wasmhost/herrors"
	"github.com/faasm/wasmhost/hostconfig"
	"github.com/faasm/wasmhost/memory"
	"github.com/faasm/wasmhost/modcache"
	"github.com/faasm/wasmhost/resolver"
	"github.com/faasm/wasmhost/table"
)

var (
	logger     *zap.Logger
	loggerOnce sync.Once
)

func log() *zap.Logger {
	loggerOnce.Do(func() {
		if logger == nil {
			logger = zap.NewNop()
		}
	})
	return logger
}

// SetLogger overrides the package-wide logger.
func SetLogger(l *zap.Logger) { logger = l }

// MainModuleHandle and ErrorHandle are the two reserved handle values;
// real dynamic modules get handles starting at 2.
const (
	ErrorHandle      = 0
	MainModuleHandle = 1
	firstDynamicHandle = 2
)

// LoadedDynamicModule is the per-shared-module record spec'd in §3.
type LoadedDynamicModule struct {
	Path string

	MemoryBottom, MemoryTop uint32
	StackTop, StackPointer, StackSize uint32
	DataBottom, DataTop uint32
	HeapBottom uint32
	TableBottom, TableTop uint32

	Instance api.Module

	entry *modcache.Entry
}

// Registry owns the dynamic-module map and path index for one bound
// module. It is not safe for concurrent dynamic_load calls against the
// same bound module: host.BoundModule.DynamicLoad releases its own lock
// before delegating here, so its callers must serialise those calls.
type Registry struct {
	rt       wazero.Runtime
	cache    *modcache.Cache
	mem      *memory.Manager
	tableMgr *table.Manager
	got      *got.Table

	envNamespace, wasiNamespace resolver.Namespace
	mainInstance                api.Module
	user, function              string
	cfg                         hostconfig.Config

	mu              sync.Mutex
	byHandle        map[uint32]*LoadedDynamicModule
	byPath          map[string]uint32
	lastHandle      uint32
}

// New creates a registry bound to the given resources. envNamespace and
// wasiNamespace are the intrinsics instances the resolver's fallback
// chain consults; mainInstance is the bound module's main instance.
func New(
	rt wazero.Runtime,
	cache *modcache.Cache,
	mem *memory.Manager,
	tableMgr *table.Manager,
	gotTable *got.Table,
	envNamespace, wasiNamespace resolver.Namespace,
	mainInstance api.Module,
	user, function string,
	cfg hostconfig.Config,
) *Registry {
	return &Registry{
		rt: rt, cache: cache, mem: mem, tableMgr: tableMgr, got: gotTable,
		envNamespace: envNamespace, wasiNamespace: wasiNamespace, mainInstance: mainInstance,
		user: user, function: function, cfg: cfg,
		byHandle: make(map[uint32]*LoadedDynamicModule),
		byPath:   make(map[string]uint32),
	}
}

// dynInstanceNamespaces returns the insertion-ordered list of non-null
// dynamic instances, for the resolver's fallback chain.
func (r *Registry) dynInstanceNamespaces() []resolver.Namespace {
	var out []resolver.Namespace
	for h := firstDynamicHandle; uint32(h) <= r.lastHandle; h++ {
		mod := r.byHandle[uint32(h)]
		if mod == nil || mod.Instance == nil {
			continue
		}
		out = append(out, resolver.Namespace{Name: moduleNameForHandle(uint32(h)), Instance: mod.Instance})
	}
	return out
}

func moduleNameForHandle(handle uint32) string {
	const hex = "0123456789abcdef"
	buf := []byte("__wasmhost_dyn_00000000")
	h := handle
	for i := len(buf) - 1; h > 0 && i >= 0; i-- {
		buf[i] = hex[h&0xf]
		h >>= 4
	}
	return string(buf)
}

// DynamicLoad implements §4.5's dynamic_load(path) -> handle. An empty
// path is a no-op returning MainModuleHandle; a path already loaded
// returns its cached handle; a path that fails stat returns ErrorHandle
// with a nil error (mirroring dlopen's "NULL on failure" convention —
// the caller checks the handle, not the error, for that case). A non-nil
// error indicates a link-time failure after the module was found, which
// is fatal to the bind/load operation.
func (r *Registry) DynamicLoad(ctx context.Context, path string) (uint32, error) {
	if path == "" {
		return MainModuleHandle, nil
	}

	r.mu.Lock()
	if h, ok := r.byPath[path]; ok {
		r.mu.Unlock()
		return h, nil
	}
	r.mu.Unlock()

	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		log().Warn("dynamic_load target missing or is a directory", zap.String("path", path))
		return ErrorHandle, nil
	}

	r.mu.Lock()
	handle := firstDynamicHandle + uint32(len(r.byHandle))
	r.lastHandle = handle
	r.byPath[path] = handle
	r.mu.Unlock()

	entry, err := r.cache.Get(ctx, modcache.Key{User: r.user, Function: r.function, Path: path})
	if err != nil {
		return 0, herrors.Wrap(herrors.PhaseLoad, herrors.KindNotFound, err, "loading shared module %q", path)
	}

	mod, err := r.link(ctx, handle, path, entry)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	r.byHandle[handle] = mod
	r.mu.Unlock()
	return handle, nil
}

// link performs steps 6-12 of §4.5: table growth, memory partitioning,
// GOT population, instantiation, missing-entry drain, invariant
// validation, and constructor execution.
func (r *Registry) link(ctx context.Context, handle uint32, path string, entry *modcache.Entry) (*LoadedDynamicModule, error) {
	ir := entry.IR

	tableBottom, err := r.tableMgr.Reserve(ctx, ir.TableMax)
	if err != nil {
		return nil, herrors.Wrap(herrors.PhaseTable, herrors.KindOutOfMaxSize, err, "growing table for %q", path)
	}
	tableTop := tableBottom + ir.TableMax

	dataSize := ir.TotalDataSize()
	memoryBottom, err := r.mem.InstallGuard(r.cfg.GuardRegionPages)
	if err != nil {
		return nil, herrors.Wrap(herrors.PhaseMemory, herrors.KindOutOfMemory, err, "leading guard for %q", path)
	}
	regionBase, err := r.mem.MapPages(r.cfg.DynamicModuleMemoryPages)
	if err != nil {
		return nil, herrors.Wrap(herrors.PhaseMemory, herrors.KindOutOfMemory, err, "data region for %q", path)
	}
	if _, err := r.mem.InstallGuard(r.cfg.GuardRegionPages); err != nil {
		return nil, herrors.Wrap(herrors.PhaseMemory, herrors.KindOutOfMemory, err, "trailing guard for %q", path)
	}

	stackTop := regionBase
	dataBottom := stackTop + r.cfg.DynamicModuleStackSize
	dataTop := dataBottom + dataSize
	heapBottom := dataTop
	regionSize := r.cfg.DynamicModuleMemoryPages * hostconfig.WasmPageSize
	memoryTop := regionBase + regionSize

	dyn := &LoadedDynamicModule{
		Path:         path,
		MemoryBottom: memoryBottom,
		MemoryTop:    memoryTop,
		StackTop:     stackTop,
		StackPointer: stackTop,
		StackSize:    r.cfg.DynamicModuleStackSize,
		DataBottom:   dataBottom,
		DataTop:      dataTop,
		HeapBottom:   heapBottom,
		TableBottom:  tableBottom,
		TableTop:     tableTop,
		entry:        entry,
	}

	installs := r.got.BuildFromIR(ir, tableBottom, true, int32(dataBottom))

	info := resolver.DynamicModuleInfo{DataBottom: int32(dataBottom), TableBottom: tableBottom, StackPointer: int32(stackTop)}
	shims, err := resolver.ResolveDynamic(ctx, r.rt, ir, info, r.got, r.tableMgr, r.envNamespace, r.wasiNamespace, r.mainInstance, r.dynInstanceNamespaces())
	if err != nil {
		return nil, herrors.Wrap(herrors.PhaseLink, herrors.KindMissingImport, err, "resolving imports for %q", path)
	}
	defer func() {
		for _, s := range shims {
			_ = s.Instance.Close(ctx)
		}
	}()

	compiled, err := entry.Compiled(ctx, r.rt)
	if err != nil {
		return nil, err
	}
	modName := moduleNameForHandle(handle)
	inst, err := r.rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(modName))
	if err != nil {
		return nil, herrors.Wrap(herrors.PhaseLink, herrors.KindInvalidLayout, err, "instantiating %q", path)
	}
	dyn.Instance = inst

	for _, ins := range installs {
		fn := inst.ExportedFunction(ins.Name)
		if fn == nil {
			continue
		}
		if err := r.tableMgr.Set(ctx, ins.Index, modName, ins.Name, fn.Definition().ParamTypes(), fn.Definition().ResultTypes()); err != nil {
			return nil, herrors.Wrap(herrors.PhaseTable, herrors.KindInvalidLayout, err, "installing %q at index %d", ins.Name, ins.Index)
		}
	}

	exports := make(map[string][2]string)
	for _, name := range ir.FuncExportNames() {
		exports[name] = [2]string{modName, name}
	}
	if err := r.got.DrainMissingAgainst(ctx, exports, func(ctx context.Context, index uint32, module, export string) error {
		fn := inst.ExportedFunction(export)
		if fn == nil {
			return herrors.New(herrors.PhaseLink, herrors.KindMissingGOTEntry, "export %q vanished before install", export)
		}
		return r.tableMgr.Set(ctx, index, module, export, fn.Definition().ParamTypes(), fn.Definition().ResultTypes())
	}); err != nil {
		return nil, err
	}

	if err := validatePartitioning(dyn); err != nil {
		return nil, err
	}

	if ctor := inst.ExportedFunction("__wasm_call_ctors"); ctor != nil {
		if _, err := ctor.Call(ctx); err != nil {
			return nil, herrors.Wrap(herrors.PhaseBind, herrors.KindCtorFailed, err, "running ctors for %q", path)
		}
	}

	return dyn, nil
}

// validatePartitioning checks §3's LoadedDynamicModule invariant:
// memory_bottom < stack_top <= data_bottom <= data_top <= heap_bottom <= memory_top.
func validatePartitioning(d *LoadedDynamicModule) error {
	if !(d.MemoryBottom < d.StackTop &&
		d.StackTop <= d.DataBottom &&
		d.DataBottom <= d.DataTop &&
		d.DataTop <= d.HeapBottom &&
		d.HeapBottom <= d.MemoryTop) {
		return herrors.New(herrors.PhaseLoad, herrors.KindInvalidLayout, "partition invariant violated for %q: bottom=%d stackTop=%d dataBottom=%d dataTop=%d heapBottom=%d top=%d",
			d.Path, d.MemoryBottom, d.StackTop, d.DataBottom, d.DataTop, d.HeapBottom, d.MemoryTop)
	}
	return nil
}

// Get returns the LoadedDynamicModule for handle, if any.
func (r *Registry) Get(handle uint32) (*LoadedDynamicModule, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.byHandle[handle]
	return m, ok
}

// LastLoadedHandle returns the most recently assigned dynamic handle, 0
// if none has been loaded yet.
func (r *Registry) LastLoadedHandle() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastHandle
}

// GetNextStackPointer, GetNextMemoryBase, and GetNextTableBase expose the
// most-recently-loaded dynamic module's stack pointer, heap start, and
// table-slice start. The original exposes these for its syscall
// emulation layer (out of scope per this host's external-collaborator
// boundary), but the accessors themselves are in-scope core surface —
// named, testable operations rather than fields a host intrinsic would
// otherwise reach into directly.
func (r *Registry) GetNextStackPointer() (uint32, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.byHandle[r.lastHandle]
	if !ok {
		return 0, false
	}
	return m.StackPointer, true
}

func (r *Registry) GetNextMemoryBase() (uint32, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.byHandle[r.lastHandle]
	if !ok {
		return 0, false
	}
	return m.HeapBottom, true
}

func (r *Registry) GetNextTableBase() (uint32, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.byHandle[r.lastHandle]
	if !ok {
		return 0, false
	}
	return m.TableBottom, true
}

// LoadedPaths returns every shared-module path currently loaded, in the
// order their handles were assigned — used by Clone to replay the same
// dynamic_load sequence against a freshly bound compartment.
func (r *Registry) LoadedPaths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	paths := make([]string, 0, len(r.byPath))
	for h := firstDynamicHandle; uint32(h) <= r.lastHandle; h++ {
		if mod, ok := r.byHandle[uint32(h)]; ok {
			paths = append(paths, mod.Path)
		}
	}
	return paths
}

// Clear releases every dynamic-module instance reference, for teardown. It
// also drops this registry's runtime from every entry's compiled-module
// cache: the entries themselves are process-wide and outlive this bind(),
// but the compiled handle is specific to r.rt, which is about to close.
func (r *Registry) Clear(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for h := range r.byHandle {
		mod := r.byHandle[h]
		mod.Instance = nil
		if mod.entry != nil {
			mod.entry.ReleaseRuntime(ctx, r.rt)
		}
	}
	r.byHandle = make(map[uint32]*LoadedDynamicModule)
	r.byPath = make(map[string]uint32)
	r.lastHandle = 0
}
