// Package resolver implements the import resolver (C5). wazero has no
// per-import resolver callback: a module's imports are satisfied by
// whatever already-instantiated api.Module exists under the requested
// module name in the runtime's namespace. Resolver therefore computes,
// for a module about to be instantiated, the set of synthetic shim
// modules (see wasmgen) that must be built and instantiated first so
// that every import the Wasm instantiator looks up lands on the right
// answer — one shim per distinct module name the importer references.
package resolver

import (
	"context"
	"sort"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/faasm/wasmhost/got"
	"github.com/faasm/wasmhost/herrors"
	"github.com/faasm/wasmhost/memory"
	"github.com/faasm/wasmhost/table"
	"github.com/faasm/wasmhost/wasmgen"
	"github.com/faasm/wasmhost/wasmir"
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

const (
	ModGOTMem = "GOT.mem"
	ModGOTFunc = "GOT.func"

	SymMemoryBase    = "__memory_base"
	SymTableBase     = "__table_base"
	SymStackPointer  = "__stack_pointer"
	SymIndirectTable = "__indirect_function_table"
)

// Namespace is one fallback source the "any other symbol" search order
// consults, in priority order: an intrinsics instance selected by the
// import's module_name, the main instance, then every non-null dynamic
// instance in insertion order.
type Namespace struct {
	Name     string
	Instance api.Module
}

// DynamicModuleInfo carries the per-load facts the resolver needs that
// are not visible from the IR alone: where this module's partitions sit
// in the shared address space and table.
type DynamicModuleInfo struct {
	DataBottom    int32
	TableBottom   uint32
	StackPointer  int32
}

// Shim is one instantiated synthetic module built to satisfy imports
// under a specific module name; the caller must Close it once the real
// module has finished instantiating (GOT.mem/GOT.func/env-specials are
// throwaway scaffolding, not part of the long-lived namespace).
type Shim struct {
	ModuleName string
	Instance   api.Module
}

// ResolveMain builds the single "env" shim a main module instantiation
// needs: every function the main module imports from envHostModule,
// re-exported under module name "env"; plus, if present, main's own
// indirect-table and shared-memory imports, bridged onto the
// compartment's table/memory owner modules exactly as a dynamic module's
// would be (wasi imports are satisfied directly by the real
// wasi_snapshot_preview1 module, already instantiated elsewhere under
// that name; main's stack pointer is its own local mutable global, never
// imported).
func ResolveMain(ctx context.Context, rt wazero.Runtime, mainIR *wasmir.Module, envHostModule string, tableMgr *table.Manager) (*Shim, error) {
	b := wasmgen.NewModuleBuilder(envHostModule)
	for _, imp := range mainIR.Imports {
		if imp.Module != "env" {
			continue
		}
		switch imp.Kind {
		case wasmir.KindFunc:
			ft, ok := mainIR.Signature(funcIndexOfImport(mainIR, imp))
			if !ok {
				continue
			}
			b.AddFunc(imp.Name, ft.Params, ft.Results)
		case wasmir.KindTable:
			if imp.Name == SymIndirectTable {
				b.ReexportTable(tableMgr.OwnerModuleName(), tableMgr.OwnerExportName(), imp.Name)
			}
		case wasmir.KindMemory:
			b.ReexportMemory(memory.OwnerModuleName, memory.OwnerExportName, imp.Name)
		}
	}
	return instantiateShim(ctx, rt, "env", b)
}

func funcIndexOfImport(mod *wasmir.Module, target wasmir.Import) uint32 {
	var idx uint32
	for _, imp := range mod.Imports {
		if imp.Kind != wasmir.KindFunc {
			continue
		}
		if imp.Module == target.Module && imp.Name == target.Name {
			return idx
		}
		idx++
	}
	return idx
}

func instantiateShim(ctx context.Context, rt wazero.Runtime, name string, b *wasmgen.ModuleBuilder) (*Shim, error) {
	compiled, err := rt.CompileModule(ctx, b.Build())
	if err != nil {
		return nil, herrors.Wrap(herrors.PhaseLink, herrors.KindInvalidLayout, err, "compiling %q shim", name)
	}
	mod, err := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(name))
	if err != nil {
		return nil, herrors.Wrap(herrors.PhaseLink, herrors.KindInvalidLayout, err, "instantiating %q shim", name)
	}
	return &Shim{ModuleName: name, Instance: mod}, nil
}

// ResolveDynamic builds every shim a dynamic module's instantiation
// needs, grouped by the module name its imports reference. gotTable and
// tableMgr are mutated: GOT.func misses append a fresh table slot and
// may record a missing entry; the caller drains the missing set against
// the new instance once it exists.
func ResolveDynamic(
	ctx context.Context,
	rt wazero.Runtime,
	dyn *wasmir.Module,
	info DynamicModuleInfo,
	gotTable *got.Table,
	tableMgr *table.Manager,
	envNamespace, wasiNamespace Namespace,
	mainInstance api.Module,
	dynInstances []Namespace,
) ([]*Shim, error) {
	byModule := make(map[string][]wasmir.Import)
	for _, imp := range dyn.Imports {
		byModule[imp.Module] = append(byModule[imp.Module], imp)
	}

	names := make([]string, 0, len(byModule))
	for name := range byModule {
		names = append(names, name)
	}
	sort.Strings(names)

	var shims []*Shim
	for _, modName := range names {
		imports := byModule[modName]
		shim, err := buildShimForModule(ctx, rt, modName, imports, dyn, info, gotTable, tableMgr, envNamespace, wasiNamespace, mainInstance, dynInstances)
		if err != nil {
			for _, s := range shims {
				_ = s.Instance.Close(ctx)
			}
			return nil, err
		}
		if shim != nil {
			shims = append(shims, shim)
		}
	}
	return shims, nil
}

func buildShimForModule(
	ctx context.Context,
	rt wazero.Runtime,
	modName string,
	imports []wasmir.Import,
	dyn *wasmir.Module,
	info DynamicModuleInfo,
	gotTable *got.Table,
	tableMgr *table.Manager,
	envNamespace, wasiNamespace Namespace,
	mainInstance api.Module,
	dynInstances []Namespace,
) (*Shim, error) {
	b := wasmgen.NewModuleBuilder("")

	for _, imp := range imports {
		switch {
		case modName == ModGOTMem && imp.Kind == wasmir.KindGlobal:
			entry, ok := gotTable.LookupData(imp.Name)
			if !ok {
				return nil, herrors.New(herrors.PhaseLink, herrors.KindMissingGOTEntry, "GOT.mem requested undefined symbol %q", imp.Name)
			}
			b.AddGlobal(imp.Name, api.ValueTypeI32, true, int64(entry.Offset))

		case modName == ModGOTFunc && imp.Kind == wasmir.KindGlobal:
			idx, err := resolveGOTFunc(ctx, imp.Name, gotTable, tableMgr, envNamespace, wasiNamespace, mainInstance, dynInstances)
			if err != nil {
				return nil, err
			}
			b.AddGlobal(imp.Name, api.ValueTypeI32, imp.GlobalMutable, int64(idx))

		case imp.Kind == wasmir.KindGlobal && imp.Name == SymMemoryBase:
			b.AddGlobal(imp.Name, api.ValueTypeI32, imp.GlobalMutable, int64(info.DataBottom))
		case imp.Kind == wasmir.KindGlobal && imp.Name == SymTableBase:
			b.AddGlobal(imp.Name, api.ValueTypeI32, imp.GlobalMutable, int64(info.TableBottom))
		case imp.Kind == wasmir.KindGlobal && imp.Name == SymStackPointer:
			b.AddGlobal(imp.Name, api.ValueTypeI32, imp.GlobalMutable, int64(info.StackPointer))

		case imp.Kind == wasmir.KindTable && imp.Name == SymIndirectTable:
			b.ReexportTable(tableMgr.OwnerModuleName(), tableMgr.OwnerExportName(), imp.Name)

		case imp.Kind == wasmir.KindMemory:
			// Dynamic modules share the compartment's single linear
			// memory, re-exported from its owner module rather than
			// from the main instance, since a compiled main.wasm is
			// not guaranteed to re-export an imported memory itself.
			b.ReexportMemory(memory.OwnerModuleName, memory.OwnerExportName, imp.Name)

		case imp.Kind == wasmir.KindFunc:
			srcModule, srcExport, err := fallbackResolveFunc(modName, imp.Name, envNamespace, wasiNamespace, mainInstance, dynInstances)
			if err != nil {
				return nil, err
			}
			ft, _ := dyn.Signature(funcIndexOfImport(dyn, imp))
			b.AddFuncFrom(srcModule, srcExport, imp.Name, ft.Params, ft.Results)

		case imp.Kind == wasmir.KindGlobal:
			srcModule, srcExport, err := fallbackResolveGlobal(modName, imp.Name, envNamespace, wasiNamespace, mainInstance, dynInstances)
			if err != nil {
				return nil, err
			}
			log().Debug("resolved global import via fallback chain", zap.String("module", modName), zap.String("name", imp.Name), zap.String("source", srcModule+"."+srcExport))
			b.AddGlobalImport(srcModule, srcExport, imp.Name, imp.GlobalType, imp.GlobalMutable)
		}
	}

	return instantiateShim(ctx, rt, modName, b)
}

// resolveGOTFunc implements §4.4's GOT.func algorithm: already-resolved
// name, else first matching export across main and dynamic instances
// (appended to the table and registered), else a fresh missing slot.
func resolveGOTFunc(
	ctx context.Context,
	name string,
	gotTable *got.Table,
	tableMgr *table.Manager,
	envNamespace, wasiNamespace Namespace,
	mainInstance api.Module,
	dynInstances []Namespace,
) (uint32, error) {
	if idx, ok := gotTable.LookupFunc(name); ok {
		return idx, nil
	}

	candidates := []Namespace{{Name: "main", Instance: mainInstance}}
	candidates = append(candidates, dynInstances...)
	for _, ns := range candidates {
		if ns.Instance == nil {
			continue
		}
		fn := ns.Instance.ExportedFunction(name)
		if fn == nil {
			continue
		}
		idx, err := tableMgr.Append(ctx, ns.Name, name, fn.Definition().ParamTypes(), fn.Definition().ResultTypes())
		if err != nil {
			return 0, err
		}
		if err := gotTable.RegisterTableExport(name, idx); err != nil {
			return 0, err
		}
		return idx, nil
	}

	idx, err := tableMgr.Reserve(ctx, 1)
	if err != nil {
		return 0, err
	}
	gotTable.RecordMissing(name, idx)
	return idx, nil
}

// fallbackResolveFunc implements §4.4's "any other symbol" search order
// for a function import.
func fallbackResolveFunc(modName, name string, envNamespace, wasiNamespace Namespace, mainInstance api.Module, dynInstances []Namespace) (string, string, error) {
	intrinsics := envNamespace
	if modName == "wasi_snapshot_preview1" {
		intrinsics = wasiNamespace
	}
	if intrinsics.Instance != nil && intrinsics.Instance.ExportedFunction(name) != nil {
		return intrinsics.Name, name, nil
	}
	if mainInstance != nil && mainInstance.ExportedFunction(name) != nil {
		return "main", name, nil
	}
	for _, ns := range dynInstances {
		if ns.Instance != nil && ns.Instance.ExportedFunction(name) != nil {
			return ns.Name, name, nil
		}
	}
	return "", "", herrors.New(herrors.PhaseLink, herrors.KindMissingImport, "no export satisfies function import %s.%s", modName, name)
}

// fallbackResolveGlobal mirrors fallbackResolveFunc for global imports.
func fallbackResolveGlobal(modName, name string, envNamespace, wasiNamespace Namespace, mainInstance api.Module, dynInstances []Namespace) (string, string, error) {
	intrinsics := envNamespace
	if modName == "wasi_snapshot_preview1" {
		intrinsics = wasiNamespace
	}
	if intrinsics.Instance != nil && intrinsics.Instance.ExportedGlobal(name) != nil {
		return intrinsics.Name, name, nil
	}
	if mainInstance != nil && mainInstance.ExportedGlobal(name) != nil {
		return "main", name, nil
	}
	for _, ns := range dynInstances {
		if ns.Instance != nil && ns.Instance.ExportedGlobal(name) != nil {
			return ns.Name, name, nil
		}
	}
	return "", "", herrors.New(herrors.PhaseLink, herrors.KindMissingImport, "no export satisfies global import %s.%s", modName, name)
}
