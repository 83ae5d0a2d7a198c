package host

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/faasm/wasmhost/herrors"
	"github.com/faasm/wasmhost/hostconfig"
	"github.com/faasm/wasmhost/modcache"
	"github.com/faasm/wasmhost/registry"
	"github.com/faasm/wasmhost/resolver"
)

// BindRequest carries bind()'s inputs: the (user, function) to load, the
// zygote flag, and the pieces of the emulated filesystem the embedder
// wants main instantiated with.
type BindRequest struct {
	User, Function string
	ExecuteZygote  bool
	Env            map[string]string
	FS             fs.FS
	Stdin          io.Reader
	Config         *hostconfig.Config
}

// BoundModule is the top-level per-(user,function) record: one compartment,
// the main and intrinsic instances, the dynamic-module registry, the
// emulated filesystem, and the environment map. At most one bind()
// succeeds per BoundModule's lifetime; tear_down() makes it permanently
// inert rather than reusable.
type BoundModule struct {
	mu        sync.Mutex
	everBound bool
	alive     bool

	user, function string
	cfg            hostconfig.Config

	compartment *Compartment

	envInstance  Instance
	wasiInstance Instance
	mainInstance Instance

	registry *registry.Registry
	fs       *FileSystem
	env      map[string]string

	mainEntry         *modcache.Entry
	declaredStackSize int32
}

// New creates an unbound record; call Bind to bring it up.
func New() *BoundModule {
	return &BoundModule{}
}

// Bind implements §4.6's 7-step bind(msg) sequence.
func (b *BoundModule) Bind(ctx context.Context, req BindRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.everBound {
		return herrors.New(herrors.PhaseBind, herrors.KindAlreadyBound, "bound module already bound to %s/%s", b.user, b.function)
	}

	cfg := hostconfig.Default()
	if req.Config != nil {
		cfg = *req.Config
	}

	b.user, b.function, b.cfg = req.User, req.Function, cfg
	b.env = req.Env
	if b.env == nil {
		b.env = map[string]string{}
	}

	compartment, err := newCompartment(ctx, cfg)
	if err != nil {
		return err
	}
	b.compartment = compartment

	if err := b.createMainInstance(ctx, req); err != nil {
		_ = compartment.Close(ctx)
		return err
	}

	if err := b.runCtors(ctx); err != nil {
		_ = compartment.Close(ctx)
		return err
	}

	if req.ExecuteZygote {
		if err := b.runZygote(ctx); err != nil {
			_ = compartment.Close(ctx)
			return err
		}
	}

	if err := b.checkHeapDataEndSanity(); err != nil {
		_ = compartment.Close(ctx)
		return err
	}

	b.everBound, b.alive = true, true
	log().Info("bound module", zap.String("user", b.user), zap.String("function", b.function))
	return nil
}

func (b *BoundModule) createMainInstance(ctx context.Context, req BindRequest) error {
	envMod, err := setupEnvIntrinsics(ctx, b.compartment.Runtime)
	if err != nil {
		return err
	}
	b.envInstance = Instance{Kind: KindEnv, Name: EnvHostModuleName, Module: envMod}

	wasiMod, err := setupWasiIntrinsics(ctx, b.compartment.Runtime)
	if err != nil {
		return err
	}
	b.wasiInstance = Instance{Kind: KindWasi, Name: WasiHostModuleName, Module: wasiMod}

	cache := sharedModCache()
	entry, err := cache.Get(ctx, modcache.Key{User: req.User, Function: req.Function, Path: ""})
	if err != nil {
		return herrors.Wrap(herrors.PhaseLoad, herrors.KindNotFound, err, "loading main module for %s/%s", req.User, req.Function)
	}
	ir := entry.IR
	b.mainEntry = entry

	stackTop, mutable, ok := ir.GlobalStackTop()
	if !ok || !mutable {
		return herrors.New(herrors.PhaseBind, herrors.KindInvalidLayout, "main module's first global (stack top) is not a mutable i32")
	}
	b.declaredStackSize = stackTop

	if ir.HasTable {
		if _, err := b.compartment.Table.Reserve(ctx, ir.TableMax); err != nil {
			return herrors.Wrap(herrors.PhaseTable, herrors.KindOutOfMaxSize, err, "reserving table space for main module")
		}
	}

	installs := b.compartment.GOT.BuildFromIR(ir, 0, false, 0)

	envShim, err := resolver.ResolveMain(ctx, b.compartment.Runtime, ir, EnvHostModuleName, b.compartment.Table)
	if err != nil {
		return herrors.Wrap(herrors.PhaseLink, herrors.KindMissingImport, err, "resolving main module imports")
	}
	defer func() { _ = envShim.Instance.Close(ctx) }()

	compiled, err := entry.Compiled(ctx, b.compartment.Runtime)
	if err != nil {
		return err
	}

	b.fs = newFileSystem(req.FS, req.Stdin)
	modCfg := wazero.NewModuleConfig().WithName(MainInstanceName).
		WithStdout(&b.fs.stdout).WithStderr(&b.fs.stderr)
	if req.Stdin != nil {
		modCfg = modCfg.WithStdin(req.Stdin)
	}
	if req.FS != nil {
		modCfg = modCfg.WithFS(req.FS)
	}
	for k, v := range b.env {
		modCfg = modCfg.WithEnv(k, v)
	}

	mainMod, err := b.compartment.Runtime.InstantiateModule(ctx, compiled, modCfg)
	if err != nil {
		return herrors.Wrap(herrors.PhaseLink, herrors.KindInvalidLayout, err, "instantiating main module for %s/%s", req.User, req.Function)
	}
	b.mainInstance = Instance{Kind: KindMain, Name: MainInstanceName, Module: mainMod}

	// Main's own active element segments already wrote these entries into
	// the real shared table as a side effect of the instantiation above;
	// the table manager only needs to learn about them so that Get can
	// resolve a func_ptr against them later.
	for _, ins := range installs {
		fn := mainMod.ExportedFunction(ins.Name)
		if fn == nil {
			continue
		}
		b.compartment.Table.RecordInstalled(ins.Index, MainInstanceName, ins.Name, fn.Definition().ParamTypes(), fn.Definition().ResultTypes())
	}

	b.registry = registry.New(
		b.compartment.Runtime, cache, b.compartment.Memory, b.compartment.Table, b.compartment.GOT,
		resolver.Namespace{Name: EnvHostModuleName, Instance: envMod},
		resolver.Namespace{Name: WasiHostModuleName, Instance: wasiMod},
		mainMod, req.User, req.Function, b.cfg,
	)
	return nil
}

func (b *BoundModule) runCtors(ctx context.Context) error {
	ctor := b.mainInstance.Module.ExportedFunction("__wasm_call_ctors")
	if ctor == nil {
		return nil
	}
	if _, err := ctor.Call(ctx); err != nil {
		return herrors.Wrap(herrors.PhaseBind, herrors.KindCtorFailed, err, "running __wasm_call_ctors for %s/%s", b.user, b.function)
	}
	return nil
}

func (b *BoundModule) runZygote(ctx context.Context) error {
	zygote := b.mainInstance.Module.ExportedFunction("_faasm_zygote")
	if zygote == nil {
		return nil
	}
	if _, err := zygote.Call(ctx); err != nil {
		return herrors.Wrap(herrors.PhaseBind, herrors.KindZygoteFailed, err, "running _faasm_zygote for %s/%s", b.user, b.function)
	}
	return nil
}

func (b *BoundModule) checkHeapDataEndSanity() error {
	heapBase := b.mainInstance.Module.ExportedGlobal("__heap_base")
	dataEnd := b.mainInstance.Module.ExportedGlobal("__data_end")
	if heapBase == nil || dataEnd == nil {
		return nil
	}
	if heapBase.Get() != dataEnd.Get() {
		return herrors.New(herrors.PhaseBind, herrors.KindInvalidLayout, "__heap_base (%d) != __data_end (%d): stack not placed at the bottom", heapBase.Get(), dataEnd.Get())
	}
	return nil
}

// TearDown implements tear_down(): idempotent, clears every registry,
// detaches the intrinsic instance references, nulls the dynamic-module
// instance pointers, and releases the compartment. The returned bool
// reports whether compartment collection succeeded; it is informational,
// never fatal.
func (b *BoundModule) TearDown(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.alive {
		return true
	}

	if b.registry != nil {
		b.registry.Clear(ctx)
	}
	if b.mainEntry != nil && b.compartment != nil {
		b.mainEntry.ReleaseRuntime(ctx, b.compartment.Runtime)
	}
	b.envInstance = Instance{}
	b.wasiInstance = Instance{}
	b.mainInstance = Instance{}

	collected := true
	if b.compartment != nil {
		if err := b.compartment.Close(ctx); err != nil {
			log().Warn("compartment close failed during tear_down", zap.Error(err))
			collected = false
		}
	}
	b.compartment = nil
	b.alive = false
	return collected
}

// User and Function return the bound (user, function) pair.
func (b *BoundModule) User() string     { return b.user }
func (b *BoundModule) Function() string { return b.function }

// MainInstance, EnvInstance, WasiInstance return the three fixed
// instances of a bound module.
func (b *BoundModule) MainInstance() Instance { return b.mainInstance }
func (b *BoundModule) EnvInstance() Instance  { return b.envInstance }
func (b *BoundModule) WasiInstance() Instance { return b.wasiInstance }

// Compartment exposes the shared memory/table/GOT, for the execution
// driver and snapshot/clone.
func (b *BoundModule) Compartment() *Compartment { return b.compartment }

// FS returns the emulated filesystem handle.
func (b *BoundModule) FS() *FileSystem { return b.fs }

// Config returns the tunables this bind() used.
func (b *BoundModule) Config() hostconfig.Config { return b.cfg }

// IsBound reports whether the module is currently bound and alive.
func (b *BoundModule) IsBound() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.alive
}

// DynamicLoad delegates to the dynamic module registry (C6).
func (b *BoundModule) DynamicLoad(ctx context.Context, path string) (uint32, error) {
	b.mu.Lock()
	reg := b.registry
	b.mu.Unlock()
	if reg == nil {
		return 0, herrors.New(herrors.PhaseLoad, herrors.KindUnbound, "dynamic_load called on an unbound module")
	}
	return reg.DynamicLoad(ctx, path)
}

// DynamicInstance returns the Instance for a previously loaded dynamic
// module handle.
func (b *BoundModule) DynamicInstance(handle uint32) (Instance, bool) {
	b.mu.Lock()
	reg := b.registry
	b.mu.Unlock()
	if reg == nil {
		return Instance{}, false
	}
	mod, ok := reg.Get(handle)
	if !ok || mod.Instance == nil {
		return Instance{}, false
	}
	return Instance{Kind: KindDynamic, Handle: handle, Name: mod.Path, Module: mod.Instance}, true
}

// Registry exposes the dynamic-module registry for execution-driver
// lookups (func_ptr resolution, OMP dispatch) that need more than the
// Instance capability.
func (b *BoundModule) Registry() *registry.Registry { return b.registry }

// DeclaredStackSize returns the main module's global-0 initialiser value
// as recorded at bind time — the "module's declared STACK_SIZE constant"
// §4.8 checks a thread context's stack-pointer global against before
// overwriting it.
func (b *BoundModule) DeclaredStackSize() int32 { return b.declaredStackSize }

var threadInstanceSeq atomic.Uint64

func threadInstanceName() string {
	const hex = "0123456789abcdef"
	buf := []byte("__wasmhost_thread_00000000000000000000")
	seq := threadInstanceSeq.Add(1)
	for i := len(buf) - 1; seq > 0 && i >= 0; i-- {
		buf[i] = hex[seq&0xf]
		seq >>= 4
	}
	return string(buf)
}

// SpawnThreadInstance creates an independent instantiation of the main
// module, sharing the compartment's runtime, table and memory owners
// (every instance resolves those by re-export, never by referencing
// "main" directly) but with its own local global state — in particular
// its own copy of global 0, the stack pointer. This is the "new
// execution context cloned from the compartment" step 1 of §4.8 asks
// for: wazero has no host-side way to give two callers independent
// globals against one instance, so a second, cheap instantiation of the
// already-compiled module stands in for a per-thread context. The
// caller is responsible for closing the returned module once the thread
// invocation completes.
func (b *BoundModule) SpawnThreadInstance(ctx context.Context) (api.Module, error) {
	b.mu.Lock()
	if !b.alive {
		b.mu.Unlock()
		return nil, herrors.New(herrors.PhaseExecute, herrors.KindUnbound, "cannot spawn a thread context on an unbound module")
	}
	compartment, entry, fsys := b.compartment, b.mainEntry, b.fs
	b.mu.Unlock()

	envShim, err := resolver.ResolveMain(ctx, compartment.Runtime, entry.IR, EnvHostModuleName, compartment.Table)
	if err != nil {
		return nil, herrors.Wrap(herrors.PhaseLink, herrors.KindMissingImport, err, "resolving env imports for thread context")
	}
	defer func() { _ = envShim.Instance.Close(ctx) }()

	compiled, err := entry.Compiled(ctx, compartment.Runtime)
	if err != nil {
		return nil, err
	}

	modCfg := wazero.NewModuleConfig().WithName(threadInstanceName()).
		WithStdout(&fsys.stdout).WithStderr(&fsys.stderr)
	inst, err := compartment.Runtime.InstantiateModule(ctx, compiled, modCfg)
	if err != nil {
		return nil, herrors.Wrap(herrors.PhaseLink, herrors.KindInvalidLayout, err, "instantiating thread context")
	}
	return inst, nil
}

// DebugString renders a human-readable dump of this bound module's memory
// and table layout: current page/table high-water marks, and each loaded
// dynamic module's partitioning. Grounded on the original's
// printDebugInfo; useful for the §8 boundary-behaviour and partitioning
// tests without needing a debugger attached.
func (b *BoundModule) DebugString() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.alive {
		return fmt.Sprintf("BoundModule(%s/%s): not bound", b.user, b.function)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "BoundModule(%s/%s):\n", b.user, b.function)
	fmt.Fprintf(&sb, "  memory: %d pages (max %d)\n", b.compartment.Memory.Pages(), b.compartment.Memory.MaxPages())
	fmt.Fprintf(&sb, "  table:  %d entries\n", b.compartment.Table.Size())
	if b.registry != nil {
		fmt.Fprintf(&sb, "  last dynamic handle: %d\n", b.registry.LastLoadedHandle())
		for h := uint32(registry.MainModuleHandle + 1); h <= b.registry.LastLoadedHandle(); h++ {
			if m, ok := b.registry.Get(h); ok {
				fmt.Fprintf(&sb, "  dynamic %d (%s): memory [%d,%d) stack top %d data [%d,%d) heap %d table [%d,%d)\n",
					h, m.Path, m.MemoryBottom, m.MemoryTop, m.StackTop, m.DataBottom, m.DataTop, m.HeapBottom, m.TableBottom, m.TableTop)
			}
		}
	}
	return sb.String()
}

// Flush clears the process-wide IR module cache every BoundModule shares,
// forcing the next bind or dynamic_load to re-fetch and re-parse. This is
// the host.flush() operation the original exposes for a platform's
// hot-reload path; it does not affect any already-bound module.
func Flush(ctx context.Context) {
	sharedModCache().Clear(ctx)
}
