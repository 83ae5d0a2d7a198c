// Package modcache implements the IR module cache (C1): it interns a
// module's parsed static structure and compiled-module handle, keyed by
// (user, function, shared-path), so repeated binds and dynamic loads of
// the same module skip re-parsing and re-compiling. The cache is
// process-wide; hits take a shared read lock, and a miss holds the
// cache-wide write lock while it loads and parses, so misses are
// serialised across all keys.
package modcache

import (
	"context"
	"sync"

	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"

	"github.com/faasm/wasmhost/herrors"
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

// SetLogger overrides the package-wide logger; call before first use.
func SetLogger(l *zap.Logger) { logger = l }

// Key identifies a cached module: for a function, Path is empty and
// User/Function identify it; for a shared module, Path is its identity
// and User/Function identify the bound module that loaded it (shared
// modules are not deduplicated across different (user,function) bundles,
// matching the per-bound-module scoping of a dynamic load).
type Key struct {
	User, Function, Path string
}

// Entry is one cache hit: the parsed IR plus the compiled handle ready
// for instantiation in any wazero.Runtime belonging to the same process
// (CompiledModule handles are runtime-scoped in wazero, so each
// Compartment's runtime compiles its own copy on first touch — this
// struct therefore caches the byte loader's output and the parsed IR,
// which are cheap to share, plus a per-runtime compiled-module cache).
type Entry struct {
	Bytes []byte
	IR    *wasmir.Module

	mu       sync.Mutex
	compiled map[wazero.Runtime]wazero.CompiledModule
}

// Loader fetches the raw bytes for a module's (user, function) or a
// shared module's path on a cache miss; it is the boundary to whatever
// external store holds compiled artifacts (local disk, S3, ...).
type Loader func(ctx context.Context, key Key) ([]byte, error)

// Cache interns Entry values by Key.
type Cache struct {
	mu      sync.RWMutex
	entries map[Key]*Entry
	loader  Loader
}

// New creates an empty cache backed by loader.
func New(loader Loader) *Cache {
	return &Cache{entries: make(map[Key]*Entry), loader: loader}
}

// Get returns the cached entry for key, loading and parsing it on first
// use. Concurrent Get calls for the same key block behind the single
// loader invocation. The cache-wide lock is held for the whole load and
// parse, so a miss for one key also blocks Get calls for every other key
// until it completes.
func (c *Cache) Get(ctx context.Context, key Key) (*Entry, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		return e, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		return e, nil
	}

	log().Debug("module cache miss", zap.String("user", key.User), zap.String("function", key.Function), zap.String("path", key.Path))
	raw, err := c.loader(ctx, key)
	if err != nil {
		return nil, herrors.Wrap(herrors.PhaseLoad, herrors.KindNotFound, err, "loading module bytes for %+v", key)
	}
	ir, err := wasmir.Parse(raw)
	if err != nil {
		return nil, herrors.Wrap(herrors.PhaseLoad, herrors.KindInvalidLayout, err, "parsing module IR for %+v", key)
	}
	e = &Entry{Bytes: raw, IR: ir, compiled: make(map[wazero.Runtime]wazero.CompiledModule)}
	c.entries[key] = e
	return e, nil
}

// Compiled returns a wazero.CompiledModule for this entry under rt,
// compiling and caching it on first use for that runtime.
func (e *Entry) Compiled(ctx context.Context, rt wazero.Runtime) (wazero.CompiledModule, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cm, ok := e.compiled[rt]; ok {
		return cm, nil
	}
	cm, err := rt.CompileModule(ctx, e.Bytes)
	if err != nil {
		return nil, herrors.Wrap(herrors.PhaseLoad, herrors.KindInvalidLayout, err, "compiling module")
	}
	e.compiled[rt] = cm
	return cm, nil
}

// ReleaseRuntime closes and drops this entry's compiled-module handle for
// rt, if any. A bound module's compartment owns exactly one wazero.Runtime
// for its whole lifetime, and every entry it ever compiled against that
// runtime (its main module, every dynamic module it loaded) should stop
// holding that runtime's handle once the compartment tears down — entries
// are process-wide and outlive any one bind(), so nothing else does this
// for them.
func (e *Entry) ReleaseRuntime(ctx context.Context, rt wazero.Runtime) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cm, ok := e.compiled[rt]
	if !ok {
		return
	}
	_ = cm.Close(ctx)
	delete(e.compiled, rt)
}

// Clear drops every cached entry and closes every compiled-module handle
// each entry held, across every runtime it was compiled under. Intended
// for test teardown and for an embedder reclaiming memory between
// unrelated workloads; it is not part of normal bind/dynamic_load flow.
func (c *Cache) Clear(ctx context.Context) {
	c.mu.Lock()
	entries := c.entries
	c.entries = make(map[Key]*Entry)
	c.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		for rt, cm := range e.compiled {
			_ = cm.Close(ctx)
			delete(e.compiled, rt)
		}
		e.mu.Unlock()
	}
}

// Has reports whether key is already cached, without triggering a load.
func (c *Cache) Has(key Key) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[key]
	return ok
}
