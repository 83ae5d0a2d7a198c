package host

import (
	"context"
	"os"
	"sync"

	"github.com/faasm/wasmhost/herrors"
	"github.com/faasm/wasmhost/modcache"
)

// MainLoader fetches a function's main wasm binary: the
// load_function_wasm(user, func) -> bytes external collaborator the
// design treats as out of scope (S3/file loaders, surface CLI). The
// embedder registers one implementation at process startup.
type MainLoader func(ctx context.Context, user, function string) ([]byte, error)

var (
	mainLoaderMu sync.Mutex
	mainLoader   MainLoader
)

// SetMainLoader installs the embedder's main-module loader.
func SetMainLoader(l MainLoader) {
	mainLoaderMu.Lock()
	defer mainLoaderMu.Unlock()
	mainLoader = l
}

// defaultModLoader backs the process-wide IR cache: an empty path means
// "fetch this bound module's own main binary" via the registered
// MainLoader; any other path is a shared-library path on the local
// filesystem, read directly.
func defaultModLoader(ctx context.Context, key modcache.Key) ([]byte, error) {
	if key.Path != "" {
		return os.ReadFile(key.Path)
	}
	mainLoaderMu.Lock()
	l := mainLoader
	mainLoaderMu.Unlock()
	if l == nil {
		return nil, herrors.New(herrors.PhaseLoad, herrors.KindNotFound, "no main-module loader registered for %s/%s", key.User, key.Function)
	}
	return l(ctx, key.User, key.Function)
}

var (
	modCacheOnce sync.Once
	sharedCache  *modcache.Cache
)

// sharedModCache returns the process-wide IR cache every BoundModule
// shares, built lazily behind sync.Once's own double-checked locking.
func sharedModCache() *modcache.Cache {
	modCacheOnce.Do(func() {
		sharedCache = modcache.New(defaultModLoader)
	})
	return sharedCache
}
