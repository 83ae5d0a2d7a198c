package host

import (
	"context"

	"github.com/faasm/wasmhost/herrors"
	"github.com/faasm/wasmhost/hostconfig"
	"github.com/faasm/wasmhost/registry"
	"github.com/faasm/wasmhost/snapshot"
)

// Clone implements §4.9's structural copy used for zygote-style spawn: a
// fresh BoundModule sharing this one's compiled code (via the process-wide
// modcache both instances draw from) but with independent compartment
// state. wazero's linear memory is a Go-managed byte slice rather than an
// OS file descriptor — there is no host-side hook to remap it, shared and
// fixed-address, into a second runtime's namespace — so the memory_fd
// branch of §4.9 does not apply here; every clone takes the explicit
// byte-copy branch regardless of how the source was mapped. Captured
// stdout/stderr are never copied, matching the spec's "do not copy any
// captured stdout state."
func (b *BoundModule) Clone(ctx context.Context, req BindRequest) (*BoundModule, error) {
	b.mu.Lock()
	if !b.alive {
		b.mu.Unlock()
		return nil, herrors.New(herrors.PhaseBind, herrors.KindUnbound, "cannot clone an unbound module")
	}
	sourceMem := b.compartment.Memory
	loadedPaths := b.registry.LoadedPaths()
	sourceBottoms := make(map[string]uint32, len(loadedPaths))
	for h := uint32(registry.MainModuleHandle + 1); h <= b.registry.LastLoadedHandle(); h++ {
		if mod, ok := b.registry.Get(h); ok {
			sourceBottoms[mod.Path] = mod.MemoryBottom
		}
	}
	b.mu.Unlock()

	req.User, req.Function = b.user, b.function
	req.ExecuteZygote = false // the source already ran its zygote; its warmed memory is copied below instead

	clone := New()
	if err := clone.Bind(ctx, req); err != nil {
		return nil, herrors.Wrap(herrors.PhaseBind, herrors.KindInvalidLayout, err, "binding clone target for %s/%s", b.user, b.function)
	}

	// Re-map each dynamic instance into the cloned compartment by replaying
	// its load, before copying any memory bytes. The clone's memory is
	// first grown to where the source module's partition began (pages the
	// source mapped outside a dynamic load, e.g. argv buffers, are not
	// replayed by a fresh bind), so the dynamic modules' own
	// MapPages/InstallGuard calls carve out the clone's memory at the same
	// addresses they did in the source before the source's bytes are
	// copied over the top — otherwise the restored dynamic-module data
	// would sit at the source's addresses while the clone's GOT and table
	// point at different ones.
	cloneMem := clone.Compartment().Memory
	for _, path := range loadedPaths {
		if want := sourceBottoms[path] / hostconfig.WasmPageSize; cloneMem.Pages() < want {
			if _, err := cloneMem.MapPages(want - cloneMem.Pages()); err != nil {
				clone.TearDown(ctx)
				return nil, herrors.Wrap(herrors.PhaseMemory, herrors.KindOutOfMemory, err, "aligning clone memory for dynamic module %q", path)
			}
		}
		if _, err := clone.DynamicLoad(ctx, path); err != nil {
			clone.TearDown(ctx)
			return nil, herrors.Wrap(herrors.PhaseLoad, herrors.KindInvalidLayout, err, "re-mapping dynamic module %q into clone", path)
		}
	}

	if err := snapshot.Restore(clone.Compartment().Memory, snapshot.Snapshot(sourceMem)); err != nil {
		clone.TearDown(ctx)
		return nil, herrors.Wrap(herrors.PhaseSnapshot, herrors.KindOutOfMemory, err, "copying memory into clone of %s/%s", b.user, b.function)
	}

	return clone, nil
}
