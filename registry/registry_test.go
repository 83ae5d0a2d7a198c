package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero"

	"github.com/faasm/wasmhost/got"
	"github.com/faasm/wasmhost/hostconfig"
	"github.com/faasm/wasmhost/memory"
	"github.com/faasm/wasmhost/modcache"
	"github.com/faasm/wasmhost/resolver"
	"github.com/faasm/wasmhost/table"
	"github.com/faasm/wasmhost/wasmgen"
)

func newTestRegistry(t *testing.T) (*Registry, context.Context) {
	t.Helper()
	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	t.Cleanup(func() { _ = rt.Close(ctx) })

	const totalPages = (hostconfig.DefaultDynamicModuleMemoryPages + 2*hostconfig.DefaultGuardRegionPages) * 4

	memBuilder := wasmgen.NewModuleBuilder("")
	memBuilder.DeclareMemory(1, totalPages, "mem")
	compiled, err := rt.CompileModule(ctx, memBuilder.Build())
	require.NoError(t, err)
	memOwner, err := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName("mem_owner"))
	require.NoError(t, err)
	mem := memory.New(memOwner.ExportedMemory("mem"), totalPages)

	tableMgr, err := table.New(ctx, rt, 4096)
	require.NoError(t, err)

	cache := modcache.New(func(ctx context.Context, key modcache.Key) ([]byte, error) {
		return os.ReadFile(key.Path)
	})

	gotTable := got.New()

	reg := New(rt, cache, mem, tableMgr, gotTable, resolver.Namespace{}, resolver.Namespace{}, nil, "alice", "hello", hostconfig.Default())
	return reg, ctx
}

func writeEmptyModule(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, wasmgen.NewModuleBuilder("").Build(), 0o644))
	return path
}

func TestDynamicLoadEmptyPathReturnsMainHandle(t *testing.T) {
	reg, ctx := newTestRegistry(t)
	h, err := reg.DynamicLoad(ctx, "")
	require.NoError(t, err)
	require.EqualValues(t, MainModuleHandle, h)
}

func TestDynamicLoadMissingPathReturnsErrorHandle(t *testing.T) {
	reg, ctx := newTestRegistry(t)
	h, err := reg.DynamicLoad(ctx, "/no/such/path.wasm")
	require.NoError(t, err)
	require.EqualValues(t, ErrorHandle, h)
}

func TestDynamicLoadAssignsHandlesStartingAtTwoAndCaches(t *testing.T) {
	reg, ctx := newTestRegistry(t)
	dir := t.TempDir()
	path := writeEmptyModule(t, dir, "shared.wasm")

	h1, err := reg.DynamicLoad(ctx, path)
	require.NoError(t, err)
	require.EqualValues(t, firstDynamicHandle, h1)

	h2, err := reg.DynamicLoad(ctx, path)
	require.NoError(t, err)
	require.Equal(t, h1, h2)

	mod, ok := reg.Get(h1)
	require.True(t, ok)
	require.NotNil(t, mod.Instance)
	require.Less(t, mod.MemoryBottom, mod.StackTop)
	require.LessOrEqual(t, mod.StackTop, mod.DataBottom)
}

func TestDynamicLoadSecondModuleGetsNextHandle(t *testing.T) {
	reg, ctx := newTestRegistry(t)
	dir := t.TempDir()
	pathA := writeEmptyModule(t, dir, "a.wasm")
	pathB := writeEmptyModule(t, dir, "b.wasm")

	hA, err := reg.DynamicLoad(ctx, pathA)
	require.NoError(t, err)
	hB, err := reg.DynamicLoad(ctx, pathB)
	require.NoError(t, err)
	require.NotEqual(t, hA, hB)
	require.Equal(t, hB, reg.LastLoadedHandle())
}

func TestDynamicLoadRejectsDirectory(t *testing.T) {
	reg, ctx := newTestRegistry(t)
	dir := t.TempDir()
	h, err := reg.DynamicLoad(ctx, dir)
	require.NoError(t, err)
	require.EqualValues(t, ErrorHandle, h)
}
