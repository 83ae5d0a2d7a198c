package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/faasm/wasmhost/hostconfig"
	"github.com/faasm/wasmhost/wasmgen"
)

func newTestMemory(t *testing.T, minPages, maxPages uint32) (wazero.Runtime, api.Memory) {
	t.Helper()
	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	t.Cleanup(func() { _ = rt.Close(ctx) })

	b := wasmgen.NewModuleBuilder("")
	b.DeclareMemory(minPages, maxPages, "mem")
	compiled, err := rt.CompileModule(ctx, b.Build())
	require.NoError(t, err)
	mod, err := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName("owner"))
	require.NoError(t, err)
	return rt, mod.ExportedMemory("mem")
}

func TestMapPagesIsMonotonicAndRejectsZero(t *testing.T) {
	_, mem := newTestMemory(t, 1, 64)
	m := New(mem, 64)

	_, err := m.MapPages(0)
	require.Error(t, err)

	base1, err := m.MapPages(2)
	require.NoError(t, err)
	base2, err := m.MapPages(3)
	require.NoError(t, err)
	require.Less(t, base1, base2)
	require.GreaterOrEqual(t, base2-base1, uint32(2*hostconfig.WasmPageSize))
}

func TestMapPagesFailsPastMax(t *testing.T) {
	_, mem := newTestMemory(t, 1, 4)
	m := New(mem, 4)

	_, err := m.MapPages(10)
	require.Error(t, err)
}

func TestGuardRegionBlocksAccess(t *testing.T) {
	_, mem := newTestMemory(t, 1, 16)
	m := New(mem, 16)

	dataBase, err := m.MapPages(1)
	require.NoError(t, err)
	guardBase, err := m.InstallGuard(1)
	require.NoError(t, err)
	require.Greater(t, guardBase, dataBase)

	_, err = m.NativePtr(dataBase, 8)
	require.NoError(t, err)

	_, err = m.NativePtr(guardBase, 8)
	require.Error(t, err)
}

func TestMapFileCopiesBytesAtStableBase(t *testing.T) {
	_, mem := newTestMemory(t, 1, 16)
	m := New(mem, 16)

	data := []byte("hello world, this is file-backed content")
	base, err := m.MapFile(data)
	require.NoError(t, err)

	got, err := m.NativePtr(base, uint32(len(data)))
	require.NoError(t, err)
	require.Equal(t, data, got)
}
