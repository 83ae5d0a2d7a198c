package wasmgen

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero/api"

	"github.com/faasm/wasmhost/wasmir"
)

func TestGlobalShimRoundTrips(t *testing.T) {
	b := NewModuleBuilder("")
	b.AddGlobal("__memory_base", api.ValueTypeI32, true, 4096)
	b.AddGlobal("__stack_pointer", api.ValueTypeI32, true, 65536)
	bin := b.Build()

	mod, err := wasmir.Parse(bin)
	require.NoError(t, err)
	require.Len(t, mod.Globals, 2)
	require.Len(t, mod.Exports, 2)

	globals := mod.ExportedI32Globals()
	require.Len(t, globals, 2)
	require.Equal(t, "__memory_base", globals[0].Name)
	require.EqualValues(t, 4096, globals[0].Value)
	require.Equal(t, "__stack_pointer", globals[1].Name)
	require.EqualValues(t, 65536, globals[1].Value)
}

func TestFuncReexportHasNoTableOrElem(t *testing.T) {
	b := NewModuleBuilder("env_intrinsics")
	b.AddFunc("fd_write", []api.ValueType{api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32})
	bin := b.Build()

	mod, err := wasmir.Parse(bin)
	require.NoError(t, err)
	require.Len(t, mod.Imports, 1)
	require.Equal(t, "env_intrinsics", mod.Imports[0].Module)
	require.Len(t, mod.Exports, 1)
	require.Equal(t, wasmir.KindFunc, int(mod.Exports[0].Kind))
	require.Empty(t, mod.Elements)
}

func TestTableInstallProducesElementSegment(t *testing.T) {
	b := NewModuleBuilder("env_intrinsics")
	idx := b.AddFunc("add_one", []api.ValueType{api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32})
	b.ReexportTable("env", "__indirect_function_table", "")
	b.InstallTableEntry(7, idx)
	bin := b.Build()

	mod, err := wasmir.Parse(bin)
	require.NoError(t, err)
	require.Len(t, mod.Elements, 1)
	require.EqualValues(t, 7, mod.Elements[0].Offset)
	require.Equal(t, []uint32{0}, mod.Elements[0].FuncIndices)
}

func TestTableOwnerDeclaresLocalTable(t *testing.T) {
	b := NewModuleBuilder("")
	b.DeclareTable(1, 1<<20, "__indirect_function_table")
	bin := b.Build()

	mod, err := wasmir.Parse(bin)
	require.NoError(t, err)
	require.True(t, mod.HasTable)
	require.EqualValues(t, 1, mod.TableMin)
	require.EqualValues(t, 1<<20, mod.TableMax)
	require.Len(t, mod.Exports, 1)
	require.Equal(t, "__indirect_function_table", mod.Exports[0].Name)
}
