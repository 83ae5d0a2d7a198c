package resolver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/faasm/wasmhost/got"
	"github.com/faasm/wasmhost/table"
	"github.com/faasm/wasmhost/wasmir"
)

func TestResolveMainBuildsEnvShimFromHostModule(t *testing.T) {
	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	defer rt.Close(ctx)

	_, err := rt.NewHostModuleBuilder("env_intrinsics").
		NewFunctionBuilder().
		WithGoFunction(api.GoFunc(func(ctx context.Context, stack []uint64) {
			stack[0] = stack[0] * 2
		}), []api.ValueType{api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32}).
		Export("double").
		Instantiate(ctx)
	require.NoError(t, err)

	mainIR := &wasmir.Module{
		Imports: []wasmir.Import{
			{Module: "env", Name: "double", Kind: wasmir.KindFunc},
		},
		Types:             []wasmir.FuncType{{Params: []api.ValueType{api.ValueTypeI32}, Results: []api.ValueType{api.ValueTypeI32}}},
		ImportFuncTypeIdx: []uint32{0},
		NumImportedFuncs:  1,
	}

	tableMgr, err := table.New(ctx, rt, 1024)
	require.NoError(t, err)

	shim, err := ResolveMain(ctx, rt, mainIR, "env_intrinsics", tableMgr)
	require.NoError(t, err)
	defer shim.Instance.Close(ctx)

	fn := shim.Instance.ExportedFunction("double")
	require.NotNil(t, fn)
	res, err := fn.Call(ctx, 21)
	require.NoError(t, err)
	require.EqualValues(t, 42, res[0])
}

func TestResolveDynamicBuildsEnvSpecialsShim(t *testing.T) {
	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	defer rt.Close(ctx)

	tableMgr, err := table.New(ctx, rt, 1024)
	require.NoError(t, err)
	gotTable := got.New()

	dynIR := &wasmir.Module{
		Imports: []wasmir.Import{
			{Module: "env", Name: SymMemoryBase, Kind: wasmir.KindGlobal},
			{Module: "env", Name: SymTableBase, Kind: wasmir.KindGlobal},
			{Module: "env", Name: SymStackPointer, Kind: wasmir.KindGlobal},
		},
	}

	info := DynamicModuleInfo{DataBottom: 4096, TableBottom: 200, StackPointer: 65536}
	shims, err := ResolveDynamic(ctx, rt, dynIR, info, gotTable, tableMgr, Namespace{}, Namespace{}, nil, nil)
	require.NoError(t, err)
	require.Len(t, shims, 1)
	defer shims[0].Instance.Close(ctx)

	require.Equal(t, "env", shims[0].ModuleName)
	memBase := shims[0].Instance.ExportedGlobal(SymMemoryBase)
	require.NotNil(t, memBase)
	require.EqualValues(t, 4096, int32(memBase.Get()))

	tblBase := shims[0].Instance.ExportedGlobal(SymTableBase)
	require.NotNil(t, tblBase)
	require.EqualValues(t, 200, int32(tblBase.Get()))

	sp := shims[0].Instance.ExportedGlobal(SymStackPointer)
	require.NotNil(t, sp)
	require.EqualValues(t, 65536, int32(sp.Get()))
}

func TestResolveDynamicGOTMemUsesRegisteredOffset(t *testing.T) {
	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	defer rt.Close(ctx)

	tableMgr, err := table.New(ctx, rt, 1024)
	require.NoError(t, err)
	gotTable := got.New()
	require.NoError(t, gotTable.RegisterDataExport("g_counter", 8192, true))

	dynIR := &wasmir.Module{
		Imports: []wasmir.Import{
			{Module: ModGOTMem, Name: "g_counter", Kind: wasmir.KindGlobal},
		},
	}

	shims, err := ResolveDynamic(ctx, rt, dynIR, DynamicModuleInfo{}, gotTable, tableMgr, Namespace{}, Namespace{}, nil, nil)
	require.NoError(t, err)
	require.Len(t, shims, 1)
	defer shims[0].Instance.Close(ctx)

	g := shims[0].Instance.ExportedGlobal("g_counter")
	require.NotNil(t, g)
	require.EqualValues(t, 8192, int32(g.Get()))
}

func TestResolveDynamicGOTFuncReservesMissingSlotWhenUnresolved(t *testing.T) {
	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	defer rt.Close(ctx)

	tableMgr, err := table.New(ctx, rt, 1024)
	require.NoError(t, err)
	gotTable := got.New()

	dynIR := &wasmir.Module{
		Imports: []wasmir.Import{
			{Module: ModGOTFunc, Name: "late_callback", Kind: wasmir.KindGlobal},
		},
	}

	shims, err := ResolveDynamic(ctx, rt, dynIR, DynamicModuleInfo{}, gotTable, tableMgr, Namespace{}, Namespace{}, nil, nil)
	require.NoError(t, err)
	require.Len(t, shims, 1)
	defer shims[0].Instance.Close(ctx)

	require.Contains(t, gotTable.MissingNames(), "late_callback")
}
