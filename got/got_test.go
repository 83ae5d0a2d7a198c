package got

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero/api"

	"github.com/faasm/wasmhost/herrors"
	"github.com/faasm/wasmhost/wasmir"
)

func TestRegisterTableExportIsIdempotentButRejectsConflicts(t *testing.T) {
	tbl := New()
	require.NoError(t, tbl.RegisterTableExport("foo", 5))
	require.NoError(t, tbl.RegisterTableExport("foo", 5))

	err := tbl.RegisterTableExport("foo", 6)
	require.Error(t, err)
	require.True(t, herrors.Is(err, herrors.PhaseLink, herrors.KindDuplicateExport))

	idx, ok := tbl.LookupFunc("foo")
	require.True(t, ok)
	require.EqualValues(t, 5, idx)
}

func TestRegisterDataExportIsIdempotentButRejectsConflicts(t *testing.T) {
	tbl := New()
	require.NoError(t, tbl.RegisterDataExport("g_bar", 128, true))
	require.NoError(t, tbl.RegisterDataExport("g_bar", 128, true))

	err := tbl.RegisterDataExport("g_bar", 256, true)
	require.Error(t, err)

	e, ok := tbl.LookupData("g_bar")
	require.True(t, ok)
	require.EqualValues(t, 128, e.Offset)
	require.True(t, e.Mutable)
}

func TestMissingEntriesResolveOnceExportsAppear(t *testing.T) {
	tbl := New()
	tbl.RecordMissing("callback", 7)
	require.Len(t, tbl.MissingNames(), 1)

	var installed []uint32
	err := tbl.DrainMissingAgainst(context.Background(), map[string][2]string{
		"callback": {"dyn_mod", "callback"},
	}, func(ctx context.Context, index uint32, module, export string) error {
		installed = append(installed, index)
		require.Equal(t, "dyn_mod", module)
		require.Equal(t, "callback", export)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []uint32{7}, installed)
	require.Empty(t, tbl.MissingNames())

	idx, ok := tbl.LookupFunc("callback")
	require.True(t, ok)
	require.EqualValues(t, 7, idx)
}

func TestDrainMissingAgainstFailsWhenEntriesStillUnresolved(t *testing.T) {
	tbl := New()
	tbl.RecordMissing("never_exported", 3)

	err := tbl.DrainMissingAgainst(context.Background(), map[string][2]string{}, func(ctx context.Context, index uint32, module, export string) error {
		t.Fatal("installer should not be called")
		return nil
	})
	require.Error(t, err)
	require.True(t, herrors.Is(err, herrors.PhaseLink, herrors.KindMissingGOTEntry))
}

func TestBuildFromIRForMainModuleUsesAbsoluteOffsets(t *testing.T) {
	mod := &wasmir.Module{
		Exports: []wasmir.Export{
			{Name: "on_tick", Kind: wasmir.KindFunc, Index: 3},
			{Name: "g_counter", Kind: wasmir.KindGlobal, Index: 0},
		},
		Globals: []wasmir.GlobalDef{
			{Type: api.ValueTypeI32, Mutable: true, Value: 1024, HasValue: true},
		},
		Elements: []wasmir.ElementSegment{
			{Offset: 10, FuncIndices: []uint32{3}},
		},
	}

	tbl := New()
	installs := tbl.BuildFromIR(mod, 0, false, 0)
	require.Len(t, installs, 1)
	require.Equal(t, "on_tick", installs[0].Name)
	require.EqualValues(t, 10, installs[0].Index)

	idx, ok := tbl.LookupFunc("on_tick")
	require.True(t, ok)
	require.EqualValues(t, 10, idx)

	data, ok := tbl.LookupData("g_counter")
	require.True(t, ok)
	require.EqualValues(t, 1024, data.Offset)
	require.True(t, data.Mutable)
}

func TestBuildFromIRForDynamicModuleRemapsByOrdinalPosition(t *testing.T) {
	mod := &wasmir.Module{
		Exports: []wasmir.Export{
			{Name: "helper_a", Kind: wasmir.KindFunc, Index: 5},
			{Name: "helper_b", Kind: wasmir.KindFunc, Index: 6},
			{Name: "g_state", Kind: wasmir.KindGlobal, Index: 0},
		},
		Globals: []wasmir.GlobalDef{
			{Type: api.ValueTypeI32, Mutable: false, Value: 64, HasValue: true},
		},
		Elements: []wasmir.ElementSegment{
			{Offset: 0, FuncIndices: []uint32{5, 6}},
		},
	}

	tbl := New()
	const tableBottom = 200
	const dataBottom = 4096
	installs := tbl.BuildFromIR(mod, tableBottom, true, dataBottom)
	require.Len(t, installs, 2)
	require.EqualValues(t, tableBottom, installs[0].Index)
	require.EqualValues(t, tableBottom+1, installs[1].Index)

	data, ok := tbl.LookupData("g_state")
	require.True(t, ok)
	require.EqualValues(t, dataBottom+64, data.Offset)
}
