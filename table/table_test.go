package table

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

func newRuntimeWithFunc(t *testing.T, name string, params, results []api.ValueType, fn func(ctx context.Context, stack []uint64)) (wazero.Runtime, string) {
	t.Helper()
	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	t.Cleanup(func() { _ = rt.Close(ctx) })

	_, err := rt.NewHostModuleBuilder("host_funcs").
		NewFunctionBuilder().
		WithGoFunction(api.GoFunc(fn), params, results).
		Export(name).
		Instantiate(ctx)
	require.NoError(t, err)
	return rt, "host_funcs"
}

func TestAppendReservesStableMonotonicIndices(t *testing.T) {
	ctx := context.Background()
	rt, mod := newRuntimeWithFunc(t, "add_one", []api.ValueType{api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32}, func(ctx context.Context, stack []uint64) {
		stack[0] = stack[0] + 1
	})

	m, err := New(ctx, rt, 1024)
	require.NoError(t, err)
	require.EqualValues(t, 1, m.Size())

	idx1, err := m.Append(ctx, mod, "add_one", []api.ValueType{api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32})
	require.NoError(t, err)
	require.EqualValues(t, 1, idx1)

	idx2, err := m.Append(ctx, mod, "add_one", []api.ValueType{api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32})
	require.NoError(t, err)
	require.EqualValues(t, 2, idx2)
	require.EqualValues(t, 3, m.Size())
}

func TestGetReturnsCallableFunction(t *testing.T) {
	ctx := context.Background()
	rt, mod := newRuntimeWithFunc(t, "add_one", []api.ValueType{api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32}, func(ctx context.Context, stack []uint64) {
		stack[0] = stack[0] + 1
	})

	m, err := New(ctx, rt, 1024)
	require.NoError(t, err)
	idx, err := m.Append(ctx, mod, "add_one", []api.ValueType{api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32})
	require.NoError(t, err)

	fn, _, _, ok := m.Get(idx)
	require.True(t, ok)
	var stack [1]uint64
	stack[0] = 41
	require.NoError(t, fn.CallWithStack(ctx, stack[:]))
	require.EqualValues(t, 42, stack[0])
}

func TestReserveRejectsPastMax(t *testing.T) {
	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	t.Cleanup(func() { _ = rt.Close(ctx) })

	m, err := New(ctx, rt, 4)
	require.NoError(t, err)
	_, err = m.Reserve(ctx, 10)
	require.Error(t, err)
}
