package host

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero/api"

	"github.com/faasm/wasmhost/wasmgen"
)

func minimalMainModule(stackMutable bool) []byte {
	b := wasmgen.NewModuleBuilder("")
	b.AddGlobal("__stack_pointer", api.ValueTypeI32, stackMutable, 65536)
	return b.Build()
}

func useMainModule(t *testing.T, bytes []byte) {
	t.Helper()
	prev := mainLoader
	SetMainLoader(func(ctx context.Context, user, function string) ([]byte, error) {
		return bytes, nil
	})
	t.Cleanup(func() { SetMainLoader(prev) })
}

func TestBindSucceedsWithMinimalMainModule(t *testing.T) {
	useMainModule(t, minimalMainModule(true))
	ctx := context.Background()
	bm := New()
	err := bm.Bind(ctx, BindRequest{User: "alice", Function: "minimal-ok"})
	require.NoError(t, err)
	require.True(t, bm.IsBound())
	require.False(t, bm.MainInstance().IsZero())
	t.Cleanup(func() { bm.TearDown(ctx) })
}

func TestBindRejectsImmutableStackTopGlobal(t *testing.T) {
	useMainModule(t, minimalMainModule(false))
	ctx := context.Background()
	bm := New()
	err := bm.Bind(ctx, BindRequest{User: "alice", Function: "minimal-immutable"})
	require.Error(t, err)
	require.False(t, bm.IsBound())
}

func TestBindRejectsSecondCallOnSameRecord(t *testing.T) {
	useMainModule(t, minimalMainModule(true))
	ctx := context.Background()
	bm := New()
	require.NoError(t, bm.Bind(ctx, BindRequest{User: "alice", Function: "minimal-twice"}))
	t.Cleanup(func() { bm.TearDown(ctx) })

	err := bm.Bind(ctx, BindRequest{User: "alice", Function: "minimal-twice"})
	require.Error(t, err)
}

func TestTearDownIsIdempotentAndPermanentlyInert(t *testing.T) {
	useMainModule(t, minimalMainModule(true))
	ctx := context.Background()
	bm := New()
	require.NoError(t, bm.Bind(ctx, BindRequest{User: "alice", Function: "minimal-teardown"}))

	require.True(t, bm.TearDown(ctx))
	require.False(t, bm.IsBound())
	require.True(t, bm.TearDown(ctx)) // idempotent no-op

	err := bm.Bind(ctx, BindRequest{User: "alice", Function: "minimal-teardown"})
	require.Error(t, err, "a torn-down record must never be rebindable")
}

func TestTearDownOnNeverBoundModuleIsNoop(t *testing.T) {
	bm := New()
	require.True(t, bm.TearDown(context.Background()))
}

func TestDynamicLoadRequiresBoundModule(t *testing.T) {
	bm := New()
	_, err := bm.DynamicLoad(context.Background(), "/tmp/whatever.wasm")
	require.Error(t, err)
}
