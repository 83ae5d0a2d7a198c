package modcache

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero"

	"github.com/faasm/wasmhost/wasmgen"
)

func emptyModuleBytes() []byte {
	return wasmgen.NewModuleBuilder("").Build()
}

func TestGetLoadsOnceAndCachesEntry(t *testing.T) {
	calls := 0
	c := New(func(ctx context.Context, key Key) ([]byte, error) {
		calls++
		return emptyModuleBytes(), nil
	})

	key := Key{User: "alice", Function: "hello"}
	e1, err := c.Get(context.Background(), key)
	require.NoError(t, err)
	e2, err := c.Get(context.Background(), key)
	require.NoError(t, err)

	require.Same(t, e1, e2)
	require.Equal(t, 1, calls)
	require.True(t, c.Has(key))
}

func TestGetPropagatesLoaderError(t *testing.T) {
	c := New(func(ctx context.Context, key Key) ([]byte, error) {
		return nil, errors.New("boom")
	})
	_, err := c.Get(context.Background(), Key{User: "bob", Function: "missing"})
	require.Error(t, err)
}

func TestCompiledIsCachedPerRuntime(t *testing.T) {
	c := New(func(ctx context.Context, key Key) ([]byte, error) {
		return emptyModuleBytes(), nil
	})
	ctx := context.Background()
	e, err := c.Get(ctx, Key{User: "alice", Function: "hello"})
	require.NoError(t, err)

	rt := wazero.NewRuntime(ctx)
	defer rt.Close(ctx)

	cm1, err := e.Compiled(ctx, rt)
	require.NoError(t, err)
	cm2, err := e.Compiled(ctx, rt)
	require.NoError(t, err)
	require.Same(t, cm1, cm2)
}

func TestClearEmptiesCache(t *testing.T) {
	c := New(func(ctx context.Context, key Key) ([]byte, error) {
		return emptyModuleBytes(), nil
	})
	ctx := context.Background()
	key := Key{User: "alice", Function: "hello"}
	_, err := c.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, c.Has(key))

	c.Clear(ctx)
	require.False(t, c.Has(key))
}
