package host

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/faasm/wasmhost/wasmgen"
)

func TestCloneCopiesMemoryIndependently(t *testing.T) {
	useMainModule(t, minimalMainModule(true))
	ctx := context.Background()

	bm := New()
	require.NoError(t, bm.Bind(ctx, BindRequest{User: "alice", Function: "clone-src"}))
	t.Cleanup(func() { bm.TearDown(ctx) })

	_, err := bm.Compartment().Memory.MapPages(1)
	require.NoError(t, err)
	require.NoError(t, bm.Compartment().Memory.WriteAt(0x1000, []byte{0xAB}))

	clone, err := bm.Clone(ctx, BindRequest{})
	require.NoError(t, err)
	t.Cleanup(func() { clone.TearDown(ctx) })

	got, err := clone.Compartment().Memory.NativePtr(0x1000, 1)
	require.NoError(t, err)
	require.Equal(t, byte(0xAB), got[0])

	// Mutating the clone must never affect the source.
	require.NoError(t, clone.Compartment().Memory.WriteAt(0x1000, []byte{0xCD}))
	srcByte, err := bm.Compartment().Memory.NativePtr(0x1000, 1)
	require.NoError(t, err)
	require.Equal(t, byte(0xAB), srcByte[0])
}

// TestCloneOfModuleWithDynamicLoadSucceeds exercises the guard-bearing path:
// once a dynamic module is loaded, the source's memory extent carries guard
// regions past its first page, and Clone's snapshot/restore round-trip must
// still copy through them rather than reject its own full-extent write.
func TestCloneOfModuleWithDynamicLoadSucceeds(t *testing.T) {
	useMainModule(t, minimalMainModule(true))
	ctx := context.Background()

	bm := New()
	require.NoError(t, bm.Bind(ctx, BindRequest{User: "alice", Function: "clone-dyn"}))
	t.Cleanup(func() { bm.TearDown(ctx) })

	_, err := bm.Compartment().Memory.MapPages(1)
	require.NoError(t, err)
	require.NoError(t, bm.Compartment().Memory.WriteAt(0x1000, []byte{0xAB}))

	dir := t.TempDir()
	path := filepath.Join(dir, "dyn.wasm")
	require.NoError(t, os.WriteFile(path, wasmgen.NewModuleBuilder("").Build(), 0o644))

	handle, err := bm.DynamicLoad(ctx, path)
	require.NoError(t, err)
	require.NotZero(t, handle)

	clone, err := bm.Clone(ctx, BindRequest{})
	require.NoError(t, err)
	t.Cleanup(func() { clone.TearDown(ctx) })

	got, err := clone.Compartment().Memory.NativePtr(0x1000, 1)
	require.NoError(t, err)
	require.Equal(t, byte(0xAB), got[0])
}

func TestCloneRejectsUnboundSource(t *testing.T) {
	bm := New()
	_, err := bm.Clone(context.Background(), BindRequest{})
	require.Error(t, err)
}
