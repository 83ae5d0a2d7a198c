package snapshot

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero"

	"github.com/faasm/wasmhost/memory"
)

func newTestMemory(t *testing.T, maxPages uint32) *memory.Manager {
	t.Helper()
	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	t.Cleanup(func() { _ = rt.Close(ctx) })
	m, err := memory.NewOwned(ctx, rt, maxPages)
	require.NoError(t, err)
	return m
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	src := newTestMemory(t, 16)
	_, err := src.MapPages(2)
	require.NoError(t, err)
	require.NoError(t, src.WriteAt(0x1000, []byte{0xAB}))

	data := Snapshot(src)

	dst := newTestMemory(t, 16)
	require.NoError(t, Restore(dst, data))

	got, err := dst.NativePtr(0x1000, 1)
	require.NoError(t, err)
	require.Equal(t, byte(0xAB), got[0])
	require.EqualValues(t, 2, dst.Pages())
}

func TestRestoreGrowsUndersizedTarget(t *testing.T) {
	src := newTestMemory(t, 16)
	_, err := src.MapPages(4)
	require.NoError(t, err)

	data := Snapshot(src)

	dst := newTestMemory(t, 16)
	require.EqualValues(t, 0, dst.Pages())
	require.NoError(t, Restore(dst, data))
	require.EqualValues(t, 4, dst.Pages())
}

func TestRestoreRejectsTruncatedHeader(t *testing.T) {
	dst := newTestMemory(t, 16)
	require.Error(t, Restore(dst, []byte{1, 2, 3}))
}

func TestRestoreRejectsMismatchedPayloadLength(t *testing.T) {
	dst := newTestMemory(t, 16)
	bad := make([]byte, headerSize+10)
	bad[0] = 1 // claims 1 page (65536 bytes) but carries only 10
	require.Error(t, Restore(dst, bad))
}
