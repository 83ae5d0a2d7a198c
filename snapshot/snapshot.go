// Package snapshot implements the binary memory serialiser half of C10:
// snapshot(mem) -> bytes and restore(mem, bytes). The structural clone half
// (copying a compartment's table/GOT/registry state into a fresh instance)
// needs access to BoundModule internals the memory manager alone doesn't
// have, and lives as host.BoundModule.Clone, which calls back into this
// package for the memory bytes.
package snapshot

import (
	"encoding/binary"

	"github.com/faasm/wasmhost/herrors"
	"github.com/faasm/wasmhost/hostconfig"
	"github.com/faasm/wasmhost/memory"
)

const headerSize = 8 // u64 page count

// Snapshot writes {num_pages: u64, bytes: [u8; num_pages*65536]} for mem's
// current extent. Endianness is native-order little-endian, matching the
// host's own architecture (the only one wazero itself targets).
//
// It reads through mem.Raw() rather than NativePtr: any module that has
// loaded a dynamic module carries guard regions over part of its extent,
// and a snapshot must still capture those bytes rather than trap.
func Snapshot(mem *memory.Manager) []byte {
	pages := mem.Pages()
	size := pages * hostconfig.WasmPageSize
	raw, ok := mem.Raw().Read(0, size)
	if !ok {
		panic(herrors.New(herrors.PhaseSnapshot, herrors.KindInvalidArgument, "memory reports %d pages but could not read %d bytes", pages, size))
	}

	buf := make([]byte, headerSize+len(raw))
	binary.LittleEndian.PutUint64(buf[:headerSize], uint64(pages))
	copy(buf[headerSize:], raw)
	return buf
}

// Restore reads a Snapshot's output, growing mem if its current extent is
// smaller than the snapshot's page count, then copies the snapshot's bytes
// into place starting at address 0.
func Restore(mem *memory.Manager, data []byte) error {
	if len(data) < headerSize {
		return herrors.New(herrors.PhaseSnapshot, herrors.KindInvalidArgument, "snapshot header truncated: got %d bytes", len(data))
	}
	pages := binary.LittleEndian.Uint64(data[:headerSize])
	want := pages * uint64(hostconfig.WasmPageSize)
	if uint64(len(data)-headerSize) != want {
		return herrors.New(herrors.PhaseSnapshot, herrors.KindInvalidArgument, "snapshot declares %d pages (%d bytes) but carries %d bytes of payload", pages, want, len(data)-headerSize)
	}

	current := mem.Pages()
	if uint64(current) < pages {
		if _, err := mem.MapPages(uint32(pages) - current); err != nil {
			return herrors.Wrap(herrors.PhaseSnapshot, herrors.KindOutOfMemory, err, "growing memory to %d pages for restore", pages)
		}
	}

	// Restore through mem.Raw() rather than WriteAt: a clone replays its
	// dynamic loads (installing guard regions) before restoring memory, so
	// the full-extent write here must bypass the guard check the same way
	// Snapshot's read does above. WriteAt stays guard-checked for callers
	// like argv/envp that genuinely want that protection.
	if !mem.Raw().Write(0, data[headerSize:]) {
		return herrors.New(herrors.PhaseSnapshot, herrors.KindInvalidArgument, "memory reports %d pages but could not write %d bytes", mem.Pages(), len(data)-headerSize)
	}
	return nil
}
