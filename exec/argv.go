package exec

import (
	"github.com/faasm/wasmhost/memory"
)

// writeCStringArray lays out strs in linear memory using §4.7's argv/envp
// convention: a sequence of C-style null-terminated strings in a buffer,
// preceded by an array of pointers to each (the array itself is
// null-pointer-terminated, matching the standard argv convention). It
// returns the wasm pointer to the start of the pointer array.
//
// Nothing in this host's in-scope surface reads this buffer back — the
// syscall-emulation layer that would expose it via something like
// args_get is an explicit external collaborator (§1) — but the layout
// itself is core surface the spec names explicitly, so it is built
// exactly as described rather than skipped.
func writeCStringArray(mem *memory.Manager, strs []string) (uint32, error) {
	stringsBase, err := mem.MapBytes(totalStringBytes(strs))
	if err != nil {
		return 0, err
	}
	ptrs := make([]uint32, len(strs))
	cursor := stringsBase
	for i, s := range strs {
		buf := make([]byte, len(s)+1)
		copy(buf, s)
		if err := mem.WriteAt(cursor, buf); err != nil {
			return 0, err
		}
		ptrs[i] = cursor
		cursor += uint32(len(buf))
	}

	arrayBase, err := mem.MapBytes(uint32(len(strs)+1) * 4)
	if err != nil {
		return 0, err
	}
	for i, p := range ptrs {
		if err := mem.WriteUint32LE(arrayBase+uint32(i)*4, p); err != nil {
			return 0, err
		}
	}
	if err := mem.WriteUint32LE(arrayBase+uint32(len(ptrs))*4, 0); err != nil {
		return 0, err
	}
	return arrayBase, nil
}

func totalStringBytes(strs []string) uint32 {
	var n uint32
	for _, s := range strs {
		n += uint32(len(s)) + 1
	}
	if n == 0 {
		n = 1
	}
	return n
}
