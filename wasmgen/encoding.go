// Package wasmgen builds small synthetic WebAssembly binary modules at
// runtime. wazero resolves cross-module imports by (module name, export
// name) against already-instantiated modules, not via a per-import
// resolver callback, so the GOT and table managers bridge the gap by
// emitting tiny modules that import one thing and either re-export it
// under a different name or use it to install an element/global in
// place.
package wasmgen

import "github.com/tetratelabs/wazero/api"

// EncodeULEB128 encodes an unsigned value in LEB128 format.
func EncodeULEB128(v uint32) []byte {
	var result []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		result = append(result, b)
		if v == 0 {
			break
		}
	}
	return result
}

// EncodeSLEB128 encodes a signed value in LEB128 format.
func EncodeSLEB128[T int32 | int64](v T) []byte {
	var result []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			result = append(result, b)
			break
		}
		result = append(result, b|0x80)
	}
	return result
}

// ValTypeToWasm converts a wazero value type to its WASM binary encoding.
func ValTypeToWasm(t api.ValueType) byte {
	switch t {
	case api.ValueTypeI32:
		return 0x7f
	case api.ValueTypeI64:
		return 0x7e
	case api.ValueTypeF32:
		return 0x7d
	case api.ValueTypeF64:
		return 0x7c
	default:
		return 0x7f
	}
}

func encodeName(s string) []byte {
	out := EncodeULEB128(uint32(len(s)))
	return append(out, []byte(s)...)
}

func section(id byte, body []byte) []byte {
	out := []byte{id}
	out = append(out, EncodeULEB128(uint32(len(body)))...)
	return append(out, body...)
}

var wasmHeader = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
