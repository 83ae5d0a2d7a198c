// Package wasmir parses the subset of the core WebAssembly binary format
// the module host needs statically: imports, exports, the element and
// data segments, and global initializers. wazero's public CompiledModule
// does not expose this (it only names exported/imported functions), but
// the GOT and dynamic module registry need it before they can decide how
// to instantiate anything, so the host parses it directly off the bytes
// handed to it by the external compiler/JIT.
package wasmir

import "github.com/tetratelabs/wazero/api"

func decodeULEB128(b []byte, pos int) (uint32, int) {
	var result uint32
	var shift uint32
	for {
		c := b[pos]
		pos++
		result |= uint32(c&0x7f) << shift
		if c&0x80 == 0 {
			break
		}
		shift += 7
	}
	return result, pos
}

func decodeSLEB128(b []byte, pos int) (int64, int) {
	var result int64
	var shift uint
	var c byte
	for {
		c = b[pos]
		pos++
		result |= int64(c&0x7f) << shift
		shift += 7
		if c&0x80 == 0 {
			break
		}
	}
	if shift < 64 && c&0x40 != 0 {
		result |= -1 << shift
	}
	return result, pos
}

func decodeName(b []byte, pos int) (string, int) {
	n, pos2 := decodeULEB128(b, pos)
	end := pos2 + int(n)
	return string(b[pos2:end]), end
}

func parseValType(b byte) api.ValueType {
	switch b {
	case 0x7e:
		return api.ValueTypeI64
	case 0x7d:
		return api.ValueTypeF32
	case 0x7c:
		return api.ValueTypeF64
	default:
		return api.ValueTypeI32
	}
}

// skipLimits advances past a limits encoding (used for table/memory
// import and section entries) and returns (min, max, hasMax, newPos).
func skipLimits(b []byte, pos int) (min, max uint32, hasMax bool, newPos int) {
	flag := b[pos]
	pos++
	min, pos = decodeULEB128(b, pos)
	if flag&0x01 != 0 {
		max, pos = decodeULEB128(b, pos)
		hasMax = true
	}
	return min, max, hasMax, pos
}

// skipConstExpr advances past a constant init expression, reporting its
// value when it is a plain i32.const or i64.const (the only forms the
// host's GOT/element logic needs to evaluate).
func skipConstExpr(b []byte, pos int) (i64 int64, isConst bool, newPos int) {
	op := b[pos]
	pos++
	switch op {
	case 0x41: // i32.const
		v, p := decodeSLEB128(b, pos)
		pos = p
		i64, isConst = v, true
	case 0x42: // i64.const
		v, p := decodeSLEB128(b, pos)
		pos = p
		i64, isConst = v, true
	case 0x43: // f32.const
		pos += 4
	case 0x44: // f64.const
		pos += 8
	case 0x23: // global.get
		_, pos = decodeULEB128(b, pos)
	case 0xd0: // ref.null
		pos++
	case 0xd2: // ref.func
		_, pos = decodeULEB128(b, pos)
	}
	// consume through 'end' (0x0b), tolerating multi-instruction exprs we
	// don't otherwise interpret.
	for pos < len(b) && b[pos] != 0x0b {
		pos++
	}
	pos++ // consume 0x0b
	return i64, isConst, pos
}
