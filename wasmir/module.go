package wasmir

import (
	"github.com/tetratelabs/wazero/api"

	"github.com/faasm/wasmhost/herrors"
)

// Import kinds, matching the binary format's external-kind byte.
const (
	KindFunc   = 0x00
	KindTable  = 0x01
	KindMemory = 0x02
	KindGlobal = 0x03
)

// Import is one entry of the import section.
type Import struct {
	Module, Name string
	Kind         byte
	GlobalType   api.ValueType
	GlobalMutable bool
}

// Export is one entry of the export section.
type Export struct {
	Name  string
	Kind  byte
	Index uint32
}

// GlobalDef describes one entry of the combined (imported + local) global
// index space.
type GlobalDef struct {
	Type     api.ValueType
	Mutable  bool
	IsImport bool
	// Value/HasValue describe a local global's constant initializer when
	// it is a plain i32.const/i64.const (the only form the GOT builder
	// and the dynamic module registry need to evaluate).
	Value    int64
	HasValue bool
}

// ElementSegment is one active element segment installing function
// indices into a table starting at a constant offset.
type ElementSegment struct {
	TableIndex  uint32
	Offset      int32
	FuncIndices []uint32
}

// DataSegment is one entry of the data section; Size is the segment's
// byte length (its content is irrelevant to the host, which only needs
// to size a dynamic module's data region).
type DataSegment struct {
	MemoryIndex uint32
	Offset      int32
	Size        uint32
}

// Module is the parsed static structure of one compiled wasm binary,
// the "IR" the rest of the host builds the GOT and the dynamic module
// layout from.
type Module struct {
	Imports []Import
	Exports []Export
	Globals []GlobalDef // imported globals first, then local globals
	Elements []ElementSegment
	Data     []DataSegment

	Types             []FuncType
	ImportFuncTypeIdx []uint32 // imported functions, in import-section order
	FuncTypeIdx       []uint32 // local functions, parallel to the function section

	NumImportedFuncs uint32
	NumLocalFuncs    uint32

	HasTable          bool
	TableMin, TableMax uint32

	HasMemory            bool
	MemoryMin, MemoryMax uint32
}

// FuncType is a function signature from the type section.
type FuncType struct {
	Params, Results []api.ValueType
}

// Parse decodes the subset of sections the host needs from raw wasm
// binary bytes.
func Parse(b []byte) (*Module, error) {
	if len(b) < 8 || b[0] != 0x00 || b[1] != 0x61 || b[2] != 0x73 || b[3] != 0x6d {
		return nil, herrors.New(herrors.PhaseLoad, herrors.KindInvalidLayout, "not a wasm binary module")
	}
	m := &Module{}
	pos := 8
	for pos < len(b) {
		id := b[pos]
		pos++
		size, p := decodeULEB128(b, pos)
		pos = p
		end := pos + int(size)
		if end > len(b) {
			return nil, herrors.New(herrors.PhaseLoad, herrors.KindInvalidLayout, "section %d overruns module", id)
		}
		switch id {
		case 0x01:
			if err := m.parseTypeSection(b, pos, end); err != nil {
				return nil, err
			}
		case 0x02:
			if err := m.parseImportSection(b, pos, end); err != nil {
				return nil, err
			}
		case 0x03:
			if err := m.parseFunctionSection(b, pos, end); err != nil {
				return nil, err
			}
		case 0x04:
			if err := m.parseTableSection(b, pos, end); err != nil {
				return nil, err
			}
		case 0x05:
			if err := m.parseMemorySection(b, pos, end); err != nil {
				return nil, err
			}
		case 0x06:
			if err := m.parseGlobalSection(b, pos, end); err != nil {
				return nil, err
			}
		case 0x07:
			if err := m.parseExportSection(b, pos, end); err != nil {
				return nil, err
			}
		case 0x09:
			if err := m.parseElementSection(b, pos, end); err != nil {
				return nil, err
			}
		case 0x0b:
			if err := m.parseDataSection(b, pos, end); err != nil {
				return nil, err
			}
		}
		pos = end
	}
	return m, nil
}

func (m *Module) parseTypeSection(b []byte, pos, end int) error {
	count, pos2 := decodeULEB128(b, pos)
	pos = pos2
	for i := uint32(0); i < count && pos < end; i++ {
		pos++ // 0x60 func type tag
		var ft FuncType
		n, p := decodeULEB128(b, pos)
		pos = p
		for j := uint32(0); j < n; j++ {
			ft.Params = append(ft.Params, parseValType(b[pos]))
			pos++
		}
		n, p = decodeULEB128(b, pos)
		pos = p
		for j := uint32(0); j < n; j++ {
			ft.Results = append(ft.Results, parseValType(b[pos]))
			pos++
		}
		m.Types = append(m.Types, ft)
	}
	return nil
}

func (m *Module) parseFunctionSection(b []byte, pos, end int) error {
	count, pos2 := decodeULEB128(b, pos)
	pos = pos2
	m.NumLocalFuncs = count
	for i := uint32(0); i < count && pos < end; i++ {
		idx, p := decodeULEB128(b, pos)
		pos = p
		m.FuncTypeIdx = append(m.FuncTypeIdx, idx)
	}
	return nil
}

func (m *Module) parseImportSection(b []byte, pos, end int) error {
	count, pos2 := decodeULEB128(b, pos)
	pos = pos2
	for i := uint32(0); i < count && pos < end; i++ {
		modName, p := decodeName(b, pos)
		pos = p
		impName, p := decodeName(b, pos)
		pos = p
		kind := b[pos]
		pos++
		imp := Import{Module: modName, Name: impName, Kind: kind}
		switch kind {
		case KindFunc:
			typeIdx, p := decodeULEB128(b, pos)
			pos = p
			m.ImportFuncTypeIdx = append(m.ImportFuncTypeIdx, typeIdx)
			m.NumImportedFuncs++
		case KindTable:
			pos++ // reftype
			min, max, hasMax, p := skipLimits(b, pos)
			pos = p
			m.HasTable, m.TableMin, m.TableMax = true, min, max
			if !hasMax {
				m.TableMax = min
			}
		case KindMemory:
			min, max, hasMax, p := skipLimits(b, pos)
			pos = p
			m.HasMemory, m.MemoryMin, m.MemoryMax = true, min, max
			if !hasMax {
				m.MemoryMax = min
			}
		case KindGlobal:
			imp.GlobalType = parseValType(b[pos])
			pos++
			imp.GlobalMutable = b[pos] == 0x01
			pos++
			m.Globals = append(m.Globals, GlobalDef{Type: imp.GlobalType, Mutable: imp.GlobalMutable, IsImport: true})
		}
		m.Imports = append(m.Imports, imp)
	}
	return nil
}

func (m *Module) parseTableSection(b []byte, pos, end int) error {
	count, pos2 := decodeULEB128(b, pos)
	pos = pos2
	for i := uint32(0); i < count && pos < end; i++ {
		pos++ // reftype
		min, max, hasMax, p := skipLimits(b, pos)
		pos = p
		if i == 0 {
			m.HasTable, m.TableMin, m.TableMax = true, min, max
			if !hasMax {
				m.TableMax = min
			}
		}
	}
	return nil
}

func (m *Module) parseMemorySection(b []byte, pos, end int) error {
	count, pos2 := decodeULEB128(b, pos)
	pos = pos2
	for i := uint32(0); i < count && pos < end; i++ {
		min, max, hasMax, p := skipLimits(b, pos)
		pos = p
		if i == 0 {
			m.HasMemory, m.MemoryMin, m.MemoryMax = true, min, max
			if !hasMax {
				m.MemoryMax = min
			}
		}
	}
	return nil
}

func (m *Module) parseGlobalSection(b []byte, pos, end int) error {
	count, pos2 := decodeULEB128(b, pos)
	pos = pos2
	for i := uint32(0); i < count && pos < end; i++ {
		typ := parseValType(b[pos])
		pos++
		mutable := b[pos] == 0x01
		pos++
		val, isConst, p := skipConstExpr(b, pos)
		pos = p
		m.Globals = append(m.Globals, GlobalDef{Type: typ, Mutable: mutable, Value: val, HasValue: isConst})
	}
	return nil
}

func (m *Module) parseExportSection(b []byte, pos, end int) error {
	count, pos2 := decodeULEB128(b, pos)
	pos = pos2
	for i := uint32(0); i < count && pos < end; i++ {
		name, p := decodeName(b, pos)
		pos = p
		kind := b[pos]
		pos++
		idx, p2 := decodeULEB128(b, pos)
		pos = p2
		m.Exports = append(m.Exports, Export{Name: name, Kind: kind, Index: idx})
	}
	return nil
}

func (m *Module) parseElementSection(b []byte, pos, end int) error {
	count, pos2 := decodeULEB128(b, pos)
	pos = pos2
	for i := uint32(0); i < count && pos < end; i++ {
		flags, p := decodeULEB128(b, pos)
		pos = p
		seg := ElementSegment{}
		switch flags {
		case 0: // active, table 0, funcidx vector, expr offset
			val, _, p := skipConstExpr(b, pos)
			pos = p
			seg.Offset = int32(val)
			n, p2 := decodeULEB128(b, pos)
			pos = p2
			for j := uint32(0); j < n; j++ {
				idx, p3 := decodeULEB128(b, pos)
				pos = p3
				seg.FuncIndices = append(seg.FuncIndices, idx)
			}
		case 2: // active, explicit table index, funcidx vector, expr offset
			tblIdx, p := decodeULEB128(b, pos)
			pos = p
			seg.TableIndex = tblIdx
			val, _, p2 := skipConstExpr(b, pos)
			pos = p2
			pos++ // elemkind byte
			n, p3 := decodeULEB128(b, pos)
			pos = p3
			seg.Offset = int32(val)
			for j := uint32(0); j < n; j++ {
				idx, p4 := decodeULEB128(b, pos)
				pos = p4
				seg.FuncIndices = append(seg.FuncIndices, idx)
			}
		default:
			// Passive/declarative segments or expression-initialized
			// vectors are not produced by the toolchains this host
			// targets; skip to the section end defensively.
			pos = end
			continue
		}
		m.Elements = append(m.Elements, seg)
	}
	return nil
}

func (m *Module) parseDataSection(b []byte, pos, end int) error {
	count, pos2 := decodeULEB128(b, pos)
	pos = pos2
	for i := uint32(0); i < count && pos < end; i++ {
		flags, p := decodeULEB128(b, pos)
		pos = p
		seg := DataSegment{}
		switch flags {
		case 0:
			val, _, p2 := skipConstExpr(b, pos)
			pos = p2
			seg.Offset = int32(val)
		case 1:
			// passive, no offset
		case 2:
			memIdx, p2 := decodeULEB128(b, pos)
			pos = p2
			seg.MemoryIndex = memIdx
			val, _, p3 := skipConstExpr(b, pos)
			pos = p3
			seg.Offset = int32(val)
		}
		n, p4 := decodeULEB128(b, pos)
		pos = p4
		seg.Size = n
		pos += int(n)
		m.Data = append(m.Data, seg)
	}
	return nil
}

// Signature resolves a function's parameter/result types by its index in
// the combined imported+local function index space.
func (m *Module) Signature(funcIdx uint32) (FuncType, bool) {
	if funcIdx < m.NumImportedFuncs {
		if int(funcIdx) >= len(m.ImportFuncTypeIdx) {
			return FuncType{}, false
		}
		typeIdx := m.ImportFuncTypeIdx[funcIdx]
		if int(typeIdx) >= len(m.Types) {
			return FuncType{}, false
		}
		return m.Types[typeIdx], true
	}
	localIdx := funcIdx - m.NumImportedFuncs
	if int(localIdx) >= len(m.FuncTypeIdx) {
		return FuncType{}, false
	}
	typeIdx := m.FuncTypeIdx[localIdx]
	if int(typeIdx) >= len(m.Types) {
		return FuncType{}, false
	}
	return m.Types[typeIdx], true
}

// FuncExportNames returns a map from function index (in the combined
// imported+local function index space) to its exported name, for
// element-segment-to-name resolution in the GOT builder.
func (m *Module) FuncExportNames() map[uint32]string {
	out := make(map[uint32]string)
	for _, e := range m.Exports {
		if e.Kind == KindFunc {
			out[e.Index] = e.Name
		}
	}
	return out
}

// ExportedI32Globals returns every exported global whose combined-index
// definition is a 32-bit integer with a constant initializer, paired with
// its initializer value — the set the GOT data half is built from.
func (m *Module) ExportedI32Globals() []struct {
	Name    string
	Value   int32
	Mutable bool
} {
	var out []struct {
		Name    string
		Value   int32
		Mutable bool
	}
	for _, e := range m.Exports {
		if e.Kind != KindGlobal || int(e.Index) >= len(m.Globals) {
			continue
		}
		g := m.Globals[e.Index]
		if g.Type != api.ValueTypeI32 || g.IsImport || !g.HasValue {
			continue
		}
		out = append(out, struct {
			Name    string
			Value   int32
			Mutable bool
		}{Name: e.Name, Value: int32(g.Value), Mutable: g.Mutable})
	}
	return out
}

// TotalDataSize sums the active data segments' byte sizes, the quantity
// the dynamic module registry uses to size a shared module's data
// region.
func (m *Module) TotalDataSize() uint32 {
	var total uint32
	for _, d := range m.Data {
		total += d.Size
	}
	return total
}

// GlobalStackTop returns the value of global 0 when it is a local,
// mutable i32 global with a constant initializer — the convention the
// instance lifecycle's bind step checks ("the module's first global
// (stack top) is mutable").
func (m *Module) GlobalStackTop() (value int32, mutable bool, ok bool) {
	if len(m.Globals) == 0 {
		return 0, false, false
	}
	g := m.Globals[0]
	if g.IsImport || g.Type != api.ValueTypeI32 || !g.HasValue {
		return 0, false, false
	}
	return int32(g.Value), g.Mutable, true
}
