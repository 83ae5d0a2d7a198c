package wasmgen

import "github.com/tetratelabs/wazero/api"

// FuncSpec describes one imported function the builder re-exports under
// ExportAs (function exports reference the function index directly; no
// table involvement). Module/Name name the import source; ExportAs
// defaults to Name when empty.
type FuncSpec struct {
	Module      string
	Name        string
	ExportAs    string
	ParamTypes  []api.ValueType
	ResultTypes []api.ValueType
}

// GlobalSpec describes a locally declared global, exported under Name.
type GlobalSpec struct {
	Name      string
	Type      api.ValueType
	Mutable   bool
	InitValue int64
}

// GlobalImportSpec describes a global re-exported from another module
// without a fixed value of its own — used by the fallback resolution
// chain, where the live value must track whatever the source module
// holds rather than a value baked in at build time.
type GlobalImportSpec struct {
	Module, Name, ExportAs string
	Type                   api.ValueType
	Mutable                bool
}

type tableInstall struct {
	offset  uint32
	funcIdx uint32
}

// localFunc describes a function with a real body, not an import —
// the only way the builder emits a code section, used only to build
// small fixed fixtures (a trap, a
// proc_exit call, a WASI fd_write) that need genuine executable code
// rather than a bridging re-export.
type localFunc struct {
	name            string
	params, results []api.ValueType
	body            []byte
}

type dataSegment struct {
	offset uint32
	data   []byte
}

// ModuleBuilder assembles a synthetic wasm binary module used to bridge
// wazero's module-name/export-name import resolution onto the
// name-and-fallback resolution the import resolver specifies. wazero has
// no per-import resolver callback, so anything the resolver would answer
// ad hoc is instead baked into one of these modules and instantiated under
// the exact module name the importer expects:
//
//   - re-export a fixed set of functions imported from one host module
//     under their original names (composes the "env" wrapper out of an
//     embedder-registered host-function module),
//   - declare a local table, exported by name (the table manager's table
//     owner module),
//   - import a table/memory from an already-instantiated module and
//     install specific functions at specific offsets via an active
//     element segment (the mechanism GOT.func uses to make a newly
//     resolved function indirectly callable at its assigned table index),
//   - import a table or memory from another module and re-export it
//     (hands a dynamic module the shared table/memory under whatever
//     import name it expects),
//   - declare a set of globals with fixed initial values, exported by
//     name (GOT.mem/GOT.func shims, __memory_base/__table_base/
//     __stack_pointer).
type ModuleBuilder struct {
	hostModuleName string
	funcs          []FuncSpec

	localTable         bool
	tableMin, tableMax uint32
	tableExportName    string

	tableImportMod, tableImportName, tableExportAs string
	memImportMod, memImportName, memExportAs       string

	localMemory           bool
	memMin, memMax        uint32
	memExportName         string

	globals       []GlobalSpec
	globalImports []GlobalImportSpec
	installs      []tableInstall

	localFuncs   []localFunc
	dataSegments []dataSegment
}

// NewModuleBuilder creates a builder whose function imports (if any) come
// from hostModuleName.
func NewModuleBuilder(hostModuleName string) *ModuleBuilder {
	return &ModuleBuilder{hostModuleName: hostModuleName}
}

// AddFunc imports name from the builder's fixed host module and
// re-exports it unchanged. Returns the function's index in the module's
// function index space, for use with InstallTableEntry.
func (b *ModuleBuilder) AddFunc(name string, params, results []api.ValueType) uint32 {
	return b.AddFuncFrom(b.hostModuleName, name, name, params, results)
}

// AddFuncFrom imports fromExport from fromModule and re-exports it as
// exportAs, independent of the builder's fixed host module — used to
// bundle symbols resolved from several different source modules into one
// synthetic module instantiated under a single importer-expected name.
func (b *ModuleBuilder) AddFuncFrom(fromModule, fromExport, exportAs string, params, results []api.ValueType) uint32 {
	b.funcs = append(b.funcs, FuncSpec{Module: fromModule, Name: fromExport, ExportAs: exportAs, ParamTypes: params, ResultTypes: results})
	return uint32(len(b.funcs) - 1)
}

// DeclareTable declares a local funcref table with the given bounds,
// exported under exportName.
func (b *ModuleBuilder) DeclareTable(min, max uint32, exportName string) {
	b.localTable = true
	b.tableMin, b.tableMax, b.tableExportName = min, max, exportName
}

// ReexportTable imports a table from another module. If exportAs is
// non-empty the table is also re-exported under that name.
func (b *ModuleBuilder) ReexportTable(fromModule, fromExport, exportAs string) {
	b.tableImportMod, b.tableImportName, b.tableExportAs = fromModule, fromExport, exportAs
}

// ReexportMemory imports a memory from another module and re-exports it.
func (b *ModuleBuilder) ReexportMemory(fromModule, fromExport, exportAs string) {
	b.memImportMod, b.memImportName, b.memExportAs = fromModule, fromExport, exportAs
}

// DeclareMemory declares a local memory with the given page bounds,
// exported under exportName.
func (b *ModuleBuilder) DeclareMemory(minPages, maxPages uint32, exportName string) {
	b.localMemory, b.memMin, b.memMax, b.memExportName = true, minPages, maxPages, exportName
}

// AddGlobal declares a local global with a fixed initial value, exported
// under name.
func (b *ModuleBuilder) AddGlobal(name string, t api.ValueType, mutable bool, initValue int64) {
	b.globals = append(b.globals, GlobalSpec{Name: name, Type: t, Mutable: mutable, InitValue: initValue})
}

// AddGlobalImport imports fromExport from fromModule and re-exports it
// as exportAs, tracking the source module's live value rather than a
// value fixed at build time.
func (b *ModuleBuilder) AddGlobalImport(fromModule, fromExport, exportAs string, t api.ValueType, mutable bool) {
	b.globalImports = append(b.globalImports, GlobalImportSpec{Module: fromModule, Name: fromExport, ExportAs: exportAs, Type: t, Mutable: mutable})
}

// InstallTableEntry places funcIdx (as returned by AddFunc) at offset in
// the module's table (local or imported) via an active element segment,
// executed as a side effect of instantiation.
func (b *ModuleBuilder) InstallTableEntry(offset, funcIdx uint32) {
	b.installs = append(b.installs, tableInstall{offset: offset, funcIdx: funcIdx})
}

// AddLocalFunc declares a function with a real body — raw instruction
// bytes the caller assembles by hand, already terminated with the end
// opcode (0x0b) and declaring no locals of its own — exported under
// name. Returns its index in the module's function index space (after
// every imported function).
func (b *ModuleBuilder) AddLocalFunc(name string, params, results []api.ValueType, body []byte) uint32 {
	b.localFuncs = append(b.localFuncs, localFunc{name: name, params: params, results: results, body: body})
	return uint32(len(b.funcs) + len(b.localFuncs) - 1)
}

// AddDataSegment declares an active data segment that writes data into
// memory 0 at offset as a side effect of instantiation.
func (b *ModuleBuilder) AddDataSegment(offset uint32, data []byte) {
	b.dataSegments = append(b.dataSegments, dataSegment{offset: offset, data: data})
}

func (b *ModuleBuilder) hasTableImport() bool { return b.tableImportMod != "" }
func (b *ModuleBuilder) hasMemImport() bool   { return b.memImportMod != "" }
func (b *ModuleBuilder) hasTable() bool       { return b.localTable || b.hasTableImport() }

// Build emits the module's binary encoding.
func (b *ModuleBuilder) Build() []byte {
	out := append([]byte{}, wasmHeader...)

	hasFuncs := len(b.funcs) > 0 || len(b.localFuncs) > 0

	if hasFuncs {
		out = append(out, section(0x01, b.typeSection())...)
	}
	if imp := b.importSection(); imp != nil {
		out = append(out, section(0x02, imp)...)
	}
	if len(b.localFuncs) > 0 {
		out = append(out, section(0x03, b.functionSection())...)
	}
	if b.localTable {
		out = append(out, section(0x04, b.tableSection())...)
	}
	if b.localMemory {
		out = append(out, section(0x05, b.memorySection())...)
	}
	if g := b.globalSection(); g != nil {
		out = append(out, section(0x06, g)...)
	}
	if exp := b.exportSection(); exp != nil {
		out = append(out, section(0x07, exp)...)
	}
	if len(b.installs) > 0 && b.hasTable() {
		out = append(out, section(0x09, b.elemSection())...)
	}
	if len(b.localFuncs) > 0 {
		out = append(out, section(0x0a, b.codeSection())...)
	}
	if len(b.dataSegments) > 0 {
		out = append(out, section(0x0b, b.dataSection())...)
	}

	return out
}

func (b *ModuleBuilder) typeSection() []byte {
	body := EncodeULEB128(uint32(len(b.funcs) + len(b.localFuncs)))
	encodeFuncType := func(params, results []api.ValueType) {
		body = append(body, 0x60)
		body = append(body, EncodeULEB128(uint32(len(params)))...)
		for _, t := range params {
			body = append(body, ValTypeToWasm(t))
		}
		body = append(body, EncodeULEB128(uint32(len(results)))...)
		for _, t := range results {
			body = append(body, ValTypeToWasm(t))
		}
	}
	for _, f := range b.funcs {
		encodeFuncType(f.ParamTypes, f.ResultTypes)
	}
	for _, f := range b.localFuncs {
		encodeFuncType(f.params, f.results)
	}
	return body
}

// functionSection lists, in order, the type index of each locally
// defined function — the identity mapping typeSection's layout already
// gives each one (imported function types first, then local ones).
func (b *ModuleBuilder) functionSection() []byte {
	body := EncodeULEB128(uint32(len(b.localFuncs)))
	for i := range b.localFuncs {
		body = append(body, EncodeULEB128(uint32(len(b.funcs)+i))...)
	}
	return body
}

// codeSection emits one body per local function: a zero-length locals
// vector followed by the caller-supplied instruction bytes.
func (b *ModuleBuilder) codeSection() []byte {
	body := EncodeULEB128(uint32(len(b.localFuncs)))
	for _, f := range b.localFuncs {
		content := append(EncodeULEB128(0), f.body...)
		body = append(body, EncodeULEB128(uint32(len(content)))...)
		body = append(body, content...)
	}
	return body
}

// dataSection emits one active segment per AddDataSegment call, against
// memory 0.
func (b *ModuleBuilder) dataSection() []byte {
	body := EncodeULEB128(uint32(len(b.dataSegments)))
	for _, d := range b.dataSegments {
		body = append(body, 0x00, 0x41)
		body = append(body, EncodeSLEB128(int32(d.offset))...)
		body = append(body, 0x0b)
		body = append(body, EncodeULEB128(uint32(len(d.data)))...)
		body = append(body, d.data...)
	}
	return body
}

func (b *ModuleBuilder) importSection() []byte {
	n := len(b.funcs) + len(b.globalImports)
	if b.hasTableImport() {
		n++
	}
	if b.hasMemImport() {
		n++
	}
	if n == 0 {
		return nil
	}
	body := EncodeULEB128(uint32(n))
	for i, f := range b.funcs {
		body = append(body, encodeName(f.Module)...)
		body = append(body, encodeName(f.Name)...)
		body = append(body, 0x00)
		body = append(body, EncodeULEB128(uint32(i))...)
	}
	if b.hasTableImport() {
		body = append(body, encodeName(b.tableImportMod)...)
		body = append(body, encodeName(b.tableImportName)...)
		body = append(body, 0x01, 0x70, 0x00)
		body = append(body, EncodeULEB128(1)...)
	}
	if b.hasMemImport() {
		body = append(body, encodeName(b.memImportMod)...)
		body = append(body, encodeName(b.memImportName)...)
		body = append(body, 0x02, 0x00, 0x00)
	}
	for _, g := range b.globalImports {
		body = append(body, encodeName(g.Module)...)
		body = append(body, encodeName(g.Name)...)
		body = append(body, 0x03, ValTypeToWasm(g.Type))
		if g.Mutable {
			body = append(body, 0x01)
		} else {
			body = append(body, 0x00)
		}
	}
	return body
}

func (b *ModuleBuilder) tableSection() []byte {
	body := []byte{0x01, 0x70, 0x01}
	body = append(body, EncodeULEB128(b.tableMin)...)
	body = append(body, EncodeULEB128(b.tableMax)...)
	return body
}

func (b *ModuleBuilder) memorySection() []byte {
	body := []byte{0x01, 0x01}
	body = append(body, EncodeULEB128(b.memMin)...)
	body = append(body, EncodeULEB128(b.memMax)...)
	return body
}

func (b *ModuleBuilder) globalSection() []byte {
	if len(b.globals) == 0 {
		return nil
	}
	body := EncodeULEB128(uint32(len(b.globals)))
	for _, g := range b.globals {
		body = append(body, ValTypeToWasm(g.Type))
		if g.Mutable {
			body = append(body, 0x01)
		} else {
			body = append(body, 0x00)
		}
		switch g.Type {
		case api.ValueTypeI64:
			body = append(body, 0x42)
			body = append(body, EncodeSLEB128(g.InitValue)...)
		case api.ValueTypeF32:
			body = append(body, 0x43, 0, 0, 0, 0)
		case api.ValueTypeF64:
			body = append(body, 0x44, 0, 0, 0, 0, 0, 0, 0, 0)
		default:
			body = append(body, 0x41)
			body = append(body, EncodeSLEB128(int32(g.InitValue))...)
		}
		body = append(body, 0x0b)
	}
	return body
}

func (b *ModuleBuilder) exportSection() []byte {
	n := len(b.funcs) + len(b.localFuncs) + len(b.globals) + len(b.globalImports)
	if b.localTable {
		n++
	}
	if b.hasTableImport() && b.tableExportAs != "" {
		n++
	}
	if b.localMemory {
		n++
	}
	if b.hasMemImport() && b.memExportAs != "" {
		n++
	}
	if n == 0 {
		return nil
	}
	body := EncodeULEB128(uint32(n))

	if b.localTable {
		body = append(body, encodeName(b.tableExportName)...)
		body = append(body, 0x01, 0x00)
	} else if b.hasTableImport() && b.tableExportAs != "" {
		body = append(body, encodeName(b.tableExportAs)...)
		body = append(body, 0x01, 0x00)
	}
	if b.localMemory {
		body = append(body, encodeName(b.memExportName)...)
		body = append(body, 0x02, 0x00)
	} else if b.hasMemImport() && b.memExportAs != "" {
		body = append(body, encodeName(b.memExportAs)...)
		body = append(body, 0x02, 0x00)
	}
	for i, g := range b.globalImports {
		body = append(body, encodeName(g.ExportAs)...)
		body = append(body, 0x03)
		body = append(body, EncodeULEB128(uint32(i))...)
	}
	for i, g := range b.globals {
		body = append(body, encodeName(g.Name)...)
		body = append(body, 0x03)
		body = append(body, EncodeULEB128(uint32(len(b.globalImports)+i))...)
	}
	for i, f := range b.funcs {
		exportAs := f.ExportAs
		if exportAs == "" {
			exportAs = f.Name
		}
		body = append(body, encodeName(exportAs)...)
		body = append(body, 0x00)
		body = append(body, EncodeULEB128(uint32(i))...)
	}
	for i, f := range b.localFuncs {
		body = append(body, encodeName(f.name)...)
		body = append(body, 0x00)
		body = append(body, EncodeULEB128(uint32(len(b.funcs)+i))...)
	}
	return body
}

// elemSection installs each requested (offset, funcIdx) pair into table 0
// via one active element segment per entry, so offsets need not be
// contiguous.
func (b *ModuleBuilder) elemSection() []byte {
	body := EncodeULEB128(uint32(len(b.installs)))
	for _, ins := range b.installs {
		body = append(body, 0x00, 0x41)
		body = append(body, EncodeSLEB128(int32(ins.offset))...)
		body = append(body, 0x0b)
		body = append(body, EncodeULEB128(1)...)
		body = append(body, EncodeULEB128(ins.funcIdx)...)
	}
	return body
}
