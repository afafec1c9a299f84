package wasmrt

import (
	"encoding/binary"
	"fmt"
)

const (
	wasmMagic   = 0x6d736100 // "\0asm" little-endian
	wasmVersion = 1
)

// Section ids, WebAssembly 1.0 binary format.
const (
	secCustom = iota
	secType
	secImport
	secFunction
	secTable
	secMemory
	secGlobal
	secExport
	secStart
	secElement
	secCode
	secData
)

// ValType is a WebAssembly value type.
type ValType byte

const (
	ValI32 ValType = 0x7f
	ValI64 ValType = 0x7e
	ValF32 ValType = 0x7d
	ValF64 ValType = 0x7c
)

// FuncType is a function signature (params -> results).
type FuncType struct {
	Params  []ValType
	Results []ValType
}

// Import is one entry of the module's Import section. HostFn is set when
// Module == "splax" and Field names a recognized HostFunction.
type Import struct {
	Module, Field string
	TypeIdx       uint32
	HostFn        HostFunction
}

// Export maps a name to a function index (the only export kind this
// runtime resolves; table/memory/global exports are parsed but unused).
type Export struct {
	Name    string
	FuncIdx uint32
}

// MemoryLimits is a module's declared initial/max page count (memory
// grows in 64-KiB pages).
type MemoryLimits struct {
	Min    uint32
	Max    uint32 // used only when HasMax; otherwise the runtime's max_memory is the cap
	HasMax bool
}

// Function is one module-defined function body: locals declared beyond
// the signature's params, plus its raw instruction bytes.
type Function struct {
	TypeIdx uint32
	Locals  []ValType // flattened local declarations, params excluded
	Code    []byte
}

// Module is a loaded, validated WASM image.
type Module struct {
	ID        uint64
	Types     []FuncType
	Imports   []Import
	Funcs     []Function // module-defined functions only (imports excluded)
	Memory    MemoryLimits
	HasMemory bool
	Exports   []Export

	// funcTypeIdx maps a global function index (imports first, then
	// module-defined) to its FuncType index.
	funcTypeIdx []uint32
}

// numImportedFuncs reports how many of m.Imports are function imports
// (every "splax" host import is), used to offset module-defined function
// indices.
func (m *Module) numImportedFuncs() int { return len(m.Imports) }

// exportedFunc looks up an export by name, returning its global function
// index.
func (m *Module) exportedFunc(name string) (uint32, bool) {
	for _, e := range m.Exports {
		if e.Name == name {
			return e.FuncIdx, true
		}
	}
	return 0, false
}

// funcType returns the signature for a global function index.
func (m *Module) funcType(globalIdx uint32) (FuncType, bool) {
	if int(globalIdx) >= len(m.funcTypeIdx) {
		return FuncType{}, false
	}
	ti := m.funcTypeIdx[globalIdx]
	if int(ti) >= len(m.Types) {
		return FuncType{}, false
	}
	return m.Types[ti], true
}

type byteReader struct {
	b   []byte
	pos int
}

func (r *byteReader) remaining() int { return len(r.b) - r.pos }

func (r *byteReader) byte() (byte, error) {
	if r.remaining() < 1 {
		return 0, ErrTruncated
	}
	v := r.b[r.pos]
	r.pos++
	return v, nil
}

func (r *byteReader) bytes(n int) ([]byte, error) {
	if r.remaining() < n {
		return nil, ErrTruncated
	}
	v := r.b[r.pos : r.pos+n]
	r.pos += n
	return v, nil
}

// uvarint reads a LEB128-encoded unsigned integer.
func (r *byteReader) uvarint() (uint64, error) {
	var result uint64
	var shift uint
	for {
		b, err := r.byte()
		if err != nil {
			return 0, err
		}
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, nil
		}
		shift += 7
		if shift >= 64 {
			return 0, ErrTruncated
		}
	}
}

// svarint reads a LEB128-encoded signed integer.
func (r *byteReader) svarint() (int64, error) {
	var result int64
	var shift uint
	var b byte
	var err error
	for {
		b, err = r.byte()
		if err != nil {
			return 0, err
		}
		result |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			break
		}
	}
	if shift < 64 && b&0x40 != 0 {
		result |= -1 << shift
	}
	return result, nil
}

func (r *byteReader) name() (string, error) {
	n, err := r.uvarint()
	if err != nil {
		return "", err
	}
	b, err := r.bytes(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *byteReader) valType() (ValType, error) {
	b, err := r.byte()
	if err != nil {
		return 0, err
	}
	return ValType(b), nil
}

// LoadModule validates and parses a WASM 1.0 binary image: validate
// magic and version, walk sections once, parse Import, Export, Memory,
// identify "splax" imports.
func LoadModule(id uint64, image []byte) (*Module, error) {
	if len(image) < 8 {
		return nil, ErrBadMagic
	}
	if binary.LittleEndian.Uint32(image[0:4]) != wasmMagic {
		return nil, ErrBadMagic
	}
	if binary.LittleEndian.Uint32(image[4:8]) != wasmVersion {
		return nil, ErrBadVersion
	}

	r := &byteReader{b: image[8:]}
	m := &Module{ID: id}
	var funcTypeIndices []uint32 // module-defined functions, by declaration order

	for r.remaining() > 0 {
		id, err := r.byte()
		if err != nil {
			return nil, err
		}
		size, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		body, err := r.bytes(int(size))
		if err != nil {
			return nil, err
		}
		sr := &byteReader{b: body}

		switch id {
		case secType:
			if err := parseTypeSection(sr, m); err != nil {
				return nil, err
			}
		case secImport:
			if err := parseImportSection(sr, m, &funcTypeIndices); err != nil {
				return nil, err
			}
		case secFunction:
			if err := parseFunctionSection(sr, &funcTypeIndices); err != nil {
				return nil, err
			}
		case secMemory:
			if err := parseMemorySection(sr, m); err != nil {
				return nil, err
			}
		case secExport:
			if err := parseExportSection(sr, m); err != nil {
				return nil, err
			}
		case secCode:
			if err := parseCodeSection(sr, m, funcTypeIndices); err != nil {
				return nil, err
			}
		default:
			// Table, Global, Start, Element, Data, Custom: not needed by
			// this runtime's host-call-centric execution model.
		}
	}

	m.funcTypeIdx = funcTypeIndices
	return m, nil
}

func parseTypeSection(r *byteReader, m *Module) error {
	n, err := r.uvarint()
	if err != nil {
		return err
	}
	for i := uint64(0); i < n; i++ {
		form, err := r.byte()
		if err != nil {
			return err
		}
		if form != 0x60 {
			return fmt.Errorf("wasmrt: unsupported type form 0x%x", form)
		}
		np, err := r.uvarint()
		if err != nil {
			return err
		}
		params := make([]ValType, np)
		for j := range params {
			if params[j], err = r.valType(); err != nil {
				return err
			}
		}
		nr, err := r.uvarint()
		if err != nil {
			return err
		}
		results := make([]ValType, nr)
		for j := range results {
			if results[j], err = r.valType(); err != nil {
				return err
			}
		}
		m.Types = append(m.Types, FuncType{Params: params, Results: results})
	}
	return nil
}

func parseImportSection(r *byteReader, m *Module, funcTypeIndices *[]uint32) error {
	n, err := r.uvarint()
	if err != nil {
		return err
	}
	for i := uint64(0); i < n; i++ {
		mod, err := r.name()
		if err != nil {
			return err
		}
		field, err := r.name()
		if err != nil {
			return err
		}
		kind, err := r.byte()
		if err != nil {
			return err
		}
		switch kind {
		case 0x00: // func
			ti, err := r.uvarint()
			if err != nil {
				return err
			}
			imp := Import{Module: mod, Field: field, TypeIdx: uint32(ti)}
			if mod == "splax" {
				imp.HostFn = hostFunctionByName[field]
			}
			m.Imports = append(m.Imports, imp)
			*funcTypeIndices = append(*funcTypeIndices, uint32(ti))
		case 0x01: // table
			if _, err := r.byte(); err != nil { // elem type
				return err
			}
			if err := skipLimits(r); err != nil {
				return err
			}
		case 0x02: // memory
			if err := skipLimits(r); err != nil {
				return err
			}
		case 0x03: // global
			if _, err := r.valType(); err != nil {
				return err
			}
			if _, err := r.byte(); err != nil { // mutability
				return err
			}
		}
	}
	return nil
}

func skipLimits(r *byteReader) error {
	flags, err := r.byte()
	if err != nil {
		return err
	}
	if _, err := r.uvarint(); err != nil {
		return err
	}
	if flags&0x01 != 0 {
		if _, err := r.uvarint(); err != nil {
			return err
		}
	}
	return nil
}

func parseFunctionSection(r *byteReader, funcTypeIndices *[]uint32) error {
	n, err := r.uvarint()
	if err != nil {
		return err
	}
	for i := uint64(0); i < n; i++ {
		ti, err := r.uvarint()
		if err != nil {
			return err
		}
		*funcTypeIndices = append(*funcTypeIndices, uint32(ti))
	}
	return nil
}

func parseMemorySection(r *byteReader, m *Module) error {
	n, err := r.uvarint()
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	flags, err := r.byte()
	if err != nil {
		return err
	}
	min, err := r.uvarint()
	if err != nil {
		return err
	}
	m.Memory.Min = uint32(min)
	if flags&0x01 != 0 {
		max, err := r.uvarint()
		if err != nil {
			return err
		}
		m.Memory.Max = uint32(max)
		m.Memory.HasMax = true
	}
	m.HasMemory = true
	return nil
}

func parseExportSection(r *byteReader, m *Module) error {
	n, err := r.uvarint()
	if err != nil {
		return err
	}
	for i := uint64(0); i < n; i++ {
		name, err := r.name()
		if err != nil {
			return err
		}
		kind, err := r.byte()
		if err != nil {
			return err
		}
		idx, err := r.uvarint()
		if err != nil {
			return err
		}
		if kind == 0x00 { // func
			m.Exports = append(m.Exports, Export{Name: name, FuncIdx: uint32(idx)})
		}
	}
	return nil
}

func parseCodeSection(r *byteReader, m *Module, funcTypeIndices []uint32) error {
	n, err := r.uvarint()
	if err != nil {
		return err
	}
	numImports := len(m.Imports)
	for i := uint64(0); i < n; i++ {
		bodySize, err := r.uvarint()
		if err != nil {
			return err
		}
		bodyBytes, err := r.bytes(int(bodySize))
		if err != nil {
			return err
		}
		br := &byteReader{b: bodyBytes}

		localDeclCount, err := br.uvarint()
		if err != nil {
			return err
		}
		var locals []ValType
		for j := uint64(0); j < localDeclCount; j++ {
			count, err := br.uvarint()
			if err != nil {
				return err
			}
			vt, err := br.valType()
			if err != nil {
				return err
			}
			for k := uint64(0); k < count; k++ {
				locals = append(locals, vt)
			}
		}
		code := br.b[br.pos:]

		globalIdx := numImports + int(i)
		var typeIdx uint32
		if globalIdx < len(funcTypeIndices) {
			typeIdx = funcTypeIndices[globalIdx]
		}
		m.Funcs = append(m.Funcs, Function{TypeIdx: typeIdx, Locals: locals, Code: code})
	}
	return nil
}
