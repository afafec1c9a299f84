package wasmrt

// A minimal WASM 1.0 encoder used only by this package's tests to build
// module images by hand, since no wasm toolchain is available in this
// environment.

func uleb(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			break
		}
	}
	return out
}

func sleb(v int64) []byte {
	var out []byte
	more := true
	for more {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			more = false
		} else {
			b |= 0x80
		}
		out = append(out, b)
	}
	return out
}

func section(id byte, body []byte) []byte {
	return append([]byte{id}, append(uleb(uint64(len(body))), body...)...)
}

func name(s string) []byte {
	return append(uleb(uint64(len(s))), []byte(s)...)
}

// moduleBuilder assembles a WASM image from a handful of declarative
// pieces sufficient for this runtime's tests: one or more splax host
// imports, a single defined function, an export, and optional memory.
type moduleBuilder struct {
	imports []builderImport
	memMin  uint32
	memMax  uint32
	hasMax  bool
	body    []byte // function body instructions (locals decl count=0 prefix added automatically)
	export  string
	params  int // number of i32 params the defined function takes
}

type builderImport struct {
	field string
}

func (b *moduleBuilder) importHost(field string) { b.imports = append(b.imports, builderImport{field: field}) }

func (b *moduleBuilder) build() []byte {
	var out []byte
	out = append(out, 0x00, 0x61, 0x73, 0x6d) // \0asm
	out = append(out, 0x01, 0x00, 0x00, 0x00) // version 1

	// Type section: type 0 = (i32* params) -> (i32), used by both every
	// host import and the single defined function for simplicity.
	paramTypes := make([]byte, b.params)
	for i := range paramTypes {
		paramTypes[i] = 0x7f
	}
	typeBody := append(uleb(1), 0x60)
	typeBody = append(typeBody, uleb(uint64(len(paramTypes)))...)
	typeBody = append(typeBody, paramTypes...)
	typeBody = append(typeBody, uleb(1)...) // 1 result
	typeBody = append(typeBody, 0x7f)
	out = append(out, section(secType, typeBody)...)

	// Import section.
	if len(b.imports) > 0 {
		impBody := uleb(uint64(len(b.imports)))
		for _, imp := range b.imports {
			impBody = append(impBody, name("splax")...)
			impBody = append(impBody, name(imp.field)...)
			impBody = append(impBody, 0x00)       // func kind
			impBody = append(impBody, uleb(0)...) // type index 0
		}
		out = append(out, section(secImport, impBody)...)
	}

	// Function section: one defined function, type 0.
	out = append(out, section(secFunction, append(uleb(1), uleb(0)...))...)

	// Memory section.
	if b.memMin > 0 || b.hasMax {
		var memBody []byte
		if b.hasMax {
			memBody = append(uleb(1), 0x01)
			memBody = append(memBody, uleb(uint64(b.memMin))...)
			memBody = append(memBody, uleb(uint64(b.memMax))...)
		} else {
			memBody = append(uleb(1), 0x00)
			memBody = append(memBody, uleb(uint64(b.memMin))...)
		}
		out = append(out, section(secMemory, memBody)...)
	}

	// Export section: export the defined function (global index =
	// len(imports)) under b.export.
	if b.export != "" {
		expBody := append(uleb(1), name(b.export)...)
		expBody = append(expBody, 0x00)
		expBody = append(expBody, uleb(uint64(len(b.imports)))...)
		out = append(out, section(secExport, expBody)...)
	}

	// Code section: one function body, no additional locals, then end.
	code := append([]byte{}, b.body...)
	code = append(code, 0x0b) // end
	fnBody := append(uleb(0), code...) // 0 local decls
	codeBody := append(uleb(1), uleb(uint64(len(fnBody)))...)
	codeBody = append(codeBody, fnBody...)
	out = append(out, section(secCode, codeBody)...)

	return out
}
