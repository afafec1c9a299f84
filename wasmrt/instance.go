package wasmrt

import (
	"sync"

	"github.com/splax-s/splax/capability"
)

// State is an Instance's lifecycle stage.
type State int

const (
	StateReady State = iota
	StateRunning
	StateSuspended
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateSuspended:
		return "suspended"
	case StateTerminated:
		return "terminated"
	}
	return "invalid"
}

const wasmPageSize = 64 * 1024

// binding pairs a HostFunction with the capability token authorizing it;
// the Instance's engine checks each call against that token.
type binding struct {
	token Token
	hf    HostFunction
}

// Token is a capability.Token alias kept local to avoid every caller of
// this package importing capability just to write Instantiate calls.
type Token = capability.Token

// Instance is one running (or suspended, or terminated) execution of a
// Module.
type Instance struct {
	ID       uint64
	Module   *Module
	cap      *capability.Engine
	bindings map[HostFunction]binding
	hostImpl map[HostFunction]HostImpl

	mu             sync.Mutex
	state          State
	memory         []byte
	maxMemoryBytes int

	stepsExecuted uint64
	maxSteps      uint64

	// suspendedFrame holds interpreter state to resume into after an
	// s_sleep host call returns; nil unless state == Suspended.
	suspendedFrame *frame
}

func (inst *Instance) State() State {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.state
}

func (inst *Instance) StepsExecuted() uint64 {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.stepsExecuted
}

// Terminate forces an instance to Terminated; any host call in flight
// observes ErrInvalidState on its next step.
func (inst *Instance) Terminate() {
	inst.mu.Lock()
	inst.state = StateTerminated
	inst.mu.Unlock()
}

// readMemory returns a bounds-checked slice of linear memory.
func (inst *Instance) readMemory(offset, length uint32) ([]byte, error) {
	end := uint64(offset) + uint64(length)
	if end > uint64(len(inst.memory)) {
		return nil, ErrMemoryAccessOutOfBounds
	}
	return inst.memory[offset:end], nil
}

func (inst *Instance) writeMemory(offset uint32, data []byte) error {
	end := uint64(offset) + uint64(len(data))
	if end > uint64(len(inst.memory)) {
		return ErrMemoryAccessOutOfBounds
	}
	copy(inst.memory[offset:], data)
	return nil
}

func (inst *Instance) growMemory(deltaPages uint32) (prevPages int32, err error) {
	prevPages = int32(len(inst.memory) / wasmPageSize)
	newSize := len(inst.memory) + int(deltaPages)*wasmPageSize
	if newSize > inst.maxMemoryBytes {
		return -1, nil // WASM semantics: memory.grow returns -1 on failure, doesn't trap
	}
	inst.memory = append(inst.memory, make([]byte, int(deltaPages)*wasmPageSize)...)
	return prevPages, nil
}

// frame is one activation record on the call stack.
type frame struct {
	fn      *Function
	locals  []int64
	code    []byte
	ip      int
	stack   []int64
	blocks  []blockCtx
	results int // arity of the function's result, used when unwinding
}

// blockCtx tracks a structured-control-flow block's branch target.
type blockCtx struct {
	isLoop    bool
	startIP   int // loop: branch target; block/if: unused for br, only for end
	stackBase int
	arity     int
}

// call dispatches a global function index to either a module-defined
// function (recursive interpretation) or a "splax" host import (capability
// check, then the bound Go implementation). suspend reports s_sleep.
func (inst *Instance) call(globalIdx uint32, caller *frame) (results []int64, suspend bool, err error) {
	numImports := inst.Module.numImportedFuncs()
	if int(globalIdx) < numImports {
		return inst.callHost(inst.Module.Imports[globalIdx].HostFn, caller)
	}
	fn := &inst.Module.Funcs[int(globalIdx)-numImports]
	ft, _ := inst.Module.funcType(globalIdx)
	args := make([]int64, len(ft.Params))
	for i := len(args) - 1; i >= 0; i-- {
		args[i] = caller.pop()
	}
	fr := newFrame(fn, args)
	res, err := inst.runFrame(fr)
	if err == errSuspend {
		return nil, true, nil
	}
	return res, false, err
}

func (inst *Instance) callHost(hf HostFunction, caller *frame) (results []int64, suspend bool, err error) {
	b, ok := inst.bindings[hf]
	if !ok {
		return nil, false, ErrMissingImport
	}
	rc := requiredCapabilityTable[hf]
	if kerr := inst.cap.Check(b.token, rc.op, 0); kerr != nil {
		return nil, false, ErrInvalidCapability
	}
	if rt, _, rerr := inst.cap.Resource(b.token); rerr != nil || rt != rc.resourceType {
		return nil, false, ErrInvalidCapability
	}
	impl, ok := inst.hostImpl[hf]
	if !ok {
		return nil, false, ErrTrap
	}
	// Host functions in this runtime take a fixed single i64 argument
	// (a linear-memory pointer or small scalar); callers encode richer
	// payloads via memory, matching s_link_send/s_storage_write's shape.
	var args []int64
	if len(caller.stack) > 0 {
		args = []int64{caller.pop()}
	}
	res, susp, err := impl(inst, args)
	if err != nil {
		return nil, false, err
	}
	return res, susp, nil
}

func newFrame(fn *Function, args []int64) *frame {
	locals := make([]int64, len(args)+len(fn.Locals))
	copy(locals, args)
	return &frame{fn: fn, locals: locals, code: fn.Code}
}

func (f *frame) push(v int64)  { f.stack = append(f.stack, v) }
func (f *frame) pop() int64 {
	v := f.stack[len(f.stack)-1]
	f.stack = f.stack[:len(f.stack)-1]
	return v
}

// runFrame executes fn's code to completion (normal return, trap, host
// call suspension, or step-budget exhaustion). It is the whole of this
// runtime's "minimal hand-rolled stack-machine interpreter": a subset of
// WASM 1.0 opcodes sufficient to run host-call-bound modules
// deterministically, not a general-purpose engine.
func (inst *Instance) runFrame(fr *frame) (results []int64, err error) {
	for {
		if inst.State() == StateTerminated {
			return nil, ErrInvalidState
		}
		if fr.ip >= len(fr.code) {
			break
		}
		inst.mu.Lock()
		inst.stepsExecuted++
		exceeded := inst.stepsExecuted > inst.maxSteps
		inst.mu.Unlock()
		if exceeded {
			return nil, ErrExecutionLimit
		}

		op := fr.code[fr.ip]
		fr.ip++
		r := &byteReader{b: fr.code, pos: fr.ip}

		switch op {
		case 0x00: // unreachable
			return nil, ErrTrap
		case 0x01: // nop
		case 0x02: // block
			if _, err := r.byte(); err != nil { // blocktype
				return nil, err
			}
			fr.blocks = append(fr.blocks, blockCtx{stackBase: len(fr.stack)})
			fr.ip = r.pos
		case 0x03: // loop
			if _, err := r.byte(); err != nil {
				return nil, err
			}
			fr.blocks = append(fr.blocks, blockCtx{isLoop: true, startIP: r.pos, stackBase: len(fr.stack)})
			fr.ip = r.pos
		case 0x04: // if
			if _, err := r.byte(); err != nil {
				return nil, err
			}
			cond := fr.pop()
			fr.blocks = append(fr.blocks, blockCtx{stackBase: len(fr.stack)})
			fr.ip = r.pos
			if cond == 0 {
				if err := skipToElseOrEnd(fr); err != nil {
					return nil, err
				}
			}
		case 0x05: // else — reached only by falling through the "if" branch
			if err := skipToMatchingEnd(fr); err != nil {
				return nil, err
			}
		case 0x0b: // end
			if len(fr.blocks) > 0 {
				fr.blocks = fr.blocks[:len(fr.blocks)-1]
			}
		case 0x0c: // br
			depth, err := r.uvarint()
			fr.ip = r.pos
			if err != nil {
				return nil, err
			}
			if err := branch(fr, int(depth)); err != nil {
				return nil, err
			}
		case 0x0d: // br_if
			depth, err := r.uvarint()
			fr.ip = r.pos
			if err != nil {
				return nil, err
			}
			if fr.pop() != 0 {
				if err := branch(fr, int(depth)); err != nil {
					return nil, err
				}
			}
		case 0x0f: // return
			return popResults(fr), nil
		case 0x10: // call
			idx, err := r.uvarint()
			fr.ip = r.pos
			if err != nil {
				return nil, err
			}
			res, suspend, err := inst.call(uint32(idx), fr)
			if err != nil {
				return nil, err
			}
			if suspend {
				return nil, errSuspend
			}
			for _, v := range res {
				fr.push(v)
			}
		case 0x1a: // drop
			fr.pop()
		case 0x1b: // select
			c := fr.pop()
			b := fr.pop()
			a := fr.pop()
			if c != 0 {
				fr.push(a)
			} else {
				fr.push(b)
			}
		case 0x20: // local.get
			idx, err := r.uvarint()
			fr.ip = r.pos
			if err != nil {
				return nil, err
			}
			fr.push(fr.locals[idx])
		case 0x21: // local.set
			idx, err := r.uvarint()
			fr.ip = r.pos
			if err != nil {
				return nil, err
			}
			fr.locals[idx] = fr.pop()
		case 0x22: // local.tee
			idx, err := r.uvarint()
			fr.ip = r.pos
			if err != nil {
				return nil, err
			}
			v := fr.pop()
			fr.locals[idx] = v
			fr.push(v)
		case 0x28, 0x29, 0x2c, 0x2d, 0x2e, 0x2f: // i32.load variants
			if _, err := r.uvarint(); err != nil { // align
				return nil, err
			}
			offset, err := r.uvarint()
			fr.ip = r.pos
			if err != nil {
				return nil, err
			}
			addr := uint32(fr.pop()) + uint32(offset)
			v, err := inst.loadInt(op, addr)
			if err != nil {
				return nil, err
			}
			fr.push(v)
		case 0x36, 0x3a, 0x3b: // i32.store variants
			if _, err := r.uvarint(); err != nil {
				return nil, err
			}
			offset, err := r.uvarint()
			fr.ip = r.pos
			if err != nil {
				return nil, err
			}
			val := fr.pop()
			addr := uint32(fr.pop()) + uint32(offset)
			if err := inst.storeInt(op, addr, val); err != nil {
				return nil, err
			}
		case 0x3f: // memory.size
			fr.ip = r.pos + 1 // reserved byte
			fr.push(int64(len(inst.memory) / wasmPageSize))
		case 0x40: // memory.grow
			fr.ip = r.pos + 1
			delta := uint32(fr.pop())
			prev, err := inst.growMemory(delta)
			if err != nil {
				return nil, err
			}
			fr.push(int64(prev))
		case 0x41: // i32.const
			v, err := r.svarint()
			fr.ip = r.pos
			if err != nil {
				return nil, err
			}
			fr.push(v)
		case 0x42: // i64.const
			v, err := r.svarint()
			fr.ip = r.pos
			if err != nil {
				return nil, err
			}
			fr.push(v)
		case 0x45: // i32.eqz
			if fr.pop() == 0 {
				fr.push(1)
			} else {
				fr.push(0)
			}
		case 0x46, 0x51: // i32.eq, i64.eq
			b, a := fr.pop(), fr.pop()
			fr.push(boolInt(a == b))
		case 0x47, 0x52: // ne
			b, a := fr.pop(), fr.pop()
			fr.push(boolInt(a != b))
		case 0x48, 0x53: // lt_s
			b, a := fr.pop(), fr.pop()
			fr.push(boolInt(a < b))
		case 0x4a, 0x55: // gt_s
			b, a := fr.pop(), fr.pop()
			fr.push(boolInt(a > b))
		case 0x4c, 0x57: // le_s
			b, a := fr.pop(), fr.pop()
			fr.push(boolInt(a <= b))
		case 0x4e, 0x59: // ge_s
			b, a := fr.pop(), fr.pop()
			fr.push(boolInt(a >= b))
		case 0x6a, 0x7c: // i32.add, i64.add
			b, a := fr.pop(), fr.pop()
			fr.push(a + b)
		case 0x6b, 0x7d: // sub
			b, a := fr.pop(), fr.pop()
			fr.push(a - b)
		case 0x6c, 0x7e: // mul
			b, a := fr.pop(), fr.pop()
			fr.push(a * b)
		case 0x6d, 0x7f: // div_s
			b, a := fr.pop(), fr.pop()
			if b == 0 {
				return nil, ErrTrap
			}
			fr.push(a / b)
		case 0x6f, 0x81: // rem_s
			b, a := fr.pop(), fr.pop()
			if b == 0 {
				return nil, ErrTrap
			}
			fr.push(a % b)
		case 0x71, 0x83: // and
			b, a := fr.pop(), fr.pop()
			fr.push(a & b)
		case 0x72, 0x84: // or
			b, a := fr.pop(), fr.pop()
			fr.push(a | b)
		case 0x73, 0x85: // xor
			b, a := fr.pop(), fr.pop()
			fr.push(a ^ b)
		default:
			return nil, ErrTrap
		}
	}
	return popResults(fr), nil
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func popResults(fr *frame) []int64 {
	out := make([]int64, len(fr.stack))
	copy(out, fr.stack)
	return out
}

// errSuspend signals that a host call requested suspension (s_sleep);
// caught by Call/Resume, never surfaced to module code.
var errSuspend = newSentinel("wasmrt: suspend")

func newSentinel(s string) error { return &sentinelError{s} }

type sentinelError struct{ s string }

func (e *sentinelError) Error() string { return e.s }

// branch pops block contexts down to the target depth. A loop target is
// re-entered at its start; for a block/if target, skipBlocksToDepth
// advances ip past the matching end and execution continues after it.
// Jump targets are not pre-resolved: the end is found by scanning forward.
func branch(fr *frame, depth int) error {
	if depth >= len(fr.blocks) {
		return ErrTrap
	}
	target := fr.blocks[len(fr.blocks)-1-depth]
	if target.isLoop {
		fr.ip = target.startIP
		fr.blocks = fr.blocks[:len(fr.blocks)-depth]
		return nil
	}
	fr.blocks = fr.blocks[:len(fr.blocks)-1-depth]
	return skipBlocksToDepth(fr, depth)
}

// skipBlocksToDepth advances ip past `depth+1` matching `end` opcodes,
// accounting for nested block/loop/if openings.
func skipBlocksToDepth(fr *frame, depth int) error {
	remaining := depth + 1
	nest := 0
	for fr.ip < len(fr.code) {
		op := fr.code[fr.ip]
		fr.ip++
		switch op {
		case 0x02, 0x03, 0x04:
			fr.ip++ // blocktype byte
			nest++
		case 0x0b:
			if nest == 0 {
				remaining--
				if remaining == 0 {
					return nil
				}
			} else {
				nest--
			}
		}
	}
	return ErrTrap
}

func skipToElseOrEnd(fr *frame) error {
	nest := 0
	for fr.ip < len(fr.code) {
		op := fr.code[fr.ip]
		fr.ip++
		switch op {
		case 0x02, 0x03, 0x04:
			fr.ip++
			nest++
		case 0x05:
			if nest == 0 {
				return nil
			}
		case 0x0b:
			if nest == 0 {
				return nil
			}
			nest--
		}
	}
	return ErrTrap
}

func skipToMatchingEnd(fr *frame) error {
	nest := 0
	for fr.ip < len(fr.code) {
		op := fr.code[fr.ip]
		fr.ip++
		switch op {
		case 0x02, 0x03, 0x04:
			fr.ip++
			nest++
		case 0x0b:
			if nest == 0 {
				return nil
			}
			nest--
		}
	}
	return ErrTrap
}

func (inst *Instance) loadInt(op byte, addr uint32) (int64, error) {
	switch op {
	case 0x28: // i32.load
		b, err := inst.readMemory(addr, 4)
		if err != nil {
			return 0, err
		}
		return int64(int32(le32(b))), nil
	case 0x29: // i64.load
		b, err := inst.readMemory(addr, 8)
		if err != nil {
			return 0, err
		}
		return int64(le64(b)), nil
	case 0x2c: // i32.load8_s
		b, err := inst.readMemory(addr, 1)
		if err != nil {
			return 0, err
		}
		return int64(int8(b[0])), nil
	case 0x2d: // i32.load8_u
		b, err := inst.readMemory(addr, 1)
		if err != nil {
			return 0, err
		}
		return int64(b[0]), nil
	case 0x2e: // i32.load16_s
		b, err := inst.readMemory(addr, 2)
		if err != nil {
			return 0, err
		}
		return int64(int16(le16(b))), nil
	case 0x2f: // i32.load16_u
		b, err := inst.readMemory(addr, 2)
		if err != nil {
			return 0, err
		}
		return int64(le16(b)), nil
	}
	return 0, ErrTrap
}

func (inst *Instance) storeInt(op byte, addr uint32, val int64) error {
	switch op {
	case 0x36: // i32.store
		var b [4]byte
		putLe32(b[:], uint32(val))
		return inst.writeMemory(addr, b[:])
	case 0x3a: // i32.store8
		return inst.writeMemory(addr, []byte{byte(val)})
	case 0x3b: // i32.store16
		var b [2]byte
		putLe16(b[:], uint16(val))
		return inst.writeMemory(addr, b[:])
	}
	return ErrTrap
}

func le16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }
func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
func le64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
func putLe16(b []byte, v uint16) { b[0] = byte(v); b[1] = byte(v >> 8) }
func putLe32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
