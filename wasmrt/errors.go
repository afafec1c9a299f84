// Package wasmrt implements a capability-gated WebAssembly runtime:
// module loading, instantiation against bound capabilities, and a
// deterministic interpreter enforcing a per-instance
// step budget and linear-memory bounds.
package wasmrt

import "errors"

var (
	// ErrModuleNotFound is returned when an operation names an unloaded
	// module id.
	ErrModuleNotFound = errors.New("wasmrt: module not found")
	// ErrMaxModulesExceeded bounds how many modules may be resident at once.
	ErrMaxModulesExceeded = errors.New("wasmrt: max modules exceeded")
	// ErrBadMagic is returned when a module image doesn't start with the
	// WebAssembly magic number.
	ErrBadMagic = errors.New("wasmrt: bad magic number")
	// ErrBadVersion is returned when the module's version field isn't 1.
	ErrBadVersion = errors.New("wasmrt: unsupported version")
	// ErrTruncated is returned when a section or instruction stream ends
	// before its declared length is consumed.
	ErrTruncated = errors.New("wasmrt: truncated module")
	// ErrMissingImport is returned by Instantiate when a "splax" host
	// import has no capability binding.
	ErrMissingImport = errors.New("wasmrt: missing import binding")
	// ErrInvalidCapability is returned when a bound capability doesn't
	// authorize a host function's required resource class.
	ErrInvalidCapability = errors.New("wasmrt: invalid capability binding")
	// ErrExecutionLimit is returned when an instance's max_steps is
	// reached mid-call.
	ErrExecutionLimit = errors.New("wasmrt: execution step limit reached")
	// ErrMemoryAccessOutOfBounds is returned by a load/store instruction
	// reaching outside linear memory.
	ErrMemoryAccessOutOfBounds = errors.New("wasmrt: memory access out of bounds")
	// ErrInvalidState is returned when an operation is attempted against
	// an instance not in the state it requires (e.g. calling a Terminated
	// instance, or resuming one that isn't Suspended).
	ErrInvalidState = errors.New("wasmrt: invalid instance state")
	// ErrExportNotFound is returned when Call names an export the module
	// doesn't have, or that isn't a function.
	ErrExportNotFound = errors.New("wasmrt: export not found")
	// ErrTrap wraps an interpreter trap (unreachable, integer divide by
	// zero, stack underflow, ...); on a trap the instance transitions to
	// Terminated.
	ErrTrap = errors.New("wasmrt: trap")
	// ErrMemoryLimitExceeded is returned by Instantiate when the module's
	// declared initial size would exceed max_memory (or the module's own
	// declared maximum). memory.grow past the limit pushes -1 instead.
	ErrMemoryLimitExceeded = errors.New("wasmrt: memory limit exceeded")
)
