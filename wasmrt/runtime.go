package wasmrt

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/splax-s/splax/capability"
	"github.com/splax-s/splax/kernel/metrics"
)

// Option configures a Runtime, following this module's WithXxx convention.
type Option func(*Runtime)

func WithMaxModules(n int) Option    { return func(r *Runtime) { r.maxModules = n } }
func WithMaxMemoryBytes(n int) Option { return func(r *Runtime) { r.maxMemoryBytes = n } }
func WithMaxSteps(n uint64) Option   { return func(r *Runtime) { r.defaultMaxSteps = n } }
func WithMetrics(m metrics.Sink) Option { return func(r *Runtime) { r.metrics = m } }
func WithLogger(l *logrus.Logger) Option { return func(r *Runtime) { r.log = l } }

// CapabilityBinding pairs a required HostFunction with the token the
// caller asserts authorizes it.
type CapabilityBinding struct {
	Function HostFunction
	Token    Token
}

// Runtime owns loaded modules, running instances, and the capability
// engine instances check host calls against.
type Runtime struct {
	cap *capability.Engine

	mu              sync.RWMutex
	modules         map[uint64]*Module
	instances       map[uint64]*Instance
	maxModules      int
	maxMemoryBytes  int
	defaultMaxSteps uint64
	nextInstanceID  uint64

	hostImpl map[HostFunction]HostImpl

	metrics metrics.Sink
	log     *logrus.Logger
}

// New builds a Runtime bound to a capability engine used to check every
// instantiation's bindings and every host call.
func New(capEngine *capability.Engine, hostImpl map[HostFunction]HostImpl, opts ...Option) *Runtime {
	r := &Runtime{
		cap:             capEngine,
		modules:         make(map[uint64]*Module),
		instances:       make(map[uint64]*Instance),
		maxModules:      256,
		maxMemoryBytes:  16 * 1024 * 1024,
		defaultMaxSteps: 10_000_000,
		hostImpl:        hostImpl,
		metrics:         metrics.Noop{},
		log:             logrus.StandardLogger(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Load validates and registers a module image, enforcing the runtime's
// maximum live module count.
func (r *Runtime) Load(id uint64, image []byte) (*Module, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.modules) >= r.maxModules {
		return nil, ErrMaxModulesExceeded
	}
	m, err := LoadModule(id, image)
	if err != nil {
		return nil, err
	}
	r.modules[id] = m
	r.metrics.IncrCounter("wasmrt.modules_loaded", 1)
	r.log.WithField("module_id", id).Info("wasmrt: module loaded")
	return m, nil
}

func (r *Runtime) module(id uint64) (*Module, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[id]
	if !ok {
		return nil, ErrModuleNotFound
	}
	return m, nil
}

// Instantiate creates a new Instance of moduleID, checking that every
// "splax" host import has a binding. Whether the bound token authorizes
// the function's required resource class is checked on each host call.
func (r *Runtime) Instantiate(moduleID uint64, bindings []CapabilityBinding, maxSteps uint64) (*Instance, error) {
	m, err := r.module(moduleID)
	if err != nil {
		return nil, err
	}

	bound := make(map[HostFunction]binding, len(bindings))
	for _, b := range bindings {
		bound[b.Function] = binding{token: b.Token, hf: b.Function}
	}

	// Instantiate only requires that every "splax" host import has a
	// binding present; whether that binding's token actually authorizes
	// the function's resource class is checked lazily on each call, by
	// Engine.Check and Engine.Resource inside callHost.
	for _, imp := range m.Imports {
		if imp.Module != "splax" {
			continue
		}
		if _, ok := bound[imp.HostFn]; !ok {
			return nil, ErrMissingImport
		}
		if _, _, known := RequiredCapability(imp.HostFn); !known {
			return nil, ErrMissingImport
		}
	}

	memBytes := int(m.Memory.Min) * wasmPageSize
	maxBytes := r.maxMemoryBytes
	if m.Memory.HasMax {
		declaredMax := int(m.Memory.Max) * wasmPageSize
		if declaredMax < maxBytes {
			maxBytes = declaredMax
		}
	}
	if memBytes > maxBytes {
		return nil, ErrMemoryLimitExceeded
	}

	if maxSteps == 0 {
		maxSteps = r.defaultMaxSteps
	}

	inst := &Instance{
		ID:             atomic.AddUint64(&r.nextInstanceID, 1),
		Module:         m,
		cap:            r.cap,
		bindings:       bound,
		hostImpl:       r.hostImpl,
		state:          StateReady,
		memory:         make([]byte, memBytes),
		maxMemoryBytes: maxBytes,
		maxSteps:       maxSteps,
	}

	r.mu.Lock()
	r.instances[inst.ID] = inst
	r.mu.Unlock()
	r.metrics.IncrCounter("wasmrt.instances_created", 1)
	return inst, nil
}

// Call runs export exportName to completion or suspension.
func (r *Runtime) Call(inst *Instance, exportName string, args []int64) ([]int64, error) {
	inst.mu.Lock()
	if inst.state == StateTerminated {
		inst.mu.Unlock()
		return nil, ErrInvalidState
	}
	if inst.state == StateSuspended {
		inst.mu.Unlock()
		return nil, ErrInvalidState
	}
	inst.state = StateRunning
	inst.mu.Unlock()

	idx, ok := inst.Module.exportedFunc(exportName)
	if !ok {
		inst.Terminate()
		return nil, ErrExportNotFound
	}
	numImports := inst.Module.numImportedFuncs()
	if int(idx) < numImports {
		inst.Terminate()
		return nil, ErrExportNotFound
	}
	fn := &inst.Module.Funcs[int(idx)-numImports]
	fr := newFrame(fn, args)

	res, err := inst.runFrame(fr)
	return r.finish(inst, fr, res, err)
}

// Resume continues a Suspended instance after its s_sleep has completed.
func (r *Runtime) Resume(inst *Instance) ([]int64, error) {
	inst.mu.Lock()
	if inst.state != StateSuspended {
		inst.mu.Unlock()
		return nil, ErrInvalidState
	}
	fr := inst.suspendedFrame
	inst.suspendedFrame = nil
	inst.state = StateRunning
	inst.mu.Unlock()

	res, err := inst.runFrame(fr)
	return r.finish(inst, fr, res, err)
}

func (r *Runtime) finish(inst *Instance, fr *frame, res []int64, err error) ([]int64, error) {
	switch err {
	case nil:
		inst.mu.Lock()
		inst.state = StateReady
		inst.mu.Unlock()
		return res, nil
	case errSuspend:
		inst.mu.Lock()
		inst.state = StateSuspended
		inst.suspendedFrame = fr
		inst.mu.Unlock()
		return nil, nil
	default:
		inst.Terminate()
		r.metrics.IncrCounter("wasmrt.traps", 1)
		return nil, err
	}
}
