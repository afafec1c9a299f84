package wasmrt

import (
	"testing"

	"github.com/splax-s/splax/capability"
)

func newTestCapEngine(t *testing.T) *capability.Engine {
	t.Helper()
	e, err := capability.NewEngine(1)
	if err != nil {
		t.Fatalf("NewEngine() failed: %v", err)
	}
	return e
}

func storageWriteLogModule() []byte {
	b := &moduleBuilder{params: 1, export: "run"}
	b.importHost("s_storage_write")
	b.importHost("s_log")
	b.body = []byte{
		0x20, 0x00, // local.get 0
		0x10, 0x00, // call 0 (s_storage_write)
		0x20, 0x00, // local.get 0
		0x10, 0x01, // call 1 (s_log)
		0x41, 0x00, // i32.const 0
	}
	return b.build()
}

func testHostImpls(storageWrites, logs *int) map[HostFunction]HostImpl {
	return map[HostFunction]HostImpl{
		HostStorageWrite: func(inst *Instance, args []int64) ([]int64, bool, error) {
			*storageWrites++
			return nil, false, nil
		},
		HostLog: func(inst *Instance, args []int64) ([]int64, bool, error) {
			*logs++
			return nil, false, nil
		},
	}
}

func TestInstantiateMissingImport(t *testing.T) {
	capEng := newTestCapEngine(t)
	var writes, logs int
	rt := New(capEng, testHostImpls(&writes, &logs))

	image := storageWriteLogModule()
	if _, err := rt.Load(1, image); err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	logCap, err := capEng.MintRoot(capability.ResourceLog, 1, capability.OpWrite)
	if err != nil {
		t.Fatalf("MintRoot(log) failed: %v", err)
	}

	_, err = rt.Instantiate(1, []CapabilityBinding{{Function: HostLog, Token: logCap}}, 0)
	if err != ErrMissingImport {
		t.Fatalf("Instantiate() with only s_log bound = %v, want ErrMissingImport", err)
	}
}

func TestInvalidCapabilityOnFirstCall(t *testing.T) {
	capEng := newTestCapEngine(t)
	var writes, logs int
	rt := New(capEng, testHostImpls(&writes, &logs))

	image := storageWriteLogModule()
	if _, err := rt.Load(1, image); err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	logCap, err := capEng.MintRoot(capability.ResourceLog, 1, capability.OpWrite)
	if err != nil {
		t.Fatalf("MintRoot(log) failed: %v", err)
	}
	// A storage capability that exists but does not authorize write:
	// bound to s_storage_write, the call should fail lazily on first use.
	readOnlyStorageCap, err := capEng.MintRoot(capability.ResourceStorage, 1, capability.OpRead)
	if err != nil {
		t.Fatalf("MintRoot(storage) failed: %v", err)
	}

	inst, err := rt.Instantiate(1, []CapabilityBinding{
		{Function: HostLog, Token: logCap},
		{Function: HostStorageWrite, Token: readOnlyStorageCap},
	}, 0)
	if err != nil {
		t.Fatalf("Instantiate() failed: %v", err)
	}

	_, err = rt.Call(inst, "run", []int64{0})
	if err != ErrInvalidCapability {
		t.Fatalf("Call() = %v, want ErrInvalidCapability", err)
	}
	if writes != 0 {
		t.Errorf("s_storage_write host impl invoked despite invalid capability")
	}
	if inst.State() != StateTerminated {
		t.Errorf("instance state = %v, want Terminated after trap-equivalent call failure", inst.State())
	}
}

func TestSuccessfulCallRunsBothHostFunctions(t *testing.T) {
	capEng := newTestCapEngine(t)
	var writes, logs int
	rt := New(capEng, testHostImpls(&writes, &logs))

	image := storageWriteLogModule()
	if _, err := rt.Load(1, image); err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	logCap, _ := capEng.MintRoot(capability.ResourceLog, 1, capability.OpWrite)
	storageCap, _ := capEng.MintRoot(capability.ResourceStorage, 1, capability.OpWrite)

	inst, err := rt.Instantiate(1, []CapabilityBinding{
		{Function: HostLog, Token: logCap},
		{Function: HostStorageWrite, Token: storageCap},
	}, 0)
	if err != nil {
		t.Fatalf("Instantiate() failed: %v", err)
	}

	res, err := rt.Call(inst, "run", []int64{42})
	if err != nil {
		t.Fatalf("Call() failed: %v", err)
	}
	if len(res) != 1 || res[0] != 0 {
		t.Errorf("Call() results = %v, want [0]", res)
	}
	if writes != 1 || logs != 1 {
		t.Errorf("writes=%d logs=%d, want 1,1", writes, logs)
	}
	if inst.State() != StateReady {
		t.Errorf("instance state = %v, want Ready after a normal return", inst.State())
	}
}

func TestExecutionLimitReached(t *testing.T) {
	capEng := newTestCapEngine(t)

	b := &moduleBuilder{params: 0, export: "loop"}
	b.body = []byte{
		0x03, 0x40, // loop (void)
		0x0c, 0x00, // br 0 — infinite loop
		0x0b, // end (unreachable, but keeps the encoder happy)
	}
	rt := New(capEng, nil, WithMaxSteps(50))
	if _, err := rt.Load(1, b.build()); err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	inst, err := rt.Instantiate(1, nil, 0)
	if err != nil {
		t.Fatalf("Instantiate() failed: %v", err)
	}

	if _, err := rt.Call(inst, "loop", nil); err != ErrExecutionLimit {
		t.Fatalf("Call() = %v, want ErrExecutionLimit", err)
	}
	if inst.State() != StateTerminated {
		t.Errorf("instance state = %v, want Terminated", inst.State())
	}
}

func TestMemoryAccessOutOfBounds(t *testing.T) {
	capEng := newTestCapEngine(t)

	b := &moduleBuilder{params: 1, export: "readOOB", memMin: 1}
	b.body = []byte{
		0x20, 0x00, // local.get 0 (address)
		0x28, 0x02, 0x00, // i32.load align=2 offset=0
	}
	rt := New(capEng, nil)
	if _, err := rt.Load(1, b.build()); err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	inst, err := rt.Instantiate(1, nil, 0)
	if err != nil {
		t.Fatalf("Instantiate() failed: %v", err)
	}

	_, err = rt.Call(inst, "readOOB", []int64{int64(70000)}) // beyond the single 64KiB page
	if err != ErrMemoryAccessOutOfBounds {
		t.Fatalf("Call() = %v, want ErrMemoryAccessOutOfBounds", err)
	}
}

func TestDeterministicValueStackAcrossIdenticalRuns(t *testing.T) {
	// same module + same args + same host-function return sequence
	// should produce an identical value stack trajectory.
	b := &moduleBuilder{params: 2, export: "add"}
	b.body = []byte{
		0x20, 0x00, // local.get 0
		0x20, 0x01, // local.get 1
		0x6a, // i32.add
	}
	image := b.build()

	run := func() []int64 {
		capEng, err := capability.NewEngine(1)
		if err != nil {
			t.Fatalf("NewEngine() failed: %v", err)
		}
		rt := New(capEng, nil)
		if _, err := rt.Load(1, image); err != nil {
			t.Fatalf("Load() failed: %v", err)
		}
		inst, err := rt.Instantiate(1, nil, 0)
		if err != nil {
			t.Fatalf("Instantiate() failed: %v", err)
		}
		res, err := rt.Call(inst, "add", []int64{7, 35})
		if err != nil {
			t.Fatalf("Call() failed: %v", err)
		}
		return res
	}

	a := run()
	b2 := run()
	if len(a) != 1 || len(b2) != 1 || a[0] != b2[0] || a[0] != 42 {
		t.Fatalf("non-deterministic or wrong result: %v vs %v", a, b2)
	}
}
