package wasmrt

import "github.com/splax-s/splax/capability"

// HostFunction is the closed set of host imports a module may declare
// under the "splax" import module name.
type HostFunction int

const (
	HostUnknown HostFunction = iota
	HostLinkSend
	HostLinkReceive
	HostStorageRead
	HostStorageWrite
	HostLog
	HostTimeNow
	HostSleep
)

func (h HostFunction) String() string {
	switch h {
	case HostLinkSend:
		return "s_link_send"
	case HostLinkReceive:
		return "s_link_receive"
	case HostStorageRead:
		return "s_storage_read"
	case HostStorageWrite:
		return "s_storage_write"
	case HostLog:
		return "s_log"
	case HostTimeNow:
		return "s_time_now"
	case HostSleep:
		return "s_sleep"
	}
	return "unknown"
}

// hostFunctionByName maps the "splax" module's field names (s_link_send,
// s_link_receive, s_storage_read, s_storage_write, s_log, s_time_now,
// s_sleep) to HostFunction values.
var hostFunctionByName = map[string]HostFunction{
	"s_link_send":     HostLinkSend,
	"s_link_receive":  HostLinkReceive,
	"s_storage_read":  HostStorageRead,
	"s_storage_write": HostStorageWrite,
	"s_log":           HostLog,
	"s_time_now":      HostTimeNow,
	"s_sleep":         HostSleep,
}

// requiredCapability maps each host function to the resource class a
// caller's binding must authorize.
type requiredCapability struct {
	resourceType capability.ResourceType
	op           capability.Operation
}

var requiredCapabilityTable = map[HostFunction]requiredCapability{
	HostLinkSend:     {capability.ResourceChannel, capability.OpWrite},
	HostLinkReceive:  {capability.ResourceChannel, capability.OpRead},
	HostStorageRead:  {capability.ResourceStorage, capability.OpRead},
	HostStorageWrite: {capability.ResourceStorage, capability.OpWrite},
	HostLog:          {capability.ResourceLog, capability.OpWrite},
	HostTimeNow:      {capability.ResourceTime, capability.OpRead},
	HostSleep:        {capability.ResourceTime, capability.OpSleep},
}

// RequiredCapability reports the resource class a binding for hf must
// authorize.
func RequiredCapability(hf HostFunction) (capability.ResourceType, capability.Operation, bool) {
	rc, ok := requiredCapabilityTable[hf]
	return rc.resourceType, rc.op, ok
}

// HostImpl is the Go-side implementation a runtime wires in for a
// HostFunction; it receives the instance's linear memory (for pointer
// arguments) and the raw i64 argument stack, and returns i64 results plus
// whether the call should suspend the instance (s_sleep) or trap.
type HostImpl func(inst *Instance, args []int64) (results []int64, suspend bool, err error)
