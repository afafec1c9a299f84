package ipc

import "errors"

var (
	// ErrChannelClosed is returned by Send/Recv once Close has been called.
	ErrChannelClosed = errors.New("ipc: channel closed")
	// ErrQueueFull is returned by Send on a non-blocking, non-drop channel
	// whose queue has reached capacity.
	ErrQueueFull = errors.New("ipc: queue full")
	// ErrQueueEmpty is returned by a non-blocking Recv with nothing queued.
	ErrQueueEmpty = errors.New("ipc: queue empty")
	// ErrCapabilityMoved is returned by RegionStore.Read for a region that
	// has been unmapped. A sender that uses an attached capability after
	// Send gets a capability.DeniedError (Revoked) instead.
	ErrCapabilityMoved = errors.New("ipc: capability moved")
	// ErrMessageTooLarge is returned when payload exceeds MaxMessageSize.
	ErrMessageTooLarge = errors.New("ipc: message too large")
	// ErrUnknownChannel is returned for an unrecognized channel capability.
	ErrUnknownChannel = errors.New("ipc: unknown channel")
	// ErrWrongEndpoint names the wrong-endpoint case. Hub does not return
	// it: a producer capability used to Recv, or a consumer capability used
	// to Send, fails the capability check with a capability.DeniedError
	// (InsufficientOps).
	ErrWrongEndpoint = errors.New("ipc: wrong endpoint for operation")
)
