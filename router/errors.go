// Package router implements the distributed extension of node-to-node
// channel delivery: routing, serialization, session keys, and
// request/response correlation across Splax nodes. A Session carries
// DistributedMessages over a pluggable Transport.
package router

import "errors"

var (
	// ErrChannelNotFound names a destination channel with no local handler.
	// The Router does not return it: such an inbound message is logged and
	// dropped.
	ErrChannelNotFound = errors.New("router: channel not found")
	// ErrNodeNotFound is returned for an unregistered destination node.
	ErrNodeNotFound = errors.New("router: node not found")
	// ErrNotConnected names a destination session that isn't Connected.
	// The Router does not return it: Send and Request dial such a node
	// again through its registered dialer.
	ErrNotConnected = errors.New("router: not connected")
	// ErrTimeout is returned when a Request doesn't receive a matching
	// Response within its configured timeout.
	ErrTimeout = errors.New("router: request timed out")
	// ErrMessageTooLarge is returned for a payload exceeding MaxPayload.
	ErrMessageTooLarge = errors.New("router: message too large")
	// ErrInvalidMessage is returned by Decode for malformed wire bytes.
	ErrInvalidMessage = errors.New("router: invalid message")
	// ErrCapabilityDenied is returned by Send and Request when an attached
	// capability cannot be serialized for transfer. Capabilities carried
	// by inbound messages are not validated.
	ErrCapabilityDenied = errors.New("router: capability denied")
	// ErrEncryptionError is returned when sealing or opening a message
	// fails.
	ErrEncryptionError = errors.New("router: encryption error")
	// ErrNetworkError wraps a transport-level failure.
	ErrNetworkError = errors.New("router: network error")
)
