package ipc

import "github.com/splax-s/splax/capability"

// MaxMessageSize bounds a single message's payload.
const MaxMessageSize = 1 << 20 // 1 MiB

// Header carries message metadata that isn't part of the payload proper —
// left as a small open map rather than a fixed struct, since different
// producers (VFS, router, wasmrt host calls) want different fields.
type Header map[string]string

// Message is the unit IPC channels carry: bytes plus moved capabilities.
type Message struct {
	Header    Header
	Payload   []byte
	Attached  []capability.Token
	UseRegion bool // true if Attached[0] is a SharedRegion capability (zero-copy)
}

// Policy governs what Send does when a channel's queue is full.
type Policy int

const (
	// PolicyBlock makes Send wait for room (subject to the caller's
	// context/deadline at a higher layer — the producer-side analogue of
	// a blocking recv).
	PolicyBlock Policy = iota
	// PolicyDropOldest discards the oldest queued message (revoking its
	// attached capabilities) to make room for the new one.
	PolicyDropOldest
	// PolicyReject fails Send immediately with ErrQueueFull.
	PolicyReject
)
