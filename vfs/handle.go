package vfs

import "github.com/splax-s/splax/kernel/arena"

// OpenFlags are the bits a caller passes to Open.
type OpenFlags uint32

const (
	OpenRead OpenFlags = 1 << iota
	OpenWrite
	OpenAppend
	OpenCreate
	OpenExclusive
	OpenTruncate
	OpenDirectory
)

// openFile is the state behind one Handle: the owning mount, the inode
// within that mount's backend, the current seek position, the flags it
// was opened with, and a cached size. The Handle itself is the
// arena.Handle; mount is stored as a pointer since the mount table's
// backing slice is append-only within a Mount call's sort, and a *Mount
// survives its own removal from the table for exactly as long as an open
// Handle references it — Unmount checks this so a handle never outlives
// the mount backing it.
type openFile struct {
	mount      *Mount
	ino        Ino
	position   int64
	flags      OpenFlags
	cachedSize uint64
}

// MaxOpenFiles bounds the process-wide open-file table, a generational-index
// arena sized well past any single process's realistic fan-out.
const MaxOpenFiles = 65536

// Handle is the public handle type returned by Open.
type Handle = arena.Handle
