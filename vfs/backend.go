package vfs

import "context"

// Ino identifies an inode within a single backend's namespace. Backends are
// free to interpret it however they like (a map key, an array index, a
// blob-name hash); the VFS layer never inspects it beyond equality.
type Ino uint64

// FileKind distinguishes the handful of node types the VFS schema needs to
// reason about.
type FileKind int

const (
	KindFile FileKind = iota
	KindDirectory
	KindSymlink
)

// Attr is the attribute set returned by the Getattr and Fstat request
// variants.
type Attr struct {
	Ino   Ino
	Kind  FileKind
	Size  uint64
	Mode  uint32
	MTime uint64
}

// DirEntry is one entry in a Readdir listing.
type DirEntry struct {
	Name string
	Ino  Ino
	Kind FileKind
}

// Statfs is the filesystem-level summary returned by the Statfs variant.
type Statfs struct {
	BlocksTotal uint64
	BlocksFree  uint64
	FilesTotal  uint64
	FilesFree   uint64
}

// Backend is the contract every filesystem implements. Optional
// operations (Write, Create, Mkdir, Unlink, Rmdir, Rename, Symlink,
// Readlink, Truncate) are modeled as a superset interface
// (WritableBackend) a read-only backend simply doesn't implement; the
// server type-asserts before calling them, rather than every backend
// stubbing every mutating method with ErrNotSupported.
type Backend interface {
	// RootIno returns the inode of the backend's root directory.
	RootIno() Ino
	// FsType names the backend for Statfs/diagnostics ("ramfs", "azblobfs").
	FsType() string
	// Lookup resolves name within parent, returning ErrNotFound if absent.
	Lookup(ctx context.Context, parent Ino, name string) (Ino, error)
	// Getattr returns the attributes of ino.
	Getattr(ctx context.Context, ino Ino) (Attr, error)
	// Readdir lists the children of a directory inode.
	Readdir(ctx context.Context, ino Ino) ([]DirEntry, error)
	// Read reads up to len(buf) bytes from ino starting at off.
	Read(ctx context.Context, ino Ino, off int64, buf []byte) (int, error)
	// Sync flushes any buffered state for ino (0 means the whole backend).
	Sync(ctx context.Context, ino Ino) error
	// Statfs returns filesystem-level space/inode usage.
	Statfs(ctx context.Context) (Statfs, error)
}

// WritableBackend is implemented by backends whose Mount.ReadOnly is false.
type WritableBackend interface {
	Backend
	Write(ctx context.Context, ino Ino, off int64, buf []byte) (int, error)
	Create(ctx context.Context, parent Ino, name string, kind FileKind) (Ino, error)
	Mkdir(ctx context.Context, parent Ino, name string) (Ino, error)
	Unlink(ctx context.Context, parent Ino, name string) error
	Rmdir(ctx context.Context, parent Ino, name string) error
	Rename(ctx context.Context, oldParent Ino, oldName string, newParent Ino, newName string) error
	Symlink(ctx context.Context, parent Ino, name, target string) (Ino, error)
	Readlink(ctx context.Context, ino Ino) (string, error)
	Truncate(ctx context.Context, ino Ino, size int64) error
}
