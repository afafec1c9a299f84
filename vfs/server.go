package vfs

import (
	"context"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/splax-s/splax/kernel/arena"
	"github.com/splax-s/splax/kernel/metrics"
)

// Option configures a Server, the functional-options shape used
// throughout this module.
type Option func(*Server)

func WithLogger(log *logrus.Logger) Option { return func(s *Server) { s.log = log } }
func WithMetrics(m metrics.Sink) Option    { return func(s *Server) { s.metrics = m } }

// Server is the VFS request server: it owns the mount table and the
// process-wide open-file table and dispatches each VfsRequest variant
// to the resolved backend.
type Server struct {
	mounts  *mountTable
	log     *logrus.Logger
	metrics metrics.Sink

	mu      sync.Mutex
	handles *arena.Arena[*openFile]
}

func NewServer(opts ...Option) *Server {
	s := &Server{
		mounts:  newMountTable(),
		log:     logrus.StandardLogger(),
		metrics: metrics.Noop{},
		handles: arena.New[*openFile](),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Mount attaches a backend at path.
func (s *Server) Mount(path string, backend Backend, readOnly bool) error {
	if err := s.mounts.Mount(&Mount{Path: path, Backend: backend, ReadOnly: readOnly}); err != nil {
		return err
	}
	s.metrics.IncrCounter("vfs_mounts", 1)
	return nil
}

// Unmount detaches the backend at path, failing with ErrBusy if any
// handle still references it.
func (s *Server) Unmount(path string) error {
	norm, err := Normalize(path)
	if err != nil {
		return err
	}
	err = s.mounts.Unmount(norm, func(m *Mount) bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		busy := false
		s.handles.Range(func(_ arena.Handle, of *openFile) bool {
			if of.mount == m {
				busy = true
				return false
			}
			return true
		})
		return busy
	})
	if err != nil {
		return err
	}
	s.metrics.IncrCounter("vfs_unmounts", 1)
	return nil
}

// resolve normalizes path, picks the longest-prefix mount, then walks the
// remaining components from the backend's root inode via repeated
// Lookup calls.
func (s *Server) resolve(ctx context.Context, path string) (*Mount, Ino, error) {
	norm, err := Normalize(path)
	if err != nil {
		return nil, 0, err
	}
	m, rest, err := s.mounts.Resolve(norm)
	if err != nil {
		return nil, 0, err
	}

	ino := m.Backend.RootIno()
	if rest == "" {
		return m, ino, nil
	}
	for _, comp := range strings.Split(rest, "/") {
		if comp == "" {
			continue
		}
		ino, err = m.Backend.Lookup(ctx, ino, comp)
		if err != nil {
			return nil, 0, err
		}
	}
	return m, ino, nil
}

// resolveParent resolves path's parent directory and returns the parent
// inode plus the final path component, for the creating operations
// (Create/Mkdir/Unlink/Rmdir/Symlink).
func (s *Server) resolveParent(ctx context.Context, path string) (*Mount, Ino, string, error) {
	norm, err := Normalize(path)
	if err != nil {
		return nil, 0, "", err
	}
	dir, name := Split(norm)
	m, parentIno, err := s.resolve(ctx, dir)
	if err != nil {
		return nil, 0, "", err
	}
	return m, parentIno, name, nil
}

func writable(m *Mount) (WritableBackend, error) {
	if m.ReadOnly {
		return nil, wrap(ErrReadOnlyFs)
	}
	wb, ok := m.Backend.(WritableBackend)
	if !ok {
		return nil, wrap(ErrReadOnlyFs)
	}
	return wb, nil
}

// Open resolves path and installs a new handle for it. create and
// exclusive together on an existing path fails with AlreadyExists; write
// on a read-only mount fails with ReadOnlyFs; truncate+write calls the
// backend's Truncate(ino, 0); opening a directory without OpenDirectory
// fails with IsADirectory regardless of which other flags are set.
func (s *Server) Open(ctx context.Context, path string, flags OpenFlags) (Handle, error) {
	m, ino, err := s.resolve(ctx, path)
	isNotFound := err != nil && KindOf(err) == ErrNotFound

	if err != nil && !isNotFound {
		return Handle{}, err
	}

	if isNotFound {
		if flags&OpenCreate == 0 {
			return Handle{}, err
		}
		wb, werr := s.mountFor(path)
		if werr != nil {
			return Handle{}, werr
		}
		var parentM *Mount
		var parentIno Ino
		var name string
		parentM, parentIno, name, err = s.resolveParent(ctx, path)
		if err != nil {
			return Handle{}, err
		}
		kind := KindFile
		if flags&OpenDirectory != 0 {
			kind = KindDirectory
		}
		ino, err = wb.Create(ctx, parentIno, name, kind)
		if err != nil {
			return Handle{}, err
		}
		m = parentM
	} else if flags&OpenCreate != 0 && flags&OpenExclusive != 0 {
		return Handle{}, wrap(ErrAlreadyExists)
	}

	attr, err := m.Backend.Getattr(ctx, ino)
	if err != nil {
		return Handle{}, err
	}
	if attr.Kind == KindDirectory && flags&OpenDirectory == 0 {
		return Handle{}, wrap(ErrIsADirectory)
	}
	if flags&OpenWrite != 0 && m.ReadOnly {
		return Handle{}, wrap(ErrReadOnlyFs)
	}
	if flags&(OpenWrite|OpenTruncate) == (OpenWrite | OpenTruncate) {
		wb, err := writable(m)
		if err != nil {
			return Handle{}, err
		}
		if err := wb.Truncate(ctx, ino, 0); err != nil {
			return Handle{}, err
		}
		attr.Size = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handles.Len() >= MaxOpenFiles {
		return Handle{}, wrap(ErrTooManyOpenFiles)
	}
	h := s.handles.Insert(&openFile{mount: m, ino: ino, flags: flags, cachedSize: attr.Size})
	s.metrics.IncrCounter("vfs_opens", 1)
	return h, nil
}

func (s *Server) mountFor(path string) (WritableBackend, error) {
	norm, err := Normalize(path)
	if err != nil {
		return nil, err
	}
	dir, _ := Split(norm)
	m, _, err := s.mounts.Resolve(dir)
	if err != nil {
		return nil, err
	}
	return writable(m)
}

func (s *Server) lookupHandle(h Handle) (*openFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	of, err := s.handles.Get(h)
	if err != nil {
		return nil, wrap(ErrBadHandle)
	}
	return of, nil
}

// Close releases a handle.
func (s *Server) Close(h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.handles.Remove(h); err != nil {
		return wrap(ErrBadHandle)
	}
	s.metrics.IncrCounter("vfs_closes", 1)
	return nil
}

// Read reads from a handle's current position, advancing it.
func (s *Server) Read(ctx context.Context, h Handle, buf []byte) (int, error) {
	of, err := s.lookupHandle(h)
	if err != nil {
		return 0, err
	}
	if of.flags&OpenRead == 0 {
		return 0, wrap(ErrPermissionDenied)
	}
	n, err := of.mount.Backend.Read(ctx, of.ino, of.position, buf)
	if err != nil {
		s.metrics.IncrCounter("vfs_errors", 1)
		return 0, err
	}
	s.mu.Lock()
	of.position += int64(n)
	s.mu.Unlock()
	s.metrics.IncrCounter("vfs_reads", 1)
	return n, nil
}

// Write writes to a handle's current position (or EOF if the handle was
// opened with OpenAppend), advancing it and updating cachedSize.
func (s *Server) Write(ctx context.Context, h Handle, buf []byte) (int, error) {
	of, err := s.lookupHandle(h)
	if err != nil {
		return 0, err
	}
	if of.flags&OpenWrite == 0 {
		return 0, wrap(ErrPermissionDenied)
	}
	wb, err := writable(of.mount)
	if err != nil {
		return 0, err
	}

	off := of.position
	if of.flags&OpenAppend != 0 {
		off = int64(of.cachedSize)
	}
	n, err := wb.Write(ctx, of.ino, off, buf)
	if err != nil {
		s.metrics.IncrCounter("vfs_errors", 1)
		return 0, err
	}
	s.mu.Lock()
	of.position = off + int64(n)
	if uint64(of.position) > of.cachedSize {
		of.cachedSize = uint64(of.position)
	}
	s.mu.Unlock()
	s.metrics.IncrCounter("vfs_writes", 1)
	return n, nil
}

// Seek repositions a handle, returning the new absolute position.
func (s *Server) Seek(h Handle, offset int64, whence int) (int64, error) {
	of, err := s.lookupHandle(h)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch whence {
	case 0:
		of.position = offset
	case 1:
		of.position += offset
	case 2:
		of.position = int64(of.cachedSize) + offset
	default:
		return 0, wrap(ErrInvalidArgument)
	}
	if of.position < 0 {
		of.position = 0
		return 0, wrap(ErrInvalidArgument)
	}
	return of.position, nil
}

// Stat returns the attributes of path without opening it.
func (s *Server) Stat(ctx context.Context, path string) (Attr, error) {
	m, ino, err := s.resolve(ctx, path)
	if err != nil {
		return Attr{}, err
	}
	return m.Backend.Getattr(ctx, ino)
}

// Fstat returns the attributes behind an open handle.
func (s *Server) Fstat(ctx context.Context, h Handle) (Attr, error) {
	of, err := s.lookupHandle(h)
	if err != nil {
		return Attr{}, err
	}
	return of.mount.Backend.Getattr(ctx, of.ino)
}

// Readdir lists path's children.
func (s *Server) Readdir(ctx context.Context, path string) ([]DirEntry, error) {
	m, ino, err := s.resolve(ctx, path)
	if err != nil {
		return nil, err
	}
	return m.Backend.Readdir(ctx, ino)
}

// Mkdir creates a directory at path.
func (s *Server) Mkdir(ctx context.Context, path string) error {
	m, parentIno, name, err := s.resolveParent(ctx, path)
	if err != nil {
		return err
	}
	wb, err := writable(m)
	if err != nil {
		return err
	}
	_, err = wb.Mkdir(ctx, parentIno, name)
	return err
}

// Rmdir removes an empty directory at path.
func (s *Server) Rmdir(ctx context.Context, path string) error {
	m, parentIno, name, err := s.resolveParent(ctx, path)
	if err != nil {
		return err
	}
	wb, err := writable(m)
	if err != nil {
		return err
	}
	return wb.Rmdir(ctx, parentIno, name)
}

// Unlink removes a file at path.
func (s *Server) Unlink(ctx context.Context, path string) error {
	m, parentIno, name, err := s.resolveParent(ctx, path)
	if err != nil {
		return err
	}
	wb, err := writable(m)
	if err != nil {
		return err
	}
	return wb.Unlink(ctx, parentIno, name)
}

// Rename moves oldPath to newPath. Both paths must resolve within the
// same mount; a rename spanning two mounts fails with CrossDevice.
func (s *Server) Rename(ctx context.Context, oldPath, newPath string) error {
	oldM, oldParentIno, oldName, err := s.resolveParent(ctx, oldPath)
	if err != nil {
		return err
	}
	newM, newParentIno, newName, err := s.resolveParent(ctx, newPath)
	if err != nil {
		return err
	}
	if oldM != newM {
		return wrap(ErrCrossDevice)
	}
	wb, err := writable(oldM)
	if err != nil {
		return err
	}
	return wb.Rename(ctx, oldParentIno, oldName, newParentIno, newName)
}

// Symlink creates a symlink at path pointing to target.
func (s *Server) Symlink(ctx context.Context, path, target string) error {
	m, parentIno, name, err := s.resolveParent(ctx, path)
	if err != nil {
		return err
	}
	wb, err := writable(m)
	if err != nil {
		return err
	}
	_, err = wb.Symlink(ctx, parentIno, name, target)
	return err
}

// Readlink returns the target of the symlink at path.
func (s *Server) Readlink(ctx context.Context, path string) (string, error) {
	m, ino, err := s.resolve(ctx, path)
	if err != nil {
		return "", err
	}
	wb, err := writable(m)
	if err != nil {
		return "", err
	}
	return wb.Readlink(ctx, ino)
}

// Truncate sets the size of the file at path.
func (s *Server) Truncate(ctx context.Context, path string, size int64) error {
	m, ino, err := s.resolve(ctx, path)
	if err != nil {
		return err
	}
	wb, err := writable(m)
	if err != nil {
		return err
	}
	return wb.Truncate(ctx, ino, size)
}

// Sync flushes a handle's backend state.
func (s *Server) Sync(ctx context.Context, h Handle) error {
	of, err := s.lookupHandle(h)
	if err != nil {
		return err
	}
	return of.mount.Backend.Sync(ctx, of.ino)
}

// StatfsPath returns the Statfs summary of the backend mounted at (or
// above) path.
func (s *Server) StatfsPath(ctx context.Context, path string) (Statfs, error) {
	norm, err := Normalize(path)
	if err != nil {
		return Statfs{}, err
	}
	m, _, err := s.mounts.Resolve(norm)
	if err != nil {
		return Statfs{}, err
	}
	return m.Backend.Statfs(ctx)
}
