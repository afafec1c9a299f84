// Package ramfs is an in-memory, read-write VFS backend used in tests and
// as the default root filesystem mounted at "/".
package ramfs

import (
	"context"
	"sync"
	"time"

	"github.com/splax-s/splax/vfs"
)

type node struct {
	kind     vfs.FileKind
	data     []byte
	children map[string]vfs.Ino
	target   string // symlink target
	mtime    uint64
}

// FS is a fully in-memory filesystem: every inode lives in a map, nothing
// ever touches disk.
type FS struct {
	mu       sync.Mutex
	nodes    map[vfs.Ino]*node
	nextIno  vfs.Ino
	rootIno  vfs.Ino
}

// New creates an empty filesystem with a single root directory.
func New() *FS {
	fs := &FS{nodes: make(map[vfs.Ino]*node)}
	fs.rootIno = fs.alloc(&node{kind: vfs.KindDirectory, children: make(map[string]vfs.Ino)})
	return fs
}

func (fs *FS) alloc(n *node) vfs.Ino {
	fs.nextIno++
	ino := fs.nextIno
	n.mtime = uint64(time.Now().UnixNano())
	fs.nodes[ino] = n
	return ino
}

func (fs *FS) RootIno() vfs.Ino { return fs.rootIno }
func (fs *FS) FsType() string   { return "ramfs" }

func (fs *FS) get(ino vfs.Ino) (*node, error) {
	n, ok := fs.nodes[ino]
	if !ok {
		return nil, &vfs.VfsError{Kind: vfs.ErrNotFound}
	}
	return n, nil
}

func (fs *FS) Lookup(ctx context.Context, parent vfs.Ino, name string) (vfs.Ino, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	p, err := fs.get(parent)
	if err != nil {
		return 0, err
	}
	if p.kind != vfs.KindDirectory {
		return 0, &vfs.VfsError{Kind: vfs.ErrNotADirectory}
	}
	ino, ok := p.children[name]
	if !ok {
		return 0, &vfs.VfsError{Kind: vfs.ErrNotFound}
	}
	return ino, nil
}

func (fs *FS) Getattr(ctx context.Context, ino vfs.Ino) (vfs.Attr, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n, err := fs.get(ino)
	if err != nil {
		return vfs.Attr{}, err
	}
	return vfs.Attr{Ino: ino, Kind: n.kind, Size: uint64(len(n.data)), MTime: n.mtime}, nil
}

func (fs *FS) Readdir(ctx context.Context, ino vfs.Ino) ([]vfs.DirEntry, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n, err := fs.get(ino)
	if err != nil {
		return nil, err
	}
	if n.kind != vfs.KindDirectory {
		return nil, &vfs.VfsError{Kind: vfs.ErrNotADirectory}
	}
	entries := make([]vfs.DirEntry, 0, len(n.children))
	for name, childIno := range n.children {
		child := fs.nodes[childIno]
		entries = append(entries, vfs.DirEntry{Name: name, Ino: childIno, Kind: child.kind})
	}
	return entries, nil
}

func (fs *FS) Read(ctx context.Context, ino vfs.Ino, off int64, buf []byte) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n, err := fs.get(ino)
	if err != nil {
		return 0, err
	}
	if n.kind == vfs.KindDirectory {
		return 0, &vfs.VfsError{Kind: vfs.ErrIsADirectory}
	}
	if off >= int64(len(n.data)) {
		return 0, nil
	}
	return copy(buf, n.data[off:]), nil
}

func (fs *FS) Write(ctx context.Context, ino vfs.Ino, off int64, buf []byte) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n, err := fs.get(ino)
	if err != nil {
		return 0, err
	}
	end := off + int64(len(buf))
	if end > int64(len(n.data)) {
		grown := make([]byte, end)
		copy(grown, n.data)
		n.data = grown
	}
	copy(n.data[off:], buf)
	n.mtime = uint64(time.Now().UnixNano())
	return len(buf), nil
}

func (fs *FS) Create(ctx context.Context, parent vfs.Ino, name string, kind vfs.FileKind) (vfs.Ino, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	p, err := fs.get(parent)
	if err != nil {
		return 0, err
	}
	if p.kind != vfs.KindDirectory {
		return 0, &vfs.VfsError{Kind: vfs.ErrNotADirectory}
	}
	if _, exists := p.children[name]; exists {
		return 0, &vfs.VfsError{Kind: vfs.ErrAlreadyExists}
	}
	n := &node{kind: kind}
	if kind == vfs.KindDirectory {
		n.children = make(map[string]vfs.Ino)
	}
	ino := fs.alloc(n)
	p.children[name] = ino
	return ino, nil
}

func (fs *FS) Mkdir(ctx context.Context, parent vfs.Ino, name string) (vfs.Ino, error) {
	return fs.Create(ctx, parent, name, vfs.KindDirectory)
}

func (fs *FS) unlinkLocked(parent vfs.Ino, name string, requireEmptyDir bool) error {
	p, err := fs.get(parent)
	if err != nil {
		return err
	}
	ino, ok := p.children[name]
	if !ok {
		return &vfs.VfsError{Kind: vfs.ErrNotFound}
	}
	child := fs.nodes[ino]
	if requireEmptyDir {
		if child.kind != vfs.KindDirectory {
			return &vfs.VfsError{Kind: vfs.ErrNotADirectory}
		}
		if len(child.children) > 0 {
			return &vfs.VfsError{Kind: vfs.ErrNotEmpty}
		}
	} else if child.kind == vfs.KindDirectory {
		return &vfs.VfsError{Kind: vfs.ErrIsADirectory}
	}
	delete(p.children, name)
	delete(fs.nodes, ino)
	return nil
}

func (fs *FS) Unlink(ctx context.Context, parent vfs.Ino, name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.unlinkLocked(parent, name, false)
}

func (fs *FS) Rmdir(ctx context.Context, parent vfs.Ino, name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.unlinkLocked(parent, name, true)
}

func (fs *FS) Rename(ctx context.Context, oldParent vfs.Ino, oldName string, newParent vfs.Ino, newName string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	op, err := fs.get(oldParent)
	if err != nil {
		return err
	}
	ino, ok := op.children[oldName]
	if !ok {
		return &vfs.VfsError{Kind: vfs.ErrNotFound}
	}
	np, err := fs.get(newParent)
	if err != nil {
		return err
	}
	if _, exists := np.children[newName]; exists {
		return &vfs.VfsError{Kind: vfs.ErrAlreadyExists}
	}
	delete(op.children, oldName)
	np.children[newName] = ino
	return nil
}

func (fs *FS) Symlink(ctx context.Context, parent vfs.Ino, name, target string) (vfs.Ino, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	p, err := fs.get(parent)
	if err != nil {
		return 0, err
	}
	if _, exists := p.children[name]; exists {
		return 0, &vfs.VfsError{Kind: vfs.ErrAlreadyExists}
	}
	ino := fs.alloc(&node{kind: vfs.KindSymlink, target: target})
	p.children[name] = ino
	return ino, nil
}

func (fs *FS) Readlink(ctx context.Context, ino vfs.Ino) (string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n, err := fs.get(ino)
	if err != nil {
		return "", err
	}
	if n.kind != vfs.KindSymlink {
		return "", &vfs.VfsError{Kind: vfs.ErrInvalidArgument}
	}
	return n.target, nil
}

func (fs *FS) Truncate(ctx context.Context, ino vfs.Ino, size int64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n, err := fs.get(ino)
	if err != nil {
		return err
	}
	if size < 0 {
		return &vfs.VfsError{Kind: vfs.ErrInvalidArgument}
	}
	if int64(len(n.data)) == size {
		return nil
	}
	grown := make([]byte, size)
	copy(grown, n.data)
	n.data = grown
	return nil
}

func (fs *FS) Sync(ctx context.Context, ino vfs.Ino) error { return nil }

func (fs *FS) Statfs(ctx context.Context) (vfs.Statfs, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return vfs.Statfs{
		BlocksTotal: 1 << 20,
		BlocksFree:  1 << 20,
		FilesTotal:  uint64(len(fs.nodes)),
		FilesFree:   1 << 20,
	}, nil
}

var (
	_ vfs.Backend         = (*FS)(nil)
	_ vfs.WritableBackend = (*FS)(nil)
)
