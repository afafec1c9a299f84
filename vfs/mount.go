package vfs

import (
	"sort"
	"strings"
	"sync"
)

// Mount binds a filesystem backend to a path prefix in the VFS namespace.
type Mount struct {
	Path     string
	Backend  Backend
	ReadOnly bool
	Device   string // optional: the device/driver name backing this mount
}

// mountTable keeps Mounts sorted longest-path-first so resolution always
// picks the longest prefix on a linear scan. Serialized by mu: mount and
// unmount must be atomic with respect to in-flight resolution.
type mountTable struct {
	mu     sync.RWMutex
	mounts []*Mount
}

func newMountTable() *mountTable {
	return &mountTable{}
}

// Mount adds a new mount, re-sorting the table longest-path-first. Two
// mounts at the same normalized path is ErrAlreadyExists.
func (t *mountTable) Mount(m *Mount) error {
	norm, err := Normalize(m.Path)
	if err != nil {
		return err
	}
	m.Path = norm

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, existing := range t.mounts {
		if existing.Path == norm {
			return wrap(ErrAlreadyExists)
		}
	}
	t.mounts = append(t.mounts, m)
	sort.Slice(t.mounts, func(i, j int) bool {
		return len(t.mounts[i].Path) > len(t.mounts[j].Path)
	})
	return nil
}

// Unmount removes the mount at path, failing with ErrBusy if busy reports
// any open handle still references it.
func (t *mountTable) Unmount(path string, busy func(*Mount) bool) error {
	norm, err := Normalize(path)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for i, m := range t.mounts {
		if m.Path != norm {
			continue
		}
		if busy(m) {
			return wrap(ErrBusy)
		}
		t.mounts = append(t.mounts[:i], t.mounts[i+1:]...)
		return nil
	}
	return wrap(ErrNoFilesystem)
}

// Resolve finds the mount whose Path is the longest prefix of norm,
// returning that mount and the path remainder relative to its root.
func (t *mountTable) Resolve(norm string) (*Mount, string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, m := range t.mounts {
		if m.Path == "/" {
			return m, strings.TrimPrefix(norm, "/"), nil
		}
		if norm == m.Path {
			return m, "", nil
		}
		if strings.HasPrefix(norm, m.Path+"/") {
			return m, strings.TrimPrefix(norm, m.Path+"/"), nil
		}
	}
	return nil, "", wrap(ErrNoFilesystem)
}

// Snapshot returns a copy of the current mount list for diagnostics.
func (t *mountTable) Snapshot() []*Mount {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Mount, len(t.mounts))
	copy(out, t.mounts)
	return out
}
