// Package azblobfs is a VFS backend over an Azure Blob container: files
// map to block blobs, directories to a virtual prefix listing.
package azblobfs

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"

	"github.com/splax-s/splax/vfs"
)

// inode numbers in azblobfs are a hash-free bijection with blob/prefix
// paths: the root is 1, and every other path gets an inode the first time
// it's seen via pathTable, so repeated Lookups of the same path return the
// same Ino within a single FS's lifetime (the VFS layer never persists
// inodes across a server restart, so this is sufficient).
type FS struct {
	client   *container.Client
	readOnly bool

	mu        sync.Mutex
	pathByIno map[vfs.Ino]string
	inoByPath map[string]vfs.Ino
	nextIno   vfs.Ino
}

const rootIno vfs.Ino = 1

// New wraps an already-created container client. readOnly rejects every
// mutating Backend call with ReadOnlyFs regardless of Mount.ReadOnly,
// useful when the caller only has read-scoped SAS credentials.
func New(client *container.Client, readOnly bool) *FS {
	fs := &FS{
		client:    client,
		readOnly:  readOnly,
		pathByIno: map[vfs.Ino]string{rootIno: ""},
		inoByPath: map[string]vfs.Ino{"": rootIno},
		nextIno:   rootIno,
	}
	return fs
}

func (fs *FS) RootIno() vfs.Ino { return rootIno }
func (fs *FS) FsType() string   { return "azblobfs" }

func (fs *FS) inoFor(path string) vfs.Ino {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if ino, ok := fs.inoByPath[path]; ok {
		return ino
	}
	fs.nextIno++
	fs.inoByPath[path] = fs.nextIno
	fs.pathByIno[fs.nextIno] = path
	return fs.nextIno
}

func (fs *FS) pathOf(ino vfs.Ino) (string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	p, ok := fs.pathByIno[ino]
	if !ok {
		return "", &vfs.VfsError{Kind: vfs.ErrNotFound}
	}
	return p, nil
}

func (fs *FS) Lookup(ctx context.Context, parent vfs.Ino, name string) (vfs.Ino, error) {
	parentPath, err := fs.pathOf(parent)
	if err != nil {
		return 0, err
	}
	childPath := strings.TrimPrefix(parentPath+"/"+name, "/")

	if isDirectory(ctx, fs.client, childPath) {
		return fs.inoFor(childPath), nil
	}
	_, err = fs.client.NewBlobClient(childPath).GetProperties(ctx, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return 0, &vfs.VfsError{Kind: vfs.ErrNotFound}
		}
		return 0, &vfs.VfsError{Kind: vfs.ErrIoError}
	}
	return fs.inoFor(childPath), nil
}

// isDirectory treats childPath as a directory if the container has any
// blob under that prefix; azblobfs never materializes empty directories
// (there's nothing to persist them as), matching how object stores work.
func isDirectory(ctx context.Context, client *container.Client, path string) bool {
	prefix := path
	if prefix != "" {
		prefix += "/"
	}
	pager := client.NewListBlobsFlatPager(&container.ListBlobsFlatOptions{Prefix: &prefix})
	return pager.More() && func() bool {
		page, err := pager.NextPage(ctx)
		return err == nil && len(page.Segment.BlobItems) > 0
	}()
}

func (fs *FS) Getattr(ctx context.Context, ino vfs.Ino) (vfs.Attr, error) {
	path, err := fs.pathOf(ino)
	if err != nil {
		return vfs.Attr{}, err
	}
	if path == "" || isDirectory(ctx, fs.client, path) {
		return vfs.Attr{Ino: ino, Kind: vfs.KindDirectory}, nil
	}
	props, err := fs.client.NewBlobClient(path).GetProperties(ctx, nil)
	if err != nil {
		return vfs.Attr{}, &vfs.VfsError{Kind: vfs.ErrIoError}
	}
	var size uint64
	if props.ContentLength != nil {
		size = uint64(*props.ContentLength)
	}
	var mtime uint64
	if props.LastModified != nil {
		mtime = uint64(props.LastModified.UnixNano())
	}
	return vfs.Attr{Ino: ino, Kind: vfs.KindFile, Size: size, MTime: mtime}, nil
}

func (fs *FS) Readdir(ctx context.Context, ino vfs.Ino) ([]vfs.DirEntry, error) {
	path, err := fs.pathOf(ino)
	if err != nil {
		return nil, err
	}
	prefix := path
	if prefix != "" {
		prefix += "/"
	}
	delim := "/"
	pager := fs.client.NewListBlobsHierarchyPager(delim, &container.ListBlobsHierarchyOptions{Prefix: &prefix})

	var entries []vfs.DirEntry
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, &vfs.VfsError{Kind: vfs.ErrIoError}
		}
		for _, item := range page.Segment.BlobItems {
			name := strings.TrimPrefix(strings.TrimPrefix(*item.Name, prefix), "/")
			entries = append(entries, vfs.DirEntry{Name: name, Ino: fs.inoFor(strings.TrimSuffix(*item.Name, "/")), Kind: vfs.KindFile})
		}
		for _, sub := range page.Segment.BlobPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(*sub.Name, prefix), "/")
			entries = append(entries, vfs.DirEntry{Name: name, Ino: fs.inoFor(strings.TrimSuffix(*sub.Name, "/")), Kind: vfs.KindDirectory})
		}
	}
	return entries, nil
}

func (fs *FS) Read(ctx context.Context, ino vfs.Ino, off int64, buf []byte) (int, error) {
	path, err := fs.pathOf(ino)
	if err != nil {
		return 0, err
	}
	resp, err := fs.client.NewBlobClient(path).DownloadStream(ctx, &blob.DownloadStreamOptions{
		Range: blob.HTTPRange{Offset: off, Count: int64(len(buf))},
	})
	if err != nil {
		if bloberror.HasCode(err, bloberror.InvalidRange) {
			return 0, nil
		}
		return 0, &vfs.VfsError{Kind: vfs.ErrIoError}
	}
	defer resp.Body.Close()
	n, err := io.ReadFull(resp.Body, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return n, &vfs.VfsError{Kind: vfs.ErrIoError}
	}
	return n, nil
}

func (fs *FS) checkWritable() error {
	if fs.readOnly {
		return &vfs.VfsError{Kind: vfs.ErrReadOnlyFs}
	}
	return nil
}

func (fs *FS) Write(ctx context.Context, ino vfs.Ino, off int64, buf []byte) (int, error) {
	if err := fs.checkWritable(); err != nil {
		return 0, err
	}
	path, err := fs.pathOf(ino)
	if err != nil {
		return 0, err
	}
	// Block blobs have no partial-overwrite API; a write anywhere rereads
	// the current content, splices buf in at off, and re-uploads the
	// whole object. Acceptable for the small configuration/manifest files
	// this backend is meant to serve; large sequential writes should use
	// ramfs or a dedicated streaming backend instead.
	bc := fs.client.NewBlockBlobClient(path)
	var existing []byte
	if resp, err := bc.DownloadStream(ctx, nil); err == nil {
		existing, _ = io.ReadAll(resp.Body)
		resp.Body.Close()
	}
	end := off + int64(len(buf))
	if end > int64(len(existing)) {
		grown := make([]byte, end)
		copy(grown, existing)
		existing = grown
	}
	copy(existing[off:], buf)
	if _, err := bc.UploadBuffer(ctx, existing, &blockblob.UploadBufferOptions{}); err != nil {
		return 0, &vfs.VfsError{Kind: vfs.ErrIoError}
	}
	return len(buf), nil
}

func (fs *FS) Create(ctx context.Context, parent vfs.Ino, name string, kind vfs.FileKind) (vfs.Ino, error) {
	if err := fs.checkWritable(); err != nil {
		return 0, err
	}
	parentPath, err := fs.pathOf(parent)
	if err != nil {
		return 0, err
	}
	childPath := strings.TrimPrefix(parentPath+"/"+name, "/")
	if kind == vfs.KindDirectory {
		// Directories are purely virtual in object storage; nothing to
		// create until a child blob exists under this prefix.
		return fs.inoFor(childPath), nil
	}
	bc := fs.client.NewBlockBlobClient(childPath)
	if _, err := bc.UploadBuffer(ctx, nil, &blockblob.UploadBufferOptions{}); err != nil {
		return 0, &vfs.VfsError{Kind: vfs.ErrIoError}
	}
	return fs.inoFor(childPath), nil
}

func (fs *FS) Mkdir(ctx context.Context, parent vfs.Ino, name string) (vfs.Ino, error) {
	return fs.Create(ctx, parent, name, vfs.KindDirectory)
}

func (fs *FS) Unlink(ctx context.Context, parent vfs.Ino, name string) error {
	if err := fs.checkWritable(); err != nil {
		return err
	}
	parentPath, err := fs.pathOf(parent)
	if err != nil {
		return err
	}
	childPath := strings.TrimPrefix(parentPath+"/"+name, "/")
	_, err = fs.client.NewBlobClient(childPath).Delete(ctx, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.BlobNotFound) {
		return &vfs.VfsError{Kind: vfs.ErrIoError}
	}
	return nil
}

func (fs *FS) Rmdir(ctx context.Context, parent vfs.Ino, name string) error {
	if err := fs.checkWritable(); err != nil {
		return err
	}
	parentPath, err := fs.pathOf(parent)
	if err != nil {
		return err
	}
	childPath := strings.TrimPrefix(parentPath+"/"+name, "/")
	if isDirectory(ctx, fs.client, childPath) {
		return &vfs.VfsError{Kind: vfs.ErrNotEmpty}
	}
	return nil
}

func (fs *FS) Rename(ctx context.Context, oldParent vfs.Ino, oldName string, newParent vfs.Ino, newName string) error {
	if err := fs.checkWritable(); err != nil {
		return err
	}
	oldParentPath, err := fs.pathOf(oldParent)
	if err != nil {
		return err
	}
	newParentPath, err := fs.pathOf(newParent)
	if err != nil {
		return err
	}
	oldPath := strings.TrimPrefix(oldParentPath+"/"+oldName, "/")
	newPath := strings.TrimPrefix(newParentPath+"/"+newName, "/")

	src := fs.client.NewBlobClient(oldPath)
	dst := fs.client.NewBlockBlobClient(newPath)
	if _, err := dst.StartCopyFromURL(ctx, src.URL(), nil); err != nil {
		return &vfs.VfsError{Kind: vfs.ErrIoError}
	}
	if _, err := src.Delete(ctx, nil); err != nil {
		return &vfs.VfsError{Kind: vfs.ErrIoError}
	}
	return nil
}

func (fs *FS) Symlink(ctx context.Context, parent vfs.Ino, name, target string) (vfs.Ino, error) {
	if err := fs.checkWritable(); err != nil {
		return 0, err
	}
	parentPath, err := fs.pathOf(parent)
	if err != nil {
		return 0, err
	}
	childPath := strings.TrimPrefix(parentPath+"/"+name, "/")
	bc := fs.client.NewBlockBlobClient(childPath)
	if _, err := bc.UploadBuffer(ctx, []byte(target), &blockblob.UploadBufferOptions{
		Metadata: map[string]*string{"splax_symlink": ptr("1")},
	}); err != nil {
		return 0, &vfs.VfsError{Kind: vfs.ErrIoError}
	}
	return fs.inoFor(childPath), nil
}

func (fs *FS) Readlink(ctx context.Context, ino vfs.Ino) (string, error) {
	path, err := fs.pathOf(ino)
	if err != nil {
		return "", err
	}
	resp, err := fs.client.NewBlobClient(path).DownloadStream(ctx, nil)
	if err != nil {
		return "", &vfs.VfsError{Kind: vfs.ErrIoError}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &vfs.VfsError{Kind: vfs.ErrIoError}
	}
	return string(data), nil
}

func (fs *FS) Truncate(ctx context.Context, ino vfs.Ino, size int64) error {
	if err := fs.checkWritable(); err != nil {
		return err
	}
	path, err := fs.pathOf(ino)
	if err != nil {
		return err
	}
	bc := fs.client.NewBlockBlobClient(path)
	if size == 0 {
		_, err := bc.UploadBuffer(ctx, nil, &blockblob.UploadBufferOptions{})
		if err != nil {
			return &vfs.VfsError{Kind: vfs.ErrIoError}
		}
		return nil
	}
	resp, err := bc.DownloadStream(ctx, nil)
	if err != nil {
		return &vfs.VfsError{Kind: vfs.ErrIoError}
	}
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if int64(len(data)) > size {
		data = data[:size]
	} else if int64(len(data)) < size {
		grown := make([]byte, size)
		copy(grown, data)
		data = grown
	}
	if _, err := bc.UploadBuffer(ctx, data, &blockblob.UploadBufferOptions{}); err != nil {
		return &vfs.VfsError{Kind: vfs.ErrIoError}
	}
	return nil
}

func (fs *FS) Sync(ctx context.Context, ino vfs.Ino) error { return nil }

func (fs *FS) Statfs(ctx context.Context) (vfs.Statfs, error) {
	var count uint64
	pager := fs.client.NewListBlobsFlatPager(nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return vfs.Statfs{}, &vfs.VfsError{Kind: vfs.ErrIoError}
		}
		count += uint64(len(page.Segment.BlobItems))
	}
	return vfs.Statfs{FilesTotal: count}, nil
}

func ptr[T any](v T) *T { return &v }

var (
	_ vfs.Backend         = (*FS)(nil)
	_ vfs.WritableBackend = (*FS)(nil)
)
