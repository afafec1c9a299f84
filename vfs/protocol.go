package vfs

import "context"

// Request is the closed set of request variants the server dispatches.
// Each carries the request ID used to correlate it with its Response
// over IPC.
type Request interface {
	requestID() uint64
}

type reqBase struct{ ID uint64 }

func (r reqBase) requestID() uint64 { return r.ID }

type MountReq struct {
	reqBase
	Path     string
	Backend  Backend
	ReadOnly bool
}
type UnmountReq struct {
	reqBase
	Path string
}
type OpenReq struct {
	reqBase
	Path  string
	Flags OpenFlags
}
type CloseReq struct {
	reqBase
	Handle Handle
}
type ReadReq struct {
	reqBase
	Handle Handle
	Len    int
}
type WriteReq struct {
	reqBase
	Handle Handle
	Data   []byte
}
type StatReq struct {
	reqBase
	Path string
}
type FstatReq struct {
	reqBase
	Handle Handle
}
type ReaddirReq struct {
	reqBase
	Path string
}
type MkdirReq struct {
	reqBase
	Path string
}
type RmdirReq struct {
	reqBase
	Path string
}
type UnlinkReq struct {
	reqBase
	Path string
}
type RenameReq struct {
	reqBase
	OldPath, NewPath string
}
type SymlinkReq struct {
	reqBase
	Path, Target string
}
type ReadlinkReq struct {
	reqBase
	Path string
}
type TruncateReq struct {
	reqBase
	Path string
	Size int64
}
type SyncReq struct {
	reqBase
	Handle Handle
}
type SeekReq struct {
	reqBase
	Handle         Handle
	Offset, Whence int
}
type StatfsReq struct {
	reqBase
	Path string
}

// Response is the matching response variant, always keyed by the same
// request ID as its Request. A non-nil Err carries the stable Error
// kind; fields beyond RequestID/Err are variant-specific and zero on
// error.
type Response struct {
	RequestID uint64
	Err       error

	Handle  Handle
	N       int
	Attr    Attr
	Entries []DirEntry
	Data    []byte
	Target  string
	Pos     int64
	Stats   Statfs
}

// Dispatch routes a Request to the matching Server method and returns the
// corresponding Response, carrying the same request ID. This is the
// uniform request/response schema a VFS IPC channel handler sits on top
// of.
func (s *Server) Dispatch(ctx context.Context, req Request) Response {
	id := req.requestID()
	switch r := req.(type) {
	case *MountReq:
		err := s.Mount(r.Path, r.Backend, r.ReadOnly)
		return Response{RequestID: id, Err: err}
	case *UnmountReq:
		err := s.Unmount(r.Path)
		return Response{RequestID: id, Err: err}
	case *OpenReq:
		h, err := s.Open(ctx, r.Path, r.Flags)
		return Response{RequestID: id, Err: err, Handle: h}
	case *CloseReq:
		err := s.Close(r.Handle)
		return Response{RequestID: id, Err: err}
	case *ReadReq:
		buf := make([]byte, r.Len)
		n, err := s.Read(ctx, r.Handle, buf)
		return Response{RequestID: id, Err: err, N: n, Data: buf[:n]}
	case *WriteReq:
		n, err := s.Write(ctx, r.Handle, r.Data)
		return Response{RequestID: id, Err: err, N: n}
	case *StatReq:
		a, err := s.Stat(ctx, r.Path)
		return Response{RequestID: id, Err: err, Attr: a}
	case *FstatReq:
		a, err := s.Fstat(ctx, r.Handle)
		return Response{RequestID: id, Err: err, Attr: a}
	case *ReaddirReq:
		entries, err := s.Readdir(ctx, r.Path)
		return Response{RequestID: id, Err: err, Entries: entries}
	case *MkdirReq:
		err := s.Mkdir(ctx, r.Path)
		return Response{RequestID: id, Err: err}
	case *RmdirReq:
		err := s.Rmdir(ctx, r.Path)
		return Response{RequestID: id, Err: err}
	case *UnlinkReq:
		err := s.Unlink(ctx, r.Path)
		return Response{RequestID: id, Err: err}
	case *RenameReq:
		err := s.Rename(ctx, r.OldPath, r.NewPath)
		return Response{RequestID: id, Err: err}
	case *SymlinkReq:
		err := s.Symlink(ctx, r.Path, r.Target)
		return Response{RequestID: id, Err: err}
	case *ReadlinkReq:
		target, err := s.Readlink(ctx, r.Path)
		return Response{RequestID: id, Err: err, Target: target}
	case *TruncateReq:
		err := s.Truncate(ctx, r.Path, r.Size)
		return Response{RequestID: id, Err: err}
	case *SyncReq:
		err := s.Sync(ctx, r.Handle)
		return Response{RequestID: id, Err: err}
	case *SeekReq:
		pos, err := s.Seek(r.Handle, int64(r.Offset), r.Whence)
		return Response{RequestID: id, Err: err, Pos: pos}
	case *StatfsReq:
		st, err := s.StatfsPath(ctx, r.Path)
		return Response{RequestID: id, Err: err, Stats: st}
	default:
		return Response{RequestID: id, Err: wrap(ErrInvalidArgument)}
	}
}
