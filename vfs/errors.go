// Package vfs implements the VFS request server: path resolution against
// a mount table, a bounded open-file table, and dispatch to pluggable
// filesystem backends behind a uniform request schema.
package vfs

import "errors"

// Error is a stable VFS error kind. Every backend and the server itself
// only ever return one of these.
type Error int

const (
	ErrNone Error = iota
	ErrNotFound
	ErrPermissionDenied
	ErrAlreadyExists
	ErrNotADirectory
	ErrIsADirectory
	ErrNotEmpty
	ErrBadHandle
	ErrTooManyOpenFiles
	ErrNoSpace
	ErrReadOnlyFs
	ErrInvalidArgument
	ErrIoError
	ErrNotSupported
	ErrPathTooLong
	ErrCrossDevice
	ErrNoFilesystem
	ErrBusy
)

func (e Error) String() string {
	switch e {
	case ErrNone:
		return "none"
	case ErrNotFound:
		return "not_found"
	case ErrPermissionDenied:
		return "permission_denied"
	case ErrAlreadyExists:
		return "already_exists"
	case ErrNotADirectory:
		return "not_a_directory"
	case ErrIsADirectory:
		return "is_a_directory"
	case ErrNotEmpty:
		return "not_empty"
	case ErrBadHandle:
		return "bad_handle"
	case ErrTooManyOpenFiles:
		return "too_many_open_files"
	case ErrNoSpace:
		return "no_space"
	case ErrReadOnlyFs:
		return "read_only_fs"
	case ErrInvalidArgument:
		return "invalid_argument"
	case ErrIoError:
		return "io_error"
	case ErrNotSupported:
		return "not_supported"
	case ErrPathTooLong:
		return "path_too_long"
	case ErrCrossDevice:
		return "cross_device"
	case ErrNoFilesystem:
		return "no_filesystem"
	case ErrBusy:
		return "busy"
	default:
		return "unknown"
	}
}

// VfsError wraps an Error kind so it can travel as a Go error value while
// still round-tripping cleanly into a VfsResponse variant at the IPC
// boundary.
type VfsError struct {
	Kind Error
}

func (e *VfsError) Error() string { return "vfs: " + e.Kind.String() }

func wrap(k Error) error {
	if k == ErrNone {
		return nil
	}
	return &VfsError{Kind: k}
}

// KindOf extracts the Error kind from err, or ErrIoError if err wasn't
// produced by this package (an unexpected backend failure still needs a
// stable kind at the response boundary).
func KindOf(err error) Error {
	if err == nil {
		return ErrNone
	}
	var ve *VfsError
	if errors.As(err, &ve) {
		return ve.Kind
	}
	return ErrIoError
}
