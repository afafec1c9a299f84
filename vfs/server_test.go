package vfs

import (
	"context"
	"testing"

	"github.com/splax-s/splax/vfs/ramfs"
)

// TestPathResolutionScenario mounts one ramfs at "/" and a second at
// "/mnt/b", creates a file under the second, and exercises the
// longest-prefix, cross-device, and busy-unmount behaviors that follow.
func TestPathResolutionScenario(t *testing.T) {
	ctx := context.Background()
	s := NewServer()

	fsA := ramfs.New()
	fsB := ramfs.New()
	if err := s.Mount("/", fsA, false); err != nil {
		t.Fatalf("mount /: %v", err)
	}
	if err := s.Mount("/mnt/b", fsB, false); err != nil {
		t.Fatalf("mount /mnt/b: %v", err)
	}

	h, err := s.Open(ctx, "/mnt/b/x", OpenWrite|OpenCreate)
	if err != nil {
		t.Fatalf("open create /mnt/b/x: %v", err)
	}
	if _, err := s.Write(ctx, h, []byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.Close(h); err != nil {
		t.Fatalf("close: %v", err)
	}

	h2, err := s.Open(ctx, "/mnt/b/x", OpenRead)
	if err != nil {
		t.Fatalf("open read /mnt/b/x: %v", err)
	}
	buf := make([]byte, 16)
	n, err := s.Read(ctx, h2, buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("got %q, want %q", buf[:n], "hello")
	}
	s.Close(h2)

	if _, err := s.Open(ctx, "/mnt/b", OpenRead); KindOf(err) != ErrIsADirectory {
		t.Fatalf("opening a directory for read: got %v, want IsADirectory", err)
	}

	if err := s.Rename(ctx, "/mnt/b/x", "/y"); KindOf(err) != ErrCrossDevice {
		t.Fatalf("cross-mount rename: got %v, want CrossDevice", err)
	}

	h3, err := s.Open(ctx, "/mnt/b/x", OpenRead)
	if err != nil {
		t.Fatalf("open /mnt/b/x: %v", err)
	}
	defer s.Close(h3)

	if err := s.Unmount("/mnt/b"); KindOf(err) != ErrBusy {
		t.Fatalf("unmount with open handle: got %v, want Busy", err)
	}
}

func TestOpenCreateExclusiveOnExisting(t *testing.T) {
	ctx := context.Background()
	s := NewServer()
	fs := ramfs.New()
	if err := s.Mount("/", fs, false); err != nil {
		t.Fatalf("mount: %v", err)
	}
	h, err := s.Open(ctx, "/f", OpenWrite|OpenCreate)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	s.Close(h)

	if _, err := s.Open(ctx, "/f", OpenWrite|OpenCreate|OpenExclusive); KindOf(err) != ErrAlreadyExists {
		t.Fatalf("got %v, want AlreadyExists", err)
	}
}

func TestWriteOnReadOnlyMount(t *testing.T) {
	ctx := context.Background()
	s := NewServer()
	fs := ramfs.New()
	if err := s.Mount("/", fs, true); err != nil {
		t.Fatalf("mount: %v", err)
	}
	if _, err := s.Open(ctx, "/f", OpenWrite|OpenCreate); KindOf(err) != ErrReadOnlyFs {
		t.Fatalf("got %v, want ReadOnlyFs", err)
	}
}

func TestPathNormalizationIdempotence(t *testing.T) {
	cases := []string{"/a/b/../c", "/a//b/./c/", "../../x", "/", ""}
	for _, p := range cases {
		once, err := Normalize(p)
		if err != nil {
			t.Fatalf("normalize(%q): %v", p, err)
		}
		twice, err := Normalize(once)
		if err != nil {
			t.Fatalf("normalize(normalize(%q)): %v", p, err)
		}
		if once != twice {
			t.Fatalf("not idempotent: normalize(%q)=%q, normalize(that)=%q", p, once, twice)
		}
	}
}

func TestBadHandleAfterClose(t *testing.T) {
	ctx := context.Background()
	s := NewServer()
	fs := ramfs.New()
	s.Mount("/", fs, false)
	h, err := s.Open(ctx, "/f", OpenWrite|OpenCreate)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Close(h); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := s.Read(ctx, h, make([]byte, 1)); KindOf(err) != ErrBadHandle {
		t.Fatalf("got %v, want BadHandle", err)
	}
}

func TestTooManyOpenFiles(t *testing.T) {
	ctx := context.Background()
	s := NewServer()
	fs := ramfs.New()
	s.Mount("/", fs, false)

	s.mu.Lock()
	for i := 0; i < MaxOpenFiles; i++ {
		s.handles.Insert(&openFile{})
	}
	s.mu.Unlock()

	if _, err := s.Open(ctx, "/f", OpenWrite|OpenCreate); KindOf(err) != ErrTooManyOpenFiles {
		t.Fatalf("got %v, want TooManyOpenFiles", err)
	}
}
