package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
)

func TestOpenDrivers(t *testing.T) {
	ctx := context.Background()
	t.Setenv("MODOS_BLOB_DRIVER", "memory")
	s, err := Open(ctx)
	if err != nil || s.Driver() != DriverMemory {
		t.Fatalf("memory: %v %v", s, err)
	}
	t.Setenv("MODOS_BLOB_DRIVER", "")
	t.Setenv("MODOS_BLOB_FS_ROOT", t.TempDir())
	s, err = Open(ctx)
	if err != nil || s.Driver() != DriverFilesystem {
		t.Fatalf("fs: %v %v", s, err)
	}
	t.Setenv("MODOS_BLOB_DRIVER", "s3")
	t.Setenv("MODOS_BLOB_S3_BUCKET", "")
	if _, err := Open(ctx); err == nil {
		t.Fatal("expected missing bucket error")
	}
	t.Setenv("MODOS_BLOB_DRIVER", "tape")
	if _, err := Open(ctx); err == nil {
		t.Fatal("expected unknown driver error")
	}
}

func TestS3MockThroughFacade(t *testing.T) {
	ctx := context.Background()
	mock := NewS3Mock("b")
	s := mock.Store("b")
	if _, err := s.Put(ctx, "a.txt", bytes.NewReader([]byte("hello")), PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	_, rc, err := s.Get(ctx, "a.txt")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	b, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(b) != "hello" {
		t.Fatalf("got %q", b)
	}
	if _, err := s.Head(ctx, "b.txt"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
