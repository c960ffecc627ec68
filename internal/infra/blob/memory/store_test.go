package memory

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"modos/internal/blob/core"
)

func TestStoreMissing(t *testing.T) {
	store := New()
	ctx := context.Background()
	if _, err := store.Head(ctx, "missing"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected head ErrNotFound, got %v", err)
	}
	if _, _, err := store.Get(ctx, "missing"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected get ErrNotFound, got %v", err)
	}
	if ok, err := store.Delete(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected delete false")
	}
}

func TestStoreLifecycle(t *testing.T) {
	store := New()
	ctx := context.Background()
	if _, err := store.Put(ctx, "k", bytes.NewReader([]byte("value")), core.PutOptions{Metadata: map[string]string{"a": "1"}}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := store.Put(ctx, "k", bytes.NewReader([]byte("v2")), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected duplicate put error, got %v", err)
	}
	info, err := store.Head(ctx, "k")
	if err != nil || info.Metadata["a"] != "1" {
		t.Fatalf("head: %+v %v", info, err)
	}
	info.Metadata["a"] = "mutated"
	again, _ := store.Head(ctx, "k")
	if again.Metadata["a"] != "1" {
		t.Fatal("metadata must be copied")
	}
	rc, err := store.GetRange(ctx, "k", 1, 3)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	b, _ := io.ReadAll(rc)
	if string(b) != "alu" {
		t.Fatalf("range got %q", b)
	}
	rc, _ = store.GetRange(ctx, "k", 10, -1)
	if b, _ := io.ReadAll(rc); len(b) != 0 {
		t.Fatalf("out of bounds range should be empty, got %q", b)
	}
	if _, err := store.Put(ctx, "k", bytes.NewReader([]byte("v2")), core.PutOptions{Overwrite: true}); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	_, body, _ := store.Get(ctx, "k")
	if b, _ := io.ReadAll(body); string(b) != "v2" {
		t.Fatalf("overwrite not applied: %q", b)
	}
	_, _ = store.Put(ctx, "other", bytes.NewReader(nil), core.PutOptions{})
	list, err := store.List(ctx, "k")
	if err != nil || len(list) != 1 {
		t.Fatalf("list prefix: %v %v", list, err)
	}
	if ok, err := store.Delete(ctx, "k"); err != nil || !ok {
		t.Fatalf("delete: %v %v", ok, err)
	}
	if store.Driver() != core.DriverMemory {
		t.Fatal("driver")
	}
}
