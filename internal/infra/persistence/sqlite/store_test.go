package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"modos/internal/infra/persistence/memory"
)

func TestStorePersistsListingsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "catalog.db")
	s, err := NewStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if s.Path() != path {
		t.Fatalf("unexpected path %s", s.Path())
	}
	entries := []memory.Entry{
		{Path: "modos-demo/ex", Bucket: "modos-demo", ID: "ex", Description: "demo", Attrs: map[string]any{"name": "demo"}},
	}
	want, err := s.Replace(ctx, "http://localhost", entries)
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if _, err := s.Replace(ctx, "http://other", nil); err != nil {
		t.Fatalf("replace other: %v", err)
	}
	if err := s.Forget(ctx, "http://other"); err != nil {
		t.Fatalf("forget: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = reopened.Close() }()
	got, ok, err := reopened.Listing(ctx, "http://localhost")
	if err != nil || !ok {
		t.Fatalf("listing after reopen: ok=%v err=%v", ok, err)
	}
	if !got.RefreshedAt.Equal(want.RefreshedAt) {
		t.Fatalf("refresh time changed: %v vs %v", got.RefreshedAt, want.RefreshedAt)
	}
	got.RefreshedAt = want.RefreshedAt
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("listing mismatch (-want +got):\n%s", diff)
	}
	eps, _ := reopened.Endpoints(ctx)
	if diff := cmp.Diff([]string{"http://localhost"}, eps); diff != "" {
		t.Fatalf("forgotten endpoint persisted (-want +got):\n%s", diff)
	}
}

func TestStoreRejectsCorruptRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")
	s, err := NewStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := s.DB().Exec(`INSERT INTO listings(endpoint,payload) VALUES(?,?)`, "http://bad", []byte("{")); err != nil {
		t.Fatalf("seed: %v", err)
	}
	_ = s.Close()
	if _, err := NewStore(path); err == nil {
		t.Fatalf("expected decode error")
	}
}
