package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func fixedClock(ts time.Time) func() time.Time { return func() time.Time { return ts } }

func TestReplaceSortsAndStampsListing(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.SetNowFunc(fixedClock(now))

	got, err := s.Replace(ctx, "http://a", []Entry{
		{Path: "b/ex2", Bucket: "b", ID: "ex2"},
		{Path: "b/ex1", Bucket: "b", ID: "ex1", Attrs: map[string]any{"name": "one"}},
	})
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	want := Listing{
		Endpoint: "http://a",
		Entries: []Entry{
			{Path: "b/ex1", Bucket: "b", ID: "ex1", Attrs: map[string]any{"name": "one"}},
			{Path: "b/ex2", Bucket: "b", ID: "ex2"},
		},
		RefreshedAt: now,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("listing mismatch (-want +got):\n%s", diff)
	}
	cached, ok, err := s.Listing(ctx, "http://a")
	if err != nil || !ok {
		t.Fatalf("listing lookup: ok=%v err=%v", ok, err)
	}
	if diff := cmp.Diff(want, cached); diff != "" {
		t.Fatalf("cached listing mismatch (-want +got):\n%s", diff)
	}
}

func TestListingIsolatedFromCallerMutation(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	entries := []Entry{{Path: "b/ex1", ID: "ex1", Attrs: map[string]any{"name": "one"}}}
	if _, err := s.Replace(ctx, "http://a", entries); err != nil {
		t.Fatalf("replace: %v", err)
	}
	entries[0].Attrs["name"] = "mutated"

	l, _, _ := s.Listing(ctx, "http://a")
	l.Entries[0].Attrs["name"] = "mutated again"

	again, _, _ := s.Listing(ctx, "http://a")
	if got := again.Entries[0].Attrs["name"]; got != "one" {
		t.Fatalf("store state leaked: %v", got)
	}
}

func TestForgetAndEndpoints(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	for _, ep := range []string{"http://c", "http://a", "http://b"} {
		if _, err := s.Replace(ctx, ep, nil); err != nil {
			t.Fatalf("replace %s: %v", ep, err)
		}
	}
	if err := s.Forget(ctx, "http://b"); err != nil {
		t.Fatalf("forget: %v", err)
	}
	got, err := s.Endpoints(ctx)
	if err != nil {
		t.Fatalf("endpoints: %v", err)
	}
	if diff := cmp.Diff([]string{"http://a", "http://c"}, got); diff != "" {
		t.Fatalf("endpoints mismatch (-want +got):\n%s", diff)
	}
	if _, ok, _ := s.Listing(ctx, "http://b"); ok {
		t.Fatalf("forgotten endpoint still cached")
	}
}

func TestExportImportState(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	if _, err := s.Replace(ctx, "http://a", []Entry{{Path: "b/ex1", ID: "ex1"}}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	snap := s.ExportState()

	other := NewStore()
	other.ImportState(Snapshot{Listings: map[string]Listing{"http://z": {Entries: []Entry{{Path: "z/ex"}}}}})
	if l, _, _ := other.Listing(ctx, "http://z"); l.Endpoint != "http://z" {
		t.Fatalf("import did not backfill endpoint: %+v", l)
	}
	other.ImportState(snap)
	if diff := cmp.Diff(snap, other.ExportState()); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
	if _, ok, _ := other.Listing(ctx, "http://z"); ok {
		t.Fatalf("import kept stale endpoint")
	}
}
