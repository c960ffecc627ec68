// Package memory provides the in-memory discovery catalog used for tests,
// ephemeral sessions and as the working set of the durable stores.
package memory

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"modos/pkg/domain"
)

// Compile-time contract assertion ensuring memory.Store adheres to the catalog interface.
var _ domain.CatalogStore = (*Store)(nil)

type (
	// Entry aliases domain.CatalogEntry.
	Entry = domain.CatalogEntry
	// Listing aliases domain.CatalogListing.
	Listing = domain.CatalogListing
	// Snapshot aliases domain.CatalogSnapshot.
	Snapshot = domain.CatalogSnapshot
)

// Store keeps endpoint listings in memory.
type Store struct {
	mu       sync.RWMutex
	listings map[string]Listing
	nowFn    func() time.Time
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{
		listings: make(map[string]Listing),
		nowFn:    func() time.Time { return time.Now().UTC() },
	}
}

// SetNowFunc overrides the clock stamping listings.
func (s *Store) SetNowFunc(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn != nil {
		s.nowFn = fn
	}
}

func cloneEntry(e Entry) Entry {
	e.Attrs = maps.Clone(e.Attrs)
	return e
}

func cloneListing(l Listing) Listing {
	entries := make([]Entry, len(l.Entries))
	for i, e := range l.Entries {
		entries[i] = cloneEntry(e)
	}
	l.Entries = entries
	return l
}

// Replace stores entries, sorted by path, as the listing of endpoint.
func (s *Store) Replace(_ context.Context, endpoint string, entries []Entry) (Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := cloneListing(Listing{Endpoint: endpoint, Entries: entries, RefreshedAt: s.nowFn()})
	sort.Slice(l.Entries, func(i, j int) bool { return l.Entries[i].Path < l.Entries[j].Path })
	s.listings[endpoint] = l
	return cloneListing(l), nil
}

// Listing returns a copy of the cached listing of endpoint.
func (s *Store) Listing(_ context.Context, endpoint string) (Listing, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.listings[endpoint]
	if !ok {
		return Listing{}, false, nil
	}
	return cloneListing(l), true, nil
}

// Forget drops the listing of endpoint.
func (s *Store) Forget(_ context.Context, endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.listings, endpoint)
	return nil
}

// Endpoints lists cached endpoints.
func (s *Store) Endpoints(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.listings)), nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// ExportState returns a deep copy of every listing.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := Snapshot{Listings: make(map[string]Listing, len(s.listings))}
	for k, l := range s.listings {
		out.Listings[k] = cloneListing(l)
	}
	return out
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listings = make(map[string]Listing, len(snapshot.Listings))
	for k, l := range snapshot.Listings {
		if l.Endpoint == "" {
			l.Endpoint = k
		}
		s.listings[k] = cloneListing(l)
	}
}
