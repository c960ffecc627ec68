package domain

import (
	"context"
	"time"
)

// CatalogEntry describes one MODO discovered on a remote endpoint.
type CatalogEntry struct {
	Path        string         `json:"path"`
	Bucket      string         `json:"bucket"`
	ID          string         `json:"id"`
	Description string         `json:"description,omitempty"`
	Attrs       map[string]any `json:"attrs,omitempty"`
}

// CatalogListing is the last full listing of one endpoint.
type CatalogListing struct {
	Endpoint    string         `json:"endpoint"`
	Entries     []CatalogEntry `json:"entries"`
	RefreshedAt time.Time      `json:"refreshed_at"`
}

// CatalogSnapshot is the exported state of a catalog store, keyed by endpoint.
type CatalogSnapshot struct {
	Listings map[string]CatalogListing `json:"listings"`
}

// CatalogStore caches endpoint listings between discovery runs.
type CatalogStore interface {
	// Replace stores entries as the current listing of endpoint.
	Replace(ctx context.Context, endpoint string, entries []CatalogEntry) (CatalogListing, error)
	// Listing returns the cached listing of endpoint.
	Listing(ctx context.Context, endpoint string) (CatalogListing, bool, error)
	// Forget drops the listing of endpoint.
	Forget(ctx context.Context, endpoint string) error
	// Endpoints lists cached endpoints in lexical order.
	Endpoints(ctx context.Context) ([]string, error)
	Close() error
}
