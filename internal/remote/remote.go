// Package remote discovers MODOs published on an S3 endpoint. Listing reads
// only each object's consolidated metadata index; the group tree is never
// walked.
package remote

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"modos/internal/blob"
	"modos/internal/core"
	"modos/internal/storage"
	"modos/pkg/domain"
)

// MatchThreshold is the similarity a fuzzy match must exceed.
const MatchThreshold = 0.7

// ObjectSummary describes one MODO found on the endpoint.
type ObjectSummary struct {
	Path        string         `json:"path"`
	Bucket      string         `json:"bucket"`
	ID          string         `json:"id"`
	Description string         `json:"description,omitempty"`
	Attrs       map[string]any `json:"attrs,omitempty"`
}

// Location returns the s3:// URL of the object.
func (s ObjectSummary) Location() string { return "s3://" + s.Path }

// Match is a Find result.
type Match struct {
	ObjectSummary
	Score float64 `json:"score"`
}

// Client lists and searches the MODOs of one endpoint.
type Client struct {
	store       *blob.S3Store
	endpoint    string
	catalog     domain.CatalogStore
	maxAge      time.Duration
	concurrency int
	logger      core.Logger
	now         func() time.Time
}

// Option customises a Client.
type Option func(*Client)

// WithCatalog caches every listing in st under the endpoint name.
func WithCatalog(st domain.CatalogStore) Option {
	return func(c *Client) { c.catalog = st }
}

// WithMaxAge lets Find reuse a cached listing younger than d instead of
// listing the endpoint again. Zero always lists.
func WithMaxAge(d time.Duration) Option {
	return func(c *Client) { c.maxAge = d }
}

// WithConcurrency bounds the buckets listed in parallel.
func WithConcurrency(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithLogger sets the logger; *slog.Logger satisfies it.
func WithLogger(l core.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient wraps an endpoint-wide S3 store. endpoint names the endpoint in
// logs and in the catalog.
func NewClient(store *blob.S3Store, endpoint string, opts ...Option) *Client {
	c := &Client{
		store:       store,
		endpoint:    endpoint,
		concurrency: 4,
		logger:      slog.New(slog.DiscardHandler),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dial connects to the S3 endpoint described by cfg.
func Dial(ctx context.Context, cfg blob.S3Config, opts ...Option) (*Client, error) {
	st, err := blob.NewS3Endpoint(ctx, cfg)
	if err != nil {
		return nil, &domain.StorageError{Op: "dial", Path: cfg.Endpoint, Kind: domain.ErrStorageUnavailable, Err: err}
	}
	return NewClient(st, cfg.Endpoint, opts...), nil
}

// Endpoint returns the endpoint name.
func (c *Client) Endpoint() string { return c.endpoint }

// ListObjects enumerates every MODO root in every bucket the credentials
// can list. Buckets that deny access are skipped with a warning; prefixes
// without a consolidated index are not MODOs and are skipped silently.
// Results are ordered by path.
func (c *Client) ListObjects(ctx context.Context) ([]ObjectSummary, error) {
	buckets, err := c.store.Buckets(ctx)
	if err != nil {
		return nil, mapError("list-buckets", c.endpoint, err)
	}
	var (
		mu  sync.Mutex
		out []ObjectSummary
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for _, b := range buckets {
		g.Go(func() error {
			found, err := c.listBucket(gctx, b)
			if err != nil {
				return err
			}
			mu.Lock()
			out = append(out, found...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	if c.catalog != nil {
		if _, err := c.catalog.Replace(ctx, c.endpoint, toEntries(out)); err != nil {
			c.logger.Warn("catalog update failed", "endpoint", c.endpoint, "error", err)
		}
	}
	c.logger.Debug("endpoint listed", "endpoint", c.endpoint, "buckets", len(buckets), "objects", len(out))
	return out, nil
}

func (c *Client) listBucket(ctx context.Context, bucket string) ([]ObjectSummary, error) {
	st := c.store.WithBucket(bucket)
	prefixes, err := st.CommonPrefixes(ctx, "")
	if err != nil {
		if errors.Is(err, blob.ErrPermission) {
			c.logger.Warn("bucket not readable", "bucket", bucket, "error", err)
			return nil, nil
		}
		return nil, mapError("list", bucket, err)
	}
	var out []ObjectSummary
	for _, p := range prefixes {
		name := strings.TrimSuffix(p, "/")
		summary, ok, err := c.summarize(ctx, st, bucket, name)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, summary)
		}
	}
	return out, nil
}

func (c *Client) summarize(ctx context.Context, st *blob.S3Store, bucket, name string) (ObjectSummary, bool, error) {
	cont, err := storage.Open(ctx, "s3://"+bucket+"/"+name, storage.WithStore(st))
	if err != nil {
		return ObjectSummary{}, false, err
	}
	idx, err := cont.Metadata(ctx)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return ObjectSummary{}, false, nil
	case errors.Is(err, domain.ErrPermissionDenied):
		c.logger.Warn("object not readable", "path", bucket+"/"+name, "error", err)
		return ObjectSummary{}, false, nil
	case errors.Is(err, domain.ErrStorageUnavailable):
		return ObjectSummary{}, false, err
	case err != nil:
		c.logger.Warn("skipping unreadable index", "path", bucket+"/"+name, "error", err)
		return ObjectSummary{}, false, nil
	}
	attrs, ok := idx.Attrs("")
	if !ok {
		return ObjectSummary{}, false, nil
	}
	if t, _ := attrs[domain.TypeKey].(string); t != "" && t != string(core.TypeMODO) {
		return ObjectSummary{}, false, nil
	}
	s := ObjectSummary{Path: cont.Location().ID(), Bucket: bucket, ID: name, Attrs: attrs}
	if id, _ := attrs[domain.SlotID].(string); id != "" {
		s.ID = id
	}
	s.Description, _ = attrs[domain.SlotDescription].(string)
	return s, true, nil
}

// Find returns the objects matching query. exact compares identifiers
// verbatim; otherwise objects whose identifier or description scores above
// MatchThreshold are returned, best first and ties by identifier. No match
// is an empty result, not an error.
func (c *Client) Find(ctx context.Context, query string, exact bool) ([]Match, error) {
	objects, err := c.objects(ctx)
	if err != nil {
		return nil, err
	}
	return Rank(objects, query, exact), nil
}

// Rank applies the Find matching rules to a listing.
func Rank(objects []ObjectSummary, query string, exact bool) []Match {
	out := []Match{}
	for _, o := range objects {
		if exact {
			if o.ID == query {
				out = append(out, Match{ObjectSummary: o, Score: 1})
			}
			continue
		}
		score := QuickRatio(query, o.ID)
		if o.Description != "" {
			score = max(score, QuickRatio(query, o.Description))
		}
		if score > MatchThreshold {
			out = append(out, Match{ObjectSummary: o, Score: score})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].Path < out[j].Path
	})
	return out
}

func (c *Client) objects(ctx context.Context) ([]ObjectSummary, error) {
	if c.catalog != nil && c.maxAge > 0 {
		l, ok, err := c.catalog.Listing(ctx, c.endpoint)
		if err != nil {
			c.logger.Warn("catalog read failed", "endpoint", c.endpoint, "error", err)
		} else if ok && c.now().Sub(l.RefreshedAt) < c.maxAge {
			return fromEntries(l.Entries), nil
		}
	}
	return c.ListObjects(ctx)
}

// Cached returns the last listing stored in the catalog, if any.
func (c *Client) Cached(ctx context.Context) ([]ObjectSummary, time.Time, bool, error) {
	if c.catalog == nil {
		return nil, time.Time{}, false, nil
	}
	l, ok, err := c.catalog.Listing(ctx, c.endpoint)
	if err != nil || !ok {
		return nil, time.Time{}, false, err
	}
	return fromEntries(l.Entries), l.RefreshedAt, true, nil
}

func toEntries(in []ObjectSummary) []domain.CatalogEntry {
	out := make([]domain.CatalogEntry, len(in))
	for i, s := range in {
		out[i] = domain.CatalogEntry{Path: s.Path, Bucket: s.Bucket, ID: s.ID, Description: s.Description, Attrs: s.Attrs}
	}
	return out
}

func fromEntries(in []domain.CatalogEntry) []ObjectSummary {
	out := make([]ObjectSummary, len(in))
	for i, e := range in {
		out[i] = ObjectSummary{Path: e.Path, Bucket: e.Bucket, ID: e.ID, Description: e.Description, Attrs: e.Attrs}
	}
	return out
}

func mapError(op, p string, err error) error {
	kind := domain.ErrStorageUnavailable
	switch {
	case errors.Is(err, blob.ErrPermission):
		kind = domain.ErrPermissionDenied
	case errors.Is(err, blob.ErrNotFound):
		kind = domain.ErrNotFound
	}
	return &domain.StorageError{Op: op, Path: p, Kind: kind, Err: err}
}
