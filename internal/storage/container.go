package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/zeebo/errs"

	"modos/internal/blob"
	"modos/pkg/domain"
)

// Layout constants of the hierarchical container format.
const (
	ZarrRoot      = "data.zarr"
	ZGroupFile    = ".zgroup"
	ZAttrsFile    = ".zattrs"
	ZMetadataFile = ".zmetadata"
	zarrFormat    = 2
	consolidated  = 1
)

// Option customises Open.
type Option func(*options)

type options struct {
	store blob.Store
	s3    blob.S3Config
}

// WithStore injects a pre-built blob store (memory driver, S3 mock). The
// location prefix is still applied to every key.
func WithStore(s blob.Store) Option {
	return func(o *options) { o.store = s }
}

// WithS3Config sets the endpoint and credentials used for s3:// locations.
func WithS3Config(cfg blob.S3Config) Option {
	return func(o *options) { o.s3 = cfg }
}

// Container is a handle over one MODO container. It is not safe for
// concurrent mutation; callers serialise writes.
type Container struct {
	loc    Location
	store  blob.Store
	prefix string
}

// Open returns a handle over location without touching storage.
func Open(ctx context.Context, location string, opts ...Option) (*Container, error) {
	loc, err := ParseLocation(location)
	if err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	c := &Container{loc: loc, store: o.store}
	if loc.Remote {
		c.prefix = loc.Prefix
	}
	if c.store != nil {
		return c, nil
	}
	if loc.Remote {
		cfg := o.s3
		cfg.Bucket = loc.Bucket
		st, err := blob.NewS3(ctx, cfg)
		if err != nil {
			return nil, mapError("open", loc.String(), err)
		}
		c.store = st
		return c, nil
	}
	st, err := blob.NewFilesystem(loc.Dir)
	if err != nil {
		return nil, mapError("open", loc.String(), err)
	}
	c.store = st
	return c, nil
}

// Location returns the parsed container location.
func (c *Container) Location() Location { return c.loc }

// IsRemote reports whether the container lives in object storage.
func (c *Container) IsRemote() bool { return c.loc.Remote }

// Store exposes the underlying blob store.
func (c *Container) Store() blob.Store { return c.store }

// Key maps a container-relative path to the blob key.
func (c *Container) Key(rel string) string {
	rel = strings.TrimPrefix(path.Clean("/"+rel), "/")
	if c.prefix == "" {
		return rel
	}
	return c.prefix + "/" + rel
}

func groupDir(group string) string {
	group = strings.Trim(group, "/")
	if group == "" {
		return ZarrRoot
	}
	return ZarrRoot + "/" + group
}

// Exists reports whether the container has been initialised.
func (c *Container) Exists(ctx context.Context) (bool, error) {
	return c.FileExists(ctx, ZarrRoot+"/"+ZGroupFile)
}

// ReadGroup returns the attributes of group. The root group is "".
func (c *Container) ReadGroup(ctx context.Context, group string) (map[string]any, error) {
	dir := groupDir(group)
	attrs, err := c.readJSON(ctx, dir+"/"+ZAttrsFile)
	if err == nil {
		return attrs, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	// a group without attributes is still a group
	if ok, gerr := c.FileExists(ctx, dir+"/"+ZGroupFile); gerr != nil {
		return nil, gerr
	} else if ok {
		return map[string]any{}, nil
	}
	return nil, err
}

// WriteGroup creates group (and missing ancestors) and replaces its attributes.
func (c *Container) WriteGroup(ctx context.Context, group string, attrs map[string]any) error {
	group = strings.Trim(group, "/")
	segments := []string{}
	if group != "" {
		segments = strings.Split(group, "/")
	}
	for i := 0; i <= len(segments); i++ {
		dir := groupDir(strings.Join(segments[:i], "/"))
		ok, err := c.FileExists(ctx, dir+"/"+ZGroupFile)
		if err != nil {
			return err
		}
		if !ok {
			if err := c.writeJSON(ctx, dir+"/"+ZGroupFile, map[string]any{"zarr_format": zarrFormat}); err != nil {
				return err
			}
		}
	}
	if attrs == nil {
		attrs = map[string]any{}
	}
	return c.writeJSON(ctx, groupDir(group)+"/"+ZAttrsFile, attrs)
}

// DeleteGroup removes group and everything below it.
func (c *Container) DeleteGroup(ctx context.Context, group string) error {
	if strings.Trim(group, "/") == "" {
		return fmt.Errorf("refusing to delete root group")
	}
	dir := groupDir(group)
	infos, err := c.store.List(ctx, c.Key(dir)+"/")
	if err != nil {
		return mapError("list", dir, err)
	}
	if len(infos) == 0 {
		return &domain.StorageError{Op: "delete", Path: dir, Kind: domain.ErrNotFound, Err: blob.ErrNotFound}
	}
	for _, info := range infos {
		if _, err := c.store.Delete(ctx, info.Key); err != nil {
			return mapError("delete", info.Key, err)
		}
	}
	return nil
}

// ListChildren lists the direct child groups of group. The consolidated
// index is used when present so remote containers avoid a tree walk.
func (c *Container) ListChildren(ctx context.Context, group string) ([]string, error) {
	prefix := strings.Trim(group, "/")
	if prefix != "" {
		prefix += "/"
	}
	var keys []string
	if idx, err := c.readConsolidated(ctx); err == nil {
		for k := range idx.Metadata {
			keys = append(keys, k)
		}
	} else if errors.Is(err, domain.ErrNotFound) {
		infos, err := c.store.List(ctx, c.Key(ZarrRoot)+"/")
		if err != nil {
			return nil, mapError("list", ZarrRoot, err)
		}
		base := c.Key(ZarrRoot) + "/"
		for _, info := range infos {
			keys = append(keys, strings.TrimPrefix(info.Key, base))
		}
	} else {
		return nil, err
	}
	seen := map[string]struct{}{}
	var out []string
	for _, k := range keys {
		if !strings.HasPrefix(k, prefix) || !strings.HasSuffix(k, "/"+ZGroupFile) {
			continue
		}
		rest := strings.TrimSuffix(strings.TrimPrefix(k, prefix), "/"+ZGroupFile)
		if rest == "" || strings.Contains(rest, "/") {
			continue
		}
		if _, dup := seen[rest]; !dup {
			seen[rest] = struct{}{}
			out = append(out, rest)
		}
	}
	sort.Strings(out)
	return out, nil
}

// ReadFile opens a container-relative file.
func (c *Container) ReadFile(ctx context.Context, rel string) (io.ReadCloser, error) {
	_, rc, err := c.store.Get(ctx, c.Key(rel))
	if err != nil {
		return nil, mapError("read", rel, err)
	}
	return rc, nil
}

// ReadFileRange opens a byte window of a container-relative file.
func (c *Container) ReadFileRange(ctx context.Context, rel string, offset, length int64) (io.ReadCloser, error) {
	rc, err := c.store.GetRange(ctx, c.Key(rel), offset, length)
	if err != nil {
		return nil, mapError("read", rel, err)
	}
	return rc, nil
}

// WriteFile stores r at rel, replacing any existing file.
func (c *Container) WriteFile(ctx context.Context, rel string, r io.Reader) (blob.Info, error) {
	info, err := c.store.Put(ctx, c.Key(rel), r, blob.PutOptions{Overwrite: true})
	if err != nil {
		return blob.Info{}, mapError("write", rel, err)
	}
	return info, nil
}

// RemoveFile deletes rel. Missing files are reported as NotFound.
func (c *Container) RemoveFile(ctx context.Context, rel string) error {
	ok, err := c.store.Delete(ctx, c.Key(rel))
	if err != nil {
		return mapError("remove", rel, err)
	}
	if !ok {
		return &domain.StorageError{Op: "remove", Path: rel, Kind: domain.ErrNotFound, Err: blob.ErrNotFound}
	}
	return nil
}

// CopyFile duplicates src at dst within the container.
func (c *Container) CopyFile(ctx context.Context, src, dst string) (err error) {
	if path.Clean(src) == path.Clean(dst) {
		return nil
	}
	rc, err := c.ReadFile(ctx, src)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, rc.Close()) }()
	_, err = c.WriteFile(ctx, dst, rc)
	return err
}

// MoveFile renames src to dst within the container.
func (c *Container) MoveFile(ctx context.Context, src, dst string) error {
	if path.Clean(src) == path.Clean(dst) {
		return nil
	}
	if err := c.CopyFile(ctx, src, dst); err != nil {
		return err
	}
	return c.RemoveFile(ctx, src)
}

// FileExists reports whether rel is present.
func (c *Container) FileExists(ctx context.Context, rel string) (bool, error) {
	if _, err := c.store.Head(ctx, c.Key(rel)); err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return false, nil
		}
		return false, mapError("stat", rel, err)
	}
	return true, nil
}

// FileSize returns the size of rel in bytes.
func (c *Container) FileSize(ctx context.Context, rel string) (int64, error) {
	info, err := c.store.Head(ctx, c.Key(rel))
	if err != nil {
		return 0, mapError("stat", rel, err)
	}
	return info.Size, nil
}

// ListFiles returns container-relative paths of payload files, skipping the
// metadata tree. A non-empty pattern filters with doublestar glob syntax.
func (c *Container) ListFiles(ctx context.Context, pattern string) ([]string, error) {
	if pattern != "" && !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid file pattern %q", pattern)
	}
	base := ""
	if c.prefix != "" {
		base = c.prefix + "/"
	}
	infos, err := c.store.List(ctx, base)
	if err != nil {
		return nil, mapError("list", c.loc.String(), err)
	}
	var out []string
	for _, info := range infos {
		rel := strings.TrimPrefix(info.Key, base)
		if rel == ZarrRoot || strings.HasPrefix(rel, ZarrRoot+"/") {
			continue
		}
		if pattern != "" {
			if ok, _ := doublestar.Match(pattern, rel); !ok {
				continue
			}
		}
		out = append(out, rel)
	}
	return out, nil
}

// Transfer copies every file of c (metadata included) into dst.
func (c *Container) Transfer(ctx context.Context, dst *Container) error {
	base := ""
	if c.prefix != "" {
		base = c.prefix + "/"
	}
	infos, err := c.store.List(ctx, base)
	if err != nil {
		return mapError("list", c.loc.String(), err)
	}
	for _, info := range infos {
		rel := strings.TrimPrefix(info.Key, base)
		if err := c.copyTo(ctx, dst, rel); err != nil {
			return err
		}
	}
	return nil
}

func (c *Container) copyTo(ctx context.Context, dst *Container, rel string) (err error) {
	rc, err := c.ReadFile(ctx, rel)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, rc.Close()) }()
	_, err = dst.WriteFile(ctx, rel, rc)
	return err
}

// Destroy deletes every file of the container.
func (c *Container) Destroy(ctx context.Context) error {
	base := ""
	if c.prefix != "" {
		base = c.prefix + "/"
	}
	infos, err := c.store.List(ctx, base)
	if err != nil {
		return mapError("list", c.loc.String(), err)
	}
	for _, info := range infos {
		if _, err := c.store.Delete(ctx, info.Key); err != nil {
			return mapError("delete", info.Key, err)
		}
	}
	return nil
}

func (c *Container) readJSON(ctx context.Context, rel string) (out map[string]any, err error) {
	rc, err := c.ReadFile(ctx, rel)
	if err != nil {
		return nil, err
	}
	defer func() { err = errs.Combine(err, rc.Close()) }()
	dec := json.NewDecoder(rc)
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", rel, err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

func (c *Container) writeJSON(ctx context.Context, rel string, v any) error {
	b, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", rel, err)
	}
	_, err = c.WriteFile(ctx, rel, bytes.NewReader(b))
	return err
}

// mapError translates blob error kinds into the domain taxonomy.
func mapError(op, p string, err error) error {
	if err == nil {
		return nil
	}
	var kind error
	switch {
	case errors.Is(err, blob.ErrNotFound):
		kind = domain.ErrNotFound
	case errors.Is(err, blob.ErrPermission):
		kind = domain.ErrPermissionDenied
	case errors.Is(err, blob.ErrInvalidKey):
		return fmt.Errorf("%s %s: %w", op, p, err)
	default:
		kind = domain.ErrStorageUnavailable
	}
	return &domain.StorageError{Op: op, Path: p, Kind: kind, Err: err}
}
