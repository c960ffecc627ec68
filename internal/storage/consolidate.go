package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/zeebo/errs"

	"modos/pkg/domain"
)

// Index is the consolidated metadata document stored at data.zarr/.zmetadata.
// Keys are paths relative to data.zarr ("sample/s1/.zattrs").
type Index struct {
	Metadata map[string]map[string]any `json:"metadata"`
	Format   int                       `json:"zarr_consolidated_format"`
}

// Groups returns the group paths recorded in the index, root first then
// lexically sorted.
func (idx Index) Groups() []string {
	var out []string
	for k := range idx.Metadata {
		if g, ok := strings.CutSuffix(k, ZGroupFile); ok {
			out = append(out, strings.TrimSuffix(g, "/"))
		}
	}
	sort.Strings(out)
	return out
}

// Attrs returns the attributes recorded for group.
func (idx Index) Attrs(group string) (map[string]any, bool) {
	key := ZAttrsFile
	if group != "" {
		key = group + "/" + ZAttrsFile
	}
	attrs, ok := idx.Metadata[key]
	return attrs, ok
}

// ConsolidateMetadata rebuilds the index from the group tree and writes it
// last. Readers that only see the index therefore never observe a partial
// mutation.
func (c *Container) ConsolidateMetadata(ctx context.Context) (Index, error) {
	base := c.Key(ZarrRoot) + "/"
	infos, err := c.store.List(ctx, base)
	if err != nil {
		return Index{}, mapError("list", ZarrRoot, err)
	}
	idx := Index{Metadata: map[string]map[string]any{}, Format: consolidated}
	for _, info := range infos {
		rel := strings.TrimPrefix(info.Key, base)
		name := rel
		if i := strings.LastIndex(rel, "/"); i >= 0 {
			name = rel[i+1:]
		}
		if name != ZGroupFile && name != ZAttrsFile {
			continue
		}
		doc, err := c.readJSON(ctx, ZarrRoot+"/"+rel)
		if err != nil {
			return Index{}, err
		}
		idx.Metadata[rel] = doc
	}
	if _, ok := idx.Metadata[ZGroupFile]; !ok {
		return Index{}, &domain.StorageError{Op: "consolidate", Path: c.loc.String(), Kind: domain.ErrNotFound, Err: errors.New("container not initialised")}
	}
	if err := c.writeJSON(ctx, ZarrRoot+"/"+ZMetadataFile, idx); err != nil {
		return Index{}, err
	}
	return idx, nil
}

// Metadata reads the consolidated index without walking the tree.
func (c *Container) Metadata(ctx context.Context) (Index, error) {
	return c.readConsolidated(ctx)
}

func (c *Container) readConsolidated(ctx context.Context) (idx Index, err error) {
	rc, err := c.ReadFile(ctx, ZarrRoot+"/"+ZMetadataFile)
	if err != nil {
		return Index{}, err
	}
	defer func() { err = errs.Combine(err, rc.Close()) }()
	if err := json.NewDecoder(rc).Decode(&idx); err != nil {
		return Index{}, fmt.Errorf("decode %s: %w", ZMetadataFile, err)
	}
	if idx.Metadata == nil {
		idx.Metadata = map[string]map[string]any{}
	}
	return idx, nil
}

// Init creates the root group with attrs and consolidates.
func (c *Container) Init(ctx context.Context, attrs map[string]any) error {
	if err := c.WriteGroup(ctx, "", attrs); err != nil {
		return err
	}
	_, err := c.ConsolidateMetadata(ctx)
	return err
}
