// Package storage adapts a blob.Store into the hierarchical container
// layout used by MODOs: zarr v2 style groups with JSON attributes under
// data.zarr/, payload files beside it, and a consolidated metadata index
// that acts as the commit point of every mutation.
package storage

import (
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"
)

// Location identifies a container either on the local filesystem or inside
// an S3 bucket.
type Location struct {
	Raw    string
	Remote bool
	Bucket string
	Prefix string // key prefix within the bucket, no leading or trailing slash
	Dir    string // local directory
}

// ParseLocation accepts a local path ("/data/ex", "ex") or an S3 URL
// ("s3://bucket/prefix").
func ParseLocation(raw string) (Location, error) {
	if strings.TrimSpace(raw) == "" {
		return Location{}, fmt.Errorf("empty container location")
	}
	if strings.HasPrefix(raw, "s3://") {
		u, err := url.Parse(raw)
		if err != nil {
			return Location{}, fmt.Errorf("parse %s: %w", raw, err)
		}
		if u.Host == "" {
			return Location{}, fmt.Errorf("location %s: missing bucket", raw)
		}
		prefix := strings.Trim(path.Clean("/"+u.Path), "/")
		return Location{Raw: raw, Remote: true, Bucket: u.Host, Prefix: prefix}, nil
	}
	if strings.Contains(raw, "://") {
		return Location{}, fmt.Errorf("location %s: unsupported scheme", raw)
	}
	return Location{Raw: raw, Dir: filepath.Clean(raw)}, nil
}

// String renders the canonical form of the location.
func (l Location) String() string {
	if l.Remote {
		if l.Prefix == "" {
			return "s3://" + l.Bucket
		}
		return "s3://" + l.Bucket + "/" + l.Prefix
	}
	return l.Dir
}

// ID returns the container identifier: the bucket-relative path for remote
// containers, the directory for local ones.
func (l Location) ID() string {
	if l.Remote {
		if l.Prefix == "" {
			return l.Bucket
		}
		return l.Bucket + "/" + l.Prefix
	}
	return filepath.ToSlash(l.Dir)
}

// Name returns the last path element of the container.
func (l Location) Name() string {
	return path.Base(l.ID())
}
