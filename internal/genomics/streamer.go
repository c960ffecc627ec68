package genomics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/biogo/hts/bam"
	"github.com/biogo/hts/bgzf"
	"github.com/zeebo/errs"

	"modos/internal/core"
	"modos/pkg/domain"
)

// Streamer slices the genomic payloads of one MODO.
type Streamer struct {
	obj    *core.Object
	htsget *Client
}

// StreamerOption customises a Streamer.
type StreamerOption func(*Streamer)

// WithHtsget routes remote objects through the htsget service.
func WithHtsget(c *Client) StreamerOption {
	return func(s *Streamer) { s.htsget = c }
}

// NewStreamer returns a streamer over obj.
func NewStreamer(obj *core.Object, opts ...StreamerOption) *Streamer {
	s := &Streamer{obj: obj}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Stream returns the records of the payload at rel overlapping region, as a
// standalone file of the payload's format. A nil region streams the whole
// file. rel must be a data_path referenced by the object.
func (s *Streamer) Stream(ctx context.Context, rel string, region *Region) (io.ReadCloser, Format, error) {
	rel = strings.TrimPrefix(path.Clean("/"+rel), "/")
	if !slices.Contains(s.obj.ListFiles(), rel) {
		return nil, "", domain.NotFoundError{Entity: "data file", ID: rel}
	}
	f, err := s.detect(ctx, rel)
	if err != nil {
		return nil, "", err
	}
	if region != nil {
		if err := region.Validate(); err != nil {
			return nil, "", err
		}
	}
	log := s.obj.Logger()

	var rc io.ReadCloser
	switch {
	case !s.obj.IsRemote():
		rc, err = s.local(ctx, rel, f, region)
	case s.htsget != nil:
		log.Debug("streaming through htsget", "object", s.obj.ID(), "path", rel, "format", f)
		rc, err = s.remote(ctx, rel, f, region)
	default:
		log.Warn("no htsget service configured, reading whole object", "object", s.obj.ID(), "path", rel)
		rc, err = s.whole(ctx, rel, f, region)
	}
	if err != nil {
		return nil, "", withPath(err, rel)
	}
	return rc, f, nil
}

func (s *Streamer) detect(ctx context.Context, rel string) (f Format, err error) {
	rc, err := s.obj.Container().ReadFileRange(ctx, rel, 0, SniffLen)
	if err != nil {
		return "", err
	}
	defer func() { err = errs.Combine(err, rc.Close()) }()
	head, err := io.ReadAll(rc)
	if err != nil {
		return "", err
	}
	return DetectFormat(head, rel)
}

// indexedSlicers read a local payload through its index sibling.
var indexedSlicers = map[Format]func(full string, idx io.Reader, region Region) (io.ReadCloser, error){
	FormatBAM:  sliceIndexedBAM,
	FormatCRAM: sliceIndexedCRAM,
	FormatVCF:  sliceIndexedVCF,
	FormatBCF:  sliceIndexedBCF,
}

func (s *Streamer) local(ctx context.Context, rel string, f Format, region *Region) (io.ReadCloser, error) {
	full := filepath.Join(s.obj.Container().Location().Dir, filepath.FromSlash(rel))
	if slice, ok := indexedSlicers[f]; ok && region != nil {
		if idx, err := os.Open(full + f.IndexSuffix()); err == nil {
			defer idx.Close()
			s.obj.Logger().Debug("streaming through index", "object", s.obj.ID(), "path", rel, "index", f.IndexSuffix())
			return slice(full, idx, *region)
		}
	}
	return s.whole(ctx, rel, f, region)
}

// whole reads the entire payload and filters it client side.
func (s *Streamer) whole(ctx context.Context, rel string, f Format, region *Region) (io.ReadCloser, error) {
	rc, err := s.obj.Container().ReadFile(ctx, rel)
	if err != nil {
		return nil, err
	}
	if region == nil {
		return rc, nil
	}
	out, err := Filter(f, rc, *region)
	if err != nil {
		rc.Close()
		return nil, err
	}
	return &chainCloser{ReadCloser: out, also: rc}, nil
}

func (s *Streamer) remote(ctx context.Context, rel string, f Format, region *Region) (io.ReadCloser, error) {
	id := htsgetID(s.obj.Container().Location().Prefix, rel)
	t, err := s.htsget.Ticket(ctx, id, f, region)
	if err != nil {
		return nil, err
	}
	rc, err := s.htsget.Fetch(ctx, t)
	if err != nil {
		return nil, err
	}
	if region == nil {
		return rc, nil
	}
	// services may answer with the whole reference sequence, or with the
	// header alone when the region holds no records
	out, err := Filter(f, rc, *region)
	if err != nil {
		rc.Close()
		return nil, err
	}
	return &chainCloser{ReadCloser: out, also: rc}, nil
}

// htsgetID is the object key without the payload extension:
// "ex" + "data/d1.cram" -> "ex/data/d1".
func htsgetID(prefix, rel string) string {
	lower := strings.ToLower(rel)
	for _, e := range extensions {
		if strings.HasSuffix(lower, e.suffix) {
			rel = rel[:len(rel)-len(e.suffix)]
			break
		}
	}
	return strings.Trim(prefix+"/"+rel, "/")
}

func sliceIndexedBAM(full string, idxFile io.Reader, region Region) (io.ReadCloser, error) {
	idx, err := bam.ReadIndex(idxFile)
	if err != nil {
		return nil, streamingFailed("read bam index", err)
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, err
	}
	br, err := bam.NewReader(f, 1)
	if err != nil {
		f.Close()
		return nil, streamingFailed("read bam header", err)
	}
	h := br.Header()
	ref := findRef(h, region.Chrom)
	if ref == nil {
		br.Close()
		f.Close()
		return nil, regionNotFound(region)
	}
	beg, end := region.ZeroBased()
	end = min(end, ref.Len())
	var chunks []bgzf.Chunk
	if beg < end {
		chunks, err = idx.Chunks(ref, beg, end)
		if err != nil {
			// references without indexed reads have no bins
			chunks = nil
		}
	}
	return pipe(func(w io.Writer) (err error) {
		defer func() { err = errs.Combine(err, br.Close(), f.Close()) }()
		bw, err := bam.NewWriter(w, h, 1)
		if err != nil {
			return err
		}
		defer func() { err = errs.Combine(err, bw.Close()) }()
		if len(chunks) == 0 {
			return nil
		}
		it, err := bam.NewIterator(br, chunks)
		if err != nil {
			return streamingFailed("seek bam", err)
		}
		defer func() { err = errs.Combine(err, it.Close()) }()
		for it.Next() {
			rec := it.Record()
			if rec.Ref == nil || !region.Overlaps(rec.Ref.Name(), rec.Start(), rec.End()) {
				continue
			}
			if err := bw.Write(rec); err != nil {
				return err
			}
		}
		return it.Error()
	}), nil
}

type chainCloser struct {
	io.ReadCloser
	also io.Closer
}

func (c *chainCloser) Close() error {
	return errs.Combine(c.ReadCloser.Close(), c.also.Close())
}

func withPath(err error, rel string) error {
	var se *domain.StreamingError
	if errors.As(err, &se) {
		if se.Path == "" {
			se.Path = rel
		}
		return err
	}
	return fmt.Errorf("stream %s: %w", rel, err)
}
