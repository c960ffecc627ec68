package genomics

import (
	"fmt"
	"io"

	"github.com/biogo/hts/bam"
	"github.com/biogo/hts/sam"

	"modos/pkg/domain"
)

// Filter re-slices a stream of format f to the records overlapping region.
// The header is read before Filter returns, so an unknown sequence name
// fails immediately with domain.ErrRegionNotFound; record errors surface
// from Read on the returned stream.
func Filter(f Format, r io.Reader, region Region) (io.ReadCloser, error) {
	if err := region.Validate(); err != nil {
		return nil, err
	}
	switch f {
	case FormatBAM:
		return filterBAM(r, region)
	case FormatVCF:
		return filterVCF(r, region)
	case FormatBCF:
		return filterBCF(r, region)
	case FormatCRAM:
		return filterCRAM(r, region)
	}
	return nil, fmt.Errorf("filter %s: %w", f, domain.ErrUnsupportedFormat)
}

func regionNotFound(region Region) error {
	return &domain.StreamingError{Region: region.String(), Kind: domain.ErrRegionNotFound}
}

// pipe runs produce in a goroutine writing to the returned reader.
func pipe(produce func(w io.Writer) error) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(produce(pw))
	}()
	return pr
}

func findRef(h *sam.Header, chrom string) *sam.Reference {
	for _, ref := range h.Refs() {
		if ref.Name() == chrom {
			return ref
		}
	}
	return nil
}

func filterBAM(r io.Reader, region Region) (io.ReadCloser, error) {
	br, err := bam.NewReader(r, 1)
	if err != nil {
		return nil, streamingFailed("read bam header", err)
	}
	h := br.Header()
	if findRef(h, region.Chrom) == nil {
		br.Close()
		return nil, regionNotFound(region)
	}
	return pipe(func(w io.Writer) error {
		defer br.Close()
		bw, err := bam.NewWriter(w, h, 1)
		if err != nil {
			return err
		}
		for {
			rec, err := br.Read()
			if err == io.EOF {
				break
			}
			if err != nil {
				bw.Close()
				return streamingFailed("read bam record", err)
			}
			if rec.Ref == nil || !region.Overlaps(rec.Ref.Name(), rec.Start(), rec.End()) {
				continue
			}
			if err := bw.Write(rec); err != nil {
				bw.Close()
				return err
			}
		}
		return bw.Close()
	}), nil
}

func streamingFailed(what string, err error) error {
	return &domain.StreamingError{Kind: domain.ErrStreamingFailed, Err: fmt.Errorf("%s: %w", what, err)}
}
