package genomics

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/biogo/hts/bgzf"
	"github.com/biogo/hts/bgzf/index"
	"github.com/biogo/hts/tabix"
	"github.com/zeebo/errs"
)

// maxBinnedPos is the largest coordinate addressed by the binning scheme
// shared by BAI and tabix indexes.
const maxBinnedPos = 1 << 29

// filterVCF handles plain and BGZF-compressed VCF. The output keeps the
// input's compression.
func filterVCF(r io.Reader, region Region) (io.ReadCloser, error) {
	br := bufio.NewReader(r)
	magic, _ := br.Peek(2)
	compressed := bytes.Equal(magic, gzipMagic)
	var src io.Reader = br
	var closer io.Closer = io.NopCloser(nil)
	if compressed {
		zr, err := bgzf.NewReader(br, 1)
		if err != nil {
			return nil, streamingFailed("open bgzf", err)
		}
		src, closer = zr, zr
	}
	lines := bufio.NewReader(src)
	header, contigs := readVCFHeader(lines)
	if len(contigs) > 0 && !slices.Contains(contigs, region.Chrom) {
		closer.Close()
		return nil, regionNotFound(region)
	}

	return pipe(func(w io.Writer) (err error) {
		defer func() { err = errs.Combine(err, closer.Close()) }()
		out := w
		if compressed {
			bw := bgzf.NewWriter(w, 1)
			defer func() { err = errs.Combine(err, bw.Close()) }()
			out = bw
		}
		if _, err := out.Write(header); err != nil {
			return err
		}
		return copyVCFRecords(out, lines, region)
	}), nil
}

// readVCFHeader consumes the "#" lines and collects the declared contigs.
func readVCFHeader(lines *bufio.Reader) (header []byte, contigs []string) {
	var buf bytes.Buffer
	for {
		next, err := lines.Peek(1)
		if err != nil || next[0] != '#' {
			break
		}
		line, err := lines.ReadBytes('\n')
		buf.Write(line)
		if id, ok := contigID(string(line)); ok {
			contigs = append(contigs, id)
		}
		if err != nil {
			break
		}
	}
	return buf.Bytes(), contigs
}

func copyVCFRecords(out io.Writer, lines *bufio.Reader, region Region) error {
	for {
		line, rerr := lines.ReadBytes('\n')
		if len(line) > 0 && vcfRecordOverlaps(line, region) {
			if _, err := out.Write(line); err != nil {
				return err
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return streamingFailed("read vcf record", rerr)
		}
	}
}

// sliceIndexedVCF reads only the BGZF chunks a tabix index lists for region.
func sliceIndexedVCF(full string, idx io.Reader, region Region) (io.ReadCloser, error) {
	zi, err := bgzf.NewReader(idx, 1)
	if err != nil {
		return nil, streamingFailed("open tabix index", err)
	}
	tbx, err := tabix.ReadFrom(zi)
	zi.Close()
	if err != nil {
		return nil, streamingFailed("read tabix index", err)
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, err
	}
	zr, err := bgzf.NewReader(f, 1)
	if err != nil {
		f.Close()
		return nil, streamingFailed("open bgzf", err)
	}
	header, contigs := readVCFHeader(bufio.NewReader(zr))
	if len(contigs) > 0 && !slices.Contains(contigs, region.Chrom) {
		zr.Close()
		f.Close()
		return nil, regionNotFound(region)
	}
	var chunks []bgzf.Chunk
	if tbx != nil {
		beg, end := region.ZeroBased()
		chunks, err = tbx.Chunks(region.Chrom, beg, min(end, maxBinnedPos))
		if err != nil && !noIndexedRecords(err) {
			zr.Close()
			f.Close()
			return nil, streamingFailed("query tabix index", err)
		}
	}

	return pipe(func(w io.Writer) (err error) {
		defer func() { err = errs.Combine(err, zr.Close(), f.Close()) }()
		bw := bgzf.NewWriter(w, 1)
		defer func() { err = errs.Combine(err, bw.Close()) }()
		if _, err := bw.Write(header); err != nil {
			return err
		}
		if len(chunks) == 0 {
			return nil
		}
		cr, err := index.NewChunkReader(zr, chunks)
		if err != nil {
			return streamingFailed("seek vcf", err)
		}
		defer func() { err = errs.Combine(err, cr.Close()) }()
		return copyVCFRecords(bw, bufio.NewReader(cr), region)
	}), nil
}

// noIndexedRecords reports index lookups that fail only because nothing was
// indexed for the interval.
func noIndexedRecords(err error) bool {
	return errors.Is(err, index.ErrNoReference) || errors.Is(err, index.ErrInvalid)
}

// contigID extracts ID from a "##contig=<ID=chr1,length=...>" line.
func contigID(line string) (string, bool) {
	rest, ok := strings.CutPrefix(line, "##contig=<")
	if !ok {
		return "", false
	}
	rest = strings.TrimRight(rest, "\r\n>")
	for _, field := range strings.Split(rest, ",") {
		if id, ok := strings.CutPrefix(field, "ID="); ok {
			return id, true
		}
	}
	return "", false
}

func vcfRecordOverlaps(line []byte, region Region) bool {
	fields := bytes.SplitN(line, []byte{'\t'}, 5)
	if len(fields) < 4 {
		return false
	}
	pos, err := strconv.Atoi(string(fields[1]))
	if err != nil {
		return false
	}
	beg := pos - 1
	return region.Overlaps(string(fields[0]), beg, beg+len(fields[3]))
}
