package genomics

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/biogo/hts/bgzf"
	"github.com/biogo/hts/bgzf/index"
	"github.com/biogo/hts/csi"
	"github.com/zeebo/errs"
)

var bcfMagic = []byte("BCF\x02")

// maxBCFRecord bounds the size of one record held in memory.
const maxBCFRecord = 64 << 20

// bcfContigs maps contig dictionary offsets to names. Offsets follow header
// order unless a line carries an explicit IDX.
func bcfContigs(text string) map[int32]string {
	out := map[int32]string{}
	var next int32
	for _, line := range strings.Split(text, "\n") {
		rest, ok := strings.CutPrefix(line, "##contig=<")
		if !ok {
			continue
		}
		var id string
		idx := next
		for _, field := range strings.Split(strings.TrimRight(rest, "\r>"), ",") {
			k, v, _ := strings.Cut(field, "=")
			switch k {
			case "ID":
				id = v
			case "IDX":
				if n, err := strconv.Atoi(v); err == nil {
					idx = int32(n)
				}
			}
		}
		out[idx] = id
		next = idx + 1
	}
	return out
}

// readBCFHeader consumes the magic and header text and resolves the contig
// offset of region.Chrom, or -1.
func readBCFHeader(zr io.Reader, region Region) (header []byte, target int32, err error) {
	head := make([]byte, 9)
	if _, err := io.ReadFull(zr, head); err != nil {
		return nil, -1, streamingFailed("read bcf header", err)
	}
	if !bytes.HasPrefix(head, bcfMagic) {
		return nil, -1, streamingFailed("read bcf header", fmt.Errorf("bad magic %q", head[:5]))
	}
	text := make([]byte, binary.LittleEndian.Uint32(head[5:]))
	if _, err := io.ReadFull(zr, text); err != nil {
		return nil, -1, streamingFailed("read bcf header text", err)
	}
	target = -1
	for idx, name := range bcfContigs(string(bytes.TrimRight(text, "\x00"))) {
		if name == region.Chrom {
			target = idx
		}
	}
	return append(head, text...), target, nil
}

func copyBCFRecords(bw io.Writer, zr io.Reader, target int32, region Region) error {
	lens := make([]byte, 8)
	for {
		if _, err := io.ReadFull(zr, lens); err == io.EOF {
			return nil
		} else if err != nil {
			return streamingFailed("read bcf record", err)
		}
		size := int(binary.LittleEndian.Uint32(lens[:4])) + int(binary.LittleEndian.Uint32(lens[4:]))
		if size < 12 || size > maxBCFRecord {
			return streamingFailed("read bcf record", fmt.Errorf("record size %d out of range", size))
		}
		body := make([]byte, size)
		if _, err := io.ReadFull(zr, body); err != nil {
			return streamingFailed("read bcf record", err)
		}
		chrom := int32(binary.LittleEndian.Uint32(body[0:]))
		pos := int(int32(binary.LittleEndian.Uint32(body[4:])))
		rlen := int(int32(binary.LittleEndian.Uint32(body[8:])))
		if chrom != target || !region.Overlaps(region.Chrom, pos, pos+rlen) {
			continue
		}
		if _, err := bw.Write(lens); err != nil {
			return err
		}
		if _, err := bw.Write(body); err != nil {
			return err
		}
	}
}

func filterBCF(r io.Reader, region Region) (io.ReadCloser, error) {
	zr, err := bgzf.NewReader(r, 1)
	if err != nil {
		return nil, streamingFailed("open bgzf", err)
	}
	header, target, err := readBCFHeader(zr, region)
	if err == nil && target < 0 {
		err = regionNotFound(region)
	}
	if err != nil {
		zr.Close()
		return nil, err
	}

	return pipe(func(w io.Writer) (err error) {
		defer func() { err = errs.Combine(err, zr.Close()) }()
		bw := bgzf.NewWriter(w, 1)
		defer func() { err = errs.Combine(err, bw.Close()) }()
		if _, err := bw.Write(header); err != nil {
			return err
		}
		return copyBCFRecords(bw, zr, target, region)
	}), nil
}

// sliceIndexedBCF reads only the BGZF chunks a CSI index lists for region.
func sliceIndexedBCF(full string, idx io.Reader, region Region) (io.ReadCloser, error) {
	zi, err := bgzf.NewReader(idx, 1)
	if err != nil {
		return nil, streamingFailed("open csi index", err)
	}
	ci, err := csi.ReadFrom(zi)
	zi.Close()
	if err != nil {
		return nil, streamingFailed("read csi index", err)
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
	header, target, err := readBCFHeader(zr, region)
	if err == nil && target < 0 {
		err = regionNotFound(region)
	}
	if err != nil {
		zr.Close()
		f.Close()
		return nil, err
	}
	beg, end := region.ZeroBased()
	chunks := ci.Chunks(int(target), beg, end)

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
			return streamingFailed("seek bcf", err)
		}
		defer func() { err = errs.Combine(err, cr.Close()) }()
		return copyBCFRecords(bw, cr, target, region)
	}), nil
}
