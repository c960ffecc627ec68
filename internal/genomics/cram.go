package genomics

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/zeebo/errs"

	"modos/pkg/domain"
)

const cramFileDefLen = 26

// cramMultiRef marks a container or slice holding records of several
// references.
const cramMultiRef = -2

// maxCRAMContainer bounds the container bodies held in memory.
const maxCRAMContainer = 256 << 20

const (
	cramBlockFileHeader  = 0
	cramBlockCompression = 1
	cramBlockSliceHeader = 2
)

var errCRAMLength = errors.New("cram container length out of range")

type cramContainer struct {
	raw       []byte // header bytes as read
	length    int64  // body length following the header
	refID     int32
	start     int32
	span      int32
	nRecords  int32
	counter   int64
	bases     int64
	blocks    int32
	landmarks []int32
}

func readITF8(r io.ByteReader) (int32, error) {
	b0, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	n := 0
	for n < 4 && b0&(0x80>>n) != 0 {
		n++
	}
	if n == 4 {
		v := uint32(b0 & 0x0f)
		for i := 0; i < 3; i++ {
			b, err := r.ReadByte()
			if err != nil {
				return 0, err
			}
			v = v<<8 | uint32(b)
		}
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		return int32(v<<4 | uint32(b&0x0f)), nil
	}
	v := uint32(b0 & (0xff >> (n + 1)))
	for i := 0; i < n; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		v = v<<8 | uint32(b)
	}
	return int32(v), nil
}

func putITF8(buf *bytes.Buffer, v int32) {
	u := uint32(v)
	switch {
	case u < 0x80:
		buf.WriteByte(byte(u))
	case u < 0x4000:
		buf.Write([]byte{byte(u>>8) | 0x80, byte(u)})
	case u < 0x200000:
		buf.Write([]byte{byte(u>>16) | 0xc0, byte(u >> 8), byte(u)})
	case u < 0x10000000:
		buf.Write([]byte{byte(u>>24) | 0xe0, byte(u >> 16), byte(u >> 8), byte(u)})
	default:
		buf.Write([]byte{byte(u>>28) | 0xf0, byte(u >> 20), byte(u >> 12), byte(u >> 4), byte(u & 0x0f)})
	}
}

func readLTF8(r io.ByteReader) (int64, error) {
	b0, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	n := 0
	for n < 8 && b0&(0x80>>n) != 0 {
		n++
	}
	var v uint64
	if n < 7 {
		v = uint64(b0 & (0xff >> (n + 1)))
	}
	for i := 0; i < n; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		v = v<<8 | uint64(b)
	}
	return int64(v), nil
}

func putLTF8(buf *bytes.Buffer, v int64) {
	u := uint64(v)
	n := 0
	for n < 8 && u >= uint64(1)<<(7*(n+1)) {
		n++
	}
	first := ^byte(0xff >> n)
	if n < 7 {
		first |= byte(u >> (8 * n))
	}
	buf.WriteByte(first)
	for i := n - 1; i >= 0; i-- {
		buf.WriteByte(byte(u >> (8 * i)))
	}
}

// recordingReader keeps every byte read so container headers can be passed
// through unchanged.
type recordingReader struct {
	r   io.ByteReader
	buf bytes.Buffer
}

func (rr *recordingReader) ReadByte() (byte, error) {
	b, err := rr.r.ReadByte()
	if err == nil {
		rr.buf.WriteByte(b)
	}
	return b, err
}

func readCRAMContainer(r io.ByteReader, major byte) (cramContainer, error) {
	rr := &recordingReader{r: r}
	var lenBuf [4]byte
	for i := range lenBuf {
		b, err := rr.ReadByte()
		if err != nil {
			if i == 0 && err == io.EOF {
				return cramContainer{}, io.EOF
			}
			return cramContainer{}, io.ErrUnexpectedEOF
		}
		lenBuf[i] = b
	}
	c := cramContainer{length: int64(int32(binary.LittleEndian.Uint32(lenBuf[:])))}
	if c.length < 0 || c.length > maxCRAMContainer {
		return c, fmt.Errorf("%w: %d", errCRAMLength, c.length)
	}
	var err error
	for _, f := range []*int32{&c.refID, &c.start, &c.span, &c.nRecords} {
		if *f, err = readITF8(rr); err != nil {
			return c, err
		}
	}
	if major >= 3 {
		c.counter, err = readLTF8(rr)
	} else {
		var v int32
		v, err = readITF8(rr)
		c.counter = int64(v)
	}
	if err != nil {
		return c, err
	}
	if c.bases, err = readLTF8(rr); err != nil {
		return c, err
	}
	if c.blocks, err = readITF8(rr); err != nil {
		return c, err
	}
	landmarks, err := readITF8(rr)
	if err != nil {
		return c, err
	}
	if landmarks < 0 || int64(landmarks) > c.length {
		return c, fmt.Errorf("cram container with %d landmarks", landmarks)
	}
	c.landmarks = make([]int32, landmarks)
	for i := range c.landmarks {
		if c.landmarks[i], err = readITF8(rr); err != nil {
			return c, err
		}
	}
	if major >= 3 {
		for i := 0; i < 4; i++ { // crc32
			if _, err = rr.ReadByte(); err != nil {
				return c, err
			}
		}
	}
	c.raw = rr.buf.Bytes()
	return c, nil
}

// header encodes c, recomputing the CRC for CRAM 3.
func (c cramContainer) header(major byte) []byte {
	var buf bytes.Buffer
	var length [4]byte
	binary.LittleEndian.PutUint32(length[:], uint32(c.length))
	buf.Write(length[:])
	for _, v := range []int32{c.refID, c.start, c.span, c.nRecords} {
		putITF8(&buf, v)
	}
	if major >= 3 {
		putLTF8(&buf, c.counter)
	} else {
		putITF8(&buf, int32(c.counter))
	}
	putLTF8(&buf, c.bases)
	putITF8(&buf, c.blocks)
	putITF8(&buf, int32(len(c.landmarks)))
	for _, l := range c.landmarks {
		putITF8(&buf, l)
	}
	if major >= 3 {
		var sum [4]byte
		binary.LittleEndian.PutUint32(sum[:], crc32.ChecksumIEEE(buf.Bytes()))
		buf.Write(sum[:])
	}
	return buf.Bytes()
}

// mayOverlap judges c by its header alone.
func (c cramContainer) mayOverlap(target int32, region Region) bool {
	return c.nRecords == 0 || c.refID == cramMultiRef ||
		(c.refID == target && region.Overlaps(region.Chrom, int(c.start)-1, int(c.start)-1+int(c.span)))
}

type cramBlock struct {
	method      byte
	contentType byte
	data        []byte
}

// readCRAMBlock decodes the block at the start of b.
func readCRAMBlock(b []byte, major byte) (cramBlock, error) {
	r := bytes.NewReader(b)
	method, err := r.ReadByte()
	if err != nil {
		return cramBlock{}, err
	}
	contentType, err := r.ReadByte()
	if err != nil {
		return cramBlock{}, err
	}
	if _, err := readITF8(r); err != nil { // content id
		return cramBlock{}, err
	}
	size, err := readITF8(r)
	if err != nil {
		return cramBlock{}, err
	}
	if _, err := readITF8(r); err != nil { // raw size
		return cramBlock{}, err
	}
	if size < 0 || int64(size) > int64(r.Len()) {
		return cramBlock{}, fmt.Errorf("cram block size %d out of range", size)
	}
	off := len(b) - r.Len()
	n := off + int(size)
	if major >= 3 {
		n += 4
	}
	if n > len(b) {
		return cramBlock{}, io.ErrUnexpectedEOF
	}
	return cramBlock{method: method, contentType: contentType, data: b[off : off+int(size)]}, nil
}

// cramHeaderText decodes the SAM header text from the body of the first
// container. Only raw and gzip blocks are supported.
func cramHeaderText(body []byte, major byte) (string, error) {
	blk, err := readCRAMBlock(body, major)
	if err != nil {
		return "", err
	}
	if blk.contentType != cramBlockFileHeader {
		return "", fmt.Errorf("cram header container starts with block type %d", blk.contentType)
	}
	data := blk.data
	switch blk.method {
	case 0:
	case 1:
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return "", err
		}
		if data, err = io.ReadAll(zr); err != nil {
			return "", err
		}
	default:
		return "", fmt.Errorf("cram header block compression %d: %w", blk.method, domain.ErrUnsupportedFormat)
	}
	if len(data) < 4 {
		return "", fmt.Errorf("cram header block too short")
	}
	n := int(binary.LittleEndian.Uint32(data))
	if n < 0 || n > len(data)-4 {
		n = len(data) - 4
	}
	return string(data[4 : 4+n]), nil
}

// samRefIndex returns the position of chrom among the @SQ lines.
func samRefIndex(text, chrom string) int32 {
	var idx int32
	for _, line := range strings.Split(text, "\n") {
		if !strings.HasPrefix(line, "@SQ") {
			continue
		}
		for _, field := range strings.Split(strings.TrimRight(line, "\r"), "\t") {
			if name, ok := strings.CutPrefix(field, "SN:"); ok && name == chrom {
				return idx
			}
		}
		idx++
	}
	return -1
}

type cramSlice struct {
	refID    int32
	start    int32
	span     int32
	nRecords int32
	counter  int64
	blocks   int32 // data blocks following the slice header block
	known    bool  // false when the header block is compressed
}

func (s cramSlice) overlaps(target int32, region Region) bool {
	return !s.known || s.refID == cramMultiRef ||
		(s.refID == target && region.Overlaps(region.Chrom, int(s.start)-1, int(s.start)-1+int(s.span)))
}

func readCRAMSlice(b []byte, major byte) (cramSlice, error) {
	blk, err := readCRAMBlock(b, major)
	if err != nil {
		return cramSlice{}, err
	}
	if blk.contentType != cramBlockSliceHeader {
		return cramSlice{}, fmt.Errorf("cram landmark points at block type %d", blk.contentType)
	}
	if blk.method != 0 {
		return cramSlice{}, nil
	}
	r := bytes.NewReader(blk.data)
	s := cramSlice{known: true}
	for _, f := range []*int32{&s.refID, &s.start, &s.span, &s.nRecords} {
		if *f, err = readITF8(r); err != nil {
			return s, err
		}
	}
	if major >= 3 {
		s.counter, err = readLTF8(r)
	} else {
		var v int32
		v, err = readITF8(r)
		s.counter = int64(v)
	}
	if err != nil {
		return s, err
	}
	s.blocks, err = readITF8(r)
	return s, err
}

// sliceCRAMContainer drops the slices of c that cannot hold records in
// region and re-encodes the container around the rest. It returns nil when
// nothing is kept.
func sliceCRAMContainer(c cramContainer, body []byte, major byte, target int32, region Region) ([]byte, error) {
	if len(c.landmarks) == 0 {
		return append(slices.Clone(c.raw), body...), nil
	}
	type span struct{ beg, end int }
	var kept []cramSlice
	var keptSpans []span
	dropped := int32(0)
	for i, l := range c.landmarks {
		beg, end := int(l), len(body)
		if i+1 < len(c.landmarks) {
			end = int(c.landmarks[i+1])
		}
		if beg < 0 || beg > end || end > len(body) {
			return nil, fmt.Errorf("cram landmark %d out of range", l)
		}
		s, err := readCRAMSlice(body[beg:end], major)
		if err != nil {
			return nil, err
		}
		if !s.overlaps(target, region) {
			dropped += 1 + s.blocks
			continue
		}
		kept = append(kept, s)
		keptSpans = append(keptSpans, span{beg, end})
	}
	switch len(kept) {
	case 0:
		return nil, nil
	case len(c.landmarks):
		return append(slices.Clone(c.raw), body...), nil
	}

	out := cramContainer{refID: kept[0].refID, counter: c.counter, bases: c.bases, blocks: c.blocks - dropped}
	newBody := slices.Clone(body[:c.landmarks[0]])
	for i, s := range kept {
		out.landmarks = append(out.landmarks, int32(len(newBody)))
		newBody = append(newBody, body[keptSpans[i].beg:keptSpans[i].end]...)
		out.nRecords += s.nRecords
		if s.known && i == 0 {
			out.counter = s.counter
		}
		if !s.known || s.refID != out.refID {
			out.refID = cramMultiRef
		}
	}
	if out.refID != cramMultiRef {
		beg, end := kept[0].start, kept[0].start+kept[0].span
		for _, s := range kept[1:] {
			beg, end = min(beg, s.start), max(end, s.start+s.span)
		}
		out.start, out.span = beg, end-beg
	}
	out.length = int64(len(newBody))
	return append(out.header(major), newBody...), nil
}

// copyCRAMContainer writes the part of c that may hold records in region,
// consuming its body from r.
func copyCRAMContainer(w io.Writer, r io.Reader, c cramContainer, major byte, target int32, region Region) error {
	if !c.mayOverlap(target, region) {
		if _, err := io.CopyN(io.Discard, r, c.length); err != nil {
			return streamingFailed("skip cram container", err)
		}
		return nil
	}
	if c.nRecords == 0 || len(c.landmarks) < 2 {
		if _, err := w.Write(c.raw); err != nil {
			return err
		}
		if _, err := io.CopyN(w, r, c.length); err != nil {
			return streamingFailed("copy cram container", err)
		}
		return nil
	}
	body := make([]byte, c.length)
	if _, err := io.ReadFull(r, body); err != nil {
		return streamingFailed("read cram container", err)
	}
	out, err := sliceCRAMContainer(c, body, major, target, region)
	if err != nil {
		return streamingFailed("slice cram container", err)
	}
	if out == nil {
		return nil
	}
	_, err = w.Write(out)
	return err
}

type cramPreamble struct {
	major byte
	raw   []byte // file definition, header container and its body
	text  string
}

func readCRAMPreamble(br *bufio.Reader) (cramPreamble, error) {
	def := make([]byte, cramFileDefLen)
	if _, err := io.ReadFull(br, def); err != nil {
		return cramPreamble{}, streamingFailed("read cram file definition", err)
	}
	if !bytes.HasPrefix(def, []byte("CRAM")) {
		return cramPreamble{}, streamingFailed("read cram file definition", fmt.Errorf("bad magic %q", def[:4]))
	}
	p := cramPreamble{major: def[4]}
	hc, err := readCRAMContainer(br, p.major)
	if err != nil {
		return p, streamingFailed("read cram header container", err)
	}
	hbody := make([]byte, hc.length)
	if _, err := io.ReadFull(br, hbody); err != nil {
		return p, streamingFailed("read cram header container", err)
	}
	if p.text, err = cramHeaderText(hbody, p.major); err != nil {
		return p, streamingFailed("decode cram header", err)
	}
	p.raw = slices.Concat(def, hc.raw, hbody)
	return p, nil
}

// filterCRAM keeps the file definition, the header container, every slice
// that may hold records in region, and the EOF container. Records are not
// decoded, so the result is slice-granular.
func filterCRAM(r io.Reader, region Region) (io.ReadCloser, error) {
	br := bufio.NewReader(r)
	p, err := readCRAMPreamble(br)
	if err != nil {
		return nil, err
	}
	target := samRefIndex(p.text, region.Chrom)
	if target < 0 {
		return nil, regionNotFound(region)
	}

	return pipe(func(w io.Writer) error {
		if _, err := w.Write(p.raw); err != nil {
			return err
		}
		for {
			c, err := readCRAMContainer(br, p.major)
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return streamingFailed("read cram container", err)
			}
			if err := copyCRAMContainer(w, br, c, p.major, target, region); err != nil {
				return err
			}
		}
	}), nil
}

// craiEntry is one line of a CRAM index: a slice and the container that
// holds it.
type craiEntry struct {
	refID     int32
	start     int64 // 1-based
	span      int64
	container int64 // file offset of the container header
}

func readCRAI(r io.Reader) (out []craiEntry, err error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer func() { err = errs.Combine(err, zr.Close()) }()
	sc := bufio.NewScanner(zr)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 6 {
			return nil, fmt.Errorf("crai line %q: want 6 fields", sc.Text())
		}
		var nums [4]int64
		for i := range nums {
			if nums[i], err = strconv.ParseInt(fields[i], 10, 64); err != nil {
				return nil, fmt.Errorf("crai line %q: %w", sc.Text(), err)
			}
		}
		out = append(out, craiEntry{refID: int32(nums[0]), start: nums[1], span: nums[2], container: nums[3]})
	}
	return out, sc.Err()
}

// cramEOFLen is the size of the EOF container by major version.
func cramEOFLen(major byte) int64 {
	if major >= 3 {
		return 38
	}
	return 30
}

// sliceIndexedCRAM reads only the containers the .crai points at for
// region, then the trailing EOF container.
func sliceIndexedCRAM(full string, idx io.Reader, region Region) (io.ReadCloser, error) {
	entries, err := readCRAI(idx)
	if err != nil {
		return nil, streamingFailed("read cram index", err)
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	p, err := readCRAMPreamble(bufio.NewReader(f))
	if err != nil {
		f.Close()
		return nil, err
	}
	target := samRefIndex(p.text, region.Chrom)
	if target < 0 {
		f.Close()
		return nil, regionNotFound(region)
	}
	var offsets []int64
	for _, e := range entries {
		if e.refID != target || !region.Overlaps(region.Chrom, int(e.start)-1, int(e.start-1+e.span)) {
			continue
		}
		if !slices.Contains(offsets, e.container) {
			offsets = append(offsets, e.container)
		}
	}
	slices.Sort(offsets)
	size := st.Size()

	return pipe(func(w io.Writer) (err error) {
		defer func() { err = errs.Combine(err, f.Close()) }()
		if _, err := w.Write(p.raw); err != nil {
			return err
		}
		for _, off := range offsets {
			if off < 0 || off >= size {
				return streamingFailed("seek cram container", fmt.Errorf("offset %d outside file", off))
			}
			sr := bufio.NewReader(io.NewSectionReader(f, off, size-off))
			c, err := readCRAMContainer(sr, p.major)
			if err != nil {
				return streamingFailed("read cram container", err)
			}
			if err := copyCRAMContainer(w, sr, c, p.major, target, region); err != nil {
				return err
			}
		}
		n := cramEOFLen(p.major)
		if size < n {
			return nil
		}
		tail := bufio.NewReader(io.NewSectionReader(f, size-n, n))
		c, err := readCRAMContainer(tail, p.major)
		if err != nil || c.nRecords != 0 || c.refID != -1 || int64(len(c.raw))+c.length != n {
			return nil
		}
		if _, err := w.Write(c.raw); err != nil {
			return err
		}
		_, err = io.CopyN(w, tail, c.length)
		return err
	}), nil
}
