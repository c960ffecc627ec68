package genomics

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"testing"

	"github.com/biogo/hts/bam"
	"github.com/biogo/hts/bgzf"
	"github.com/biogo/hts/csi"
	"github.com/biogo/hts/sam"
	"github.com/biogo/hts/tabix"
)

type readSpec struct {
	name  string
	chrom string
	pos   int // 0-based
}

var demoReads = []readSpec{
	{"r1", "chr1", 100},
	{"r2", "chr1", 500},
	{"r3", "chr1", 2000},
	{"r4", "chr2", 100},
}

// buildBAM writes a coordinate-sorted BAM with 10bp reads and its BAI.
func buildBAM(t *testing.T, reads []readSpec) (data, index []byte) {
	t.Helper()
	chr1, err := sam.NewReference("chr1", "", "", 10000, nil, nil)
	if err != nil {
		t.Fatalf("reference: %v", err)
	}
	chr2, err := sam.NewReference("chr2", "", "", 10000, nil, nil)
	if err != nil {
		t.Fatalf("reference: %v", err)
	}
	h, err := sam.NewHeader(nil, []*sam.Reference{chr1, chr2})
	if err != nil {
		t.Fatalf("header: %v", err)
	}
	h.SortOrder = sam.Coordinate
	refs := map[string]*sam.Reference{"chr1": chr1, "chr2": chr2}

	var buf bytes.Buffer
	bw, err := bam.NewWriter(&buf, h, 1)
	if err != nil {
		t.Fatalf("bam writer: %v", err)
	}
	qual := bytes.Repeat([]byte{30}, 10)
	for _, r := range reads {
		rec, err := sam.NewRecord(r.name, refs[r.chrom], nil, r.pos, -1, 0, 60,
			[]sam.CigarOp{sam.NewCigarOp(sam.CigarMatch, 10)}, []byte("ACGTACGTAC"), qual, nil)
		if err != nil {
			t.Fatalf("record: %v", err)
		}
		if err := bw.Write(rec); err != nil {
			t.Fatalf("write record: %v", err)
		}
	}
	if err := bw.Close(); err != nil {
		t.Fatalf("close bam: %v", err)
	}
	data = buf.Bytes()

	br, err := bam.NewReader(bytes.NewReader(data), 1)
	if err != nil {
		t.Fatalf("reopen bam: %v", err)
	}
	var idx bam.Index
	for {
		rec, err := br.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("read back: %v", err)
		}
		if err := idx.Add(rec, br.LastChunk()); err != nil {
			t.Fatalf("index: %v", err)
		}
	}
	var ibuf bytes.Buffer
	if err := bam.WriteIndex(&ibuf, &idx); err != nil {
		t.Fatalf("write index: %v", err)
	}
	return data, ibuf.Bytes()
}

// bamReadNames decodes a BAM stream and returns its record names.
func bamReadNames(t *testing.T, r io.Reader) []string {
	t.Helper()
	br, err := bam.NewReader(r, 1)
	if err != nil {
		t.Fatalf("open sliced bam: %v", err)
	}
	defer br.Close()
	var names []string
	for {
		rec, err := br.Read()
		if err == io.EOF {
			return names
		}
		if err != nil {
			t.Fatalf("read sliced bam: %v", err)
		}
		names = append(names, rec.Name)
	}
}

const demoVCF = `##fileformat=VCFv4.2
##contig=<ID=chr1,length=10000>
##contig=<ID=chr2,length=10000>
#CHROM	POS	ID	REF	ALT	QUAL	FILTER	INFO
chr1	101	v1	A	G	50	PASS	.
chr1	501	v2	AC	A	50	PASS	.
chr1	2001	v3	T	C	50	PASS	.
chr2	101	v4	G	T	50	PASS	.
`

func bgzfBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := bgzf.NewWriter(&buf, 1)
	if _, err := w.Write(data); err != nil {
		t.Fatalf("bgzf write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("bgzf close: %v", err)
	}
	return buf.Bytes()
}

func inflateAll(t *testing.T, data []byte) []byte {
	t.Helper()
	r, err := bgzf.NewReader(bytes.NewReader(data), 1)
	if err != nil {
		t.Fatalf("bgzf reader: %v", err)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("inflate: %v", err)
	}
	return out
}

const bcfHeaderText = "##fileformat=VCFv4.2\n##contig=<ID=chr1,length=10000>\n##contig=<ID=chr2,length=10000>\n#CHROM\tPOS\tID\tREF\tALT\tQUAL\tFILTER\tINFO\n\x00"

type bcfRec struct {
	chrom int32
	pos   int32 // 0-based
	rlen  int32
}

// buildBCF writes a minimal BCF: records carry only the fixed leading
// fields of the shared block.
func buildBCF(t *testing.T, recs []bcfRec) []byte {
	t.Helper()
	var raw bytes.Buffer
	raw.WriteString("BCF\x02\x02")
	binary.Write(&raw, binary.LittleEndian, uint32(len(bcfHeaderText)))
	raw.WriteString(bcfHeaderText)
	for _, r := range recs {
		binary.Write(&raw, binary.LittleEndian, uint32(16))
		binary.Write(&raw, binary.LittleEndian, uint32(0))
		binary.Write(&raw, binary.LittleEndian, r.chrom)
		binary.Write(&raw, binary.LittleEndian, r.pos)
		binary.Write(&raw, binary.LittleEndian, r.rlen)
		binary.Write(&raw, binary.LittleEndian, float32(50))
	}
	return bgzfBytes(t, raw.Bytes())
}

func bcfPositions(t *testing.T, data []byte) []int32 {
	t.Helper()
	raw := inflateAll(t, data)
	textLen := binary.LittleEndian.Uint32(raw[5:9])
	raw = raw[9+textLen:]
	var out []int32
	for len(raw) >= 8 {
		size := binary.LittleEndian.Uint32(raw[:4]) + binary.LittleEndian.Uint32(raw[4:8])
		body := raw[8 : 8+size]
		out = append(out, int32(binary.LittleEndian.Uint32(body[4:8])))
		raw = raw[8+size:]
	}
	return out
}

type cramSliceSpec struct {
	refID    int32
	start    int32 // 1-based
	span     int32
	nRecords int32
	counter  int64
	data     string
}

type cramSpec struct {
	refID    int32
	start    int32 // 1-based
	span     int32
	nRecords int32
	counter  int64
	body     string          // opaque body when slices is empty
	slices   []cramSliceSpec // compression header plus one block pair per slice
}

// cramEOF is the CRAM 3.0 end-of-file container.
var cramEOF = []byte("\x0f\x00\x00\x00\xff\xff\xff\xff\x0f\xe0\x45\x4f\x46\x00\x00\x00\x00\x01\x00\x05\xbd\xd9\x4f\x00\x01\x00\x06\x06\x01\x00\x01\x00\x01\x00\xee\x63\x01\x4b")

func cramBlockBytes(contentType byte, data []byte) []byte {
	var b bytes.Buffer
	b.WriteByte(0) // raw
	b.WriteByte(contentType)
	putITF8(&b, 0)
	putITF8(&b, int32(len(data)))
	putITF8(&b, int32(len(data)))
	b.Write(data)
	b.Write([]byte{0, 0, 0, 0})
	return b.Bytes()
}

func cramContainerBytes(c cramSpec) []byte {
	ctr := cramContainer{refID: c.refID, start: c.start, span: c.span, nRecords: c.nRecords, counter: c.counter, blocks: 1}
	body := []byte(c.body)
	if len(c.slices) > 0 {
		var b bytes.Buffer
		b.Write(cramBlockBytes(cramBlockCompression, []byte("compression")))
		for _, s := range c.slices {
			ctr.landmarks = append(ctr.landmarks, int32(b.Len()))
			var hdr bytes.Buffer
			for _, v := range []int32{s.refID, s.start, s.span, s.nRecords} {
				putITF8(&hdr, v)
			}
			putLTF8(&hdr, s.counter)
			putITF8(&hdr, 1) // data blocks
			b.Write(cramBlockBytes(cramBlockSliceHeader, hdr.Bytes()))
			b.Write(cramBlockBytes(4, []byte(s.data)))
			ctr.blocks += 2
		}
		body = b.Bytes()
	}
	ctr.length = int64(len(body))
	return append(ctr.header(3), body...)
}

// layoutCRAM writes a CRAM 3.0 skeleton: file definition, a raw header
// block, the data containers and an EOF container. offsets holds the file
// position of each data container.
func layoutCRAM(containers []cramSpec) (data []byte, offsets []int64) {
	var out bytes.Buffer
	out.WriteString("CRAM")
	out.Write([]byte{3, 0})
	out.Write(make([]byte, 20))

	text := "@HD\tVN:1.6\tSO:coordinate\n@SQ\tSN:chr1\tLN:10000\n@SQ\tSN:chr2\tLN:10000\n"
	var payload bytes.Buffer
	binary.Write(&payload, binary.LittleEndian, int32(len(text)))
	payload.WriteString(text)
	block := cramBlockBytes(cramBlockFileHeader, payload.Bytes())
	out.Write(cramContainerBytes(cramSpec{refID: 0, body: string(block)}))

	for _, c := range containers {
		offsets = append(offsets, int64(out.Len()))
		out.Write(cramContainerBytes(c))
	}
	out.Write(cramEOF)
	return out.Bytes(), offsets
}

func buildCRAM(t *testing.T, containers []cramSpec) []byte {
	t.Helper()
	data, _ := layoutCRAM(containers)
	return data
}

// buildIndexedCRAM also returns a .crai listing the slices of every
// container except the ones named in skip.
func buildIndexedCRAM(t *testing.T, containers []cramSpec, skip ...int) (data, crai []byte) {
	t.Helper()
	data, offsets := layoutCRAM(containers)
	var text bytes.Buffer
	for i, c := range containers {
		if slices.Contains(skip, i) {
			continue
		}
		for _, s := range c.slices {
			fmt.Fprintf(&text, "%d\t%d\t%d\t%d\t0\t0\n", s.refID, s.start, s.span, offsets[i])
		}
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(text.Bytes()); err != nil {
		t.Fatalf("write crai: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close crai: %v", err)
	}
	return data, buf.Bytes()
}

type vcfLocus struct {
	chrom    string
	rid      int
	beg, end int
}

func (l vcfLocus) RefName() string { return l.chrom }
func (l vcfLocus) RefID() int      { return l.rid }
func (l vcfLocus) Start() int      { return l.beg }
func (l vcfLocus) End() int        { return l.end }

// recordChunks walks a BGZF stream holding header bytes followed by
// records and returns the virtual chunk of each record. size reports the
// length of the record starting with the bytes read so far, or 0 to keep
// reading.
func recordChunks(t *testing.T, data []byte, headerLen int, size func(rec []byte) int) []bgzf.Chunk {
	t.Helper()
	zr, err := bgzf.NewReader(bytes.NewReader(data), 1)
	if err != nil {
		t.Fatalf("bgzf reader: %v", err)
	}
	defer zr.Close()
	if _, err := io.CopyN(io.Discard, zr, int64(headerLen)); err != nil {
		t.Fatalf("skip header: %v", err)
	}
	var chunks []bgzf.Chunk
	for {
		b, err := zr.ReadByte()
		if err == io.EOF {
			return chunks
		}
		if err != nil {
			t.Fatalf("read record: %v", err)
		}
		begin := zr.LastChunk().Begin
		rec := []byte{b}
		for size(rec) == 0 || len(rec) < size(rec) {
			b, err := zr.ReadByte()
			if err != nil {
				t.Fatalf("read record: %v", err)
			}
			rec = append(rec, b)
		}
		chunks = append(chunks, bgzf.Chunk{Begin: begin, End: zr.LastChunk().End})
	}
}

// buildIndexedVCF compresses text and builds a tabix index over its
// records, leaving out the records whose ID is in skip.
func buildIndexedVCF(t *testing.T, text string, skip ...string) (data, tbi []byte) {
	t.Helper()
	data = bgzfBytes(t, []byte(text))
	header := strings.Index(text, "\n#CHROM")
	header += strings.Index(text[header+1:], "\n") + 2
	lines := strings.SplitAfter(strings.TrimSuffix(text[header:], "\n"), "\n")
	chunks := recordChunks(t, data, header, func(rec []byte) int {
		if rec[len(rec)-1] == '\n' {
			return len(rec)
		}
		return 0
	})
	if len(chunks) != len(lines) {
		t.Fatalf("indexed %d records, want %d", len(chunks), len(lines))
	}
	idx := tabix.New()
	idx.Format, idx.NameColumn, idx.BeginColumn, idx.MetaChar = 2, 1, 2, '#'
	for i, line := range lines {
		fields := strings.Split(line, "\t")
		if slices.Contains(skip, fields[2]) {
			continue
		}
		pos, _ := strconv.Atoi(fields[1])
		locus := vcfLocus{chrom: fields[0], beg: pos - 1, end: pos - 1 + len(fields[3])}
		if err := idx.Add(locus, chunks[i], true, true); err != nil {
			t.Fatalf("tabix add: %v", err)
		}
		// Add does not record new names in the lookup map
		if ids := idx.IDs(); ids != nil {
			if _, ok := ids[locus.chrom]; !ok {
				ids[locus.chrom] = len(idx.Names()) - 1
			}
		}
	}
	var raw bytes.Buffer
	if err := tabix.WriteTo(&raw, idx); err != nil {
		t.Fatalf("write tabix: %v", err)
	}
	return data, bgzfBytes(t, raw.Bytes())
}

// buildIndexedBCF builds a BCF and a CSI index over its records, leaving
// out the records at the positions in skip.
func buildIndexedBCF(t *testing.T, recs []bcfRec, skip ...int32) (data, index []byte) {
	t.Helper()
	data = buildBCF(t, recs)
	chunks := recordChunks(t, data, 9+len(bcfHeaderText), func(rec []byte) int {
		if len(rec) < 8 {
			return 0
		}
		return 8 + int(binary.LittleEndian.Uint32(rec[:4])+binary.LittleEndian.Uint32(rec[4:8]))
	})
	if len(chunks) != len(recs) {
		t.Fatalf("indexed %d records, want %d", len(chunks), len(recs))
	}
	idx := csi.New(14, 5)
	for i, r := range recs {
		if slices.Contains(skip, r.pos) {
			continue
		}
		locus := vcfLocus{rid: int(r.chrom), beg: int(r.pos), end: int(r.pos + r.rlen)}
		if err := idx.Add(locus, chunks[i], true, true); err != nil {
			t.Fatalf("csi add: %v", err)
		}
	}
	var raw bytes.Buffer
	if err := csi.WriteTo(&raw, idx); err != nil {
		t.Fatalf("write csi: %v", err)
	}
	return data, bgzfBytes(t, raw.Bytes())
}
