package genomics

import (
	"bytes"
	"errors"
	"io"
	"slices"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"modos/pkg/domain"
)

var midChr1 = Region{Chrom: "chr1", Start: 400, End: 600}

func readAll(t *testing.T, rc io.ReadCloser) []byte {
	t.Helper()
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read filtered stream: %v", err)
	}
	return data
}

func TestFilterBAM(t *testing.T) {
	data, _ := buildBAM(t, demoReads)
	cases := []struct {
		region Region
		want   []string
	}{
		{midChr1, []string{"r2"}},
		{Region{Chrom: "chr2"}, []string{"r4"}},
		{Region{Chrom: "chr1", End: 150}, []string{"r1"}},
		{Region{Chrom: "chr1", Start: 5000}, nil},
	}
	for _, tc := range cases {
		rc, err := Filter(FormatBAM, bytes.NewReader(data), tc.region)
		if err != nil {
			t.Fatalf("filter %s: %v", tc.region, err)
		}
		got := bamReadNames(t, bytes.NewReader(readAll(t, rc)))
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Fatalf("filter %s mismatch (-want +got):\n%s", tc.region, diff)
		}
	}
}

func TestFilterUnknownSequence(t *testing.T) {
	bamData, _ := buildBAM(t, demoReads)
	inputs := map[Format][]byte{
		FormatBAM:  bamData,
		FormatVCF:  []byte(demoVCF),
		FormatBCF:  buildBCF(t, nil),
		FormatCRAM: buildCRAM(t, nil),
	}
	for f, data := range inputs {
		_, err := Filter(f, bytes.NewReader(data), Region{Chrom: "chrX", Start: 1, End: 10})
		if !errors.Is(err, domain.ErrRegionNotFound) {
			t.Fatalf("%s: expected region not found, got %v", f, err)
		}
		var se *domain.StreamingError
		if !errors.As(err, &se) || se.Region != "chrX:1-10" {
			t.Fatalf("%s: expected region on error, got %v", f, err)
		}
	}
}

func vcfRecordIDs(data []byte) []string {
	var ids []string
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ids = append(ids, strings.Split(line, "\t")[2])
	}
	return ids
}

func TestFilterVCF(t *testing.T) {
	rc, err := Filter(FormatVCF, strings.NewReader(demoVCF), midChr1)
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	out := readAll(t, rc)
	if !bytes.HasPrefix(out, []byte("##fileformat=VCFv4.2\n##contig=<ID=chr1")) {
		t.Fatalf("header not preserved:\n%s", out)
	}
	if diff := cmp.Diff([]string{"v2"}, vcfRecordIDs(out)); diff != "" {
		t.Fatalf("records mismatch (-want +got):\n%s", diff)
	}
}

func TestFilterCompressedVCFStaysCompressed(t *testing.T) {
	rc, err := Filter(FormatVCF, bytes.NewReader(bgzfBytes(t, []byte(demoVCF))), Region{Chrom: "chr1", Start: 1, End: 1000})
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	out := readAll(t, rc)
	if !bytes.HasPrefix(out, gzipMagic) {
		t.Fatalf("expected bgzf output")
	}
	if diff := cmp.Diff([]string{"v1", "v2"}, vcfRecordIDs(inflateAll(t, out))); diff != "" {
		t.Fatalf("records mismatch (-want +got):\n%s", diff)
	}
}

func TestFilterVCFWithoutContigsAcceptsAnyName(t *testing.T) {
	in := "##fileformat=VCFv4.2\n#CHROM\tPOS\tID\tREF\tALT\tQUAL\tFILTER\tINFO\nchr1\t10\tv1\tA\tG\t.\t.\t.\n"
	rc, err := Filter(FormatVCF, strings.NewReader(in), Region{Chrom: "chrX"})
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if ids := vcfRecordIDs(readAll(t, rc)); len(ids) != 0 {
		t.Fatalf("expected no records, got %v", ids)
	}
}

func TestFilterBCF(t *testing.T) {
	data := buildBCF(t, []bcfRec{
		{chrom: 0, pos: 100, rlen: 1},
		{chrom: 0, pos: 500, rlen: 2},
		{chrom: 0, pos: 2000, rlen: 1},
		{chrom: 1, pos: 100, rlen: 1},
	})
	rc, err := Filter(FormatBCF, bytes.NewReader(data), midChr1)
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if diff := cmp.Diff([]int32{500}, bcfPositions(t, readAll(t, rc))); diff != "" {
		t.Fatalf("records mismatch (-want +got):\n%s", diff)
	}
}

func TestBCFContigsHonourIDX(t *testing.T) {
	got := bcfContigs("##contig=<ID=chr1>\n##contig=<ID=chr2,IDX=5>\n##contig=<ID=chr3>\n")
	want := map[int32]string{0: "chr1", 5: "chr2", 6: "chr3"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("contigs mismatch (-want +got):\n%s", diff)
	}
}

func TestFilterCRAMKeepsOverlappingContainers(t *testing.T) {
	early := cramSpec{refID: 0, start: 101, span: 50, nRecords: 3, body: "chr1-early"}
	mid := cramSpec{refID: 0, start: 450, span: 100, nRecords: 2, body: "chr1-mid"}
	other := cramSpec{refID: 1, start: 1, span: 500, nRecords: 1, body: "chr2"}
	multi := cramSpec{refID: cramMultiRef, nRecords: 4, body: "multi"}

	rc, err := Filter(FormatCRAM, bytes.NewReader(buildCRAM(t, []cramSpec{early, mid, other, multi})), midChr1)
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	got := readAll(t, rc)
	want := buildCRAM(t, []cramSpec{mid, multi})
	if !bytes.Equal(want, got) {
		t.Fatalf("sliced cram mismatch:\nwant %q\ngot  %q", want, got)
	}
}

func TestFilterCRAMDropsSlicesOutsideRegion(t *testing.T) {
	early := cramSliceSpec{refID: 0, start: 101, span: 50, nRecords: 3, counter: 0, data: "chr1-early"}
	mid := cramSliceSpec{refID: 0, start: 450, span: 100, nRecords: 2, counter: 3, data: "chr1-mid"}
	late := cramSliceSpec{refID: 0, start: 3000, span: 10, nRecords: 1, counter: 5, data: "chr1-late"}
	chr2 := cramSliceSpec{refID: 1, start: 1, span: 100, nRecords: 1, counter: 6, data: "chr2"}
	multi := cramSliceSpec{refID: cramMultiRef, nRecords: 4, counter: 7, data: "multi"}
	in := []cramSpec{
		{refID: 0, start: 101, span: 2909, nRecords: 6, slices: []cramSliceSpec{early, mid, late}},
		{refID: cramMultiRef, nRecords: 5, counter: 6, slices: []cramSliceSpec{chr2, multi}},
	}

	rc, err := Filter(FormatCRAM, bytes.NewReader(buildCRAM(t, in)), midChr1)
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	got := readAll(t, rc)
	want := buildCRAM(t, []cramSpec{
		{refID: 0, start: 450, span: 100, nRecords: 2, counter: 3, slices: []cramSliceSpec{mid}},
		{refID: cramMultiRef, nRecords: 4, counter: 7, slices: []cramSliceSpec{multi}},
	})
	if !bytes.Equal(want, got) {
		t.Fatalf("sliced cram mismatch:\nwant %q\ngot  %q", want, got)
	}
	for _, dropped := range []string{"chr1-early", "chr1-late", "chr2"} {
		if bytes.Contains(got, []byte(dropped)) {
			t.Fatalf("slice %s kept", dropped)
		}
	}
}

func TestCRAMContainerHeaderEncoding(t *testing.T) {
	eof := cramContainer{length: 15, refID: -1, start: 4542278, blocks: 1}
	if got := eof.header(3); !bytes.Equal(got, cramEOF[:23]) {
		t.Fatalf("eof header mismatch:\nwant %x\ngot  %x", cramEOF[:23], got)
	}
	c, err := readCRAMContainer(bytes.NewReader(cramEOF), 3)
	if err != nil {
		t.Fatalf("read eof: %v", err)
	}
	if c.length != 15 || c.refID != -1 || c.nRecords != 0 || !bytes.Equal(c.raw, cramEOF[:23]) {
		t.Fatalf("unexpected eof container %+v", c)
	}
}

func TestFilterCRAMRejectsBadContainerLength(t *testing.T) {
	valid := buildCRAM(t, nil)
	prefix := valid[:len(valid)-len(cramEOF)]
	for name, length := range map[string][]byte{
		"negative": {0xff, 0xff, 0xff, 0xff},
		"huge":     {0xff, 0xff, 0xff, 0x7f},
	} {
		// a bad data container fails while streaming
		data := append(append(slices.Clone(prefix), length...), cramEOF[4:]...)
		rc, err := Filter(FormatCRAM, bytes.NewReader(data), midChr1)
		if err != nil {
			t.Fatalf("%s: filter: %v", name, err)
		}
		_, err = io.ReadAll(rc)
		rc.Close()
		if !errors.Is(err, domain.ErrStreamingFailed) {
			t.Fatalf("%s: expected streaming failure, got %v", name, err)
		}

		// a bad header container fails up front
		data = append(slices.Clone(valid[:cramFileDefLen]), length...)
		if _, err := Filter(FormatCRAM, bytes.NewReader(data), midChr1); !errors.Is(err, domain.ErrStreamingFailed) {
			t.Fatalf("%s: expected streaming failure for header container, got %v", name, err)
		}
	}
}

func TestITF8RoundTrip(t *testing.T) {
	for _, v := range []int32{0, 1, 127, 128, 16383, 16384, 1<<21 - 1, 1 << 21, 1<<28 - 1, 1 << 28, -1, -2} {
		var buf bytes.Buffer
		putITF8(&buf, v)
		got, err := readITF8(&buf)
		if err != nil {
			t.Fatalf("read %d: %v", v, err)
		}
		if got != v {
			t.Fatalf("itf8 %d decoded as %d", v, got)
		}
	}
	for _, v := range []int64{0, 127, 128, 1<<14 - 1, 1 << 14, 1<<49 - 1, 1 << 49, 1<<56 - 1, 1 << 56, 1<<63 - 1, -1} {
		var buf bytes.Buffer
		putLTF8(&buf, v)
		got, err := readLTF8(&buf)
		if err != nil {
			t.Fatalf("read %d: %v", v, err)
		}
		if got != v {
			t.Fatalf("ltf8 %d decoded as %d", v, got)
		}
	}
}

func TestFilterUnsupportedFormat(t *testing.T) {
	if _, err := Filter(Format("FASTA"), strings.NewReader(""), midChr1); !errors.Is(err, domain.ErrUnsupportedFormat) {
		t.Fatalf("expected unsupported format, got %v", err)
	}
}
