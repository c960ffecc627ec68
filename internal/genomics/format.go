// Package genomics streams region slices of alignment and variant files
// held in a MODO: locally through the files' own random-access structure,
// remotely through an htsget ticket service, with a client-side region
// filter applied to whatever the ticket returns.
package genomics

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/biogo/hts/bgzf"

	"modos/pkg/domain"
)

// Format is a streamable genomic file format.
type Format string

// Streamable formats.
const (
	FormatCRAM Format = "CRAM"
	FormatBAM  Format = "BAM"
	FormatVCF  Format = "VCF"
	FormatBCF  Format = "BCF"
)

// Endpoint returns the htsget endpoint serving the format.
func (f Format) Endpoint() string {
	switch f {
	case FormatVCF, FormatBCF:
		return "variants"
	default:
		return "reads"
	}
}

// IndexSuffix returns the conventional index extension for the format.
func (f Format) IndexSuffix() string {
	switch f {
	case FormatBAM:
		return ".bai"
	case FormatCRAM:
		return ".crai"
	case FormatBCF:
		return ".csi"
	case FormatVCF:
		return ".tbi"
	}
	return ""
}

// SniffLen is the number of leading bytes DetectFormat needs to decompress
// the first BGZF block of a file.
const SniffLen = 1 << 16

var gzipMagic = []byte{0x1f, 0x8b}

type sniffer struct {
	format     Format
	compressed bool
	magic      []byte
}

// Evaluated in order; the first match wins.
var sniffers = []sniffer{
	{format: FormatCRAM, magic: []byte("CRAM")},
	{format: FormatBCF, compressed: true, magic: []byte("BCF\x02")},
	{format: FormatBAM, compressed: true, magic: []byte("BAM\x01")},
	{format: FormatVCF, compressed: true, magic: []byte("##fileformat=VCF")},
	{format: FormatVCF, magic: []byte("##fileformat=VCF")},
}

var extensions = []struct {
	suffix string
	format Format
}{
	{".cram", FormatCRAM},
	{".bam", FormatBAM},
	{".vcf.gz", FormatVCF},
	{".vcf.bgz", FormatVCF},
	{".vcf", FormatVCF},
	{".bcf", FormatBCF},
}

// DetectFormat classifies a file from its leading bytes, falling back to
// the file name extension. Unrecognised content fails with
// domain.ErrUnsupportedFormat.
func DetectFormat(header []byte, name string) (Format, error) {
	var inflated []byte
	if bytes.HasPrefix(header, gzipMagic) {
		inflated = inflate(header)
	}
	for _, s := range sniffers {
		data := header
		if s.compressed {
			data = inflated
		}
		if bytes.HasPrefix(data, s.magic) {
			return s.format, nil
		}
	}
	if f, ok := FormatFromName(name); ok {
		return f, nil
	}
	return "", fmt.Errorf("%s: %w", name, domain.ErrUnsupportedFormat)
}

// FormatFromName maps a file name to a format by extension.
func FormatFromName(name string) (Format, bool) {
	lower := strings.ToLower(name)
	for _, e := range extensions {
		if strings.HasSuffix(lower, e.suffix) {
			return e.format, true
		}
	}
	return "", false
}

// inflate returns up to 32 decompressed bytes of the first BGZF block, or
// nil when header is not BGZF.
func inflate(header []byte) []byte {
	r, err := bgzf.NewReader(bytes.NewReader(header), 1)
	if err != nil {
		return nil
	}
	defer r.Close()
	buf := make([]byte, 32)
	n, _ := io.ReadFull(r, buf)
	return buf[:n]
}
