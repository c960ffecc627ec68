package core

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/zeebo/errs"
	"golang.org/x/crypto/blake2b"
)

// indexSuffixes are the random-access index siblings carried along with a
// payload file.
var indexSuffixes = []string{".bai", ".crai", ".tbi", ".csi", ".fai"}

// EncryptedSuffix is appended to payloads sealed in a crypt4gh envelope.
const EncryptedSuffix = ".c4gh"

var compressionExts = map[string]bool{".gz": true, ".bgz": true, EncryptedSuffix: true}

// IndexSuffixes returns the index extensions kept next to payloads.
func IndexSuffixes() []string { return slices.Clone(indexSuffixes) }

// IndexPath names the index of payload p with the given suffix. Indexes of
// encrypted payloads are encrypted too: "d1.bam.c4gh" -> "d1.bam.bai.c4gh".
func IndexPath(p, suffix string) string {
	if base, ok := strings.CutSuffix(p, EncryptedSuffix); ok {
		return base + suffix + EncryptedSuffix
	}
	return p + suffix
}

// withIndexes returns p followed by every possible index path of p.
func withIndexes(p string) []string {
	out := []string{p}
	for _, suffix := range indexSuffixes {
		out = append(out, IndexPath(p, suffix))
	}
	return out
}

// payloadExt returns the extension kept when a payload is renamed,
// including the inner extension of compressed or encrypted files
// ("calls.vcf.gz" -> ".vcf.gz").
func payloadExt(name string) string {
	base := path.Base(filepath.ToSlash(name))
	ext := path.Ext(base)
	if compressionExts[ext] {
		inner := path.Ext(strings.TrimSuffix(base, ext))
		return inner + ext
	}
	return ext
}

func localIndexSuffixes(src string) []string {
	var out []string
	for _, suffix := range indexSuffixes {
		if st, err := os.Stat(IndexPath(src, suffix)); err == nil && st.Mode().IsRegular() {
			out = append(out, suffix)
		}
	}
	return out
}

// digestReader hashes r with BLAKE2b-256.
func digestReader(r io.Reader) ([]byte, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(h, r); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

func digestFile(p string) (sum []byte, err error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("open source file: %w", err)
	}
	defer func() { err = errs.Combine(err, f.Close()) }()
	return digestReader(f)
}

// Checksum returns the hex BLAKE2b-256 digest of a container file.
func (o *Object) Checksum(ctx context.Context, rel string) (sum string, err error) {
	rc, err := o.container.ReadFile(ctx, rel)
	if err != nil {
		return "", err
	}
	defer func() { err = errs.Combine(err, rc.Close()) }()
	d, err := digestReader(rc)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(d), nil
}

func (o *Object) copyIn(ctx context.Context, src, dst string) (err error) {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source file: %w", err)
	}
	defer func() { err = errs.Combine(err, f.Close()) }()
	_, err = o.container.WriteFile(ctx, dst, f)
	return err
}
