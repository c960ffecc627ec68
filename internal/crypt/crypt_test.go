package crypt

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"modos/internal/blob"
	"modos/internal/core"
	"modos/pkg/domain"
)

type keyPair struct {
	public, private []byte
}

func newKeyPair(t *testing.T) keyPair {
	t.Helper()
	pub, sec, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keys: %v", err)
	}
	return keyPair{public: pub[:], private: sec[:]}
}

func write(t *testing.T, p, content string) {
	t.Helper()
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
}

// newObject builds a local MODO with an indexed BAM-like payload and a
// reference genome, and returns it with its directory.
func newObject(t *testing.T) (*core.Object, string) {
	t.Helper()
	ctx := context.Background()
	loc := filepath.Join(t.TempDir(), "ex")
	o, err := core.Create(ctx, loc, map[string]any{"description": "crypt"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	src := t.TempDir()
	reads := filepath.Join(src, "reads.bam")
	write(t, reads, "alignment payload")
	write(t, reads+".bai", "alignment index")
	genome := filepath.Join(src, "genome.fa")
	write(t, genome, ">chr1\nACGT\n")

	if _, err := o.Add(ctx, domain.NewNode(core.TypeReferenceGenome, "", map[string]any{"name": "r1"}), core.AddOptions{SourceFile: genome}); err != nil {
		t.Fatalf("add reference: %v", err)
	}
	if _, err := o.Add(ctx, domain.NewNode(core.TypeDataEntity, "", map[string]any{"name": "d1", "data_format": "BAM"}), core.AddOptions{SourceFile: reads}); err != nil {
		t.Fatalf("add data: %v", err)
	}
	return o, loc
}

func readFile(t *testing.T, p string) string {
	t.Helper()
	b, err := os.ReadFile(p)
	if err != nil {
		t.Fatalf("read %s: %v", p, err)
	}
	return string(b)
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	ctx := context.Background()
	o, loc := newObject(t)
	kp := newKeyPair(t)
	before, _ := o.Get("data/d1")

	if err := Encrypt(ctx, o, kp.public); err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	data, _ := o.Get("data/d1")
	if got := data.String(domain.SlotDataPath); got != "data/d1.bam.c4gh" {
		t.Fatalf("unexpected data_path %s", got)
	}
	sum, err := o.Checksum(ctx, "data/d1.bam.c4gh")
	if err != nil {
		t.Fatalf("checksum: %v", err)
	}
	if data.String(domain.SlotDataChecksum) != sum || sum == before.String(domain.SlotDataChecksum) {
		t.Fatalf("checksum not refreshed: %v", data.Attrs)
	}
	for _, f := range []string{"data/d1.bam.c4gh", "data/d1.bam.bai.c4gh", "reference/r1.fa.c4gh"} {
		content := readFile(t, filepath.Join(loc, f))
		if !bytes.HasPrefix([]byte(content), magic) {
			t.Fatalf("%s is not a crypt4gh file", f)
		}
	}
	for _, f := range []string{"data/d1.bam", "data/d1.bam.bai", "reference/r1.fa"} {
		if exists(filepath.Join(loc, f)) {
			t.Fatalf("plain file %s left behind", f)
		}
	}

	reloaded, err := core.Load(ctx, loc)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if err := Decrypt(ctx, reloaded, kp.private); err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	after, _ := reloaded.Get("data/d1")
	if diff := cmp.Diff(before.Attrs, after.Attrs); diff != "" {
		t.Fatalf("metadata not restored (-want +got):\n%s", diff)
	}
	if got := readFile(t, filepath.Join(loc, "data", "d1.bam")); got != "alignment payload" {
		t.Fatalf("payload not restored: %q", got)
	}
	if got := readFile(t, filepath.Join(loc, "data", "d1.bam.bai")); got != "alignment index" {
		t.Fatalf("index not restored: %q", got)
	}
	if exists(filepath.Join(loc, "data", "d1.bam.bai.c4gh")) {
		t.Fatalf("sealed index left behind")
	}
}

func TestEncryptRejectsSealedPayloads(t *testing.T) {
	ctx := context.Background()
	o, _ := newObject(t)
	kp := newKeyPair(t)
	if err := Encrypt(ctx, o, kp.public); err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	snapshot := o.Nodes()
	err := Encrypt(ctx, o, kp.public)
	if !errors.Is(err, domain.ErrAlreadyEncrypted) {
		t.Fatalf("expected already encrypted, got %v", err)
	}
	if diff := cmp.Diff(snapshot, o.Nodes()); diff != "" {
		t.Fatalf("rejected call changed metadata (-want +got):\n%s", diff)
	}
}

func TestDecryptRejectsPlainPayloads(t *testing.T) {
	o, _ := newObject(t)
	kp := newKeyPair(t)
	if err := Decrypt(context.Background(), o, kp.private); !errors.Is(err, domain.ErrNotEncrypted) {
		t.Fatalf("expected not encrypted, got %v", err)
	}
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	ctx := context.Background()
	o, loc := newObject(t)
	owner, stranger := newKeyPair(t), newKeyPair(t)
	if err := Encrypt(ctx, o, owner.public); err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	err := Decrypt(ctx, o, stranger.private)
	if !errors.Is(err, domain.ErrDecryption) {
		t.Fatalf("expected decryption failure, got %v", err)
	}
	data, _ := o.Get("data/d1")
	if data.String(domain.SlotDataPath) != "data/d1.bam.c4gh" || !exists(filepath.Join(loc, "data", "d1.bam.c4gh")) {
		t.Fatalf("failed decryption changed the payload: %v", data.Attrs)
	}
}

func TestArmouredKeysAndExtraRecipients(t *testing.T) {
	ctx := context.Background()
	o, loc := newObject(t)
	first, second := newKeyPair(t), newKeyPair(t)

	var pub, sec [KeySize]byte
	copy(pub[:], second.public)
	copy(sec[:], second.private)
	var pubPEM, secPEM bytes.Buffer
	if err := WriteKeyPair(&pubPEM, &secPEM, pub, sec, []byte("hunter2")); err != nil {
		t.Fatalf("write keys: %v", err)
	}

	if err := Encrypt(ctx, o, first.public, WithRecipients(pubPEM.Bytes())); err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if err := Decrypt(ctx, o, secPEM.Bytes(), WithPassphrase([]byte("hunter2"))); err != nil {
		t.Fatalf("second recipient cannot decrypt: %v", err)
	}
	if got := readFile(t, filepath.Join(loc, "reference", "r1.fa")); got != ">chr1\nACGT\n" {
		t.Fatalf("reference not restored: %q", got)
	}
}

func TestSharedPayloadEncryptedOnce(t *testing.T) {
	ctx := context.Background()
	o, loc := newObject(t)
	other := filepath.Join(t.TempDir(), "other.bam")
	write(t, other, "other payload")
	if _, err := o.Add(ctx, domain.NewNode(core.TypeDataEntity, "", map[string]any{"name": "d2", "data_format": "BAM"}), core.AddOptions{SourceFile: other}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := o.Update(ctx, "data/d2", map[string]any{domain.SlotDataPath: "data/d1.bam"}, core.UpdateOptions{}); err != nil {
		t.Fatalf("relink: %v", err)
	}

	if err := Encrypt(ctx, o, newKeyPair(t).public); err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	d1, _ := o.Get("data/d1")
	d2, _ := o.Get("data/d2")
	if d1.String(domain.SlotDataPath) != "data/d1.bam.c4gh" || d2.String(domain.SlotDataPath) != "data/d1.bam.c4gh" {
		t.Fatalf("shared payload not relinked: %v / %v", d1.Attrs, d2.Attrs)
	}
	if d1.String(domain.SlotDataChecksum) != d2.String(domain.SlotDataChecksum) {
		t.Fatalf("shared payload checksums diverge")
	}
	if exists(filepath.Join(loc, "data", "d1.bam")) {
		t.Fatalf("plain shared payload left behind")
	}
}

func TestRemoteObjectsAreRejected(t *testing.T) {
	ctx := context.Background()
	mock := blob.NewS3Mock("modos-demo")
	o, err := core.Create(ctx, "s3://modos-demo/ex", nil, core.WithBlobStore(mock.Store("modos-demo")))
	if err != nil {
		t.Fatalf("create remote: %v", err)
	}
	kp := newKeyPair(t)
	if err := Encrypt(ctx, o, kp.public); !errors.Is(err, domain.ErrRemoteEncryptionUnsupported) {
		t.Fatalf("expected remote rejection, got %v", err)
	}
	if err := Decrypt(ctx, o, kp.private); !errors.Is(err, domain.ErrRemoteEncryptionUnsupported) {
		t.Fatalf("expected remote rejection, got %v", err)
	}
}

func TestParseKeysRejectGarbage(t *testing.T) {
	if _, err := ParsePublicKey([]byte("not a key")); err == nil {
		t.Fatalf("expected public key error")
	}
	if _, err := ParsePrivateKey([]byte("not a key"), nil); err == nil {
		t.Fatalf("expected private key error")
	}
}
