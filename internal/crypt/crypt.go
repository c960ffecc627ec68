// Package crypt seals the payload files of a local MODO in crypt4gh
// envelopes and opens them again, keeping data_path and data_checksum of
// every referencing node in step with the files on disk.
package crypt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/neicnordic/crypt4gh/streaming"
	"github.com/zeebo/errs"

	"modos/internal/core"
	"modos/pkg/domain"
)

// magic opens every crypt4gh file.
var magic = []byte("crypt4gh")

type options struct {
	recipients [][]byte
	senderKey  []byte
	passphrase []byte
}

// Option customises Encrypt and Decrypt.
type Option func(*options)

// WithRecipients adds public keys that can open the envelopes.
func WithRecipients(public ...[]byte) Option {
	return func(o *options) { o.recipients = append(o.recipients, public...) }
}

// WithSenderKey signs envelopes with a known private key instead of a
// throwaway one.
func WithSenderKey(private []byte) Option {
	return func(o *options) { o.senderKey = private }
}

// WithPassphrase unlocks protected private keys.
func WithPassphrase(p []byte) Option {
	return func(o *options) { o.passphrase = p }
}

// payload is one stored file and the nodes pointing at it.
type payload struct {
	path  string
	nodes []string
}

// payloads groups the data_path values of obj, sorted by path.
func payloads(obj *core.Object) []payload {
	byPath := map[string][]string{}
	for _, n := range obj.Nodes() {
		if p := n.String(domain.SlotDataPath); p != "" {
			byPath[p] = append(byPath[p], n.ID)
		}
	}
	out := make([]payload, 0, len(byPath))
	for p, ids := range byPath {
		sort.Strings(ids)
		out = append(out, payload{path: p, nodes: ids})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].path < out[j].path })
	return out
}

func rejectRemote(obj *core.Object) error {
	if obj.IsRemote() {
		return &domain.CryptError{Path: obj.Container().Location().String(), Kind: domain.ErrRemoteEncryptionUnsupported}
	}
	return nil
}

// Encrypt seals every payload of obj, and its index files, for recipient
// and any WithRecipients keys. Files are processed one at a time; a failure
// leaves the files already sealed consistent with the metadata. Any payload
// already sealed fails the call with domain.ErrAlreadyEncrypted before a
// file is touched.
func Encrypt(ctx context.Context, obj *core.Object, recipient []byte, opts ...Option) error {
	if err := rejectRemote(obj); err != nil {
		return err
	}
	cfg := options{}
	for _, opt := range opts {
		opt(&cfg)
	}
	var readers [][KeySize]byte
	for _, raw := range append([][]byte{recipient}, cfg.recipients...) {
		k, err := ParsePublicKey(raw)
		if err != nil {
			return err
		}
		readers = append(readers, k)
	}
	var sender [KeySize]byte
	var err error
	if cfg.senderKey != nil {
		sender, err = ParsePrivateKey(cfg.senderKey, cfg.passphrase)
	} else {
		_, sender, err = GenerateKeyPair()
	}
	if err != nil {
		return err
	}

	work := payloads(obj)
	for _, p := range work {
		sealed, err := isSealed(ctx, obj, p.path)
		if err != nil {
			return err
		}
		if sealed {
			return &domain.CryptError{Path: p.path, Kind: domain.ErrAlreadyEncrypted}
		}
	}
	seal := func(dst io.Writer, src io.Reader) (err error) {
		w, err := streaming.NewCrypt4GHWriter(dst, sender, readers, nil)
		if err != nil {
			return err
		}
		defer func() { err = errs.Combine(err, w.Close()) }()
		_, err = io.Copy(w, src)
		return err
	}
	for _, p := range work {
		if err := ctx.Err(); err != nil {
			return err
		}
		target := p.path + core.EncryptedSuffix
		if err := rewrite(ctx, obj, p, target, seal); err != nil {
			return fmt.Errorf("encrypt %s: %w", p.path, err)
		}
		obj.Logger().Info("payload encrypted", "object", obj.ID(), "path", target, "nodes", len(p.nodes))
	}
	return nil
}

// Decrypt opens every sealed payload of obj with the private key. Any
// payload not sealed fails the call with domain.ErrNotEncrypted before a
// file is touched; a key that does not open an envelope fails with
// domain.ErrDecryption and leaves that payload sealed.
func Decrypt(ctx context.Context, obj *core.Object, private []byte, opts ...Option) error {
	if err := rejectRemote(obj); err != nil {
		return err
	}
	cfg := options{}
	for _, opt := range opts {
		opt(&cfg)
	}
	key, err := ParsePrivateKey(private, cfg.passphrase)
	if err != nil {
		return err
	}

	work := payloads(obj)
	for _, p := range work {
		if !strings.HasSuffix(p.path, core.EncryptedSuffix) {
			return &domain.CryptError{Path: p.path, Kind: domain.ErrNotEncrypted}
		}
	}
	var cryptoErr error
	open := func(dst io.Writer, src io.Reader) error {
		r, err := streaming.NewCrypt4GHReader(src, key, nil)
		if err != nil {
			cryptoErr = err
			return err
		}
		if c, ok := any(r).(io.Closer); ok {
			defer c.Close()
		}
		if _, err := io.Copy(dst, r); err != nil {
			cryptoErr = err
			return err
		}
		return nil
	}
	for _, p := range work {
		if err := ctx.Err(); err != nil {
			return err
		}
		cryptoErr = nil
		target := strings.TrimSuffix(p.path, core.EncryptedSuffix)
		if err := rewrite(ctx, obj, p, target, open); err != nil {
			if cryptoErr != nil {
				return &domain.CryptError{Path: p.path, Kind: domain.ErrDecryption, Err: err}
			}
			return fmt.Errorf("decrypt %s: %w", p.path, err)
		}
		obj.Logger().Info("payload decrypted", "object", obj.ID(), "path", target, "nodes", len(p.nodes))
	}
	return nil
}

func isSealed(ctx context.Context, obj *core.Object, rel string) (sealed bool, err error) {
	if strings.HasSuffix(rel, core.EncryptedSuffix) {
		return true, nil
	}
	rc, err := obj.Container().ReadFileRange(ctx, rel, 0, int64(len(magic)))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	defer func() { err = errs.Combine(err, rc.Close()) }()
	head, err := io.ReadAll(rc)
	if err != nil {
		return false, err
	}
	return bytes.Equal(head, magic), nil
}

type transform func(dst io.Writer, src io.Reader) error

// rewrite transforms p and its indexes into a scratch directory and then
// repoints every node of p at target. The first update stores the new
// files and the last one releases the old ones.
func rewrite(ctx context.Context, obj *core.Object, p payload, target string, fn transform) error {
	scratch, err := os.MkdirTemp("", "modos-crypt-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(scratch)

	local := filepath.Join(scratch, path.Base(target))
	if err := transformFile(ctx, obj, p.path, local, fn); err != nil {
		return err
	}
	for _, suffix := range core.IndexSuffixes() {
		idx := core.IndexPath(p.path, suffix)
		ok, err := obj.Container().FileExists(ctx, idx)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := transformFile(ctx, obj, idx, core.IndexPath(local, suffix), fn); err != nil {
			return fmt.Errorf("index %s: %w", idx, err)
		}
	}

	for i, id := range p.nodes {
		opts := core.UpdateOptions{}
		if i == 0 {
			opts.SourceFile = local
		}
		if _, err := obj.Update(ctx, id, map[string]any{domain.SlotDataPath: target}, opts); err != nil {
			return fmt.Errorf("relink %s: %w", id, err)
		}
	}
	return nil
}

func transformFile(ctx context.Context, obj *core.Object, rel, dst string, fn transform) (err error) {
	src, err := obj.Container().ReadFile(ctx, rel)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, src.Close()) }()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, out.Close()) }()
	return fn(out, src)
}
