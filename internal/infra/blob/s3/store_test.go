package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"modos/internal/blob/core"
)

func TestStorePutGetHeadListDelete(t *testing.T) {
	ctx := context.Background()
	store := NewMockForTests()
	if store.Driver() != core.DriverS3 || store.Bucket() != "mock-bucket" {
		t.Fatalf("unexpected store identity")
	}
	if _, err := store.Put(ctx, "ex/data.zarr/.zattrs", bytes.NewReader([]byte(`{"a":1}`)), core.PutOptions{ContentType: "application/json"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := store.Put(ctx, "ex/data.zarr/.zattrs", bytes.NewReader([]byte("x")), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	if _, err := store.Put(ctx, "ex/data.zarr/.zattrs", bytes.NewReader([]byte(`{"a":2}`)), core.PutOptions{Overwrite: true}); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	_, rc, err := store.Get(ctx, "ex/data.zarr/.zattrs")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	b, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(b) != `{"a":2}` {
		t.Fatalf("unexpected body %q", b)
	}
	info, err := store.Head(ctx, "ex/data.zarr/.zattrs")
	if err != nil || info.Size != int64(len(b)) {
		t.Fatalf("head: %+v %v", info, err)
	}
	list, err := store.List(ctx, "ex/")
	if err != nil || len(list) != 1 {
		t.Fatalf("list: %v %v", list, err)
	}
	ok, err := store.Delete(ctx, "ex/data.zarr/.zattrs")
	if err != nil || !ok {
		t.Fatalf("delete: %v %v", ok, err)
	}
	ok, err = store.Delete(ctx, "ex/data.zarr/.zattrs")
	if err != nil || ok {
		t.Fatalf("second delete should report missing: %v %v", ok, err)
	}
	if _, _, err := store.Get(ctx, "ex/data.zarr/.zattrs"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.Head(ctx, "missing"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on head, got %v", err)
	}
}

func TestStoreGetRange(t *testing.T) {
	ctx := context.Background()
	store := NewMockForTests()
	if _, err := store.Put(ctx, "f.bin", strings.NewReader("0123456789"), core.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	cases := []struct {
		off, n int64
		want   string
	}{{2, 3, "234"}, {7, -1, "789"}, {0, 0, ""}}
	for _, tc := range cases {
		rc, err := store.GetRange(ctx, "f.bin", tc.off, tc.n)
		if err != nil {
			t.Fatalf("range %d/%d: %v", tc.off, tc.n, err)
		}
		got, _ := io.ReadAll(rc)
		_ = rc.Close()
		if string(got) != tc.want {
			t.Fatalf("range %d/%d: got %q want %q", tc.off, tc.n, got, tc.want)
		}
	}
}

func TestBucketsAndPrefixes(t *testing.T) {
	ctx := context.Background()
	mock := NewMock("b1", "b2")
	store := mock.Store("b1")
	for _, key := range []string{"ex/data.zarr/.zmetadata", "ex2/data.zarr/.zmetadata", "top.txt"} {
		if _, err := store.Put(ctx, key, strings.NewReader("{}"), core.PutOptions{}); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	buckets, err := store.Buckets(ctx)
	if err != nil {
		t.Fatalf("buckets: %v", err)
	}
	if len(buckets) != 2 || buckets[0] != "b1" || buckets[1] != "b2" {
		t.Fatalf("unexpected buckets %v", buckets)
	}
	prefixes, err := store.CommonPrefixes(ctx, "")
	if err != nil {
		t.Fatalf("prefixes: %v", err)
	}
	if len(prefixes) != 2 || prefixes[0] != "ex/" || prefixes[1] != "ex2/" {
		t.Fatalf("unexpected prefixes %v", prefixes)
	}
	other := store.WithBucket("b2")
	if list, err := other.List(ctx, ""); err != nil || len(list) != 0 {
		t.Fatalf("b2 should be empty: %v %v", list, err)
	}
	if body, ok := mock.Object("b1", "top.txt"); !ok || string(body) != "{}" {
		t.Fatalf("raw object lookup failed")
	}
}

func TestErrorMapping(t *testing.T) {
	ctx := context.Background()
	mock := NewMock("b1")
	store := mock.Store("b1")
	mock.Deny(true)
	if _, _, err := store.Get(ctx, "k"); !errors.Is(err, core.ErrPermission) {
		t.Fatalf("expected ErrPermission, got %v", err)
	}
	if _, err := store.List(ctx, ""); !errors.Is(err, core.ErrPermission) {
		t.Fatalf("expected ErrPermission on list, got %v", err)
	}
	mock.Deny(false)
	if _, err := store.WithBucket("nope").List(ctx, ""); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing bucket, got %v", err)
	}
}

func TestNewRequiresBucket(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatal("expected bucket error")
	}
	t.Setenv("MODOS_BLOB_S3_BUCKET", "")
	if _, err := OpenFromEnv(context.Background()); err == nil {
		t.Fatal("expected env error")
	}
	t.Setenv("MODOS_BLOB_S3_BUCKET", "b")
	t.Setenv("MODOS_BLOB_S3_PATH_STYLE", "TRUE")
	cfg := ConfigFromEnv()
	if cfg.Bucket != "b" || !cfg.PathStyle {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestDecodeChunked(t *testing.T) {
	raw := []byte("5;chunk-signature=abc\r\nhello\r\n0\r\nx-amz-checksum-crc32:AAAA\r\n\r\n")
	if got := decodeChunked(raw); string(got) != "hello" {
		t.Fatalf("decode: %q", got)
	}
	if got := decodeChunked([]byte("zz")); string(got) != "zz" {
		t.Fatalf("invalid payloads pass through: %q", got)
	}
	if got := applyRange([]byte("abcdef"), "bytes=1-2"); string(got) != "bc" {
		t.Fatalf("applyRange: %q", got)
	}
}
