package s3

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Mock is an in-memory fake S3 endpoint served through a custom
// http.RoundTripper. It implements the subset of the API used by Store:
// Head/Get (including ranges)/Put/Delete, ListObjectsV2 with delimiters and
// ListBuckets.
type Mock struct {
	mu      sync.Mutex
	buckets map[string]map[string]mockObj
	deny    bool
	denied  map[string]bool
	client  *s3.Client
}

type mockObj struct {
	body        []byte
	contentType string
}

// NewMock returns a fake endpoint with the given buckets pre-created.
func NewMock(buckets ...string) *Mock {
	m := &Mock{buckets: make(map[string]map[string]mockObj), denied: make(map[string]bool)}
	for _, b := range buckets {
		m.buckets[b] = make(map[string]mockObj)
	}
	cfg, _ := config.LoadDefaultConfig(context.Background(),
		config.WithRegion("us-east-1"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("AKIA", "SECRET", "")),
	)
	m.client = s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.HTTPClient = &http.Client{Transport: m}
		o.UsePathStyle = true
		o.BaseEndpoint = aws.String("https://mock.s3.local")
	})
	return m
}

// NewMockForTests returns a *Store over a single "mock-bucket".
func NewMockForTests() *Store {
	return NewMock("mock-bucket").Store("mock-bucket")
}

// Store returns a blob store addressing bucket on the fake endpoint.
func (m *Mock) Store(bucket string) *Store {
	return NewFromClient(m.client, bucket)
}

// Client exposes the SDK client wired to the fake transport.
func (m *Mock) Client() *s3.Client { return m.client }

// Deny makes every subsequent request fail with AccessDenied.
func (m *Mock) Deny(deny bool) {
	m.mu.Lock()
	m.deny = deny
	m.mu.Unlock()
}

// DenyBucket makes requests addressing bucket fail with AccessDenied while
// the rest of the endpoint stays reachable.
func (m *Mock) DenyBucket(bucket string) {
	m.mu.Lock()
	m.denied[bucket] = true
	m.mu.Unlock()
}

// Object returns the raw bytes stored at bucket/key.
func (m *Mock) Object(bucket, key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.buckets[bucket][key]
	return obj.body, ok
}

func respond(status int, body string, header http.Header) *http.Response {
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{StatusCode: status, Body: io.NopCloser(strings.NewReader(body)), Header: header, ContentLength: int64(len(body))}
}

func xmlError(status int, code string) *http.Response {
	body := "<?xml version=\"1.0\"?><Error><Code>" + code + "</Code><Message>" + code + "</Message></Error>"
	return respond(status, body, http.Header{"Content-Type": {"application/xml"}})
}

// RoundTrip implements http.RoundTripper.
func (m *Mock) RoundTrip(req *http.Request) (*http.Response, error) { //nolint:cyclop
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deny {
		if req.Method == http.MethodHead {
			return respond(http.StatusForbidden, "", nil), nil
		}
		return xmlError(http.StatusForbidden, "AccessDenied"), nil
	}
	parts := strings.SplitN(strings.TrimPrefix(req.URL.Path, "/"), "/", 2)
	bucket := parts[0]
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}
	if bucket == "" {
		return m.listBuckets(), nil
	}
	if m.denied[bucket] {
		return xmlError(http.StatusForbidden, "AccessDenied"), nil
	}
	objs, ok := m.buckets[bucket]
	if !ok {
		return xmlError(http.StatusNotFound, "NoSuchBucket"), nil
	}
	q := req.URL.Query()
	if req.Method == http.MethodGet && q.Get("list-type") == "2" {
		return listObjects(objs, q.Get("prefix"), q.Get("delimiter")), nil
	}
	switch req.Method {
	case http.MethodHead:
		st, ok := objs[key]
		if !ok {
			return respond(http.StatusNotFound, "", nil), nil
		}
		return respond(http.StatusOK, "", http.Header{
			"Content-Length": {strconv.Itoa(len(st.body))},
			"Content-Type":   {st.contentType},
			"Etag":           {"\"etag123\""},
			"Last-Modified":  {time.Now().UTC().Format(http.TimeFormat)},
		}), nil
	case http.MethodPut:
		body, _ := io.ReadAll(req.Body)
		if isChunked(req) {
			body = decodeChunked(body)
		}
		objs[key] = mockObj{body: body, contentType: req.Header.Get("Content-Type")}
		return respond(http.StatusOK, "", http.Header{"Etag": {"\"etag\""}}), nil
	case http.MethodGet:
		st, ok := objs[key]
		if !ok {
			return xmlError(http.StatusNotFound, "NoSuchKey"), nil
		}
		body := st.body
		status := http.StatusOK
		if rng := req.Header.Get("Range"); rng != "" {
			body = applyRange(body, rng)
			status = http.StatusPartialContent
		}
		return respond(status, string(body), http.Header{
			"Content-Length": {strconv.Itoa(len(body))},
			"Content-Type":   {st.contentType},
			"Last-Modified":  {time.Now().UTC().Format(http.TimeFormat)},
			"Etag":           {"\"etag\""},
		}), nil
	case http.MethodDelete:
		delete(objs, key)
		return respond(http.StatusNoContent, "", nil), nil
	}
	return respond(http.StatusNotImplemented, "", nil), nil
}

func (m *Mock) listBuckets() *http.Response {
	names := make([]string, 0, len(m.buckets))
	for b := range m.buckets {
		names = append(names, b)
	}
	sort.Strings(names)
	var b strings.Builder
	b.WriteString("<?xml version=\"1.0\"?><ListAllMyBucketsResult><Buckets>")
	for _, n := range names {
		b.WriteString("<Bucket><Name>" + n + "</Name><CreationDate>2024-01-01T00:00:00Z</CreationDate></Bucket>")
	}
	b.WriteString("</Buckets></ListAllMyBucketsResult>")
	return respond(http.StatusOK, b.String(), http.Header{"Content-Type": {"application/xml"}})
}

func listObjects(objs map[string]mockObj, prefix, delimiter string) *http.Response {
	var keys []string
	prefixes := map[string]struct{}{}
	for k := range objs {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if delimiter != "" {
			if i := strings.Index(k[len(prefix):], delimiter); i >= 0 {
				prefixes[k[:len(prefix)+i+1]] = struct{}{}
				continue
			}
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString("<?xml version=\"1.0\"?><ListBucketResult><IsTruncated>false</IsTruncated>")
	for _, k := range keys {
		fmt.Fprintf(&b, "<Contents><Key>%s</Key><Size>%d</Size><LastModified>2024-01-01T00:00:00Z</LastModified></Contents>", k, len(objs[k].body))
	}
	cps := make([]string, 0, len(prefixes))
	for p := range prefixes {
		cps = append(cps, p)
	}
	sort.Strings(cps)
	for _, p := range cps {
		b.WriteString("<CommonPrefixes><Prefix>" + p + "</Prefix></CommonPrefixes>")
	}
	b.WriteString("</ListBucketResult>")
	return respond(http.StatusOK, b.String(), http.Header{"Content-Type": {"application/xml"}})
}

func applyRange(body []byte, header string) []byte {
	rng := strings.TrimPrefix(header, "bytes=")
	startStr, endStr, _ := strings.Cut(rng, "-")
	start, err := strconv.Atoi(startStr)
	if err != nil || start > len(body) {
		return nil
	}
	end := len(body) - 1
	if endStr != "" {
		if e, err := strconv.Atoi(endStr); err == nil && e < end {
			end = e
		}
	}
	if end < start {
		return nil
	}
	return body[start : end+1]
}

func isChunked(req *http.Request) bool {
	return strings.Contains(req.Header.Get("Content-Encoding"), "aws-chunked") ||
		req.Header.Get("X-Amz-Decoded-Content-Length") != ""
}

// decodeChunked decodes an aws-chunked payload: repeated
// <hex-size>[;ext]\r\n<data>\r\n frames terminated by a zero-size frame and
// optional trailers.
func decodeChunked(b []byte) []byte {
	r := bufio.NewReader(bytes.NewReader(b))
	var out bytes.Buffer
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return b
		}
		sizeStr, _, _ := strings.Cut(strings.TrimSpace(line), ";")
		size, err := strconv.ParseInt(sizeStr, 16, 64)
		if err != nil {
			return b
		}
		if size == 0 {
			return out.Bytes()
		}
		if _, err := io.CopyN(&out, r, size); err != nil {
			return b
		}
		if _, err := r.Discard(2); err != nil {
			return b
		}
	}
}
