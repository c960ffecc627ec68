package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"

	"modos/pkg/domain"
)

func modosServer(t *testing.T, token string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var rootHits atomic.Int32
	mux := http.NewServeMux()
	reply := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		rootHits.Add(1)
		reply(w, map[string]any{
			"s3":     "http://s3.example.org",
			"htsget": "http://htsget.example.org",
			"kms":    nil,
			"auth":   map[string]any{"url": "http://auth.example.org", "client_id": "modos"},
		})
	})
	mux.HandleFunc("/list", func(w http.ResponseWriter, r *http.Request) {
		if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
			http.Error(w, "denied", http.StatusUnauthorized)
			return
		}
		reply(w, []string{"modos-demo/ex", "modos-demo/z9"})
	})
	mux.HandleFunc("/meta", func(w http.ResponseWriter, _ *http.Request) {
		reply(w, map[string]any{"ex": map[string]any{"@type": "MODO", "id": "ex"}})
	})
	mux.HandleFunc("/get", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("query") != "ex" || r.URL.Query().Get("exact_match") != "true" {
			reply(w, []any{})
			return
		}
		reply(w, []map[string]any{{
			"http://s3.example.org/modos-demo/ex": map[string]any{"s3_endpoint": "http://s3.example.org", "modo_path": "modos-demo/ex"},
		}})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &rootHits
}

func TestServicesFromServerDocument(t *testing.T) {
	srv, hits := modosServer(t, "")
	m := NewEndpointManager(srv.URL + "/")
	ctx := context.Background()

	got, err := m.Services(ctx)
	if err != nil {
		t.Fatalf("services: %v", err)
	}
	want := Services{
		S3:     "http://s3.example.org",
		Htsget: "http://htsget.example.org",
		Auth:   &AuthService{URL: "http://auth.example.org", ClientID: "modos"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("services mismatch (-want +got):\n%s", diff)
	}
	if u, ok, err := m.Service(ctx, ServiceHtsget); err != nil || !ok || u != want.Htsget {
		t.Fatalf("htsget lookup: %q %v %v", u, ok, err)
	}
	if _, ok, err := m.Service(ctx, ServiceKMS); err != nil || ok {
		t.Fatalf("kms should be absent: %v %v", ok, err)
	}
	if _, _, err := m.Service(ctx, "ftp"); err == nil {
		t.Fatalf("expected unknown service error")
	}
	if n := hits.Load(); n != 1 {
		t.Fatalf("service document fetched %d times", n)
	}
	if _, ok := got.Map()[ServiceKMS]; ok {
		t.Fatalf("map should omit absent services: %v", got.Map())
	}
}

func TestStaticAndEmptyEndpoints(t *testing.T) {
	ctx := context.Background()
	m := StaticEndpoints(Services{S3: "http://s3.local"})
	if u, ok, err := m.Service(ctx, ServiceS3); err != nil || !ok || u != "http://s3.local" {
		t.Fatalf("static s3: %q %v %v", u, ok, err)
	}
	empty, err := NewEndpointManager("").Services(ctx)
	if err != nil || empty != (Services{}) {
		t.Fatalf("expected empty document, got %+v %v", empty, err)
	}
	if _, err := m.List(ctx); !errors.Is(err, domain.ErrStorageUnavailable) {
		t.Fatalf("static manager has no server, got %v", err)
	}
}

func TestDecodeServicesAcceptsPlainAuthURL(t *testing.T) {
	s, err := decodeServices(map[string]json.RawMessage{"auth": json.RawMessage(`"http://auth"`)})
	if err != nil || s.Auth == nil || s.Auth.URL != "http://auth" {
		t.Fatalf("plain auth url not accepted: %+v %v", s, err)
	}
	if _, err := decodeServices(map[string]json.RawMessage{"s3": json.RawMessage(`42`)}); err == nil {
		t.Fatalf("expected type error for numeric s3")
	}
}

func TestServerListMetadataAndSearch(t *testing.T) {
	ctx := context.Background()
	srv, _ := modosServer(t, "s3cr3t")

	if _, err := NewEndpointManager(srv.URL).List(ctx); !errors.Is(err, domain.ErrPermissionDenied) {
		t.Fatalf("expected permission error without token, got %v", err)
	}
	m := NewEndpointManager(srv.URL, WithBearerToken("s3cr3t"), WithEndpointHTTPClient(srv.Client()))
	list, err := m.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if diff := cmp.Diff([]string{"modos-demo/ex", "modos-demo/z9"}, list); diff != "" {
		t.Fatalf("list mismatch (-want +got):\n%s", diff)
	}

	meta, err := m.Metadata(ctx, "ex")
	if err != nil || meta["@type"] != "MODO" {
		t.Fatalf("metadata: %v %v", meta, err)
	}
	if _, err := m.Metadata(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	hits, err := m.Search(ctx, "ex", true)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	want := []RemoteMODO{{URL: "http://s3.example.org/modos-demo/ex", S3Endpoint: "http://s3.example.org", Path: "modos-demo/ex"}}
	if diff := cmp.Diff(want, hits); diff != "" {
		t.Fatalf("search mismatch (-want +got):\n%s", diff)
	}
	none, err := m.Search(ctx, "zzz", false)
	if err != nil || len(none) != 0 {
		t.Fatalf("expected no hits, got %v %v", none, err)
	}
}
