package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/zeebo/errs"

	"modos/pkg/domain"
)

// Service names published in a server service document.
const (
	ServiceS3     = "s3"
	ServiceHtsget = "htsget"
	ServiceFuzon  = "fuzon"
	ServiceKMS    = "kms"
	ServiceRefget = "refget"
	ServiceAuth   = "auth"
)

// AuthService describes the identity provider a server delegates to.
type AuthService struct {
	URL      string `json:"url"`
	ClientID string `json:"client_id,omitempty"`
}

// Services is a decoded service document. Empty fields are services the
// server does not offer.
type Services struct {
	S3     string       `json:"s3,omitempty"`
	Htsget string       `json:"htsget,omitempty"`
	Fuzon  string       `json:"fuzon,omitempty"`
	KMS    string       `json:"kms,omitempty"`
	Refget string       `json:"refget,omitempty"`
	Auth   *AuthService `json:"auth,omitempty"`
}

// Map renders the document with only offered services.
func (s Services) Map() map[string]any {
	out := map[string]any{}
	for k, v := range map[string]string{
		ServiceS3: s.S3, ServiceHtsget: s.Htsget, ServiceFuzon: s.Fuzon, ServiceKMS: s.KMS, ServiceRefget: s.Refget,
	} {
		if v != "" {
			out[k] = v
		}
	}
	if s.Auth != nil {
		out[ServiceAuth] = map[string]any{"url": s.Auth.URL, "client_id": s.Auth.ClientID}
	}
	return out
}

// EndpointManager resolves service URLs either from a modos server (whose
// root serves the service document) or from an explicit set. The document
// is fetched once per manager.
type EndpointManager struct {
	server   string
	explicit *Services
	http     *http.Client
	token    string

	mu     sync.Mutex
	cached *Services
}

// EndpointOption customises an EndpointManager.
type EndpointOption func(*EndpointManager)

// WithEndpointHTTPClient sets the transport for server requests.
func WithEndpointHTTPClient(c *http.Client) EndpointOption {
	return func(m *EndpointManager) {
		if c != nil {
			m.http = c
		}
	}
}

// WithBearerToken sends token as a bearer credential on server requests.
func WithBearerToken(token string) EndpointOption {
	return func(m *EndpointManager) { m.token = token }
}

// NewEndpointManager returns a manager for the modos server at server.
func NewEndpointManager(server string, opts ...EndpointOption) *EndpointManager {
	m := &EndpointManager{server: strings.TrimRight(server, "/"), http: http.DefaultClient}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StaticEndpoints returns a manager that never contacts a server.
func StaticEndpoints(s Services) *EndpointManager {
	return &EndpointManager{explicit: &s, http: http.DefaultClient}
}

// Server returns the modos server URL, empty for static managers.
func (m *EndpointManager) Server() string { return m.server }

// Services returns the service document. A manager with neither server nor
// explicit services yields an empty document.
func (m *EndpointManager) Services(ctx context.Context) (Services, error) {
	if m.explicit != nil {
		return *m.explicit, nil
	}
	if m.server == "" {
		return Services{}, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cached != nil {
		return *m.cached, nil
	}
	var raw map[string]json.RawMessage
	if err := m.getJSON(ctx, m.server, nil, &raw); err != nil {
		return Services{}, err
	}
	s, err := decodeServices(raw)
	if err != nil {
		return Services{}, fmt.Errorf("service document %s: %w", m.server, err)
	}
	m.cached = &s
	return s, nil
}

func decodeServices(raw map[string]json.RawMessage) (Services, error) {
	var s Services
	str := func(key string, dst *string) error {
		v, ok := raw[key]
		if !ok || string(v) == "null" {
			return nil
		}
		return json.Unmarshal(v, dst)
	}
	for key, dst := range map[string]*string{
		ServiceS3: &s.S3, ServiceHtsget: &s.Htsget, ServiceFuzon: &s.Fuzon, ServiceKMS: &s.KMS, ServiceRefget: &s.Refget,
	} {
		if err := str(key, dst); err != nil {
			return Services{}, fmt.Errorf("%s: %w", key, err)
		}
	}
	if v, ok := raw[ServiceAuth]; ok && string(v) != "null" {
		var auth AuthService
		if err := json.Unmarshal(v, &auth); err != nil {
			var plain string
			if json.Unmarshal(v, &plain) != nil {
				return Services{}, fmt.Errorf("%s: %w", ServiceAuth, err)
			}
			auth.URL = plain
		}
		s.Auth = &auth
	}
	return s, nil
}

// Service returns the URL of one named service and whether it is offered.
func (m *EndpointManager) Service(ctx context.Context, name string) (string, bool, error) {
	s, err := m.Services(ctx)
	if err != nil {
		return "", false, err
	}
	var v string
	switch name {
	case ServiceS3:
		v = s.S3
	case ServiceHtsget:
		v = s.Htsget
	case ServiceFuzon:
		v = s.Fuzon
	case ServiceKMS:
		v = s.KMS
	case ServiceRefget:
		v = s.Refget
	case ServiceAuth:
		if s.Auth != nil {
			v = s.Auth.URL
		}
	default:
		return "", false, fmt.Errorf("unknown service %q", name)
	}
	return v, v != "", nil
}

// RemoteMODO is one entry of a server search.
type RemoteMODO struct {
	URL        string `json:"url"`
	S3Endpoint string `json:"s3_endpoint"`
	Path       string `json:"modo_path"`
}

// List returns the object paths the server publishes.
func (m *EndpointManager) List(ctx context.Context) ([]string, error) {
	var out []string
	if err := m.serverJSON(ctx, "/list", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Metadata returns the published metadata keyed by node id, restricted to
// one object when modoID is set.
func (m *EndpointManager) Metadata(ctx context.Context, modoID string) (map[string]any, error) {
	var meta map[string]any
	if err := m.serverJSON(ctx, "/meta", nil, &meta); err != nil {
		return nil, err
	}
	if modoID == "" {
		return meta, nil
	}
	v, ok := meta[modoID].(map[string]any)
	if !ok {
		return nil, domain.NotFoundError{Entity: "modo", ID: modoID}
	}
	return v, nil
}

// Search asks the server for the S3 locations of objects matching query.
func (m *EndpointManager) Search(ctx context.Context, query string, exact bool) ([]RemoteMODO, error) {
	q := url.Values{"query": {query}, "exact_match": {strconv.FormatBool(exact)}}
	var raw []map[string]RemoteMODO
	if err := m.serverJSON(ctx, "/get", q, &raw); err != nil {
		return nil, err
	}
	out := []RemoteMODO{}
	for _, entry := range raw {
		for u, r := range entry {
			r.URL = u
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *EndpointManager) serverJSON(ctx context.Context, p string, q url.Values, v any) error {
	if m.server == "" {
		return fmt.Errorf("no modos server configured: %w", domain.ErrStorageUnavailable)
	}
	return m.getJSON(ctx, m.server+p, q, v)
}

func (m *EndpointManager) getJSON(ctx context.Context, u string, q url.Values, v any) (err error) {
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if m.token != "" {
		req.Header.Set("Authorization", "Bearer "+m.token)
	}
	resp, err := m.http.Do(req)
	if err != nil {
		return &domain.StorageError{Op: "get", Path: u, Kind: domain.ErrStorageUnavailable, Err: err}
	}
	defer func() { err = errs.Combine(err, resp.Body.Close()) }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		kind := domain.ErrStorageUnavailable
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			kind = domain.ErrPermissionDenied
		case http.StatusNotFound:
			kind = domain.ErrNotFound
		}
		return &domain.StorageError{Op: "get", Path: u, Kind: kind, Err: fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))}
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", u, err)
	}
	return nil
}
