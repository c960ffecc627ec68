// Package codes recommends controlled-vocabulary codes for free-text slot
// values, either through a remote term-matching service or from a local
// terminology file.
package codes

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/zeebo/errs"
	"gopkg.in/yaml.v3"

	"modos/internal/remote"
	"modos/pkg/domain"
)

// DefaultTop is the number of codes returned when no limit is set.
const DefaultTop = 50

// SlotTerminologies lists the ontologies that populate each coded slot.
var SlotTerminologies = map[string][]string{
	"cell_type":       {"https://purl.obolibrary.org/obo/cl.owl"},
	"source_material": {"https://purl.obolibrary.org/obo/uberon.owl"},
	"taxon_id":        {"https://purl.obolibrary.org/obo/ncbitaxon/subsets/taxslim.owl"},
	"sample_processing": {
		"https://purl.obolibrary.org/obo/obi.owl",
		"http://www.ebi.ac.uk/efo/efo.owl",
	},
}

// Slots returns the coded slot names in lexical order.
func Slots() []string {
	out := make([]string, 0, len(SlotTerminologies))
	for s := range SlotTerminologies {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Code is one vocabulary term.
type Code struct {
	Label string `json:"label" yaml:"label"`
	URI   string `json:"uri" yaml:"uri"`
}

// Matcher ranks codes against free text for one slot.
type Matcher interface {
	Slot() string
	FindCodes(ctx context.Context, query string) ([]Code, error)
}

func checkSlot(slot string) error {
	if _, ok := SlotTerminologies[slot]; !ok {
		return &domain.SchemaViolationError{Class: "Sample", Slot: slot, Rule: "slot has no terminology; expected one of " + strings.Join(Slots(), ", ")}
	}
	return nil
}

// RemoteMatcher queries a term-matching service's /codes/top endpoint.
type RemoteMatcher struct {
	endpoint string
	slot     string
	top      int
	http     *http.Client
}

// RemoteOption customises a RemoteMatcher.
type RemoteOption func(*RemoteMatcher)

// WithTop limits the number of codes returned.
func WithTop(n int) RemoteOption {
	return func(m *RemoteMatcher) {
		if n > 0 {
			m.top = n
		}
	}
}

// WithHTTPClient sets the transport.
func WithHTTPClient(c *http.Client) RemoteOption {
	return func(m *RemoteMatcher) {
		if c != nil {
			m.http = c
		}
	}
}

// NewRemoteMatcher returns a matcher for slot backed by endpoint.
func NewRemoteMatcher(slot, endpoint string, opts ...RemoteOption) (*RemoteMatcher, error) {
	if err := checkSlot(slot); err != nil {
		return nil, err
	}
	m := &RemoteMatcher{endpoint: strings.TrimRight(endpoint, "/"), slot: slot, top: DefaultTop, http: http.DefaultClient}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Slot returns the slot the matcher serves.
func (m *RemoteMatcher) Slot() string { return m.slot }

// FindCodes returns at most top codes ranked by the service.
func (m *RemoteMatcher) FindCodes(ctx context.Context, query string) (codes []Code, err error) {
	q := url.Values{"collection": {m.slot}, "query": {query}, "num": {strconv.Itoa(m.top)}}
	u := m.endpoint + "/codes/top?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.http.Do(req)
	if err != nil {
		return nil, &domain.StorageError{Op: "codes", Path: m.endpoint, Kind: domain.ErrStorageUnavailable, Err: err}
	}
	defer func() { err = errs.Combine(err, resp.Body.Close()) }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &domain.StorageError{Op: "codes", Path: m.endpoint, Kind: domain.ErrStorageUnavailable, Err: fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))}
	}
	var payload struct {
		Codes []Code `json:"codes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode codes: %w", err)
	}
	if len(payload.Codes) > m.top {
		payload.Codes = payload.Codes[:m.top]
	}
	return payload.Codes, nil
}

// LocalMatcher ranks an in-memory term list by label similarity. Labels
// containing the query rank first.
type LocalMatcher struct {
	slot  string
	top   int
	terms []Code
}

// NewLocalMatcher returns a matcher over terms.
func NewLocalMatcher(slot string, terms []Code, top int) (*LocalMatcher, error) {
	if err := checkSlot(slot); err != nil {
		return nil, err
	}
	if top <= 0 {
		top = DefaultTop
	}
	return &LocalMatcher{slot: slot, top: top, terms: append([]Code(nil), terms...)}, nil
}

// LoadTerms reads a terminology file: a YAML (or JSON) document mapping
// slot names to code lists.
func LoadTerms(path string) (map[string][]Code, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out map[string][]Code
	if err := yaml.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for slot := range out {
		if err := checkSlot(slot); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	return out, nil
}

// Slot returns the slot the matcher serves.
func (m *LocalMatcher) Slot() string { return m.slot }

// FindCodes ranks terms against query.
func (m *LocalMatcher) FindCodes(_ context.Context, query string) ([]Code, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	type scored struct {
		code  Code
		score float64
	}
	ranked := make([]scored, 0, len(m.terms))
	for _, t := range m.terms {
		label := strings.ToLower(t.Label)
		score := remote.QuickRatio(q, label)
		if q != "" && strings.Contains(label, q) {
			score += 1
		}
		ranked = append(ranked, scored{t, score})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].code.Label < ranked[j].code.Label
	})
	n := min(m.top, len(ranked))
	out := make([]Code, n)
	for i := range n {
		out[i] = ranked[i].code
	}
	return out, nil
}

// SlotMatchers returns a matcher for every coded slot: remote when endpoint
// is set, otherwise local over terms. Slots without local terms are
// omitted.
func SlotMatchers(endpoint string, terms map[string][]Code, top int) (map[string]Matcher, error) {
	out := make(map[string]Matcher, len(SlotTerminologies))
	for _, slot := range Slots() {
		m, err := SlotMatcher(slot, endpoint, terms[slot], top)
		if err != nil {
			return nil, err
		}
		if m != nil {
			out[slot] = m
		}
	}
	return out, nil
}

// SlotMatcher returns the matcher for one slot, or nil when neither an
// endpoint nor local terms are available.
func SlotMatcher(slot, endpoint string, terms []Code, top int) (Matcher, error) {
	if endpoint != "" {
		return NewRemoteMatcher(slot, endpoint, WithTop(top))
	}
	if len(terms) == 0 {
		if err := checkSlot(slot); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return NewLocalMatcher(slot, terms, top)
}
