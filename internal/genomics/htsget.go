package genomics

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/zeebo/errs"
	"golang.org/x/sync/errgroup"

	"modos/pkg/domain"
)

// Block is one entry of an htsget ticket: a URL (http(s) or data:) plus the
// headers, typically a Range, to send with it.
type Block struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Class   string            `json:"class,omitempty"`
}

// Ticket is the body of an htsget response.
type Ticket struct {
	Format string  `json:"format"`
	URLs   []Block `json:"urls"`
}

type ticketEnvelope struct {
	Htsget struct {
		Ticket
		Error   string `json:"error,omitempty"`
		Message string `json:"message,omitempty"`
	} `json:"htsget"`
}

// RetryPolicy bounds the retries of ticket and block requests.
type RetryPolicy struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy retries three times starting at 200ms.
var DefaultRetryPolicy = RetryPolicy{MaxRetries: 3, InitialInterval: 200 * time.Millisecond, MaxInterval: 5 * time.Second}

func (p RetryPolicy) backoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, p.MaxRetries), ctx)
}

// Client requests tickets from an htsget service and assembles the blocks
// they describe.
type Client struct {
	base        string
	http        *http.Client
	retry       RetryPolicy
	concurrency int
}

// ClientOption customises a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the transport used for tickets and blocks.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

// WithRetryPolicy overrides DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) ClientOption {
	return func(cl *Client) { cl.retry = p }
}

// WithConcurrency bounds the number of blocks fetched in parallel.
func WithConcurrency(n int) ClientOption {
	return func(cl *Client) {
		if n > 0 {
			cl.concurrency = n
		}
	}
}

// NewClient returns a client for the htsget service rooted at base, e.g.
// "http://localhost/htsget".
func NewClient(base string, opts ...ClientOption) *Client {
	c := &Client{
		base:        strings.TrimRight(base, "/"),
		http:        http.DefaultClient,
		retry:       DefaultRetryPolicy,
		concurrency: 4,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TicketURL builds the ticket request for the resource id (the object key
// without extension) in format f.
func (c *Client) TicketURL(id string, f Format, region *Region) string {
	q := url.Values{}
	if region != nil {
		q = region.ToHtsgetQuery()
	}
	q.Set("format", string(f))
	return fmt.Sprintf("%s/%s/%s?%s", c.base, f.Endpoint(), strings.Trim(id, "/"), q.Encode())
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.code, e.body)
}

// Ticket fetches the ticket for id. A service answer of NotFound or
// InvalidRange for a region fails with domain.ErrRegionNotFound. A regional
// ticket listing no blocks is replaced by the header ticket of id, so the
// caller can tell an unknown sequence from a region without records.
func (c *Client) Ticket(ctx context.Context, id string, f Format, region *Region) (Ticket, error) {
	t, err := c.ticket(ctx, c.TicketURL(id, f, region), id, region)
	if err != nil || region == nil || len(t.URLs) > 0 {
		return t, err
	}
	h, err := c.ticket(ctx, c.headerTicketURL(id, f), id, nil)
	if err != nil {
		return Ticket{}, err
	}
	if len(h.URLs) == 0 {
		return Ticket{}, &domain.StreamingError{Path: id, Region: region.String(), Kind: domain.ErrStreamingFailed, Err: errors.New("empty header ticket")}
	}
	return h, nil
}

// headerTicketURL requests only the header blocks of id.
func (c *Client) headerTicketURL(id string, f Format) string {
	return c.TicketURL(id, f, nil) + "&class=header"
}

func (c *Client) ticket(ctx context.Context, u, id string, region *Region) (Ticket, error) {
	var env ticketEnvelope
	err := backoff.Retry(func() error {
		body, err := c.get(ctx, u, nil)
		if err != nil {
			return err
		}
		env = ticketEnvelope{}
		if err := json.Unmarshal(body, &env); err != nil {
			return backoff.Permanent(fmt.Errorf("decode ticket: %w", err))
		}
		return nil
	}, c.retry.backoff(ctx))

	var se *statusError
	if errors.As(err, &se) && se.code < 500 {
		_ = json.Unmarshal([]byte(se.body), &env)
		if region != nil && (se.code == http.StatusNotFound || env.Htsget.Error == "InvalidRange") {
			return Ticket{}, &domain.StreamingError{Path: id, Region: region.String(), Kind: domain.ErrRegionNotFound, Err: err}
		}
	}
	if err != nil {
		return Ticket{}, &domain.StreamingError{Path: id, Kind: domain.ErrStreamingFailed, Err: err}
	}
	return env.Htsget.Ticket, nil
}

// Fetch downloads every block of t concurrently and returns them
// concatenated in ticket order.
func (c *Client) Fetch(ctx context.Context, t Ticket) (io.ReadCloser, error) {
	parts := make([][]byte, len(t.URLs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, b := range t.URLs {
		g.Go(func() error {
			data, err := c.fetchBlock(gctx, b)
			if err != nil {
				return fmt.Errorf("block %d: %w", i, err)
			}
			parts[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, &domain.StreamingError{Kind: domain.ErrStreamingFailed, Err: err}
	}
	readers := make([]io.Reader, len(parts))
	for i, p := range parts {
		readers[i] = bytes.NewReader(p)
	}
	return io.NopCloser(io.MultiReader(readers...)), nil
}

func (c *Client) fetchBlock(ctx context.Context, b Block) ([]byte, error) {
	if strings.HasPrefix(b.URL, "data:") {
		return decodeDataURI(b.URL)
	}
	var out []byte
	err := backoff.Retry(func() error {
		data, err := c.get(ctx, b.URL, b.Headers)
		if err != nil {
			return err
		}
		out = data
		return nil
	}, c.retry.backoff(ctx))
	return out, err
}

// get performs one request. Client errors are permanent; transport errors
// and server errors are retried.
func (c *Client) get(ctx context.Context, u string, headers map[string]string) (body []byte, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { err = errs.Combine(err, resp.Body.Close()) }()
	body, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		se := &statusError{code: resp.StatusCode, body: string(body)}
		if resp.StatusCode < 500 {
			return nil, backoff.Permanent(se)
		}
		return nil, se
	}
	return body, nil
}

// decodeDataURI decodes "data:[<mediatype>][;base64],<data>".
func decodeDataURI(u string) ([]byte, error) {
	meta, data, ok := strings.Cut(strings.TrimPrefix(u, "data:"), ",")
	if !ok {
		return nil, fmt.Errorf("malformed data uri")
	}
	if strings.HasSuffix(meta, ";base64") {
		return base64.StdEncoding.DecodeString(data)
	}
	s, err := url.PathUnescape(data)
	return []byte(s), err
}
