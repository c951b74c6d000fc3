// Package client is a small FHIR REST client for driving a conformance
// scenario. It issues synchronous requests, attaches a fixed header set to
// every call and reports failures as typed errors so callers can tell a
// transport failure from an unexpected status.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/jembi/openshr-validation-tests/internal/platform/fhir"
)

// ContentTypeJSON is sent with every request.
const ContentTypeJSON = "application/json"

// Doer executes HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(d Doer) Option {
	return func(c *Client) { c.doer = d }
}

// WithHeaders adds headers sent on every request.
func WithHeaders(h http.Header) Option {
	return func(c *Client) {
		for k, vs := range h {
			for _, v := range vs {
				c.headers.Add(k, v)
			}
		}
	}
}

// WithLogger sets the request logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// Client talks to a single FHIR base endpoint.
type Client struct {
	baseURL string
	doer    Doer
	headers http.Header
	logger  zerolog.Logger
}

// New creates a Client for baseURL. A trailing slash is removed.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		doer:    &http.Client{},
		headers: http.Header{},
		logger:  zerolog.Nop(),
	}
	c.headers.Set("Content-Type", ContentTypeJSON)
	for _, o := range opts {
		o(c)
	}
	return c
}

// BaseURL returns the normalized base endpoint.
func (c *Client) BaseURL() string { return c.baseURL }

// URL joins a relative path such as "Binary/1" onto the base endpoint.
func (c *Client) URL(path string) string {
	if path == "" {
		return c.baseURL
	}
	return c.baseURL + "/" + strings.TrimLeft(path, "/")
}

// Response is a fully read HTTP response.
type Response struct {
	Method     string
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
	Duration   time.Duration
}

// Location returns the Location header.
func (r *Response) Location() string {
	return r.Header.Get("Location")
}

// Do sends a request and reads the whole body. Only transport failures are
// returned as errors; any status code is a valid response.
func (c *Client) Do(ctx context.Context, method, rawURL string, body []byte) (*Response, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, rdr)
	if err != nil {
		return nil, &TransportError{Method: method, URL: rawURL, Err: err}
	}
	for k, vs := range c.headers {
		req.Header[k] = append([]string(nil), vs...)
	}

	start := time.Now()
	resp, err := c.doer.Do(req)
	if err != nil {
		c.logger.Error().Err(err).Str("method", method).Str("url", rawURL).Msg("request failed")
		return nil, &TransportError{Method: method, URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Method: method, URL: rawURL, Err: fmt.Errorf("read body: %w", err)}
	}

	out := &Response{
		Method:     method,
		URL:        rawURL,
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
		Duration:   time.Since(start),
	}
	c.logger.Debug().
		Str("method", method).
		Str("url", rawURL).
		Int("status", resp.StatusCode).
		Dur("latency", out.Duration).
		Msg("response")
	return out, nil
}

// Create POSTs a resource to its collection and requires 201 Created with a
// Location header naming the new resource.
func (c *Client) Create(ctx context.Context, resourceType string, body []byte) (fhir.Location, error) {
	resp, err := c.Do(ctx, http.MethodPost, c.URL(resourceType), body)
	if err != nil {
		return fhir.Location{}, err
	}
	if err := Expect(resp, http.StatusCreated); err != nil {
		return fhir.Location{}, err
	}
	loc, err := fhir.ParseLocation(resp.Location())
	if err != nil {
		return fhir.Location{}, fmt.Errorf("POST %s: %w", resp.URL, err)
	}
	c.logger.Info().Str("method", resp.Method).Str("url", resp.URL).Str("location", loc.Reference()).Msg("OK")
	return loc, nil
}

// Transaction POSTs a transaction Bundle to the base endpoint.
func (c *Client) Transaction(ctx context.Context, body []byte) (*Response, error) {
	return c.Do(ctx, http.MethodPost, c.baseURL, body)
}

// Read GETs a resource by its relative reference, e.g. "Binary/123".
func (c *Client) Read(ctx context.Context, reference string) (*Response, error) {
	return c.Do(ctx, http.MethodGet, c.URL(reference), nil)
}

// Search GETs resourceType with the given query parameters.
func (c *Client) Search(ctx context.Context, resourceType string, params url.Values) (*Response, error) {
	u := c.URL(resourceType)
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return c.Do(ctx, http.MethodGet, u, nil)
}

// Expect returns a *StatusError unless resp carries the wanted status.
func Expect(resp *Response, status int) error {
	if resp.StatusCode == status {
		return nil
	}
	return &StatusError{
		Method:      resp.Method,
		URL:         resp.URL,
		StatusCode:  resp.StatusCode,
		Expected:    status,
		Diagnostics: diagnostics(resp.Body),
	}
}

const maxDiagnostics = 512

// diagnostics extracts OperationOutcome text from an error body, falling
// back to the start of the raw body.
func diagnostics(body []byte) string {
	var oo fhir.OperationOutcome
	if err := json.Unmarshal(body, &oo); err == nil && oo.ResourceType == "OperationOutcome" {
		if d := oo.Diagnostics(); d != "" {
			return d
		}
	}
	s := strings.TrimSpace(string(body))
	if len(s) > maxDiagnostics {
		s = s[:maxDiagnostics] + "..."
	}
	return s
}
