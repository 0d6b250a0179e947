// Package transport executes a single outbound call per invocation and
// classifies transport-level faults. It never retries.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/bturcanu/plugwire/pkg/request"
	"github.com/bturcanu/plugwire/pkg/types"
)

const (
	// DefaultTimeout applies when neither the request nor the client sets one.
	DefaultTimeout = 30 * time.Second
	// DefaultMaxBodyBytes caps JSON provider responses.
	DefaultMaxBodyBytes = 4 << 20
)

// Response is a raw provider response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool { return r.StatusCode >= 200 && r.StatusCode < 300 }

// ContentType returns the media type without parameters.
func (r *Response) ContentType() string {
	ct := r.Header.Get("Content-Type")
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.TrimSpace(strings.ToLower(ct))
}

// Transport performs exactly one call.
type Transport interface {
	Do(ctx context.Context, req *request.Request) (*Response, error)
}

// Func adapts a function to Transport.
type Func func(ctx context.Context, req *request.Request) (*Response, error)

func (f Func) Do(ctx context.Context, req *request.Request) (*Response, error) { return f(ctx, req) }

// HTTP is the default transport for REST/JSON providers.
type HTTP struct {
	client   *http.Client
	maxBytes int64
}

// Option configures HTTP.
type Option func(*HTTP)

// WithClient replaces the underlying client (tests, custom TLS).
func WithClient(c *http.Client) Option {
	return func(h *HTTP) { h.client = c }
}

// WithMaxBodyBytes raises the response cap for binary payloads.
func WithMaxBodyBytes(n int64) Option {
	return func(h *HTTP) { h.maxBytes = n }
}

// NewHTTP creates an HTTP transport. The client timeout is a backstop; the
// per-request Timeout, when set, is the effective bound.
func NewHTTP(opts ...Option) *HTTP {
	h := &HTTP{
		client:   &http.Client{Timeout: 2 * time.Minute},
		maxBytes: DefaultMaxBodyBytes,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Do sends req once. Faults are returned as *types.ConnectionFault or
// *types.TimeoutFault; any status code is returned as a Response. A body
// larger than the cap is a *types.ProviderError, never a truncated Response.
func (h *HTTP) Do(ctx context.Context, req *request.Request) (*Response, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	provider := hostOf(req.URL)
	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("transport new request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, Classify(provider, timeout, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBytes+1))
	if err != nil {
		return nil, Classify(provider, timeout, err)
	}
	if int64(len(respBody)) > h.maxBytes {
		return nil, &types.ProviderError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("response exceeds %d bytes", h.maxBytes),
		}
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: respBody}, nil
}

// Classify maps a low-level error into the transport fault taxonomy.
func Classify(provider string, timeout time.Duration, err error) error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return &types.TimeoutFault{Provider: provider, Timeout: timeout, Err: err}
	}
	return &types.ConnectionFault{Provider: provider, Err: err}
}

func hostOf(rawURL string) string {
	s := rawURL
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	if i := strings.LastIndexByte(s, '@'); i >= 0 {
		s = s[i+1:]
	}
	return s
}
