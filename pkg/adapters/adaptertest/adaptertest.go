// Package adaptertest runs adapters against fake providers in tests.
package adaptertest

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bturcanu/plugwire/pkg/invoke"
	"github.com/bturcanu/plugwire/pkg/types"
)

// Invoke runs a through a fresh Invoker with the default HTTP transport and
// collects every message.
func Invoke(t testing.TB, a invoke.Adapter, p types.ParameterBag, creds map[string]string) []types.InvokeMessage {
	t.Helper()
	inv := invoke.New(invoke.WithLogger(slog.New(slog.NewJSONHandler(io.Discard, nil))))
	return inv.Invoke(context.Background(), a, p, types.NewCredentialBag(creds)).Collect()
}

// RequireError asserts exactly one error Text containing substr.
func RequireError(t testing.TB, msgs []types.InvokeMessage, substr string) {
	t.Helper()
	require.Len(t, msgs, 1, "expected exactly one message: %+v", msgs)
	require.Equal(t, types.KindText, msgs[0].Kind)
	require.True(t, msgs[0].IsError, "expected an error message, got %q", msgs[0].Text)
	require.Contains(t, msgs[0].Text, substr)
}

// RequireSuccess asserts a summary Text followed by at least one payload.
func RequireSuccess(t testing.TB, msgs []types.InvokeMessage) {
	t.Helper()
	require.GreaterOrEqual(t, len(msgs), 2, "expected summary and payload: %+v", msgs)
	require.Equal(t, types.KindText, msgs[0].Kind)
	require.False(t, msgs[0].IsError, "unexpected error: %q", msgs[0].Text)
	for _, m := range msgs[1:] {
		require.False(t, m.IsError)
	}
}

// Recorded is one request seen by a Provider.
type Recorded struct {
	Method string
	Path   string
	Query  string
	Header http.Header
	Body   []byte
}

// Provider is a fake provider that records requests and answers with a
// handler.
type Provider struct {
	*httptest.Server

	mu       sync.Mutex
	requests []Recorded
}

// NewProvider starts a fake provider closed at test cleanup.
func NewProvider(t testing.TB, h http.HandlerFunc) *Provider {
	t.Helper()
	p := &Provider{}
	p.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		p.mu.Lock()
		p.requests = append(p.requests, Recorded{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.RawQuery,
			Header: r.Header.Clone(),
			Body:   body,
		})
		p.mu.Unlock()
		r.Body = io.NopCloser(bytes.NewReader(body))
		h(w, r)
	}))
	t.Cleanup(p.Close)
	return p
}

// JSON returns a handler that always answers status with body.
func JSON(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}
}

// Requests returns the recorded requests.
func (p *Provider) Requests() []Recorded {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Recorded(nil), p.requests...)
}

// Last returns the most recent request.
func (p *Provider) Last(t testing.TB) Recorded {
	t.Helper()
	reqs := p.Requests()
	require.NotEmpty(t, reqs, "provider received no request")
	return reqs[len(reqs)-1]
}
