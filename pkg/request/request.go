// Package request builds transport-ready request descriptors from validated
// parameters and credentials.
package request

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/bturcanu/plugwire/pkg/types"
)

// Request describes one outbound call. URL schemes other than http(s) are
// interpreted by adapter-specific transports (s3://, smtp://).
type Request struct {
	Method  string
	URL     string
	Header  http.Header
	Body    []byte
	Timeout time.Duration
}

// New returns a request with an empty header set.
func New(method, rawURL string) *Request {
	return &Request{Method: method, URL: rawURL, Header: make(http.Header)}
}

// NewJSON encodes body as the JSON payload of a new request.
func NewJSON(method, rawURL string, body any) (*Request, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("request marshal: %w", err)
	}
	r := New(method, rawURL)
	r.Body = b
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("Accept", "application/json")
	return r, nil
}

// Part is one file in a multipart body.
type Part struct {
	Field    string
	Filename string
	MimeType string
	Data     []byte
}

// NewMultipart builds a multipart/form-data request from plain fields and files.
func NewMultipart(method, rawURL string, fields map[string]string, parts ...Part) (*Request, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("multipart field %s: %w", k, err)
		}
	}
	for _, p := range parts {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, p.Field, p.Filename))
		ct := p.MimeType
		if ct == "" {
			ct = "application/octet-stream"
		}
		h.Set("Content-Type", ct)
		w, err := mw.CreatePart(h)
		if err != nil {
			return nil, fmt.Errorf("multipart part %s: %w", p.Field, err)
		}
		if _, err := w.Write(p.Data); err != nil {
			return nil, fmt.Errorf("multipart write %s: %w", p.Field, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("multipart close: %w", err)
	}
	r := New(method, rawURL)
	r.Body = buf.Bytes()
	r.Header.Set("Content-Type", mw.FormDataContentType())
	return r, nil
}

// Authorize applies an auth scheme and returns r.
func (r *Request) Authorize(a Auth) *Request {
	a.Apply(r.Header)
	return r
}

// LogValue renders method, URL without userinfo or query, and header names.
// Header values and the body are never logged.
func (r *Request) LogValue() slog.Value {
	u := r.URL
	if parsed, err := url.Parse(r.URL); err == nil {
		parsed.User = nil
		parsed.RawQuery = ""
		u = parsed.String()
	}
	headers := make([]string, 0, len(r.Header))
	for k := range r.Header {
		headers = append(headers, k)
	}
	return slog.GroupValue(
		slog.String("method", r.Method),
		slog.String("url", u),
		slog.String("headers", strings.Join(headers, ",")),
		slog.Int("body_bytes", len(r.Body)),
	)
}

// ──────────────────────────────────────────────────────────────────────────────
// Auth schemes
// ──────────────────────────────────────────────────────────────────────────────

// Auth attaches provider credentials to a header set.
type Auth interface {
	Apply(h http.Header)
}

type bearer string

func (b bearer) Apply(h http.Header) { h.Set("Authorization", "Bearer "+string(b)) }

// Bearer authenticates with "Authorization: Bearer <token>". OAuth access
// tokens use this scheme too.
func Bearer(token string) Auth { return bearer(token) }

type apiKeyHeader struct{ name, key string }

func (a apiKeyHeader) Apply(h http.Header) { h.Set(a.name, a.key) }

// APIKeyHeader sends the key in a named header.
func APIKeyHeader(name, key string) Auth { return apiKeyHeader{name: name, key: key} }

type basic struct{ user, pass string }

func (b basic) Apply(h http.Header) {
	h.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(b.user+":"+b.pass)))
}

// Basic is HTTP basic auth (username + app password / API token).
func Basic(user, pass string) Auth { return basic{user: user, pass: pass} }

// ParseBasic extracts basic credentials from a header set, for transports that
// are not HTTP.
func ParseBasic(h http.Header) (user, pass string, ok bool) {
	v := h.Get("Authorization")
	if !strings.HasPrefix(v, "Basic ") {
		return "", "", false
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(v, "Basic "))
	if err != nil {
		return "", "", false
	}
	user, pass, ok = strings.Cut(string(raw), ":")
	return user, pass, ok
}

// Credential returns the named credential or a ConfigurationError.
func Credential(c types.CredentialBag, name string) (string, error) {
	v, ok := c.Lookup(name)
	if !ok {
		return "", &types.ConfigurationError{Fields: []string{name}}
	}
	return v, nil
}
