// Package host serves the adapter registry over HTTP. Invocations stream
// their messages as newline-delimited JSON, one message per line.
package host

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/bturcanu/plugwire/pkg/auth"
	"github.com/bturcanu/plugwire/pkg/invoke"
	"github.com/bturcanu/plugwire/pkg/oauth"
	"github.com/bturcanu/plugwire/pkg/types"
)

const (
	maxBodyBytes = 1 << 20 // 1 MB

	// ContentTypeNDJSON is the media type of an invocation stream.
	ContentTypeNDJSON = "application/x-ndjson"

	// requestTimeout bounds every route except invoke, whose deadline is the
	// adapter's own.
	requestTimeout = 30 * time.Second
)

// InvokeRequest is the body of POST /v1/adapters/{name}/invoke.
type InvokeRequest struct {
	Params types.ParameterBag `json:"params"`
	// Credentials replaces stored credentials. Internal callers only.
	Credentials map[string]string `json:"credentials,omitempty"`
}

// AdapterInfo is one entry of GET /v1/adapters.
type AdapterInfo struct {
	Name        string          `json:"name"`
	Provider    string          `json:"provider"`
	Description string          `json:"description"`
	Credentials []string        `json:"credentials,omitempty"`
	TimeoutMS   int64           `json:"timeout_ms"`
	OAuth       bool            `json:"oauth,omitempty"`
	Params      json.RawMessage `json:"params"`
}

type credentialSource interface {
	Resolve(ctx context.Context, tenantID, provider string) (types.CredentialBag, error)
}

type oauthFlow interface {
	Handles(provider string) bool
	Begin(tenantID, provider string) (string, error)
	Complete(ctx context.Context, provider, state, code string) (string, error)
}

// Config wires a Host.
type Config struct {
	Registry    *invoke.Registry
	Invoker     *invoke.Invoker
	Credentials credentialSource
	// OAuth is optional; without it the oauth routes answer 404.
	OAuth *oauth.Manager

	Keys          *auth.KeyStore
	InternalToken string

	// Ready backs /readyz. Nil means always ready.
	Ready  func(ctx context.Context) error
	Logger *slog.Logger
}

// Host is the HTTP surface over a registry.
type Host struct {
	log      *slog.Logger
	registry *invoke.Registry
	invoker  *invoke.Invoker
	creds    credentialSource
	oauth    oauthFlow
	ready    func(ctx context.Context) error

	keys          *auth.KeyStore
	internalToken string
}

// New creates a Host.
func New(cfg Config) *Host {
	h := &Host{
		log:           cfg.Logger,
		registry:      cfg.Registry,
		invoker:       cfg.Invoker,
		creds:         cfg.Credentials,
		ready:         cfg.Ready,
		keys:          cfg.Keys,
		internalToken: cfg.InternalToken,
	}
	if h.log == nil {
		h.log = slog.Default()
	}
	if h.invoker == nil {
		h.invoker = invoke.New(invoke.WithLogger(h.log))
	}
	if h.creds == nil {
		h.creds = &Resolver{}
	}
	if cfg.OAuth != nil {
		h.oauth = cfg.OAuth
	}
	return h
}

// Routes builds the router. The OAuth callback sits outside API-key auth:
// the provider redirects a browser there, and the one-time state identifies
// the tenant.
func (h *Host) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Get("/readyz", h.handleReady)

	r.With(middleware.Timeout(requestTimeout)).Get("/v1/oauth/{provider}/callback", h.HandleCallback)
	r.With(middleware.Timeout(requestTimeout)).Post("/v1/oauth/{provider}/callback", h.HandleCallback)

	r.Group(func(r chi.Router) {
		r.Use(auth.APIKeyAuth(h.keys, h.internalToken))
		r.With(middleware.Timeout(requestTimeout)).Get("/v1/adapters", h.HandleListAdapters)
		r.With(middleware.Timeout(requestTimeout)).Get("/v1/oauth/{provider}/authorize", h.HandleAuthorize)
		r.Post("/v1/adapters/{name}/invoke", h.HandleInvoke)
	})
	return r
}

func (h *Host) handleReady(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		if err := h.ready(r.Context()); err != nil {
			h.log.WarnContext(r.Context(), "readiness check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("NOT READY"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// ──────────────────────────────────────────────────────────────────────────────
// Adapters
// ──────────────────────────────────────────────────────────────────────────────

// HandleListAdapters is GET /v1/adapters
func (h *Host) HandleListAdapters(w http.ResponseWriter, r *http.Request) {
	descs := h.registry.List()
	out := make([]AdapterInfo, 0, len(descs))
	for _, d := range descs {
		out = append(out, AdapterInfo{
			Name:        d.Name,
			Provider:    d.Provider,
			Description: d.Description,
			Credentials: d.Credentials,
			TimeoutMS:   invoke.ClampTimeout(d.Timeout).Milliseconds(),
			OAuth:       h.oauth != nil && h.oauth.Handles(d.Provider),
			Params:      d.Params.JSONSchema(),
		})
	}
	h.writeJSON(r.Context(), w, map[string]any{"adapters": out})
}

// HandleInvoke is POST /v1/adapters/{name}/invoke
//
// Once the stream starts the status is 200; a failed invocation is its single
// error message.
func (h *Host) HandleInvoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "name")

	a, ok := h.registry.Get(name)
	if !ok {
		types.ErrNotFound("adapter not found").WriteJSON(w)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req InvokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		types.ErrBadRequest("invalid JSON body").WriteJSON(w)
		return
	}
	if req.Credentials != nil && !auth.IsInternal(ctx) {
		types.ErrForbidden("inline credentials require the internal token").WriteJSON(w)
		return
	}

	tenantID := auth.TenantFromContext(ctx)
	var (
		creds types.CredentialBag
		err   error
	)
	if req.Credentials != nil {
		creds = types.NewCredentialBag(req.Credentials)
	} else {
		creds, err = h.creds.Resolve(ctx, tenantID, a.Describe().Provider)
	}

	w.Header().Set("Content-Type", ContentTypeNDJSON)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	s := newStream(w)

	if err != nil {
		h.log.WarnContext(ctx, "credential resolution failed",
			"adapter", name,
			"tenant_id", tenantID,
			"error", err,
		)
		_ = s.send(types.ErrorMessage(err))
		return
	}

	for m := range h.invoker.Invoke(ctx, a, req.Params, creds).All() {
		if err := s.send(m); err != nil {
			h.log.WarnContext(ctx, "stream write failed", "adapter", name, "error", err)
			return
		}
	}
}

// stream writes one JSON document per line and flushes after each.
type stream struct {
	enc *json.Encoder
	rc  *http.ResponseController
}

func newStream(w http.ResponseWriter) *stream {
	return &stream{enc: json.NewEncoder(w), rc: http.NewResponseController(w)}
}

func (s *stream) send(m types.InvokeMessage) error {
	if err := s.enc.Encode(m); err != nil {
		return err
	}
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// OAuth
// ──────────────────────────────────────────────────────────────────────────────

// HandleAuthorize is GET /v1/oauth/{provider}/authorize
func (h *Host) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	if h.oauth == nil || !h.oauth.Handles(provider) {
		types.ErrNotFound("provider does not use OAuth").WriteJSON(w)
		return
	}
	u, err := h.oauth.Begin(auth.TenantFromContext(r.Context()), provider)
	if err != nil {
		h.log.ErrorContext(r.Context(), "oauth begin failed", "provider", provider, "error", err)
		types.ErrBadRequest(types.UserMessage(err)).WriteJSON(w)
		return
	}
	h.writeJSON(r.Context(), w, map[string]string{"authorization_url": u})
}

// HandleCallback is GET|POST /v1/oauth/{provider}/callback
func (h *Host) HandleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	provider := chi.URLParam(r, "provider")
	if h.oauth == nil || !h.oauth.Handles(provider) {
		types.ErrNotFound("provider does not use OAuth").WriteJSON(w)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if e := r.FormValue("error"); e != "" {
		types.ErrBadRequest("authorization denied: " + e).WriteJSON(w)
		return
	}
	state, code := r.FormValue("state"), r.FormValue("code")
	if state == "" || code == "" {
		types.ErrBadRequest("state and code are required").WriteJSON(w)
		return
	}

	tenantID, err := h.oauth.Complete(ctx, provider, state, code)
	switch {
	case errors.Is(err, oauth.ErrInvalidState):
		types.ErrBadRequest("invalid or expired state").WriteJSON(w)
		return
	case err != nil:
		h.log.WarnContext(ctx, "oauth exchange failed", "provider", provider, "error", err)
		types.ErrUpstream(provider, types.UserMessage(err)).WriteJSON(w)
		return
	}
	h.writeJSON(ctx, w, map[string]string{
		"status":    "connected",
		"provider":  provider,
		"tenant_id": tenantID,
	})
}

func (h *Host) writeJSON(ctx context.Context, w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.ErrorContext(ctx, "response encode failed", "error", err)
	}
}
