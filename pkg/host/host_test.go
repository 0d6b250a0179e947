package host

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bturcanu/plugwire/pkg/auth"
	"github.com/bturcanu/plugwire/pkg/config"
	"github.com/bturcanu/plugwire/pkg/credstore"
	"github.com/bturcanu/plugwire/pkg/invoke"
	"github.com/bturcanu/plugwire/pkg/normalize"
	"github.com/bturcanu/plugwire/pkg/oauth"
	"github.com/bturcanu/plugwire/pkg/params"
	"github.com/bturcanu/plugwire/pkg/request"
	"github.com/bturcanu/plugwire/pkg/transport"
	"github.com/bturcanu/plugwire/pkg/types"
)

// ──────────────────────────────────────────────────────────────────────────────
// Fakes
// ──────────────────────────────────────────────────────────────────────────────

type echoAdapter struct{}

func (echoAdapter) Describe() invoke.Descriptor {
	return invoke.Descriptor{
		Name:        "echo.say",
		Provider:    "echo",
		Description: "Echo text back.",
		Params: params.Schema{Fields: []params.Field{
			{Name: "text", Kind: params.String, Required: true},
		}},
		Credentials: []string{"api_key"},
		Timeout:     15 * time.Second,
	}
}

func (echoAdapter) Build(p params.Values, creds types.CredentialBag) (*request.Request, error) {
	req, err := request.NewJSON(http.MethodPost, "https://echo.test/say", map[string]any{"text": p.String("text")})
	if err != nil {
		return nil, err
	}
	return req.Authorize(request.Bearer(creds.Get("api_key"))), nil
}

func (echoAdapter) Normalize(p params.Values, resp *transport.Response) (*normalize.Output, error) {
	var body map[string]any
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return nil, err
	}
	return normalize.NewOutput().Summary("Echoed %q.", p.String("text")).Add(normalize.Object(body)), nil
}

// fakeProvider echoes the request body and remembers the auth header.
type fakeProvider struct {
	mu   sync.Mutex
	auth []string
}

func (f *fakeProvider) Do(_ context.Context, req *request.Request) (*transport.Response, error) {
	f.mu.Lock()
	f.auth = append(f.auth, req.Header.Get("Authorization"))
	f.mu.Unlock()
	return &transport.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": {"application/json"}},
		Body:       req.Body,
	}, nil
}

func (f *fakeProvider) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.auth...)
}

type fakeOAuth struct{ exchangeErr error }

func (fakeOAuth) AuthorizationURL(redirectURI string, _ types.CredentialBag, state string) (string, error) {
	return "https://auth.test/authorize?" + url.Values{"redirect_uri": {redirectURI}, "state": {state}}.Encode(), nil
}

func (f fakeOAuth) Exchange(_ context.Context, _ string, _ types.CredentialBag, code string) (types.CredentialBag, error) {
	if f.exchangeErr != nil {
		return types.CredentialBag{}, f.exchangeErr
	}
	return types.NewCredentialBag(map[string]string{oauth.FieldAccessToken: "tok-" + code}), nil
}

func (fakeOAuth) Refresh(_ context.Context, _ string, _, current types.CredentialBag) (types.CredentialBag, error) {
	return current, nil
}

type fixture struct {
	host     *Host
	handler  http.Handler
	store    *credstore.Memory
	provider *fakeProvider
	oauth    *oauth.Manager
}

func newFixture(t *testing.T, mutate ...func(*Config)) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{store: credstore.NewMemory(), provider: &fakeProvider{}}

	reg := invoke.NewRegistry()
	reg.MustRegister(echoAdapter{})

	f.oauth = oauth.NewManager(f.store, func(string) types.CredentialBag { return types.CredentialBag{} }, "https://host.test/v1/oauth/{provider}/callback", log)
	f.oauth.Register("linear", fakeOAuth{})

	cfg := Config{
		Registry:      reg,
		Invoker:       invoke.New(invoke.WithTransport(f.provider), invoke.WithLogger(log)),
		Credentials:   &Resolver{Store: f.store, OAuth: f.oauth},
		OAuth:         f.oauth,
		Keys:          auth.NewKeyStore("acme:pk-acme"),
		InternalToken: "internal-secret",
		Logger:        log,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	f.host = New(cfg)
	f.handler = f.host.Routes()
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

var acme = map[string]string{"X-API-Key": "pk-acme"}

func decodeStream(t *testing.T, rr *httptest.ResponseRecorder) []types.InvokeMessage {
	t.Helper()
	if ct := rr.Header().Get("Content-Type"); ct != ContentTypeNDJSON {
		t.Fatalf("content type=%q body=%s", ct, rr.Body.String())
	}
	var out []types.InvokeMessage
	sc := bufio.NewScanner(rr.Body)
	for sc.Scan() {
		var m types.InvokeMessage
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("decode line %q: %v", sc.Text(), err)
		}
		out = append(out, m)
	}
	return out
}

// ──────────────────────────────────────────────────────────────────────────────
// Adapters
// ──────────────────────────────────────────────────────────────────────────────

func TestListAdapters(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodGet, "/v1/adapters", nil, acme)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d body=%s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Adapters []struct {
			Name      string         `json:"name"`
			Provider  string         `json:"provider"`
			TimeoutMS int64          `json:"timeout_ms"`
			Params    map[string]any `json:"params"`
		} `json:"adapters"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Adapters) != 1 {
		t.Fatalf("expected 1 adapter, got %+v", resp.Adapters)
	}
	a := resp.Adapters[0]
	if a.Name != "echo.say" || a.Provider != "echo" || a.TimeoutMS != 15000 {
		t.Fatalf("unexpected adapter: %+v", a)
	}
	if _, ok := a.Params["properties"].(map[string]any)["text"]; !ok {
		t.Fatalf("params schema missing text: %v", a.Params)
	}
}

func TestInvoke_StreamsMessages(t *testing.T) {
	f := newFixture(t)
	if err := f.store.Put(context.Background(), "acme", "echo", types.NewCredentialBag(map[string]string{"api_key": "k1"})); err != nil {
		t.Fatal(err)
	}

	rr := f.do(t, http.MethodPost, "/v1/adapters/echo.say/invoke", []byte(`{"params":{"text":"hi"}}`), acme)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d body=%s", rr.Code, rr.Body.String())
	}
	msgs := decodeStream(t, rr)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %+v", msgs)
	}
	if msgs[0].Kind != types.KindText || msgs[0].Text != `Echoed "hi".` {
		t.Fatalf("unexpected summary: %+v", msgs[0])
	}
	if msgs[1].Kind != types.KindJSON || msgs[1].JSON.(map[string]any)["text"] != "hi" {
		t.Fatalf("unexpected payload: %+v", msgs[1])
	}
	if got := f.provider.seen(); len(got) != 1 || got[0] != "Bearer k1" {
		t.Fatalf("provider saw %v", got)
	}
}

func TestInvoke_MissingCredentialsIsOneErrorLine(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodPost, "/v1/adapters/echo.say/invoke", []byte(`{"params":{"text":"hi"}}`), acme)

	msgs := decodeStream(t, rr)
	if len(msgs) != 1 || !msgs[0].IsError {
		t.Fatalf("expected one error message, got %+v", msgs)
	}
	if msgs[0].Text != "Configuration error: missing credential: api_key." {
		t.Fatalf("unexpected text %q", msgs[0].Text)
	}
	if len(f.provider.seen()) != 0 {
		t.Fatal("provider must not be called")
	}
}

func TestInvoke_ValidationErrorIsOneErrorLine(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodPost, "/v1/adapters/echo.say/invoke", nil, acme)

	msgs := decodeStream(t, rr)
	if len(msgs) != 1 || msgs[0].Text != "text is required." {
		t.Fatalf("unexpected messages %+v", msgs)
	}
}

func TestInvoke_Rejects(t *testing.T) {
	f := newFixture(t)
	body := []byte(`{"params":{"text":"hi"}}`)

	cases := []struct {
		name    string
		path    string
		body    []byte
		headers map[string]string
		want    int
	}{
		{"no api key", "/v1/adapters/echo.say/invoke", body, nil, http.StatusUnauthorized},
		{"unknown adapter", "/v1/adapters/nope/invoke", body, acme, http.StatusNotFound},
		{"bad json", "/v1/adapters/echo.say/invoke", []byte(`{bad`), acme, http.StatusBadRequest},
		{"inline credentials", "/v1/adapters/echo.say/invoke", []byte(`{"params":{"text":"hi"},"credentials":{"api_key":"x"}}`), acme, http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := f.do(t, http.MethodPost, tc.path, tc.body, tc.headers)
			if rr.Code != tc.want {
				t.Fatalf("expected %d got %d body=%s", tc.want, rr.Code, rr.Body.String())
			}
		})
	}
}

func TestInvoke_InlineCredentialsWithInternalToken(t *testing.T) {
	f := newFixture(t)
	headers := map[string]string{"X-API-Key": "pk-acme", auth.InternalHeader: "internal-secret"}

	rr := f.do(t, http.MethodPost, "/v1/adapters/echo.say/invoke",
		[]byte(`{"params":{"text":"hi"},"credentials":{"api_key":"inline"}}`), headers)

	msgs := decodeStream(t, rr)
	if len(msgs) != 2 || msgs[0].IsError {
		t.Fatalf("unexpected messages %+v", msgs)
	}
	if got := f.provider.seen(); len(got) != 1 || got[0] != "Bearer inline" {
		t.Fatalf("provider saw %v", got)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Credentials
// ──────────────────────────────────────────────────────────────────────────────

type failingStore struct{}

func (failingStore) Get(context.Context, string, string) (types.CredentialBag, error) {
	return types.CredentialBag{}, errors.New("connection refused")
}

func (failingStore) Put(context.Context, string, string, types.CredentialBag) error {
	return errors.New("connection refused")
}

func TestResolver_Layers(t *testing.T) {
	file, err := config.ParseCredentials([]byte(`
system:
  echo:
    api_key: system-key
    region: eu
tenants:
  acme:
    echo:
      api_key: file-key
`))
	if err != nil {
		t.Fatal(err)
	}
	store := credstore.NewMemory()
	r := &Resolver{File: file, Store: store}
	ctx := context.Background()

	bag, err := r.Resolve(ctx, "acme", "echo")
	if err != nil {
		t.Fatal(err)
	}
	if bag.Get("api_key") != "file-key" || bag.Get("region") != "eu" {
		t.Fatalf("unexpected bag %v", bag.Map())
	}

	_ = store.Put(ctx, "acme", "echo", types.NewCredentialBag(map[string]string{"api_key": "stored-key"}))
	bag, _ = r.Resolve(ctx, "acme", "echo")
	if bag.Get("api_key") != "stored-key" || bag.Get("region") != "eu" {
		t.Fatalf("store should win: %v", bag.Map())
	}

	bag, _ = r.Resolve(ctx, "globex", "echo")
	if bag.Get("api_key") != "system-key" {
		t.Fatalf("system default expected: %v", bag.Map())
	}

	bag, err = r.Resolve(ctx, "acme", "unknown")
	if err != nil || bag.Len() != 0 {
		t.Fatalf("expected empty bag, got %v %v", bag.Map(), err)
	}
}

func TestInvoke_StoreFailureIsOneErrorLine(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Credentials = &Resolver{Store: failingStore{}} })

	rr := f.do(t, http.MethodPost, "/v1/adapters/echo.say/invoke", []byte(`{"params":{"text":"hi"}}`), acme)

	msgs := decodeStream(t, rr)
	if len(msgs) != 1 || !msgs[0].IsError {
		t.Fatalf("expected one error message, got %+v", msgs)
	}
	if strings.Contains(msgs[0].Text, "connection refused") {
		t.Fatalf("internal error leaked: %q", msgs[0].Text)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// OAuth
// ──────────────────────────────────────────────────────────────────────────────

func TestOAuthFlow(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodGet, "/v1/oauth/linear/authorize", nil, acme)
	if rr.Code != http.StatusOK {
		t.Fatalf("authorize status=%d body=%s", rr.Code, rr.Body.String())
	}
	var begin struct {
		AuthorizationURL string `json:"authorization_url"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&begin); err != nil {
		t.Fatal(err)
	}
	u, err := url.Parse(begin.AuthorizationURL)
	if err != nil {
		t.Fatal(err)
	}
	state := u.Query().Get("state")
	if state == "" {
		t.Fatalf("no state in %s", begin.AuthorizationURL)
	}
	if got := u.Query().Get("redirect_uri"); got != "https://host.test/v1/oauth/linear/callback" {
		t.Fatalf("redirect_uri = %q", got)
	}

	// The provider redirects the browser back without an API key.
	cb := "/v1/oauth/linear/callback?" + url.Values{"state": {state}, "code": {"c1"}}.Encode()
	rr = f.do(t, http.MethodGet, cb, nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("callback status=%d body=%s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), `"tenant_id":"acme"`) {
		t.Fatalf("unexpected body %s", rr.Body.String())
	}

	bag, err := f.store.Get(context.Background(), "acme", "linear")
	if err != nil || bag.Get(oauth.FieldAccessToken) != "tok-c1" {
		t.Fatalf("token not stored: %v %v", bag.Map(), err)
	}

	rr = f.do(t, http.MethodGet, cb, nil, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("state reuse: expected 400 got %d", rr.Code)
	}
}

func TestOAuth_UnknownProvider(t *testing.T) {
	f := newFixture(t)

	if rr := f.do(t, http.MethodGet, "/v1/oauth/echo/authorize", nil, acme); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rr.Code)
	}
	if rr := f.do(t, http.MethodGet, "/v1/oauth/echo/callback?state=s&code=c", nil, nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rr.Code)
	}
}

func TestOAuth_ExchangeFailure(t *testing.T) {
	f := newFixture(t)
	f.oauth.Register("linear", fakeOAuth{exchangeErr: &types.ProviderError{Provider: "linear", StatusCode: 400, Code: "invalid_grant", Message: "code expired"}})

	url0, err := f.oauth.Begin("acme", "linear")
	if err != nil {
		t.Fatal(err)
	}
	u, _ := url.Parse(url0)
	rr := f.do(t, http.MethodPost, "/v1/oauth/linear/callback",
		[]byte(url.Values{"state": {u.Query().Get("state")}, "code": {"c"}}.Encode()),
		map[string]string{"Content-Type": "application/x-www-form-urlencoded"})

	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 got %d body=%s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "code expired") {
		t.Fatalf("unexpected body %s", rr.Body.String())
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Health
// ──────────────────────────────────────────────────────────────────────────────

func TestHealthAndReady(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.Ready = func(context.Context) error { return errors.New("db down") }
	})

	if rr := f.do(t, http.MethodGet, "/healthz", nil, nil); rr.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rr.Code)
	}
	if rr := f.do(t, http.MethodGet, "/readyz", nil, nil); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz: %d", rr.Code)
	}
}
