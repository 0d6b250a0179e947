// Package oauth obtains and refreshes provider tokens for tenants. Adapters
// only ever see the resulting credential bags.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/bturcanu/plugwire/pkg/types"
)

// Credential bag fields written by this package.
const (
	FieldAccessToken  = "access_token"
	FieldRefreshToken = "refresh_token"
	FieldTokenType    = "token_type"
	FieldExpiresAt    = "expires_at"
)

// Provider is the OAuth collaborator of one external system. system holds
// the host's client credentials for that system.
type Provider interface {
	AuthorizationURL(redirectURI string, system types.CredentialBag, state string) (string, error)
	Exchange(ctx context.Context, redirectURI string, system types.CredentialBag, code string) (types.CredentialBag, error)
	Refresh(ctx context.Context, redirectURI string, system, current types.CredentialBag) (types.CredentialBag, error)
}

// OAuth2 is an authorization-code Provider for standard OAuth 2.0 servers.
// The system bag must hold client_id and client_secret; auth_url and
// token_url in the bag override the struct defaults.
type OAuth2 struct {
	Name       string
	AuthURL    string
	TokenURL   string
	Scopes     []string
	AuthStyle  oauth2.AuthStyle
	HTTPClient *http.Client
	// AuthParams are extra query parameters for the consent URL, e.g.
	// access_type=offline.
	AuthParams map[string]string
}

func (o *OAuth2) config(redirectURI string, system types.CredentialBag) (*oauth2.Config, error) {
	if err := system.Require("client_id", "client_secret"); err != nil {
		return nil, err
	}
	authURL, tokenURL := o.AuthURL, o.TokenURL
	if v, ok := system.Lookup("auth_url"); ok {
		authURL = v
	}
	if v, ok := system.Lookup("token_url"); ok {
		tokenURL = v
	}
	if authURL == "" || tokenURL == "" {
		return nil, &types.ConfigurationError{Fields: []string{"auth_url", "token_url"}, Reason: "missing OAuth endpoint"}
	}
	return &oauth2.Config{
		ClientID:     system.Get("client_id"),
		ClientSecret: system.Get("client_secret"),
		Endpoint: oauth2.Endpoint{
			AuthURL:   authURL,
			TokenURL:  tokenURL,
			AuthStyle: o.AuthStyle,
		},
		RedirectURL: redirectURI,
		Scopes:      o.Scopes,
	}, nil
}

func (o *OAuth2) ctx(ctx context.Context) context.Context {
	if o.HTTPClient != nil {
		return context.WithValue(ctx, oauth2.HTTPClient, o.HTTPClient)
	}
	return ctx
}

func (o *OAuth2) AuthorizationURL(redirectURI string, system types.CredentialBag, state string) (string, error) {
	cfg, err := o.config(redirectURI, system)
	if err != nil {
		return "", err
	}
	opts := make([]oauth2.AuthCodeOption, 0, len(o.AuthParams))
	for k, v := range o.AuthParams {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}
	return cfg.AuthCodeURL(state, opts...), nil
}

func (o *OAuth2) Exchange(ctx context.Context, redirectURI string, system types.CredentialBag, code string) (types.CredentialBag, error) {
	cfg, err := o.config(redirectURI, system)
	if err != nil {
		return types.CredentialBag{}, err
	}
	tok, err := cfg.Exchange(o.ctx(ctx), code)
	if err != nil {
		return types.CredentialBag{}, o.classify(err)
	}
	return tokenBag(types.CredentialBag{}, tok), nil
}

func (o *OAuth2) Refresh(ctx context.Context, redirectURI string, system, current types.CredentialBag) (types.CredentialBag, error) {
	cfg, err := o.config(redirectURI, system)
	if err != nil {
		return types.CredentialBag{}, err
	}
	rt, ok := current.Lookup(FieldRefreshToken)
	if !ok {
		return types.CredentialBag{}, &types.ConfigurationError{Fields: []string{FieldRefreshToken}, Reason: "token expired and cannot be refreshed"}
	}
	tok, err := cfg.TokenSource(o.ctx(ctx), &oauth2.Token{RefreshToken: rt}).Token()
	if err != nil {
		return types.CredentialBag{}, o.classify(err)
	}
	return tokenBag(current, tok), nil
}

func (o *OAuth2) classify(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		pe := &types.ProviderError{Provider: o.Name, Code: re.ErrorCode, Message: re.ErrorDescription}
		if re.Response != nil {
			pe.StatusCode = re.Response.StatusCode
		}
		return pe
	}
	return &types.ConnectionFault{Provider: o.Name, Err: err}
}

// tokenBag layers tok over base, keeping base's refresh token when the
// server did not rotate it.
func tokenBag(base types.CredentialBag, tok *oauth2.Token) types.CredentialBag {
	out := base.With(FieldAccessToken, tok.AccessToken)
	if tok.RefreshToken != "" {
		out = out.With(FieldRefreshToken, tok.RefreshToken)
	}
	tt := tok.TokenType
	if tt == "" {
		tt = "Bearer"
	}
	out = out.With(FieldTokenType, tt)
	if !tok.Expiry.IsZero() {
		out = out.With(FieldExpiresAt, tok.Expiry.UTC().Format(time.RFC3339))
	} else {
		out = out.With(FieldExpiresAt, "")
	}
	return out
}

// ExpiresAt parses the expires_at field. ok is false when the token has no
// known expiry.
func ExpiresAt(bag types.CredentialBag) (t time.Time, ok bool) {
	v, present := bag.Lookup(FieldExpiresAt)
	if !present {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func errUnknownProvider(name string) error {
	return fmt.Errorf("oauth: unknown provider %q", name)
}
