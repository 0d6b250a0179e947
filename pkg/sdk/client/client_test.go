package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bturcanu/plugwire/pkg/auth"
	"github.com/bturcanu/plugwire/pkg/host"
	"github.com/bturcanu/plugwire/pkg/invoke"
	"github.com/bturcanu/plugwire/pkg/normalize"
	"github.com/bturcanu/plugwire/pkg/params"
	"github.com/bturcanu/plugwire/pkg/request"
	"github.com/bturcanu/plugwire/pkg/transport"
	"github.com/bturcanu/plugwire/pkg/types"
)

type pixel struct{}

func (pixel) Describe() invoke.Descriptor {
	return invoke.Descriptor{
		Name:        "paint.pixel",
		Provider:    "paint",
		Description: "Render one pixel.",
		Params: params.Schema{Fields: []params.Field{
			{Name: "color", Kind: params.Enum, Enum: []string{"red", "blue"}, Required: true},
		}},
		Credentials: []string{"api_key"},
	}
}

func (pixel) Build(p params.Values, creds types.CredentialBag) (*request.Request, error) {
	return request.New(http.MethodGet, "https://paint.test/"+p.String("color")).Authorize(request.Bearer(creds.Get("api_key"))), nil
}

func (pixel) Normalize(p params.Values, resp *transport.Response) (*normalize.Output, error) {
	return normalize.NewOutput().
		Summary("Painted %s.", p.String("color")).
		Add(normalize.Blob{Data: resp.Body, MimeType: "image/png", Filename: "pixel.png"}).
		Variable("color", p.String("color")), nil
}

var png = []byte("\x89PNG\r\n\x1a\n")

func newGateway(t *testing.T) *httptest.Server {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := invoke.NewRegistry()
	reg.MustRegister(pixel{})
	tr := transport.Func(func(_ context.Context, req *request.Request) (*transport.Response, error) {
		if req.Header.Get("Authorization") != "Bearer inline" {
			return &transport.Response{StatusCode: http.StatusUnauthorized, Body: []byte(`{"message":"bad key"}`)}, nil
		}
		return &transport.Response{StatusCode: http.StatusOK, Header: http.Header{"Content-Type": {"image/png"}}, Body: png}, nil
	})
	h := host.New(host.Config{
		Registry:      reg,
		Invoker:       invoke.New(invoke.WithTransport(tr), invoke.WithLogger(log)),
		Keys:          auth.NewKeyStore("acme:pk-acme"),
		InternalToken: "internal",
		Logger:        log,
	})
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)
	return srv
}

func TestAdapters(t *testing.T) {
	srv := newGateway(t)

	list, err := New(srv.URL, "pk-acme").Adapters(context.Background())

	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "paint.pixel", list[0].Name)
	assert.Equal(t, []string{"api_key"}, list[0].Credentials)
}

func TestInvoke_DecodesStream(t *testing.T) {
	srv := newGateway(t)
	c := New(srv.URL, "pk-acme", WithInternalToken("internal"))

	msgs, err := c.Invoke(context.Background(), "paint.pixel", types.ParameterBag{"color": "red"}, map[string]string{"api_key": "inline"})

	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "Painted red.", msgs[0].Text)
	assert.Equal(t, types.KindBlob, msgs[1].Kind)
	assert.Equal(t, png, msgs[1].Blob)
	assert.Equal(t, "pixel.png", msgs[1].Filename)
	assert.Equal(t, "color", msgs[2].Name)
	assert.Equal(t, "red", msgs[2].Value)
}

func TestInvoke_FailureIsOneErrorMessage(t *testing.T) {
	srv := newGateway(t)
	c := New(srv.URL, "pk-acme", WithInternalToken("internal"))

	msgs, err := c.Invoke(context.Background(), "paint.pixel", types.ParameterBag{"color": "green"}, map[string]string{"api_key": "inline"})

	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].IsError)
	assert.Contains(t, msgs[0].Text, "color")
}

func TestInvoke_GatewayErrors(t *testing.T) {
	srv := newGateway(t)

	_, err := New(srv.URL, "wrong").Invoke(context.Background(), "paint.pixel", nil, nil)
	var apiErr *types.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.HTTPCode)

	_, err = New(srv.URL, "pk-acme").Invoke(context.Background(), "paint.pixel", nil, map[string]string{"api_key": "inline"})
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "FORBIDDEN", apiErr.Code)
}

func TestStream_StopsEarly(t *testing.T) {
	srv := newGateway(t)
	c := New(srv.URL, "pk-acme", WithInternalToken("internal"))

	var seen int
	for m, err := range c.Stream(context.Background(), "paint.pixel", types.ParameterBag{"color": "blue"}, map[string]string{"api_key": "inline"}) {
		require.NoError(t, err)
		seen++
		if m.Kind == types.KindText {
			break
		}
	}
	assert.Equal(t, 1, seen)
}

func TestStream_BadLine(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", host.ContentTypeNDJSON)
		_, _ = io.WriteString(w, `{"type":"text","text":"ok"}`+"\n"+`{broken`+"\n")
	}))
	t.Cleanup(srv.Close)

	msgs, err := New(srv.URL, "k").Invoke(context.Background(), "x", nil, nil)

	require.Error(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "ok", msgs[0].Text)
}
