// Package client calls a plugwire gateway over HTTP.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/bturcanu/plugwire/pkg/host"
	"github.com/bturcanu/plugwire/pkg/invoke"
	"github.com/bturcanu/plugwire/pkg/types"
)

// maxLineBytes bounds one streamed message; blobs arrive base64-encoded.
const maxLineBytes = 64 << 20

type Client struct {
	baseURL       string
	apiKey        string
	internalToken string
	httpClient    *http.Client
}

type Option func(*Client)

// WithInternalToken lets Invoke send inline credentials.
func WithInternalToken(token string) Option {
	return func(c *Client) { c.internalToken = token }
}

// WithHTTPClient replaces the default client. Its timeout must exceed the
// longest adapter deadline.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: invoke.MaxTimeout + 15*time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Adapters lists the adapters the gateway serves.
func (c *Client) Adapters(ctx context.Context) ([]host.AdapterInfo, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/adapters", http.NoBody)
	if err != nil {
		return nil, err
	}
	c.authorize(httpReq)
	var resp struct {
		Adapters []host.AdapterInfo `json:"adapters"`
	}
	if err := c.doJSON(httpReq, &resp); err != nil {
		return nil, err
	}
	return resp.Adapters, nil
}

// Invoke runs adapter with params and collects its messages. creds is sent
// inline and requires WithInternalToken; pass nil to use the gateway's
// stored credentials.
func (c *Client) Invoke(ctx context.Context, adapter string, params types.ParameterBag, creds map[string]string) ([]types.InvokeMessage, error) {
	var out []types.InvokeMessage
	for m, err := range c.Stream(ctx, adapter, params, creds) {
		if err != nil {
			return out, err
		}
		out = append(out, m)
	}
	return out, nil
}

// Stream is Invoke yielding each message as its line arrives. A transport
// or decode failure is yielded once as the error and ends the sequence.
func (c *Client) Stream(ctx context.Context, adapter string, params types.ParameterBag, creds map[string]string) iter.Seq2[types.InvokeMessage, error] {
	return func(yield func(types.InvokeMessage, error) bool) {
		body, err := json.Marshal(host.InvokeRequest{Params: params, Credentials: creds})
		if err != nil {
			yield(types.InvokeMessage{}, err)
			return
		}
		u := c.baseURL + "/v1/adapters/" + url.PathEscape(adapter) + "/invoke"
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
		if err != nil {
			yield(types.InvokeMessage{}, err)
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", host.ContentTypeNDJSON)
		httpReq.Header.Set("X-Request-Id", uuid.NewString())
		c.authorize(httpReq)

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			yield(types.InvokeMessage{}, err)
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			yield(types.InvokeMessage{}, apiError(resp))
			return
		}

		sc := bufio.NewScanner(resp.Body)
		sc.Buffer(make([]byte, 0, 64<<10), maxLineBytes)
		for sc.Scan() {
			if len(bytes.TrimSpace(sc.Bytes())) == 0 {
				continue
			}
			var m types.InvokeMessage
			if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
				yield(types.InvokeMessage{}, fmt.Errorf("decode message: %w", err))
				return
			}
			if !yield(m, nil) {
				return
			}
		}
		if err := sc.Err(); err != nil {
			yield(types.InvokeMessage{}, fmt.Errorf("read stream: %w", err))
		}
	}
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("X-API-Key", c.apiKey)
	if c.internalToken != "" {
		req.Header.Set("X-Internal-Token", c.internalToken)
	}
}

func (c *Client) doJSON(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apiError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return err
	}
	return nil
}

func apiError(resp *http.Response) error {
	var apiErr types.APIError
	if decodeErr := json.NewDecoder(resp.Body).Decode(&apiErr); decodeErr == nil && apiErr.Message != "" {
		apiErr.HTTPCode = resp.StatusCode
		return &apiErr
	}
	return fmt.Errorf("http status %d", resp.StatusCode)
}
