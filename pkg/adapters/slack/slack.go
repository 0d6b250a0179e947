// Package slack posts messages through the Slack Web API.
package slack

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/bturcanu/plugwire/pkg/invoke"
	"github.com/bturcanu/plugwire/pkg/normalize"
	"github.com/bturcanu/plugwire/pkg/params"
	"github.com/bturcanu/plugwire/pkg/request"
	"github.com/bturcanu/plugwire/pkg/transport"
	"github.com/bturcanu/plugwire/pkg/types"
)

const (
	Provider       = "slack"
	DefaultBaseURL = "https://slack.com/api"
)

// MessagePost posts a message to a channel. Slack answers HTTP 200 with
// {"ok": false, "error": "..."} on failure; the pipeline's embedded-failure
// check turns that into an error.
type MessagePost struct {
	BaseURL string
}

// New returns the adapter pointed at the public Slack API.
func New() *MessagePost { return &MessagePost{BaseURL: DefaultBaseURL} }

func (m *MessagePost) Describe() invoke.Descriptor {
	return invoke.Descriptor{
		Name:        "slack.message.post",
		Provider:    Provider,
		Description: "Post a message to a Slack channel.",
		Params: params.Schema{Fields: []params.Field{
			{Name: "channel", Kind: params.String, Required: true, Description: "Channel ID or #name."},
			{Name: "text", Kind: params.String, Required: true},
			{Name: "thread_ts", Kind: params.String},
			{Name: "unfurl_links", Kind: params.Bool, Default: false},
		}},
		Credentials: []string{"bot_token"},
		Timeout:     15 * time.Second,
	}
}

func (m *MessagePost) Build(p params.Values, creds types.CredentialBag) (*request.Request, error) {
	base := m.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	body := map[string]any{
		"channel":      p.String("channel"),
		"text":         p.String("text"),
		"unfurl_links": p.Bool("unfurl_links"),
	}
	if ts := p.String("thread_ts"); ts != "" {
		body["thread_ts"] = ts
	}
	req, err := request.NewJSON(http.MethodPost, request.JoinURL(base, "chat.postMessage", nil), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	return req.Authorize(request.Bearer(creds.Get("bot_token"))), nil
}

func (m *MessagePost) Normalize(p params.Values, resp *transport.Response) (*normalize.Output, error) {
	var posted struct {
		Channel string `json:"channel"`
		TS      string `json:"ts"`
	}
	if err := json.Unmarshal(resp.Body, &posted); err != nil {
		return nil, fmt.Errorf("slack decode response: %w", err)
	}
	out := normalize.NewOutput().
		Summary("Posted message to %s.", p.String("channel")).
		Add(normalize.Object{"channel": posted.Channel, "ts": posted.TS})
	return out.Variable("message_ts", posted.TS), nil
}
