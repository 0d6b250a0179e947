// Package attio queries Attio object records and list entries.
package attio

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/bturcanu/plugwire/pkg/invoke"
	"github.com/bturcanu/plugwire/pkg/normalize"
	"github.com/bturcanu/plugwire/pkg/params"
	"github.com/bturcanu/plugwire/pkg/request"
	"github.com/bturcanu/plugwire/pkg/transport"
	"github.com/bturcanu/plugwire/pkg/types"
)

const (
	Provider       = "attio"
	DefaultBaseURL = "https://api.attio.com/v2"
	// MaxLimit is the largest page Attio serves; larger limits are clamped.
	MaxLimit = 300
)

// RecordsList lists records of an object ("objects") or entries of a list
// ("lists").
type RecordsList struct {
	BaseURL string
}

// New returns the adapter pointed at the public Attio API.
func New() *RecordsList { return &RecordsList{BaseURL: DefaultBaseURL} }

func (a *RecordsList) Describe() invoke.Descriptor {
	return invoke.Descriptor{
		Name:        "attio.records.list",
		Provider:    Provider,
		Description: "List Attio records or list entries with an optional filter.",
		Params: params.Schema{Fields: []params.Field{
			{Name: "target", Kind: params.Enum, Enum: []string{"lists", "objects"}, Default: "objects"},
			{Name: "identifier", Kind: params.String, Required: true, Description: "Object or list slug or ID."},
			{Name: "limit", Kind: params.Int, Default: 50, Bounds: params.Between(1, MaxLimit, params.Clamp)},
			{Name: "offset", Kind: params.Int, Default: 0, Bounds: params.Between(0, 1_000_000, params.Clamp)},
			{Name: "filter", Kind: params.JSON, JSONSchema: json.RawMessage(`{"type":"object"}`)},
			{Name: "sorts", Kind: params.JSON, JSONSchema: json.RawMessage(`{"type":"array","items":{"type":"object"}}`)},
		}},
		Credentials: []string{"api_key"},
		Timeout:     30 * time.Second,
	}
}

func (a *RecordsList) Build(p params.Values, creds types.CredentialBag) (*request.Request, error) {
	base := a.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	id := url.PathEscape(p.String("identifier"))
	path := "objects/" + id + "/records/query"
	if p.String("target") == "lists" {
		path = "lists/" + id + "/entries/query"
	}
	body := map[string]any{
		"limit":  p.Int("limit"),
		"offset": p.Int("offset"),
	}
	if f := p.JSON("filter"); f != nil {
		body["filter"] = f
	}
	if s := p.JSON("sorts"); s != nil {
		body["sorts"] = s
	}
	req, err := request.NewJSON(http.MethodPost, request.JoinURL(base, path, nil), body)
	if err != nil {
		return nil, err
	}
	return req.Authorize(request.Bearer(creds.Get("api_key"))), nil
}

func (a *RecordsList) Normalize(p params.Values, resp *transport.Response) (*normalize.Output, error) {
	var res struct {
		Data []any `json:"data"`
	}
	if err := json.Unmarshal(resp.Body, &res); err != nil {
		return nil, fmt.Errorf("attio decode response: %w", err)
	}
	noun := "records"
	if p.String("target") == "lists" {
		noun = "entries"
	}
	items := normalize.List(normalize.SnakeKeys(res.Data).([]any))
	return normalize.NewOutput().
		Summary("Retrieved %d %s from %s.", len(items), noun, p.String("identifier")).
		Add(items), nil
}
