// Package linear creates Linear issues over the GraphQL API.
package linear

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/bturcanu/plugwire/pkg/invoke"
	"github.com/bturcanu/plugwire/pkg/normalize"
	"github.com/bturcanu/plugwire/pkg/oauth"
	"github.com/bturcanu/plugwire/pkg/params"
	"github.com/bturcanu/plugwire/pkg/request"
	"github.com/bturcanu/plugwire/pkg/transport"
	"github.com/bturcanu/plugwire/pkg/types"
)

const (
	Provider        = "linear"
	DefaultEndpoint = "https://api.linear.app/graphql"
)

// OAuth returns the authorization-code provider for Linear workspaces.
func OAuth() *oauth.OAuth2 {
	return &oauth.OAuth2{
		Name:       Provider,
		AuthURL:    "https://linear.app/oauth/authorize",
		TokenURL:   "https://api.linear.app/oauth/token",
		Scopes:     []string{"read", "write"},
		AuthParams: map[string]string{"prompt": "consent"},
	}
}

const issueCreateMutation = `mutation IssueCreate($input: IssueCreateInput!) {
  issueCreate(input: $input) {
    success
    issue { id identifier title url priority }
  }
}`

// IssueCreate creates an issue in a team. Priority outside [0,4] is
// rejected, not clamped: the scale is semantic.
type IssueCreate struct {
	Endpoint string
}

// New returns the adapter pointed at the public Linear API.
func New() *IssueCreate { return &IssueCreate{Endpoint: DefaultEndpoint} }

func (l *IssueCreate) Describe() invoke.Descriptor {
	return invoke.Descriptor{
		Name:        "linear.issue.create",
		Provider:    Provider,
		Description: "Create a Linear issue.",
		Params: params.Schema{Fields: []params.Field{
			{Name: "team_id", Kind: params.String, Required: true},
			{Name: "title", Kind: params.String, Required: true},
			{Name: "description", Kind: params.String, Description: "Markdown."},
			{Name: "priority", Kind: params.Int, Bounds: params.Between(0, 4, params.Reject),
				Description: "0 none, 1 urgent, 2 high, 3 medium, 4 low."},
		}},
		Timeout: 20 * time.Second,
	}
}

func (l *IssueCreate) Build(p params.Values, creds types.CredentialBag) (*request.Request, error) {
	input := map[string]any{
		"teamId": p.String("team_id"),
		"title":  p.String("title"),
	}
	if d := p.String("description"); d != "" {
		input["description"] = d
	}
	if p.Has("priority") {
		input["priority"] = p.Int("priority")
	}
	endpoint := l.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	req, err := request.NewJSON(http.MethodPost, endpoint, map[string]any{
		"query":     issueCreateMutation,
		"variables": map[string]any{"input": input},
	})
	if err != nil {
		return nil, err
	}

	// OAuth tokens use the Bearer scheme; personal API keys are sent bare.
	if tok, ok := creds.Lookup(oauth.FieldAccessToken); ok {
		return req.Authorize(request.Bearer(tok)), nil
	}
	key, err := request.Credential(creds, "api_key")
	if err != nil {
		return nil, err
	}
	return req.Authorize(request.APIKeyHeader("Authorization", key)), nil
}

// FailureRules flags {"data":{"issueCreate":{"success":false}}}.
func (l *IssueCreate) FailureRules() []normalize.FailureRule {
	return []normalize.FailureRule{func(body map[string]any) (*types.ProviderError, bool) {
		data, _ := body["data"].(map[string]any)
		ic, _ := data["issueCreate"].(map[string]any)
		if ok, isBool := ic["success"].(bool); isBool && !ok {
			return &types.ProviderError{Message: "issue was not created"}, true
		}
		return nil, false
	}}
}

func (l *IssueCreate) Normalize(_ params.Values, resp *transport.Response) (*normalize.Output, error) {
	var res struct {
		Data struct {
			IssueCreate struct {
				Issue struct {
					ID         string  `json:"id"`
					Identifier string  `json:"identifier"`
					Title      string  `json:"title"`
					URL        string  `json:"url"`
					Priority   float64 `json:"priority"`
				} `json:"issue"`
			} `json:"issueCreate"`
		} `json:"data"`
	}
	if err := json.Unmarshal(resp.Body, &res); err != nil {
		return nil, fmt.Errorf("linear decode response: %w", err)
	}
	is := res.Data.IssueCreate.Issue
	return normalize.NewOutput().
		Summary("Created Linear issue %s: %s", is.Identifier, is.Title).
		Add(normalize.Object{
			"id":         is.ID,
			"identifier": is.Identifier,
			"title":      is.Title,
			"url":        is.URL,
			"priority":   is.Priority,
		}), nil
}
