// Package jira provides Jira Cloud adapters: issue.create and issue.search.
// Credentials: base_url (site URL), email, api_token (HTTP basic).
package jira

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bturcanu/plugwire/pkg/invoke"
	"github.com/bturcanu/plugwire/pkg/normalize"
	"github.com/bturcanu/plugwire/pkg/params"
	"github.com/bturcanu/plugwire/pkg/request"
	"github.com/bturcanu/plugwire/pkg/transport"
	"github.com/bturcanu/plugwire/pkg/types"
)

// Provider is the credential-store key and display name.
const Provider = "jira"

var credentials = []string{"base_url", "email", "api_token"}

func authorize(req *request.Request, creds types.CredentialBag) *request.Request {
	return req.Authorize(request.Basic(creds.Get("email"), creds.Get("api_token")))
}

// ──────────────────────────────────────────────────────────────────────────────
// issue.create
// ──────────────────────────────────────────────────────────────────────────────

// IssueCreate creates an issue in a project.
type IssueCreate struct{}

var labelsSchema = json.RawMessage(`{"type":"array","items":{"type":"string","minLength":1}}`)

func (IssueCreate) Describe() invoke.Descriptor {
	return invoke.Descriptor{
		Name:        "jira.issue.create",
		Provider:    Provider,
		Description: "Create a Jira issue.",
		Params: params.Schema{Fields: []params.Field{
			{Name: "project", Kind: params.String, Required: true, Description: "Project key, e.g. OPS."},
			{Name: "summary", Kind: params.String, Required: true},
			{Name: "description", Kind: params.String},
			{Name: "issue_type", Kind: params.String, Default: "Task"},
			{Name: "labels", Kind: params.JSON, JSONSchema: labelsSchema},
		}},
		Credentials: credentials,
		Timeout:     30 * time.Second,
	}
}

func (IssueCreate) Build(p params.Values, creds types.CredentialBag) (*request.Request, error) {
	base, err := request.NormalizeBaseURL(creds.Get("base_url"), "")
	if err != nil {
		return nil, err
	}
	fields := map[string]any{
		"project":   map[string]string{"key": strings.ToUpper(p.String("project"))},
		"summary":   p.String("summary"),
		"issuetype": map[string]string{"name": p.String("issue_type")},
	}
	if d := p.String("description"); d != "" {
		fields["description"] = document(d)
	}
	if labels, ok := p.JSON("labels").([]any); ok && len(labels) > 0 {
		fields["labels"] = labels
	}
	req, err := request.NewJSON(http.MethodPost, request.JoinURL(base, "/rest/api/3/issue", nil), map[string]any{"fields": fields})
	if err != nil {
		return nil, err
	}
	return authorize(req, creds), nil
}

// document wraps plain text in an Atlassian Document Format paragraph per line.
func document(text string) map[string]any {
	var content []any
	for line := range strings.SplitSeq(text, "\n") {
		para := map[string]any{"type": "paragraph"}
		if line != "" {
			para["content"] = []any{map[string]any{"type": "text", "text": line}}
		}
		content = append(content, para)
	}
	return map[string]any{"type": "doc", "version": 1, "content": content}
}

func (IssueCreate) Normalize(_ params.Values, resp *transport.Response) (*normalize.Output, error) {
	var created struct {
		ID   string `json:"id"`
		Key  string `json:"key"`
		Self string `json:"self"`
	}
	if err := json.Unmarshal(resp.Body, &created); err != nil {
		return nil, fmt.Errorf("jira decode created issue: %w", err)
	}
	return normalize.NewOutput().
		Summary("Created Jira issue %s.", created.Key).
		Add(normalize.Object{
			"id":  created.ID,
			"key": created.Key,
			"url": browseURL(created.Self, created.Key),
		}), nil
}

// browseURL derives the human URL from the REST self link.
func browseURL(self, key string) string {
	i := strings.Index(self, "/rest/")
	if i < 0 || key == "" {
		return ""
	}
	return self[:i] + "/browse/" + key
}

// ──────────────────────────────────────────────────────────────────────────────
// issue.search
// ──────────────────────────────────────────────────────────────────────────────

// IssueSearch runs a JQL query.
type IssueSearch struct{}

func (IssueSearch) Describe() invoke.Descriptor {
	return invoke.Descriptor{
		Name:        "jira.issue.search",
		Provider:    Provider,
		Description: "Search Jira issues with JQL.",
		Params: params.Schema{Fields: []params.Field{
			{Name: "jql", Kind: params.String, Required: true},
			{Name: "max_results", Kind: params.Int, Default: 20, Bounds: params.Between(1, 100, params.Clamp)},
		}},
		Credentials: credentials,
		Timeout:     30 * time.Second,
	}
}

func (IssueSearch) Build(p params.Values, creds types.CredentialBag) (*request.Request, error) {
	base, err := request.NormalizeBaseURL(creds.Get("base_url"), "")
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("jql", p.String("jql"))
	q.Set("maxResults", fmt.Sprint(p.Int("max_results")))
	q.Set("fields", "summary,status,assignee,priority,updated")
	req := request.New(http.MethodGet, request.JoinURL(base, "/rest/api/3/search/jql", q))
	req.Header.Set("Accept", "application/json")
	return authorize(req, creds), nil
}

type searchResult struct {
	Issues []struct {
		Key    string `json:"key"`
		Fields struct {
			Summary string `json:"summary"`
			Updated string `json:"updated"`
			Status  *struct {
				Name string `json:"name"`
			} `json:"status"`
			Assignee *struct {
				DisplayName string `json:"displayName"`
			} `json:"assignee"`
			Priority *struct {
				Name string `json:"name"`
			} `json:"priority"`
		} `json:"fields"`
	} `json:"issues"`
}

func (IssueSearch) Normalize(p params.Values, resp *transport.Response) (*normalize.Output, error) {
	var res searchResult
	if err := json.Unmarshal(resp.Body, &res); err != nil {
		return nil, fmt.Errorf("jira decode search: %w", err)
	}
	items := make(normalize.List, 0, len(res.Issues))
	for _, is := range res.Issues {
		item := map[string]any{
			"key":     is.Key,
			"summary": normalize.Truncate(is.Fields.Summary, 200),
			"updated": is.Fields.Updated,
		}
		if is.Fields.Status != nil {
			item["status"] = is.Fields.Status.Name
		}
		if is.Fields.Assignee != nil {
			item["assignee"] = is.Fields.Assignee.DisplayName
		}
		if is.Fields.Priority != nil {
			item["priority"] = is.Fields.Priority.Name
		}
		items = append(items, item)
	}
	out := normalize.NewOutput()
	if len(items) == 0 {
		out.Summary("No Jira issues matched %q.", p.String("jql"))
	} else {
		out.Summary("Found %d Jira issues.", len(items))
	}
	return out.Add(items), nil
}
