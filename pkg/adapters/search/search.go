// Package search runs web searches through the Tavily API.
package search

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
	Provider       = "tavily"
	DefaultBaseURL = "https://api.tavily.com"
)

var domainsSchema = json.RawMessage(`{"type":"array","items":{"type":"string","minLength":1}}`)

// Web searches the web and returns a summary line followed by the results.
type Web struct {
	BaseURL string
}

// New returns the adapter pointed at the public Tavily API.
func New() *Web { return &Web{BaseURL: DefaultBaseURL} }

func (w *Web) Describe() invoke.Descriptor {
	return invoke.Descriptor{
		Name:        "search.web",
		Provider:    Provider,
		Description: "Search the web.",
		Params: params.Schema{Fields: []params.Field{
			{Name: "query", Kind: params.String, Required: true},
			{Name: "max_results", Kind: params.Int, Default: 5, Bounds: params.Between(1, 20, params.Clamp)},
			{Name: "search_depth", Kind: params.Enum, Enum: []string{"basic", "advanced"}, Default: "basic"},
			{Name: "time_range", Kind: params.Enum, Enum: []string{"day", "week", "month", "year"}},
			{Name: "include_answer", Kind: params.Bool, Default: true},
			{Name: "include_domains", Kind: params.JSON, JSONSchema: domainsSchema},
			{Name: "exclude_domains", Kind: params.JSON, JSONSchema: domainsSchema},
			{Name: "content_chars", Kind: params.Int, Default: 500, Bounds: params.Between(50, 4000, params.Clamp),
				Description: "Maximum characters kept per result snippet."},
		}},
		Credentials: []string{"api_key"},
		Timeout:     30 * time.Second,
	}
}

func (w *Web) Build(p params.Values, creds types.CredentialBag) (*request.Request, error) {
	base := w.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	body := map[string]any{
		"query":          p.String("query"),
		"max_results":    p.Int("max_results"),
		"search_depth":   p.String("search_depth"),
		"include_answer": p.Bool("include_answer"),
	}
	if tr := p.String("time_range"); tr != "" {
		body["time_range"] = tr
	}
	for _, k := range []string{"include_domains", "exclude_domains"} {
		if v := p.JSON(k); v != nil {
			body[k] = v
		}
	}
	req, err := request.NewJSON(http.MethodPost, request.JoinURL(base, "search", nil), body)
	if err != nil {
		return nil, err
	}
	return req.Authorize(request.Bearer(creds.Get("api_key"))), nil
}

func (w *Web) Normalize(p params.Values, resp *transport.Response) (*normalize.Output, error) {
	var res struct {
		Query   string           `json:"query"`
		Answer  string           `json:"answer"`
		Results []map[string]any `json:"results"`
	}
	if err := json.Unmarshal(resp.Body, &res); err != nil {
		return nil, fmt.Errorf("tavily decode response: %w", err)
	}

	limit := int(p.Int("content_chars"))
	results := make([]any, 0, len(res.Results))
	for _, r := range normalize.TopN(res.Results, int(p.Int("max_results"))) {
		item := normalize.SnakeKeys(normalize.Pick(r, "title", "url", "content", "score", "publishedDate", "published_date")).(map[string]any)
		if c, ok := item["content"].(string); ok {
			item["content"] = normalize.Truncate(normalize.StripHTML(c), limit)
		}
		if t, ok := item["title"].(string); ok {
			item["title"] = normalize.StripHTML(t)
		}
		results = append(results, item)
	}

	out := normalize.NewOutput()
	switch {
	case res.Answer != "":
		out.Summary("%s", normalize.StripHTML(res.Answer))
	case len(results) == 0:
		out.Summary("No results for %q.", p.String("query"))
	default:
		out.Summary("Found %d results for %q.", len(results), p.String("query"))
	}
	payload := normalize.Object{"query": p.String("query"), "results": results}
	if res.Answer != "" {
		payload["answer"] = res.Answer
	}
	return out.Add(payload), nil
}
