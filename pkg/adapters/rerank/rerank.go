// Package rerank scores documents against a query with a rerank endpoint
// (Jina/Cohere style POST /v1/rerank).
package rerank

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cast"

	"github.com/bturcanu/plugwire/pkg/invoke"
	"github.com/bturcanu/plugwire/pkg/normalize"
	"github.com/bturcanu/plugwire/pkg/params"
	"github.com/bturcanu/plugwire/pkg/request"
	"github.com/bturcanu/plugwire/pkg/transport"
	"github.com/bturcanu/plugwire/pkg/types"
)

const (
	Provider       = "rerank"
	DefaultBaseURL = "https://api.jina.ai"
	DefaultModel   = "jina-reranker-v2-base-multilingual"
	MaxTopN        = 100
)

var documentsSchema = json.RawMessage(`{"type":"array","minItems":1,"items":{"type":"string"}}`)

// Documents reranks a list of documents.
type Documents struct{}

func (Documents) Describe() invoke.Descriptor {
	return invoke.Descriptor{
		Name:        "rerank.documents",
		Provider:    Provider,
		Description: "Rerank documents by relevance to a query.",
		Params: params.Schema{Fields: []params.Field{
			{Name: "query", Kind: params.String, Required: true},
			{Name: "documents", Kind: params.JSON, Required: true, JSONSchema: documentsSchema},
			{Name: "model", Kind: params.String, Default: DefaultModel},
			{Name: "top_n", Kind: params.Int, Default: 10, Bounds: params.Between(1, MaxTopN, params.Clamp)},
			{Name: "score_threshold", Kind: params.Float, Default: 0.0, Bounds: params.Between(0, 1, params.Clamp)},
		}},
		Credentials: []string{"api_key"},
		Timeout:     30 * time.Second,
	}
}

// scoped returns a copy of creds whose base_url is normalized and carries
// the /v1 suffix. The caller's bag is left untouched.
func scoped(creds types.CredentialBag) (types.CredentialBag, error) {
	raw := creds.Get("base_url")
	if raw == "" {
		raw = DefaultBaseURL
	}
	base, err := request.NormalizeBaseURL(raw, "/v1")
	if err != nil {
		return types.CredentialBag{}, err
	}
	return creds.With("base_url", base), nil
}

func (Documents) Build(p params.Values, creds types.CredentialBag) (*request.Request, error) {
	c, err := scoped(creds)
	if err != nil {
		return nil, err
	}
	docs, _ := p.JSON("documents").([]any)
	topN := min(int(p.Int("top_n")), len(docs))
	req, err := request.NewJSON(http.MethodPost, request.JoinURL(c.Get("base_url"), "rerank", nil), map[string]any{
		"model":            p.String("model"),
		"query":            p.String("query"),
		"documents":        docs,
		"top_n":            topN,
		"return_documents": true,
	})
	if err != nil {
		return nil, err
	}
	return req.Authorize(request.Bearer(c.Get("api_key"))), nil
}

func (Documents) Normalize(p params.Values, resp *transport.Response) (*normalize.Output, error) {
	var res struct {
		Results []map[string]any `json:"results"`
	}
	if err := json.Unmarshal(resp.Body, &res); err != nil {
		return nil, fmt.Errorf("rerank decode response: %w", err)
	}
	threshold := p.Float("score_threshold")
	kept := normalize.FilterByScore(res.Results, "relevance_score", threshold)
	normalize.SortByScore(kept, "relevance_score")
	kept = normalize.TopN(kept, int(p.Int("top_n")))

	items := make(normalize.List, 0, len(kept))
	for _, r := range kept {
		items = append(items, map[string]any{
			"index":    cast.ToInt(r["index"]),
			"score":    cast.ToFloat64(r["relevance_score"]),
			"document": documentText(r["document"]),
		})
	}
	return normalize.NewOutput().
		Summary("Kept %d of %d documents at score >= %g.", len(items), len(res.Results), threshold).
		Add(items), nil
}

// documentText accepts both {"text": "..."} and bare string documents.
func documentText(v any) string {
	switch d := v.(type) {
	case string:
		return d
	case map[string]any:
		return cast.ToString(d["text"])
	}
	return ""
}
