package search

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bturcanu/plugwire/pkg/adapters/adaptertest"
	"github.com/bturcanu/plugwire/pkg/types"
)

var keyCreds = map[string]string{"api_key": "tvly-1"}

func TestWeb_SummaryThenPayload(t *testing.T) {
	long := strings.Repeat("word ", 200)
	srv := adaptertest.NewProvider(t, adaptertest.JSON(http.StatusOK, `{
		"query":"go iterators",
		"answer":"Go 1.23 added <b>range-over-func</b>.",
		"results":[
			{"title":"Range <em>over</em> func","url":"https://go.dev/blog/range-functions","content":"<p>`+long+`</p>","score":0.91,"publishedDate":"2024-08-20"},
			{"title":"iter package","url":"https://pkg.go.dev/iter","content":"Package iter","score":0.7}
		]}`))

	msgs := adaptertest.Invoke(t, &Web{BaseURL: srv.URL}, types.ParameterBag{
		"query": "go iterators", "content_chars": 100, "include_domains": `["go.dev"]`,
	}, keyCreds)

	require.Len(t, msgs, 2)
	assert.Equal(t, types.KindText, msgs[0].Kind)
	assert.Equal(t, "Go 1.23 added range-over-func.", msgs[0].Text)
	assert.Equal(t, types.KindJSON, msgs[1].Kind)

	payload := msgs[1].JSON.(map[string]any)
	results := payload["results"].([]any)
	require.Len(t, results, 2)
	first := results[0].(map[string]any)
	assert.Equal(t, "Range over func", first["title"])
	assert.Equal(t, "2024-08-20", first["published_date"])
	assert.NotContains(t, first, "publishedDate")
	content := first["content"].(string)
	assert.LessOrEqual(t, len([]rune(content)), 100)
	assert.True(t, strings.HasSuffix(content, "..."))
	assert.NotContains(t, content, "<p>")

	var sent map[string]any
	require.NoError(t, json.Unmarshal(srv.Last(t).Body, &sent))
	assert.Equal(t, []any{"go.dev"}, sent["include_domains"])
	assert.Equal(t, "basic", sent["search_depth"])
	assert.Equal(t, "Bearer tvly-1", srv.Last(t).Header.Get("Authorization"))
}

func TestWeb_NoAnswer(t *testing.T) {
	srv := adaptertest.NewProvider(t, adaptertest.JSON(http.StatusOK, `{"results":[{"title":"a","url":"u","content":"c","score":1}]}`))

	msgs := adaptertest.Invoke(t, &Web{BaseURL: srv.URL}, types.ParameterBag{"query": "x", "include_answer": "false"}, keyCreds)

	require.Len(t, msgs, 2)
	assert.Equal(t, `Found 1 results for "x".`, msgs[0].Text)
	assert.NotContains(t, msgs[1].JSON.(map[string]any), "answer")
}

func TestWeb_MaxResultsClamped(t *testing.T) {
	srv := adaptertest.NewProvider(t, adaptertest.JSON(http.StatusOK, `{"results":[]}`))

	msgs := adaptertest.Invoke(t, &Web{BaseURL: srv.URL}, types.ParameterBag{"query": "x", "max_results": 99}, keyCreds)

	assert.Equal(t, `No results for "x".`, msgs[0].Text)
	var sent map[string]any
	require.NoError(t, json.Unmarshal(srv.Last(t).Body, &sent))
	assert.Equal(t, float64(20), sent["max_results"])
}

func TestWeb_InvalidDepth(t *testing.T) {
	msgs := adaptertest.Invoke(t, New(), types.ParameterBag{"query": "x", "search_depth": "deep"}, keyCreds)
	adaptertest.RequireError(t, msgs, "search_depth must be one of: basic, advanced")
}

func TestWeb_Unauthorized(t *testing.T) {
	srv := adaptertest.NewProvider(t, adaptertest.JSON(http.StatusUnauthorized, `{"detail":{"error":"Unauthorized: missing or invalid API key."}}`))

	msgs := adaptertest.Invoke(t, &Web{BaseURL: srv.URL}, types.ParameterBag{"query": "x"}, keyCreds)

	adaptertest.RequireError(t, msgs, "tavily returned HTTP 401")
}
