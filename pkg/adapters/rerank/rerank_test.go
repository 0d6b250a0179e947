package rerank

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bturcanu/plugwire/pkg/adapters/adaptertest"
	"github.com/bturcanu/plugwire/pkg/types"
)

const twoResults = `{"results":[
	{"index":1,"relevance_score":0.3,"document":{"text":"weak"}},
	{"index":0,"relevance_score":0.9,"document":{"text":"strong"}}
]}`

func TestDocuments_ScoreThreshold(t *testing.T) {
	srv := adaptertest.NewProvider(t, adaptertest.JSON(http.StatusOK, twoResults))

	msgs := adaptertest.Invoke(t, Documents{}, types.ParameterBag{
		"query":           "q",
		"documents":       []any{"strong", "weak"},
		"score_threshold": 0.5,
	}, map[string]string{"api_key": "k", "base_url": srv.URL + "/"})

	adaptertest.RequireSuccess(t, msgs)
	assert.Equal(t, "Kept 1 of 2 documents at score >= 0.5.", msgs[0].Text)
	assert.Equal(t, []any{map[string]any{"index": 0, "score": 0.9, "document": "strong"}}, msgs[1].JSON)
}

func TestDocuments_BaseURLGetsVersionSuffix(t *testing.T) {
	srv := adaptertest.NewProvider(t, adaptertest.JSON(http.StatusOK, twoResults))
	creds := map[string]string{"api_key": "k", "base_url": " " + srv.URL + "// "}

	adaptertest.Invoke(t, Documents{}, types.ParameterBag{"query": "q", "documents": `["a","b"]`}, creds)
	assert.Equal(t, "/v1/rerank", srv.Last(t).Path)

	creds["base_url"] = srv.URL + "/v1"
	adaptertest.Invoke(t, Documents{}, types.ParameterBag{"query": "q", "documents": `["a","b"]`}, creds)
	assert.Equal(t, "/v1/rerank", srv.Last(t).Path, "suffix is not doubled")
}

func TestScoped_DoesNotMutateCaller(t *testing.T) {
	bag := types.NewCredentialBag(map[string]string{"api_key": "k", "base_url": "https://r.test/"})
	c, err := scoped(bag)
	require.NoError(t, err)
	assert.Equal(t, "https://r.test/v1", c.Get("base_url"))
	assert.Equal(t, "https://r.test/", bag.Get("base_url"))
}

func TestDocuments_TopNClamped(t *testing.T) {
	srv := adaptertest.NewProvider(t, adaptertest.JSON(http.StatusOK, twoResults))

	adaptertest.Invoke(t, Documents{}, types.ParameterBag{
		"query": "q", "documents": []any{"a", "b"}, "top_n": 5000,
	}, map[string]string{"api_key": "k", "base_url": srv.URL})

	var body map[string]any
	require.NoError(t, json.Unmarshal(srv.Last(t).Body, &body))
	assert.Equal(t, float64(2), body["top_n"], "top_n never exceeds the document count")
	assert.Equal(t, "Bearer k", srv.Last(t).Header.Get("Authorization"))
}

func TestDocuments_SortsAndLimits(t *testing.T) {
	srv := adaptertest.NewProvider(t, adaptertest.JSON(http.StatusOK, `{"results":[
		{"index":0,"relevance_score":0.2,"document":"a"},
		{"index":1,"relevance_score":0.8,"document":"b"},
		{"index":2,"relevance_score":0.5,"document":"c"}
	]}`))

	msgs := adaptertest.Invoke(t, Documents{}, types.ParameterBag{
		"query": "q", "documents": []any{"a", "b", "c"}, "top_n": 2,
	}, map[string]string{"api_key": "k", "base_url": srv.URL})

	items := msgs[1].JSON.([]any)
	require.Len(t, items, 2)
	assert.Equal(t, "b", items[0].(map[string]any)["document"])
	assert.Equal(t, "c", items[1].(map[string]any)["document"])
}

func TestDocuments_EmptyDocumentsRejected(t *testing.T) {
	msgs := adaptertest.Invoke(t, Documents{}, types.ParameterBag{"query": "q", "documents": `[]`},
		map[string]string{"api_key": "k"})
	adaptertest.RequireError(t, msgs, "documents does not match the expected shape")
}

func TestDocuments_ErrorObjectIn200(t *testing.T) {
	srv := adaptertest.NewProvider(t, adaptertest.JSON(http.StatusOK, `{"error":{"type":"model_not_found","message":"unknown model"}}`))

	msgs := adaptertest.Invoke(t, Documents{}, types.ParameterBag{"query": "q", "documents": []any{"a"}},
		map[string]string{"api_key": "k", "base_url": srv.URL})

	adaptertest.RequireError(t, msgs, "rerank reported an error (model_not_found): unknown model")
}
