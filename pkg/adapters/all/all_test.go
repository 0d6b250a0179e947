package all

import (
	"maps"
	"net/http"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bturcanu/plugwire/pkg/adapters/adaptertest"
	"github.com/bturcanu/plugwire/pkg/adapters/attio"
	"github.com/bturcanu/plugwire/pkg/adapters/comfyui"
	"github.com/bturcanu/plugwire/pkg/adapters/email"
	"github.com/bturcanu/plugwire/pkg/adapters/jira"
	"github.com/bturcanu/plugwire/pkg/adapters/linear"
	"github.com/bturcanu/plugwire/pkg/adapters/rerank"
	"github.com/bturcanu/plugwire/pkg/adapters/s3"
	"github.com/bturcanu/plugwire/pkg/adapters/search"
	"github.com/bturcanu/plugwire/pkg/adapters/slack"
	"github.com/bturcanu/plugwire/pkg/adapters/tts"
	"github.com/bturcanu/plugwire/pkg/credstore"
	"github.com/bturcanu/plugwire/pkg/invoke"
	"github.com/bturcanu/plugwire/pkg/oauth"
	"github.com/bturcanu/plugwire/pkg/types"
)

func TestRegistry_EveryAdapter(t *testing.T) {
	r := Registry()

	var names []string
	for _, d := range r.List() {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{
		"attio.records.list",
		"comfyui.image.generate",
		"email.send",
		"jira.issue.create",
		"jira.issue.search",
		"linear.issue.create",
		"rerank.documents",
		"s3.object.get",
		"s3.object.put",
		"s3.objects.list",
		"search.web",
		"slack.message.post",
		"tts.speech",
	}, names)
}

func TestDescriptors_WellFormed(t *testing.T) {
	for _, d := range Registry().List() {
		t.Run(d.Name, func(t *testing.T) {
			assert.NotEmpty(t, d.Provider)
			assert.Equal(t, strings.ToLower(d.Provider), d.Provider, "provider names double as credential keys")
			assert.NotEmpty(t, d.Description)
			assert.NotEmpty(t, d.Params.Fields)
			assert.Equal(t, d.Timeout, invoke.ClampTimeout(d.Timeout), "declared timeout is within bounds")
			assert.NotEmpty(t, d.Params.JSONSchema())
		})
	}
}

func TestRegisterOAuth(t *testing.T) {
	m := oauth.NewManager(credstore.NewMemory(), func(string) types.CredentialBag { return types.CredentialBag{} }, "http://localhost/cb", nil)
	RegisterOAuth(m)
	require.True(t, m.Handles("linear"))
	assert.False(t, m.Handles("jira"))
}

// ─── Contract sweep ─────────────────────────────────────────────────────────

// validParams passes validation for each adapter.
var validParams = map[string]types.ParameterBag{
	"attio.records.list":     {"identifier": "people"},
	"comfyui.image.generate": {"workflow": `{"3": {"class_type": "KSampler", "inputs": {"seed": 1}}}`},
	"email.send":             {"to": "a@example.com", "subject": "hi", "body": "**hello**"},
	"jira.issue.create":      {"project": "OPS", "summary": "Disk full"},
	"jira.issue.search":      {"jql": "project = OPS"},
	"linear.issue.create":    {"team_id": "t1", "title": "Disk full"},
	"rerank.documents":       {"query": "go", "documents": `["a", "b"]`},
	"s3.object.get":          {"key": "a.txt", "bucket": "b"},
	"s3.object.put":          {"key": "a.txt", "content": "hi", "bucket": "b"},
	"s3.objects.list":        {"bucket": "b"},
	"search.web":             {"query": "go generics"},
	"slack.message.post":     {"channel": "C1", "text": "hi"},
	"tts.speech":             {"text": "hello"},
}

// sdkAdapters talk to SMTP or an object store rather than to an HTTP provider.
var sdkAdapters = []string{"email.send", "s3.object.get", "s3.object.put", "s3.objects.list"}

// pointedAt returns every built-in adapter with HTTP endpoints aimed at base,
// plus credentials satisfying all of them.
func pointedAt(base string) (*invoke.Registry, map[string]string) {
	r := invoke.NewRegistry()
	r.MustRegister(
		&attio.RecordsList{BaseURL: base},
		comfyui.New(),
		&email.Send{},
		jira.IssueCreate{},
		jira.IssueSearch{},
		&linear.IssueCreate{Endpoint: base},
		rerank.Documents{},
		&search.Web{BaseURL: base},
		&slack.MessagePost{BaseURL: base},
		tts.Speech{},
	)
	r.MustRegister(s3.Adapters(nil)...)
	creds := map[string]string{
		"base_url":   base,
		"api_key":    "k",
		"api_token":  "t",
		"bot_token":  "xoxb-1",
		"email":      "bot@example.com",
		"host":       "127.0.0.1",
		"port":       "1",
		"endpoint":   strings.TrimPrefix(base, "http://"),
		"access_key": "ak",
		"secret_key": "sk",
	}
	return r, creds
}

func TestEveryAdapter_MissingRequiredFieldIsOneError(t *testing.T) {
	srv := adaptertest.NewProvider(t, adaptertest.JSON(http.StatusOK, `{}`))
	reg, creds := pointedAt(srv.URL)

	for _, d := range Registry().List() {
		a, ok := reg.Get(d.Name)
		require.True(t, ok, "%s not covered by the sweep", d.Name)
		valid, ok := validParams[d.Name]
		require.True(t, ok, "%s has no valid parameters", d.Name)

		for _, f := range d.Params.Fields {
			if !f.Required {
				continue
			}
			t.Run(d.Name+"/"+f.Name, func(t *testing.T) {
				bag := maps.Clone(valid)
				delete(bag, f.Name)

				msgs := adaptertest.Invoke(t, a, bag, creds)

				adaptertest.RequireError(t, msgs, f.Name+" is required.")
			})
		}
	}
	assert.Empty(t, srv.Requests(), "validation failures must not reach the provider")
}

func TestEveryHTTPAdapter_StatusErrorIn200IsOneError(t *testing.T) {
	srv := adaptertest.NewProvider(t, adaptertest.JSON(http.StatusOK, `{"status": "error", "message": "quota exhausted"}`))
	reg, creds := pointedAt(srv.URL)

	for _, d := range Registry().List() {
		if slices.Contains(sdkAdapters, d.Name) {
			continue
		}
		t.Run(d.Name, func(t *testing.T) {
			a, ok := reg.Get(d.Name)
			require.True(t, ok)
			before := len(srv.Requests())

			msgs := adaptertest.Invoke(t, a, validParams[d.Name], creds)

			adaptertest.RequireError(t, msgs, d.Provider+" reported an error: quota exhausted")
			assert.Len(t, srv.Requests(), before+1, "exactly one provider call")
		})
	}
}
