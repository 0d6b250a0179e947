// Package all wires every built-in adapter into a registry.
package all

import (
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
	"github.com/bturcanu/plugwire/pkg/invoke"
	"github.com/bturcanu/plugwire/pkg/oauth"
)

// Adapters returns a fresh instance of every built-in adapter.
func Adapters() []invoke.Adapter {
	out := []invoke.Adapter{
		attio.New(),
		comfyui.New(),
		&email.Send{},
		jira.IssueCreate{},
		jira.IssueSearch{},
		linear.New(),
		rerank.Documents{},
		search.New(),
		slack.New(),
		tts.Speech{},
	}
	return append(out, s3.Adapters(nil)...)
}

// Registry returns a registry holding Adapters.
func Registry() *invoke.Registry {
	r := invoke.NewRegistry()
	r.MustRegister(Adapters()...)
	return r
}

// RegisterOAuth adds the providers that connect through an OAuth flow.
func RegisterOAuth(m *oauth.Manager) {
	m.Register(linear.Provider, linear.OAuth())
}
