// Package invoke runs adapters through the invocation pipeline: validate
// parameters, build the request, call the provider once, check and normalize
// the response, and emit messages as a lazy stream.
package invoke

import (
	"context"
	"time"

	"github.com/bturcanu/plugwire/pkg/normalize"
	"github.com/bturcanu/plugwire/pkg/params"
	"github.com/bturcanu/plugwire/pkg/request"
	"github.com/bturcanu/plugwire/pkg/transport"
	"github.com/bturcanu/plugwire/pkg/types"
)

const (
	// MinTimeout and MaxTimeout bound the per-call deadline an adapter may ask for.
	MinTimeout = 10 * time.Second
	MaxTimeout = 120 * time.Second
)

// Descriptor is the static description of an adapter.
type Descriptor struct {
	Name        string        `json:"name"`
	Provider    string        `json:"provider"`
	Description string        `json:"description"`
	Params      params.Schema `json:"-"`
	// Credentials lists the credential fields that must be present before the
	// request is built.
	Credentials []string      `json:"credentials,omitempty"`
	Timeout     time.Duration `json:"-"`
}

// Adapter binds one provider operation to the pipeline.
type Adapter interface {
	Describe() Descriptor
	// Build turns validated parameters and credentials into one request. It
	// must not perform I/O.
	Build(p params.Values, creds types.CredentialBag) (*request.Request, error)
	// Normalize maps a response that already passed normalize.Check into
	// output messages.
	Normalize(p params.Values, resp *transport.Response) (*normalize.Output, error)
}

// TransportProvider is implemented by adapters that talk to their provider
// through something other than plain HTTP, e.g. an SDK client or SMTP.
type TransportProvider interface {
	Transport(creds types.CredentialBag) (transport.Transport, error)
}

// Follower is implemented by adapters whose first response only starts a job.
// Follow performs a bounded number of follow-up calls on tr and returns the
// response to normalize.
type Follower interface {
	Follow(ctx context.Context, p params.Values, creds types.CredentialBag, tr transport.Transport, first *transport.Response) (*transport.Response, error)
}

// FailureRuler adds provider-specific embedded-failure rules on top of
// normalize.DefaultRules.
type FailureRuler interface {
	FailureRules() []normalize.FailureRule
}

// ClampTimeout bounds d to [MinTimeout, MaxTimeout]. Zero stays zero so the
// transport default applies.
func ClampTimeout(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return 0
	case d < MinTimeout:
		return MinTimeout
	case d > MaxTimeout:
		return MaxTimeout
	}
	return d
}
