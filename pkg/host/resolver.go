package host

import (
	"context"
	"errors"
	"fmt"

	"github.com/bturcanu/plugwire/pkg/config"
	"github.com/bturcanu/plugwire/pkg/credstore"
	"github.com/bturcanu/plugwire/pkg/oauth"
	"github.com/bturcanu/plugwire/pkg/types"
)

// Resolver finds the credential bag a tenant's invocation runs with. Any of
// its sources may be nil.
//
// OAuth-managed providers read from the manager, which refreshes expiring
// tokens. Every other provider layers, lowest first: the system entry of the
// credentials file, the tenant entry of the file, the credential store.
type Resolver struct {
	File  *config.Credentials
	Store credstore.Store
	OAuth *oauth.Manager
}

// Resolve returns the merged bag. A provider with no credentials anywhere
// yields an empty bag; the adapter reports which fields are missing.
func (r *Resolver) Resolve(ctx context.Context, tenantID, provider string) (types.CredentialBag, error) {
	if r.OAuth != nil && r.OAuth.Handles(provider) {
		bag, err := r.OAuth.Credentials(ctx, tenantID, provider)
		if errors.Is(err, credstore.ErrNotFound) {
			return types.CredentialBag{}, nil
		}
		return bag, err
	}

	bag := r.File.SystemBag(provider)
	if tb, ok := r.File.TenantBag(tenantID, provider); ok {
		bag = bag.Merge(tb)
	}
	if r.Store == nil {
		return bag, nil
	}
	stored, err := r.Store.Get(ctx, tenantID, provider)
	switch {
	case err == nil:
		return bag.Merge(stored), nil
	case errors.Is(err, credstore.ErrNotFound):
		return bag, nil
	default:
		return types.CredentialBag{}, fmt.Errorf("host.Resolve: %w", err)
	}
}
