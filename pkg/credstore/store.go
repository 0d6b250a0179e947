// Package credstore persists per-tenant provider credentials.
package credstore

import (
	"context"
	"errors"
	"sync"

	"github.com/bturcanu/plugwire/pkg/types"
)

// ErrNotFound is returned when a tenant has no credentials for a provider.
var ErrNotFound = errors.New("credentials not found")

// Store loads and saves credential bags. Bags are values; callers never share
// mutable state with the store.
type Store interface {
	Get(ctx context.Context, tenantID, provider string) (types.CredentialBag, error)
	Put(ctx context.Context, tenantID, provider string, bag types.CredentialBag) error
}

type key struct{ tenant, provider string }

// Memory is an in-process Store.
type Memory struct {
	mu   sync.RWMutex
	bags map[key]types.CredentialBag
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{bags: make(map[key]types.CredentialBag)}
}

func (m *Memory) Get(_ context.Context, tenantID, provider string) (types.CredentialBag, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bag, ok := m.bags[key{tenantID, provider}]
	if !ok {
		return types.CredentialBag{}, ErrNotFound
	}
	return bag, nil
}

func (m *Memory) Put(_ context.Context, tenantID, provider string, bag types.CredentialBag) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bags[key{tenantID, provider}] = types.NewCredentialBag(bag.Map())
	return nil
}
