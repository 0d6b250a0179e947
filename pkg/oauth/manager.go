package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/bturcanu/plugwire/pkg/credstore"
	"github.com/bturcanu/plugwire/pkg/types"
)

// ErrInvalidState is returned by Complete for an unknown or expired state.
var ErrInvalidState = errors.New("oauth: invalid or expired state")

// SystemFunc returns the host's client credentials for a provider.
type SystemFunc func(provider string) types.CredentialBag

type pending struct {
	tenantID string
	provider string
}

// Manager connects tenants to OAuth providers and keeps their tokens fresh.
type Manager struct {
	store       credstore.Store
	system      SystemFunc
	redirectURI string
	log         *slog.Logger

	mu        sync.Mutex
	providers map[string]Provider
	states    *expirable.LRU[string, pending]
	refreshMu sync.Map // tenant/provider → *sync.Mutex

	// Skew refreshes tokens this long before they expire.
	Skew time.Duration
	now  func() time.Time
}

// NewManager creates a Manager. redirectURI is the host callback URL
// registered with every provider; a "{provider}" placeholder in it is replaced
// by the provider name.
func NewManager(store credstore.Store, system SystemFunc, redirectURI string, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		store:       store,
		system:      system,
		redirectURI: redirectURI,
		log:         log,
		providers:   make(map[string]Provider),
		states:      expirable.NewLRU[string, pending](1024, nil, 10*time.Minute),
		Skew:        time.Minute,
		now:         time.Now,
	}
}

// Register makes p available under name.
func (m *Manager) Register(name string, p Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[name] = p
}

// Handles reports whether provider is OAuth-managed.
func (m *Manager) Handles(provider string) bool {
	_, ok := m.provider(provider)
	return ok
}

func (m *Manager) provider(name string) (Provider, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.providers[name]
	return p, ok
}

func (m *Manager) redirect(provider string) string {
	return strings.ReplaceAll(m.redirectURI, "{provider}", provider)
}

// Begin starts an authorization for tenantID and returns the consent URL.
func (m *Manager) Begin(tenantID, provider string) (string, error) {
	p, ok := m.provider(provider)
	if !ok {
		return "", errUnknownProvider(provider)
	}
	state := uuid.NewString()
	u, err := p.AuthorizationURL(m.redirect(provider), m.system(provider), state)
	if err != nil {
		return "", err
	}
	m.states.Add(state, pending{tenantID: tenantID, provider: provider})
	return u, nil
}

// Complete exchanges code for tokens and stores them for the tenant that
// started the flow. A state can be used once.
func (m *Manager) Complete(ctx context.Context, provider, state, code string) (tenantID string, err error) {
	pend, ok := m.states.Peek(state)
	if !ok || pend.provider != provider || !m.states.Remove(state) {
		return "", ErrInvalidState
	}

	p, ok := m.provider(provider)
	if !ok {
		return "", errUnknownProvider(provider)
	}
	bag, err := p.Exchange(ctx, m.redirect(provider), m.system(provider), code)
	if err != nil {
		return "", err
	}
	if err := m.store.Put(ctx, pend.tenantID, provider, bag); err != nil {
		return "", fmt.Errorf("oauth store tokens: %w", err)
	}
	m.log.InfoContext(ctx, "oauth connected", "tenant_id", pend.tenantID, "provider", provider, "credentials", bag)
	return pend.tenantID, nil
}

// Credentials returns the tenant's bag for provider, refreshing an OAuth
// token that expires within Skew and writing the new bag back. Non-OAuth
// providers are read straight from the store.
func (m *Manager) Credentials(ctx context.Context, tenantID, provider string) (types.CredentialBag, error) {
	bag, err := m.store.Get(ctx, tenantID, provider)
	if err != nil {
		return types.CredentialBag{}, err
	}
	p, ok := m.provider(provider)
	if !ok || !m.expiring(bag) {
		return bag, nil
	}

	lock := m.refreshLock(tenantID, provider)
	lock.Lock()
	defer lock.Unlock()

	// Another caller may have refreshed while we waited.
	if bag, err = m.store.Get(ctx, tenantID, provider); err != nil {
		return types.CredentialBag{}, err
	}
	if !m.expiring(bag) {
		return bag, nil
	}

	fresh, err := p.Refresh(ctx, m.redirect(provider), m.system(provider), bag)
	if err != nil {
		m.log.WarnContext(ctx, "oauth refresh failed", "tenant_id", tenantID, "provider", provider, "error", err)
		return types.CredentialBag{}, err
	}
	if err := m.store.Put(ctx, tenantID, provider, fresh); err != nil {
		return types.CredentialBag{}, fmt.Errorf("oauth store refreshed tokens: %w", err)
	}
	m.log.InfoContext(ctx, "oauth token refreshed", "tenant_id", tenantID, "provider", provider)
	return fresh, nil
}

func (m *Manager) expiring(bag types.CredentialBag) bool {
	exp, ok := ExpiresAt(bag)
	return ok && !m.now().Add(m.Skew).Before(exp)
}

func (m *Manager) refreshLock(tenantID, provider string) *sync.Mutex {
	v, _ := m.refreshMu.LoadOrStore(tenantID+"/"+provider, &sync.Mutex{})
	return v.(*sync.Mutex)
}
