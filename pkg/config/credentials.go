package config

import (
	"fmt"
	"maps"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/bturcanu/plugwire/pkg/types"
)

// Credentials is the provider credentials file. Values may reference
// environment variables as ${NAME}.
//
//	system:
//	  linear:
//	    client_id: ...
//	    client_secret: ${LINEAR_CLIENT_SECRET}
//	tenants:
//	  acme:
//	    jira:
//	      base_url: https://acme.atlassian.net
//	      email: bot@acme.test
//	      api_token: ${ACME_JIRA_TOKEN}
type Credentials struct {
	System  map[string]map[string]string            `yaml:"system"`
	Tenants map[string]map[string]map[string]string `yaml:"tenants"`
}

// LoadCredentials reads and expands a credentials file.
func LoadCredentials(path string) (*Credentials, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credentials file: %w", err)
	}
	return ParseCredentials(raw)
}

// ParseCredentials decodes a credentials document.
func ParseCredentials(raw []byte) (*Credentials, error) {
	var c Credentials
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("parse credentials file: %w", err)
	}
	for _, fields := range c.System {
		expand(fields)
	}
	for _, providers := range c.Tenants {
		for _, fields := range providers {
			expand(fields)
		}
	}
	return &c, nil
}

func expand(fields map[string]string) {
	for k, v := range fields {
		fields[k] = os.ExpandEnv(v)
	}
}

// SystemBag returns the system-level (OAuth client) credentials of provider.
func (c *Credentials) SystemBag(provider string) types.CredentialBag {
	if c == nil {
		return types.CredentialBag{}
	}
	return types.NewCredentialBag(c.System[provider])
}

// TenantBag returns a tenant's credentials for provider.
func (c *Credentials) TenantBag(tenant, provider string) (types.CredentialBag, bool) {
	if c == nil {
		return types.CredentialBag{}, false
	}
	fields, ok := c.Tenants[tenant][provider]
	if !ok {
		return types.CredentialBag{}, false
	}
	return types.NewCredentialBag(fields), true
}

// TenantNames returns the configured tenants, sorted.
func (c *Credentials) TenantNames() []string {
	if c == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(c.Tenants))
}

// ProviderNames returns the providers configured for tenant, sorted.
func (c *Credentials) ProviderNames(tenant string) []string {
	if c == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(c.Tenants[tenant]))
}
