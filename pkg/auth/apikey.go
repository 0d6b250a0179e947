package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
)

// KeyStore maps hashed host API keys to tenant IDs. Thread-safe.
// Only SHA-256 hashes are kept in memory.
type KeyStore struct {
	mu   sync.RWMutex
	keys map[string]string // SHA-256(apiKey) → tenantID
}

// NewKeyStore parses a comma-separated "tenant:key" list.
// Example: "acme:pk-abc,globex:pk-def"
func NewKeyStore(raw string) *KeyStore {
	ks := &KeyStore{keys: make(map[string]string)}
	for pair := range strings.SplitSeq(raw, ",") {
		tenant, key, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok {
			continue
		}
		ks.Add(strings.TrimSpace(tenant), strings.TrimSpace(key))
	}
	return ks
}

// Add registers key for tenant. Empty values are ignored.
func (ks *KeyStore) Add(tenantID, apiKey string) {
	if tenantID == "" || apiKey == "" {
		return
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.keys[hashKey(apiKey)] = tenantID
}

// Lookup returns the tenant ID for an API key.
func (ks *KeyStore) Lookup(apiKey string) (tenantID string, ok bool) {
	if apiKey == "" {
		return "", false
	}
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	tenantID, ok = ks.keys[hashKey(apiKey)]
	return
}

// Len reports the number of registered keys.
func (ks *KeyStore) Len() int {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return len(ks.keys)
}

func hashKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}
