package credstore

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/bturcanu/plugwire/pkg/types"
)

// Cached fronts a Store with an expiring LRU. Put writes through and
// refreshes the cache, so a refreshed token is visible to the next Get.
// Misses are not cached.
type Cached struct {
	next  Store
	cache *expirable.LRU[key, types.CredentialBag]
}

// NewCached wraps next with a cache of size entries living for ttl.
func NewCached(next Store, size int, ttl time.Duration) *Cached {
	return &Cached{
		next:  next,
		cache: expirable.NewLRU[key, types.CredentialBag](size, nil, ttl),
	}
}

func (c *Cached) Get(ctx context.Context, tenantID, provider string) (types.CredentialBag, error) {
	k := key{tenantID, provider}
	if bag, ok := c.cache.Get(k); ok {
		return bag, nil
	}
	bag, err := c.next.Get(ctx, tenantID, provider)
	if err != nil {
		return types.CredentialBag{}, err
	}
	c.cache.Add(k, bag)
	return bag, nil
}

func (c *Cached) Put(ctx context.Context, tenantID, provider string, bag types.CredentialBag) error {
	k := key{tenantID, provider}
	if err := c.next.Put(ctx, tenantID, provider, bag); err != nil {
		c.cache.Remove(k)
		return err
	}
	c.cache.Add(k, bag)
	return nil
}

// Invalidate drops a cached entry.
func (c *Cached) Invalidate(tenantID, provider string) {
	c.cache.Remove(key{tenantID, provider})
}
