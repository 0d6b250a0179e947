package credstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bturcanu/plugwire/pkg/types"
)

func TestMemory(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if _, err := m.Get(ctx, "acme", "slack"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	src := map[string]string{"bot_token": "xoxb-1"}
	if err := m.Put(ctx, "acme", "slack", types.NewCredentialBag(src)); err != nil {
		t.Fatal(err)
	}
	src["bot_token"] = "mutated"

	bag, err := m.Get(ctx, "acme", "slack")
	if err != nil {
		t.Fatal(err)
	}
	if bag.Get("bot_token") != "xoxb-1" {
		t.Errorf("stored bag changed with its source map: %q", bag.Get("bot_token"))
	}
	if _, err := m.Get(ctx, "globex", "slack"); !errors.Is(err, ErrNotFound) {
		t.Error("tenants must be isolated")
	}
}

type countingStore struct {
	*Memory
	gets int
	fail bool
}

func (c *countingStore) Get(ctx context.Context, tenantID, provider string) (types.CredentialBag, error) {
	c.gets++
	return c.Memory.Get(ctx, tenantID, provider)
}

func (c *countingStore) Put(ctx context.Context, tenantID, provider string, bag types.CredentialBag) error {
	if c.fail {
		return errors.New("write failed")
	}
	return c.Memory.Put(ctx, tenantID, provider, bag)
}

func TestCached_HitsAndWriteThrough(t *testing.T) {
	ctx := context.Background()
	backing := &countingStore{Memory: NewMemory()}
	_ = backing.Memory.Put(ctx, "acme", "linear", types.NewCredentialBag(map[string]string{"access_token": "old"}))

	c := NewCached(backing, 16, time.Minute)
	for range 3 {
		bag, err := c.Get(ctx, "acme", "linear")
		if err != nil {
			t.Fatal(err)
		}
		if bag.Get("access_token") != "old" {
			t.Errorf("access_token = %q", bag.Get("access_token"))
		}
	}
	if backing.gets != 1 {
		t.Errorf("expected 1 backing read, got %d", backing.gets)
	}

	if err := c.Put(ctx, "acme", "linear", types.NewCredentialBag(map[string]string{"access_token": "new"})); err != nil {
		t.Fatal(err)
	}
	bag, _ := c.Get(ctx, "acme", "linear")
	if bag.Get("access_token") != "new" {
		t.Errorf("refreshed token not visible: %q", bag.Get("access_token"))
	}
	if backing.gets != 1 {
		t.Errorf("Put should refresh the cache, got %d backing reads", backing.gets)
	}
}

func TestCached_MissNotCached(t *testing.T) {
	ctx := context.Background()
	backing := &countingStore{Memory: NewMemory()}
	c := NewCached(backing, 16, time.Minute)

	for range 2 {
		if _, err := c.Get(ctx, "acme", "jira"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	}
	if backing.gets != 2 {
		t.Errorf("misses must reach the backing store, got %d reads", backing.gets)
	}
}

func TestCached_FailedPutEvicts(t *testing.T) {
	ctx := context.Background()
	backing := &countingStore{Memory: NewMemory()}
	_ = backing.Memory.Put(ctx, "acme", "jira", types.NewCredentialBag(map[string]string{"api_token": "a"}))
	c := NewCached(backing, 16, time.Minute)
	_, _ = c.Get(ctx, "acme", "jira")

	backing.fail = true
	if err := c.Put(ctx, "acme", "jira", types.NewCredentialBag(map[string]string{"api_token": "b"})); err == nil {
		t.Fatal("expected write error")
	}
	bag, _ := c.Get(ctx, "acme", "jira")
	if bag.Get("api_token") != "a" {
		t.Errorf("failed write must not be visible: %q", bag.Get("api_token"))
	}
	if backing.gets != 2 {
		t.Errorf("failed write should evict, got %d reads", backing.gets)
	}
}
