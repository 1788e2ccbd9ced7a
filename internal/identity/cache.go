package identity

import (
	"context"
	"errors"
	"time"

	"github.com/coocood/freecache"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/singleflight"
)

type tierEntry struct {
	Tier int `msgpack:"t"`
}

// CachedProvider caches TierOf lookups in an in-process freecache and
// collapses concurrent misses with singleflight. EligiblePool is never
// cached: each selection needs a fresh snapshot.
type CachedProvider struct {
	next  Provider
	cache *freecache.Cache
	ttl   int
	group singleflight.Group
}

// NewCachedProvider wraps next. sizeBytes below 512KiB is raised by freecache.
func NewCachedProvider(next Provider, sizeBytes int, ttl time.Duration) *CachedProvider {
	seconds := int(ttl / time.Second)
	if seconds <= 0 {
		seconds = 30
	}
	return &CachedProvider{next: next, cache: freecache.NewCache(sizeBytes), ttl: seconds}
}

// EligiblePool implements Provider.
func (c *CachedProvider) EligiblePool(ctx context.Context, criteria Criteria) ([]string, error) {
	return c.next.EligiblePool(ctx, criteria)
}

// TierOf implements Provider.
func (c *CachedProvider) TierOf(ctx context.Context, agentID string) (int, error) {
	key := []byte("tier:" + agentID)
	if raw, err := c.cache.Get(key); err == nil {
		var entry tierEntry
		if msgpack.Unmarshal(raw, &entry) == nil {
			return entry.Tier, nil
		}
	} else if !errors.Is(err, freecache.ErrNotFound) {
		return 0, err
	}

	v, err, _ := c.group.Do(agentID, func() (interface{}, error) {
		tier, err := c.next.TierOf(ctx, agentID)
		if err != nil {
			return 0, err
		}
		if raw, err := msgpack.Marshal(tierEntry{Tier: tier}); err == nil {
			_ = c.cache.Set(key, raw, c.ttl)
		}
		return tier, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

// Invalidate drops a cached tier, e.g. after a tier change notification.
func (c *CachedProvider) Invalidate(agentID string) {
	c.cache.Del([]byte("tier:" + agentID))
}

var _ Provider = (*CachedProvider)(nil)
