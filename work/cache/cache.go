// Package cache holds recent resolution results per channel. Entries expire after a
// fixed TTL; when the capacity bound is reached otter evicts by W-TinyLFU, which stands
// in for plain least-recently-used eviction.
package cache

import (
	"context"
	"time"

	"github.com/maypok86/otter/v2"
	"golang.org/x/sync/singleflight"

	"freesky-proxy/work/logger"
	"freesky-proxy/work/metrics"
	"freesky-proxy/work/types"
)

// ResolveFunc produces a fresh result for a channel on a cache miss.
type ResolveFunc func(ctx context.Context, channelID string) types.Result

// Cache provides a short-lived, capacity-bounded store of resolution results keyed by
// channel id. Concurrent misses for the same channel share one resolution.
type Cache struct {
	entries *otter.Cache[string, cacheEntry] // bounded storage, evicts on overflow
	flight  singleflight.Group               // one in-flight resolution per channel
	resolve ResolveFunc                      // coordinator call made on a miss
	ttl     time.Duration                    // how long an entry may be served
	now     func() time.Time
}

// cacheEntry represents a single cached result with its insertion time.
type cacheEntry struct {
	result     types.Result
	insertedAt time.Time
}

// NewCache creates a cache in front of resolve.
//
// Parameters:
//   - resolve: called on a miss, at most once at a time per channel
//   - ttl: how long a result is served before it is resolved again
//   - capacity: maximum number of channels held
//
// Returns:
//   - *Cache: ready for use
func NewCache(resolve ResolveFunc, ttl time.Duration, capacity int) *Cache {
	if capacity <= 0 {
		capacity = 100
	}
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &Cache{
		entries: otter.Must(&otter.Options[string, cacheEntry]{
			MaximumSize:      capacity,
			ExpiryCalculator: otter.ExpiryWriting[string, cacheEntry](ttl),
		}),
		resolve: resolve,
		ttl:     ttl,
		now:     time.Now,
	}
}

// GetOrResolve returns the cached result for channelID or resolves it. A miss re-checks
// the cache inside the shared flight, so a caller that queued behind a finished
// resolution is served from the cache instead of resolving again. Only servable
// results are stored. A caller whose ctx ends while waiting gets a cancelled or timeout
// failure; the shared resolution keeps running for the others.
func (c *Cache) GetOrResolve(ctx context.Context, channelID string) types.Result {
	if res, ok := c.lookup(channelID); ok {
		metrics.CacheRequests.WithLabelValues("hit").Inc()
		return res
	}

	ch := c.flight.DoChan(channelID, func() (any, error) {
		if res, ok := c.lookup(channelID); ok {
			metrics.CacheRequests.WithLabelValues("hit").Inc()
			return res, nil
		}
		metrics.CacheRequests.WithLabelValues("miss").Inc()

		res := c.resolve(context.WithoutCancel(ctx), channelID)
		if res.OK() {
			c.entries.Set(channelID, cacheEntry{result: res, insertedAt: c.now()})
		}
		return res, nil
	})

	select {
	case out := <-ch:
		if out.Shared {
			metrics.CacheRequests.WithLabelValues("shared").Inc()
		}
		return out.Val.(types.Result)
	case <-ctx.Done():
		logger.Debug("{cache/cache - GetOrResolve} caller for channel %s left before resolution finished", channelID)
		return types.Failure(types.FromContext(ctx), "cache")
	}
}

func (c *Cache) lookup(channelID string) (types.Result, bool) {
	entry, ok := c.entries.GetIfPresent(channelID)
	if !ok {
		return types.Result{}, false
	}
	if c.now().Sub(entry.insertedAt) >= c.ttl {
		c.entries.Invalidate(channelID)
		return types.Result{}, false
	}
	return entry.result, true
}

// Clear drops every entry. Called when the channel catalog is replaced.
func (c *Cache) Clear() {
	c.entries.InvalidateAll()
	logger.Debug("{cache/cache - Clear} resolution cache cleared")
}

// Size returns the number of cached channels.
func (c *Cache) Size() int {
	return c.entries.EstimatedSize()
}
