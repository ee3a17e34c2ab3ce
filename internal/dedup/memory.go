package dedup

import (
	"context"
	"log/slog"
	"time"

	"github.com/patrickmn/go-cache"
)

// MemoryCache keeps message IDs in a process-local go-cache instance.
type MemoryCache struct {
	items  *cache.Cache
	window time.Duration
}

// Ensure MemoryCache implements Cache
var _ Cache = (*MemoryCache)(nil)

// NewMemoryCache creates a cache that evicts IDs after window and purges
// expired entries every window as well.
func NewMemoryCache(window time.Duration) *MemoryCache {
	if window <= 0 {
		window = DefaultWindow
	}
	slog.Debug("dedup.NewMemoryCache: created", "window", window)
	return &MemoryCache{
		items:  cache.New(window, window),
		window: window,
	}
}

// SeenOrRecord relies on cache.Add, which fails when a live entry already exists.
func (c *MemoryCache) SeenOrRecord(_ context.Context, messageID string) (bool, error) {
	if err := c.items.Add(messageID, struct{}{}, cache.DefaultExpiration); err != nil {
		slog.Debug("MemoryCache.SeenOrRecord: duplicate", "messageID", messageID)
		return true, nil
	}
	return false, nil
}

// Seen never reports an entry past its expiration.
func (c *MemoryCache) Seen(_ context.Context, messageID string) (bool, error) {
	_, found := c.items.Get(messageID)
	return found, nil
}

// Record stores messageID. An ID that is already live keeps its original expiry.
func (c *MemoryCache) Record(_ context.Context, messageID string) error {
	_ = c.items.Add(messageID, struct{}{}, cache.DefaultExpiration)
	return nil
}

// Len returns the number of stored IDs, including expired ones not yet purged.
func (c *MemoryCache) Len() int {
	return c.items.ItemCount()
}
