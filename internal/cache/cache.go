package cache

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kjstillabower/rain-risk-service/internal/models"
)

// Cache holds the latest climate record per neighborhood.
// Get returns cached data if present and not expired, Set stores data with TTL.
type Cache interface {
	Get(ctx context.Context, neighborhood string) (models.ClimateRecord, bool, error)
	Set(ctx context.Context, neighborhood string, value models.ClimateRecord, ttl time.Duration) error
	Delete(ctx context.Context, neighborhood string) error
}

// InMemoryCache implements Cache using a mutex-guarded map with TTL-based expiration.
// Expired entries are removed on access.
type InMemoryCache struct {
	mu    sync.Mutex
	data  map[string]cacheEntry
	clock clockwork.Clock
}

type cacheEntry struct {
	value     models.ClimateRecord
	expiresAt time.Time
}

// NewInMemoryCache creates a new in-memory cache instance. A nil clock uses wall time.
func NewInMemoryCache(clock clockwork.Clock) *InMemoryCache {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &InMemoryCache{
		data:  make(map[string]cacheEntry),
		clock: clock,
	}
}

// Get returns (record, true, nil) on hit, (zero, false, nil) on miss or expiration.
func (c *InMemoryCache) Get(ctx context.Context, neighborhood string) (models.ClimateRecord, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.data[neighborhood]
	if !ok {
		return models.ClimateRecord{}, false, nil
	}

	if c.clock.Now().After(entry.expiresAt) {
		delete(c.data, neighborhood)
		return models.ClimateRecord{}, false, nil
	}

	return entry.value, true, nil
}

func (c *InMemoryCache) Set(ctx context.Context, neighborhood string, value models.ClimateRecord, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[neighborhood] = cacheEntry{
		value:     value,
		expiresAt: c.clock.Now().Add(ttl),
	}
	return nil
}

func (c *InMemoryCache) Delete(ctx context.Context, neighborhood string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, neighborhood)
	return nil
}
