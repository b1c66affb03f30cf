package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"

	"github.com/kjstillabower/rain-risk-service/internal/models"
)

// keys are versioned so a record layout change never decodes stale payloads
const keyPrefix = "climate:v1:latest:"

const (
	defaultMemcachedAddr = "localhost:11211"
	defaultExpiration    = time.Hour
	maxRelativeExpiry    = 30 * 24 * time.Hour
)

// MemcachedCache shares the latest record per neighborhood across replicas.
type MemcachedCache struct {
	client  *memcache.Client
	servers []string
}

// NewMemcachedCache dials lazily; addrs is a comma-separated host:port list.
func NewMemcachedCache(addrs string, timeout time.Duration, maxIdleConns int) (*MemcachedCache, error) {
	var servers []string
	for _, a := range strings.Split(addrs, ",") {
		if a = strings.TrimSpace(a); a != "" {
			servers = append(servers, a)
		}
	}
	if len(servers) == 0 {
		servers = []string{defaultMemcachedAddr}
	}

	sl := new(memcache.ServerList)
	if err := sl.SetServers(servers...); err != nil {
		return nil, fmt.Errorf("memcached servers %v: %w", servers, err)
	}
	mc := memcache.NewFromSelector(sl)
	if timeout > 0 {
		mc.Timeout = timeout
	}
	if maxIdleConns > 0 {
		mc.MaxIdleConns = maxIdleConns
	}
	return &MemcachedCache{client: mc, servers: servers}, nil
}

func memcachedKey(neighborhood string) string {
	return keyPrefix + url.QueryEscape(neighborhood)
}

func (c *MemcachedCache) Get(ctx context.Context, neighborhood string) (models.ClimateRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.ClimateRecord{}, false, err
	}
	item, err := c.client.Get(memcachedKey(neighborhood))
	switch {
	case errors.Is(err, memcache.ErrCacheMiss):
		return models.ClimateRecord{}, false, nil
	case err != nil:
		return models.ClimateRecord{}, false, fmt.Errorf("memcached get %s: %w", neighborhood, err)
	}

	var rec models.ClimateRecord
	if err := json.Unmarshal(item.Value, &rec); err != nil {
		return models.ClimateRecord{}, false, fmt.Errorf("memcached decode %s: %w", neighborhood, err)
	}
	return rec, true, nil
}

func (c *MemcachedCache) Set(ctx context.Context, neighborhood string, value models.ClimateRecord, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("memcached encode %s: %w", neighborhood, err)
	}
	item := &memcache.Item{Key: memcachedKey(neighborhood), Value: raw, Expiration: expiry(ttl)}
	if err := c.client.Set(item); err != nil {
		return fmt.Errorf("memcached set %s: %w", neighborhood, err)
	}
	return nil
}

func (c *MemcachedCache) Delete(ctx context.Context, neighborhood string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.client.Delete(memcachedKey(neighborhood)); err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
		return fmt.Errorf("memcached delete %s: %w", neighborhood, err)
	}
	return nil
}

// expiry converts ttl to relative seconds. Values beyond 30 days would be read
// by memcached as a unix timestamp, so they fall back to the default.
func expiry(ttl time.Duration) int32 {
	if ttl <= 0 || ttl > maxRelativeExpiry {
		ttl = defaultExpiration
	}
	return int32(ttl / time.Second)
}

// Ping reports whether every configured server answers.
func (c *MemcachedCache) Ping(ctx context.Context) error {
	if err := c.client.Ping(); err != nil {
		return fmt.Errorf("memcached %v: %w", c.servers, err)
	}
	return nil
}

func (c *MemcachedCache) Close() error {
	return c.client.Close()
}
