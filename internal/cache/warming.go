package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/rain-risk-service/internal/models"
	"github.com/kjstillabower/rain-risk-service/internal/store"
)

// CacheWarmer primes the latest-record cache from the persistent store so reads after
// a restart do not all miss at once.
type CacheWarmer struct {
	source store.Store
	cache  Cache
	ttl    time.Duration
	logger *zap.Logger
}

func NewCacheWarmer(source store.Store, c Cache, ttl time.Duration, logger *zap.Logger) *CacheWarmer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CacheWarmer{source: source, cache: c, ttl: ttl, logger: logger}
}

// Warm loads the latest record for each neighborhood concurrently.
// Neighborhoods without data are skipped; failures are aggregated.
func (w *CacheWarmer) Warm(ctx context.Context, neighborhoods []models.Neighborhood) error {
	start := time.Now()
	w.logger.Info("warming cache", zap.Int("neighborhoods", len(neighborhoods)))

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		errs   []error
		warmed int
	)
	for _, n := range neighborhoods {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			rec, found, err := w.source.Latest(ctx, id)
			if err == nil && found {
				err = w.cache.Set(ctx, id, rec, w.ttl)
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("warm %s: %w", id, err))
				return
			}
			if found {
				warmed++
			}
		}(n.ID)
	}
	wg.Wait()

	w.logger.Info("cache warming complete",
		zap.Int("warmed", warmed),
		zap.Int("errors", len(errs)),
		zap.Float64("duration_seconds", time.Since(start).Seconds()))
	return errors.Join(errs...)
}
