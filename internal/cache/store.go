package cache

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/rain-risk-service/internal/models"
	"github.com/kjstillabower/rain-risk-service/internal/observability"
	"github.com/kjstillabower/rain-risk-service/internal/store"
)

// CachedStore fronts a store.Store with a latest-record cache. The store stays the
// source of truth: cache failures are logged and fall through to it.
type CachedStore struct {
	inner  store.Store
	cache  Cache
	ttl    time.Duration
	logger *zap.Logger
}

func NewCachedStore(inner store.Store, c Cache, ttl time.Duration, logger *zap.Logger) *CachedStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedStore{inner: inner, cache: c, ttl: ttl, logger: logger}
}

// Append writes to the store, then writes the record through unless the cache already
// holds a later observation.
func (s *CachedStore) Append(ctx context.Context, rec models.ClimateRecord) error {
	if err := s.inner.Append(ctx, rec); err != nil {
		return err
	}

	cached, ok, err := s.cache.Get(ctx, rec.Neighborhood)
	if err == nil && ok && cached.ObservedAt.After(rec.ObservedAt) {
		return nil
	}
	if err := s.cache.Set(ctx, rec.Neighborhood, rec, s.ttl); err != nil {
		s.logger.Warn("cache write-through failed, invalidating",
			zap.String("neighborhood", rec.Neighborhood), zap.Error(err))
		if delErr := s.cache.Delete(ctx, rec.Neighborhood); delErr != nil {
			s.logger.Error("cache invalidate failed",
				zap.String("neighborhood", rec.Neighborhood), zap.Error(delErr))
		}
	}
	return nil
}

func (s *CachedStore) Latest(ctx context.Context, neighborhood string) (models.ClimateRecord, bool, error) {
	rec, ok, err := s.cache.Get(ctx, neighborhood)
	switch {
	case err != nil:
		observability.CacheLookupsTotal.WithLabelValues("error").Inc()
		s.logger.Warn("cache get failed", zap.String("neighborhood", neighborhood), zap.Error(err))
	case ok:
		observability.CacheLookupsTotal.WithLabelValues("hit").Inc()
		return rec, true, nil
	default:
		observability.CacheLookupsTotal.WithLabelValues("miss").Inc()
	}

	rec, found, err := s.inner.Latest(ctx, neighborhood)
	if err != nil || !found {
		return rec, found, err
	}
	if err := s.cache.Set(ctx, neighborhood, rec, s.ttl); err != nil {
		s.logger.Warn("cache set failed", zap.String("neighborhood", neighborhood), zap.Error(err))
	}
	return rec, true, nil
}

func (s *CachedStore) RecentWindow(ctx context.Context, neighborhood string, limit int) ([]models.ClimateRecord, error) {
	return s.inner.RecentWindow(ctx, neighborhood, limit)
}

// Ping delegates to the underlying store when it supports health checks.
func (s *CachedStore) Ping(ctx context.Context) error {
	if p, ok := s.inner.(store.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}
