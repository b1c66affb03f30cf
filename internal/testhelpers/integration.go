//go:build integration
// +build integration

package testhelpers

import (
	"os"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap/zaptest"

	"github.com/kjstillabower/rain-risk-service/internal/cache"
	"github.com/kjstillabower/rain-risk-service/internal/client"
	"github.com/kjstillabower/rain-risk-service/internal/registry"
	"github.com/kjstillabower/rain-risk-service/internal/risk"
	"github.com/kjstillabower/rain-risk-service/internal/service"
	"github.com/kjstillabower/rain-risk-service/internal/store"
)

// IntegrationTestConfig holds configuration for integration tests.
type IntegrationTestConfig struct {
	OpenMeteoURL  string
	CacheBackend  string // "in_memory" or "memcached"
	MemcachedAddr string
}

// GetIntegrationConfig loads integration test configuration from environment.
// Skips test if OPEN_METEO_LIVE is not set.
func GetIntegrationConfig(t *testing.T) IntegrationTestConfig {
	if os.Getenv("OPEN_METEO_LIVE") == "" {
		t.Skip("OPEN_METEO_LIVE not set, skipping integration test")
	}

	apiURL := os.Getenv("OPEN_METEO_URL")
	if apiURL == "" {
		apiURL = "https://api.open-meteo.com/v1/forecast"
	}
	memcachedAddr := os.Getenv("MEMCACHED_ADDRS")
	if memcachedAddr == "" {
		memcachedAddr = "localhost:11211"
	}

	return IntegrationTestConfig{
		OpenMeteoURL:  apiURL,
		CacheBackend:  os.Getenv("INTEGRATION_CACHE_BACKEND"),
		MemcachedAddr: memcachedAddr,
	}
}

// SetupIntegrationEngine builds an engine against the live forecast API with an
// in-memory store behind the configured cache. Cleanup is registered on t.
func SetupIntegrationEngine(t *testing.T, cfg IntegrationTestConfig) (*service.Engine, store.Store) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	clock := clockwork.NewRealClock()
	thresholds := risk.DefaultThresholds()

	provider, err := client.NewOpenMeteoClient(client.Options{
		BaseURL: cfg.OpenMeteoURL,
		Timeout: 10 * time.Second,
		Clock:   clock,
	}, thresholds.BackWindowHours, thresholds.ForwardWindowHours)
	if err != nil {
		t.Fatalf("NewOpenMeteoClient() error = %v", err)
	}

	var c cache.Cache = cache.NewInMemoryCache(clock)
	if cfg.CacheBackend == "memcached" {
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddr, 500*time.Millisecond, 2)
		if err == nil {
			c = mc
			t.Cleanup(func() { _ = mc.Close() })
			t.Logf("Using Memcached cache at %s", cfg.MemcachedAddr)
		} else {
			t.Logf("Memcached not available (%v), using in-memory cache", err)
		}
	}
	st := cache.NewCachedStore(store.NewMemoryStore(clock), c, time.Minute, logger)

	reg, err := registry.New(registry.Default())
	if err != nil {
		t.Fatalf("registry.New() error = %v", err)
	}
	engine, err := service.NewEngine(service.Deps{
		Registry: reg,
		Provider: provider,
		Store:    st,
		Clock:    clock,
		Logger:   logger,
	}, service.Config{Thresholds: thresholds, Concurrency: 2})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	return engine, st
}
