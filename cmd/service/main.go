package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/rain-risk-service/internal/cache"
	"github.com/kjstillabower/rain-risk-service/internal/circuitbreaker"
	"github.com/kjstillabower/rain-risk-service/internal/client"
	"github.com/kjstillabower/rain-risk-service/internal/config"
	"github.com/kjstillabower/rain-risk-service/internal/degraded"
	httphandler "github.com/kjstillabower/rain-risk-service/internal/http"
	"github.com/kjstillabower/rain-risk-service/internal/lifecycle"
	"github.com/kjstillabower/rain-risk-service/internal/models"
	"github.com/kjstillabower/rain-risk-service/internal/notify"
	"github.com/kjstillabower/rain-risk-service/internal/observability"
	"github.com/kjstillabower/rain-risk-service/internal/publish"
	"github.com/kjstillabower/rain-risk-service/internal/registry"
	"github.com/kjstillabower/rain-risk-service/internal/scheduler"
	"github.com/kjstillabower/rain-risk-service/internal/service"
	"github.com/kjstillabower/rain-risk-service/internal/store"
)

const breakerComponent = "forecast_api"

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

const publishTimeout = 5 * time.Second

func main() {
	logger, err := observability.NewLogger("rain-risk-service")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("service exited", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	clock := clockwork.NewRealClock()

	neighborhoods := cfg.Neighborhoods
	if len(neighborhoods) == 0 {
		neighborhoods = registry.Default()
	}
	reg, err := registry.New(neighborhoods)
	if err != nil {
		return err
	}
	logger.Info("neighborhood registry loaded", zap.Int("count", reg.Len()))

	breaker := circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
		Timeout:          cfg.BreakerOpenTimeout,
		Clock:            clock,
		OnStateChange: func(from, to circuitbreaker.State) {
			observability.RecordCircuitBreakerTransition(breakerComponent, from.String(), to.String(), int(to))
			logger.Warn("circuit breaker transition", zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	provider, err := buildProvider(ctx, cfg, breaker, clock, logger)
	if err != nil {
		return fmt.Errorf("forecast provider: %w", err)
	}

	storage, err := buildStore(ctx, cfg, reg.All(), clock, logger)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	st := storage.store

	notifier, err := notify.New(notify.Config{
		TelegramToken:  cfg.TelegramToken,
		TelegramChatID: cfg.TelegramChatID,
		TelegramAPIURL: cfg.TelegramAPIURL,
		Timeout:        cfg.NotifyTimeout,
	}, logger.Named("notify"))
	if err != nil {
		return fmt.Errorf("notifier: %w", err)
	}

	publisher := publish.New(publish.Config{
		Brokers:      cfg.KafkaBrokers,
		Topic:        cfg.KafkaTopic,
		WriteTimeout: publishTimeout,
	})
	closers := append([]observability.Closer{{Name: "publisher", Close: publisher.Close}}, storage.closers...)

	engine, err := service.NewEngine(service.Deps{
		Registry:  reg,
		Provider:  provider,
		Store:     st,
		Notifier:  notifier,
		Publisher: publisher,
		Tracker: degraded.NewTracker(degraded.Config{
			Window:       cfg.DegradedWindow,
			ErrorRatePct: float64(cfg.DegradedErrorPct),
			MinSamples:   cfg.DegradedMinSamples,
		}, clock),
		Clock:  clock,
		Logger: logger.Named("engine"),
	}, service.Config{
		Thresholds:     cfg.Risk,
		Concurrency:    cfg.CycleConcurrency,
		RefreshTimeout: cfg.CycleTimeout,
		PublishTimeout: publishTimeout,
	})
	if err != nil {
		return err
	}

	sched := scheduler.New(engine, scheduler.Config{
		Interval:     cfg.SchedulerInterval,
		CycleTimeout: cfg.CycleTimeout,
	}, logger.Named("scheduler"))

	healthConfig := &httphandler.HealthConfig{
		SchedulerState: sched.State,
		SchedulerReady: sched.Ready,
		CachePing:      storage.cachePing,
		Version:        version,
	}
	if p, ok := st.(store.Pinger); ok {
		healthConfig.StorePing = p.Ping
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	inFlight := &httphandler.InFlightTracker{}
	handler := httphandler.NewHandler(engine, healthConfig, httphandler.HistoryConfig{
		DefaultLimit: cfg.HistoryDefaultLimit,
		MaxLimit:     cfg.HistoryMaxLimit,
	}, logger)
	router := httphandler.NewRouter(handler, httphandler.RouterConfig{
		Logger:         logger,
		RequestTimeout: cfg.RequestTimeout,
		Limiter:        limiter,
		CORSOrigins:    cfg.CORSOrigins,
		InFlight:       inFlight,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}
	// the listener opens only after the startup cycle so the first request
	// already sees data for every neighborhood that refreshed
	var runErr error
	serverErr := make(chan error, 1)
	if err := sched.Start(ctx); err != nil {
		runErr = fmt.Errorf("scheduler: %w", err)
	} else {
		go func() {
			logger.Info("server starting", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				serverErr <- err
			}
		}()
		select {
		case <-ctx.Done():
			logger.Info("graceful shutdown triggered")
		case err := <-serverErr:
			runErr = fmt.Errorf("server: %w", err)
		}
	}

	lifecycle.BeginDrain()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Warn("scheduler stop", zap.Error(err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	if n := inFlight.Count(); n > 0 {
		logger.Info("waiting for in-flight requests", zap.Int64("count", n))
		if err := inFlight.Wait(shutdownCtx); err != nil {
			logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", inFlight.Count()))
		}
	}

	logger.Info("shutdown complete")
	return errors.Join(runErr, observability.FlushTelemetry(shutdownCtx, logger, closers...))
}

// buildProvider returns the configured primary provider, wrapped with the fallback when one is set.
func buildProvider(ctx context.Context, cfg *config.Config, breaker *circuitbreaker.CircuitBreaker, clock clockwork.Clock, logger *zap.Logger) (client.ForecastProvider, error) {
	primary, err := newProvider(ctx, cfg.ForecastProvider, cfg, breaker, clock, logger)
	if err != nil {
		return nil, err
	}
	if cfg.ForecastFallbackProvider == "" {
		logger.Info("forecast provider", zap.String("provider", primary.Name()))
		return primary, nil
	}
	// the breaker guards the primary only; an open circuit is what hands over to the fallback
	secondary, err := newProvider(ctx, cfg.ForecastFallbackProvider, cfg, nil, clock, logger)
	if err != nil {
		return nil, err
	}
	fb := client.NewFallbackProvider(primary, secondary, logger.Named("forecast"))
	logger.Info("forecast provider", zap.String("provider", fb.Name()))
	return fb, nil
}

func newProvider(ctx context.Context, name string, cfg *config.Config, breaker *circuitbreaker.CircuitBreaker, clock clockwork.Clock, logger *zap.Logger) (client.ForecastProvider, error) {
	opts := client.Options{
		Timeout:        cfg.ForecastTimeout,
		RetryAttempts:  cfg.RetryAttempts,
		RetryBaseDelay: cfg.RetryBaseDelay,
		RetryMaxDelay:  cfg.RetryMaxDelay,
		Breaker:        breaker,
		Clock:          clock,
	}
	switch name {
	case config.ProviderOpenMeteo:
		opts.BaseURL = cfg.OpenMeteoURL
		return client.NewOpenMeteoClient(opts, cfg.Risk.BackWindowHours, cfg.Risk.ForwardWindowHours)
	case config.ProviderOpenWeather:
		opts.BaseURL = cfg.OpenWeatherURL
		ow, err := client.NewOpenWeatherClient(cfg.WeatherAPIKey, opts)
		if err != nil {
			return nil, err
		}
		// a rejected key is logged, not fatal: the provider may only serve as fallback
		if err := ow.ValidateAPIKey(ctx); err != nil {
			logger.Warn("openweather api key validation failed", zap.Error(err))
		}
		return ow, nil
	default:
		return nil, fmt.Errorf("unknown forecast provider %q", name)
	}
}

// storeStack is the assembled record store plus the hooks main needs for health and shutdown.
type storeStack struct {
	store     store.Store
	cachePing func(ctx context.Context) error
	closers   []observability.Closer
}

// buildStore opens the configured backend and layers the latest-record cache over it.
func buildStore(ctx context.Context, cfg *config.Config, neighborhoods []models.Neighborhood, clock clockwork.Clock, logger *zap.Logger) (*storeStack, error) {
	out := &storeStack{}
	var base store.Store
	switch cfg.StoreBackend {
	case "memory":
		base = store.NewMemoryStore(clock)
	case "sqlite", "postgres":
		sqlStore, err := store.OpenSQL(ctx, store.SQLConfig{
			Backend:         cfg.StoreBackend,
			SQLitePath:      cfg.SQLitePath,
			DatabaseURL:     cfg.DatabaseURL,
			MaxOpenConns:    cfg.StoreMaxOpenConns,
			ConnMaxLifetime: 30 * time.Minute,
		}, clock, logger.Named("store"))
		if err != nil {
			return nil, err
		}
		base = sqlStore
		out.closers = append(out.closers, observability.Closer{Name: "store", Close: sqlStore.Close})
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
	logger.Info("store backend", zap.String("backend", cfg.StoreBackend))

	var c cache.Cache
	switch cfg.CacheBackend {
	case "none":
		out.store = base
		return out, nil
	case "memcached":
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			return nil, err
		}
		c = mc
		out.cachePing = mc.Ping
		out.closers = append([]observability.Closer{{Name: "memcached", Close: mc.Close}}, out.closers...)
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
	default:
		c = cache.NewInMemoryCache(clock)
		logger.Info("cache backend: in_memory")
	}

	warmCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := cache.NewCacheWarmer(base, c, cfg.CacheTTL, logger.Named("cache")).Warm(warmCtx, neighborhoods); err != nil {
		logger.Warn("cache warming failed", zap.Error(err))
	}
	out.store = cache.NewCachedStore(base, c, cfg.CacheTTL, logger.Named("cache"))
	return out, nil
}
