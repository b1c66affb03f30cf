package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kjstillabower/rain-risk-service/internal/models"
	"github.com/kjstillabower/rain-risk-service/internal/risk"
)

// Provider names accepted by forecast.provider and forecast.fallback_provider.
const (
	ProviderOpenMeteo   = "open_meteo"
	ProviderOpenWeather = "openweather"
)

// Config holds service configuration loaded from YAML, .env and the environment.
type Config struct {
	ServerPort     string
	RequestTimeout time.Duration

	ForecastProvider         string
	ForecastFallbackProvider string
	OpenMeteoURL             string
	OpenWeatherURL           string
	WeatherAPIKey            string
	ForecastTimeout          time.Duration

	RetryAttempts           int
	RetryBaseDelay          time.Duration
	RetryMaxDelay           time.Duration
	BreakerFailureThreshold int
	BreakerSuccessThreshold int
	BreakerOpenTimeout      time.Duration
	RateLimitRPS            int
	RateLimitBurst          int

	Risk risk.Thresholds

	SchedulerInterval time.Duration
	CycleTimeout      time.Duration
	CycleConcurrency  int

	StoreBackend      string // "memory", "sqlite" or "postgres"
	SQLitePath        string
	DatabaseURL       string
	StoreMaxOpenConns int

	CacheBackend          string // "none", "in_memory" or "memcached"
	CacheTTL              time.Duration
	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	TelegramToken  string
	TelegramChatID string
	TelegramAPIURL string
	NotifyTimeout  time.Duration

	KafkaBrokers []string
	KafkaTopic   string

	DegradedWindow     time.Duration
	DegradedErrorPct   int
	DegradedMinSamples int

	CORSOrigins         []string
	HistoryDefaultLimit int
	HistoryMaxLimit     int

	Neighborhoods []models.Neighborhood

	ShutdownTimeout time.Duration
}

type fileConfig struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Forecast struct {
		Provider         string `yaml:"provider"`
		FallbackProvider string `yaml:"fallback_provider"`
		OpenMeteoURL     string `yaml:"open_meteo_url"`
		OpenWeatherURL   string `yaml:"openweather_url"`
		Timeout          string `yaml:"timeout"`
	} `yaml:"forecast"`

	Risk struct {
		FlashHighMM        *float64 `yaml:"flash_high_mm"`
		CompoundHighMM     *float64 `yaml:"compound_high_mm"`
		MediumNowMM        *float64 `yaml:"medium_now_mm"`
		MediumCompoundMM   *float64 `yaml:"medium_compound_mm"`
		BackWindowHours    *int     `yaml:"back_window_hours"`
		ForwardWindowHours *int     `yaml:"forward_window_hours"`
	} `yaml:"risk"`

	Scheduler struct {
		Interval     string `yaml:"interval"`
		CycleTimeout string `yaml:"cycle_timeout"`
		Concurrency  int    `yaml:"concurrency"`
	} `yaml:"scheduler"`

	Store struct {
		Backend      string `yaml:"backend"`
		SQLitePath   string `yaml:"sqlite_path"`
		MaxOpenConns int    `yaml:"max_open_conns"`
	} `yaml:"store"`

	Cache struct {
		Backend   string `yaml:"backend"`
		TTL       string `yaml:"ttl"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
	} `yaml:"cache"`

	Notify struct {
		TelegramAPIURL string `yaml:"telegram_api_url"`
		Timeout        string `yaml:"timeout"`
	} `yaml:"notify"`

	Publish struct {
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
	} `yaml:"publish"`

	Reliability struct {
		RetryMaxAttempts        int    `yaml:"retry_max_attempts"`
		RetryBaseDelay          string `yaml:"retry_base_delay"`
		RetryMaxDelay           string `yaml:"retry_max_delay"`
		BreakerFailureThreshold int    `yaml:"breaker_failure_threshold"`
		BreakerSuccessThreshold int    `yaml:"breaker_success_threshold"`
		BreakerOpenTimeout      string `yaml:"breaker_open_timeout"`
		RateLimitRPS            int    `yaml:"rate_limit_rps"`
		RateLimitBurst          int    `yaml:"rate_limit_burst"`
	} `yaml:"reliability"`

	Lifecycle struct {
		DegradedWindow     string `yaml:"degraded_window"`
		DegradedErrorPct   int    `yaml:"degraded_error_pct"`
		DegradedMinSamples int    `yaml:"degraded_min_samples"`
	} `yaml:"lifecycle"`

	HTTP struct {
		CORSOrigins         []string `yaml:"cors_origins"`
		HistoryDefaultLimit int      `yaml:"history_default_limit"`
		HistoryMaxLimit     int      `yaml:"history_max_limit"`
	} `yaml:"http"`

	Neighborhoods []struct {
		ID  string  `yaml:"id"`
		Lat float64 `yaml:"lat"`
		Lon float64 `yaml:"lon"`
	} `yaml:"neighborhoods"`

	Shutdown struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"shutdown"`
}

type secretsFile struct {
	WeatherAPIKey  string `yaml:"weather_api_key"`
	TelegramToken  string `yaml:"telegram_bot_token"`
	TelegramChatID string `yaml:"telegram_chat_id"`
	DatabaseURL    string `yaml:"database_url"`
}

// Load reads configuration from config/{ENV_NAME}.yaml (default dev) and config/secrets.yaml.
// A .env file in the working directory is loaded first without overriding the environment.
// Call from project root.
func Load() (*Config, error) {
	_ = godotenv.Load()

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	var sec secretsFile
	secretsData, err := os.ReadFile(filepath.Join(cwd, "config", "secrets.yaml"))
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read secrets file: %w", err)
		}
	} else if err := yaml.Unmarshal(secretsData, &sec); err != nil {
		return nil, fmt.Errorf("parse secrets file: %w", err)
	}

	cfg := &Config{}

	cfg.ServerPort = fc.Server.Port
	if cfg.ServerPort == "" {
		cfg.ServerPort = "8080"
	}
	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 5*time.Second)

	cfg.ForecastProvider = lower(fc.Forecast.Provider)
	if cfg.ForecastProvider == "" {
		cfg.ForecastProvider = ProviderOpenMeteo
	}
	cfg.ForecastFallbackProvider = lower(fc.Forecast.FallbackProvider)
	cfg.OpenMeteoURL = fc.Forecast.OpenMeteoURL
	if cfg.OpenMeteoURL == "" {
		cfg.OpenMeteoURL = "https://api.open-meteo.com/v1/forecast"
	}
	cfg.OpenWeatherURL = fc.Forecast.OpenWeatherURL
	if cfg.OpenWeatherURL == "" {
		cfg.OpenWeatherURL = "https://api.openweathermap.org/data/2.5/weather"
	}
	cfg.ForecastTimeout = parseDurationOrZero(fc.Forecast.Timeout, 10*time.Second)
	cfg.WeatherAPIKey = envOr("WEATHER_API_KEY", sec.WeatherAPIKey)

	cfg.RetryAttempts = fc.Reliability.RetryMaxAttempts
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	cfg.RetryBaseDelay = parseDuration(fc.Reliability.RetryBaseDelay, 100*time.Millisecond)
	cfg.RetryMaxDelay = parseDuration(fc.Reliability.RetryMaxDelay, 2*time.Second)
	cfg.BreakerFailureThreshold = fc.Reliability.BreakerFailureThreshold
	cfg.BreakerSuccessThreshold = fc.Reliability.BreakerSuccessThreshold
	cfg.BreakerOpenTimeout = parseDuration(fc.Reliability.BreakerOpenTimeout, 30*time.Second)
	cfg.RateLimitRPS = fc.Reliability.RateLimitRPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 5
	}
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 10
	}

	cfg.Risk = risk.DefaultThresholds()
	setFloat(&cfg.Risk.FlashHighMM, fc.Risk.FlashHighMM)
	setFloat(&cfg.Risk.CompoundHighMM, fc.Risk.CompoundHighMM)
	setFloat(&cfg.Risk.MediumNowMM, fc.Risk.MediumNowMM)
	setFloat(&cfg.Risk.MediumCompoundMM, fc.Risk.MediumCompoundMM)
	setInt(&cfg.Risk.BackWindowHours, fc.Risk.BackWindowHours)
	setInt(&cfg.Risk.ForwardWindowHours, fc.Risk.ForwardWindowHours)

	cfg.SchedulerInterval = parseDuration(fc.Scheduler.Interval, time.Minute)
	cfg.CycleTimeout = parseDuration(fc.Scheduler.CycleTimeout, cfg.SchedulerInterval)
	cfg.CycleConcurrency = fc.Scheduler.Concurrency
	if cfg.CycleConcurrency <= 0 {
		cfg.CycleConcurrency = 4
	}

	cfg.StoreBackend = lower(envOr("STORE_BACKEND", fc.Store.Backend))
	if cfg.StoreBackend == "" {
		cfg.StoreBackend = "sqlite"
	}
	cfg.SQLitePath = fc.Store.SQLitePath
	if cfg.SQLitePath == "" {
		cfg.SQLitePath = "data/climate.db"
	}
	cfg.DatabaseURL = envOr("DATABASE_URL", sec.DatabaseURL)
	cfg.StoreMaxOpenConns = fc.Store.MaxOpenConns
	if cfg.StoreMaxOpenConns <= 0 {
		cfg.StoreMaxOpenConns = 10
	}

	cfg.CacheBackend = lower(envOr("CACHE_BACKEND", fc.Cache.Backend))
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = "in_memory"
	}
	cfg.CacheTTL = parseDuration(fc.Cache.TTL, 10*time.Minute)
	cfg.MemcachedAddrs = strings.TrimSpace(envOr("MEMCACHED_ADDRS", fc.Cache.Memcached.Addrs))
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = "localhost:11211"
	}
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Cache.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}

	cfg.TelegramToken = envOr("TELEGRAM_BOT_TOKEN", sec.TelegramToken)
	cfg.TelegramChatID = envOr("TELEGRAM_CHAT_ID", sec.TelegramChatID)
	cfg.TelegramAPIURL = fc.Notify.TelegramAPIURL
	cfg.NotifyTimeout = parseDuration(fc.Notify.Timeout, 5*time.Second)

	cfg.KafkaBrokers = fc.Publish.Brokers
	if v := strings.TrimSpace(os.Getenv("KAFKA_BROKERS")); v != "" {
		cfg.KafkaBrokers = splitList(v)
	}
	cfg.KafkaTopic = fc.Publish.Topic

	cfg.DegradedWindow = parseDuration(fc.Lifecycle.DegradedWindow, 5*time.Minute)
	cfg.DegradedErrorPct = fc.Lifecycle.DegradedErrorPct
	if cfg.DegradedErrorPct <= 0 {
		cfg.DegradedErrorPct = 50
	}
	cfg.DegradedMinSamples = fc.Lifecycle.DegradedMinSamples
	if cfg.DegradedMinSamples <= 0 {
		cfg.DegradedMinSamples = 5
	}

	cfg.CORSOrigins = fc.HTTP.CORSOrigins
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"http://localhost:5173", "http://127.0.0.1:5173"}
	}
	cfg.HistoryDefaultLimit = fc.HTTP.HistoryDefaultLimit
	if cfg.HistoryDefaultLimit <= 0 {
		cfg.HistoryDefaultLimit = 20
	}
	cfg.HistoryMaxLimit = fc.HTTP.HistoryMaxLimit
	if cfg.HistoryMaxLimit <= 0 {
		cfg.HistoryMaxLimit = 500
	}

	for _, n := range fc.Neighborhoods {
		cfg.Neighborhoods = append(cfg.Neighborhoods, models.Neighborhood{
			ID:          n.ID,
			Coordinates: models.Coordinates{Latitude: n.Lat, Longitude: n.Lon},
		})
	}

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Returns zero or negative durations as-is (caller should handle fallback).
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func lower(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

// validate performs post-load validation of configuration values.
// RequestTimeout is raised above ForecastTimeout when needed.
func validate(cfg *Config) error {
	if cfg.ForecastTimeout <= 0 {
		return fmt.Errorf("forecast.timeout must be positive")
	}
	if cfg.RequestTimeout <= cfg.ForecastTimeout {
		cfg.RequestTimeout = cfg.ForecastTimeout + time.Second
	}

	switch cfg.ForecastProvider {
	case ProviderOpenMeteo, ProviderOpenWeather:
	default:
		return fmt.Errorf("forecast.provider must be %s or %s, got %q", ProviderOpenMeteo, ProviderOpenWeather, cfg.ForecastProvider)
	}
	switch cfg.ForecastFallbackProvider {
	case "":
	case ProviderOpenMeteo, ProviderOpenWeather:
		if cfg.ForecastFallbackProvider == cfg.ForecastProvider {
			return fmt.Errorf("forecast.fallback_provider must differ from forecast.provider")
		}
	default:
		return fmt.Errorf("forecast.fallback_provider must be %s or %s, got %q", ProviderOpenMeteo, ProviderOpenWeather, cfg.ForecastFallbackProvider)
	}
	if (cfg.ForecastProvider == ProviderOpenWeather || cfg.ForecastFallbackProvider == ProviderOpenWeather) && cfg.WeatherAPIKey == "" {
		return fmt.Errorf("WEATHER_API_KEY required for %s (set env or config/secrets.yaml weather_api_key)", ProviderOpenWeather)
	}

	if err := cfg.Risk.Validate(); err != nil {
		return fmt.Errorf("risk: %w", err)
	}

	if cfg.SchedulerInterval < time.Second {
		return fmt.Errorf("scheduler.interval must be at least 1s, got %s", cfg.SchedulerInterval)
	}

	switch cfg.StoreBackend {
	case "memory", "sqlite":
	case "postgres":
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL required for store.backend postgres")
		}
	default:
		return fmt.Errorf("store.backend must be memory, sqlite or postgres, got %q", cfg.StoreBackend)
	}

	switch cfg.CacheBackend {
	case "none", "in_memory", "memcached":
	default:
		return fmt.Errorf("cache.backend must be none, in_memory or memcached, got %q", cfg.CacheBackend)
	}

	if len(cfg.KafkaBrokers) > 0 && cfg.KafkaTopic == "" {
		return fmt.Errorf("publish.topic required when publish.brokers is set")
	}

	if cfg.DegradedErrorPct > 100 {
		return fmt.Errorf("lifecycle.degraded_error_pct must be at most 100, got %d", cfg.DegradedErrorPct)
	}
	if cfg.HistoryDefaultLimit > cfg.HistoryMaxLimit {
		return fmt.Errorf("http.history_default_limit (%d) exceeds http.history_max_limit (%d)", cfg.HistoryDefaultLimit, cfg.HistoryMaxLimit)
	}
	return nil
}
