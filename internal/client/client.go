package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kjstillabower/rain-risk-service/internal/circuitbreaker"
	"github.com/kjstillabower/rain-risk-service/internal/models"
	"github.com/kjstillabower/rain-risk-service/internal/observability"
)

// ForecastProvider fetches the current observation and hourly rainfall series for a neighborhood.
// Implementations have no side effects beyond the outbound call.
type ForecastProvider interface {
	Name() string
	Fetch(ctx context.Context, n models.Neighborhood) (models.ClimateObservation, error)
}

var (
	// ErrProviderUnavailable covers every fetch failure: network, timeout, non-2xx,
	// malformed payload and open circuit.
	ErrProviderUnavailable = errors.New("forecast provider unavailable")

	ErrInvalidAPIKey     = errors.New("invalid API key")
	ErrUpstreamFailure   = errors.New("upstream failure")
	ErrRateLimited       = errors.New("rate limited")
	ErrMalformedResponse = errors.New("malformed response")
)

// maxResponseBytes caps a provider payload; a week of hourly rain is a few tens of KiB.
const maxResponseBytes = 4 << 20

// ProviderError attaches neighborhood and provider context to a fetch failure.
// errors.Is matches both ErrProviderUnavailable and the underlying cause.
type ProviderError struct {
	Neighborhood string
	Provider     string
	Err          error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: fetch %q: %v", e.Provider, e.Neighborhood, e.Err)
}

func (e *ProviderError) Unwrap() []error {
	return []error{ErrProviderUnavailable, e.Err}
}

// Options configures the HTTP behaviour shared by all providers.
type Options struct {
	BaseURL        string
	Timeout        time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	// Breaker is optional; when set every Fetch goes through it.
	Breaker    *circuitbreaker.CircuitBreaker
	Clock      clockwork.Clock
	HTTPClient *http.Client
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = 3
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = 100 * time.Millisecond
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 2 * time.Second
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: o.Timeout}
	}
	return o
}

// caller runs one provider request with breaker, retries, per-attempt timeout and metrics.
type caller struct {
	provider string
	opts     Options
}

func (c *caller) fetchJSON(ctx context.Context, n models.Neighborhood, build func(ctx context.Context) (*http.Request, error), out any) error {
	run := func() error { return c.withRetry(ctx, build, out) }

	var err error
	if c.opts.Breaker != nil {
		err = c.opts.Breaker.Call(ctx, run)
	} else {
		err = run()
	}
	if err != nil {
		observability.ForecastAPIErrorsTotal.WithLabelValues(c.provider, string(CategorizeError(err))).Inc()
		return &ProviderError{Neighborhood: n.ID, Provider: c.provider, Err: err}
	}
	return nil
}

func (c *caller) withRetry(ctx context.Context, build func(ctx context.Context) (*http.Request, error), out any) error {
	var lastErr error

	for attempt := 0; attempt < c.opts.RetryAttempts; attempt++ {
		if attempt > 0 {
			observability.ForecastAPIRetriesTotal.WithLabelValues(c.provider).Inc()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.opts.Clock.After(c.calculateBackoff(attempt)):
			}
		}

		err := c.callAPI(ctx, build, out)
		if err == nil {
			return nil
		}

		lastErr = err
		if ctx.Err() != nil || !isRetryable(err) {
			return err
		}
	}

	return fmt.Errorf("exhausted retries: %w", lastErr)
}

func (c *caller) callAPI(ctx context.Context, build func(ctx context.Context) (*http.Request, error), out any) error {
	start := c.opts.Clock.Now()

	reqCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	req, err := build(reqCtx)
	if err != nil {
		observability.ForecastAPICallsTotal.WithLabelValues(c.provider, "error").Inc()
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if corrID := CorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		duration := c.opts.Clock.Since(start).Seconds()
		observability.ForecastAPICallsTotal.WithLabelValues(c.provider, "error").Inc()
		observability.ForecastAPIDuration.WithLabelValues(c.provider, "error").Observe(duration)

		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return fmt.Errorf("request timeout: %w", err)
		}
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	duration := c.opts.Clock.Since(start).Seconds()
	status := statusLabel(resp.StatusCode)
	observability.ForecastAPICallsTotal.WithLabelValues(c.provider, status).Inc()
	observability.ForecastAPIDuration.WithLabelValues(c.provider, status).Observe(duration)

	if err := handleErrorResponse(resp); err != nil {
		return err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if len(body) > maxResponseBytes {
		return fmt.Errorf("%w: response exceeds %d bytes", ErrMalformedResponse, maxResponseBytes)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: parse response: %v", ErrMalformedResponse, err)
	}
	return nil
}

func (c *caller) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.opts.RetryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.opts.RetryMaxDelay) {
		delay = float64(c.opts.RetryMaxDelay)
	}

	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUpstreamFailure) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func handleErrorResponse(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: HTTP %d", ErrInvalidAPIKey, resp.StatusCode)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w", ErrRateLimited)
	}

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status: HTTP %d", resp.StatusCode)
	}
	return nil
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == 429 {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}

type correlationKey struct{}

// WithCorrelationID stores the request correlation id so outbound calls can forward it.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the id stored by WithCorrelationID, or "".
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok {
		return id
	}
	return ""
}
