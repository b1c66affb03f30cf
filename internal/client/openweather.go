package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/kjstillabower/rain-risk-service/internal/models"
	"github.com/kjstillabower/rain-risk-service/internal/observability"
)

const ProviderOpenWeather = "openweather"

// OpenWeatherClient is the degraded fallback: current conditions only, no hourly series,
// so both accumulation windows evaluate to zero.
type OpenWeatherClient struct {
	caller
	apiKey string
}

func NewOpenWeatherClient(apiKey string, opts Options) (*OpenWeatherClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: API key is required", ErrInvalidAPIKey)
	}
	if len(apiKey) < 10 {
		return nil, fmt.Errorf("%w: API key appears invalid (too short)", ErrInvalidAPIKey)
	}
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("openweather: base URL is required")
	}
	return &OpenWeatherClient{
		caller: caller{provider: ProviderOpenWeather, opts: opts.withDefaults()},
		apiKey: apiKey,
	}, nil
}

func (c *OpenWeatherClient) Name() string { return ProviderOpenWeather }

type openWeatherResponse struct {
	Dt   int64 `json:"dt"`
	Rain struct {
		OneHour float64 `json:"1h"`
	} `json:"rain"`
	Wind struct {
		Speed float64 `json:"speed"`
	} `json:"wind"`
}

func (c *OpenWeatherClient) Fetch(ctx context.Context, n models.Neighborhood) (models.ClimateObservation, error) {
	var resp openWeatherResponse
	if err := c.fetchJSON(ctx, n, func(ctx context.Context) (*http.Request, error) {
		return c.buildRequest(ctx, n.Coordinates)
	}, &resp); err != nil {
		return models.ClimateObservation{}, err
	}
	observability.DegradedObservationsTotal.WithLabelValues(ProviderOpenWeather).Inc()
	return c.mapResponse(resp), nil
}

func (c *OpenWeatherClient) buildRequest(ctx context.Context, at models.Coordinates) (*http.Request, error) {
	baseURL, err := url.Parse(c.opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}

	params := url.Values{}
	params.Set("lat", strconv.FormatFloat(at.Latitude, 'f', 4, 64))
	params.Set("lon", strconv.FormatFloat(at.Longitude, 'f', 4, 64))
	params.Set("appid", c.apiKey)
	params.Set("units", "metric")
	baseURL.RawQuery = params.Encode()

	return http.NewRequestWithContext(ctx, http.MethodGet, baseURL.String(), nil)
}

// mapResponse builds a single-sample series. The rain field is absent when dry.
func (c *OpenWeatherClient) mapResponse(resp openWeatherResponse) models.ClimateObservation {
	observedAt := c.opts.Clock.Now().UTC()
	if resp.Dt > 0 {
		observedAt = time.Unix(resp.Dt, 0).UTC()
	}
	rain := resp.Rain.OneHour
	return models.ClimateObservation{
		ObservedAt:      observedAt,
		RainMM:          rain,
		PrecipitationMM: rain,
		WindSpeedKMH:    resp.Wind.Speed * 3.6,
		Hourly:          []models.HourlySample{{Time: observedAt.Truncate(time.Hour), RainMM: rain, Valid: true}},
		NowIndex:        0,
		Degraded:        true,
		Provider:        ProviderOpenWeather,
	}
}

// ValidateAPIKey makes one request so a bad key is reported at startup rather than on
// the first failed cycle.
func (c *OpenWeatherClient) ValidateAPIKey(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := c.buildRequest(ctx, models.Coordinates{})
	if err != nil {
		return fmt.Errorf("build validation request: %w", err)
	}

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("validation request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: API key is invalid or not activated", ErrInvalidAPIKey)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("validation failed: HTTP %d", resp.StatusCode)
	}
	return nil
}
