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

const (
	ProviderOpenMeteo = "open_meteo"

	// Open-Meteo returns local ISO-8601 times without a zone; timezone=GMT makes them UTC.
	openMeteoTimeLayout = "2006-01-02T15:04"
)

// OpenMeteoClient is the primary provider: current conditions plus an hourly rain series
// covering the backward and forward accumulation windows.
type OpenMeteoClient struct {
	caller
	pastHours     int
	forecastHours int
}

// NewOpenMeteoClient builds a client that requests pastHours of history and
// forecastHours of forecast around the current hour.
func NewOpenMeteoClient(opts Options, pastHours, forecastHours int) (*OpenMeteoClient, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("open-meteo: base URL is required")
	}
	if _, err := url.Parse(opts.BaseURL); err != nil {
		return nil, fmt.Errorf("open-meteo: invalid base URL: %w", err)
	}
	if pastHours < 0 || forecastHours < 0 {
		return nil, fmt.Errorf("open-meteo: window hours must not be negative")
	}
	return &OpenMeteoClient{
		caller:        caller{provider: ProviderOpenMeteo, opts: opts.withDefaults()},
		pastHours:     pastHours,
		forecastHours: forecastHours,
	}, nil
}

func (c *OpenMeteoClient) Name() string { return ProviderOpenMeteo }

type openMeteoResponse struct {
	Current struct {
		Time          string   `json:"time"`
		Rain          *float64 `json:"rain"`
		Precipitation *float64 `json:"precipitation"`
		WindSpeed10m  *float64 `json:"wind_speed_10m"`
	} `json:"current"`
	Hourly struct {
		Time []string   `json:"time"`
		Rain []*float64 `json:"rain"`
	} `json:"hourly"`
}

func (c *OpenMeteoClient) Fetch(ctx context.Context, n models.Neighborhood) (models.ClimateObservation, error) {
	var resp openMeteoResponse
	if err := c.fetchJSON(ctx, n, func(ctx context.Context) (*http.Request, error) {
		return c.buildRequest(ctx, n)
	}, &resp); err != nil {
		return models.ClimateObservation{}, err
	}

	obs, err := c.mapResponse(resp)
	if err != nil {
		observability.ForecastAPIErrorsTotal.WithLabelValues(ProviderOpenMeteo, string(ErrorCategoryParsing)).Inc()
		return models.ClimateObservation{}, &ProviderError{Neighborhood: n.ID, Provider: ProviderOpenMeteo, Err: err}
	}
	if obs.Degraded {
		observability.DegradedObservationsTotal.WithLabelValues(ProviderOpenMeteo).Inc()
	}
	return obs, nil
}

func (c *OpenMeteoClient) buildRequest(ctx context.Context, n models.Neighborhood) (*http.Request, error) {
	baseURL, err := url.Parse(c.opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}

	params := url.Values{}
	params.Set("latitude", strconv.FormatFloat(n.Latitude, 'f', 4, 64))
	params.Set("longitude", strconv.FormatFloat(n.Longitude, 'f', 4, 64))
	params.Set("current", "rain,precipitation,wind_speed_10m")
	params.Set("hourly", "rain")
	params.Set("past_hours", strconv.Itoa(c.pastHours))
	// the current hour is the first forecast hour
	params.Set("forecast_hours", strconv.Itoa(c.forecastHours+1))
	params.Set("timezone", "GMT")
	baseURL.RawQuery = params.Encode()

	return http.NewRequestWithContext(ctx, http.MethodGet, baseURL.String(), nil)
}

// mapResponse normalizes the payload. A "now" that cannot be located in the hourly
// series falls back to the middle index and marks the observation degraded.
func (c *OpenMeteoClient) mapResponse(resp openMeteoResponse) (models.ClimateObservation, error) {
	if len(resp.Hourly.Time) != len(resp.Hourly.Rain) {
		return models.ClimateObservation{}, fmt.Errorf("%w: hourly time/rain length mismatch (%d vs %d)",
			ErrMalformedResponse, len(resp.Hourly.Time), len(resp.Hourly.Rain))
	}

	hourly := make([]models.HourlySample, len(resp.Hourly.Time))
	for i, raw := range resp.Hourly.Time {
		ts, err := time.Parse(openMeteoTimeLayout, raw)
		if err != nil {
			return models.ClimateObservation{}, fmt.Errorf("%w: hourly time %q: %v", ErrMalformedResponse, raw, err)
		}
		hourly[i] = models.HourlySample{Time: ts}
		if v := resp.Hourly.Rain[i]; v != nil {
			hourly[i].RainMM = *v
			hourly[i].Valid = true
		}
	}

	observedAt := c.opts.Clock.Now().UTC()
	if resp.Current.Time != "" {
		ts, err := time.Parse(openMeteoTimeLayout, resp.Current.Time)
		if err != nil {
			return models.ClimateObservation{}, fmt.Errorf("%w: current time %q: %v", ErrMalformedResponse, resp.Current.Time, err)
		}
		observedAt = ts
	}

	obs := models.ClimateObservation{
		ObservedAt:      observedAt,
		RainMM:          deref(resp.Current.Rain),
		PrecipitationMM: deref(resp.Current.Precipitation),
		WindSpeedKMH:    deref(resp.Current.WindSpeed10m),
		Hourly:          hourly,
		Provider:        ProviderOpenMeteo,
	}

	obs.NowIndex = indexOfHour(hourly, observedAt.Truncate(time.Hour))
	if obs.NowIndex < 0 {
		obs.NowIndex = len(hourly) / 2
		obs.Degraded = true
	}
	if resp.Current.Rain == nil && obs.NowIndex < len(hourly) && hourly[obs.NowIndex].Valid {
		obs.RainMM = hourly[obs.NowIndex].RainMM
	}
	return obs, nil
}

func indexOfHour(series []models.HourlySample, hour time.Time) int {
	for i, s := range series {
		if s.Time.Equal(hour) {
			return i
		}
	}
	return -1
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
