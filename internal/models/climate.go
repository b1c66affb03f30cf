// Package models defines the neighborhood, observation, forecast and climate
// record types shared across the service.
package models

import (
	"fmt"
	"strings"
	"time"
)

// Coordinates is a latitude/longitude pair in decimal degrees.
type Coordinates struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
}

// Neighborhood is a registered area tracked independently for risk.
type Neighborhood struct {
	ID string `json:"id"`
	Coordinates
}

// RiskTier is the discrete risk classification. Zero is not a valid tier.
type RiskTier int

const (
	RiskLow RiskTier = iota + 1
	RiskMedium
	RiskHigh
)

func (t RiskTier) String() string {
	switch t {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	default:
		return "unknown"
	}
}

// Valid reports whether t is one of the declared tiers.
func (t RiskTier) Valid() bool {
	switch t {
	case RiskLow, RiskMedium, RiskHigh:
		return true
	default:
		return false
	}
}

// ParseRiskTier parses the lowercase tier name produced by String.
func ParseRiskTier(s string) (RiskTier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return RiskLow, nil
	case "medium":
		return RiskMedium, nil
	case "high":
		return RiskHigh, nil
	default:
		return 0, fmt.Errorf("unknown risk tier %q", s)
	}
}

func (t RiskTier) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid risk tier %d", int(t))
	}
	return []byte(t.String()), nil
}

func (t *RiskTier) UnmarshalText(b []byte) error {
	v, err := ParseRiskTier(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// HourlySample is one entry of a provider's hourly rainfall series.
// Valid is false when the provider returned null for that hour.
type HourlySample struct {
	Time   time.Time
	RainMM float64
	Valid  bool
}

// ClimateObservation is the normalized provider output for one fetch. Never persisted.
type ClimateObservation struct {
	ObservedAt      time.Time
	RainMM          float64
	PrecipitationMM float64
	WindSpeedKMH    float64
	Hourly          []HourlySample
	// NowIndex is the position of ObservedAt within Hourly.
	NowIndex int
	// Degraded is set when NowIndex could not be located and a fallback index was used,
	// or when the provider carries no hourly history at all.
	Degraded bool
	Provider string
}

// ClimateRecord is one persisted refresh result. Immutable once appended.
type ClimateRecord struct {
	ID              string    `json:"id"`
	Neighborhood    string    `json:"neighborhood"`
	ObservedAt      time.Time `json:"observedAt"`
	RainMM          float64   `json:"rainMm"`
	PrecipitationMM float64   `json:"precipitationMm"`
	WindSpeedKMH    float64   `json:"windSpeedKmh"`
	RainPastMM      float64   `json:"rainPastMm"`
	RainNextMM      float64   `json:"rainNextMm"`
	Risk            RiskTier  `json:"risk"`
	Degraded        bool      `json:"degraded"`
	Provider        string    `json:"provider"`
	CreatedAt       time.Time `json:"createdAt"`
}
