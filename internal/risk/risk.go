// Package risk derives rainfall accumulation windows and classifies flood risk.
// Everything here is pure: no I/O, no clocks, deterministic for a given input.
package risk

import (
	"errors"
	"fmt"

	"github.com/kjstillabower/rain-risk-service/internal/models"
)

// Thresholds holds the tunable classification parameters. Amounts are in millimetres,
// windows in hours.
type Thresholds struct {
	FlashHighMM        float64
	CompoundHighMM     float64
	MediumNowMM        float64
	MediumCompoundMM   float64
	BackWindowHours    int
	ForwardWindowHours int
}

// DefaultThresholds returns 15/40/5/20 mm with a 6h backward and 3h forward window.
func DefaultThresholds() Thresholds {
	return Thresholds{
		FlashHighMM:        15,
		CompoundHighMM:     40,
		MediumNowMM:        5,
		MediumCompoundMM:   20,
		BackWindowHours:    6,
		ForwardWindowHours: 3,
	}
}

// Validate rejects negative values and medium thresholds above their high counterparts.
func (t Thresholds) Validate() error {
	if t.FlashHighMM < 0 || t.CompoundHighMM < 0 || t.MediumNowMM < 0 || t.MediumCompoundMM < 0 {
		return errors.New("risk thresholds must not be negative")
	}
	if t.BackWindowHours < 0 || t.ForwardWindowHours < 0 {
		return errors.New("risk windows must not be negative")
	}
	if t.MediumNowMM > t.FlashHighMM {
		return fmt.Errorf("medium_now_mm (%.1f) exceeds flash_high_mm (%.1f)", t.MediumNowMM, t.FlashHighMM)
	}
	if t.MediumCompoundMM > t.CompoundHighMM {
		return fmt.Errorf("medium_compound_mm (%.1f) exceeds compound_high_mm (%.1f)", t.MediumCompoundMM, t.CompoundHighMM)
	}
	return nil
}

// Rule identifies which classification rule produced a tier.
type Rule string

const (
	RuleFlashIntensity Rule = "flash_intensity"
	RuleSaturatedSoil  Rule = "saturated_soil"
	RuleAttention      Rule = "attention"
	RuleNone           Rule = "none"
)

// AccumulateBackward sums the w samples strictly preceding now, clamped to the series.
// Invalid samples count as zero.
func AccumulateBackward(series []models.HourlySample, now, w int) float64 {
	if w <= 0 {
		return 0
	}
	return sumRange(series, now-w, now)
}

// AccumulateForward sums the w samples strictly following now, clamped to the series.
func AccumulateForward(series []models.HourlySample, now, w int) float64 {
	if w <= 0 {
		return 0
	}
	return sumRange(series, now+1, now+1+w)
}

// sumRange sums series[from:to] after clamping both bounds into [0, len(series)].
func sumRange(series []models.HourlySample, from, to int) float64 {
	from = clamp(from, 0, len(series))
	to = clamp(to, 0, len(series))
	var total float64
	for i := from; i < to; i++ {
		if series[i].Valid {
			total += series[i].RainMM
		}
	}
	return total
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Classify maps current-hour rainfall and the two accumulations to a tier.
// Rules are evaluated in priority order and the first match wins.
func Classify(current, backward, forward float64, t Thresholds) (models.RiskTier, Rule) {
	compound := backward + forward
	switch {
	case current >= t.FlashHighMM:
		return models.RiskHigh, RuleFlashIntensity
	case compound >= t.CompoundHighMM:
		return models.RiskHigh, RuleSaturatedSoil
	case current >= t.MediumNowMM || compound >= t.MediumCompoundMM:
		return models.RiskMedium, RuleAttention
	default:
		return models.RiskLow, RuleNone
	}
}

// Assessment is the classifier output for one observation.
type Assessment struct {
	RainPastMM float64
	RainNextMM float64
	Risk       models.RiskTier
	Rule       Rule
}

// Evaluate computes both accumulation windows around obs.NowIndex and classifies the result.
func Evaluate(obs models.ClimateObservation, t Thresholds) Assessment {
	back := AccumulateBackward(obs.Hourly, obs.NowIndex, t.BackWindowHours)
	fwd := AccumulateForward(obs.Hourly, obs.NowIndex, t.ForwardWindowHours)
	tier, rule := Classify(obs.RainMM, back, fwd, t)
	return Assessment{
		RainPastMM: back,
		RainNextMM: fwd,
		Risk:       tier,
		Rule:       rule,
	}
}

// NeedsAttention reports whether a tier should trigger an outbound alert.
func NeedsAttention(tier models.RiskTier) bool {
	switch tier {
	case models.RiskMedium, models.RiskHigh:
		return true
	case models.RiskLow:
		return false
	default:
		return false
	}
}
