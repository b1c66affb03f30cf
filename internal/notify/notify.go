// Package notify dispatches risk alerts to the downstream alert channel.
package notify

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/rain-risk-service/internal/models"
	"github.com/kjstillabower/rain-risk-service/internal/risk"
)

// ErrNotConfigured is returned by constructors when channel credentials are absent.
var ErrNotConfigured = errors.New("notifier not configured")

// Alert is the payload sent for a record at or above the attention threshold.
type Alert struct {
	Neighborhood string
	Risk         models.RiskTier
	RainNowMM    float64
	RainPastMM   float64
	RainNextMM   float64
	ObservedAt   time.Time
}

// AlertFromRecord builds the alert for a persisted record.
func AlertFromRecord(rec models.ClimateRecord) Alert {
	return Alert{
		Neighborhood: rec.Neighborhood,
		Risk:         rec.Risk,
		RainNowMM:    rec.RainMM,
		RainPastMM:   rec.RainPastMM,
		RainNextMM:   rec.RainNextMM,
		ObservedAt:   rec.ObservedAt,
	}
}

// Notifier delivers alerts. Delivery failures are logged and counted, never returned:
// a record is already persisted by the time Notify runs.
type Notifier interface {
	Notify(ctx context.Context, a Alert)
}

// Disabled is the notifier used when no channel is configured.
type Disabled struct{}

func (Disabled) Notify(ctx context.Context, a Alert) {}

// Config holds alert channel settings.
type Config struct {
	TelegramToken  string
	TelegramChatID string
	// TelegramAPIURL overrides the Bot API endpoint; empty uses the public API.
	TelegramAPIURL string
	Timeout        time.Duration
}

// New returns the Telegram notifier, or Disabled when credentials are missing.
func New(cfg Config, logger *zap.Logger) (Notifier, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	n, err := NewTelegramNotifier(cfg, logger)
	if errors.Is(err, ErrNotConfigured) {
		logger.Info("telegram credentials not set, alerts disabled")
		return Disabled{}, nil
	}
	if err != nil {
		return nil, err
	}
	return n, nil
}

// shouldNotify gates delivery at medium risk and above.
func shouldNotify(a Alert) bool {
	return risk.NeedsAttention(a.Risk)
}
