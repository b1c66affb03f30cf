package client

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/kjstillabower/rain-risk-service/internal/models"
)

// FallbackProvider tries primary first and, when it is unavailable, secondary.
type FallbackProvider struct {
	primary   ForecastProvider
	secondary ForecastProvider
	logger    *zap.Logger
}

func NewFallbackProvider(primary, secondary ForecastProvider, logger *zap.Logger) *FallbackProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FallbackProvider{primary: primary, secondary: secondary, logger: logger}
}

func (f *FallbackProvider) Name() string {
	return f.primary.Name() + "+" + f.secondary.Name()
}

func (f *FallbackProvider) Fetch(ctx context.Context, n models.Neighborhood) (models.ClimateObservation, error) {
	obs, err := f.primary.Fetch(ctx, n)
	if err == nil {
		return obs, nil
	}
	if !errors.Is(err, ErrProviderUnavailable) || ctx.Err() != nil {
		return models.ClimateObservation{}, err
	}

	f.logger.Warn("primary provider unavailable, using fallback",
		zap.String("neighborhood", n.ID),
		zap.String("primary", f.primary.Name()),
		zap.String("fallback", f.secondary.Name()),
		zap.Error(err),
	)
	obs, fbErr := f.secondary.Fetch(ctx, n)
	if fbErr != nil {
		return models.ClimateObservation{}, fmt.Errorf("%w; fallback: %w", err, fbErr)
	}
	return obs, nil
}
