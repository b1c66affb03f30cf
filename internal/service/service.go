// Package service runs the fetch, classify, persist and notify cycle for every
// registered neighborhood and serves the read side from the risk store.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/kjstillabower/rain-risk-service/internal/client"
	"github.com/kjstillabower/rain-risk-service/internal/degraded"
	"github.com/kjstillabower/rain-risk-service/internal/models"
	"github.com/kjstillabower/rain-risk-service/internal/notify"
	"github.com/kjstillabower/rain-risk-service/internal/observability"
	"github.com/kjstillabower/rain-risk-service/internal/publish"
	"github.com/kjstillabower/rain-risk-service/internal/registry"
	"github.com/kjstillabower/rain-risk-service/internal/risk"
	"github.com/kjstillabower/rain-risk-service/internal/store"
)

// ErrUnknownNeighborhood is returned for ids absent from the registry. No fetch,
// append or notification happens for them.
var ErrUnknownNeighborhood = registry.ErrUnknownNeighborhood

const (
	defaultConcurrency    = 4
	defaultRefreshTimeout = 30 * time.Second
	defaultPublishTimeout = 5 * time.Second
)

// Deps are the collaborators an Engine drives. Registry, Provider and Store are required.
type Deps struct {
	Registry  *registry.Registry
	Provider  client.ForecastProvider
	Store     store.Store
	Notifier  notify.Notifier
	Publisher publish.Publisher
	Tracker   *degraded.Tracker
	Clock     clockwork.Clock
	Logger    *zap.Logger
}

// Config tunes classification and cycle parallelism.
type Config struct {
	Thresholds risk.Thresholds
	// Concurrency bounds how many neighborhoods refresh at once within a cycle.
	Concurrency int
	// RefreshTimeout bounds one neighborhood refresh. The refresh is shared by every
	// caller that joins it, so it does not end with any single caller's context.
	RefreshTimeout time.Duration
	// PublishTimeout bounds the best-effort record publish.
	PublishTimeout time.Duration
}

// Engine orchestrates refreshes. Safe for concurrent use.
type Engine struct {
	registry    *registry.Registry
	provider    client.ForecastProvider
	store       store.Store
	notifier    notify.Notifier
	publisher   publish.Publisher
	tracker     *degraded.Tracker
	clock       clockwork.Clock
	logger      *zap.Logger
	thresholds  risk.Thresholds
	concurrency int

	refreshTimeout time.Duration
	publishTimeout time.Duration

	// inflight coalesces concurrent refreshes of the same neighborhood into one fetch.
	inflight singleflight.Group
}

func NewEngine(deps Deps, cfg Config) (*Engine, error) {
	if deps.Registry == nil || deps.Provider == nil || deps.Store == nil {
		return nil, errors.New("service: registry, provider and store are required")
	}
	if err := cfg.Thresholds.Validate(); err != nil {
		return nil, fmt.Errorf("service: %w", err)
	}
	e := &Engine{
		registry:    deps.Registry,
		provider:    deps.Provider,
		store:       deps.Store,
		notifier:    deps.Notifier,
		publisher:   deps.Publisher,
		tracker:     deps.Tracker,
		clock:       deps.Clock,
		logger:      deps.Logger,
		thresholds:  cfg.Thresholds,
		concurrency: cfg.Concurrency,

		refreshTimeout: cfg.RefreshTimeout,
		publishTimeout: cfg.PublishTimeout,
	}
	if e.notifier == nil {
		e.notifier = notify.Disabled{}
	}
	if e.publisher == nil {
		e.publisher = publish.Noop{}
	}
	if e.clock == nil {
		e.clock = clockwork.NewRealClock()
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.concurrency <= 0 {
		e.concurrency = defaultConcurrency
	}
	if e.refreshTimeout <= 0 {
		e.refreshTimeout = defaultRefreshTimeout
	}
	if e.publishTimeout <= 0 {
		e.publishTimeout = defaultPublishTimeout
	}
	return e, nil
}

// RefreshOne runs one full refresh for id and returns the persisted record.
// Errors wrap ErrUnknownNeighborhood, client.ErrProviderUnavailable or store.ErrStorageUnavailable.
func (e *Engine) RefreshOne(ctx context.Context, id string) (models.ClimateRecord, error) {
	n, err := e.registry.Lookup(id)
	if err != nil {
		return models.ClimateRecord{}, err
	}
	return e.refreshShared(ctx, n)
}

// refreshShared joins or starts the refresh of n. The shared refresh runs detached
// from every caller's cancellation, bounded by refreshTimeout, so one caller giving
// up neither fails the others nor keeps itself waiting.
func (e *Engine) refreshShared(ctx context.Context, n models.Neighborhood) (models.ClimateRecord, error) {
	if err := ctx.Err(); err != nil {
		return models.ClimateRecord{}, fmt.Errorf("refresh %s: %w", n.ID, err)
	}
	ch := e.inflight.DoChan(n.ID, func() (interface{}, error) {
		sharedCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.refreshTimeout)
		defer cancel()
		return e.refresh(sharedCtx, n)
	})

	select {
	case res := <-ch:
		if res.Shared {
			e.logger.Debug("refresh coalesced", zap.String("neighborhood", n.ID))
		}
		if res.Err != nil {
			return models.ClimateRecord{}, res.Err
		}
		return res.Val.(models.ClimateRecord), nil
	case <-ctx.Done():
		return models.ClimateRecord{}, fmt.Errorf("refresh %s: %w", n.ID, ctx.Err())
	}
}

func (e *Engine) refresh(ctx context.Context, n models.Neighborhood) (models.ClimateRecord, error) {
	logger := e.logger.With(zap.String("neighborhood", n.ID))

	obs, err := e.provider.Fetch(ctx, n)
	if err != nil {
		e.recordProviderOutcome(false)
		observability.RefreshesTotal.WithLabelValues(n.ID, "provider_error").Inc()
		return models.ClimateRecord{}, err
	}
	e.recordProviderOutcome(true)

	a := risk.Evaluate(obs, e.thresholds)
	observability.RiskRuleHitsTotal.WithLabelValues(string(a.Rule)).Inc()

	rec := models.ClimateRecord{
		ID:              uuid.NewString(),
		Neighborhood:    n.ID,
		ObservedAt:      obs.ObservedAt.UTC(),
		RainMM:          obs.RainMM,
		PrecipitationMM: obs.PrecipitationMM,
		WindSpeedKMH:    obs.WindSpeedKMH,
		RainPastMM:      a.RainPastMM,
		RainNextMM:      a.RainNextMM,
		Risk:            a.Risk,
		Degraded:        obs.Degraded,
		Provider:        obs.Provider,
		CreatedAt:       e.clock.Now().UTC(),
	}
	if err := e.store.Append(ctx, rec); err != nil {
		observability.RefreshesTotal.WithLabelValues(n.ID, "storage_error").Inc()
		return models.ClimateRecord{}, fmt.Errorf("refresh %s: %w", n.ID, err)
	}
	observability.SetRiskLevel(n.ID, int(rec.Risk))

	logger.Info("climate record stored",
		zap.String("provider", rec.Provider),
		zap.String("risk", rec.Risk.String()),
		zap.String("rule", string(a.Rule)),
		zap.Float64("rainMm", rec.RainMM),
		zap.Float64("rainPastMm", rec.RainPastMM),
		zap.Float64("rainNextMm", rec.RainNextMM),
		zap.Bool("degraded", rec.Degraded),
	)

	e.notifier.Notify(ctx, notify.AlertFromRecord(rec))

	pubCtx, cancel := context.WithTimeout(ctx, e.publishTimeout)
	defer cancel()
	if err := e.publisher.Publish(pubCtx, rec); err != nil {
		observability.PublishTotal.WithLabelValues("failed").Inc()
		logger.Warn("publish climate record failed", zap.Error(err))
	} else {
		observability.PublishTotal.WithLabelValues("published").Inc()
	}

	observability.RefreshesTotal.WithLabelValues(n.ID, "success").Inc()
	return rec, nil
}

func (e *Engine) recordProviderOutcome(ok bool) {
	if e.tracker == nil {
		return
	}
	if ok {
		e.tracker.RecordSuccess()
	} else {
		e.tracker.RecordError()
	}
}

// CycleResult summarizes one RefreshAll pass for logs and metrics.
type CycleResult struct {
	Started   time.Time
	Duration  time.Duration
	Total     int
	Succeeded int
	// Failures maps neighborhood id to the error that stopped its refresh.
	Failures map[string]error
}

// Failed returns the number of neighborhoods that did not produce a record.
func (r CycleResult) Failed() int {
	return len(r.Failures)
}

// RefreshAll refreshes every registered neighborhood with bounded parallelism.
// One neighborhood failing never affects the others.
func (e *Engine) RefreshAll(ctx context.Context) CycleResult {
	neighborhoods := e.registry.All()
	res := CycleResult{
		Started:  e.clock.Now(),
		Total:    len(neighborhoods),
		Failures: make(map[string]error),
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(e.concurrency)
	for _, n := range neighborhoods {
		g.Go(func() error {
			_, err := e.refreshShared(ctx, n)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failures[n.ID] = err
				e.logger.Warn("neighborhood refresh failed",
					zap.String("neighborhood", n.ID),
					zap.String("category", string(client.CategorizeError(err))),
					zap.Error(err),
				)
				return nil
			}
			res.Succeeded++
			return nil
		})
	}
	_ = g.Wait()

	res.Duration = e.clock.Since(res.Started)
	observability.CycleDuration.Observe(res.Duration.Seconds())
	e.logger.Info("refresh cycle complete",
		zap.Int("total", res.Total),
		zap.Int("succeeded", res.Succeeded),
		zap.Int("failed", res.Failed()),
		zap.Duration("duration", res.Duration),
	)
	return res
}

// LatestView is the read model for one neighborhood. Coordinates are always present;
// Record is nil and HasData false until the first record is stored.
type LatestView struct {
	Neighborhood models.Neighborhood
	Record       *models.ClimateRecord
	HasData      bool
}

// GetLatest returns the newest record for id. Pure read.
func (e *Engine) GetLatest(ctx context.Context, id string) (LatestView, error) {
	n, err := e.registry.Lookup(id)
	if err != nil {
		return LatestView{}, err
	}
	return e.latest(ctx, n)
}

// LatestAll returns one view per registered neighborhood in registry order.
func (e *Engine) LatestAll(ctx context.Context) ([]LatestView, error) {
	neighborhoods := e.registry.All()
	out := make([]LatestView, 0, len(neighborhoods))
	for _, n := range neighborhoods {
		v, err := e.latest(ctx, n)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (e *Engine) latest(ctx context.Context, n models.Neighborhood) (LatestView, error) {
	rec, found, err := e.store.Latest(ctx, n.ID)
	if err != nil {
		return LatestView{}, fmt.Errorf("latest %s: %w", n.ID, err)
	}
	v := LatestView{Neighborhood: n}
	if found {
		v.Record = &rec
		v.HasData = true
	}
	return v, nil
}

// GetHistory returns up to limit most recent records for id, oldest first.
func (e *Engine) GetHistory(ctx context.Context, id string, limit int) ([]models.ClimateRecord, error) {
	n, err := e.registry.Lookup(id)
	if err != nil {
		return nil, err
	}
	recs, err := e.store.RecentWindow(ctx, n.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("history %s: %w", n.ID, err)
	}
	return recs, nil
}

// Degraded reports whether the recent provider error rate crosses the configured threshold.
func (e *Engine) Degraded() bool {
	return e.tracker != nil && e.tracker.IsDegraded()
}
