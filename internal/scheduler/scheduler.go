// Package scheduler drives periodic refresh cycles with an explicit
// Start/Stop lifecycle.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/kjstillabower/rain-risk-service/internal/lifecycle"
	"github.com/kjstillabower/rain-risk-service/internal/observability"
	"github.com/kjstillabower/rain-risk-service/internal/service"
)

var (
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("scheduler already started")
	// ErrStopped is returned by Start after Stop.
	ErrStopped = errors.New("scheduler stopped")
)

// Refresher runs one full cycle over all neighborhoods.
type Refresher interface {
	RefreshAll(ctx context.Context) service.CycleResult
}

// Config controls cadence.
type Config struct {
	// Interval between cycle starts. cron cannot fire more often than once a second.
	Interval time.Duration
	// CycleTimeout bounds a single cycle. Zero means Interval.
	CycleTimeout time.Duration
}

// Scheduler runs a synchronous cycle on Start and then one cycle per interval.
// A tick that fires while the previous cycle is still running is skipped.
type Scheduler struct {
	refresher Refresher
	cfg       Config
	logger    *zap.Logger
	machine   lifecycle.Machine
	cron      *cron.Cron

	// runCtx outlives Start's ctx; it is cancelled only when Stop gives up waiting.
	runCtx context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	startup sync.WaitGroup
	ready   atomic.Bool
}

func New(refresher Refresher, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = cfg.Interval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cl := observability.CronLogger(logger)
	runCtx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		refresher: refresher,
		cfg:       cfg,
		logger:    logger,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		runCtx: runCtx,
		cancel: cancel,
	}
}

// Ready reports whether the startup cycle has completed.
func (s *Scheduler) Ready() bool {
	return s.ready.Load()
}

// State reports the lifecycle state for health checks.
func (s *Scheduler) State() lifecycle.State {
	return s.machine.State()
}

// Start runs one cycle before returning and then arms the interval job. ctx only
// gates entry: once the startup cycle begins it runs to completion unless Stop
// gives up waiting for it.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("scheduler: start: %w", err)
	}
	s.mu.Lock()
	if err := s.machine.Transition(lifecycle.StateIdle, lifecycle.StateRunning); err != nil {
		s.mu.Unlock()
		if s.machine.State() == lifecycle.StateRunning {
			return ErrAlreadyStarted
		}
		return ErrStopped
	}
	// registered under mu so a concurrent Stop always waits for the startup cycle
	s.startup.Add(1)
	s.mu.Unlock()

	s.runCycle(s.runCtx, "startup")
	s.ready.Store(true)
	s.startup.Done()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.machine.State() != lifecycle.StateRunning {
		return nil
	}
	if _, err := s.cron.AddFunc("@every "+s.cfg.Interval.String(), func() {
		s.runCycle(s.runCtx, "tick")
	}); err != nil {
		return fmt.Errorf("scheduler: schedule interval job: %w", err)
	}
	s.cron.Start()
	s.logger.Info("scheduler started", zap.Duration("interval", s.cfg.Interval))
	return nil
}

func (s *Scheduler) runCycle(parent context.Context, trigger string) {
	ctx, cancel := context.WithTimeout(parent, s.cfg.CycleTimeout)
	defer cancel()

	observability.CyclesTotal.WithLabelValues(trigger).Inc()
	res := s.refresher.RefreshAll(ctx)
	if res.Failed() > 0 {
		s.logger.Warn("refresh cycle had failures",
			zap.String("trigger", trigger),
			zap.Int("failed", res.Failed()),
			zap.Int("total", res.Total),
		)
	}
}

// Stop prevents new ticks and waits for an in-progress cycle. If ctx expires first
// the cycle is cancelled and Stop still waits for it to unwind. Stop is idempotent.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if err := s.machine.Transition(lifecycle.StateRunning, lifecycle.StateShuttingDown); err != nil {
		if s.machine.State() == lifecycle.StateIdle {
			_ = s.machine.Transition(lifecycle.StateIdle, lifecycle.StateShuttingDown)
		}
		s.mu.Unlock()
		s.cancel()
		return nil
	}
	cronDone := s.cron.Stop()
	s.mu.Unlock()

	s.logger.Info("scheduler stopping")
	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.startup.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		s.logger.Warn("scheduler stop deadline exceeded, cycle cancelled")
		return fmt.Errorf("scheduler: stop: %w", ctx.Err())
	}
}
