package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Rohianon/equishare-portfolio-ledger/pkg/cache"
	apperrors "github.com/Rohianon/equishare-portfolio-ledger/pkg/errors"
	"github.com/Rohianon/equishare-portfolio-ledger/pkg/logger"
	"github.com/Rohianon/equishare-portfolio-ledger/services/ledger-service/internal/dividend"
	"github.com/Rohianon/equishare-portfolio-ledger/services/ledger-service/internal/types"
)

const (
	defaultLockTTL    = 10 * time.Minute
	defaultJobTimeout = 5 * time.Minute
)

type Pipeline interface {
	Ingest(ctx context.Context) (*types.BatchResult, error)
	Snapshot(ctx context.Context) (*types.BatchResult, error)
	Settle(ctx context.Context, opts dividend.SettleOptions) (*types.BatchResult, error)
}

// Ticker is run on every valuation tick
type Ticker interface {
	Tick(ctx context.Context) (int, error)
}

// Locker guards a batch step across replicas. A nil Locker runs
// everything unguarded.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, error)
}

type Config struct {
	IngestCron   string
	SnapshotCron string
	SettleCron   string
	TickInterval time.Duration
	Location     *time.Location
	LockTTL      time.Duration
	JobTimeout   time.Duration
}

type Scheduler struct {
	cron     *cron.Cron
	pipeline Pipeline
	ticker   Ticker
	locker   Locker
	cfg      Config

	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg Config, pipeline Pipeline, ticker Ticker, locker Locker) (*Scheduler, error) {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultLockTTL
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = defaultJobTimeout
	}

	log := cronLogger{}
	c := cron.New(
		cron.WithLocation(cfg.Location),
		cron.WithLogger(log),
		cron.WithChain(cron.Recover(log), cron.SkipIfStillRunning(log)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:     c,
		pipeline: pipeline,
		ticker:   ticker,
		locker:   locker,
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
	}

	jobs := []struct {
		spec string
		step string
	}{
		{cfg.IngestCron, dividend.StepIngest},
		{cfg.SnapshotCron, dividend.StepSnapshot},
		{cfg.SettleCron, dividend.StepSettle},
	}
	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		step := j.step
		if _, err := c.AddFunc(j.spec, func() { s.runJob(step) }); err != nil {
			cancel()
			return nil, fmt.Errorf("invalid %s schedule %q: %w", step, j.spec, err)
		}
	}

	if ticker != nil && cfg.TickInterval > 0 {
		if _, err := c.AddFunc("@every "+cfg.TickInterval.String(), s.runTick); err != nil {
			cancel()
			return nil, fmt.Errorf("invalid tick interval %s: %w", cfg.TickInterval, err)
		}
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	logger.Info().
		Int("jobs", len(s.cron.Entries())).
		Str("timezone", s.cfg.Location.String()).
		Msg("Scheduler started")
}

// Stop cancels running jobs and waits for them to return, or for ctx
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		logger.Info().Msg("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunStep runs one batch step under its lock. A step already running
// elsewhere gives ErrConflict.
func (s *Scheduler) RunStep(ctx context.Context, step string, opts dividend.SettleOptions) (*types.BatchResult, error) {
	run, err := s.stepFunc(step, opts)
	if err != nil {
		return nil, err
	}

	if s.locker != nil {
		release, err := s.locker.Acquire(ctx, step, s.cfg.LockTTL)
		if errors.Is(err, cache.ErrLockHeld) {
			return nil, apperrors.ErrConflict.WithDetails("batch step " + step + " is already running")
		}
		if err != nil {
			return nil, apperrors.ErrServiceUnavailable.WithError(err)
		}
		defer func() {
			if err := release(context.Background()); err != nil {
				logger.Warn().Err(err).Str("step", step).Msg("Failed to release batch lock")
			}
		}()
	}
	return run(ctx)
}

func (s *Scheduler) stepFunc(step string, opts dividend.SettleOptions) (func(context.Context) (*types.BatchResult, error), error) {
	switch step {
	case dividend.StepIngest:
		return s.pipeline.Ingest, nil
	case dividend.StepSnapshot:
		return s.pipeline.Snapshot, nil
	case dividend.StepSettle:
		return func(ctx context.Context) (*types.BatchResult, error) {
			return s.pipeline.Settle(ctx, opts)
		}, nil
	default:
		return nil, apperrors.ErrBadRequest.WithDetails("unknown batch step " + step)
	}
}

func (s *Scheduler) runJob(step string) {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.JobTimeout)
	defer cancel()

	res, err := s.RunStep(ctx, step, dividend.SettleOptions{})
	if errors.Is(err, apperrors.ErrConflict) {
		logger.Info().Str("step", step).Msg("Batch step skipped, lock held")
		return
	}
	if err != nil {
		logger.Error().Err(err).Str("step", step).Msg("Scheduled batch step failed")
		return
	}
	logger.Info().
		Str("step", step).
		Int("processed", res.Processed).
		Int("errors", res.Errors).
		Msg("Scheduled batch step done")
}

func (s *Scheduler) runTick() {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.JobTimeout)
	defer cancel()

	written, err := s.ticker.Tick(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("Valuation tick interrupted")
		return
	}
	if written > 0 {
		logger.Debug().Int("snapshots", written).Msg("Valuation tick")
	}
}

// cronLogger routes cron's own logging through zerolog
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	logger.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logger.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
