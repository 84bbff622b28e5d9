package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/artpar/billcycle/domain/fault"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// SchedulerConfig configures the background sweeps.
type SchedulerConfig struct {
	CycleSpec  string // cron spec of the cycle-close sweep
	RetrySpec  string // cron spec of the settlement retry sweep
	Workers    int    // accounts closed in parallel
	MaxCatchUp int    // cycles closed per account per sweep
	BatchSize  int    // due accounts loaded per sweep
}

// DefaultSchedulerConfig returns the default sweep settings.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		CycleSpec:  "@every 1m",
		RetrySpec:  "@every 15s",
		Workers:    4,
		MaxCatchUp: 12,
		BatchSize:  500,
	}
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	def := DefaultSchedulerConfig()
	if c.CycleSpec == "" {
		c.CycleSpec = def.CycleSpec
	}
	if c.RetrySpec == "" {
		c.RetrySpec = def.RetrySpec
	}
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.MaxCatchUp <= 0 {
		c.MaxCatchUp = def.MaxCatchUp
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	return c
}

// SweepResult summarizes one cycle sweep.
type SweepResult struct {
	Accounts int // due accounts examined
	Closed   int // cycles closed
	Failed   int // accounts whose close failed
}

// Scheduler closes due cycles and retries settlements on cron schedules.
type Scheduler struct {
	*env
	cycles     *CycleManager
	settlement *Settlement
	cfg        SchedulerConfig

	mu   sync.Mutex
	cron *cron.Cron
}

// Start registers the sweeps and starts the cron runner. Overlapping runs of
// the same sweep are skipped.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return errors.New("scheduler already started")
	}

	logger := cronLogger{s.logger}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(s.cfg.CycleSpec, func() {
		if _, err := s.SweepOnce(ctx); err != nil {
			s.logger.Error().Err(err).Msg("cycle sweep failed")
		}
	}); err != nil {
		return fmt.Errorf("cycle spec %q: %w", s.cfg.CycleSpec, err)
	}
	if _, err := c.AddFunc(s.cfg.RetrySpec, func() {
		if n, err := s.settlement.ProcessDue(ctx); err != nil {
			s.logger.Error().Err(err).Msg("retry sweep failed")
		} else if n > 0 {
			s.logger.Debug().Int("count", n).Msg("retry sweep done")
		}
	}); err != nil {
		return fmt.Errorf("retry spec %q: %w", s.cfg.RetrySpec, err)
	}

	c.Start()
	s.cron = c
	s.logger.Info().
		Str("cycle_spec", s.cfg.CycleSpec).
		Str("retry_spec", s.cfg.RetrySpec).
		Int("workers", s.cfg.Workers).
		Msg("scheduler started")
	return nil
}

// Stop stops scheduling and waits for running sweeps, or until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}

	select {
	case <-c.Stop().Done():
		s.logger.Info().Msg("scheduler stopped")
	case <-ctx.Done():
		s.logger.Warn().Msg("scheduler stop timed out with sweeps still running")
	}
}

// SweepOnce closes every cycle that has ended, catching up at most
// MaxCatchUp cycles per account.
func (s *Scheduler) SweepOnce(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	defer func() { s.metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	now := s.clock.Now()
	due, err := s.accounts.ListDue(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return SweepResult{}, fmt.Errorf("list due accounts: %w", err)
	}
	if len(due) == 0 {
		return SweepResult{}, nil
	}

	var closed, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for _, a := range due {
		id := a.ID
		g.Go(func() error {
			n, err := s.catchUp(gctx, id, now)
			closed.Add(int64(n))
			if err != nil {
				failed.Add(1)
				s.logger.Error().Err(err).Str("account_id", id).Int("closed", n).Msg("cycle close failed")
			}
			return nil
		})
	}
	g.Wait()

	res := SweepResult{Accounts: len(due), Closed: int(closed.Load()), Failed: int(failed.Load())}
	s.logger.Info().
		Int("accounts", res.Accounts).
		Int("closed", res.Closed).
		Int("failed", res.Failed).
		Msg("cycle sweep done")
	return res, ctx.Err()
}

func (s *Scheduler) catchUp(ctx context.Context, accountID string, now time.Time) (int, error) {
	for n := 0; n < s.cfg.MaxCatchUp; n++ {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		_, err := s.cycles.CloseCycle(ctx, accountID, now)
		if errors.Is(err, fault.ErrCycleNotEnded) || errors.Is(err, fault.ErrInvalidState) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
	}
	return s.cfg.MaxCatchUp, nil
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
