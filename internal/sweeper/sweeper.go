// Package sweeper runs the periodic lead-expiry and subscription-rollover
// sweeps on cron schedules.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	DefaultExpirySchedule   = "*/5 * * * *"
	DefaultRolloverSchedule = "15 * * * *"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Sweeps is the work a sweep performs.
type Sweeps interface {
	ExpireLeads(ctx context.Context) (int64, error)
	RolloverSubscriptions(ctx context.Context) (int, error)
}

// Opts configures a Sweeper. Empty schedules use the defaults.
type Opts struct {
	Sweeps           Sweeps
	ExpirySchedule   string
	RolloverSchedule string
	Logger           *slog.Logger
}

// Sweeper owns a cron scheduler with one job per sweep.
type Sweeper struct {
	cron   *cron.Cron
	sweeps Sweeps
	logger *slog.Logger
}

// New validates the schedules and registers both sweeps.
func New(opts Opts) (*Sweeper, error) {
	if opts.Sweeps == nil {
		return nil, fmt.Errorf("sweeper: sweeps are required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ExpirySchedule == "" {
		opts.ExpirySchedule = DefaultExpirySchedule
	}
	if opts.RolloverSchedule == "" {
		opts.RolloverSchedule = DefaultRolloverSchedule
	}

	logger := cron.PrintfLogger(slog.NewLogLogger(opts.Logger.Handler(), slog.LevelError))
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithLocation(time.UTC),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	s := &Sweeper{cron: c, sweeps: opts.Sweeps, logger: opts.Logger}

	if _, err := c.AddFunc(opts.ExpirySchedule, s.expire); err != nil {
		return nil, fmt.Errorf("sweeper: expiry schedule %q: %w", opts.ExpirySchedule, err)
	}
	if _, err := c.AddFunc(opts.RolloverSchedule, s.rollover); err != nil {
		return nil, fmt.Errorf("sweeper: rollover schedule %q: %w", opts.RolloverSchedule, err)
	}
	return s, nil
}

// Run starts the scheduler and blocks until ctx is cancelled. It waits for
// running sweeps to finish before returning.
func (s *Sweeper) Run(ctx context.Context) error {
	s.cron.Start()
	for _, e := range s.cron.Entries() {
		s.logger.Info("sweep scheduled", "entry", e.ID, "next", e.Next)
	}
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}

func (s *Sweeper) expire() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if _, err := s.sweeps.ExpireLeads(ctx); err != nil {
		s.logger.Error("expiry sweep failed", "error", err)
	}
}

func (s *Sweeper) rollover() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if _, err := s.sweeps.RolloverSubscriptions(ctx); err != nil {
		s.logger.Error("rollover sweep failed", "error", err)
	}
}

// Result reports what a single pass changed.
type Result struct {
	Expired    int64
	RolledOver int
}

// RunOnce performs both sweeps immediately. Both run even if the first
// fails; the errors are joined.
func RunOnce(ctx context.Context, sweeps Sweeps) (Result, error) {
	var res Result
	var errExpire, errRollover error
	res.Expired, errExpire = sweeps.ExpireLeads(ctx)
	res.RolledOver, errRollover = sweeps.RolloverSubscriptions(ctx)
	return res, errors.Join(errExpire, errRollover)
}

// NextRun returns the first fire time of expr after now.
func NextRun(expr string, now time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("sweeper: parse %q: %w", expr, err)
	}
	return sched.Next(now), nil
}
