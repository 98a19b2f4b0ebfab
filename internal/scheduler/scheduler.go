package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"coindrift/internal/clock"
)

// Jobs are the operations the scheduler drives. BaselineDate feeds the
// once-per-day trigger guard.
type Jobs struct {
	SetBaseline  func(ctx context.Context) error
	Check        func(ctx context.Context) error
	RunSummary   func(ctx context.Context) error
	BaselineDate func() (clock.Date, bool)
}

// Options tune scheduler behaviour.
type Options struct {
	// BaselineAt and SummaryAt are daily wall-clock triggers.
	BaselineAt clock.TimeOfDay
	SummaryAt  clock.TimeOfDay
	// TickInterval is the trigger loop granularity, normally one minute.
	TickInterval time.Duration
	// CheckInterval is the independent drift check cadence.
	CheckInterval time.Duration
	StartupDelay  time.Duration
}

// Scheduler runs two independent cadences: a minute-granularity loop for
// the daily baseline/summary triggers, and an interval loop for drift
// checks. A slow or failing job on one cadence never delays the other.
type Scheduler struct {
	opts   Options
	clk    clock.Clock
	logger zerolog.Logger

	mu              sync.Mutex
	lastSummaryDate clock.Date
}

// New constructs a Scheduler instance.
func New(opts Options, clk clock.Clock, logger zerolog.Logger) *Scheduler {
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Minute
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = 5 * time.Minute
	}
	return &Scheduler{
		opts:   opts,
		clk:    clk,
		logger: logger.With().Str("component", "scheduler").Logger(),
	}
}

// Run blocks until ctx is cancelled. Job errors are logged, never fatal:
// the next tick of either cadence always proceeds.
func (s *Scheduler) Run(ctx context.Context, jobs Jobs) error {
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		s.triggerLoop(ctx, jobs)
	}()
	go func() {
		defer wg.Done()
		s.checkLoop(ctx, jobs)
	}()

	wg.Wait()
	return ctx.Err()
}

func (s *Scheduler) triggerLoop(ctx context.Context, jobs Jobs) {
	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.evaluateTriggers(ctx, jobs)
		}
	}
}

// evaluateTriggers fires at most one baseline capture and one summary per
// calendar day, however many ticks land inside the trigger minute.
func (s *Scheduler) evaluateTriggers(ctx context.Context, jobs Jobs) {
	now := s.clk.Now()
	today := clock.DateOf(now)

	if s.opts.BaselineAt.Matches(now) && jobs.SetBaseline != nil {
		date, ok := jobs.BaselineDate()
		if !ok || date != today {
			s.logger.Info().Str("at", s.opts.BaselineAt.String()).Msg("baseline trigger fired")
			if err := jobs.SetBaseline(ctx); err != nil {
				s.logger.Error().Err(err).Msg("scheduled baseline capture failed")
			}
		}
	}

	if s.opts.SummaryAt.Matches(now) && jobs.RunSummary != nil {
		s.mu.Lock()
		sentToday := s.lastSummaryDate == today
		s.mu.Unlock()
		if !sentToday {
			s.logger.Info().Str("at", s.opts.SummaryAt.String()).Msg("summary trigger fired")
			if err := jobs.RunSummary(ctx); err != nil {
				s.logger.Error().Err(err).Msg("scheduled summary failed")
			} else {
				s.mu.Lock()
				s.lastSummaryDate = today
				s.mu.Unlock()
			}
		}
	}
}

func (s *Scheduler) checkLoop(ctx context.Context, jobs Jobs) {
	if jobs.Check == nil {
		return
	}

	ticker := time.NewTicker(s.opts.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := jobs.Check(ctx); err != nil {
				s.logger.Error().Err(err).Msg("drift check failed; retrying on next tick")
			}
		}
	}
}
