// Package scheduler drives poll cycles on a fixed interval.
package scheduler

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/sirupsen/logrus"

	"schema-poller/internal/config"
	"schema-poller/internal/poller"
)

// Job runs one scheduled cycle. Jobs run one at a time; a job that overruns
// delays the next tick rather than overlapping it.
type Job func(ctx context.Context, tick poller.Tick)

type Scheduler struct {
	interval     time.Duration
	tolerance    time.Duration
	runOnStartup bool
	clock        clock.Clock
	logger       *logrus.Logger
}

func New(cfg *config.ScheduleConfig, clk clock.Clock, logger *logrus.Logger) *Scheduler {
	return &Scheduler{
		interval:     cfg.Interval,
		tolerance:    cfg.PastDueTolerance,
		runOnStartup: cfg.RunOnStartup,
		clock:        clk,
		logger:       logger,
	}
}

// Run calls job at every interval until ctx is done. Slots missed while a job
// was running collapse into a single immediate run flagged as past due.
func (s *Scheduler) Run(ctx context.Context, job Job) error {
	start := s.clock.Now()
	s.logger.Infof("Scheduler started, polling every %s", s.interval)

	next := start.Add(s.interval)
	if s.runOnStartup {
		job(ctx, poller.Tick{ScheduledAt: start})
		next = s.advance(start)
	}

	for {
		if wait := next.Sub(s.clock.Now()); wait > 0 {
			select {
			case <-ctx.Done():
				s.logger.Info("Scheduler stopped")
				return ctx.Err()
			case <-s.clock.After(wait):
			}
		} else if ctx.Err() != nil {
			s.logger.Info("Scheduler stopped")
			return ctx.Err()
		}

		lateness := s.clock.Now().Sub(next)
		job(ctx, poller.Tick{
			ScheduledAt: next,
			PastDue:     lateness > s.tolerance,
		})

		next = s.advance(next)
	}
}

// advance returns the slot after scheduled. When the clock has already
// passed one or more slots, it returns the most recent of them.
func (s *Scheduler) advance(scheduled time.Time) time.Time {
	next := scheduled.Add(s.interval)
	now := s.clock.Now()
	if next.After(now) {
		return next
	}

	missed := int64(now.Sub(next) / s.interval)
	if missed > 0 {
		s.logger.WithField("missed", missed).Warn("Poll cycle overran its interval, skipping missed ticks")
	}
	return next.Add(time.Duration(missed) * s.interval)
}
