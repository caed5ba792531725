package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Outcome summarises one refresh pass.
type Outcome struct {
	Total   int `json:"total"`
	Updated int `json:"updated"`
	Failed  int `json:"failed"`
}

// FullFailure reports whether every fetch in the pass failed.
func (o Outcome) FullFailure() bool {
	return o.Total > 0 && o.Failed >= o.Total
}

// TickFunc is invoked on every interval.
type TickFunc func(ctx context.Context, at time.Time) (Outcome, error)

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	AlignToStart bool
	StartupDelay time.Duration
	// RunOnStart fires the first tick immediately after the startup delay.
	RunOnStart bool
	Adaptive   AdaptiveOptions
	// OnInterval observes the initial interval and every adaptive change.
	OnInterval func(time.Duration)
}

// Scheduler drives periodic refresh passes. Ticks never overlap.
type Scheduler struct {
	opts     Options
	logger   zerolog.Logger
	adaptive *Adaptive
	current  atomic.Int64
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	s := &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Logger()}
	interval := opts.Interval
	if opts.Adaptive.Enabled {
		s.adaptive = NewAdaptive(opts.Adaptive, opts.Interval)
		interval = s.adaptive.Current()
	}
	s.current.Store(int64(interval))
	if opts.OnInterval != nil {
		opts.OnInterval(interval)
	}
	return s
}

// CurrentInterval is the delay that will precede the next tick.
func (s *Scheduler) CurrentInterval() time.Duration {
	return time.Duration(s.current.Load())
}

// Adaptive reports whether the interval reacts to tick outcomes.
func (s *Scheduler) Adaptive() bool {
	return s.adaptive != nil
}

// Run blocks, invoking the tick function every interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if s.opts.RunOnStart {
		s.runTick(ctx, tick, time.Now().UTC())
	}

	next := s.nextTick(time.Now().UTC())
	for {
		delay := time.Until(next)
		if delay < 0 {
			next = s.nextTick(time.Now().UTC())
			delay = time.Until(next)
		}

		timer := time.NewTimer(delay)
		s.logger.Debug().Time("next_tick", next).Dur("interval", s.CurrentInterval()).Msg("waiting for next tick")

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			timer.Stop()
		}

		s.runTick(ctx, tick, s.tickTime(next))
		next = s.nextTick(time.Now().UTC())
	}
}

func (s *Scheduler) runTick(ctx context.Context, tick TickFunc, at time.Time) {
	start := time.Now()
	outcome, err := tick(ctx, at)
	if err != nil {
		s.logger.Error().Err(err).Time("at", at).Msg("tick execution failed")
	} else {
		s.logger.Info().Time("at", at).
			Int("total", outcome.Total).
			Int("updated", outcome.Updated).
			Int("failed", outcome.Failed).
			Dur("took", time.Since(start)).
			Msg("tick completed")
	}

	if s.adaptive == nil {
		return
	}
	prev := s.CurrentInterval()
	next := s.adaptive.Observe(outcome, err)
	s.current.Store(int64(next))
	if next != prev {
		s.logger.Info().Dur("from", prev).Dur("to", next).Msg("refresh interval adjusted")
		if s.opts.OnInterval != nil {
			s.opts.OnInterval(next)
		}
	}
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	interval := s.CurrentInterval()
	if !s.opts.AlignToStart || s.adaptive != nil {
		return now.Add(interval)
	}
	bucket := now.Truncate(interval)
	if !bucket.After(now) {
		bucket = bucket.Add(interval)
	}
	return bucket
}

func (s *Scheduler) tickTime(t time.Time) time.Time {
	if !s.opts.AlignToStart || s.adaptive != nil {
		return t
	}
	return t.Truncate(s.CurrentInterval())
}
