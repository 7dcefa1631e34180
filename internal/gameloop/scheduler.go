// Package gameloop drives a session at a fixed rate. One Scheduler runs per
// process on a single goroutine; it measures the delta since the previous
// iteration, ticks the session and any game-logic hooks, then sleeps for the
// rest of the period.
package gameloop

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/minetest/internal/config"
)

// Role fixes whether the target rate is a frame rate or a tick rate.
type Role uint8

const (
	// RoleClient paces to a frames-per-second target.
	RoleClient Role = iota
	// RoleServer paces to a ticks-per-second target.
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// Unit returns the rate unit for the role.
func (r Role) Unit() string {
	if r == RoleServer {
		return "TPS"
	}
	return "FPS"
}

// Pacing selects whether the loop sleeps to its target rate.
type Pacing uint8

const (
	// PaceAlways sleeps out the remainder of every period.
	PaceAlways Pacing = iota
	// PaceNever runs iterations back to back.
	PaceNever
)

// ParsePacing converts a configuration value to a Pacing.
func ParsePacing(s string) (Pacing, error) {
	switch s {
	case config.PacingAlways:
		return PaceAlways, nil
	case config.PacingNever:
		return PaceNever, nil
	default:
		return 0, fmt.Errorf("unknown pacing %q", s)
	}
}

// Session is the network session ticked once per iteration.
type Session interface {
	// OnTick processes queued traffic and advances timers by delta seconds.
	// A non-nil error ends the loop.
	OnTick(delta float64) error
	// ShutdownApproved reports whether the session wants the loop to stop.
	ShutdownApproved() bool
}

// Hook is game logic invoked after the session has processed its traffic.
type Hook interface {
	OnTick(delta float64)
}

// HookFunc adapts a function to Hook.
type HookFunc func(delta float64)

// OnTick calls f.
func (f HookFunc) OnTick(delta float64) { f(delta) }

// Options configures a Scheduler.
type Options struct {
	Pacing Pacing
	// ReportInterval is how often the measured rate is logged. Zero disables reporting.
	ReportInterval time.Duration
	// Hooks run in order after every session tick.
	Hooks []Hook
	// Flag is the shared shutdown flag; nil allocates a private one.
	Flag *ShutdownFlag
	// Now overrides the clock used for delta and rate measurement.
	Now func() time.Time
}

// Scheduler is the fixed-rate game loop.
type Scheduler struct {
	role      Role
	frameRate float64
	tickRate  float64
	period    atomic.Int64

	session Session
	hooks   []Hook
	flag    *ShutdownFlag
	pacing  Pacing
	now     func() time.Time
	logger  *zap.Logger

	deltas    *DeltaReporter
	rate      *RateReporter
	lastDelta float64
	ticks     uint64
}

// New creates a scheduler for role ticking session at targetRate iterations per second.
//
// Precondition: targetRate is finite and > 0; session and logger must be non-nil.
// Postcondition: Returns a scheduler ready to Run, or an error.
func New(role Role, targetRate float64, session Session, opts Options, logger *zap.Logger) (*Scheduler, error) {
	if err := checkRate(targetRate); err != nil {
		return nil, err
	}
	if session == nil {
		return nil, errors.New("gameloop: session must not be nil")
	}
	if opts.Flag == nil {
		opts.Flag = &ShutdownFlag{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Scheduler{
		role:    role,
		session: session,
		hooks:   opts.Hooks,
		flag:    opts.Flag,
		pacing:  opts.Pacing,
		now:     opts.Now,
		logger:  logger.With(zap.Stringer("role", role)),
		deltas:  NewDeltaReporter(opts.Now),
	}
	if opts.ReportInterval > 0 {
		s.rate = NewRateReporter(opts.ReportInterval, opts.Now)
	}
	if role == RoleServer {
		s.tickRate = targetRate
	} else {
		s.frameRate = targetRate
	}
	s.period.Store(int64(periodFor(targetRate)))
	return s, nil
}

// checkRate rejects rates whose period is not a positive, representable duration.
func checkRate(rate float64) error {
	if math.IsNaN(rate) || math.IsInf(rate, 0) || rate <= 0 {
		return fmt.Errorf("gameloop: target rate must be a finite number > 0, got %g", rate)
	}
	period := float64(time.Second) / rate
	if period < 1 || period > math.MaxInt64 {
		return fmt.Errorf("gameloop: target rate %g has no representable period", rate)
	}
	return nil
}

func periodFor(rate float64) time.Duration {
	return time.Duration(float64(time.Second) / rate)
}

// Role returns the scheduler role.
func (s *Scheduler) Role() Role { return s.role }

// Period returns the current wake period.
func (s *Scheduler) Period() time.Duration { return time.Duration(s.period.Load()) }

// TargetRate returns the active target in iterations per second.
func (s *Scheduler) TargetRate() float64 {
	if s.role == RoleServer {
		return s.tickRate
	}
	return s.frameRate
}

// Delta returns the delta passed to the most recent tick.
func (s *Scheduler) Delta() float64 { return s.lastDelta }

// Ticks returns the number of completed iterations.
func (s *Scheduler) Ticks() uint64 { return s.ticks }

// ShutdownFlag returns the shared shutdown flag.
func (s *Scheduler) ShutdownFlag() *ShutdownFlag { return s.flag }

// SetRate changes the target rate for the scheduler's role. Delta measurement
// is not reset; the new period applies from the next sleep.
//
// Precondition: rate is finite and > 0.
func (s *Scheduler) SetRate(rate float64) error {
	if err := checkRate(rate); err != nil {
		return err
	}
	if s.role == RoleServer {
		s.tickRate = rate
	} else {
		s.frameRate = rate
	}
	s.period.Store(int64(periodFor(rate)))
	s.logger.Info("target rate changed", zap.Float64(s.role.Unit(), rate))
	return nil
}

// SetFrameRateTarget records a new frame rate goal. It only changes the
// period when the scheduler runs as a client.
func (s *Scheduler) SetFrameRateTarget(fps float64) error {
	if s.role != RoleClient {
		if err := checkRate(fps); err != nil {
			return err
		}
		s.frameRate = fps
		return nil
	}
	return s.SetRate(fps)
}

// SetTickRateTarget records a new tick rate goal. It only changes the period
// when the scheduler runs as a server.
func (s *Scheduler) SetTickRateTarget(tps float64) error {
	if s.role != RoleServer {
		if err := checkRate(tps); err != nil {
			return err
		}
		s.tickRate = tps
		return nil
	}
	return s.SetRate(tps)
}

// Stop raises the shutdown flag; Run returns after the current iteration.
func (s *Scheduler) Stop() {
	s.flag.Set()
}

// Run loops until the shutdown flag is raised, the session approves a
// shutdown, the session fails, or ctx is cancelled.
//
// Postcondition: The shutdown flag is set when Run returns. Returns nil on a
// clean shutdown and the session error otherwise.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.flag.Set()

	s.logger.Info("game loop started",
		zap.Float64(s.role.Unit(), s.TargetRate()),
		zap.Bool("paced", s.pacing == PaceAlways),
	)
	s.deltas = NewDeltaReporter(s.now)
	next := time.Now()

	for !s.flag.IsSet() && ctx.Err() == nil {
		stop, err := s.step()
		if err != nil {
			s.logger.Warn("game loop stopped by session error",
				zap.Uint64("ticks", s.ticks),
				zap.Error(err),
			)
			return err
		}
		if stop {
			s.logger.Info("shutdown approved", zap.Uint64("ticks", s.ticks))
			return nil
		}
		if s.pacing == PaceAlways {
			next = s.sleep(ctx, next)
		}
	}

	s.logger.Info("game loop stopped", zap.Uint64("ticks", s.ticks))
	return nil
}

// step runs one iteration and reports whether the loop should stop.
func (s *Scheduler) step() (bool, error) {
	delta := s.deltas.Report()
	s.lastDelta = delta

	if err := s.session.OnTick(delta); err != nil {
		return true, err
	}
	for _, h := range s.hooks {
		h.OnTick(delta)
	}
	s.ticks++

	if s.rate != nil {
		if measured, ok := s.rate.Increment(); ok {
			s.logger.Debug("loop rate", zap.Float64(s.role.Unit(), measured))
		}
	}
	return s.session.ShutdownApproved(), nil
}

// sleep waits until the next deadline and returns the deadline after it. A
// loop that has fallen more than one period behind skips the missed wakeups.
func (s *Scheduler) sleep(ctx context.Context, next time.Time) time.Time {
	period := s.Period()
	next = next.Add(period)
	wait := time.Until(next)
	if wait <= 0 {
		if -wait > period {
			return time.Now()
		}
		return next
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
	return next
}
