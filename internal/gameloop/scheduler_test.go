package gameloop

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
	"pgregory.net/rapid"
)

// stubSession counts ticks and stops or fails on request.
type stubSession struct {
	mu       sync.Mutex
	ticks    int
	deltas   []float64
	stopAt   int
	failAt   int
	failWith error
	events   *[]string
}

func (s *stubSession) OnTick(delta float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticks++
	s.deltas = append(s.deltas, delta)
	if s.events != nil {
		*s.events = append(*s.events, "session")
	}
	if s.failAt > 0 && s.ticks >= s.failAt {
		return s.failWith
	}
	return nil
}

func (s *stubSession) ShutdownApproved() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopAt > 0 && s.ticks >= s.stopAt
}

func (s *stubSession) Ticks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticks
}

func TestNew_RejectsNonPositiveRate(t *testing.T) {
	for _, rate := range []float64{0, -20} {
		_, err := New(RoleServer, rate, &stubSession{}, Options{}, zaptest.NewLogger(t))
		assert.Error(t, err, "rate %g", rate)
	}
}

func TestNew_RejectsNonFiniteRate(t *testing.T) {
	for _, rate := range []float64{math.NaN(), math.Inf(1), math.Inf(-1), 1e-300, 1e12} {
		_, err := New(RoleClient, rate, &stubSession{}, Options{}, zaptest.NewLogger(t))
		assert.Error(t, err, "rate %g", rate)
	}
}

func TestNew_RejectsNilSession(t *testing.T) {
	_, err := New(RoleServer, 20, nil, Options{}, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestNew_PeriodFromRate(t *testing.T) {
	s, err := New(RoleServer, 20, &stubSession{}, Options{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, 50*time.Millisecond, s.Period())
	assert.Equal(t, 20.0, s.TargetRate())
	assert.Equal(t, "TPS", s.Role().Unit())
}

func TestRun_StopsWhenSessionApprovesShutdown(t *testing.T) {
	sess := &stubSession{stopAt: 5}
	s, err := New(RoleServer, 1000, sess, Options{Pacing: PaceNever}, zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, 5, sess.Ticks())
	assert.Equal(t, uint64(5), s.Ticks())
	assert.True(t, s.ShutdownFlag().IsSet())
}

func TestRun_ReturnsSessionErrorAndSetsFlag(t *testing.T) {
	boom := errors.New("lost")
	sess := &stubSession{failAt: 3, failWith: boom}
	flag := &ShutdownFlag{}
	s, err := New(RoleClient, 1000, sess, Options{Pacing: PaceNever, Flag: flag}, zaptest.NewLogger(t))
	require.NoError(t, err)

	err = s.Run(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.True(t, flag.IsSet())
	assert.Equal(t, uint64(2), s.Ticks(), "failed iteration is not counted")
}

func TestRun_HooksRunAfterSessionEachTick(t *testing.T) {
	var events []string
	sess := &stubSession{stopAt: 3, events: &events}
	hook := HookFunc(func(delta float64) { events = append(events, "hook") })
	s, err := New(RoleServer, 1000, sess, Options{Pacing: PaceNever, Hooks: []Hook{hook}}, zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, []string{"session", "hook", "session", "hook", "session", "hook"}, events)
}

func TestRun_HooksSkippedOnSessionError(t *testing.T) {
	called := 0
	sess := &stubSession{failAt: 1, failWith: errors.New("x")}
	s, err := New(RoleClient, 1000, sess, Options{Pacing: PaceNever, Hooks: []Hook{HookFunc(func(float64) { called++ })}}, zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.Error(t, s.Run(context.Background()))
	assert.Zero(t, called)
}

func TestRun_PreSetFlagRunsNoTicks(t *testing.T) {
	sess := &stubSession{}
	flag := &ShutdownFlag{}
	flag.Set()
	s, err := New(RoleServer, 20, sess, Options{Flag: flag}, zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, s.Run(context.Background()))
	assert.Zero(t, sess.Ticks())
}

func TestRun_StopFromAnotherGoroutine(t *testing.T) {
	sess := &stubSession{}
	s, err := New(RoleServer, 100, sess, Options{}, zaptest.NewLogger(t))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	require.Eventually(t, func() bool { return sess.Ticks() >= 3 }, 2*time.Second, 5*time.Millisecond)
	s.Stop()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not observe the shutdown flag")
	}
}

func TestRun_ContextCancelInterruptsSleep(t *testing.T) {
	sess := &stubSession{}
	s, err := New(RoleServer, 0.1, sess, Options{}, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return sess.Ticks() == 1 }, time.Second, time.Millisecond)
	start := time.Now()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
		assert.Less(t, time.Since(start), time.Second, "a 10s period must not be slept out")
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler ignored context cancellation")
	}
}

func TestRun_TwentyHertzForOneSecond(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test")
	}
	sess := &stubSession{}
	s, err := New(RoleServer, 20, sess, Options{Pacing: PaceAlways}, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Run(ctx))

	assert.InDelta(t, 20, sess.Ticks(), 1)
}

func TestRun_PacedDeltasTrackPeriod(t *testing.T) {
	sess := &stubSession{stopAt: 6}
	s, err := New(RoleServer, 50, sess, Options{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, s.Run(context.Background()))

	// The first delta measures loop startup only.
	for i, d := range sess.deltas[1:] {
		assert.InDelta(t, 0.02, d, 0.015, "delta %d", i+1)
	}
}

func TestSetRate_ChangesPeriod(t *testing.T) {
	s, err := New(RoleClient, 60, &stubSession{}, Options{}, zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, s.SetRate(10))
	assert.Equal(t, 100*time.Millisecond, s.Period())
	assert.Equal(t, 10.0, s.TargetRate())

	assert.Error(t, s.SetRate(0))
	assert.Equal(t, 100*time.Millisecond, s.Period(), "rejected rate leaves the period alone")
}

func TestSetRate_DuringRunKeepsDeltaHistory(t *testing.T) {
	clock := newFakeClock()
	var s *Scheduler
	sess := &stubSession{stopAt: 3}
	hook := HookFunc(func(float64) {
		clock.Advance(10 * time.Millisecond)
		if s.Ticks() == 0 {
			require.NoError(t, s.SetRate(2000))
		}
	})
	var err error
	s, err = New(RoleServer, 1000, sess, Options{Pacing: PaceNever, Hooks: []Hook{hook}, Now: clock.Now}, zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, []float64{0, 0.01, 0.01}, sess.deltas)
	assert.Equal(t, 500*time.Microsecond, s.Period())
}

func TestSetRate_RejectsNonFiniteRate(t *testing.T) {
	s, err := New(RoleServer, 20, &stubSession{}, Options{}, zaptest.NewLogger(t))
	require.NoError(t, err)

	for _, rate := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		assert.Error(t, s.SetRate(rate), "rate %g", rate)
		assert.Error(t, s.SetTickRateTarget(rate), "tick target %g", rate)
		assert.Error(t, s.SetFrameRateTarget(rate), "frame target %g", rate)
	}
	assert.Equal(t, 50*time.Millisecond, s.Period())
	assert.Equal(t, 20.0, s.TargetRate())
}

func TestPropertyAcceptedRateHasPositivePeriod(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		rate := rapid.Float64().Draw(t, "rate")
		s, err := New(RoleServer, 20, &stubSession{}, Options{}, zap.NewNop())
		if err != nil {
			t.Fatal(err)
		}
		if err := s.SetRate(rate); err != nil {
			if s.Period() != 50*time.Millisecond {
				t.Fatalf("rejected rate %g changed the period to %v", rate, s.Period())
			}
			return
		}
		if s.Period() <= 0 || math.IsNaN(s.TargetRate()) {
			t.Fatalf("rate %g accepted with period %v", rate, s.Period())
		}
	})
}

func TestSetFrameAndTickTargetsAreRoleAware(t *testing.T) {
	server, err := New(RoleServer, 20, &stubSession{}, Options{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, server.SetFrameRateTarget(144))
	assert.Equal(t, 50*time.Millisecond, server.Period(), "frame target ignored by a server")
	require.NoError(t, server.SetTickRateTarget(10))
	assert.Equal(t, 100*time.Millisecond, server.Period())

	client, err := New(RoleClient, 60, &stubSession{}, Options{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, client.SetTickRateTarget(1))
	assert.Equal(t, 60.0, client.TargetRate(), "tick target ignored by a client")
	require.NoError(t, client.SetFrameRateTarget(100))
	assert.Equal(t, 10*time.Millisecond, client.Period())

	assert.Error(t, client.SetTickRateTarget(0))
}

func TestRun_LogsMeasuredRate(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	clock := newFakeClock()
	sess := &stubSession{stopAt: 25}
	hook := HookFunc(func(float64) { clock.Advance(50 * time.Millisecond) })
	s, err := New(RoleServer, 20, sess, Options{
		Pacing:         PaceNever,
		ReportInterval: time.Second,
		Hooks:          []Hook{hook},
		Now:            clock.Now,
	}, zap.New(core))
	require.NoError(t, err)

	require.NoError(t, s.Run(context.Background()))
	reports := logs.FilterMessage("loop rate").All()
	require.Len(t, reports, 1)
	assert.InDelta(t, 20.0, reports[0].ContextMap()["TPS"], 1e-9)
}

func TestParsePacing(t *testing.T) {
	p, err := ParsePacing("always")
	require.NoError(t, err)
	assert.Equal(t, PaceAlways, p)

	p, err = ParsePacing("never")
	require.NoError(t, err)
	assert.Equal(t, PaceNever, p)

	_, err = ParsePacing("sometimes")
	assert.Error(t, err)
}

func TestPropertyPeriodInverseOfRate(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		rate := rapid.Float64Range(0.5, 10000).Draw(t, "rate")
		s, err := New(RoleServer, 1, &stubSession{}, Options{}, zap.NewNop())
		if err != nil {
			t.Fatal(err)
		}
		if err := s.SetRate(rate); err != nil {
			t.Fatal(err)
		}
		want := time.Duration(float64(time.Second) / rate)
		if s.Period() != want {
			t.Fatalf("rate %g: period %v, want %v", rate, s.Period(), want)
		}
	})
}

func TestPropertyUnpacedRunTicksUntilApproved(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 200).Draw(t, "stop_at")
		sess := &stubSession{stopAt: n}
		s, err := New(RoleClient, 60, sess, Options{Pacing: PaceNever}, zap.NewNop())
		if err != nil {
			t.Fatal(err)
		}
		if err := s.Run(context.Background()); err != nil {
			t.Fatal(err)
		}
		if sess.Ticks() != n {
			t.Fatalf("ticked %d times, want %d", sess.Ticks(), n)
		}
	})
}
