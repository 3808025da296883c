// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stopScheduler(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

func TestRunNowIsSingleFlight(t *testing.T) {
	s := New()
	defer stopScheduler(t, s)

	var calls atomic.Int32
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	require.NoError(t, s.Register("transfer", "Transfer", Interval(time.Hour, 0), func(ctx context.Context, _ map[string]any) error {
		calls.Add(1)
		started <- struct{}{}
		<-release
		return nil
	}, nil))

	require.NoError(t, s.RunNow("transfer", nil))
	<-started

	var wg sync.WaitGroup
	var dropped atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if errors.Is(s.RunNow("transfer", nil), ErrJobAlreadyRunning) {
				dropped.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(20), dropped.Load())
	assert.True(t, s.IsRunning("transfer"))

	close(release)
	require.Eventually(t, func() bool { return !s.IsRunning("transfer") }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())

	// a fire after completion runs again
	started2 := make(chan struct{})
	require.NoError(t, s.Register("transfer", "Transfer", Interval(time.Hour, 0), func(ctx context.Context, _ map[string]any) error {
		calls.Add(1)
		close(started2)
		return nil
	}, nil))
	require.NoError(t, s.RunNow("transfer", nil))
	<-started2
	require.Eventually(t, func() bool { return !s.IsRunning("transfer") }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())
}

func TestPanicDoesNotPoisonJob(t *testing.T) {
	s := New()
	defer stopScheduler(t, s)

	var calls atomic.Int32
	require.NoError(t, s.Register("bad", "Bad", Interval(time.Hour, 0), func(ctx context.Context, _ map[string]any) error {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return errors.New("plain failure")
	}, nil))

	require.NoError(t, s.RunNow("bad", nil))
	require.Eventually(t, func() bool { return calls.Load() == 1 && !s.IsRunning("bad") }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.RunNow("bad", nil))
	require.Eventually(t, func() bool { return calls.Load() == 2 && !s.IsRunning("bad") }, 2*time.Second, 5*time.Millisecond)
}

func TestRunNowMergesOverrides(t *testing.T) {
	s := New()
	defer stopScheduler(t, s)

	got := make(chan map[string]any, 1)
	require.NoError(t, s.Register("search", "Search", Interval(time.Hour, 0), func(ctx context.Context, params map[string]any) error {
		got <- params
		return nil
	}, map[string]any{"scope": "all", "page": 0}))

	require.NoError(t, s.RunNow("search", map[string]any{"scope": "sub", "id": 7}))
	params := <-got
	assert.Equal(t, map[string]any{"scope": "sub", "page": 0, "id": 7}, params)

	assert.ErrorIs(t, s.RunNow("missing", nil), ErrJobNotFound)
}

func TestScheduledFireAndStopCancelsContext(t *testing.T) {
	s := New()

	fired := make(chan struct{}, 1)
	cancelled := make(chan struct{})
	require.NoError(t, s.Register("tick", "Tick", Interval(time.Second, 0), func(ctx context.Context, _ map[string]any) error {
		select {
		case fired <- struct{}{}:
		default:
		}
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}, nil))
	s.Start()

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("interval trigger did not fire")
	}

	stopScheduler(t, s)
	<-cancelled

	assert.ErrorIs(t, s.RunNow("tick", nil), ErrStopped)
	assert.ErrorIs(t, s.Register("x", "x", Interval(time.Minute, 0), func(context.Context, map[string]any) error { return nil }, nil), ErrStopped)
	for _, j := range s.List() {
		assert.Equal(t, StatusStopped, j.Status)
	}
}

func TestListReportsNextRun(t *testing.T) {
	s := New()
	defer stopScheduler(t, s)

	noop := func(context.Context, map[string]any) error { return nil }
	require.NoError(t, s.Register("b", "B", Interval(10*time.Minute, 0), noop, nil))
	require.NoError(t, s.Register("a", "A", Date(time.Now().Add(-time.Hour)), noop, nil))

	jobs := s.List()
	require.Len(t, jobs, 2)
	assert.Equal(t, "a", jobs[0].ID)
	assert.Equal(t, "never", jobs[0].NextRunHuman)
	assert.Equal(t, StatusWaiting, jobs[1].Status)
	assert.Equal(t, "in 10m", jobs[1].NextRunHuman)
	assert.Equal(t, "interval(10m0s)", jobs[1].Trigger)
}

func TestManualJobRunsOnlyOnDemand(t *testing.T) {
	s := New()
	defer stopScheduler(t, s)

	var runs atomic.Int32
	done := make(chan struct{}, 1)
	require.NoError(t, s.Register("m", "M", Manual(), func(context.Context, map[string]any) error {
		runs.Add(1)
		done <- struct{}{}
		return nil
	}, nil))
	s.Start()

	jobs := s.List()
	require.Len(t, jobs, 1)
	assert.Equal(t, "manual", jobs[0].Trigger)
	assert.Equal(t, "never", jobs[0].NextRunHuman)

	require.NoError(t, s.RunNow("m", nil))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("manual job did not run")
	}
	assert.Equal(t, int32(1), runs.Load())
}

func TestTriggers(t *testing.T) {
	base := time.Date(2025, 3, 10, 10, 30, 0, 0, time.UTC)

	t.Run("interval with jitter", func(t *testing.T) {
		tr := Interval(time.Minute, 10*time.Second)
		for i := 0; i < 50; i++ {
			next := tr.Next(base)
			assert.GreaterOrEqual(t, next.Sub(base), time.Minute)
			assert.Less(t, next.Sub(base), time.Minute+10*time.Second)
		}
	})

	t.Run("cron", func(t *testing.T) {
		tr, err := Cron("0 */6 * * *")
		require.NoError(t, err)
		assert.Equal(t, time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC), tr.Next(base))

		_, err = Cron("not a cron")
		assert.Error(t, err)
	})

	t.Run("date", func(t *testing.T) {
		at := base.Add(time.Hour)
		tr := Date(at)
		assert.Equal(t, at, tr.Next(base))
		assert.True(t, tr.Next(at).IsZero())
	})

	t.Run("random daily spreads across slots", func(t *testing.T) {
		tr := RandomDaily(4)
		start := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
		var fires []time.Time
		cur := start.Add(-time.Nanosecond)
		for i := 0; i < 4; i++ {
			cur = tr.Next(cur)
			fires = append(fires, cur)
		}
		for i, f := range fires {
			assert.Equal(t, 10, f.Day(), "fire %d stays within the day", i)
			slotStart := start.Add(time.Duration(i) * 6 * time.Hour)
			assert.False(t, f.Before(slotStart))
			assert.True(t, f.Before(slotStart.Add(6*time.Hour)))
		}
		assert.Equal(t, 11, tr.Next(fires[3]).Day())
	})
}

func TestPoolSize(t *testing.T) {
	assert.GreaterOrEqual(t, PoolSize(), 4)
}
