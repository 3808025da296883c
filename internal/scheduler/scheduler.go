// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package scheduler runs named jobs on mixed triggers with single-flight execution per job id.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"runtime"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/flowarr/internal/metrics"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrJobAlreadyRunning = errors.New("job already running")
	ErrStopped           = errors.New("scheduler stopped")
)

// Handler does the work of a job. ctx is cancelled when the scheduler stops.
type Handler func(ctx context.Context, params map[string]any) error

type Status string

const (
	StatusWaiting Status = "waiting"
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
)

// JobInfo is a snapshot for listing.
type JobInfo struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Trigger      string    `json:"trigger"`
	Status       Status    `json:"status"`
	LastRun      time.Time `json:"lastRun"`
	NextRun      time.Time `json:"nextRun"`
	NextRunHuman string    `json:"nextRunHuman"`
}

type job struct {
	id      string
	name    string
	trigger Trigger
	handler Handler
	params  map[string]any
	entryID cron.EntryID

	mu      sync.Mutex
	running bool
	lastRun time.Time
}

type Scheduler struct {
	mu      sync.Mutex
	jobs    map[string]*job
	cron    *cron.Cron
	slots   chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	stopped bool
}

// PoolSize is max(4, NumCPU).
func PoolSize() int {
	return max(4, runtime.NumCPU())
}

func New() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		jobs:   make(map[string]*job),
		cron:   cron.New(),
		slots:  make(chan struct{}, PoolSize()),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Register adds or replaces the job with the given id. Replacing keeps the running flag of an
// in-flight execution so single-flight still holds.
func (s *Scheduler) Register(id, name string, trigger Trigger, handler Handler, params map[string]any) error {
	if id == "" || trigger == nil || handler == nil {
		return fmt.Errorf("register %q: id, trigger and handler are required", id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}

	j, exists := s.jobs[id]
	if exists {
		s.cron.Remove(j.entryID)
		j.mu.Lock()
		j.name, j.trigger, j.handler, j.params = name, trigger, handler, maps.Clone(params)
		j.mu.Unlock()
	} else {
		j = &job{id: id, name: name, trigger: trigger, handler: handler, params: maps.Clone(params)}
		s.jobs[id] = j
	}

	j.entryID = s.cron.Schedule(trigger, cron.FuncJob(func() {
		if err := s.dispatch(j, nil); err != nil && !errors.Is(err, ErrJobAlreadyRunning) {
			log.Debug().Err(err).Str("job", j.id).Msg("Scheduled fire skipped")
		}
	}))

	log.Debug().Str("job", id).Str("trigger", trigger.String()).Bool("replaced", exists).Msg("Job registered")
	return nil
}

// Unregister removes a job. An in-flight execution is allowed to finish.
func (s *Scheduler) Unregister(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		s.cron.Remove(j.entryID)
		delete(s.jobs, id)
	}
}

// RunNow dispatches the job immediately, merging overrides over the registered params.
// It returns ErrJobAlreadyRunning when the fire is dropped.
func (s *Scheduler) RunNow(id string, overrides map[string]any) error {
	s.mu.Lock()
	j, ok := s.jobs[id]
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return ErrStopped
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return s.dispatch(j, overrides)
}

func (s *Scheduler) dispatch(j *job, overrides map[string]any) error {
	if s.ctx.Err() != nil {
		return ErrStopped
	}

	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		metrics.JobDrops.WithLabelValues(j.id).Inc()
		log.Warn().Str("job", j.id).Msg("job already running")
		return ErrJobAlreadyRunning
	}
	j.running = true
	handler := j.handler
	params := maps.Clone(j.params)
	j.mu.Unlock()

	if params == nil {
		params = make(map[string]any, len(overrides))
	}
	maps.Copy(params, overrides)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			j.mu.Lock()
			j.running = false
			j.lastRun = time.Now()
			j.mu.Unlock()
		}()

		select {
		case s.slots <- struct{}{}:
		case <-s.ctx.Done():
			return
		}
		defer func() { <-s.slots }()

		s.execute(j.id, handler, params)
	}()
	return nil
}

func (s *Scheduler) execute(id string, handler Handler, params map[string]any) {
	start := time.Now()
	result := "success"
	defer func() {
		if p := recover(); p != nil {
			result = "panic"
			log.Error().Str("job", id).Bytes("stack", debug.Stack()).Msgf("Job panicked: %v", p)
		}
		metrics.JobRuns.WithLabelValues(id, result).Inc()
		metrics.JobDuration.WithLabelValues(id).Observe(time.Since(start).Seconds())
	}()

	log.Debug().Str("job", id).Msg("Job started")
	if err := handler(s.ctx, params); err != nil {
		result = "error"
		log.Error().Err(err).Str("job", id).Dur("took", time.Since(start)).Msg("Job failed")
		return
	}
	log.Debug().Str("job", id).Dur("took", time.Since(start)).Msg("Job finished")
}

// Start begins firing triggers. Jobs may be registered before or after.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	s.cron.Start()
	log.Info().Int("jobs", len(s.jobs)).Int("workers", cap(s.slots)).Msg("Scheduler started")
}

// Stop cancels handler contexts and waits for in-flight executions, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	cronDone := s.cron.Stop()
	s.cancel()

	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler drain: %w", ctx.Err())
	}
}

// List returns job snapshots ordered by id.
func (s *Scheduler) List() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	out := make([]JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		j.mu.Lock()
		info := JobInfo{
			ID:      j.id,
			Name:    j.name,
			Trigger: j.trigger.String(),
			Status:  StatusWaiting,
			LastRun: j.lastRun,
		}
		if j.running {
			info.Status = StatusRunning
		}
		trigger := j.trigger
		j.mu.Unlock()

		if s.stopped {
			info.Status = StatusStopped
		}
		if s.started {
			info.NextRun = s.cron.Entry(j.entryID).Next
		}
		if info.NextRun.IsZero() && !s.stopped {
			info.NextRun = trigger.Next(now)
		}
		info.NextRunHuman = humanizeUntil(now, info.NextRun)
		out = append(out, info)
	}

	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

// IsRunning reports whether the job is executing or queued for a worker.
func (s *Scheduler) IsRunning(id string) bool {
	s.mu.Lock()
	j, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running
}

func humanizeUntil(now, next time.Time) string {
	if next.IsZero() {
		return "never"
	}
	d := next.Sub(now)
	if d <= 0 {
		return "now"
	}
	switch {
	case d < time.Minute:
		return fmt.Sprintf("in %ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("in %dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("in %dh%02dm", int(d.Hours()), int(d.Minutes())%60)
	default:
		return fmt.Sprintf("in %dd", int(d.Hours()/24))
	}
}
