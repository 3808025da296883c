// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package notify

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/flowarr/internal/events"
)

type Publisher interface {
	Publish(ctx context.Context, ev events.Event) error
}

// RunSummary aggregates the outcome of one job run. It is safe for
// concurrent use by the run's workers.
type RunSummary struct {
	Job string

	mu      sync.Mutex
	added   int
	failed  int
	skipped []string
	lines   []string
}

func NewRunSummary(job string) *RunSummary {
	return &RunSummary{Job: job}
}

func (s *RunSummary) Add(n int) {
	s.mu.Lock()
	s.added += n
	s.mu.Unlock()
}

func (s *RunSummary) Fail() {
	s.mu.Lock()
	s.failed++
	s.mu.Unlock()
}

// Skip records a skipped item by name, e.g. a site in cooldown.
func (s *RunSummary) Skip(name string) {
	s.mu.Lock()
	s.skipped = append(s.skipped, name)
	s.mu.Unlock()
}

// Line adds a detail line to the notification body.
func (s *RunSummary) Line(format string, args ...any) {
	s.mu.Lock()
	s.lines = append(s.lines, fmt.Sprintf(format, args...))
	s.mu.Unlock()
}

func (s *RunSummary) Counts() (added, failed, skipped int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.added, s.failed, len(s.skipped)
}

func (s *RunSummary) Skipped() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.skipped)
}

func (s *RunSummary) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.lines)
}

// String renders "added=X, failed=Y, skipped=Z".
func (s *RunSummary) String() string {
	added, failed, skipped := s.Counts()
	return fmt.Sprintf("added=%d, failed=%d, skipped=%d", added, failed, skipped)
}

// Empty reports whether nothing happened worth telling anyone about.
func (s *RunSummary) Empty() bool {
	added, failed, skipped := s.Counts()
	return added == 0 && failed == 0 && skipped == 0 && len(s.Lines()) == 0
}

// Emit publishes the summary as a single NotificationEmitted event.
// Empty summaries are only logged.
func (s *RunSummary) Emit(ctx context.Context, bus Publisher) {
	log.Info().Str("job", s.Job).Str("summary", s.String()).Strs("skippedItems", s.Skipped()).Msg("Job run summary")
	if bus == nil || s.Empty() {
		return
	}
	text := s.String()
	if skipped := s.Skipped(); len(skipped) > 0 {
		text += "\nskipped: " + strings.Join(skipped, ", ")
	}
	if lines := s.Lines(); len(lines) > 0 {
		text += "\n" + strings.Join(lines, "\n")
	}
	payload := events.NotificationPayload{Title: s.Job, Text: text}
	if err := bus.Publish(ctx, events.Event{Kind: events.NotificationEmitted, Payload: payload}); err != nil {
		log.Warn().Err(err).Str("job", s.Job).Msg("Failed to publish run summary")
	}
}
