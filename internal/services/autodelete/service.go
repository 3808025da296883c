// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package autodelete removes or pauses seeding torrents once they reach the
// ratio, seeding time or upload rate limits of a policy.
package autodelete

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/flowarr/internal/domain"
	"github.com/autobrr/flowarr/internal/downloader"
	"github.com/autobrr/flowarr/internal/models"
	"github.com/autobrr/flowarr/internal/notify"
)

const JobID = "autodelete"

type ClientSource interface {
	Active(ctx context.Context) ([]downloader.Client, error)
}

type PolicySource interface {
	List(ctx context.Context) ([]*Policy, error)
}

// ActivityOutcome describes what a policy did to a torrent.
type ActivityOutcome string

const (
	ActivityOutcomeSucceeded ActivityOutcome = "succeeded"
	ActivityOutcomeFailed    ActivityOutcome = "failed"
)

// ActivityEvent records one policy action per downloader/hash.
type ActivityEvent struct {
	DownloaderID int             `json:"downloaderId"`
	Hash         string          `json:"hash"`
	TorrentName  string          `json:"torrentName"`
	Policy       string          `json:"policy"`
	Action       Action          `json:"action"`
	Outcome      ActivityOutcome `json:"outcome"`
	Reason       string          `json:"reason"`
	Timestamp    time.Time       `json:"timestamp"`
}

const defaultHistorySize = 50

// seedingStates are the client states a finished torrent reports.
var seedingStates = []models.TaskState{models.TaskCompleted, models.TaskOrganized}

type Service struct {
	clients  ClientSource
	policies PolicySource

	runMu sync.Mutex
	now   func() time.Time

	historyMu  sync.RWMutex
	history    map[int][]ActivityEvent
	historyCap int
}

func NewService(clients ClientSource, policies PolicySource) *Service {
	return &Service{
		clients:    clients,
		policies:   policies,
		now:        time.Now,
		history:    make(map[int][]ActivityEvent),
		historyCap: defaultHistorySize,
	}
}

// Run is the autodelete job. Each torrent is handled by the first enabled
// policy, in name order, whose scope and limits it matches.
func (s *Service) Run(ctx context.Context) (*notify.RunSummary, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	summary := notify.NewRunSummary(JobID)
	policies, err := s.policies.List(ctx)
	if err != nil {
		return summary, err
	}
	enabled := make([]*Policy, 0, len(policies))
	for _, p := range policies {
		if !p.Enabled {
			continue
		}
		if err := p.Validate(); err != nil {
			log.Warn().Err(err).Str("policy", p.Name).Msg("autodelete: skipping invalid policy")
			continue
		}
		enabled = append(enabled, p)
	}
	if len(enabled) == 0 {
		return summary, nil
	}

	clients, err := s.clients.Active(ctx)
	if err != nil {
		return summary, err
	}
	for _, c := range clients {
		if err := ctx.Err(); err != nil {
			return summary, domain.NewError(domain.KindCancelled, JobID, err)
		}
		s.scanClient(ctx, c, enabled, summary)
	}
	return summary, nil
}

func (s *Service) scanClient(ctx context.Context, c downloader.Client, policies []*Policy, summary *notify.RunSummary) {
	var scoped []*Policy
	for _, p := range policies {
		if p.appliesTo(c.ID()) {
			scoped = append(scoped, p)
		}
	}
	if len(scoped) == 0 {
		return
	}

	torrents, err := c.List(ctx, downloader.Filter{States: seedingStates})
	if err != nil {
		log.Warn().Err(err).Str("downloader", c.Name()).Msg("autodelete: failed to list torrents")
		summary.Fail()
		return
	}

	now := s.now()
	for i := range torrents {
		t := &torrents[i]
		for _, p := range scoped {
			if !p.inScope(t) {
				continue
			}
			reason := p.reached(t, now)
			if reason == "" {
				continue
			}
			s.apply(ctx, c, p, t, reason, summary)
			break
		}
	}
}

func (s *Service) apply(ctx context.Context, c downloader.Client, p *Policy, t *downloader.Torrent, reason string, summary *notify.RunSummary) {
	var err error
	switch p.Action {
	case ActionPause:
		err = c.Pause(ctx, []string{t.Hash})
	case ActionDeleteFiles:
		err = c.Delete(ctx, []string{t.Hash}, true)
	default:
		err = c.Delete(ctx, []string{t.Hash}, false)
	}
	if err != nil {
		log.Warn().Err(err).Str("downloader", c.Name()).Str("hash", t.Hash).Str("policy", p.Name).Msg("autodelete: action failed")
		s.recordActivity(c.ID(), t, p, ActivityOutcomeFailed, err.Error())
		summary.Fail()
		return
	}

	log.Info().
		Str("downloader", c.Name()).
		Str("hash", t.Hash).
		Str("name", t.Name).
		Str("policy", p.Name).
		Str("action", string(p.Action)).
		Str("reason", reason).
		Msg("autodelete: torrent handled")
	s.recordActivity(c.ID(), t, p, ActivityOutcomeSucceeded, reason)
	summary.Add(1)
	summary.Line("%s: %s %s (%s)", c.Name(), actionVerb(p.Action), t.Name, reason)
}

func actionVerb(a Action) string {
	switch a {
	case ActionPause:
		return "paused"
	case ActionDeleteFiles:
		return "deleted with files"
	default:
		return "deleted"
	}
}

func (s *Service) recordActivity(downloaderID int, t *downloader.Torrent, p *Policy, outcome ActivityOutcome, reason string) {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()
	event := ActivityEvent{
		DownloaderID: downloaderID,
		Hash:         strings.ToLower(strings.TrimSpace(t.Hash)),
		TorrentName:  t.Name,
		Policy:       p.Name,
		Action:       p.Action,
		Outcome:      outcome,
		Reason:       strings.TrimSpace(reason),
		Timestamp:    s.now(),
	}
	s.history[downloaderID] = append(s.history[downloaderID], event)
	if len(s.history[downloaderID]) > s.historyCap {
		s.history[downloaderID] = s.history[downloaderID][len(s.history[downloaderID])-s.historyCap:]
	}
}

// Activity returns the most recent events for a downloader, newest last.
func (s *Service) Activity(downloaderID int, limit int) []ActivityEvent {
	s.historyMu.RLock()
	defer s.historyMu.RUnlock()
	events := s.history[downloaderID]
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	out := make([]ActivityEvent, len(events))
	copy(out, events)
	return out
}
