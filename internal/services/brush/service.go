// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package brush adds free or popular torrents from a site to build upload
// ratio, and removes them again once they have seeded enough.
package brush

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/flowarr/internal/domain"
	"github.com/autobrr/flowarr/internal/downloader"
	"github.com/autobrr/flowarr/internal/filter"
	"github.com/autobrr/flowarr/internal/models"
	"github.com/autobrr/flowarr/internal/notify"
)

const JobID = "brush"

const upperBoundReached = "upper bound reached"

type TaskSource interface {
	List(ctx context.Context) ([]*Task, error)
}

type SiteGetter interface {
	Get(ctx context.Context, id int) (*models.Site, error)
}

type ClientGetter interface {
	Get(ctx context.Context, id int) (downloader.Client, error)
}

// Browser lists a site's newest torrents through the gate.
type Browser interface {
	Browse(ctx context.Context, site *models.Site, page int) ([]domain.TorrentRecord, error)
}

type Submitter interface {
	Submit(ctx context.Context, c downloader.Client, sub downloader.Submission) (string, bool, error)
}

type Fetcher interface {
	Fetch(ctx context.Context, rec *domain.TorrentRecord) ([]byte, error)
}

type Deps struct {
	Tasks     TaskSource
	Sites     SiteGetter
	Clients   ClientGetter
	Browser   Browser
	Submitter Submitter
	Fetcher   Fetcher
}

type Service struct {
	tasks     TaskSource
	sites     SiteGetter
	clients   ClientGetter
	browser   Browser
	submitter Submitter
	fetcher   Fetcher

	limitsMu sync.RWMutex
	limits   downloader.Limits

	runMu sync.Mutex
	now   func() time.Time
	log   zerolog.Logger
}

func NewService(limits downloader.Limits, deps Deps) *Service {
	return &Service{
		tasks:     deps.Tasks,
		sites:     deps.Sites,
		clients:   deps.Clients,
		browser:   deps.Browser,
		submitter: deps.Submitter,
		fetcher:   deps.Fetcher,
		limits:    limits,
		now:       time.Now,
		log:       log.With().Str("component", "brush").Logger(),
	}
}

// SetLimits replaces the global downloader limits after a config reload.
func (s *Service) SetLimits(limits downloader.Limits) {
	s.limitsMu.Lock()
	s.limits = limits
	s.limitsMu.Unlock()
}

func (s *Service) currentLimits() downloader.Limits {
	s.limitsMu.RLock()
	defer s.limitsMu.RUnlock()
	return s.limits
}

// Run is the brush job: every enabled task first removes what has seeded
// enough, then adds new torrents while its upper bounds allow.
func (s *Service) Run(ctx context.Context) (*notify.RunSummary, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	summary := notify.NewRunSummary(JobID)
	tasks, err := s.tasks.List(ctx)
	if err != nil {
		return summary, err
	}
	for _, task := range tasks {
		if !task.Enabled {
			continue
		}
		if err := ctx.Err(); err != nil {
			return summary, domain.NewError(domain.KindCancelled, JobID, err)
		}
		if err := s.RunTask(ctx, task, summary); err != nil {
			s.log.Warn().Err(err).Str("task", task.Name).Msg("Brush task failed")
			summary.Fail()
		}
	}
	return summary, nil
}

// usage is what a task's torrents currently occupy on the downloader.
type usage struct {
	downloading int
	size        int64
}

func (s *Service) RunTask(ctx context.Context, task *Task, summary *notify.RunSummary) error {
	if err := task.Validate(); err != nil {
		return err
	}
	client, err := s.clients.Get(ctx, task.DownloaderID)
	if err != nil {
		return err
	}

	used, err := s.prune(ctx, client, task, summary)
	if err != nil {
		return err
	}

	if reason, err := s.upperBound(ctx, client, task, used); err != nil {
		return err
	} else if reason != "" {
		s.log.Info().Str("task", task.Name).Str("downloader", client.Name()).Str("bound", reason).Msg(upperBoundReached)
		summary.Line("%s: %s (%s)", task.Name, upperBoundReached, reason)
		return nil
	}

	site, err := s.sites.Get(ctx, task.SiteID)
	if err != nil {
		return err
	}
	if !site.Active {
		return nil
	}
	records, err := s.browser.Browse(ctx, site, 0)
	if err != nil {
		if kind := domain.KindOf(err); kind == domain.KindRateLimited || kind == domain.KindBlocked {
			summary.Skip(site.Name)
			return nil
		}
		return err
	}
	return s.feed(ctx, client, task, records, used, summary)
}

// prune removes finished torrents of the task that reached a removal limit
// and returns the usage of what remains.
func (s *Service) prune(ctx context.Context, client downloader.Client, task *Task, summary *notify.RunSummary) (usage, error) {
	var used usage
	torrents, err := client.List(ctx, downloader.Filter{Tags: []string{downloader.TagBrush, task.Tag()}})
	if err != nil {
		return used, err
	}

	now := s.now()
	var remove []downloader.Torrent
	for _, t := range torrents {
		if t.State == models.TaskCompleted && removable(task, &t, now) {
			remove = append(remove, t)
			continue
		}
		used.size += t.Size
		if t.State == models.TaskDownloading || t.State == models.TaskPending {
			used.downloading++
		}
	}
	if len(remove) == 0 {
		return used, nil
	}

	hashes := make([]string, len(remove))
	for i, t := range remove {
		hashes[i] = t.Hash
	}
	if err := client.Delete(ctx, hashes, true); err != nil {
		return used, fmt.Errorf("remove brushed torrents: %w", err)
	}
	for _, t := range remove {
		s.log.Info().Str("task", task.Name).Str("hash", t.Hash).Str("name", t.Name).Float64("ratio", t.Ratio).Msg("Removed brushed torrent")
		summary.Line("%s: removed %s (ratio %.2f)", task.Name, t.Name, t.Ratio)
	}
	return used, nil
}

func removable(task *Task, t *downloader.Torrent, now time.Time) bool {
	if task.RemoveRatio > 0 && t.Ratio >= task.RemoveRatio {
		return true
	}
	if task.RemoveSeedMinutes <= 0 {
		return false
	}
	seeding := t.SeedingTime
	if seeding == 0 && !t.CompletedAt.IsZero() {
		seeding = now.Sub(t.CompletedAt)
	}
	return seeding >= time.Duration(task.RemoveSeedMinutes)*time.Minute
}

// upperBound names the first limit that forbids adding, or returns "".
func (s *Service) upperBound(ctx context.Context, client downloader.Client, task *Task, used usage) (string, error) {
	if err := downloader.CheckCapacity(ctx, client, s.currentLimits()); err != nil {
		if errors.Is(err, downloader.ErrAtCapacity) {
			return err.Error(), nil
		}
		return "", err
	}
	if task.MaxUpSpeed > 0 || task.MaxDlSpeed > 0 {
		stats, err := client.Stats(ctx)
		if err != nil {
			return "", err
		}
		if up := stats.UpSpeed / 1024; task.MaxUpSpeed > 0 && up >= task.MaxUpSpeed {
			return fmt.Sprintf("upload %d KiB/s >= %d KiB/s", up, task.MaxUpSpeed), nil
		}
		if dl := stats.DlSpeed / 1024; task.MaxDlSpeed > 0 && dl >= task.MaxDlSpeed {
			return fmt.Sprintf("download %d KiB/s >= %d KiB/s", dl, task.MaxDlSpeed), nil
		}
	}
	if task.MaxDownloading > 0 && used.downloading >= task.MaxDownloading {
		return fmt.Sprintf("%d downloading", used.downloading), nil
	}
	if task.MaxSizeGB > 0 && used.size >= sizeLimit(task) {
		return fmt.Sprintf("%.1f GB brushed", float64(used.size)/(1<<30)), nil
	}
	return "", nil
}

func sizeLimit(task *Task) int64 {
	return int64(task.MaxSizeGB * (1 << 30))
}

type candidate struct {
	rec      domain.TorrentRecord
	priority int
}

// feed submits matching records, best first, until a bound is reached.
func (s *Service) feed(ctx context.Context, client downloader.Client, task *Task, records []domain.TorrentRecord, used usage, summary *notify.RunSummary) error {
	passed, priorities := filter.Filter(records, task.Rule)
	candidates := make([]candidate, 0, len(passed))
	for _, rec := range passed {
		candidates = append(candidates, candidate{rec: rec, priority: priorities[rec.Key()]})
	}
	now := s.now()
	slices.SortStableFunc(candidates, func(a, b candidate) int {
		return cmp.Or(
			cmp.Compare(b.priority, a.priority),
			cmp.Compare(a.rec.AgeMinutes(now), b.rec.AgeMinutes(now)),
			cmp.Compare(b.rec.Seeders, a.rec.Seeders),
		)
	})

	added := 0
	for _, c := range candidates {
		if task.MaxAdds > 0 && added >= task.MaxAdds {
			break
		}
		if task.MaxDownloading > 0 && used.downloading >= task.MaxDownloading {
			break
		}
		if task.MaxSizeGB > 0 && used.size+c.rec.Size > sizeLimit(task) {
			continue
		}

		created, err := s.submit(ctx, client, task, &c.rec)
		if err != nil {
			if errors.Is(err, downloader.ErrAtCapacity) {
				summary.Line("%s: %s (%v)", task.Name, upperBoundReached, err)
				break
			}
			s.log.Warn().Err(err).Str("task", task.Name).Str("title", c.rec.Title).Msg("Failed to add brush torrent")
			summary.Fail()
			continue
		}
		if !created {
			continue
		}
		added++
		used.downloading++
		used.size += c.rec.Size
		summary.Add(1)
		summary.Line("%s: added %s", task.Name, c.rec.Title)
	}
	return nil
}

func (s *Service) submit(ctx context.Context, client downloader.Client, task *Task, rec *domain.TorrentRecord) (bool, error) {
	if err := downloader.CheckCapacity(ctx, client, s.currentLimits()); err != nil {
		return false, err
	}
	req := downloader.AddRequest{
		SavePath: task.SavePath,
		Tags:     []string{downloader.TagBrush, task.Tag()},
	}
	if rec.IsMagnet() {
		req.URL = rec.Enclosure
	} else {
		content, err := s.fetcher.Fetch(ctx, rec)
		if err != nil {
			return false, err
		}
		req.Content = content
	}
	siteID := rec.SiteID
	_, created, err := s.submitter.Submit(ctx, client, downloader.Submission{
		Request: req,
		Task:    models.DownloadTask{Title: rec.Title, SiteID: &siteID, Size: rec.Size},
	})
	return created, err
}
