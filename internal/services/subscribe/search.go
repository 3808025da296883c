// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package subscribe

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/autobrr/flowarr/internal/domain"
	"github.com/autobrr/flowarr/internal/downloader"
	"github.com/autobrr/flowarr/internal/filter"
	"github.com/autobrr/flowarr/internal/indexer"
	"github.com/autobrr/flowarr/internal/mediameta"
	"github.com/autobrr/flowarr/internal/models"
	"github.com/autobrr/flowarr/internal/notify"
)

var errAlreadyQueued = errors.New("torrent already known")

// siteTracker reports each skipped or failed site once per run.
type siteTracker struct {
	summary *notify.RunSummary
	skipped map[string]struct{}
	failed  map[string]struct{}
}

func newSiteTracker(summary *notify.RunSummary) *siteTracker {
	return &siteTracker{summary: summary, skipped: map[string]struct{}{}, failed: map[string]struct{}{}}
}

func (t *siteTracker) observe(res *indexer.MultiResult) {
	for _, name := range res.SkippedNames() {
		if _, seen := t.skipped[name]; !seen {
			t.skipped[name] = struct{}{}
			t.summary.Skip(name)
		}
	}
	names := make([]string, 0, len(res.Failed))
	for name := range res.Failed {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, seen := t.failed[name]; !seen {
			t.failed[name] = struct{}{}
			t.summary.Line("%s: %v", name, res.Failed[name])
		}
	}
	for _, w := range res.Warnings {
		t.summary.Line("%s", w)
	}
}

// selectSites returns the active sites enabled for subscriptions.
func (s *Service) selectSites(ctx context.Context, cfg Config) ([]*models.Site, error) {
	all, err := s.sites.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	if len(cfg.SiteDomains) == 0 {
		return all, nil
	}
	out := make([]*models.Site, 0, len(all))
	for _, site := range all {
		if slices.ContainsFunc(cfg.SiteDomains, func(d string) bool { return strings.EqualFold(d, site.Domain) }) {
			out = append(out, site)
		}
	}
	return out, nil
}

// sitesFor narrows sites to the subscription's own selection, if any.
func sitesFor(sub *models.Subscription, sites []*models.Site) []*models.Site {
	if len(sub.Sites) == 0 {
		return sites
	}
	out := make([]*models.Site, 0, len(sub.Sites))
	for _, site := range sites {
		if slices.Contains(sub.Sites, site.ID) {
			out = append(out, site)
		}
	}
	return out
}

// Search is the subscribe_search job: every subscription is searched on its
// sites and matching releases are queued.
func (s *Service) Search(ctx context.Context) (*notify.RunSummary, error) {
	summary := notify.NewRunSummary(JobSearch)
	subs, err := s.store.List(ctx, "")
	if err != nil {
		return summary, err
	}
	return summary, s.searchSubscriptions(ctx, subs, summary)
}

// SearchOne runs an on-demand search for a single subscription.
func (s *Service) SearchOne(ctx context.Context, id int) (*notify.RunSummary, error) {
	summary := notify.NewRunSummary(JobSearch)
	sub, err := s.store.Get(ctx, id)
	if err != nil {
		return summary, err
	}
	return summary, s.searchSubscriptions(ctx, []*models.Subscription{sub}, summary)
}

func (s *Service) searchSubscriptions(ctx context.Context, subs []*models.Subscription, summary *notify.RunSummary) error {
	cfg := s.config()
	sites, err := s.selectSites(ctx, cfg)
	if err != nil {
		return err
	}
	if len(sites) == 0 {
		s.log.Warn().Msg("No sites selected for subscription search")
		return nil
	}

	tracker := newSiteTracker(summary)
	defer s.updateGauge(ctx)
	for _, sub := range subs {
		if err := ctx.Err(); err != nil {
			return domain.NewError(domain.KindCancelled, JobSearch, err)
		}
		targets := sitesFor(sub, sites)
		if len(targets) == 0 {
			continue
		}
		res := s.search.SearchSites(ctx, targets, indexer.Query{Keyword: sub.Title, MediaType: sub.Type})
		tracker.observe(res)

		if err := s.process(ctx, cfg, sub, res.Records, summary); err != nil {
			if stopsRun(err) {
				summary.Line("stopped early: %v", err)
				s.log.Warn().Err(err).Msg("Subscription search stopped early")
				return nil
			}
			s.log.Warn().Err(err).Int("id", sub.ID).Str("title", sub.Title).Msg("Subscription search failed")
			summary.Fail()
		}
	}
	return nil
}

// Refresh is the subscribe_refresh job: the newest torrents of every site
// (browse pages, or feeds in rss mode) are matched against all subscriptions.
func (s *Service) Refresh(ctx context.Context) (*notify.RunSummary, error) {
	summary := notify.NewRunSummary(JobRefresh)
	cfg := s.config()
	subs, err := s.store.List(ctx, "")
	if err != nil {
		return summary, err
	}
	if len(subs) == 0 {
		return summary, nil
	}
	sites, err := s.selectSites(ctx, cfg)
	if err != nil {
		return summary, err
	}

	res := s.search.FanOut(ctx, sites, func(ctx context.Context, site *models.Site) ([]domain.TorrentRecord, error) {
		if cfg.Mode == domain.SubscribeModeRSS && site.RSS != "" {
			return s.search.RSS(ctx, site)
		}
		return s.search.Browse(ctx, site, 0)
	})
	newSiteTracker(summary).observe(res)

	defer s.updateGauge(ctx)
	for _, sub := range subs {
		if err := ctx.Err(); err != nil {
			return summary, domain.NewError(domain.KindCancelled, JobRefresh, err)
		}
		records := res.Records
		if len(sub.Sites) > 0 {
			records = slices.DeleteFunc(slices.Clone(records), func(r domain.TorrentRecord) bool {
				return !slices.Contains(sub.Sites, r.SiteID)
			})
		}
		if err := s.process(ctx, cfg, sub, records, summary); err != nil {
			if stopsRun(err) {
				summary.Line("stopped early: %v", err)
				return summary, nil
			}
			summary.Fail()
		}
	}
	return summary, nil
}

func stopsRun(err error) bool {
	return errors.Is(err, downloader.ErrAtCapacity) || errors.Is(err, domain.ErrDownloaderUnavailable)
}

type candidate struct {
	rec      domain.TorrentRecord
	meta     *mediameta.Meta
	priority int
}

// process picks releases for one subscription under its lock. Accepting a
// release and queuing it happen in the same critical section.
func (s *Service) process(ctx context.Context, cfg Config, sub *models.Subscription, records []domain.TorrentRecord, summary *notify.RunSummary) error {
	if len(records) == 0 {
		return nil
	}
	unlock := s.lock(sub.ID)
	defer unlock()

	fresh, err := s.store.Get(ctx, sub.ID)
	if err != nil {
		if errors.Is(err, models.ErrSubscriptionNotFound) {
			return nil
		}
		return err
	}
	wanted, err := s.wanted(ctx, fresh)
	if err != nil {
		return err
	}
	if len(wanted) == 0 {
		return nil
	}

	terms, err := filter.CompileTerms(fresh.Include, fresh.Exclude)
	if err != nil {
		return domain.NewError(domain.KindPreconditionFailed, "subscription terms", err)
	}

	metas := make(map[string]*mediameta.Meta, len(records))
	matched := make([]domain.TorrentRecord, 0, len(records))
	for i := range records {
		rec := &records[i]
		if !terms.Allow(rec) {
			continue
		}
		meta := mediameta.Parse(rec.Title)
		if !s.matches(ctx, fresh, rec, meta, wanted) {
			continue
		}
		metas[rec.Key()] = meta
		matched = append(matched, *rec)
	}
	passed, priorities := filter.Filter(matched, fresh.FilterRule)

	threshold := -1
	if fresh.BestVersion {
		pending, err := s.pendingPriority(ctx, fresh.ID)
		if err != nil {
			return err
		}
		threshold = max(fresh.CurrentPriority, pending)
	}
	candidates := make([]candidate, 0, len(passed))
	for _, rec := range passed {
		prio := priorities[rec.Key()]
		if prio <= threshold {
			continue
		}
		candidates = append(candidates, candidate{rec: rec, meta: metas[rec.Key()], priority: prio})
	}
	slices.SortStableFunc(candidates, func(a, b candidate) int {
		return cmp.Or(
			cmp.Compare(b.priority, a.priority),
			cmp.Compare(b.rec.SitePriority, a.rec.SitePriority),
			cmp.Compare(b.rec.Seeders, a.rec.Seeders),
		)
	})

	for _, c := range candidates {
		taken := coverage(fresh, c.meta, wanted)
		if len(taken) == 0 {
			continue
		}
		var selection []int
		if needsSelection(fresh, c.meta, taken) {
			selection = taken
		}
		err := s.enqueue(ctx, cfg, fresh, c, taken, selection)
		switch {
		case errors.Is(err, errAlreadyQueued):
			continue
		case err != nil && stopsRun(err):
			return err
		case err != nil:
			summary.Fail()
			s.log.Warn().Err(err).Str("title", c.rec.Title).Str("site", c.rec.SiteName).Msg("Failed to queue release")
			continue
		}
		summary.Add(1)
		wanted = slices.DeleteFunc(wanted, func(ep int) bool { return slices.Contains(taken, ep) })
		if fresh.BestVersion || fresh.Type == models.MediaMovie || len(wanted) == 0 {
			break
		}
	}
	return nil
}

func (s *Service) enqueue(ctx context.Context, cfg Config, sub *models.Subscription, c candidate, taken, selection []int) error {
	client, err := s.clients.Default(ctx)
	if err != nil {
		return err
	}
	if err := downloader.CheckCapacity(ctx, client, cfg.limits()); err != nil {
		return err
	}

	req := downloader.AddRequest{SavePath: cfg.DownloadPath}
	if c.rec.IsMagnet() {
		req.URL = c.rec.Enclosure
	} else {
		content, err := s.fetcher.Fetch(ctx, &c.rec)
		if err != nil {
			return fmt.Errorf("fetch %s: %w", c.rec.Title, err)
		}
		req.Content = content
	}

	task := models.DownloadTask{
		Title:          sub.Title,
		MediaType:      string(sub.Type),
		Year:           sub.Year,
		TMDBID:         sub.TMDBID,
		SubscriptionID: &sub.ID,
	}
	if sub.Type == models.MediaTV {
		task.Seasons = []int{seasonOf(sub)}
		task.Episodes = taken
	}
	if c.rec.SiteID > 0 {
		siteID := c.rec.SiteID
		task.SiteID = &siteID
	}

	hash, created, err := s.submitter.Submit(ctx, client, downloader.Submission{
		Request:  req,
		Episodes: selection,
		Task:     task,
		Priority: c.priority,
	})
	if err != nil {
		return err
	}
	if !created {
		return errAlreadyQueued
	}

	if sub.State != models.SubscriptionRunning {
		if err := s.store.SetState(ctx, sub.ID, models.SubscriptionRunning); err != nil {
			s.log.Warn().Err(err).Int("id", sub.ID).Msg("Failed to mark subscription running")
		}
		sub.State = models.SubscriptionRunning
	}
	s.log.Info().
		Int("id", sub.ID).
		Str("title", sub.Title).
		Str("release", c.rec.Title).
		Str("site", c.rec.SiteName).
		Int("priority", c.priority).
		Ints("episodes", taken).
		Str("hash", hash).
		Msg("Queued release for subscription")
	return nil
}
