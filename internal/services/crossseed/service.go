// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package crossseed adds torrents with identical content from other sites
// next to ones already seeding, so the same files serve several trackers.
package crossseed

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/flowarr/internal/domain"
	"github.com/autobrr/flowarr/internal/downloader"
	"github.com/autobrr/flowarr/internal/gate"
	"github.com/autobrr/flowarr/internal/models"
	"github.com/autobrr/flowarr/internal/notify"
	"github.com/autobrr/flowarr/internal/torrentfile"
)

const (
	JobID = "crossseed"

	// Namespace and key of the candidate hashes that can never be fetched.
	Namespace         = "crossseed"
	PermanentErrorKey = "permanent_error_caches"

	queryBatchSize       = 200
	recheckPollInterval  = 10 * time.Second
	recheckAbsoluteLimit = 2 * time.Hour
)

type ClientSource interface {
	Active(ctx context.Context) ([]downloader.Client, error)
	Get(ctx context.Context, id int) (downloader.Client, error)
}

// Index finds candidates for info-hashes.
type Index interface {
	Sites(ctx context.Context) (map[int]IYUUSite, error)
	Query(ctx context.Context, hashes []string) (map[string][]Candidate, error)
}

type SiteLookup interface {
	GetByDomain(ctx context.Context, domain string) (*models.Site, error)
}

// Downloader fetches a .torrent from a site through the gate.
type Downloader interface {
	Get(ctx context.Context, site *models.Site, rawURL string, opts *gate.RequestOptions) (*gate.Response, error)
}

type Submitter interface {
	Submit(ctx context.Context, c downloader.Client, sub downloader.Submission) (string, bool, error)
}

type KV interface {
	Set(ctx context.Context, namespace, key string, value any) error
	Get(ctx context.Context, namespace, key string, dest any) error
}

type Deps struct {
	Clients   ClientSource
	Index     Index
	Sites     SiteLookup
	Gate      Downloader
	Submitter Submitter
	KV        KV
}

type pendingResume struct {
	downloaderID int
	hash         string
	addedAt      time.Time
}

type Service struct {
	clients   ClientSource
	index     Index
	sites     SiteLookup
	gate      Downloader
	submitter Submitter
	kv        KV

	runMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]*pendingResume

	now func() time.Time
	log zerolog.Logger
}

func NewService(deps Deps) *Service {
	return &Service{
		clients:   deps.Clients,
		index:     deps.Index,
		sites:     deps.Sites,
		gate:      deps.Gate,
		submitter: deps.Submitter,
		kv:        deps.KV,
		pending:   make(map[string]*pendingResume),
		now:       time.Now,
		log:       log.With().Str("component", "crossseed").Logger(),
	}
}

// Start runs the recheck resume worker until ctx is done.
func (s *Service) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(recheckPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.resumeVerified(ctx)
			}
		}
	}()
}

// Run is the crossseed job. Finished torrents of every active downloader are
// looked up in the index, and each candidate not yet present on that
// downloader is fetched, added paused next to the original data and
// rechecked. Verified torrents are resumed.
func (s *Service) Run(ctx context.Context) (*notify.RunSummary, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	summary := notify.NewRunSummary(JobID)
	clients, err := s.clients.Active(ctx)
	if err != nil {
		return summary, err
	}
	if len(clients) == 0 {
		return summary, nil
	}
	iyuuSites, err := s.index.Sites(ctx)
	if err != nil {
		return summary, err
	}
	permanent, err := s.loadPermanent(ctx)
	if err != nil {
		return summary, err
	}

	for _, c := range clients {
		if err := ctx.Err(); err != nil {
			return summary, domain.NewError(domain.KindCancelled, JobID, err)
		}
		newPermanent, err := s.seedClient(ctx, c, iyuuSites, permanent, summary)
		if err != nil {
			s.log.Warn().Err(err).Str("downloader", c.Name()).Msg("Cross-seed scan failed")
			summary.Fail()
		}
		if len(newPermanent) > 0 {
			for _, h := range newPermanent {
				permanent[h] = struct{}{}
			}
			if err := s.savePermanent(ctx, permanent); err != nil {
				s.log.Warn().Err(err).Msg("Failed to store permanent cross-seed errors")
			}
		}
	}

	s.resumeVerified(ctx)
	return summary, nil
}

func (s *Service) seedClient(ctx context.Context, c downloader.Client, iyuuSites map[int]IYUUSite, permanent map[string]struct{}, summary *notify.RunSummary) ([]string, error) {
	all, err := c.List(ctx, downloader.Filter{})
	if err != nil {
		return nil, err
	}
	present := make(map[string]struct{}, len(all))
	var sources []downloader.Torrent
	for _, t := range all {
		present[strings.ToLower(t.Hash)] = struct{}{}
		if t.State == models.TaskCompleted || t.State == models.TaskOrganized {
			sources = append(sources, t)
		}
	}
	if len(sources) == 0 {
		return nil, nil
	}

	var newPermanent []string
	for start := 0; start < len(sources); start += queryBatchSize {
		batch := sources[start:min(start+queryBatchSize, len(sources))]
		hashes := make([]string, len(batch))
		byHash := make(map[string]*downloader.Torrent, len(batch))
		for i := range batch {
			hashes[i] = strings.ToLower(batch[i].Hash)
			byHash[hashes[i]] = &batch[i]
		}

		found, err := s.index.Query(ctx, hashes)
		if err != nil {
			return newPermanent, err
		}
		for _, hash := range hashes {
			for _, cand := range found[hash] {
				candHash := strings.ToLower(cand.InfoHash)
				if _, ok := present[candHash]; ok {
					continue
				}
				if _, ok := permanent[candHash]; ok {
					continue
				}
				err := s.seedOne(ctx, c, byHash[hash], cand, iyuuSites)
				switch {
				case err == nil:
					present[candHash] = struct{}{}
					summary.Add(1)
				case errors.Is(err, errSiteUnavailable):
					s.log.Debug().Err(err).Int("sid", cand.SiteID).Msg("Cross-seed candidate site not configured")
				case isPermanent(err):
					newPermanent = append(newPermanent, candHash)
					summary.Fail()
					s.log.Warn().Err(err).Str("hash", candHash).Int("sid", cand.SiteID).Msg("Cross-seed candidate rejected permanently")
				default:
					summary.Fail()
					s.log.Warn().Err(err).Str("hash", candHash).Int("sid", cand.SiteID).Msg("Cross-seed candidate failed")
				}
			}
		}
	}
	return newPermanent, nil
}

var errSiteUnavailable = errors.New("site not configured")

// isPermanent reports failures that will not go away on a later run.
func isPermanent(err error) bool {
	if errors.Is(err, errHashMismatch) {
		return true
	}
	switch domain.KindOf(err) {
	case domain.KindParseFailed, domain.KindNetworkPermanent:
		return true
	}
	return false
}

var errHashMismatch = errors.New("downloaded torrent has a different info-hash")

func (s *Service) seedOne(ctx context.Context, c downloader.Client, source *downloader.Torrent, cand Candidate, iyuuSites map[int]IYUUSite) error {
	iyuuSite, ok := iyuuSites[cand.SiteID]
	if !ok {
		return fmt.Errorf("%w: sid %d", errSiteUnavailable, cand.SiteID)
	}
	site, err := s.sites.GetByDomain(ctx, strings.Trim(iyuuSite.BaseURL, "/"))
	if err != nil || !site.Active {
		return fmt.Errorf("%w: %s", errSiteUnavailable, iyuuSite.BaseURL)
	}

	resp, err := s.gate.Get(ctx, site, iyuuSite.DownloadURL(cand.TorrentID), nil)
	if err != nil {
		return err
	}
	hash, err := torrentfile.InfoHash(resp.Body)
	if err != nil {
		return gate.NewParseError(site.Domain, resp.URL.String(), err)
	}
	if !strings.EqualFold(hash, cand.InfoHash) {
		return fmt.Errorf("%w: %s != %s", errHashMismatch, hash, cand.InfoHash)
	}

	siteID := site.ID
	added, _, err := s.submitter.Submit(ctx, c, downloader.Submission{
		Request: downloader.AddRequest{
			Content:  resp.Body,
			SavePath: source.SavePath,
			Category: source.Category,
			Tags:     []string{downloader.TagAutoSeed},
			Paused:   true,
		},
		Task: models.DownloadTask{Title: source.Name, SiteID: &siteID, Size: source.Size},
	})
	if err != nil {
		return err
	}
	if err := c.Recheck(ctx, []string{added}); err != nil {
		return fmt.Errorf("recheck %s: %w", added, err)
	}
	s.queueResume(c.ID(), added)
	s.log.Info().
		Str("downloader", c.Name()).
		Str("source", source.Hash).
		Str("hash", added).
		Str("site", site.Name).
		Msg("Cross-seed torrent added, verifying")
	return nil
}

func (s *Service) queueResume(downloaderID int, hash string) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	s.pending[strings.ToLower(hash)] = &pendingResume{downloaderID: downloaderID, hash: strings.ToLower(hash), addedAt: s.now()}
}

// resumeVerified resumes pending torrents whose recheck found every piece.
// Torrents that verified short of complete stay paused and are dropped from
// the queue, as are ones that never finished checking.
func (s *Service) resumeVerified(ctx context.Context) {
	s.pendingMu.Lock()
	byClient := make(map[int][]string)
	for hash, p := range s.pending {
		if s.now().Sub(p.addedAt) > recheckAbsoluteLimit {
			s.log.Warn().Str("hash", hash).Msg("Cross-seed recheck timed out, leaving torrent paused")
			delete(s.pending, hash)
			continue
		}
		byClient[p.downloaderID] = append(byClient[p.downloaderID], hash)
	}
	s.pendingMu.Unlock()

	for id, hashes := range byClient {
		c, err := s.clients.Get(ctx, id)
		if err != nil {
			continue
		}
		torrents, err := c.List(ctx, downloader.Filter{Hashes: hashes})
		if err != nil {
			s.log.Debug().Err(err).Str("downloader", c.Name()).Msg("Failed to poll rechecking torrents")
			continue
		}
		state := make(map[string]downloader.Torrent, len(torrents))
		for _, t := range torrents {
			state[strings.ToLower(t.Hash)] = t
		}

		var resume, drop []string
		for _, hash := range hashes {
			t, ok := state[hash]
			switch {
			case !ok:
				drop = append(drop, hash)
			case t.Progress >= 1:
				resume = append(resume, hash)
			case t.State == models.TaskPaused && t.Progress > 0:
				s.log.Info().Str("hash", hash).Float64("progress", t.Progress).Msg("Cross-seed verification incomplete, leaving torrent paused")
				drop = append(drop, hash)
			}
		}
		if len(resume) > 0 {
			if err := c.Resume(ctx, resume); err != nil {
				s.log.Warn().Err(err).Str("downloader", c.Name()).Msg("Failed to resume verified torrents")
				continue
			}
			drop = append(drop, resume...)
		}

		s.pendingMu.Lock()
		for _, hash := range drop {
			delete(s.pending, hash)
		}
		s.pendingMu.Unlock()
	}
}

// Pending lists hashes still waiting for verification.
func (s *Service) Pending() []string {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	out := make([]string, 0, len(s.pending))
	for h := range s.pending {
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}

func (s *Service) loadPermanent(ctx context.Context) (map[string]struct{}, error) {
	var hashes []string
	if err := s.kv.Get(ctx, Namespace, PermanentErrorKey, &hashes); err != nil && !errors.Is(err, models.ErrKeyNotFound) {
		return nil, err
	}
	out := make(map[string]struct{}, len(hashes))
	for _, h := range hashes {
		out[strings.ToLower(h)] = struct{}{}
	}
	return out, nil
}

func (s *Service) savePermanent(ctx context.Context, set map[string]struct{}) error {
	hashes := make([]string, 0, len(set))
	for h := range set {
		hashes = append(hashes, h)
	}
	slices.Sort(hashes)
	return s.kv.Set(ctx, Namespace, PermanentErrorKey, hashes)
}
