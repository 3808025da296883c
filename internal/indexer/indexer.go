// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package indexer turns a site and a query into a normalized stream of
// torrent records. Drivers are selected by the site's parser kind and every
// request goes through the gate.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/autobrr/flowarr/internal/domain"
	"github.com/autobrr/flowarr/internal/gate"
	"github.com/autobrr/flowarr/internal/models"
)

// Query is a search request. Page is zero based.
type Query struct {
	Keyword   string
	MediaType models.MediaType
	Page      int
	IMDbID    string
}

// Driver reads one kind of site.
type Driver interface {
	Search(ctx context.Context, h *gate.SiteHandle, q Query) ([]domain.TorrentRecord, error)
	Browse(ctx context.Context, h *gate.SiteHandle, page int) ([]domain.TorrentRecord, error)
}

const maxParallelSites = 8

type Indexer struct {
	gate *gate.Gate
	defs *Definitions

	mu      sync.RWMutex
	drivers map[string]Driver

	cache *gocache.Cache
}

// New registers the built-in drivers. cacheTTL of zero disables the search cache.
func New(g *gate.Gate, defs *Definitions, cacheTTL time.Duration) *Indexer {
	ix := &Indexer{
		gate:    g,
		defs:    defs,
		drivers: make(map[string]Driver),
	}
	if cacheTTL > 0 {
		ix.cache = gocache.New(cacheTTL, 2*cacheTTL)
	}
	ix.RegisterDriver(models.ParserSpider, NewSpiderDriver(defs))
	ix.RegisterDriver(models.ParserRSS, RSSDriver{})
	ix.RegisterDriver(models.ParserTorznab, TorznabDriver{})
	return ix
}

// RegisterDriver adds or replaces the driver for a parser kind.
func (ix *Indexer) RegisterDriver(kind string, d Driver) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.drivers[kind] = d
}

func (ix *Indexer) driver(site *models.Site) (Driver, error) {
	kind := site.Parser
	if kind == "" {
		kind = models.ParserSpider
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	d, ok := ix.drivers[kind]
	if !ok {
		return nil, &domain.Error{Kind: domain.KindPreconditionFailed, Op: "indexer", Err: fmt.Errorf("no driver for parser %q", kind)}
	}
	return d, nil
}

// languageMismatch reports a CJK keyword aimed at an English-only site.
func (ix *Indexer) languageMismatch(site *models.Site, keyword string) bool {
	if keyword == "" || !ContainsCJK(keyword) {
		return false
	}
	if site.Parser != "" && site.Parser != models.ParserSpider {
		return false
	}
	return ix.defs.For(site).EnglishOnly()
}

// Search queries one site. A CJK keyword on an English-only site yields no
// records and no error.
func (ix *Indexer) Search(ctx context.Context, site *models.Site, keyword string, mtype models.MediaType, page int) ([]domain.TorrentRecord, error) {
	return ix.SearchQuery(ctx, site, Query{Keyword: keyword, MediaType: mtype, Page: page})
}

func (ix *Indexer) SearchQuery(ctx context.Context, site *models.Site, q Query) ([]domain.TorrentRecord, error) {
	if ix.languageMismatch(site, q.Keyword) {
		log.Warn().Str("site", site.Name).Str("keyword", q.Keyword).Msg("Site only indexes English titles, skipping CJK keyword")
		return []domain.TorrentRecord{}, nil
	}

	key := fmt.Sprintf("%s|%s|%s|%s|%d", site.Domain, q.MediaType, foldKeyword(q.Keyword), q.IMDbID, q.Page)
	if ix.cache != nil {
		if cached, ok := ix.cache.Get(key); ok {
			return cloneRecords(cached.([]domain.TorrentRecord)), nil
		}
	}

	d, err := ix.driver(site)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	records, err := d.Search(ctx, ix.gate.For(site), q)
	if err != nil {
		return nil, err
	}
	records = Normalize(site, records)

	log.Debug().
		Str("site", site.Name).
		Str("keyword", q.Keyword).
		Int("page", q.Page).
		Int("results", len(records)).
		Dur("took", time.Since(start)).
		Msg("Site search finished")

	if ix.cache != nil {
		ix.cache.SetDefault(key, cloneRecords(records))
	}
	return records, nil
}

// Browse lists a site's newest torrents.
func (ix *Indexer) Browse(ctx context.Context, site *models.Site, page int) ([]domain.TorrentRecord, error) {
	d, err := ix.driver(site)
	if err != nil {
		return nil, err
	}
	records, err := d.Browse(ctx, ix.gate.For(site), page)
	if err != nil {
		return nil, err
	}
	return Normalize(site, records), nil
}

// RSS reads the site's feed regardless of its parser kind.
func (ix *Indexer) RSS(ctx context.Context, site *models.Site) ([]domain.TorrentRecord, error) {
	if site.RSS == "" {
		return nil, &domain.Error{Kind: domain.KindPreconditionFailed, Op: "rss", Err: errors.New("site has no rss url")}
	}
	records, err := fetchFeed(ctx, ix.gate.For(site), site.RSS)
	if err != nil {
		return nil, err
	}
	return Normalize(site, records), nil
}

// MultiResult aggregates a fan-out over several sites.
type MultiResult struct {
	Records []domain.TorrentRecord
	// Skipped maps a site name to the time its budget allows another request.
	Skipped  map[string]time.Time
	Failed   map[string]error
	Warnings []string
}

// SkippedNames lists skipped site names in sorted order.
func (r *MultiResult) SkippedNames() []string {
	names := make([]string, 0, len(r.Skipped))
	for name := range r.Skipped {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type siteOutcome struct {
	records   []domain.TorrentRecord
	waitUntil time.Time
	skipped   bool
	err       error
}

// SiteFetch is the per-site operation run by FanOut.
type SiteFetch func(ctx context.Context, site *models.Site) ([]domain.TorrentRecord, error)

// FanOut runs fetch on each site in parallel. Sites whose budget is exhausted
// are skipped without a request; records keep the order of sites.
func (ix *Indexer) FanOut(ctx context.Context, sites []*models.Site, fetch SiteFetch) *MultiResult {
	outcomes := make([]siteOutcome, len(sites))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelSites)
	for i, site := range sites {
		g.Go(func() error {
			if ok, until := ix.gate.CheckBudget(site); !ok {
				outcomes[i] = siteOutcome{skipped: true, waitUntil: until}
				return nil
			}
			records, err := fetch(gctx, site)
			if err != nil {
				if until, ok := gate.WaitUntil(err); ok {
					outcomes[i] = siteOutcome{skipped: true, waitUntil: until}
					return nil
				}
				outcomes[i] = siteOutcome{err: err}
				return nil
			}
			outcomes[i] = siteOutcome{records: records}
			return nil
		})
	}
	_ = g.Wait()

	res := &MultiResult{Skipped: map[string]time.Time{}, Failed: map[string]error{}}
	for i, o := range outcomes {
		site := sites[i]
		switch {
		case o.skipped:
			res.Skipped[site.Name] = o.waitUntil
			log.Info().Str("site", site.Name).Time("until", o.waitUntil).Msg("Site budget exhausted, skipping")
		case o.err != nil:
			res.Failed[site.Name] = o.err
			log.Warn().Err(o.err).Str("site", site.Name).Msg("Site request failed")
		default:
			res.Records = append(res.Records, o.records...)
		}
	}
	return res
}

// SearchSites searches every site with the same query.
func (ix *Indexer) SearchSites(ctx context.Context, sites []*models.Site, q Query) *MultiResult {
	res := ix.FanOut(ctx, sites, func(ctx context.Context, site *models.Site) ([]domain.TorrentRecord, error) {
		return ix.SearchQuery(ctx, site, q)
	})
	for _, site := range sites {
		if ix.languageMismatch(site, q.Keyword) {
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s: English-only site skipped for keyword %q", site.Name, q.Keyword))
		}
	}
	return res
}

func cloneRecords(in []domain.TorrentRecord) []domain.TorrentRecord {
	out := make([]domain.TorrentRecord, len(in))
	copy(out, in)
	return out
}
