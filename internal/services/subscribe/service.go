// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package subscribe keeps movie and series subscriptions fed with downloads
// until every wanted episode has been organized.
package subscribe

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/flowarr/internal/domain"
	"github.com/autobrr/flowarr/internal/downloader"
	"github.com/autobrr/flowarr/internal/events"
	"github.com/autobrr/flowarr/internal/filter"
	"github.com/autobrr/flowarr/internal/indexer"
	"github.com/autobrr/flowarr/internal/mediameta"
	"github.com/autobrr/flowarr/internal/metadata"
	"github.com/autobrr/flowarr/internal/metrics"
	"github.com/autobrr/flowarr/internal/models"
	"github.com/autobrr/flowarr/internal/notify"
)

const (
	JobSearch  = "subscribe_search"
	JobRefresh = "subscribe_refresh"
	JobTMDB    = "subscribe_tmdb"
)

// Config is the reloadable part of the service.
type Config struct {
	Mode               domain.SubscribeMode
	SiteDomains        []string
	DownloadPath       string
	MaxActiveDownloads int
	MinFreeSpace       int64
}

func (c Config) limits() downloader.Limits {
	return downloader.Limits{MaxActiveDownloads: c.MaxActiveDownloads, MinFreeSpace: c.MinFreeSpace}
}

func ConfigFrom(cfg *domain.Config) Config {
	return Config{
		Mode:               cfg.SubscribeMode,
		SiteDomains:        cfg.IndexerDomains(),
		DownloadPath:       cfg.DownloadPath,
		MaxActiveDownloads: cfg.MaxActiveDownloads,
		MinFreeSpace:       int64(cfg.MinFreeSpaceGB) << 30,
	}
}

type Store interface {
	Create(ctx context.Context, sub *models.Subscription) (*models.Subscription, bool, error)
	Get(ctx context.Context, id int) (*models.Subscription, error)
	List(ctx context.Context, state models.SubscriptionState) ([]*models.Subscription, error)
	SetState(ctx context.Context, id int, state models.SubscriptionState) error
	UpdatePriority(ctx context.Context, id, priority int) error
	SetMetadata(ctx context.Context, id int, tmdbID int, year string) error
	GrowTotal(ctx context.Context, id, total int) (int, error)
	DecrementLack(ctx context.Context, id int, episodes []int) (bool, error)
	ObtainedEpisodes(ctx context.Context, id int) ([]int, error)
	ResetLack(ctx context.Context, id int) error
	Delete(ctx context.Context, id int) error
}

type TaskStore interface {
	Get(ctx context.Context, hash string) (*models.DownloadTask, error)
	List(ctx context.Context, filter models.TaskFilter) ([]*models.DownloadTask, error)
}

type SiteSource interface {
	ListActive(ctx context.Context) ([]*models.Site, error)
}

// Searcher is the slice of the indexer the service drives.
type Searcher interface {
	SearchSites(ctx context.Context, sites []*models.Site, q indexer.Query) *indexer.MultiResult
	FanOut(ctx context.Context, sites []*models.Site, fetch indexer.SiteFetch) *indexer.MultiResult
	Browse(ctx context.Context, site *models.Site, page int) ([]domain.TorrentRecord, error)
	RSS(ctx context.Context, site *models.Site) ([]domain.TorrentRecord, error)
}

type ClientPicker interface {
	Default(ctx context.Context) (downloader.Client, error)
}

type Submitter interface {
	Submit(ctx context.Context, c downloader.Client, sub downloader.Submission) (string, bool, error)
}

// Fetcher downloads the .torrent behind a record's enclosure.
type Fetcher interface {
	Fetch(ctx context.Context, rec *domain.TorrentRecord) ([]byte, error)
}

type Service struct {
	store     Store
	tasks     TaskStore
	sites     SiteSource
	search    Searcher
	provider  metadata.Provider
	clients   ClientPicker
	submitter Submitter
	fetcher   Fetcher
	bus       notify.Publisher

	cfgMu sync.RWMutex
	cfg   Config

	locksMu sync.Mutex
	locks   map[int]*subLock

	log zerolog.Logger
}

type Deps struct {
	Store     Store
	Tasks     TaskStore
	Sites     SiteSource
	Search    Searcher
	Provider  metadata.Provider
	Clients   ClientPicker
	Submitter Submitter
	Fetcher   Fetcher
	Bus       notify.Publisher
}

func NewService(cfg Config, deps Deps) *Service {
	return &Service{
		store:     deps.Store,
		tasks:     deps.Tasks,
		sites:     deps.Sites,
		search:    deps.Search,
		provider:  deps.Provider,
		clients:   deps.Clients,
		submitter: deps.Submitter,
		fetcher:   deps.Fetcher,
		bus:       deps.Bus,
		cfg:       cfg,
		locks:     make(map[int]*subLock),
		log:       log.With().Str("component", "subscribe").Logger(),
	}
}

func (s *Service) SetConfig(cfg Config) {
	s.cfgMu.Lock()
	s.cfg = cfg
	s.cfgMu.Unlock()
}

func (s *Service) config() Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// subLock serializes decisions for one subscription. refs counts the
// holders and waiters so the entry is dropped only when nobody needs it.
type subLock struct {
	mu   sync.Mutex
	refs int
}

// lock acquires the mutex of subscription id. The returned func releases it.
func (s *Service) lock(id int) (unlock func()) {
	s.locksMu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &subLock{}
		s.locks[id] = l
	}
	l.refs++
	s.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, id)
		}
		s.locksMu.Unlock()
	}
}

// lockCount reports how many subscription locks are currently tracked.
func (s *Service) lockCount() int {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	return len(s.locks)
}

// Add creates a subscription, filling identity and episode counts from the
// metadata provider when the caller left them out. An existing subscription
// with the same identity is returned with created=false.
func (s *Service) Add(ctx context.Context, sub *models.Subscription) (*models.Subscription, bool, error) {
	if sub == nil || strings.TrimSpace(sub.Title) == "" {
		return nil, false, domain.NewError(domain.KindPreconditionFailed, "add subscription", models.ErrSubscriptionInvalid)
	}
	if sub.Type == models.MediaTV && sub.Season == nil {
		one := 1
		sub.Season = &one
	}

	if s.provider != nil && (sub.TMDBID == nil || (sub.Type == models.MediaTV && sub.TotalEpisodes == 0)) {
		s.fillFromProvider(ctx, sub)
	}

	switch sub.Type {
	case models.MediaMovie:
		sub.TotalEpisodes = 1
		sub.StartEpisode = 0
	case models.MediaTV:
		if sub.TotalEpisodes <= 0 {
			return nil, false, domain.NewError(domain.KindPreconditionFailed, "add subscription",
				fmt.Errorf("episode count of %q season %d is unknown", sub.Title, *sub.Season))
		}
		sub.LackEpisodes = sub.WantedEpisodes()
	}

	created, isNew, err := s.store.Create(ctx, sub)
	if err != nil {
		return nil, false, err
	}
	if !isNew {
		return created, false, nil
	}

	s.log.Info().Int("id", created.ID).Str("title", created.Title).Str("type", string(created.Type)).
		Int("lack", created.LackEpisodes).Msg("Subscription added")
	s.publish(ctx, events.Event{Kind: events.SubscribeAdded, Payload: events.SubscribePayload{
		SubscriptionID: created.ID,
		Title:          created.Title,
		Season:         seasonOf(created),
	}})
	return created, true, nil
}

func (s *Service) fillFromProvider(ctx context.Context, sub *models.Subscription) {
	tmdbID := 0
	if sub.TMDBID != nil {
		tmdbID = *sub.TMDBID
	}
	info, err := s.provider.Recognize(ctx, &mediameta.Meta{Name: sub.Title, Year: sub.Year, Type: sub.Type}, tmdbID)
	if err != nil {
		s.log.Warn().Err(err).Str("title", sub.Title).Msg("Could not recognize subscription")
		return
	}
	if sub.TMDBID == nil && info.TMDBID > 0 {
		id := info.TMDBID
		sub.TMDBID = &id
	}
	if sub.Year == "" {
		sub.Year = info.Year
	}
	if sub.Type == models.MediaTV && sub.TotalEpisodes == 0 {
		sub.TotalEpisodes = info.EpisodeCount(*sub.Season)
	}
}

func seasonOf(sub *models.Subscription) int {
	if sub.Season == nil {
		return 0
	}
	return *sub.Season
}

// Subscribe registers the TransferCompleted handler that closes episodes.
func (s *Service) Subscribe(bus *events.Bus) {
	bus.Subscribe(events.TransferCompleted, "subscribe", s.onTransferCompleted)
}

func (s *Service) onTransferCompleted(ctx context.Context, ev events.Event) error {
	p, ok := ev.Payload.(events.TransferPayload)
	if !ok {
		return fmt.Errorf("unexpected transfer payload %T", ev.Payload)
	}
	task, err := s.tasks.Get(ctx, ev.Hash)
	if err != nil {
		if errors.Is(err, models.ErrTaskNotFound) {
			return nil
		}
		return err
	}
	if task.SubscriptionID == nil {
		return nil
	}
	id := *task.SubscriptionID

	unlock := s.lock(id)
	defer unlock()

	sub, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrSubscriptionNotFound) {
			return nil
		}
		return err
	}

	episodes := p.Episodes
	switch {
	case sub.Type == models.MediaMovie:
		episodes = []int{1}
	case len(episodes) == 0:
		episodes = task.Episodes
	}

	if task.Priority > sub.CurrentPriority {
		if err := s.store.UpdatePriority(ctx, id, task.Priority); err != nil {
			return err
		}
		sub.CurrentPriority = task.Priority
	}

	completed, err := s.store.DecrementLack(ctx, id, episodes)
	if err != nil {
		return err
	}
	if !completed {
		return nil
	}
	return s.complete(ctx, sub)
}

// complete closes a subscription whose episodes are all in. Best-version
// subscriptions keep looking for better releases until the top priority.
func (s *Service) complete(ctx context.Context, sub *models.Subscription) error {
	if sub.BestVersion && sub.CurrentPriority < filter.MaxPriority {
		s.log.Info().Int("id", sub.ID).Str("title", sub.Title).Int("priority", sub.CurrentPriority).
			Msg("All episodes obtained, continuing to look for a better version")
		return s.store.ResetLack(ctx, sub.ID)
	}

	if err := s.store.Delete(ctx, sub.ID); err != nil {
		return err
	}
	s.log.Info().Int("id", sub.ID).Str("title", sub.Title).Msg("Subscription completed")

	s.publish(ctx, events.Event{Kind: events.SubscribeCompleted, Payload: events.SubscribePayload{
		SubscriptionID: sub.ID,
		Title:          sub.Title,
		Season:         seasonOf(sub),
	}})
	text := sub.Title
	if sub.Type == models.MediaTV {
		text = fmt.Sprintf("%s season %d", sub.Title, seasonOf(sub))
	}
	s.publish(ctx, events.Event{Kind: events.NotificationEmitted, Payload: events.NotificationPayload{
		Title: "Subscription completed",
		Text:  text,
	}})
	s.updateGauge(ctx)
	return nil
}

func (s *Service) publish(ctx context.Context, ev events.Event) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, ev); err != nil {
		s.log.Warn().Err(err).Str("event", ev.Kind.String()).Msg("Event handlers reported errors")
	}
}

// pendingPriority is the best priority among the subscription's downloads
// that have not failed.
func (s *Service) pendingPriority(ctx context.Context, id int) (int, error) {
	tasks, err := s.tasks.List(ctx, models.TaskFilter{SubscriptionID: id})
	if err != nil {
		return 0, err
	}
	best := 0
	for _, t := range tasks {
		if t.State != models.TaskErrored {
			best = max(best, t.Priority)
		}
	}
	return best, nil
}

func (s *Service) updateGauge(ctx context.Context) {
	running, err := s.store.List(ctx, models.SubscriptionRunning)
	if err != nil {
		return
	}
	metrics.ActiveSubscriptions.Set(float64(len(running)))
}

// RefreshMetadata is the subscribe_tmdb job: it fills missing TMDB ids and
// grows episode totals when new episodes are announced.
func (s *Service) RefreshMetadata(ctx context.Context) (*notify.RunSummary, error) {
	summary := notify.NewRunSummary(JobTMDB)
	if s.provider == nil {
		return summary, nil
	}
	subs, err := s.store.List(ctx, "")
	if err != nil {
		return summary, err
	}

	for _, sub := range subs {
		if err := ctx.Err(); err != nil {
			return summary, domain.NewError(domain.KindCancelled, JobTMDB, err)
		}
		if err := s.refreshOne(ctx, sub, summary); err != nil {
			summary.Fail()
			s.log.Warn().Err(err).Int("id", sub.ID).Str("title", sub.Title).Msg("Subscription metadata refresh failed")
		}
	}
	return summary, nil
}

func (s *Service) refreshOne(ctx context.Context, sub *models.Subscription, summary *notify.RunSummary) error {
	if sub.TMDBID == nil {
		info, err := s.provider.Recognize(ctx, &mediameta.Meta{Name: sub.Title, Year: sub.Year, Type: sub.Type}, 0)
		if err != nil {
			return err
		}
		if err := s.store.SetMetadata(ctx, sub.ID, info.TMDBID, info.Year); err != nil {
			return err
		}
		id := info.TMDBID
		sub.TMDBID = &id
	}
	if sub.Type != models.MediaTV {
		return nil
	}

	seasons, err := s.provider.FetchSeasons(ctx, *sub.TMDBID)
	if err != nil {
		return err
	}
	idx := slices.IndexFunc(seasons, func(se metadata.Season) bool { return se.Number == seasonOf(sub) })
	if idx < 0 {
		return nil
	}
	unlock := s.lock(sub.ID)
	defer unlock()
	delta, err := s.store.GrowTotal(ctx, sub.ID, seasons[idx].EpisodeCount)
	if err != nil {
		return err
	}
	if delta > 0 {
		summary.Line("%s season %d: %d new episodes", sub.Title, seasonOf(sub), delta)
	}
	return nil
}
