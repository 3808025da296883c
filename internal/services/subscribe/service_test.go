// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package subscribe

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/flowarr/internal/database"
	"github.com/autobrr/flowarr/internal/domain"
	"github.com/autobrr/flowarr/internal/downloader"
	"github.com/autobrr/flowarr/internal/downloader/downloadertest"
	"github.com/autobrr/flowarr/internal/events"
	"github.com/autobrr/flowarr/internal/gate"
	"github.com/autobrr/flowarr/internal/indexer"
	"github.com/autobrr/flowarr/internal/models"
)

const staticParser = "static"

// staticDriver serves canned records per site domain.
type staticDriver struct {
	mu       sync.Mutex
	records  map[string][]domain.TorrentRecord
	searched map[string]int
}

func (d *staticDriver) Search(_ context.Context, h *gate.SiteHandle, _ indexer.Query) ([]domain.TorrentRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.searched[h.Site().Domain]++
	return append([]domain.TorrentRecord(nil), d.records[h.Site().Domain]...), nil
}

func (d *staticDriver) Browse(ctx context.Context, h *gate.SiteHandle, _ int) ([]domain.TorrentRecord, error) {
	return d.Search(ctx, h, indexer.Query{})
}

func (d *staticDriver) count(domain string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.searched[domain]
}

type staticSites []*models.Site

func (s staticSites) ListActive(context.Context) ([]*models.Site, error) { return s, nil }

type singleClient struct{ c downloader.Client }

func (p singleClient) Default(context.Context) (downloader.Client, error) { return p.c, nil }

type harness struct {
	svc    *Service
	gate   *gate.Gate
	driver *staticDriver
	fake   *downloadertest.Fake
	subs   *models.SubscriptionStore
	tasks  *models.TaskStore
	bus    *events.Bus
	sites  staticSites

	mu        sync.Mutex
	completed []events.SubscribePayload
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	ctx := context.Background()
	db, err := database.New(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	bus := events.NewBus(1)
	t.Cleanup(bus.Close)

	defs, err := indexer.LoadDefinitions("")
	require.NoError(t, err)
	g := gate.New(gate.Config{})
	ix := indexer.New(g, defs, 0)
	driver := &staticDriver{records: map[string][]domain.TorrentRecord{}, searched: map[string]int{}}
	ix.RegisterDriver(staticParser, driver)

	h := &harness{
		gate:   g,
		driver: driver,
		fake:   downloadertest.New(1, "qb"),
		subs:   models.NewSubscriptionStore(db),
		tasks:  models.NewTaskStore(db),
		bus:    bus,
		sites: staticSites{
			{ID: 1, Name: "A", Domain: "a.example", URL: "https://a.example/", Priority: 2, Parser: staticParser, Active: true},
			{ID: 2, Name: "B", Domain: "b.example", URL: "https://b.example/", Priority: 1, Parser: staticParser, Active: true, LimitSeconds: 600},
		},
	}
	h.svc = NewService(cfg, Deps{
		Store:     h.subs,
		Tasks:     h.tasks,
		Sites:     h.sites,
		Search:    ix,
		Clients:   singleClient{h.fake},
		Submitter: downloader.NewSubmitter(h.tasks, bus, "flowarr"),
		Bus:       bus,
	})
	h.svc.Subscribe(bus)
	bus.Subscribe(events.SubscribeCompleted, "test", func(_ context.Context, ev events.Event) error {
		h.mu.Lock()
		h.completed = append(h.completed, ev.Payload.(events.SubscribePayload))
		h.mu.Unlock()
		return nil
	})
	return h
}

func (h *harness) serve(domainName string, records ...domain.TorrentRecord) {
	h.driver.mu.Lock()
	defer h.driver.mu.Unlock()
	h.driver.records[domainName] = records
}

func (h *harness) completions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.completed)
}

func magnet(n int) string {
	return fmt.Sprintf("magnet:?xt=urn:btih:%040x", n)
}

func fooSeason(t *testing.T, h *harness, total int) *models.Subscription {
	t.Helper()
	tmdb, season := 111, 1
	sub, created, err := h.svc.Add(context.Background(), &models.Subscription{
		Type: models.MediaTV, Title: "Foo", Year: "2024", TMDBID: &tmdb, Season: &season, TotalEpisodes: total,
	})
	require.NoError(t, err)
	require.True(t, created)
	return sub
}

func TestSearchQueuesSeasonPack(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{DownloadPath: "/downloads"})
	sub := fooSeason(t, h, 3)
	h.serve("a.example", domain.TorrentRecord{Title: "Foo.S01.1080p", Enclosure: magnet(1), Size: 3 << 30, Seeders: 10})

	summary, err := h.svc.Search(ctx)
	require.NoError(t, err)

	adds := h.fake.Calls("add")
	require.Len(t, adds, 1)
	assert.False(t, adds[0].Request.Paused)
	assert.Contains(t, adds[0].Tags, "flowarr")
	assert.Equal(t, "/downloads", adds[0].Request.SavePath)
	added, _, _ := summary.Counts()
	assert.Equal(t, 1, added)

	got, err := h.subs.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.LackEpisodes)
	assert.Equal(t, models.SubscriptionRunning, got.State)

	tasks, err := h.tasks.List(ctx, models.TaskFilter{SubscriptionID: sub.ID})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, []int{1, 2, 3}, tasks[0].Episodes)

	// the same pack is in flight, so a second run adds nothing
	_, err = h.svc.Search(ctx)
	require.NoError(t, err)
	assert.Len(t, h.fake.Calls("add"), 1)
}

type clientList []downloader.Client

func (l clientList) Active(context.Context) ([]downloader.Client, error) { return l, nil }

func TestDeletedDownloadIsQueuedAgain(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	sub := fooSeason(t, h, 3)
	h.serve("a.example", domain.TorrentRecord{Title: "Foo.S01.1080p", Enclosure: magnet(1), Size: 3 << 30, Seeders: 10})

	_, err := h.svc.Search(ctx)
	require.NoError(t, err)
	require.Len(t, h.fake.Calls("add"), 1)

	tasks, err := h.tasks.List(ctx, models.TaskFilter{SubscriptionID: sub.ID})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.NoError(t, h.fake.Delete(ctx, []string{tasks[0].Hash}, true))

	_, err = downloader.NewSyncer(clientList{h.fake}, h.tasks).Run(ctx)
	require.NoError(t, err)

	summary, err := h.svc.Search(ctx)
	require.NoError(t, err)
	assert.Len(t, h.fake.Calls("add"), 2, "the removed pack is searched for again")
	added, _, _ := summary.Counts()
	assert.Equal(t, 1, added)

	tasks, err = h.tasks.List(ctx, models.TaskFilter{SubscriptionID: sub.ID})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, models.TaskDownloading, tasks[0].State)
}

func TestSearchSkipsCoolingSite(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	fooSeason(t, h, 2)
	h.serve("a.example", domain.TorrentRecord{Title: "Foo.S01E01.720p", Enclosure: magnet(1), Seeders: 3})
	h.serve("b.example", domain.TorrentRecord{Title: "Foo.S01E02.720p", Enclosure: magnet(2), Seeders: 3})

	until := h.gate.Penalize(h.sites[1])
	require.True(t, until.After(time.Now()))

	summary, err := h.svc.Search(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"B"}, summary.Skipped())
	assert.Equal(t, 1, h.driver.count("a.example"))
	assert.Zero(t, h.driver.count("b.example"))
	assert.Len(t, h.fake.Calls("add"), 1)
}

func TestCompletionPublishedOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	sub := fooSeason(t, h, 10)

	hashes := make([]string, 10)
	for i := range hashes {
		hashes[i] = fmt.Sprintf("%040x", i+1)
		_, err := h.tasks.UpsertTask(ctx, &models.DownloadTask{
			Hash: hashes[i], DownloaderID: 1, SubscriptionID: &sub.ID, Title: "Foo",
			MediaType: string(models.MediaTV), Episodes: []int{i + 1}, State: models.TaskCompleted,
		})
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for round := 0; round < 3; round++ {
		for i, hash := range hashes {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = h.bus.Publish(ctx, events.Event{Kind: events.TransferCompleted, Hash: hash,
					Payload: events.TransferPayload{Episodes: []int{i + 1}}})
			}()
		}
	}
	wg.Wait()

	assert.Equal(t, 1, h.completions())
	_, err := h.subs.Get(ctx, sub.ID)
	assert.ErrorIs(t, err, models.ErrSubscriptionNotFound)
	assert.Zero(t, h.svc.lockCount())
}

func TestEpisodesBeforeStartDoNotComplete(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	tmdb, season := 222, 1
	sub, _, err := h.svc.Add(ctx, &models.Subscription{
		Type: models.MediaTV, Title: "Bar", Year: "2024", TMDBID: &tmdb, Season: &season, TotalEpisodes: 10, StartEpisode: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, 6, sub.LackEpisodes)

	hash := fmt.Sprintf("%040x", 42)
	_, err = h.tasks.UpsertTask(ctx, &models.DownloadTask{
		Hash: hash, DownloaderID: 1, SubscriptionID: &sub.ID, Title: "Bar",
		MediaType: string(models.MediaTV), Episodes: []int{1, 2, 3, 4, 5, 6}, State: models.TaskCompleted,
	})
	require.NoError(t, err)
	require.NoError(t, h.bus.Publish(ctx, events.Event{Kind: events.TransferCompleted, Hash: hash,
		Payload: events.TransferPayload{Episodes: []int{1, 2, 3, 4, 5, 6}}}))

	assert.Zero(t, h.completions())
	got, err := h.subs.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.LackEpisodes)
}

func TestSubscriptionLockStaysExclusiveWhileReleased(t *testing.T) {
	h := newHarness(t, Config{})

	var (
		wg      sync.WaitGroup
		inside  int
		overlap bool
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := h.svc.lock(7)
			inside++
			if inside > 1 {
				overlap = true
			}
			time.Sleep(time.Millisecond)
			inside--
			unlock()
		}()
	}
	wg.Wait()

	assert.False(t, overlap, "two holders of one subscription lock")
	assert.Zero(t, h.svc.lockCount(), "released locks are dropped")
}

func TestPartialPackSelectsWantedEpisodes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	sub := fooSeason(t, h, 4)
	_, err := h.subs.DecrementLack(ctx, sub.ID, []int{1, 2})
	require.NoError(t, err)

	h.fake.FilesFor = func(downloader.AddRequest) []downloader.File {
		files := make([]downloader.File, 4)
		for i := range files {
			files[i] = downloader.File{ID: i, Path: fmt.Sprintf("Foo.S01/Foo.S01E%02d.mkv", i+1), Size: 1 << 30}
		}
		return files
	}
	h.serve("a.example", domain.TorrentRecord{Title: "Foo.S01E01-E04.1080p", Enclosure: magnet(7), Seeders: 5})
	_, err = h.svc.Search(ctx)
	require.NoError(t, err)

	selected := h.fake.Calls("select")
	require.Len(t, selected, 1)
	assert.Len(t, h.fake.Calls("resume"), 1)

	tasks, err := h.tasks.List(ctx, models.TaskFilter{SubscriptionID: sub.ID})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, []int{3, 4}, tasks[0].Episodes)
}

func TestBestVersionWaitsForPendingUpgrade(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	tmdb := 222
	sub, _, err := h.svc.Add(ctx, &models.Subscription{Type: models.MediaMovie, Title: "Bar", Year: "2023", TMDBID: &tmdb,
		BestVersion: true, FilterRule: "remux;1080p"})
	require.NoError(t, err)
	h.serve("a.example",
		domain.TorrentRecord{Title: "Bar.2023.1080p.WEB-DL", Enclosure: magnet(1), Seeders: 2},
		domain.TorrentRecord{Title: "Bar.2023.2160p.BluRay", Enclosure: magnet(2), Seeders: 9},
	)

	_, err = h.svc.Search(ctx)
	require.NoError(t, err)
	require.Len(t, h.fake.Calls("add"), 1)

	_, err = h.svc.Search(ctx)
	require.NoError(t, err)
	assert.Len(t, h.fake.Calls("add"), 1, "nothing beats the pending download")

	tasks, err := h.tasks.List(ctx, models.TaskFilter{SubscriptionID: sub.ID})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.NoError(t, h.bus.Publish(ctx, events.Event{Kind: events.TransferCompleted, Hash: tasks[0].Hash,
		Payload: events.TransferPayload{}}))

	got, err := h.subs.Get(ctx, sub.ID)
	require.NoError(t, err, "top priority not reached yet, subscription stays")
	assert.Equal(t, 99, got.CurrentPriority)
	assert.Equal(t, 1, got.LackEpisodes)
	assert.Zero(t, h.completions())

	h.serve("a.example", domain.TorrentRecord{Title: "Bar.2023.1080p.BluRay.REMUX", Enclosure: magnet(3), Seeders: 1})
	_, err = h.svc.Search(ctx)
	require.NoError(t, err)
	assert.Len(t, h.fake.Calls("add"), 2)
}

func TestPendingPrioritySurvivesRestart(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	tmdb := 333
	sub, _, err := h.svc.Add(ctx, &models.Subscription{Type: models.MediaMovie, Title: "Baz", Year: "2022", TMDBID: &tmdb,
		BestVersion: true, FilterRule: "remux;1080p"})
	require.NoError(t, err)
	h.serve("a.example", domain.TorrentRecord{Title: "Baz.2022.1080p.WEB-DL", Enclosure: magnet(1), Seeders: 2})

	_, err = h.svc.Search(ctx)
	require.NoError(t, err)
	require.Len(t, h.fake.Calls("add"), 1)

	restarted := NewService(Config{}, Deps{
		Store:     h.subs,
		Tasks:     h.tasks,
		Sites:     h.sites,
		Search:    h.svc.search,
		Clients:   singleClient{h.fake},
		Submitter: downloader.NewSubmitter(h.tasks, h.bus, "flowarr"),
	})
	h.serve("a.example", domain.TorrentRecord{Title: "Baz.2022.1080p.BluRay", Enclosure: magnet(2), Seeders: 20})
	_, err = restarted.Search(ctx)
	require.NoError(t, err)
	assert.Len(t, h.fake.Calls("add"), 1, "an equal release does not beat the download queued before the restart")

	tasks, err := h.tasks.List(ctx, models.TaskFilter{SubscriptionID: sub.ID})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, 99, tasks[0].Priority)

	require.NoError(t, restarted.onTransferCompleted(ctx, events.Event{Kind: events.TransferCompleted, Hash: tasks[0].Hash,
		Payload: events.TransferPayload{}}))
	got, err := h.subs.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 99, got.CurrentPriority)
}

func TestBackpressureStopsRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{MaxActiveDownloads: 1})
	fooSeason(t, h, 2)
	h.fake.Put(downloader.Torrent{Hash: fmt.Sprintf("%040x", 99), Name: "other", State: models.TaskDownloading})
	h.serve("a.example", domain.TorrentRecord{Title: "Foo.S01E01.720p", Enclosure: magnet(1), Seeders: 3})

	summary, err := h.svc.Search(ctx)
	require.NoError(t, err)
	assert.Empty(t, h.fake.Calls("add"))
	require.NotEmpty(t, summary.Lines())
	assert.Contains(t, summary.Lines()[len(summary.Lines())-1], "at capacity")
}

func TestRejectsOtherTitlesAndSeasons(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	fooSeason(t, h, 3)
	h.serve("a.example",
		domain.TorrentRecord{Title: "Foobar.Chronicles.S01E01.720p", Enclosure: magnet(1)},
		domain.TorrentRecord{Title: "Foo.S02E01.720p", Enclosure: magnet(2)},
	)

	_, err := h.svc.Search(ctx)
	require.NoError(t, err)
	assert.Empty(t, h.fake.Calls("add"))
}

func TestTitleMatches(t *testing.T) {
	tests := []struct {
		want, got string
		match     bool
	}{
		{"Foo", "foo", true},
		{"The Office", "The.Office", true},
		{"Breaking Bad", "Breaking Badd", true},
		{"Foo", "Foobar Chronicles", false},
		{"Severance", "Silo", false},
		{"", "Foo", false},
	}
	for _, tt := range tests {
		t.Run(tt.want+"/"+tt.got, func(t *testing.T) {
			assert.Equal(t, tt.match, titleMatches(tt.want, tt.got))
		})
	}
}

func TestAddRequiresEpisodeCount(t *testing.T) {
	h := newHarness(t, Config{})
	_, _, err := h.svc.Add(context.Background(), &models.Subscription{Type: models.MediaTV, Title: "Foo"})
	require.Error(t, err)
	assert.Equal(t, domain.KindPreconditionFailed, domain.KindOf(err))
}
