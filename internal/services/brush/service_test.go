// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package brush

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/flowarr/internal/database"
	"github.com/autobrr/flowarr/internal/domain"
	"github.com/autobrr/flowarr/internal/downloader"
	"github.com/autobrr/flowarr/internal/downloader/downloadertest"
	"github.com/autobrr/flowarr/internal/gate"
	"github.com/autobrr/flowarr/internal/models"
	"github.com/autobrr/flowarr/internal/notify"
)

type staticTasks []*Task

func (t staticTasks) List(context.Context) ([]*Task, error) { return t, nil }

type staticSites map[int]*models.Site

func (s staticSites) Get(_ context.Context, id int) (*models.Site, error) {
	site, ok := s[id]
	if !ok {
		return nil, models.ErrSiteNotFound
	}
	return site, nil
}

type staticClients map[int]downloader.Client

func (c staticClients) Get(_ context.Context, id int) (downloader.Client, error) {
	client, ok := c[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return client, nil
}

type staticBrowser struct {
	records []domain.TorrentRecord
	err     error
	calls   int
}

func (b *staticBrowser) Browse(context.Context, *models.Site, int) ([]domain.TorrentRecord, error) {
	b.calls++
	return b.records, b.err
}

type noFetch struct{}

func (noFetch) Fetch(context.Context, *domain.TorrentRecord) ([]byte, error) {
	return nil, fmt.Errorf("unexpected fetch")
}

func newService(t *testing.T, fake *downloadertest.Fake, browser *staticBrowser, limits downloader.Limits) *Service {
	t.Helper()
	db, err := database.New(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewService(limits, Deps{
		Sites:     staticSites{1: {ID: 1, Name: "A", Domain: "a.example", Active: true}},
		Clients:   staticClients{1: fake},
		Browser:   browser,
		Submitter: downloader.NewSubmitter(models.NewTaskStore(db), nil, "flowarr"),
		Fetcher:   noFetch{},
	})
}

func magnet(n int) string {
	return fmt.Sprintf("magnet:?xt=urn:btih:%040x", n)
}

func TestUploadBoundStopsAdding(t *testing.T) {
	fake := downloadertest.New(1, "qb")
	fake.SetStats(downloader.Stats{UpSpeed: 1100 * 1024, FreeSpace: -1})
	browser := &staticBrowser{records: []domain.TorrentRecord{{SiteID: 1, Title: "Free.Thing.2024", Enclosure: magnet(1)}}}
	svc := newService(t, fake, browser, downloader.Limits{})

	task := &Task{Name: "flow", Enabled: true, SiteID: 1, DownloaderID: 1, MaxUpSpeed: 1024}
	summary := notify.NewRunSummary(JobID)
	require.NoError(t, svc.RunTask(context.Background(), task, summary))

	assert.Empty(t, fake.Calls("add"))
	assert.Zero(t, browser.calls)
	require.Len(t, summary.Lines(), 1)
	assert.Contains(t, summary.Lines()[0], "upper bound reached")
}

func TestAddsBestCandidatesWithinBounds(t *testing.T) {
	fake := downloadertest.New(1, "qb")
	now := time.Now().UTC()
	browser := &staticBrowser{records: []domain.TorrentRecord{
		{SiteID: 1, Title: "Old.Free.2020", Enclosure: magnet(1), UploadFactor: 1, DownloadFactor: 0, PubDate: now.Add(-5 * time.Hour).Format(time.RFC3339)},
		{SiteID: 1, Title: "New.Free.2024", Enclosure: magnet(2), UploadFactor: 1, DownloadFactor: 0, PubDate: now.Add(-time.Hour).Format(time.RFC3339)},
		{SiteID: 1, Title: "Paid.2024", Enclosure: magnet(3), UploadFactor: 1, DownloadFactor: 1},
	}}
	svc := newService(t, fake, browser, downloader.Limits{})

	svc.tasks = staticTasks{
		{Name: "flow", Enabled: true, SiteID: 1, DownloaderID: 1, Rule: "FREE", MaxDownloading: 1},
		{Name: "off", Enabled: false, SiteID: 1, DownloaderID: 1},
	}
	summary, err := svc.Run(context.Background())
	require.NoError(t, err)

	adds := fake.Calls("add")
	require.Len(t, adds, 1)
	assert.Equal(t, magnet(2), adds[0].Request.URL)
	assert.ElementsMatch(t, []string{"brush", "brush-flow", "flowarr"}, adds[0].Tags)
	added, _, _ := summary.Counts()
	assert.Equal(t, 1, added)

	// the added torrent is downloading, so the bound holds on the next run
	_, err = svc.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, fake.Calls("add"), 1)
}

func TestPruneRemovesSeededTorrents(t *testing.T) {
	fake := downloadertest.New(1, "qb")
	tags := []string{downloader.TagBrush, "brush-flow"}
	fake.Put(downloader.Torrent{Hash: fmt.Sprintf("%040x", 1), Name: "done", State: models.TaskCompleted, Ratio: 3, Tags: tags})
	fake.Put(downloader.Torrent{Hash: fmt.Sprintf("%040x", 2), Name: "young", State: models.TaskCompleted, Ratio: 0.5, Tags: tags})
	fake.Put(downloader.Torrent{Hash: fmt.Sprintf("%040x", 3), Name: "mine", State: models.TaskCompleted, Ratio: 9})
	svc := newService(t, fake, &staticBrowser{}, downloader.Limits{})

	task := &Task{Name: "flow", Enabled: true, SiteID: 1, DownloaderID: 1, RemoveRatio: 2}
	summary := notify.NewRunSummary(JobID)
	require.NoError(t, svc.RunTask(context.Background(), task, summary))

	deletes := fake.Calls("delete")
	require.Len(t, deletes, 1)
	assert.Equal(t, []string{fmt.Sprintf("%040x", 1)}, deletes[0].Hashes)
	assert.True(t, deletes[0].AlsoFiles)
}

func TestCoolingSiteIsSkipped(t *testing.T) {
	fake := downloadertest.New(1, "qb")
	browser := &staticBrowser{err: &gate.Error{Kind: domain.KindRateLimited, Domain: "a.example", WaitUntil: time.Now().Add(time.Minute)}}
	svc := newService(t, fake, browser, downloader.Limits{})

	summary := notify.NewRunSummary(JobID)
	require.NoError(t, svc.RunTask(context.Background(), &Task{Name: "flow", SiteID: 1, DownloaderID: 1}, summary))
	assert.Equal(t, []string{"A"}, summary.Skipped())
}

func TestGlobalCapacityIsABound(t *testing.T) {
	fake := downloadertest.New(1, "qb")
	fake.Put(downloader.Torrent{Hash: fmt.Sprintf("%040x", 9), Name: "busy", State: models.TaskDownloading})
	browser := &staticBrowser{records: []domain.TorrentRecord{{SiteID: 1, Title: "X.2024", Enclosure: magnet(1)}}}
	svc := newService(t, fake, browser, downloader.Limits{MaxActiveDownloads: 1})

	summary := notify.NewRunSummary(JobID)
	require.NoError(t, svc.RunTask(context.Background(), &Task{Name: "flow", SiteID: 1, DownloaderID: 1}, summary))
	assert.Empty(t, fake.Calls("add"))
	assert.Contains(t, summary.Lines()[0], "upper bound reached")
}

func TestTaskValidation(t *testing.T) {
	assert.ErrorIs(t, (&Task{SiteID: 1, DownloaderID: 1}).Validate(), ErrInvalidTask)
	assert.ErrorIs(t, (&Task{Name: "x", DownloaderID: 1}).Validate(), ErrInvalidTask)
	assert.ErrorIs(t, (&Task{Name: "x", SiteID: 1, DownloaderID: 1, Rule: "re:("}).Validate(), ErrInvalidTask)
	assert.NoError(t, (&Task{Name: "x", SiteID: 1, DownloaderID: 1, Rule: "FREE&seeders:5-"}).Validate())
	assert.Equal(t, "brush-my-flow-task", (&Task{Name: "My Flow  Task"}).Tag())
}
