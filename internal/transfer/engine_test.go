// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package transfer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
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
	"github.com/autobrr/flowarr/internal/mediameta"
	"github.com/autobrr/flowarr/internal/metadata"
	"github.com/autobrr/flowarr/internal/models"
	"github.com/autobrr/flowarr/internal/storage"
)

type staticClients []downloader.Client

func (c staticClients) Active(context.Context) ([]downloader.Client, error) { return c, nil }

// titleProvider recognizes names it knows and fails on everything else.
type titleProvider struct {
	known map[string]metadata.MediaInfo
}

func (p *titleProvider) Recognize(_ context.Context, meta *mediameta.Meta, tmdbID int) (*metadata.MediaInfo, error) {
	for _, info := range p.known {
		if tmdbID > 0 && info.TMDBID == tmdbID {
			return &info, nil
		}
	}
	if info, ok := p.known[meta.Name]; ok {
		return &info, nil
	}
	return nil, metadata.ErrNotFound
}

func (p *titleProvider) FetchSeasons(context.Context, int) ([]metadata.Season, error) { return nil, nil }

func (p *titleProvider) FetchEpisodes(context.Context, int, int) ([]metadata.Episode, error) {
	return nil, nil
}

func (p *titleProvider) Discover(context.Context, models.MediaType, metadata.DiscoverFilter, int) ([]metadata.MediaInfo, error) {
	return nil, nil
}

type failingWriter struct {
	w       io.Writer
	written int
	limit   int
}

func (f *failingWriter) Write(p []byte) (int, error) {
	if f.written+len(p) > f.limit {
		n, _ := f.w.Write(p[:f.limit-f.written])
		f.written += n
		return n, errors.New("disk full")
	}
	n, err := f.w.Write(p)
	f.written += n
	return n, err
}

type harness struct {
	root    string
	lib     string
	engine  *Engine
	fake    *downloadertest.Fake
	history *models.TransferHistoryStore
	tasks   *models.TaskStore

	mu        sync.Mutex
	completed []events.TransferPayload
	failed    []events.TransferPayload
}

func newHarness(t *testing.T, mode domain.TransferMode, fs storage.FS) *harness {
	t.Helper()
	ctx := context.Background()
	db, err := database.New(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	bus := events.NewBus(1)
	t.Cleanup(bus.Close)

	root := t.TempDir()
	h := &harness{
		root:    root,
		lib:     filepath.Join(root, "lib"),
		fake:    downloadertest.New(1, "qb"),
		history: models.NewTransferHistoryStore(db),
		tasks:   models.NewTaskStore(db),
	}
	bus.Subscribe(events.TransferCompleted, "test", func(_ context.Context, ev events.Event) error {
		h.mu.Lock()
		h.completed = append(h.completed, ev.Payload.(events.TransferPayload))
		h.mu.Unlock()
		return nil
	})
	bus.Subscribe(events.TransferFailed, "test", func(_ context.Context, ev events.Event) error {
		h.mu.Lock()
		h.failed = append(h.failed, ev.Payload.(events.TransferPayload))
		h.mu.Unlock()
		return nil
	})

	provider := &titleProvider{known: map[string]metadata.MediaInfo{
		"Foo": {TMDBID: 111, Type: models.MediaTV, Title: "Foo", Year: "2024"},
		"Bar": {TMDBID: 222, Type: models.MediaMovie, Title: "Bar", Year: "2023"},
	}}
	if fs == nil {
		fs = storage.NewLocal()
	}
	h.engine = NewEngine(staticClients{h.fake}, fs, provider, h.tasks, h.history, bus)
	require.NoError(t, h.engine.Configure(Config{Mode: mode, LibraryPaths: []string{h.lib}}))
	return h
}

func (h *harness) write(t *testing.T, rel string, size int) string {
	t.Helper()
	p := filepath.Join(h.root, "dl", filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, bytes.Repeat([]byte("v"), size), 0o644))
	return p
}

func (h *harness) put(hash, name string, added time.Time) {
	h.fake.Put(downloader.Torrent{
		Hash:        hash,
		Name:        name,
		State:       models.TaskCompleted,
		SavePath:    filepath.Join(h.root, "dl"),
		ContentPath: filepath.Join(h.root, "dl", name),
		AddedAt:     added,
	})
}

const hashFoo = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

func TestOrganizeSkipsSamplesAndTagsTorrent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, domain.TransferModeLink, nil)
	src := h.write(t, "Foo.S01/Foo.S01E01.mkv", 4096)
	sample := h.write(t, "Foo.S01/sample.mkv", 512)
	h.put(hashFoo, "Foo.S01", time.Now())

	summary, err := h.engine.Run(ctx)
	require.NoError(t, err)
	added, failed, _ := summary.Counts()
	assert.Equal(t, 1, added)
	assert.Equal(t, 0, failed)

	want := filepath.Join(h.lib, "Foo (2024)", "Season 1", "Foo (2024) - S01E01.mkv")
	row, err := h.history.GetBySrc(ctx, src)
	require.NoError(t, err)
	assert.True(t, row.Status)
	assert.Equal(t, want, row.Dest)
	assert.Equal(t, "1", row.Seasons)
	assert.Equal(t, "1", row.Episodes)
	require.NotNil(t, row.TMDBID)
	assert.Equal(t, 111, *row.TMDBID)
	assert.FileExists(t, want)

	_, err = h.history.GetBySrc(ctx, sample)
	assert.Error(t, err)

	torrent, ok := h.fake.Torrent(hashFoo)
	require.True(t, ok)
	assert.True(t, torrent.HasTag(downloader.TagOrganized))

	require.Len(t, h.completed, 1)
	assert.Equal(t, 111, h.completed[0].TMDBID)
	assert.Equal(t, []int{1}, h.completed[0].Episodes)

	// A second poll sees the organized tag and does nothing.
	summary, err = h.engine.Run(ctx)
	require.NoError(t, err)
	assert.True(t, summary.Empty())
}

func TestFailedCopyLeavesSourceAndNoDestination(t *testing.T) {
	ctx := context.Background()
	fs := storage.NewLocal(storage.WithWriterWrap(func(w io.Writer) io.Writer {
		return &failingWriter{w: w, limit: 32 * 1024}
	}))
	h := newHarness(t, domain.TransferModeCopy, fs)
	src := h.write(t, "Foo.S01/Foo.S01E01.mkv", 128*1024)
	before, err := os.ReadFile(src)
	require.NoError(t, err)
	h.put(hashFoo, "Foo.S01", time.Now())

	summary, err := h.engine.Run(ctx)
	require.NoError(t, err)
	_, failed, _ := summary.Counts()
	assert.Equal(t, 1, failed)

	dest := filepath.Join(h.lib, "Foo (2024)", "Season 1", "Foo (2024) - S01E01.mkv")
	assert.NoFileExists(t, dest)
	list, err := os.ReadDir(filepath.Dir(dest))
	if err == nil {
		assert.Empty(t, list)
	}
	after, err := os.ReadFile(src)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	row, err := h.history.GetBySrc(ctx, src)
	require.NoError(t, err)
	assert.False(t, row.Status)
	assert.Contains(t, row.ErrMsg, "disk full")
	require.Len(t, h.failed, 1)

	torrent, _ := h.fake.Torrent(hashFoo)
	assert.False(t, torrent.HasTag(downloader.TagOrganized))
}

func TestDuplicateDestination(t *testing.T) {
	ctx := context.Background()

	t.Run("same size counts as success", func(t *testing.T) {
		h := newHarness(t, domain.TransferModeCopy, nil)
		h.write(t, "Foo.S01/Foo.S01E02.mkv", 100)
		dest := filepath.Join(h.lib, "Foo (2024)", "Season 1", "Foo (2024) - S01E02.mkv")
		require.NoError(t, os.MkdirAll(filepath.Dir(dest), 0o755))
		require.NoError(t, os.WriteFile(dest, bytes.Repeat([]byte("x"), 100), 0o644))
		h.put(hashFoo, "Foo.S01", time.Now())

		summary, err := h.engine.Run(ctx)
		require.NoError(t, err)
		added, _, _ := summary.Counts()
		assert.Equal(t, 1, added)
		// Untouched: still the pre-existing content.
		data, err := os.ReadFile(dest)
		require.NoError(t, err)
		assert.Equal(t, byte('x'), data[0])
	})

	t.Run("different size fails without renaming", func(t *testing.T) {
		h := newHarness(t, domain.TransferModeCopy, nil)
		src := h.write(t, "Foo.S01/Foo.S01E02.mkv", 100)
		dest := filepath.Join(h.lib, "Foo (2024)", "Season 1", "Foo (2024) - S01E02.mkv")
		require.NoError(t, os.MkdirAll(filepath.Dir(dest), 0o755))
		require.NoError(t, os.WriteFile(dest, []byte("short"), 0o644))
		h.put(hashFoo, "Foo.S01", time.Now())

		summary, err := h.engine.Run(ctx)
		require.NoError(t, err)
		_, failed, _ := summary.Counts()
		assert.Equal(t, 1, failed)
		entries, err := os.ReadDir(filepath.Dir(dest))
		require.NoError(t, err)
		assert.Len(t, entries, 1)

		row, err := h.history.GetBySrc(ctx, src)
		require.NoError(t, err)
		assert.False(t, row.Status)
		torrent, _ := h.fake.Torrent(hashFoo)
		assert.False(t, torrent.HasTag(downloader.TagOrganized))
	})
}

func TestMoveDeletesTorrentAndEmptySourceDir(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, domain.TransferModeMove, nil)
	src := h.write(t, "Bar.2023.1080p.BluRay/Bar.2023.1080p.BluRay.mkv", 2048)
	h.put(hashFoo, "Bar.2023.1080p.BluRay", time.Now())

	_, err := h.engine.Run(ctx)
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(h.lib, "Bar (2023)", "Bar (2023) - 1080p.mkv"))
	assert.NoFileExists(t, src)
	assert.NoDirExists(t, filepath.Dir(src))
	assert.DirExists(t, filepath.Join(h.root, "dl"))

	deletes := h.fake.Calls("delete")
	require.Len(t, deletes, 1)
	assert.False(t, deletes[0].AlsoFiles)
	_, ok := h.fake.Torrent(hashFoo)
	assert.False(t, ok)
}

func TestRecognitionFailureRecordsAndContinues(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, domain.TransferModeLink, nil)
	unknown := h.write(t, "Nobody.Knows.S01/Nobody.Knows.S01E01.mkv", 10)
	h.write(t, "Foo.S01/Foo.S01E03.mkv", 10)
	base := time.Now()
	h.put("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", "Nobody.Knows.S01", base)
	h.put(hashFoo, "Foo.S01", base.Add(time.Minute))

	summary, err := h.engine.Run(ctx)
	require.NoError(t, err)
	added, failed, _ := summary.Counts()
	assert.Equal(t, 1, added)
	assert.Equal(t, 1, failed)

	row, err := h.history.GetBySrc(ctx, unknown)
	require.NoError(t, err)
	assert.False(t, row.Status)
	assert.Empty(t, row.Dest)
	assert.NotEmpty(t, row.ErrMsg)
}

func TestNFOTakesPrecedence(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, domain.TransferModeLink, nil)
	src := h.write(t, "Some.Release/Some.Release.2023.mkv", 10)
	nfo := filepath.Join(filepath.Dir(src), "movie.nfo")
	require.NoError(t, os.WriteFile(nfo, []byte("<movie><tmdbid>222</tmdbid></movie>"), 0o644))
	h.put(hashFoo, "Some.Release", time.Now())

	_, err := h.engine.Run(ctx)
	require.NoError(t, err)
	row, err := h.history.GetBySrc(ctx, src)
	require.NoError(t, err)
	assert.True(t, row.Status)
	assert.Equal(t, "Bar", row.Title)
	assert.Equal(t, "movie", row.Type)
}

func TestOrderingIsDeterministic(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, domain.TransferModeLink, nil)
	h.write(t, "Foo.S01/Foo.S01E02.mkv", 10)
	h.write(t, "Foo.S01/Foo.S01E01.mkv", 10)
	h.write(t, "Bar.2023/Bar.2023.mkv", 10)
	base := time.Now()
	h.put(hashFoo, "Foo.S01", base.Add(time.Hour))
	h.put("cccccccccccccccccccccccccccccccccccccccc", "Bar.2023", base)

	_, err := h.engine.Run(ctx)
	require.NoError(t, err)
	var order []string
	for _, p := range h.completed {
		order = append(order, filepath.Base(p.Src))
	}
	assert.Equal(t, []string{"Bar.2023.mkv", "Foo.S01E01.mkv", "Foo.S01E02.mkv"}, order)
}

func TestMediaWithoutVideoIsIgnoredOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, domain.TransferModeLink, nil)
	h.write(t, "Foo.Extras/readme.txt", 10)
	h.put(hashFoo, "Foo.Extras", time.Now())

	summary, err := h.engine.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Foo.Extras"}, summary.Skipped())

	summary, err = h.engine.Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, summary.Skipped())
}

func TestConfigureRejectsBadInput(t *testing.T) {
	e := NewEngine(staticClients{}, storage.NewLocal(), &titleProvider{}, nil, nil, nil)
	assert.ErrorIs(t, e.Configure(Config{Mode: "teleport"}), domain.ErrPreconditionFailed)
	assert.ErrorIs(t, e.Configure(Config{TVTemplate: "{{if title}}"}), domain.ErrPreconditionFailed)

	_, err := e.Run(context.Background())
	assert.ErrorIs(t, err, domain.ErrPreconditionFailed)
}
