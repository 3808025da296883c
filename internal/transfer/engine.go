// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package transfer organizes completed downloads into the media library.
package transfer

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/flowarr/internal/domain"
	"github.com/autobrr/flowarr/internal/downloader"
	"github.com/autobrr/flowarr/internal/events"
	"github.com/autobrr/flowarr/internal/mediameta"
	"github.com/autobrr/flowarr/internal/metadata"
	"github.com/autobrr/flowarr/internal/metrics"
	"github.com/autobrr/flowarr/internal/models"
	"github.com/autobrr/flowarr/internal/notify"
	"github.com/autobrr/flowarr/internal/storage"
)

const JobID = "transfer"

const (
	categoryMovies = "Movies"
	categoryTV     = "TV Shows"
)

// Config is the reloadable part of the engine's behavior.
type Config struct {
	Mode            domain.TransferMode
	LibraryPaths    []string
	LibraryCategory bool
	MovieTemplate   string
	TVTemplate      string
	MinFreeSpace    int64
}

// ConfigFrom extracts the transfer settings from the application config.
func ConfigFrom(cfg *domain.Config) Config {
	return Config{
		Mode:            cfg.TransferType,
		LibraryPaths:    cfg.LibraryPaths(),
		LibraryCategory: cfg.LibraryCategory,
		MovieTemplate:   cfg.MovieTemplate,
		TVTemplate:      cfg.TVTemplate,
		MinFreeSpace:    int64(cfg.MinFreeSpaceGB) << 30,
	}
}

// ClientSource lists the downloaders to poll.
type ClientSource interface {
	Active(ctx context.Context) ([]downloader.Client, error)
}

type TaskStore interface {
	Get(ctx context.Context, hash string) (*models.DownloadTask, error)
	AddLabels(ctx context.Context, hash string, labels ...string) error
	SetState(ctx context.Context, hash string, state models.TaskState) error
}

type HistoryStore interface {
	RecordTransfer(ctx context.Context, h *models.TransferHistory) (*models.TransferHistory, error)
}

// Refresher asks the media server to rescan its library.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Engine polls downloaders for completed torrents and links, copies or moves
// their media files into the library.
type Engine struct {
	clients  ClientSource
	fs       storage.FS
	provider metadata.Provider
	tasks    TaskStore
	history  HistoryStore
	bus      notify.Publisher

	refresher Refresher

	cfgMu  sync.RWMutex
	cfg    Config
	movies *PathTemplate
	shows  *PathTemplate

	runMu   sync.Mutex
	ignored map[string]struct{}

	log zerolog.Logger
	now func() time.Time
}

func NewEngine(clients ClientSource, fs storage.FS, provider metadata.Provider, tasks TaskStore, history HistoryStore, bus notify.Publisher) *Engine {
	return &Engine{
		clients:  clients,
		fs:       fs,
		provider: provider,
		tasks:    tasks,
		history:  history,
		bus:      bus,
		ignored:  make(map[string]struct{}),
		log:      log.With().Str("component", "transfer").Logger(),
		now:      time.Now,
	}
}

// SetRefresher installs the media server refresher called after a run that
// organized at least one file.
func (e *Engine) SetRefresher(r Refresher) {
	e.refresher = r
}

// Configure validates and applies cfg. The previous configuration stays in
// effect when a template does not parse.
func (e *Engine) Configure(cfg Config) error {
	if cfg.Mode == "" {
		cfg.Mode = domain.TransferModeLink
	}
	if !cfg.Mode.Valid() {
		return domain.NewError(domain.KindPreconditionFailed, "configure transfer", fmt.Errorf("unknown transfer mode %q", cfg.Mode))
	}
	movies, err := ParseTemplate(cmp.Or(cfg.MovieTemplate, DefaultMovieTemplate))
	if err != nil {
		return domain.NewError(domain.KindPreconditionFailed, "configure transfer", err)
	}
	shows, err := ParseTemplate(cmp.Or(cfg.TVTemplate, DefaultTVTemplate))
	if err != nil {
		return domain.NewError(domain.KindPreconditionFailed, "configure transfer", err)
	}

	e.cfgMu.Lock()
	e.cfg = cfg
	e.movies = movies
	e.shows = shows
	e.cfgMu.Unlock()
	return nil
}

type settings struct {
	Config
	movies *PathTemplate
	shows  *PathTemplate
}

func (e *Engine) settings() settings {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return settings{Config: e.cfg, movies: e.movies, shows: e.shows}
}

type candidate struct {
	client  downloader.Client
	torrent downloader.Torrent
}

// Run performs one poll. Concurrent calls are serialized.
func (e *Engine) Run(ctx context.Context) (*notify.RunSummary, error) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	summary := notify.NewRunSummary(JobID)
	s := e.settings()
	if s.movies == nil || s.shows == nil {
		return summary, domain.NewError(domain.KindPreconditionFailed, "transfer run", errors.New("engine is not configured"))
	}
	if len(s.LibraryPaths) == 0 {
		return summary, domain.NewError(domain.KindPreconditionFailed, "transfer run", errors.New("no library path configured"))
	}

	clients, err := e.clients.Active(ctx)
	if err != nil {
		return summary, err
	}

	var candidates []candidate
	for _, client := range clients {
		torrents, err := client.List(ctx, downloader.Filter{States: []models.TaskState{models.TaskCompleted}})
		if err != nil {
			e.log.Warn().Err(err).Str("downloader", client.Name()).Msg("Failed to list completed torrents")
			continue
		}
		for _, t := range torrents {
			if t.HasTag(downloader.TagOrganized) {
				continue
			}
			if _, skip := e.ignored[t.Hash]; skip {
				continue
			}
			candidates = append(candidates, candidate{client: client, torrent: t})
		}
	}
	slices.SortStableFunc(candidates, func(a, b candidate) int {
		if c := a.torrent.AddedAt.Compare(b.torrent.AddedAt); c != 0 {
			return c
		}
		return strings.Compare(a.torrent.Hash, b.torrent.Hash)
	})

	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return summary, domain.NewError(domain.KindCancelled, "transfer run", err)
		}
		e.organize(ctx, s, c, summary)
	}

	if added, _, _ := summary.Counts(); added > 0 && e.refresher != nil {
		if err := e.refresher.Refresh(ctx); err != nil {
			e.log.Warn().Err(err).Msg("Media server refresh failed")
		}
	}
	return summary, nil
}

func contentRoot(t *downloader.Torrent) string {
	if t.ContentPath != "" {
		return filepath.Clean(t.ContentPath)
	}
	return filepath.Join(t.SavePath, t.Name)
}

func (e *Engine) organize(ctx context.Context, s settings, c candidate, summary *notify.RunSummary) {
	t := c.torrent
	logger := e.log.With().Str("hash", t.Hash).Str("torrent", t.Name).Logger()
	root := contentRoot(&t)

	listed, err := e.fs.ListFiles(root, mediameta.VideoExtensions())
	if err != nil {
		logger.Warn().Err(err).Str("root", root).Msg("Failed to list torrent content")
		return
	}
	files := slices.DeleteFunc(listed, func(f storage.FileInfo) bool { return mediameta.IsSample(f.Path) })
	if len(files) == 0 {
		logger.Info().Msg("No media files to organize, ignoring torrent")
		e.ignored[t.Hash] = struct{}{}
		summary.Skip(t.Name)
		return
	}

	dirMeta := mediameta.Parse(t.Name)
	var hint int
	if task, err := e.tasks.Get(ctx, t.Hash); err == nil && task.TMDBID != nil {
		hint = *task.TMDBID
	}

	var succeeded, failed int
	for _, f := range files {
		if ctx.Err() != nil {
			return
		}
		if e.transferFile(ctx, s, &t, f, dirMeta, hint) {
			succeeded++
			summary.Add(1)
		} else {
			failed++
			summary.Fail()
		}
	}
	if succeeded == 0 || failed > 0 {
		return
	}

	if err := c.client.AddTags(ctx, []string{t.Hash}, []string{downloader.TagOrganized}); err != nil {
		logger.Warn().Err(err).Msg("Failed to tag torrent as organized")
		return
	}
	if err := e.tasks.AddLabels(ctx, t.Hash, downloader.TagOrganized); err != nil && !errors.Is(err, models.ErrTaskNotFound) {
		logger.Warn().Err(err).Msg("Failed to label task as organized")
	}
	if err := e.tasks.SetState(ctx, t.Hash, models.TaskOrganized); err != nil && !errors.Is(err, models.ErrTaskNotFound) {
		logger.Warn().Err(err).Msg("Failed to update task state")
	}

	if s.Mode == domain.TransferModeMove {
		if err := c.client.Delete(ctx, []string{t.Hash}, false); err != nil {
			logger.Warn().Err(err).Msg("Failed to remove moved torrent from downloader")
		}
		stopAt := filepath.Dir(root)
		for _, f := range files {
			if err := e.fs.RemoveEmptyDirs(filepath.Dir(f.Path), stopAt); err != nil {
				logger.Warn().Err(err).Msg("Failed to clean up source directory")
				break
			}
		}
	}
	logger.Info().Int("files", succeeded).Str("mode", string(s.Mode)).Msg("Organized torrent")
}

// transferFile organizes one media file and records the outcome.
func (e *Engine) transferFile(ctx context.Context, s settings, t *downloader.Torrent, f storage.FileInfo, dirMeta *mediameta.Meta, hint int) bool {
	meta := mediameta.Merge(dirMeta, mediameta.Parse(filepath.Base(f.Path)))
	row := &models.TransferHistory{
		Src:  f.Path,
		Mode: string(s.Mode),
		Type: string(meta.Type),
		Hash: t.Hash,
		Date: e.now().UTC(),
	}
	fillEpisodes(row, meta)

	tmdbID := hint
	if id, ok := metadata.FindNFOTMDBID(f.Path); ok {
		tmdbID = id
	}
	info, err := e.provider.Recognize(ctx, meta, tmdbID)
	if err != nil {
		row.Title = meta.Name
		row.Year = meta.Year
		return e.fail(ctx, row, meta, fmt.Errorf("recognize %q: %w", meta.Name, err))
	}
	if info.Type != "" {
		meta.Type = info.Type
	}
	row.Type = string(meta.Type)
	row.Title = info.Title
	row.Year = info.Year
	row.Image = info.Poster
	if info.TMDBID > 0 {
		id := info.TMDBID
		row.TMDBID = &id
	}
	row.Category = categoryFor(meta.Type)

	dest, err := e.destination(s, info, meta, f.Path)
	if err != nil {
		return e.fail(ctx, row, meta, err)
	}
	row.Dest = dest

	existing, err := e.fs.Stat(dest)
	switch {
	case err == nil && existing.Size == f.Size:
		e.log.Debug().Str("dest", dest).Msg("Destination already present with matching size")
		return e.succeed(ctx, row, meta)
	case err == nil:
		return e.fail(ctx, row, meta, domain.NewError(domain.KindAlreadyExists, "transfer",
			fmt.Errorf("%s exists with size %d, source has %d", dest, existing.Size, f.Size)))
	case domain.KindOf(err) != domain.KindNotFound:
		return e.fail(ctx, row, meta, err)
	}

	if err := e.checkFreeSpace(s, f, dest); err != nil {
		return e.fail(ctx, row, meta, err)
	}
	if err := e.execute(ctx, s.Mode, f.Path, dest); err != nil {
		return e.fail(ctx, row, meta, err)
	}
	return e.succeed(ctx, row, meta)
}

func (e *Engine) execute(ctx context.Context, mode domain.TransferMode, src, dst string) error {
	switch mode {
	case domain.TransferModeCopy:
		return e.fs.Copy(ctx, src, dst)
	case domain.TransferModeMove:
		return e.fs.AtomicMove(ctx, src, dst)
	case domain.TransferModeSoftlink:
		return e.fs.Softlink(ctx, src, dst)
	default:
		return e.fs.Link(ctx, src, dst)
	}
}

// checkFreeSpace guards transfers that write a second copy of the data.
func (e *Engine) checkFreeSpace(s settings, f storage.FileInfo, dest string) error {
	needsSpace := s.Mode == domain.TransferModeCopy ||
		((s.Mode == domain.TransferModeMove || s.Mode == domain.TransferModeLink) && !e.fs.SupportsHardlink(f.Path, dest))
	if !needsSpace {
		return nil
	}
	free, err := e.fs.FreeSpace(filepath.Dir(dest))
	if err != nil || free < 0 {
		return nil
	}
	if free-f.Size < s.MinFreeSpace {
		return domain.NewError(domain.KindFilesystemFailed, "transfer",
			fmt.Errorf("not enough free space at %s: %d bytes free, %d needed", filepath.Dir(dest), free, f.Size+s.MinFreeSpace))
	}
	return nil
}

// destination renders the library path for a file. Hardlink mode prefers a
// library on the same device as the source.
func (e *Engine) destination(s settings, info *metadata.MediaInfo, meta *mediameta.Meta, src string) (string, error) {
	tmpl := s.movies
	if meta.Type == models.MediaTV {
		tmpl = s.shows
	}
	rel, err := tmpl.Render(NewVars(info, meta))
	if err != nil {
		return "", domain.NewError(domain.KindPreconditionFailed, "render destination", err)
	}

	library := s.LibraryPaths[0]
	if s.Mode == domain.TransferModeLink || s.Mode == domain.TransferModeMove {
		for _, p := range s.LibraryPaths {
			if e.fs.SupportsHardlink(src, p) {
				library = p
				break
			}
		}
	}
	if s.LibraryCategory {
		library = filepath.Join(library, categoryFor(meta.Type))
	}
	return filepath.Join(library, filepath.FromSlash(rel)), nil
}

func categoryFor(mtype models.MediaType) string {
	if mtype == models.MediaTV {
		return categoryTV
	}
	return categoryMovies
}

func fillEpisodes(row *models.TransferHistory, meta *mediameta.Meta) {
	row.Seasons = joinInts(meta.Seasons)
	row.Episodes = joinInts(meta.Episodes)
}

func joinInts(values []int) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

func (e *Engine) payload(row *models.TransferHistory, meta *mediameta.Meta) events.TransferPayload {
	p := events.TransferPayload{
		HistoryID: row.ID,
		Src:       row.Src,
		Dest:      row.Dest,
		Mode:      row.Mode,
		Title:     row.Title,
		Season:    meta.Season(),
		Episodes:  slices.Clone(meta.Episodes),
		Err:       row.ErrMsg,
	}
	if row.TMDBID != nil {
		p.TMDBID = *row.TMDBID
	}
	return p
}

func (e *Engine) succeed(ctx context.Context, row *models.TransferHistory, meta *mediameta.Meta) bool {
	row.Status = true
	row.Files = []string{row.Dest}
	saved, err := e.history.RecordTransfer(ctx, row)
	if err != nil {
		e.log.Error().Err(err).Str("src", row.Src).Msg("Failed to record transfer history")
		metrics.Transfers.WithLabelValues(row.Mode, "failed").Inc()
		return false
	}
	metrics.Transfers.WithLabelValues(row.Mode, "success").Inc()
	e.log.Info().Str("src", row.Src).Str("dest", row.Dest).Str("title", row.Title).Msg("Transferred file")
	e.publish(ctx, events.TransferCompleted, row.Hash, e.payload(saved, meta))
	return true
}

func (e *Engine) fail(ctx context.Context, row *models.TransferHistory, meta *mediameta.Meta, cause error) bool {
	row.Status = false
	row.ErrMsg = cause.Error()
	metrics.Transfers.WithLabelValues(row.Mode, "failed").Inc()
	e.log.Error().Err(cause).Str("src", row.Src).Str("dest", row.Dest).Msg("Transfer failed")

	saved, err := e.history.RecordTransfer(ctx, row)
	if err != nil {
		e.log.Error().Err(err).Str("src", row.Src).Msg("Failed to record failed transfer")
		saved = row
	}
	e.publish(ctx, events.TransferFailed, row.Hash, e.payload(saved, meta))
	return false
}

func (e *Engine) publish(ctx context.Context, kind events.Kind, hash string, p events.TransferPayload) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(ctx, events.Event{Kind: kind, Hash: hash, Payload: p, At: e.now()}); err != nil {
		e.log.Warn().Err(err).Str("event", kind.String()).Msg("Failed to publish transfer event")
	}
}
