// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package downloader

import (
	"context"
	"errors"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/autobrr/flowarr/internal/models"
	"github.com/autobrr/flowarr/internal/notify"
)

// SyncJobID is the job that reconciles the task catalog with the downloaders.
const SyncJobID = "download_sync"

// TaskCatalog is the subset of the task store the syncer reconciles.
type TaskCatalog interface {
	List(ctx context.Context, filter models.TaskFilter) ([]*models.DownloadTask, error)
	UpdateStatus(ctx context.Context, task *models.DownloadTask) error
	RecordFiles(ctx context.Context, hash string, files []models.DownloadFile) error
}

// ActiveClients lists the downloaders that are reachable right now.
type ActiveClients interface {
	Active(ctx context.Context) ([]Client, error)
}

// Syncer copies live torrent state into the task catalog. Tasks whose torrent
// disappeared from a reachable downloader are marked errored so their
// episodes count as missing again.
type Syncer struct {
	clients ActiveClients
	tasks   TaskCatalog

	mu  sync.Mutex
	log zerolog.Logger
}

func NewSyncer(clients ActiveClients, tasks TaskCatalog) *Syncer {
	return &Syncer{
		clients: clients,
		tasks:   tasks,
		log:     log.With().Str("component", "download-sync").Logger(),
	}
}

// Run reconciles every task that belongs to a reachable downloader.
// Downloaders that cannot be listed leave their tasks untouched.
func (s *Syncer) Run(ctx context.Context) (*notify.RunSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	summary := notify.NewRunSummary(SyncJobID)

	tasks, err := s.tasks.List(ctx, models.TaskFilter{})
	if err != nil {
		return summary, err
	}
	byClient := make(map[int][]*models.DownloadTask)
	for _, t := range tasks {
		byClient[t.DownloaderID] = append(byClient[t.DownloaderID], t)
	}
	if len(byClient) == 0 {
		return summary, nil
	}

	clients, err := s.clients.Active(ctx)
	if err != nil {
		return summary, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, c := range clients {
		owned := byClient[c.ID()]
		if len(owned) == 0 {
			continue
		}
		g.Go(func() error {
			if err := s.syncClient(gctx, c, owned, summary); err != nil {
				summary.Fail()
				s.log.Warn().Err(err).Str("downloader", c.Name()).Msg("Failed to sync downloader")
			}
			return nil
		})
	}
	_ = g.Wait()
	return summary, ctx.Err()
}

func (s *Syncer) syncClient(ctx context.Context, c Client, owned []*models.DownloadTask, summary *notify.RunSummary) error {
	torrents, err := c.List(ctx, Filter{})
	if err != nil {
		return err
	}
	live := make(map[string]*Torrent, len(torrents))
	for i := range torrents {
		live[models.NormalizeHash(torrents[i].Hash)] = &torrents[i]
	}

	var errs []error
	for _, task := range owned {
		if err := ctx.Err(); err != nil {
			return err
		}
		tor, ok := live[task.Hash]
		if !ok {
			if task.State == models.TaskErrored || task.State == models.TaskOrganized {
				continue
			}
			task.State = models.TaskErrored
			task.DlSpeed, task.UpSpeed = 0, 0
			if err := s.tasks.UpdateStatus(ctx, task); err != nil && !errors.Is(err, models.ErrTaskNotFound) {
				errs = append(errs, err)
				continue
			}
			summary.Line("%s: torrent %s is gone from %s", task.Title, task.Hash, c.Name())
			s.log.Info().Str("downloader", c.Name()).Str("hash", task.Hash).Str("title", task.Title).
				Msg("Torrent missing from downloader, marking task errored")
			continue
		}

		previous := task.State
		applyTorrent(task, tor)
		if err := s.tasks.UpdateStatus(ctx, task); err != nil && !errors.Is(err, models.ErrTaskNotFound) {
			errs = append(errs, err)
			continue
		}
		if task.State == models.TaskCompleted && previous != models.TaskCompleted && previous != models.TaskOrganized {
			if err := RecordTaskFiles(ctx, s.tasks, c, task.Hash, tor.SavePath); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// applyTorrent copies live fields. Organized tasks keep their state and a
// torrent that is still checking does not overwrite a known state.
func applyTorrent(task *models.DownloadTask, tor *Torrent) {
	switch {
	case task.State == models.TaskOrganized:
	case tor.State == models.TaskPending && task.State != models.TaskErrored:
	default:
		task.State = tor.State
	}
	task.Progress = tor.Progress
	task.DlSpeed = tor.DlSpeed
	task.UpSpeed = tor.UpSpeed
	task.Size = tor.Size
	task.Uploaded = tor.Uploaded
	task.Downloaded = tor.Downloaded
}

// FileRecorder stores the file list of a task.
type FileRecorder interface {
	RecordFiles(ctx context.Context, hash string, files []models.DownloadFile) error
}

// RecordTaskFiles stores the selected files of a torrent under savePath.
// Skipped files are left out since they never reach the disk.
func RecordTaskFiles(ctx context.Context, rec FileRecorder, c Client, hash, savePath string) error {
	files, err := c.Files(ctx, hash)
	if err != nil {
		return err
	}
	return rec.RecordFiles(ctx, hash, CatalogFiles(hash, savePath, files))
}

// CatalogFiles converts client file entries into catalog rows.
func CatalogFiles(hash, savePath string, files []File) []models.DownloadFile {
	out := make([]models.DownloadFile, 0, len(files))
	for _, f := range files {
		if f.Skipped {
			continue
		}
		rel := strings.ReplaceAll(f.Path, "\\", "/")
		out = append(out, models.DownloadFile{
			Hash:     models.NormalizeHash(hash),
			FullPath: filepath.Join(savePath, filepath.FromSlash(rel)),
			SavePath: savePath,
			RelPath:  rel,
			Name:     path.Base(rel),
			State:    models.FilePresent,
		})
	}
	return out
}
