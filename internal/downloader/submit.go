// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package downloader

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/flowarr/internal/events"
	"github.com/autobrr/flowarr/internal/metrics"
	"github.com/autobrr/flowarr/internal/models"
)

// TaskRecorder persists download tasks keyed by hash.
type TaskRecorder interface {
	UpsertTask(ctx context.Context, task *models.DownloadTask) (bool, error)
	RecordFiles(ctx context.Context, hash string, files []models.DownloadFile) error
}

type Publisher interface {
	Publish(ctx context.Context, ev events.Event) error
}

// Submission is one torrent to add plus the catalog metadata to record with it.
type Submission struct {
	Request  AddRequest
	Episodes []int
	Task     models.DownloadTask
	Priority int
}

// Submitter adds torrents, records the resulting task and announces it.
type Submitter struct {
	tasks TaskRecorder
	bus   Publisher
	// tag is the configured identity tag attached to every submission.
	tag string
}

func NewSubmitter(tasks TaskRecorder, bus Publisher, tag string) *Submitter {
	return &Submitter{tasks: tasks, bus: bus, tag: strings.TrimSpace(tag)}
}

// SetTag replaces the configured identity tag, e.g. after a config reload.
func (s *Submitter) SetTag(tag string) {
	s.tag = strings.TrimSpace(tag)
}

// Submit adds the torrent and upserts its task. created is false when the
// catalog already knew the hash, in which case no event is published.
func (s *Submitter) Submit(ctx context.Context, c Client, sub Submission) (hash string, created bool, err error) {
	req := sub.Request
	if s.tag != "" {
		req.Tags = append(append([]string{}, req.Tags...), s.tag)
	}

	hash, err = AddEpisodes(ctx, c, req, sub.Episodes)
	if err != nil {
		metrics.DownloaderAdds.WithLabelValues(c.Name(), "failed").Inc()
		if errors.Is(err, ErrNoWantedFiles) {
			return "", false, err
		}
		return hash, false, fmt.Errorf("submit to %s: %w", c.Name(), err)
	}
	metrics.DownloaderAdds.WithLabelValues(c.Name(), "added").Inc()

	task := sub.Task
	task.Hash = hash
	task.DownloaderID = c.ID()
	task.SavePath = req.SavePath
	task.Labels = req.Tags
	task.Priority = sub.Priority
	if len(sub.Episodes) > 0 {
		task.Episodes = sub.Episodes
	}
	if req.Paused {
		task.State = models.TaskPaused
	} else {
		task.State = models.TaskDownloading
	}
	if task.AddedAt.IsZero() {
		task.AddedAt = time.Now().UTC()
	}

	created, err = s.tasks.UpsertTask(ctx, &task)
	if err != nil {
		return hash, false, fmt.Errorf("record task %s: %w", hash, err)
	}

	log.Info().
		Str("downloader", c.Name()).
		Str("hash", hash).
		Str("title", task.Title).
		Bool("created", created).
		Msg("Torrent submitted")

	if err := RecordTaskFiles(ctx, s.tasks, c, hash, s.savePath(ctx, c, hash, req.SavePath)); err != nil {
		log.Warn().Err(err).Str("hash", hash).Msg("Failed to record torrent files")
	}

	if created && s.bus != nil {
		payload := events.DownloadAddedPayload{
			DownloaderID: c.ID(),
			Title:        task.Title,
			Episodes:     task.Episodes,
			Priority:     sub.Priority,
		}
		if task.SubscriptionID != nil {
			payload.SubscriptionID = *task.SubscriptionID
		}
		if task.SiteID != nil {
			payload.SiteID = *task.SiteID
		}
		if err := s.bus.Publish(ctx, events.Event{Kind: events.DownloadAdded, Hash: hash, Payload: payload}); err != nil {
			log.Warn().Err(err).Str("hash", hash).Msg("DownloadAdded handlers reported errors")
		}
	}
	return hash, created, nil
}

// savePath falls back to the location the client chose when the request left it empty.
func (s *Submitter) savePath(ctx context.Context, c Client, hash, requested string) string {
	if requested != "" {
		return requested
	}
	torrents, err := c.List(ctx, Filter{Hashes: []string{hash}})
	if err != nil || len(torrents) == 0 {
		return ""
	}
	return torrents[0].SavePath
}
