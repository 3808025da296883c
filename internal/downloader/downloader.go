// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package downloader is the uniform port over torrent clients. Implementations
// live in the qbittorrent and transmission subpackages.
package downloader

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/autobrr/flowarr/internal/domain"
	"github.com/autobrr/flowarr/internal/models"
)

// Identity tags shared with the torrent clients. They are never localized.
const (
	TagOrganized = "organized"
	TagBrush     = "brush"
	TagAutoSeed  = "auto-seed"
)

// Priority is the per-file download priority.
type Priority int

const (
	PrioritySkip Priority = iota
	PriorityNormal
)

// AddRequest describes a torrent submission. Exactly one of Content or URL is set;
// Content may hold .torrent bytes or a magnet URI.
type AddRequest struct {
	Content  []byte
	URL      string
	SavePath string
	Tags     []string
	Category string
	Paused   bool
}

// Filter selects torrents in List. Empty fields match everything.
type Filter struct {
	States []models.TaskState
	Tags   []string
	Hashes []string
}

// Match reports whether t passes the filter. Implementations use it to apply
// the parts of a filter their native API cannot express.
func (f Filter) Match(t *Torrent) bool {
	if len(f.States) > 0 && !slices.Contains(f.States, t.State) {
		return false
	}
	for _, tag := range f.Tags {
		if !t.HasTag(tag) {
			return false
		}
	}
	if len(f.Hashes) > 0 && !slices.ContainsFunc(f.Hashes, func(h string) bool { return strings.EqualFold(h, t.Hash) }) {
		return false
	}
	return true
}

// Torrent is the unified view of a torrent inside a client.
type Torrent struct {
	Hash        string
	Name        string
	State       models.TaskState
	Progress    float64
	DlSpeed     int64
	UpSpeed     int64
	Size        int64
	Uploaded    int64
	Downloaded  int64
	Ratio       float64
	SeedingTime time.Duration
	SavePath    string
	ContentPath string
	Category    string
	Tracker     string
	Tags        []string
	AddedAt     time.Time
	CompletedAt time.Time
}

func (t *Torrent) HasTag(tag string) bool {
	for _, have := range t.Tags {
		if strings.EqualFold(have, tag) {
			return true
		}
	}
	return false
}

// File is one entry of a torrent's file list. ID is the client's file index.
type File struct {
	ID       int
	Path     string
	Size     int64
	Progress float64
	Skipped  bool
}

type Stats struct {
	DlSpeed int64
	UpSpeed int64
	DlTotal int64
	UpTotal int64
	// FreeSpace is the client's free space in the default save path, -1 when unknown.
	FreeSpace int64
}

// Client is the downloader port.
type Client interface {
	ID() int
	Name() string
	Kind() models.DownloaderKind

	Add(ctx context.Context, req AddRequest) (string, error)
	List(ctx context.Context, filter Filter) ([]Torrent, error)
	Files(ctx context.Context, hash string) ([]File, error)
	SelectFiles(ctx context.Context, hash string, fileIDs []int, priority Priority) error
	Delete(ctx context.Context, hashes []string, alsoFiles bool) error
	Pause(ctx context.Context, hashes []string) error
	Resume(ctx context.Context, hashes []string) error
	Recheck(ctx context.Context, hashes []string) error
	AddTrackers(ctx context.Context, hash string, urls []string) error
	AddTags(ctx context.Context, hashes []string, tags []string) error
	RemoveTags(ctx context.Context, hashes []string, tags []string) error
	Stats(ctx context.Context) (*Stats, error)

	// IsInactive is true after a credential or network break until Reconnect succeeds.
	IsInactive() bool
	Reconnect(ctx context.Context) error
}

// Unavailable wraps err as a DownloaderUnavailable failure.
func Unavailable(op string, err error) error {
	return domain.NewError(domain.KindDownloaderUnavailable, op, err)
}

// NormalizeHashes lowercases hashes and drops blanks and duplicates.
func NormalizeHashes(hashes []string) []string {
	out := make([]string, 0, len(hashes))
	seen := make(map[string]struct{}, len(hashes))
	for _, h := range hashes {
		h = models.NormalizeHash(h)
		if h == "" {
			continue
		}
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	return out
}

// SplitTags parses a comma separated tag list.
func SplitTags(raw string) []string {
	var out []string
	for _, tag := range strings.Split(raw, ",") {
		if tag = strings.TrimSpace(tag); tag != "" {
			out = append(out, tag)
		}
	}
	return out
}
