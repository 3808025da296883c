// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package crossseed

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/autobrr/flowarr/internal/downloader"
	"github.com/autobrr/flowarr/internal/models"
	"github.com/autobrr/flowarr/internal/torrentfile"
)

// SeedTransfer moves a seeding torrent from one downloader to another.
type SeedTransfer struct {
	From int
	To   int
	Hash string
	// BackupDir holds the source client's <hash>.torrent and
	// <hash>.fastresume files (qBittorrent's BT_backup).
	BackupDir string
	// SavePath overrides the source save path, for downloaders that see
	// the data under a different mount.
	SavePath string
	// RemoveSource deletes the torrent, not its files, from the source
	// once it has been added to the target.
	RemoveSource bool
}

// TransferSeed adds the source torrent to the target downloader paused, with
// trackers restored from the fastresume sidecar when the exported .torrent
// lacks them, and resumes it once the recheck finds all data in place.
func (s *Service) TransferSeed(ctx context.Context, req SeedTransfer) (string, error) {
	hash := models.NormalizeHash(req.Hash)
	if hash == "" {
		return "", fmt.Errorf("transfer seed: hash is required")
	}
	src, err := s.clients.Get(ctx, req.From)
	if err != nil {
		return "", err
	}
	dst, err := s.clients.Get(ctx, req.To)
	if err != nil {
		return "", err
	}

	found, err := src.List(ctx, downloader.Filter{Hashes: []string{hash}})
	if err != nil {
		return "", err
	}
	if len(found) == 0 {
		return "", fmt.Errorf("transfer seed: %s not found on %s", hash, src.Name())
	}
	source := found[0]

	data, err := os.ReadFile(filepath.Join(req.BackupDir, hash+".torrent"))
	if err != nil {
		return "", fmt.Errorf("read exported torrent: %w", err)
	}
	// a missing sidecar only matters when the torrent has no trackers
	fastresume, _ := os.ReadFile(filepath.Join(req.BackupDir, hash+".fastresume"))
	data, rewritten, err := torrentfile.EnsureAnnounce(data, fastresume)
	if err != nil {
		return "", fmt.Errorf("transfer seed %s: %w", hash, err)
	}

	savePath := source.SavePath
	if req.SavePath != "" {
		savePath = req.SavePath
	}
	added, _, err := s.submitter.Submit(ctx, dst, downloader.Submission{
		Request: downloader.AddRequest{
			Content:  data,
			SavePath: savePath,
			Category: source.Category,
			Tags:     []string{downloader.TagAutoSeed},
			Paused:   true,
		},
		Task: models.DownloadTask{Title: source.Name, Size: source.Size},
	})
	if err != nil {
		return "", err
	}
	if !strings.EqualFold(added, hash) {
		return "", fmt.Errorf("%w: %s != %s", errHashMismatch, added, hash)
	}
	if err := dst.Recheck(ctx, []string{added}); err != nil {
		return "", fmt.Errorf("recheck %s: %w", added, err)
	}
	s.queueResume(dst.ID(), added)

	if req.RemoveSource {
		if err := src.Delete(ctx, []string{hash}, false); err != nil {
			s.log.Warn().Err(err).Str("hash", hash).Str("downloader", src.Name()).Msg("Failed to remove transferred torrent from source")
		}
	}
	s.log.Info().
		Str("hash", hash).
		Str("from", src.Name()).
		Str("to", dst.Name()).
		Bool("trackersRestored", rewritten).
		Msg("Seed transferred, verifying")
	return added, nil
}
