// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package downloader

import (
	"context"
	"errors"
	"fmt"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/flowarr/internal/mediameta"
	"github.com/autobrr/flowarr/internal/torrentfile"
)

var ErrNoWantedFiles = errors.New("torrent contains none of the wanted episodes")

// filesRetryDelay is how long AddEpisodes waits between file list polls while
// a client is still fetching metadata.
var filesRetryDelay = time.Second

// AddEpisodes adds the torrent paused, skips every file whose parsed episode
// set is disjoint from wanted, then resumes unless req.Paused is set.
// With no wanted episodes it is a plain Add.
//
// A torrent the client already holds is never paused, deleted or narrowed:
// wanted files that were skipped are switched back on, and ErrNoWantedFiles is
// returned with its hash when none of its files match.
func AddEpisodes(ctx context.Context, c Client, req AddRequest, wanted []int) (string, error) {
	if len(wanted) == 0 {
		return c.Add(ctx, req)
	}

	if hash, ok := existingHash(ctx, c, req); ok {
		return selectExisting(ctx, c, hash, wanted)
	}

	resume := !req.Paused
	req.Paused = true
	hash, err := c.Add(ctx, req)
	if err != nil {
		return "", err
	}

	files, err := waitFiles(ctx, c, hash)
	if err != nil {
		return hash, err
	}

	skip, keep := PartitionByEpisodes(files, wanted)
	if len(keep) == 0 {
		if delErr := c.Delete(ctx, []string{hash}, true); delErr != nil {
			log.Warn().Err(delErr).Str("hash", hash).Msg("Failed to remove torrent without wanted episodes")
		}
		return "", ErrNoWantedFiles
	}
	if len(skip) > 0 {
		if err := c.SelectFiles(ctx, hash, skip, PrioritySkip); err != nil {
			return hash, fmt.Errorf("skip unwanted files of %s: %w", hash, err)
		}
	}

	log.Debug().
		Str("downloader", c.Name()).
		Str("hash", hash).
		Ints("wanted", wanted).
		Int("skipped", len(skip)).
		Int("kept", len(keep)).
		Msg("Applied episode selection")

	if resume {
		if err := c.Resume(ctx, []string{hash}); err != nil {
			return hash, fmt.Errorf("resume %s: %w", hash, err)
		}
	}
	return hash, nil
}

// existingHash reports the info-hash of req when the client already has it.
// URL submissions cannot be hashed up front and always count as new.
func existingHash(ctx context.Context, c Client, req AddRequest) (string, bool) {
	if len(req.Content) == 0 {
		return "", false
	}
	hash, err := torrentfile.HashOf(req.Content)
	if err != nil {
		return "", false
	}
	present, err := c.List(ctx, Filter{Hashes: []string{hash}})
	if err != nil || len(present) == 0 {
		return "", false
	}
	return present[0].Hash, true
}

func selectExisting(ctx context.Context, c Client, hash string, wanted []int) (string, error) {
	files, err := waitFiles(ctx, c, hash)
	if err != nil {
		return hash, err
	}
	_, keep := PartitionByEpisodes(files, wanted)
	if len(keep) == 0 {
		log.Debug().Str("downloader", c.Name()).Str("hash", hash).Ints("wanted", wanted).
			Msg("Existing torrent has none of the wanted episodes, leaving it untouched")
		return hash, ErrNoWantedFiles
	}

	var enable []int
	for _, f := range files {
		if f.Skipped && slices.Contains(keep, f.ID) {
			enable = append(enable, f.ID)
		}
	}
	if len(enable) > 0 {
		if err := c.SelectFiles(ctx, hash, enable, PriorityNormal); err != nil {
			return hash, fmt.Errorf("enable wanted files of %s: %w", hash, err)
		}
	}
	return hash, nil
}

func waitFiles(ctx context.Context, c Client, hash string) ([]File, error) {
	var files []File
	err := retry.Do(
		func() error {
			var err error
			files, err = c.Files(ctx, hash)
			if err != nil {
				return err
			}
			if len(files) == 0 {
				return errors.New("file list not available yet")
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(5),
		retry.Delay(filesRetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, fmt.Errorf("list files of %s: %w", hash, err)
	}
	return files, nil
}

// PartitionByEpisodes splits file ids into those to skip and those to keep.
// A file is kept when its parsed episodes intersect wanted.
func PartitionByEpisodes(files []File, wanted []int) (skip, keep []int) {
	want := make(map[int]struct{}, len(wanted))
	for _, ep := range wanted {
		want[ep] = struct{}{}
	}
	for _, f := range files {
		meta := mediameta.Parse(path.Base(strings.ReplaceAll(f.Path, "\\", "/")))
		hit := false
		for _, ep := range meta.Episodes {
			if _, ok := want[ep]; ok {
				hit = true
				break
			}
		}
		if hit {
			keep = append(keep, f.ID)
		} else {
			skip = append(skip, f.ID)
		}
	}
	return skip, keep
}
