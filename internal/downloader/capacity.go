// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package downloader

import (
	"context"
	"errors"
	"fmt"

	"github.com/autobrr/flowarr/internal/models"
)

// ErrAtCapacity stops automated submissions while a client is saturated.
var ErrAtCapacity = errors.New("downloader is at capacity")

// Limits bound automated submissions. Zero values disable a check.
type Limits struct {
	MaxActiveDownloads int
	MinFreeSpace       int64
}

// CheckCapacity returns ErrAtCapacity when the client already runs
// MaxActiveDownloads downloads or has less than MinFreeSpace bytes free.
func CheckCapacity(ctx context.Context, c Client, limits Limits) error {
	if limits.MaxActiveDownloads > 0 {
		active, err := c.List(ctx, Filter{States: []models.TaskState{models.TaskDownloading}})
		if err != nil {
			return err
		}
		if len(active) >= limits.MaxActiveDownloads {
			return fmt.Errorf("%w: %d active downloads on %s", ErrAtCapacity, len(active), c.Name())
		}
	}
	if limits.MinFreeSpace > 0 {
		stats, err := c.Stats(ctx)
		if err != nil {
			return err
		}
		if stats.FreeSpace >= 0 && stats.FreeSpace <= limits.MinFreeSpace {
			return fmt.Errorf("%w: %d bytes free on %s", ErrAtCapacity, stats.FreeSpace, c.Name())
		}
	}
	return nil
}
