// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKindMatching(t *testing.T) {
	err := fmt.Errorf("search site: %w", NewError(KindRateLimited, "gate.get", errors.New("429")))

	assert.True(t, errors.Is(err, ErrRateLimited))
	assert.False(t, errors.Is(err, ErrBlocked))
	assert.Equal(t, KindRateLimited, KindOf(err))
	assert.Contains(t, err.Error(), "RateLimited")
}

func TestKindOfCancelled(t *testing.T) {
	assert.Equal(t, KindCancelled, KindOf(fmt.Errorf("wrap: %w", context.Canceled)))
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
}

func TestConfigLists(t *testing.T) {
	cfg := &Config{LibraryPath: "/lib/movies, /lib/tv,,", Indexer: "a.example"}
	assert.Equal(t, []string{"/lib/movies", "/lib/tv"}, cfg.LibraryPaths())
	assert.Equal(t, []string{"a.example"}, cfg.IndexerDomains())
	assert.True(t, TransferModeLink.Valid())
	assert.False(t, TransferMode("rsync").Valid())
}
