// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package metadata recognizes media against an external provider.
package metadata

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/autobrr/flowarr/internal/domain"
	"github.com/autobrr/flowarr/internal/mediameta"
	"github.com/autobrr/flowarr/internal/models"
)

// ErrNotFound is returned when the provider has no match.
var ErrNotFound = domain.NewError(domain.KindNotFound, "recognize media", errors.New("no metadata match"))

// MediaInfo is a recognized movie or series.
type MediaInfo struct {
	TMDBID        int              `json:"tmdbId"`
	Type          models.MediaType `json:"type"`
	Title         string           `json:"title"`
	OriginalTitle string           `json:"originalTitle,omitempty"`
	Year          string           `json:"year,omitempty"`
	Overview      string           `json:"overview,omitempty"`
	Poster        string           `json:"poster,omitempty"`
	Seasons       []Season         `json:"seasons,omitempty"`
}

// EpisodeCount returns the number of episodes TMDB lists for season, or zero.
func (m *MediaInfo) EpisodeCount(season int) int {
	for _, s := range m.Seasons {
		if s.Number == season {
			return s.EpisodeCount
		}
	}
	return 0
}

type Season struct {
	Number       int       `json:"number"`
	Name         string    `json:"name"`
	EpisodeCount int       `json:"episodeCount"`
	AirDate      time.Time `json:"airDate,omitempty"`
}

type Episode struct {
	Season  int       `json:"season"`
	Number  int       `json:"number"`
	Name    string    `json:"name"`
	AirDate time.Time `json:"airDate,omitempty"`
}

// DiscoverFilter narrows Discover. Zero values are ignored.
type DiscoverFilter struct {
	Year      string
	Genre     string
	SortBy    string
	Language  string
	MinRating float64
}

// Provider is the metadata port.
type Provider interface {
	// Recognize resolves a parsed name to a media item. A positive tmdbID
	// short-circuits the search.
	Recognize(ctx context.Context, meta *mediameta.Meta, tmdbID int) (*MediaInfo, error)
	FetchSeasons(ctx context.Context, tmdbID int) ([]Season, error)
	FetchEpisodes(ctx context.Context, tmdbID, season int) ([]Episode, error)
	Discover(ctx context.Context, mtype models.MediaType, filter DiscoverFilter, page int) ([]MediaInfo, error)
}

func recognizeKey(meta *mediameta.Meta, tmdbID int) string {
	if tmdbID > 0 {
		return "id:" + string(meta.Type) + ":" + strconv.Itoa(tmdbID)
	}
	return "q:" + string(meta.Type) + ":" + mediameta.NormalizeTitle(meta.Name) + ":" + meta.Year
}
