// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package indexer

import (
	"context"
	"net/url"
	"strconv"
	"strings"

	"github.com/autobrr/flowarr/internal/domain"
	"github.com/autobrr/flowarr/internal/gate"
	"github.com/autobrr/flowarr/internal/models"
)

// Torznab categories used when a media type is known.
const (
	CategoryMovies = 2000
	CategoryTV     = 5000
)

const torznabPageSize = 100

// TorznabDriver talks to a Jackett or Prowlarr torznab endpoint. Site.URL is
// the endpoint including its apikey query parameter.
type TorznabDriver struct{}

func (TorznabDriver) endpoint(site *models.Site, q Query) (string, error) {
	u, err := url.Parse(site.URL)
	if err != nil {
		return "", err
	}
	values := u.Query()

	t := "search"
	switch q.MediaType {
	case models.MediaMovie:
		t = "movie"
		values.Set("cat", strconv.Itoa(CategoryMovies))
	case models.MediaTV:
		t = "tvsearch"
		values.Set("cat", strconv.Itoa(CategoryTV))
	}
	if q.IMDbID != "" && q.MediaType != "" {
		values.Set("imdbid", strings.TrimPrefix(q.IMDbID, "tt"))
	}
	values.Set("t", t)
	if q.Keyword != "" {
		values.Set("q", q.Keyword)
	}
	values.Set("limit", strconv.Itoa(torznabPageSize))
	if q.Page > 0 {
		values.Set("offset", strconv.Itoa(q.Page*torznabPageSize))
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

func (d TorznabDriver) Search(ctx context.Context, h *gate.SiteHandle, q Query) ([]domain.TorrentRecord, error) {
	endpoint, err := d.endpoint(h.Site(), q)
	if err != nil {
		return nil, gate.NewParseError(h.Site().Domain, h.Site().URL, err)
	}
	return fetchFeed(ctx, h, endpoint)
}

func (d TorznabDriver) Browse(ctx context.Context, h *gate.SiteHandle, page int) ([]domain.TorrentRecord, error) {
	return d.Search(ctx, h, Query{Page: page})
}
