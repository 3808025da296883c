// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package subscribe

import (
	"context"

	"github.com/autobrr/flowarr/internal/domain"
	"github.com/autobrr/flowarr/internal/gate"
	"github.com/autobrr/flowarr/internal/models"
	"github.com/autobrr/flowarr/internal/torrentfile"
)

type SiteGetter interface {
	Get(ctx context.Context, id int) (*models.Site, error)
}

// GateFetcher downloads enclosures through the site access gate so the
// site's cookie and request budget apply.
type GateFetcher struct {
	gate  *gate.Gate
	sites SiteGetter
}

func NewGateFetcher(g *gate.Gate, sites SiteGetter) *GateFetcher {
	return &GateFetcher{gate: g, sites: sites}
}

func (f *GateFetcher) Fetch(ctx context.Context, rec *domain.TorrentRecord) ([]byte, error) {
	site, err := f.sites.Get(ctx, rec.SiteID)
	if err != nil {
		return nil, err
	}
	resp, err := f.gate.Get(ctx, site, rec.Enclosure, nil)
	if err != nil {
		return nil, err
	}
	if _, err := torrentfile.HashOf(resp.Body); err != nil {
		return nil, gate.NewParseError(site.Domain, rec.Enclosure, err)
	}
	return resp.Body, nil
}
