// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metadata

import (
	"context"
	"errors"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/autobrr/flowarr/internal/domain"
	"github.com/autobrr/flowarr/internal/mediameta"
	"github.com/autobrr/flowarr/internal/models"
)

const (
	DefaultCacheTTL   = time.Hour
	BigMemoryCacheTTL = 7 * 24 * time.Hour

	// misses are cached briefly so one unrecognizable file does not hammer the provider.
	missTTL = 10 * time.Minute
)

// Cached wraps a Provider with a TTL cache and collapses concurrent
// identical lookups into one upstream call.
type Cached struct {
	next  Provider
	cache *gocache.Cache
	group singleflight.Group
	ttl   time.Duration
}

func NewCached(next Provider, ttl time.Duration) *Cached {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cached{
		next:  next,
		cache: gocache.New(ttl, ttl/2),
		ttl:   ttl,
	}
}

// SetTTL changes the expiry used for new entries, e.g. when bigMemoryMode toggles.
func (c *Cached) SetTTL(ttl time.Duration) {
	if ttl > 0 {
		c.ttl = ttl
	}
}

func (c *Cached) Flush() {
	c.cache.Flush()
}

type miss struct{}

func (c *Cached) load(key string, fn func() (any, error)) (any, error) {
	if v, ok := c.cache.Get(key); ok {
		if _, isMiss := v.(miss); isMiss {
			return nil, ErrNotFound
		}
		return v, nil
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		v, err := fn()
		switch {
		case err == nil:
			c.cache.Set(key, v, c.ttl)
		case errors.Is(err, domain.ErrNotFound):
			c.cache.Set(key, miss{}, missTTL)
		}
		return v, err
	})
	return v, err
}

func (c *Cached) Recognize(ctx context.Context, meta *mediameta.Meta, tmdbID int) (*MediaInfo, error) {
	v, err := c.load(recognizeKey(meta, tmdbID), func() (any, error) {
		return c.next.Recognize(ctx, meta, tmdbID)
	})
	if err != nil {
		return nil, err
	}
	info := *v.(*MediaInfo)
	return &info, nil
}

func (c *Cached) FetchSeasons(ctx context.Context, tmdbID int) ([]Season, error) {
	v, err := c.load(fmt.Sprintf("seasons:%d", tmdbID), func() (any, error) {
		return c.next.FetchSeasons(ctx, tmdbID)
	})
	if err != nil {
		return nil, err
	}
	return v.([]Season), nil
}

func (c *Cached) FetchEpisodes(ctx context.Context, tmdbID, season int) ([]Episode, error) {
	v, err := c.load(fmt.Sprintf("episodes:%d:%d", tmdbID, season), func() (any, error) {
		return c.next.FetchEpisodes(ctx, tmdbID, season)
	})
	if err != nil {
		return nil, err
	}
	return v.([]Episode), nil
}

// Discover is not cached; results depend on the provider's popularity ranking.
func (c *Cached) Discover(ctx context.Context, mtype models.MediaType, filter DiscoverFilter, page int) ([]MediaInfo, error) {
	return c.next.Discover(ctx, mtype, filter, page)
}
