// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package mediaserver asks the media server to rescan its library.
package mediaserver

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/flowarr/internal/domain"
	"github.com/autobrr/flowarr/internal/notify"
)

const JobID = "mediaserver_sync"

// Refresher POSTs the configured refresh URL. An empty URL turns it into a no-op.
type Refresher struct {
	httpClient *http.Client

	mu  sync.RWMutex
	url string

	log zerolog.Logger
}

func NewRefresher(refreshURL string) *Refresher {
	return &Refresher{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		url:        strings.TrimSpace(refreshURL),
		log:        log.With().Str("component", "mediaserver").Logger(),
	}
}

func (r *Refresher) SetURL(refreshURL string) {
	r.mu.Lock()
	r.url = strings.TrimSpace(refreshURL)
	r.mu.Unlock()
}

func (r *Refresher) URL() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.url
}

func (r *Refresher) Refresh(ctx context.Context) error {
	target := r.URL()
	if target == "" {
		return nil
	}
	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, nil)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			resp, err := r.httpClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
			switch {
			case resp.StatusCode >= 500:
				return fmt.Errorf("media server refresh: status %d", resp.StatusCode)
			case resp.StatusCode >= 400:
				return retry.Unrecoverable(domain.NewError(domain.KindNetworkPermanent, "media server refresh", fmt.Errorf("status %d", resp.StatusCode)))
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return err
	}
	r.log.Debug().Msg("Media server library refresh requested")
	return nil
}

// Run is the mediaserver_sync job.
func (r *Refresher) Run(ctx context.Context) (*notify.RunSummary, error) {
	summary := notify.NewRunSummary(JobID)
	if r.URL() == "" {
		return summary, nil
	}
	if err := r.Refresh(ctx); err != nil {
		return summary, err
	}
	summary.Line("library refresh requested")
	return summary, nil
}
