// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package signin runs the daily site check-in through sign_in plugins.
package signin

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/autobrr/flowarr/internal/domain"
	"github.com/autobrr/flowarr/internal/gate"
	"github.com/autobrr/flowarr/internal/models"
	"github.com/autobrr/flowarr/internal/notify"
)

const JobID = "site_signin"

const maxParallelSites = 4

type SiteLister interface {
	ListActive(ctx context.Context) ([]*models.Site, error)
}

type Plugins interface {
	SignInFor(site *models.Site) (string, bool)
	SignIn(ctx context.Context, id string, h *gate.SiteHandle) (string, error)
}

type Handles interface {
	For(site *models.Site) *gate.SiteHandle
}

type Service struct {
	sites   SiteLister
	plugins Plugins
	gate    Handles
	log     zerolog.Logger
}

func NewService(sites SiteLister, plugins Plugins, g Handles) *Service {
	return &Service{
		sites:   sites,
		plugins: plugins,
		gate:    g,
		log:     log.With().Str("component", "signin").Logger(),
	}
}

type outcome struct {
	site *models.Site
	msg  string
	err  error
}

// Run signs in to every active site that has a plugin. Sites in cooldown are
// reported as skipped.
func (s *Service) Run(ctx context.Context) (*notify.RunSummary, error) {
	summary := notify.NewRunSummary(JobID)
	sites, err := s.sites.ListActive(ctx)
	if err != nil {
		return summary, err
	}

	type job struct {
		site   *models.Site
		plugin string
	}
	var jobs []job
	for _, site := range sites {
		if id, ok := s.plugins.SignInFor(site); ok {
			jobs = append(jobs, job{site: site, plugin: id})
		}
	}
	if len(jobs) == 0 {
		return summary, nil
	}

	results := make([]outcome, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelSites)
	for i, j := range jobs {
		g.Go(func() error {
			h := s.gate.For(j.site)
			if ok, _ := h.CheckBudget(); !ok {
				results[i] = outcome{site: j.site, err: domain.ErrRateLimited}
				return nil
			}
			msg, err := s.plugins.SignIn(gctx, j.plugin, h)
			results[i] = outcome{site: j.site, msg: msg, err: err}
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		switch {
		case r.err == nil:
			summary.Add(1)
			if r.msg != "" {
				summary.Line("%s: %s", r.site.Name, r.msg)
			}
		case isCooling(r.err):
			summary.Skip(r.site.Name)
		default:
			s.log.Warn().Err(r.err).Str("site", r.site.Name).Msg("Sign-in failed")
			summary.Fail()
			summary.Line("%s: %v", r.site.Name, r.err)
		}
	}
	return summary, nil
}

func isCooling(err error) bool {
	kind := domain.KindOf(err)
	return kind == domain.KindRateLimited || kind == domain.KindBlocked
}
