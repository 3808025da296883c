// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package subscribe

import (
	"context"
	"slices"

	"github.com/lithammer/fuzzysearch/fuzzy"

	"github.com/autobrr/flowarr/internal/domain"
	"github.com/autobrr/flowarr/internal/mediameta"
	"github.com/autobrr/flowarr/internal/models"
)

// maxTitleRank is the largest edit distance accepted between a subscription
// title and a release title once both are normalized.
const maxTitleRank = 2

// titleMatches compares normalized titles, tolerating small decorations.
func titleMatches(want, got string) bool {
	a, b := mediameta.NormalizeTitle(want), mediameta.NormalizeTitle(got)
	if a == "" || b == "" {
		return false
	}
	if a == b {
		return true
	}
	if len(a) < 4 || len(b) < 4 {
		return false
	}
	if rank := fuzzy.RankMatchNormalizedFold(a, b); rank >= 0 && rank <= maxTitleRank {
		return true
	}
	rank := fuzzy.RankMatchNormalizedFold(b, a)
	return rank >= 0 && rank <= maxTitleRank
}

// releaseSeasons treats a series release without season markers as season one.
func releaseSeasons(meta *mediameta.Meta) []int {
	if len(meta.Seasons) == 0 {
		return []int{1}
	}
	return meta.Seasons
}

// matches applies the subscription match rule: identity by TMDB id or by
// title and year, then season and wanted episode overlap for series.
func (s *Service) matches(ctx context.Context, sub *models.Subscription, rec *domain.TorrentRecord, meta *mediameta.Meta, wanted []int) bool {
	if !s.identityMatches(ctx, sub, rec, meta) {
		return false
	}
	if sub.Type == models.MediaMovie {
		return len(meta.Episodes) == 0 && len(meta.Seasons) == 0
	}
	if !slices.Contains(releaseSeasons(meta), seasonOf(sub)) {
		return false
	}
	return len(coverage(sub, meta, wanted)) > 0
}

func (s *Service) identityMatches(ctx context.Context, sub *models.Subscription, rec *domain.TorrentRecord, meta *mediameta.Meta) bool {
	if titleMatches(sub.Title, meta.Name) && s.yearMatches(sub, meta) {
		return true
	}
	if sub.TMDBID == nil || s.provider == nil || meta.Name == "" {
		return false
	}
	info, err := s.provider.Recognize(ctx, meta, 0)
	if err != nil {
		s.log.Trace().Err(err).Str("title", rec.Title).Msg("Release not recognized")
		return false
	}
	return info.TMDBID == *sub.TMDBID
}

// yearMatches only rejects when both sides carry a year. Later seasons of a
// series are released in later years, so only season one is compared.
func (s *Service) yearMatches(sub *models.Subscription, meta *mediameta.Meta) bool {
	if sub.Year == "" || meta.Year == "" {
		return true
	}
	if sub.Type == models.MediaTV && seasonOf(sub) > 1 {
		return true
	}
	return sub.Year == meta.Year
}

// coverage returns the wanted episodes a release would provide. A release
// without episode numbers is a full season pack.
func coverage(sub *models.Subscription, meta *mediameta.Meta, wanted []int) []int {
	if sub.Type == models.MediaMovie {
		return slices.Clone(wanted)
	}
	if len(meta.Episodes) == 0 {
		return slices.Clone(wanted)
	}
	var out []int
	for _, ep := range meta.Episodes {
		if slices.Contains(wanted, ep) {
			out = append(out, ep)
		}
	}
	return out
}

// needsSelection reports whether the release carries episodes beyond the
// ones being taken from it, so the rest must be skipped in the client.
func needsSelection(sub *models.Subscription, meta *mediameta.Meta, taken []int) bool {
	if sub.Type == models.MediaMovie {
		return false
	}
	if len(meta.Episodes) == 0 {
		return len(taken) < sub.TotalEpisodes-sub.FirstEpisode()+1
	}
	return len(taken) < len(meta.Episodes)
}

// wanted lists the episodes still to fetch. Episodes already obtained are
// excluded, and so are episodes of in-flight downloads unless the
// subscription is upgrading to a better version.
func (s *Service) wanted(ctx context.Context, sub *models.Subscription) ([]int, error) {
	if sub.Type == models.MediaMovie {
		if sub.LackEpisodes <= 0 {
			return nil, nil
		}
		if !sub.BestVersion {
			if busy, err := s.inFlight(ctx, sub.ID); err != nil || len(busy) > 0 {
				return nil, err
			}
		}
		return []int{1}, nil
	}

	obtained, err := s.store.ObtainedEpisodes(ctx, sub.ID)
	if err != nil {
		return nil, err
	}
	var busy map[int]struct{}
	if !sub.BestVersion {
		if busy, err = s.inFlight(ctx, sub.ID); err != nil {
			return nil, err
		}
	}

	var out []int
	for ep := sub.FirstEpisode(); ep <= sub.TotalEpisodes; ep++ {
		if slices.Contains(obtained, ep) {
			continue
		}
		if _, ok := busy[ep]; ok {
			continue
		}
		out = append(out, ep)
	}
	return out, nil
}

// inFlight collects episodes of the subscription's downloads that have not
// failed. Movies report a single entry when anything is queued.
func (s *Service) inFlight(ctx context.Context, id int) (map[int]struct{}, error) {
	tasks, err := s.tasks.List(ctx, models.TaskFilter{SubscriptionID: id})
	if err != nil {
		return nil, err
	}
	busy := make(map[int]struct{})
	for _, t := range tasks {
		if t.State == models.TaskErrored {
			continue
		}
		if len(t.Episodes) == 0 {
			busy[1] = struct{}{}
		}
		for _, ep := range t.Episodes {
			busy[ep] = struct{}{}
		}
	}
	return busy, nil
}
