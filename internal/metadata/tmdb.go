// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/agnivade/levenshtein"
	"github.com/avast/retry-go"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/flowarr/internal/domain"
	"github.com/autobrr/flowarr/internal/mediameta"
	"github.com/autobrr/flowarr/internal/models"
)

const (
	DefaultTMDBBaseURL = "https://api.themoviedb.org/3"
	tmdbImageBase      = "https://image.tmdb.org/t/p/original"

	// minSimilarity is the lowest normalized title similarity accepted as a match.
	minSimilarity = 0.6
)

// TMDB is a Provider backed by the TMDB v3 API.
type TMDB struct {
	baseURL  string
	apiKey   string
	language string
	http     *http.Client
}

func NewTMDB(apiKey, language string) *TMDB {
	return NewTMDBWithBaseURL(DefaultTMDBBaseURL, apiKey, language)
}

func NewTMDBWithBaseURL(baseURL, apiKey, language string) *TMDB {
	if language == "" {
		language = "en-US"
	}
	return &TMDB{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		language: language,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

type tmdbStatusError struct {
	status int
	body   string
}

func (e *tmdbStatusError) Error() string {
	return fmt.Sprintf("tmdb returned status %d: %s", e.status, e.body)
}

func (t *TMDB) get(ctx context.Context, path string, params url.Values, out any) error {
	if t.apiKey == "" {
		return domain.NewError(domain.KindPreconditionFailed, "tmdb", fmt.Errorf("api key is not configured"))
	}
	if params == nil {
		params = url.Values{}
	}
	params.Set("api_key", t.apiKey)
	params.Set("language", t.language)
	endpoint := t.baseURL + path + "?" + params.Encode()

	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			req.Header.Set("Accept", "application/json")

			resp, err := t.http.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
				statusErr := &tmdbStatusError{status: resp.StatusCode, body: strings.TrimSpace(string(body))}
				if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
					return statusErr
				}
				return retry.Unrecoverable(statusErr)
			}
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return retry.Unrecoverable(domain.NewError(domain.KindParseFailed, "tmdb decode", err))
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		var statusErr *tmdbStatusError
		if errors.As(err, &statusErr) && statusErr.status == http.StatusNotFound {
			return ErrNotFound
		}
		return fmt.Errorf("tmdb %s: %w", path, err)
	}
	return nil
}

type tmdbResult struct {
	ID            int    `json:"id"`
	Title         string `json:"title"`
	Name          string `json:"name"`
	OriginalTitle string `json:"original_title"`
	OriginalName  string `json:"original_name"`
	ReleaseDate   string `json:"release_date"`
	FirstAirDate  string `json:"first_air_date"`
	Overview      string `json:"overview"`
	PosterPath    string `json:"poster_path"`
}

func (r *tmdbResult) info(mtype models.MediaType) MediaInfo {
	info := MediaInfo{
		TMDBID:   r.ID,
		Type:     mtype,
		Title:    firstNonEmpty(r.Title, r.Name),
		Overview: r.Overview,
	}
	info.OriginalTitle = firstNonEmpty(r.OriginalTitle, r.OriginalName)
	if date := firstNonEmpty(r.ReleaseDate, r.FirstAirDate); len(date) >= 4 {
		info.Year = date[:4]
	}
	if r.PosterPath != "" {
		info.Poster = tmdbImageBase + r.PosterPath
	}
	return info
}

type tmdbSeason struct {
	SeasonNumber int    `json:"season_number"`
	Name         string `json:"name"`
	EpisodeCount int    `json:"episode_count"`
	AirDate      string `json:"air_date"`
}

type tmdbDetails struct {
	tmdbResult
	Seasons []tmdbSeason `json:"seasons"`
}

func mediaPath(mtype models.MediaType) string {
	if mtype == models.MediaTV {
		return "tv"
	}
	return "movie"
}

// Recognize searches TMDB by name and year and picks the closest title.
func (t *TMDB) Recognize(ctx context.Context, meta *mediameta.Meta, tmdbID int) (*MediaInfo, error) {
	mtype := meta.Type
	if mtype == "" {
		mtype = models.MediaMovie
		if len(meta.Episodes) > 0 || len(meta.Seasons) > 0 {
			mtype = models.MediaTV
		}
	}
	if tmdbID > 0 {
		return t.details(ctx, mtype, tmdbID)
	}
	if strings.TrimSpace(meta.Name) == "" {
		return nil, ErrNotFound
	}

	params := url.Values{"query": {meta.Name}}
	if meta.Year != "" {
		if mtype == models.MediaTV {
			params.Set("first_air_date_year", meta.Year)
		} else {
			params.Set("year", meta.Year)
		}
	}
	var page struct {
		Results []tmdbResult `json:"results"`
	}
	if err := t.get(ctx, "/search/"+mediaPath(mtype), params, &page); err != nil {
		return nil, err
	}

	best, ok := pickBest(meta, mtype, page.Results)
	if !ok {
		log.Debug().Str("name", meta.Name).Str("year", meta.Year).Int("results", len(page.Results)).Msg("No TMDB result close enough")
		return nil, ErrNotFound
	}
	if mtype == models.MediaTV {
		return t.details(ctx, mtype, best.ID)
	}
	info := best.info(mtype)
	return &info, nil
}

func (t *TMDB) details(ctx context.Context, mtype models.MediaType, id int) (*MediaInfo, error) {
	var d tmdbDetails
	if err := t.get(ctx, "/"+mediaPath(mtype)+"/"+strconv.Itoa(id), nil, &d); err != nil {
		return nil, err
	}
	info := d.info(mtype)
	info.Seasons = convertSeasons(d.Seasons)
	return &info, nil
}

// similarity is 1 minus the normalized edit distance of folded titles.
func similarity(a, b string) float64 {
	a, b = mediameta.NormalizeTitle(a), mediameta.NormalizeTitle(b)
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	longest := max(len([]rune(a)), len([]rune(b)))
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}

func pickBest(meta *mediameta.Meta, mtype models.MediaType, results []tmdbResult) (tmdbResult, bool) {
	var (
		best      tmdbResult
		bestScore float64
	)
	for _, r := range results {
		info := r.info(mtype)
		score := max(similarity(meta.Name, info.Title), similarity(meta.Name, info.OriginalTitle))
		if meta.Year != "" && info.Year != "" {
			if info.Year == meta.Year {
				score += 0.1
			} else if !adjacentYear(meta.Year, info.Year) {
				continue
			}
		}
		if score > bestScore {
			best, bestScore = r, score
		}
	}
	return best, bestScore >= minSimilarity
}

func adjacentYear(a, b string) bool {
	ya, errA := strconv.Atoi(a)
	yb, errB := strconv.Atoi(b)
	if errA != nil || errB != nil {
		return false
	}
	return ya-yb <= 1 && yb-ya <= 1
}

func (t *TMDB) FetchSeasons(ctx context.Context, tmdbID int) ([]Season, error) {
	info, err := t.details(ctx, models.MediaTV, tmdbID)
	if err != nil {
		return nil, err
	}
	return info.Seasons, nil
}

func (t *TMDB) FetchEpisodes(ctx context.Context, tmdbID, season int) ([]Episode, error) {
	var resp struct {
		Episodes []struct {
			SeasonNumber  int    `json:"season_number"`
			EpisodeNumber int    `json:"episode_number"`
			Name          string `json:"name"`
			AirDate       string `json:"air_date"`
		} `json:"episodes"`
	}
	path := fmt.Sprintf("/tv/%d/season/%d", tmdbID, season)
	if err := t.get(ctx, path, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]Episode, 0, len(resp.Episodes))
	for _, e := range resp.Episodes {
		out = append(out, Episode{Season: e.SeasonNumber, Number: e.EpisodeNumber, Name: e.Name, AirDate: parseDate(e.AirDate)})
	}
	return out, nil
}

func (t *TMDB) Discover(ctx context.Context, mtype models.MediaType, filter DiscoverFilter, page int) ([]MediaInfo, error) {
	params := url.Values{"page": {strconv.Itoa(max(page, 1))}}
	if filter.SortBy != "" {
		params.Set("sort_by", filter.SortBy)
	}
	if filter.Genre != "" {
		params.Set("with_genres", filter.Genre)
	}
	if filter.Language != "" {
		params.Set("with_original_language", filter.Language)
	}
	if filter.MinRating > 0 {
		params.Set("vote_average.gte", strconv.FormatFloat(filter.MinRating, 'f', 1, 64))
	}
	if filter.Year != "" {
		if mtype == models.MediaTV {
			params.Set("first_air_date_year", filter.Year)
		} else {
			params.Set("primary_release_year", filter.Year)
		}
	}
	var resp struct {
		Results []tmdbResult `json:"results"`
	}
	if err := t.get(ctx, "/discover/"+mediaPath(mtype), params, &resp); err != nil {
		return nil, err
	}
	out := make([]MediaInfo, 0, len(resp.Results))
	for i := range resp.Results {
		out = append(out, resp.Results[i].info(mtype))
	}
	return out, nil
}

func convertSeasons(in []tmdbSeason) []Season {
	out := make([]Season, 0, len(in))
	for _, s := range in {
		// Season 0 holds specials.
		if s.SeasonNumber == 0 {
			continue
		}
		out = append(out, Season{Number: s.SeasonNumber, Name: s.Name, EpisodeCount: s.EpisodeCount, AirDate: parseDate(s.AirDate)})
	}
	return out
}

func parseDate(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
