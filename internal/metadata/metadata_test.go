// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metadata

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/flowarr/internal/domain"
	"github.com/autobrr/flowarr/internal/mediameta"
	"github.com/autobrr/flowarr/internal/models"
)

func newTMDBServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/search/tv", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "key", r.URL.Query().Get("api_key"))
		_ = json.NewEncoder(w).Encode(map[string]any{"results": []map[string]any{
			{"id": 900, "name": "Fooled Again", "first_air_date": "2024-03-01"},
			{"id": 111, "name": "Foo", "first_air_date": "2024-01-10", "poster_path": "/p.jpg"},
			{"id": 222, "name": "Foo", "first_air_date": "1998-01-10"},
		}})
	})
	mux.HandleFunc("/tv/111", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": 111, "name": "Foo", "first_air_date": "2024-01-10",
			"seasons": []map[string]any{
				{"season_number": 0, "name": "Specials", "episode_count": 2},
				{"season_number": 1, "name": "Season 1", "episode_count": 3, "air_date": "2024-01-10"},
			},
		})
	})
	mux.HandleFunc("/tv/111/season/1", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"episodes": []map[string]any{
			{"season_number": 1, "episode_number": 1, "name": "Pilot", "air_date": "2024-01-10"},
			{"season_number": 1, "episode_number": 2, "name": "Two"},
		}})
	})
	mux.HandleFunc("/search/movie", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"results": []map[string]any{
			{"id": 5, "title": "Something Else Entirely", "release_date": "2020-05-05"},
		}})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestRecognizePicksClosestTitleAndYear(t *testing.T) {
	var hits atomic.Int32
	srv := newTMDBServer(t, &hits)
	tmdb := NewTMDBWithBaseURL(srv.URL, "key", "")

	info, err := tmdb.Recognize(context.Background(), &mediameta.Meta{Name: "Foo", Year: "2024", Type: models.MediaTV}, 0)
	require.NoError(t, err)
	assert.Equal(t, 111, info.TMDBID)
	assert.Equal(t, "2024", info.Year)
	assert.Equal(t, 3, info.EpisodeCount(1))
	assert.Len(t, info.Seasons, 1)

	_, err = tmdb.Recognize(context.Background(), &mediameta.Meta{Name: "Bar", Year: "2020"}, 0)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestFetchEpisodes(t *testing.T) {
	var hits atomic.Int32
	srv := newTMDBServer(t, &hits)
	tmdb := NewTMDBWithBaseURL(srv.URL, "key", "")

	eps, err := tmdb.FetchEpisodes(context.Background(), 111, 1)
	require.NoError(t, err)
	require.Len(t, eps, 2)
	assert.Equal(t, "Pilot", eps[0].Name)
	assert.False(t, eps[0].AirDate.IsZero())

	_, err = tmdb.FetchEpisodes(context.Background(), 111, 9)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMissingAPIKey(t *testing.T) {
	tmdb := NewTMDBWithBaseURL("http://127.0.0.1:1", "", "")
	_, err := tmdb.FetchSeasons(context.Background(), 1)
	assert.ErrorIs(t, err, domain.ErrPreconditionFailed)
}

func TestCachedCollapsesLookups(t *testing.T) {
	var hits atomic.Int32
	srv := newTMDBServer(t, &hits)
	cached := NewCached(NewTMDBWithBaseURL(srv.URL, "key", ""), 0)
	meta := &mediameta.Meta{Name: "Foo", Year: "2024", Type: models.MediaTV}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			info, err := cached.Recognize(context.Background(), meta, 0)
			assert.NoError(t, err)
			assert.Equal(t, 111, info.TMDBID)
		}()
	}
	wg.Wait()
	first := hits.Load()
	assert.LessOrEqual(t, first, int32(2*10))

	_, err := cached.Recognize(context.Background(), meta, 0)
	require.NoError(t, err)
	assert.Equal(t, first, hits.Load())

	// Misses are cached too.
	missMeta := &mediameta.Meta{Name: "Nope", Year: "2020"}
	_, err = cached.Recognize(context.Background(), missMeta, 0)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	before := hits.Load()
	_, err = cached.Recognize(context.Background(), missMeta, 0)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, before, hits.Load())
}

func TestParseNFO(t *testing.T) {
	tests := []struct {
		name string
		data string
		want int
		ok   bool
	}{
		{name: "tmdbid element", data: `<movie><title>X</title><tmdbid>603</tmdbid></movie>`, want: 603, ok: true},
		{name: "uniqueid", data: `<tvshow><uniqueid type="imdb">tt1</uniqueid><uniqueid type="tmdb">111</uniqueid></tvshow>`, want: 111, ok: true},
		{name: "url only", data: "https://www.themoviedb.org/tv/1399-game", want: 1399, ok: true},
		{name: "nothing", data: "release notes", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseNFO([]byte(tt.data))
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFindNFOTMDBID(t *testing.T) {
	root := t.TempDir()
	season := filepath.Join(root, "Foo", "Season 1")
	require.NoError(t, os.MkdirAll(season, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "Foo", "tvshow.nfo"), []byte(`<tvshow><tmdbid>111</tmdbid></tvshow>`), 0o644))

	id, ok := FindNFOTMDBID(filepath.Join(season, "Foo.S01E01.mkv"))
	assert.True(t, ok)
	assert.Equal(t, 111, id)

	_, ok = FindNFOTMDBID(filepath.Join(root, "Other", "x.mkv"))
	assert.False(t, ok)
}
