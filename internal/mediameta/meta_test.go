// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package mediameta

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/autobrr/flowarr/internal/models"
)

func TestParseSeasonEpisode(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		seasons  []int
		episodes []int
	}{
		{name: "single episode", input: "Foo.S01E01.1080p.WEB-DL.mkv", seasons: []int{1}, episodes: []int{1}},
		{name: "episode range", input: "Foo.S02E01-E03.1080p", seasons: []int{2}, episodes: []int{1, 2, 3}},
		{name: "short range", input: "Foo.S02E04-06.720p", seasons: []int{2}, episodes: []int{4, 5, 6}},
		{name: "chained episodes", input: "Foo.S01E01E02.HDTV", seasons: []int{1}, episodes: []int{1, 2}},
		{name: "range does not swallow resolution", input: "Foo.S01E05-480p", seasons: []int{1}, episodes: []int{5}},
		{name: "season pack", input: "Foo.S01.1080p.BluRay.x264-GRP", seasons: []int{1}},
		{name: "season span", input: "Foo.S01-S03.1080p", seasons: []int{1, 2, 3}},
		{name: "season word", input: "Foo Season 2 Complete", seasons: []int{2}},
		{name: "cross form", input: "Foo 3x07 HDTV", seasons: []int{3}, episodes: []int{7}},
		{name: "chinese episode", input: "某剧 第2季 第05集", seasons: []int{2}, episodes: []int{5}},
		{name: "chinese episode range", input: "某剧 第1-3集", seasons: []int{1}, episodes: []int{1, 2, 3}},
		{name: "absolute dash", input: "[SubsPlease] One Piece - 1043 (1080p).mkv", seasons: []int{1}, episodes: []int{1043}},
		{name: "absolute bracket", input: "[Group] Frieren [12][1080p].mkv", seasons: []int{1}, episodes: []int{12}},
		{name: "pair wins over absolute", input: "[Group] Show - 27 S02E03 (1080p).mkv", seasons: []int{2}, episodes: []int{3}},
		{name: "year is not an episode", input: "[Group] Film [2021].mkv"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seasons, episodes := parseSeasonEpisode(tt.input)
			assert.Equal(t, tt.seasons, seasons)
			assert.Equal(t, tt.episodes, episodes)
		})
	}
}

func TestParse(t *testing.T) {
	m := Parse("Foo.S01E01.1080p.WEB-DL.H264-GRP.mkv")
	assert.Equal(t, ".mkv", m.Ext)
	assert.Equal(t, models.MediaTV, m.Type)
	assert.Equal(t, []int{1}, m.Seasons)
	assert.Equal(t, []int{1}, m.Episodes)
	assert.Equal(t, "1080p", m.Resolution)
	assert.Equal(t, "S01E01", m.SeasonEpisode())

	movie := Parse("Dune.Part.Two.2024.2160p.WEB-DL")
	assert.Equal(t, models.MediaMovie, movie.Type)
	assert.Equal(t, "2024", movie.Year)
	assert.Empty(t, movie.Seasons)

	fallback := Parse("沙丘 2021 1080p")
	assert.Equal(t, "2021", fallback.Year)
	assert.NotEmpty(t, fallback.Name)
}

func TestMerge(t *testing.T) {
	dir := &Meta{Name: "Foo", Year: "2024", Type: models.MediaTV, Seasons: []int{1}, Resolution: "1080p"}
	file := &Meta{Name: "Foo Extended", Year: "2023", Seasons: []int{1}, Episodes: []int{2}, Ext: ".mkv"}

	got := Merge(dir, file)
	assert.Equal(t, "Foo", got.Name)
	assert.Equal(t, "2024", got.Year)
	assert.Equal(t, []int{2}, got.Episodes)
	assert.Equal(t, "1080p", got.Resolution)
	assert.Equal(t, ".mkv", got.Ext)
	assert.Equal(t, models.MediaTV, got.Type)

	assert.Same(t, file, Merge(nil, file))
}

func TestSeasonEpisodeFormatting(t *testing.T) {
	assert.Equal(t, "S01E01-E03", (&Meta{Seasons: []int{1}, Episodes: []int{1, 2, 3}}).SeasonEpisode())
	assert.Equal(t, "S10", (&Meta{Seasons: []int{10}}).SeasonEpisode())
	assert.Equal(t, "", (&Meta{}).SeasonEpisode())
}

func TestNormalizeTitle(t *testing.T) {
	assert.Equal(t, "bobs burgers", NormalizeTitle("Bob's.Burgers"))
	assert.Equal(t, "csi miami", NormalizeTitle("CSI: Miami"))
	assert.Equal(t, "spider man", NormalizeTitle("Ｓｐｉｄｅｒ-Man"))
}

func TestExtensions(t *testing.T) {
	assert.True(t, IsVideo(".MKV"))
	assert.True(t, IsVideo("mp4"))
	assert.False(t, IsVideo(".nfo"))
	assert.True(t, IsSubtitle(".ass"))

	assert.True(t, IsSample("/dl/Foo.S01/sample.mkv"))
	assert.True(t, IsSample("/dl/Foo/Foo.2024.Sample.mkv"))
	assert.False(t, IsSample("/dl/Foo.S01/Foo.S01E01.mkv"))
	assert.False(t, IsSample("/dl/Samples.Of.Life.S01E01.mkv"))
}
