// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package mediameta derives media metadata from release and file names.
package mediameta

import (
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"unicode"

	"github.com/moistari/rls"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"

	"github.com/autobrr/flowarr/internal/models"
)

// Meta is what a release or file name says about its content.
type Meta struct {
	Name       string           `json:"name"`
	Year       string           `json:"year,omitempty"`
	Type       models.MediaType `json:"type"`
	Seasons    []int            `json:"seasons,omitempty"`
	Episodes   []int            `json:"episodes,omitempty"`
	Part       string           `json:"part,omitempty"`
	Resolution string           `json:"resolution,omitempty"`
	Source     string           `json:"source,omitempty"`
	Codec      string           `json:"codec,omitempty"`
	Group      string           `json:"group,omitempty"`
	Ext        string           `json:"ext,omitempty"`
	// Tokens holds the remaining release tags, e.g. HDR or edition markers.
	Tokens []string `json:"tokens,omitempty"`
}

var (
	// S01E01, S01E01E02, S01E01-E03, S01E01-03
	seasonEpisodeRe = regexp.MustCompile(`(?i)\bS(\d{1,2})[ ._-]?E(\d{1,4})((?:[ ._]?E\d{1,4})*)(?:[ ._]?-[ ._]?E?(\d{1,4})(?:[^\dpPiI]|$))?`)
	extraEpisodeRe  = regexp.MustCompile(`(?i)E(\d{1,4})`)
	// 1x05
	crossEpisodeRe = regexp.MustCompile(`(?i)\b(\d{1,2})x(\d{2,3})\b`)
	// S01, S01-S03, Season 2
	seasonRangeRe = regexp.MustCompile(`(?i)\bS(\d{1,2})(?:[ ._-]?-[ ._-]?S?(\d{1,2}))?\b`)
	seasonWordRe  = regexp.MustCompile(`(?i)\bSeason[ ._-]?(\d{1,2})\b`)
	// Chinese forms: 第1季, 第01集, 第1-3集
	cjkSeasonRe  = regexp.MustCompile(`第\s*(\d{1,2})\s*季`)
	cjkEpisodeRe = regexp.MustCompile(`第\s*(\d{1,4})(?:\s*-\s*(\d{1,4}))?\s*[集话話]`)
	// Absolute numbering, as used by anime releases: "Show - 1043" or "[Group] Show [12]".
	absoluteDashRe    = regexp.MustCompile(`\s-\s(\d{2,4})(?:v\d)?(?:\s|$|\[|\()`)
	absoluteBracketRe = regexp.MustCompile(`\[(\d{2,4})(?:v\d)?\]`)
	episodeWordRe     = regexp.MustCompile(`(?i)\b(?:EP|Episode)[ ._-]?(\d{1,4})\b`)

	yearRe = regexp.MustCompile(`(?:^|[^\d])((?:19|20)\d{2})(?:[^\dpPiI]|$)`)
	partRe = regexp.MustCompile(`(?i)\b(?:part|pt|cd|disc)[ ._-]?(\d{1,2}|[ivx]{1,4})\b`)
)

// Parse reads a release or file name. A known media extension is split off.
func Parse(name string) *Meta {
	name = strings.TrimSpace(width.Fold.String(norm.NFC.String(name)))
	m := &Meta{}

	base := name
	if ext := strings.ToLower(filepath.Ext(name)); ext != "" && (IsVideo(ext) || IsSubtitle(ext)) {
		m.Ext = ext
		base = strings.TrimSuffix(name, filepath.Ext(name))
	}

	r := rls.ParseString(base)
	m.Name = cleanName(r.Title)
	m.Resolution = r.Resolution
	m.Source = r.Source
	m.Group = r.Group
	if len(r.Codec) > 0 {
		m.Codec = r.Codec[0]
	}
	m.Tokens = append(m.Tokens, r.HDR...)
	m.Tokens = append(m.Tokens, r.Edition...)
	m.Tokens = append(m.Tokens, r.Cut...)
	m.Tokens = append(m.Tokens, r.Other...)
	if r.Year > 0 {
		m.Year = strconv.Itoa(r.Year)
	}

	m.Seasons, m.Episodes = parseSeasonEpisode(base)
	if m.Year == "" {
		if match := yearRe.FindStringSubmatch(base); match != nil {
			m.Year = match[1]
		}
	}
	if match := partRe.FindStringSubmatch(base); match != nil {
		m.Part = strings.ToUpper(match[1])
	}

	if m.Name == "" {
		m.Name = nameBeforeMarkers(base)
	}

	switch {
	case len(m.Seasons) > 0 || len(m.Episodes) > 0:
		m.Type = models.MediaTV
	case r.Type == rls.Episode || r.Type == rls.Series:
		m.Type = models.MediaTV
		if r.Series > 0 {
			m.Seasons = []int{r.Series}
		}
		if r.Episode > 0 {
			m.Episodes = []int{r.Episode}
		}
	default:
		m.Type = models.MediaMovie
	}
	return m
}

// parseSeasonEpisode prefers an explicit season-episode pair over absolute numbering.
func parseSeasonEpisode(s string) (seasons, episodes []int) {
	if match := seasonEpisodeRe.FindStringSubmatch(s); match != nil {
		season := atoi(match[1])
		first := atoi(match[2])
		episodes = []int{first}
		for _, extra := range extraEpisodeRe.FindAllStringSubmatch(match[3], -1) {
			episodes = append(episodes, atoi(extra[1]))
		}
		if match[4] != "" {
			last := atoi(match[4])
			episodes = expandRange(first, last)
		}
		return []int{season}, normalizeInts(episodes)
	}
	if match := crossEpisodeRe.FindStringSubmatch(s); match != nil {
		return []int{atoi(match[1])}, []int{atoi(match[2])}
	}

	if match := seasonRangeRe.FindStringSubmatch(s); match != nil {
		first := atoi(match[1])
		if match[2] != "" {
			seasons = expandRange(first, atoi(match[2]))
		} else {
			seasons = []int{first}
		}
	} else if match := seasonWordRe.FindStringSubmatch(s); match != nil {
		seasons = []int{atoi(match[1])}
	} else if match := cjkSeasonRe.FindStringSubmatch(s); match != nil {
		seasons = []int{atoi(match[1])}
	}

	switch {
	case cjkEpisodeRe.MatchString(s):
		match := cjkEpisodeRe.FindStringSubmatch(s)
		first := atoi(match[1])
		if match[2] != "" {
			episodes = expandRange(first, atoi(match[2]))
		} else {
			episodes = []int{first}
		}
	case episodeWordRe.MatchString(s):
		episodes = []int{atoi(episodeWordRe.FindStringSubmatch(s)[1])}
	case absoluteDashRe.MatchString(s):
		episodes = absoluteEpisode(absoluteDashRe.FindStringSubmatch(s)[1])
	case absoluteBracketRe.MatchString(s):
		episodes = absoluteEpisode(absoluteBracketRe.FindStringSubmatch(s)[1])
	}
	if len(episodes) > 0 && len(seasons) == 0 {
		seasons = []int{1}
	}
	return normalizeInts(seasons), normalizeInts(episodes)
}

// absoluteEpisode rejects numbers that look like years or resolutions.
func absoluteEpisode(raw string) []int {
	n := atoi(raw)
	if n == 0 || (n >= 1900 && n <= 2100) || n == 480 || n == 720 || n == 1080 || n == 2160 {
		return nil
	}
	return []int{n}
}

func expandRange(first, last int) []int {
	if last < first || last-first > 500 {
		return []int{first}
	}
	out := make([]int, 0, last-first+1)
	for i := first; i <= last; i++ {
		out = append(out, i)
	}
	return out
}

func normalizeInts(in []int) []int {
	if len(in) == 0 {
		return nil
	}
	out := slices.Clone(in)
	slices.Sort(out)
	return slices.Compact(out)
}

func atoi(s string) int {
	n, _ := strconv.Atoi(strings.TrimLeft(s, "0"))
	return n
}

var markerRe = regexp.MustCompile(`(?i)([ ._\[(-]+)(?:S\d{1,2}|Season|(?:19|20)\d{2}|\d{3,4}p|第|EP?\d)`)

func nameBeforeMarkers(s string) string {
	if loc := markerRe.FindStringIndex(s); loc != nil && loc[0] > 0 {
		s = s[:loc[0]]
	}
	return cleanName(s)
}

func cleanName(s string) string {
	s = strings.Map(func(r rune) rune {
		if r == '.' || r == '_' {
			return ' '
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

// Merge combines directory and file metadata. The directory wins for name and
// year, the file wins for episode numbers.
func Merge(dir, file *Meta) *Meta {
	if dir == nil {
		return file
	}
	if file == nil {
		return dir
	}
	out := *file
	if dir.Name != "" {
		out.Name = dir.Name
	}
	if dir.Year != "" {
		out.Year = dir.Year
	}
	if len(out.Seasons) == 0 {
		out.Seasons = dir.Seasons
	}
	if len(out.Episodes) == 0 {
		out.Episodes = dir.Episodes
	}
	if dir.Type == models.MediaTV || len(out.Episodes) > 0 {
		out.Type = models.MediaTV
	}
	if out.Resolution == "" {
		out.Resolution = dir.Resolution
	}
	if out.Source == "" {
		out.Source = dir.Source
	}
	if out.Codec == "" {
		out.Codec = dir.Codec
	}
	if out.Group == "" {
		out.Group = dir.Group
	}
	return &out
}

// Season returns the first season, or zero.
func (m *Meta) Season() int {
	if len(m.Seasons) == 0 {
		return 0
	}
	return m.Seasons[0]
}

// SeasonEpisode renders "S01E01", "S01E01-E03" or "S01".
func (m *Meta) SeasonEpisode() string {
	var b strings.Builder
	if len(m.Seasons) > 0 {
		b.WriteString("S" + pad2(m.Seasons[0]))
	}
	switch len(m.Episodes) {
	case 0:
	case 1:
		b.WriteString("E" + pad2(m.Episodes[0]))
	default:
		b.WriteString("E" + pad2(m.Episodes[0]) + "-E" + pad2(m.Episodes[len(m.Episodes)-1]))
	}
	return b.String()
}

func pad2(n int) string {
	if n < 10 {
		return "0" + strconv.Itoa(n)
	}
	return strconv.Itoa(n)
}

// NormalizeTitle folds a title for comparison: width and case folded,
// punctuation dropped, whitespace collapsed.
func NormalizeTitle(s string) string {
	s = strings.ToLower(width.Fold.String(norm.NFKC.String(s)))
	s = strings.Map(func(r rune) rune {
		switch {
		case r == '\'' || r == '’' || r == '‘' || r == '`':
			return -1
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			return r
		default:
			return ' '
		}
	}, s)
	return strings.Join(strings.Fields(s), " ")
}
