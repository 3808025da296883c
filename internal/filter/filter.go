// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package filter

import (
	"regexp"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/flowarr/internal/domain"
)

var compiled = gocache.New(30*time.Minute, time.Hour)

// CompileCached compiles rule once per process window.
func CompileCached(rule string) (*Rule, error) {
	if v, ok := compiled.Get(rule); ok {
		return v.(*Rule), nil
	}
	r, err := Compile(rule)
	if err != nil {
		return nil, err
	}
	compiled.Set(rule, r, gocache.DefaultExpiration)
	return r, nil
}

// Filter returns the records matching rule in input order, and their priorities keyed by record key.
// An invalid rule passes nothing.
func Filter(records []domain.TorrentRecord, rule string) ([]domain.TorrentRecord, map[string]int) {
	return filterAt(records, rule, time.Now())
}

func filterAt(records []domain.TorrentRecord, rule string, now time.Time) ([]domain.TorrentRecord, map[string]int) {
	priorities := make(map[string]int, len(records))
	r, err := CompileCached(rule)
	if err != nil {
		log.Error().Err(err).Str("rule", rule).Msg("Invalid filter rule")
		return nil, priorities
	}

	passed := make([]domain.TorrentRecord, 0, len(records))
	for i := range records {
		prio, ok := r.matchAt(&records[i], now)
		if !ok {
			continue
		}
		passed = append(passed, records[i])
		priorities[records[i].Key()] = prio
	}
	return passed, priorities
}

// Terms holds the include/exclude regexes attached to a subscription or site.
type Terms struct {
	include *regexp.Regexp
	exclude *regexp.Regexp
}

// CompileTerms builds include/exclude matchers. Empty strings disable the corresponding check.
func CompileTerms(include, exclude string) (*Terms, error) {
	t := &Terms{}
	var err error
	if include = strings.TrimSpace(include); include != "" {
		if t.include, err = regexp.Compile("(?i)" + include); err != nil {
			return nil, err
		}
	}
	if exclude = strings.TrimSpace(exclude); exclude != "" {
		if t.exclude, err = regexp.Compile("(?i)" + exclude); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Allow reports whether the record passes include and exclude terms over title and description.
func (t *Terms) Allow(rec *domain.TorrentRecord) bool {
	if t == nil {
		return true
	}
	text := rec.Title + " " + rec.Description
	if t.include != nil && !t.include.MatchString(text) {
		return false
	}
	if t.exclude != nil && t.exclude.MatchString(text) {
		return false
	}
	return true
}
