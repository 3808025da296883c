// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package indexer

import (
	"html"
	"net/url"
	"strings"
	"time"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/width"

	"github.com/autobrr/flowarr/internal/domain"
	"github.com/autobrr/flowarr/internal/models"
)

var descriptionPolicy = bluemonday.StrictPolicy()

// CleanText folds full-width characters and collapses whitespace.
func CleanText(s string) string {
	return strings.Join(strings.Fields(width.Fold.String(s)), " ")
}

func foldKeyword(s string) string {
	return strings.ToLower(CleanText(s))
}

// ContainsCJK reports whether s has Han, Kana or Hangul characters.
func ContainsCJK(s string) bool {
	for _, r := range s {
		if unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul) {
			return true
		}
	}
	return false
}

func absoluteHTTP(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "https" || u.Scheme == "http") && u.Host != ""
}

// Normalize enforces the record invariants and stamps site identity. Records
// without a usable title or enclosure are dropped.
func Normalize(site *models.Site, records []domain.TorrentRecord) []domain.TorrentRecord {
	out := make([]domain.TorrentRecord, 0, len(records))
	for _, r := range records {
		r.Title = CleanText(html.UnescapeString(r.Title))
		if r.Title == "" {
			continue
		}

		desc := CleanText(html.UnescapeString(descriptionPolicy.Sanitize(r.Description)))
		if strings.HasPrefix(desc, r.Title) {
			desc = strings.TrimSpace(strings.TrimPrefix(desc, r.Title))
		}
		r.Description = desc

		r.Enclosure = strings.TrimSpace(r.Enclosure)
		if !r.IsMagnet() && !absoluteHTTP(r.Enclosure) {
			continue
		}
		if r.PageURL != "" && !absoluteHTTP(r.PageURL) {
			r.PageURL = ""
		}

		if r.Size < 0 {
			r.Size = 0
		}
		if r.Seeders < 0 {
			r.Seeders = 0
		}
		if r.Peers < 0 {
			r.Peers = 0
		}
		if r.DownloadFactor < 0 {
			r.DownloadFactor = 1
		}
		if r.UploadFactor < 0 {
			r.UploadFactor = 1
		}
		if r.PubDate != "" {
			if _, err := time.Parse(time.RFC3339, r.PubDate); err != nil {
				r.PubDate = ""
			}
		}

		r.SiteID = site.ID
		r.SiteName = site.Name
		r.SiteDomain = site.Domain
		r.SitePriority = site.Priority
		out = append(out, r)
	}
	return out
}
