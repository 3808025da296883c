// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import (
	"strings"
	"time"
)

// TorrentRecord is a normalized search result from a site. Missing values are zero, never nil.
type TorrentRecord struct {
	SiteID       int    `json:"siteId"`
	SiteName     string `json:"siteName"`
	SiteDomain   string `json:"siteDomain"`
	SitePriority int    `json:"sitePriority"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	// Enclosure is an absolute https URL to the .torrent or a magnet: URI.
	Enclosure      string  `json:"enclosure"`
	Size           int64   `json:"size"`
	Seeders        int     `json:"seeders"`
	Peers          int     `json:"peers"`
	PubDate        string  `json:"pubdate"`
	UploadFactor   float64 `json:"uploadFactor"`
	DownloadFactor float64 `json:"downloadFactor"`
	HitAndRun      bool    `json:"hitAndRun"`
	PageURL        string  `json:"pageUrl"`
	FreeDeadline   string  `json:"freeDeadline,omitempty"`
	IMDbID         string  `json:"imdbId,omitempty"`
}

// Key identifies a record within one result set.
func (r *TorrentRecord) Key() string {
	if r.Enclosure != "" {
		return r.Enclosure
	}
	return r.PageURL
}

// IsMagnet reports whether the enclosure is a magnet URI.
func (r *TorrentRecord) IsMagnet() bool {
	return strings.HasPrefix(strings.ToLower(r.Enclosure), "magnet:")
}

// PubTime parses PubDate. ok is false when the record carries no date.
func (r *TorrentRecord) PubTime() (time.Time, bool) {
	if r.PubDate == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, r.PubDate)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// AgeMinutes returns the minutes since publication, or -1 when unknown.
func (r *TorrentRecord) AgeMinutes(now time.Time) int {
	t, ok := r.PubTime()
	if !ok {
		return -1
	}
	return int(now.Sub(t).Minutes())
}

// IsFree reports a zero download factor.
func (r *TorrentRecord) IsFree() bool {
	return r.DownloadFactor == 0
}

// IsDoubleUpFree reports free download with at least double upload credit.
func (r *TorrentRecord) IsDoubleUpFree() bool {
	return r.DownloadFactor == 0 && r.UploadFactor >= 2
}
