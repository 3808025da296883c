// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metadata

import (
	"encoding/xml"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

var tmdbURLRe = regexp.MustCompile(`themoviedb\.org/(?:movie|tv)/(\d+)`)

type nfoDoc struct {
	TMDBID    string `xml:"tmdbid"`
	UniqueIDs []struct {
		Type  string `xml:"type,attr"`
		Value string `xml:",chardata"`
	} `xml:"uniqueid"`
}

// ParseNFO extracts a TMDB id from Kodi style nfo content. Plain nfo files
// holding only a themoviedb.org URL are accepted too.
func ParseNFO(data []byte) (int, bool) {
	var doc nfoDoc
	if err := xml.Unmarshal(data, &doc); err == nil {
		if id, ok := positiveInt(doc.TMDBID); ok {
			return id, true
		}
		for _, u := range doc.UniqueIDs {
			if strings.EqualFold(u.Type, "tmdb") {
				if id, ok := positiveInt(u.Value); ok {
					return id, true
				}
			}
		}
	}
	if m := tmdbURLRe.FindSubmatch(data); m != nil {
		return positiveInt(string(m[1]))
	}
	return 0, false
}

// FindNFOTMDBID looks for an nfo next to file: "<name>.nfo" first, then
// movie.nfo and tvshow.nfo in its directory and the parent directory.
func FindNFOTMDBID(file string) (int, bool) {
	dir := filepath.Dir(file)
	base := strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
	candidates := []string{
		filepath.Join(dir, base+".nfo"),
		filepath.Join(dir, "movie.nfo"),
		filepath.Join(dir, "tvshow.nfo"),
		filepath.Join(filepath.Dir(dir), "tvshow.nfo"),
	}
	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if id, ok := ParseNFO(data); ok {
			return id, true
		}
	}
	return 0, false
}

func positiveInt(s string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
