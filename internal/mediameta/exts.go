// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package mediameta

import (
	"path/filepath"
	"regexp"
	"strings"
)

var videoExts = map[string]struct{}{
	".mkv": {}, ".mp4": {}, ".avi": {}, ".ts": {}, ".m2ts": {}, ".mov": {}, ".wmv": {},
	".flv": {}, ".rmvb": {}, ".webm": {}, ".iso": {}, ".mpg": {}, ".mpeg": {}, ".m4v": {}, ".strm": {},
}

var subtitleExts = map[string]struct{}{
	".srt": {}, ".ass": {}, ".ssa": {}, ".sub": {}, ".sup": {}, ".idx": {}, ".vtt": {},
}

func normExt(ext string) string {
	ext = strings.ToLower(ext)
	if ext != "" && ext[0] != '.' {
		ext = "." + ext
	}
	return ext
}

func IsVideo(ext string) bool {
	_, ok := videoExts[normExt(ext)]
	return ok
}

func IsSubtitle(ext string) bool {
	_, ok := subtitleExts[normExt(ext)]
	return ok
}

// VideoExtensions returns the default allow-list used when listing media files.
func VideoExtensions() []string {
	out := make([]string, 0, len(videoExts))
	for ext := range videoExts {
		out = append(out, ext)
	}
	return out
}

var sampleRe = regexp.MustCompile(`(?i)(?:^|[ ._\-\[(])(?:sample|trailer|featurette)(?:$|[ ._\-\])])`)

// IsSample reports names of sample or extra clips.
func IsSample(path string) bool {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return sampleRe.MatchString(base)
}
