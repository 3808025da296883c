// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package transfer

import (
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
	"text/template"

	"github.com/autobrr/flowarr/internal/mediameta"
	"github.com/autobrr/flowarr/internal/metadata"
)

const (
	DefaultMovieTemplate = `{{title}}{{if year}} ({{year}}){{end}}/{{title}}{{if year}} ({{year}}){{end}}{{if part}}-{{part}}{{end}}{{if videoFormat}} - {{videoFormat}}{{end}}{{fileExt}}`
	DefaultTVTemplate    = `{{title}}{{if year}} ({{year}}){{end}}/Season {{season}}/{{title}}{{if year}} ({{year}}){{end}} - {{season_episode}}{{if part}}-{{part}}{{end}}{{fileExt}}`
)

var (
	// {{title}} and {{if year}} become {{.title}} and {{if .year}}.
	bareVarRe  = regexp.MustCompile(`\{\{-?\s*([a-zA-Z_][a-zA-Z0-9_]*)\s*-?\}\}`)
	bareCondRe = regexp.MustCompile(`\{\{(-?\s*)(if|else if|with)\s+([a-zA-Z_][a-zA-Z0-9_]*)(\s*-?)\}\}`)
	unsafeRe   = regexp.MustCompile(`[\\:*?"<>|\x00-\x1f]`)
)

var templateKeywords = map[string]bool{"end": true, "else": true, "break": true, "continue": true}

// PathTemplate renders library paths from recognized media.
type PathTemplate struct {
	raw  string
	tmpl *template.Template
}

// ParseTemplate accepts text/template syntax, with bare names allowed as a
// shorthand for fields: {{title}}, {{if season}}...{{end}}.
func ParseTemplate(raw string) (*PathTemplate, error) {
	src := bareCondRe.ReplaceAllString(raw, "{{${1}${2} .${3}${4}}}")
	src = bareVarRe.ReplaceAllStringFunc(src, func(m string) string {
		name := bareVarRe.FindStringSubmatch(m)[1]
		if templateKeywords[name] {
			return m
		}
		return strings.Replace(m, name, "."+name, 1)
	})
	tmpl, err := template.New("path").Option("missingkey=error").Parse(src)
	if err != nil {
		return nil, fmt.Errorf("parse template %q: %w", raw, err)
	}
	return &PathTemplate{raw: raw, tmpl: tmpl}, nil
}

func (t *PathTemplate) String() string { return t.raw }

// Vars are the values a template can reference.
type Vars map[string]any

// NewVars builds template values from recognized media and parsed file meta.
func NewVars(info *metadata.MediaInfo, meta *mediameta.Meta) Vars {
	v := Vars{
		"title":          info.Title,
		"en_title":       info.OriginalTitle,
		"year":           info.Year,
		"tmdbid":         info.TMDBID,
		"season":         "",
		"episode":        "",
		"season_episode": "",
		"videoFormat":    meta.Resolution,
		"videoCodec":     meta.Codec,
		"resourceType":   meta.Source,
		"releaseGroup":   meta.Group,
		"part":           meta.Part,
		"fileExt":        "",
	}
	if meta.Ext != "" {
		v["fileExt"] = "." + strings.TrimPrefix(meta.Ext, ".")
	}
	if season := meta.Season(); season > 0 || len(meta.Episodes) > 0 {
		if season == 0 {
			season = 1
		}
		v["season"] = strconv.Itoa(season)
		se := &mediameta.Meta{Seasons: []int{season}, Episodes: meta.Episodes}
		v["season_episode"] = se.SeasonEpisode()
	}
	if len(meta.Episodes) > 0 {
		eps := make([]string, len(meta.Episodes))
		for i, ep := range meta.Episodes {
			eps[i] = fmt.Sprintf("%02d", ep)
		}
		v["episode"] = strings.Join(eps, "-")
	}
	return v
}

// Render executes the template and returns a cleaned relative path. Each
// segment is stripped of characters that are invalid on common filesystems.
func (t *PathTemplate) Render(vars Vars) (string, error) {
	var b strings.Builder
	if err := t.tmpl.Execute(&b, map[string]any(vars)); err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	segments := strings.Split(b.String(), "/")
	out := make([]string, 0, len(segments))
	for _, seg := range segments {
		seg = strings.Join(strings.Fields(unsafeRe.ReplaceAllString(seg, "")), " ")
		seg = strings.Trim(seg, ". ")
		if seg != "" {
			out = append(out, seg)
		}
	}
	if len(out) == 0 {
		return "", fmt.Errorf("template %q rendered an empty path", t.raw)
	}
	rel := path.Join(out...)
	// The file extension is kept even when the template omits it.
	if ext, ok := vars["fileExt"].(string); ok && ext != "" && !strings.HasSuffix(rel, ext) {
		rel += ext
	}
	return rel, nil
}
