// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package indexer

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"
)

// Field extracts one value from a row.
type Field struct {
	Selector string `yaml:"selector"`
	// Attribute reads an attribute instead of the text content.
	Attribute string `yaml:"attribute"`
	// Default is used when the selector matches nothing.
	Default string   `yaml:"default"`
	Filters []Filter `yaml:"filters"`

	compiled *Selector
}

// Filter post-processes an extracted value.
//
//	re_search [pattern, group]   first match, or the given group
//	replace   [old, new]
//	split     [sep, index]
//	trim      [cutset]
//	prepend   [prefix]
//	append    [suffix]
type Filter struct {
	Name string   `yaml:"name"`
	Args []string `yaml:"args"`

	re *regexp.Regexp
}

func (f *Field) compile() error {
	if f.Selector != "" {
		sel, err := CompileSelector(f.Selector)
		if err != nil {
			return err
		}
		f.compiled = sel
	}
	for i := range f.Filters {
		flt := &f.Filters[i]
		switch flt.Name {
		case "re_search":
			if len(flt.Args) == 0 {
				return fmt.Errorf("re_search needs a pattern")
			}
			re, err := regexp.Compile(flt.Args[0])
			if err != nil {
				return fmt.Errorf("re_search: %w", err)
			}
			flt.re = re
		case "replace", "split":
			if len(flt.Args) < 2 {
				return fmt.Errorf("%s needs two arguments", flt.Name)
			}
		case "trim", "prepend", "append":
		default:
			return fmt.Errorf("unknown filter %q", flt.Name)
		}
	}
	return nil
}

// Extract reads the field from row. An empty selector reads the row itself.
func (f *Field) Extract(row *html.Node) string {
	if f == nil {
		return ""
	}
	node := row
	if f.compiled != nil {
		node = f.compiled.First(row)
	}
	if node == nil {
		return f.Default
	}

	var v string
	if f.Attribute != "" {
		v, _ = attr(node, f.Attribute)
		v = strings.TrimSpace(v)
	} else {
		v = nodeText(node)
	}
	for _, flt := range f.Filters {
		v = flt.apply(v)
	}
	if v == "" {
		return f.Default
	}
	return v
}

func (flt Filter) apply(v string) string {
	switch flt.Name {
	case "re_search":
		m := flt.re.FindStringSubmatch(v)
		if m == nil {
			return ""
		}
		group := 0
		if len(flt.Args) > 1 {
			group, _ = strconv.Atoi(flt.Args[1])
		}
		if group < len(m) {
			return m[group]
		}
		return m[0]
	case "replace":
		return strings.ReplaceAll(v, flt.Args[0], flt.Args[1])
	case "split":
		parts := strings.Split(v, flt.Args[0])
		idx, _ := strconv.Atoi(flt.Args[1])
		if idx < 0 {
			idx += len(parts)
		}
		if idx < 0 || idx >= len(parts) {
			return ""
		}
		return strings.TrimSpace(parts[idx])
	case "trim":
		if len(flt.Args) > 0 {
			return strings.Trim(v, flt.Args[0])
		}
		return strings.TrimSpace(v)
	case "prepend":
		if v == "" || len(flt.Args) == 0 {
			return v
		}
		return flt.Args[0] + v
	case "append":
		if v == "" || len(flt.Args) == 0 {
			return v
		}
		return v + flt.Args[0]
	}
	return v
}

var sizePattern = regexp.MustCompile(`(?i)([\d.,]+)\s*(bytes|[kmgtp]i?b|b)\b`)

var sizeUnits = map[string]float64{
	"b":     1,
	"bytes": 1,
	"kb":    1 << 10,
	"kib":   1 << 10,
	"mb":    1 << 20,
	"mib":   1 << 20,
	"gb":    1 << 30,
	"gib":   1 << 30,
	"tb":    1 << 40,
	"tib":   1 << 40,
	"pb":    1 << 50,
	"pib":   1 << 50,
}

// ParseSize converts "1.5 GB", "700MiB" or a bare byte count to bytes.
// Tracker listings use binary units regardless of the suffix.
func ParseSize(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	if n, err := strconv.ParseInt(strings.ReplaceAll(s, ",", ""), 10, 64); err == nil {
		if n < 0 {
			return 0
		}
		return n
	}
	m := sizePattern.FindStringSubmatch(s)
	if m == nil {
		return 0
	}
	num, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
	if err != nil || num < 0 {
		return 0
	}
	return int64(num * sizeUnits[strings.ToLower(m[2])])
}

// ParseCount reads a non-negative integer, ignoring thousands separators.
func ParseCount(s string) int {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	if s == "" {
		return 0
	}
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil || n < 0 {
		return 0
	}
	return n
}

var defaultDateLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"2006/01/02 15:04:05",
	time.RFC1123Z,
	time.RFC1123,
	time.RFC3339,
}

// ParseDate returns RFC3339 in UTC, or empty when nothing matched.
func ParseDate(s string, layouts []string, loc *time.Location) string {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return ""
	}
	if loc == nil {
		loc = time.UTC
	}
	if len(layouts) == 0 {
		layouts = defaultDateLayouts
	}
	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t.UTC().Format(time.RFC3339)
		}
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil && n > 1_000_000_000 {
		if n > 1_000_000_000_000 {
			n /= 1000
		}
		return time.Unix(n, 0).UTC().Format(time.RFC3339)
	}
	return ""
}
