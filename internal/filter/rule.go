// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package filter implements the rule language shared by subscriptions, search and brush.
//
// A rule is a ';' separated list of groups. Each group is a '&' separated list of predicates.
// Groups are ORed, predicates inside a group are ANDed. The first matching group decides the
// priority: group n (1-based) yields 100-n+1.
//
// Predicates:
//
//	word            case-insensitive substring of the title
//	re:<regex>      regex over title and description
//	size:<a>-<b>    size range in GB, either bound optional
//	seeders:<a>-<b> seeder range
//	age:<a>-<b>     minutes since publication
//	res:<a>-<b>     resolution range, e.g. res:1080p- or res:720p-1080p
//	enc:<a>|<b>     any of the encoding tokens (x265, hevc, h264, ...)
//	FREE, 2XFREE    promotions
//	HNR             hit-and-run flagged
//	4K, 1080P, 720P, BLURAY, REMUX, WEBDL, H265, H264, HDR, DOLBY
//	expr:<expr>     boolean expr-lang expression over the record
//	!<predicate>    negation of any of the above
//
// re: and expr: consume the rest of their group, so their bodies may contain '&'.
package filter

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/moistari/rls"

	"github.com/autobrr/flowarr/internal/domain"
)

const MaxPriority = 100

// predicate reports whether a record satisfies one atomic condition.
type predicate interface {
	match(c *candidate) bool
}

// candidate caches per-record derived values while a rule is evaluated.
type candidate struct {
	rec     *domain.TorrentRecord
	now     time.Time
	release *rls.Release
	lower   string
}

func newCandidate(rec *domain.TorrentRecord, now time.Time) *candidate {
	return &candidate{rec: rec, now: now, lower: strings.ToLower(rec.Title)}
}

func (c *candidate) parsed() *rls.Release {
	if c.release == nil {
		r := rls.ParseString(c.rec.Title)
		c.release = &r
	}
	return c.release
}

// Rule is a compiled rule. The zero Rule matches everything with MaxPriority.
type Rule struct {
	source string
	groups [][]predicate
}

func (r *Rule) String() string {
	return r.source
}

// Empty reports whether the rule carries no groups.
func (r *Rule) Empty() bool {
	return r == nil || len(r.groups) == 0
}

// Compile parses a rule string.
func Compile(rule string) (*Rule, error) {
	out := &Rule{source: strings.TrimSpace(rule)}
	if out.source == "" {
		return out, nil
	}

	for gi, group := range strings.Split(out.source, ";") {
		group = strings.TrimSpace(group)
		if group == "" {
			continue
		}
		var preds []predicate
		for _, token := range splitPredicates(group) {
			p, err := parsePredicate(token)
			if err != nil {
				return nil, fmt.Errorf("group %d: %q: %w", gi+1, token, err)
			}
			preds = append(preds, p)
		}
		if len(preds) > 0 {
			out.groups = append(out.groups, preds)
		}
	}
	return out, nil
}

// splitPredicates cuts a group at '&'. A re: or expr: predicate takes
// everything after it as its body.
func splitPredicates(group string) []string {
	parts := strings.Split(group, "&")
	var out []string
	for i, part := range parts {
		token := strings.TrimSpace(part)
		if token == "" {
			continue
		}
		if takesRest(token) {
			out = append(out, strings.TrimSpace(strings.Join(parts[i:], "&")))
			break
		}
		out = append(out, token)
	}
	return out
}

func takesRest(token string) bool {
	token = strings.ToLower(strings.TrimLeft(token, "! \t"))
	return strings.HasPrefix(token, "re:") || strings.HasPrefix(token, "expr:")
}

// Match returns the priority of the first matching group.
func (r *Rule) Match(rec *domain.TorrentRecord) (int, bool) {
	return r.matchAt(rec, time.Now())
}

func (r *Rule) matchAt(rec *domain.TorrentRecord, now time.Time) (int, bool) {
	if r.Empty() {
		return MaxPriority, true
	}
	c := newCandidate(rec, now)
	for i, group := range r.groups {
		if groupMatches(group, c) {
			return PriorityForGroup(i + 1), true
		}
	}
	return 0, false
}

// PriorityForGroup maps a 1-based group index to a priority in [0, 100].
func PriorityForGroup(index int) int {
	return max(MaxPriority-index+1, 0)
}

func groupMatches(group []predicate, c *candidate) bool {
	for _, p := range group {
		if !p.match(c) {
			return false
		}
	}
	return true
}

func parsePredicate(token string) (predicate, error) {
	if rest, ok := strings.CutPrefix(token, "!"); ok {
		inner, err := parsePredicate(strings.TrimSpace(rest))
		if err != nil {
			return nil, err
		}
		return notPred{inner}, nil
	}

	key, value, hasKey := strings.Cut(token, ":")
	if hasKey {
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "re":
			re, err := regexp.Compile("(?i)" + value)
			if err != nil {
				return nil, err
			}
			return regexPred{re}, nil
		case "size":
			lo, hi, err := parseRange(value, parseFloat)
			if err != nil {
				return nil, err
			}
			return sizePred{lo: lo, hi: hi}, nil
		case "seeders":
			lo, hi, err := parseRange(value, parseFloat)
			if err != nil {
				return nil, err
			}
			return seedersPred{lo: lo, hi: hi}, nil
		case "age":
			lo, hi, err := parseRange(value, parseFloat)
			if err != nil {
				return nil, err
			}
			return agePred{lo: lo, hi: hi}, nil
		case "res":
			lo, hi, err := parseRange(value, parseResolution)
			if err != nil {
				return nil, err
			}
			return resolutionPred{lo: lo, hi: hi}, nil
		case "enc":
			var tokens []string
			for _, t := range strings.Split(value, "|") {
				if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
					tokens = append(tokens, t)
				}
			}
			if len(tokens) == 0 {
				return nil, fmt.Errorf("enc needs at least one token")
			}
			return encodingPred{tokens: tokens}, nil
		case "expr":
			program, err := expr.Compile(value, expr.Env(exprEnv{}), expr.AsBool())
			if err != nil {
				return nil, err
			}
			return exprPred{program: program}, nil
		}
	}

	if p, ok := namedPredicates[strings.ToUpper(token)]; ok {
		return p, nil
	}
	return substringPred{strings.ToLower(token)}, nil
}

type bound struct {
	v   float64
	set bool
}

func parseRange(value string, parse func(string) (float64, error)) (bound, bound, error) {
	value = strings.TrimSpace(value)
	loStr, hiStr, isRange := strings.Cut(value, "-")
	if !isRange {
		v, err := parse(value)
		if err != nil {
			return bound{}, bound{}, err
		}
		return bound{v: v, set: true}, bound{}, nil
	}

	var lo, hi bound
	if s := strings.TrimSpace(loStr); s != "" {
		v, err := parse(s)
		if err != nil {
			return bound{}, bound{}, err
		}
		lo = bound{v: v, set: true}
	}
	if s := strings.TrimSpace(hiStr); s != "" {
		v, err := parse(s)
		if err != nil {
			return bound{}, bound{}, err
		}
		hi = bound{v: v, set: true}
	}
	if !lo.set && !hi.set {
		return bound{}, bound{}, fmt.Errorf("empty range")
	}
	return lo, hi, nil
}

func inRange(v float64, lo, hi bound) bool {
	if lo.set && v < lo.v {
		return false
	}
	if hi.set && v > hi.v {
		return false
	}
	return true
}

func parseFloat(s string) (float64, error) {
	return strconv.ParseFloat(s, 64)
}

var resolutionRe = regexp.MustCompile(`(?i)\b(2160|1080|720|576|480)[pi]\b`)

func parseResolution(s string) (float64, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "4k", "uhd", "2160p":
		return 2160, nil
	case "1080p", "1080i", "1080":
		return 1080, nil
	case "720p", "720":
		return 720, nil
	case "576p", "576":
		return 576, nil
	case "480p", "480", "sd":
		return 480, nil
	}
	return 0, fmt.Errorf("unknown resolution %q", s)
}

// Resolution returns the vertical resolution advertised by a release title, or 0.
func Resolution(title string) int {
	lower := strings.ToLower(title)
	if m := resolutionRe.FindStringSubmatch(lower); m != nil {
		v, _ := strconv.Atoi(m[1])
		return v
	}
	if strings.Contains(lower, "4k") || strings.Contains(lower, "uhd") {
		return 2160
	}
	if r := rls.ParseString(title); r.Resolution != "" {
		if v, err := parseResolution(r.Resolution); err == nil {
			return int(v)
		}
	}
	return 0
}

type notPred struct{ inner predicate }

func (p notPred) match(c *candidate) bool { return !p.inner.match(c) }

type substringPred struct{ needle string }

func (p substringPred) match(c *candidate) bool { return strings.Contains(c.lower, p.needle) }

type regexPred struct{ re *regexp.Regexp }

func (p regexPred) match(c *candidate) bool {
	return p.re.MatchString(c.rec.Title) || (c.rec.Description != "" && p.re.MatchString(c.rec.Description))
}

const gib = 1 << 30

type sizePred struct{ lo, hi bound }

func (p sizePred) match(c *candidate) bool {
	return inRange(float64(c.rec.Size)/gib, p.lo, p.hi)
}

type seedersPred struct{ lo, hi bound }

func (p seedersPred) match(c *candidate) bool { return inRange(float64(c.rec.Seeders), p.lo, p.hi) }

type agePred struct{ lo, hi bound }

func (p agePred) match(c *candidate) bool {
	age := c.rec.AgeMinutes(c.now)
	if age < 0 {
		return false
	}
	return inRange(float64(age), p.lo, p.hi)
}

type resolutionPred struct{ lo, hi bound }

func (p resolutionPred) match(c *candidate) bool {
	res := Resolution(c.rec.Title)
	if res == 0 {
		return false
	}
	return inRange(float64(res), p.lo, p.hi)
}

type encodingPred struct{ tokens []string }

func (p encodingPred) match(c *candidate) bool {
	codecs := make([]string, 0, 4)
	for _, codec := range c.parsed().Codec {
		codecs = append(codecs, strings.ToLower(codec))
	}
	for _, t := range p.tokens {
		if containsToken(c.lower, t) {
			return true
		}
		for _, codec := range codecs {
			if codec == t {
				return true
			}
		}
	}
	return false
}

var tokenSplit = regexp.MustCompile(`[\s.\-_\[\]()]+`)

func containsToken(lowerTitle, token string) bool {
	for _, part := range tokenSplit.Split(lowerTitle, -1) {
		if part == token {
			return true
		}
	}
	return false
}

type funcPred func(c *candidate) bool

func (p funcPred) match(c *candidate) bool { return p(c) }

func titleRegex(pattern string) funcPred {
	re := regexp.MustCompile(pattern)
	return func(c *candidate) bool { return re.MatchString(c.rec.Title) }
}

var namedPredicates = map[string]predicate{
	"FREE":   funcPred(func(c *candidate) bool { return c.rec.IsFree() }),
	"2XFREE": funcPred(func(c *candidate) bool { return c.rec.IsDoubleUpFree() }),
	"HNR":    funcPred(func(c *candidate) bool { return c.rec.HitAndRun }),
	"4K":     funcPred(func(c *candidate) bool { return Resolution(c.rec.Title) == 2160 }),
	"1080P":  funcPred(func(c *candidate) bool { return Resolution(c.rec.Title) == 1080 }),
	"720P":   funcPred(func(c *candidate) bool { return Resolution(c.rec.Title) == 720 }),
	"BLURAY": titleRegex(`(?i)blu-?ray|\bbd(rip|remux)?\b`),
	"REMUX":  titleRegex(`(?i)\bremux\b`),
	"WEBDL":  titleRegex(`(?i)\bweb-?(dl|rip)?\b`),
	"H265":   titleRegex(`(?i)\b(x|h)\.?265\b|\bhevc\b`),
	"H264":   titleRegex(`(?i)\b(x|h)\.?264\b|\bavc\b`),
	"HDR":    titleRegex(`(?i)\bhdr(10\+?)?\b|\bdv\b|dolby.?vision`),
	"DOLBY":  titleRegex(`(?i)\bdolby\b|\batmos\b|\btruehd\b|\bdd\+?\b`),
}

// exprEnv is the environment visible to expr: predicates.
type exprEnv struct {
	Title          string
	Description    string
	Size           int64
	SizeGB         float64
	Seeders        int
	Peers          int
	AgeMinutes     int
	UploadFactor   float64
	DownloadFactor float64
	HitAndRun      bool
	Resolution     int
	Site           string
}

type exprPred struct{ program *vm.Program }

func (p exprPred) match(c *candidate) bool {
	env := exprEnv{
		Title:          c.rec.Title,
		Description:    c.rec.Description,
		Size:           c.rec.Size,
		SizeGB:         float64(c.rec.Size) / gib,
		Seeders:        c.rec.Seeders,
		Peers:          c.rec.Peers,
		AgeMinutes:     c.rec.AgeMinutes(c.now),
		UploadFactor:   c.rec.UploadFactor,
		DownloadFactor: c.rec.DownloadFactor,
		HitAndRun:      c.rec.HitAndRun,
		Resolution:     Resolution(c.rec.Title),
		Site:           c.rec.SiteDomain,
	}
	out, err := expr.Run(p.program, env)
	if err != nil {
		return false
	}
	b, ok := out.(bool)
	return ok && b
}
