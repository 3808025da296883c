// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package indexer

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
)

// Selector is a compiled CSS selector. The supported subset covers what site
// definitions need: type, #id, .class, [attr], [attr=|^=|$=|*=|~=v],
// :first-child, :last-child, :nth-child(n|odd|even), :contains(text),
// descendant and child combinators, and comma separated groups.
type Selector struct {
	raw    string
	groups [][]step
}

type step struct {
	// combinator relates this step to the previous one: ' ' or '>'.
	combinator byte
	compound   compound
}

type compound struct {
	tag     string
	id      string
	classes []string
	attrs   []attrMatch
	pseudos []pseudo
}

type attrMatch struct {
	name  string
	op    string
	value string
}

type pseudo struct {
	name string
	arg  string
	nth  int
}

func CompileSelector(raw string) (*Selector, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty selector")
	}
	s := &Selector{raw: raw}
	for _, part := range splitTopLevel(raw, ',') {
		steps, err := parseChain(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("selector %q: %w", raw, err)
		}
		s.groups = append(s.groups, steps)
	}
	return s, nil
}

// MustCompileSelector panics on invalid input. Only for literals.
func MustCompileSelector(raw string) *Selector {
	s, err := CompileSelector(raw)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Selector) String() string {
	return s.raw
}

// splitTopLevel splits on sep outside brackets, parentheses and quotes.
func splitTopLevel(s string, sep byte) []string {
	var parts []string
	depth := 0
	var quote byte
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '[' || c == '(':
			depth++
		case c == ']' || c == ')':
			depth--
		case c == sep && depth == 0:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}

func parseChain(s string) ([]step, error) {
	if s == "" {
		return nil, fmt.Errorf("empty group")
	}
	var steps []step
	var comb byte
	for i := 0; i < len(s); {
		switch c := s[i]; c {
		case ' ', '\t', '\n', '\r':
			if len(steps) > 0 && comb == 0 {
				comb = ' '
			}
			i++
			continue
		case '>':
			if len(steps) == 0 {
				return nil, fmt.Errorf("leading combinator")
			}
			comb = '>'
			i++
			continue
		}

		cp, n, err := parseCompound(s[i:])
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, fmt.Errorf("unexpected %q at %d", s[i], i)
		}
		st := step{compound: cp}
		if len(steps) > 0 {
			st.combinator = comb
		}
		steps = append(steps, st)
		comb = 0
		i += n
	}
	if comb == '>' {
		return nil, fmt.Errorf("trailing combinator")
	}
	return steps, nil
}

func isIdentByte(c byte) bool {
	return c == '-' || c == '_' || c >= utf8.RuneSelf ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func identLen(s string) int {
	n := 0
	for n < len(s) && isIdentByte(s[n]) {
		n++
	}
	return n
}

func parseCompound(s string) (compound, int, error) {
	var cp compound
	i := 0
	if i < len(s) && s[i] == '*' {
		i++
	} else if n := identLen(s); n > 0 {
		cp.tag = strings.ToLower(s[:n])
		i = n
	}

	for i < len(s) {
		switch s[i] {
		case '#', '.':
			n := identLen(s[i+1:])
			if n == 0 {
				return cp, 0, fmt.Errorf("empty name after %q", s[i])
			}
			name := s[i+1 : i+1+n]
			if s[i] == '#' {
				cp.id = name
			} else {
				cp.classes = append(cp.classes, name)
			}
			i += 1 + n
		case '[':
			end := closingIndex(s[i:], ']')
			if end < 0 {
				return cp, 0, fmt.Errorf("unterminated attribute")
			}
			am, err := parseAttr(s[i+1 : i+end])
			if err != nil {
				return cp, 0, err
			}
			cp.attrs = append(cp.attrs, am)
			i += end + 1
		case ':':
			n := identLen(s[i+1:])
			if n == 0 {
				return cp, 0, fmt.Errorf("empty pseudo-class")
			}
			p := pseudo{name: strings.ToLower(s[i+1 : i+1+n])}
			i += 1 + n
			if i < len(s) && s[i] == '(' {
				end := closingIndex(s[i:], ')')
				if end < 0 {
					return cp, 0, fmt.Errorf("unterminated %s()", p.name)
				}
				p.arg = unquote(strings.TrimSpace(s[i+1 : i+end]))
				i += end + 1
			}
			if err := p.validate(); err != nil {
				return cp, 0, err
			}
			cp.pseudos = append(cp.pseudos, p)
		default:
			return cp, i, nil
		}
	}
	return cp, i, nil
}

// closingIndex finds the closing byte, skipping quoted sections.
func closingIndex(s string, closing byte) int {
	var quote byte
	for i := 1; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == closing:
			return i
		}
	}
	return -1
}

func parseAttr(s string) (attrMatch, error) {
	s = strings.TrimSpace(s)
	for _, op := range []string{"^=", "$=", "*=", "~=", "|=", "="} {
		if idx := strings.Index(s, op); idx > 0 {
			return attrMatch{
				name:  strings.ToLower(strings.TrimSpace(s[:idx])),
				op:    op,
				value: unquote(strings.TrimSpace(s[idx+len(op):])),
			}, nil
		}
	}
	if identLen(s) != len(s) || s == "" {
		return attrMatch{}, fmt.Errorf("invalid attribute selector %q", s)
	}
	return attrMatch{name: strings.ToLower(s)}, nil
}

func unquote(s string) string {
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

func (p *pseudo) validate() error {
	switch p.name {
	case "first-child", "last-child":
		return nil
	case "contains":
		if p.arg == "" {
			return fmt.Errorf(":contains needs an argument")
		}
		return nil
	case "nth-child":
		switch p.arg {
		case "odd":
			p.nth = -1
		case "even":
			p.nth = -2
		default:
			n, err := strconv.Atoi(p.arg)
			if err != nil || n < 1 {
				return fmt.Errorf("unsupported :nth-child(%s)", p.arg)
			}
			p.nth = n
		}
		return nil
	default:
		return fmt.Errorf("unsupported pseudo-class :%s", p.name)
	}
}

func attr(n *html.Node, name string) (string, bool) {
	for _, a := range n.Attr {
		if a.Namespace == "" && strings.EqualFold(a.Key, name) {
			return a.Val, true
		}
	}
	return "", false
}

func elementIndex(n *html.Node) (pos, total int) {
	if n.Parent == nil {
		return 1, 1
	}
	for c := n.Parent.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode {
			continue
		}
		total++
		if c == n {
			pos = total
		}
	}
	return pos, total
}

func (cp *compound) match(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if cp.tag != "" && n.Data != cp.tag {
		return false
	}
	if cp.id != "" {
		if v, _ := attr(n, "id"); v != cp.id {
			return false
		}
	}
	if len(cp.classes) > 0 {
		v, _ := attr(n, "class")
		fields := strings.Fields(v)
		for _, want := range cp.classes {
			found := false
			for _, f := range fields {
				if f == want {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
	}
	for _, am := range cp.attrs {
		v, ok := attr(n, am.name)
		if !ok || !am.matches(v) {
			return false
		}
	}
	for _, p := range cp.pseudos {
		if !p.matches(n) {
			return false
		}
	}
	return true
}

func (am attrMatch) matches(v string) bool {
	switch am.op {
	case "":
		return true
	case "=":
		return v == am.value
	case "^=":
		return am.value != "" && strings.HasPrefix(v, am.value)
	case "$=":
		return am.value != "" && strings.HasSuffix(v, am.value)
	case "*=":
		return am.value != "" && strings.Contains(v, am.value)
	case "~=":
		for _, f := range strings.Fields(v) {
			if f == am.value {
				return true
			}
		}
		return false
	case "|=":
		return v == am.value || strings.HasPrefix(v, am.value+"-")
	}
	return false
}

func (p pseudo) matches(n *html.Node) bool {
	switch p.name {
	case "first-child":
		pos, _ := elementIndex(n)
		return pos == 1
	case "last-child":
		pos, total := elementIndex(n)
		return pos == total
	case "nth-child":
		pos, _ := elementIndex(n)
		switch p.nth {
		case -1:
			return pos%2 == 1
		case -2:
			return pos%2 == 0
		default:
			return pos == p.nth
		}
	case "contains":
		return strings.Contains(nodeText(n), p.arg)
	}
	return false
}

func matchChain(n *html.Node, chain []step, scope *html.Node) bool {
	last := len(chain) - 1
	if !chain[last].compound.match(n) {
		return false
	}
	if last == 0 {
		return true
	}
	rest := chain[:last]
	switch chain[last].combinator {
	case '>':
		p := n.Parent
		return p != nil && p != scope && matchChain(p, rest, scope)
	default:
		for p := n.Parent; p != nil && p != scope; p = p.Parent {
			if matchChain(p, rest, scope) {
				return true
			}
		}
		return false
	}
}

func (s *Selector) matches(n *html.Node, scope *html.Node) bool {
	for _, chain := range s.groups {
		if matchChain(n, chain, scope) {
			return true
		}
	}
	return false
}

// All returns the descendants of root matching the selector, in document order.
func (s *Selector) All(root *html.Node) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode && s.matches(c, root) {
				out = append(out, c)
			}
			walk(c)
		}
	}
	walk(root)
	return out
}

// First returns the first matching descendant of root, or nil.
func (s *Selector) First(root *html.Node) *html.Node {
	var found *html.Node
	var walk func(*html.Node) bool
	walk = func(n *html.Node) bool {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode && s.matches(c, root) {
				found = c
				return true
			}
			if walk(c) {
				return true
			}
		}
		return false
	}
	walk(root)
	return found
}

// nodeText concatenates the text content of n with collapsed whitespace.
func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			b.WriteString(n.Data)
			b.WriteByte(' ')
		case html.ElementNode:
			if n.Data == "script" || n.Data == "style" {
				return
			}
			if n.Data == "br" {
				b.WriteByte(' ')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(b.String()), " ")
}
