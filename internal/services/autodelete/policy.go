// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package autodelete

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/autobrr/flowarr/internal/downloader"
	"github.com/autobrr/flowarr/internal/models"
)

// Namespace holds policies in the key-value store, keyed by name.
const Namespace = "autodelete"

// Action is what happens to a torrent that reached its policy limits.
type Action string

const (
	ActionDelete      Action = "delete"
	ActionDeleteFiles Action = "delete_files"
	ActionPause       Action = "pause"
)

func (a Action) Valid() bool {
	switch a {
	case ActionDelete, ActionDeleteFiles, ActionPause:
		return true
	}
	return false
}

// Policy describes which seeding torrents are removed and when. A torrent
// is acted on once it is in scope and any configured limit is reached.
type Policy struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
	Action  Action `json:"action"`

	// Downloaders limits the policy to these client ids; empty means all.
	Downloaders []int `json:"downloaders,omitempty"`

	SeedRatio       float64 `json:"seedRatio,omitempty"`
	SeedTimeMinutes int     `json:"seedTimeMinutes,omitempty"`
	// MinUpSpeed removes torrents whose average upload rate since completion
	// fell below this many bytes per second.
	MinUpSpeed int64 `json:"minUpSpeed,omitempty"`

	MatchAll          bool     `json:"matchAll"`
	Categories        []string `json:"categories,omitempty"`
	ExcludeCategories bool     `json:"excludeCategories,omitempty"`
	Tags              []string `json:"tags,omitempty"`
	ExcludeTags       bool     `json:"excludeTags,omitempty"`
	Trackers          []string `json:"trackers,omitempty"`
	ExcludeTrackers   bool     `json:"excludeTrackers,omitempty"`
}

var ErrInvalidPolicy = errors.New("invalid auto-delete policy")

func (p *Policy) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidPolicy)
	}
	if !p.Action.Valid() {
		return fmt.Errorf("%w: unknown action %q", ErrInvalidPolicy, p.Action)
	}
	if p.SeedRatio <= 0 && p.SeedTimeMinutes <= 0 && p.MinUpSpeed <= 0 {
		return fmt.Errorf("%w: %s has no limit", ErrInvalidPolicy, p.Name)
	}
	return nil
}

func (p *Policy) appliesTo(downloaderID int) bool {
	return len(p.Downloaders) == 0 || slices.Contains(p.Downloaders, downloaderID)
}

// inScope applies exclusions first, then requires one inclusion match
// unless MatchAll is set.
func (p *Policy) inScope(t *downloader.Torrent) bool {
	trackerDomain := trackerDomain(t.Tracker)

	if p.ExcludeCategories && containsFold(p.Categories, t.Category) {
		return false
	}
	if p.ExcludeTags && slices.ContainsFunc(p.Tags, t.HasTag) {
		return false
	}
	if p.ExcludeTrackers && trackerDomain != "" && containsFold(p.Trackers, trackerDomain) {
		return false
	}
	if p.MatchAll {
		return true
	}

	if !p.ExcludeCategories && containsFold(p.Categories, t.Category) {
		return true
	}
	if !p.ExcludeTags && slices.ContainsFunc(p.Tags, t.HasTag) {
		return true
	}
	if !p.ExcludeTrackers && trackerDomain != "" && containsFold(p.Trackers, trackerDomain) {
		return true
	}
	return false
}

// reached returns the first limit the torrent has hit, or "".
func (p *Policy) reached(t *downloader.Torrent, now time.Time) string {
	if p.SeedRatio > 0 && t.Ratio >= p.SeedRatio {
		return fmt.Sprintf("ratio %.2f >= %s", t.Ratio, strconv.FormatFloat(p.SeedRatio, 'f', -1, 64))
	}
	seeding := t.SeedingTime
	if seeding == 0 && !t.CompletedAt.IsZero() {
		seeding = now.Sub(t.CompletedAt)
	}
	if p.SeedTimeMinutes > 0 && seeding >= time.Duration(p.SeedTimeMinutes)*time.Minute {
		return fmt.Sprintf("seeded %s", seeding.Truncate(time.Minute))
	}
	if p.MinUpSpeed > 0 && seeding >= time.Hour {
		avg := int64(float64(t.Uploaded) / seeding.Seconds())
		if avg < p.MinUpSpeed {
			return fmt.Sprintf("average upload %d B/s < %d B/s", avg, p.MinUpSpeed)
		}
	}
	return ""
}

func containsFold(list []string, v string) bool {
	if v == "" {
		return false
	}
	return slices.ContainsFunc(list, func(s string) bool { return strings.EqualFold(strings.TrimSpace(s), v) })
}

func trackerDomain(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if u, err := url.Parse(raw); err == nil && u.Hostname() != "" {
		return u.Hostname()
	}
	return raw
}

// KV is the slice of the key-value store policies live in.
type KV interface {
	Set(ctx context.Context, namespace, key string, value any) error
	Get(ctx context.Context, namespace, key string, dest any) error
	Delete(ctx context.Context, namespace, key string) error
	Keys(ctx context.Context, namespace string) ([]string, error)
}

// PolicyStore persists policies as JSON blobs.
type PolicyStore struct {
	kv KV
}

func NewPolicyStore(kv KV) *PolicyStore {
	return &PolicyStore{kv: kv}
}

func (s *PolicyStore) Save(ctx context.Context, p *Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	return s.kv.Set(ctx, Namespace, p.Name, p)
}

func (s *PolicyStore) Get(ctx context.Context, name string) (*Policy, error) {
	var p Policy
	if err := s.kv.Get(ctx, Namespace, name, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// List returns every stored policy ordered by name.
func (s *PolicyStore) List(ctx context.Context) ([]*Policy, error) {
	keys, err := s.kv.Keys(ctx, Namespace)
	if err != nil {
		return nil, err
	}
	out := make([]*Policy, 0, len(keys))
	for _, key := range keys {
		p, err := s.Get(ctx, key)
		if err != nil {
			if errors.Is(err, models.ErrKeyNotFound) {
				continue
			}
			return nil, fmt.Errorf("load policy %s: %w", key, err)
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *PolicyStore) Delete(ctx context.Context, name string) error {
	return s.kv.Delete(ctx, Namespace, name)
}
