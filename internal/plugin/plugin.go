// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package plugin holds in-process extensions. A plugin declares what it can
// do with capability bits in its manifest and implements the matching
// interface; every call into a plugin runs under the handler timeout.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/flowarr/internal/domain"
	"github.com/autobrr/flowarr/internal/events"
	"github.com/autobrr/flowarr/internal/gate"
	"github.com/autobrr/flowarr/internal/indexer"
	"github.com/autobrr/flowarr/internal/models"
)

// Capability is a bit set of what a plugin provides.
type Capability uint8

const (
	CapSignIn Capability = 1 << iota
	CapIndexer
	CapDownloaderHook
)

var capabilityNames = []struct {
	c    Capability
	name string
}{
	{CapSignIn, "sign_in"},
	{CapIndexer, "indexer"},
	{CapDownloaderHook, "downloader_hook"},
}

func (c Capability) Has(other Capability) bool {
	return c&other == other
}

func (c Capability) Names() []string {
	var out []string
	for _, n := range capabilityNames {
		if c.Has(n.c) {
			out = append(out, n.name)
		}
	}
	return out
}

func (c Capability) String() string {
	return strings.Join(c.Names(), "|")
}

// ParseCapabilities reads a list like "sign_in|indexer".
func ParseCapabilities(s string) (Capability, error) {
	var c Capability
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == '|' || r == ',' || r == ' ' }) {
		found := false
		for _, n := range capabilityNames {
			if n.name == part {
				c |= n.c
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown capability %q", part)
		}
	}
	return c, nil
}

// HandlerTimeout bounds every call into a plugin.
const HandlerTimeout = 10 * time.Minute

// Manifest describes a plugin.
type Manifest struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Version      string     `json:"version"`
	Description  string     `json:"description,omitempty"`
	Capabilities Capability `json:"capabilities"`
	// Domains restricts sign_in and indexer plugins to these sites; empty means any site.
	Domains []string `json:"domains,omitempty"`
	// Parser is the site parser kind an indexer plugin serves.
	Parser string `json:"parser,omitempty"`
}

func (m *Manifest) appliesTo(site *models.Site) bool {
	if len(m.Domains) == 0 {
		return true
	}
	return slices.ContainsFunc(m.Domains, func(d string) bool { return strings.EqualFold(d, site.Domain) })
}

type Plugin interface {
	Manifest() Manifest
}

// SignIner checks in to a site, returning a short human readable result.
type SignIner interface {
	SignIn(ctx context.Context, h *gate.SiteHandle) (string, error)
}

// SiteMatcher lets a catch-all plugin decline sites it cannot handle.
type SiteMatcher interface {
	Supports(site *models.Site) bool
}

// IndexerProvider supplies a site driver for the manifest's parser kind.
type IndexerProvider interface {
	Driver() indexer.Driver
}

// DownloaderHook observes torrents added by any service.
type DownloaderHook interface {
	OnDownloadAdded(ctx context.Context, hash string, p events.DownloadAddedPayload) error
}

var (
	ErrInvalidManifest = errors.New("invalid plugin manifest")
	ErrPluginNotFound  = errors.New("plugin not found")
	ErrDisabled        = errors.New("plugin is disabled")
)

// DriverRegistry is where indexer plugins are installed.
type DriverRegistry interface {
	RegisterDriver(kind string, d indexer.Driver)
}

type entry struct {
	plugin   Plugin
	manifest Manifest
	enabled  bool
}

type Registry struct {
	mu      sync.RWMutex
	plugins map[string]*entry
	drivers DriverRegistry
	timeout time.Duration
	log     zerolog.Logger
}

func NewRegistry(drivers DriverRegistry) *Registry {
	return &Registry{
		plugins: make(map[string]*entry),
		drivers: drivers,
		timeout: HandlerTimeout,
		log:     log.With().Str("component", "plugin").Logger(),
	}
}

// Register validates the manifest against the interfaces p implements and
// enables the plugin. Indexer plugins are installed as site drivers.
func (r *Registry) Register(p Plugin) error {
	m := p.Manifest()
	if err := validate(p, &m); err != nil {
		return err
	}

	r.mu.Lock()
	if _, ok := r.plugins[m.ID]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: duplicate id %q", ErrInvalidManifest, m.ID)
	}
	r.plugins[m.ID] = &entry{plugin: p, manifest: m, enabled: true}
	r.mu.Unlock()

	if m.Capabilities.Has(CapIndexer) && r.drivers != nil {
		r.drivers.RegisterDriver(m.Parser, p.(IndexerProvider).Driver())
	}
	r.log.Info().Str("plugin", m.ID).Str("version", m.Version).Str("capabilities", m.Capabilities.String()).Msg("Plugin registered")
	return nil
}

func validate(p Plugin, m *Manifest) error {
	m.ID = strings.TrimSpace(m.ID)
	if m.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidManifest)
	}
	if _, err := semver.NewVersion(m.Version); err != nil {
		return fmt.Errorf("%w: %s: version %q: %v", ErrInvalidManifest, m.ID, m.Version, err)
	}
	if m.Capabilities == 0 {
		return fmt.Errorf("%w: %s declares no capabilities", ErrInvalidManifest, m.ID)
	}
	checks := []struct {
		c  Capability
		ok bool
	}{
		{CapSignIn, implements[SignIner](p)},
		{CapIndexer, implements[IndexerProvider](p)},
		{CapDownloaderHook, implements[DownloaderHook](p)},
	}
	for _, chk := range checks {
		if m.Capabilities.Has(chk.c) && !chk.ok {
			return fmt.Errorf("%w: %s declares %s but does not implement it", ErrInvalidManifest, m.ID, chk.c)
		}
	}
	if m.Capabilities.Has(CapIndexer) && m.Parser == "" {
		return fmt.Errorf("%w: %s: indexer plugins need a parser kind", ErrInvalidManifest, m.ID)
	}
	return nil
}

func implements[T any](p Plugin) bool {
	_, ok := p.(T)
	return ok
}

func (r *Registry) SetEnabled(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.plugins[id]
	if !ok {
		return ErrPluginNotFound
	}
	e.enabled = enabled
	return nil
}

// Info is the listing view of a registered plugin.
type Info struct {
	Manifest
	Enabled      bool     `json:"enabled"`
	Capabilities []string `json:"capabilities"`
}

func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.plugins))
	for _, e := range r.plugins {
		out = append(out, Info{Manifest: e.manifest, Enabled: e.enabled, Capabilities: e.manifest.Capabilities.Names()})
	}
	slices.SortFunc(out, func(a, b Info) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// withCapability returns enabled plugins offering c, ordered by id.
func (r *Registry) withCapability(c Capability) []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*entry
	for _, e := range r.plugins {
		if e.enabled && e.manifest.Capabilities.Has(c) {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, func(a, b *entry) int { return strings.Compare(a.manifest.ID, b.manifest.ID) })
	return out
}

// SignInFor returns the first enabled sign_in plugin that applies to site.
// Plugins naming the site's domain win over catch-all ones.
func (r *Registry) SignInFor(site *models.Site) (string, bool) {
	var fallback string
	for _, e := range r.withCapability(CapSignIn) {
		if !e.manifest.appliesTo(site) {
			continue
		}
		if m, ok := e.plugin.(SiteMatcher); ok && !m.Supports(site) {
			continue
		}
		if len(e.manifest.Domains) > 0 {
			return e.manifest.ID, true
		}
		if fallback == "" {
			fallback = e.manifest.ID
		}
	}
	return fallback, fallback != ""
}

// SignIn runs plugin id against the site under the handler timeout.
func (r *Registry) SignIn(ctx context.Context, id string, h *gate.SiteHandle) (string, error) {
	r.mu.RLock()
	e, ok := r.plugins[id]
	r.mu.RUnlock()
	if !ok {
		return "", ErrPluginNotFound
	}
	if !e.enabled {
		return "", ErrDisabled
	}
	signer, ok := e.plugin.(SignIner)
	if !ok {
		return "", fmt.Errorf("%s does not sign in", id)
	}
	var msg string
	err := r.invoke(ctx, id, func(ctx context.Context) error {
		var err error
		msg, err = signer.SignIn(ctx, h)
		return err
	})
	return msg, err
}

// HandleDownloadAdded fans a DownloadAdded event out to every enabled
// downloader hook. One failing hook does not stop the others.
func (r *Registry) HandleDownloadAdded(ctx context.Context, ev events.Event) error {
	payload, ok := ev.Payload.(events.DownloadAddedPayload)
	if !ok {
		return nil
	}
	var errs []error
	for _, e := range r.withCapability(CapDownloaderHook) {
		hook := e.plugin.(DownloaderHook)
		if err := r.invoke(ctx, e.manifest.ID, func(ctx context.Context) error {
			return hook.OnDownloadAdded(ctx, ev.Hash, payload)
		}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Attach subscribes the downloader hooks to the bus.
func (r *Registry) Attach(bus interface {
	SubscribeAsync(kind events.Kind, name string, h events.Handler)
}) {
	bus.SubscribeAsync(events.DownloadAdded, "plugin-hooks", r.HandleDownloadAdded)
}

func (r *Registry) invoke(ctx context.Context, id string, fn func(ctx context.Context) error) (err error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.log.Error().Str("plugin", id).Interface("panic", rec).Bytes("stack", debug.Stack()).Msg("Plugin panicked")
				done <- fmt.Errorf("plugin %s panicked: %v", id, rec)
			}
		}()
		done <- fn(ctx)
	}()

	select {
	case err = <-done:
	case <-ctx.Done():
		err = domain.NewError(domain.KindCancelled, "plugin "+id, ctx.Err())
	}
	if err != nil {
		r.log.Warn().Err(err).Str("plugin", id).Msg("Plugin handler failed")
	}
	return err
}
