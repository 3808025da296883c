// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/autobrr/flowarr/internal/dbinterface"
)

var (
	ErrSiteNotFound      = errors.New("site not found")
	ErrSiteDomainInvalid = errors.New("site domain is invalid")
)

// Site parser kinds understood by the indexer layer.
const (
	ParserSpider  = "spider"
	ParserRSS     = "rss"
	ParserTorznab = "torznab"
)

type Site struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	Domain   string `json:"domain"`
	URL      string `json:"url"`
	Priority int    `json:"priority"`
	Cookie   string `json:"cookie,omitempty"`
	UA       string `json:"ua,omitempty"`
	Proxy    bool   `json:"proxy"`
	Render   bool   `json:"render"`
	Public   bool   `json:"public"`
	RSS      string `json:"rss,omitempty"`
	Filter   string `json:"filter,omitempty"`
	Parser   string `json:"parser"`
	// LimitInterval is the budget window in minutes.
	LimitInterval int `json:"limitInterval"`
	LimitCount    int `json:"limitCount"`
	// LimitSeconds is the cooldown imposed after the budget is exhausted or a challenge page is seen.
	LimitSeconds int       `json:"limitSeconds"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// HasBudget reports whether the site carries a request budget.
func (s *Site) HasBudget() bool {
	return s.LimitInterval > 0 && s.LimitCount > 0
}

// NormalizeDomain reduces a URL or host to a lowercase host without port or leading www.
func NormalizeDomain(raw string) (string, error) {
	raw = strings.TrimSpace(strings.ToLower(raw))
	if raw == "" {
		return "", ErrSiteDomainInvalid
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "", ErrSiteDomainInvalid
	}
	return strings.TrimPrefix(u.Hostname(), "www."), nil
}

type SiteStore struct {
	db dbinterface.Querier
}

func NewSiteStore(db dbinterface.Querier) *SiteStore {
	return &SiteStore{db: db}
}

const siteColumns = `id, name, domain, url, priority, cookie, ua, proxy, render, public, rss, filter, parser,
	limit_interval, limit_count, limit_seconds, active, created_at, updated_at`

func scanSite(scanner interface{ Scan(dest ...any) error }) (*Site, error) {
	var s Site
	if err := scanner.Scan(
		&s.ID, &s.Name, &s.Domain, &s.URL, &s.Priority, &s.Cookie, &s.UA, &s.Proxy, &s.Render, &s.Public,
		&s.RSS, &s.Filter, &s.Parser, &s.LimitInterval, &s.LimitCount, &s.LimitSeconds, &s.Active,
		&s.CreatedAt, &s.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *SiteStore) Create(ctx context.Context, site *Site) (*Site, error) {
	if site == nil {
		return nil, errors.New("site is nil")
	}

	domain, err := NormalizeDomain(firstNonEmpty(site.Domain, site.URL))
	if err != nil {
		return nil, err
	}
	parser := site.Parser
	if parser == "" {
		parser = ParserSpider
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sites (name, domain, url, priority, cookie, ua, proxy, render, public, rss, filter, parser,
			limit_interval, limit_count, limit_seconds, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, strings.TrimSpace(site.Name), domain, strings.TrimSpace(site.URL), site.Priority, site.Cookie, site.UA,
		site.Proxy, site.Render, site.Public, site.RSS, site.Filter, parser,
		site.LimitInterval, site.LimitCount, site.LimitSeconds, site.Active)
	if err != nil {
		return nil, fmt.Errorf("insert site: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, int(id))
}

func (s *SiteStore) Update(ctx context.Context, site *Site) (*Site, error) {
	if site == nil {
		return nil, errors.New("site is nil")
	}

	domain, err := NormalizeDomain(firstNonEmpty(site.Domain, site.URL))
	if err != nil {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE sites
		SET name = ?, domain = ?, url = ?, priority = ?, cookie = ?, ua = ?, proxy = ?, render = ?, public = ?,
			rss = ?, filter = ?, parser = ?, limit_interval = ?, limit_count = ?, limit_seconds = ?, active = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, site.Name, domain, site.URL, site.Priority, site.Cookie, site.UA, site.Proxy, site.Render, site.Public,
		site.RSS, site.Filter, site.Parser, site.LimitInterval, site.LimitCount, site.LimitSeconds, site.Active, site.ID)
	if err != nil {
		return nil, fmt.Errorf("update site: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrSiteNotFound
	}
	return s.Get(ctx, site.ID)
}

// UpdateCookie replaces the cookie for the site owning domain. Used by cookie sync.
func (s *SiteStore) UpdateCookie(ctx context.Context, domain, cookie string) (bool, error) {
	normalized, err := NormalizeDomain(strings.TrimPrefix(strings.TrimSpace(domain), "."))
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sites SET cookie = ?, updated_at = CURRENT_TIMESTAMP WHERE domain = ? AND cookie != ?
	`, cookie, normalized, cookie)
	if err != nil {
		return false, fmt.Errorf("update cookie: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SiteStore) Get(ctx context.Context, id int) (*Site, error) {
	site, err := scanSite(s.db.QueryRowContext(ctx, `SELECT `+siteColumns+` FROM sites WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSiteNotFound
	}
	return site, err
}

func (s *SiteStore) GetByDomain(ctx context.Context, domain string) (*Site, error) {
	normalized, err := NormalizeDomain(domain)
	if err != nil {
		return nil, err
	}
	site, err := scanSite(s.db.QueryRowContext(ctx, `SELECT `+siteColumns+` FROM sites WHERE domain = ?`, normalized))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSiteNotFound
	}
	return site, err
}

// List returns every site ordered by priority (higher first) then name.
func (s *SiteStore) List(ctx context.Context) ([]*Site, error) {
	return s.query(ctx, `SELECT `+siteColumns+` FROM sites ORDER BY priority DESC, name COLLATE NOCASE ASC`)
}

func (s *SiteStore) ListActive(ctx context.Context) ([]*Site, error) {
	return s.query(ctx, `SELECT `+siteColumns+` FROM sites WHERE active = 1 ORDER BY priority DESC, name COLLATE NOCASE ASC`)
}

func (s *SiteStore) query(ctx context.Context, query string, args ...any) ([]*Site, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sites []*Site
	for rows.Next() {
		site, err := scanSite(rows)
		if err != nil {
			return nil, err
		}
		sites = append(sites, site)
	}
	return sites, rows.Err()
}

func (s *SiteStore) Delete(ctx context.Context, id int) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sites WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSiteNotFound
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
