// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package indexer

import (
	"bytes"
	"context"
	"errors"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"

	"github.com/autobrr/flowarr/internal/domain"
	"github.com/autobrr/flowarr/internal/gate"
	"github.com/autobrr/flowarr/internal/models"
)

// SpiderDriver scrapes listing pages using the site's selector definition.
type SpiderDriver struct {
	defs *Definitions
}

func NewSpiderDriver(defs *Definitions) *SpiderDriver {
	return &SpiderDriver{defs: defs}
}

func (d *SpiderDriver) definition(site *models.Site) (*Definition, error) {
	def := d.defs.For(site)
	if def == nil {
		return nil, &domain.Error{Kind: domain.KindPreconditionFailed, Op: "spider", Err: errors.New("no site definition for " + site.Domain)}
	}
	return def, nil
}

func (d *SpiderDriver) Search(ctx context.Context, h *gate.SiteHandle, q Query) ([]domain.TorrentRecord, error) {
	site := h.Site()
	def, err := d.definition(site)
	if err != nil {
		return nil, err
	}
	pageURL, err := def.searchURL(site, q)
	if err != nil {
		return nil, err
	}
	return d.scrape(ctx, h, def, pageURL)
}

func (d *SpiderDriver) Browse(ctx context.Context, h *gate.SiteHandle, page int) ([]domain.TorrentRecord, error) {
	site := h.Site()
	def, err := d.definition(site)
	if err != nil {
		return nil, err
	}
	pageURL, err := def.browseURL(site, page)
	if err != nil {
		return nil, err
	}
	return d.scrape(ctx, h, def, pageURL)
}

func (d *SpiderDriver) scrape(ctx context.Context, h *gate.SiteHandle, def *Definition, pageURL string) ([]domain.TorrentRecord, error) {
	doc, base, err := fetchDocument(ctx, h, def, pageURL)
	if err != nil {
		return nil, err
	}
	return def.parseRows(doc, base), nil
}

func fetchDocument(ctx context.Context, h *gate.SiteHandle, def *Definition, pageURL string) (*html.Node, *url.URL, error) {
	site := h.Site()
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, nil, gate.NewParseError(site.Domain, pageURL, err)
	}

	if site.Render {
		page, err := h.Render(ctx, pageURL)
		if err != nil {
			return nil, nil, err
		}
		doc, err := html.Parse(strings.NewReader(page))
		if err != nil {
			return nil, nil, gate.NewParseError(site.Domain, pageURL, err)
		}
		return doc, base, nil
	}

	resp, err := h.Get(ctx, pageURL, nil)
	if err != nil {
		return nil, nil, err
	}
	if def.LoginPath != "" && resp.URL != nil && strings.Contains(resp.URL.Path, def.LoginPath) {
		return nil, nil, &gate.Error{
			Kind:   domain.KindAuthFailed,
			Domain: site.Domain,
			URL:    pageURL,
			Err:    errors.New("redirected to login page, cookie expired"),
		}
	}

	reader, err := charset.NewReader(bytes.NewReader(resp.Body), resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, nil, gate.NewParseError(site.Domain, pageURL, err)
	}
	doc, err := html.Parse(reader)
	if err != nil {
		return nil, nil, gate.NewParseError(site.Domain, pageURL, err)
	}
	if resp.URL != nil {
		base = resp.URL
	}
	return doc, base, nil
}

func siteRoot(site *models.Site) (*url.URL, error) {
	raw := site.URL
	if raw == "" {
		raw = "https://" + site.Domain + "/"
	}
	if !strings.HasSuffix(raw, "/") {
		raw += "/"
	}
	return url.Parse(raw)
}

func (def *Definition) searchURL(site *models.Site, q Query) (string, error) {
	root, err := siteRoot(site)
	if err != nil {
		return "", err
	}
	u, err := root.Parse(def.Search.Path)
	if err != nil {
		return "", err
	}
	values := u.Query()
	for k, v := range def.Search.Params {
		values.Set(k, v)
	}
	if cats, ok := def.Search.Categories[string(q.MediaType)]; ok {
		for k, v := range cats {
			values.Set(k, v)
		}
	}
	if def.Search.KeywordParam != "" && q.Keyword != "" {
		values.Set(def.Search.KeywordParam, q.Keyword)
	}
	if def.Search.PageParam != "" {
		values.Set(def.Search.PageParam, strconv.Itoa(def.Search.PageStart+q.Page))
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

func (def *Definition) browseURL(site *models.Site, page int) (string, error) {
	root, err := siteRoot(site)
	if err != nil {
		return "", err
	}
	path := def.Browse.Path
	if path == "" {
		path = def.Search.Path
	}
	u, err := root.Parse(path)
	if err != nil {
		return "", err
	}
	values := u.Query()
	for k, v := range def.Browse.Params {
		values.Set(k, v)
	}
	if def.Browse.PageParam != "" {
		values.Set(def.Browse.PageParam, strconv.Itoa(def.Browse.PageStart+page))
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

// parseRows yields records in source order. Rows without a title or a
// download location are dropped.
func (def *Definition) parseRows(doc *html.Node, base *url.URL) []domain.TorrentRecord {
	rows := def.rows.All(doc)
	if def.Rows.Skip > 0 {
		if def.Rows.Skip >= len(rows) {
			return nil
		}
		rows = rows[def.Rows.Skip:]
	}

	records := make([]domain.TorrentRecord, 0, len(rows))
	for _, row := range rows {
		rec := domain.TorrentRecord{DownloadFactor: 1, UploadFactor: 1}

		rec.Title = def.Fields.Title.Extract(row)
		if rec.Title == "" && def.Fields.Title.compiled != nil {
			if n := def.Fields.Title.compiled.First(row); n != nil {
				rec.Title = nodeText(n)
			}
		}
		rec.Description = def.Fields.Description.Extract(row)
		rec.PageURL = resolveURL(base, def.Fields.Details.Extract(row))

		download := def.Fields.Download.Extract(row)
		if download == "" && def.DownloadTemplate != "" && rec.PageURL != "" {
			if id := detailsID(rec.PageURL); id != "" {
				download = strings.ReplaceAll(def.DownloadTemplate, "{id}", id)
			}
		}
		rec.Enclosure = resolveURL(base, download)

		rec.Size = ParseSize(def.Fields.Size.Extract(row))
		rec.Seeders = ParseCount(def.Fields.Seeders.Extract(row))
		rec.Peers = ParseCount(def.Fields.Peers.Extract(row))
		rec.PubDate = ParseDate(def.Fields.Date.Extract(row), def.DateLayouts, def.location)
		rec.FreeDeadline = ParseDate(def.Fields.FreeDeadline.Extract(row), def.DateLayouts, def.location)
		rec.IMDbID = def.Fields.IMDb.Extract(row)

		for _, p := range def.Promos {
			if p.compiled.First(row) != nil {
				rec.DownloadFactor = p.Down
				rec.UploadFactor = p.Up
				break
			}
		}
		if def.HR != nil && def.HR.compiled.First(row) != nil {
			rec.HitAndRun = true
		}

		if rec.Title == "" || rec.Enclosure == "" {
			continue
		}
		records = append(records, rec)
	}
	return records
}

func resolveURL(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	if strings.HasPrefix(strings.ToLower(ref), "magnet:") {
		return ref
	}
	if base == nil {
		return ref
	}
	u, err := base.Parse(ref)
	if err != nil {
		return ""
	}
	return u.String()
}

func detailsID(pageURL string) string {
	u, err := url.Parse(pageURL)
	if err != nil {
		return ""
	}
	return u.Query().Get("id")
}
