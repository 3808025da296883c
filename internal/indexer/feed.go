// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package indexer

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/html/charset"

	"github.com/autobrr/flowarr/internal/domain"
	"github.com/autobrr/flowarr/internal/gate"
)

type rssDocument struct {
	Channel struct {
		Title string    `xml:"title"`
		Items []rssItem `xml:"item"`
	} `xml:"channel"`
}

type rssItem struct {
	Title       string `xml:"title"`
	Link        string `xml:"link"`
	Comments    string `xml:"comments"`
	GUID        string `xml:"guid"`
	Description string `xml:"description"`
	PubDate     string `xml:"pubDate"`
	Size        string `xml:"size"`
	Enclosure   struct {
		URL    string `xml:"url,attr"`
		Length string `xml:"length,attr"`
		Type   string `xml:"type,attr"`
	} `xml:"enclosure"`
	// torznab:attr and newznab:attr share the local name.
	Attrs []struct {
		Name  string `xml:"name,attr"`
		Value string `xml:"value,attr"`
	} `xml:"attr"`
}

var feedDateLayouts = []string{
	"Mon, 02 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 02 Jan 2006 15:04:05 MST",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02 15:04:05",
}

// ParseFeed reads an RSS 2.0 or torznab document into records in feed order.
func ParseFeed(data []byte, base *url.URL) ([]domain.TorrentRecord, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.CharsetReader = charset.NewReaderLabel
	dec.Strict = false

	var doc rssDocument
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}

	records := make([]domain.TorrentRecord, 0, len(doc.Channel.Items))
	for _, item := range doc.Channel.Items {
		rec := domain.TorrentRecord{
			Title:          item.Title,
			Description:    item.Description,
			DownloadFactor: 1,
			UploadFactor:   1,
			PubDate:        ParseDate(item.PubDate, feedDateLayouts, nil),
		}

		enclosure := item.Enclosure.URL
		if enclosure == "" && (strings.HasPrefix(item.Link, "magnet:") || looksLikeTorrentLink(item.Link)) {
			enclosure = item.Link
		}
		rec.Enclosure = resolveURL(base, enclosure)

		switch {
		case item.Comments != "":
			rec.PageURL = resolveURL(base, item.Comments)
		case item.Link != "" && item.Link != enclosure:
			rec.PageURL = resolveURL(base, item.Link)
		case strings.HasPrefix(item.GUID, "http"):
			rec.PageURL = item.GUID
		}

		rec.Size = ParseSize(item.Enclosure.Length)
		if rec.Size == 0 {
			rec.Size = ParseSize(item.Size)
		}

		for _, a := range item.Attrs {
			switch strings.ToLower(strings.TrimSpace(a.Name)) {
			case "size":
				if n := ParseSize(a.Value); n > 0 {
					rec.Size = n
				}
			case "seeders":
				rec.Seeders = ParseCount(a.Value)
			case "peers":
				rec.Peers = ParseCount(a.Value)
			case "leechers":
				if rec.Peers == 0 {
					rec.Peers = ParseCount(a.Value)
				}
			case "downloadvolumefactor":
				if v, err := strconv.ParseFloat(a.Value, 64); err == nil {
					rec.DownloadFactor = v
				}
			case "uploadvolumefactor":
				if v, err := strconv.ParseFloat(a.Value, 64); err == nil {
					rec.UploadFactor = v
				}
			case "imdb", "imdbid":
				v := strings.TrimSpace(a.Value)
				if v != "" && !strings.HasPrefix(v, "tt") {
					v = "tt" + v
				}
				rec.IMDbID = v
			case "magneturl":
				if rec.Enclosure == "" {
					rec.Enclosure = a.Value
				}
			}
		}

		if rec.Title == "" || rec.Enclosure == "" {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func looksLikeTorrentLink(link string) bool {
	lower := strings.ToLower(link)
	return strings.Contains(lower, "download") || strings.HasSuffix(lower, ".torrent")
}

// fetchFeed gets and parses a feed through the gate.
func fetchFeed(ctx context.Context, h *gate.SiteHandle, feedURL string) ([]domain.TorrentRecord, error) {
	site := h.Site()
	resp, err := h.Get(ctx, feedURL, &gate.RequestOptions{
		Headers: map[string][]string{"Accept": {"application/rss+xml, application/xml;q=0.9, */*;q=0.8"}},
	})
	if err != nil {
		return nil, err
	}
	base := resp.URL
	if base == nil {
		base, _ = url.Parse(feedURL)
	}
	records, err := ParseFeed(resp.Body, base)
	if err != nil {
		return nil, gate.NewParseError(site.Domain, feedURL, err)
	}
	return records, nil
}

// RSSDriver serves sites that only publish a feed. Search filters the feed
// by keyword since there is no search endpoint.
type RSSDriver struct{}

func (RSSDriver) feedURL(h *gate.SiteHandle) (string, error) {
	site := h.Site()
	if site.RSS == "" {
		return "", &domain.Error{Kind: domain.KindPreconditionFailed, Op: "rss", Err: errors.New("site has no rss url")}
	}
	return site.RSS, nil
}

func (d RSSDriver) Search(ctx context.Context, h *gate.SiteHandle, q Query) ([]domain.TorrentRecord, error) {
	records, err := d.Browse(ctx, h, q.Page)
	if err != nil || q.Keyword == "" {
		return records, err
	}
	needle := foldKeyword(q.Keyword)
	out := records[:0]
	for _, r := range records {
		if strings.Contains(foldKeyword(r.Title), needle) || strings.Contains(foldKeyword(r.Description), needle) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (d RSSDriver) Browse(ctx context.Context, h *gate.SiteHandle, page int) ([]domain.TorrentRecord, error) {
	if page > 0 {
		return nil, nil
	}
	feedURL, err := d.feedURL(h)
	if err != nil {
		return nil, err
	}
	return fetchFeed(ctx, h, feedURL)
}
