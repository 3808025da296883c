// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package indexer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"

	"github.com/autobrr/flowarr/internal/domain"
	"github.com/autobrr/flowarr/internal/gate"
	"github.com/autobrr/flowarr/internal/models"
)

const nexusListing = `<html><body>
<table class="torrents">
<tr><td class="colhead">Type</td><td class="colhead">Name</td><td class="colhead">C</td><td class="colhead">Added</td><td class="colhead">Size</td><td class="colhead">S</td><td class="colhead">L</td></tr>
<tr>
  <td class="rowfollow"><img alt="Movies"></td>
  <td class="rowfollow"><table class="torrentname"><tr>
    <td class="embedded"><a title="Dune.Part.Two.2024.2160p.WEB-DL.H265-GRP" href="details.php?id=101"><b>Dune</b></a>
      <img class="pro_free2up" src="pic/trans.gif"> <span title="2025-03-02 12:00:00">2d</span><br>沙丘2 | Dune Part Two
      <a href="https://www.imdb.com/title/tt15239678/">IMDb</a></td>
    <td><a href="download.php?id=101&amp;passkey=abc">DL</a></td>
  </tr></table></td>
  <td class="rowfollow">3</td>
  <td class="rowfollow"><span title="2025-03-01 08:00:00">1 day</span></td>
  <td class="rowfollow">15.2 GB</td>
  <td class="rowfollow">1,024</td>
  <td class="rowfollow">12</td>
</tr>
<tr>
  <td class="rowfollow"><img alt="TV"></td>
  <td class="rowfollow"><table class="torrentname"><tr>
    <td class="embedded"><a title="The.Bear.S03E01.1080p.WEB-DL" href="details.php?id=102"><b>The Bear</b></a>
      <img class="hitandrun" src="pic/hr.gif"></td>
  </tr></table></td>
  <td class="rowfollow">0</td>
  <td class="rowfollow"><span title="2025-02-28 20:30:00">2 days</span></td>
  <td class="rowfollow">2.1 GiB</td>
  <td class="rowfollow">0</td>
  <td class="rowfollow">3</td>
</tr>
<tr>
  <td class="rowfollow"></td>
  <td class="rowfollow">broken row</td>
</tr>
</table>
</body></html>`

func testGate() *gate.Gate {
	return gate.New(gate.Config{UserAgent: "flowarr-test", RetryDelay: time.Millisecond, RetryMaxDelay: time.Millisecond})
}

func siteFor(t *testing.T, srv *httptest.Server, name string) *models.Site {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return &models.Site{ID: 7, Name: name, Domain: u.Hostname(), URL: srv.URL + "/", Priority: 3, Parser: models.ParserSpider, Active: true}
}

func TestSpiderSearchWithBuiltinDefinition(t *testing.T) {
	var gotQuery url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/torrents.php", r.URL.Path)
		gotQuery = r.URL.Query()
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(nexusListing))
	}))
	defer srv.Close()

	defs, err := LoadDefinitions("")
	require.NoError(t, err)
	ix := New(testGate(), defs, 0)
	site := siteFor(t, srv, "nexus")

	records, err := ix.Search(context.Background(), site, "Dune", models.MediaMovie, 1)
	require.NoError(t, err)

	assert.Equal(t, "Dune", gotQuery.Get("search"))
	assert.Equal(t, "1", gotQuery.Get("page"))
	assert.Equal(t, "1", gotQuery.Get("cat401"))

	require.Len(t, records, 2, "row without a title is dropped")

	dune := records[0]
	assert.Equal(t, "Dune.Part.Two.2024.2160p.WEB-DL.H265-GRP", dune.Title)
	assert.Equal(t, srv.URL+"/download.php?id=101&passkey=abc", dune.Enclosure)
	assert.Equal(t, srv.URL+"/details.php?id=101", dune.PageURL)
	gib := float64(1 << 30)
	assert.Equal(t, int64(15.2*gib), dune.Size)
	assert.Equal(t, 1024, dune.Seeders)
	assert.Equal(t, 12, dune.Peers)
	assert.Equal(t, "2025-03-01T00:00:00Z", dune.PubDate, "site dates are Asia/Shanghai")
	assert.Equal(t, "2025-03-02T04:00:00Z", dune.FreeDeadline)
	assert.Equal(t, "tt15239678", dune.IMDbID)
	assert.Equal(t, 0.0, dune.DownloadFactor)
	assert.Equal(t, 2.0, dune.UploadFactor)
	assert.False(t, dune.HitAndRun)
	assert.Contains(t, dune.Description, "Dune Part Two")
	assert.Equal(t, 7, dune.SiteID)
	assert.Equal(t, "nexus", dune.SiteName)
	assert.Equal(t, 3, dune.SitePriority)

	bear := records[1]
	assert.Equal(t, srv.URL+"/download.php?id=102", bear.Enclosure, "download link derived from details id")
	assert.True(t, bear.HitAndRun)
	assert.Equal(t, 1.0, bear.DownloadFactor)
	assert.Equal(t, 0, bear.Seeders)
}

func TestSpiderDetectsLoginRedirect(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/torrents.php", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/login.php?returnto=torrents.php", http.StatusFound)
	})
	mux.HandleFunc("/login.php", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<form></form>"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	defs, err := LoadDefinitions("")
	require.NoError(t, err)
	ix := New(testGate(), defs, 0)

	_, err = ix.Browse(context.Background(), siteFor(t, srv, "nexus"), 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, gate.ErrAuthFailed)
	assert.NotErrorIs(t, err, gate.ErrForbidden)
}

func TestCJKKeywordOnEnglishSiteReturnsEmpty(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(nexusListing))
	}))
	defer srv.Close()

	site := siteFor(t, srv, "english")
	dir := t.TempDir()
	def := strings.Join([]string{
		"id: english",
		"domain: " + site.Domain,
		"language: en",
		"search: {path: browse.php, keyword_param: q}",
		"torrents_list: {selector: 'table.torrents > tbody > tr', skip: 1}",
		"fields:",
		"  title: {selector: 'a[href*=\"details.php\"]', attribute: title}",
		"  download_url: {selector: 'a[href*=\"download.php\"]', attribute: href}",
	}, "\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "english.yaml"), []byte(def), 0o644))

	defs, err := LoadDefinitions(dir)
	require.NoError(t, err)
	ix := New(testGate(), defs, time.Minute)

	records, err := ix.Search(context.Background(), site, "沙丘", models.MediaMovie, 0)
	require.NoError(t, err)
	assert.NotNil(t, records)
	assert.Empty(t, records)
	assert.EqualValues(t, 0, hits.Load())

	res := ix.SearchSites(context.Background(), []*models.Site{site}, Query{Keyword: "沙丘"})
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "english")

	records, err = ix.Search(context.Background(), site, "Dune", models.MediaMovie, 0)
	require.NoError(t, err)
	assert.Len(t, records, 1, "only the row with a download link survives")
	assert.EqualValues(t, 1, hits.Load())

	_, err = ix.Search(context.Background(), site, "dune", models.MediaMovie, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, hits.Load(), "keyword folding shares the cache entry")
}

const torznabFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0" xmlns:torznab="http://torznab.com/schemas/2015/feed">
<channel>
  <title>Jackett</title>
  <item>
    <title>Severance S02E03 1080p WEB H264</title>
    <guid>https://tracker.example/details/9</guid>
    <comments>https://tracker.example/details/9</comments>
    <pubDate>Fri, 31 Jan 2025 10:00:00 +0000</pubDate>
    <description>&lt;b&gt;Severance&lt;/b&gt; season two</description>
    <enclosure url="https://jackett.example/dl/9.torrent" length="1610612736" type="application/x-bittorrent"/>
    <torznab:attr name="seeders" value="55"/>
    <torznab:attr name="peers" value="60"/>
    <torznab:attr name="downloadvolumefactor" value="0"/>
    <torznab:attr name="uploadvolumefactor" value="1"/>
    <torznab:attr name="imdb" value="11280740"/>
  </item>
  <item>
    <title>Magnet only</title>
    <link>magnet:?xt=urn:btih:0123456789abcdef0123456789abcdef01234567</link>
  </item>
  <item>
    <title></title>
    <enclosure url="https://jackett.example/dl/empty.torrent"/>
  </item>
</channel>
</rss>`

func TestParseFeed(t *testing.T) {
	base, _ := url.Parse("https://jackett.example/api")
	records, err := ParseFeed([]byte(torznabFeed), base)
	require.NoError(t, err)
	require.Len(t, records, 2)

	r := records[0]
	assert.Equal(t, "https://jackett.example/dl/9.torrent", r.Enclosure)
	assert.Equal(t, "https://tracker.example/details/9", r.PageURL)
	assert.Equal(t, int64(1610612736), r.Size)
	assert.Equal(t, 55, r.Seeders)
	assert.Equal(t, 60, r.Peers)
	assert.Equal(t, 0.0, r.DownloadFactor)
	assert.Equal(t, "tt11280740", r.IMDbID)
	assert.Equal(t, "2025-01-31T10:00:00Z", r.PubDate)

	assert.True(t, records[1].IsMagnet())
}

func TestTorznabSearchAndFanOutSkipsCoolingSite(t *testing.T) {
	var gotQuery url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Write([]byte(torznabFeed))
	}))
	defer srv.Close()

	g := testGate()
	defs, err := LoadDefinitions("")
	require.NoError(t, err)
	ix := New(g, defs, 0)

	jackett := &models.Site{ID: 1, Name: "A", Domain: "127.0.0.1", URL: srv.URL + "/api/v2.0/indexers/all/results/torznab/api?apikey=k", Parser: models.ParserTorznab}
	cooling := &models.Site{ID: 2, Name: "B", Domain: "cooling.example", URL: "https://cooling.example/", Parser: models.ParserTorznab, LimitSeconds: 300}
	until := g.Penalize(cooling)

	res := ix.SearchSites(context.Background(), []*models.Site{jackett, cooling}, Query{Keyword: "Severance", MediaType: models.MediaTV})

	assert.Equal(t, "tvsearch", gotQuery.Get("t"))
	assert.Equal(t, "5000", gotQuery.Get("cat"))
	assert.Equal(t, "k", gotQuery.Get("apikey"))
	assert.Equal(t, "Severance", gotQuery.Get("q"))

	assert.Len(t, res.Records, 2)
	assert.Equal(t, []string{"B"}, res.SkippedNames())
	assert.Equal(t, until, res.Skipped["B"])
	assert.True(t, res.Skipped["B"].After(time.Now()))
	assert.Empty(t, res.Failed)
	assert.Equal(t, "Severance S02E03 1080p WEB H264", res.Records[0].Title)
	assert.Equal(t, "Severance season two", res.Records[0].Description, "markup stripped")
	assert.Equal(t, "A", res.Records[0].SiteName)
}

func TestRSSDriverFiltersByKeyword(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(torznabFeed))
	}))
	defer srv.Close()

	defs, err := LoadDefinitions("")
	require.NoError(t, err)
	ix := New(testGate(), defs, 0)
	site := &models.Site{ID: 3, Name: "feed", Domain: "127.0.0.1", URL: srv.URL, RSS: srv.URL + "/rss", Parser: models.ParserRSS}

	records, err := ix.Search(context.Background(), site, "ＳＥＶＥＲＡＮＣＥ", "", 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Contains(t, records[0].Title, "Severance")

	records, err = ix.RSS(context.Background(), site)
	require.NoError(t, err)
	assert.Len(t, records, 2)

	noFeed := &models.Site{Domain: "x.example", Parser: models.ParserRSS}
	_, err = ix.Browse(context.Background(), noFeed, 0)
	assert.ErrorIs(t, err, domain.ErrPreconditionFailed)
}

func TestNormalize(t *testing.T) {
	site := &models.Site{ID: 9, Name: "s", Domain: "s.example", Priority: 2}
	in := []domain.TorrentRecord{
		{Title: "  Ｄｕｎｅ   2021 ", Enclosure: "https://s.example/dl/1", Size: -5, Seeders: -1, PubDate: "yesterday", PageURL: "details.php?id=1"},
		{Title: "relative", Enclosure: "/dl/2"},
		{Title: "", Enclosure: "https://s.example/dl/3"},
		{Title: "magnet", Enclosure: "magnet:?xt=urn:btih:abc"},
	}

	out := Normalize(site, in)
	require.Len(t, out, 2)
	assert.Equal(t, "Dune 2021", out[0].Title)
	assert.Zero(t, out[0].Size)
	assert.Zero(t, out[0].Seeders)
	assert.Empty(t, out[0].PubDate)
	assert.Empty(t, out[0].PageURL)
	assert.Equal(t, 9, out[0].SiteID)
	assert.Equal(t, "magnet", out[1].Title)
}

func TestSelectors(t *testing.T) {
	doc, err := html.Parse(strings.NewReader(`<div id="main" class="a b">
		<ul><li class="x">one</li><li data-k="v-1">two</li><li>three <em>bold</em></li></ul>
		<p><span class="x">inner</span></p></div>`))
	require.NoError(t, err)

	tests := []struct {
		selector string
		want     []string
	}{
		{selector: "li", want: []string{"one", "two", "three bold"}},
		{selector: "div#main.a.b > ul > li.x", want: []string{"one"}},
		{selector: "#main .x", want: []string{"one", "inner"}},
		{selector: "ul > .x, p span", want: []string{"one", "inner"}},
		{selector: "li[data-k]", want: []string{"two"}},
		{selector: "li[data-k^='v-']", want: []string{"two"}},
		{selector: "li[data-k|=v]", want: []string{"two"}},
		{selector: "li:nth-child(3)", want: []string{"three bold"}},
		{selector: "li:first-child", want: []string{"one"}},
		{selector: "li:last-child", want: []string{"three bold"}},
		{selector: "li:nth-child(odd)", want: []string{"one", "three bold"}},
		{selector: "li:contains('two')", want: []string{"two"}},
		{selector: "div > li", want: nil},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.selector, func(t *testing.T) {
			sel, err := CompileSelector(tt.selector)
			require.NoError(t, err)
			var got []string
			for _, n := range sel.All(doc) {
				got = append(got, nodeText(n))
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCompileSelectorErrors(t *testing.T) {
	for _, raw := range []string{"", "> a", "a >", "a[", "li:hover", "li:nth-child(0)", "a..b"} {
		_, err := CompileSelector(raw)
		assert.Error(t, err, raw)
	}
}

func TestParseSizeAndCount(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{in: "1.5 GB", want: int64(1.5 * float64(1<<30))},
		{in: "700MiB", want: 700 << 20},
		{in: "1,023.5 KB", want: int64(1023.5 * 1024)},
		{in: "123456", want: 123456},
		{in: "2 TB", want: 2 << 40},
		{in: "n/a", want: 0},
		{in: "", want: 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseSize(tt.in), tt.in)
	}

	assert.Equal(t, 1024, ParseCount("1,024"))
	assert.Equal(t, 0, ParseCount("-3"))
	assert.Equal(t, 5, ParseCount("5 seeders"))
}

func TestParseDate(t *testing.T) {
	assert.Equal(t, "2025-03-01T08:00:00Z", ParseDate("2025-03-01 08:00:00", nil, nil))
	assert.Equal(t, "2025-01-31T10:00:00Z", ParseDate("Fri, 31 Jan 2025 10:00:00 +0000", nil, nil))
	assert.Equal(t, "2023-11-14T22:13:20Z", ParseDate("1700000000", nil, nil))
	assert.Empty(t, ParseDate("3 hours ago", nil, nil))
}

func TestContainsCJK(t *testing.T) {
	assert.True(t, ContainsCJK("沙丘"))
	assert.True(t, ContainsCJK("ドラマ"))
	assert.True(t, ContainsCJK("오징어 게임"))
	assert.False(t, ContainsCJK("Dune Part Two"))
}
