// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package crossseed

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/flowarr/internal/domain"
)

const (
	DefaultIYUUURL  = "https://api.iyuu.cn/index.php"
	iyuuVersion     = "2.0.0"
	maxResponseSize = 8 << 20
	sitesCacheTTL   = 12 * time.Hour
)

// IYUUSite is a tracker known to IYUU.
type IYUUSite struct {
	ID           int    `json:"id"`
	Site         string `json:"site"`
	Nickname     string `json:"nickname"`
	BaseURL      string `json:"base_url"`
	DownloadPage string `json:"download_page"`
	IsHTTPS      int    `json:"is_https"`
}

// DownloadURL builds the .torrent URL for a torrent id on this site.
// Sites authenticate by cookie, so an unresolved passkey parameter is dropped.
func (s *IYUUSite) DownloadURL(torrentID int) string {
	scheme := "https"
	if s.IsHTTPS == 0 {
		scheme = "http"
	}
	page := strings.ReplaceAll(s.DownloadPage, "{}", strconv.Itoa(torrentID))
	page = strings.ReplaceAll(page, "&passkey={passkey}", "")
	page = strings.ReplaceAll(page, "passkey={passkey}", "")
	page = strings.TrimSuffix(page, "?")
	return fmt.Sprintf("%s://%s/%s", scheme, strings.Trim(s.BaseURL, "/"), strings.TrimLeft(page, "/"))
}

// Candidate is a torrent on another site with the same content.
type Candidate struct {
	SiteID    int    `json:"sid"`
	TorrentID int    `json:"torrent_id"`
	InfoHash  string `json:"info_hash"`
}

type iyuuEnvelope struct {
	Ret  int             `json:"ret"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// IYUUClient talks to the IYUU cross-seed index.
type IYUUClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	now        func() time.Time

	sitesMu      sync.Mutex
	sites        map[int]IYUUSite
	sitesFetched time.Time
}

func NewIYUUClient(baseURL, token string) *IYUUClient {
	if baseURL == "" {
		baseURL = DefaultIYUUURL
	}
	return &IYUUClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		now:        time.Now,
	}
}

func (c *IYUUClient) Configured() bool {
	return c != nil && c.token != ""
}

func (c *IYUUClient) call(ctx context.Context, method, service string, form url.Values) (json.RawMessage, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("iyuu url: %w", err)
	}
	q := u.Query()
	q.Set("s", service)
	if method == http.MethodGet {
		for k, v := range form {
			q[k] = v
		}
	}
	u.RawQuery = q.Encode()

	var env iyuuEnvelope
	err = retry.Do(
		func() error {
			var body io.Reader
			if method == http.MethodPost {
				body = strings.NewReader(form.Encode())
			}
			req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			if method == http.MethodPost {
				req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			}
			resp, err := c.httpClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode >= 500 {
				return fmt.Errorf("iyuu %s: status %d", service, resp.StatusCode)
			}
			if resp.StatusCode != http.StatusOK {
				return retry.Unrecoverable(fmt.Errorf("iyuu %s: status %d", service, resp.StatusCode))
			}
			data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
			if err != nil {
				return err
			}
			if err := json.Unmarshal(data, &env); err != nil {
				return retry.Unrecoverable(domain.NewError(domain.KindParseFailed, "iyuu "+service, err))
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, err
	}
	if env.Ret != http.StatusOK {
		return nil, &APIError{Ret: env.Ret, Msg: env.Msg}
	}
	return env.Data, nil
}

// APIError is a non-200 "ret" in an IYUU response.
type APIError struct {
	Ret int
	Msg string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("iyuu: ret=%d %s", e.Ret, e.Msg)
}

// Sites returns the IYUU site table keyed by sid, cached for a while.
func (c *IYUUClient) Sites(ctx context.Context) (map[int]IYUUSite, error) {
	c.sitesMu.Lock()
	defer c.sitesMu.Unlock()
	if c.sites != nil && c.now().Sub(c.sitesFetched) < sitesCacheTTL {
		return c.sites, nil
	}

	data, err := c.call(ctx, http.MethodGet, "App.Api.Sites", url.Values{"sign": {c.token}, "version": {iyuuVersion}})
	if err != nil {
		return nil, err
	}
	var payload struct {
		Sites []IYUUSite `json:"sites"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, domain.NewError(domain.KindParseFailed, "iyuu sites", err)
	}
	sites := make(map[int]IYUUSite, len(payload.Sites))
	for _, s := range payload.Sites {
		sites[s.ID] = s
	}
	c.sites = sites
	c.sitesFetched = c.now()
	return sites, nil
}

// Query looks up cross-seed candidates for the given info-hashes. The
// result maps each queried hash to its candidates; hashes without
// candidates are absent.
func (c *IYUUClient) Query(ctx context.Context, hashes []string) (map[string][]Candidate, error) {
	if len(hashes) == 0 {
		return nil, nil
	}
	sorted := make([]string, len(hashes))
	for i, h := range hashes {
		sorted[i] = strings.ToLower(h)
	}
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	encoded, err := json.Marshal(sorted)
	if err != nil {
		return nil, err
	}
	sum := sha1.Sum(encoded)
	form := url.Values{
		"sign":      {c.token},
		"timestamp": {strconv.FormatInt(c.now().Unix(), 10)},
		"version":   {iyuuVersion},
		"hash":      {string(encoded)},
		"sha1":      {hex.EncodeToString(sum[:])},
	}

	data, err := c.call(ctx, http.MethodPost, "App.Api.Infohash", form)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Ret == http.StatusBadRequest {
			// no candidates for any of the hashes
			log.Debug().Str("msg", apiErr.Msg).Int("hashes", len(sorted)).Msg("iyuu: nothing to cross-seed")
			return map[string][]Candidate{}, nil
		}
		return nil, err
	}

	var payload map[string]struct {
		Torrent []Candidate `json:"torrent"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, domain.NewError(domain.KindParseFailed, "iyuu infohash", err)
	}
	out := make(map[string][]Candidate, len(payload))
	for hash, entry := range payload {
		if len(entry.Torrent) > 0 {
			out[strings.ToLower(hash)] = entry.Torrent
		}
	}
	return out, nil
}
