// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package gate funnels every outbound request to a tracker site through a
// per-domain token bucket and cooldown, a per-site HTTP client carrying the
// site's cookie, user agent and proxy, and a typed error classification.
package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/flowarr/internal/domain"
	"github.com/autobrr/flowarr/internal/metrics"
	"github.com/autobrr/flowarr/internal/models"
)

const (
	DefaultTimeout       = 30 * time.Second
	DefaultRenderTimeout = 60 * time.Second

	maxBodySize = 10 << 20
)

// Config holds process-wide gate settings.
type Config struct {
	// Proxy is used for sites flagged with Proxy. http, https and socks5 schemes are supported.
	Proxy         string
	UserAgent     string
	Timeout       time.Duration
	RenderTimeout time.Duration
	// RetryDelay and RetryMaxDelay bound the backoff between transient failures.
	RetryDelay    time.Duration
	RetryMaxDelay time.Duration
	Attempts      uint
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.RenderTimeout <= 0 {
		c.RenderTimeout = DefaultRenderTimeout
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 100 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 3 * time.Second
	}
	if c.Attempts == 0 {
		c.Attempts = 3
	}
	return c
}

// RequestOptions tune a single request.
type RequestOptions struct {
	Headers http.Header
	// Timeout overrides the default per-request timeout.
	Timeout time.Duration
	// Wait blocks until the budget allows the request instead of failing with RateLimited.
	Wait bool
	// AllowStatus lists extra status codes returned as a Response rather than an error.
	AllowStatus []int
}

// Response is a fully read response body.
type Response struct {
	StatusCode int
	Header     http.Header
	URL        *url.URL
	Body       []byte
}

func (r *Response) Text() string {
	return string(r.Body)
}

// JSON decodes the body, reporting failures as Parse errors.
func (r *Response) JSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return NewParseError(r.URL.Hostname(), r.URL.String(), err)
	}
	return nil
}

type Option func(*Gate)

// WithClock replaces the time source used for budget accounting.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// WithRenderer sets the headless browser used by Render.
func WithRenderer(r Renderer) Option {
	return func(g *Gate) { g.renderer = r }
}

type Gate struct {
	cfgMu    sync.RWMutex
	cfg      Config
	budgets  *budgets
	clients  *clientCache
	renderer Renderer
	now      func() time.Time
}

func New(cfg Config, opts ...Option) *Gate {
	g := &Gate{
		cfg:     cfg.withDefaults(),
		budgets: newBudgets(),
		clients: newClientCache(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// UpdateConfig swaps proxy and user agent settings; clients rebuild lazily.
func (g *Gate) UpdateConfig(proxyURL, userAgent string) {
	g.cfgMu.Lock()
	defer g.cfgMu.Unlock()
	g.cfg.Proxy = proxyURL
	g.cfg.UserAgent = userAgent
}

func (g *Gate) config() Config {
	g.cfgMu.RLock()
	defer g.cfgMu.RUnlock()
	return g.cfg
}

// CheckBudget reports whether a request to the site may go out now. When it
// may not, the returned time is the earliest moment it could.
func (g *Gate) CheckBudget(site *models.Site) (bool, time.Time) {
	now := g.now()
	return g.budgets.get(site, now).check(now)
}

// Budget returns a snapshot of a domain's budget, if the gate has seen it.
func (g *Gate) Budget(domainName string) (Budget, bool) {
	b, ok := g.budgets.lookup(domainName)
	if !ok {
		return Budget{}, false
	}
	return b.snapshot(domainName, g.now()), true
}

// Penalize puts a domain into cooldown, e.g. when a driver recognizes a
// throttle page the gate itself could not.
func (g *Gate) Penalize(site *models.Site) time.Time {
	now := g.now()
	return g.budgets.get(site, now).penalize(now, 0)
}

// Forget drops the cached client and budget of a removed site.
func (g *Gate) Forget(domainName string) {
	g.budgets.forget(domainName)
	g.clients.forget(domainName)
}

func (g *Gate) Get(ctx context.Context, site *models.Site, rawURL string, opts *RequestOptions) (*Response, error) {
	return g.Do(ctx, site, http.MethodGet, rawURL, nil, opts)
}

// Post sends a form encoded body when body is url.Values, or raw bytes otherwise.
func (g *Gate) Post(ctx context.Context, site *models.Site, rawURL string, body any, opts *RequestOptions) (*Response, error) {
	var payload []byte
	contentType := ""
	switch b := body.(type) {
	case nil:
	case url.Values:
		payload = []byte(b.Encode())
		contentType = "application/x-www-form-urlencoded"
	case []byte:
		payload = b
	case string:
		payload = []byte(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
		payload = data
		contentType = "application/json"
	}

	if contentType != "" {
		if opts == nil {
			opts = &RequestOptions{}
		}
		if opts.Headers == nil {
			opts.Headers = http.Header{}
		}
		if opts.Headers.Get("Content-Type") == "" {
			opts.Headers.Set("Content-Type", contentType)
		}
	}
	return g.Do(ctx, site, http.MethodPost, rawURL, payload, opts)
}

// Do performs a request with budget accounting, classification and transient retries.
func (g *Gate) Do(ctx context.Context, site *models.Site, method, rawURL string, body []byte, opts *RequestOptions) (*Response, error) {
	if opts == nil {
		opts = &RequestOptions{}
	}
	cfg := g.config()
	if err := g.acquire(ctx, site, opts.Wait); err != nil {
		return nil, err
	}

	sc, err := g.clients.get(site, cfg)
	if err != nil {
		return nil, &Error{Kind: domain.KindNetworkPermanent, Domain: site.Domain, URL: rawURL, Err: err}
	}

	var resp *Response
	err = retry.Do(
		func() error {
			var attemptErr error
			resp, attemptErr = g.roundTrip(ctx, site, sc, cfg.Timeout, method, rawURL, body, opts)
			return attemptErr
		},
		retry.Context(ctx),
		retry.Attempts(cfg.Attempts),
		retry.Delay(cfg.RetryDelay),
		retry.MaxDelay(cfg.RetryMaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(isTransient),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Debug().Str("domain", site.Domain).Uint("attempt", n+1).Err(err).Msg("gate: retrying request")
		}),
	)

	g.record(site.Domain, err)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (g *Gate) acquire(ctx context.Context, site *models.Site, wait bool) error {
	for {
		now := g.now()
		b := g.budgets.get(site, now)
		ok, until := b.take(now)
		if ok {
			return nil
		}
		if !wait {
			metrics.GateRequests.WithLabelValues(site.Domain, "budget").Inc()
			return &Error{Kind: domain.KindRateLimited, Domain: site.Domain, WaitUntil: until}
		}
		log.Debug().Str("domain", site.Domain).Time("until", until).Msg("gate: waiting for budget")
		if err := b.wait(ctx, until, now); err != nil {
			return err
		}
	}
}

func (g *Gate) roundTrip(ctx context.Context, site *models.Site, sc *siteClient, timeout time.Duration, method, rawURL string, body []byte, opts *RequestOptions) (*Response, error) {
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = strings.NewReader(string(body))
	}
	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, reader)
	if err != nil {
		return nil, &Error{Kind: domain.KindNetworkPermanent, Domain: site.Domain, URL: rawURL, Err: err}
	}
	req.Header.Set("User-Agent", sc.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	for k, vs := range opts.Headers {
		req.Header.Del(k)
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	res, err := sc.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classifyTransportError(site.Domain, rawURL, err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, maxBodySize))
	if err != nil {
		return nil, classifyTransportError(site.Domain, rawURL, err)
	}

	resp := &Response{StatusCode: res.StatusCode, Header: res.Header, URL: res.Request.URL, Body: data}
	return resp, g.classify(site, rawURL, resp, opts)
}

func (g *Gate) classify(site *models.Site, rawURL string, resp *Response, opts *RequestOptions) error {
	for _, code := range opts.AllowStatus {
		if resp.StatusCode == code {
			return nil
		}
	}

	now := g.now()
	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		if IsChallenge(resp.Body) {
			until := g.budgets.get(site, now).penalize(now, 0)
			log.Warn().Str("domain", site.Domain).Time("cooldownUntil", until).Msg("gate: challenge page detected")
			return &Error{Kind: domain.KindBlocked, Domain: site.Domain, URL: rawURL, StatusCode: code, WaitUntil: until}
		}
		return nil
	case code == http.StatusForbidden:
		return &Error{Kind: domain.KindForbidden, Domain: site.Domain, URL: rawURL, StatusCode: code}
	case code == http.StatusTooManyRequests, code == http.StatusServiceUnavailable:
		until := g.budgets.get(site, now).penalize(now, retryAfter(resp.Header, now))
		log.Warn().Str("domain", site.Domain).Int("status", code).Time("cooldownUntil", until).Msg("gate: site throttled")
		return &Error{Kind: domain.KindRateLimited, Domain: site.Domain, URL: rawURL, StatusCode: code, WaitUntil: until}
	case code == http.StatusBadGateway, code == http.StatusGatewayTimeout, code == http.StatusInternalServerError:
		return &Error{Kind: domain.KindNetworkTransient, Domain: site.Domain, URL: rawURL, StatusCode: code}
	case code >= 300 && code < 400:
		return nil
	default:
		return &Error{Kind: domain.KindNetworkPermanent, Domain: site.Domain, URL: rawURL, StatusCode: code}
	}
}

// Render fetches a page through the headless browser with the same budget
// accounting and challenge detection as Get.
func (g *Gate) Render(ctx context.Context, site *models.Site, rawURL string) (string, error) {
	cfg := g.config()
	if g.renderer == nil {
		return "", &Error{Kind: domain.KindPreconditionFailed, Domain: site.Domain, URL: rawURL, Err: errors.New("no renderer configured")}
	}
	if err := g.acquire(ctx, site, false); err != nil {
		return "", err
	}

	ua := site.UA
	if ua == "" {
		ua = cfg.UserAgent
	}
	req := RenderRequest{URL: rawURL, UserAgent: ua, Cookies: ParseCookieHeader(site.Cookie), Domain: site.Domain}
	if site.Proxy {
		req.Proxy = cfg.Proxy
	}

	renderCtx, cancel := context.WithTimeout(ctx, cfg.RenderTimeout)
	defer cancel()

	html, err := g.renderer.Render(renderCtx, req)
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		} else {
			err = classifyTransportError(site.Domain, rawURL, err)
		}
		g.record(site.Domain, err)
		return "", err
	}

	if IsChallenge([]byte(html)) {
		now := g.now()
		until := g.budgets.get(site, now).penalize(now, 0)
		err := &Error{Kind: domain.KindBlocked, Domain: site.Domain, URL: rawURL, WaitUntil: until}
		g.record(site.Domain, err)
		return "", err
	}
	g.record(site.Domain, nil)
	return html, nil
}

func (g *Gate) record(domainName string, err error) {
	outcome := "ok"
	if err != nil {
		switch domain.KindOf(err) {
		case domain.KindBlocked:
			outcome = "blocked"
		case domain.KindRateLimited:
			outcome = "rate_limited"
		case domain.KindForbidden:
			outcome = "forbidden"
		case domain.KindAuthFailed:
			outcome = "auth_failed"
		case domain.KindNetworkTransient:
			outcome = "network"
		case domain.KindCancelled:
			outcome = "cancelled"
		default:
			outcome = "error"
		}
	}
	metrics.GateRequests.WithLabelValues(domainName, outcome).Inc()
}

// For binds the gate to a site.
func (g *Gate) For(site *models.Site) *SiteHandle {
	return &SiteHandle{gate: g, site: site}
}

// SiteHandle is a gate bound to one site. Drivers receive a handle and never
// see the underlying client.
type SiteHandle struct {
	gate *Gate
	site *models.Site
}

func (h *SiteHandle) Site() *models.Site {
	return h.site
}

func (h *SiteHandle) Get(ctx context.Context, rawURL string, opts *RequestOptions) (*Response, error) {
	return h.gate.Get(ctx, h.site, rawURL, opts)
}

func (h *SiteHandle) Post(ctx context.Context, rawURL string, body any, opts *RequestOptions) (*Response, error) {
	return h.gate.Post(ctx, h.site, rawURL, body, opts)
}

func (h *SiteHandle) Render(ctx context.Context, rawURL string) (string, error) {
	return h.gate.Render(ctx, h.site, rawURL)
}

// Page fetches rawURL as HTML, through the browser when the site requires rendering.
func (h *SiteHandle) Page(ctx context.Context, rawURL string) (string, error) {
	if h.site.Render {
		return h.Render(ctx, rawURL)
	}
	resp, err := h.Get(ctx, rawURL, nil)
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}

func (h *SiteHandle) CheckBudget() (bool, time.Time) {
	return h.gate.CheckBudget(h.site)
}
