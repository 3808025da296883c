// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package gate

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/proxy"
	"golang.org/x/net/publicsuffix"

	"github.com/autobrr/flowarr/internal/models"
)

// siteClient is the pre-configured HTTP client for one domain.
type siteClient struct {
	http        *http.Client
	userAgent   string
	fingerprint string
}

type clientCache struct {
	mu      sync.Mutex
	clients map[string]*siteClient
}

func newClientCache() *clientCache {
	return &clientCache{clients: make(map[string]*siteClient)}
}

func clientFingerprint(site *models.Site, proxyURL, userAgent string) string {
	p := ""
	if site.Proxy {
		p = proxyURL
	}
	return strings.Join([]string{site.URL, site.Cookie, userAgent, p}, "\x00")
}

// get returns the cached client for a site, rebuilding it when the cookie,
// user agent or proxy changed.
func (c *clientCache) get(site *models.Site, cfg Config) (*siteClient, error) {
	ua := site.UA
	if ua == "" {
		ua = cfg.UserAgent
	}
	fp := clientFingerprint(site, cfg.Proxy, ua)

	c.mu.Lock()
	defer c.mu.Unlock()

	if sc, ok := c.clients[site.Domain]; ok && sc.fingerprint == fp {
		return sc, nil
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 4
	if site.Proxy && cfg.Proxy != "" {
		if err := applyProxy(transport, cfg.Proxy); err != nil {
			return nil, err
		}
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}
	if site.Cookie != "" {
		if u, err := siteBaseURL(site); err == nil {
			jar.SetCookies(u, ParseCookieHeader(site.Cookie))
		}
	}

	sc := &siteClient{
		http: &http.Client{
			Transport: transport,
			Jar:       jar,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return fmt.Errorf("stopped after %d redirects", len(via))
				}
				return nil
			},
		},
		userAgent:   ua,
		fingerprint: fp,
	}
	c.clients[site.Domain] = sc
	return sc, nil
}

func (c *clientCache) forget(domain string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sc, ok := c.clients[domain]; ok {
		sc.http.CloseIdleConnections()
		delete(c.clients, domain)
	}
}

func applyProxy(transport *http.Transport, rawProxy string) error {
	u, err := url.Parse(rawProxy)
	if err != nil {
		return fmt.Errorf("invalid proxy %q: %w", rawProxy, err)
	}
	switch u.Scheme {
	case "http", "https":
		transport.Proxy = http.ProxyURL(u)
	case "socks5", "socks5h":
		dialer, err := proxy.FromURL(u, proxy.Direct)
		if err != nil {
			return fmt.Errorf("socks proxy: %w", err)
		}
		transport.Proxy = nil
		if cd, ok := dialer.(proxy.ContextDialer); ok {
			transport.DialContext = cd.DialContext
		} else {
			transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			}
		}
	default:
		return fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
	return nil
}

func siteBaseURL(site *models.Site) (*url.URL, error) {
	raw := site.URL
	if raw == "" {
		raw = "https://" + site.Domain + "/"
	}
	return url.Parse(raw)
}

// ParseCookieHeader splits a "k1=v1; k2=v2" cookie string.
func ParseCookieHeader(raw string) []*http.Cookie {
	var cookies []*http.Cookie
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, ok := strings.Cut(part, "=")
		if !ok || strings.TrimSpace(name) == "" {
			continue
		}
		cookies = append(cookies, &http.Cookie{
			Name:  strings.TrimSpace(name),
			Value: strings.TrimSpace(value),
			Path:  "/",
		})
	}
	return cookies
}

func retryAfter(h http.Header, now time.Time) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	var secs int
	if _, err := fmt.Sscanf(v, "%d", &secs); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}
