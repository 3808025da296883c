// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package gate

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog/log"
)

// RenderRequest describes a page to load in a browser.
type RenderRequest struct {
	URL       string
	Domain    string
	UserAgent string
	Cookies   []*http.Cookie
	Proxy     string
}

// Renderer loads a page with a JavaScript capable browser and returns the final HTML.
type Renderer interface {
	Render(ctx context.Context, req RenderRequest) (string, error)
	Close() error
}

type browserInstance struct {
	browser  *rod.Browser
	launcher *launcher.Launcher
}

// RodRenderer drives a local headless Chrome. One browser is launched per
// distinct proxy, lazily on first use.
type RodRenderer struct {
	// ControlURL connects to an existing browser instead of launching one.
	ControlURL string

	mu       sync.Mutex
	browsers map[string]*browserInstance
}

func NewRodRenderer(controlURL string) *RodRenderer {
	return &RodRenderer{ControlURL: controlURL, browsers: make(map[string]*browserInstance)}
}

func (r *RodRenderer) browserFor(proxyURL string) (*rod.Browser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if bi, ok := r.browsers[proxyURL]; ok {
		return bi.browser, nil
	}

	bi := &browserInstance{}
	wsURL := r.ControlURL
	if wsURL == "" || proxyURL != "" {
		l := launcher.New().
			Headless(true).
			Set("disable-blink-features", "AutomationControlled")
		if proxyURL != "" {
			l = l.Proxy(proxyURL)
		}
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("launch browser: %w", err)
		}
		wsURL = u
		bi.launcher = l
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		if bi.launcher != nil {
			bi.launcher.Cleanup()
		}
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	bi.browser = b
	r.browsers[proxyURL] = bi

	log.Debug().Str("control", wsURL).Bool("proxied", proxyURL != "").Msg("gate: browser ready")
	return b, nil
}

func (r *RodRenderer) Render(ctx context.Context, req RenderRequest) (string, error) {
	b, err := r.browserFor(req.Proxy)
	if err != nil {
		return "", err
	}

	page, err := stealth.Page(b)
	if err != nil {
		return "", fmt.Errorf("open tab: %w", err)
	}
	defer page.Close()

	if req.UserAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: req.UserAgent}); err != nil {
			return "", fmt.Errorf("set user agent: %w", err)
		}
	}
	if len(req.Cookies) > 0 {
		params := make([]*proto.NetworkCookieParam, 0, len(req.Cookies))
		for _, c := range req.Cookies {
			params = append(params, &proto.NetworkCookieParam{
				Name:   c.Name,
				Value:  c.Value,
				Domain: req.Domain,
				Path:   "/",
			})
		}
		if err := page.SetCookies(params); err != nil {
			return "", fmt.Errorf("set cookies: %w", err)
		}
	}

	p := page.Context(ctx)
	if err := p.Navigate(req.URL); err != nil {
		return "", fmt.Errorf("navigate %s: %w", req.URL, err)
	}
	if err := p.WaitLoad(); err != nil {
		log.Warn().Str("url", req.URL).Err(err).Msg("gate: wait load")
	}

	html, err := p.HTML()
	if err != nil {
		return "", fmt.Errorf("read page: %w", err)
	}
	return html, nil
}

func (r *RodRenderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for key, bi := range r.browsers {
		if err := bi.browser.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		if bi.launcher != nil {
			bi.launcher.Cleanup()
		}
		delete(r.browsers, key)
	}
	return firstErr
}
