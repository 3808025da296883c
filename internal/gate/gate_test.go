// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package gate

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/flowarr/internal/domain"
	"github.com/autobrr/flowarr/internal/models"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testSite(t *testing.T, srv *httptest.Server) *models.Site {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return &models.Site{
		ID:            1,
		Name:          "test",
		Domain:        u.Hostname(),
		URL:           srv.URL + "/",
		LimitInterval: 1,
		LimitCount:    5,
		LimitSeconds:  30,
		Active:        true,
	}
}

func testConfig() Config {
	return Config{UserAgent: "flowarr-test", RetryDelay: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}
}

func TestBudgetSixthRequestWithinWindowWaitsForCooldown(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte("<html><body>ok</body></html>"))
	}))
	defer srv.Close()

	clock := newFakeClock()
	g := New(testConfig(), WithClock(clock.Now))
	site := testSite(t, srv)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := g.Get(ctx, site, srv.URL, nil)
		require.NoError(t, err, "request %d", i+1)
	}

	start := clock.Now()
	_, err := g.Get(ctx, site, srv.URL, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.ErrorIs(t, err, domain.ErrRateLimited)

	until, ok := WaitUntil(err)
	require.True(t, ok)
	assert.False(t, until.Before(start.Add(30*time.Second)), "wait until %s", until)
	assert.EqualValues(t, 5, hits.Load())

	// Nothing goes out while the cooldown is live, even after tokens refill.
	clock.Advance(20 * time.Second)
	ok, checkUntil := g.CheckBudget(site)
	assert.False(t, ok)
	assert.Equal(t, until, checkUntil)
	_, err = g.Get(ctx, site, srv.URL, nil)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.EqualValues(t, 5, hits.Load())

	clock.Advance(11 * time.Second)
	ok, _ = g.CheckBudget(site)
	assert.True(t, ok)
	_, err = g.Get(ctx, site, srv.URL, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 6, hits.Load())
}

func TestBudgetSnapshot(t *testing.T) {
	clock := newFakeClock()
	g := New(testConfig(), WithClock(clock.Now))
	site := &models.Site{Domain: "example.org", LimitInterval: 1, LimitCount: 5, LimitSeconds: 30}

	_, ok := g.Budget("example.org")
	assert.False(t, ok)

	ok, _ = g.CheckBudget(site)
	assert.True(t, ok)

	snap, ok := g.Budget("example.org")
	require.True(t, ok)
	assert.Equal(t, 5, snap.Limit)
	assert.Equal(t, 5, snap.Remaining)
	assert.True(t, snap.CooldownUntil.IsZero())

	until := g.Penalize(site)
	assert.Equal(t, clock.Now().Add(30*time.Second), until)
	snap, _ = g.Budget("example.org")
	assert.Equal(t, until, snap.CooldownUntil)

	g.Forget("example.org")
	_, ok = g.Budget("example.org")
	assert.False(t, ok)
}

func TestSiteWithoutBudgetIsUnlimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	g := New(testConfig())
	site := testSite(t, srv)
	site.LimitInterval, site.LimitCount = 0, 0

	for i := 0; i < 20; i++ {
		_, err := g.Get(context.Background(), site, srv.URL, nil)
		require.NoError(t, err)
	}
}

func TestClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		header    map[string]string
		want      error
		kind      domain.ErrorKind
		cooldown  time.Duration
		noBackoff bool
	}{
		{name: "forbidden", status: http.StatusForbidden, want: ErrForbidden, kind: domain.KindForbidden, noBackoff: true},
		{name: "too_many_requests", status: http.StatusTooManyRequests, want: ErrRateLimited, kind: domain.KindRateLimited, cooldown: 30 * time.Second},
		{name: "retry_after_wins", status: http.StatusTooManyRequests, header: map[string]string{"Retry-After": "120"}, want: ErrRateLimited, kind: domain.KindRateLimited, cooldown: 120 * time.Second},
		{name: "service_unavailable", status: http.StatusServiceUnavailable, want: ErrRateLimited, kind: domain.KindRateLimited, cooldown: 30 * time.Second},
		{name: "challenge_page", status: http.StatusOK, body: "<html><head><title>Just a moment...</title></head></html>", want: ErrBlocked, kind: domain.KindBlocked, cooldown: 30 * time.Second},
		{name: "not_found", status: http.StatusNotFound, want: ErrUnexpectedStatus, kind: domain.KindNetworkPermanent, noBackoff: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			clock := newFakeClock()
			g := New(testConfig(), WithClock(clock.Now))
			site := testSite(t, srv)

			_, err := g.Get(context.Background(), site, srv.URL, nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, tt.kind, domain.KindOf(err))

			var gerr *Error
			require.True(t, errors.As(err, &gerr))
			assert.Equal(t, tt.status, gerr.StatusCode)

			ok, until := g.CheckBudget(site)
			if tt.noBackoff {
				assert.True(t, ok)
				return
			}
			assert.False(t, ok)
			assert.Equal(t, clock.Now().Add(tt.cooldown), until)
			assert.Equal(t, until, gerr.WaitUntil)
		})
	}
}

func TestForbiddenAndAuthFailedStayDistinct(t *testing.T) {
	forbidden := &Error{Kind: domain.KindForbidden, Domain: "a.example", StatusCode: http.StatusForbidden}
	assert.Contains(t, forbidden.Error(), "forbidden")
	assert.ErrorIs(t, forbidden, ErrForbidden)
	assert.ErrorIs(t, forbidden, domain.ErrForbidden)
	assert.NotErrorIs(t, forbidden, ErrAuthFailed)
	assert.NotErrorIs(t, forbidden, domain.ErrAuthFailed)
	assert.Equal(t, domain.KindForbidden, domain.KindOf(forbidden))

	expired := &Error{Kind: domain.KindAuthFailed, Domain: "a.example", Err: errors.New("cookie expired")}
	assert.Contains(t, expired.Error(), "auth failed")
	assert.NotContains(t, expired.Error(), "forbidden")
	assert.ErrorIs(t, expired, domain.ErrAuthFailed)
	assert.NotErrorIs(t, expired, ErrForbidden)
}

func TestTransientFailuresAreRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("finally"))
	}))
	defer srv.Close()

	g := New(testConfig())
	site := testSite(t, srv)

	resp, err := g.Get(context.Background(), site, srv.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, "finally", resp.Text())
	assert.EqualValues(t, 3, hits.Load())
}

func TestTransientFailuresGiveUpAfterThreeAttempts(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusGatewayTimeout)
	}))
	defer srv.Close()

	g := New(testConfig())
	_, err := g.Get(context.Background(), testSite(t, srv), srv.URL, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNetwork)
	assert.EqualValues(t, 3, hits.Load())
}

func TestNetworkErrorOnUnreachableHost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	site := testSite(t, srv)
	target := srv.URL
	srv.Close()

	g := New(testConfig())
	_, err := g.Get(context.Background(), site, target, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNetwork)
	assert.Equal(t, domain.KindNetworkTransient, domain.KindOf(err))
}

func TestRequestCarriesSiteCookieAndUserAgent(t *testing.T) {
	var gotUA, gotCookie string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.UserAgent()
		if c, err := r.Cookie("uid"); err == nil {
			gotCookie = c.Value
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	g := New(testConfig())
	site := testSite(t, srv)
	site.Cookie = "uid=42; pass=secret"

	_, err := g.Get(context.Background(), site, srv.URL+"/torrents.php", nil)
	require.NoError(t, err)
	assert.Equal(t, "flowarr-test", gotUA)
	assert.Equal(t, "42", gotCookie)

	site.UA = "custom-agent"
	site.Cookie = "uid=43"
	_, err = g.Get(context.Background(), site, srv.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, "custom-agent", gotUA)
	assert.Equal(t, "43", gotCookie, "client is rebuilt when the cookie changes")
}

func TestPostFormBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, http.MethodPost, r.Method)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"keyword":"` + r.PostForm.Get("keyword") + `"}`))
	}))
	defer srv.Close()

	g := New(testConfig())
	h := g.For(testSite(t, srv))

	resp, err := h.Post(context.Background(), srv.URL, url.Values{"keyword": {"dune"}}, nil)
	require.NoError(t, err)

	var out struct {
		Keyword string `json:"keyword"`
	}
	require.NoError(t, resp.JSON(&out))
	assert.Equal(t, "dune", out.Keyword)

	var bad []int
	err = resp.JSON(&bad)
	assert.ErrorIs(t, err, ErrParse)
}

type fakeRenderer struct {
	html  string
	calls int
	last  RenderRequest
}

func (f *fakeRenderer) Render(ctx context.Context, req RenderRequest) (string, error) {
	f.calls++
	f.last = req
	if _, ok := ctx.Deadline(); !ok {
		return "", errors.New("render without deadline")
	}
	return f.html, nil
}

func (f *fakeRenderer) Close() error { return nil }

func TestRenderSharesBudgetAccounting(t *testing.T) {
	clock := newFakeClock()
	r := &fakeRenderer{html: "<html><body><table class='torrents'></table></body></html>"}
	g := New(Config{Proxy: "http://proxy:3128", UserAgent: "ua"}, WithClock(clock.Now), WithRenderer(r))
	site := &models.Site{Domain: "render.example", Cookie: "a=b", Proxy: true, Render: true, LimitInterval: 1, LimitCount: 2, LimitSeconds: 30}
	h := g.For(site)

	html, err := h.Page(context.Background(), "https://render.example/browse")
	require.NoError(t, err)
	assert.Contains(t, html, "torrents")
	assert.Equal(t, "http://proxy:3128", r.last.Proxy)
	assert.Equal(t, "ua", r.last.UserAgent)
	require.Len(t, r.last.Cookies, 1)
	assert.Equal(t, "a", r.last.Cookies[0].Name)

	_, err = h.Render(context.Background(), "https://render.example/browse")
	require.NoError(t, err)

	_, err = h.Render(context.Background(), "https://render.example/browse")
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, 2, r.calls)
}

func TestRenderDetectsChallenge(t *testing.T) {
	clock := newFakeClock()
	r := &fakeRenderer{html: `<html><body><div id="challenge-form"></div></body></html>`}
	g := New(Config{}, WithClock(clock.Now), WithRenderer(r))
	site := &models.Site{Domain: "waf.example", LimitSeconds: 60}

	_, err := g.Render(context.Background(), site, "https://waf.example/")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBlocked)

	ok, until := g.CheckBudget(site)
	assert.False(t, ok)
	assert.Equal(t, clock.Now().Add(60*time.Second), until)
}

func TestRenderWithoutRenderer(t *testing.T) {
	g := New(Config{})
	_, err := g.Render(context.Background(), &models.Site{Domain: "x.example"}, "https://x.example/")
	assert.ErrorIs(t, err, domain.ErrPreconditionFailed)
}

func TestParseCookieHeader(t *testing.T) {
	cookies := ParseCookieHeader(" uid=1; pass = abc ;broken; =x; c_secure_login=bm9wZQ==")
	require.Len(t, cookies, 3)
	assert.Equal(t, "uid", cookies[0].Name)
	assert.Equal(t, "pass", cookies[1].Name)
	assert.Equal(t, "abc", cookies[1].Value)
	assert.Equal(t, "bm9wZQ==", cookies[2].Value)
}

func TestApplyProxy(t *testing.T) {
	tests := []struct {
		name    string
		proxy   string
		wantErr bool
		socks   bool
	}{
		{name: "http", proxy: "http://127.0.0.1:8080"},
		{name: "socks5", proxy: "socks5://127.0.0.1:1080", socks: true},
		{name: "unsupported", proxy: "ftp://127.0.0.1", wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			transport := http.DefaultTransport.(*http.Transport).Clone()
			err := applyProxy(transport, tt.proxy)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.socks {
				assert.Nil(t, transport.Proxy)
				assert.NotNil(t, transport.DialContext)
			} else {
				assert.NotNil(t, transport.Proxy)
			}
		})
	}
}

func TestIsChallenge(t *testing.T) {
	assert.True(t, IsChallenge([]byte(`<script src="/cdn-cgi/challenge-platform/h/b/orchestrate"></script>`)))
	assert.True(t, IsChallenge([]byte(`<TITLE>Just a moment...</TITLE>`)))
	assert.False(t, IsChallenge([]byte(`<table class="torrents"><tr><td>Dune</td></tr></table>`)))
}
