// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package cookiecloud

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/flowarr/internal/database"
	"github.com/autobrr/flowarr/internal/models"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	pass := Passphrase("uuid-1", "secret")
	assert.Len(t, pass, 16)

	enc, err := Encrypt([]byte(`{"cookie_data":{}}`), pass, []byte("12345678"))
	require.NoError(t, err)
	plain, err := Decrypt(enc, pass)
	require.NoError(t, err)
	assert.Equal(t, `{"cookie_data":{}}`, string(plain))

	if wrong, err := Decrypt(enc, Passphrase("uuid-1", "wrong")); err == nil {
		assert.NotEqual(t, plain, wrong)
	}
	_, err = Decrypt("bm90IHNhbHRlZA==", pass)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestCookieHeader(t *testing.T) {
	cookies := []Cookie{
		{Name: "uid", Value: "1", Domain: ".a.example"},
		{Name: "pass", Value: "x", Domain: "www.a.example"},
		{Name: "other", Value: "y", Domain: "b.example"},
		{Name: "uid", Value: "2", Domain: "a.example"},
	}
	assert.Equal(t, "pass=x; uid=2", CookieHeader(cookies, "a.example"))
	assert.Equal(t, "other=y", CookieHeader(cookies, "b.example"))
	assert.Empty(t, CookieHeader(cookies, "c.example"))
}

func TestRunUpdatesSiteCookies(t *testing.T) {
	ctx := context.Background()
	db, err := database.New(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	sites := models.NewSiteStore(db)
	_, err = sites.Create(ctx, &models.Site{Name: "A", Domain: "a.example", Parser: models.ParserSpider, Active: true})
	require.NoError(t, err)
	_, err = sites.Create(ctx, &models.Site{Name: "B", Domain: "b.example", Parser: models.ParserSpider, Active: true})
	require.NoError(t, err)

	plain, err := json.Marshal(payload{CookieData: map[string][]Cookie{
		"a.example": {{Name: "uid", Value: "7", Domain: ".a.example"}},
	}})
	require.NoError(t, err)
	enc, err := Encrypt(plain, Passphrase("uuid-1", "secret"), []byte("saltsalt"))
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/get/uuid-1" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintf(w, `{"encrypted":%q}`, enc)
	}))
	t.Cleanup(srv.Close)

	svc := NewService(Config{URL: srv.URL, Key: "uuid-1", Password: "secret"}, sites)
	summary, err := svc.Run(ctx)
	require.NoError(t, err)
	added, _, _ := summary.Counts()
	assert.Equal(t, 1, added)

	a, err := sites.GetByDomain(ctx, "a.example")
	require.NoError(t, err)
	assert.Equal(t, "uid=7", a.Cookie)
	b, err := sites.GetByDomain(ctx, "b.example")
	require.NoError(t, err)
	assert.Empty(t, b.Cookie)

	// unchanged cookies are not counted again
	summary, err = svc.Run(ctx)
	require.NoError(t, err)
	assert.True(t, summary.Empty())
}

func TestRunRequiresConfig(t *testing.T) {
	svc := NewService(Config{}, nil)
	_, err := svc.Run(context.Background())
	assert.ErrorIs(t, err, ErrNotConfigured)
}
