// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package plugin

import (
	"context"
	"fmt"
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/autobrr/flowarr/internal/domain"
	"github.com/autobrr/flowarr/internal/gate"
	"github.com/autobrr/flowarr/internal/models"
)

// NexusPHPSignIn checks in through attendance.php, which most NexusPHP
// trackers expose.
type NexusPHPSignIn struct{}

var (
	attendanceDone = []string{"签到成功", "这是您的第", "已经签到", "already signed", "attendance successful", "今天已签到"}
	loginMarkers   = []string{"takelogin.php", "login.php?returnto"}
	textPolicy     = bluemonday.StrictPolicy()
)

func (NexusPHPSignIn) Manifest() Manifest {
	return Manifest{
		ID:           "nexusphp_signin",
		Name:         "NexusPHP attendance",
		Version:      "1.0.0",
		Description:  "Daily check-in for NexusPHP based sites",
		Capabilities: CapSignIn,
	}
}

// Supports limits the plugin to private spider sites with a cookie.
func (NexusPHPSignIn) Supports(site *models.Site) bool {
	parser := site.Parser
	if parser == "" {
		parser = models.ParserSpider
	}
	return parser == models.ParserSpider && !site.Public && site.Cookie != ""
}

func (NexusPHPSignIn) SignIn(ctx context.Context, h *gate.SiteHandle) (string, error) {
	site := h.Site()
	base := strings.TrimRight(site.URL, "/")
	if base == "" {
		base = "https://" + site.Domain
	}
	page, err := h.Page(ctx, base+"/attendance.php")
	if err != nil {
		return "", err
	}
	lower := strings.ToLower(page)
	for _, m := range loginMarkers {
		if strings.Contains(lower, m) {
			return "", domain.NewError(domain.KindAuthFailed, "sign in "+site.Domain, fmt.Errorf("cookie expired"))
		}
	}
	text := strings.ToLower(html.UnescapeString(textPolicy.Sanitize(page)))
	for _, m := range attendanceDone {
		if strings.Contains(text, strings.ToLower(m)) {
			return "signed in", nil
		}
	}
	return "", domain.NewError(domain.KindParseFailed, "sign in "+site.Domain, fmt.Errorf("no attendance confirmation on page"))
}
