// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package signin

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/flowarr/internal/gate"
	"github.com/autobrr/flowarr/internal/models"
	"github.com/autobrr/flowarr/internal/plugin"
)

type staticSites []*models.Site

func (s staticSites) ListActive(context.Context) ([]*models.Site, error) { return s, nil }

type recordingSigner struct {
	results map[string]error
}

func (r *recordingSigner) Manifest() plugin.Manifest {
	return plugin.Manifest{ID: "test", Version: "1.0.0", Capabilities: plugin.CapSignIn}
}

func (r *recordingSigner) SignIn(_ context.Context, h *gate.SiteHandle) (string, error) {
	if err := r.results[h.Site().Domain]; err != nil {
		return "", err
	}
	return "ok", nil
}

func TestRunSummarizesOutcomes(t *testing.T) {
	g := gate.New(gate.Config{})
	registry := plugin.NewRegistry(nil)
	require.NoError(t, registry.Register(&recordingSigner{results: map[string]error{
		"b.example": errors.New("cookie expired"),
	}}))

	cooling := &models.Site{ID: 3, Name: "C", Domain: "c.example", LimitSeconds: 600, Active: true}
	g.Penalize(cooling)

	svc := NewService(staticSites{
		{ID: 1, Name: "A", Domain: "a.example", Active: true},
		{ID: 2, Name: "B", Domain: "b.example", Active: true},
		cooling,
	}, registry, g)

	summary, err := svc.Run(context.Background())
	require.NoError(t, err)
	added, failed, skipped := summary.Counts()
	assert.Equal(t, 1, added)
	assert.Equal(t, 1, failed)
	assert.Equal(t, 1, skipped)
	assert.Equal(t, []string{"C"}, summary.Skipped())
	assert.Contains(t, summary.Lines(), "A: ok")
}

func TestRunWithoutPluginsIsEmpty(t *testing.T) {
	svc := NewService(staticSites{{ID: 1, Name: "A", Domain: "a.example", Active: true}}, plugin.NewRegistry(nil), gate.New(gate.Config{}))
	summary, err := svc.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, summary.Empty())
}
