// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/flowarr/internal/domain"
	"github.com/autobrr/flowarr/internal/metadata"
)

func TestResolveConfigPath(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "custom.conf")
	require.NoError(t, os.WriteFile(file, []byte(""), 0o600))

	assert.Equal(t, filepath.Join(dir, "config.toml"), resolveConfigPath(dir))
	assert.Equal(t, "/etc/flowarr/my.TOML", resolveConfigPath("/etc/flowarr/my.TOML"))
	assert.Equal(t, file, resolveConfigPath(file))
}

func TestIntParam(t *testing.T) {
	tests := []struct {
		params map[string]any
		want   int
		ok     bool
	}{
		{map[string]any{"id": 3}, 3, true},
		{map[string]any{"id": float64(7)}, 7, true},
		{map[string]any{"id": "12"}, 12, true},
		{map[string]any{"id": "x"}, 0, false},
		{map[string]any{}, 0, false},
		{nil, 0, false},
	}
	for _, tt := range tests {
		got, ok := intParam(tt.params, "id")
		assert.Equal(t, tt.ok, ok, "%v", tt.params)
		if tt.ok {
			assert.Equal(t, tt.want, got)
		}
	}
}

func TestBigMemoryModeCaches(t *testing.T) {
	conf := &domain.Config{}
	assert.Equal(t, metadata.DefaultCacheTTL, metadataTTL(conf))
	assert.Equal(t, indexerCacheTTL, indexerTTL(conf))

	conf.BigMemoryMode = true
	assert.Equal(t, 7*24*time.Hour, metadataTTL(conf))
	assert.Equal(t, indexerBigMemoryCacheTTL, indexerTTL(conf))
}

func TestLimitsFrom(t *testing.T) {
	limits := limitsFrom(&domain.Config{MaxActiveDownloads: 5, MinFreeSpaceGB: 2})
	assert.Equal(t, 5, limits.MaxActiveDownloads)
	assert.Equal(t, int64(2<<30), limits.MinFreeSpace)
}
