// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/flowarr/internal/domain"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	configPath := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))
	return configPath
}

func TestDatabasePathResolution(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(t *testing.T, tmpDir string) (configPath string, envDataDir string, expectedDBPath string)
	}{
		{
			name: "default_next_to_config",
			prepare: func(t *testing.T, tmpDir string) (string, string, string) {
				configPath := writeConfig(t, tmpDir, "host = \"localhost\"\nport = 8080\nsessionSecret = \"test-secret\"\n")
				return configPath, "", filepath.Join(tmpDir, "flowarr.db")
			},
		},
		{
			name: "explicit_data_dir_in_config",
			prepare: func(t *testing.T, tmpDir string) (string, string, string) {
				dataDir := filepath.Join(tmpDir, "data")
				require.NoError(t, os.MkdirAll(dataDir, 0o755))
				configPath := writeConfig(t, tmpDir, fmt.Sprintf("sessionSecret = \"test-secret\"\ndataDir = %q\n", dataDir))
				return configPath, "", filepath.Join(dataDir, "flowarr.db")
			},
		},
		{
			name: "env_var_override",
			prepare: func(t *testing.T, tmpDir string) (string, string, string) {
				configDataDir := filepath.Join(tmpDir, "config-data")
				envDataDir := filepath.Join(tmpDir, "env-data")
				require.NoError(t, os.MkdirAll(configDataDir, 0o755))
				require.NoError(t, os.MkdirAll(envDataDir, 0o755))
				configPath := writeConfig(t, tmpDir, fmt.Sprintf("sessionSecret = \"test-secret\"\ndataDir = %q\n", configDataDir))
				return configPath, envDataDir, filepath.Join(envDataDir, "flowarr.db")
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			configPath, envValue, expectedDBPath := tt.prepare(t, tmpDir)
			if envValue != "" {
				t.Setenv(envPrefix+"DATA_DIR", envValue)
			}

			cfg, err := New(configPath)
			require.NoError(t, err)

			assert.Equal(t, filepath.Clean(expectedDBPath), filepath.Clean(cfg.GetDatabasePath()))
		})
	}
}

func TestOrchestrationOptionsFromEnv(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := writeConfig(t, tmpDir, "sessionSecret = \"test-secret\"\ntransferType = \"copy\"\n")

	t.Setenv(envPrefix+"SUBSCRIBE_MODE", "rss")
	t.Setenv(envPrefix+"SUBSCRIBE_RSS_INTERVAL", "2")
	t.Setenv(envPrefix+"LIBRARY_PATH", "/lib/a,/lib/b")
	t.Setenv(envPrefix+"TORRENT_TAG", "MOVIEPILOT")
	t.Setenv(envPrefix+"BIG_MEMORY_MODE", "true")
	t.Setenv(envPrefix+"MEDIASERVER_SYNC_INTERVAL", "12")

	cfg, err := New(configPath)
	require.NoError(t, err)

	assert.Equal(t, domain.SubscribeModeRSS, cfg.Config.SubscribeMode)
	assert.Equal(t, minRSSInterval, cfg.Config.SubscribeRSSInterval, "interval is clamped")
	assert.Equal(t, []string{"/lib/a", "/lib/b"}, cfg.Config.LibraryPaths())
	assert.Equal(t, domain.TransferModeCopy, cfg.Config.TransferType)
	assert.Equal(t, "MOVIEPILOT", cfg.Config.TorrentTag)
	assert.True(t, cfg.Config.BigMemoryMode)
	assert.Equal(t, 12, cfg.Config.MediaServerSyncInterval)
	assert.NotEmpty(t, cfg.Config.TVTemplate)
}

func TestNormalizeRejectsUnknownTransferType(t *testing.T) {
	c := &AppConfig{Config: &domain.Config{TransferType: "rsync", SubscribeMode: "bogus"}}
	c.normalize()

	assert.Equal(t, domain.TransferModeLink, c.Config.TransferType)
	assert.Equal(t, domain.SubscribeModeSpider, c.Config.SubscribeMode)
	assert.Equal(t, defaultMovieTemplate, c.Config.MovieTemplate)
}

func TestGenerateSecureTokenHexOutput(t *testing.T) {
	tests := []struct {
		name   string
		length int
	}{
		{name: "standard_32_bytes", length: 32},
		{name: "small_token", length: 8},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			token, err := generateSecureToken(tt.length)
			require.NoError(t, err)

			assert.Len(t, token, tt.length*2)
			_, err = hex.DecodeString(token)
			require.NoError(t, err)
		})
	}
}

func TestGetEncryptionKey(t *testing.T) {
	tests := []struct {
		name   string
		secret string
	}{
		{name: "truncates_long_secret", secret: strings.Repeat("a", encryptionKeySize+8)},
		{name: "pads_short_secret", secret: "short"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			cfg := &AppConfig{Config: &domain.Config{SessionSecret: tt.secret}}

			key := cfg.GetEncryptionKey()
			require.Len(t, key, encryptionKeySize)

			if len(tt.secret) >= encryptionKeySize {
				assert.Equal(t, []byte(tt.secret[:encryptionKeySize]), key)
			} else {
				expected := make([]byte, encryptionKeySize)
				copy(expected, []byte(tt.secret))
				assert.Equal(t, expected, key)
			}
		})
	}
}

func TestConfigDirResolution(t *testing.T) {
	tests := []struct {
		name           string
		input          string
		setupFile      bool
		fileIsDir      bool
		expectedSuffix string
	}{
		{name: "toml_file_extension", input: "/path/to/custom.toml", expectedSuffix: "custom.toml"},
		{name: "directory_path", input: "/path/to/config", expectedSuffix: "config.toml"},
		{name: "existing_file_without_toml", input: "/path/to/configfile", setupFile: true, expectedSuffix: "configfile"},
		{name: "existing_directory", input: "/path/to/configdir", setupFile: true, fileIsDir: true, expectedSuffix: "config.toml"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			inputPath := filepath.Join(tmpDir, filepath.Base(tt.input))

			if tt.setupFile {
				if tt.fileIsDir {
					require.NoError(t, os.MkdirAll(inputPath, 0o755))
				} else {
					require.NoError(t, os.WriteFile(inputPath, []byte("test"), 0o644))
				}
			}

			c := &AppConfig{}
			result := c.resolveConfigPath(inputPath)
			assert.True(t, strings.HasSuffix(result, tt.expectedSuffix),
				"Expected result %s to end with %s", result, tt.expectedSuffix)
		})
	}
}

func TestNewWritesDefaultConfig(t *testing.T) {
	tmpDir := t.TempDir()

	cfg, err := New(tmpDir)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(tmpDir, "config.toml"))
	require.NoError(t, err)
	assert.Equal(t, domain.TransferModeLink, cfg.Config.TransferType)
	assert.Equal(t, "FLOWARR", cfg.Config.TorrentTag)
	assert.Equal(t, filepath.Join(tmpDir, "sites"), cfg.GetSitesDir())
}

func TestBindOrReadFromFile(t *testing.T) {
	tmpKeyFile := func(t *testing.T, tmpDir string) string {
		keyPath := filepath.Join(tmpDir, "key-file.txt")
		require.NoError(t, os.WriteFile(keyPath, []byte("key-from-file\n"), 0o644))
		return keyPath
	}
	noKeyFile := func(t *testing.T, tmpDir string) string { return "" }

	tests := []struct {
		name            string
		envVarValue     string
		envVarFileValue func(t *testing.T, tmpDir string) string
		expectedValue   string
	}{
		{name: "only_file_env_var", envVarFileValue: tmpKeyFile, expectedValue: "key-from-file"},
		{name: "only_plain_env_var", envVarValue: "key-not-from-file", envVarFileValue: noKeyFile, expectedValue: "key-not-from-file"},
		{name: "file_wins_over_plain", envVarValue: "key-not-from-file", envVarFileValue: tmpKeyFile, expectedValue: "key-from-file"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			envVar := envPrefix + "SESSION_SECRET"

			if tt.envVarValue != "" {
				t.Setenv(envVar, tt.envVarValue)
			}
			if path := tt.envVarFileValue(t, t.TempDir()); path != "" {
				t.Setenv(envVar+"_FILE", path)
			}

			configPath := writeConfig(t, t.TempDir(), "host = \"localhost\"\nport = 8080\n")
			cfg, err := New(configPath)

			require.NoError(t, err)
			assert.Equal(t, tt.expectedValue, cfg.Config.SessionSecret)
		})
	}
}
