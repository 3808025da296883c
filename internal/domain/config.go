// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import (
	"strings"
)

type SubscribeMode string

const (
	SubscribeModeSpider SubscribeMode = "spider"
	SubscribeModeRSS    SubscribeMode = "rss"
)

type TransferMode string

const (
	TransferModeLink     TransferMode = "link"
	TransferModeCopy     TransferMode = "copy"
	TransferModeMove     TransferMode = "move"
	TransferModeSoftlink TransferMode = "softlink"
)

// Valid reports whether the mode is one of the supported transfer modes.
func (m TransferMode) Valid() bool {
	switch m {
	case TransferModeLink, TransferModeCopy, TransferModeMove, TransferModeSoftlink:
		return true
	}
	return false
}

type Config struct {
	Version         string
	Host            string `toml:"host" mapstructure:"host"`
	Port            int    `toml:"port" mapstructure:"port"`
	BaseURL         string `toml:"baseUrl" mapstructure:"baseUrl"`
	SessionSecret   string `toml:"sessionSecret" mapstructure:"sessionSecret"`
	LogLevel        string `toml:"logLevel" mapstructure:"logLevel"`
	LogPath         string `toml:"logPath" mapstructure:"logPath"`
	LogMaxSize      int    `toml:"logMaxSize" mapstructure:"logMaxSize"`
	LogMaxBackups   int    `toml:"logMaxBackups" mapstructure:"logMaxBackups"`
	DataDir         string `toml:"dataDir" mapstructure:"dataDir"`
	MetricsEnabled  bool   `toml:"metricsEnabled" mapstructure:"metricsEnabled"`
	MetricsHost     string `toml:"metricsHost" mapstructure:"metricsHost"`
	MetricsPort     int    `toml:"metricsPort" mapstructure:"metricsPort"`
	Proxy           string `toml:"proxy" mapstructure:"proxy"`
	UserAgent       string `toml:"userAgent" mapstructure:"userAgent"`

	// Orchestration
	Indexer                 string        `toml:"indexer" mapstructure:"indexer"`
	SubscribeMode           SubscribeMode `toml:"subscribeMode" mapstructure:"subscribeMode"`
	SubscribeRSSInterval    int           `toml:"subscribeRssInterval" mapstructure:"subscribeRssInterval"`
	SubscribeSearch         bool          `toml:"subscribeSearch" mapstructure:"subscribeSearch"`
	Downloader              string        `toml:"downloader" mapstructure:"downloader"`
	DownloadPath            string        `toml:"downloadPath" mapstructure:"downloadPath"`
	LibraryPath             string        `toml:"libraryPath" mapstructure:"libraryPath"`
	TransferType            TransferMode  `toml:"transferType" mapstructure:"transferType"`
	LibraryCategory         bool          `toml:"libraryCategory" mapstructure:"libraryCategory"`
	TorrentTag              string        `toml:"torrentTag" mapstructure:"torrentTag"`
	CookieCloudInterval     int           `toml:"cookiecloudInterval" mapstructure:"cookiecloudInterval"`
	MediaServerSyncInterval int           `toml:"mediaserverSyncInterval" mapstructure:"mediaserverSyncInterval"`
	BigMemoryMode           bool          `toml:"bigMemoryMode" mapstructure:"bigMemoryMode"`

	MovieTemplate      string `toml:"movieTemplate" mapstructure:"movieTemplate"`
	TVTemplate         string `toml:"tvTemplate" mapstructure:"tvTemplate"`
	MaxActiveDownloads int    `toml:"maxActiveDownloads" mapstructure:"maxActiveDownloads"`
	MinFreeSpaceGB     int    `toml:"minFreeSpaceGB" mapstructure:"minFreeSpaceGB"`

	// External collaborators
	TMDBAPIKey            string   `toml:"tmdbApiKey" mapstructure:"tmdbApiKey"`
	TMDBLanguage          string   `toml:"tmdbLanguage" mapstructure:"tmdbLanguage"`
	IYUUToken             string   `toml:"iyuuToken" mapstructure:"iyuuToken"`
	CookieCloudURL        string   `toml:"cookiecloudUrl" mapstructure:"cookiecloudUrl"`
	CookieCloudKey        string   `toml:"cookiecloudKey" mapstructure:"cookiecloudKey"`
	CookieCloudPassword   string   `toml:"cookiecloudPassword" mapstructure:"cookiecloudPassword"`
	MediaServerRefreshURL string   `toml:"mediaserverRefreshUrl" mapstructure:"mediaserverRefreshUrl"`
	NotifyWebhooks        []string `toml:"notifyWebhooks" mapstructure:"notifyWebhooks"`
}

// LibraryPaths splits the comma separated library path option.
func (c *Config) LibraryPaths() []string {
	return splitList(c.LibraryPath)
}

// IndexerDomains returns the site domains selected for searching. Empty means every active site.
func (c *Config) IndexerDomains() []string {
	return splitList(c.Indexer)
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
