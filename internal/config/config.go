// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/autobrr/flowarr/internal/domain"
)

var envPrefix = "FLOWARR__"

const (
	defaultMovieTemplate = `{{title}}{{if year}} ({{year}}){{end}}/{{title}}{{if year}} ({{year}}){{end}}{{if part}}-{{part}}{{end}}{{if videoFormat}} - {{videoFormat}}{{end}}{{fileExt}}`
	defaultTVTemplate    = `{{title}}{{if year}} ({{year}}){{end}}/Season {{season}}/{{title}}{{if year}} ({{year}}){{end}} - {{season_episode}}{{if part}}-{{part}}{{end}}{{fileExt}}`
	minRSSInterval       = 5
	defaultUserAgent     = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
)

type AppConfig struct {
	Config  *domain.Config
	viper   *viper.Viper
	dataDir string
	version string

	listenersMu sync.RWMutex
	listeners   []func(*domain.Config)
}

func New(configDirOrPath string, versions ...string) (*AppConfig, error) {
	version := "dev"
	if len(versions) > 0 && strings.TrimSpace(versions[0]) != "" {
		version = versions[0]
	}

	c := &AppConfig{
		viper:   viper.New(),
		Config:  &domain.Config{},
		version: version,
	}

	c.defaults()

	if err := c.load(configDirOrPath); err != nil {
		return nil, err
	}

	c.loadFromEnv()

	if err := c.viper.Unmarshal(c.Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	c.Config.Version = c.version
	c.normalize()

	c.resolveDataDir()

	c.watchConfig()

	return c, nil
}

func (c *AppConfig) defaults() {
	host := "localhost"
	if detectContainer() {
		host = "0.0.0.0"
	}

	sessionSecret, err := generateSecureToken(encryptionKeySize)
	if err != nil {
		log.Error().Err(err).Msg("Failed to generate secure session secret, using fallback")
		sessionSecret = "change-me-" + fmt.Sprintf("%d", os.Getpid())
	}

	c.viper.SetDefault("host", host)
	c.viper.SetDefault("port", 7480)
	c.viper.SetDefault("baseUrl", "/")
	c.viper.SetDefault("sessionSecret", sessionSecret)
	c.viper.SetDefault("logLevel", "INFO")
	c.viper.SetDefault("logPath", "")
	c.viper.SetDefault("logMaxSize", 50)
	c.viper.SetDefault("logMaxBackups", 3)
	c.viper.SetDefault("dataDir", "")
	c.viper.SetDefault("metricsEnabled", false)
	c.viper.SetDefault("metricsHost", "127.0.0.1")
	c.viper.SetDefault("metricsPort", 9080)
	c.viper.SetDefault("proxy", "")
	c.viper.SetDefault("userAgent", defaultUserAgent)

	c.viper.SetDefault("indexer", "")
	c.viper.SetDefault("subscribeMode", string(domain.SubscribeModeSpider))
	c.viper.SetDefault("subscribeRssInterval", 30)
	c.viper.SetDefault("subscribeSearch", false)
	c.viper.SetDefault("downloader", "")
	c.viper.SetDefault("downloadPath", "")
	c.viper.SetDefault("libraryPath", "")
	c.viper.SetDefault("transferType", string(domain.TransferModeLink))
	c.viper.SetDefault("libraryCategory", false)
	c.viper.SetDefault("torrentTag", "FLOWARR")
	c.viper.SetDefault("cookiecloudInterval", 0)
	c.viper.SetDefault("mediaserverSyncInterval", 6)
	c.viper.SetDefault("bigMemoryMode", false)
	c.viper.SetDefault("movieTemplate", defaultMovieTemplate)
	c.viper.SetDefault("tvTemplate", defaultTVTemplate)
	c.viper.SetDefault("maxActiveDownloads", 0)
	c.viper.SetDefault("minFreeSpaceGB", 0)
	c.viper.SetDefault("tmdbLanguage", "en-US")
	c.viper.SetDefault("notifyWebhooks", []string{})
}

func (c *AppConfig) load(configDirOrPath string) error {
	c.viper.SetConfigType("toml")

	if configDirOrPath != "" {
		configPath := c.resolveConfigPath(configDirOrPath)
		c.viper.SetConfigFile(configPath)

		if err := c.viper.ReadInConfig(); err != nil {
			if _, statErr := os.Stat(configPath); os.IsNotExist(statErr) {
				if err := c.writeDefaultConfig(configPath); err != nil {
					return err
				}
				if err := c.viper.ReadInConfig(); err != nil {
					return fmt.Errorf("failed to read newly created config: %w", err)
				}
				return nil
			}
			return fmt.Errorf("failed to read config: %w", err)
		}
		return nil
	}

	c.viper.SetConfigName("config")
	c.viper.AddConfigPath(".")
	c.viper.AddConfigPath(GetDefaultConfigDir())

	if err := c.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			defaultConfigPath := filepath.Join(GetDefaultConfigDir(), "config.toml")
			if err := c.writeDefaultConfig(defaultConfigPath); err != nil {
				return err
			}
			c.viper.SetConfigFile(defaultConfigPath)
			if err := c.viper.ReadInConfig(); err != nil {
				return fmt.Errorf("failed to read newly created config: %w", err)
			}
			c.dataDir = filepath.Dir(defaultConfigPath)
			return nil
		}
		return fmt.Errorf("failed to read config: %w", err)
	}

	return nil
}

func (c *AppConfig) loadFromEnv() {
	// Bind explicitly instead of AutomaticEnv so unrelated container vars never leak in.
	c.viper.BindEnv("host", envPrefix+"HOST")
	c.viper.BindEnv("port", envPrefix+"PORT")
	c.viper.BindEnv("baseUrl", envPrefix+"BASE_URL")
	c.bindOrReadFromFile("sessionSecret", envPrefix+"SESSION_SECRET")
	c.viper.BindEnv("logLevel", envPrefix+"LOG_LEVEL")
	c.viper.BindEnv("logPath", envPrefix+"LOG_PATH")
	c.viper.BindEnv("logMaxSize", envPrefix+"LOG_MAX_SIZE")
	c.viper.BindEnv("logMaxBackups", envPrefix+"LOG_MAX_BACKUPS")
	c.viper.BindEnv("dataDir", envPrefix+"DATA_DIR")
	c.viper.BindEnv("metricsEnabled", envPrefix+"METRICS_ENABLED")
	c.viper.BindEnv("metricsHost", envPrefix+"METRICS_HOST")
	c.viper.BindEnv("metricsPort", envPrefix+"METRICS_PORT")
	c.viper.BindEnv("proxy", envPrefix+"PROXY")
	c.viper.BindEnv("userAgent", envPrefix+"USER_AGENT")

	c.viper.BindEnv("indexer", envPrefix+"INDEXER")
	c.viper.BindEnv("subscribeMode", envPrefix+"SUBSCRIBE_MODE")
	c.viper.BindEnv("subscribeRssInterval", envPrefix+"SUBSCRIBE_RSS_INTERVAL")
	c.viper.BindEnv("subscribeSearch", envPrefix+"SUBSCRIBE_SEARCH")
	c.viper.BindEnv("downloader", envPrefix+"DOWNLOADER")
	c.viper.BindEnv("downloadPath", envPrefix+"DOWNLOAD_PATH")
	c.viper.BindEnv("libraryPath", envPrefix+"LIBRARY_PATH")
	c.viper.BindEnv("transferType", envPrefix+"TRANSFER_TYPE")
	c.viper.BindEnv("libraryCategory", envPrefix+"LIBRARY_CATEGORY")
	c.viper.BindEnv("torrentTag", envPrefix+"TORRENT_TAG")
	c.viper.BindEnv("cookiecloudInterval", envPrefix+"COOKIECLOUD_INTERVAL")
	c.viper.BindEnv("mediaserverSyncInterval", envPrefix+"MEDIASERVER_SYNC_INTERVAL")
	c.viper.BindEnv("bigMemoryMode", envPrefix+"BIG_MEMORY_MODE")
	c.viper.BindEnv("movieTemplate", envPrefix+"MOVIE_TEMPLATE")
	c.viper.BindEnv("tvTemplate", envPrefix+"TV_TEMPLATE")
	c.viper.BindEnv("maxActiveDownloads", envPrefix+"MAX_ACTIVE_DOWNLOADS")
	c.viper.BindEnv("minFreeSpaceGB", envPrefix+"MIN_FREE_SPACE_GB")

	c.bindOrReadFromFile("tmdbApiKey", envPrefix+"TMDB_API_KEY")
	c.viper.BindEnv("tmdbLanguage", envPrefix+"TMDB_LANGUAGE")
	c.bindOrReadFromFile("iyuuToken", envPrefix+"IYUU_TOKEN")
	c.viper.BindEnv("cookiecloudUrl", envPrefix+"COOKIECLOUD_URL")
	c.viper.BindEnv("cookiecloudKey", envPrefix+"COOKIECLOUD_KEY")
	c.bindOrReadFromFile("cookiecloudPassword", envPrefix+"COOKIECLOUD_PASSWORD")
	c.viper.BindEnv("mediaserverRefreshUrl", envPrefix+"MEDIASERVER_REFRESH_URL")
}

// normalize clamps values the core relies on.
func (c *AppConfig) normalize() {
	cfg := c.Config

	switch domain.SubscribeMode(strings.ToLower(string(cfg.SubscribeMode))) {
	case domain.SubscribeModeRSS:
		cfg.SubscribeMode = domain.SubscribeModeRSS
	default:
		cfg.SubscribeMode = domain.SubscribeModeSpider
	}

	if cfg.SubscribeRSSInterval < minRSSInterval {
		cfg.SubscribeRSSInterval = minRSSInterval
	}

	cfg.TransferType = domain.TransferMode(strings.ToLower(string(cfg.TransferType)))
	if !cfg.TransferType.Valid() {
		log.Warn().Str("transferType", string(cfg.TransferType)).Msg("Unknown transfer type, falling back to link")
		cfg.TransferType = domain.TransferModeLink
	}

	if strings.TrimSpace(cfg.MovieTemplate) == "" {
		cfg.MovieTemplate = defaultMovieTemplate
	}
	if strings.TrimSpace(cfg.TVTemplate) == "" {
		cfg.TVTemplate = defaultTVTemplate
	}
}

func (c *AppConfig) watchConfig() {
	c.viper.WatchConfig()
	c.viper.OnConfigChange(func(e fsnotify.Event) {
		log.Info().Msgf("Config file changed: %s", e.Name)

		if err := c.viper.Unmarshal(c.Config); err != nil {
			log.Error().Err(err).Msg("Failed to reload configuration")
			return
		}

		c.applyDynamicChanges()
	})
}

func (c *AppConfig) applyDynamicChanges() {
	c.Config.Version = c.version
	c.normalize()
	c.ApplyLogConfig()

	c.notifyListeners()
}

// RegisterReloadListener registers a callback that's invoked when the configuration file is reloaded.
func (c *AppConfig) RegisterReloadListener(fn func(*domain.Config)) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *AppConfig) notifyListeners() {
	c.listenersMu.RLock()
	listeners := append([]func(*domain.Config){}, c.listeners...)
	c.listenersMu.RUnlock()

	if len(listeners) == 0 {
		return
	}

	copied := *c.Config
	for _, listener := range listeners {
		listener(&copied)
	}
}

const configTemplate = `# config.toml - Auto-generated on first run

# Hostname / IP
# Default: "localhost" (or "0.0.0.0" in containers)
host = "{{ .host }}"

# Port
# Default: 7480
port = {{ .port }}

# Session secret, used to encrypt downloader passwords and site cookies at rest
# WARNING: Changing this value makes stored secrets unreadable.
sessionSecret = "{{ .sessionSecret }}"

# Log level
# Options: "ERROR", "DEBUG", "INFO", "WARN", "TRACE"
logLevel = "{{ .logLevel }}"

# Log file path. Logs to stdout when unset.
#logPath = "log/flowarr.log"
#logMaxSize = {{ .logMaxSize }}
#logMaxBackups = {{ .logMaxBackups }}

# Data directory (default: next to config file)
#dataDir = "/var/db/flowarr"

# Proxy for sites flagged to use one. http://, https:// and socks5:// are supported.
#proxy = ""

# Default User-Agent for sites without their own
#userAgent = "{{ .userAgent }}"

# Comma separated site domains used for searching. Empty uses every active site.
#indexer = ""

# Subscription discovery: "spider" scrapes listing pages about 30 times a day,
# "rss" polls each site feed every subscribeRssInterval minutes.
subscribeMode = "{{ .subscribeMode }}"
#subscribeRssInterval = 30

# Run the daily active search for subscriptions
#subscribeSearch = false

# Default downloader name
#downloader = ""

# Save path handed to the downloader
#downloadPath = "/downloads"

# Library roots, comma separated
#libraryPath = "/library"

# One of "link", "copy", "move", "softlink"
transferType = "{{ .transferType }}"

# Place movies and series into per-category folders
#libraryCategory = false

# Tag added to every torrent submitted by flowarr
torrentTag = "{{ .torrentTag }}"

# CookieCloud sync interval in minutes (0 disables)
#cookiecloudInterval = 0
#cookiecloudUrl = ""
#cookiecloudKey = ""
#cookiecloudPassword = ""

# Media server refresh interval in hours (0 disables)
#mediaserverSyncInterval = 6
#mediaserverRefreshUrl = ""

# Keep larger in-memory caches
#bigMemoryMode = false

# Backpressure for subscription search and brush submissions (0 disables)
#maxActiveDownloads = 0
#minFreeSpaceGB = 0

#tmdbApiKey = ""
#tmdbLanguage = "en-US"
#iyuuToken = ""
#notifyWebhooks = []

# Prometheus metrics on a separate listener
#metricsEnabled = false
#metricsHost = "127.0.0.1"
#metricsPort = 9080
`

func (c *AppConfig) writeDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		log.Debug().Msgf("Config file already exists at: %s", path)
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}

	data := map[string]any{
		"host":          c.viper.GetString("host"),
		"port":          c.viper.GetInt("port"),
		"sessionSecret": c.viper.GetString("sessionSecret"),
		"logLevel":      c.viper.GetString("logLevel"),
		"logMaxSize":    c.viper.GetInt("logMaxSize"),
		"logMaxBackups": c.viper.GetInt("logMaxBackups"),
		"subscribeMode": c.viper.GetString("subscribeMode"),
		"transferType":  c.viper.GetString("transferType"),
		"torrentTag":    c.viper.GetString("torrentTag"),
		"userAgent":     c.viper.GetString("userAgent"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("failed to parse config template: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	if err := tmpl.Execute(f, data); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Info().Msgf("Created default config file: %s", path)
	return nil
}

// GetDefaultConfigDir returns the OS-specific config directory
func GetDefaultConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		if xdgConfig == "/config" {
			return xdgConfig
		}
		return filepath.Join(xdgConfig, "flowarr")
	}

	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "flowarr")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "AppData", "Roaming", "flowarr")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "flowarr")
	}
}

func detectContainer() bool {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	if _, err := os.Stat("/dev/.lxc-boot-id"); err == nil {
		return true
	}
	return os.Getpid() == 1
}

func generateSecureToken(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate secure token: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}

func (c *AppConfig) ApplyLogConfig() {
	zerolog.TimeFieldFormat = time.RFC3339

	setLogLevel(c.Config.LogLevel)

	writer := baseLogWriter(c.version)

	if c.Config.LogPath != "" {
		multiWriter, err := setupLogFile(c.Config.LogPath, writer, c.Config.LogMaxSize, c.Config.LogMaxBackups)
		if err != nil {
			log.Error().Err(err).Msg("Failed to setup log file")
		} else {
			writer = multiWriter
		}
	}

	log.Logger = log.Logger.Output(writer)
}

func setLogLevel(level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Logger.Level(lvl)
}

func setupLogFile(path string, base io.Writer, maxSize, maxBackups int) (io.Writer, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	if maxSize <= 0 {
		maxSize = 50
	}
	if maxBackups < 0 {
		maxBackups = 0
	}

	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
	}

	return io.MultiWriter(base, rotator), nil
}

func baseLogWriter(version string) io.Writer {
	if isDevBuild(version) {
		writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		writer.PartsOrder = []string{zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName}
		return writer
	}
	return os.Stderr
}

// InitDefaultLogger configures zerolog with the default writer for this version.
// Used by CLI entry points before a configuration file is loaded.
func InitDefaultLogger(version string) {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Logger.Output(baseLogWriter(version))
}

func isDevBuild(version string) bool {
	v := strings.ToLower(strings.TrimSpace(version))
	return v == "" || v == "dev" || strings.HasSuffix(v, "-dev")
}

func (c *AppConfig) resolveConfigPath(configDirOrPath string) string {
	if strings.HasSuffix(strings.ToLower(configDirOrPath), ".toml") {
		return configDirOrPath
	}

	if info, err := os.Stat(configDirOrPath); err == nil && !info.IsDir() {
		return configDirOrPath
	}

	return filepath.Join(configDirOrPath, "config.toml")
}

func (c *AppConfig) resolveDataDir() {
	switch {
	case c.Config.DataDir != "":
		c.dataDir = c.Config.DataDir
	case c.viper.ConfigFileUsed() != "":
		c.dataDir = filepath.Dir(c.viper.ConfigFileUsed())
	default:
		c.dataDir = "."
	}
}

// GetDatabasePath returns the path to the catalog database file
func (c *AppConfig) GetDatabasePath() string {
	return filepath.Join(c.dataDir, "flowarr.db")
}

// GetSitesDir returns the directory holding site selector definitions.
func (c *AppConfig) GetSitesDir() string {
	return filepath.Join(c.dataDir, "sites")
}

// GetTorrentCacheDir returns where fetched .torrent files are kept for seeding transfers.
func (c *AppConfig) GetTorrentCacheDir() string {
	return filepath.Join(c.dataDir, "torrents")
}

func (c *AppConfig) GetDataDir() string {
	return c.dataDir
}

// SetDataDir sets the data directory (used by CLI flags)
func (c *AppConfig) SetDataDir(dir string) {
	c.dataDir = dir
}

const encryptionKeySize = 32

func WriteDefaultConfig(path string) error {
	c := &AppConfig{
		viper: viper.New(),
	}

	c.defaults()

	return c.writeDefaultConfig(path)
}

// GetEncryptionKey derives a 32-byte encryption key from the session secret
func (c *AppConfig) GetEncryptionKey() []byte {
	secret := c.Config.SessionSecret
	if len(secret) >= encryptionKeySize {
		return []byte(secret[:encryptionKeySize])
	}

	padded := make([]byte, encryptionKeySize)
	copy(padded, []byte(secret))
	return padded
}

// bindOrReadFromFile reads <envVar>_FILE when present, otherwise binds envVar.
func (c *AppConfig) bindOrReadFromFile(viperVar string, envVar string) {
	if filePath := os.Getenv(envVar + "_FILE"); filePath != "" {
		content, err := os.ReadFile(filePath)
		if err != nil {
			log.Fatal().Err(err).Str("path", filePath).Msg("Could not read " + envVar + "_FILE")
		}
		c.viper.Set(viperVar, strings.TrimSpace(string(content)))
		return
	}
	c.viper.BindEnv(viperVar, envVar)
}
