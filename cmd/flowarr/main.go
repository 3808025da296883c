// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/autobrr/flowarr/internal/config"
)

// Set via ldflags: -X main.version=... -X main.commit=... -X main.date=...
var (
	version = "dev"
	commit  = ""
	date    = ""
)

func main() {
	config.InitDefaultLogger(version)

	var rootCmd = &cobra.Command{
		Use:   "flowarr",
		Short: "Media automation for private trackers",
		Long: `flowarr - subscribes to films and series, searches private trackers,
hands torrents to qBittorrent or Transmission and organizes finished
downloads into a media library.`,
	}

	rootCmd.Version = version

	rootCmd.AddCommand(RunServeCommand())
	rootCmd.AddCommand(RunVersionCommand())
	rootCmd.AddCommand(RunGenerateConfigCommand())
	rootCmd.AddCommand(RunJobCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type dirFlags struct {
	configDir string
	dataDir   string
	logPath   string
}

func (f *dirFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.configDir, "config-dir", "", "config directory path (default is OS-specific: ~/.config/flowarr/ or %APPDATA%\\flowarr\\). Can also be a direct path to a .toml file")
	cmd.Flags().StringVar(&f.dataDir, "data-dir", "", "data directory for database and site definitions (default is next to config file)")
	cmd.Flags().StringVar(&f.logPath, "log-path", "", "log file path (default is stdout)")
}

func (f *dirFlags) load() (*config.AppConfig, error) {
	cfg, err := config.New(f.configDir, version)
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize configuration")
	}

	if f.dataDir != "" {
		os.Setenv("FLOWARR__DATA_DIR", f.dataDir)
		cfg.SetDataDir(f.dataDir)
	}
	if f.logPath != "" {
		os.Setenv("FLOWARR__LOG_PATH", f.logPath)
		cfg.Config.LogPath = f.logPath
	}

	cfg.ApplyLogConfig()
	return cfg, nil
}

func RunServeCommand() *cobra.Command {
	var flags dirFlags

	var command = &cobra.Command{
		Use:   "serve",
		Short: "Start the scheduler and API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg)
		},
	}

	flags.register(command)

	return command
}

func runServer(ctx context.Context, cfg *config.AppConfig) error {
	log.Info().Str("version", version).Str("commit", commit).Str("date", date).Msg("Starting flowarr")

	app, err := NewApp(ctx, cfg)
	if err != nil {
		return err
	}

	errCh, err := app.Start(ctx, version)
	if err != nil {
		if stopErr := app.Stop(); stopErr != nil {
			log.Error().Err(stopErr).Msg("got error during shutdown")
		}
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Msgf("got signal %v, shutting down", sig.String())
	case err := <-errCh:
		log.Error().Err(err).Msg("got unexpected error from server")
	}

	if err := app.Stop(); err != nil {
		return errors.Wrap(err, "graceful shutdown failed")
	}

	log.Info().Msg("Shutdown complete")
	return nil
}

func RunVersionCommand() *cobra.Command {
	var command = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of flowarr",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
			if commit != "" {
				fmt.Printf("commit: %s\n", commit)
			}
			if date != "" {
				fmt.Printf("built: %s\n", date)
			}
		},
	}

	return command
}

func RunGenerateConfigCommand() *cobra.Command {
	var configDir string

	command := &cobra.Command{
		Use:   "generate-config",
		Short: "Generate a default configuration file",
		Long: `Generate a default configuration file without starting the server.

If no --config-dir is specified, uses the OS-specific default location:
- Linux/macOS: ~/.config/flowarr/config.toml
- Windows: %APPDATA%\flowarr\config.toml

You can specify either a directory path or a direct file path:
- Directory: flowarr generate-config --config-dir /path/to/config/
- File: flowarr generate-config --config-dir /path/to/myconfig.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := resolveConfigPath(configDir)

			if _, err := os.Stat(configPath); err == nil {
				cmd.Printf("Configuration file already exists at: %s\n", configPath)
				cmd.Println("Skipping generation to avoid overwriting existing configuration.")
				return nil
			}

			if err := config.WriteDefaultConfig(configPath); err != nil {
				return errors.Wrap(err, "failed to create configuration file")
			}

			cmd.Printf("Configuration file created successfully at: %s\n", configPath)
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "",
		"config directory or file path (defaults to OS-specific location)")

	return command
}

func resolveConfigPath(configDir string) string {
	if configDir == "" {
		return filepath.Join(config.GetDefaultConfigDir(), "config.toml")
	}
	if strings.HasSuffix(strings.ToLower(configDir), ".toml") {
		return configDir
	}
	if info, err := os.Stat(configDir); err == nil && !info.IsDir() {
		return configDir
	}
	return filepath.Join(configDir, "config.toml")
}

func RunJobCommand() *cobra.Command {
	var (
		flags  dirFlags
		params string
	)

	command := &cobra.Command{
		Use:   "run <job_id>",
		Short: "Run a single job in the foreground and exit",
		Long: `Run a single job in the foreground and exit.

Known jobs: download_sync, transfer, subscribe_tmdb, subscribe_refresh,
subscribe_search, brush, autodelete, crossseed, cookiecloud, mediaserver_sync,
site_signin, downloader_reconnect.

Overrides are passed as a JSON object, e.g.
  flowarr run subscribe_search --params '{"id": 3}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var overrides map[string]any
			if params != "" {
				if err := json.Unmarshal([]byte(params), &overrides); err != nil {
					return errors.Wrap(err, "invalid --params")
				}
			}

			cfg, err := flags.load()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app, err := NewApp(ctx, cfg)
			if err != nil {
				return err
			}

			runErr := app.RunJob(ctx, args[0], overrides)
			if err := app.Stop(); err != nil {
				log.Error().Err(err).Msg("got error during shutdown")
			}
			return runErr
		},
	}

	flags.register(command)
	command.Flags().StringVar(&params, "params", "", "JSON object of job parameter overrides")

	return command
}
