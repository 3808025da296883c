// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/CAFxX/httpcompression"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/flowarr/internal/api/handlers"
	"github.com/autobrr/flowarr/internal/config"
	"github.com/autobrr/flowarr/internal/metrics"
	"github.com/autobrr/flowarr/internal/models"
	"github.com/autobrr/flowarr/internal/services/autodelete"
	"github.com/autobrr/flowarr/internal/services/brush"
)

type Server struct {
	server  *http.Server
	logger  zerolog.Logger
	config  *config.AppConfig
	version string
	deps    *Dependencies
}

// Dependencies are the stores and services the API exposes. CrossSeed may be
// nil when no IYUU token is configured.
type Dependencies struct {
	Config  *config.AppConfig
	Version string
	// Ready reports whether startup finished; nil means always ready.
	Ready func() bool

	Jobs              handlers.JobRunner
	Bus               handlers.Publisher
	SiteStore         *models.SiteStore
	SubscriptionStore *models.SubscriptionStore
	Subscriptions     handlers.Subscriber
	TaskStore         *models.TaskStore
	HistoryStore      *models.TransferHistoryStore
	DownloaderStore   *models.DownloaderStore
	DownloaderErrors  *models.DownloaderErrorStore
	ClientPool        handlers.ClientPool
	BrushTasks        *brush.TaskStore
	AutoDeletePolicy  *autodelete.PolicyStore
	AutoDelete        *autodelete.Service
	CrossSeed         handlers.SeedTransferrer
	Plugins           handlers.PluginRegistry
}

func NewServer(deps *Dependencies) *Server {
	return &Server{
		server: &http.Server{
			ReadHeaderTimeout: time.Second * 15,
			ReadTimeout:       60 * time.Second,
			WriteTimeout:      120 * time.Second,
			IdleTimeout:       180 * time.Second,
		},
		logger:  log.Logger.With().Str("module", "api").Logger(),
		config:  deps.Config,
		version: deps.Version,
		deps:    deps,
	}
}

func (s *Server) ListenAndServe() error {
	return s.open(nil)
}

// ListenAndServeReady behaves like ListenAndServe but signals once the listener is active.
func (s *Server) ListenAndServeReady(ready chan<- struct{}) error {
	return s.open(ready)
}

func (s *Server) open(ready chan<- struct{}) error {
	addr := fmt.Sprintf("%s:%d", s.config.Config.Host, s.config.Config.Port)

	var lastErr error
	for _, proto := range []string{"tcp", "tcp4", "tcp6"} {
		err := s.tryToServe(addr, proto, ready)
		if err == nil {
			return nil
		}

		if errors.Is(err, http.ErrServerClosed) {
			return err
		}

		s.logger.Error().Err(err).Str("addr", addr).Str("proto", proto).Msg("Failed to start server")
		lastErr = err
	}

	return lastErr
}

func (s *Server) tryToServe(addr, protocol string, ready chan<- struct{}) error {
	listener, err := net.Listen(protocol, addr)
	if err != nil {
		return err
	}

	host := listener.Addr().String()
	// Replace 0.0.0.0 or :: with localhost for clickable links
	if strings.HasPrefix(host, "0.0.0.0:") || strings.HasPrefix(host, "[::]:") {
		host = strings.Replace(host, "0.0.0.0:", "localhost:", 1)
		host = strings.Replace(host, "[::]:", "localhost:", 1)
	}

	s.logger.Info().
		Str("protocol", protocol).
		Str("addr", listener.Addr().String()).
		Str("base_url", s.config.Config.BaseURL).
		Msgf("Starting API server - Open: http://%s%sapi", host, s.baseURL())

	handler, err := s.Handler()
	if err != nil {
		listener.Close()
		return fmt.Errorf("build API router: %w", err)
	}

	s.server.Handler = handler

	if ready != nil {
		select {
		case ready <- struct{}{}:
		default:
		}
	}

	return s.server.Serve(listener)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) baseURL() string {
	base := s.config.Config.BaseURL
	if base == "" {
		return "/"
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base
}

func (s *Server) Handler() (*chi.Mux, error) {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	// Faster gzip level than the default; payloads are small JSON lists.
	compressor, err := httpcompression.DefaultAdapter(
		httpcompression.MinSize(1024),
		httpcompression.GzipCompressionLevel(2),
		httpcompression.Prefer(httpcompression.PreferServer),
	)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create HTTP compression adapter")
	} else {
		r.Use(compressor)
	}

	corsMiddleware := cors.New(cors.Options{
		AllowCredentials: true,
		AllowedMethods:   []string{"HEAD", "OPTIONS", "GET", "POST", "PUT", "PATCH", "DELETE"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		AllowOriginFunc:  func(origin string) bool { return true },
		MaxAge:           300,
	})
	r.Use(corsMiddleware.Handler)

	d := s.deps
	healthHandler := handlers.NewHealthHandler(s.version, d.Ready)

	apiRouter := chi.NewRouter()
	apiRouter.Group(func(r chi.Router) {
		r.Use(requestLogger(s.logger))

		if d.Jobs != nil {
			r.Route("/jobs", handlers.NewJobsHandler(d.Jobs).Routes)
		}
		if d.SiteStore != nil {
			r.Route("/sites", handlers.NewSitesHandler(d.SiteStore, d.Bus).Routes)
		}
		if d.SubscriptionStore != nil && d.Subscriptions != nil {
			r.Route("/subscriptions", handlers.NewSubscriptionsHandler(d.SubscriptionStore, d.Subscriptions).Routes)
		}
		if d.TaskStore != nil && d.HistoryStore != nil {
			tasksHandler := handlers.NewTasksHandler(d.TaskStore, d.HistoryStore, d.Bus)
			r.Route("/tasks", tasksHandler.Routes)
			r.Route("/history", tasksHandler.HistoryRoutes)
		}
		if d.DownloaderStore != nil && d.ClientPool != nil {
			r.Route("/downloaders", handlers.NewDownloadersHandler(d.DownloaderStore, d.DownloaderErrors, d.ClientPool).Routes)
		}
		if d.BrushTasks != nil {
			r.Route("/brush", handlers.NewBrushHandler(d.BrushTasks).Routes)
		}
		if d.AutoDeletePolicy != nil && d.AutoDelete != nil {
			r.Route("/autodelete", handlers.NewAutoDeleteHandler(d.AutoDeletePolicy, d.AutoDelete).Routes)
		}
		if d.CrossSeed != nil {
			r.Route("/crossseed", handlers.NewCrossSeedHandler(d.CrossSeed).Routes)
		}
		if d.Plugins != nil {
			r.Route("/plugins", handlers.NewPluginsHandler(d.Plugins).Routes)
		}
	})

	r.Get("/health", healthHandler.HandleHealth)
	r.Get("/healthz/readiness", healthHandler.HandleReady)
	r.Get("/healthz/liveness", healthHandler.HandleLiveness)

	r.Mount(s.baseURL()+"api", apiRouter)

	return r, nil
}

// NewMetricsServer serves Prometheus metrics on their own listener.
func NewMetricsServer(host string, port int) *http.Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", metrics.Handler())
	return &http.Server{
		Addr:              fmt.Sprintf("%s:%d", host, port),
		Handler:           r,
		ReadHeaderTimeout: 15 * time.Second,
	}
}
