// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/flowarr/internal/api"
	"github.com/autobrr/flowarr/internal/config"
	"github.com/autobrr/flowarr/internal/database"
	"github.com/autobrr/flowarr/internal/domain"
	"github.com/autobrr/flowarr/internal/downloader"
	"github.com/autobrr/flowarr/internal/downloader/qbittorrent"
	"github.com/autobrr/flowarr/internal/downloader/transmission"
	"github.com/autobrr/flowarr/internal/events"
	"github.com/autobrr/flowarr/internal/gate"
	"github.com/autobrr/flowarr/internal/indexer"
	"github.com/autobrr/flowarr/internal/metadata"
	"github.com/autobrr/flowarr/internal/models"
	"github.com/autobrr/flowarr/internal/notify"
	"github.com/autobrr/flowarr/internal/plugin"
	"github.com/autobrr/flowarr/internal/scheduler"
	"github.com/autobrr/flowarr/internal/services/autodelete"
	"github.com/autobrr/flowarr/internal/services/brush"
	"github.com/autobrr/flowarr/internal/services/cookiecloud"
	"github.com/autobrr/flowarr/internal/services/crossseed"
	"github.com/autobrr/flowarr/internal/services/mediaserver"
	"github.com/autobrr/flowarr/internal/services/signin"
	"github.com/autobrr/flowarr/internal/services/subscribe"
	"github.com/autobrr/flowarr/internal/storage"
	"github.com/autobrr/flowarr/internal/transfer"
)

const (
	JobDownloaderReconnect = "downloader_reconnect"

	shutdownTimeout = 30 * time.Second

	indexerCacheTTL          = 5 * time.Minute
	indexerBigMemoryCacheTTL = 30 * time.Minute
)

// App owns every long-lived component of the process.
type App struct {
	cfg *config.AppConfig
	db  *database.DB
	bus *events.Bus

	renderer *gate.RodRenderer
	gate     *gate.Gate
	indexer  *indexer.Indexer
	metadata *metadata.Cached
	plugins  *plugin.Registry
	notifier *notify.Notifier

	sites         *models.SiteStore
	downloaders   *models.DownloaderStore
	downloaderErr *models.DownloaderErrorStore
	tasks         *models.TaskStore
	subscriptions *models.SubscriptionStore
	history       *models.TransferHistoryStore

	clients   *downloader.Manager
	submitter *downloader.Submitter
	syncer    *downloader.Syncer

	transfer    *transfer.Engine
	subscribe   *subscribe.Service
	brushTasks  *brush.TaskStore
	brush       *brush.Service
	policies    *autodelete.PolicyStore
	autodelete  *autodelete.Service
	crossseed   *crossseed.Service
	cookiecloud *cookiecloud.Service
	refresher   *mediaserver.Refresher
	signin      *signin.Service

	scheduler *scheduler.Scheduler
	handlers  map[string]scheduler.Handler
	scheduled atomic.Bool

	httpServer    *api.Server
	metricsServer *http.Server

	cancel context.CancelFunc
	ready  atomic.Bool
}

// NewApp opens the database and builds every service. Nothing runs until Start.
func NewApp(ctx context.Context, cfg *config.AppConfig) (*App, error) {
	conf := cfg.Config
	app := &App{cfg: cfg}

	db, err := database.New(ctx, cfg.GetDatabasePath())
	if err != nil {
		return nil, errors.Wrap(err, "could not open database")
	}
	app.db = db

	app.sites = models.NewSiteStore(db)
	app.tasks = models.NewTaskStore(db)
	app.subscriptions = models.NewSubscriptionStore(db)
	app.history = models.NewTransferHistoryStore(db)
	app.downloaderErr = models.NewDownloaderErrorStore(db)
	app.downloaders, err = models.NewDownloaderStore(db, cfg.GetEncryptionKey())
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "could not init downloader store")
	}
	kv := models.NewKVStore(db)

	app.bus = events.NewBus(scheduler.PoolSize())
	app.notifier = notify.New()
	app.notifier.Configure(conf.NotifyWebhooks)

	app.renderer = gate.NewRodRenderer("")
	app.gate = gate.New(gate.Config{Proxy: conf.Proxy, UserAgent: conf.UserAgent}, gate.WithRenderer(app.renderer))

	defs, err := indexer.LoadDefinitions(cfg.GetSitesDir())
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "could not load site definitions")
	}
	app.indexer = indexer.New(app.gate, defs, indexerTTL(conf))

	app.plugins = plugin.NewRegistry(app.indexer)
	if err := app.plugins.Register(plugin.NexusPHPSignIn{}); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "could not register built-in plugins")
	}

	app.metadata = metadata.NewCached(metadata.NewTMDB(conf.TMDBAPIKey, conf.TMDBLanguage), metadataTTL(conf))

	app.clients = downloader.NewManager(app.downloaders, app.downloaderErr)
	app.clients.RegisterFactory(models.DownloaderQbittorrent, qbittorrent.New)
	app.clients.RegisterFactory(models.DownloaderTransmission, transmission.New)
	app.clients.SetDefaultName(conf.Downloader)
	app.submitter = downloader.NewSubmitter(app.tasks, app.bus, conf.TorrentTag)
	app.syncer = downloader.NewSyncer(app.clients, app.tasks)

	app.refresher = mediaserver.NewRefresher(conf.MediaServerRefreshURL)
	app.transfer = transfer.NewEngine(app.clients, storage.NewLocal(), app.metadata, app.tasks, app.history, app.bus)
	if err := app.transfer.Configure(transfer.ConfigFrom(conf)); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "invalid transfer settings")
	}
	app.transfer.SetRefresher(app.refresher)

	fetcher := subscribe.NewGateFetcher(app.gate, app.sites)
	app.subscribe = subscribe.NewService(subscribe.ConfigFrom(conf), subscribe.Deps{
		Store:     app.subscriptions,
		Tasks:     app.tasks,
		Sites:     app.sites,
		Search:    app.indexer,
		Provider:  app.metadata,
		Clients:   app.clients,
		Submitter: app.submitter,
		Fetcher:   fetcher,
		Bus:       app.bus,
	})

	app.brushTasks = brush.NewTaskStore(kv)
	app.brush = brush.NewService(limitsFrom(conf), brush.Deps{
		Tasks:     app.brushTasks,
		Sites:     app.sites,
		Clients:   app.clients,
		Browser:   app.indexer,
		Submitter: app.submitter,
		Fetcher:   fetcher,
	})

	app.policies = autodelete.NewPolicyStore(kv)
	app.autodelete = autodelete.NewService(app.clients, app.policies)

	if conf.IYUUToken != "" {
		app.crossseed = crossseed.NewService(crossseed.Deps{
			Clients:   app.clients,
			Index:     crossseed.NewIYUUClient("", conf.IYUUToken),
			Sites:     app.sites,
			Gate:      app.gate,
			Submitter: app.submitter,
			KV:        kv,
		})
	}

	app.cookiecloud = cookiecloud.NewService(cookieCloudConfig(conf), app.sites)
	app.signin = signin.NewService(app.sites, app.plugins, app.gate)

	app.scheduler = scheduler.New()
	app.handlers = app.jobHandlers()

	cfg.RegisterReloadListener(app.reload)

	return app, nil
}

// jobHandlers maps job ids to their work, independent of triggers so the
// run command can execute one directly.
func (app *App) jobHandlers() map[string]scheduler.Handler {
	h := map[string]scheduler.Handler{
		downloader.SyncJobID: app.summarize(app.syncer.Run),
		transfer.JobID:       app.summarize(app.transfer.Run),
		subscribe.JobTMDB:    app.summarize(app.subscribe.RefreshMetadata),
		subscribe.JobRefresh: app.summarize(app.subscribe.Refresh),
		subscribe.JobSearch:  app.searchSubscriptions,
		brush.JobID:          app.summarize(app.brush.Run),
		autodelete.JobID:     app.summarize(app.autodelete.Run),
		cookiecloud.JobID:    app.summarize(app.cookiecloud.Run),
		mediaserver.JobID:    app.summarize(app.refresher.Run),
		signin.JobID:         app.summarize(app.signin.Run),
	}
	h[JobDownloaderReconnect] = func(ctx context.Context, _ map[string]any) error {
		return app.clients.ReconnectInactive(ctx)
	}
	if app.crossseed != nil {
		h[crossseed.JobID] = app.summarize(app.crossseed.Run)
	}
	return h
}

// searchSubscriptions searches every active subscription, or only the one
// named by the "id" override.
func (app *App) searchSubscriptions(ctx context.Context, params map[string]any) error {
	if id, ok := intParam(params, "id"); ok {
		return app.summarize(func(ctx context.Context) (*notify.RunSummary, error) {
			return app.subscribe.SearchOne(ctx, id)
		})(ctx, params)
	}
	return app.summarize(app.subscribe.Search)(ctx, params)
}

func (app *App) summarize(run func(ctx context.Context) (*notify.RunSummary, error)) scheduler.Handler {
	return func(ctx context.Context, _ map[string]any) error {
		summary, err := run(ctx)
		if summary != nil {
			summary.Emit(ctx, app.bus)
		}
		return err
	}
}

type jobBinding struct {
	id, name string
	trigger  scheduler.Trigger
}

// jobBindings computes the schedule for conf. Subscription search stays
// registered with a manual trigger when its schedule is off so it can still
// be run on demand.
func (app *App) jobBindings(conf *domain.Config) ([]jobBinding, error) {
	refresh := scheduler.RandomDaily(30)
	if conf.SubscribeMode == domain.SubscribeModeRSS {
		refresh = scheduler.Interval(time.Duration(max(conf.SubscribeRSSInterval, 5))*time.Minute, 0)
	}
	search := scheduler.Manual()
	if conf.SubscribeSearch {
		search = scheduler.Interval(24*time.Hour, 30*time.Minute)
	}

	bindings := []jobBinding{
		{JobDownloaderReconnect, "Downloader reconnect", scheduler.Interval(downloader.ReconnectInterval, 0)},
		{downloader.SyncJobID, "Sync downloads", scheduler.Interval(2*time.Minute, 0)},
		{transfer.JobID, "Transfer completed downloads", scheduler.Interval(5*time.Minute, 0)},
		{subscribe.JobTMDB, "Refresh subscription metadata", scheduler.Interval(6*time.Hour, 10*time.Minute)},
		{subscribe.JobRefresh, "Refresh subscriptions from sites", refresh},
		{subscribe.JobSearch, "Search subscriptions", search},
		{brush.JobID, "Brush", scheduler.Interval(10*time.Minute, time.Minute)},
		{autodelete.JobID, "Auto delete", scheduler.Interval(15*time.Minute, time.Minute)},
		{signin.JobID, "Site sign-in", scheduler.RandomDaily(1)},
	}
	if conf.CookieCloudInterval > 0 {
		bindings = append(bindings, jobBinding{cookiecloud.JobID, "CookieCloud sync", scheduler.Interval(time.Duration(conf.CookieCloudInterval)*time.Minute, 0)})
	}
	if conf.MediaServerSyncInterval > 0 && conf.MediaServerRefreshURL != "" {
		bindings = append(bindings, jobBinding{mediaserver.JobID, "Media server refresh", scheduler.Interval(time.Duration(conf.MediaServerSyncInterval)*time.Hour, 0)})
	}
	if app.crossseed != nil && conf.IYUUToken != "" {
		trigger, err := scheduler.Cron("0 */6 * * *")
		if err != nil {
			return nil, err
		}
		bindings = append(bindings, jobBinding{crossseed.JobID, "Cross-seed", trigger})
	}
	return bindings, nil
}

// registerJobs brings the scheduler in line with conf. Jobs whose trigger is
// unchanged keep their next fire time, jobs that are no longer scheduled
// are unregistered.
func (app *App) registerJobs(conf *domain.Config) error {
	bindings, err := app.jobBindings(conf)
	if err != nil {
		return err
	}

	current := make(map[string]string)
	for _, j := range app.scheduler.List() {
		current[j.ID] = j.Trigger
	}

	wanted := make(map[string]struct{}, len(bindings))
	for _, b := range bindings {
		wanted[b.id] = struct{}{}
		if trigger, ok := current[b.id]; ok && trigger == b.trigger.String() {
			continue
		}
		if err := app.scheduler.Register(b.id, b.name, b.trigger, app.handlers[b.id], nil); err != nil {
			return errors.Wrapf(err, "could not register job %s", b.id)
		}
	}
	for id := range current {
		if _, ok := wanted[id]; !ok {
			app.scheduler.Unregister(id)
			log.Info().Str("job", id).Msg("Job unscheduled")
		}
	}
	return nil
}

// reschedule re-registers jobs after a reload once Start has run.
func (app *App) reschedule(conf *domain.Config) {
	if !app.scheduled.Load() {
		return
	}
	if err := app.registerJobs(conf); err != nil {
		log.Error().Err(err).Msg("Failed to apply reloaded job schedule")
	}
}

func (app *App) subscribeEvents() {
	app.subscribe.Subscribe(app.bus)
	app.notifier.Subscribe(app.bus)
	app.plugins.Attach(app.bus)

	app.bus.Subscribe(events.SiteDeleted, "gate", func(_ context.Context, ev events.Event) error {
		if p, ok := ev.Payload.(events.SitePayload); ok {
			app.gate.Forget(p.Domain)
		}
		return nil
	})
}

// Start registers jobs and starts the scheduler, the API and the optional metrics listener.
// Errors from the listeners after startup are sent on the returned channel.
func (app *App) Start(ctx context.Context, version string) (<-chan error, error) {
	ctx, app.cancel = context.WithCancel(ctx)

	app.subscribeEvents()
	if err := app.registerJobs(app.cfg.Config); err != nil {
		return nil, err
	}
	app.scheduled.Store(true)

	if app.crossseed != nil {
		app.crossseed.Start(ctx)
	}

	// connect to active downloaders in the background so the first job finds them warm
	go func() {
		if err := app.clients.ReconnectInactive(ctx); err != nil {
			log.Debug().Err(err).Msg("Startup downloader connection incomplete")
		}
	}()

	app.httpServer = api.NewServer(app.apiDependencies(version))

	errCh := make(chan error, 2)
	serverReady := make(chan struct{}, 1)
	go func() {
		if err := app.httpServer.ListenAndServeReady(serverReady); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-serverReady:
	case err := <-errCh:
		return nil, errors.Wrap(err, "failed to start HTTP server")
	}

	conf := app.cfg.Config
	if conf.MetricsEnabled {
		app.metricsServer = api.NewMetricsServer(conf.MetricsHost, conf.MetricsPort)
		go func() {
			log.Info().Str("addr", app.metricsServer.Addr).Msg("Starting metrics server")
			if err := app.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	app.scheduler.Start()
	app.ready.Store(true)

	return errCh, nil
}

func (app *App) apiDependencies(version string) *api.Dependencies {
	deps := &api.Dependencies{
		Config:            app.cfg,
		Version:           version,
		Ready:             app.ready.Load,
		Jobs:              app.scheduler,
		Bus:               app.bus,
		SiteStore:         app.sites,
		SubscriptionStore: app.subscriptions,
		Subscriptions:     app.subscribe,
		TaskStore:         app.tasks,
		HistoryStore:      app.history,
		DownloaderStore:   app.downloaders,
		DownloaderErrors:  app.downloaderErr,
		ClientPool:        app.clients,
		BrushTasks:        app.brushTasks,
		AutoDeletePolicy:  app.policies,
		AutoDelete:        app.autodelete,
		Plugins:           app.plugins,
	}
	// a typed nil would defeat the nil check on the interface
	if app.crossseed != nil {
		deps.CrossSeed = app.crossseed
	}
	return deps
}

// RunJob executes one job in the foreground.
func (app *App) RunJob(ctx context.Context, id string, params map[string]any) error {
	app.subscribeEvents()
	h, ok := app.handlers[id]
	if !ok {
		return errors.Wrapf(scheduler.ErrJobNotFound, "job %q", id)
	}
	return h(ctx, params)
}

// Stop drains the listeners and running jobs within the shutdown timeout, then
// releases downloaders and the database.
func (app *App) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	app.ready.Store(false)

	var errs []error
	if app.httpServer != nil {
		if err := app.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, errors.Wrap(err, "http shutdown"))
		}
	}
	if app.metricsServer != nil {
		if err := app.metricsServer.Shutdown(ctx); err != nil {
			errs = append(errs, errors.Wrap(err, "metrics shutdown"))
		}
	}
	if err := app.scheduler.Stop(ctx); err != nil {
		errs = append(errs, errors.Wrap(err, "scheduler stop"))
	}
	if app.cancel != nil {
		app.cancel()
	}

	app.bus.Close()
	if err := app.clients.Close(); err != nil {
		errs = append(errs, errors.Wrap(err, "downloader close"))
	}
	if err := app.renderer.Close(); err != nil {
		errs = append(errs, errors.Wrap(err, "renderer close"))
	}
	if err := app.db.Close(); err != nil {
		errs = append(errs, errors.Wrap(err, "database close"))
	}

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// reload applies a changed config file to the running services.
func (app *App) reload(conf *domain.Config) {
	app.gate.UpdateConfig(conf.Proxy, conf.UserAgent)
	app.clients.SetDefaultName(conf.Downloader)
	app.submitter.SetTag(conf.TorrentTag)
	app.notifier.Configure(conf.NotifyWebhooks)
	app.metadata.SetTTL(metadataTTL(conf))
	if err := app.transfer.Configure(transfer.ConfigFrom(conf)); err != nil {
		log.Error().Err(err).Msg("Ignoring invalid transfer settings")
	}
	app.subscribe.SetConfig(subscribe.ConfigFrom(conf))
	app.brush.SetLimits(limitsFrom(conf))
	app.cookiecloud.SetConfig(cookieCloudConfig(conf))
	app.refresher.SetURL(conf.MediaServerRefreshURL)
	app.reschedule(conf)

	log.Debug().Msg("Applied reloaded configuration")
}

func metadataTTL(conf *domain.Config) time.Duration {
	if conf.BigMemoryMode {
		return metadata.BigMemoryCacheTTL
	}
	return metadata.DefaultCacheTTL
}

func indexerTTL(conf *domain.Config) time.Duration {
	if conf.BigMemoryMode {
		return indexerBigMemoryCacheTTL
	}
	return indexerCacheTTL
}

func limitsFrom(conf *domain.Config) downloader.Limits {
	return downloader.Limits{
		MaxActiveDownloads: conf.MaxActiveDownloads,
		MinFreeSpace:       int64(conf.MinFreeSpaceGB) << 30,
	}
}

func cookieCloudConfig(conf *domain.Config) cookiecloud.Config {
	return cookiecloud.Config{
		URL:      conf.CookieCloudURL,
		Key:      conf.CookieCloudKey,
		Password: conf.CookieCloudPassword,
	}
}

// intParam reads an integer override; JSON bodies decode numbers as float64.
func intParam(params map[string]any, key string) (int, bool) {
	switch v := params[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	case string:
		n, err := strconv.Atoi(v)
		return n, err == nil
	}
	return 0, false
}
