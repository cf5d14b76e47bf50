// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pawnwatch/pawnwatch/internal/config"
	"github.com/pawnwatch/pawnwatch/internal/notifications"
	"github.com/pawnwatch/pawnwatch/internal/notifications/email"
	notificationspostgres "github.com/pawnwatch/pawnwatch/internal/notifications/postgres"
	"github.com/pawnwatch/pawnwatch/internal/pkg/ctxlog"
	"github.com/pawnwatch/pawnwatch/internal/pkg/httputil"
	"github.com/pawnwatch/pawnwatch/internal/pkg/metrics"
	"github.com/pawnwatch/pawnwatch/internal/pkg/postgres"
	"github.com/pawnwatch/pawnwatch/internal/version"
	"github.com/pawnwatch/pawnwatch/migrations"
)

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	db            *pgxpool.Pool
	server        *http.Server
	metricsServer *http.Server
	metricsCancel context.CancelFunc
	worker        *notifications.Worker
	reaper        *notifications.Reaper
}

// New creates a new application instance.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)
	slog.SetDefault(logger)

	connectCtx, connectCancel := context.WithTimeout(context.Background(), cfg.Database.ConnectTimeout)
	defer connectCancel()

	db, err := postgres.Connect(connectCtx, postgres.Config{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnectAttempts: cfg.Database.ConnectAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if cfg.Database.Migrate {
		if err := postgres.Migrate(cfg.Database.URL, migrations.FS); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate database: %w", err)
		}
	}

	metricsCtx, metricsCancel := context.WithCancel(context.Background())

	app := &App{
		config:        cfg,
		logger:        logger,
		db:            db,
		metricsCancel: metricsCancel,
	}

	go app.collectDBMetrics(metricsCtx)

	router, err := app.setupRouter(metricsCtx)
	if err != nil {
		db.Close()
		metricsCancel()
		return nil, fmt.Errorf("setup router: %w", err)
	}

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	// Metrics server on separate port
	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	app.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return app, nil
}

// Run starts the HTTP servers.
func (a *App) Run() error {
	// Start metrics server in background
	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
	)

	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the application.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down servers")

	a.metricsCancel()

	// Stop background loops before the store goes away
	if a.worker != nil {
		a.worker.Stop()
	}
	if a.reaper != nil {
		a.reaper.Stop()
	}

	// Shutdown both servers in parallel
	var wg sync.WaitGroup
	var errs []error
	var mu sync.Mutex

	wg.Add(2)

	go func() {
		defer wg.Done()
		if err := a.server.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
			mu.Unlock()
		}
	}()

	go func() {
		defer wg.Done()
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown metrics server: %w", err))
			mu.Unlock()
		}
	}()

	wg.Wait()

	a.db.Close()

	return errors.Join(errs...)
}

func (a *App) collectDBMetrics(ctx context.Context) {
	// Collect immediately on start
	metrics.RecordDBPoolMetrics(a.db)

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			metrics.RecordDBPoolMetrics(a.db)
		case <-ctx.Done():
			return
		}
	}
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

// Worker returns the scheduler worker instance. Used in tests to drive
// passes deterministically.
func (a *App) Worker() *notifications.Worker {
	return a.worker
}

func (a *App) setupRouter(ctx context.Context) (*chi.Mux, error) {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)

	// CORS must be early to handle preflight requests before other middleware
	r.Use(httputil.CORSMiddleware(a.config.CORS.AllowedOrigins))
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	nCfg := a.config.Notifications

	store := notificationspostgres.NewRepository(a.db, nCfg.Cooldown)
	gate := notifications.NewGate(store, nCfg.Cooldown)
	policy := notifications.NewPolicy(nCfg.Backoff.Classes())

	signer, err := notifications.NewLinkSigner(nCfg.LinkSecret)
	if err != nil {
		return nil, fmt.Errorf("create link signer: %w", err)
	}

	renderer, err := notifications.NewRenderer(notifications.RendererConfig{
		BaseURL:  nCfg.BaseURL,
		FromName: nCfg.Email.FromName,
	}, signer)
	if err != nil {
		return nil, fmt.Errorf("create renderer: %w", err)
	}

	sender, err := email.NewSender(email.Config{
		Enabled:       nCfg.Email.Enabled,
		APIKey:        nCfg.Email.APIKey,
		APIURL:        nCfg.Email.APIURL,
		FromAddress:   nCfg.Email.FromAddress,
		FromName:      nCfg.Email.FromName,
		RatePerSecond: nCfg.Email.RatePerSecond,
		Timeout:       nCfg.Email.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("create email sender: %w", err)
	}
	if !nCfg.Email.Enabled {
		slog.Warn("email sender is disabled: notifications will be rendered but not delivered")
	}

	processor := notifications.NewProcessor(store, renderer, sender, policy, notifications.ProcessorConfig{
		FanOut:          nCfg.Dispatch.FanOut,
		DispatchTimeout: nCfg.Dispatch.Timeout,
	})

	a.worker = notifications.NewWorker(notifications.WorkerConfig{
		BatchSize:            nCfg.Worker.BatchSize,
		MaxConcurrentBatches: nCfg.Worker.MaxConcurrentBatches,
		ProcessingInterval:   nCfg.Worker.ProcessingInterval,
	}, processor)
	a.worker.Start(ctx)

	a.reaper = notifications.NewReaper(notifications.ReaperConfig{
		StuckAfter:    nCfg.Reaper.StuckAfter,
		SweepInterval: nCfg.Reaper.SweepInterval,
		SweepLimit:    nCfg.Reaper.SweepLimit,
	}, store)
	a.reaper.Start(ctx)

	var tracker *notifications.Tracker
	if nCfg.Webhook.SigningSecret != "" {
		verifier, err := notifications.NewWebhookVerifier(nCfg.Webhook.SigningSecret, nCfg.Webhook.Tolerance)
		if err != nil {
			return nil, fmt.Errorf("create webhook verifier: %w", err)
		}
		tracker = notifications.NewTracker(store, verifier, policy)
	}

	service := notifications.NewService(store, gate, signer)
	handler := notifications.NewHandler(service, tracker)

	r.Route("/api/v1", func(r chi.Router) {
		handler.RegisterRoutes(r)
	})
	handler.RegisterPublicRoutes(r)

	return r, nil
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.db.Ping(ctx); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Database unavailable")
		return
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]string{
		"version":    version.Version,
		"commit":     version.GitCommit,
		"build_date": version.BuildDate,
	})
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
