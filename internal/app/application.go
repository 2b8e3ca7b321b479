// Package app wires every component into one runnable process.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"litepost/internal/admission"
	"litepost/internal/api"
	"litepost/internal/auth"
	"litepost/internal/config"
	"litepost/internal/database"
	"litepost/internal/feed"
	"litepost/internal/hub"
	"litepost/internal/mailer"
	"litepost/internal/observability"
	"litepost/internal/presence"
	"litepost/internal/registry"
	"litepost/internal/websocket"
	"litepost/pkg/interfaces"
)

const limiterCleanupInterval = time.Minute

// Application coordinates all system components
// Clean dependency injection pattern with proper initialization order
type Application struct {
	config     *config.Config
	logger     *slog.Logger
	metrics    *observability.Metrics
	dbManager  *database.Manager
	feed       *feed.Feed
	registry   *registry.Registry
	hub        *hub.Hub
	refresher  *presence.Refresher
	wsHandler  *websocket.Handler
	apiServer  *api.Server
	httpServer *http.Server

	mu       sync.Mutex
	listener net.Listener
	cancel   context.CancelFunc
	done     chan struct{}
	stopped  bool
}

// Options overrides collaborators, mostly for tests.
type Options struct {
	Logger *slog.Logger
	Mailer interfaces.Mailer
}

// NewApplication creates a new application instance with all components initialized
// Component initialization follows strict dependency order:
// Database → Feed → Registry → Gate → Dispatcher → Hub → Presence → WebSocket → API → HTTP
func NewApplication(cfg *config.Config, opts Options) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = observability.NewLogger(cfg.Log)
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(promRegistry)

	// STEP 1: Persistence, migrated before anything can query it
	dbManager, err := database.NewManager(&cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}
	if _, err := dbManager.Migrate(); err != nil {
		_ = dbManager.Close()
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}

	// STEP 2: Change feed and the in-memory membership table
	changeFeed := feed.New(cfg.Feed.BufferSize, logger, metrics)
	reg := registry.NewRegistry()

	// STEP 3: Admission, dispatch and client-event handling
	gate := admission.NewGate(dbManager, reg, admission.Options{
		LookupTimeout: cfg.Admission.LookupTimeout,
		Logger:        logger,
		Metrics:       metrics,
	})

	var welcome interfaces.Mailer = opts.Mailer
	if welcome == nil {
		welcome = mailer.NewFromConfig(cfg.Mail, logger)
	}
	dispatcher := hub.NewDispatcher(reg, welcome, logger, metrics)
	changeFeed.Subscribe(dispatcher)

	messageHub := hub.NewHub(reg, gate, dispatcher, cfg.Typing.Timeout, logger, metrics)
	refresher := presence.NewRefresher(reg, dispatcher, cfg.Presence.Interval, logger, metrics)

	// STEP 4: Transport and write API
	// TECHNICAL DISCOVERY: An empty secret still yields a verifier; every token is refused
	verifier := auth.NewJWTService(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiry)
	if cfg.Auth.JWTSecret == "" {
		logger.Warn("no JWT secret configured, all connections are anonymous")
	}

	wsHandler := websocket.NewHandler(messageHub, verifier, websocket.Config{
		PingInterval:    cfg.WebSocket.PingInterval,
		ReadTimeout:     cfg.WebSocket.ReadTimeout,
		WriteTimeout:    cfg.WebSocket.WriteTimeout,
		SendQueue:       cfg.WebSocket.SendQueue,
		MaxMessageBytes: cfg.WebSocket.MaxMessageBytes,
		EventsPerMinute: cfg.WebSocket.EventsPerMinute,
		AllowedOrigins:  cfg.WebSocket.AllowedOrigins,
	}, logger, metrics)

	apiServer := api.NewServer(dbManager, changeFeed, reg, verifier, api.Options{
		Logger:         logger,
		MetricsHandler: promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}),
	})

	// STEP 5: HTTP routing
	mux := http.NewServeMux()
	mux.Handle("/ws", wsHandler)
	mux.Handle("/", apiServer)

	httpServer := &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:     cfg,
		logger:     logger.With("component", "app"),
		metrics:    metrics,
		dbManager:  dbManager,
		feed:       changeFeed,
		registry:   reg,
		hub:        messageHub,
		refresher:  refresher,
		wsHandler:  wsHandler,
		apiServer:  apiServer,
		httpServer: httpServer,
	}, nil
}

// Start begins application execution
// Background workers start first, then the listener accepts connections.
func (app *Application) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	// STEP 1: Feed dispatch and presence refresh
	if err := app.feed.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to start change feed: %w", err)
	}
	if err := app.refresher.Start(runCtx); err != nil {
		cancel()
		_ = app.feed.Close()
		return fmt.Errorf("failed to start presence refresher: %w", err)
	}

	// STEP 2: Listener
	listener, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		cancel()
		_ = app.refresher.Stop()
		_ = app.feed.Close()
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}

	done := make(chan struct{})
	app.mu.Lock()
	app.listener = listener
	app.cancel = cancel
	app.done = done
	app.mu.Unlock()

	go func() {
		defer close(done)
		if err := app.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.logger.Error("HTTP server error", "error", err)
		}
	}()
	go app.cleanupLimiter(runCtx)

	app.logger.Info("litepost started", "addr", listener.Addr().String())
	return nil
}

func (app *Application) cleanupLimiter(ctx context.Context) {
	ticker := time.NewTicker(limiterCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := app.wsHandler.CleanupLimiter(); n > 0 {
				app.logger.Debug("rate limiter cleanup", "removed", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Stop gracefully shuts down the application
// Reverse dependency order: HTTP → WebSocket → Presence → Feed → Hub → Database
func (app *Application) Stop(ctx context.Context) error {
	app.mu.Lock()
	if app.stopped {
		app.mu.Unlock()
		return nil
	}
	app.stopped = true
	cancel, done := app.cancel, app.done
	app.mu.Unlock()

	app.logger.Info("shutting down")
	var errs []error

	// STEP 1: Stop accepting new connections
	if err := app.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if done != nil {
		<-done
	}

	// STEP 2: Hijacked websockets are not covered by http.Server.Shutdown
	if err := app.wsHandler.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("websocket shutdown: %w", err))
	}

	// STEP 3: Background workers; the feed drains what was already published
	if err := app.refresher.Stop(); err != nil && !errors.Is(err, presence.ErrNotRunning) {
		errs = append(errs, fmt.Errorf("presence shutdown: %w", err))
	}
	if err := app.feed.Close(); err != nil && !errors.Is(err, feed.ErrFeedClosed) {
		errs = append(errs, fmt.Errorf("feed shutdown: %w", err))
	}
	app.hub.Close()
	if cancel != nil {
		cancel()
	}

	// STEP 4: Close database connections
	if err := app.dbManager.Close(); err != nil {
		errs = append(errs, fmt.Errorf("database shutdown: %w", err))
	}

	app.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

// Addr returns the bound listen address once started, the configured one before.
func (app *Application) Addr() string {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Handler exposes the routed HTTP handler for in-process servers.
func (app *Application) Handler() http.Handler {
	return app.httpServer.Handler
}
