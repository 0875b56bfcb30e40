package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/clinexam/internal/catalog"
	"github.com/ehr/clinexam/internal/config"
	"github.com/ehr/clinexam/internal/domain/exam"
	"github.com/ehr/clinexam/internal/platform/auth"
	"github.com/ehr/clinexam/internal/platform/db"
	"github.com/ehr/clinexam/internal/platform/middleware"
	"github.com/ehr/clinexam/internal/platform/notify"
	"github.com/ehr/clinexam/internal/platform/openapi"
	"github.com/ehr/clinexam/internal/platform/telemetry"
	"github.com/ehr/clinexam/internal/platform/webhook"
	"github.com/ehr/clinexam/internal/platform/websocket"
	"github.com/ehr/clinexam/internal/session"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "0.1.0"

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

// loadCatalog registers the built-in forms and, when configured, the forms
// found in CATALOG_DIR. Directory forms replace built-ins with the same id.
func loadCatalog(cfg *config.Config, logger zerolog.Logger) (*catalog.Registry, error) {
	reg := catalog.NewRegistry(logger)
	if err := reg.LoadBuiltin(); err != nil {
		return nil, fmt.Errorf("load built-in forms: %w", err)
	}
	if cfg.CatalogDir != "" {
		if err := reg.LoadDir(cfg.CatalogDir); err != nil {
			return nil, fmt.Errorf("load forms from %s: %w", cfg.CatalogDir, err)
		}
	}
	return reg, nil
}

// store is the completed-exam persistence chosen by STORE_DRIVER. For
// postgres, scope pins each API request to one pooled connection on
// DATABASE_SCHEMA.
type store struct {
	repo   exam.Repository
	health db.Pinger
	scope  echo.MiddlewareFunc
	close  func()
}

func openStore(ctx context.Context, cfg *config.Config, migrate bool, logger zerolog.Logger) (*store, error) {
	switch cfg.StoreDriver {
	case config.StorePostgres:
		pool, err := db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		if migrate {
			n, err := db.NewMigrator(pool, migrationFiles(cfg.MigrationsDir)).Up(ctx, cfg.DatabaseSchema)
			if err != nil {
				pool.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
			logger.Info().Int("applied", n).Str("schema", cfg.DatabaseSchema).Msg("migrations applied")
		}
		scope, err := db.SchemaMiddleware(pool, cfg.DatabaseSchema)
		if err != nil {
			pool.Close()
			return nil, err
		}
		logger.Info().Str("schema", cfg.DatabaseSchema).Msg("connected to database")
		return &store{repo: exam.NewRepoPG(pool), health: pool, scope: scope, close: pool.Close}, nil

	case config.StoreSQLite:
		sdb, err := exam.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("path", cfg.SQLitePath).Msg("opened sqlite exam store")
		return &store{repo: exam.NewRepoSQLite(sdb), health: db.SQLPinger{DB: sdb}, close: func() { sdb.Close() }}, nil
	}

	logger.Warn().Msg("completed exams are kept in memory and lost on restart")
	return &store{repo: exam.NewMemoryRepo(), close: func() {}}, nil
}

// app holds the wired server and everything that must be stopped with it.
type app struct {
	echo      *echo.Echo
	forms     *catalog.Registry
	sessions  *session.Manager
	hub       *websocket.Hub
	publisher *notify.RedisPublisher
	webhooks  *webhook.Dispatcher
	metrics   *telemetry.Metrics
	watcher   *catalog.Watcher
	store     *store
	redis     *redis.Client
}

func newApp(ctx context.Context, cfg *config.Config, migrate bool, logger zerolog.Logger) (*app, error) {
	policy, err := session.ParsePolicy(cfg.CompletionPolicy)
	if err != nil {
		return nil, err
	}
	forms, err := loadCatalog(cfg, logger)
	if err != nil {
		return nil, err
	}
	logger.Info().Int("forms", forms.Len()).Msg("form catalog loaded")

	a := &app{forms: forms, hub: websocket.NewHub(logger)}
	if a.store, err = openStore(ctx, cfg, migrate, logger); err != nil {
		return nil, err
	}

	if cfg.CatalogDir != "" && cfg.CatalogWatch {
		a.watcher, err = forms.Watch(ctx, cfg.CatalogDir, catalog.WithReloadHook(func(file string, err error) {
			if err != nil {
				logger.Error().Err(err).Str("file", file).Msg("form reload rejected; keeping previous version")
				return
			}
			logger.Info().Str("file", file).Msg("form reloaded")
		}))
		if err != nil {
			a.close()
			return nil, fmt.Errorf("watch %s: %w", cfg.CatalogDir, err)
		}
	}

	svc := exam.NewService(a.store.repo, logger)
	listeners := []session.SnapshotListener{a.hub}
	completion := []session.CompletionListener{svc, a.hub}

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		a.redis = redis.NewClient(opt)
		a.publisher = notify.NewRedisPublisher(a.redis, cfg.SnapshotTTL, logger)
		listeners = append(listeners, a.publisher)
		completion = append(completion, a.publisher)
	}

	if len(cfg.WebhookURLs) > 0 {
		endpoints := make([]webhook.Endpoint, 0, len(cfg.WebhookURLs))
		for _, u := range cfg.WebhookURLs {
			if err := webhook.ValidateURL(u); err != nil {
				a.close()
				return nil, fmt.Errorf("WEBHOOK_URLS: %w", err)
			}
			endpoints = append(endpoints, webhook.Endpoint{URL: u, Secret: cfg.WebhookSecret})
		}
		a.webhooks = webhook.NewDispatcher(endpoints, logger)
		completion = append(completion, a.webhooks)
	}

	if cfg.MetricsEnabled {
		a.metrics = telemetry.New()
		listeners = append(listeners, a.metrics)
		completion = append(completion, a.metrics)
	}

	a.sessions = session.NewManager(forms, session.ManagerConfig{
		Policy:        policy,
		ClockInterval: cfg.ClockInterval,
		Listeners:     listeners,
		OnComplete:    completion,
		OnTick:        a.hub.Tick,
	}, logger)

	a.echo = newEcho(cfg, logger, a, svc)
	return a, nil
}

func newEcho(cfg *config.Config, logger zerolog.Logger, a *app, svc *exam.Service) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	if a.metrics != nil {
		e.Use(a.metrics.Middleware())
	}
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	if cfg.RequestTimeout > 0 {
		e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	}

	// Auth middleware
	if cfg.IsDev() && cfg.AuthSigningKey == "" {
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}

	// Health checks
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":   "ok",
			"version":  version,
			"forms":    a.forms.Len(),
			"sessions": len(a.sessions.List()),
			"clients":  a.hub.ClientCount(),
		})
	})
	if a.store.health != nil {
		e.GET("/health/db", db.HealthHandler(a.store.health))
	}
	if a.publisher != nil {
		e.GET("/health/redis", db.HealthHandler(a.publisher))
	}
	if a.metrics != nil {
		e.GET("/metrics", a.metrics.Handler())
	}

	apiV1 := e.Group("/api/v1")
	if a.store.scope != nil {
		apiV1.Use(a.store.scope)
	}
	exam.NewHandler(svc, a.forms, a.sessions).RegisterRoutes(apiV1)

	websocket.NewHandler(a.hub, cfg.CORSOrigins...).RegisterRoutes(e.Group(""), exam.ClinicalAccess())
	openapi.NewGenerator(e, "clinexam", version).RegisterRoutes(e)
	return e
}

func (a *app) close() {
	if a.sessions != nil {
		a.sessions.Shutdown()
	}
	if a.watcher != nil {
		a.watcher.Stop()
	}
	if a.redis != nil {
		a.redis.Close()
	}
	if a.store != nil {
		a.store.close()
	}
}

func runServer(migrate bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, migrate, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to start")
		return err
	}
	defer a.close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("store", cfg.StoreDriver).Msg("starting server")
		if err := a.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	if a.publisher != nil {
		g.Go(func() error {
			if err := a.publisher.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("redis publisher: %w", err)
			}
			return nil
		})
	}
	if a.webhooks != nil {
		g.Go(func() error { return a.webhooks.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.echo.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
