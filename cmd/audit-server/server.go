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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/audittrail/internal/config"
	"github.com/ehr/audittrail/internal/domain/audit"
	"github.com/ehr/audittrail/internal/domain/cures"
	"github.com/ehr/audittrail/internal/platform/auth"
	"github.com/ehr/audittrail/internal/platform/db"
	"github.com/ehr/audittrail/internal/platform/metrics"
	"github.com/ehr/audittrail/internal/platform/middleware"
	"github.com/ehr/audittrail/internal/platform/notification"
)

const shutdownTimeout = 10 * time.Second

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New(prometheus.NewRegistry())

	// Storage
	var (
		repo   audit.Repository
		pinger db.Pinger
	)
	switch cfg.StoreBackend {
	case config.StorePostgres:
		pool, err := db.NewPool(ctx, db.PoolConfig{
			URL:      cfg.DatabaseURL,
			MaxConns: cfg.DBMaxConns,
			MinConns: cfg.DBMinConns,
		})
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer pool.Close()
		logger.Info().Msg("connected to database")
		repo = audit.NewPGRepository(pool)
		pinger = pool
	default:
		logger.Warn().Msg("using in-memory audit store, events are lost on restart")
		repo = audit.NewMemoryRepository()
	}

	// Alerts
	alerter, closeAlerts, err := buildAlerter(cfg, logger)
	if err != nil {
		return err
	}
	defer closeAlerts()

	// Audit core
	auditSvc := audit.NewService(repo, logger)
	auditSvc.SetAlerter(alerter)
	auditSvc.SetMetrics(m)
	auditSvc.SetExportMaxRows(cfg.ExportMaxRows)

	queue := audit.NewQueue(auditSvc, audit.QueueConfig{
		Size:         cfg.AuditQueueSize,
		Workers:      cfg.AuditWorkers,
		MaxAttempts:  cfg.AuditMaxAttempts,
		WriteTimeout: cfg.AuditWriteTimeout,
	}, logger)
	queue.SetMetrics(m)

	detector := audit.NewDetector(repo, anomalyConfig(cfg))
	scanner := audit.NewScanner(detector, cfg.AnomalyScanInterval, logger)
	scanner.SetAlerter(alerter)
	scanner.SetMetrics(m)

	// Controlled-substance gate
	cache, closeCache := buildCache(ctx, cfg, logger)
	defer closeCache()
	curesSvc := cures.NewService(buildRegistry(cfg, m, logger), cache, auditSvc, logger)
	curesSvc.SetMetrics(m)
	curesSvc.SetAlerter(alerter)

	g, gctx := errgroup.WithContext(ctx)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", middleware.BreakGlassHeader},
	}))
	e.Use(middleware.SecurityHeaders(cfg.HSTS))
	e.Use(middleware.BodyLimit(cfg.BodyLimit, cfg.BatchBodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	// Health and metrics
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	e.GET("/health/db", db.HealthHandler(pinger))
	e.GET("/metrics", echo.WrapHandler(m.Handler()))

	// API group. Audit wraps authentication so rejected tokens are recorded too.
	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.Audit(middleware.AuditConfig{
		Sink:    queue,
		Logger:  logger,
		Skipper: skipExplicitAudit,
	}))
	apiV1.Use(middleware.Recovery(logger))
	apiV1.Use(authMiddleware(cfg))
	apiV1.Use(middleware.BreakGlass(gctx, logger))

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	auditHandler := audit.NewHandler(auditSvc, detector, logger)
	auditHandler.RegisterRoutes(apiV1)
	cures.NewHandler(curesSvc, logger).RegisterRoutes(apiV1, auditHandler.RecordDenied)

	g.Go(func() error { return queue.Run(gctx) })
	g.Go(func() error { return scanner.Run(gctx) })
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("store", cfg.StoreBackend).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := e.Shutdown(sctx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})

	err = g.Wait()
	logger.Info().
		Int64("dead_letters", queue.DeadLetters()).
		Msg("server stopped")
	return err
}

// skipExplicitAudit skips the client logging endpoints, whose bodies are
// themselves the audit record.
func skipExplicitAudit(c echo.Context) bool {
	switch c.Path() {
	case "/api/v1/audit/log", "/api/v1/audit/sync", "/api/v1/audit/auth-events":
		return true
	}
	return false
}

func authMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	jwtCfg := auth.JWTConfig{
		Issuer:   cfg.AuthIssuer,
		Audience: cfg.AuthAudience,
		JWKSURL:  cfg.AuthJWKSURL,
	}
	if cfg.AuthSigningKey != "" {
		jwtCfg.SigningKey = []byte(cfg.AuthSigningKey)
	}
	verify := auth.JWTMiddleware(jwtCfg)
	if cfg.ResolvedAuthMode() == config.AuthModeDevelopment {
		return auth.DevAuthMiddleware(verify)
	}
	return verify
}

// buildAlerter fans critical events out to the log and to every configured
// external sink. The returned func releases broker connections.
func buildAlerter(cfg *config.Config, logger zerolog.Logger) (notification.Alerter, func(), error) {
	sinks := notification.Multi{notification.NewLogAlerter(logger)}
	closeFn := func() {}

	if cfg.AlertWebhookURL != "" {
		sinks = append(sinks, notification.NewWebhookAlerter(cfg.AlertWebhookURL, cfg.AlertWebhookSecret))
	}
	if len(cfg.KafkaBrokers) > 0 {
		client, err := notification.NewKafkaClient(cfg.KafkaBrokers, cfg.KafkaAlertTopic)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, notification.NewKafkaAlerter(client, cfg.KafkaAlertTopic))
		closeFn = client.Close
	}
	return sinks, closeFn, nil
}

// buildCache prefers Redis when REDIS_URL is set and reachable. The cache
// is advisory, so an unreachable Redis falls back to process memory.
func buildCache(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (cures.Cache, func()) {
	mem := cures.NewMemoryCache(cfg.CURESCacheTTL)
	if cfg.RedisURL == "" {
		return mem, func() {}
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Warn().Err(err).Msg("invalid REDIS_URL, using in-memory cures cache")
		return mem, func() {}
	}
	client := redis.NewClient(opts)
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		logger.Warn().Err(err).Msg("redis unreachable, using in-memory cures cache")
		_ = client.Close()
		return mem, func() {}
	}
	return cures.NewRedisCache(client, cfg.CURESCacheTTL), func() { _ = client.Close() }
}

var errRegistryNotConfigured = errors.New("CURES_REGISTRY_URL is not set")

// buildRegistry returns the HTTP registry client. Without a URL every
// controlled-substance check fails closed.
func buildRegistry(cfg *config.Config, m *metrics.Metrics, logger zerolog.Logger) cures.Registry {
	if cfg.CURESRegistryURL == "" {
		logger.Warn().Msg("CURES_REGISTRY_URL not set, controlled substance checks will be blocked")
		return cures.RegistryFunc(func(ctx context.Context, patientID, medication string) (*cures.History, error) {
			return nil, &cures.RegistryError{Op: "query", Err: errRegistryNotConfigured}
		})
	}
	return cures.NewHTTPRegistry(cfg.CURESRegistryURL, cfg.CURESRegistryTimeout, cures.BreakerConfig{}, m, logger)
}
