package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/cds/internal/config"
	"github.com/ehr/cds/internal/domain/cds"
	"github.com/ehr/cds/internal/platform/breaker"
	"github.com/ehr/cds/internal/platform/cache"
	"github.com/ehr/cds/internal/platform/db"
	"github.com/ehr/cds/internal/platform/knowledge"
	"github.com/ehr/cds/internal/platform/middleware"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "cds-server",
		Short: "Clinical Decision Support API Server",
	}

	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the CDS API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx := context.Background()

	// Evaluation cache: Redis when configured, in-process memory otherwise.
	store := cache.NewStore(cfg.RedisURL, logger)
	if ms, ok := store.(*cache.MemoryStore); ok {
		ms.StartCleanup(ctx, time.Minute)
	}

	// Knowledge lookups share one breaker and the same cache backend as
	// evaluations; every key family carries its own prefix.
	br := breaker.New(cfg.BreakerThreshold, cfg.BreakerCooldown)
	metrics := cds.NewMetrics()
	client := knowledge.NewClient(
		cfg.KnowledgeBaseURL,
		br,
		store,
		store,
		logger,
		knowledge.WithMaxRetries(cfg.KnowledgeMaxRetries),
		knowledge.WithObserver(metrics),
	)

	engine := cds.NewEngine(
		cds.DefaultRegistry(),
		store,
		client,
		metrics,
		logger,
		cds.WithSlowThreshold(cfg.SlowEvalThreshold),
	)

	// Alert audit log is optional; without a database the endpoints that
	// need it report not-found.
	var auditRepo cds.AlertAuditRepository
	var pool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()
		auditRepo = cds.NewAlertAuditRepoPG(pool)
		logger.Info().Msg("connected to database, alert auditing enabled")
	} else {
		logger.Warn().Msg("DATABASE_URL not set, alert auditing disabled")
	}

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.RequestTimeout(30 * time.Second))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	handler := cds.NewHandler(engine, metrics, br, auditRepo, logger)
	handler.RegisterRoutes(e)

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	if pool != nil {
		e.GET("/health/db", db.HealthHandler(pool))
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
