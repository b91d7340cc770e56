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
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/carewatch/internal/config"
	"github.com/ehr/carewatch/internal/domain/monitoring"
	"github.com/ehr/carewatch/internal/domain/threshold"
	"github.com/ehr/carewatch/internal/platform/actor"
	"github.com/ehr/carewatch/internal/platform/auth"
	"github.com/ehr/carewatch/internal/platform/db"
	"github.com/ehr/carewatch/internal/platform/hl7v2"
	"github.com/ehr/carewatch/internal/platform/ingest"
	"github.com/ehr/carewatch/internal/platform/middleware"
	"github.com/ehr/carewatch/internal/platform/redisstream"
	"github.com/ehr/carewatch/internal/platform/telemetry"
	"github.com/ehr/carewatch/internal/platform/websocket"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:           "carewatch",
		Short:         "Patient vital-sign monitoring server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(rulesCmd())
	rootCmd.AddCommand(watchCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg != nil && cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the monitoring server",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrate, _ := cmd.Flags().GetBool("migrate")
			return runServer(migrate)
		},
	}
	cmd.Flags().Bool("migrate", false, "Apply pending migrations before serving")
	return cmd
}

// server is the assembled process: HTTP surface plus the background
// runners that share its lifetime.
type server struct {
	echo    *echo.Echo
	svc     *monitoring.Service
	hub     *websocket.Hub
	tp      *telemetry.TelemetryProvider
	store   *store
	runners []func(ctx context.Context) error
}

func runServer(migrate bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("failed to open storage")
		return err
	}
	defer st.Close()
	logger.Info().Str("driver", cfg.StorageDriver).Msg("connected to database")

	if migrate {
		n, err := st.migrator.Up(ctx)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		logger.Info().Int("applied", n).Msg("migrations applied")
	}

	srv, err := newServer(ctx, cfg, st, logger)
	if err != nil {
		return err
	}
	defer srv.svc.Close()
	defer srv.tp.Shutdown(context.Background())

	g, gctx := errgroup.WithContext(ctx)
	for _, run := range srv.runners {
		run := run
		g.Go(func() error { return run(gctx) })
	}

	addr := ":" + cfg.Port
	g.Go(func() error {
		logger.Info().Str("addr", addr).Str("version", version).Msg("starting carewatch server")
		if err := srv.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.echo.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

func newServer(ctx context.Context, cfg *config.Config, st *store, logger zerolog.Logger) (*server, error) {
	tp := telemetry.NewTelemetryProvider(telemetry.TelemetryConfig{
		ServiceName:    "carewatch",
		ServiceVersion: version,
		Environment:    cfg.Env,
	})
	srv := &server{tp: tp, store: st}

	// Threshold rules: per-patient overrides and defaults in the database,
	// defaults from THRESHOLDS_FILE behind them, all behind an LRU.
	fileRules, err := loadDefaultRules(cfg.ThresholdsFile, logger)
	if err != nil {
		return nil, err
	}
	rules := threshold.NewCached(threshold.NewLayered(st.rules, fileRules), cfg.RuleCacheSize, cfg.RuleCacheTTL)

	// Fan-out
	srv.hub = websocket.NewHub(websocket.HubConfig{QueueSize: cfg.FanoutQueueSize}, logger, tp)
	publishers := []websocket.EventPublisher{srv.hub}
	if cfg.RedisAddr != "" {
		rcfg := redisstream.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Stream:   cfg.RedisStream,
			MaxLen:   cfg.RedisStreamMaxLen,
		}
		client, err := redisstream.Connect(ctx, rcfg)
		if err != nil {
			return nil, err
		}
		mirror := redisstream.NewMirror(client, rcfg, logger)
		publishers = append(publishers, mirror)
		srv.runners = append(srv.runners, func(ctx context.Context) error {
			defer client.Close()
			return mirror.Run(ctx)
		})
		logger.Info().Str("addr", cfg.RedisAddr).Str("stream", rcfg.Stream).Msg("redis event mirror enabled")
	}

	srv.svc = monitoring.NewService(monitoring.Deps{
		Encounters: st.encounters,
		Alarms:     st.alarms,
		Readings:   st.readings,
		Rules:      rules,
		Publishers: publishers,
		Telemetry:  tp,
		Logger:     logger,
	}, monitoring.Config{
		ClockSkew: cfg.ClockSkew,
		Actors:    actor.Config{IdleTimeout: cfg.ActorIdleTimeout, QueueSize: cfg.ActorQueueSize},
	})

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	srv.echo = e

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(tp.MetricsMiddleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	// Auth middleware
	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSigningKey),
		Skipper:    auth.AuthSkipper,
	}
	if cfg.IsDev() {
		logger.Warn().Msg("development auth enabled: unauthenticated requests run as admin")
		e.Use(auth.DevAuthMiddleware(jwtCfg))
	} else {
		e.Use(auth.JWTMiddleware(jwtCfg))
	}

	// Health and metrics
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(st.checker))
	e.GET("/metrics", tp.PrometheusHandler())

	// API
	apiV1 := e.Group("/api/v1")
	rateLimitCfg := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rateLimitCfg.RequestsPerSecond = cfg.RateLimitRPS
		rateLimitCfg.BurstSize = cfg.RateLimitBurst
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	monitoring.NewHandler(srv.svc).RegisterRoutes(apiV1)
	websocket.NewWebSocketHandler(srv.hub, logger).RegisterRoutes(apiV1.Group("", auth.RequireRole(auth.AnyRole...)))

	// HL7 v2: HTTP and, when configured, MLLP share one processor.
	proc := hl7v2.NewProcessor(srv.svc.Ingest, logger)
	hl7v2.NewHandler(proc).RegisterRoutes(apiV1, auth.RequireRole(auth.Clinical...))
	if cfg.MLLPAddr != "" {
		mllp := hl7v2.NewMLLPServer(cfg.MLLPAddr, proc, logger)
		srv.runners = append(srv.runners, mllp.Run)
	}

	// Device transports
	if cfg.MQTTBroker != "" {
		src := ingest.NewMQTTSource(ingest.MQTTConfig{
			Broker:   cfg.MQTTBroker,
			ClientID: cfg.MQTTClientID,
			Topic:    cfg.MQTTTopic,
			Username: cfg.MQTTUsername,
			Password: cfg.MQTTPassword,
			QoS:      1,
		}, srv.svc.Ingest, logger)
		srv.runners = append(srv.runners, src.Run)
	}
	if len(cfg.KafkaBrokers) > 0 {
		src := ingest.NewKafkaSource(ingest.KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
			GroupID: cfg.KafkaGroupID,
		}, srv.svc.Ingest, logger)
		srv.runners = append(srv.runners, src.Run)
	}

	// Sampled gauges
	checker := st.checker
	srv.runners = append(srv.runners, func(ctx context.Context) error {
		return tp.Collect(ctx, func(tp *telemetry.TelemetryProvider) {
			if stats := checker.Stats(); stats != nil {
				tp.SetGauge(telemetry.DBPoolActive, int64(stats.AcquiredConns))
				tp.SetGauge(telemetry.DBPoolIdle, int64(stats.IdleConns))
			}
		})
	})

	return srv, nil
}

// loadDefaultRules reads the default thresholds file. A missing file leaves
// the database as the only rule source.
func loadDefaultRules(path string, logger zerolog.Logger) (*threshold.MemoryRepo, error) {
	if path == "" {
		return threshold.NewMemoryRepo(), nil
	}
	rules, err := threshold.LoadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		logger.Warn().Str("path", path).Msg("thresholds file not found, using database rules only")
		return threshold.NewMemoryRepo(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load thresholds %s: %w", path, err)
	}
	logger.Info().Str("path", path).Int("rules", len(rules)).Msg("default thresholds loaded")
	return threshold.NewMemoryRepo(rules...), nil
}
