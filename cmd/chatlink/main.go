package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/emberapp/chatlink/internal/config"
	"github.com/emberapp/chatlink/internal/diag"
	"github.com/emberapp/chatlink/internal/health"
	"github.com/emberapp/chatlink/internal/metrics"
	"github.com/emberapp/chatlink/internal/session"
	"github.com/emberapp/chatlink/internal/store"
)

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	if os.Getenv("ENVIRONMENT") == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Logger = logger

	// Load config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if path := os.Getenv("CHAT_CONFIG_FILE"); path != "" {
		if err := config.ApplyFile(cfg, path); err != nil {
			logger.Fatal().Err(err).Msg("failed to apply config file")
		}
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err == nil {
		zerolog.SetGlobalLevel(level)
	}

	authToken := os.Getenv("CHAT_AUTH_TOKEN")
	if authToken == "" {
		logger.Fatal().Msg("CHAT_AUTH_TOKEN is required")
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Str("api", cfg.APIBaseURL).
		Str("realtime", cfg.RealtimeURL).
		Str("diag_addr", cfg.DiagListenAddr).
		Msg("starting chatlink")

	// Context with graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Local message archive
	cache, err := store.New(cfg.StorePath, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open local store")
	}
	defer cache.Close()

	m := metrics.New()
	checker := health.NewChecker(logger)

	// Session: connectivity core and delivery pipeline
	sess := session.New(cfg, cache, m, logger)
	if err := sess.Initialize(ctx, authToken); err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize session")
	}
	defer sess.Teardown()
	sess.RegisterHealth(checker)

	checker.Register("store", func(ctx context.Context) health.Status {
		if err := cache.DB().PingContext(ctx); err != nil {
			return health.StatusDown
		}
		return health.StatusOK
	})

	// Diagnostics server
	diagSrv := diag.NewServer(diag.Config{ListenAddr: cfg.DiagListenAddr}, checker, m, sess, logger)
	go func() {
		if err := diagSrv.Start(); err != nil {
			logger.Error().Err(err).Msg("diagnostics server stopped")
		}
	}()

	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	if err := diagSrv.Shutdown(); err != nil {
		logger.Warn().Err(err).Msg("diagnostics shutdown error")
	}
}
