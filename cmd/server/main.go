package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/gochat/internal/assistant"
	"github.com/Tyrowin/gochat/internal/auth"
	"github.com/Tyrowin/gochat/internal/config"
	"github.com/Tyrowin/gochat/internal/delivery"
	"github.com/Tyrowin/gochat/internal/logging"
	"github.com/Tyrowin/gochat/internal/relay"
	"github.com/Tyrowin/gochat/internal/server"
	"github.com/Tyrowin/gochat/internal/store"
	"github.com/Tyrowin/gochat/internal/telemetry"
)

func main() {
	addr := flag.String("addr", "", "listen address, overrides SERVER_PORT")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Port = *addr
	}

	logger := logging.New(cfg.IsDevelopment(), cfg.LogLevel)
	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server failed")
	}
	logger.Info().Msg("server stopped")
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx := context.Background()

	shutdownTracing, err := telemetry.Setup(ctx, "gochat", cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.Warn().Err(err).Msg("tracer shutdown")
		}
	}()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn().Err(err).Msg("store close")
		}
	}()

	var exporter interface {
		delivery.Relay
		Close()
	} = relay.Noop{}
	if cfg.NATSURL != "" {
		nc, err := relay.Connect(cfg.NATSURL, logger)
		if err != nil {
			return err
		}
		exporter = nc
		logger.Info().Msg("exporting messages to NATS")
	}
	defer exporter.Close()

	var verifier auth.Verifier
	if cfg.JWTSecret != "" {
		verifier = auth.NewJWT(cfg.JWTSecret)
	} else {
		logger.Warn().Msg("JWT_SECRET not set, tokens are accepted as identities (development only)")
		verifier = auth.Insecure{}
	}

	var provider assistant.Provider
	if cfg.AIEnabled() {
		var opts []assistant.GeminiOption
		if cfg.AI.BaseURL != "" {
			opts = append(opts, assistant.WithBaseURL(cfg.AI.BaseURL))
		}
		provider = assistant.NewGemini(cfg.AI.APIKey, opts...)
	} else {
		logger.Warn().Msg("GEMINI_API_KEY not set, assistant answers are degraded")
	}
	gateway := assistant.New(provider, assistant.Config{
		Model:     cfg.AI.Model,
		Fallbacks: cfg.AI.Fallbacks,
		System:    cfg.AI.System,
		Attempts:  cfg.AI.Attempts,
		BaseDelay: cfg.AI.BaseDelay,
		Timeout:   cfg.AI.Timeout,
	}, assistant.WithLogger(logger.With().Str("component", "assistant").Logger()))

	hub := server.NewHub(logger.With().Str("component", "hub").Logger())
	server.StartHub(hub)

	pipeline := delivery.New(st, hub,
		delivery.WithAssistant(gateway, cfg.AI.Identity),
		delivery.WithRelay(exporter),
		delivery.WithLogger(logger.With().Str("component", "delivery").Logger()),
	)

	srvCfg := server.ConfigFrom(cfg)
	srv := server.New(srvCfg, server.Deps{
		Hub:      hub,
		Store:    st,
		Pipeline: pipeline,
		Verifier: verifier,
		Logger:   logger,
	})
	httpServer := server.CreateServer(srvCfg.Port, srv.Router())

	errc := make(chan error, 1)
	go func() {
		logger.Info().Str("env", cfg.Env).Strs("models", gateway.Models()).Msg("starting GoChat server")
		errc <- server.StartServer(httpServer, logger)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			_ = hub.Shutdown(cfg.ShutdownTimeout)
			return fmt.Errorf("listen: %w", err)
		}
	case sig := <-quit:
		logger.Info().Str("signal", sig.String()).Msg("shutting down server...")
	}

	// Stop accepting connections first, then close the live sockets.
	if err := server.ShutdownServer(httpServer, cfg.ShutdownTimeout, logger); err != nil {
		logger.Warn().Err(err).Msg("http shutdown incomplete")
	}
	if err := hub.Shutdown(cfg.ShutdownTimeout); err != nil {
		logger.Warn().Err(err).Msg("hub shutdown incomplete")
	}
	return nil
}

// openStore uses Postgres when DATABASE_URL is set and SQLite otherwise,
// with a Redis read-through cache in front when REDIS_URL is set.
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	if cfg.DatabaseURL != "" {
		st, err = store.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		logger.Info().Msg("connected to PostgreSQL")
	} else {
		st, err = store.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite: %w", err)
		}
		logger.Info().Str("path", cfg.SQLitePath).Msg("opened SQLite database")
	}

	if cfg.RedisURL == "" {
		return st, nil
	}
	cached, err := store.NewCached(ctx, st, cfg.RedisURL, logger.With().Str("component", "cache").Logger())
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("redis: %w", err)
	}
	logger.Info().Msg("connected to Redis")
	return cached, nil
}
