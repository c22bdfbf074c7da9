package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/resonate-fm/pulse/config"
	"github.com/resonate-fm/pulse/src/bridge"
	"github.com/resonate-fm/pulse/src/presence"
	"github.com/resonate-fm/pulse/src/publisher"
	"github.com/resonate-fm/pulse/src/registry"
	"github.com/resonate-fm/pulse/src/server"
)

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the realtime fan-out server",
		RunE: func(*cobra.Command, []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to pulse.toml")
	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	return config.FromEnv(), nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDevelopment() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			Level(zerolog.DebugLevel).
			With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).
		Level(zerolog.InfoLevel).
		With().Timestamp().Logger()
}

func newAuthenticator(cfg *config.Config, logger zerolog.Logger) (server.Authenticator, error) {
	if cfg.Auth.SessionEndpoint != "" {
		return server.NewHTTPAuthenticator(cfg.Auth.SessionEndpoint), nil
	}
	if cfg.IsDevelopment() {
		logger.Warn().Msg("no session endpoint configured, accepting dev tokens")
		return server.DevAuthenticator{}, nil
	}
	return nil, fmt.Errorf("auth.session_endpoint is required in production")
}

// serve owns the whole lifecycle: every component is constructed here,
// started here, and shut down here. No global singletons.
func serve(cfg *config.Config) error {
	logger := newLogger(cfg)

	auth, err := newAuthenticator(cfg, logger)
	if err != nil {
		return err
	}

	reg := registry.New(registry.Config{
		MaxConnections: cfg.Socket.MaxConnections,
		SendBuffer:     cfg.Socket.SendBuffer,
	}, logger)
	pub := publisher.New(reg, logger)

	var store presence.Store = presence.NewMemoryStore()
	var relay *bridge.RedisRelay
	var redisClient *redis.Client

	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		store = presence.NewRedisStore(redisClient, cfg.Redis.Prefix)

		relay = bridge.NewRedisRelay(redisClient, cfg.Redis.Prefix, pub, logger)
		if err := relay.Start(); err != nil {
			logger.Warn().Err(err).Msg("redis relay unavailable, running standalone")
			store = presence.NewMemoryStore()
			relay = nil
		} else {
			pub.SetRelay(relay)
			logger.Info().Str("redis_addr", cfg.Redis.Addr).Msg("redis relay connected")
		}
	}

	srv := server.New(cfg, reg, pub, store, auth, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if relay != nil {
		if err := relay.Stop(); err != nil {
			logger.Error().Err(err).Msg("relay stop error")
		}
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown error")
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("redis close error")
		}
	}
	logger.Info().Msg("stopped")
	return nil
}
