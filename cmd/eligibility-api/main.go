// Command eligibility-api serves eligibility batches over HTTP. Each
// POST /process-members request runs one batch over the posted member IDs
// and answers with one simplified row per identifier.
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

	"github.com/Sternrassler/eligibility-batch/pkg/client"
	"github.com/Sternrassler/eligibility-batch/pkg/config"
	"github.com/Sternrassler/eligibility-batch/pkg/logging"
	"github.com/Sternrassler/eligibility-batch/pkg/preflight"
	"github.com/Sternrassler/eligibility-batch/pkg/store"
	"github.com/Sternrassler/eligibility-batch/pkg/x12"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.FromEnv()
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.LogLevel),
		Pretty: cfg.LogPretty,
		Output: os.Stderr,
	}).With().Str("component", "api").Logger()

	c, err := client.New(cfg.Client)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create eligibility client")
	}
	policy := client.NewPolicy(x12.NewBuilder(cfg.Envelope), c, cfg.Client.RetryConfig())

	srv := newServer(cfg, policy, preflight.NewChecker(preflight.ParseResolvers(cfg.DNSResolvers, cfg.DNSTimeout)))
	srv.logger = logger

	// Request batches run concurrently, so only the Redis store can keep
	// their results; the result files belong to the batch command.
	if cfg.RedisURL != "" {
		opts, err := cfg.RedisOptions()
		if err != nil {
			logger.Fatal().Err(err).Msg("Invalid Redis configuration")
		}
		redisClient := redis.NewClient(opts)
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			logger.Fatal().Err(err).Str("addr", opts.Addr).Msg("Failed to connect to Redis")
		}
		defer redisClient.Close()
		logger.Info().Str("addr", opts.Addr).Msg("Connected to Redis")

		srv.redis = redisClient
		srv.reporters = append(srv.reporters, store.NewStore(redisClient, cfg.ResultTTL))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpSrv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().
			Str("addr", cfg.APIAddr).
			Str("endpoint", cfg.Client.URL()).
			Int("concurrency", cfg.Concurrency).
			Msg("Starting eligibility API server")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("Server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Client.AttemptTimeout+5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Shutdown incomplete")
	}
}
