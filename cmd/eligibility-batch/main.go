// Command eligibility-batch submits one X12 270 eligibility inquiry per member
// ID in a CSV file and writes the raw and simplified results.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sternrassler/eligibility-batch/pkg/batch"
	"github.com/Sternrassler/eligibility-batch/pkg/client"
	"github.com/Sternrassler/eligibility-batch/pkg/config"
	"github.com/Sternrassler/eligibility-batch/pkg/dispatch"
	"github.com/Sternrassler/eligibility-batch/pkg/logging"
	"github.com/Sternrassler/eligibility-batch/pkg/metrics"
	"github.com/Sternrassler/eligibility-batch/pkg/preflight"
	"github.com/Sternrassler/eligibility-batch/pkg/report"
	"github.com/Sternrassler/eligibility-batch/pkg/source"
	"github.com/Sternrassler/eligibility-batch/pkg/store"
	"github.com/Sternrassler/eligibility-batch/pkg/x12"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

// Exit codes.
const (
	exitOK            = 0
	exitSetup         = 1
	exitDNS           = 2
	exitNoIdentifiers = 3
	exitCancelled     = 4
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stderr, os.LookupEnv)
	stop()
	os.Exit(code)
}

// run executes one batch and returns the process exit code.
func run(ctx context.Context, args []string, stderr io.Writer, lookup config.LookupFunc) int {
	cfg, err := config.Load(lookup)
	if err != nil {
		fmt.Fprintf(stderr, "configuration: %v\n", err)
		return exitSetup
	}

	fs := pflag.NewFlagSet("eligibility-batch", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	bindFlags(fs, &cfg)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK
		}
		return exitSetup
	}
	cfg.SyncEnvelope()

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "configuration: %v\n", err)
		return exitSetup
	}

	logCfg := logging.Config{
		Level:  logging.LogLevel(cfg.LogLevel),
		Pretty: cfg.LogPretty,
		Output: stderr,
	}
	if cfg.LogFile != "" {
		f, err := logging.OpenFile(cfg.LogFile)
		if err != nil {
			fmt.Fprintf(stderr, "logging: %v\n", err)
			return exitSetup
		}
		defer f.Close()
		logCfg.File = f
	}
	logger := logging.Setup(logCfg).With().Str("component", "main").Logger()
	logger.Debug().Interface("config", cfg.Redacted()).Msg("Configuration loaded")

	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		logger.Error().Err(err).Str("path", cfg.OutputDir).Msg("Failed to create output directory")
		return exitSetup
	}

	coord, cleanup, err := buildCoordinator(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to set up batch")
		return exitSetup
	}
	defer cleanup()

	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	logger.Info().
		Str("input", cfg.InputCSV).
		Str("endpoint", cfg.Client.URL()).
		Int("concurrency", cfg.Concurrency).
		Msg("Starting patient processing")

	result, runErr := coord.Run(ctx)

	if cfg.MetricsFile != "" {
		if err := metrics.WriteTextfile(cfg.MetricsFile, metrics.Gatherer); err != nil {
			logger.Error().Err(err).Str("path", cfg.MetricsFile).Msg("Failed to write metrics file")
		}
	}

	if result != nil && result.PersistenceErr != nil {
		logger.Warn().Err(result.PersistenceErr).Msg("Some results were not persisted")
	}
	return exitCode(runErr)
}

func bindFlags(fs *pflag.FlagSet, cfg *config.Config) {
	fs.StringVar(&cfg.Client.Host, "host", cfg.Client.Host, "eligibility endpoint host")
	fs.StringVar(&cfg.Client.Scheme, "scheme", cfg.Client.Scheme, "eligibility endpoint scheme (https or http)")
	fs.IntVarP(&cfg.Concurrency, "concurrency", "c", cfg.Concurrency, "maximum identifiers in flight")
	fs.IntVar(&cfg.Client.MaxAttempts, "max-attempts", cfg.Client.MaxAttempts, "submissions per identifier before giving up")
	fs.DurationVar(&cfg.Client.AttemptTimeout, "attempt-timeout", cfg.Client.AttemptTimeout, "timeout of one submission")
	fs.DurationVar(&cfg.Client.BackoffBase, "backoff-base", cfg.Client.BackoffBase, "linear backoff unit between attempts")
	fs.StringVarP(&cfg.InputCSV, "input", "i", cfg.InputCSV, "CSV file of member IDs")
	fs.StringVarP(&cfg.OutputDir, "output-dir", "o", cfg.OutputDir, "directory for results.json and simple_results.json")
	fs.StringVar(&cfg.DebugPayloadPath, "debug-payload", cfg.DebugPayloadPath, "write the last 270 payload to this file")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.BoolVar(&cfg.LogPretty, "log-pretty", cfg.LogPretty, "human-readable console logs")
	fs.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "debug log file, truncated at start (empty disables)")
	fs.StringVar(&cfg.RedisURL, "redis", cfg.RedisURL, "Redis address or URL for the result store (empty disables)")
	fs.StringVar(&cfg.MetricsFile, "metrics-file", cfg.MetricsFile, "write Prometheus metrics to this textfile at exit")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "serve /metrics on this address during the run")
}

// buildCoordinator wires the batch pipeline. The cleanup function releases
// the Redis connection when a store is configured.
func buildCoordinator(ctx context.Context, cfg config.Config) (*batch.Coordinator, func(), error) {
	cleanup := func() {}

	c, err := client.New(cfg.Client)
	if err != nil {
		return nil, cleanup, fmt.Errorf("create eligibility client: %w", err)
	}

	retryCfg := cfg.Client.RetryConfig()
	retryCfg.DebugPayloadPath = cfg.DebugPayloadPath
	policy := client.NewPolicy(x12.NewBuilder(cfg.Envelope), c, retryCfg)

	reporters := []batch.Reporter{
		report.NewJSONFile(cfg.ResultsPath()),
		report.NewSummaryFile(cfg.SimpleResultsPath()),
	}

	if cfg.RedisURL != "" {
		opts, err := cfg.RedisOptions()
		if err != nil {
			return nil, cleanup, err
		}
		redisClient := redis.NewClient(opts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			redisClient.Close()
			return nil, cleanup, fmt.Errorf("connect to Redis at %s: %w", opts.Addr, err)
		}
		cleanup = func() { redisClient.Close() }
		reporters = append(reporters, store.NewStore(redisClient, cfg.ResultTTL))
	}

	checker := preflight.NewChecker(preflight.ParseResolvers(cfg.DNSResolvers, cfg.DNSTimeout))

	coord := batch.NewCoordinator(
		batch.Config{
			Host:     cfg.Client.Host,
			Dispatch: dispatch.Config{MaxConcurrency: cfg.Concurrency, ProgressEvery: dispatch.DefaultConfig().ProgressEvery},
		},
		checker,
		source.NewCSVFile(cfg.InputCSV),
		policy,
		reporters...,
	)
	return coord, cleanup, nil
}

func serveMetrics(addr string, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info().Str("addr", addr).Msg("Serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", addr).Msg("Metrics server failed")
		}
	}()
	return srv
}

// exitCode maps the outcome of a run to the process exit code. A completed
// run exits 0 whatever its per-identifier outcomes.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	if errors.Is(err, batch.ErrCancelled) {
		return exitCancelled
	}
	switch reason, _ := batch.AbortReasonOf(err); reason {
	case batch.ReasonDNSUnreachable:
		return exitDNS
	case batch.ReasonNoIdentifiers, batch.ReasonSourceUnreadable:
		return exitNoIdentifiers
	default:
		return exitSetup
	}
}
