package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/eligibility-batch/pkg/client"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Prometheus metrics for dispatching.
var (
	activeUnits = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eligibility_dispatch_active_units",
		Help: "Number of identifiers currently being resolved",
	})

	skippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eligibility_dispatch_skipped_total",
		Help: "Total number of identifiers not started because the batch was cancelled",
	})
)

// ErrCancelled is returned with partial results when the context was
// cancelled before every identifier started or while a started identifier
// was still being resolved.
var ErrCancelled = errors.New("dispatch cancelled")

// Config holds dispatcher configuration.
type Config struct {
	// MaxConcurrency is the maximum number of identifiers resolved at once.
	MaxConcurrency int

	// ProgressEvery logs progress after this many results (0 disables).
	ProgressEvery int
}

// DefaultConfig returns the default dispatcher configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 10,
		ProgressEvery:  50,
	}
}

// Resolver turns one identifier into its terminal result. Implementations
// must not panic and must capture every failure in the Result.
type Resolver interface {
	Resolve(ctx context.Context, identifier string) client.Result
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, identifier string) client.Result

// Resolve calls f.
func (f ResolverFunc) Resolve(ctx context.Context, identifier string) client.Result {
	return f(ctx, identifier)
}

// Dispatcher runs a Resolver over a batch of identifiers with bounded concurrency.
type Dispatcher struct {
	config Config
	logger zerolog.Logger
}

// NewDispatcher creates a new dispatcher.
func NewDispatcher(config Config) *Dispatcher {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = DefaultConfig().MaxConcurrency
	}

	return &Dispatcher{
		config: config,
		logger: log.With().Str("component", "dispatcher").Logger(),
	}
}

// SetLogger replaces the component logger.
func (d *Dispatcher) SetLogger(logger zerolog.Logger) {
	d.logger = logger
}

// Limit returns the concurrency ceiling.
func (d *Dispatcher) Limit() int {
	return d.config.MaxConcurrency
}

// RunAll resolves every identifier exactly once with at most Limit() resolvers
// active at a time and returns the results in completion order. It returns
// only after every started resolver has finished.
//
// When ctx is cancelled, identifiers that have not started are skipped and
// RunAll returns the partial results together with ErrCancelled. The same
// holds when every identifier started but at least one was interrupted.
func (d *Dispatcher) RunAll(ctx context.Context, identifiers []string, resolver Resolver) ([]client.Result, error) {
	start := time.Now()
	total := len(identifiers)

	d.logger.Info().
		Int("identifiers", total).
		Int("concurrency", d.config.MaxConcurrency).
		Msg("Starting dispatch")

	resultCh := make(chan client.Result, d.config.MaxConcurrency)
	collected := make(chan []client.Result, 1)

	// Single collector
	go func() {
		results := make([]client.Result, 0, total)
		for result := range resultCh {
			results = append(results, result)

			if d.config.ProgressEvery > 0 && len(results)%d.config.ProgressEvery == 0 {
				d.logger.Info().
					Int("resolved", len(results)).
					Int("total", total).
					Float64("progress_pct", float64(len(results))/float64(total)*100).
					Msg("Dispatch progress")
			}
		}
		collected <- results
	}()

	var g errgroup.Group
	g.SetLimit(d.config.MaxConcurrency)

	for _, identifier := range identifiers {
		if ctx.Err() != nil {
			break
		}

		// Go blocks until a slot is free.
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			activeUnits.Inc()
			defer activeUnits.Dec()

			resultCh <- resolver.Resolve(ctx, identifier)
			return nil
		})
	}

	g.Wait()
	close(resultCh)
	results := <-collected

	// Every started unit yields exactly one result.
	if skipped := total - len(results); skipped > 0 {
		skippedTotal.Add(float64(skipped))

		d.logger.Warn().
			Int("resolved", len(results)).
			Int("skipped", skipped).
			Dur("duration", time.Since(start)).
			Msg("Dispatch cancelled - returning partial results")

		return results, fmt.Errorf("%w: %d of %d identifiers not started: %v", ErrCancelled, skipped, total, ctx.Err())
	}

	if interrupted := countCancelled(results); interrupted > 0 {
		d.logger.Warn().
			Int("resolved", len(results)).
			Int("interrupted", interrupted).
			Dur("duration", time.Since(start)).
			Msg("Dispatch cancelled - in-flight identifiers interrupted")

		return results, fmt.Errorf("%w: %d of %d identifiers interrupted: %v", ErrCancelled, interrupted, total, context.Cause(ctx))
	}

	d.logger.Info().
		Int("resolved", len(results)).
		Dur("duration", time.Since(start)).
		Msg("Dispatch complete")

	return results, nil
}

func countCancelled(results []client.Result) int {
	n := 0
	for _, r := range results {
		if r.Failure != nil && r.Failure.Kind == client.FailureCancelled {
			n++
		}
	}
	return n
}

// RunAll resolves identifiers with a one-off dispatcher limited to limit
// concurrent resolvers.
func RunAll(ctx context.Context, identifiers []string, resolver Resolver, limit int) ([]client.Result, error) {
	d := NewDispatcher(Config{MaxConcurrency: limit})
	return d.RunAll(ctx, identifiers, resolver)
}
