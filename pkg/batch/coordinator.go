// Package batch runs one eligibility batch end to end: DNS preflight,
// identifier loading, bounded dispatch and result reporting.
package batch

import (
	"context"
	"errors"
	"time"

	"github.com/Sternrassler/eligibility-batch/pkg/client"
	"github.com/Sternrassler/eligibility-batch/pkg/dispatch"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

// Prometheus metrics for batch runs.
var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eligibility_batch_runs_total",
		Help: "Total number of batch runs by outcome",
	}, []string{"outcome"}) // "completed", "partial", or an abort reason

	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "eligibility_batch_duration_seconds",
		Help:    "Duration of batch runs from preflight to last report",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	runIdentifiers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "eligibility_batch_identifiers",
		Help: "Identifiers in the last batch run by result",
	}, []string{"result"}) // "total", "succeeded", "failed"

	persistenceErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eligibility_batch_persistence_errors_total",
		Help: "Total number of reporter failures",
	}, []string{"reporter"})
)

// Preflight verifies the endpoint host is reachable before any submission.
type Preflight interface {
	Check(ctx context.Context, host string) error
}

// IdentifierSource supplies the identifiers of a batch.
type IdentifierSource interface {
	Identifiers(ctx context.Context) ([]string, error)
}

// Reporter records the results of a run.
type Reporter interface {
	Name() string
	Report(ctx context.Context, runID string, results []client.Result) error
}

// Config holds coordinator configuration.
type Config struct {
	// Host is the endpoint host checked by the preflight.
	Host string

	// Dispatch bounds concurrency.
	Dispatch dispatch.Config
}

// Run is the outcome of one batch.
type Run struct {
	ID         string
	Host       string
	StartedAt  time.Time
	FinishedAt time.Time

	// Total is the number of identifiers read from the source.
	Total int

	// Results holds one entry per started identifier, in completion order.
	Results []client.Result

	Succeeded int
	Failed    int

	// Partial is set when cancellation left identifiers unstarted or
	// interrupted an identifier in flight.
	Partial bool

	// PersistenceErr combines every *PersistenceError of the run.
	PersistenceErr error
}

// Duration returns how long the run took.
func (r *Run) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Coordinator wires the batch pipeline together.
type Coordinator struct {
	config     Config
	preflight  Preflight
	source     IdentifierSource
	resolver   dispatch.Resolver
	reporters  []Reporter
	dispatcher *dispatch.Dispatcher
	logger     zerolog.Logger
	newID      func() string
	now        func() time.Time
}

// NewCoordinator creates a coordinator. A nil preflight skips the DNS check.
func NewCoordinator(cfg Config, preflight Preflight, source IdentifierSource, resolver dispatch.Resolver, reporters ...Reporter) *Coordinator {
	return &Coordinator{
		config:     cfg,
		preflight:  preflight,
		source:     source,
		resolver:   resolver,
		reporters:  reporters,
		dispatcher: dispatch.NewDispatcher(cfg.Dispatch),
		logger:     log.With().Str("component", "batch").Logger(),
		newID:      uuid.NewString,
		now:        time.Now,
	}
}

// SetLogger replaces the component logger, including the dispatcher's.
func (c *Coordinator) SetLogger(logger zerolog.Logger) {
	c.logger = logger
	c.dispatcher.SetLogger(logger)
}

// Run executes the batch.
//
// Preflight, source and empty-source failures return an *AbortError and no
// run. Otherwise every reporter sees the results, even after cancellation;
// a cancelled batch returns its partial run together with ErrCancelled.
// Reporter failures are recorded on the run and never returned.
func (c *Coordinator) Run(ctx context.Context) (*Run, error) {
	run := &Run{
		ID:        c.newID(),
		Host:      c.config.Host,
		StartedAt: c.now(),
	}
	logger := c.logger.With().Str("run_id", run.ID).Logger()

	if c.preflight != nil {
		if err := c.preflight.Check(ctx, c.config.Host); err != nil {
			return nil, c.abort(logger, ReasonDNSUnreachable, err)
		}
	}

	ids, err := c.source.Identifiers(ctx)
	if err != nil {
		return nil, c.abort(logger, ReasonSourceUnreadable, err)
	}
	if len(ids) == 0 {
		return nil, c.abort(logger, ReasonNoIdentifiers, errors.New("no valid identifiers found"))
	}
	run.Total = len(ids)

	logger.Info().
		Int("identifiers", len(ids)).
		Int("concurrency", c.dispatcher.Limit()).
		Msg("Processing member IDs")

	results, dispatchErr := c.dispatcher.RunAll(ctx, ids, c.resolver)
	run.Results = results
	run.Partial = errors.Is(dispatchErr, dispatch.ErrCancelled)
	for _, r := range results {
		if r.Succeeded() {
			run.Succeeded++
		} else {
			run.Failed++
		}
	}

	// Reporting outlives cancellation so partial results are kept.
	reportCtx := context.WithoutCancel(ctx)
	for _, rep := range c.reporters {
		if err := rep.Report(reportCtx, run.ID, results); err != nil {
			persistenceErrors.WithLabelValues(rep.Name()).Inc()
			logger.Error().Err(err).Str("reporter", rep.Name()).Msg("Error saving results")
			run.PersistenceErr = multierr.Append(run.PersistenceErr, &PersistenceError{Reporter: rep.Name(), Err: err})
		}
	}

	run.FinishedAt = c.now()
	runDuration.Observe(run.Duration().Seconds())
	runIdentifiers.WithLabelValues("total").Set(float64(run.Total))
	runIdentifiers.WithLabelValues("succeeded").Set(float64(run.Succeeded))
	runIdentifiers.WithLabelValues("failed").Set(float64(run.Failed))

	event := logger.Info()
	if run.Partial {
		event = logger.Warn()
	}
	event.
		Int("total", run.Total).
		Int("completed", len(results)).
		Int("succeeded", run.Succeeded).
		Int("failed", run.Failed).
		Bool("partial", run.Partial).
		Dur("duration", run.Duration()).
		Msg("All patients processed")

	if run.Partial {
		runsTotal.WithLabelValues("partial").Inc()
		return run, dispatchErr
	}
	runsTotal.WithLabelValues("completed").Inc()
	return run, nil
}

func (c *Coordinator) abort(logger zerolog.Logger, reason AbortReason, err error) error {
	runsTotal.WithLabelValues(string(reason)).Inc()
	logger.Error().Err(err).Str("reason", string(reason)).Msg("Aborting batch")
	return &AbortError{Reason: reason, Err: err}
}
