package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/eligibility-batch/pkg/x12"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eligibility_retries_total",
		Help: "Total number of retry attempts by failure kind",
	}, []string{"failure_kind"})

	retryBackoffSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "eligibility_retry_backoff_seconds",
		Help:    "Backoff duration before a retry",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30},
	})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eligibility_retry_exhausted_total",
		Help: "Total number of identifiers that exhausted their attempts by last failure kind",
	}, []string{"failure_kind"})

	resultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eligibility_results_total",
		Help: "Total number of resolved identifiers by outcome",
	}, []string{"outcome"})
)

// RetryConfig holds the configuration for the retry policy.
type RetryConfig struct {
	// MaxAttempts is the maximum number of submissions per identifier (including the first).
	MaxAttempts int

	// BackoffBase is the linear backoff unit: attempt n waits n*BackoffBase before attempt n+1.
	BackoffBase time.Duration

	// DebugPayloadPath, when set, receives a copy of every built document.
	DebugPayloadPath string
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BackoffBase: 1 * time.Second,
	}
}

// RetryConfig derives the retry configuration from the client configuration.
func (c Config) RetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: c.MaxAttempts,
		BackoffBase: c.BackoffBase,
	}
}

// Backoff returns the wait after failed attempt n. It is non-decreasing in n.
func Backoff(attempt int, base time.Duration) time.Duration {
	if attempt < 1 || base <= 0 {
		return 0
	}
	return time.Duration(attempt) * base
}

// DocumentBuilder builds a fresh document per call.
type DocumentBuilder interface {
	Build(identifier string) x12.Document
}

// Submitter performs a single submission.
type Submitter interface {
	Submit(ctx context.Context, doc x12.Document) (*Response, error)
}

// Policy resolves identifiers by building and submitting documents until one
// succeeds or the attempt ceiling is reached.
type Policy struct {
	builder   DocumentBuilder
	submitter Submitter
	config    RetryConfig
	logger    zerolog.Logger
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewPolicy creates a retry policy.
func NewPolicy(builder DocumentBuilder, submitter Submitter, cfg RetryConfig) *Policy {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = DefaultRetryConfig().MaxAttempts
	}
	return &Policy{
		builder:   builder,
		submitter: submitter,
		config:    cfg,
		logger:    log.With().Str("component", "retry-policy").Logger(),
		sleep:     sleepContext,
	}
}

// SetLogger replaces the component logger.
func (p *Policy) SetLogger(logger zerolog.Logger) {
	p.logger = logger
}

// SetSleep overrides how backoff waits are performed (for testing).
func (p *Policy) SetSleep(sleep func(ctx context.Context, d time.Duration) error) {
	p.sleep = sleep
}

// Retry states. attempting is the only non-terminal state.
type (
	state interface{ isState() }

	attempting struct {
		n    int
		last *SubmitError
	}
	succeeded struct {
		attempts int
		resp     *Response
	}
	exhausted struct {
		attempts int
		last     *SubmitError
	}
	cancelled struct {
		attempts int
		last     *SubmitError
		cause    error
	}
)

func (attempting) isState() {}
func (succeeded) isState()  {}
func (exhausted) isState()  {}
func (cancelled) isState()  {}

// transition maps the outcome of attempt s.n to the next state.
func (p *Policy) transition(s attempting, resp *Response, err error) state {
	if err == nil {
		return succeeded{attempts: s.n, resp: resp}
	}

	failure := asSubmitError(err)
	if !shouldRetry(failure.Kind) || s.n >= p.config.MaxAttempts {
		return exhausted{attempts: s.n, last: failure}
	}
	return attempting{n: s.n + 1, last: failure}
}

// Resolve runs the retry state machine for one identifier. It never returns
// an error: every outcome is captured in the Result.
//
// Cancelling ctx lets an in-flight attempt finish but prevents any further
// attempt from starting.
func (p *Policy) Resolve(ctx context.Context, identifier string) Result {
	logger := p.logger.With().Str("identifier", identifier).Logger()

	var st state = attempting{n: 1}
	for {
		switch s := st.(type) {
		case attempting:
			if err := ctx.Err(); err != nil {
				st = cancelled{attempts: s.n - 1, last: s.last, cause: err}
				continue
			}

			resp, err := p.attempt(ctx, logger, identifier, s.n)
			next := p.transition(s, resp, err)

			if retry, ok := next.(attempting); ok {
				backoff := Backoff(s.n, p.config.BackoffBase)
				retriesTotal.WithLabelValues(string(retry.last.Kind)).Inc()
				retryBackoffSeconds.Observe(backoff.Seconds())

				logger.Warn().
					Int("attempt", s.n).
					Str("failure_kind", string(retry.last.Kind)).
					Dur("backoff", backoff).
					Msg("Retrying request after backoff")

				if err := p.sleep(ctx, backoff); err != nil {
					logger.Warn().Int("attempt", s.n).Msg("Context cancelled during retry backoff")
					st = cancelled{attempts: s.n, last: retry.last, cause: err}
					continue
				}
			}
			st = next

		case succeeded:
			resultsTotal.WithLabelValues("success").Inc()
			if s.attempts > 1 {
				logger.Info().Int("attempt", s.attempts).Msg("Request succeeded after retry")
			}
			return Result{
				Identifier: identifier,
				Success: &Success{
					StatusCode: s.resp.StatusCode,
					Body:       string(s.resp.Body),
					Attempts:   s.attempts,
				},
			}

		case exhausted:
			resultsTotal.WithLabelValues("failure").Inc()
			retryExhaustedTotal.WithLabelValues(string(s.last.Kind)).Inc()
			err := fmt.Errorf("%w after %d attempts: %v", ErrRetryExhausted, s.attempts, s.last)

			logger.Error().
				Err(err).
				Int("max_attempts", p.config.MaxAttempts).
				Str("failure_kind", string(s.last.Kind)).
				Msg("Retry attempts exhausted")

			return Result{Identifier: identifier, Failure: failureFrom(s.last.Kind, err, s.last, s.attempts)}

		case cancelled:
			resultsTotal.WithLabelValues("cancelled").Inc()
			err := fmt.Errorf("%w after %d attempts: %v", ErrContextCancelled, s.attempts, s.cause)
			return Result{Identifier: identifier, Failure: failureFrom(FailureCancelled, err, s.last, s.attempts)}
		}
	}
}

// attempt builds a new document and submits it once. The submission is
// detached from ctx cancellation; the client's attempt timeout still bounds it.
func (p *Policy) attempt(ctx context.Context, logger zerolog.Logger, identifier string, n int) (*Response, error) {
	doc := p.builder.Build(identifier)

	if p.config.DebugPayloadPath != "" {
		if err := x12.WriteDebug(p.config.DebugPayloadPath, doc); err != nil {
			logger.Warn().Err(err).Msg("Failed to write debug payload")
		}
	}

	logger.Info().
		Int("attempt", n).
		Str("control_number", doc.ControlNumber).
		Msg("Sending request")

	return p.submitter.Submit(context.WithoutCancel(ctx), doc)
}

func asSubmitError(err error) *SubmitError {
	var se *SubmitError
	if errors.As(err, &se) {
		return se
	}
	return &SubmitError{Kind: FailureNetwork, Err: err}
}

func failureFrom(kind FailureKind, err error, last *SubmitError, attempts int) *Failure {
	f := &Failure{
		Kind:     kind,
		Message:  err.Error(),
		Attempts: attempts,
	}
	if last != nil {
		f.LastStatus = last.StatusCode
		f.LastBody = string(last.Body)
	}
	return f
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
