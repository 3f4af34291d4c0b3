// Package metrics documents the Prometheus metrics of the eligibility batch
// client and dumps them to a node-exporter textfile at the end of a run.
// Metrics are defined in their respective packages (client, dispatch, batch,
// store) to keep packages independent.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// Prefix is shared by every metric of this module.
const Prefix = "eligibility_"

// Registry is the default Prometheus registry used by the batch client.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer reads the metrics registered in Registry.
var Gatherer = prometheus.DefaultGatherer

// WriteTextfile writes every metric family named with Prefix to path in the
// Prometheus text format. The file is replaced atomically so a collector
// never reads a partial dump.
func WriteTextfile(path string, gatherer prometheus.Gatherer) error {
	families, err := gatherer.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".metrics-*.prom")
	if err != nil {
		return fmt.Errorf("create temp metrics file: %w", err)
	}
	tmpName := tmp.Name()

	enc := expfmt.NewEncoder(tmp, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), Prefix) {
			continue
		}
		if err := enc.Encode(mf); err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return fmt.Errorf("encode %s: %w", mf.GetName(), err)
		}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close metrics file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod metrics file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace metrics file: %w", err)
	}
	return nil
}

// Metrics Documentation
//
// Submission Metrics (pkg/client):
//   - eligibility_submissions_total{outcome} (Counter): Submissions by outcome (success, timeout, network, http)
//   - eligibility_submission_duration_seconds (Histogram): Duration of one submission attempt
//
// Retry Metrics (pkg/client):
//   - eligibility_retries_total{failure_kind} (Counter): Retry attempts by failure kind
//   - eligibility_retry_backoff_seconds (Histogram): Backoff waits before a retry
//   - eligibility_retry_exhausted_total{failure_kind} (Counter): Identifiers that exhausted their attempts
//   - eligibility_results_total{outcome} (Counter): Terminal results (success, failure, cancelled)
//
// Dispatch Metrics (pkg/dispatch):
//   - eligibility_dispatch_active_units (Gauge): Identifiers being resolved right now
//   - eligibility_dispatch_skipped_total (Counter): Identifiers not started after cancellation
//
// Batch Metrics (pkg/batch):
//   - eligibility_batch_runs_total{outcome} (Counter): Runs by outcome (completed, partial, abort reason)
//   - eligibility_batch_duration_seconds (Histogram): Run duration
//   - eligibility_batch_identifiers{result} (Gauge): Identifiers of the last run (total, succeeded, failed)
//   - eligibility_batch_persistence_errors_total{reporter} (Counter): Reporter failures
//
// Store Metrics (pkg/store):
//   - eligibility_store_results_total{outcome} (Counter): Results written to Redis
//   - eligibility_store_run_size_bytes (Gauge): Encoded size of the last stored run
//   - eligibility_store_misses_total (Counter): Lookups that found nothing
//   - eligibility_store_errors_total{operation} (Counter): Store operation errors
//
// Example Prometheus Queries:
//
//   # Success Rate Of The Last Run
//   eligibility_batch_identifiers{result="succeeded"} / eligibility_batch_identifiers{result="total"}
//
//   # Timeouts Per Run
//   eligibility_submissions_total{outcome="timeout"}
//
//   # P95 Submission Latency
//   histogram_quantile(0.95, rate(eligibility_submission_duration_seconds_bucket[1h]))
