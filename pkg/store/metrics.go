package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StoredResults tracks results written to Redis by outcome
	StoredResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eligibility_store_results_total",
			Help: "Total number of results written to the result store",
		},
		[]string{"outcome"}, // "success", "failure"
	)

	// StoredBytes tracks the encoded size of the last run written
	StoredBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "eligibility_store_run_size_bytes",
			Help: "Encoded size of the last run written to the result store",
		},
	)

	// StoreMisses tracks lookups for runs or identifiers that are not stored
	StoreMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "eligibility_store_misses_total",
			Help: "Total number of result store lookups that found nothing",
		},
	)

	// StoreErrors tracks store operation errors
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eligibility_store_errors_total",
			Help: "Total number of result store operation errors",
		},
		[]string{"operation"}, // "save", "load", "get", "delete", "runs"
	)
)
