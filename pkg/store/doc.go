// Package store keeps batch results in Redis so they can be inspected after
// the process exits.
//
// Each run is one hash (eligibility:run:<run_id>) mapping identifier#seq to a
// JSON Entry, expiring after the configured TTL. Repeated identifiers keep one
// field per occurrence. A sorted set (eligibility:runs)
// lists run IDs by write time.
//
// # Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	results := store.NewStore(redisClient, 24*time.Hour)
//
//	// Store a run (also usable as a batch reporter)
//	if err := results.Save(ctx, runID, run.Results); err != nil {
//		log.Printf("store: %v", err)
//	}
//
//	// Read it back in completion order
//	entries, err := results.Load(ctx, runID)
//	if errors.Is(err, store.ErrNotFound) {
//		// expired or never stored
//	}
//
// # Metrics
//
//   - eligibility_store_results_total{outcome}
//   - eligibility_store_run_size_bytes
//   - eligibility_store_misses_total
//   - eligibility_store_errors_total{operation}
package store
