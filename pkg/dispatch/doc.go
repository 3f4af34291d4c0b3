// Package dispatch runs the per-identifier retry policy over a batch with a
// global concurrency ceiling.
//
// Each identifier is one unit of work. Units are started through an errgroup
// limited to MaxConcurrency slots, so at most that many resolvers are active
// at once. Every unit sends its Result into a channel drained by a single
// collector; no other state is shared between units.
//
// Example usage:
//
//	policy := client.NewPolicy(builder, eligibilityClient, cfg.RetryConfig())
//	d := dispatch.NewDispatcher(dispatch.Config{MaxConcurrency: 4})
//	results, err := d.RunAll(ctx, identifiers, policy)
//
// The dispatcher:
//   - Resolves every identifier exactly once
//   - Returns results in completion order, not input order
//   - Waits for every started unit, never returning early on failure
//   - Stops starting new units once ctx is cancelled (returns ErrCancelled
//     with the partial results)
package dispatch
