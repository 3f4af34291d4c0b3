package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Sternrassler/eligibility-batch/pkg/client"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// ErrNotFound indicates the requested run or identifier is not stored
	ErrNotFound = errors.New("result not found")

	// ErrInvalidEntry indicates a stored entry could not be decoded
	ErrInvalidEntry = errors.New("invalid stored entry")
)

// DefaultTTL is how long a run stays in Redis.
const DefaultTTL = 24 * time.Hour

// Store keeps batch results in Redis, one hash per run with a field per
// result (see FieldKey), plus a sorted set of run IDs scored by write time.
type Store struct {
	redis  *redis.Client
	ttl    time.Duration
	prefix string
	now    func() time.Time
	logger zerolog.Logger
}

// NewStore creates a result store with Redis backend.
// A ttl <= 0 uses DefaultTTL.
func NewStore(redisClient *redis.Client, ttl time.Duration) *Store {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		redis:  redisClient,
		ttl:    ttl,
		prefix: DefaultPrefix,
		now:    time.Now,
		logger: log.With().Str("component", "result-store").Logger(),
	}
}

// SetLogger replaces the component logger.
func (s *Store) SetLogger(logger zerolog.Logger) {
	s.logger = logger
}

// SetPrefix changes the key namespace.
func (s *Store) SetPrefix(prefix string) {
	s.prefix = prefixOrDefault(prefix)
}

// TTL returns the retention applied to each run.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Name identifies the store when used as a reporter.
func (s *Store) Name() string {
	return "redis"
}

// Report saves results under runID. It satisfies the batch reporter contract.
func (s *Store) Report(ctx context.Context, runID string, results []client.Result) error {
	return s.Save(ctx, runID, results)
}

// Save writes results under runID in one transaction and refreshes the TTL.
// Saving the same run again overwrites the sequence positions it already holds.
func (s *Store) Save(ctx context.Context, runID string, results []client.Result) error {
	if runID == "" {
		return fmt.Errorf("run id cannot be empty")
	}

	now := s.now().UTC()
	expires := now.Add(s.ttl)
	fields := make(map[string]any, len(results))
	size := 0
	for i, r := range results {
		data, err := json.Marshal(Entry{
			RunID:    runID,
			Seq:      i,
			Result:   r,
			StoredAt: now,
			Expires:  expires,
		})
		if err != nil {
			StoreErrors.WithLabelValues("save").Inc()
			return fmt.Errorf("marshal entry %s: %w", r.Identifier, err)
		}
		fields[FieldKey(r.Identifier, i)] = data
		size += len(data)
	}

	key := RunKey{Prefix: s.prefix, RunID: runID}.String()
	index := IndexKey(s.prefix)

	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(fields) > 0 {
			pipe.HSet(ctx, key, fields)
			pipe.Expire(ctx, key, s.ttl)
		}
		pipe.ZAdd(ctx, index, redis.Z{Score: float64(now.Unix()), Member: runID})
		pipe.ZRemRangeByScore(ctx, index, "-inf", fmt.Sprintf("(%d", now.Add(-s.ttl).Unix()))
		return nil
	})
	if err != nil {
		StoreErrors.WithLabelValues("save").Inc()
		return fmt.Errorf("redis save run %s: %w", runID, err)
	}

	for _, r := range results {
		outcome := "success"
		if !r.Succeeded() {
			outcome = "failure"
		}
		StoredResults.WithLabelValues(outcome).Inc()
	}
	StoredBytes.Set(float64(size))

	s.logger.Info().
		Str("run_id", runID).
		Str("key", key).
		Int("results", len(results)).
		Dur("ttl", s.ttl).
		Msg("Results stored")
	return nil
}

// Load returns every stored entry of a run in completion order.
// Returns ErrNotFound if the run is unknown or expired.
func (s *Store) Load(ctx context.Context, runID string) ([]Entry, error) {
	key := RunKey{Prefix: s.prefix, RunID: runID}.String()

	raw, err := s.redis.HGetAll(ctx, key).Result()
	if err != nil {
		StoreErrors.WithLabelValues("load").Inc()
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}
	if len(raw) == 0 {
		StoreMisses.Inc()
		return nil, ErrNotFound
	}

	entries := make([]Entry, 0, len(raw))
	for id, data := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			StoreErrors.WithLabelValues("load").Inc()
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidEntry, id, err)
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
	return entries, nil
}

// Results returns the stored results of a run in completion order.
func (s *Store) Results(ctx context.Context, runID string) ([]client.Result, error) {
	entries, err := s.Load(ctx, runID)
	if err != nil {
		return nil, err
	}
	results := make([]client.Result, len(entries))
	for i, e := range entries {
		results[i] = e.Result
	}
	return results, nil
}

// Get retrieves the stored entry for one identifier of a run. When the
// identifier occurs more than once, the last completed entry is returned.
// Returns ErrNotFound if nothing is stored.
func (s *Store) Get(ctx context.Context, runID, identifier string) (*Entry, error) {
	key := RunKey{Prefix: s.prefix, RunID: runID}.String()

	var (
		latest *Entry
		cursor uint64
	)
	for {
		kv, next, err := s.redis.HScan(ctx, key, cursor, fieldPattern(identifier), 100).Result()
		if err != nil {
			StoreErrors.WithLabelValues("get").Inc()
			return nil, fmt.Errorf("redis hscan: %w", err)
		}
		for i := 0; i+1 < len(kv); i += 2 {
			var e Entry
			if err := json.Unmarshal([]byte(kv[i+1]), &e); err != nil {
				StoreErrors.WithLabelValues("get").Inc()
				return nil, fmt.Errorf("%w: %s: %v", ErrInvalidEntry, kv[i], err)
			}
			if e.Result.Identifier != identifier {
				continue
			}
			if latest == nil || e.Seq > latest.Seq {
				latest = &e
			}
		}
		if next == 0 {
			break
		}
		cursor = next
	}

	if latest == nil {
		StoreMisses.Inc()
		return nil, ErrNotFound
	}
	return latest, nil
}

// Runs returns up to limit run IDs, newest first. A limit <= 0 returns all.
func (s *Store) Runs(ctx context.Context, limit int) ([]string, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := s.redis.ZRevRange(ctx, IndexKey(s.prefix), 0, stop).Result()
	if err != nil {
		StoreErrors.WithLabelValues("runs").Inc()
		return nil, fmt.Errorf("redis zrevrange: %w", err)
	}
	return ids, nil
}

// Delete removes a run and its index entry.
func (s *Store) Delete(ctx context.Context, runID string) error {
	key := RunKey{Prefix: s.prefix, RunID: runID}.String()

	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.ZRem(ctx, IndexKey(s.prefix), runID)
		return nil
	})
	if err != nil {
		StoreErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis delete run %s: %w", runID, err)
	}
	return nil
}
