package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/Sternrassler/eligibility-batch/pkg/batch"
	"github.com/Sternrassler/eligibility-batch/pkg/config"
	"github.com/Sternrassler/eligibility-batch/pkg/dispatch"
	"github.com/Sternrassler/eligibility-batch/pkg/report"
	"github.com/Sternrassler/eligibility-batch/pkg/source"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// maxMembers bounds the identifiers of one request.
	maxMembers = 1000

	maxBodyBytes = 1 << 20
)

// processRequest is the body of POST /process-members.
type processRequest struct {
	MemberIDs []string `json:"member_ids"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// server runs one batch per request against a shared resolver.
type server struct {
	cfg       config.Config
	resolver  dispatch.Resolver
	preflight batch.Preflight
	reporters []batch.Reporter
	redis     *redis.Client // nil when no result store is configured
	logger    zerolog.Logger
}

// newServer creates the API handlers. A nil preflight skips the DNS check.
func newServer(cfg config.Config, resolver dispatch.Resolver, pf batch.Preflight) *server {
	return &server{
		cfg:       cfg,
		resolver:  resolver,
		preflight: pf,
		logger:    log.With().Str("component", "api").Logger(),
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", rootHandler)
	mux.HandleFunc("GET /health", healthHandler)
	mux.HandleFunc("GET /ready", readyHandler(s.redis))
	mux.HandleFunc("POST /process-members", s.processMembersHandler)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

func rootHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"message": "eligibility API is running",
	})
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// readyHandler reports whether the result store answers. Without a store the
// server is always ready.
func readyHandler(redisClient *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if redisClient != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := redisClient.Ping(ctx).Err(); err != nil {
				http.Error(w, "Redis not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}
}

// processMembersHandler runs a batch over the posted member IDs and returns
// one summary per identifier, in request order.
func (s *server) processMembersHandler(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	if len(req.MemberIDs) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "member_ids is required"})
		return
	}
	if len(req.MemberIDs) > maxMembers {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "too many member_ids"})
		return
	}

	coord := batch.NewCoordinator(
		batch.Config{
			Host:     s.cfg.Client.Host,
			Dispatch: dispatch.Config{MaxConcurrency: s.cfg.Concurrency},
		},
		s.preflight,
		source.Static(req.MemberIDs),
		s.resolver,
		s.reporters...,
	)
	coord.SetLogger(s.logger)

	run, err := coord.Run(r.Context())
	if err != nil {
		s.writeRunError(w, err)
		return
	}

	results := run.Results
	order := make(map[string]int, len(req.MemberIDs))
	for i, id := range req.MemberIDs {
		if _, ok := order[id]; !ok {
			order[id] = i
		}
	}
	sort.SliceStable(results, func(i, j int) bool {
		return order[results[i].Identifier] < order[results[j].Identifier]
	})

	rows := make([]report.Summary, 0, len(results))
	for _, res := range results {
		rows = append(rows, report.Summarize(res))
	}

	s.logger.Info().
		Str("run_id", run.ID).
		Int("members", len(rows)).
		Int("failed", run.Failed).
		Dur("duration", run.Duration()).
		Msg("Members processed")
	writeJSON(w, http.StatusOK, rows)
}

func (s *server) writeRunError(w http.ResponseWriter, err error) {
	if errors.Is(err, batch.ErrCancelled) {
		s.logger.Warn().Err(err).Msg("Request cancelled before the batch finished")
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "request cancelled"})
		return
	}

	reason, _ := batch.AbortReasonOf(err)
	switch reason {
	case batch.ReasonNoIdentifiers:
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "no valid member_ids", Reason: string(reason)})
	case batch.ReasonDNSUnreachable:
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "eligibility endpoint unreachable", Reason: string(reason)})
	default:
		s.logger.Error().Err(err).Msg("Batch failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "batch failed", Reason: string(reason)})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to write response")
	}
}
