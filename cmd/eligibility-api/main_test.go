package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Sternrassler/eligibility-batch/internal/testutil"
	"github.com/Sternrassler/eligibility-batch/pkg/client"
	"github.com/Sternrassler/eligibility-batch/pkg/config"
	"github.com/Sternrassler/eligibility-batch/pkg/dispatch"
	"github.com/Sternrassler/eligibility-batch/pkg/report"
	"github.com/Sternrassler/eligibility-batch/pkg/x12"
	"github.com/google/go-cmp/cmp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func newTestServer(t *testing.T, mock *testutil.MockEligibility) *server {
	t.Helper()

	cfg := config.Default()
	cfg.Client.Scheme = "http"
	cfg.Client.Host = mock.Host()
	cfg.Client.UserName = "user"
	cfg.Client.Password = "secret"
	cfg.Client.AttemptTimeout = 2 * time.Second
	cfg.Concurrency = 2

	c, err := client.New(cfg.Client)
	if err != nil {
		t.Fatalf("client.New() error = %v", err)
	}
	c.SetLogger(zerolog.Nop())

	policy := client.NewPolicy(x12.NewBuilder(cfg.Envelope), c, client.RetryConfig{
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
	})
	policy.SetLogger(zerolog.Nop())

	s := newServer(cfg, policy, nil)
	s.logger = zerolog.Nop()
	return s
}

func postMembers(t *testing.T, h http.Handler, body string) *http.Response {
	t.Helper()
	req := httptest.NewRequest("POST", "/process-members", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w.Result()
}

func TestHealthEndpoint(t *testing.T) {
	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	healthHandler(w, req)

	resp := w.Result()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if string(body) != "OK" {
		t.Errorf("Expected body 'OK', got %s", string(body))
	}
}

func TestRootEndpoint(t *testing.T) {
	h := newServer(config.Default(), nil, nil).routes()

	req := httptest.NewRequest("GET", "/", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %q, want ok", body["status"])
	}

	// Unknown paths are not served by the root route.
	req = httptest.NewRequest("GET", "/nope", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("GET /nope status = %d, want 404", w.Code)
	}
}

func TestReadyEndpoint(t *testing.T) {
	t.Run("no_store", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/ready", nil)
		w := httptest.NewRecorder()

		readyHandler(nil)(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("Expected status 200, got %d", w.Code)
		}
	})

	t.Run("not_ready_redis_down", func(t *testing.T) {
		redisClient := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
		defer redisClient.Close()

		req := httptest.NewRequest("GET", "/ready", nil)
		w := httptest.NewRecorder()

		readyHandler(redisClient)(w, req)

		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("Expected status 503, got %d", w.Code)
		}
	})
}

func TestProcessMembers(t *testing.T) {
	mock := testutil.NewMockEligibility()
	defer mock.Close()

	ids := []string{"100000000001", "100000000002", "100000000003"}
	mock.SetSequence(ids[1], testutil.NewIneligibleResponse(ids[1]))
	mock.SetSequence(ids[2],
		testutil.NewServerErrorResponse(),
		testutil.NewServerErrorResponse(),
		testutil.NewServerErrorResponse(),
	)

	h := newTestServer(t, mock).routes()
	resp := postMembers(t, h, `{"member_ids": ["100000000001", "100000000002", "not-an-id", "100000000003"]}`)

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	var rows []report.Summary
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		t.Fatalf("decode: %v", err)
	}

	got := make([][2]string, len(rows))
	for i, r := range rows {
		got[i] = [2]string{r.MemberID, r.WaiverStatus}
	}
	want := [][2]string{
		{ids[0], report.StatusEligible},
		{ids[1], report.StatusIneligible},
		{ids[2], report.StatusError},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%s", diff)
	}
	if rows[2].Error == "" {
		t.Error("failed row should carry the failure message")
	}
	if mock.RequestsFor(ids[2]) != 3 {
		t.Errorf("requests for %s = %d, want 3", ids[2], mock.RequestsFor(ids[2]))
	}
}

func TestProcessMembers_BadRequests(t *testing.T) {
	mock := testutil.NewMockEligibility()
	defer mock.Close()
	h := newTestServer(t, mock).routes()

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantReason string
	}{
		{"invalid json", `{"member_ids":`, http.StatusBadRequest, ""},
		{"missing member_ids", `{}`, http.StatusBadRequest, ""},
		{"empty member_ids", `{"member_ids": []}`, http.StatusBadRequest, ""},
		{"no valid member_ids", `{"member_ids": ["abc", "123"]}`, http.StatusUnprocessableEntity, "no_identifiers"},
		{"too many member_ids", `{"member_ids": [` + strings.Repeat(`"100000000001",`, maxMembers) + `"100000000001"]}`, http.StatusRequestEntityTooLarge, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postMembers(t, h, tt.body)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			var body errorResponse
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Error == "" || body.Reason != tt.wantReason {
				t.Errorf("body = %+v, want reason %q", body, tt.wantReason)
			}
		})
	}

	if mock.RequestCount() != 0 {
		t.Errorf("requests = %d, want 0", mock.RequestCount())
	}
}

func TestProcessMembers_MethodNotAllowed(t *testing.T) {
	h := newServer(config.Default(), nil, nil).routes()

	req := httptest.NewRequest("GET", "/process-members", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", w.Code)
	}
}

func TestProcessMembers_DNSUnreachable(t *testing.T) {
	s := newServer(config.Default(), nil, preflightFunc(func(ctx context.Context, host string) error {
		return errors.New("no resolver answered")
	}))
	s.logger = zerolog.Nop()

	resp := postMembers(t, s.routes(), `{"member_ids": ["100000000001"]}`)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestProcessMembers_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resolver := dispatch.ResolverFunc(func(ctx context.Context, identifier string) client.Result {
		cancel()
		return client.Result{
			Identifier: identifier,
			Failure:    &client.Failure{Kind: client.FailureCancelled, Message: "context canceled", Attempts: 1},
		}
	})
	s := newServer(config.Default(), resolver, nil)
	s.logger = zerolog.Nop()

	req := httptest.NewRequest("POST", "/process-members", strings.NewReader(`{"member_ids": ["100000000001"]}`)).WithContext(ctx)
	w := httptest.NewRecorder()
	s.routes().ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newServer(config.Default(), nil, nil).routes()

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "eligibility_batch_duration_seconds") {
		t.Error("Expected batch metrics in /metrics output")
	}
}

type preflightFunc func(ctx context.Context, host string) error

func (f preflightFunc) Check(ctx context.Context, host string) error { return f(ctx, host) }
