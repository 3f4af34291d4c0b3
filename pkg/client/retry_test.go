package client

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/eligibility-batch/internal/testutil"
	"github.com/Sternrassler/eligibility-batch/pkg/x12"
	"github.com/rs/zerolog"
)

// scriptedSubmitter returns queued outcomes in order and records every document.
type scriptedSubmitter struct {
	mu       sync.Mutex
	outcomes []func() (*Response, error)
	docs     []x12.Document
	onSubmit func(n int)
}

func (s *scriptedSubmitter) Submit(ctx context.Context, doc x12.Document) (*Response, error) {
	s.mu.Lock()
	s.docs = append(s.docs, doc)
	n := len(s.docs)
	var next func() (*Response, error)
	if len(s.outcomes) > 0 {
		next = s.outcomes[0]
		if len(s.outcomes) > 1 {
			s.outcomes = s.outcomes[1:]
		}
	}
	hook := s.onSubmit
	s.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	if next == nil {
		return &Response{StatusCode: http.StatusOK, Body: []byte("OK")}, nil
	}
	return next()
}

func (s *scriptedSubmitter) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs)
}

func ok(body string) func() (*Response, error) {
	return func() (*Response, error) {
		return &Response{StatusCode: http.StatusOK, Body: []byte(body)}, nil
	}
}

func fail(kind FailureKind, status int) func() (*Response, error) {
	return func() (*Response, error) {
		return nil, &SubmitError{Kind: kind, StatusCode: status, Body: []byte("err body"), Err: errors.New(string(kind))}
	}
}

// recordingSleep captures backoff durations without waiting.
type recordingSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingSleep) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func newTestPolicy(sub Submitter, cfg RetryConfig) (*Policy, *recordingSleep) {
	p := NewPolicy(x12.NewBuilder(x12.DefaultEnvelope()), sub, cfg)
	p.SetLogger(zerolog.Nop())
	rec := &recordingSleep{}
	p.SetSleep(rec.sleep)
	return p, rec
}

func TestDefaultRetryConfig(t *testing.T) {
	config := DefaultRetryConfig()

	if config.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", config.MaxAttempts)
	}
	if config.BackoffBase != 1*time.Second {
		t.Errorf("BackoffBase = %v, want 1s", config.BackoffBase)
	}
}

func TestBackoff_LinearAndMonotone(t *testing.T) {
	base := 250 * time.Millisecond
	prev := time.Duration(0)
	for n := 1; n <= 10; n++ {
		d := Backoff(n, base)
		if d != time.Duration(n)*base {
			t.Errorf("Backoff(%d) = %v, want %v", n, d, time.Duration(n)*base)
		}
		if d < prev {
			t.Errorf("Backoff(%d) = %v decreased from %v", n, d, prev)
		}
		prev = d
	}

	if Backoff(0, base) != 0 || Backoff(3, 0) != 0 {
		t.Error("Backoff should be zero for non-positive inputs")
	}
}

func TestResolve_SuccessFirstAttempt(t *testing.T) {
	sub := &scriptedSubmitter{outcomes: []func() (*Response, error){ok("OK")}}
	p, rec := newTestPolicy(sub, DefaultRetryConfig())

	result := p.Resolve(context.Background(), "123456789012")

	if result.Identifier != "123456789012" {
		t.Errorf("Identifier = %q", result.Identifier)
	}
	if result.Success == nil {
		t.Fatalf("expected success, got failure %+v", result.Failure)
	}
	if result.Success.StatusCode != 200 || result.Success.Body != "OK" {
		t.Errorf("Success = %+v", result.Success)
	}
	if result.Failure != nil {
		t.Error("Failure should be nil on success")
	}
	if sub.calls() != 1 {
		t.Errorf("submissions = %d, want 1", sub.calls())
	}
	if len(rec.delays) != 0 {
		t.Errorf("backoff waits = %d, want 0", len(rec.delays))
	}
}

func TestResolve_AlwaysTimeout(t *testing.T) {
	sub := &scriptedSubmitter{outcomes: []func() (*Response, error){fail(FailureTimeout, 0)}}
	p, rec := newTestPolicy(sub, RetryConfig{MaxAttempts: 3, BackoffBase: time.Second})

	result := p.Resolve(context.Background(), "123456789012")

	if result.Failure == nil {
		t.Fatal("expected failure")
	}
	if result.Failure.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", result.Failure.Attempts)
	}
	if result.Failure.Kind != FailureTimeout {
		t.Errorf("Kind = %q, want timeout", result.Failure.Kind)
	}
	if result.Failure.Message == "" {
		t.Error("Message should describe the failure")
	}
	if sub.calls() != 3 {
		t.Errorf("submissions = %d, want 3", sub.calls())
	}
	if len(rec.delays) != 2 {
		t.Fatalf("backoff waits = %d, want 2", len(rec.delays))
	}
	if rec.delays[0] != time.Second || rec.delays[1] != 2*time.Second {
		t.Errorf("delays = %v, want [1s 2s]", rec.delays)
	}
}

func TestResolve_SuccessAfterRetry(t *testing.T) {
	sub := &scriptedSubmitter{outcomes: []func() (*Response, error){
		fail(FailureHTTP, 503),
		fail(FailureNetwork, 0),
		ok("eligible"),
	}}
	p, _ := newTestPolicy(sub, DefaultRetryConfig())

	result := p.Resolve(context.Background(), "123456789012")

	if !result.Succeeded() {
		t.Fatalf("expected success, got %+v", result.Failure)
	}
	if result.Attempts() != 3 {
		t.Errorf("Attempts() = %d, want 3", result.Attempts())
	}
}

func TestResolve_HTTPErrorRecordsLastStatus(t *testing.T) {
	sub := &scriptedSubmitter{outcomes: []func() (*Response, error){fail(FailureHTTP, 400)}}
	p, _ := newTestPolicy(sub, RetryConfig{MaxAttempts: 2, BackoffBase: time.Millisecond})

	result := p.Resolve(context.Background(), "123456789012")

	if result.Failure == nil {
		t.Fatal("expected failure")
	}
	// HTTP errors are retried like any other failure.
	if sub.calls() != 2 {
		t.Errorf("submissions = %d, want 2", sub.calls())
	}
	if result.Failure.LastStatus != 400 {
		t.Errorf("LastStatus = %d, want 400", result.Failure.LastStatus)
	}
	if result.Failure.LastBody != "err body" {
		t.Errorf("LastBody = %q", result.Failure.LastBody)
	}
}

func TestResolve_NeverExceedsMaxAttempts(t *testing.T) {
	for _, limit := range []int{1, 2, 5} {
		sub := &scriptedSubmitter{outcomes: []func() (*Response, error){fail(FailureNetwork, 0)}}
		p, rec := newTestPolicy(sub, RetryConfig{MaxAttempts: limit, BackoffBase: time.Millisecond})

		result := p.Resolve(context.Background(), "123456789012")

		if sub.calls() != limit {
			t.Errorf("max=%d: submissions = %d", limit, sub.calls())
		}
		if result.Failure.Attempts != limit {
			t.Errorf("max=%d: Attempts = %d", limit, result.Failure.Attempts)
		}
		for i := 1; i < len(rec.delays); i++ {
			if rec.delays[i] < rec.delays[i-1] {
				t.Errorf("max=%d: delays not monotone: %v", limit, rec.delays)
			}
		}
	}
}

func TestResolve_FreshDocumentPerAttempt(t *testing.T) {
	sub := &scriptedSubmitter{outcomes: []func() (*Response, error){fail(FailureTimeout, 0)}}
	p, _ := newTestPolicy(sub, DefaultRetryConfig())

	p.Resolve(context.Background(), "123456789012")

	seen := make(map[string]bool)
	for _, doc := range sub.docs {
		if seen[string(doc.Bytes)] {
			t.Error("document reused across attempts")
		}
		seen[string(doc.Bytes)] = true
		if doc.Identifier != "123456789012" {
			t.Errorf("document identifier = %q", doc.Identifier)
		}
	}
}

func TestResolve_CancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	sub := &scriptedSubmitter{outcomes: []func() (*Response, error){fail(FailureNetwork, 0)}}
	sub.onSubmit = func(n int) {
		if n == 1 {
			cancel()
		}
	}
	p, _ := newTestPolicy(sub, DefaultRetryConfig())

	result := p.Resolve(ctx, "123456789012")

	if result.Failure == nil || result.Failure.Kind != FailureCancelled {
		t.Fatalf("expected cancelled failure, got %+v", result)
	}
	if result.Failure.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", result.Failure.Attempts)
	}
	if sub.calls() != 1 {
		t.Errorf("submissions = %d, want 1", sub.calls())
	}
}

func TestResolve_InFlightAttemptCompletesAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	sub := &scriptedSubmitter{outcomes: []func() (*Response, error){ok("OK")}}
	var submitCtxErr error
	sub.onSubmit = func(int) { cancel() }
	wrapped := submitterFunc(func(c context.Context, doc x12.Document) (*Response, error) {
		resp, err := sub.Submit(c, doc)
		submitCtxErr = c.Err()
		return resp, err
	})
	p, _ := newTestPolicy(wrapped, DefaultRetryConfig())

	result := p.Resolve(ctx, "123456789012")

	if !result.Succeeded() {
		t.Fatalf("in-flight attempt should complete, got %+v", result.Failure)
	}
	if submitCtxErr != nil {
		t.Errorf("submission context was cancelled: %v", submitCtxErr)
	}
}

func TestResolve_AlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sub := &scriptedSubmitter{}
	p, _ := newTestPolicy(sub, DefaultRetryConfig())

	result := p.Resolve(ctx, "123456789012")

	if sub.calls() != 0 {
		t.Errorf("submissions = %d, want 0", sub.calls())
	}
	if result.Failure == nil || result.Failure.Kind != FailureCancelled || result.Failure.Attempts != 0 {
		t.Errorf("unexpected result %+v", result.Failure)
	}
	if !strings.Contains(result.Failure.Message, ErrContextCancelled.Error()) {
		t.Errorf("Message = %q, want cancellation reason", result.Failure.Message)
	}
}

func TestResolve_GenericErrorTreatedAsNetwork(t *testing.T) {
	sub := &scriptedSubmitter{outcomes: []func() (*Response, error){
		func() (*Response, error) { return nil, errors.New("encode form: boom") },
	}}
	p, _ := newTestPolicy(sub, RetryConfig{MaxAttempts: 1})

	result := p.Resolve(context.Background(), "123456789012")

	if result.Failure == nil || result.Failure.Kind != FailureNetwork {
		t.Fatalf("expected network failure, got %+v", result.Failure)
	}
}

func TestResolve_WritesDebugPayload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "payload.x12")
	sub := &scriptedSubmitter{}
	p, _ := newTestPolicy(sub, RetryConfig{MaxAttempts: 1, DebugPayloadPath: path})

	p.Resolve(context.Background(), "123456789012")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("debug payload not written: %v", err)
	}
	if string(data) != string(sub.docs[0].Bytes) {
		t.Error("debug payload does not match submitted document")
	}
}

func TestResolve_AgainstMockEndpoint(t *testing.T) {
	mock := testutil.NewMockEligibility()
	defer mock.Close()
	mock.SetSequence("123456789012",
		testutil.NewServerErrorResponse(),
		testutil.NewEligibleResponse("123456789012"),
	)

	c := newTestClient(t, mock, 5*time.Second)
	p, rec := newTestPolicy(c, RetryConfig{MaxAttempts: 3, BackoffBase: time.Millisecond})

	result := p.Resolve(context.Background(), "123456789012")

	if !result.Succeeded() {
		t.Fatalf("expected success, got %+v", result.Failure)
	}
	if mock.RequestsFor("123456789012") != 2 {
		t.Errorf("requests = %d, want 2", mock.RequestsFor("123456789012"))
	}
	if len(rec.delays) != 1 {
		t.Errorf("backoff waits = %d, want 1", len(rec.delays))
	}

	reqs := mock.Requests()
	if reqs[0].Fields["PayloadID"] == reqs[1].Fields["PayloadID"] {
		t.Error("PayloadID reused across attempts")
	}
	if string(reqs[0].Payload) == string(reqs[1].Payload) {
		t.Error("payload reused across attempts")
	}
}

func TestSleepContext(t *testing.T) {
	if err := sleepContext(context.Background(), time.Millisecond); err != nil {
		t.Errorf("sleepContext() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if err := sleepContext(ctx, time.Minute); !errors.Is(err, context.Canceled) {
		t.Errorf("sleepContext() error = %v, want context.Canceled", err)
	}
	if time.Since(start) > time.Second {
		t.Error("sleepContext should return promptly on cancellation")
	}
}

type submitterFunc func(ctx context.Context, doc x12.Document) (*Response, error)

func (f submitterFunc) Submit(ctx context.Context, doc x12.Document) (*Response, error) {
	return f(ctx, doc)
}
