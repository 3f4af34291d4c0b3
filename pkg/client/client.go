// Package client submits X12 270 inquiries to a CORE eligibility endpoint
// and resolves identifiers to results with retries.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"

	"github.com/Sternrassler/eligibility-batch/pkg/x12"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for submissions.
var (
	submissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eligibility_submissions_total",
		Help: "Total eligibility submissions by outcome",
	}, []string{"outcome"})

	submissionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "eligibility_submission_duration_seconds",
		Help:    "Eligibility submission duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 20},
	})
)

// CORE form constants.
const (
	PayloadType     = "X12_270_Request_005010X279A1"
	ProcessingMode  = "RealTime"
	CORERuleVersion = "2.2.0"

	// maxBodyBytes bounds how much of a response body is kept.
	maxBodyBytes = 10 << 20
)

// Config holds the client configuration.
type Config struct {
	// Endpoint
	Scheme string // "https" in production
	Host   string
	Path   string

	// Credentials (Password is secret)
	UserName string
	Password string

	// Trading partners, sent as form fields
	SenderID   string
	ReceiverID string

	// Per-attempt timeout
	AttemptTimeout time.Duration

	// Retry
	MaxAttempts int
	BackoffBase time.Duration
}

// DefaultConfig returns the configuration for the Indiana CORE endpoint.
func DefaultConfig(userName, password string) Config {
	return Config{
		Scheme:         "https",
		Host:           "coresvc.indianamedicaid.com",
		Path:           "/HP.Core.mime/CoreTransactions.aspx",
		UserName:       userName,
		Password:       password,
		SenderID:       "A367",
		ReceiverID:     "IHCP",
		AttemptTimeout: 10 * time.Second,
		MaxAttempts:    3,
		BackoffBase:    1 * time.Second,
	}
}

// URL returns the endpoint URL.
func (c Config) URL() string {
	scheme := c.Scheme
	if scheme == "" {
		scheme = "https"
	}
	return scheme + "://" + c.Host + c.Path
}

// Response is a successful (2xx) submission.
type Response struct {
	StatusCode int
	Body       []byte
}

// Client posts documents to the eligibility endpoint. It is safe for
// concurrent use.
type Client struct {
	httpClient *http.Client
	config     Config
	logger     zerolog.Logger
	newID      func() string
	now        func() time.Time
}

// New creates a new eligibility client.
func New(cfg Config) (*Client, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("endpoint host is required")
	}

	if cfg.UserName == "" {
		return nil, fmt.Errorf("user name is required")
	}

	if cfg.Password == "" {
		return nil, fmt.Errorf("password is required")
	}

	if cfg.AttemptTimeout <= 0 {
		return nil, fmt.Errorf("attempt_timeout must be > 0 (got %s)", cfg.AttemptTimeout)
	}

	if cfg.MaxAttempts < 1 {
		return nil, fmt.Errorf("max_attempts must be >= 1 (got %d)", cfg.MaxAttempts)
	}

	logger := log.With().Str("component", "eligibility-client").Logger()

	return &Client{
		httpClient: &http.Client{},
		config:     cfg,
		logger:     logger,
		newID:      func() string { return uuid.NewString() },
		now:        time.Now,
	}, nil
}

// Config returns the client configuration.
func (c *Client) Config() Config {
	return c.config
}

// Submit performs exactly one POST of doc. Any 2xx status is a success; every
// other outcome is returned as a *SubmitError.
func (c *Client) Submit(ctx context.Context, doc x12.Document) (*Response, error) {
	startTime := time.Now()
	defer func() {
		submissionDuration.Observe(time.Since(startTime).Seconds())
	}()

	payloadID := c.newID()
	body, contentType, err := c.encodeForm(doc, payloadID)
	if err != nil {
		return nil, fmt.Errorf("encode form: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.AttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.ContentLength = int64(len(body))

	c.logger.Debug().
		Str("identifier", doc.Identifier).
		Str("payload_id", payloadID).
		Str("control_number", doc.ControlNumber).
		Msg("Sending eligibility request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		kind := classifyTransportError(err)
		submissionsTotal.WithLabelValues(string(kind)).Inc()
		c.logger.Error().Err(err).
			Str("identifier", doc.Identifier).
			Str("failure_kind", string(kind)).
			Msg("HTTP request failed")
		return nil, &SubmitError{Kind: kind, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		kind := classifyTransportError(err)
		submissionsTotal.WithLabelValues(string(kind)).Inc()
		return nil, &SubmitError{Kind: kind, StatusCode: resp.StatusCode, Err: fmt.Errorf("read response body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		submissionsTotal.WithLabelValues(string(FailureHTTP)).Inc()
		c.logger.Warn().
			Str("identifier", doc.Identifier).
			Int("status_code", resp.StatusCode).
			Msg("Eligibility request error")
		return nil, &SubmitError{
			Kind:       FailureHTTP,
			StatusCode: resp.StatusCode,
			Body:       respBody,
			Err:        fmt.Errorf("unexpected status %s", resp.Status),
		}
	}

	submissionsTotal.WithLabelValues("success").Inc()
	c.logger.Info().
		Str("identifier", doc.Identifier).
		Int("status_code", resp.StatusCode).
		Msg("Request successful")

	return &Response{StatusCode: resp.StatusCode, Body: respBody}, nil
}

// encodeForm builds the CORE multipart envelope around doc.
func (c *Client) encodeForm(doc x12.Document, payloadID string) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fields := []struct{ name, value string }{
		{"PayloadType", PayloadType},
		{"ProcessingMode", ProcessingMode},
		{"PayloadID", payloadID},
		{"TimeStamp", c.now().UTC().Format(time.RFC3339)},
		{"UserName", c.config.UserName},
		{"Password", c.config.Password},
		{"SenderID", c.config.SenderID},
		{"ReceiverID", c.config.ReceiverID},
		{"CORERuleVersion", CORERuleVersion},
	}
	for _, f := range fields {
		if err := w.WriteField(f.name, f.value); err != nil {
			return nil, "", fmt.Errorf("write field %s: %w", f.name, err)
		}
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="Payload"; filename="payload.x12"`)
	header.Set("Content-Type", "text/plain; charset=utf-8")
	part, err := w.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("create payload part: %w", err)
	}
	if _, err := part.Write(doc.Bytes); err != nil {
		return nil, "", fmt.Errorf("write payload part: %w", err)
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close form: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// SetLogger replaces the component logger.
func (c *Client) SetLogger(logger zerolog.Logger) {
	c.logger = logger
}
