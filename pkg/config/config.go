// Package config loads the batch configuration from the environment. It is
// the only package that reads environment variables; the CLI applies flag
// overrides on top of the loaded value before validating it.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/eligibility-batch/pkg/client"
	"github.com/Sternrassler/eligibility-batch/pkg/logging"
	"github.com/Sternrassler/eligibility-batch/pkg/x12"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
)

// Defaults for settings without a client or envelope default.
const (
	DefaultConcurrency  = 10
	DefaultInputCSV     = "x12_input_and_results/realtime.csv"
	DefaultOutputDir    = "x12_input_and_results"
	DefaultLogFile      = "debug.log"
	DefaultResultTTL    = 24 * time.Hour
	DefaultDNSResolvers = "8.8.8.8,1.1.1.1,208.67.222.222"
	DefaultDNSTimeout   = 5 * time.Second
	DefaultAPIAddr      = ":8080"

	ResultsFile       = "results.json"
	SimpleResultsFile = "simple_results.json"
)

// LookupFunc reads one variable. os.LookupEnv satisfies it.
type LookupFunc func(key string) (string, bool)

// Config is the complete batch configuration.
type Config struct {
	// Endpoint, credentials, timeout and retry
	Client client.Config

	// Trading partner values written into every 270
	Envelope x12.Envelope

	// Concurrency is the maximum number of identifiers in flight.
	Concurrency int

	// Files
	InputCSV         string
	OutputDir        string
	DebugPayloadPath string // empty disables the payload dump

	// Logging
	LogLevel  string
	LogPretty bool
	LogFile   string // empty disables the debug log file

	// Optional outputs
	RedisURL    string // empty disables the result store
	ResultTTL   time.Duration
	MetricsFile string // node-exporter textfile, empty disables
	MetricsAddr string // listen address for /metrics during the run, empty disables

	// DNS preflight
	DNSResolvers string
	DNSTimeout   time.Duration

	// APIAddr is the listen address of the HTTP API command.
	APIAddr string
}

// Default returns the configuration used when no variable is set.
// Credentials are left empty and must be supplied.
func Default() Config {
	return Config{
		Client:       client.DefaultConfig("", ""),
		Envelope:     x12.DefaultEnvelope(),
		Concurrency:  DefaultConcurrency,
		InputCSV:     DefaultInputCSV,
		OutputDir:    DefaultOutputDir,
		LogLevel:     string(logging.LevelInfo),
		LogFile:      DefaultLogFile,
		ResultTTL:    DefaultResultTTL,
		DNSResolvers: DefaultDNSResolvers,
		DNSTimeout:   DefaultDNSTimeout,
		APIAddr:      DefaultAPIAddr,
	}
}

// FromEnv loads the configuration from the process environment.
func FromEnv() (Config, error) {
	return Load(os.LookupEnv)
}

// Load builds the configuration from lookup, falling back to Default for
// unset or empty variables. Malformed numbers are reported together.
func Load(lookup LookupFunc) (Config, error) {
	cfg := Default()
	env := envReader{lookup: lookup}

	cfg.Client.Host = env.str("ELIGIBILITY_HOST", cfg.Client.Host)
	cfg.Client.Scheme = env.str("ELIGIBILITY_SCHEME", cfg.Client.Scheme)
	cfg.Client.Path = env.str("ELIGIBILITY_PATH", cfg.Client.Path)
	cfg.Client.UserName = env.str("HCP_USERNAME", "")
	cfg.Client.Password = env.str("HCP_PASSWORD", "")
	cfg.Client.SenderID = env.str("SENDER_ID", cfg.Client.SenderID)
	cfg.Client.ReceiverID = env.str("RECEIVER_ID", cfg.Client.ReceiverID)
	cfg.Client.MaxAttempts = env.integer("MAX_ATTEMPTS", cfg.Client.MaxAttempts)
	cfg.Client.AttemptTimeout = env.millis("ATTEMPT_TIMEOUT_MS", cfg.Client.AttemptTimeout)
	cfg.Client.BackoffBase = env.millis("BACKOFF_BASE_MS", cfg.Client.BackoffBase)

	cfg.Concurrency = env.integer("CONCURRENCY_LIMIT", cfg.Concurrency)
	cfg.InputCSV = env.str("INPUT_CSV", cfg.InputCSV)
	cfg.OutputDir = env.str("OUTPUT_DIR", cfg.OutputDir)
	cfg.DebugPayloadPath = env.str("DEBUG_PAYLOAD_PATH", cfg.DebugPayloadPath)

	cfg.LogLevel = env.str("LOG_LEVEL", cfg.LogLevel)
	cfg.LogPretty = env.boolean("LOG_PRETTY", cfg.LogPretty)
	cfg.LogFile = env.str("LOG_FILE", cfg.LogFile)

	cfg.RedisURL = env.str("REDIS_URL", cfg.RedisURL)
	cfg.ResultTTL = env.duration("RESULT_TTL", cfg.ResultTTL)
	cfg.MetricsFile = env.str("METRICS_FILE", cfg.MetricsFile)
	cfg.MetricsAddr = env.str("METRICS_ADDR", cfg.MetricsAddr)
	cfg.DNSResolvers = env.str("DNS_RESOLVERS", cfg.DNSResolvers)
	cfg.APIAddr = env.str("API_ADDR", cfg.APIAddr)

	cfg.SyncEnvelope()
	if env.err != nil {
		return Config{}, env.err
	}
	return cfg, nil
}

// SyncEnvelope copies the trading partner IDs of the client into the X12
// envelope so the form fields and the ISA/GS headers agree.
func (c *Config) SyncEnvelope() {
	c.Envelope.SenderID = c.Client.SenderID
	c.Envelope.ReceiverID = c.Client.ReceiverID
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var err error
	if c.Client.Host == "" {
		err = multierr.Append(err, fmt.Errorf("ELIGIBILITY_HOST is required"))
	}
	if c.Client.Scheme != "https" && c.Client.Scheme != "http" {
		err = multierr.Append(err, fmt.Errorf("ELIGIBILITY_SCHEME must be https or http (got %q)", c.Client.Scheme))
	}
	if c.Client.UserName == "" {
		err = multierr.Append(err, fmt.Errorf("HCP_USERNAME is required"))
	}
	if c.Client.Password == "" {
		err = multierr.Append(err, fmt.Errorf("HCP_PASSWORD is required"))
	}
	if c.Client.MaxAttempts < 1 {
		err = multierr.Append(err, fmt.Errorf("max attempts must be >= 1 (got %d)", c.Client.MaxAttempts))
	}
	if c.Client.AttemptTimeout <= 0 {
		err = multierr.Append(err, fmt.Errorf("attempt timeout must be > 0 (got %s)", c.Client.AttemptTimeout))
	}
	if c.Client.BackoffBase < 0 {
		err = multierr.Append(err, fmt.Errorf("backoff base must be >= 0 (got %s)", c.Client.BackoffBase))
	}
	if c.Concurrency < 1 {
		err = multierr.Append(err, fmt.Errorf("concurrency must be >= 1 (got %d)", c.Concurrency))
	}
	if c.InputCSV == "" {
		err = multierr.Append(err, fmt.Errorf("input CSV path is required"))
	}
	if c.OutputDir == "" {
		err = multierr.Append(err, fmt.Errorf("output directory is required"))
	}
	if !logging.ValidLevel(c.LogLevel) {
		err = multierr.Append(err, fmt.Errorf("unknown log level %q", c.LogLevel))
	}
	if c.RedisURL != "" {
		if _, perr := c.RedisOptions(); perr != nil {
			err = multierr.Append(err, perr)
		}
	}
	if c.ResultTTL <= 0 {
		err = multierr.Append(err, fmt.Errorf("result TTL must be > 0 (got %s)", c.ResultTTL))
	}
	return err
}

// RedisOptions parses RedisURL. Both redis:// URLs and bare host:port
// addresses are accepted.
func (c Config) RedisOptions() (*redis.Options, error) {
	if strings.Contains(c.RedisURL, "://") {
		opts, err := redis.ParseURL(c.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		return opts, nil
	}
	return &redis.Options{Addr: c.RedisURL}, nil
}

// ResultsPath is where the raw results are written.
func (c Config) ResultsPath() string {
	return filepath.Join(c.OutputDir, ResultsFile)
}

// SimpleResultsPath is where the simplified results are written.
func (c Config) SimpleResultsPath() string {
	return filepath.Join(c.OutputDir, SimpleResultsFile)
}

// Redacted returns a copy safe to log.
func (c Config) Redacted() Config {
	if c.Client.Password != "" {
		c.Client.Password = "REDACTED"
	}
	return c
}

// envReader reads typed variables and keeps every parse error.
type envReader struct {
	lookup LookupFunc
	err    error
}

func (e *envReader) raw(key string) (string, bool) {
	v, ok := e.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (e *envReader) str(key, def string) string {
	if v, ok := e.raw(key); ok {
		return v
	}
	return def
}

func (e *envReader) integer(key string, def int) int {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.err = multierr.Append(e.err, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (e *envReader) millis(key string, def time.Duration) time.Duration {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		e.err = multierr.Append(e.err, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return time.Duration(n) * time.Millisecond
}

func (e *envReader) duration(key string, def time.Duration) time.Duration {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.err = multierr.Append(e.err, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func (e *envReader) boolean(key string, def bool) bool {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.err = multierr.Append(e.err, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}
