// Package report persists batch results to disk.
//
// JSONFile writes the complete result slice (results.json). SummaryFile writes
// one simplified row per identifier (simple_results.json), parsed from the
// X12 271 carried in each successful response body.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Sternrassler/eligibility-batch/pkg/client"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// JSONFile writes every result as one indented JSON array.
type JSONFile struct {
	Path   string
	logger zerolog.Logger
}

// NewJSONFile creates a raw result reporter writing to path.
func NewJSONFile(path string) *JSONFile {
	return &JSONFile{
		Path:   path,
		logger: log.With().Str("component", "json-report").Logger(),
	}
}

// SetLogger replaces the component logger.
func (r *JSONFile) SetLogger(logger zerolog.Logger) {
	r.logger = logger
}

// Name identifies the reporter in logs.
func (r *JSONFile) Name() string {
	return "results.json"
}

// Report replaces the file with results.
func (r *JSONFile) Report(ctx context.Context, runID string, results []client.Result) error {
	if results == nil {
		results = []client.Result{}
	}
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}
	if err := writeFileAtomic(r.Path, data); err != nil {
		return err
	}

	r.logger.Info().
		Str("run_id", runID).
		Str("path", r.Path).
		Int("results", len(results)).
		Msg("Raw results saved")
	return nil
}

// LoadJSON reads a result file written by JSONFile.
func LoadJSON(path string) ([]client.Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read results: %w", err)
	}
	var results []client.Result
	if err := json.Unmarshal(data, &results); err != nil {
		return nil, fmt.Errorf("decode results: %w", err)
	}
	return results, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
