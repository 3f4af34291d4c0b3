package report

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Sternrassler/eligibility-batch/pkg/client"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Summary is one row of simple_results.json.
type Summary struct {
	MemberID     string `json:"member_id"`
	Patient      string `json:"patient,omitempty"`
	WaiverStatus string `json:"waiver_status"`
	MCE          string `json:"mce,omitempty"`
	Coverage     string `json:"coverage,omitempty"`
	StartDate    string `json:"start_date,omitempty"`
	EndDate      string `json:"end_date,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Summarize reduces a result to its summary row. Failed identifiers get
// StatusError and the failure message.
func Summarize(r client.Result) Summary {
	if r.Failure != nil {
		return Summary{
			MemberID:     r.Identifier,
			WaiverStatus: StatusError,
			Error:        r.Failure.Message,
		}
	}
	if r.Success == nil {
		return Summary{MemberID: r.Identifier, WaiverStatus: StatusUnknown}
	}

	b := Parse271(r.Success.Body)
	return Summary{
		MemberID:     r.Identifier,
		Patient:      b.Patient,
		WaiverStatus: b.WaiverStatus,
		MCE:          b.MCE,
		Coverage:     b.Coverage,
		StartDate:    b.StartDate,
		EndDate:      b.EndDate,
	}
}

// SummaryFile writes simplified eligibility rows.
type SummaryFile struct {
	Path   string
	logger zerolog.Logger
}

// NewSummaryFile creates a summary reporter writing to path.
func NewSummaryFile(path string) *SummaryFile {
	return &SummaryFile{
		Path:   path,
		logger: log.With().Str("component", "summary-report").Logger(),
	}
}

// SetLogger replaces the component logger.
func (r *SummaryFile) SetLogger(logger zerolog.Logger) {
	r.logger = logger
}

// Name identifies the reporter in logs.
func (r *SummaryFile) Name() string {
	return "simple_results.json"
}

// Report replaces the file with one summary per result, in result order.
func (r *SummaryFile) Report(ctx context.Context, runID string, results []client.Result) error {
	rows := make([]Summary, 0, len(results))
	counts := make(map[string]int)
	for _, res := range results {
		s := Summarize(res)
		counts[s.WaiverStatus]++
		rows = append(rows, s)
	}

	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal summaries: %w", err)
	}
	if err := writeFileAtomic(r.Path, data); err != nil {
		return err
	}

	r.logger.Info().
		Str("run_id", runID).
		Str("path", r.Path).
		Int("eligible", counts[StatusEligible]).
		Int("ineligible", counts[StatusIneligible]).
		Int("errors", counts[StatusError]).
		Msg("Simplified results saved")
	return nil
}
