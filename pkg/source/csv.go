// Package source reads subscriber identifiers for a batch.
package source

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var identifierPattern = regexp.MustCompile(`^\d{12}$`)

// ValidIdentifier reports whether s is exactly 12 ASCII digits.
func ValidIdentifier(s string) bool {
	return identifierPattern.MatchString(s)
}

// ReadIdentifiers reads CSV records from r and returns the first field of every
// record that is a valid identifier, in input order. Invalid records are
// skipped with a warning.
func ReadIdentifiers(r io.Reader, logger zerolog.Logger) ([]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	reader.ReuseRecord = true

	var ids []string
	line := 0
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				logger.Warn().Err(err).Int("line", line).Msg("Malformed CSV record skipped")
				continue
			}
			return nil, fmt.Errorf("read csv: %w", err)
		}

		var memberID string
		if len(record) > 0 {
			// Spreadsheet exports may start with a UTF-8 BOM.
			memberID = strings.TrimSpace(strings.TrimPrefix(record[0], "\ufeff"))
		}
		if !ValidIdentifier(memberID) {
			logger.Warn().
				Str("member_id", memberID).
				Int("line", line).
				Msg("Invalid member ID skipped (must be 12 digits)")
			continue
		}
		ids = append(ids, memberID)
	}

	logger.Info().Int("valid", len(ids)).Msg("Completed reading CSV")
	return ids, nil
}

// CSVFile is an identifier source backed by a CSV file.
type CSVFile struct {
	Path   string
	logger zerolog.Logger
}

// NewCSVFile creates a CSV file source.
func NewCSVFile(path string) *CSVFile {
	return &CSVFile{
		Path:   path,
		logger: log.With().Str("component", "csv-source").Logger(),
	}
}

// SetLogger replaces the component logger.
func (s *CSVFile) SetLogger(logger zerolog.Logger) {
	s.logger = logger
}

// Identifiers opens the file and reads its identifiers.
func (s *CSVFile) Identifiers(ctx context.Context) ([]string, error) {
	s.logger.Info().Str("path", s.Path).Msg("Reading member IDs")

	f, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", s.Path, err)
	}
	defer f.Close()

	return ReadIdentifiers(f, s.logger)
}

// Static is an in-memory identifier source. Invalid entries are dropped.
type Static []string

// Identifiers returns the valid identifiers in order.
func (s Static) Identifiers(ctx context.Context) ([]string, error) {
	ids := make([]string, 0, len(s))
	for _, id := range s {
		if ValidIdentifier(id) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
