package report

import (
	"strings"
	"unicode/utf8"
)

// Waiver statuses derived from the 271 EB segments.
const (
	StatusEligible   = "Eligible"
	StatusIneligible = "Ineligible"
	StatusRejected   = "Rejected"
	StatusUnknown    = "Unknown"
	StatusError      = "Error"
)

// Benefit is the eligibility information extracted from an X12 271.
type Benefit struct {
	Patient      string
	WaiverStatus string
	MCE          string
	Coverage     string
	StartDate    string
	EndDate      string
}

// Parse271 extracts the subscriber name, first active coverage with its date
// range and the managed care entity from a 271 response. Bodies that do not
// look like X12 yield StatusUnknown.
func Parse271(body string) Benefit {
	b := Benefit{WaiverStatus: StatusUnknown}

	segments := splitSegments(body)
	if len(segments) == 0 {
		return b
	}

	var (
		sawEB        bool
		sawEligible  bool
		inCoverage   bool // DTP segments belong to the chosen EB
		afterMember  bool
		inRelatedEnt bool
	)

	for _, el := range segments {
		switch el[0] {
		case "NM1":
			switch element(el, 1) {
			case "IL":
				b.Patient = formatName(el)
				afterMember = true
			case "PR", "P5":
				if afterMember && inRelatedEnt && b.MCE == "" {
					b.MCE = element(el, 3)
				}
			}
		case "AAA":
			if !sawEB && element(el, 1) == "N" {
				b.WaiverStatus = StatusRejected
			}
		case "EB":
			sawEB = true
			inCoverage = false
			if element(el, 1) == "1" && !sawEligible {
				sawEligible = true
				inCoverage = true
				b.Coverage = element(el, 5)
			}
		case "DTP":
			if inCoverage && element(el, 1) == "291" && b.StartDate == "" {
				b.StartDate, b.EndDate = parsePeriod(element(el, 2), element(el, 3))
			}
		case "LS":
			inRelatedEnt = true
			inCoverage = false
		case "LE":
			inRelatedEnt = false
		}
	}

	switch {
	case sawEligible:
		b.WaiverStatus = StatusEligible
	case sawEB:
		b.WaiverStatus = StatusIneligible
	}
	return b
}

// splitSegments splits an interchange into element slices. The element
// separator is read from ISA position 3 and the segment terminator from
// the character after ISA16; bodies without an ISA header fall back to '*'
// and '~'.
func splitSegments(body string) [][]string {
	body = strings.TrimSpace(body)
	elemSep, segTerm := "*", "~"
	if strings.HasPrefix(body, "ISA") && len(body) >= 106 {
		elemSep = body[3:4]
		segTerm = body[105:106]
		// Padded ISA fields are fixed width; fall back when they are not.
		if fields := strings.Split(body[:106], elemSep); len(fields) != 17 {
			segTerm = "~"
		}
	}

	var out [][]string
	for _, raw := range strings.Split(body, segTerm) {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		out = append(out, strings.Split(raw, elemSep))
	}
	return out
}

func element(el []string, i int) string {
	if i < len(el) {
		return strings.TrimSpace(el[i])
	}
	return ""
}

// formatName renders NM1 as "LAST, FIRST M.".
func formatName(el []string) string {
	last, first, middle := element(el, 3), element(el, 4), element(el, 5)
	switch {
	case last == "":
		return first
	case first == "":
		return last
	case middle == "":
		return last + ", " + first
	default:
		initial, _ := utf8.DecodeRuneInString(middle)
		return last + ", " + first + " " + string(initial) + "."
	}
}

// parsePeriod converts D8 (CCYYMMDD) and RD8 (CCYYMMDD-CCYYMMDD) values to
// ISO dates.
func parsePeriod(format, value string) (start, end string) {
	switch format {
	case "D8":
		return isoDate(value), ""
	case "RD8":
		from, to, _ := strings.Cut(value, "-")
		return isoDate(from), isoDate(to)
	default:
		return "", ""
	}
}

func isoDate(v string) string {
	if len(v) != 8 {
		return v
	}
	return v[:4] + "-" + v[4:6] + "-" + v[6:]
}
