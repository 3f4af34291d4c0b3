// Package x12 builds X12 270 (005010X279A1) eligibility inquiry documents.
package x12

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"time"
)

// Transaction constants for the 270 inquiry.
const (
	// ImplementationGuide is the X12 version/release/industry identifier.
	ImplementationGuide = "005010X279A1"

	// TransactionSetControlNumber is the ST02/SE02 value used for every document.
	TransactionSetControlNumber = "1240"

	// SegmentTerminator ends each segment.
	SegmentTerminator = "~"

	// SegmentSeparator joins terminated segments in the serialized document.
	SegmentSeparator = "\r\n"
)

// Envelope holds the trading-partner values embedded in every document.
type Envelope struct {
	// SenderID is ISA06/GS02 (submitter).
	SenderID string
	// ReceiverID is ISA08/GS03 (payer system).
	ReceiverID string

	// PayerName and PayerID populate NM1*PR (loop 2100A).
	PayerName string
	PayerID   string

	// ProviderName and ProviderID populate NM1*1P (loop 2100B).
	ProviderName string
	ProviderID   string

	// TraceNumber and TraceOriginator populate TRN (loop 2000C).
	TraceNumber     string
	TraceOriginator string

	// UsageIndicator is ISA15: "P" production, "T" test.
	UsageIndicator string
}

// DefaultEnvelope returns the envelope used by the Indiana CORE endpoint.
func DefaultEnvelope() Envelope {
	return Envelope{
		SenderID:        "A367",
		ReceiverID:      "IHCP",
		PayerName:       "INDIANA HEALTH COVERAGE PROGRAM",
		PayerID:         "IHCP",
		ProviderName:    "ABSOLUTE CAREGIVERS LLC",
		ProviderID:      "300024773",
		TraceNumber:     "93175-012552-3",
		TraceOriginator: "9877281234",
		UsageIndicator:  "P",
	}
}

// Document is one serialized 270 inquiry plus the structural fields embedded in it.
type Document struct {
	Identifier                  string
	ControlNumber               string // ISA13 / IEA02
	GroupControlNumber          string // GS06 / GE02
	TransactionID               string // BHT03
	TransactionSetControlNumber string // ST02 / SE02
	Date                        string // CCYYMMDD
	Time                        string // HHMM
	CreatedAt                   time.Time

	Bytes []byte
}

// Segments returns the document split back into its terminated segments.
func (d Document) Segments() []string {
	if len(d.Bytes) == 0 {
		return nil
	}
	return strings.Split(string(d.Bytes), SegmentSeparator)
}

// String returns the serialized document.
func (d Document) String() string {
	return string(d.Bytes)
}

// Builder constructs documents. It holds no mutable state and is safe for
// concurrent use; every Build call yields fresh control numbers and timestamps.
type Builder struct {
	envelope Envelope
	now      func() time.Time
}

// NewBuilder creates a builder for the given envelope.
func NewBuilder(envelope Envelope) *Builder {
	return &Builder{
		envelope: envelope,
		now:      time.Now,
	}
}

// SetClock overrides the wall clock (for testing).
func (b *Builder) SetClock(now func() time.Time) {
	b.now = now
}

// Build creates a new inquiry for identifier. The identifier is expected to be
// 12 ASCII digits; validation belongs to the identifier source.
func (b *Builder) Build(identifier string) Document {
	now := b.now().UTC()
	date := now.Format("20060102")
	hhmm := now.Format("1504")
	isaDate := now.Format("060102")

	doc := Document{
		Identifier:                  identifier,
		ControlNumber:               "1000" + randomDigits(5),
		GroupControlNumber:          randomDigits(5),
		TransactionID:               "1000" + randomDigits(4),
		TransactionSetControlNumber: TransactionSetControlNumber,
		Date:                        date,
		Time:                        hhmm,
		CreatedAt:                   now,
	}

	env := b.envelope
	transaction := []string{
		seg("ST", "270", doc.TransactionSetControlNumber, ImplementationGuide),
		seg("BHT", "0022", "13", doc.TransactionID, date, hhmm),
		seg("HL", "1", "", "20", "1"),
		seg("NM1", "PR", "2", env.PayerName, "", "", "", "", "PI", env.PayerID),
		seg("HL", "2", "1", "21", "1"),
		seg("NM1", "1P", "2", env.ProviderName, "", "", "", "", "SV", env.ProviderID),
		seg("HL", "3", "2", "22", "0"),
		seg("TRN", "1", env.TraceNumber, env.TraceOriginator),
		seg("NM1", "IL", "1", "", "", "", "", "", "MI", identifier),
		seg("DTP", "291", "D8", date),
		seg("EQ", "30"),
	}
	// SE01 counts ST through SE inclusive.
	se := seg("SE", fmt.Sprint(len(transaction)+1), doc.TransactionSetControlNumber)

	segments := make([]string, 0, len(transaction)+5)
	segments = append(segments,
		seg("ISA", "00", pad("", 10), "00", pad("", 10),
			"ZZ", pad(env.SenderID, 15), "ZZ", pad(env.ReceiverID, 15),
			isaDate, hhmm, "^", "00501", doc.ControlNumber, "0", usage(env.UsageIndicator), ":"),
		seg("GS", "HS", env.SenderID, env.ReceiverID, date, hhmm, doc.GroupControlNumber, "X", ImplementationGuide),
	)
	segments = append(segments, transaction...)
	segments = append(segments,
		se,
		seg("GE", "1", doc.GroupControlNumber),
		seg("IEA", "1", doc.ControlNumber),
	)

	doc.Bytes = []byte(strings.Join(segments, SegmentSeparator))
	return doc
}

func seg(id string, elements ...string) string {
	return id + "*" + strings.Join(elements, "*") + SegmentTerminator
}

func pad(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}

func usage(indicator string) string {
	if indicator == "" {
		return "P"
	}
	return indicator
}

// randomDigits returns an n-digit decimal number without a leading zero.
func randomDigits(n int) string {
	lo := 1
	for i := 1; i < n; i++ {
		lo *= 10
	}
	hi := lo*10 - 1
	return fmt.Sprint(lo + rand.IntN(hi-lo+1))
}
