// Package testutil provides testing utilities for the eligibility batch client.
package testutil

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"
)

// MockResponse defines the behavior for one mock endpoint response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// CapturedRequest is a decoded CORE multipart submission.
type CapturedRequest struct {
	Identifier         string
	Fields             map[string]string
	Payload            []byte
	PayloadContentType string
	ContentType        string
	ReceivedAt         time.Time
}

// MockEligibility is a configurable mock CORE eligibility endpoint.
type MockEligibility struct {
	server *httptest.Server

	mu        sync.Mutex
	fallback  MockResponse
	sequences map[string][]MockResponse
	requests  []CapturedRequest

	inFlight    int
	maxInFlight int
}

var memberIDPattern = regexp.MustCompile(`NM1\*IL\*[^~]*\*MI\*([^~*]+)~`)

// NewMockEligibility creates a new mock endpoint that answers 200 with an
// eligible 271 by default.
func NewMockEligibility() *MockEligibility {
	mock := &MockEligibility{
		sequences: make(map[string][]MockResponse),
	}
	mock.server = httptest.NewServer(http.HandlerFunc(mock.handle))
	return mock
}

// URL returns the mock server URL.
func (m *MockEligibility) URL() string {
	return m.server.URL
}

// Host returns host:port of the mock server.
func (m *MockEligibility) Host() string {
	u, err := url.Parse(m.server.URL)
	if err != nil {
		return ""
	}
	return u.Host
}

// Close shuts down the mock server.
func (m *MockEligibility) Close() {
	m.server.Close()
}

// Reset clears captured requests and scripted responses.
func (m *MockEligibility) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
	m.sequences = make(map[string][]MockResponse)
	m.maxInFlight = 0
}

// SetDefault sets the response used when no sequence is scripted for an identifier.
func (m *MockEligibility) SetDefault(resp MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = resp
}

// SetSequence scripts successive responses for identifier. Once the sequence
// is consumed the default response applies.
func (m *MockEligibility) SetSequence(identifier string, responses ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sequences[identifier] = append([]MockResponse(nil), responses...)
}

// Requests returns a copy of all captured requests.
func (m *MockEligibility) Requests() []CapturedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]CapturedRequest(nil), m.requests...)
}

// RequestCount returns the number of requests made to the server.
func (m *MockEligibility) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// RequestsFor returns the number of requests carrying identifier.
func (m *MockEligibility) RequestsFor(identifier string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.requests {
		if r.Identifier == identifier {
			n++
		}
	}
	return n
}

// MaxInFlight returns the highest number of concurrently handled requests.
func (m *MockEligibility) MaxInFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxInFlight
}

func (m *MockEligibility) handle(w http.ResponseWriter, r *http.Request) {
	captured, err := decodeRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	m.requests = append(m.requests, captured)
	m.inFlight++
	if m.inFlight > m.maxInFlight {
		m.maxInFlight = m.inFlight
	}
	resp := m.fallback
	if seq := m.sequences[captured.Identifier]; len(seq) > 0 {
		resp = seq[0]
		m.sequences[captured.Identifier] = seq[1:]
	}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inFlight--
		m.mu.Unlock()
	}()

	if resp.StatusCode == 0 {
		resp = NewEligibleResponse(captured.Identifier)
	}

	if resp.Delay > 0 {
		select {
		case <-time.After(resp.Delay):
		case <-r.Context().Done():
			return
		}
	}

	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		io.WriteString(w, resp.Body)
	}
}

func decodeRequest(r *http.Request) (CapturedRequest, error) {
	captured := CapturedRequest{
		Fields:      make(map[string]string),
		ContentType: r.Header.Get("Content-Type"),
		ReceivedAt:  time.Now(),
	}

	if err := r.ParseMultipartForm(1 << 20); err != nil {
		return captured, fmt.Errorf("parse multipart form: %w", err)
	}
	for name, values := range r.MultipartForm.Value {
		if len(values) > 0 {
			captured.Fields[name] = values[0]
		}
	}

	files := r.MultipartForm.File["Payload"]
	if len(files) == 0 {
		return captured, fmt.Errorf("missing Payload part")
	}
	f, err := files[0].Open()
	if err != nil {
		return captured, fmt.Errorf("open payload: %w", err)
	}
	defer f.Close()

	captured.Payload, err = io.ReadAll(f)
	if err != nil {
		return captured, fmt.Errorf("read payload: %w", err)
	}
	captured.PayloadContentType = files[0].Header.Get("Content-Type")

	if m := memberIDPattern.FindSubmatch(captured.Payload); m != nil {
		captured.Identifier = string(m[1])
	}
	return captured, nil
}

// NewEligibleResponse creates a 200 response carrying an eligible 271.
func NewEligibleResponse(identifier string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       Sample271(identifier, true),
		Headers:    map[string]string{"Content-Type": "text/plain; charset=utf-8"},
	}
}

// NewIneligibleResponse creates a 200 response carrying an inactive-coverage 271.
func NewIneligibleResponse(identifier string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       Sample271(identifier, false),
		Headers:    map[string]string{"Content-Type": "text/plain; charset=utf-8"},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       "Internal server error",
	}
}

// NewSlowResponse creates a 200 response delivered after delay.
func NewSlowResponse(delay time.Duration) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       "OK",
		Delay:      delay,
	}
}

// Sample271 returns a minimal X12 271 response for identifier.
func Sample271(identifier string, eligible bool) string {
	segments := []string{
		"ISA*00*          *00*          *ZZ*IHCP           *ZZ*A367           *250307*1405*^*00501*100012345*0*P*:",
		"GS*HB*IHCP*A367*20250307*1405*12345*X*005010X279A1",
		"ST*271*0001*005010X279A1",
		"BHT*0022*11*10001234*20250307*1405",
		"HL*1**20*1",
		"NM1*PR*2*INDIANA HEALTH COVERAGE PROGRAM*****PI*IHCP",
		"HL*2*1*21*1",
		"NM1*1P*2*ABSOLUTE CAREGIVERS LLC*****SV*300024773",
		"HL*3*2*22*0",
		"TRN*2*93175-012552-3*9877281234",
		"NM1*IL*1*DOE*JANE*Q***MI*" + identifier,
		"DMG*D8*19500101*F",
	}
	if eligible {
		segments = append(segments,
			"EB*1*IND*30*MC*PACKAGE A STANDARD PLAN",
			"DTP*291*RD8*20250101-20251231",
			"EB*1*IND*30*HM*HEALTHY INDIANA PLAN",
			"DTP*291*RD8*20250101-20250630",
			"LS*2120",
			"NM1*PR*2*MDWISE",
			"LE*2120",
		)
	} else {
		segments = append(segments,
			"EB*6*IND*30",
			"DTP*291*RD8*20240101-20241231",
		)
	}
	segments = append(segments,
		fmt.Sprintf("SE*%d*0001", len(segments)-1),
		"GE*1*12345",
		"IEA*1*100012345",
	)
	return strings.Join(segments, "~\r\n") + "~"
}
