package store

import (
	"time"

	"github.com/Sternrassler/eligibility-batch/pkg/client"
)

// Entry is one stored result.
type Entry struct {
	// RunID is the run the result belongs to.
	RunID string `json:"run_id"`

	// Seq is the completion position of the result within the run.
	Seq int `json:"seq"`

	// Result is the terminal result for the identifier.
	Result client.Result `json:"result"`

	// StoredAt is when the result was written.
	StoredAt time.Time `json:"stored_at"`

	// Expires is when Redis drops the run.
	Expires time.Time `json:"expires"`
}

// IsExpired returns true if the entry has passed its expiry.
func (e *Entry) IsExpired() bool {
	return time.Now().After(e.Expires)
}

// TTL returns the time until expiration.
// Returns 0 if already expired.
func (e *Entry) TTL() time.Duration {
	ttl := time.Until(e.Expires)
	if ttl < 0 {
		return 0
	}
	return ttl
}
