package store

import (
	"strconv"
	"strings"
)

// DefaultPrefix namespaces every key written by the store.
const DefaultPrefix = "eligibility"

// RunKey identifies the Redis hash holding one run's results.
type RunKey struct {
	// Prefix is the key namespace (DefaultPrefix when empty).
	Prefix string

	// RunID is the batch run identifier.
	RunID string
}

// String generates the Redis key.
// Format: prefix:run:run_id
//
// Example:
//
//	eligibility:run:3f1c2a7e-5b9d-4c1e-8f7a-2d6b0e9c4a11
func (k RunKey) String() string {
	return strings.Join([]string{prefixOrDefault(k.Prefix), "run", k.RunID}, ":")
}

// FieldKey names one result inside a run hash. The completion sequence keeps
// repeated identifiers apart.
// Format: identifier#seq
func FieldKey(identifier string, seq int) string {
	return identifier + "#" + strconv.Itoa(seq)
}

// fieldPattern matches every field of identifier in HSCAN.
func fieldPattern(identifier string) string {
	var b strings.Builder
	for _, r := range identifier {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	b.WriteString("#*")
	return b.String()
}

// IndexKey returns the sorted set key listing runs by start time.
func IndexKey(prefix string) string {
	return prefixOrDefault(prefix) + ":runs"
}

func prefixOrDefault(prefix string) string {
	prefix = strings.Trim(prefix, ":")
	if prefix == "" {
		return DefaultPrefix
	}
	return prefix
}
