package client

// Result is the terminal record for one identifier. Exactly one of Success and
// Failure is set.
type Result struct {
	Identifier string   `json:"identifier"`
	Success    *Success `json:"success,omitempty"`
	Failure    *Failure `json:"failure,omitempty"`
}

// Success describes the accepted submission.
type Success struct {
	StatusCode int    `json:"status_code"`
	Body       string `json:"body"`
	Attempts   int    `json:"attempts"`
}

// Failure describes why an identifier could not be resolved.
type Failure struct {
	Kind       FailureKind `json:"kind"`
	Message    string      `json:"message"`
	LastStatus int         `json:"last_status,omitempty"`
	LastBody   string      `json:"last_body,omitempty"`
	Attempts   int         `json:"attempts"`
}

// Succeeded reports whether the identifier resolved successfully.
func (r Result) Succeeded() bool {
	return r.Success != nil
}

// Attempts returns the number of submissions made for the identifier.
func (r Result) Attempts() int {
	switch {
	case r.Success != nil:
		return r.Success.Attempts
	case r.Failure != nil:
		return r.Failure.Attempts
	default:
		return 0
	}
}
