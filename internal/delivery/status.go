package delivery

import "fmt"

// Status is the closed set of delivery states.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusDelivered Status = "DELIVERED"
	StatusFailed    Status = "FAILED"
	StatusAbandoned Status = "ABANDONED"
)

// FailureReason disambiguates the two permanent non-delivery outcomes and
// records why a retryable attempt failed.
type FailureReason string

const (
	ReasonEndpointMissing  FailureReason = "endpoint_missing"
	ReasonEndpointInactive FailureReason = "endpoint_inactive"
	ReasonMaxAttempts      FailureReason = "max_attempts"
)

// ParseStatus validates a persisted status string.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusDelivered, StatusFailed, StatusAbandoned:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown delivery status %q", s)
}

// Terminal reports whether no further attempts may follow this status.
// FAILED is terminal only in the endpoint-missing/inactive path; a FAILED
// attempt that is still inside the retry budget is rewritten to PENDING in
// the same transaction that records it, so a resting FAILED row is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusDelivered, StatusAbandoned, StatusFailed:
		return true
	}
	return false
}

// transitions is the validated state machine. A delivery is created
// PENDING; every legal move is listed here and anything else is rejected.
var transitions = map[Status][]Status{
	StatusPending: {
		StatusDelivered, // attempt succeeded
		StatusPending,   // attempt failed, retry scheduled
		StatusAbandoned, // attempt failed, budget exhausted
		StatusFailed,    // endpoint missing or inactive
	},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to Status) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}
