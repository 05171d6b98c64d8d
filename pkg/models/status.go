package models

import "fmt"

// Status is the outcome recorded for a resource in the progress state.
type Status int

const (
	Pending Status = iota
	Succeeded
	FailedRetryable
	FailedPermanent
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Succeeded:
		return "succeeded"
	case FailedRetryable:
		return "failed_retryable"
	case FailedPermanent:
		return "failed_permanent"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// IsTerminal reports whether no further attempts will be made.
func (s Status) IsTerminal() bool {
	return s == Succeeded || s == FailedPermanent
}

// IsFailure reports whether the entry belongs on the failure list.
func (s Status) IsFailure() bool {
	return s == FailedRetryable || s == FailedPermanent
}

// ParseStatus is the inverse of String. Unknown names are an error so that a
// damaged progress store is never silently reinterpreted.
func ParseStatus(name string) (Status, error) {
	for _, s := range AllStatuses {
		if s.String() == name {
			return s, nil
		}
	}
	return Pending, fmt.Errorf("unknown status %q", name)
}

// AllStatuses lists every status in reporting order.
var AllStatuses = []Status{Pending, Succeeded, FailedRetryable, FailedPermanent}
