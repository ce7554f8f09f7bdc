package dispatch

import "fmt"

// Kind classifies why an alert was not delivered.
type Kind string

const (
	// KindExhausted means every attempt failed with a transient error.
	KindExhausted Kind = "exhausted"
	// KindRejected means the sink reported a permanent failure.
	KindRejected Kind = "rejected"
	// KindDropped means the alert was evicted from a full queue or abandoned at shutdown.
	KindDropped Kind = "dropped"
)

// DispatchError describes an alert the dispatcher gave up on.
type DispatchError struct {
	Kind         Kind
	AlertID      string
	InstrumentID string
	RuleID       string
	Attempts     int
	Err          error
}

func (e *DispatchError) Error() string {
	msg := fmt.Sprintf("dispatch %s: alert %s (%s/%s) after %d attempt(s)", e.Kind, e.AlertID, e.InstrumentID, e.RuleID, e.Attempts)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}
