// Package sink delivers alerts to notification channels.
package sink

import (
	"context"
	"errors"
	"sync"

	"github.com/rewired-gh/marketsentinel/internal/logger"
	"github.com/rewired-gh/marketsentinel/internal/models"
)

// Sink delivers one alert. Errors are retried by the dispatcher unless they
// are marked with Permanent.
type Sink interface {
	Send(ctx context.Context, alert *models.Alert) error
}

// Func adapts a function to the Sink interface.
type Func func(ctx context.Context, alert *models.Alert) error

func (f Func) Send(ctx context.Context, alert *models.Alert) error {
	return f(ctx, alert)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or every error joined into it, was marked
// with Permanent.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		errs := joined.Unwrap()
		if len(errs) == 0 {
			return false
		}
		for _, e := range errs {
			if !IsPermanent(e) {
				return false
			}
		}
		return true
	}
	var p *permanentError
	return errors.As(err, &p)
}

// Log writes alerts to the application log.
type Log struct{}

func (Log) Send(_ context.Context, alert *models.Alert) error {
	logger.Get().Info().
		Str("alert_id", alert.ID).
		Str("instrument", alert.InstrumentID).
		Str("rule", alert.RuleID).
		Str("condition", alert.Condition).
		Str("severity", string(alert.Severity)).
		Float64("value", alert.Value).
		Float64("score", alert.Score).
		Time("event_time", alert.Timestamp).
		Msg(alert.Summary())
	return nil
}

// Settler is implemented by sinks that keep per-alert state across retries.
// The dispatcher calls Settle once it is done with an alert, delivered or not.
type Settler interface {
	Settle(alertID string)
}

type outcome uint8

const (
	outcomePending outcome = iota
	outcomeDelivered
	outcomeRejected
)

// Multi sends every alert to all of its sinks. A sink that accepted an alert,
// or rejected it permanently, is skipped when the same alert is sent again,
// so retrying a partial failure only reaches the sinks that still owe a
// delivery. Send succeeds once every sink is settled and at least one of them
// delivered; it fails permanently when every sink rejected the alert.
type Multi struct {
	sinks []Sink

	mu       sync.Mutex
	progress map[string][]outcome
}

func NewMulti(sinks ...Sink) *Multi {
	return &Multi{sinks: sinks, progress: make(map[string][]outcome)}
}

func (m *Multi) Send(ctx context.Context, alert *models.Alert) error {
	m.mu.Lock()
	state := append([]outcome(nil), m.progress[alert.ID]...)
	m.mu.Unlock()
	if len(state) != len(m.sinks) {
		state = make([]outcome, len(m.sinks))
	}

	var transient, rejected []error
	delivered := false
	for i, s := range m.sinks {
		switch state[i] {
		case outcomeDelivered:
			delivered = true
			continue
		case outcomeRejected:
			continue
		}
		err := s.Send(ctx, alert)
		switch {
		case err == nil:
			state[i] = outcomeDelivered
			delivered = true
		case IsPermanent(err):
			state[i] = outcomeRejected
			rejected = append(rejected, err)
			logger.Warn("Sink %d rejected alert %s: %v", i, alert.ID, err)
		default:
			transient = append(transient, err)
		}
	}

	if len(transient) > 0 {
		m.mu.Lock()
		m.progress[alert.ID] = state
		m.mu.Unlock()
		return errors.Join(transient...)
	}

	m.Settle(alert.ID)
	if !delivered && len(rejected) > 0 {
		return errors.Join(rejected...)
	}
	return nil
}

// Settle forgets the delivery progress of an alert.
func (m *Multi) Settle(alertID string) {
	m.mu.Lock()
	delete(m.progress, alertID)
	m.mu.Unlock()
}

// pending returns the number of alerts with partial delivery progress.
func (m *Multi) pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.progress)
}
