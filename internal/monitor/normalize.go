package monitor

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rewired-gh/marketsentinel/internal/clock"
	"github.com/rewired-gh/marketsentinel/internal/models"
)

// RejectReason classifies why an inbound event was refused.
type RejectReason string

const (
	RejectMalformed RejectReason = "malformed"
	RejectNonFinite RejectReason = "non_finite"
	RejectStale     RejectReason = "stale"
)

// RejectError is returned for events that fail validation. It is never fatal.
type RejectError struct {
	Reason       RejectReason
	InstrumentID string
	Detail       string
}

func (e *RejectError) Error() string {
	if e.InstrumentID == "" {
		return fmt.Sprintf("event rejected [%s]: %s", e.Reason, e.Detail)
	}
	return fmt.Sprintf("event rejected [%s] %s: %s", e.Reason, e.InstrumentID, e.Detail)
}

// ReasonOf extracts the reject reason from err.
func ReasonOf(err error) (RejectReason, bool) {
	var rejectErr *RejectError
	if errors.As(err, &rejectErr) {
		return rejectErr.Reason, true
	}
	return "", false
}

// Normalizer validates raw events and stamps them with the receive time.
type Normalizer struct {
	tolerance time.Duration
	clock     clock.Clock
}

// NewNormalizer creates a normalizer accepting events up to tolerance older
// than the newest accepted event of the same instrument.
func NewNormalizer(tolerance time.Duration, clk clock.Clock) *Normalizer {
	if clk == nil {
		clk = clock.Real()
	}
	return &Normalizer{tolerance: tolerance, clock: clk}
}

// Normalize validates raw against the instrument's newest accepted timestamp.
// A zero last means the instrument has no accepted events yet.
func (n *Normalizer) Normalize(raw models.RawEvent, last time.Time) (models.MarketEvent, error) {
	id := strings.TrimSpace(raw.InstrumentID)
	if id == "" {
		return models.MarketEvent{}, &RejectError{Reason: RejectMalformed, Detail: "instrument id must not be empty"}
	}
	if math.IsNaN(raw.Value) || math.IsInf(raw.Value, 0) {
		return models.MarketEvent{}, &RejectError{
			Reason:       RejectNonFinite,
			InstrumentID: id,
			Detail:       fmt.Sprintf("value %v is not finite", raw.Value),
		}
	}

	received := n.clock.Now()
	ts := raw.Timestamp
	if ts.IsZero() {
		ts = received
	}

	if !last.IsZero() && ts.Before(last.Add(-n.tolerance)) {
		return models.MarketEvent{}, &RejectError{
			Reason:       RejectStale,
			InstrumentID: id,
			Detail:       fmt.Sprintf("timestamp %s is more than %s older than %s", ts.Format(time.RFC3339Nano), n.tolerance, last.Format(time.RFC3339Nano)),
		}
	}

	return models.MarketEvent{
		InstrumentID: id,
		Value:        raw.Value,
		Timestamp:    ts,
		Sequence:     raw.Sequence,
		ReceivedAt:   received,
	}, nil
}
