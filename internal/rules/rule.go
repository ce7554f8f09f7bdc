// Package rules holds alert rule definitions, rule sets and their evaluation
// against instrument statistics.
package rules

import (
	"path"
	"time"

	"github.com/rewired-gh/marketsentinel/internal/models"
)

// Condition kinds as they appear in rule files and alerts.
const (
	KindAbove        = "above"
	KindBelow        = "below"
	KindDeviation    = "deviation"
	KindRateOfChange = "rate_of_change"
)

// Condition is the closed set of rule conditions. Only the types in this
// package implement it.
type Condition interface {
	Kind() string
	condition()
}

// Above fires when the latest value is strictly greater than Threshold.
type Above struct {
	Threshold float64
}

// Below fires when the latest value is strictly less than Threshold.
type Below struct {
	Threshold float64
}

// Deviation fires when the latest value is more than K standard deviations
// away from the window mean. It needs a full window.
type Deviation struct {
	K float64
}

// RateOfChange fires when the relative change from the previous accepted
// value exceeds Bound (0.05 = 5%) in either direction.
type RateOfChange struct {
	Bound float64
}

func (Above) Kind() string        { return KindAbove }
func (Below) Kind() string        { return KindBelow }
func (Deviation) Kind() string    { return KindDeviation }
func (RateOfChange) Kind() string { return KindRateOfChange }

func (Above) condition()        {}
func (Below) condition()        {}
func (Deviation) condition()    {}
func (RateOfChange) condition() {}

// Rule is one alert rule. Pattern is an exact instrument id or a glob in
// path.Match syntax; "*" matches every instrument.
type Rule struct {
	ID        string
	Pattern   string
	Condition Condition
	Cooldown  time.Duration
	Priority  int
	Severity  models.Severity
}

// Matches reports whether the rule applies to instrumentID.
func (r Rule) Matches(instrumentID string) bool {
	if r.Pattern == "*" || r.Pattern == instrumentID {
		return true
	}
	ok, err := path.Match(r.Pattern, instrumentID)
	return err == nil && ok
}
