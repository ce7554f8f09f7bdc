package rules

import (
	"fmt"
	"iter"
	"math"
	"strconv"

	"github.com/google/uuid"

	"github.com/rewired-gh/marketsentinel/internal/models"
)

// Epsilon is the smallest standard deviation deviation rules divide by.
const Epsilon = 1e-9

var alertNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("marketsentinel/alert"))

// Evaluate yields one alert per rule in set that matches instrumentID and
// whose condition holds for snap. prev is the snapshot before the current
// update and may be nil. The sequence is lazy, finite and may be ranged over
// again; the same inputs always yield the same alerts.
func Evaluate(instrumentID string, snap models.Snapshot, prev *models.Snapshot, set *RuleSet) iter.Seq[*models.Alert] {
	return func(yield func(*models.Alert) bool) {
		if set == nil {
			return
		}
		for _, rule := range set.rules {
			if !rule.Matches(instrumentID) {
				continue
			}
			score, limit, fired := check(rule.Condition, snap, prev)
			if !fired {
				continue
			}
			if !yield(newAlert(instrumentID, rule, snap, score, limit)) {
				return
			}
		}
	}
}

// Collect evaluates and gathers the alerts into a slice.
func Collect(instrumentID string, snap models.Snapshot, prev *models.Snapshot, set *RuleSet) []*models.Alert {
	var out []*models.Alert
	for alert := range Evaluate(instrumentID, snap, prev, set) {
		out = append(out, alert)
	}
	return out
}

func check(cond Condition, snap models.Snapshot, prev *models.Snapshot) (score, limit float64, fired bool) {
	if snap.Count == 0 {
		return 0, 0, false
	}

	switch c := cond.(type) {
	case Above:
		return snap.Latest, c.Threshold, snap.Latest > c.Threshold

	case Below:
		return snap.Latest, c.Threshold, snap.Latest < c.Threshold

	case Deviation:
		if !snap.Sufficient || snap.StdDev < Epsilon {
			return 0, c.K, false
		}
		z := (snap.Latest - snap.Mean) / snap.StdDev
		return z, c.K, math.Abs(z) > c.K

	case RateOfChange:
		if prev == nil || prev.Count == 0 || prev.Latest == 0 {
			return 0, c.Bound, false
		}
		rate := (snap.Latest - prev.Latest) / math.Abs(prev.Latest)
		return rate, c.Bound, math.Abs(rate) > c.Bound

	default:
		panic(fmt.Sprintf("rules: unhandled condition %T", cond))
	}
}

func newAlert(instrumentID string, rule Rule, snap models.Snapshot, score, limit float64) *models.Alert {
	name := instrumentID + "|" + rule.ID + "|" +
		strconv.FormatInt(snap.LatestAt.UnixNano(), 10) + "|" +
		strconv.FormatFloat(snap.Latest, 'g', -1, 64)

	return &models.Alert{
		ID:           uuid.NewSHA1(alertNamespace, []byte(name)).String(),
		InstrumentID: instrumentID,
		RuleID:       rule.ID,
		Condition:    rule.Condition.Kind(),
		Value:        snap.Latest,
		Score:        score,
		Limit:        limit,
		Snapshot:     snap,
		Timestamp:    snap.LatestAt,
		Severity:     rule.Severity,
		Cooldown:     rule.Cooldown,
	}
}
