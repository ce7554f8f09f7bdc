package models

import (
	"fmt"
	"strings"
	"time"
)

// Severity grades how urgent an alert is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// ParseSeverity maps a configuration string to a Severity. Empty means warning.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return SeverityWarning, nil
	case "info":
		return SeverityInfo, nil
	case "warning", "warn":
		return SeverityWarning, nil
	case "critical":
		return SeverityCritical, nil
	default:
		return "", fmt.Errorf("unknown severity %q", s)
	}
}

// AlertKey identifies the (instrument, rule) pair an alert belongs to.
type AlertKey struct {
	InstrumentID string
	RuleID       string
}

func (k AlertKey) String() string {
	return k.InstrumentID + "/" + k.RuleID
}

// Alert is produced by rule evaluation and never mutated after it leaves the
// shard worker. Timestamp is the time of the triggering event; DetectedAt is
// the wall clock when the worker evaluated it and is not part of the ID.
type Alert struct {
	ID           string
	InstrumentID string
	RuleID       string
	Condition    string
	Value        float64
	Score        float64
	Limit        float64
	Snapshot     Snapshot
	Timestamp    time.Time
	DetectedAt   time.Time
	Severity     Severity
	Cooldown     time.Duration
}

// Key returns the deduplication key of the alert.
func (a *Alert) Key() AlertKey {
	return AlertKey{InstrumentID: a.InstrumentID, RuleID: a.RuleID}
}

// Summary renders a one-line human readable description.
func (a *Alert) Summary() string {
	switch a.Condition {
	case "deviation":
		return fmt.Sprintf("%s: %s value %.4f is %.2f stddev from mean %.4f (limit %.2f)",
			a.RuleID, a.InstrumentID, a.Value, a.Score, a.Snapshot.Mean, a.Limit)
	case "rate_of_change":
		return fmt.Sprintf("%s: %s moved %.2f%% to %.4f (limit %.2f%%)",
			a.RuleID, a.InstrumentID, a.Score*100, a.Value, a.Limit*100)
	default:
		return fmt.Sprintf("%s: %s value %.4f %s %.4f",
			a.RuleID, a.InstrumentID, a.Value, a.Condition, a.Limit)
	}
}

// CooldownEntry records when an alert for a key was last admitted.
type CooldownEntry struct {
	Key      AlertKey
	LastSent time.Time
	Cooldown time.Duration
}

// Expired reports whether the cooldown has elapsed at now.
func (e CooldownEntry) Expired(now time.Time) bool {
	return now.Sub(e.LastSent) >= e.Cooldown
}
