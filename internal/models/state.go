package models

import (
	"time"
)

// Phase is the lifecycle state of a tracked instrument.
type Phase int32

const (
	// PhaseCold means no window exists for the instrument.
	PhaseCold Phase = iota
	// PhaseWarming means the window is partially filled; deviation rules are inactive.
	PhaseWarming
	// PhaseActive means the window is full and every rule is evaluable.
	PhaseActive
	// PhaseIdle means no events arrived within the idle timeout; eligible for eviction.
	PhaseIdle
)

func (p Phase) String() string {
	switch p {
	case PhaseCold:
		return "cold"
	case PhaseWarming:
		return "warming"
	case PhaseActive:
		return "active"
	case PhaseIdle:
		return "idle"
	default:
		return "unknown"
	}
}

// Snapshot is a point-in-time view of an instrument's rolling statistics.
// StdDev is zero and Sufficient is false until the window is full.
type Snapshot struct {
	Count      int       `json:"count"`
	Capacity   int       `json:"capacity"`
	Mean       float64   `json:"mean"`
	StdDev     float64   `json:"stddev"`
	Sufficient bool      `json:"sufficient"`
	Min        float64   `json:"min"`
	Max        float64   `json:"max"`
	Latest     float64   `json:"latest"`
	LatestAt   time.Time `json:"latest_at"`
}
