// Package models defines the core domain entities: market events, snapshots and alerts.
package models

import (
	"time"
)

// RawEvent is a market event as delivered by a feed adapter, before validation.
// A zero Timestamp means the feed did not stamp the event; a zero Sequence means
// the feed does not number its events.
type RawEvent struct {
	InstrumentID string    `json:"instrument"`
	Value        float64   `json:"value"`
	Timestamp    time.Time `json:"timestamp"`
	Sequence     uint64    `json:"seq,omitempty"`
}

// MarketEvent is a validated event ready to be folded into an instrument window.
type MarketEvent struct {
	InstrumentID string
	Value        float64
	Timestamp    time.Time
	Sequence     uint64
	ReceivedAt   time.Time
}
