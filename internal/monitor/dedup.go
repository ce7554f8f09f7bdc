package monitor

import (
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/rewired-gh/marketsentinel/internal/clock"
	"github.com/rewired-gh/marketsentinel/internal/models"
)

// Deduplicator suppresses repeat alerts for an (instrument, rule) pair until
// the rule's cooldown has elapsed. Keys are spread over independently locked
// shards; the check and the update for one key happen under the same lock.
type Deduplicator struct {
	shards []*dedupShard
	clock  clock.Clock
}

type dedupShard struct {
	mu      sync.Mutex
	entries map[models.AlertKey]models.CooldownEntry
}

// NewDeduplicator creates a deduplicator with the given number of shards.
func NewDeduplicator(shards int, clk clock.Clock) *Deduplicator {
	if shards < 1 {
		shards = 1
	}
	if clk == nil {
		clk = clock.Real()
	}
	d := &Deduplicator{
		shards: make([]*dedupShard, shards),
		clock:  clk,
	}
	for i := range d.shards {
		d.shards[i] = &dedupShard{entries: make(map[models.AlertKey]models.CooldownEntry)}
	}
	return d
}

func (d *Deduplicator) shardFor(key models.AlertKey) *dedupShard {
	h := xxhash.Sum64String(key.InstrumentID + "\x00" + key.RuleID)
	return d.shards[h%uint64(len(d.shards))]
}

// Admit reports whether alert may be sent and, if so, starts its cooldown.
func (d *Deduplicator) Admit(alert *models.Alert) bool {
	key := alert.Key()
	s := d.shardFor(key)
	now := d.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.entries[key]; ok && !entry.Expired(now) {
		return false
	}
	s.entries[key] = models.CooldownEntry{Key: key, LastSent: now, Cooldown: alert.Cooldown}
	return true
}

// Sweep removes expired entries and returns how many were dropped.
func (d *Deduplicator) Sweep() int {
	now := d.clock.Now()
	removed := 0
	for _, s := range d.shards {
		s.mu.Lock()
		for key, entry := range s.entries {
			if entry.Expired(now) {
				delete(s.entries, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Len returns the number of tracked pairs.
func (d *Deduplicator) Len() int {
	n := 0
	for _, s := range d.shards {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

// Entries returns a copy of every live cooldown entry.
func (d *Deduplicator) Entries() []models.CooldownEntry {
	now := d.clock.Now()
	var out []models.CooldownEntry
	for _, s := range d.shards {
		s.mu.Lock()
		for _, entry := range s.entries {
			if !entry.Expired(now) {
				out = append(out, entry)
			}
		}
		s.mu.Unlock()
	}
	return out
}

// Restore loads previously checkpointed entries, skipping expired ones.
// Entries already present are kept when they are more recent.
func (d *Deduplicator) Restore(entries []models.CooldownEntry) int {
	now := d.clock.Now()
	restored := 0
	for _, entry := range entries {
		if entry.Expired(now) {
			continue
		}
		s := d.shardFor(entry.Key)
		s.mu.Lock()
		if existing, ok := s.entries[entry.Key]; !ok || existing.LastSent.Before(entry.LastSent) {
			s.entries[entry.Key] = entry
			restored++
		}
		s.mu.Unlock()
	}
	return restored
}
