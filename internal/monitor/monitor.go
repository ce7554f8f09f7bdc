package monitor

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/rewired-gh/marketsentinel/internal/clock"
	"github.com/rewired-gh/marketsentinel/internal/logger"
	"github.com/rewired-gh/marketsentinel/internal/metrics"
	"github.com/rewired-gh/marketsentinel/internal/models"
	"github.com/rewired-gh/marketsentinel/internal/rules"
)

// ErrClosed is returned by Ingest once Shutdown has started.
var ErrClosed = errors.New("monitor: closed")

type Config struct {
	Workers            int
	ShardQueueSize     int
	WindowSize         int
	RecomputeEvery     int
	StalenessTolerance time.Duration
	IdleTimeout        time.Duration
	SweepInterval      time.Duration
	DedupShards        int
}

func DefaultConfig() Config {
	return Config{
		Workers:            4,
		ShardQueueSize:     1024,
		WindowSize:         100,
		RecomputeEvery:     0,
		StalenessTolerance: 5 * time.Second,
		IdleTimeout:        30 * time.Minute,
		SweepInterval:      time.Minute,
		DedupShards:        16,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Workers < 1 {
		c.Workers = def.Workers
	}
	if c.ShardQueueSize < 1 {
		c.ShardQueueSize = def.ShardQueueSize
	}
	if c.WindowSize < 1 {
		c.WindowSize = def.WindowSize
	}
	if c.StalenessTolerance < 0 {
		c.StalenessTolerance = def.StalenessTolerance
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = def.IdleTimeout
	}
	if c.DedupShards < 1 {
		c.DedupShards = def.DedupShards
	}
	return c
}

// RuleSource supplies the rule set to evaluate each event against.
type RuleSource interface {
	Current() *rules.RuleSet
}

// Dispatcher receives admitted alerts. Enqueue must not block; it returns
// false when the alert could not be queued at all.
type Dispatcher interface {
	Enqueue(alert *models.Alert) bool
	Close(ctx context.Context) error
}

// CooldownStore persists deduplicator state across restarts.
type CooldownStore interface {
	LoadCooldowns() ([]models.CooldownEntry, error)
	SaveCooldowns(entries []models.CooldownEntry) error
}

type Option func(*Monitor)

func WithClock(clk clock.Clock) Option {
	return func(m *Monitor) { m.clock = clk }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Monitor) { m.metrics = mt }
}

func WithCooldownStore(store CooldownStore) Option {
	return func(m *Monitor) { m.store = store }
}

type commandKind int

const (
	cmdEvent commandKind = iota
	cmdEvict
	cmdBarrier
)

type command struct {
	kind commandKind
	raw  models.RawEvent
	id   string
	done chan struct{}
}

type shard struct {
	mu          sync.RWMutex
	instruments map[string]*instrument
	inbox       chan command
}

// instrument is owned by its shard worker. Only lastSeen, phase and snapshot
// are read from other goroutines.
type instrument struct {
	window    *Window
	highWater time.Time
	lastSeen  atomic.Int64
	phase     atomic.Int32
	snapshot  atomic.Pointer[models.Snapshot]
}

func (in *instrument) lastSeenTime() time.Time {
	return time.Unix(0, in.lastSeen.Load())
}

// Stats is a point-in-time summary of the monitor's activity.
type Stats struct {
	Instruments int                     `json:"instruments"`
	Phases      map[string]int          `json:"phases"`
	Accepted    uint64                  `json:"accepted"`
	Rejected    map[RejectReason]uint64 `json:"rejected"`
	Generated   uint64                  `json:"generated"`
	Suppressed  uint64                  `json:"suppressed"`
	Enqueued    uint64                  `json:"enqueued"`
	Undelivered uint64                  `json:"undelivered"`
	Evicted     uint64                  `json:"evicted"`
	Cooldowns   int                     `json:"cooldowns"`
}

// Monitor routes events to per-shard workers, keeps one rolling window per
// instrument, evaluates rules after every accepted event and hands admitted
// alerts to the dispatcher.
type Monitor struct {
	config     Config
	rules      RuleSource
	dispatcher Dispatcher
	normalizer *Normalizer
	dedup      *Deduplicator
	clock      clock.Clock
	metrics    *metrics.Metrics
	store      CooldownStore
	shards     []*shard

	mu      sync.RWMutex
	closed  bool
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	tracked     atomic.Int64
	accepted    atomic.Uint64
	malformed   atomic.Uint64
	nonFinite   atomic.Uint64
	stale       atomic.Uint64
	generated   atomic.Uint64
	suppressed  atomic.Uint64
	enqueued    atomic.Uint64
	undelivered atomic.Uint64
	evicted     atomic.Uint64
}

func New(config Config, source RuleSource, dispatcher Dispatcher, opts ...Option) *Monitor {
	config = config.withDefaults()
	m := &Monitor{
		config:     config,
		rules:      source,
		dispatcher: dispatcher,
		clock:      clock.Real(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.clock == nil {
		m.clock = clock.Real()
	}

	m.normalizer = NewNormalizer(config.StalenessTolerance, m.clock)
	m.dedup = NewDeduplicator(config.DedupShards, m.clock)
	m.shards = make([]*shard, config.Workers)
	for i := range m.shards {
		m.shards[i] = &shard{
			instruments: make(map[string]*instrument),
			inbox:       make(chan command, config.ShardQueueSize),
		}
	}

	if m.store != nil {
		entries, err := m.store.LoadCooldowns()
		if err != nil {
			logger.Warn("Failed to load persisted cooldowns: %v", err)
		} else {
			n := m.dedup.Restore(entries)
			logger.Info("Restored %d active cooldowns", n)
		}
	}

	return m
}

// Start launches the shard workers and the idle sweep. Workers run until
// Shutdown; the sweep stops when ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started || m.closed {
		m.mu.Unlock()
		return
	}
	m.started = true
	sweepCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	for _, s := range m.shards {
		m.wg.Add(1)
		go m.runShard(s)
	}

	if m.config.SweepInterval > 0 {
		go m.sweepLoop(sweepCtx)
	}
	logger.Info("Monitor started: %d shards, window %d, idle timeout %v",
		len(m.shards), m.config.WindowSize, m.config.IdleTimeout)
}

func (m *Monitor) shardFor(id string) *shard {
	return m.shards[xxhash.Sum64String(id)%uint64(len(m.shards))]
}

// Ingest hands raw to the worker owning its instrument. It blocks while the
// shard inbox is full, until ctx is done. Events with an empty instrument id
// or a non-finite value are rejected here; staleness is decided by the worker.
func (m *Monitor) Ingest(ctx context.Context, raw models.RawEvent) error {
	id := strings.TrimSpace(raw.InstrumentID)
	if id == "" {
		err := &RejectError{Reason: RejectMalformed, Detail: "instrument id must not be empty"}
		m.reject(err)
		return err
	}
	if math.IsNaN(raw.Value) || math.IsInf(raw.Value, 0) {
		err := &RejectError{Reason: RejectNonFinite, InstrumentID: id, Detail: "value is not finite"}
		m.reject(err)
		return err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}

	select {
	case m.shardFor(id).inbox <- command{kind: cmdEvent, raw: raw}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush waits until every event ingested before the call has been processed.
func (m *Monitor) Flush(ctx context.Context) error {
	barriers := make([]chan struct{}, 0, len(m.shards))

	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	for _, s := range m.shards {
		done := make(chan struct{})
		select {
		case s.inbox <- command{kind: cmdBarrier, done: done}:
			barriers = append(barriers, done)
		case <-ctx.Done():
			m.mu.RUnlock()
			return ctx.Err()
		}
	}
	m.mu.RUnlock()

	for _, done := range barriers {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (m *Monitor) runShard(s *shard) {
	defer m.wg.Done()
	for cmd := range s.inbox {
		switch cmd.kind {
		case cmdEvent:
			m.process(s, cmd.raw)
		case cmdEvict:
			m.evict(s, cmd.id)
		case cmdBarrier:
			close(cmd.done)
		}
	}
}

func (m *Monitor) process(s *shard, raw models.RawEvent) {
	id := strings.TrimSpace(raw.InstrumentID)

	s.mu.RLock()
	inst := s.instruments[id]
	s.mu.RUnlock()

	var last time.Time
	if inst != nil {
		last = inst.highWater
	}

	event, err := m.normalizer.Normalize(raw, last)
	if err != nil {
		m.reject(err)
		return
	}

	if inst == nil {
		inst = &instrument{window: NewWindow(m.config.WindowSize, m.config.RecomputeEvery)}
		inst.lastSeen.Store(event.ReceivedAt.UnixNano())
		s.mu.Lock()
		s.instruments[id] = inst
		s.mu.Unlock()
		m.metrics.SetInstruments(int(m.tracked.Add(1)))
		logger.Debug("Tracking new instrument %s", id)
	}

	prev := inst.snapshot.Load()
	snap := inst.window.Update(event.Value, event.Timestamp)
	if event.Timestamp.After(inst.highWater) {
		inst.highWater = event.Timestamp
	}
	inst.lastSeen.Store(event.ReceivedAt.UnixNano())
	inst.phase.Store(int32(phaseOf(snap)))
	inst.snapshot.Store(&snap)

	m.accepted.Add(1)
	m.metrics.EventAccepted()

	m.evaluate(id, snap, prev, event.ReceivedAt)
}

func phaseOf(snap models.Snapshot) models.Phase {
	if snap.Sufficient {
		return models.PhaseActive
	}
	return models.PhaseWarming
}

func (m *Monitor) evaluate(id string, snap models.Snapshot, prev *models.Snapshot, now time.Time) {
	var set *rules.RuleSet
	if m.rules != nil {
		set = m.rules.Current()
	}

	for alert := range rules.Evaluate(id, snap, prev, set) {
		alert.DetectedAt = now
		m.generated.Add(1)
		m.metrics.AlertGenerated(alert.RuleID)

		if !m.dedup.Admit(alert) {
			m.suppressed.Add(1)
			m.metrics.AlertSuppressed()
			logger.Debug("Suppressed alert %s for %s: cooldown active", alert.RuleID, id)
			continue
		}

		if m.dispatcher == nil || !m.dispatcher.Enqueue(alert) {
			m.undelivered.Add(1)
			logger.Warn("Alert %s for %s could not be queued", alert.RuleID, id)
			continue
		}
		m.enqueued.Add(1)
		logger.Debug("Queued alert %s", alert.Summary())
	}
}

func (m *Monitor) reject(err error) {
	reason, _ := ReasonOf(err)
	switch reason {
	case RejectMalformed:
		m.malformed.Add(1)
	case RejectNonFinite:
		m.nonFinite.Add(1)
	case RejectStale:
		m.stale.Add(1)
	}
	m.metrics.EventRejected(string(reason))
	logger.Debug("Rejected event: %v", err)
}

// RecordMalformed counts an event the feed could not decode.
func (m *Monitor) RecordMalformed(err error) {
	m.reject(&RejectError{Reason: RejectMalformed, Detail: err.Error()})
}

func (m *Monitor) evict(s *shard, id string) {
	s.mu.RLock()
	inst := s.instruments[id]
	s.mu.RUnlock()
	if inst == nil || models.Phase(inst.phase.Load()) != models.PhaseIdle {
		return
	}

	if m.clock.Now().Sub(inst.lastSeenTime()) < m.config.IdleTimeout {
		if snap := inst.snapshot.Load(); snap != nil {
			inst.phase.CompareAndSwap(int32(models.PhaseIdle), int32(phaseOf(*snap)))
		}
		return
	}

	s.mu.Lock()
	delete(s.instruments, id)
	s.mu.Unlock()

	m.evicted.Add(1)
	m.metrics.InstrumentsEvicted(1)
	m.metrics.SetInstruments(int(m.tracked.Add(-1)))
	logger.Debug("Evicted idle instrument %s", id)
}

// Sweep marks instruments idle past the idle timeout and asks their workers
// to evict them, drops expired cooldowns and checkpoints the rest. It returns
// the number of eviction requests posted.
func (m *Monitor) Sweep() int {
	cutoff := m.clock.Now().Add(-m.config.IdleTimeout)
	posted := 0

	m.mu.RLock()
	closed := m.closed
	for _, s := range m.shards {
		if closed {
			break
		}

		var idle []string
		s.mu.RLock()
		for id, inst := range s.instruments {
			if inst.lastSeenTime().Before(cutoff) {
				inst.phase.Store(int32(models.PhaseIdle))
				idle = append(idle, id)
			}
		}
		s.mu.RUnlock()

		for _, id := range idle {
			select {
			case s.inbox <- command{kind: cmdEvict, id: id}:
				posted++
			default:
				// Inbox full; the next sweep retries.
			}
		}
	}
	m.mu.RUnlock()

	if removed := m.dedup.Sweep(); removed > 0 {
		logger.Debug("Dropped %d expired cooldowns", removed)
	}
	m.checkpoint()
	return posted
}

func (m *Monitor) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				logger.Debug("Idle sweep posted %d evictions", n)
			}
		}
	}
}

func (m *Monitor) checkpoint() {
	if m.store == nil {
		return
	}
	if err := m.store.SaveCooldowns(m.dedup.Entries()); err != nil {
		logger.Warn("Failed to checkpoint cooldowns: %v", err)
	}
}

// Shutdown stops accepting events, drains every shard inbox, closes the
// dispatcher within ctx and checkpoints cooldowns.
func (m *Monitor) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for _, s := range m.shards {
		close(s.inbox)
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("Shard workers drained")
	case <-ctx.Done():
		logger.Warn("Shutdown deadline reached before shard workers drained")
	}

	var err error
	if m.dispatcher != nil {
		err = m.dispatcher.Close(ctx)
	}

	logger.Info("Checkpointing %d cooldowns before shutdown", m.dedup.Len())
	m.checkpoint()
	return err
}

// Snapshot returns the latest statistics and phase of an instrument.
func (m *Monitor) Snapshot(id string) (models.Snapshot, models.Phase, bool) {
	s := m.shardFor(id)
	s.mu.RLock()
	inst := s.instruments[id]
	s.mu.RUnlock()
	if inst == nil {
		return models.Snapshot{}, models.PhaseCold, false
	}
	snap := inst.snapshot.Load()
	if snap == nil {
		return models.Snapshot{}, models.PhaseCold, false
	}
	return *snap, models.Phase(inst.phase.Load()), true
}

// Phase returns the lifecycle phase of an instrument; untracked ones are cold.
func (m *Monitor) Phase(id string) models.Phase {
	_, phase, _ := m.Snapshot(id)
	return phase
}

func (m *Monitor) Stats() Stats {
	stats := Stats{
		Phases:      make(map[string]int),
		Accepted:    m.accepted.Load(),
		Generated:   m.generated.Load(),
		Suppressed:  m.suppressed.Load(),
		Enqueued:    m.enqueued.Load(),
		Undelivered: m.undelivered.Load(),
		Evicted:     m.evicted.Load(),
		Cooldowns:   m.dedup.Len(),
		Rejected: map[RejectReason]uint64{
			RejectMalformed: m.malformed.Load(),
			RejectNonFinite: m.nonFinite.Load(),
			RejectStale:     m.stale.Load(),
		},
	}
	for _, s := range m.shards {
		s.mu.RLock()
		for _, inst := range s.instruments {
			stats.Instruments++
			stats.Phases[models.Phase(inst.phase.Load()).String()]++
		}
		s.mu.RUnlock()
	}
	return stats
}
