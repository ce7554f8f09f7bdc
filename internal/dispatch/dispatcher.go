// Package dispatch delivers admitted alerts to a sink through bounded,
// drop-oldest lanes with rate limiting and retries.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/time/rate"

	"github.com/rewired-gh/marketsentinel/internal/clock"
	"github.com/rewired-gh/marketsentinel/internal/logger"
	"github.com/rewired-gh/marketsentinel/internal/metrics"
	"github.com/rewired-gh/marketsentinel/internal/models"
	"github.com/rewired-gh/marketsentinel/internal/sink"
)

type Config struct {
	Workers        int
	QueueSize      int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	RateLimit      float64
	RateBurst      int
	ShutdownGrace  time.Duration
}

func DefaultConfig() Config {
	return Config{
		Workers:        2,
		QueueSize:      256,
		MaxAttempts:    5,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		RateLimit:      5,
		RateBurst:      10,
		ShutdownGrace:  10 * time.Second,
	}
}

type Option func(*Dispatcher)

func WithClock(clk clock.Clock) Option {
	return func(d *Dispatcher) { d.clock = clk }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithOnDelivered registers a hook run by the lane worker after each
// successful delivery.
func WithOnDelivered(fn func(*models.Alert)) Option {
	return func(d *Dispatcher) { d.onDelivered = fn }
}

// WithOnFailure registers a hook run for every alert the dispatcher gives up on.
func WithOnFailure(fn func(*DispatchError)) Option {
	return func(d *Dispatcher) { d.onFailure = fn }
}

// Stats counts what happened to enqueued alerts.
type Stats struct {
	Queued    int    `json:"queued"`
	Enqueued  uint64 `json:"enqueued"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
	Exhausted uint64 `json:"exhausted"`
	Rejected  uint64 `json:"rejected"`
}

// Dispatcher owns one lane and one worker per configured worker. Alerts of
// one (instrument, rule) pair always use the same lane, so they are delivered
// in the order they were enqueued.
type Dispatcher struct {
	config  Config
	sink    sink.Sink
	clock   clock.Clock
	metrics *metrics.Metrics
	limiter *rate.Limiter
	lanes   []*lane

	onDelivered func(*models.Alert)
	onFailure   func(*DispatchError)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	enqueued  atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
	exhausted atomic.Uint64
	rejected  atomic.Uint64
}

// New creates a dispatcher and starts its lane workers.
func New(config Config, s sink.Sink, opts ...Option) *Dispatcher {
	def := DefaultConfig()
	if config.Workers < 1 {
		config.Workers = def.Workers
	}
	if config.QueueSize < 1 {
		config.QueueSize = def.QueueSize
	}
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}

	limit := rate.Inf
	if config.RateLimit > 0 {
		limit = rate.Limit(config.RateLimit)
	}
	burst := config.RateBurst
	if burst < 1 {
		burst = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		config:  config,
		sink:    s,
		clock:   clock.Real(),
		limiter: rate.NewLimiter(limit, burst),
		lanes:   make([]*lane, config.Workers),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.clock == nil {
		d.clock = clock.Real()
	}

	laneCap := max(1, config.QueueSize/config.Workers)
	for i := range d.lanes {
		d.lanes[i] = newLane(laneCap)
		d.wg.Add(1)
		go d.run(d.lanes[i])
	}
	return d
}

func (d *Dispatcher) laneFor(key models.AlertKey) *lane {
	h := xxhash.Sum64String(key.InstrumentID + "\x00" + key.RuleID)
	return d.lanes[h%uint64(len(d.lanes))]
}

// Enqueue queues alert without blocking. When the lane is full its oldest
// alert is dropped. It returns false only after Close.
func (d *Dispatcher) Enqueue(alert *models.Alert) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}

	evicted := d.laneFor(alert.Key()).push(alert)
	d.enqueued.Add(1)
	d.metrics.AlertEnqueued()
	if evicted != nil {
		d.fail(evicted, KindDropped, 0, errors.New("queue full"))
	}
	return true
}

// retry is an alert waiting for its next attempt.
type retry struct {
	alert    *models.Alert
	backoff  *backoff
	attempts int
	due      time.Time
}

// laneState is owned by a lane's worker. An alert whose delivery failed
// transiently is parked in retrying until its backoff elapses while the
// worker keeps serving other pairs; later alerts of the same pair wait in
// held so per-pair order is kept.
type laneState struct {
	retrying map[models.AlertKey]*retry
	held     map[models.AlertKey][]*models.Alert
	nHeld    int
	capacity int
}

func (d *Dispatcher) run(l *lane) {
	defer d.wg.Done()
	st := &laneState{
		retrying: make(map[models.AlertKey]*retry),
		held:     make(map[models.AlertKey][]*models.Alert),
		capacity: len(l.items),
	}

	for {
		if err := d.ctx.Err(); err != nil {
			d.abandon(st, err)
			return
		}

		if r := st.nextDue(d.clock.Now()); r != nil {
			delete(st.retrying, r.alert.Key())
			d.attempt(st, r)
			continue
		}

		alert, ok, closed := l.pop()
		if ok {
			if _, busy := st.retrying[alert.Key()]; busy {
				d.hold(st, alert)
				continue
			}
			d.attempt(st, d.newRetry(alert))
			continue
		}
		if closed && len(st.retrying) == 0 {
			return
		}

		var timer <-chan time.Time
		if due, ok := st.earliest(); ok {
			timer = d.clock.After(max(0, due.Sub(d.clock.Now())))
		}
		select {
		case <-l.wake:
		case <-timer:
		case <-d.ctx.Done():
		}
	}
}

func (d *Dispatcher) newRetry(alert *models.Alert) *retry {
	return &retry{alert: alert, backoff: newBackoff(d.config.InitialBackoff, d.config.MaxBackoff)}
}

// attempt sends r once. On a transient failure it parks r; otherwise the
// pair is finished and the next held alert of the pair is started.
func (d *Dispatcher) attempt(st *laneState, r *retry) {
	for r != nil {
		if !d.deliver(r) {
			st.retrying[r.alert.Key()] = r
			return
		}
		r = st.release(r.alert.Key(), d)
	}
}

// deliver makes one attempt and reports whether the alert is finished,
// delivered or given up.
func (d *Dispatcher) deliver(r *retry) bool {
	alert := r.alert
	if err := d.limiter.Wait(d.ctx); err != nil {
		d.fail(alert, KindDropped, r.attempts, err)
		return true
	}

	r.attempts++
	d.metrics.DispatchAttempt()
	err := d.sink.Send(d.ctx, alert)
	if err == nil {
		d.delivered.Add(1)
		d.metrics.AlertDelivered()
		d.settle(alert)
		logger.Debug("Delivered alert %s for %s/%s on attempt %d", alert.ID, alert.InstrumentID, alert.RuleID, r.attempts)
		if d.onDelivered != nil {
			d.onDelivered(alert)
		}
		return true
	}

	switch {
	case sink.IsPermanent(err):
		d.fail(alert, KindRejected, r.attempts, err)
		return true
	case r.attempts >= d.config.MaxAttempts:
		d.fail(alert, KindExhausted, r.attempts, err)
		return true
	case d.ctx.Err() != nil:
		d.fail(alert, KindDropped, r.attempts, err)
		return true
	}

	delay := r.backoff.Next()
	r.due = d.clock.Now().Add(delay)
	logger.Debug("Delivery of alert %s failed (attempt %d/%d), retrying in %v: %v",
		alert.ID, r.attempts, d.config.MaxAttempts, delay, err)
	return false
}

func (d *Dispatcher) hold(st *laneState, alert *models.Alert) {
	key := alert.Key()
	if st.nHeld >= st.capacity && len(st.held[key]) > 0 {
		oldest := st.held[key][0]
		st.held[key] = st.held[key][1:]
		st.nHeld--
		d.fail(oldest, KindDropped, 0, errors.New("queue full"))
	}
	st.held[key] = append(st.held[key], alert)
	st.nHeld++
}

// abandon drops every parked and held alert of the lane.
func (d *Dispatcher) abandon(st *laneState, cause error) {
	for key, r := range st.retrying {
		d.fail(r.alert, KindDropped, r.attempts, cause)
		delete(st.retrying, key)
	}
	for key, alerts := range st.held {
		for _, alert := range alerts {
			d.fail(alert, KindDropped, 0, cause)
		}
		delete(st.held, key)
	}
	st.nHeld = 0
}

// release pops the next held alert of key, if any.
func (st *laneState) release(key models.AlertKey, d *Dispatcher) *retry {
	alerts := st.held[key]
	if len(alerts) == 0 {
		return nil
	}
	next := alerts[0]
	if len(alerts) == 1 {
		delete(st.held, key)
	} else {
		st.held[key] = alerts[1:]
	}
	st.nHeld--
	return d.newRetry(next)
}

// nextDue returns the parked retry with the earliest due time that is not
// after now.
func (st *laneState) nextDue(now time.Time) *retry {
	var next *retry
	for _, r := range st.retrying {
		if r.due.After(now) {
			continue
		}
		if next == nil || r.due.Before(next.due) {
			next = r
		}
	}
	return next
}

func (st *laneState) earliest() (time.Time, bool) {
	var due time.Time
	found := false
	for _, r := range st.retrying {
		if !found || r.due.Before(due) {
			due = r.due
			found = true
		}
	}
	return due, found
}

func (d *Dispatcher) settle(alert *models.Alert) {
	if s, ok := d.sink.(sink.Settler); ok {
		s.Settle(alert.ID)
	}
}

func (d *Dispatcher) fail(alert *models.Alert, kind Kind, attempts int, err error) {
	d.settle(alert)
	dispatchErr := &DispatchError{
		Kind:         kind,
		AlertID:      alert.ID,
		InstrumentID: alert.InstrumentID,
		RuleID:       alert.RuleID,
		Attempts:     attempts,
		Err:          err,
	}

	switch kind {
	case KindExhausted:
		d.exhausted.Add(1)
	case KindRejected:
		d.rejected.Add(1)
	case KindDropped:
		d.dropped.Add(1)
		d.metrics.AlertDropped()
	}
	d.metrics.DispatchFailed(string(kind))
	logger.Warn("%v", dispatchErr)

	if d.onFailure != nil {
		d.onFailure(dispatchErr)
	}
}

// Close stops accepting alerts and waits for queued ones to be delivered.
// Whatever is still queued or in flight when the shutdown grace period or
// ctx ends is dropped and counted.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for _, l := range d.lanes {
		l.close()
	}
	d.mu.Unlock()

	if d.config.ShutdownGrace > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.config.ShutdownGrace)
		defer cancel()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		logger.Info("Dispatcher flushed: %d delivered, %d dropped", d.delivered.Load(), d.dropped.Load())
		return nil
	case <-ctx.Done():
	}

	droppedBefore := d.dropped.Load()
	d.cancel()
	<-done

	for _, l := range d.lanes {
		for _, alert := range l.drain() {
			d.fail(alert, KindDropped, 0, errors.New("shutdown grace period elapsed"))
		}
	}
	abandoned := d.dropped.Load() - droppedBefore
	return fmt.Errorf("dispatcher shutdown: %d queued alert(s) abandoned: %w", abandoned, ctx.Err())
}

func (d *Dispatcher) Stats() Stats {
	queued := 0
	for _, l := range d.lanes {
		queued += l.len()
	}
	return Stats{
		Queued:    queued,
		Enqueued:  d.enqueued.Load(),
		Delivered: d.delivered.Load(),
		Dropped:   d.dropped.Load(),
		Exhausted: d.exhausted.Load(),
		Rejected:  d.rejected.Load(),
	}
}
