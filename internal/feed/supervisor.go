package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rewired-gh/marketsentinel/internal/clock"
	"github.com/rewired-gh/marketsentinel/internal/logger"
	"github.com/rewired-gh/marketsentinel/internal/metrics"
	"github.com/rewired-gh/marketsentinel/internal/monitor"
)

// Status is the health of the upstream connection.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusDown         Status = "down"
)

func (s Status) gauge() float64 {
	switch s {
	case StatusConnected:
		return 1
	case StatusReconnecting:
		return 0.5
	default:
		return 0
	}
}

// ReconnectPolicy bounds reconnect attempts. MaxAttempts is the number of
// consecutive failures tolerated before the feed is reported down; zero means
// it never is. A down feed is retried after DownDelay (MaxDelay when zero) or
// on Resume. Jitter is the fraction of each delay that is randomized.
type ReconnectPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
	DownDelay    time.Duration
	Jitter       float64
}

func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		MaxAttempts:  10,
		DownDelay:    5 * time.Minute,
		Jitter:       0.2,
	}
}

// Delay returns the wait before reconnect attempt n (1-based).
func (p ReconnectPolicy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	wait := p.InitialDelay
	if wait <= 0 {
		wait = 100 * time.Millisecond
	}
	maxDelay := p.MaxDelay
	if maxDelay < wait {
		maxDelay = wait
	}
	for i := 1; i < n; i++ {
		wait *= 2
		if wait >= maxDelay {
			wait = maxDelay
			break
		}
	}

	jitter := min(p.Jitter, 1)
	if jitter <= 0 {
		return wait
	}
	delta := float64(wait) * jitter
	return wait - time.Duration(delta) + time.Duration(rand.Float64()*2*delta)
}

type SupervisorOption func(*Supervisor)

func WithClock(clk clock.Clock) SupervisorOption {
	return func(s *Supervisor) { s.clock = clk }
}

func WithMetrics(m *metrics.Metrics) SupervisorOption {
	return func(s *Supervisor) { s.metrics = m }
}

// WithStatusHandler registers fn to be called on every status change. err is
// the failure that caused the change, nil when connecting.
func WithStatusHandler(fn func(status Status, err error)) SupervisorOption {
	return func(s *Supervisor) { s.onStatus = fn }
}

// Supervisor keeps a feed connected and forwards its events.
type Supervisor struct {
	adapter  Adapter
	ingester Ingester
	policy   ReconnectPolicy
	clock    clock.Clock
	metrics  *metrics.Metrics
	onStatus func(Status, error)

	resume chan struct{}

	mu     sync.Mutex
	status Status
}

func NewSupervisor(adapter Adapter, ingester Ingester, policy ReconnectPolicy, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		adapter:  adapter,
		ingester: ingester,
		policy:   policy,
		clock:    clock.Real(),
		resume:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Status returns the current connection status; empty before the first attempt.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Supervisor) setStatus(status Status, err error) {
	s.mu.Lock()
	changed := s.status != status
	s.status = status
	s.mu.Unlock()

	if !changed {
		return
	}
	s.metrics.SetFeedStatus(status.gauge())
	if s.onStatus != nil {
		s.onStatus(status, err)
	}
}

// Resume cuts short the current reconnect wait, including the long wait of
// a down feed.
func (s *Supervisor) Resume() {
	select {
	case s.resume <- struct{}{}:
	default:
	}
}

func (s *Supervisor) downDelay() time.Duration {
	if s.policy.DownDelay > 0 {
		return s.policy.DownDelay
	}
	return max(s.policy.MaxDelay, s.policy.InitialDelay)
}

// pause waits for d, a Resume or ctx, and reports whether to go on.
func (s *Supervisor) pause(ctx context.Context, d time.Duration) bool {
	select {
	case <-s.clock.After(d):
	case <-s.resume:
	case <-ctx.Done():
		return false
	}
	return ctx.Err() == nil
}

// Run connects and reads until ctx is cancelled, the source ends or the
// monitor closes. After MaxAttempts consecutive failures the feed is reported
// down and retried after the down delay; Run does not give up on its own.
func (s *Supervisor) Run(ctx context.Context) error {
	failures := 0

	for {
		stream, err := s.adapter.Connect(ctx)
		if err == nil {
			s.setStatus(StatusConnected, nil)
			logger.Info("Feed connected")

			err = s.consume(ctx, stream, &failures)
			_ = stream.Close()

			switch {
			case ctx.Err() != nil:
				return nil
			case errors.Is(err, io.EOF):
				logger.Info("Feed source ended")
				return nil
			case errors.Is(err, monitor.ErrClosed):
				logger.Info("Monitor closed, stopping feed")
				return nil
			}
		}
		if ctx.Err() != nil {
			return nil
		}

		failures++
		if s.policy.MaxAttempts > 0 && failures >= s.policy.MaxAttempts {
			downErr := fmt.Errorf("%w after %d consecutive failures: %w", ErrReconnectExhausted, failures, err)
			delay := s.downDelay()
			s.setStatus(StatusDown, downErr)
			logger.Error("Feed down, retrying in %v: %v", delay, downErr)
			if !s.pause(ctx, delay) {
				return nil
			}
			failures = 0
			continue
		}

		delay := s.policy.Delay(failures)
		s.setStatus(StatusReconnecting, err)
		s.metrics.FeedReconnect()
		logger.Warn("Feed failure %d, reconnecting in %v: %v", failures, delay, err)

		if !s.pause(ctx, delay) {
			return nil
		}
	}
}

func (s *Supervisor) consume(ctx context.Context, stream Stream, failures *int) error {
	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, ErrDecode) {
				s.ingester.RecordMalformed(err)
				continue
			}
			return err
		}
		*failures = 0

		if err := s.ingester.Ingest(ctx, ev); err != nil {
			if _, rejected := monitor.ReasonOf(err); rejected {
				continue
			}
			return err
		}
	}
}
