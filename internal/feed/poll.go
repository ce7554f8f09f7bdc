package feed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rewired-gh/marketsentinel/internal/clock"
	"github.com/rewired-gh/marketsentinel/internal/models"
)

// Poll fetches a JSON array of quotes from an HTTP endpoint at a fixed
// interval. Quotes whose timestamp and sequence did not change since the
// previous poll are skipped.
type Poll struct {
	url        string
	interval   time.Duration
	httpClient *http.Client
	clock      clock.Clock
}

func NewPoll(url string, interval, timeout time.Duration, clk clock.Clock) *Poll {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Poll{
		url:      url,
		interval: interval,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		clock: clk,
	}
}

// Connect verifies the endpoint with a first request and returns a stream
// over it and the following polls.
func (p *Poll) Connect(ctx context.Context) (Stream, error) {
	s := &pollStream{poll: p, seen: make(map[string]quoteMark)}
	if err := s.fetch(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

type quoteMark struct {
	ts  time.Time
	seq uint64
}

type pollStream struct {
	poll    *Poll
	pending []models.RawEvent
	seen    map[string]quoteMark
	decErr  error
}

func (s *pollStream) Next(ctx context.Context) (models.RawEvent, error) {
	for len(s.pending) == 0 {
		if err := s.decErr; err != nil {
			s.decErr = nil
			return models.RawEvent{}, err
		}
		select {
		case <-s.poll.clock.After(s.poll.interval):
		case <-ctx.Done():
			return models.RawEvent{}, ctx.Err()
		}
		if err := s.fetch(ctx); err != nil {
			return models.RawEvent{}, err
		}
	}

	ev := s.pending[0]
	s.pending = s.pending[1:]
	return ev, nil
}

func (s *pollStream) Close() error {
	s.pending = nil
	return nil
}

func (s *pollStream) fetch(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.poll.url, nil)
	if err != nil {
		return &TransportError{Op: "poll", URL: s.poll.url, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.poll.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: "poll", URL: s.poll.url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &TransportError{Op: "poll", URL: s.poll.url, Err: fmt.Errorf("unexpected status: %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return &TransportError{Op: "poll", URL: s.poll.url, Err: err}
	}

	events, decErr := decodeFrame(body)
	for _, ev := range events {
		if !ev.Timestamp.IsZero() {
			mark := quoteMark{ts: ev.Timestamp, seq: ev.Sequence}
			if prev, ok := s.seen[ev.InstrumentID]; ok && prev == mark {
				continue
			}
			s.seen[ev.InstrumentID] = mark
		}
		s.pending = append(s.pending, ev)
	}
	s.decErr = decErr
	return nil
}
