package feed

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/marketsentinel/internal/clock"
	"github.com/rewired-gh/marketsentinel/internal/models"
	"github.com/rewired-gh/marketsentinel/internal/monitor"
)

type collector struct {
	mu        sync.Mutex
	events    []models.RawEvent
	malformed int
	err       error
}

func (c *collector) Ingest(_ context.Context, raw models.RawEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.events = append(c.events, raw)
	return nil
}

func (c *collector) RecordMalformed(error) {
	c.mu.Lock()
	c.malformed++
	c.mu.Unlock()
}

func (c *collector) ids() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, ev := range c.events {
		out = append(out, ev.InstrumentID)
	}
	return out
}

func TestDecodeFrame(t *testing.T) {
	events, err := decodeFrame([]byte(`{"instrument":"BTC-USD","value":64000.5,"timestamp":"2024-01-01T00:00:01Z","seq":7}`))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "BTC-USD", events[0].InstrumentID)
	assert.Equal(t, 64000.5, events[0].Value)
	assert.Equal(t, uint64(7), events[0].Sequence)
	assert.True(t, events[0].Timestamp.Equal(time.Date(2024, 1, 1, 0, 0, 1, 0, time.UTC)))

	events, err = decodeFrame([]byte(`[{"symbol":"ETH","price":3000,"timestamp":1704067200000},{"symbol":"SOL","price":100}]`))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "ETH", events[0].InstrumentID)
	assert.True(t, events[0].Timestamp.Equal(time.UnixMilli(1704067200000)))
	assert.True(t, events[1].Timestamp.IsZero())

	events, err = decodeFrame([]byte(`[{"instrument":"A"},{"instrument":"B","value":1}]`))
	assert.ErrorIs(t, err, ErrDecode)
	require.Len(t, events, 1)
	assert.Equal(t, "B", events[0].InstrumentID)

	_, err = decodeFrame([]byte(`not json`))
	assert.ErrorIs(t, err, ErrDecode)

	_, err = decodeFrame([]byte(`{"instrument":"A","value":1,"timestamp":true}`))
	assert.ErrorIs(t, err, ErrDecode)

	events, err = decodeFrame([]byte("  "))
	assert.NoError(t, err)
	assert.Empty(t, events)
}

func TestWebSocketStream(t *testing.T) {
	upgrader := websocket.Upgrader{}
	subscribed := make(chan string, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		subscribed <- string(msg)

		frames := []string{
			`{"instrument":"A","value":1}`,
			`garbage`,
			`[{"instrument":"B","value":2},{"instrument":"C","value":3}]`,
		}
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	adapter := NewWebSocket(url, `{"op":"subscribe"}`, 2*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := adapter.Connect(ctx)
	require.NoError(t, err)
	defer stream.Close()

	assert.Equal(t, `{"op":"subscribe"}`, <-subscribed)

	ev, err := stream.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "A", ev.InstrumentID)

	_, err = stream.Next(ctx)
	assert.ErrorIs(t, err, ErrDecode)

	ev, err = stream.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "B", ev.InstrumentID)
	ev, err = stream.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "C", ev.InstrumentID)

	// Server closed the connection.
	_, err = stream.Next(ctx)
	var transportErr *TransportError
	assert.ErrorAs(t, err, &transportErr)
}

func TestWebSocketDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	_, err := NewWebSocket(url, "", time.Second).Connect(context.Background())
	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Equal(t, "dial", transportErr.Op)
}

func TestPollStream(t *testing.T) {
	var mu sync.Mutex
	responses := []string{
		`[{"instrument":"A","value":1,"timestamp":"2024-01-01T00:00:00Z"},{"instrument":"B","value":2}]`,
		`[{"instrument":"A","value":1,"timestamp":"2024-01-01T00:00:00Z"},{"instrument":"B","value":3}]`,
		`[{"instrument":"A","value":5,"timestamp":"2024-01-01T00:00:05Z"}]`,
	}
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if calls >= len(responses) {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		_, _ = io.WriteString(w, responses[calls])
		calls++
	}))
	defer srv.Close()

	clk := clock.NewFake(time.Unix(0, 0))
	stream, err := NewPoll(srv.URL, time.Second, time.Second, clk).Connect(context.Background())
	require.NoError(t, err)

	var got []float64
	for i := 0; i < 4; i++ {
		ev, err := stream.Next(context.Background())
		require.NoError(t, err)
		got = append(got, ev.Value)
	}
	// The unchanged quote for A in the second poll is skipped.
	assert.Equal(t, []float64{1, 2, 3, 5}, got)
	assert.Equal(t, []time.Duration{time.Second, time.Second}, clk.Sleeps())

	_, err = stream.Next(context.Background())
	var transportErr *TransportError
	assert.ErrorAs(t, err, &transportErr)
}

func TestChannelStreamEndsOnClose(t *testing.T) {
	ch := make(chan models.RawEvent, 2)
	ch <- models.RawEvent{InstrumentID: "A", Value: 1}
	close(ch)

	stream, err := NewChannel(ch).Connect(context.Background())
	require.NoError(t, err)
	ev, err := stream.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "A", ev.InstrumentID)
	_, err = stream.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

type scriptedStream struct {
	events []models.RawEvent
	errs   []error
	final  error
}

func (s *scriptedStream) Next(ctx context.Context) (models.RawEvent, error) {
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return models.RawEvent{}, err
		}
	}
	if len(s.events) > 0 {
		ev := s.events[0]
		s.events = s.events[1:]
		return ev, nil
	}
	return models.RawEvent{}, s.final
}

func (s *scriptedStream) Close() error { return nil }

// scriptedAdapter returns the next scripted result on each Connect.
type scriptedAdapter struct {
	mu       sync.Mutex
	results  []func() (Stream, error)
	connects int
}

func (a *scriptedAdapter) Connect(context.Context) (Stream, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connects++
	if len(a.results) == 0 {
		return nil, &TransportError{Op: "dial", Err: errors.New("connection refused")}
	}
	next := a.results[0]
	a.results = a.results[1:]
	return next()
}

func failConnect() (Stream, error) {
	return nil, &TransportError{Op: "dial", Err: errors.New("connection refused")}
}

func TestSupervisorReconnects(t *testing.T) {
	adapter := &scriptedAdapter{results: []func() (Stream, error){
		failConnect,
		failConnect,
		func() (Stream, error) {
			return &scriptedStream{
				events: []models.RawEvent{{InstrumentID: "A", Value: 1}},
				final:  &TransportError{Op: "read", Err: errors.New("reset")},
			}, nil
		},
		func() (Stream, error) {
			return &scriptedStream{
				errs:   []error{ErrDecode},
				events: []models.RawEvent{{InstrumentID: "B", Value: 2}},
				final:  io.EOF,
			}, nil
		},
	}}

	var statuses []Status
	clk := clock.NewFake(time.Unix(0, 0))
	ing := &collector{}
	policy := ReconnectPolicy{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, MaxAttempts: 3}
	sup := NewSupervisor(adapter, ing, policy, WithClock(clk), WithStatusHandler(func(s Status, err error) {
		statuses = append(statuses, s)
	}))

	require.NoError(t, sup.Run(context.Background()))
	assert.Equal(t, []string{"A", "B"}, ing.ids())
	assert.Equal(t, 1, ing.malformed)
	assert.Equal(t, 4, adapter.connects)
	assert.Equal(t, []Status{StatusReconnecting, StatusConnected, StatusReconnecting, StatusConnected}, statuses)
	// Two failed dials, then one read failure after the counter was reset.
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 100 * time.Millisecond}, clk.Sleeps())
}

func TestSupervisorReportsDownAndKeepsRetrying(t *testing.T) {
	adapter := &scriptedAdapter{results: []func() (Stream, error){
		failConnect,
		failConnect,
		failConnect,
		func() (Stream, error) {
			return &scriptedStream{final: io.EOF}, nil
		},
	}}
	clk := clock.NewFake(time.Unix(0, 0))
	policy := ReconnectPolicy{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     150 * time.Millisecond,
		MaxAttempts:  2,
		DownDelay:    time.Second,
	}

	var statuses []Status
	var downErr error
	sup := NewSupervisor(adapter, &collector{}, policy, WithClock(clk), WithStatusHandler(func(s Status, err error) {
		statuses = append(statuses, s)
		if s == StatusDown {
			downErr = err
		}
	}))

	require.NoError(t, sup.Run(context.Background()))
	assert.Equal(t, 4, adapter.connects)
	assert.Equal(t, []Status{StatusReconnecting, StatusDown, StatusReconnecting, StatusConnected}, statuses)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, time.Second, 100 * time.Millisecond}, clk.Sleeps())

	require.ErrorIs(t, downErr, ErrReconnectExhausted)
	var transportErr *TransportError
	assert.ErrorAs(t, downErr, &transportErr)
}

func TestSupervisorStaysUpWhileDown(t *testing.T) {
	adapter := &scriptedAdapter{}
	policy := ReconnectPolicy{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxAttempts: 1, DownDelay: time.Hour}
	down := make(chan struct{}, 1)
	sup := NewSupervisor(adapter, &collector{}, policy, WithStatusHandler(func(s Status, err error) {
		if s == StatusDown {
			down <- struct{}{}
		}
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	<-down
	select {
	case err := <-done:
		t.Fatalf("Run returned while the feed was down: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, StatusDown, sup.Status())

	cancel()
	assert.NoError(t, <-done)
}

func TestSupervisorResumeRetriesDownFeed(t *testing.T) {
	adapter := &scriptedAdapter{results: []func() (Stream, error){
		failConnect,
		func() (Stream, error) {
			return &scriptedStream{final: io.EOF}, nil
		},
	}}
	policy := ReconnectPolicy{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxAttempts: 1, DownDelay: time.Hour}
	down := make(chan struct{}, 1)
	sup := NewSupervisor(adapter, &collector{}, policy, WithStatusHandler(func(s Status, err error) {
		if s == StatusDown {
			down <- struct{}{}
		}
	}))

	done := make(chan error, 1)
	go func() { done <- sup.Run(context.Background()) }()

	<-down
	sup.Resume()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Resume did not end the down wait")
	}
	assert.Equal(t, StatusConnected, sup.Status())
	assert.Equal(t, 2, adapter.connects)
}

func TestSupervisorStopsWhenMonitorCloses(t *testing.T) {
	adapter := &scriptedAdapter{results: []func() (Stream, error){
		func() (Stream, error) {
			return &scriptedStream{events: []models.RawEvent{{InstrumentID: "A", Value: 1}}, final: io.EOF}, nil
		},
	}}
	ing := &collector{err: monitor.ErrClosed}
	sup := NewSupervisor(adapter, ing, DefaultReconnectPolicy())
	assert.NoError(t, sup.Run(context.Background()))
}

func TestSupervisorSkipsRejectedEvents(t *testing.T) {
	adapter := &scriptedAdapter{results: []func() (Stream, error){
		func() (Stream, error) {
			return &scriptedStream{events: []models.RawEvent{{InstrumentID: "", Value: 1}}, final: io.EOF}, nil
		},
	}}
	ing := &collector{err: &monitor.RejectError{Reason: monitor.RejectMalformed}}
	sup := NewSupervisor(adapter, ing, DefaultReconnectPolicy())
	assert.NoError(t, sup.Run(context.Background()))
}

func TestReconnectPolicyDelay(t *testing.T) {
	p := ReconnectPolicy{InitialDelay: time.Second, MaxDelay: 10 * time.Second}
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 8*time.Second, p.Delay(4))
	assert.Equal(t, 10*time.Second, p.Delay(10))

	p.Jitter = 0.2
	for i := 0; i < 50; i++ {
		d := p.Delay(2)
		assert.GreaterOrEqual(t, d, 1600*time.Millisecond)
		assert.LessOrEqual(t, d, 2400*time.Millisecond)
	}
}
