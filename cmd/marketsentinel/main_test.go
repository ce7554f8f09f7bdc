package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/marketsentinel/internal/dispatch"
	"github.com/rewired-gh/marketsentinel/internal/feed"
	"github.com/rewired-gh/marketsentinel/internal/models"
	"github.com/rewired-gh/marketsentinel/internal/monitor"
	"github.com/rewired-gh/marketsentinel/internal/rules"
	"github.com/rewired-gh/marketsentinel/internal/sink"
)

type recordingNotifier struct {
	errors     []string
	recoveries []time.Duration
}

func (r *recordingNotifier) SendError(_ context.Context, err error) error {
	r.errors = append(r.errors, err.Error())
	return nil
}

func (r *recordingNotifier) SendRecovery(_ context.Context, downtime time.Duration) error {
	r.recoveries = append(r.recoveries, downtime)
	return nil
}

func TestFeedHealth_FirstFailureAndRecovery(t *testing.T) {
	n := &recordingNotifier{}
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	h := &feedHealth{ctx: context.Background(), notifier: n, now: func() time.Time { return now }}

	h.onStatus(feed.StatusConnected, nil)
	assert.Empty(t, n.errors, "connecting without an outage sends nothing")

	h.onStatus(feed.StatusReconnecting, errors.New("connection reset"))
	now = now.Add(30 * time.Second)
	h.onStatus(feed.StatusReconnecting, errors.New("connection refused"))
	require.Len(t, n.errors, 1, "only the first failure of an outage is reported")
	assert.Contains(t, n.errors[0], "connection reset")

	h.onStatus(feed.StatusConnected, nil)
	require.Len(t, n.recoveries, 1)
	assert.Equal(t, 30*time.Second, n.recoveries[0])
}

func TestFeedHealth_DownReportedOncePerOutage(t *testing.T) {
	n := &recordingNotifier{}
	h := &feedHealth{ctx: context.Background(), notifier: n, now: time.Now}

	h.onStatus(feed.StatusReconnecting, errors.New("dial failed"))
	h.onStatus(feed.StatusDown, errors.New("dial failed"))
	h.onStatus(feed.StatusReconnecting, errors.New("dial failed"))
	h.onStatus(feed.StatusDown, errors.New("dial failed"))

	require.Len(t, n.errors, 2)
	assert.True(t, strings.HasPrefix(n.errors[1], "feed down"))

	h.onStatus(feed.StatusConnected, nil)
	h.onStatus(feed.StatusDown, errors.New("dial failed"))
	assert.Len(t, n.errors, 3)
	assert.Len(t, n.recoveries, 1)
}

func TestFeedHealth_NoNotifier(t *testing.T) {
	h := newFeedHealth(context.Background(), nil)
	assert.NotPanics(t, func() {
		h.onStatus(feed.StatusReconnecting, errors.New("boom"))
		h.onStatus(feed.StatusConnected, nil)
	})
}

func TestRenderStatus(t *testing.T) {
	set, err := rules.NewRuleSet([]rules.Rule{{
		ID:        "above-100",
		Pattern:   "*",
		Condition: rules.Above{Threshold: 100},
		Cooldown:  time.Minute,
		Severity:  models.SeverityWarning,
	}})
	require.NoError(t, err)
	store := rules.NewStore(set)

	d := dispatch.New(dispatch.DefaultConfig(), sink.Func(func(context.Context, *models.Alert) error { return nil }))
	mon := monitor.New(monitor.DefaultConfig(), store, d)
	mon.Start(context.Background())
	t.Cleanup(func() { _ = mon.Shutdown(context.Background()) })

	ctx := context.Background()
	require.NoError(t, mon.Ingest(ctx, models.RawEvent{InstrumentID: "ABC", Value: 101, Timestamp: time.Now()}))
	require.NoError(t, mon.Flush(ctx))

	text := renderStatus(mon, d, nil, store)
	assert.Contains(t, text, "Feed: none")
	assert.Contains(t, text, "Rules: 1 active")
	assert.Contains(t, text, "Instruments: 1 (warming 1)")
	assert.Contains(t, text, "Events: 1 accepted, 0 rejected")
	assert.Contains(t, text, "1 generated")
}

func TestVersionCommand(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "marketsentinel dev\n", out.String())
}

func TestRun_InvalidConfig(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"--config", "does/not/exist.yaml"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config")
}

func TestRun_SurvivesUnreachableFeed(t *testing.T) {
	dir := t.TempDir()
	rulesPath := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(rulesPath, []byte(`rules:
  - id: above-100
    instrument: "*"
    condition: above
    threshold: 100
    cooldown: 1m
`), 0o644))

	configPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(`feed:
  type: websocket
  url: ws://127.0.0.1:1
  timeout: 1s
  reconnect:
    initial_delay: 10ms
    max_delay: 20ms
    max_attempts: 2
    down_delay: 50ms
rules:
  file: `+rulesPath+`
  watch: false
dispatch:
  shutdown_grace: 1s
storage:
  enabled: false
logging:
  level: error
`), 0o644))

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	start := time.Now()
	require.NoError(t, run(ctx, configPath, false))
	assert.GreaterOrEqual(t, time.Since(start), 250*time.Millisecond, "run must keep going while the feed is down")
}
