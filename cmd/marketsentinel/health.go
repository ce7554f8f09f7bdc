package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rewired-gh/marketsentinel/internal/dispatch"
	"github.com/rewired-gh/marketsentinel/internal/feed"
	"github.com/rewired-gh/marketsentinel/internal/logger"
	"github.com/rewired-gh/marketsentinel/internal/monitor"
	"github.com/rewired-gh/marketsentinel/internal/rules"
	"github.com/rewired-gh/marketsentinel/internal/telegram"
)

type healthNotifier interface {
	SendError(ctx context.Context, err error) error
	SendRecovery(ctx context.Context, downtime time.Duration) error
}

// feedHealth turns supervisor status changes into operator notifications:
// one message when the feed first degrades, one when it is first reported
// down, and one on recovery. Called from the supervisor goroutine only.
type feedHealth struct {
	ctx           context.Context
	notifier      healthNotifier
	now           func() time.Time
	degradedSince time.Time
	downReported  bool
}

func newFeedHealth(ctx context.Context, client *telegram.Client) *feedHealth {
	h := &feedHealth{ctx: ctx, now: time.Now}
	if client != nil {
		h.notifier = client
	}
	return h
}

func (h *feedHealth) onStatus(status feed.Status, err error) {
	switch status {
	case feed.StatusConnected:
		if h.degradedSince.IsZero() {
			return
		}
		downtime := h.now().Sub(h.degradedSince)
		h.degradedSince = time.Time{}
		h.downReported = false
		logger.Info("Feed recovered after %v", downtime)
		h.notify(func(ctx context.Context) error { return h.notifier.SendRecovery(ctx, downtime) })

	case feed.StatusReconnecting, feed.StatusDown:
		first := h.degradedSince.IsZero()
		if first {
			h.degradedSince = h.now()
		}
		if status == feed.StatusDown {
			if h.downReported {
				return
			}
			h.downReported = true
		} else if !first {
			return
		}
		if err == nil {
			err = fmt.Errorf("feed %s", status)
		} else if status == feed.StatusDown {
			err = fmt.Errorf("feed down: %w", err)
		}
		h.notify(func(ctx context.Context) error { return h.notifier.SendError(ctx, err) })
	}
}

func (h *feedHealth) notify(send func(ctx context.Context) error) {
	if h.notifier == nil {
		return
	}
	// The shutdown path cancels h.ctx; a final "down" message still gets a short window.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(h.ctx), 10*time.Second)
	defer cancel()
	if err := send(ctx); err != nil {
		logger.Warn("Failed to send feed health notification to Telegram: %v", err)
	}
}

// renderStatus produces the plain text reply to the /status bot command.
func renderStatus(mon *monitor.Monitor, d *dispatch.Dispatcher, sup *feed.Supervisor, rs *rules.Store) string {
	ms := mon.Stats()
	ds := d.Stats()

	var b strings.Builder
	feedStatus := "none"
	if sup != nil {
		feedStatus = string(sup.Status())
		if feedStatus == "" {
			feedStatus = "starting"
		}
	}
	fmt.Fprintf(&b, "Feed: %s\n", feedStatus)
	fmt.Fprintf(&b, "Rules: %d active\n", rs.Current().Len())
	fmt.Fprintf(&b, "Instruments: %d", ms.Instruments)
	if len(ms.Phases) > 0 {
		phases := make([]string, 0, len(ms.Phases))
		for name, n := range ms.Phases {
			phases = append(phases, fmt.Sprintf("%s %d", name, n))
		}
		sort.Strings(phases)
		fmt.Fprintf(&b, " (%s)", strings.Join(phases, ", "))
	}
	b.WriteString("\n")

	var rejected uint64
	for _, n := range ms.Rejected {
		rejected += n
	}
	fmt.Fprintf(&b, "Events: %d accepted, %d rejected\n", ms.Accepted, rejected)
	fmt.Fprintf(&b, "Alerts: %d generated, %d suppressed, %d active cooldowns\n", ms.Generated, ms.Suppressed, ms.Cooldowns)
	fmt.Fprintf(&b, "Delivery: %d delivered, %d queued, %d dropped, %d failed\n",
		ds.Delivered, ds.Queued, ds.Dropped, ds.Exhausted+ds.Rejected)
	return b.String()
}
