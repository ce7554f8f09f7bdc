// Package metrics exposes the sentinel's counters and health gauges:
//
//	marketsentinel_events_accepted_total
//	marketsentinel_events_rejected_total{reason}
//	marketsentinel_alerts_{generated,suppressed,enqueued,dropped,delivered}_total
//	marketsentinel_dispatch_attempts_total, marketsentinel_dispatch_failures_total{kind}
//	marketsentinel_feed_reconnects_total, marketsentinel_feed_status
//	marketsentinel_rule_reloads_total{result}, marketsentinel_rules_active
//	marketsentinel_instruments_tracked, marketsentinel_instruments_evicted_total
//
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "marketsentinel"

// Metrics bundles every collector the sentinel reports.
type Metrics struct {
	registry *prometheus.Registry

	eventsAccepted prometheus.Counter
	eventsRejected *prometheus.CounterVec

	alertsGenerated  *prometheus.CounterVec
	alertsSuppressed prometheus.Counter
	alertsEnqueued   prometheus.Counter
	alertsDropped    prometheus.Counter
	alertsDelivered  prometheus.Counter

	dispatchAttempts prometheus.Counter
	dispatchFailures *prometheus.CounterVec

	feedReconnects prometheus.Counter
	feedStatus     prometheus.Gauge

	ruleReloads *prometheus.CounterVec
	rulesActive prometheus.Gauge

	instrumentsTracked prometheus.Gauge
	instrumentsEvicted prometheus.Counter
}

// New creates the collectors and registers them on a fresh registry together
// with the Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		eventsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_accepted_total",
			Help: "Market events folded into an instrument window",
		}),
		eventsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_rejected_total",
			Help: "Market events rejected by validation",
		}, []string{"reason"}),
		alertsGenerated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "alerts_generated_total",
			Help: "Alerts produced by rule evaluation",
		}, []string{"rule"}),
		alertsSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "alerts_suppressed_total",
			Help: "Alerts suppressed by an active cooldown",
		}),
		alertsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "alerts_enqueued_total",
			Help: "Alerts accepted onto a dispatch queue",
		}),
		alertsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "alerts_dropped_total",
			Help: "Undelivered alerts dropped because a dispatch queue was full or closed",
		}),
		alertsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "alerts_delivered_total",
			Help: "Alerts delivered to the notification sink",
		}),
		dispatchAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "dispatch_attempts_total",
			Help: "Delivery attempts including retries",
		}),
		dispatchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "dispatch_failures_total",
			Help: "Alerts abandoned by the dispatcher",
		}, []string{"kind"}),
		feedReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "feed_reconnects_total",
			Help: "Feed reconnect attempts after a transport failure",
		}),
		feedStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "feed_status",
			Help: "Feed health: 1 connected, 0.5 reconnecting, 0 down",
		}),
		ruleReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rule_reloads_total",
			Help: "Rule set reload attempts",
		}, []string{"result"}),
		rulesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "rules_active",
			Help: "Rules in the active rule set",
		}),
		instrumentsTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "instruments_tracked",
			Help: "Instruments with a live window",
		}),
		instrumentsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "instruments_evicted_total",
			Help: "Instruments evicted after the idle timeout",
		}),
	}

	m.registry.MustRegister(
		m.eventsAccepted, m.eventsRejected,
		m.alertsGenerated, m.alertsSuppressed, m.alertsEnqueued, m.alertsDropped, m.alertsDelivered,
		m.dispatchAttempts, m.dispatchFailures,
		m.feedReconnects, m.feedStatus,
		m.ruleReloads, m.rulesActive,
		m.instrumentsTracked, m.instrumentsEvicted,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler serving the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (m *Metrics) EventAccepted() {
	if m != nil {
		m.eventsAccepted.Inc()
	}
}

func (m *Metrics) EventRejected(reason string) {
	if m != nil {
		m.eventsRejected.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) AlertGenerated(rule string) {
	if m != nil {
		m.alertsGenerated.WithLabelValues(rule).Inc()
	}
}

func (m *Metrics) AlertSuppressed() {
	if m != nil {
		m.alertsSuppressed.Inc()
	}
}

func (m *Metrics) AlertEnqueued() {
	if m != nil {
		m.alertsEnqueued.Inc()
	}
}

func (m *Metrics) AlertDropped() {
	if m != nil {
		m.alertsDropped.Inc()
	}
}

func (m *Metrics) AlertDelivered() {
	if m != nil {
		m.alertsDelivered.Inc()
	}
}

func (m *Metrics) DispatchAttempt() {
	if m != nil {
		m.dispatchAttempts.Inc()
	}
}

func (m *Metrics) DispatchFailed(kind string) {
	if m != nil {
		m.dispatchFailures.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) FeedReconnect() {
	if m != nil {
		m.feedReconnects.Inc()
	}
}

// SetFeedStatus records feed health as a gauge value.
func (m *Metrics) SetFeedStatus(value float64) {
	if m != nil {
		m.feedStatus.Set(value)
	}
}

func (m *Metrics) RuleReload(ok bool, active int) {
	if m == nil {
		return
	}
	if ok {
		m.ruleReloads.WithLabelValues("ok").Inc()
		m.rulesActive.Set(float64(active))
		return
	}
	m.ruleReloads.WithLabelValues("error").Inc()
}

func (m *Metrics) SetInstruments(n int) {
	if m != nil {
		m.instrumentsTracked.Set(float64(n))
	}
}

func (m *Metrics) InstrumentsEvicted(n int) {
	if m != nil && n > 0 {
		m.instrumentsEvicted.Add(float64(n))
	}
}
