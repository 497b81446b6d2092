// Package metrics records per-run counters and phase timings and pushes them
// to a Prometheus pushgateway when the batch finishes.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Recorder owns a private registry so repeated runs in one process (tests)
// never collide on the default registerer. A nil *Recorder is valid and
// records nothing.
type Recorder struct {
	reg *prometheus.Registry

	ordersSubmitted  *prometheus.CounterVec
	orderFailures    *prometheus.CounterVec
	positionsClosed  *prometheus.CounterVec
	killSwitchTrips  prometheus.Counter
	reconcileFailed  prometheus.Counter
	unprotected      prometheus.Counter
	signalsGenerated *prometheus.CounterVec
	phaseDuration    *prometheus.HistogramVec
}

// New creates a Recorder with all collectors registered.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Recorder{
		reg: reg,
		ordersSubmitted: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradepipe_orders_submitted_total",
				Help: "Orders accepted by the broker, by intent",
			},
			[]string{"intent"},
		),
		orderFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradepipe_order_failures_total",
				Help: "Order placements the broker rejected, by intent",
			},
			[]string{"intent"},
		),
		positionsClosed: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradepipe_positions_closed_total",
				Help: "Positions closed, by exit reason",
			},
			[]string{"reason"},
		),
		killSwitchTrips: f.NewCounter(prometheus.CounterOpts{
			Name: "tradepipe_kill_switch_trips_total",
			Help: "Times the kill switch was turned on automatically",
		}),
		reconcileFailed: f.NewCounter(prometheus.CounterOpts{
			Name: "tradepipe_reconcile_failures_total",
			Help: "Signal runs aborted by a broker reconciliation mismatch",
		}),
		unprotected: f.NewCounter(prometheus.CounterOpts{
			Name: "tradepipe_unprotected_positions_total",
			Help: "Filled entries left without a protective stop",
		}),
		signalsGenerated: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradepipe_signal_actions_total",
				Help: "Signal actions produced, by strategy and kind",
			},
			[]string{"strategy", "kind"},
		),
		phaseDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tradepipe_phase_duration_seconds",
				Help:    "Wall time spent per pipeline phase",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
			},
			[]string{"phase"},
		),
	}
}

// Registry exposes the underlying registry for gathering in tests.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.reg
}

func (r *Recorder) OrderSubmitted(intent string) {
	if r == nil {
		return
	}
	r.ordersSubmitted.WithLabelValues(intent).Inc()
}

func (r *Recorder) OrderFailed(intent string) {
	if r == nil {
		return
	}
	r.orderFailures.WithLabelValues(intent).Inc()
}

func (r *Recorder) PositionClosed(reason string) {
	if r == nil {
		return
	}
	r.positionsClosed.WithLabelValues(reason).Inc()
}

func (r *Recorder) KillSwitchTripped() {
	if r == nil {
		return
	}
	r.killSwitchTrips.Inc()
}

func (r *Recorder) ReconcileFailed() {
	if r == nil {
		return
	}
	r.reconcileFailed.Inc()
}

func (r *Recorder) Unprotected() {
	if r == nil {
		return
	}
	r.unprotected.Inc()
}

// SignalActions adds the exit, entry and skip counts of one generated signal.
func (r *Recorder) SignalActions(strategy string, exits, entries, skipped int) {
	if r == nil {
		return
	}
	r.signalsGenerated.WithLabelValues(strategy, "exit").Add(float64(exits))
	r.signalsGenerated.WithLabelValues(strategy, "entry").Add(float64(entries))
	r.signalsGenerated.WithLabelValues(strategy, "skip").Add(float64(skipped))
}

// ObservePhase records the time since start under phase.
func (r *Recorder) ObservePhase(phase string, start time.Time) {
	if r == nil {
		return
	}
	r.phaseDuration.WithLabelValues(phase).Observe(time.Since(start).Seconds())
}

// Push sends every collected metric to the pushgateway at url under job.
// An empty url is a no-op.
func (r *Recorder) Push(ctx context.Context, url, job string) error {
	if r == nil || url == "" {
		return nil
	}
	if job == "" {
		job = "tradepipe"
	}
	if err := push.New(url, job).Gatherer(r.reg).PushContext(ctx); err != nil {
		return fmt.Errorf("pushing metrics to %s: %w", url, err)
	}
	return nil
}
