package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	watcherSignals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vrlink",
			Subsystem: "watcher",
			Name:      "signals_total",
			Help:      "Process lifecycle signals delivered to subscribers.",
		}, []string{"kind"},
	)
	watcherIgnored = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vrlink",
			Subsystem: "watcher",
			Name:      "ignored_total",
			Help:      "Signals dropped by the executable ignore list.",
		},
	)

	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vrlink",
			Subsystem: "runstate",
			Name:      "transitions_total",
			Help:      "Running-state transitions per tracked executable.",
		}, []string{"app", "name", "from", "to"},
	)
	runningFlags = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "vrlink",
			Subsystem: "runstate",
			Name:      "running",
			Help:      "Derived running flag per tracked executable (1 = running).",
		}, []string{"app", "name"},
	)

	recoveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vrlink",
			Subsystem: "recovery",
			Name:      "runs_total",
			Help:      "Recovery sequences by outcome (started, suppressed, disabled, throttled, relaunched, cancelled).",
		}, []string{"outcome"},
	)

	serviceOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vrlink",
			Subsystem: "service",
			Name:      "operations_total",
			Help:      "Service control operations by result.",
		}, []string{"service", "op", "result"},
	)
	serviceWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vrlink",
			Subsystem: "service",
			Name:      "wait_seconds",
			Help:      "Time spent waiting for a service to reach its target status.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"service", "op"},
	)

	timerFires = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vrlink",
			Subsystem: "timer",
			Name:      "fires_total",
			Help:      "Named timer callback invocations.",
		}, []string{"id"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		watcherSignals, watcherIgnored,
		stateTransitions, runningFlags,
		recoveries,
		serviceOps, serviceWait,
		timerFires,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Enabled reports whether Register succeeded.
func Enabled() bool { return regOK.Load() }

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncWatcherSignal(kind string) {
	if regOK.Load() {
		watcherSignals.WithLabelValues(kind).Inc()
	}
}

func IncWatcherIgnored() {
	if regOK.Load() {
		watcherIgnored.Inc()
	}
}

func RecordStateTransition(app, name, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(app, name, from, to).Inc()
	}
}

func SetRunning(app, name string, running bool) {
	if regOK.Load() {
		var v float64
		if running {
			v = 1
		}
		runningFlags.WithLabelValues(app, name).Set(v)
	}
}

func IncRecovery(outcome string) {
	if regOK.Load() {
		recoveries.WithLabelValues(outcome).Inc()
	}
}

func IncServiceOp(service, op, result string) {
	if regOK.Load() {
		serviceOps.WithLabelValues(service, op, result).Inc()
	}
}

func ObserveServiceWait(service, op string, seconds float64) {
	if regOK.Load() {
		serviceWait.WithLabelValues(service, op).Observe(seconds)
	}
}

func IncTimerFire(id string) {
	if regOK.Load() {
		timerFires.WithLabelValues(id).Inc()
	}
}
