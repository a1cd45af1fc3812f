package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	workerStarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "streambot",
			Subsystem: "worker",
			Name:      "starts_total",
			Help:      "Number of successful worker spawns.",
		},
	)
	workerStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "streambot",
			Subsystem: "worker",
			Name:      "stops_total",
			Help:      "Number of worker stop attempts by outcome (graceful, forced, gone, lingering, unverified, failed).",
		}, []string{"outcome"},
	)
	staleRecords = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "streambot",
			Subsystem: "worker",
			Name:      "stale_records_total",
			Help:      "Number of process records removed because the recorded pid was gone.",
		},
	)
	workerRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "streambot",
			Subsystem: "worker",
			Name:      "running",
			Help:      "1 when a worker record is believed live, 0 otherwise.",
		},
	)
	stopDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "streambot",
			Subsystem: "worker",
			Name:      "stop_duration_seconds",
			Help:      "Time spent between the termination request and the stop verdict.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 10},
		},
	)
	commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "streambot",
			Subsystem: "gateway",
			Name:      "commands_total",
			Help:      "Number of dispatched commands by name and reply kind.",
		}, []string{"command", "outcome"},
	)
	rejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "streambot",
			Subsystem: "gateway",
			Name:      "rejected_total",
			Help:      "Number of rejected commands by reason (unauthorized, unknown).",
		}, []string{"reason"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{workerStarts, workerStops, staleRecords, workerRunning, stopDuration, commands, rejected, workerCPUPercent, workerMemoryBytes}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
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

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// NewServer returns an unstarted server exposing /metrics on addr.
func NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart() {
	if regOK.Load() {
		workerStarts.Inc()
	}
}

func IncStop(outcome string) {
	if regOK.Load() {
		workerStops.WithLabelValues(outcome).Inc()
	}
}

func IncStaleRecord() {
	if regOK.Load() {
		staleRecords.Inc()
	}
}

func SetRunning(running bool) {
	if regOK.Load() {
		v := 0.0
		if running {
			v = 1
		}
		workerRunning.Set(v)
	}
}

func ObserveStopDuration(d time.Duration) {
	if regOK.Load() {
		stopDuration.Observe(d.Seconds())
	}
}

func IncCommand(command, outcome string) {
	if regOK.Load() {
		commands.WithLabelValues(command, outcome).Inc()
	}
}

func IncRejected(reason string) {
	if regOK.Load() {
		rejected.WithLabelValues(reason).Inc()
	}
}
