// Package metrics records pipeline counters for Prometheus and for the
// periodic status snapshot.
package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agentpulse/internal/model"
)

const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
)

var histogramBuckets = []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}

// Recorder is safe for concurrent use. A nil Recorder ignores every call.
type Recorder struct {
	registry *prometheus.Registry

	ingestTotal       *prometheus.CounterVec
	ingestDuration    *prometheus.HistogramVec
	alertsFired       *prometheus.CounterVec
	observers         prometheus.Gauge
	broadcastFailures prometheus.Counter

	startedAt      time.Time
	accepted       atomic.Uint64
	rejected       atomic.Uint64
	alerts         atomic.Uint64
	failures       atomic.Uint64
	observersNow   atomic.Int64
	totalLatencyNs atomic.Uint64
	latencyCount   atomic.Uint64
}

func NewRecorder() *Recorder {
	r := &Recorder{
		registry:  prometheus.NewRegistry(),
		startedAt: time.Now().UTC(),
	}
	r.ingestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentpulse",
		Subsystem: "ingest",
		Name:      "events_total",
		Help:      "Ingested events by terminal outcome",
	}, []string{"outcome", "reason"})
	r.ingestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "agentpulse",
		Subsystem: "ingest",
		Name:      "duration_seconds",
		Help:      "Time from receipt to terminal outcome",
		Buckets:   histogramBuckets,
	}, []string{"outcome"})
	r.alertsFired = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentpulse",
		Subsystem: "alerts",
		Name:      "fired_total",
		Help:      "Alerts fired by kind",
	}, []string{"kind"})
	r.observers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "agentpulse",
		Subsystem: "hub",
		Name:      "observers",
		Help:      "Currently registered observers",
	})
	r.broadcastFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "agentpulse",
		Subsystem: "hub",
		Name:      "broadcast_failures_total",
		Help:      "Observers dropped after a failed or timed out send",
	})
	r.registry.MustRegister(
		r.ingestTotal,
		r.ingestDuration,
		r.alertsFired,
		r.observers,
		r.broadcastFailures,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// IngestOutcome records the terminal outcome of one ingestion. reason is
// empty for accepted events.
func (r *Recorder) IngestOutcome(outcome, reason string, elapsed time.Duration) {
	if r == nil {
		return
	}
	if outcome == OutcomeAccepted {
		r.accepted.Add(1)
	} else {
		r.rejected.Add(1)
	}
	r.totalLatencyNs.Add(uint64(elapsed.Nanoseconds()))
	r.latencyCount.Add(1)
	r.ingestTotal.WithLabelValues(outcome, reason).Inc()
	r.ingestDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

func (r *Recorder) AlertFired(kind model.AlertKind) {
	if r == nil {
		return
	}
	r.alerts.Add(1)
	r.alertsFired.WithLabelValues(string(kind)).Inc()
}

func (r *Recorder) SetObservers(n int) {
	if r == nil {
		return
	}
	r.observersNow.Store(int64(n))
	r.observers.Set(float64(n))
}

func (r *Recorder) BroadcastFailed(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.failures.Add(uint64(n))
	r.broadcastFailures.Add(float64(n))
}

type Snapshot struct {
	StartedAt         time.Time `json:"started_at"`
	UptimeSeconds     float64   `json:"uptime_seconds"`
	Accepted          uint64    `json:"accepted"`
	Rejected          uint64    `json:"rejected"`
	AlertsFired       uint64    `json:"alerts_fired"`
	BroadcastFailures uint64    `json:"broadcast_failures"`
	Observers         int64     `json:"observers"`
	AvgIngestLatency  float64   `json:"avg_ingest_latency_ms"`
}

func (r *Recorder) Snapshot() Snapshot {
	if r == nil {
		return Snapshot{}
	}
	var avg float64
	if n := r.latencyCount.Load(); n > 0 {
		avg = float64(r.totalLatencyNs.Load()) / float64(n) / float64(time.Millisecond)
	}
	return Snapshot{
		StartedAt:         r.startedAt,
		UptimeSeconds:     time.Since(r.startedAt).Seconds(),
		Accepted:          r.accepted.Load(),
		Rejected:          r.rejected.Load(),
		AlertsFired:       r.alerts.Load(),
		BroadcastFailures: r.failures.Load(),
		Observers:         r.observersNow.Load(),
		AvgIngestLatency:  avg,
	}
}
