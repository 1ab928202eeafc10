package metrics

import (
	"net/http"
	"time"

	"github.com/ottermq/ottermon/internal/core/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ottermon"

// Exporter publishes the latest broker snapshot and monitor activity as
// Prometheus metrics on its own registry.
type Exporter struct {
	registry *prometheus.Registry

	queueSize    *prometheus.GaugeVec
	inFlight     *prometheus.GaugeVec
	dlqSize      *prometheus.GaugeVec
	snapshotTime prometheus.Gauge
	dlqRate      prometheus.Gauge
	pollFailures prometheus.Counter
	actions      *prometheus.CounterVec
	replies      *prometheus.CounterVec

	dlqDepth *DepthTracker
}

func NewExporter() *Exporter {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	labels := []string{"destination", "kind", "endpoint"}

	return &Exporter{
		registry: reg,
		queueSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "queue_size",
			Help:      "Messages ready on the destination",
		}, labels),
		inFlight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "in_flight",
			Help:      "Messages delivered but not yet acknowledged",
		}, labels),
		dlqSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "dlq_size",
			Help:      "Messages on the dead-letter queue",
		}, labels),
		snapshotTime: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "snapshot_timestamp_seconds",
			Help:      "Unix time the current snapshot was captured",
		}),
		dlqRate: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "dlq_growth_per_second",
			Help:      "Change of total DLQ depth per second over the tracking window",
		}),
		pollFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "poll_failures_total",
			Help:      "Poll cycles that failed or timed out",
		}),
		actions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "actions",
			Name:      "executed_total",
			Help:      "Management actions by kind and result status",
		}, []string{"action", "status"}),
		replies: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "replies_total",
			Help:      "Replies received by terminators",
		}, []string{"terminator", "stop"}),
		dlqDepth: NewDepthTracker(5*time.Minute, 60),
	}
}

// ObserveSnapshot replaces all destination gauges with the snapshot's values.
// Destinations that disappeared from the broker are dropped.
func (e *Exporter) ObserveSnapshot(s *models.StatsSnapshot) {
	e.queueSize.Reset()
	e.inFlight.Reset()
	e.dlqSize.Reset()
	for _, d := range s.Destinations() {
		qs, _ := s.Stats(d)
		lv := []string{d.Name, string(d.Kind), d.RelatedEndpointID}
		e.queueSize.WithLabelValues(lv...).Set(float64(qs.QueueSize))
		e.inFlight.WithLabelValues(lv...).Set(float64(qs.InFlightCount))
		if d.IsDLQ() {
			e.dlqSize.WithLabelValues(lv...).Set(float64(qs.DLQSize))
		}
	}
	e.snapshotTime.Set(float64(s.CapturedAt().Unix()))
	e.dlqDepth.Record(int64(s.TotalDLQ()), s.CapturedAt())
	e.dlqRate.Set(e.dlqDepth.Rate())
}

func (e *Exporter) RecordPollFailure() {
	e.pollFailures.Inc()
}

func (e *Exporter) RecordAction(kind models.ActionKind, status models.ActionStatus) {
	e.actions.WithLabelValues(string(kind), string(status)).Inc()
}

func (e *Exporter) RecordReply(terminator string, stop bool) {
	label := "false"
	if stop {
		label = "true"
	}
	e.replies.WithLabelValues(terminator, label).Inc()
}

// DLQGrowthRate returns the tracked DLQ depth change per second.
func (e *Exporter) DLQGrowthRate() float64 {
	return e.dlqDepth.Rate()
}

func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{Registry: e.registry})
}
