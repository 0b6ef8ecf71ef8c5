// Package metrics exposes Prometheus collectors for jobs, the task queue and
// the realtime channels. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	jobsSubmitted  *prometheus.CounterVec
	jobsFinished   *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	queueDelivered *prometheus.CounterVec
	deadLetters    prometheus.Counter
	wsSent         *prometheus.CounterVec
	wsDropped      *prometheus.CounterVec
	wsConnections  *prometheus.GaugeVec
	effectsDropped *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		jobsSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "minewatch_jobs_submitted_total",
				Help: "Jobs accepted by the API",
			},
			[]string{"kind"},
		),
		jobsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "minewatch_jobs_finished_total",
				Help: "Jobs that reached a terminal status",
			},
			[]string{"kind", "status"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "minewatch_job_run_seconds",
				Help:    "Wall time of a single job run",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
			},
			[]string{"kind"},
		),
		queueDelivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "minewatch_queue_deliveries_total",
				Help: "Task deliveries by outcome",
			},
			[]string{"outcome"}, // "acked", "requeued", "dead_lettered", "reaped"
		),
		deadLetters: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "minewatch_queue_dead_letters_total",
				Help: "Tasks that exhausted their deliveries",
			},
		),
		wsSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "minewatch_realtime_messages_sent_total",
				Help: "Messages written to websocket subscribers",
			},
			[]string{"channel"},
		),
		wsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "minewatch_realtime_connections_dropped_total",
				Help: "Subscribers removed after a failed send",
			},
			[]string{"channel"},
		),
		wsConnections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "minewatch_realtime_connections",
				Help: "Live websocket subscribers",
			},
			[]string{"channel"},
		),
		effectsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "minewatch_effects_dropped_total",
				Help: "Best-effort side effects skipped because every slot was busy",
			},
			[]string{"effect"},
		),
	}

	reg.MustRegister(
		m.jobsSubmitted,
		m.jobsFinished,
		m.jobDuration,
		m.queueDelivered,
		m.deadLetters,
		m.wsSent,
		m.wsDropped,
		m.wsConnections,
		m.effectsDropped,
	)
	return m
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) JobSubmitted(kind string) {
	if m == nil {
		return
	}
	m.jobsSubmitted.WithLabelValues(kind).Inc()
}

func (m *Metrics) JobFinished(kind, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.jobsFinished.WithLabelValues(kind, status).Inc()
	m.jobDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

func (m *Metrics) QueueDelivery(outcome string) {
	if m == nil {
		return
	}
	m.queueDelivered.WithLabelValues(outcome).Inc()
	if outcome == "dead_lettered" {
		m.deadLetters.Inc()
	}
}

func (m *Metrics) MessagesSent(channel string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.wsSent.WithLabelValues(channel).Add(float64(n))
}

func (m *Metrics) ConnectionDropped(channel string) {
	if m == nil {
		return
	}
	m.wsDropped.WithLabelValues(channel).Inc()
}

func (m *Metrics) SetConnections(channel string, n int) {
	if m == nil {
		return
	}
	m.wsConnections.WithLabelValues(channel).Set(float64(n))
}

func (m *Metrics) EffectDropped(effect string) {
	if m == nil {
		return
	}
	m.effectsDropped.WithLabelValues(effect).Inc()
}
