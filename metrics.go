package stash

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "stash"

// Metrics exports the queue's state to prometheus.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	jobs        *prometheus.GaugeVec
	workers     *prometheus.GaugeVec
	admitted    prometheus.Counter
	rescheduled *prometheus.CounterVec
	finished    *prometheus.CounterVec
}

// NewMetrics creates queue metrics and registers them to reg.
// Metrics are only created, not registered, when reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		jobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "queue",
			Name:      "jobs",
			Help:      "Number of jobs in each list of the job queue.",
		}, []string{"list"}),
		workers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "queue",
			Name:      "workers",
			Help:      "Number of queue workers.",
		}, []string{"state"}),
		admitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "queue",
			Name:      "admitted_total",
			Help:      "Number of jobs which acquired their resources.",
		}),
		rescheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "queue",
			Name:      "rescheduled_total",
			Help:      "Number of rescheduled jobs by identity reuse.",
		}, []string{"identity"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "queue",
			Name:      "finished_total",
			Help:      "Number of engine runs by their final status.",
		}, []string{"status"}),
	}
	if reg != nil {
		reg.MustRegister(m.jobs, m.workers, m.admitted, m.rescheduled, m.finished)
	}
	return m
}

func (m *Metrics) observe(s QueueStats) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues("waiting").Set(float64(s.Waiting))
	m.jobs.WithLabelValues("ready").Set(float64(s.Ready))
	m.jobs.WithLabelValues("running").Set(float64(s.Running))
	m.workers.WithLabelValues("total").Set(float64(s.Workers))
	m.workers.WithLabelValues("idle").Set(float64(s.IdleWorkers))
}

func (m *Metrics) admit() {
	if m == nil {
		return
	}
	m.admitted.Inc()
}

func (m *Metrics) reschedule(k RescheduleKind) {
	if m == nil {
		return
	}
	m.rescheduled.WithLabelValues(k.String()).Inc()
}

func (m *Metrics) finish(s JobStatus) {
	if m == nil {
		return
	}
	m.finished.WithLabelValues(s.String()).Inc()
}
