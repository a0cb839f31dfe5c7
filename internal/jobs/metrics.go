// Package jobmetrics instruments the background jobs that sync, refresh and
// import amortizations.
package jobmetrics

import (
	"errors"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
)

// Outcome classifies the amortizations a job run touched.
type Outcome string

const (
	OutcomeSynced  Outcome = "synced"
	OutcomeFailed  Outcome = "failed"
	OutcomeUpdated Outcome = "updated"
	OutcomeLateFee Outcome = "late_fee"
	OutcomeSkipped Outcome = "skipped"
	OutcomeCreated Outcome = "created"
)

// Metrics holds the job collectors.
type Metrics struct {
	runs        *prometheus.CounterVec
	discarded   *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	items       *prometheus.CounterVec
	running     *prometheus.GaugeVec
	lastSuccess *prometheus.GaugeVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the collectors on registerer, or once on the default
// registerer when nil.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer != nil {
		return register(registerer)
	}
	defaultOnce.Do(func() {
		defaultMetrics = register(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// Tracker measures one job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track starts measuring a run of job.
func (m *Metrics) Track(job string) *Tracker {
	t := &Tracker{metrics: m, job: job, start: time.Now()}
	if m != nil && job != "" {
		m.running.WithLabelValues(job).Inc()
	}
	return t
}

// End records the run and returns err unchanged. Errors wrapping
// asynq.SkipRetry are also counted as discarded since the task will not run
// again.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	m := t.metrics
	m.running.WithLabelValues(t.job).Dec()
	m.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	if err != nil {
		m.runs.WithLabelValues(t.job, "failure").Inc()
		if errors.Is(err, asynq.SkipRetry) {
			m.discarded.WithLabelValues(t.job).Inc()
		}
		return err
	}
	m.runs.WithLabelValues(t.job, "success").Inc()
	m.lastSuccess.WithLabelValues(t.job).SetToCurrentTime()
	return nil
}

// AddItems counts amortizations a run of job touched.
func (m *Metrics) AddItems(job string, outcome Outcome, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.items.WithLabelValues(job, string(outcome)).Add(float64(count))
}

func register(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "amortization_jobs_total",
			Help: "Job runs by job and status.",
		}, []string{"job", "status"}),
		discarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "amortization_jobs_discarded_total",
			Help: "Failed job runs that will not be retried.",
		}, []string{"job"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "amortization_job_duration_seconds",
			Help:    "Job run duration.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"job"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "amortization_job_items_total",
			Help: "Amortizations touched by jobs by outcome.",
		}, []string{"job", "outcome"}),
		running: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "amortization_jobs_running",
			Help: "Job runs in progress.",
		}, []string{"job"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "amortization_job_last_success_timestamp_seconds",
			Help: "Unix time of the last successful run of each job.",
		}, []string{"job"}),
	}
	registerer.MustRegister(m.runs, m.discarded, m.duration, m.items, m.running, m.lastSuccess)
	return m
}
