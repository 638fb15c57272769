// Package metrics exposes Prometheus instrumentation for the daemon. The
// recorder owns its registry so tests never trip over duplicate collector
// registration in the global one.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder holds the daemon's metric instruments.
type Recorder struct {
	registry *prometheus.Registry

	jobsCreated   prometheus.Counter
	jobsCompleted prometheus.Counter
	jobsFailed    *prometheus.CounterVec
	jobsRetried   prometheus.Counter
	jobsContinued prometheus.Counter
	jobsSwept     prometheus.Counter
	jobsRunning   prometheus.Gauge
	jobDuration   prometheus.Histogram
	notifications *prometheus.CounterVec
}

func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	r := &Recorder{
		registry: registry,
		jobsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "promptforge_jobs_created_total",
			Help: "Optimization jobs created.",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "promptforge_jobs_completed_total",
			Help: "Optimization jobs that reached completed.",
		}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "promptforge_jobs_failed_total",
			Help: "Optimization jobs that reached failed, by failure reason.",
		}, []string{"reason"}),
		jobsRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "promptforge_jobs_retried_total",
			Help: "Retry resets of failed jobs.",
		}),
		jobsContinued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "promptforge_jobs_continued_total",
			Help: "Continuation jobs derived from completed jobs.",
		}),
		jobsSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "promptforge_jobs_swept_total",
			Help: "Orphaned jobs marked failed by the sweeper.",
		}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "promptforge_jobs_running",
			Help: "Jobs currently in starting or running.",
		}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "promptforge_job_duration_seconds",
			Help:    "Wall-clock duration of finished optimization jobs.",
			Buckets: prometheus.ExponentialBuckets(30, 2, 10), // 30s .. ~4h
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "promptforge_notifications_sent_total",
			Help: "Notification delivery attempts by channel and result.",
		}, []string{"channel", "result"}),
	}

	registry.MustRegister(
		r.jobsCreated, r.jobsCompleted, r.jobsFailed, r.jobsRetried,
		r.jobsContinued, r.jobsSwept, r.jobsRunning, r.jobDuration,
		r.notifications,
	)
	return r
}

// Handler serves the registry for the /metrics mount.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) JobCreated()   { r.jobsCreated.Inc() }
func (r *Recorder) JobRetried()   { r.jobsRetried.Inc() }
func (r *Recorder) JobContinued() { r.jobsContinued.Inc() }
func (r *Recorder) JobSwept()     { r.jobsSwept.Inc() }

func (r *Recorder) JobCompleted(duration time.Duration) {
	r.jobsCompleted.Inc()
	r.jobDuration.Observe(duration.Seconds())
}

// JobFailed counts a failure under its classified reason kind.
func (r *Recorder) JobFailed(reason string, duration time.Duration) {
	if reason == "" {
		reason = "unknown"
	}
	r.jobsFailed.WithLabelValues(reason).Inc()
	if duration > 0 {
		r.jobDuration.Observe(duration.Seconds())
	}
}

// SetRunningJobs tracks the active job gauge from periodic store counts.
func (r *Recorder) SetRunningJobs(n int) {
	r.jobsRunning.Set(float64(n))
}

// NotificationSent records one delivery attempt outcome.
func (r *Recorder) NotificationSent(channel, result string) {
	r.notifications.WithLabelValues(channel, result).Inc()
}
