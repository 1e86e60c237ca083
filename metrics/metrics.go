// Package metrics exposes harvest activity as Prometheus metrics. The
// collectors are fed by bus events, so the executor knows nothing about
// them.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/remilejeune/udata-harvest/harvest"
)

const namespace = "harvest"

// Collector holds the harvest metrics and updates them from events.
type Collector struct {
	registry *prometheus.Registry

	JobsTotal        *prometheus.CounterVec
	ItemsTotal       *prometheus.CounterVec
	JobDuration      *prometheus.HistogramVec
	JobsRunning      prometheus.Gauge
	SourcesCreated   prometheus.Counter
	SourcesDeleted   prometheus.Counter
	SourcesScheduled prometheus.Gauge
	LaunchesQueued   prometheus.Gauge
	LaunchesRunning  prometheus.Gauge
}

// New registers the harvest metrics, plus the Go and process collectors, on
// a fresh registry.
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Collector{
		registry: reg,
		JobsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Finished harvest jobs by backend and final status",
		}, []string{"backend", "status"}),
		ItemsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_total",
			Help:      "Processed items of finished jobs by backend and status",
		}, []string{"backend", "status"}),
		JobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time of finished harvest jobs",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600, 4 * 3600},
		}, []string{"backend"}),
		JobsRunning: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_running",
			Help:      "Jobs started by this process and not finished yet",
		}),
		SourcesCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sources_created_total",
			Help:      "Sources created",
		}),
		SourcesDeleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sources_deleted_total",
			Help:      "Sources deleted",
		}),
		SourcesScheduled: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sources_scheduled",
			Help:      "Sources bound to a periodic task",
		}),
		LaunchesQueued: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "launches_queued",
			Help:      "Launch requests waiting for a worker",
		}),
		LaunchesRunning: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "launches_running",
			Help:      "Launch requests being run by a worker",
		}),
	}
}

// Registry returns the registry holding the collectors.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// HandleEvent implements harvest.Subscriber.
func (c *Collector) HandleEvent(_ context.Context, ev harvest.Event) error {
	switch ev.Signal {
	case harvest.SignalSourceCreated:
		c.SourcesCreated.Inc()
	case harvest.SignalSourceDeleted:
		c.SourcesDeleted.Inc()
		if ev.Source != nil && ev.Source.IsScheduled() {
			c.SourcesScheduled.Dec()
		}
	case harvest.SignalSourceScheduled:
		c.SourcesScheduled.Inc()
	case harvest.SignalSourceUnscheduled:
		c.SourcesScheduled.Dec()
	case harvest.SignalBeforeRun:
		c.JobsRunning.Inc()
	case harvest.SignalAfterRun:
		c.JobsRunning.Dec()
		c.observeJob(ev)
	}
	return nil
}

func (c *Collector) observeJob(ev harvest.Event) {
	if ev.Job == nil {
		return
	}
	backend := "unknown"
	if ev.Source != nil && ev.Source.Backend != "" {
		backend = ev.Source.Backend
	}
	job := ev.Job

	c.JobsTotal.WithLabelValues(backend, string(job.Status)).Inc()
	for status, n := range job.CountItems() {
		c.ItemsTotal.WithLabelValues(backend, string(status)).Add(float64(n))
	}
	if job.StartedAt != nil && job.EndedAt != nil {
		c.JobDuration.WithLabelValues(backend).Observe(job.EndedAt.Sub(*job.StartedAt).Seconds())
	}
}

// SeedScheduled sets the scheduled-sources gauge from the stored sources.
// Events only carry deltas, so the daemon calls it once at startup.
func (c *Collector) SeedScheduled(sources []*harvest.Source) {
	n := 0
	for _, s := range sources {
		if s.IsScheduled() {
			n++
		}
	}
	c.SourcesScheduled.Set(float64(n))
}

// LaunchCounter reports queue depth. *harvest.LaunchQueue implements it.
type LaunchCounter interface {
	Counts(ctx context.Context) (queued, running int, err error)
}

// UpdateLaunches refreshes the launch gauges from the queue.
func (c *Collector) UpdateLaunches(ctx context.Context, q LaunchCounter) error {
	queued, running, err := q.Counts(ctx)
	if err != nil {
		return err
	}
	c.LaunchesQueued.Set(float64(queued))
	c.LaunchesRunning.Set(float64(running))
	return nil
}
