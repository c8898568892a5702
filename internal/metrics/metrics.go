package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Job metrics
	JobsTotal          *prometheus.CounterVec
	JobDurationSeconds *prometheus.HistogramVec
	ScenesPersisted    prometheus.Counter

	// Cache metrics
	CacheLookupsTotal *prometheus.CounterVec

	// Editing metrics
	EditsTotal *prometheus.CounterVec

	// Batch metrics
	BatchItemsTotal *prometheus.CounterVec

	// Learner metrics
	LearnRunsTotal *prometheus.CounterVec

	// Monitor metrics
	SuccessRate *prometheus.GaugeVec
}

// New creates a Metrics instance registered on its own registry.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		JobsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "detection_jobs_total",
				Help:      "Detection jobs by terminal status",
			},
			[]string{"status"},
		),
		JobDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "detection_job_duration_seconds",
				Help:      "Duration of detection jobs in seconds",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
			},
			[]string{"status"},
		),
		ScenesPersisted: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scenes_persisted_total",
				Help:      "Scenes committed by completed detection jobs",
			},
		),
		CacheLookupsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Result cache lookups by tier and result",
			},
			[]string{"tier", "result"},
		),
		EditsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scene_edits_total",
				Help:      "Scene edits by kind",
			},
			[]string{"kind"},
		),
		BatchItemsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batch_items_total",
				Help:      "Batch items by operation and result",
			},
			[]string{"operation", "result"},
		),
		LearnRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "learn_runs_total",
				Help:      "Adaptive threshold learning runs by result",
			},
			[]string{"result"},
		),
		SuccessRate: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "detection_success_rate",
				Help:      "Detection success rate over the monitor window",
			},
			[]string{"workspace"},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveJob(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.JobsTotal.WithLabelValues(status).Inc()
	m.JobDurationSeconds.WithLabelValues(status).Observe(d.Seconds())
}

func (m *Metrics) AddScenes(n int) {
	if m == nil {
		return
	}
	m.ScenesPersisted.Add(float64(n))
}

func (m *Metrics) CacheLookup(tier string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookupsTotal.WithLabelValues(tier, result).Inc()
}

func (m *Metrics) Edit(kind string) {
	if m == nil {
		return
	}
	m.EditsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) BatchItem(operation string, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.BatchItemsTotal.WithLabelValues(operation, result).Inc()
}

func (m *Metrics) LearnRun(result string) {
	if m == nil {
		return
	}
	m.LearnRunsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) SetSuccessRate(workspaceID string, rate float64) {
	if m == nil {
		return
	}
	m.SuccessRate.WithLabelValues(workspaceID).Set(rate)
}
