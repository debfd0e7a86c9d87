package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the pipeline collectors. Each Metrics owns its registry so
// tests and multiple servers in one process do not collide.
type Metrics struct {
	Registry *prometheus.Registry

	stageOutcomes  *prometheus.CounterVec
	stageDuration  *prometheus.HistogramVec
	segmentPolls   prometheus.Histogram
	densityDefault prometheus.Counter
	portionGrams   prometheus.Histogram
}

// New registers the pipeline collectors on a fresh registry
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		stageOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "food_portion",
			Name:      "stage_outcomes_total",
			Help:      "Pipeline stage completions by stage and outcome.",
		}, []string{"stage", "outcome"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "food_portion",
			Name:      "stage_duration_seconds",
			Help:      "Wall time spent per pipeline stage.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 90},
		}, []string{"stage"}),
		segmentPolls: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "food_portion",
			Name:      "segmentation_polls",
			Help:      "Status polls needed per segmentation prediction.",
			Buckets:   []float64{0, 1, 2, 5, 10, 20, 40, 60},
		}),
		densityDefault: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "food_portion",
			Name:      "density_fallbacks_total",
			Help:      "Density estimates that fell back to the default.",
		}),
		portionGrams: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "food_portion",
			Name:      "portion_grams",
			Help:      "Estimated portion mass in grams.",
			Buckets:   prometheus.ExponentialBuckets(25, 2, 8),
		}),
	}
	m.Registry.MustRegister(m.stageOutcomes, m.stageDuration, m.segmentPolls, m.densityDefault, m.portionGrams)
	return m
}

// ObserveStage records one stage completion
func (m *Metrics) ObserveStage(stage, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.stageOutcomes.WithLabelValues(stage, outcome).Inc()
	m.stageDuration.WithLabelValues(stage).Observe(took.Seconds())
}

// ObservePolls records how many polls a prediction took
func (m *Metrics) ObservePolls(n int) {
	if m == nil {
		return
	}
	m.segmentPolls.Observe(float64(n))
}

// DensityFallback counts a default density
func (m *Metrics) DensityFallback() {
	if m == nil {
		return
	}
	m.densityDefault.Inc()
}

// ObservePortion records a final estimate
func (m *Metrics) ObservePortion(grams float64) {
	if m == nil {
		return
	}
	m.portionGrams.Observe(grams)
}
