package runner

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts verdicts and mitigation results for one run. It uses its own
// registry and is written out as a node-exporter textfile.
type Metrics struct {
	registry    *prometheus.Registry
	verdicts    *prometheus.CounterVec
	mitigations *prometheus.CounterVec
	infra       prometheus.Counter
	duration    prometheus.Histogram
}

// NewMetrics registers the run metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "formprobe",
			Name:      "case_verdicts_total",
			Help:      "Contact form cases by verdict.",
		}, []string{"verdict"}),
		mitigations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "formprobe",
			Name:      "mitigation_applied_total",
			Help:      "Challenge mitigation strategies that took effect, by strategy.",
		}, []string{"strategy"}),
		infra: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "formprobe",
			Name:      "case_infrastructure_errors_total",
			Help:      "Cases that could not be driven to a verdict.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "formprobe",
			Name:      "case_duration_seconds",
			Help:      "Wall time of a contact form case.",
			Buckets:   []float64{1, 2.5, 5, 10, 20, 40, 90},
		}),
	}
	m.registry.MustRegister(m.verdicts, m.mitigations, m.infra, m.duration)
	return m
}

// Observe records one outcome.
func (m *Metrics) Observe(o Outcome) {
	m.verdicts.WithLabelValues(o.Verdict.String()).Inc()
	for _, name := range o.Mitigation.Applied {
		m.mitigations.WithLabelValues(name).Inc()
	}
	if o.Err != nil {
		m.infra.Inc()
	}
	m.duration.Observe(o.Duration.Seconds())
}

// WriteTextfile writes the metrics in the text exposition format.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	return nil
}
