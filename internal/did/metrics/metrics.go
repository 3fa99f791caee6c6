package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Materializations prometheus.Counter
	Publishes        *prometheus.CounterVec
	PublishDuration  prometheus.Histogram
	StaleDocuments   prometheus.Gauge
}

func New() *Metrics {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Materializations: f.NewCounter(prometheus.CounterOpts{
			Name: "idhub_did_materializations_total",
			Help: "Total number of DID document versions materialized",
		}),
		Publishes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "idhub_did_publishes_total",
			Help: "DID publish attempts by outcome (published, failed, noop)",
		}, []string{"outcome"}),
		PublishDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "idhub_did_publish_duration_seconds",
			Help:    "Time spent in the DID publisher",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		}),
		StaleDocuments: f.NewGauge(prometheus.GaugeOpts{
			Name: "idhub_did_stale_documents",
			Help: "Number of STALE DID documents seen at the last listing",
		}),
	}
}

func (m *Metrics) IncrementMaterialized() { m.Materializations.Inc() }

func (m *Metrics) ObservePublish(outcome string, d time.Duration) {
	m.Publishes.WithLabelValues(outcome).Inc()
	m.PublishDuration.Observe(d.Seconds())
}

func (m *Metrics) IncrementNoopPublish() { m.Publishes.WithLabelValues("noop").Inc() }

func (m *Metrics) SetStale(n int) { m.StaleDocuments.Set(float64(n)) }
