package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Issued             prometheus.Counter
	StatusChanges      *prometheus.CounterVec
	Validations        *prometheus.CounterVec
	ValidationDuration prometheus.Histogram
	BatchSize          prometheus.Histogram
}

func New() *Metrics {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Issued: f.NewCounter(prometheus.CounterOpts{
			Name: "idhub_credentials_issued_total",
			Help: "Total number of credentials issued",
		}),
		StatusChanges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "idhub_credential_status_changes_total",
			Help: "Stored credential status changes by target status",
		}, []string{"status"}),
		Validations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "idhub_credential_validations_total",
			Help: "Validation outcomes; failures are labelled with the stage that failed",
		}, []string{"stage", "outcome"}),
		ValidationDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "idhub_credential_validation_duration_seconds",
			Help:    "End-to-end duration of a single credential validation",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		BatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "idhub_credential_validation_batch_size",
			Help:    "Number of credentials per batch validation",
			Buckets: prometheus.ExponentialBuckets(1, 2, 8),
		}),
	}
}

func (m *Metrics) IncrementIssued() { m.Issued.Inc() }

func (m *Metrics) IncrementStatus(status string) {
	m.StatusChanges.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveValidation(stage, outcome string, start time.Time) {
	m.Validations.WithLabelValues(stage, outcome).Inc()
	m.ValidationDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) ObserveBatch(n int) { m.BatchSize.Observe(float64(n)) }
