package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for key pair management.
type Metrics struct {
	KeysGenerated *prometheus.CounterVec
	KeysRotated   prometheus.Counter
	KeysRevoked   prometheus.Counter
	SignFailures  prometheus.Counter
}

// New registers the metrics with the default registry.
func New() *Metrics {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer registers with reg; tests pass a fresh prometheus.NewRegistry().
func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		KeysGenerated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "idhub_keypairs_generated_total",
			Help: "Total number of key pairs generated, by algorithm",
		}, []string{"algorithm"}),
		KeysRotated: f.NewCounter(prometheus.CounterOpts{
			Name: "idhub_keypairs_rotated_total",
			Help: "Total number of key rotations",
		}),
		KeysRevoked: f.NewCounter(prometheus.CounterOpts{
			Name: "idhub_keypairs_revoked_total",
			Help: "Total number of key pairs revoked",
		}),
		SignFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "idhub_keypair_sign_failures_total",
			Help: "Total number of vault signing failures",
		}),
	}
}

func (m *Metrics) IncrementGenerated(algorithm string) {
	m.KeysGenerated.WithLabelValues(algorithm).Inc()
}

func (m *Metrics) IncrementRotated()     { m.KeysRotated.Inc() }
func (m *Metrics) IncrementRevoked()     { m.KeysRevoked.Inc() }
func (m *Metrics) IncrementSignFailure() { m.SignFailures.Inc() }
