package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for participant lifecycle orchestration.
type Metrics struct {
	ParticipantsCreated prometheus.Counter
	Transitions         *prometheus.CounterVec
	RotationDuration    prometheus.Histogram
	ReconcileOutcomes   *prometheus.CounterVec
	LockWaitTimeouts    prometheus.Counter
}

func New() *Metrics {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ParticipantsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "idhub_participants_created_total",
			Help: "Total number of participant contexts created",
		}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "idhub_participant_transitions_total",
			Help: "Participant state transitions by target state",
		}, []string{"state"}),
		RotationDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "idhub_participant_rotation_duration_seconds",
			Help:    "Duration of rotate, materialize and publish as one unit",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5, 10},
		}),
		ReconcileOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "idhub_participant_reconcile_total",
			Help: "Reconcile attempts per participant by outcome (published, activated, failed)",
		}, []string{"outcome"}),
		LockWaitTimeouts: f.NewCounter(prometheus.CounterOpts{
			Name: "idhub_participant_lock_timeouts_total",
			Help: "Operations abandoned while waiting for the participant lock",
		}),
	}
}

func (m *Metrics) IncrementCreated() { m.ParticipantsCreated.Inc() }

func (m *Metrics) IncrementTransition(state string) {
	m.Transitions.WithLabelValues(state).Inc()
}

// ObserveRotation records the duration of a rotation. Call with the start time.
func (m *Metrics) ObserveRotation(start time.Time) {
	m.RotationDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) IncrementReconcile(outcome string) {
	m.ReconcileOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncrementLockTimeout() { m.LockWaitTimeouts.Inc() }
