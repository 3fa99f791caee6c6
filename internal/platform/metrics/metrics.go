// Package metrics holds process-level Prometheus metrics and the scrape handler.
// Module metrics live next to their modules (internal/<module>/metrics).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds process-wide gauges.
type Metrics struct {
	BuildInfo      *prometheus.GaugeVec
	ComponentReady *prometheus.GaugeVec
}

// New creates and registers the process metrics.
func New() *Metrics {
	return &Metrics{
		BuildInfo: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "idhub_build_info",
			Help: "Build information, value is always 1",
		}, []string{"version"}),
		ComponentReady: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "idhub_component_ready",
			Help: "1 when the named component started successfully",
		}, []string{"kind", "name"}),
	}
}

func (m *Metrics) SetBuildInfo(version string) {
	m.BuildInfo.WithLabelValues(version).Set(1)
}

// MarkComponent records which registry implementation was selected.
func (m *Metrics) MarkComponent(kind, name string) {
	m.ComponentReady.WithLabelValues(kind, name).Set(1)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
