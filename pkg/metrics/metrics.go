// Package metrics wires a small set of Prometheus collectors into
// ProcessManager and HealthChecker, following the teacher's
// promauto-based instrumentation style. Nothing in this repository mounts
// an HTTP exporter (no GUI/dashboard is in scope); WriteText is provided
// for an operator to expose the registry on their own mux.
package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"
)

// Registry bundles the conductor's Prometheus collectors on a private
// registry (never the global default, so tests can construct many in the
// same process without collector-already-registered panics).
type Registry struct {
	reg *prometheus.Registry

	ProcessRestarts           *prometheus.CounterVec
	ProcessSpawnFailures      *prometheus.CounterVec
	HealthConsecutiveFailures prometheus.Gauge
	HealthCircuitState        prometheus.Gauge
}

// New constructs and registers all collectors.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		ProcessRestarts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_process_restarts_total",
			Help: "Total restarts performed per worker kind.",
		}, []string{"kind"}),
		ProcessSpawnFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_process_spawn_failures_total",
			Help: "Total spawn failures per worker kind.",
		}, []string{"kind"}),
		HealthConsecutiveFailures: factory.NewGauge(prometheus.GaugeOpts{
			Name: "conductor_health_consecutive_failures",
			Help: "Current consecutive health-probe failure count.",
		}),
		HealthCircuitState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "conductor_health_circuit_state",
			Help: "Current circuit state: 0=closed, 1=open, 2=half-open.",
		}),
	}
}

// WriteText writes the current metric values to w in Prometheus text
// exposition format.
func (r *Registry) WriteText(w io.Writer) error {
	families, err := r.reg.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
