package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// --- Detector state ---
	SamplesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "coresgate",
			Name:      "samples_total",
			Help:      "Count of per-host samples ingested by the detector.",
		},
	)

	TrackedHosts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "coresgate",
			Name:      "tracked_hosts",
			Help:      "Number of hosts the detector holds a metric window for.",
		},
	)

	ActiveHosts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "coresgate",
			Name:      "active_hosts",
			Help:      "Number of tracked hosts currently marked active by the activity hysteresis.",
		},
	)

	MitigatedHosts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "coresgate",
			Name:      "mitigated_hosts",
			Help:      "Number of hosts currently under mitigation.",
		},
	)

	FlagsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coresgate",
			Name:      "flags_total",
			Help:      "Count of batches in which a host not under mitigation exceeded all of its thresholds.",
		},
		[]string{"host"},
	)

	// --- Mitigation dispatch ---
	MitigationStartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "coresgate",
			Name:      "mitigation_starts_total",
			Help:      "Total StartMitigation events emitted.",
		},
	)

	MitigationStopsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "coresgate",
			Name:      "mitigation_stops_total",
			Help:      "Total StopMitigation events emitted.",
		},
	)

	ActuatorErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coresgate",
			Name:      "actuator_errors_total",
			Help:      "Mitigation actuator failures, labeled by action.",
		},
		[]string{"action"},
	)

	// --- Configuration ---
	ConfigReloads = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "coresgate",
			Name:      "config_reloads_total",
			Help:      "Successful configuration reloads.",
		},
	)

	ConfigReloadErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "coresgate",
			Name:      "config_reload_errors_total",
			Help:      "Configuration reloads skipped due to probe, parse, or validation errors.",
		},
	)

	registerOnce sync.Once
)

// RegisterDetectorMetrics registers all detector + mitigation + config metrics once.
func RegisterDetectorMetrics(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		// Detector
		reg.MustRegister(SamplesTotal)
		reg.MustRegister(TrackedHosts)
		reg.MustRegister(ActiveHosts)
		reg.MustRegister(MitigatedHosts)
		reg.MustRegister(FlagsTotal)

		// Mitigation
		reg.MustRegister(MitigationStartsTotal)
		reg.MustRegister(MitigationStopsTotal)
		reg.MustRegister(ActuatorErrors)

		// Configuration
		reg.MustRegister(ConfigReloads)
		reg.MustRegister(ConfigReloadErrors)
	})
}
