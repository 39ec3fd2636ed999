package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// coresgate_samples_rejected_total
	SamplesRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coresgate_samples_rejected_total",
			Help: "Total sample batches rejected at the ingest endpoint.",
		},
	)
)

func init() {
	prometheus.MustRegister(SamplesRejected)
}
