package mirror

import "github.com/prometheus/client_golang/prometheus"

var (
	writes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowrecon",
		Subsystem: "mirror",
		Name:      "writes_total",
		Help:      "Mirror writes by record kind and result (inserted, duplicate, invalid, error).",
	}, []string{"kind", "result"})

	writeDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "escrowrecon",
		Subsystem: "mirror",
		Name:      "write_duration_seconds",
		Help:      "Mirror store write latency.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(writes, writeDuration)
}
