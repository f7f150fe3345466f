package upstream

import "github.com/prometheus/client_golang/prometheus"

var (
	calls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowrecon",
		Subsystem: "upstream",
		Name:      "calls_total",
		Help:      "Guarded upstream calls by source and result.",
	}, []string{"source", "result"})

	callDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "escrowrecon",
		Subsystem: "upstream",
		Name:      "call_duration_seconds",
		Help:      "Guarded upstream call latency.",
		Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"source"})
)

func init() {
	prometheus.MustRegister(calls, callDuration)
}
