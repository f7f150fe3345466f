package payrail

import "github.com/prometheus/client_golang/prometheus"

var (
	requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowrecon",
		Subsystem: "payrail",
		Name:      "requests_total",
		Help:      "Payment rail requests by path and result.",
	}, []string{"path", "result"})

	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "escrowrecon",
		Subsystem: "payrail",
		Name:      "request_duration_seconds",
		Help:      "Payment rail request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"path"})
)

func init() {
	prometheus.MustRegister(requests, requestDuration)
}
