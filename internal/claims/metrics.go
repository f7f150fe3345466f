package claims

import "github.com/prometheus/client_golang/prometheus"

var (
	listRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowrecon",
		Subsystem: "claims",
		Name:      "list_requests_total",
		Help:      "Claimable listings by result (ok, partial, error).",
	}, []string{"result"})

	listDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "escrowrecon",
		Subsystem: "claims",
		Name:      "list_duration_seconds",
		Help:      "Time to aggregate a receiver's claimable balances.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	escrowFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowrecon",
		Subsystem: "claims",
		Name:      "escrow_failures_total",
		Help:      "Escrows left out of a listing because their balance could not be read.",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(listRequests, listDuration, escrowFailures)
}
