package redemption

import "github.com/prometheus/client_golang/prometheus"

var outcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "escrowrecon",
	Subsystem: "redemption",
	Name:      "requests_total",
	Help:      "Redemption requests by outcome.",
}, []string{"outcome"})

func init() {
	prometheus.MustRegister(outcomes)
}
