package gate

import "github.com/prometheus/client_golang/prometheus"

var (
	decisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowrecon",
		Subsystem: "gate",
		Name:      "claim_decisions_total",
		Help:      "Claim authorization decisions by resulting state.",
	}, []string{"state"})

	fundingChecks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowrecon",
		Subsystem: "gate",
		Name:      "funding_checks_total",
		Help:      "Sender funding checks by result.",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(decisions, fundingChecks)
}
